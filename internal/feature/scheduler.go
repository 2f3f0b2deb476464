package feature

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/quantpond/driftline/internal/domain"
	"github.com/quantpond/driftline/internal/obs"
)

// Key names one scheduled feature stream.
type Key struct {
	Symbol   string
	Interval string
}

// Scheduler runs the engine on a fixed period, one loop per key. A run still
// in flight when the next tick lands is skipped and counted, never stacked.
type Scheduler struct {
	engine  *Engine
	metrics *obs.Metrics
	period  time.Duration
	keys    []Key

	mu      sync.Mutex
	busy    map[Key]bool
	running bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// NewScheduler builds a scheduler over the given keys.
func NewScheduler(engine *Engine, metrics *obs.Metrics, period time.Duration, keys []Key) *Scheduler {
	if period <= 0 {
		period = 30 * time.Second
	}
	return &Scheduler{
		engine:  engine,
		metrics: metrics,
		period:  period,
		keys:    keys,
		busy:    make(map[Key]bool),
	}
}

// Start launches one loop per key. Idempotent.
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return
	}
	runCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.running = true

	for _, key := range s.keys {
		s.wg.Add(1)
		go s.loop(runCtx, key)
	}
	log.Info().Int("keys", len(s.keys)).Dur("period", s.period).Msg("Feature scheduler started")
}

// Stop cancels every loop and waits for in-flight runs. Idempotent.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	cancel := s.cancel
	s.mu.Unlock()

	cancel()
	s.wg.Wait()
	log.Info().Msg("Feature scheduler stopped")
}

func (s *Scheduler) loop(ctx context.Context, key Key) {
	defer s.wg.Done()

	ticker := time.NewTicker(s.period)
	defer ticker.Stop()

	s.runOnce(ctx, key)
	for {
		select {
		case <-ticker.C:
			s.runOnce(ctx, key)
		case <-ctx.Done():
			return
		}
	}
}

// runOnce try-locks the key; an overlapping attempt is skipped and counted.
func (s *Scheduler) runOnce(ctx context.Context, key Key) {
	s.mu.Lock()
	if s.busy[key] {
		s.mu.Unlock()
		if s.metrics != nil {
			s.metrics.OverlapSkips.Inc()
		}
		log.Debug().Str("symbol", key.Symbol).Msg("Feature run still in flight, skipping tick")
		return
	}
	s.busy[key] = true
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		delete(s.busy, key)
		s.mu.Unlock()
	}()

	env := s.engine.ComputeAndStore(ctx, key.Symbol, key.Interval)
	if env.Status == domain.StatusError {
		log.Warn().
			Str("symbol", key.Symbol).
			Str("reason", env.Reason).
			Msg("Feature run failed")
	}
}
