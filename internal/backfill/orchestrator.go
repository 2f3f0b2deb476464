package backfill

import (
	"container/heap"
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/quantpond/driftline/internal/domain"
	"github.com/quantpond/driftline/internal/store"
)

// segmentQueue orders segments widest-first (most remaining bars), breaking
// ties by earliest detection so old gaps are not starved by fresh wide ones.
type segmentQueue []domain.GapSegment

func (q segmentQueue) Len() int { return len(q) }

func (q segmentQueue) Less(i, j int) bool {
	if q[i].RemainingBars != q[j].RemainingBars {
		return q[i].RemainingBars > q[j].RemainingBars
	}
	return q[i].DetectedAt.Before(q[j].DetectedAt)
}

func (q segmentQueue) Swap(i, j int) { q[i], q[j] = q[j], q[i] }

func (q *segmentQueue) Push(x any) { *q = append(*q, x.(domain.GapSegment)) }

func (q *segmentQueue) Pop() any {
	old := *q
	n := len(old)
	seg := old[n-1]
	*q = old[:n-1]
	return seg
}

// Orchestrator periodically reloads open segments and keeps up to
// concurrency workers busy on the widest ones.
type Orchestrator struct {
	gaps        store.GapStore
	worker      *Worker
	symbol      string
	interval    string
	rescan      time.Duration
	concurrency int

	mu       sync.Mutex
	queue    segmentQueue
	inFlight map[int64]struct{}
	running  bool
	cancel   context.CancelFunc
	wg       sync.WaitGroup
}

// NewOrchestrator builds the scheduler for one (symbol, interval).
func NewOrchestrator(gaps store.GapStore, worker *Worker, symbol, interval string, rescan time.Duration, concurrency int) *Orchestrator {
	if concurrency <= 0 {
		concurrency = 1
	}
	if rescan <= 0 {
		rescan = 30 * time.Second
	}
	return &Orchestrator{
		gaps:        gaps,
		worker:      worker,
		symbol:      symbol,
		interval:    interval,
		rescan:      rescan,
		concurrency: concurrency,
		inFlight:    make(map[int64]struct{}),
	}
}

// Start launches the reload/dispatch loop. Idempotent.
func (o *Orchestrator) Start(ctx context.Context) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.running {
		return
	}
	runCtx, cancel := context.WithCancel(ctx)
	o.cancel = cancel
	o.running = true

	o.wg.Add(1)
	go o.loop(runCtx)

	log.Info().
		Str("symbol", o.symbol).
		Int("concurrency", o.concurrency).
		Msg("Gap orchestrator started")
}

// Stop cancels the loop and waits for in-flight workers. Idempotent.
func (o *Orchestrator) Stop() {
	o.mu.Lock()
	if !o.running {
		o.mu.Unlock()
		return
	}
	o.running = false
	cancel := o.cancel
	o.mu.Unlock()

	cancel()
	o.wg.Wait()
	log.Info().Str("symbol", o.symbol).Msg("Gap orchestrator stopped")
}

// QueueDepth reports how many segments wait for a worker.
func (o *Orchestrator) QueueDepth() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.queue)
}

func (o *Orchestrator) loop(ctx context.Context) {
	defer o.wg.Done()

	ticker := time.NewTicker(o.rescan)
	defer ticker.Stop()

	// Fill the queue immediately; the ticker handles steady state.
	o.reload(ctx)
	o.dispatch(ctx)

	for {
		select {
		case <-ticker.C:
			o.reload(ctx)
			o.dispatch(ctx)
		case <-ctx.Done():
			return
		}
	}
}

// reload replaces the queue with the current open segments, skipping any a
// worker is already holding.
func (o *Orchestrator) reload(ctx context.Context) {
	segments, err := o.gaps.OpenSegments(ctx, o.symbol, o.interval)
	if err != nil {
		log.Warn().Err(err).Msg("Gap reload failed")
		return
	}

	o.mu.Lock()
	defer o.mu.Unlock()
	o.queue = o.queue[:0]
	for _, seg := range segments {
		if _, busy := o.inFlight[seg.ID]; busy {
			continue
		}
		o.queue = append(o.queue, seg)
	}
	heap.Init(&o.queue)
}

// dispatch pops segments for every free worker slot.
func (o *Orchestrator) dispatch(ctx context.Context) {
	for {
		o.mu.Lock()
		if len(o.inFlight) >= o.concurrency || o.queue.Len() == 0 {
			o.mu.Unlock()
			return
		}
		seg := heap.Pop(&o.queue).(domain.GapSegment)
		o.inFlight[seg.ID] = struct{}{}
		o.mu.Unlock()

		o.wg.Add(1)
		go func(seg domain.GapSegment) {
			defer o.wg.Done()
			defer func() {
				o.mu.Lock()
				delete(o.inFlight, seg.ID)
				o.mu.Unlock()
			}()

			if _, err := o.worker.Recover(ctx, seg); err != nil {
				log.Warn().Err(err).
					Int64("segment_id", seg.ID).
					Msg("Gap recovery pass failed")
			}
		}(seg)
	}
}
