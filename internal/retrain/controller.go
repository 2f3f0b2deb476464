package retrain

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/quantpond/driftline/internal/domain"
	"github.com/quantpond/driftline/internal/obs"
	"github.com/quantpond/driftline/internal/store"
	"github.com/quantpond/driftline/internal/train"
)

// Controller states.
const (
	StateIdle       = "idle"
	StateEvaluating = "evaluating"
	StateTraining   = "training"
	StatePromoting  = "promoting"
)

// Trainer runs one training pass. Implemented by train.Service.
type Trainer interface {
	Run(ctx context.Context, req train.Request) domain.Envelope
}

// ControllerConfig tunes the retrain loop.
type ControllerConfig struct {
	Symbol       string
	Interval     string
	LockKey      int64
	EvalInterval time.Duration
	MinInterval  time.Duration // spacing between controller-started trainings
	TrainRequest train.Request
	AutoPromote  bool
	RequireBoth  bool // train only when drift and calibration agree

	// OnPromoted is called with the model name after a successful promotion,
	// letting the serving side drop its cached incumbent. May be nil.
	OnPromoted func(modelName string)
}

// Controller evaluates drift and calibration on a cadence and, when either
// fires, runs training and the promotion gate. Cross-process runs are
// serialized by the advisory lock; non-holders skip the cycle and sleep.
type Controller struct {
	locker  store.AdvisoryLocker
	jobs    store.JobStore
	drift   *DriftDetector
	calib   *CalibrationMonitor
	trainer Trainer
	gate    *Gate
	metrics *obs.Metrics
	cfg     ControllerConfig

	mu            sync.Mutex
	state         string
	lastRun       time.Time
	lastPromotion time.Time
	running       bool
	cancel        context.CancelFunc
	wg            sync.WaitGroup
}

// NewController builds the retrain controller. calib and metrics may be nil.
func NewController(locker store.AdvisoryLocker, jobs store.JobStore, drift *DriftDetector, calib *CalibrationMonitor, trainer Trainer, gate *Gate, metrics *obs.Metrics, cfg ControllerConfig) *Controller {
	if cfg.EvalInterval <= 0 {
		cfg.EvalInterval = 5 * time.Minute
	}
	return &Controller{
		locker:  locker,
		jobs:    jobs,
		drift:   drift,
		calib:   calib,
		trainer: trainer,
		gate:    gate,
		metrics: metrics,
		cfg:     cfg,
		state:   StateIdle,
	}
}

// State reports the current controller state and timestamps for /status.
func (c *Controller) State() (state string, lastRun, lastPromotion time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state, c.lastRun, c.lastPromotion
}

func (c *Controller) setState(s string) {
	c.mu.Lock()
	c.state = s
	c.mu.Unlock()
}

// Start launches the evaluation loop. Idempotent.
func (c *Controller) Start(ctx context.Context) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.running {
		return
	}
	runCtx, cancel := context.WithCancel(ctx)
	c.cancel = cancel
	c.running = true

	c.wg.Add(1)
	go c.loop(runCtx)
	log.Info().Dur("eval_interval", c.cfg.EvalInterval).Msg("Retrain controller started")
}

// Stop cancels the loop; a run in flight returns to idle. Idempotent.
func (c *Controller) Stop() {
	c.mu.Lock()
	if !c.running {
		c.mu.Unlock()
		return
	}
	c.running = false
	cancel := c.cancel
	c.mu.Unlock()

	cancel()
	c.wg.Wait()
	c.setState(StateIdle)
	log.Info().Msg("Retrain controller stopped")
}

func (c *Controller) loop(ctx context.Context) {
	defer c.wg.Done()

	ticker := time.NewTicker(c.cfg.EvalInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			c.RunCycle(ctx)
		case <-ctx.Done():
			return
		}
	}
}

// RunCycle executes one evaluate-train-promote pass. Exported so the CLI can
// force a cycle.
func (c *Controller) RunCycle(ctx context.Context) {
	defer c.setState(StateIdle)

	held, err := c.locker.TryLock(ctx, c.cfg.LockKey)
	if err != nil {
		log.Warn().Err(err).Msg("Advisory lock attempt failed")
		return
	}
	if !held {
		log.Debug().Int64("key", c.cfg.LockKey).Msg("Advisory lock held elsewhere, skipping cycle")
		return
	}
	defer func() {
		unlockCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := c.locker.Unlock(unlockCtx, c.cfg.LockKey); err != nil {
			log.Warn().Err(err).Msg("Advisory unlock failed")
		}
	}()

	c.setState(StateEvaluating)
	trigger, detail := c.evaluate(ctx)
	if trigger == "" {
		return
	}

	c.mu.Lock()
	tooSoon := !c.lastRun.IsZero() && time.Since(c.lastRun) < c.cfg.MinInterval
	c.mu.Unlock()
	if tooSoon {
		log.Debug().Str("trigger", trigger).Msg("Retrain trigger inside min interval, deferred")
		return
	}

	if err := c.jobs.RecordRetrainEvent(ctx, trigger, detail); err != nil {
		log.Warn().Err(err).Msg("Failed to record retrain event")
	}

	c.setState(StateTraining)
	env := c.trainer.Run(ctx, c.cfg.TrainRequest)

	c.mu.Lock()
	c.lastRun = time.Now()
	c.mu.Unlock()
	c.drift.Reset()
	if c.calib != nil {
		c.calib.Reset()
	}

	if env.Status != domain.StatusOK {
		log.Warn().
			Str("status", env.Status).
			Str("reason", env.Reason).
			Msg("Controller training run did not produce a model")
		return
	}
	if !c.cfg.AutoPromote {
		return
	}

	modelID, ok := env.Detail["model_id"].(int64)
	if !ok {
		log.Warn().Msg("Training result carried no model id")
		return
	}

	c.setState(StatePromoting)
	result, err := c.gate.Evaluate(ctx, modelID)
	if err != nil {
		log.Error().Err(err).Int64("model_id", modelID).Msg("Promotion gate failed")
		return
	}
	if result.Promoted {
		c.mu.Lock()
		c.lastPromotion = time.Now()
		c.mu.Unlock()
		if c.cfg.OnPromoted != nil {
			c.cfg.OnPromoted(c.cfg.TrainRequest.ModelName)
		}
	}
}

// evaluate runs both detectors and reports the active trigger. By default
// either signal is enough; with RequireBoth set, drift alone does not train
// until calibration confirms.
func (c *Controller) evaluate(ctx context.Context) (trigger, detail string) {
	var driftHit bool
	var topFeature string
	report, err := c.drift.Check(ctx, c.cfg.Symbol, c.cfg.Interval)
	if err != nil {
		log.Warn().Err(err).Msg("Drift check failed")
	} else {
		if c.metrics != nil {
			result := "clean"
			if report.Triggered {
				result = "drift"
			}
			c.metrics.DriftChecks.WithLabelValues(result).Inc()
		}
		driftHit = report.Triggered
		topFeature = report.TopFeature
	}

	if c.cfg.RequireBoth {
		if !driftHit || c.calib == nil {
			return "", ""
		}
		calReport, err := c.calib.Check(ctx)
		if err != nil {
			log.Warn().Err(err).Msg("Calibration check failed")
			return "", ""
		}
		if calReport.Recommended {
			return "feature_drift", topFeature
		}
		return "", ""
	}

	if driftHit {
		return "feature_drift", topFeature
	}
	if c.calib == nil {
		return "", ""
	}
	calReport, err := c.calib.Check(ctx)
	if err != nil {
		log.Warn().Err(err).Msg("Calibration check failed")
		return "", ""
	}
	if calReport.Recommended {
		return "calibration_drift", "live_ece_regression"
	}
	return "", ""
}
