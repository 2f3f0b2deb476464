package train

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/quantpond/driftline/internal/domain"
	"github.com/quantpond/driftline/internal/obs"
	"github.com/quantpond/driftline/internal/store"
)

// Config tunes dataset floors, the hold-out split and the optimizer.
type Config struct {
	MinBars      int
	MinPositives int
	ValFrac      float64
	Iterations   int
	LearningRate float64
	ArtifactDir  string
}

// Request describes one training run.
type Request struct {
	Symbol        string
	Interval      string
	ModelName     string
	ModelType     string
	Label         LabelSpec
	WithSentiment bool
	WindowBars    int // snapshots considered, newest backwards
	CVSplits      int // 0 disables cross-validation
}

// Service runs training end to end: dataset assembly, CV, hold-out fit,
// artifact packaging and registry registration, with a training_jobs audit
// row around every run.
type Service struct {
	features store.FeatureStore
	candles  store.CandleStore
	registry store.ModelRegistry
	jobs     store.JobStore
	metrics  *obs.Metrics
	cfg      Config
}

// NewService builds a training service. metrics may be nil.
func NewService(features store.FeatureStore, candles store.CandleStore, registry store.ModelRegistry, jobs store.JobStore, metrics *obs.Metrics, cfg Config) *Service {
	if cfg.MinBars <= 0 {
		cfg.MinBars = 150
	}
	if cfg.MinPositives <= 0 {
		cfg.MinPositives = 150
	}
	return &Service{features: features, candles: candles, registry: registry, jobs: jobs, metrics: metrics, cfg: cfg}
}

// Run executes one training run. Interrupted runs finish the job row with an
// error and register nothing.
func (s *Service) Run(ctx context.Context, req Request) domain.Envelope {
	started := time.Now()
	env := s.run(ctx, req)
	if s.metrics != nil {
		s.metrics.RecordTrainingRun(env.Status, time.Since(started))
	}
	return env
}

func (s *Service) run(ctx context.Context, req Request) domain.Envelope {
	if req.WindowBars <= 0 {
		req.WindowBars = 5000
	}

	jobID := uuid.NewString()
	job := domain.TrainingJob{
		ID:        jobID,
		ModelName: req.ModelName,
		ModelType: req.ModelType,
		Status:    domain.JobRunning,
		StartedAt: time.Now().UTC(),
	}
	if err := s.jobs.CreateJob(ctx, job); err != nil {
		log.Error().Err(err).Msg("Failed to open training job")
		return domain.ErrEnvelope("job_create_failed")
	}

	env := s.train(ctx, req)
	status := domain.JobOK
	reason := env.Status
	if env.Status == domain.StatusError {
		status = domain.JobError
		reason = env.Reason
	}
	// The job row is closed with a background-bounded context so an aborted
	// run still leaves an audit trail.
	finishCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.jobs.FinishJob(finishCtx, jobID, status, reason); err != nil {
		log.Warn().Err(err).Str("job_id", jobID).Msg("Failed to close training job")
	}
	if env.Detail != nil {
		env.Detail["job_id"] = jobID
	}
	return env
}

func (s *Service) train(ctx context.Context, req Request) domain.Envelope {
	ds, env := s.assemble(ctx, req)
	if env != nil {
		return *env
	}

	n := len(ds.X)
	detail := map[string]any{
		"n_samples": n,
		"positives": ds.Positives,
	}

	params := FitParams{Iterations: s.cfg.Iterations, LearningRate: s.cfg.LearningRate}

	var cv CVSummary
	if req.CVSplits > 0 {
		var err error
		cv, err = TimeOrderedCV(ctx, ds.X, ds.Y, req.CVSplits, params)
		if err != nil {
			return s.interrupted(err)
		}
	}

	valSize := s.holdoutSize(n)
	trainX, trainY := ds.X[:n-valSize], ds.Y[:n-valSize]
	valX, valY := ds.X[n-valSize:], ds.Y[n-valSize:]
	if singleClass(trainY) {
		return domain.Envelope{Status: domain.StatusInsufficientClassVariation, Detail: detail}
	}

	model, err := Fit(ctx, trainX, trainY, params)
	if err != nil {
		return s.interrupted(err)
	}
	probs, err := Predict(model, valX)
	if err != nil {
		return domain.ErrEnvelope(fmt.Sprintf("predict failed: %v", err))
	}
	eval := Evaluate(probs, valY)

	metrics := s.metricsMap(eval, cv, req, n, valSize)
	artifact, err := NewArtifact(model, ds.FeatureOrder, metrics)
	if err != nil {
		return domain.ErrEnvelope(fmt.Sprintf("artifact build failed: %v", err))
	}

	version := NewVersion()
	path, err := Save(s.cfg.ArtifactDir, req.ModelName, version, artifact)
	if err != nil {
		return domain.ErrEnvelope(fmt.Sprintf("artifact write failed: %v", err))
	}

	metricsJSON, err := json.Marshal(artifact.Metrics)
	if err != nil {
		return domain.ErrEnvelope(fmt.Sprintf("metrics encode failed: %v", err))
	}
	modelID, err := s.registry.Register(ctx, domain.ModelRow{
		Name:         req.ModelName,
		Version:      version,
		ModelType:    req.ModelType,
		Status:       domain.ModelStaging,
		ArtifactPath: path,
		Metrics:      metricsJSON,
	})
	if err != nil {
		return domain.ErrEnvelope(fmt.Sprintf("registry insert failed: %v", err))
	}

	log.Info().
		Str("model", req.ModelName).
		Str("version", version).
		Int64("model_id", modelID).
		Int("samples", n).
		Msg("Training run registered")

	detail["model_id"] = modelID
	detail["version"] = version
	detail["metrics"] = artifact.Metrics
	return domain.OKEnvelope(detail)
}

// assemble builds the dataset and enforces the sufficiency floors. A non-nil
// envelope short-circuits the run.
func (s *Service) assemble(ctx context.Context, req Request) (Dataset, *domain.Envelope) {
	snaps, err := s.features.LatestSnapshots(ctx, req.Symbol, req.Interval, req.WindowBars)
	if err != nil {
		env := domain.ErrEnvelope("snapshot_fetch_failed")
		return Dataset{}, &env
	}
	if len(snaps) == 0 {
		env := domain.Envelope{Status: domain.StatusNoData}
		return Dataset{}, &env
	}

	// Newest first from the store; training wants chronological order.
	for i, j := 0, len(snaps)-1; i < j; i, j = i+1, j-1 {
		snaps[i], snaps[j] = snaps[j], snaps[i]
	}

	intervalMS, err := domain.IntervalMS(req.Interval)
	if err != nil {
		env := domain.ErrEnvelope(fmt.Sprintf("invalid interval: %v", err))
		return Dataset{}, &env
	}
	forward := int64(req.Label.HorizonBars+req.Label.Bottom.Lookahead+1) * intervalMS
	from := snaps[0].OpenTime
	to := snaps[len(snaps)-1].OpenTime + forward

	candles, err := s.candles.FetchRange(ctx, req.Symbol, req.Interval, from, to)
	if err != nil {
		env := domain.ErrEnvelope("candle_fetch_failed")
		return Dataset{}, &env
	}

	ds, err := Build(snaps, candles, req.Label, FeatureOrder(req.WithSentiment))
	if err != nil {
		env := domain.ErrEnvelope(fmt.Sprintf("dataset build failed: %v", err))
		return Dataset{}, &env
	}

	detail := map[string]any{"n_samples": len(ds.X), "positives": ds.Positives}
	if len(ds.X) < s.cfg.MinBars {
		env := domain.Envelope{Status: domain.StatusInsufficientData, Detail: detail}
		return Dataset{}, &env
	}
	if ds.Positives < s.cfg.MinPositives {
		env := domain.Envelope{Status: domain.StatusInsufficientLabels, Detail: detail}
		return Dataset{}, &env
	}
	if ds.Positives == len(ds.X) {
		env := domain.Envelope{Status: domain.StatusInsufficientClassVariation, Detail: detail}
		return Dataset{}, &env
	}
	return ds, nil
}

// holdoutSize applies val_frac with the floor min(200, max(10% of data, 50)).
func (s *Service) holdoutSize(n int) int {
	frac := s.cfg.ValFrac
	if frac <= 0 || frac >= 0.9 {
		frac = 0.2
	}
	val := int(float64(n) * frac)

	floor := n / 10
	if floor < 50 {
		floor = 50
	}
	if floor > 200 {
		floor = 200
	}
	if val < floor {
		val = floor
	}
	if val >= n {
		val = n - 1
	}
	return val
}

func (s *Service) interrupted(err error) domain.Envelope {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		log.Warn().Msg("Training run cancelled, nothing registered")
		return domain.ErrEnvelope("cancelled")
	}
	return domain.ErrEnvelope(fmt.Sprintf("training failed: %v", err))
}

func (s *Service) metricsMap(eval EvalMetrics, cv CVSummary, req Request, n, valSize int) map[string]any {
	m := map[string]any{
		"auc":       eval.AUC,
		"accuracy":  eval.Accuracy,
		"brier":     eval.Brier,
		"ece":       eval.ECE,
		"mce":       eval.MCE,
		"pr_auc":    eval.PRAUC,
		"n_samples": float64(n),
		"n_val":     float64(valSize),
		"label":     req.Label.Kind,
	}
	if eval.Note != "" {
		m["note"] = eval.Note
	}
	if cv.Folds > 0 {
		m["cv_folds"] = float64(cv.Folds)
		m["cv_mean_auc"] = cv.MeanAUC
		m["cv_std_auc"] = cv.StdAUC
		m["cv_mean_accuracy"] = cv.MeanAcc
		m["cv_mean_brier"] = cv.MeanBrier
	}
	return m
}

// NewVersion builds a `<ms-epoch>-<6 hex>` version string.
func NewVersion() string {
	var b [3]byte
	if _, err := rand.Read(b[:]); err != nil {
		// Time-only fallback keeps versions usable if entropy is unavailable.
		return fmt.Sprintf("%d-%06x", time.Now().UnixMilli(), time.Now().UnixNano()&0xffffff)
	}
	return fmt.Sprintf("%d-%s", time.Now().UnixMilli(), hex.EncodeToString(b[:]))
}
