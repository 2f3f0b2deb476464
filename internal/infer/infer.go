// Package infer is the decision path: resolve the production model, build
// the newest feature vector, score it, and append the decision to the
// inference log.
package infer

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/quantpond/driftline/internal/domain"
	"github.com/quantpond/driftline/internal/obs"
	"github.com/quantpond/driftline/internal/registry"
	"github.com/quantpond/driftline/internal/store"
	"github.com/quantpond/driftline/internal/train"
)

// Config tunes the decision path.
type Config struct {
	ModelName     string
	ModelType     string
	Target        string // recorded with each inference for the labeler
	ProbThreshold float64
}

// Result is one scored decision.
type Result struct {
	ID           string  `json:"id"`
	Probability  float64 `json:"probability"`
	Decision     int     `json:"decision"`
	ModelVersion string  `json:"model_version"`
	OpenTime     int64   `json:"open_time"`
	ChecksumOK   bool    `json:"checksum_ok"`
}

// Engine scores the latest snapshot for a (symbol, interval).
type Engine struct {
	models     *registry.Service
	features   store.FeatureStore
	inferences store.InferenceLog
	metrics    *obs.Metrics
	cfg        Config
}

// NewEngine builds the inference engine. metrics may be nil.
func NewEngine(models *registry.Service, features store.FeatureStore, inferences store.InferenceLog, metrics *obs.Metrics, cfg Config) *Engine {
	if cfg.ProbThreshold <= 0 || cfg.ProbThreshold >= 1 {
		cfg.ProbThreshold = 0.6
	}
	return &Engine{models: models, features: features, inferences: inferences, metrics: metrics, cfg: cfg}
}

// Predict scores the newest snapshot and logs the decision. A snapshot
// missing any model feature returns an insufficient_data envelope rather
// than a padded vector.
func (e *Engine) Predict(ctx context.Context, symbol, interval string) (Result, domain.Envelope) {
	model, err := e.models.Production(ctx, e.cfg.ModelName, e.cfg.ModelType)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return Result{}, domain.Envelope{Status: domain.StatusNoData, Reason: "no_production_model"}
		}
		log.Error().Err(err).Msg("Production model load failed")
		return Result{}, domain.ErrEnvelope("model_load_failed")
	}

	snaps, err := e.features.LatestSnapshots(ctx, symbol, interval, 1)
	if err != nil {
		log.Error().Err(err).Str("symbol", symbol).Msg("Snapshot fetch failed")
		return Result{}, domain.ErrEnvelope("snapshot_fetch_failed")
	}
	if len(snaps) == 0 {
		return Result{}, domain.Envelope{Status: domain.StatusNoData}
	}
	snap := snaps[0]

	vector := make([]float64, 0, len(model.FeatureOrder))
	for _, name := range model.FeatureOrder {
		v, ok := snap.Value(name)
		if !ok {
			return Result{}, domain.Envelope{
				Status: domain.StatusInsufficientData,
				Reason: fmt.Sprintf("feature %s missing", name),
			}
		}
		vector = append(vector, v)
	}

	probs, err := train.Predict(model.Model, [][]float64{vector})
	if err != nil {
		log.Error().Err(err).Str("version", model.Version).Msg("Model predict failed")
		return Result{}, domain.ErrEnvelope("predict_failed")
	}
	prob := probs[0]

	decision := domain.DecisionPass
	if prob >= e.cfg.ProbThreshold {
		decision = domain.DecisionLong
	}

	rec := domain.InferenceRecord{
		ID:           uuid.NewString(),
		CreatedAt:    time.Now().UTC(),
		Probability:  prob,
		Decision:     decision,
		Threshold:    e.cfg.ProbThreshold,
		ModelName:    model.Name,
		ModelVersion: model.Version,
		Symbol:       symbol,
		Interval:     interval,
		Extra:        map[string]string{"target": e.cfg.Target},
	}
	if err := e.inferences.Append(ctx, rec); err != nil {
		log.Error().Err(err).Msg("Inference append failed")
		return Result{}, domain.ErrEnvelope("inference_log_failed")
	}

	if e.metrics != nil {
		label := "pass"
		if decision == domain.DecisionLong {
			label = "long"
		}
		e.metrics.InferenceRequests.WithLabelValues(label).Inc()
	}

	return Result{
		ID:           rec.ID,
		Probability:  prob,
		Decision:     decision,
		ModelVersion: model.Version,
		OpenTime:     snap.OpenTime,
		ChecksumOK:   model.ChecksumOK,
	}, domain.OKEnvelope(nil)
}
