package main

import (
	"context"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/spf13/pflag"

	"github.com/quantpond/driftline/internal/config"
	"github.com/quantpond/driftline/internal/label"
	"github.com/quantpond/driftline/internal/obs"
	"github.com/quantpond/driftline/internal/retrain"
	"github.com/quantpond/driftline/internal/store"
	"github.com/quantpond/driftline/internal/store/postgres"
	"github.com/quantpond/driftline/internal/train"
)

// stores bundles every Postgres-backed repository over one connection pool.
type stores struct {
	db         *sqlx.DB
	candles    store.CandleStore
	gaps       store.GapStore
	features   store.FeatureStore
	sentiments store.SentimentStore
	registry   store.ModelRegistry
	inferences store.InferenceLog
	jobs       store.JobStore
	locker     store.AdvisoryLocker
}

func (s *stores) close() {
	if s.db != nil {
		s.db.Close()
	}
}

// openStores connects, ensures the schema, and builds the repositories.
func openStores(ctx context.Context, cfg *config.Config) (*stores, error) {
	db, err := postgres.Connect(ctx, cfg.Storage.DSN)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to postgres: %w", err)
	}
	if err := postgres.EnsureSchema(ctx, db); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ensure schema: %w", err)
	}

	timeout := cfg.Storage.QueryTimeout()
	return &stores{
		db:         db,
		candles:    postgres.NewCandleStore(db, timeout),
		gaps:       postgres.NewGapStore(db, timeout),
		features:   postgres.NewFeatureStore(db, timeout),
		sentiments: postgres.NewSentimentStore(db, timeout),
		registry:   postgres.NewModelRegistry(db, timeout),
		inferences: postgres.NewInferenceLog(db, timeout),
		jobs:       postgres.NewJobStore(db, timeout),
		locker:     postgres.NewAdvisoryLocker(db, timeout),
	}, nil
}

// loadConfig reads the file named by --config (or defaults when absent).
func loadConfig(flags *pflag.FlagSet) (*config.Config, error) {
	path, _ := flags.GetString("config")
	return config.Load(path)
}

// labelSpec maps the configured target onto a training label rule.
// Recognized forms: "bottom", "direction", "horizon:<duration>".
func labelSpec(cfg *config.Config, intervalMS int64) (train.LabelSpec, error) {
	target := cfg.Training.Target
	switch {
	case target == "" || target == train.LabelBottom:
		return train.LabelSpec{
			Kind: train.LabelBottom,
			Bottom: label.Params{
				Lookahead: cfg.Labeling.Lookahead,
				Drawdown:  cfg.Labeling.Drawdown,
				Rebound:   cfg.Labeling.Rebound,
			},
		}, nil
	case target == train.LabelDirection:
		return train.LabelSpec{Kind: train.LabelDirection}, nil
	case len(target) > len("horizon:") && target[:len("horizon:")] == "horizon:":
		bars, err := train.ParseHorizon(target[len("horizon:"):], intervalMS)
		if err != nil {
			return train.LabelSpec{}, err
		}
		return train.LabelSpec{Kind: train.LabelHorizon, HorizonBars: bars}, nil
	default:
		return train.LabelSpec{}, fmt.Errorf("unknown training target %q", target)
	}
}

// trainRequest builds the standard training request from configuration.
func trainRequest(cfg *config.Config, intervalMS int64, withSentiment bool) (train.Request, error) {
	spec, err := labelSpec(cfg, intervalMS)
	if err != nil {
		return train.Request{}, err
	}
	return train.Request{
		Symbol:        cfg.Venue.Symbol,
		Interval:      cfg.Venue.Interval,
		ModelName:     cfg.Training.ModelName,
		ModelType:     cfg.Training.ModelType,
		Label:         spec,
		WithSentiment: withSentiment,
		CVSplits:      cfg.Training.CVSplits,
	}, nil
}

// trainConfig maps the optimizer and floor settings.
func trainConfig(cfg *config.Config) train.Config {
	return train.Config{
		MinBars:      cfg.Training.MinBars,
		MinPositives: cfg.Training.MinPositives,
		ValFrac:      cfg.Training.ValFrac,
		Iterations:   cfg.Training.Iterations,
		LearningRate: cfg.Training.LearningRate,
		ArtifactDir:  cfg.Training.ArtifactDir,
	}
}

// labelerConfig maps the bottom-event rule settings.
func labelerConfig(cfg *config.Config) label.Config {
	return label.Config{
		Params: label.Params{
			Lookahead: cfg.Labeling.Lookahead,
			Drawdown:  cfg.Labeling.Drawdown,
			Rebound:   cfg.Labeling.Rebound,
		},
		MinAge:     cfg.Labeling.MinAge(),
		BatchLimit: cfg.Labeling.BatchLimit,
		Slack:      cfg.Labeling.Slack,
	}
}

// retrainGate builds the promotion gate with the configured thresholds.
func retrainGate(st *stores, metrics *obs.Metrics, cfg *config.Config) *retrain.Gate {
	return retrain.NewGate(st.registry, st.jobs, metrics, retrain.GateConfig{
		MinSampleGrowth:     cfg.Promotion.MinSampleGrowth,
		MinAUCImprove:       cfg.Promotion.MinAUCImprove,
		MaxBrierDegradation: cfg.Promotion.MaxBrierDegradation,
		MaxECEDegradation:   cfg.Promotion.MaxECEDegradation,
	})
}

// shutdownTimeout bounds cleanup work during process exit.
const shutdownTimeout = 10 * time.Second
