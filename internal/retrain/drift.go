// Package retrain decides when the production model needs replacing: feature
// drift and calibration decay raise the flag, a controller serializes the
// retrain itself behind an advisory lock, and a promotion gate compares the
// challenger against the incumbent.
package retrain

import (
	"context"
	"fmt"
	"math"
	"sort"
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/quantpond/driftline/internal/store"
)

// Drift aggregation modes.
const (
	AggMaxAbs   = "max_abs"
	AggMeanTop3 = "mean_top3"
)

// DriftConfig tunes the snapshot drift detector.
type DriftConfig struct {
	Features            []string
	Window              int // W snapshots per half
	Threshold           float64
	AggMode             string
	RequiredConsecutive int
}

// DriftReport is one drift evaluation.
type DriftReport struct {
	Triggered  bool               `json:"triggered"`
	Score      float64            `json:"score"`
	TopFeature string             `json:"top_feature"`
	ZScores    map[string]float64 `json:"z_scores"`
	Streak     int                `json:"streak"`
}

// DriftDetector compares the recent half of each feature series against the
// baseline half with a Cohen's-d style z-score and fires after enough
// consecutive positive checks.
type DriftDetector struct {
	features store.FeatureStore
	cfg      DriftConfig

	mu     sync.Mutex
	streak int
}

// NewDriftDetector builds the detector.
func NewDriftDetector(features store.FeatureStore, cfg DriftConfig) *DriftDetector {
	if cfg.Window <= 0 {
		cfg.Window = 100
	}
	if cfg.RequiredConsecutive <= 0 {
		cfg.RequiredConsecutive = 1
	}
	if cfg.AggMode == "" {
		cfg.AggMode = AggMaxAbs
	}
	return &DriftDetector{features: features, cfg: cfg}
}

// Check evaluates drift for one (symbol, interval). Features with too little
// history are skipped; a check with no evaluable feature resets nothing and
// never triggers.
func (d *DriftDetector) Check(ctx context.Context, symbol, interval string) (DriftReport, error) {
	report := DriftReport{ZScores: make(map[string]float64)}

	for _, name := range d.cfg.Features {
		z, ok, err := d.featureZ(ctx, symbol, interval, name)
		if err != nil {
			return report, fmt.Errorf("failed to read series for %s: %w", name, err)
		}
		if ok {
			report.ZScores[name] = z
		}
	}
	if len(report.ZScores) == 0 {
		return report, nil
	}

	report.Score, report.TopFeature = aggregate(report.ZScores, d.cfg.AggMode)
	positive := report.Score >= d.cfg.Threshold

	d.mu.Lock()
	if positive {
		d.streak++
	} else {
		d.streak = 0
	}
	report.Streak = d.streak
	report.Triggered = positive && d.streak >= d.cfg.RequiredConsecutive
	d.mu.Unlock()

	if positive {
		log.Info().
			Str("symbol", symbol).
			Float64("score", report.Score).
			Str("top_feature", report.TopFeature).
			Int("streak", report.Streak).
			Bool("triggered", report.Triggered).
			Msg("Feature drift positive")
	}
	return report, nil
}

// Reset clears the consecutive-positive streak, called after a retrain runs.
func (d *DriftDetector) Reset() {
	d.mu.Lock()
	d.streak = 0
	d.mu.Unlock()
}

// featureZ computes the Cohen's-d z over the latest 2W points of one feature:
// baseline = older half, recent = newer half.
func (d *DriftDetector) featureZ(ctx context.Context, symbol, interval, name string) (float64, bool, error) {
	points, err := d.features.FeatureSeries(ctx, symbol, interval, name, 2*d.cfg.Window)
	if err != nil {
		return 0, false, err
	}

	vals := make([]float64, 0, len(points))
	for _, p := range points {
		if p.Value != nil {
			vals = append(vals, *p.Value)
		}
	}
	if len(vals) < 2*d.cfg.Window {
		return 0, false, nil
	}

	half := len(vals) / 2
	baseline, recent := vals[:half], vals[half:]

	bMean, bVar := meanVar(baseline)
	rMean, rVar := meanVar(recent)

	pooled := math.Sqrt((bVar + rVar) / 2)
	if pooled == 0 {
		if bMean == rMean {
			return 0, true, nil
		}
		return math.Inf(1), true, nil
	}
	return (rMean - bMean) / pooled, true, nil
}

// aggregate reduces per-feature z-scores to one drift score and names the
// feature with the largest magnitude.
func aggregate(zs map[string]float64, mode string) (score float64, top string) {
	type fz struct {
		name string
		abs  float64
	}
	ranked := make([]fz, 0, len(zs))
	for name, z := range zs {
		ranked = append(ranked, fz{name: name, abs: math.Abs(z)})
	}
	sort.Slice(ranked, func(i, j int) bool {
		if ranked[i].abs != ranked[j].abs {
			return ranked[i].abs > ranked[j].abs
		}
		return ranked[i].name < ranked[j].name
	})
	top = ranked[0].name

	switch mode {
	case AggMeanTop3:
		n := 3
		if len(ranked) < n {
			n = len(ranked)
		}
		sum := 0.0
		for _, r := range ranked[:n] {
			sum += r.abs
		}
		return sum / float64(n), top
	default: // AggMaxAbs
		return ranked[0].abs, top
	}
}

func meanVar(vals []float64) (mean, variance float64) {
	for _, v := range vals {
		mean += v
	}
	mean /= float64(len(vals))
	for _, v := range vals {
		d := v - mean
		variance += d * d
	}
	return mean, variance / float64(len(vals))
}
