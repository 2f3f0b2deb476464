package retrain

import (
	"context"
	"errors"
	"fmt"
	"math"

	"github.com/rs/zerolog/log"

	"github.com/quantpond/driftline/internal/domain"
	"github.com/quantpond/driftline/internal/obs"
	"github.com/quantpond/driftline/internal/store"
)

// Promotion gate rejection reasons. These strings are part of the audit
// contract; dashboards filter on them.
const (
	ReasonSampleGrowth = "insufficient_sample_growth"
	ReasonAUCImprove   = "auc_improvement_too_small"
	ReasonBrier        = "brier_degradation_too_large"
	ReasonECE          = "ece_degradation_too_large"
)

// GateConfig holds the promotion thresholds.
type GateConfig struct {
	MinSampleGrowth     float64
	MinAUCImprove       float64
	MaxBrierDegradation float64
	MaxECEDegradation   float64
}

// GateResult is one promotion decision.
type GateResult struct {
	Promoted bool   `json:"promoted"`
	Reason   string `json:"reason,omitempty"`
	ModelID  int64  `json:"model_id"`
}

// Gate compares a challenger against the production incumbent and promotes
// when every threshold passes. A failed gate never touches the incumbent.
type Gate struct {
	registry store.ModelRegistry
	jobs     store.JobStore
	metrics  *obs.Metrics
	cfg      GateConfig
}

// NewGate builds the promotion gate. metrics may be nil.
func NewGate(registry store.ModelRegistry, jobs store.JobStore, metrics *obs.Metrics, cfg GateConfig) *Gate {
	return &Gate{registry: registry, jobs: jobs, metrics: metrics, cfg: cfg}
}

// Evaluate runs the gate for candidate id. Without an incumbent the candidate
// is activated directly. On success the candidate becomes production, every
// other production row of the same (name, model_type) is demoted, and an
// audit row records the decision either way.
func (g *Gate) Evaluate(ctx context.Context, candidateID int64) (GateResult, error) {
	result := GateResult{ModelID: candidateID}

	candidate, err := g.registry.FetchByID(ctx, candidateID)
	if err != nil {
		return result, fmt.Errorf("failed to load candidate: %w", err)
	}

	incumbent, err := g.registry.FetchProduction(ctx, candidate.Name, candidate.ModelType)
	if errors.Is(err, store.ErrNotFound) {
		if err := g.registry.Activate(ctx, candidateID); err != nil {
			return result, fmt.Errorf("failed to activate first model: %w", err)
		}
		result.Promoted = true
		g.audit(ctx, result, "first_production")
		return result, nil
	}
	if err != nil {
		return result, fmt.Errorf("failed to load incumbent: %w", err)
	}

	if reason := g.compare(candidate, incumbent); reason != "" {
		result.Reason = reason
		g.audit(ctx, result, reason)
		return result, nil
	}

	if err := g.registry.Promote(ctx, candidateID); err != nil {
		return result, fmt.Errorf("failed to promote candidate: %w", err)
	}
	if err := g.registry.DemoteOthers(ctx, candidate.Name, candidate.ModelType, candidateID); err != nil {
		return result, fmt.Errorf("failed to demote incumbent: %w", err)
	}

	result.Promoted = true
	g.audit(ctx, result, "gate_passed")
	log.Info().
		Int64("model_id", candidateID).
		Str("name", candidate.Name).
		Str("version", candidate.Version).
		Msg("Model promoted to production")
	return result, nil
}

// compare returns the first failed gate's reason, or "" when all pass.
// Metrics absent on either side fail the corresponding check conservatively.
func (g *Gate) compare(candidate, incumbent domain.ModelRow) string {
	newSamples, okA := candidate.MetricFloat("n_samples")
	prodSamples, okB := incumbent.MetricFloat("n_samples")
	if !okA || !okB || newSamples < prodSamples*g.cfg.MinSampleGrowth {
		return ReasonSampleGrowth
	}

	newAUC, okA := candidate.MetricFloat("auc")
	prodAUC, okB := incumbent.MetricFloat("auc")
	if !okA || !okB || prodAUC == 0 {
		return ReasonAUCImprove
	}
	if (newAUC-prodAUC)/math.Abs(prodAUC) < g.cfg.MinAUCImprove {
		return ReasonAUCImprove
	}

	newBrier, okA := candidate.MetricFloat("brier")
	prodBrier, okB := incumbent.MetricFloat("brier")
	if !okA || !okB || newBrier-prodBrier > g.cfg.MaxBrierDegradation {
		return ReasonBrier
	}

	newECE, okA := candidate.MetricFloat("ece")
	prodECE, okB := incumbent.MetricFloat("ece")
	if !okA || !okB || newECE-prodECE > g.cfg.MaxECEDegradation {
		return ReasonECE
	}
	return ""
}

func (g *Gate) audit(ctx context.Context, result GateResult, reason string) {
	if g.metrics != nil {
		decision := "rejected"
		if result.Promoted {
			decision = "promoted"
		}
		g.metrics.Promotions.WithLabelValues(decision).Inc()
	}
	if err := g.jobs.RecordPromotion(ctx, result.ModelID, result.Promoted, reason); err != nil {
		log.Warn().Err(err).Int64("model_id", result.ModelID).Msg("Failed to write promotion audit")
	}
}
