package retrain

import (
	"context"
	"encoding/json"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quantpond/driftline/internal/domain"
	"github.com/quantpond/driftline/internal/store/storetest"
)

func registerModel(t *testing.T, registry *storetest.Registry, version, status string, metrics map[string]any) int64 {
	t.Helper()
	data, err := json.Marshal(metrics)
	require.NoError(t, err)
	id, err := registry.Register(context.Background(), domain.ModelRow{
		Name:         "bottom_lr",
		Version:      version,
		ModelType:    "logreg",
		Status:       status,
		ArtifactPath: fmt.Sprintf("/tmp/bottom_lr-%s.json", version),
		Metrics:      data,
	})
	require.NoError(t, err)
	return id
}

func defaultGateConfig() GateConfig {
	return GateConfig{
		MinSampleGrowth:     1.05,
		MinAUCImprove:       0.0,
		MaxBrierDegradation: 0.01,
		MaxECEDegradation:   0.01,
	}
}

func TestGateBlocksInsufficientSampleGrowth(t *testing.T) {
	registry := storetest.NewRegistry()
	jobs := storetest.NewJobs()
	registerModel(t, registry, "1-incumbent", domain.ModelProduction,
		map[string]any{"n_samples": 400.0, "auc": 0.58, "brier": 0.200, "ece": 0.040})
	candidateID := registerModel(t, registry, "2-challenger", domain.ModelStaging,
		map[string]any{"n_samples": 200.0, "auc": 0.59, "brier": 0.205, "ece": 0.041})

	gate := NewGate(registry, jobs, nil, defaultGateConfig())
	result, err := gate.Evaluate(context.Background(), candidateID)
	require.NoError(t, err)

	assert.False(t, result.Promoted)
	assert.Equal(t, "insufficient_sample_growth", result.Reason)
	assert.Equal(t, 1, registry.ProductionCount("bottom_lr", "logreg"), "incumbent untouched")
}

func TestGateBlocksBrierDegradation(t *testing.T) {
	registry := storetest.NewRegistry()
	jobs := storetest.NewJobs()
	registerModel(t, registry, "1-incumbent", domain.ModelProduction,
		map[string]any{"n_samples": 400.0, "auc": 0.58, "brier": 0.200, "ece": 0.040})
	candidateID := registerModel(t, registry, "2-challenger", domain.ModelStaging,
		map[string]any{"n_samples": 500.0, "auc": 0.59, "brier": 0.205, "ece": 0.041})

	cfg := defaultGateConfig()
	cfg.MaxBrierDegradation = 0.0001
	gate := NewGate(registry, jobs, nil, cfg)

	result, err := gate.Evaluate(context.Background(), candidateID)
	require.NoError(t, err)
	assert.False(t, result.Promoted)
	assert.Equal(t, "brier_degradation_too_large", result.Reason)
}

func TestGateBlocksAUCImprovementTooSmall(t *testing.T) {
	registry := storetest.NewRegistry()
	jobs := storetest.NewJobs()
	registerModel(t, registry, "1-incumbent", domain.ModelProduction,
		map[string]any{"n_samples": 400.0, "auc": 0.60, "brier": 0.200, "ece": 0.040})
	candidateID := registerModel(t, registry, "2-challenger", domain.ModelStaging,
		map[string]any{"n_samples": 500.0, "auc": 0.601, "brier": 0.195, "ece": 0.039})

	cfg := defaultGateConfig()
	cfg.MinAUCImprove = 0.02
	gate := NewGate(registry, jobs, nil, cfg)

	result, err := gate.Evaluate(context.Background(), candidateID)
	require.NoError(t, err)
	assert.Equal(t, "auc_improvement_too_small", result.Reason)
}

func TestGateBlocksECEDegradation(t *testing.T) {
	registry := storetest.NewRegistry()
	jobs := storetest.NewJobs()
	registerModel(t, registry, "1-incumbent", domain.ModelProduction,
		map[string]any{"n_samples": 400.0, "auc": 0.58, "brier": 0.200, "ece": 0.040})
	candidateID := registerModel(t, registry, "2-challenger", domain.ModelStaging,
		map[string]any{"n_samples": 500.0, "auc": 0.60, "brier": 0.200, "ece": 0.080})

	gate := NewGate(registry, jobs, nil, defaultGateConfig())
	result, err := gate.Evaluate(context.Background(), candidateID)
	require.NoError(t, err)
	assert.Equal(t, "ece_degradation_too_large", result.Reason)
}

func TestGatePromotesAndDemotesIncumbent(t *testing.T) {
	registry := storetest.NewRegistry()
	jobs := storetest.NewJobs()
	incumbentID := registerModel(t, registry, "1-incumbent", domain.ModelProduction,
		map[string]any{"n_samples": 400.0, "auc": 0.58, "brier": 0.200, "ece": 0.040})
	candidateID := registerModel(t, registry, "2-challenger", domain.ModelStaging,
		map[string]any{"n_samples": 500.0, "auc": 0.62, "brier": 0.195, "ece": 0.038})

	gate := NewGate(registry, jobs, nil, defaultGateConfig())
	result, err := gate.Evaluate(context.Background(), candidateID)
	require.NoError(t, err)

	assert.True(t, result.Promoted)
	assert.Equal(t, 1, registry.ProductionCount("bottom_lr", "logreg"))

	promoted, err := registry.FetchProduction(context.Background(), "bottom_lr", "logreg")
	require.NoError(t, err)
	assert.Equal(t, candidateID, promoted.ID)

	demoted, err := registry.FetchByID(context.Background(), incumbentID)
	require.NoError(t, err)
	assert.Equal(t, domain.ModelStaging, demoted.Status)

	require.Len(t, jobs.Promotions, 1)
}

func TestGateActivatesFirstModel(t *testing.T) {
	registry := storetest.NewRegistry()
	jobs := storetest.NewJobs()
	candidateID := registerModel(t, registry, "1-first", domain.ModelStaging,
		map[string]any{"n_samples": 300.0, "auc": 0.55, "brier": 0.22, "ece": 0.05})

	gate := NewGate(registry, jobs, nil, defaultGateConfig())
	result, err := gate.Evaluate(context.Background(), candidateID)
	require.NoError(t, err)

	assert.True(t, result.Promoted)
	prod, err := registry.FetchProduction(context.Background(), "bottom_lr", "logreg")
	require.NoError(t, err)
	assert.Equal(t, candidateID, prod.ID)
	require.NotNil(t, prod.PromotedAt)
}

func TestGateMissingMetricsRejectConservatively(t *testing.T) {
	registry := storetest.NewRegistry()
	jobs := storetest.NewJobs()
	registerModel(t, registry, "1-incumbent", domain.ModelProduction,
		map[string]any{"n_samples": 400.0, "auc": 0.58, "brier": 0.200, "ece": 0.040})
	candidateID := registerModel(t, registry, "2-challenger", domain.ModelStaging,
		map[string]any{"auc": 0.99})

	gate := NewGate(registry, jobs, nil, defaultGateConfig())
	result, err := gate.Evaluate(context.Background(), candidateID)
	require.NoError(t, err)
	assert.False(t, result.Promoted)
	assert.Equal(t, "insufficient_sample_growth", result.Reason)
}
