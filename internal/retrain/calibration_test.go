package retrain

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quantpond/driftline/internal/domain"
	"github.com/quantpond/driftline/internal/store/storetest"
)

func seedLabeled(t *testing.T, inferences *storetest.Inferences, n int, prob float64, positiveRate float64) {
	t.Helper()
	for i := 0; i < n; i++ {
		label := 0
		if float64(i) < positiveRate*float64(n) {
			label = 1
		}
		rec := domain.InferenceRecord{
			ID:            fmt.Sprintf("inf-%d", i),
			CreatedAt:     time.Now().Add(-time.Duration(i+1) * time.Minute),
			Probability:   prob,
			Decision:      domain.DecisionLong,
			Threshold:     0.6,
			ModelName:     "bottom_lr",
			ModelVersion:  "1-abc123",
			Symbol:        "BTCUSDT",
			Interval:      "1m",
			RealizedLabel: &label,
		}
		require.NoError(t, inferences.Append(context.Background(), rec))
	}
}

func calibConfig() CalibrationConfig {
	return CalibrationConfig{
		ModelName:    "bottom_lr",
		ModelType:    "logreg",
		AbsThreshold: 0.05,
		RelThreshold: 0.5,
		Window:       24 * time.Hour,
		MinSamples:   50,
	}
}

func TestCalibrationFlagsAbsDrift(t *testing.T) {
	registry := storetest.NewRegistry()
	inferences := storetest.NewInferences()
	registerModel(t, registry, "1-prod", domain.ModelProduction,
		map[string]any{"auc": 0.6, "ece": 0.02})

	// Everything predicted at 0.9 but only half realize: live ECE 0.4.
	seedLabeled(t, inferences, 100, 0.9, 0.5)

	mon := NewCalibrationMonitor(inferences, registry, calibConfig())
	report, err := mon.Check(context.Background())
	require.NoError(t, err)

	assert.False(t, report.Insufficient)
	assert.InDelta(t, 0.4, report.LiveECE, 1e-9)
	assert.True(t, report.AbsDrift)
	assert.True(t, report.RelDrift)
	assert.True(t, report.Recommended)
	assert.Equal(t, 1, report.Streak)
}

func TestCalibrationHealthyModelNotFlagged(t *testing.T) {
	registry := storetest.NewRegistry()
	inferences := storetest.NewInferences()
	registerModel(t, registry, "1-prod", domain.ModelProduction,
		map[string]any{"auc": 0.6, "ece": 0.02})

	// Predictions at 0.5 with half positives are perfectly calibrated.
	seedLabeled(t, inferences, 100, 0.5, 0.5)

	mon := NewCalibrationMonitor(inferences, registry, calibConfig())
	report, err := mon.Check(context.Background())
	require.NoError(t, err)

	assert.False(t, report.AbsDrift)
	assert.False(t, report.Recommended)
	assert.Equal(t, 0, report.Streak)
}

func TestCalibrationInsufficientSamples(t *testing.T) {
	registry := storetest.NewRegistry()
	inferences := storetest.NewInferences()
	registerModel(t, registry, "1-prod", domain.ModelProduction,
		map[string]any{"auc": 0.6, "ece": 0.02})
	seedLabeled(t, inferences, 10, 0.9, 0.5)

	mon := NewCalibrationMonitor(inferences, registry, calibConfig())
	report, err := mon.Check(context.Background())
	require.NoError(t, err)
	assert.True(t, report.Insufficient)
	assert.Equal(t, 0, report.Streak)
}

func TestCalibrationNoProductionModel(t *testing.T) {
	mon := NewCalibrationMonitor(storetest.NewInferences(), storetest.NewRegistry(), calibConfig())
	report, err := mon.Check(context.Background())
	require.NoError(t, err)
	assert.True(t, report.Insufficient)
}

func TestCalibrationCVDegradationCoRequirement(t *testing.T) {
	registry := storetest.NewRegistry()
	inferences := storetest.NewInferences()
	registerModel(t, registry, "1-prod", domain.ModelProduction,
		map[string]any{"auc": 0.6, "ece": 0.02})
	seedLabeled(t, inferences, 100, 0.9, 0.5)

	cfg := calibConfig()
	cfg.CVDegradationRatio = 0.9
	mon := NewCalibrationMonitor(inferences, registry, cfg)

	// The newest model's CV AUC equals production: no degradation, so the
	// co-requirement blocks the recommendation despite ECE drift.
	report, err := mon.Check(context.Background())
	require.NoError(t, err)
	assert.True(t, report.AbsDrift)
	assert.False(t, report.Recommended)

	// A degraded challenger (cv_mean_auc 0.45 vs prod 0.6 → ratio 0.75)
	// activates the co-requirement.
	registerModel(t, registry, "2-new", domain.ModelStaging,
		map[string]any{"cv_mean_auc": 0.45})
	report, err = mon.Check(context.Background())
	require.NoError(t, err)
	assert.True(t, report.CVDegraded)
	assert.True(t, report.Recommended)
}

func TestCalibrationStreakAccumulatesAndResets(t *testing.T) {
	registry := storetest.NewRegistry()
	inferences := storetest.NewInferences()
	registerModel(t, registry, "1-prod", domain.ModelProduction,
		map[string]any{"auc": 0.6, "ece": 0.02})
	seedLabeled(t, inferences, 100, 0.9, 0.5)

	mon := NewCalibrationMonitor(inferences, registry, calibConfig())
	for i := 1; i <= 3; i++ {
		report, err := mon.Check(context.Background())
		require.NoError(t, err)
		assert.Equal(t, i, report.Streak)
	}
	mon.Reset()
	report, err := mon.Check(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, report.Streak)
}
