package infer

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quantpond/driftline/internal/domain"
	"github.com/quantpond/driftline/internal/registry"
	"github.com/quantpond/driftline/internal/store/storetest"
	"github.com/quantpond/driftline/internal/train"
)

type inferFixture struct {
	features   *storetest.Features
	inferences *storetest.Inferences
	engine     *Engine
	models     *registry.Service
}

func newInferFixture(t *testing.T, seedModel bool) *inferFixture {
	t.Helper()
	reg := storetest.NewRegistry()
	if seedModel {
		model := []byte(`{"means":[0],"scales":[1],"weights":[1.2],"bias":0.1}`)
		artifact, err := train.NewArtifact(model, []string{"ret_1"}, map[string]any{"auc": 0.6})
		require.NoError(t, err)
		path, err := train.Save(t.TempDir(), "bottom_lr", "1700000000000-abcdef", artifact)
		require.NoError(t, err)

		metrics, _ := json.Marshal(map[string]any{"auc": 0.6})
		_, err = reg.Register(context.Background(), domain.ModelRow{
			Name:         "bottom_lr",
			Version:      "1700000000000-abcdef",
			ModelType:    "logreg",
			Status:       domain.ModelProduction,
			ArtifactPath: path,
			Metrics:      metrics,
		})
		require.NoError(t, err)
	}

	f := &inferFixture{
		features:   storetest.NewFeatures(),
		inferences: storetest.NewInferences(),
		models:     registry.NewService(reg, nil, time.Minute),
	}
	t.Cleanup(f.models.Close)
	f.engine = NewEngine(f.models, f.features, f.inferences, nil, Config{
		ModelName:     "bottom_lr",
		ModelType:     "logreg",
		Target:        "bottom",
		ProbThreshold: 0.6,
	})
	return f
}

func (f *inferFixture) seedSnapshot(t *testing.T, ret1 float64) {
	t.Helper()
	snap := domain.FeatureSnapshot{
		Symbol:    "BTCUSDT",
		Interval:  "1m",
		OpenTime:  600_000,
		CloseTime: 659_999,
	}
	snap.Put("ret_1", ret1)
	_, err := f.features.UpsertSnapshot(context.Background(), snap)
	require.NoError(t, err)
}

func TestPredictLongAboveThreshold(t *testing.T) {
	f := newInferFixture(t, true)
	// z = 0.1 + 1.2*2 = 2.5, sigmoid ≈ 0.924.
	f.seedSnapshot(t, 2.0)

	res, env := f.engine.Predict(context.Background(), "BTCUSDT", "1m")
	require.Equal(t, domain.StatusOK, env.Status)
	assert.Equal(t, domain.DecisionLong, res.Decision)
	assert.InDelta(t, 0.924, res.Probability, 0.01)
	assert.Equal(t, "1700000000000-abcdef", res.ModelVersion)
	assert.Equal(t, int64(600_000), res.OpenTime)
	assert.True(t, res.ChecksumOK)

	rec, ok := f.inferences.Get(res.ID)
	require.True(t, ok, "decision must be logged")
	assert.Equal(t, domain.DecisionLong, rec.Decision)
	assert.Equal(t, 0.6, rec.Threshold)
	assert.Equal(t, "bottom", rec.Target())
	assert.Nil(t, rec.RealizedLabel)
}

func TestPredictPassBelowThreshold(t *testing.T) {
	f := newInferFixture(t, true)
	// z = 0.1 − 2.4 = −2.3, sigmoid ≈ 0.091.
	f.seedSnapshot(t, -2.0)

	res, env := f.engine.Predict(context.Background(), "BTCUSDT", "1m")
	require.Equal(t, domain.StatusOK, env.Status)
	assert.Equal(t, domain.DecisionPass, res.Decision)
	assert.Less(t, res.Probability, 0.6)
}

func TestPredictNoProductionModel(t *testing.T) {
	f := newInferFixture(t, false)
	f.seedSnapshot(t, 1.0)

	_, env := f.engine.Predict(context.Background(), "BTCUSDT", "1m")
	assert.Equal(t, domain.StatusNoData, env.Status)
	assert.Equal(t, "no_production_model", env.Reason)
}

func TestPredictNoSnapshot(t *testing.T) {
	f := newInferFixture(t, true)

	_, env := f.engine.Predict(context.Background(), "BTCUSDT", "1m")
	assert.Equal(t, domain.StatusNoData, env.Status)
}

func TestPredictMissingFeature(t *testing.T) {
	f := newInferFixture(t, true)
	snap := domain.FeatureSnapshot{Symbol: "BTCUSDT", Interval: "1m", OpenTime: 600_000}
	snap.Put("ma_20", 101.5)
	snap.PutNull("ret_1") // explicit null cannot feed the model
	_, err := f.features.UpsertSnapshot(context.Background(), snap)
	require.NoError(t, err)

	_, env := f.engine.Predict(context.Background(), "BTCUSDT", "1m")
	assert.Equal(t, domain.StatusInsufficientData, env.Status)
	assert.Contains(t, env.Reason, "ret_1")
}
