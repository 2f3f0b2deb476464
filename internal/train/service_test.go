package train

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quantpond/driftline/internal/domain"
	"github.com/quantpond/driftline/internal/store/storetest"
)

type serviceFixture struct {
	features *storetest.Features
	candles  *storetest.Candles
	registry *storetest.Registry
	jobs     *storetest.Jobs
	svc      *Service
}

func newFixture(t *testing.T, cfg Config) *serviceFixture {
	t.Helper()
	if cfg.ArtifactDir == "" {
		cfg.ArtifactDir = t.TempDir()
	}
	f := &serviceFixture{
		features: storetest.NewFeatures(),
		candles:  storetest.NewCandles(),
		registry: storetest.NewRegistry(),
		jobs:     storetest.NewJobs(),
	}
	f.svc = NewService(f.features, f.candles, f.registry, f.jobs, nil, cfg)
	return f
}

// seedTrainable loads n snapshots and candles with alternating direction so
// direction labels split roughly evenly.
func (f *serviceFixture) seedTrainable(t *testing.T, n int) {
	t.Helper()
	ctx := context.Background()
	price := 100.0
	for i := 0; i <= n; i++ {
		open := int64(i) * minuteMS
		f.candles.Seed(candleAt(open, price))
		if i < n {
			snap := fullSnapshot(open)
			// Tie one feature to the upcoming move so the model has signal.
			up := i%2 == 0
			if up {
				snap.Put(BaseFeatureOrder[0], 1.0)
			} else {
				snap.Put(BaseFeatureOrder[0], -1.0)
			}
			_, err := f.features.UpsertSnapshot(ctx, snap)
			require.NoError(t, err)
		}
		if i%2 == 0 {
			price += 1
		} else {
			price -= 0.5
		}
	}
}

func baseRequest() Request {
	return Request{
		Symbol:    "BTCUSDT",
		Interval:  "1m",
		ModelName: "bottom_lr",
		ModelType: "logreg",
		Label:     LabelSpec{Kind: LabelDirection},
	}
}

func TestRunRegistersStagingModel(t *testing.T) {
	f := newFixture(t, Config{MinBars: 100, MinPositives: 50, Iterations: 100})
	f.seedTrainable(t, 400)

	env := f.svc.Run(context.Background(), baseRequest())
	require.Equal(t, domain.StatusOK, env.Status, "reason: %s", env.Reason)

	modelID, ok := env.Detail["model_id"].(int64)
	require.True(t, ok)
	row, err := f.registry.FetchByID(context.Background(), modelID)
	require.NoError(t, err)
	assert.Equal(t, domain.ModelStaging, row.Status)
	assert.Equal(t, "bottom_lr", row.Name)
	assert.Regexp(t, `^\d{13}-[0-9a-f]{6}$`, row.Version)

	// Metrics must be readable back through the registry row.
	_, hasAUC := row.MetricFloat("auc")
	assert.True(t, hasAUC)
	samples, ok := row.MetricFloat("n_samples")
	require.True(t, ok)
	assert.Equal(t, float64(400), samples)

	// The artifact on disk verifies.
	artifact, err := LoadArtifact(row.ArtifactPath)
	require.NoError(t, err)
	verified, err := artifact.Verify()
	require.NoError(t, err)
	assert.True(t, verified)

	require.Len(t, f.jobs.JobRows, 1)
	assert.Equal(t, domain.JobOK, f.jobs.JobRows[0].Status)
}

func TestRunWithCVRecordsFoldMetrics(t *testing.T) {
	f := newFixture(t, Config{MinBars: 100, MinPositives: 50, Iterations: 100})
	f.seedTrainable(t, 400)

	req := baseRequest()
	req.CVSplits = 3
	env := f.svc.Run(context.Background(), req)
	require.Equal(t, domain.StatusOK, env.Status)

	metrics := env.Detail["metrics"].(map[string]any)
	assert.Contains(t, metrics, "cv_mean_auc")
	assert.Equal(t, float64(3), metrics["cv_folds"])
}

func TestRunInsufficientData(t *testing.T) {
	f := newFixture(t, Config{MinBars: 150, MinPositives: 50})
	f.seedTrainable(t, 60)

	env := f.svc.Run(context.Background(), baseRequest())
	assert.Equal(t, domain.StatusInsufficientData, env.Status)
	assert.Empty(t, f.registry.ProductionCount("bottom_lr", "logreg"))

	require.Len(t, f.jobs.JobRows, 1)
	assert.Equal(t, domain.JobOK, f.jobs.JobRows[0].Status)
	assert.Equal(t, domain.StatusInsufficientData, f.jobs.JobRows[0].Reason)
}

func TestRunInsufficientLabels(t *testing.T) {
	f := newFixture(t, Config{MinBars: 100, MinPositives: 500})
	f.seedTrainable(t, 400)

	env := f.svc.Run(context.Background(), baseRequest())
	assert.Equal(t, domain.StatusInsufficientLabels, env.Status)
}

func TestRunNoData(t *testing.T) {
	f := newFixture(t, Config{})
	env := f.svc.Run(context.Background(), baseRequest())
	assert.Equal(t, domain.StatusNoData, env.Status)
}

func TestRunCancelledRegistersNothing(t *testing.T) {
	f := newFixture(t, Config{MinBars: 100, MinPositives: 50, Iterations: 5000})
	f.seedTrainable(t, 400)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	env := f.svc.Run(ctx, baseRequest())
	require.Equal(t, domain.StatusError, env.Status)
	assert.Equal(t, "cancelled", env.Reason)

	rows, err := f.registry.FetchLatest(context.Background(), "bottom_lr", "logreg", 10)
	require.NoError(t, err)
	assert.Empty(t, rows, "interrupted runs register nothing")

	require.Len(t, f.jobs.JobRows, 1)
	assert.Equal(t, domain.JobError, f.jobs.JobRows[0].Status)
}

func TestHoldoutSizeFloor(t *testing.T) {
	svc := NewService(nil, nil, nil, nil, nil, Config{ValFrac: 0.2})

	// 10% of 1000 = 100 > 50 → floor 100; frac gives 200 ≥ floor.
	assert.Equal(t, 200, svc.holdoutSize(1000))
	// 300 rows: frac gives 60, floor max(30,50)=50 → 60 wins.
	assert.Equal(t, 60, svc.holdoutSize(300))
	// 10_000 rows: floor capped at 200; frac gives 2000.
	assert.Equal(t, 2000, svc.holdoutSize(10_000))
	// Tiny set: floor 50 clamps to n−1.
	assert.Equal(t, 39, svc.holdoutSize(40))
}
