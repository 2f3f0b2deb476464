package feature

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quantpond/driftline/internal/store/storetest"
)

func TestSchedulerRunsEngine(t *testing.T) {
	candles := storetest.NewCandles()
	features := storetest.NewFeatures()
	seedBars(candles, 60, 0)

	eng := newTestEngine(candles, features, nil)
	sched := NewScheduler(eng, nil, 10*time.Millisecond, []Key{{Symbol: "BTCUSDT", Interval: "1m"}})
	sched.Start(context.Background())
	defer sched.Stop()

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		snaps, err := features.LatestSnapshots(context.Background(), "BTCUSDT", "1m", 1)
		require.NoError(t, err)
		if len(snaps) == 1 {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("scheduler never produced a snapshot")
}

func TestSchedulerStartStopIdempotent(t *testing.T) {
	eng := newTestEngine(storetest.NewCandles(), storetest.NewFeatures(), nil)
	sched := NewScheduler(eng, nil, time.Hour, []Key{{Symbol: "BTCUSDT", Interval: "1m"}})

	sched.Start(context.Background())
	sched.Start(context.Background())
	sched.Stop()
	sched.Stop()
	assert.NotPanics(t, func() { sched.Stop() })
}
