package feature

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quantpond/driftline/internal/domain"
)

func tick(ts int64, score float64) domain.SentimentTick {
	s := score
	return domain.SentimentTick{Symbol: "BTCUSDT", TS: ts, Provider: "newswire", ScoreNorm: &s}
}

func defaultParams() SentimentParams {
	return SentimentParams{
		StepMS:       60_000,
		LookbackMS:   240 * 60_000,
		EMAWindows:   []int{5, 20},
		PosThreshold: 0.1,
	}
}

func TestBucketizeAggregates(t *testing.T) {
	ticks := []domain.SentimentTick{
		tick(10_000, 0.4),
		tick(20_000, 0.8),  // same bucket as the first
		tick(70_000, -0.5), // next bucket
	}
	buckets := bucketize(ticks, 60_000, 0.1)
	require.Len(t, buckets, 2)

	assert.Equal(t, int64(0), buckets[0].T)
	assert.InDelta(t, 0.6, buckets[0].Mean, 1e-12)
	assert.Equal(t, int64(2), buckets[0].Count)
	assert.InDelta(t, 1.0, buckets[0].PosRatio, 1e-12)

	assert.Equal(t, int64(60_000), buckets[1].T)
	assert.InDelta(t, -0.5, buckets[1].Mean, 1e-12)
	assert.InDelta(t, 0.0, buckets[1].PosRatio, 1e-12)
}

func TestBucketizeSkipsScorelessTicks(t *testing.T) {
	ticks := []domain.SentimentTick{
		{Symbol: "BTCUSDT", TS: 10_000, Provider: "newswire"}, // no score
		tick(20_000, 0.5),
	}
	buckets := bucketize(ticks, 60_000, 0.1)
	require.Len(t, buckets, 1)
	assert.Equal(t, int64(1), buckets[0].Count)
}

func TestEMASeededWithFirstBucket(t *testing.T) {
	buckets := []bucket{{Mean: 1.0}, {Mean: 0.0}, {Mean: 0.0}}
	// α = 2/(5+1) = 1/3: 1.0 → 2/3 → 4/9.
	assert.InDelta(t, 4.0/9.0, ema(buckets, 5), 1e-12)
	assert.True(t, math.IsNaN(ema(nil, 5)))
}

func TestDiffAbs(t *testing.T) {
	buckets := []bucket{{Mean: 0.1}, {Mean: 0.5}, {Mean: 0.2}}
	assert.InDelta(t, 0.3, diffAbs(buckets, 1), 1e-12)
	assert.InDelta(t, 0.1, diffAbs(buckets, 2), 1e-12)
	assert.True(t, math.IsNaN(diffAbs(buckets, 5)))
}

func TestLeakSafeJoinExcludesFutureTicks(t *testing.T) {
	// A bar closing at T must see the tick 30s before the close and never
	// the one 30s after it.
	const endMS = int64(600_000)
	ticks := []domain.SentimentTick{
		tick(endMS-30_000, 0.6),
		tick(endMS+30_000, -0.9),
	}

	feats := sentimentFeatures(ticks, endMS, defaultParams())
	require.NotNil(t, feats)
	assert.InDelta(t, 0.6, feats[FeatSentScore], 1e-9)
	assert.GreaterOrEqual(t, feats[FeatSentCount], 1.0)
}

func TestSentimentFeaturesEmptyTicks(t *testing.T) {
	assert.Nil(t, sentimentFeatures(nil, 600_000, defaultParams()))
}

func TestSentimentFeaturesIncludeConfiguredEMAs(t *testing.T) {
	ticks := []domain.SentimentTick{tick(10_000, 0.3), tick(70_000, 0.5)}
	feats := sentimentFeatures(ticks, 120_000, defaultParams())
	require.NotNil(t, feats)
	assert.Contains(t, feats, "sent_ema_5")
	assert.Contains(t, feats, "sent_ema_20")
	assert.Contains(t, feats, FeatSentVol30)
}
