package ingest

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quantpond/driftline/internal/domain"
)

const minuteMS = 60_000

func TestTrackerDetectsGapOverSkippedBars(t *testing.T) {
	tr := NewTracker("BTCUSDT", "1m", minuteMS)

	require.Equal(t, ObsAdvance, tr.ObserveClosed(60_000).Kind)
	require.Equal(t, ObsAdvance, tr.ObserveClosed(120_000).Kind)

	o := tr.ObserveClosed(300_000)
	require.Equal(t, ObsNewGap, o.Kind)
	require.NotNil(t, o.Gap)

	assert.Equal(t, int64(180_000), o.Gap.FromOpenTime)
	assert.Equal(t, int64(240_000), o.Gap.ToOpenTime)
	assert.Equal(t, int64(2), o.Gap.MissingBars)
	assert.Equal(t, int64(2), o.Gap.RemainingBars)
	assert.Equal(t, domain.GapOpen, o.Gap.Status)

	assert.Equal(t, int64(300_000), tr.Frontier())
	assert.Equal(t, 1, tr.OpenCount())
}

func TestTrackerFrontierNeverDecreases(t *testing.T) {
	tr := NewTracker("BTCUSDT", "1m", minuteMS)

	tr.ObserveClosed(300_000)
	require.Equal(t, ObsLateFill, tr.ObserveClosed(120_000).Kind)
	assert.Equal(t, int64(300_000), tr.Frontier())

	require.Equal(t, ObsDuplicate, tr.ObserveClosed(300_000).Kind)
	assert.Equal(t, int64(300_000), tr.Frontier())
}

func TestTrackerLateFillSplitsInteriorSegment(t *testing.T) {
	tr := NewTracker("BTCUSDT", "1m", minuteMS)
	seg := domain.NewGapSegment("BTCUSDT", "1m", 180_000, 480_000, minuteMS)
	seg.ID = 7
	require.Equal(t, int64(6), seg.MissingBars)
	tr.Hydrate([]domain.GapSegment{seg})

	res := tr.ApplyLateFill(300_000)
	require.Equal(t, LateSplit, res.Action)
	require.Equal(t, int64(7), res.SegmentID)

	assert.Equal(t, int64(180_000), res.Left.FromOpenTime)
	assert.Equal(t, int64(240_000), res.Left.ToOpenTime)
	assert.Equal(t, int64(2), res.Left.MissingBars)
	assert.Equal(t, int64(2), res.Left.RemainingBars)

	assert.Equal(t, int64(360_000), res.Right.FromOpenTime)
	assert.Equal(t, int64(480_000), res.Right.ToOpenTime)
	assert.Equal(t, int64(3), res.Right.MissingBars)
	assert.Equal(t, int64(3), res.Right.RemainingBars)

	// Both sides preserve the parent's detection time for MTTR accounting.
	assert.Equal(t, seg.DetectedAt, res.Left.DetectedAt)
	assert.Equal(t, seg.DetectedAt, res.Right.DetectedAt)

	assert.Equal(t, 2, tr.OpenCount())
}

func TestTrackerLateFillOnEdgeOnlyDecrements(t *testing.T) {
	tr := NewTracker("BTCUSDT", "1m", minuteMS)
	seg := domain.NewGapSegment("BTCUSDT", "1m", 180_000, 300_000, minuteMS)
	seg.ID = 3
	tr.Hydrate([]domain.GapSegment{seg})

	res := tr.ApplyLateFill(180_000)
	require.Equal(t, LateDecrement, res.Action)
	assert.Equal(t, int64(2), res.Remaining)
	assert.Equal(t, int64(1), res.Recovered)
	assert.Equal(t, 1, tr.OpenCount())
}

func TestTrackerLateFillConsumingLastBarRecovers(t *testing.T) {
	tr := NewTracker("BTCUSDT", "1m", minuteMS)
	seg := domain.NewGapSegment("BTCUSDT", "1m", 180_000, 180_000, minuteMS)
	seg.ID = 4
	require.Equal(t, int64(1), seg.MissingBars)
	tr.Hydrate([]domain.GapSegment{seg})

	res := tr.ApplyLateFill(180_000)
	require.Equal(t, LateRecovered, res.Action)
	assert.Equal(t, int64(4), res.SegmentID)
	assert.Equal(t, 0, tr.OpenCount())
}

func TestTrackerLateFillOutsideSegmentsNoMatch(t *testing.T) {
	tr := NewTracker("BTCUSDT", "1m", minuteMS)
	tr.Hydrate([]domain.GapSegment{domain.NewGapSegment("BTCUSDT", "1m", 180_000, 240_000, minuteMS)})

	res := tr.ApplyLateFill(600_000)
	assert.Equal(t, LateNoMatch, res.Action)
}

func TestTrackerHydratesOnce(t *testing.T) {
	tr := NewTracker("BTCUSDT", "1m", minuteMS)
	seg := domain.NewGapSegment("BTCUSDT", "1m", 180_000, 240_000, minuteMS)

	tr.Hydrate([]domain.GapSegment{seg})
	tr.Hydrate([]domain.GapSegment{seg})

	assert.Equal(t, 1, tr.OpenCount())
}
