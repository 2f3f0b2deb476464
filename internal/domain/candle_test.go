package domain

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestIntervalMS(t *testing.T) {
	tests := []struct {
		in   string
		want int64
		ok   bool
	}{
		{"1m", 60_000, true},
		{"5m", 300_000, true},
		{"15m", 900_000, true},
		{"4h", 14_400_000, true},
		{"1d", 86_400_000, true},
		{"1w", 604_800_000, true},
		{"", 0, false},
		{"m", 0, false},
		{"0m", 0, false},
		{"-5m", 0, false},
		{"10x", 0, false},
	}

	for _, tt := range tests {
		got, err := IntervalMS(tt.in)
		if !tt.ok {
			assert.Error(t, err, "interval %q should be rejected", tt.in)
			continue
		}
		require.NoError(t, err, "interval %q", tt.in)
		assert.Equal(t, tt.want, got, "interval %q", tt.in)
	}
}

func TestExpectedBars(t *testing.T) {
	assert.Equal(t, int64(1), ExpectedBars(60_000, 60_000, 60_000))
	assert.Equal(t, int64(2), ExpectedBars(180_000, 240_000, 60_000))
	assert.Equal(t, int64(6), ExpectedBars(180_000, 480_000, 60_000))
	assert.Equal(t, int64(0), ExpectedBars(240_000, 180_000, 60_000), "inverted span")
	assert.Equal(t, int64(0), ExpectedBars(0, 60_000, 0), "zero interval")
}

func TestCandleValidate(t *testing.T) {
	good := Candle{Symbol: "BTCUSDT", Interval: "1m", OpenTime: 60_000, High: 10, Low: 9}
	require.NoError(t, good.Validate())

	bad := good
	bad.High, bad.Low = 9, 10
	assert.Error(t, bad.Validate(), "inverted high/low")

	bad = good
	bad.Symbol = ""
	assert.Error(t, bad.Validate())

	bad = good
	bad.OpenTime = 0
	assert.Error(t, bad.Validate())
}

func TestCloseTimeFor(t *testing.T) {
	assert.Equal(t, int64(119_999), CloseTimeFor(60_000, 60_000))
}

func TestGapLifecycle(t *testing.T) {
	assert.True(t, ValidGapTransition(GapOpen, GapPartial))
	assert.True(t, ValidGapTransition(GapOpen, GapRecovered))
	assert.True(t, ValidGapTransition(GapOpen, GapMerged))
	assert.True(t, ValidGapTransition(GapPartial, GapRecovered))
	assert.True(t, ValidGapTransition(GapPartial, GapMerged))

	assert.False(t, ValidGapTransition(GapRecovered, GapOpen), "terminal states never reopen")
	assert.False(t, ValidGapTransition(GapMerged, GapOpen))
	assert.False(t, ValidGapTransition(GapPartial, GapOpen))

	assert.Error(t, CheckGapTransition(GapRecovered, GapPartial))
	assert.NoError(t, CheckGapTransition(GapOpen, GapRecovered))
}

func TestNewGapSegmentArithmetic(t *testing.T) {
	g := NewGapSegment("BTCUSDT", "1m", 180_000, 240_000, 60_000)
	assert.Equal(t, int64(2), g.MissingBars)
	assert.Equal(t, int64(2), g.RemainingBars)
	assert.Equal(t, GapOpen, g.Status)
	assert.True(t, g.Contains(180_000))
	assert.True(t, g.Contains(240_000))
	assert.False(t, g.Contains(300_000))
	assert.True(t, g.Overlaps(240_000, 300_000))
	assert.False(t, g.Overlaps(300_000, 360_000))
}

func TestSnapshotPutMapsNonFiniteToNull(t *testing.T) {
	var s FeatureSnapshot
	s.Put("ret_1", 0.01)
	s.Put("rsi_14", math.NaN())
	s.Put("ma_20", math.Inf(1))
	s.PutNull("sent_score")

	v, ok := s.Value("ret_1")
	require.True(t, ok)
	assert.InDelta(t, 0.01, v, 1e-12)

	_, ok = s.Value("rsi_14")
	assert.False(t, ok, "NaN stored as null")
	assert.Contains(t, s.Features, "rsi_14", "null is stored, not dropped")

	_, ok = s.Value("ma_20")
	assert.False(t, ok, "Inf stored as null")

	_, ok = s.Value("sent_score")
	assert.False(t, ok)
	_, ok = s.Value("missing")
	assert.False(t, ok)
}

func TestValidFeatureName(t *testing.T) {
	assert.NoError(t, ValidFeatureName("ret_1"))
	assert.NoError(t, ValidFeatureName("sent_ema_5"))
	assert.Error(t, ValidFeatureName(""))
	assert.Error(t, ValidFeatureName("1ret"))
	assert.Error(t, ValidFeatureName("_ret"))
	assert.Error(t, ValidFeatureName("Ret"))
	assert.Error(t, ValidFeatureName("ret-1"))
}
