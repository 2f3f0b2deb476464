package train

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quantpond/driftline/internal/domain"
	"github.com/quantpond/driftline/internal/label"
)

const minuteMS = 60_000

func snapshotAt(openTime int64, vals map[string]float64) domain.FeatureSnapshot {
	s := domain.FeatureSnapshot{
		Symbol:    "BTCUSDT",
		Interval:  "1m",
		OpenTime:  openTime,
		CloseTime: openTime + minuteMS - 1,
	}
	for name, v := range vals {
		s.Put(name, v)
	}
	return s
}

func fullSnapshot(openTime int64) domain.FeatureSnapshot {
	vals := make(map[string]float64)
	for i, name := range BaseFeatureOrder {
		vals[name] = float64(i)
	}
	return snapshotAt(openTime, vals)
}

func candleAt(openTime int64, closePrice float64) domain.Candle {
	return domain.Candle{
		Symbol:    "BTCUSDT",
		Interval:  "1m",
		OpenTime:  openTime,
		CloseTime: openTime + minuteMS - 1,
		Open:      closePrice,
		High:      closePrice + 1,
		Low:       closePrice - 1,
		Close:     closePrice,
		IsClosed:  true,
	}
}

func TestParseHorizon(t *testing.T) {
	bars, err := ParseHorizon("15m", minuteMS)
	require.NoError(t, err)
	assert.Equal(t, 15, bars)

	_, err = ParseHorizon("90s", minuteMS)
	assert.Error(t, err)
	_, err = ParseHorizon("nonsense", minuteMS)
	assert.Error(t, err)
}

func TestFeatureOrderVariants(t *testing.T) {
	base := FeatureOrder(false)
	assert.Equal(t, BaseFeatureOrder, base)

	extended := FeatureOrder(true)
	assert.Equal(t, len(BaseFeatureOrder)+len(SentimentFeatureOrder), len(extended))
	assert.Equal(t, BaseFeatureOrder, extended[:len(BaseFeatureOrder)])
}

func TestBuildDirectionLabels(t *testing.T) {
	snaps := []domain.FeatureSnapshot{fullSnapshot(0), fullSnapshot(minuteMS), fullSnapshot(2 * minuteMS)}
	candles := []domain.Candle{
		candleAt(0, 100),
		candleAt(minuteMS, 101), // up from 100 → y=1 for row 0
		candleAt(2*minuteMS, 99),
		candleAt(3*minuteMS, 99), // flat → y=0 for row 2
	}

	ds, err := Build(snaps, candles, LabelSpec{Kind: LabelDirection}, BaseFeatureOrder)
	require.NoError(t, err)
	require.Len(t, ds.X, 3)
	assert.Equal(t, []int{1, 0, 0}, ds.Y)
	assert.Equal(t, 1, ds.Positives)
}

func TestBuildHorizonLabels(t *testing.T) {
	snaps := []domain.FeatureSnapshot{fullSnapshot(0), fullSnapshot(minuteMS)}
	candles := []domain.Candle{
		candleAt(0, 100),
		candleAt(minuteMS, 90),
		candleAt(2*minuteMS, 105), // +2 bars from row 0 → y=1
		candleAt(3*minuteMS, 80),  // +2 bars from row 1 → y=0
	}

	ds, err := Build(snaps, candles, LabelSpec{Kind: LabelHorizon, HorizonBars: 2}, BaseFeatureOrder)
	require.NoError(t, err)
	assert.Equal(t, []int{1, 0}, ds.Y)
}

func TestBuildDropsRowsWithoutForwardBar(t *testing.T) {
	snaps := []domain.FeatureSnapshot{fullSnapshot(0), fullSnapshot(minuteMS)}
	candles := []domain.Candle{candleAt(0, 100), candleAt(minuteMS, 101)}

	ds, err := Build(snaps, candles, LabelSpec{Kind: LabelDirection}, BaseFeatureOrder)
	require.NoError(t, err)
	require.Len(t, ds.X, 1, "the last snapshot has no forward close yet")
}

func TestBuildDropsIncompleteRows(t *testing.T) {
	partial := snapshotAt(0, map[string]float64{BaseFeatureOrder[0]: 1.0})
	snaps := []domain.FeatureSnapshot{partial, fullSnapshot(minuteMS)}
	candles := []domain.Candle{candleAt(0, 100), candleAt(minuteMS, 101), candleAt(2*minuteMS, 102)}

	ds, err := Build(snaps, candles, LabelSpec{Kind: LabelDirection}, BaseFeatureOrder)
	require.NoError(t, err)
	require.Len(t, ds.X, 1, "rows missing features are dropped")
}

func TestBuildBottomLabels(t *testing.T) {
	snaps := []domain.FeatureSnapshot{fullSnapshot(0)}
	candles := []domain.Candle{
		candleAt(0, 100),
		{Symbol: "BTCUSDT", Interval: "1m", OpenTime: minuteMS, CloseTime: 2*minuteMS - 1,
			Open: 95, High: 100, Low: 95, Close: 95, IsClosed: true},
		{Symbol: "BTCUSDT", Interval: "1m", OpenTime: 2 * minuteMS, CloseTime: 3*minuteMS - 1,
			Open: 98, High: 100, Low: 96, Close: 98, IsClosed: true},
	}

	spec := LabelSpec{Kind: LabelBottom, Bottom: label.Params{Lookahead: 2, Drawdown: 0.05, Rebound: 0.03}}
	ds, err := Build(snaps, candles, spec, BaseFeatureOrder)
	require.NoError(t, err)
	require.Len(t, ds.Y, 1)
	assert.Equal(t, 1, ds.Y[0], "5% drawdown then 5.3% rebound")
}

func TestBuildUnknownVariant(t *testing.T) {
	snaps := []domain.FeatureSnapshot{fullSnapshot(0)}
	candles := []domain.Candle{candleAt(0, 100), candleAt(minuteMS, 101)}
	_, err := Build(snaps, candles, LabelSpec{Kind: "mystery"}, BaseFeatureOrder)
	require.Error(t, err)
}
