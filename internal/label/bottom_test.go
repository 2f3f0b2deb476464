package label

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/quantpond/driftline/internal/domain"
)

const minuteMS = 60_000

// window builds ascending 1m candles from parallel close/high/low vectors,
// with the first bar closing exactly at base.
func window(base time.Time, closes, highs, lows []float64) []domain.Candle {
	out := make([]domain.Candle, len(closes))
	for i := range closes {
		closeTime := base.Add(time.Duration(i) * time.Minute).UnixMilli()
		out[i] = domain.Candle{
			Symbol:    "BTCUSDT",
			Interval:  "1m",
			OpenTime:  closeTime - minuteMS + 1,
			CloseTime: closeTime,
			Open:      closes[i],
			High:      highs[i],
			Low:       lows[i],
			Close:     closes[i],
			IsClosed:  true,
		}
	}
	return out
}

func TestBottomEventDrawdownThenRebound(t *testing.T) {
	created := time.Unix(1_700_000_000, 0)
	candles := window(created,
		[]float64{100, 95, 96, 98, 98},
		[]float64{101, 100, 98, 99, 99},
		[]float64{99, 95, 96, 97, 97},
	)

	// Drawdown hits exactly −5% on the second bar and the rebound off the
	// low is 5.26%; boundary-inclusive comparisons resolve to 1.
	outcome := BottomEvent(candles, created, Params{Lookahead: 3, Drawdown: 0.05, Rebound: 0.03})
	assert.Equal(t, OutcomePositive, outcome)
	assert.Equal(t, 1, outcome.Label())
}

func TestBottomEventDrawdownNotMet(t *testing.T) {
	created := time.Unix(1_700_000_000, 0)
	candles := window(created,
		[]float64{100, 98, 99, 100},
		[]float64{101, 99, 100, 101},
		[]float64{99, 97, 98, 99},
	)

	// Worst drawdown is −3%, short of the 5% floor.
	outcome := BottomEvent(candles, created, Params{Lookahead: 3, Drawdown: 0.05, Rebound: 0.03})
	assert.Equal(t, OutcomeNegative, outcome)
	assert.Equal(t, 0, outcome.Label())
}

func TestBottomEventReboundNotMet(t *testing.T) {
	created := time.Unix(1_700_000_000, 0)
	candles := window(created,
		[]float64{100, 94, 94, 94},
		[]float64{101, 95, 94.5, 94.5},
		[]float64{99, 94, 93.8, 93.9},
	)

	// Deep drawdown but the price never rebounds 3% off the low.
	outcome := BottomEvent(candles, created, Params{Lookahead: 3, Drawdown: 0.05, Rebound: 0.03})
	assert.Equal(t, OutcomeNegative, outcome)
}

func TestBottomEventExactReboundBoundary(t *testing.T) {
	created := time.Unix(1_700_000_000, 0)
	candles := window(created,
		[]float64{100, 95, 96},
		[]float64{100, 95, 97.85}, // (97.85 − 95)/95 = 0.03 exactly
		[]float64{99, 95, 95.5},
	)

	outcome := BottomEvent(candles, created, Params{Lookahead: 2, Drawdown: 0.05, Rebound: 0.03})
	assert.Equal(t, OutcomePositive, outcome)
}

func TestBottomEventDefersWithoutReferenceBar(t *testing.T) {
	created := time.Unix(1_700_000_000, 0)
	candles := window(created.Add(-time.Hour),
		[]float64{100, 100},
		[]float64{101, 101},
		[]float64{99, 99},
	)

	// Every bar closes before the inference; no reference exists yet.
	outcome := BottomEvent(candles, created, Params{Lookahead: 3, Drawdown: 0.05, Rebound: 0.03})
	assert.Equal(t, OutcomeDeferred, outcome)
}

func TestBottomEventDefersWithEmptyForwardWindow(t *testing.T) {
	created := time.Unix(1_700_000_000, 0)
	candles := window(created, []float64{100}, []float64{101}, []float64{99})

	// Only the reference bar exists.
	outcome := BottomEvent(candles, created, Params{Lookahead: 3, Drawdown: 0.05, Rebound: 0.03})
	assert.Equal(t, OutcomeDeferred, outcome)
}
