// Package feature derives per-bar feature snapshots: price features from the
// candle series plus a leak-safe join of bucketized sentiment aggregates.
package feature

import "math"

// Price feature names. These keys are also the model feature order, so they
// never change meaning once a model has trained on them.
const (
	FeatRet1  = "ret_1"
	FeatRet5  = "ret_5"
	FeatRet10 = "ret_10"
	FeatRet15 = "ret_15"
	FeatMA20  = "ma_20"
	FeatMA50  = "ma_50"
	FeatVol20 = "rolling_vol_20"
	FeatRSI14 = "rsi_14"
)

// pctReturn computes (last − last-n)/last-n over ascending closes, guarding
// short series and zero denominators with NaN (persisted as null).
func pctReturn(closes []float64, n int) float64 {
	last := len(closes) - 1
	if last-n < 0 {
		return math.NaN()
	}
	base := closes[last-n]
	if base == 0 {
		return math.NaN()
	}
	return (closes[last] - base) / base
}

// movingAverage computes the simple mean of the trailing n closes.
func movingAverage(closes []float64, n int) float64 {
	if len(closes) < n || n <= 0 {
		return math.NaN()
	}
	sum := 0.0
	for _, c := range closes[len(closes)-n:] {
		sum += c
	}
	return sum / float64(n)
}

// rollingVol computes the population standard deviation of the trailing n
// closes.
func rollingVol(closes []float64, n int) float64 {
	if len(closes) < n || n <= 0 {
		return math.NaN()
	}
	window := closes[len(closes)-n:]
	mean := 0.0
	for _, c := range window {
		mean += c
	}
	mean /= float64(n)

	variance := 0.0
	for _, c := range window {
		d := c - mean
		variance += d * d
	}
	return math.Sqrt(variance / float64(n))
}

// rsi computes the simple (non-Wilder) RSI over the trailing period deltas.
// A window with zero mean loss reads 100.
func rsi(closes []float64, period int) float64 {
	if len(closes) < period+1 || period <= 0 {
		return math.NaN()
	}
	window := closes[len(closes)-period-1:]
	gains, losses := 0.0, 0.0
	for i := 1; i < len(window); i++ {
		d := window[i] - window[i-1]
		if d > 0 {
			gains += d
		} else {
			losses -= d
		}
	}
	avgGain := gains / float64(period)
	avgLoss := losses / float64(period)
	if avgLoss == 0 {
		return 100
	}
	rs := avgGain / avgLoss
	return 100 - 100/(1+rs)
}

// priceFeatures computes every price-derived feature over ascending closes.
// Entries for series too short to support a feature come back as NaN and are
// stored as explicit nulls downstream.
func priceFeatures(closes []float64) map[string]float64 {
	return map[string]float64{
		FeatRet1:  pctReturn(closes, 1),
		FeatRet5:  pctReturn(closes, 5),
		FeatRet10: pctReturn(closes, 10),
		FeatRet15: pctReturn(closes, 15),
		FeatMA20:  movingAverage(closes, 20),
		FeatMA50:  movingAverage(closes, 50),
		FeatVol20: rollingVol(closes, 20),
		FeatRSI14: rsi(closes, 14),
	}
}
