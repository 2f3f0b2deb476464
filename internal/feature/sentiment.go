package feature

import (
	"fmt"
	"math"

	"github.com/quantpond/driftline/internal/domain"
)

// Sentiment feature names. EMA features are suffixed with the window size
// (sent_ema_5, sent_ema_20, ...).
const (
	FeatSentScore    = "sent_score"
	FeatSentCount    = "sent_cnt"
	FeatSentPosRatio = "sent_pos_ratio"
	FeatSentD1       = "sent_d1"
	FeatSentD5       = "sent_d5"
	FeatSentVol30    = "sent_vol_30"
)

// SentimentParams tunes the bucketized sentiment join.
type SentimentParams struct {
	StepMS       int64
	LookbackMS   int64
	EMAWindows   []int
	PosThreshold float64
}

// bucket is one step-wide aggregate of sentiment ticks. T is the bucket's
// left edge in epoch ms.
type bucket struct {
	T        int64
	Mean     float64
	Count    int64
	PosRatio float64
}

// bucketize groups ticks into step-wide buckets keyed by
// floor(ts/step)*step and aggregates mean score, tick count and the share of
// scores above the positive threshold. Ticks without a usable score are
// skipped. Buckets come back oldest first; empty steps produce no bucket.
func bucketize(ticks []domain.SentimentTick, stepMS int64, posThreshold float64) []bucket {
	if stepMS <= 0 {
		return nil
	}

	type agg struct {
		sum   float64
		count int64
		pos   int64
	}
	byStep := make(map[int64]*agg)
	var order []int64
	for _, tick := range ticks {
		score, ok := tick.Score()
		if !ok {
			continue
		}
		key := (tick.TS / stepMS) * stepMS
		a, seen := byStep[key]
		if !seen {
			a = &agg{}
			byStep[key] = a
			order = append(order, key)
		}
		a.sum += score
		a.count++
		if score > posThreshold {
			a.pos++
		}
	}
	if len(order) == 0 {
		return nil
	}

	// Ticks arrive oldest first from the store, so keys were discovered in
	// ascending order; an insertion sort covers the odd out-of-order tick.
	for i := 1; i < len(order); i++ {
		for j := i; j > 0 && order[j] < order[j-1]; j-- {
			order[j], order[j-1] = order[j-1], order[j]
		}
	}

	buckets := make([]bucket, 0, len(order))
	for _, key := range order {
		a := byStep[key]
		buckets = append(buckets, bucket{
			T:        key,
			Mean:     a.sum / float64(a.count),
			Count:    a.count,
			PosRatio: float64(a.pos) / float64(a.count),
		})
	}
	return buckets
}

// ema computes the exponential moving average of the bucket means with
// α = 2/(N+1), seeded with the first bucket value.
func ema(buckets []bucket, window int) float64 {
	if len(buckets) == 0 || window <= 0 {
		return math.NaN()
	}
	alpha := 2.0 / (float64(window) + 1)
	v := buckets[0].Mean
	for _, b := range buckets[1:] {
		v = alpha*b.Mean + (1-alpha)*v
	}
	return v
}

// diffAbs returns |mean(last) − mean(last−n)| over the bucket series.
func diffAbs(buckets []bucket, n int) float64 {
	last := len(buckets) - 1
	if last-n < 0 {
		return math.NaN()
	}
	return math.Abs(buckets[last].Mean - buckets[last-n].Mean)
}

// bucketVol computes the population standard deviation of the last n bucket
// means.
func bucketVol(buckets []bucket, n int) float64 {
	if len(buckets) == 0 || n <= 0 {
		return math.NaN()
	}
	if len(buckets) < n {
		n = len(buckets)
	}
	window := buckets[len(buckets)-n:]
	mean := 0.0
	for _, b := range window {
		mean += b.Mean
	}
	mean /= float64(n)

	variance := 0.0
	for _, b := range window {
		d := b.Mean - mean
		variance += d * d
	}
	return math.Sqrt(variance / float64(n))
}

// sentimentFeatures derives the sentiment feature set from ticks observed at
// or before endMS. Only the last bucket whose left edge is ≤ endMS is
// attached, so a tick after the bar close can never influence the snapshot.
// An empty tick series returns nil: the snapshot simply carries no sentiment
// features.
func sentimentFeatures(ticks []domain.SentimentTick, endMS int64, p SentimentParams) map[string]float64 {
	// The caller already bounds the fetch, but the leak guard lives here too
	// so a widened fetch window cannot contaminate the join.
	bounded := ticks[:0:0]
	for _, tick := range ticks {
		if tick.TS <= endMS {
			bounded = append(bounded, tick)
		}
	}
	buckets := bucketize(bounded, p.StepMS, p.PosThreshold)
	if len(buckets) == 0 {
		return nil
	}

	last := buckets[len(buckets)-1]
	out := map[string]float64{
		FeatSentScore:    last.Mean,
		FeatSentCount:    float64(last.Count),
		FeatSentPosRatio: last.PosRatio,
		FeatSentD1:       diffAbs(buckets, 1),
		FeatSentD5:       diffAbs(buckets, 5),
		FeatSentVol30:    bucketVol(buckets, 30),
	}
	for _, w := range p.EMAWindows {
		out[fmt.Sprintf("sent_ema_%d", w)] = ema(buckets, w)
	}
	return out
}
