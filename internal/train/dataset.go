package train

import (
	"fmt"
	"time"

	"github.com/quantpond/driftline/internal/domain"
	"github.com/quantpond/driftline/internal/feature"
	"github.com/quantpond/driftline/internal/label"
)

// BaseFeatureOrder is the canonical model input vector. Order is part of the
// artifact contract and never changes for a registered model.
var BaseFeatureOrder = []string{
	feature.FeatRet1,
	feature.FeatRet5,
	feature.FeatRet10,
	feature.FeatRSI14,
	feature.FeatVol20,
	feature.FeatMA20,
	feature.FeatMA50,
}

// SentimentFeatureOrder is appended to the base vector by the extended
// variant.
var SentimentFeatureOrder = []string{
	feature.FeatSentScore,
	feature.FeatSentCount,
	feature.FeatSentPosRatio,
	feature.FeatSentD1,
	feature.FeatSentD5,
	feature.FeatSentVol30,
}

// FeatureOrder returns the input vector for a variant.
func FeatureOrder(withSentiment bool) []string {
	if !withSentiment {
		return append([]string(nil), BaseFeatureOrder...)
	}
	out := append([]string(nil), BaseFeatureOrder...)
	return append(out, SentimentFeatureOrder...)
}

// Label variants.
const (
	LabelDirection = "direction" // y = 1 iff close[t+1] > close[t]
	LabelHorizon   = "horizon"   // y = 1 iff close[t+H] > close[t]
	LabelBottom    = "bottom"    // forward drawdown-then-rebound rule
)

// LabelSpec selects and parameterizes the label rule.
type LabelSpec struct {
	Kind        string
	HorizonBars int          // horizon variant
	Bottom      label.Params // bottom variant
}

// ParseHorizon converts a label like "15m" into a bar count for the candle
// interval.
func ParseHorizon(spec string, intervalMS int64) (int, error) {
	horizonMS, err := domain.IntervalMS(spec)
	if err != nil {
		return 0, fmt.Errorf("invalid horizon %q: %w", spec, err)
	}
	if intervalMS <= 0 || horizonMS%intervalMS != 0 {
		return 0, fmt.Errorf("horizon %q is not a multiple of the bar interval", spec)
	}
	return int(horizonMS / intervalMS), nil
}

// Dataset is one aligned training set: rows ascending in time, labels
// resolved, no missing values.
type Dataset struct {
	X            [][]float64
	Y            []int
	FeatureOrder []string
	Positives    int
}

// Build aligns ascending snapshots with ascending candles on open_time and
// resolves labels per spec. Rows with any missing feature or an unresolvable
// label are dropped.
func Build(snapshots []domain.FeatureSnapshot, candles []domain.Candle, spec LabelSpec, featureOrder []string) (Dataset, error) {
	ds := Dataset{FeatureOrder: featureOrder}

	idxByOpen := make(map[int64]int, len(candles))
	for i, c := range candles {
		idxByOpen[c.OpenTime] = i
	}

	for _, snap := range snapshots {
		row := make([]float64, 0, len(featureOrder))
		complete := true
		for _, name := range featureOrder {
			v, ok := snap.Value(name)
			if !ok {
				complete = false
				break
			}
			row = append(row, v)
		}
		if !complete {
			continue
		}

		y, ok, err := resolveLabel(snap, candles, idxByOpen, spec)
		if err != nil {
			return Dataset{}, err
		}
		if !ok {
			continue
		}

		ds.X = append(ds.X, row)
		ds.Y = append(ds.Y, y)
		if y == 1 {
			ds.Positives++
		}
	}
	return ds, nil
}

func resolveLabel(snap domain.FeatureSnapshot, candles []domain.Candle, idxByOpen map[int64]int, spec LabelSpec) (int, bool, error) {
	switch spec.Kind {
	case LabelDirection:
		return closeComparison(snap, candles, idxByOpen, 1)
	case LabelHorizon:
		if spec.HorizonBars <= 0 {
			return 0, false, fmt.Errorf("horizon variant requires a positive bar count")
		}
		return closeComparison(snap, candles, idxByOpen, spec.HorizonBars)
	case LabelBottom:
		outcome := label.BottomEvent(candles, time.UnixMilli(snap.CloseTime), spec.Bottom)
		if outcome == label.OutcomeDeferred {
			return 0, false, nil
		}
		return outcome.Label(), true, nil
	default:
		return 0, false, fmt.Errorf("unknown label variant %q", spec.Kind)
	}
}

func closeComparison(snap domain.FeatureSnapshot, candles []domain.Candle, idxByOpen map[int64]int, horizon int) (int, bool, error) {
	idx, ok := idxByOpen[snap.OpenTime]
	if !ok || idx+horizon >= len(candles) {
		return 0, false, nil
	}
	if candles[idx+horizon].Close > candles[idx].Close {
		return 1, true, nil
	}
	return 0, true, nil
}
