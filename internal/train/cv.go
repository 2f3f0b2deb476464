package train

import (
	"context"
	"math"
)

const minFoldValidation = 30

// CVSummary aggregates metrics over the evaluated folds.
type CVSummary struct {
	Folds     int     `json:"folds"`
	Skipped   int     `json:"skipped"`
	MeanAUC   float64 `json:"mean_auc"`
	StdAUC    float64 `json:"std_auc"`
	MeanAcc   float64 `json:"mean_accuracy"`
	MeanBrier float64 `json:"mean_brier"`
}

// TimeOrderedCV splits the chronologically ordered set into splits+1 equal
// segments; fold i trains on segments [0..i) and validates on segment i.
// Folds with a validation segment under 30 rows or single-class training data
// are skipped. Returns the summary over evaluated folds; zero folds is not an
// error, the summary just reports Folds == 0.
func TimeOrderedCV(ctx context.Context, X [][]float64, y []int, splits int, params FitParams) (CVSummary, error) {
	var sum CVSummary
	if splits <= 0 || len(X) < (splits+1)*2 {
		return sum, nil
	}

	segSize := len(X) / (splits + 1)
	var aucs, accs, briers []float64

	for i := 1; i <= splits; i++ {
		if err := ctx.Err(); err != nil {
			return sum, err
		}

		trainEnd := i * segSize
		valEnd := (i + 1) * segSize
		if i == splits {
			valEnd = len(X)
		}
		valX, valY := X[trainEnd:valEnd], y[trainEnd:valEnd]
		trainX, trainY := X[:trainEnd], y[:trainEnd]

		if len(valX) < minFoldValidation || singleClass(trainY) {
			sum.Skipped++
			continue
		}

		model, err := Fit(ctx, trainX, trainY, params)
		if err != nil {
			return sum, err
		}
		probs, err := Predict(model, valX)
		if err != nil {
			return sum, err
		}

		m := Evaluate(probs, valY)
		if m.AUC != nil {
			aucs = append(aucs, *m.AUC)
		}
		accs = append(accs, m.Accuracy)
		briers = append(briers, m.Brier)
		sum.Folds++
	}

	sum.MeanAUC, sum.StdAUC = meanStd(aucs)
	sum.MeanAcc, _ = meanStd(accs)
	sum.MeanBrier, _ = meanStd(briers)
	return sum, nil
}

func singleClass(y []int) bool {
	if len(y) == 0 {
		return true
	}
	first := y[0]
	for _, v := range y[1:] {
		if v != first {
			return false
		}
	}
	return true
}

func meanStd(vals []float64) (mean, std float64) {
	if len(vals) == 0 {
		return 0, 0
	}
	for _, v := range vals {
		mean += v
	}
	mean /= float64(len(vals))
	for _, v := range vals {
		d := v - mean
		std += d * d
	}
	return mean, math.Sqrt(std / float64(len(vals)))
}
