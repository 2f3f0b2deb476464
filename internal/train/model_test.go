package train

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// separable builds a linearly separable 1-feature set.
func separable(n int) ([][]float64, []int) {
	X := make([][]float64, n)
	y := make([]int, n)
	for i := 0; i < n; i++ {
		if i%2 == 0 {
			X[i] = []float64{-2 - float64(i%5)}
			y[i] = 0
		} else {
			X[i] = []float64{2 + float64(i%5)}
			y[i] = 1
		}
	}
	return X, y
}

func TestFitPredictSeparatesClasses(t *testing.T) {
	X, y := separable(200)
	model, err := Fit(context.Background(), X, y, FitParams{Iterations: 500, LearningRate: 0.5})
	require.NoError(t, err)

	probs, err := Predict(model, [][]float64{{-3}, {3}})
	require.NoError(t, err)
	assert.Less(t, probs[0], 0.3)
	assert.Greater(t, probs[1], 0.7)
}

func TestFitIsDeterministic(t *testing.T) {
	X, y := separable(100)
	a, err := Fit(context.Background(), X, y, FitParams{})
	require.NoError(t, err)
	b, err := Fit(context.Background(), X, y, FitParams{})
	require.NoError(t, err)
	assert.Equal(t, a, b)
}

func TestFitZeroVarianceFeature(t *testing.T) {
	// A constant column must not divide by zero.
	X := [][]float64{{1, 5}, {-1, 5}, {1, 5}, {-1, 5}}
	y := []int{1, 0, 1, 0}
	model, err := Fit(context.Background(), X, y, FitParams{})
	require.NoError(t, err)

	probs, err := Predict(model, X)
	require.NoError(t, err)
	assert.Greater(t, probs[0], 0.5)
	assert.Less(t, probs[1], 0.5)
}

func TestFitCancelledBetweenEpochs(t *testing.T) {
	X, y := separable(100)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := Fit(ctx, X, y, FitParams{Iterations: 1000})
	require.ErrorIs(t, err, context.Canceled)
}

func TestFitRejectsMismatchedInput(t *testing.T) {
	_, err := Fit(context.Background(), [][]float64{{1}}, []int{1, 0}, FitParams{})
	require.Error(t, err)
	_, err = Fit(context.Background(), nil, nil, FitParams{})
	require.Error(t, err)
}

func TestPredictRejectsWrongWidth(t *testing.T) {
	X, y := separable(50)
	model, err := Fit(context.Background(), X, y, FitParams{})
	require.NoError(t, err)

	_, err = Predict(model, [][]float64{{1, 2}})
	require.Error(t, err)
}

func TestPredictRejectsGarbageBytes(t *testing.T) {
	_, err := Predict([]byte("not a model"), [][]float64{{1}})
	require.Error(t, err)
}
