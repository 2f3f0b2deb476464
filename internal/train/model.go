// Package train fits calibrated binary classifiers on feature snapshots and
// packages them into checksummed artifacts for the registry.
package train

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
)

// modelBlob is the serialized form of the fitted pipeline: a per-feature
// standardizer chained with logistic regression weights. The bytes are opaque
// to every caller; only Fit and Predict read them.
type modelBlob struct {
	Means   []float64 `json:"means"`
	Scales  []float64 `json:"scales"`
	Weights []float64 `json:"weights"`
	Bias    float64   `json:"bias"`
}

// FitParams tune the gradient-descent optimizer.
type FitParams struct {
	Iterations   int
	LearningRate float64
}

func (p FitParams) withDefaults() FitParams {
	if p.Iterations <= 0 {
		p.Iterations = 300
	}
	if p.LearningRate <= 0 {
		p.LearningRate = 0.1
	}
	return p
}

// Fit standardizes X per feature and trains logistic regression by full-batch
// gradient descent. The run is deterministic for identical inputs.
// Cancellation is checked between epochs; an interrupted fit returns the
// context error and no bytes.
func Fit(ctx context.Context, X [][]float64, y []int, params FitParams) ([]byte, error) {
	if len(X) == 0 || len(X) != len(y) {
		return nil, fmt.Errorf("invalid training set: %d rows, %d labels", len(X), len(y))
	}
	params = params.withDefaults()
	nFeatures := len(X[0])

	means := make([]float64, nFeatures)
	scales := make([]float64, nFeatures)
	for j := 0; j < nFeatures; j++ {
		sum := 0.0
		for _, row := range X {
			sum += row[j]
		}
		means[j] = sum / float64(len(X))

		variance := 0.0
		for _, row := range X {
			d := row[j] - means[j]
			variance += d * d
		}
		scales[j] = math.Sqrt(variance / float64(len(X)))
		if scales[j] == 0 {
			scales[j] = 1
		}
	}

	scaled := make([][]float64, len(X))
	for i, row := range X {
		s := make([]float64, nFeatures)
		for j, v := range row {
			s[j] = (v - means[j]) / scales[j]
		}
		scaled[i] = s
	}

	weights := make([]float64, nFeatures)
	bias := 0.0
	n := float64(len(scaled))
	grad := make([]float64, nFeatures)

	for epoch := 0; epoch < params.Iterations; epoch++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		for j := range grad {
			grad[j] = 0
		}
		gradBias := 0.0
		for i, row := range scaled {
			p := sigmoid(dot(weights, row) + bias)
			residual := p - float64(y[i])
			for j, v := range row {
				grad[j] += residual * v
			}
			gradBias += residual
		}
		for j := range weights {
			weights[j] -= params.LearningRate * grad[j] / n
		}
		bias -= params.LearningRate * gradBias / n
	}

	blob := modelBlob{Means: means, Scales: scales, Weights: weights, Bias: bias}
	data, err := json.Marshal(blob)
	if err != nil {
		return nil, fmt.Errorf("failed to serialize model: %w", err)
	}
	return data, nil
}

// Predict scores rows with a serialized model, returning P(y=1) per row.
func Predict(model []byte, X [][]float64) ([]float64, error) {
	var blob modelBlob
	if err := json.Unmarshal(model, &blob); err != nil {
		return nil, fmt.Errorf("failed to deserialize model: %w", err)
	}

	probs := make([]float64, len(X))
	for i, row := range X {
		if len(row) != len(blob.Weights) {
			return nil, fmt.Errorf("row %d has %d features, model expects %d", i, len(row), len(blob.Weights))
		}
		z := blob.Bias
		for j, v := range row {
			z += blob.Weights[j] * (v - blob.Means[j]) / blob.Scales[j]
		}
		probs[i] = sigmoid(z)
	}
	return probs, nil
}

func sigmoid(z float64) float64 {
	return 1 / (1 + math.Exp(-z))
}

func dot(a, b []float64) float64 {
	s := 0.0
	for i := range a {
		s += a[i] * b[i]
	}
	return s
}
