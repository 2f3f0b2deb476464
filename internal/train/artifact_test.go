package train

import (
	"math"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestArtifactRoundTripVerifies(t *testing.T) {
	model := []byte(`{"weights":[1.5],"bias":0.2}`)
	metrics := map[string]any{"auc": 0.8, "brier": 0.2}

	a, err := NewArtifact(model, []string{"ret_1"}, metrics)
	require.NoError(t, err)
	assert.NotEmpty(t, a.ChecksumSHA256)

	dir := t.TempDir()
	path, err := Save(dir, "bottom_lr", "1700000000000-abc123", a)
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(dir, "bottom_lr-1700000000000-abc123.json"), path)

	loaded, err := LoadArtifact(path)
	require.NoError(t, err)

	ok, err := loaded.Verify()
	require.NoError(t, err)
	assert.True(t, ok)

	decoded, err := loaded.Model()
	require.NoError(t, err)
	assert.Equal(t, model, decoded)
}

func TestArtifactVerifyFlagsTamperedModel(t *testing.T) {
	a, err := NewArtifact([]byte("model-bytes"), []string{"ret_1"}, map[string]any{"auc": 0.7})
	require.NoError(t, err)

	b, err := NewArtifact([]byte("other-bytes"), []string{"ret_1"}, map[string]any{"auc": 0.7})
	require.NoError(t, err)
	a.SKModelB64 = b.SKModelB64

	ok, err := a.Verify()
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestArtifactVerifyFlagsTamperedMetrics(t *testing.T) {
	a, err := NewArtifact([]byte("model-bytes"), []string{"ret_1"}, map[string]any{"auc": 0.7})
	require.NoError(t, err)

	a.Metrics["auc"] = 0.99
	ok, err := a.Verify()
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestSanitizeMetrics(t *testing.T) {
	nan := math.NaN()
	out := SanitizeMetrics(map[string]any{
		"auc":    0.8,
		"bad":    math.Inf(1),
		"nanptr": &nan,
		"nested": map[string]any{"x": math.NaN(), "y": 1.0},
		"series": []float64{1, math.Inf(-1)},
		"note":   "ok",
	})

	assert.Equal(t, 0.8, out["auc"])
	assert.Nil(t, out["bad"])
	assert.Nil(t, out["nanptr"])
	nested := out["nested"].(map[string]any)
	assert.Nil(t, nested["x"])
	assert.Equal(t, 1.0, nested["y"])
	series := out["series"].([]any)
	assert.Equal(t, 1.0, series[0])
	assert.Nil(t, series[1])
	assert.Equal(t, "ok", out["note"])
}

func TestNewVersionShape(t *testing.T) {
	v := NewVersion()
	assert.Regexp(t, `^\d{13}-[0-9a-f]{6}$`, v)
}
