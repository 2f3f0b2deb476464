package train

import (
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"math"
	"os"
	"path/filepath"
)

// Artifact is the registered form of a trained model: the serialized model,
// its input order, sanitized metrics, and a checksum binding the two.
type Artifact struct {
	SKModelB64     string         `json:"sk_model_b64"`
	FeatureOrder   []string       `json:"feature_order"`
	Metrics        map[string]any `json:"metrics"`
	ChecksumSHA256 string         `json:"checksum_sha256"`
}

// NewArtifact packages model bytes with sanitized metrics. The checksum is
// sha256 over the raw model bytes followed by the canonical metrics JSON
// (Go's map marshaling sorts keys, which is the canonical form here).
func NewArtifact(model []byte, featureOrder []string, metrics map[string]any) (Artifact, error) {
	clean := SanitizeMetrics(metrics)
	checksum, err := checksumFor(model, clean)
	if err != nil {
		return Artifact{}, err
	}
	return Artifact{
		SKModelB64:     base64.StdEncoding.EncodeToString(model),
		FeatureOrder:   featureOrder,
		Metrics:        clean,
		ChecksumSHA256: checksum,
	}, nil
}

// Model decodes the serialized model bytes.
func (a Artifact) Model() ([]byte, error) {
	model, err := base64.StdEncoding.DecodeString(a.SKModelB64)
	if err != nil {
		return nil, fmt.Errorf("failed to decode model bytes: %w", err)
	}
	return model, nil
}

// Verify recomputes the checksum. A mismatch is reported, not an error: the
// caller decides whether a flagged model may still serve.
func (a Artifact) Verify() (bool, error) {
	model, err := a.Model()
	if err != nil {
		return false, err
	}
	want, err := checksumFor(model, a.Metrics)
	if err != nil {
		return false, err
	}
	return want == a.ChecksumSHA256, nil
}

// Save writes the artifact JSON under dir as <name>-<version>.json and
// returns the path.
func Save(dir, name, version string, a Artifact) (string, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("failed to create artifact dir: %w", err)
	}
	data, err := json.MarshalIndent(a, "", "  ")
	if err != nil {
		return "", fmt.Errorf("failed to encode artifact: %w", err)
	}
	path := filepath.Join(dir, fmt.Sprintf("%s-%s.json", name, version))
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return "", fmt.Errorf("failed to write artifact: %w", err)
	}
	return path, nil
}

// LoadArtifact reads and decodes one artifact file without verifying it.
func LoadArtifact(path string) (Artifact, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Artifact{}, fmt.Errorf("failed to read artifact: %w", err)
	}
	var a Artifact
	if err := json.Unmarshal(data, &a); err != nil {
		return Artifact{}, fmt.Errorf("failed to decode artifact: %w", err)
	}
	return a, nil
}

func checksumFor(model []byte, metrics map[string]any) (string, error) {
	metricsJSON, err := json.Marshal(metrics)
	if err != nil {
		return "", fmt.Errorf("failed to encode metrics: %w", err)
	}
	h := sha256.New()
	h.Write(model)
	h.Write(metricsJSON)
	return hex.EncodeToString(h.Sum(nil)), nil
}

// SanitizeMetrics maps NaN and infinities to null so the stored JSON is
// always valid. Nested maps and float slices are sanitized recursively.
func SanitizeMetrics(metrics map[string]any) map[string]any {
	out := make(map[string]any, len(metrics))
	for k, v := range metrics {
		out[k] = sanitizeValue(v)
	}
	return out
}

func sanitizeValue(v any) any {
	switch t := v.(type) {
	case float64:
		if math.IsNaN(t) || math.IsInf(t, 0) {
			return nil
		}
		return t
	case *float64:
		if t == nil || math.IsNaN(*t) || math.IsInf(*t, 0) {
			return nil
		}
		return *t
	case map[string]any:
		return SanitizeMetrics(t)
	case []float64:
		out := make([]any, len(t))
		for i, f := range t {
			out[i] = sanitizeValue(f)
		}
		return out
	default:
		return v
	}
}
