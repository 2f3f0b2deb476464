package domain

import (
	"fmt"
	"math"
	"time"
)

// FeatureSnapshot is one feature row per (symbol, interval, open_time).
// Values are sparse: a nil entry is an explicit null (stored, but carrying no
// number), which is how non-finite results are persisted. Stored in long form
// (meta row + one row per feature) so the feature set can evolve without
// schema migration.
type FeatureSnapshot struct {
	ID        int64               `json:"id" db:"id"`
	Symbol    string              `json:"symbol" db:"symbol"`
	Interval  string              `json:"interval" db:"interval"`
	OpenTime  int64               `json:"open_time" db:"open_time"`
	CloseTime int64               `json:"close_time" db:"close_time"`
	Features  map[string]*float64 `json:"features"`
	CreatedAt time.Time           `json:"created_at,omitempty" db:"created_at"`
}

// Put stores a feature value, mapping NaN and infinities to null.
func (s *FeatureSnapshot) Put(name string, v float64) {
	if s.Features == nil {
		s.Features = make(map[string]*float64)
	}
	if math.IsNaN(v) || math.IsInf(v, 0) {
		s.Features[name] = nil
		return
	}
	val := v
	s.Features[name] = &val
}

// PutNull records an explicit null for a feature.
func (s *FeatureSnapshot) PutNull(name string) {
	if s.Features == nil {
		s.Features = make(map[string]*float64)
	}
	s.Features[name] = nil
}

// Value returns (value, true) when the feature is present and non-null.
func (s *FeatureSnapshot) Value(name string) (float64, bool) {
	v, ok := s.Features[name]
	if !ok || v == nil {
		return 0, false
	}
	return *v, true
}

// ValidFeatureName restricts feature keys at the storage boundary:
// lowercase letters, digits and underscore, starting with a letter.
func ValidFeatureName(name string) error {
	if name == "" || len(name) > 64 {
		return fmt.Errorf("invalid feature name %q", name)
	}
	for i, r := range name {
		switch {
		case r >= 'a' && r <= 'z':
		case r == '_' && i > 0:
		case r >= '0' && r <= '9' && i > 0:
		default:
			return fmt.Errorf("invalid feature name %q", name)
		}
	}
	return nil
}

// SentimentTick is one provider observation for a symbol at a moment.
// Identity is (Symbol, TS, Provider); upserts keep newer non-null fields.
type SentimentTick struct {
	Symbol    string   `json:"symbol" db:"symbol"`
	TS        int64    `json:"ts" db:"ts"`
	Provider  string   `json:"provider" db:"provider"`
	Count     *int64   `json:"count,omitempty" db:"count"`
	ScoreRaw  *float64 `json:"score_raw,omitempty" db:"score_raw"`
	ScoreNorm *float64 `json:"score_norm,omitempty" db:"score_norm"`
	Meta      []byte   `json:"meta,omitempty" db:"meta"`
}

// Score returns the normalized score when present, falling back to raw.
func (t SentimentTick) Score() (float64, bool) {
	if t.ScoreNorm != nil {
		return *t.ScoreNorm, true
	}
	if t.ScoreRaw != nil {
		return *t.ScoreRaw, true
	}
	return 0, false
}
