package domain

import "time"

// InferenceRecord is one prediction appended at decision time. RealizedLabel
// stays null until the labeler resolves the forward window; once set it is
// never changed.
type InferenceRecord struct {
	ID            string            `json:"id" db:"id"`
	CreatedAt     time.Time         `json:"created_at" db:"created_at"`
	Probability   float64           `json:"probability" db:"probability"`
	Decision      int               `json:"decision" db:"decision"`
	Threshold     float64           `json:"threshold" db:"threshold"`
	ModelName     string            `json:"model_name" db:"model_name"`
	ModelVersion  string            `json:"model_version" db:"model_version"`
	Symbol        string            `json:"symbol" db:"symbol"`
	Interval      string            `json:"interval" db:"interval"`
	Extra         map[string]string `json:"extra,omitempty"`
	RealizedLabel *int              `json:"realized_label,omitempty" db:"realized_label"`
}

// Target returns the labeling target recorded with the inference
// ("bottom", "direction", ...). Empty when the producer set none.
func (r InferenceRecord) Target() string {
	return r.Extra["target"]
}

// Decisions are +1 (act) / −1 (pass) relative to the probability threshold.
const (
	DecisionLong = 1
	DecisionPass = -1
)
