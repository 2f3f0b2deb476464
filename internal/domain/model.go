package domain

import (
	"encoding/json"
	"time"
)

// Model registry statuses.
const (
	ModelStaging    = "staging"
	ModelProduction = "production"
	ModelDeleted    = "deleted"
)

// ModelRow is one registered artifact. Uniqueness is (Name, Version,
// ModelType); rows are immutable except for status, promoted_at and metric
// refreshes. At most one row per (Name, ModelType) is in production.
type ModelRow struct {
	ID           int64           `json:"id" db:"id"`
	Name         string          `json:"name" db:"name"`
	Version      string          `json:"version" db:"version"`
	ModelType    string          `json:"model_type" db:"model_type"`
	Status       string          `json:"status" db:"status"`
	ArtifactPath string          `json:"artifact_path" db:"artifact_path"`
	Metrics      json.RawMessage `json:"metrics" db:"metrics"`
	CreatedAt    time.Time       `json:"created_at" db:"created_at"`
	PromotedAt   *time.Time      `json:"promoted_at,omitempty" db:"promoted_at"`
}

// MetricsMap decodes the stored metrics JSON; absent or malformed metrics
// yield an empty map rather than an error, matching how operational readers
// treat missing history.
func (m ModelRow) MetricsMap() map[string]any {
	out := make(map[string]any)
	if len(m.Metrics) == 0 {
		return out
	}
	_ = json.Unmarshal(m.Metrics, &out)
	return out
}

// MetricFloat extracts a numeric metric by key, tolerating JSON numbers
// decoded as float64 and nulls.
func (m ModelRow) MetricFloat(key string) (float64, bool) {
	v, ok := m.MetricsMap()[key]
	if !ok || v == nil {
		return 0, false
	}
	f, ok := v.(float64)
	return f, ok
}

// TrainingJob rows audit every training run; interrupted or failed runs keep
// their one-line reason and never produce a registry row.
type TrainingJob struct {
	ID         string     `json:"id" db:"id"`
	ModelName  string     `json:"model_name" db:"model_name"`
	ModelType  string     `json:"model_type" db:"model_type"`
	Status     string     `json:"status" db:"status"`
	Reason     string     `json:"reason" db:"reason"`
	StartedAt  time.Time  `json:"started_at" db:"started_at"`
	FinishedAt *time.Time `json:"finished_at,omitempty" db:"finished_at"`
}

// Training job statuses.
const (
	JobRunning = "running"
	JobOK      = "ok"
	JobError   = "error"
)
