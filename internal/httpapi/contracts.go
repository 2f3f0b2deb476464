package httpapi

import (
	"time"

	"github.com/quantpond/driftline/internal/domain"
	"github.com/quantpond/driftline/internal/ingest"
)

// StatusResponse is the /status payload: one flat read over every running
// component.
type StatusResponse struct {
	Status    string         `json:"status"`
	Timestamp time.Time      `json:"timestamp"`
	Ingest    *ingest.Status `json:"ingest,omitempty"`
	Backfill  *BackfillState `json:"backfill,omitempty"`
	Retrain   *RetrainState  `json:"retrain,omitempty"`
	Models    *ModelState    `json:"models,omitempty"`
	WSClients int            `json:"ws_clients"`
}

// BackfillState reports the recovery queue.
type BackfillState struct {
	QueueDepth int `json:"queue_depth"`
}

// RetrainState reports the controller loop.
type RetrainState struct {
	State         string     `json:"state"`
	LastRun       *time.Time `json:"last_run,omitempty"`
	LastPromotion *time.Time `json:"last_promotion,omitempty"`
}

// ModelState reports the serving cache.
type ModelState struct {
	CachedModels int `json:"cached_models"`
}

// GapsResponse is the /gaps payload.
type GapsResponse struct {
	Segments  []domain.GapSegment `json:"segments"`
	Generated time.Time           `json:"generated"`
}

// ModelsResponse is the /models payload.
type ModelsResponse struct {
	Models    []ModelInfo `json:"models"`
	Generated time.Time   `json:"generated"`
}

// ModelInfo is one registry row without the artifact internals.
type ModelInfo struct {
	ID         int64          `json:"id"`
	Name       string         `json:"name"`
	Version    string         `json:"version"`
	ModelType  string         `json:"model_type"`
	Status     string         `json:"status"`
	Metrics    map[string]any `json:"metrics,omitempty"`
	CreatedAt  time.Time      `json:"created_at"`
	PromotedAt *time.Time     `json:"promoted_at,omitempty"`
}

// ErrorResponse is the JSON error body for non-2xx replies.
type ErrorResponse struct {
	Error string `json:"error"`
}
