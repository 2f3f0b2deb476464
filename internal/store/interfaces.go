package store

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/quantpond/driftline/internal/domain"
)

// Sentinel errors the storage layer maps driver failures onto. Callers branch
// with errors.Is; the concrete driver error stays wrapped underneath.
var (
	// ErrUnavailable marks storage connectivity failures. Callers may buffer
	// and retry.
	ErrUnavailable = errors.New("storage unavailable")

	// ErrNotFound marks lookups that matched no row.
	ErrNotFound = errors.New("not found")

	// ErrDuplicate marks a unique-key violation that upsert semantics did not
	// absorb.
	ErrDuplicate = errors.New("duplicate key")

	// ErrInvariant marks forbidden lifecycle transitions and integrity
	// violations detected before touching the database.
	ErrInvariant = errors.New("invariant violation")
)

// CandleStore is the single source of truth for OHLCV bars.
type CandleStore interface {
	// UpsertOne writes one candle with merge semantics: high/low widen,
	// close/volume/counters replace, is_closed only transitions false→true.
	UpsertOne(ctx context.Context, c domain.Candle) error

	// BulkUpsert writes a batch atomically, stamping every row with source.
	BulkUpsert(ctx context.Context, candles []domain.Candle, source string) error

	// FetchRecent returns up to limit closed bars, newest first.
	FetchRecent(ctx context.Context, symbol, interval string, limit int) ([]domain.Candle, error)

	// FetchRange returns bars with open_time in [from, to], oldest first.
	FetchRange(ctx context.Context, symbol, interval string, from, to int64) ([]domain.Candle, error)

	// CountRange counts bars with open_time in [from, to].
	CountRange(ctx context.Context, symbol, interval string, from, to int64) (int64, error)

	// NearestIntervalMS derives the bar interval from the closest adjacent
	// candle pair around the span, for merge-path interval inference.
	NearestIntervalMS(ctx context.Context, symbol, interval string, around int64) (int64, error)
}

// GapStore persists gap segments and their one-way lifecycle.
type GapStore interface {
	// InsertDetected records a fresh open segment. Duplicate
	// (symbol, interval, from_open_time) resolves to the existing row id.
	InsertDetected(ctx context.Context, g domain.GapSegment) (int64, error)

	// InsertMerging inserts a segment after transactionally absorbing every
	// overlapping non-recovered segment (SELECT ... FOR UPDATE). Overlapped
	// rows are marked merged; the inserted row carries precise missing-bar
	// arithmetic computed against candles present in the merged span.
	InsertMerging(ctx context.Context, g domain.GapSegment) (domain.GapSegment, error)

	// OpenSegments returns open and partial segments for the key, oldest
	// detection first.
	OpenSegments(ctx context.Context, symbol, interval string) ([]domain.GapSegment, error)

	// OverlappingOpen returns non-recovered segments intersecting [from, to].
	OverlappingOpen(ctx context.Context, symbol, interval string, from, to int64) ([]domain.GapSegment, error)

	// UpdateProgress persists a partial recovery: remaining/recovered bars
	// and the partial status.
	UpdateProgress(ctx context.Context, id int64, remaining, recovered int64) error

	// MarkRecovered terminates a segment and stamps recovered_at.
	MarkRecovered(ctx context.Context, id int64) error

	// ReplaceSplit atomically replaces one segment with its two halves after
	// a late fill lands strictly inside it.
	ReplaceSplit(ctx context.Context, oldID int64, left, right domain.GapSegment) (int64, int64, error)
}

// FeatureStore persists long-form feature snapshots.
type FeatureStore interface {
	// UpsertSnapshot writes the meta row and every feature value, replacing
	// prior values per (snapshot, feature_name).
	UpsertSnapshot(ctx context.Context, s domain.FeatureSnapshot) (int64, error)

	// LatestSnapshots returns the newest n snapshots for the key with values
	// attached, newest first.
	LatestSnapshots(ctx context.Context, symbol, interval string, n int) ([]domain.FeatureSnapshot, error)

	// LatestOpenTime returns the open_time of the newest snapshot, or
	// ErrNotFound when none exists.
	LatestOpenTime(ctx context.Context, symbol, interval string) (int64, error)

	// FeatureSeries returns (open_time, value) pairs for one feature,
	// oldest first, covering the newest n snapshots.
	FeatureSeries(ctx context.Context, symbol, interval, feature string, n int) ([]FeaturePoint, error)
}

// FeaturePoint is one observation in a single-feature series.
type FeaturePoint struct {
	OpenTime int64    `db:"open_time"`
	Value    *float64 `db:"value"`
}

// SentimentStore persists provider sentiment ticks.
type SentimentStore interface {
	// Upsert writes a tick on (symbol, ts, provider), keeping newer non-null
	// fields and preserving older ones.
	Upsert(ctx context.Context, t domain.SentimentTick) error

	// UpsertBatch writes several ticks in one transaction.
	UpsertBatch(ctx context.Context, ticks []domain.SentimentTick) error

	// FetchRange returns ticks with ts in [from, to], oldest first.
	FetchRange(ctx context.Context, symbol string, from, to int64) ([]domain.SentimentTick, error)
}

// ModelRegistry is the durable model catalog (C3 contract).
type ModelRegistry interface {
	// Register inserts a row; a duplicate (name, version, model_type)
	// resolves to the existing id.
	Register(ctx context.Context, row domain.ModelRow) (int64, error)

	// FetchByID loads one row.
	FetchByID(ctx context.Context, id int64) (domain.ModelRow, error)

	// FetchLatest returns rows for (name, model_type), newest first.
	FetchLatest(ctx context.Context, name, modelType string, limit int) ([]domain.ModelRow, error)

	// FetchProduction returns the current production row for
	// (name, model_type) or ErrNotFound.
	FetchProduction(ctx context.Context, name, modelType string) (domain.ModelRow, error)

	// Promote moves a staging row to production; promoting a row already in
	// production is an invariant error.
	Promote(ctx context.Context, id int64) error

	// DemoteOthers returns every production row for (name, model_type)
	// except keepID to staging.
	DemoteOthers(ctx context.Context, name, modelType string, keepID int64) error

	// Activate forces a row to production and touches promoted_at.
	Activate(ctx context.Context, id int64) error

	// AppendMetrics appends to the metric history and refreshes the row's
	// current metrics.
	AppendMetrics(ctx context.Context, id int64, metrics json.RawMessage) error

	// SoftDelete marks a row deleted without erasing history.
	SoftDelete(ctx context.Context, id int64) error
}

// InferenceLog is the append-only prediction record (C4 contract).
type InferenceLog interface {
	// Append writes one inference row.
	Append(ctx context.Context, rec domain.InferenceRecord) error

	// Candidates returns unlabeled inferences older than minAge, oldest
	// first, at most limit.
	Candidates(ctx context.Context, minAge time.Duration, limit int) ([]domain.InferenceRecord, error)

	// SetLabel writes realized_label once; rows already labeled are left
	// untouched and reported via the returned bool.
	SetLabel(ctx context.Context, id string, label int) (bool, error)

	// RecentLabeled returns labeled inferences created in the trailing
	// window, newest first, for calibration monitoring.
	RecentLabeled(ctx context.Context, modelName string, window time.Duration, limit int) ([]domain.InferenceRecord, error)
}

// JobStore audits training runs and controller events.
type JobStore interface {
	// CreateJob opens a running training job row.
	CreateJob(ctx context.Context, job domain.TrainingJob) error

	// FinishJob terminates a job with ok/error and a one-line reason.
	FinishJob(ctx context.Context, id, status, reason string) error

	// RecordRetrainEvent audits a controller trigger decision.
	RecordRetrainEvent(ctx context.Context, trigger, detail string) error

	// RecordPromotion audits a promotion attempt and its outcome.
	RecordPromotion(ctx context.Context, modelID int64, promoted bool, reason string) error
}

// AdvisoryLocker serializes cross-process work on a fixed integer key.
type AdvisoryLocker interface {
	// TryLock attempts the lock without blocking; callers that fail skip the
	// cycle and sleep.
	TryLock(ctx context.Context, key int64) (bool, error)

	// Unlock releases a held lock.
	Unlock(ctx context.Context, key int64) error
}
