package postgres

import (
	"context"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/quantpond/driftline/internal/domain"
	"github.com/quantpond/driftline/internal/store"
)

// jobsRepo implements JobStore for PostgreSQL: training jobs plus the retrain
// and promotion audit tables.
type jobsRepo struct {
	db      *sqlx.DB
	timeout time.Duration
}

// NewJobStore creates a PostgreSQL-backed job and audit store.
func NewJobStore(db *sqlx.DB, timeout time.Duration) store.JobStore {
	return &jobsRepo{
		db:      db,
		timeout: timeout,
	}
}

func (r *jobsRepo) CreateJob(ctx context.Context, job domain.TrainingJob) error {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	_, err := r.db.ExecContext(ctx, `
		INSERT INTO training_jobs (id, model_name, model_type, status, reason, started_at)
		VALUES ($1, $2, $3, $4, $5, $6)`,
		job.ID, job.ModelName, job.ModelType, job.Status, job.Reason, job.StartedAt)
	if err != nil {
		return wrapErr("failed to create training job", err)
	}
	return nil
}

func (r *jobsRepo) FinishJob(ctx context.Context, id, status, reason string) error {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	res, err := r.db.ExecContext(ctx, `
		UPDATE training_jobs
		SET status = $2, reason = $3, finished_at = NOW()
		WHERE id = $1`,
		id, status, reason)
	if err != nil {
		return wrapErr("failed to finish training job", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return wrapErr("finish training job", store.ErrNotFound)
	}
	return nil
}

func (r *jobsRepo) RecordRetrainEvent(ctx context.Context, trigger, detail string) error {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	_, err := r.db.ExecContext(ctx, `
		INSERT INTO retrain_events (trigger, detail) VALUES ($1, $2)`,
		trigger, detail)
	if err != nil {
		return wrapErr("failed to record retrain event", err)
	}
	return nil
}

func (r *jobsRepo) RecordPromotion(ctx context.Context, modelID int64, promoted bool, reason string) error {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	_, err := r.db.ExecContext(ctx, `
		INSERT INTO promotion_events (model_id, promoted, reason) VALUES ($1, $2, $3)`,
		modelID, promoted, reason)
	if err != nil {
		return wrapErr("failed to record promotion event", err)
	}
	return nil
}
