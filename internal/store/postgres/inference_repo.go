package postgres

import (
	"context"
	"encoding/json"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/quantpond/driftline/internal/domain"
	"github.com/quantpond/driftline/internal/store"
)

const inferenceColumns = `
	id, created_at, probability, decision, threshold,
	model_name, model_version, symbol, interval, extra, realized_label`

// inferenceRepo implements InferenceLog for PostgreSQL.
type inferenceRepo struct {
	db      *sqlx.DB
	timeout time.Duration
}

// NewInferenceLog creates a PostgreSQL-backed inference log.
func NewInferenceLog(db *sqlx.DB, timeout time.Duration) store.InferenceLog {
	return &inferenceRepo{
		db:      db,
		timeout: timeout,
	}
}

// Append writes one inference row at prediction time.
func (r *inferenceRepo) Append(ctx context.Context, rec domain.InferenceRecord) error {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	extra := rec.Extra
	if extra == nil {
		extra = map[string]string{}
	}
	extraJSON, err := json.Marshal(extra)
	if err != nil {
		return wrapErr("failed to marshal inference extra", err)
	}

	_, err = r.db.ExecContext(ctx, `
		INSERT INTO inference_log (
			id, created_at, probability, decision, threshold,
			model_name, model_version, symbol, interval, extra
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		rec.ID, rec.CreatedAt, rec.Probability, rec.Decision, rec.Threshold,
		rec.ModelName, rec.ModelVersion, rec.Symbol, rec.Interval, extraJSON)
	if err != nil {
		return wrapErr("failed to append inference", err)
	}
	return nil
}

// Candidates returns unlabeled inferences older than minAge, oldest first.
func (r *inferenceRepo) Candidates(ctx context.Context, minAge time.Duration, limit int) ([]domain.InferenceRecord, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	rows, err := r.db.QueryxContext(ctx, `
		SELECT`+inferenceColumns+`
		FROM inference_log
		WHERE realized_label IS NULL
		  AND created_at < NOW() - ($1 * INTERVAL '1 second')
		ORDER BY created_at ASC
		LIMIT $2`,
		minAge.Seconds(), limit)
	if err != nil {
		return nil, wrapErr("failed to query label candidates", err)
	}
	defer rows.Close()

	return scanInferences(rows)
}

// SetLabel writes realized_label exactly once; an already-labeled row is left
// untouched and reported false.
func (r *inferenceRepo) SetLabel(ctx context.Context, id string, label int) (bool, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	res, err := r.db.ExecContext(ctx, `
		UPDATE inference_log
		SET realized_label = $2
		WHERE id = $1 AND realized_label IS NULL`,
		id, label)
	if err != nil {
		return false, wrapErr("failed to set realized label", err)
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

// RecentLabeled returns labeled inferences created inside the trailing
// window, newest first.
func (r *inferenceRepo) RecentLabeled(ctx context.Context, modelName string, window time.Duration, limit int) ([]domain.InferenceRecord, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	rows, err := r.db.QueryxContext(ctx, `
		SELECT`+inferenceColumns+`
		FROM inference_log
		WHERE model_name = $1
		  AND realized_label IS NOT NULL
		  AND created_at >= NOW() - ($2 * INTERVAL '1 second')
		ORDER BY created_at DESC
		LIMIT $3`,
		modelName, window.Seconds(), limit)
	if err != nil {
		return nil, wrapErr("failed to query labeled inferences", err)
	}
	defer rows.Close()

	return scanInferences(rows)
}

// Helper methods

func scanInferences(rows *sqlx.Rows) ([]domain.InferenceRecord, error) {
	var out []domain.InferenceRecord
	for rows.Next() {
		var rec domain.InferenceRecord
		var extraJSON []byte
		if err := rows.Scan(
			&rec.ID, &rec.CreatedAt, &rec.Probability, &rec.Decision, &rec.Threshold,
			&rec.ModelName, &rec.ModelVersion, &rec.Symbol, &rec.Interval,
			&extraJSON, &rec.RealizedLabel,
		); err != nil {
			return nil, wrapErr("failed to scan inference", err)
		}
		if len(extraJSON) > 0 {
			if err := json.Unmarshal(extraJSON, &rec.Extra); err != nil {
				return nil, wrapErr("failed to unmarshal inference extra", err)
			}
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, wrapErr("error iterating inference rows", err)
	}
	return out, nil
}
