package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/quantpond/driftline/internal/domain"
	"github.com/quantpond/driftline/internal/store"
)

const modelColumns = `
	id, name, version, model_type, status, artifact_path, metrics, created_at, promoted_at`

// registryRepo implements ModelRegistry for PostgreSQL.
type registryRepo struct {
	db      *sqlx.DB
	timeout time.Duration
}

// NewModelRegistry creates a PostgreSQL-backed model registry.
func NewModelRegistry(db *sqlx.DB, timeout time.Duration) store.ModelRegistry {
	return &registryRepo{
		db:      db,
		timeout: timeout,
	}
}

// Register inserts a row; a duplicate (name, version, model_type) resolves to
// the existing id so repeated registration is idempotent.
func (r *registryRepo) Register(ctx context.Context, row domain.ModelRow) (int64, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	metrics := row.Metrics
	if len(metrics) == 0 {
		metrics = json.RawMessage(`{}`)
	}
	status := row.Status
	if status == "" {
		status = domain.ModelStaging
	}

	var id int64
	err := r.db.QueryRowxContext(ctx, `
		INSERT INTO model_registry (name, version, model_type, status, artifact_path, metrics)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (name, version, model_type) DO NOTHING
		RETURNING id`,
		row.Name, row.Version, row.ModelType, status, row.ArtifactPath, []byte(metrics)).
		Scan(&id)
	if err == nil {
		return id, nil
	}
	if err != sql.ErrNoRows {
		return 0, wrapErr("failed to register model", err)
	}

	err = r.db.QueryRowxContext(ctx, `
		SELECT id FROM model_registry
		WHERE name = $1 AND version = $2 AND model_type = $3`,
		row.Name, row.Version, row.ModelType).Scan(&id)
	if err != nil {
		return 0, wrapErr("failed to resolve duplicate model", err)
	}
	return id, nil
}

// FetchByID loads one registry row.
func (r *registryRepo) FetchByID(ctx context.Context, id int64) (domain.ModelRow, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	row := r.db.QueryRowxContext(ctx, `
		SELECT`+modelColumns+`
		FROM model_registry
		WHERE id = $1`, id)

	m, err := scanModelRow(row)
	if err != nil {
		return domain.ModelRow{}, wrapErr("failed to fetch model", err)
	}
	return m, nil
}

// FetchLatest returns rows for (name, model_type), newest first.
func (r *registryRepo) FetchLatest(ctx context.Context, name, modelType string, limit int) ([]domain.ModelRow, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	rows, err := r.db.QueryxContext(ctx, `
		SELECT`+modelColumns+`
		FROM model_registry
		WHERE name = $1 AND model_type = $2 AND status <> 'deleted'
		ORDER BY created_at DESC
		LIMIT $3`,
		name, modelType, limit)
	if err != nil {
		return nil, wrapErr("failed to query latest models", err)
	}
	defer rows.Close()

	var out []domain.ModelRow
	for rows.Next() {
		m, err := scanModelRows(rows)
		if err != nil {
			return nil, wrapErr("failed to scan model row", err)
		}
		out = append(out, m)
	}
	if err := rows.Err(); err != nil {
		return nil, wrapErr("error iterating model rows", err)
	}
	return out, nil
}

// FetchProduction returns the current production row for (name, model_type).
func (r *registryRepo) FetchProduction(ctx context.Context, name, modelType string) (domain.ModelRow, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	row := r.db.QueryRowxContext(ctx, `
		SELECT`+modelColumns+`
		FROM model_registry
		WHERE name = $1 AND model_type = $2 AND status = 'production'
		LIMIT 1`,
		name, modelType)

	m, err := scanModelRow(row)
	if err != nil {
		return domain.ModelRow{}, wrapErr("failed to fetch production model", err)
	}
	return m, nil
}

// Promote moves a non-production row to production. The caller demotes the
// incumbent first; the partial unique index rejects a second production row.
func (r *registryRepo) Promote(ctx context.Context, id int64) error {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	res, err := r.db.ExecContext(ctx, `
		UPDATE model_registry
		SET status = 'production', promoted_at = NOW()
		WHERE id = $1 AND status <> 'production'`, id)
	if err != nil {
		return wrapErr("failed to promote model", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return wrapErr("promote model", store.ErrInvariant)
	}
	return nil
}

// DemoteOthers returns every production row for (name, model_type) except
// keepID to staging.
func (r *registryRepo) DemoteOthers(ctx context.Context, name, modelType string, keepID int64) error {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	_, err := r.db.ExecContext(ctx, `
		UPDATE model_registry
		SET status = 'staging'
		WHERE name = $1 AND model_type = $2 AND status = 'production' AND id <> $3`,
		name, modelType, keepID)
	if err != nil {
		return wrapErr("failed to demote models", err)
	}
	return nil
}

// Activate forces a row to production, demoting whatever held the slot.
func (r *registryRepo) Activate(ctx context.Context, id int64) error {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return wrapErr("failed to begin activate", err)
	}
	defer tx.Rollback()

	var name, modelType string
	err = tx.QueryRowxContext(ctx, `
		SELECT name, model_type FROM model_registry WHERE id = $1`, id).
		Scan(&name, &modelType)
	if err != nil {
		return wrapErr("failed to load model for activate", err)
	}

	_, err = tx.ExecContext(ctx, `
		UPDATE model_registry
		SET status = 'staging'
		WHERE name = $1 AND model_type = $2 AND status = 'production' AND id <> $3`,
		name, modelType, id)
	if err != nil {
		return wrapErr("failed to clear production slot", err)
	}

	_, err = tx.ExecContext(ctx, `
		UPDATE model_registry
		SET status = 'production', promoted_at = NOW()
		WHERE id = $1`, id)
	if err != nil {
		return wrapErr("failed to activate model", err)
	}

	if err := tx.Commit(); err != nil {
		return wrapErr("failed to commit activate", err)
	}
	return nil
}

// AppendMetrics appends to the immutable history and refreshes the row's
// current metrics.
func (r *registryRepo) AppendMetrics(ctx context.Context, id int64, metrics json.RawMessage) error {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return wrapErr("failed to begin metrics append", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO model_metrics_history (model_id, metrics)
		VALUES ($1, $2)`, id, []byte(metrics)); err != nil {
		return wrapErr("failed to append metrics history", err)
	}

	res, err := tx.ExecContext(ctx, `
		UPDATE model_registry SET metrics = $2 WHERE id = $1`, id, []byte(metrics))
	if err != nil {
		return wrapErr("failed to refresh model metrics", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return wrapErr("refresh model metrics", store.ErrNotFound)
	}

	if err := tx.Commit(); err != nil {
		return wrapErr("failed to commit metrics append", err)
	}
	return nil
}

// SoftDelete marks a row deleted. The production row cannot be deleted out
// from under the inference path; demote it first.
func (r *registryRepo) SoftDelete(ctx context.Context, id int64) error {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	res, err := r.db.ExecContext(ctx, `
		UPDATE model_registry
		SET status = 'deleted'
		WHERE id = $1 AND status <> 'production'`, id)
	if err != nil {
		return wrapErr("failed to soft-delete model", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return wrapErr("soft-delete model", store.ErrInvariant)
	}
	return nil
}

// Helper methods

func scanModelRow(row *sqlx.Row) (domain.ModelRow, error) {
	var m domain.ModelRow
	var metrics []byte
	var promotedAt sql.NullTime
	err := row.Scan(&m.ID, &m.Name, &m.Version, &m.ModelType, &m.Status,
		&m.ArtifactPath, &metrics, &m.CreatedAt, &promotedAt)
	if err != nil {
		return domain.ModelRow{}, err
	}
	m.Metrics = json.RawMessage(metrics)
	if promotedAt.Valid {
		t := promotedAt.Time
		m.PromotedAt = &t
	}
	return m, nil
}

func scanModelRows(rows *sqlx.Rows) (domain.ModelRow, error) {
	var m domain.ModelRow
	var metrics []byte
	var promotedAt sql.NullTime
	err := rows.Scan(&m.ID, &m.Name, &m.Version, &m.ModelType, &m.Status,
		&m.ArtifactPath, &metrics, &m.CreatedAt, &promotedAt)
	if err != nil {
		return domain.ModelRow{}, err
	}
	m.Metrics = json.RawMessage(metrics)
	if promotedAt.Valid {
		t := promotedAt.Time
		m.PromotedAt = &t
	}
	return m, nil
}
