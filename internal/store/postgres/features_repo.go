package postgres

import (
	"context"
	"sort"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"

	"github.com/quantpond/driftline/internal/domain"
	"github.com/quantpond/driftline/internal/store"
)

// featuresRepo implements FeatureStore for PostgreSQL using the long-form
// layout: one meta row per snapshot plus one value row per feature, so the
// feature set can evolve without schema migration.
type featuresRepo struct {
	db      *sqlx.DB
	timeout time.Duration
}

// NewFeatureStore creates a PostgreSQL-backed feature snapshot store.
func NewFeatureStore(db *sqlx.DB, timeout time.Duration) store.FeatureStore {
	return &featuresRepo{
		db:      db,
		timeout: timeout,
	}
}

// UpsertSnapshot writes the meta row and every feature value, replacing prior
// values per (snapshot, feature_name). Feature names are validated at this
// boundary; a bad name rejects the whole snapshot before any write.
func (r *featuresRepo) UpsertSnapshot(ctx context.Context, s domain.FeatureSnapshot) (int64, error) {
	for name := range s.Features {
		if err := domain.ValidFeatureName(name); err != nil {
			return 0, wrapErr("reject snapshot", err)
		}
	}

	ctx, cancel := context.WithTimeout(ctx, batchTimeout(r.timeout, len(s.Features)))
	defer cancel()

	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return 0, wrapErr("failed to begin snapshot upsert", err)
	}
	defer tx.Rollback()

	var snapshotID int64
	err = tx.QueryRowxContext(ctx, `
		INSERT INTO feature_snapshot_meta (symbol, interval, open_time, close_time)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (symbol, interval, open_time)
		DO UPDATE SET close_time = EXCLUDED.close_time
		RETURNING id`,
		s.Symbol, s.Interval, s.OpenTime, s.CloseTime).Scan(&snapshotID)
	if err != nil {
		return 0, wrapErr("failed to upsert snapshot meta", err)
	}

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO feature_snapshot_value (snapshot_id, feature_name, value)
		VALUES ($1, $2, $3)
		ON CONFLICT (snapshot_id, feature_name)
		DO UPDATE SET value = EXCLUDED.value`)
	if err != nil {
		return 0, wrapErr("failed to prepare snapshot value upsert", err)
	}
	defer stmt.Close()

	// Deterministic write order keeps deadlock risk out of concurrent
	// upserts for the same snapshot.
	names := make([]string, 0, len(s.Features))
	for name := range s.Features {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		if _, err := stmt.ExecContext(ctx, snapshotID, name, s.Features[name]); err != nil {
			return 0, wrapErr("failed to upsert snapshot value", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return 0, wrapErr("failed to commit snapshot", err)
	}
	return snapshotID, nil
}

// LatestSnapshots returns the newest n snapshots with values attached,
// newest first.
func (r *featuresRepo) LatestSnapshots(ctx context.Context, symbol, interval string, n int) ([]domain.FeatureSnapshot, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	rows, err := r.db.QueryxContext(ctx, `
		SELECT id, symbol, interval, open_time, close_time, created_at
		FROM feature_snapshot_meta
		WHERE symbol = $1 AND interval = $2
		ORDER BY open_time DESC
		LIMIT $3`,
		symbol, interval, n)
	if err != nil {
		return nil, wrapErr("failed to query snapshot meta", err)
	}

	var snaps []domain.FeatureSnapshot
	ids := make([]int64, 0, n)
	byID := make(map[int64]int)
	for rows.Next() {
		var s domain.FeatureSnapshot
		if err := rows.Scan(&s.ID, &s.Symbol, &s.Interval, &s.OpenTime, &s.CloseTime, &s.CreatedAt); err != nil {
			rows.Close()
			return nil, wrapErr("failed to scan snapshot meta", err)
		}
		s.Features = make(map[string]*float64)
		byID[s.ID] = len(snaps)
		ids = append(ids, s.ID)
		snaps = append(snaps, s)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, wrapErr("error iterating snapshot meta", err)
	}
	if len(snaps) == 0 {
		return nil, nil
	}

	valueRows, err := r.db.QueryxContext(ctx, `
		SELECT snapshot_id, feature_name, value
		FROM feature_snapshot_value
		WHERE snapshot_id = ANY($1)`,
		pq.Array(ids))
	if err != nil {
		return nil, wrapErr("failed to query snapshot values", err)
	}
	defer valueRows.Close()

	for valueRows.Next() {
		var snapshotID int64
		var name string
		var value *float64
		if err := valueRows.Scan(&snapshotID, &name, &value); err != nil {
			return nil, wrapErr("failed to scan snapshot value", err)
		}
		if idx, ok := byID[snapshotID]; ok {
			snaps[idx].Features[name] = value
		}
	}
	if err := valueRows.Err(); err != nil {
		return nil, wrapErr("error iterating snapshot values", err)
	}

	return snaps, nil
}

// LatestOpenTime returns the open_time of the newest snapshot.
func (r *featuresRepo) LatestOpenTime(ctx context.Context, symbol, interval string) (int64, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	var openTime int64
	err := r.db.QueryRowxContext(ctx, `
		SELECT open_time FROM feature_snapshot_meta
		WHERE symbol = $1 AND interval = $2
		ORDER BY open_time DESC
		LIMIT 1`,
		symbol, interval).Scan(&openTime)
	if err != nil {
		return 0, wrapErr("failed to query latest snapshot time", err)
	}
	return openTime, nil
}

// FeatureSeries returns (open_time, value) for one feature over the newest n
// snapshots, oldest first.
func (r *featuresRepo) FeatureSeries(ctx context.Context, symbol, interval, feature string, n int) ([]store.FeaturePoint, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	rows, err := r.db.QueryxContext(ctx, `
		SELECT m.open_time, v.value
		FROM feature_snapshot_meta m
		JOIN feature_snapshot_value v
		  ON v.snapshot_id = m.id AND v.feature_name = $3
		WHERE m.symbol = $1 AND m.interval = $2
		ORDER BY m.open_time DESC
		LIMIT $4`,
		symbol, interval, feature, n)
	if err != nil {
		return nil, wrapErr("failed to query feature series", err)
	}
	defer rows.Close()

	var pts []store.FeaturePoint
	for rows.Next() {
		var p store.FeaturePoint
		if err := rows.Scan(&p.OpenTime, &p.Value); err != nil {
			return nil, wrapErr("failed to scan feature point", err)
		}
		pts = append(pts, p)
	}
	if err := rows.Err(); err != nil {
		return nil, wrapErr("error iterating feature series", err)
	}

	// Oldest first for windowed statistics.
	for i, j := 0, len(pts)-1; i < j; i, j = i+1, j-1 {
		pts[i], pts[j] = pts[j], pts[i]
	}
	return pts, nil
}
