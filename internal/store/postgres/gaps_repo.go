package postgres

import (
	"context"
	"database/sql"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/quantpond/driftline/internal/domain"
	"github.com/quantpond/driftline/internal/store"
)

const gapColumns = `
	id, symbol, interval, from_open_time, to_open_time,
	missing_bars, remaining_bars, recovered_bars, status, merged,
	detected_at, recovered_at`

const gapInsertSQL = `
	INSERT INTO gap_segments (
		symbol, interval, from_open_time, to_open_time,
		missing_bars, remaining_bars, recovered_bars, status, merged, detected_at
	) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
	ON CONFLICT (symbol, interval, from_open_time) WHERE status IN ('open', 'partial')
	DO NOTHING
	RETURNING id`

// gapsRepo implements GapStore for PostgreSQL.
type gapsRepo struct {
	db      *sqlx.DB
	timeout time.Duration
}

// NewGapStore creates a PostgreSQL-backed gap segment store.
func NewGapStore(db *sqlx.DB, timeout time.Duration) store.GapStore {
	return &gapsRepo{
		db:      db,
		timeout: timeout,
	}
}

// InsertDetected records a fresh open segment; a live duplicate span resolves
// to the existing row id.
func (r *gapsRepo) InsertDetected(ctx context.Context, g domain.GapSegment) (int64, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	var id int64
	err := r.db.QueryRowxContext(ctx, gapInsertSQL,
		g.Symbol, g.Interval, g.FromOpenTime, g.ToOpenTime,
		g.MissingBars, g.RemainingBars, g.RecoveredBars, g.Status, g.Merged, g.DetectedAt).
		Scan(&id)
	if err == nil {
		return id, nil
	}
	if err != sql.ErrNoRows {
		return 0, wrapErr("failed to insert gap segment", err)
	}

	// Conflict with a live segment on the same from_open_time.
	err = r.db.QueryRowxContext(ctx, `
		SELECT id FROM gap_segments
		WHERE symbol = $1 AND interval = $2 AND from_open_time = $3
		  AND status IN ('open', 'partial')
		LIMIT 1`,
		g.Symbol, g.Interval, g.FromOpenTime).Scan(&id)
	if err != nil {
		return 0, wrapErr("failed to resolve duplicate gap segment", err)
	}
	return id, nil
}

// InsertMerging implements the transactional overlap merge: lock every live
// segment intersecting the new span, fold them into one widened segment with
// missing bars recomputed against candles actually present, and terminate the
// absorbed rows.
func (r *gapsRepo) InsertMerging(ctx context.Context, g domain.GapSegment) (domain.GapSegment, error) {
	ctx, cancel := context.WithTimeout(ctx, 2*r.timeout)
	defer cancel()

	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return domain.GapSegment{}, wrapErr("failed to begin gap merge", err)
	}
	defer tx.Rollback()

	rows, err := tx.QueryxContext(ctx, `
		SELECT`+gapColumns+`
		FROM gap_segments
		WHERE symbol = $1 AND interval = $2
		  AND status IN ('open', 'partial')
		  AND NOT (to_open_time < $3 OR from_open_time > $4)
		ORDER BY from_open_time
		FOR UPDATE`,
		g.Symbol, g.Interval, g.FromOpenTime, g.ToOpenTime)
	if err != nil {
		return domain.GapSegment{}, wrapErr("failed to lock overlapping gaps", err)
	}
	overlaps, err := scanGaps(rows)
	if err != nil {
		return domain.GapSegment{}, err
	}

	if len(overlaps) == 0 {
		inserted := g
		err = tx.QueryRowxContext(ctx, gapInsertSQL,
			g.Symbol, g.Interval, g.FromOpenTime, g.ToOpenTime,
			g.MissingBars, g.RemainingBars, g.RecoveredBars, g.Status, g.Merged, g.DetectedAt).
			Scan(&inserted.ID)
		if err != nil {
			return domain.GapSegment{}, wrapErr("failed to insert gap segment", err)
		}
		if err := tx.Commit(); err != nil {
			return domain.GapSegment{}, wrapErr("failed to commit gap insert", err)
		}
		return inserted, nil
	}

	// Widen to the envelope of everything the new span touches.
	minFrom, maxTo := g.FromOpenTime, g.ToOpenTime
	for _, o := range overlaps {
		if o.FromOpenTime < minFrom {
			minFrom = o.FromOpenTime
		}
		if o.ToOpenTime > maxTo {
			maxTo = o.ToOpenTime
		}
	}

	intervalMS := r.mergeIntervalMS(ctx, tx, g, overlaps, minFrom)

	expected := domain.ExpectedBars(minFrom, maxTo, intervalMS)
	var present int64
	err = tx.QueryRowxContext(ctx, `
		SELECT COUNT(*) FROM ohlcv_candles
		WHERE symbol = $1 AND interval = $2 AND open_time >= $3 AND open_time <= $4`,
		g.Symbol, g.Interval, minFrom, maxTo).Scan(&present)
	if err != nil {
		return domain.GapSegment{}, wrapErr("failed to count present candles", err)
	}

	missing := expected - present
	if missing < 0 {
		missing = 0
	}

	for _, o := range overlaps {
		_, err = tx.ExecContext(ctx, `
			UPDATE gap_segments
			SET status = 'merged', merged = TRUE, recovered_at = NOW()
			WHERE id = $1`, o.ID)
		if err != nil {
			return domain.GapSegment{}, wrapErr("failed to mark gap merged", err)
		}
	}

	merged := domain.GapSegment{
		Symbol:        g.Symbol,
		Interval:      g.Interval,
		FromOpenTime:  minFrom,
		ToOpenTime:    maxTo,
		MissingBars:   missing,
		RemainingBars: missing,
		Status:        domain.GapOpen,
		Merged:        true,
		DetectedAt:    g.DetectedAt,
	}
	err = tx.QueryRowxContext(ctx, gapInsertSQL,
		merged.Symbol, merged.Interval, merged.FromOpenTime, merged.ToOpenTime,
		merged.MissingBars, merged.RemainingBars, merged.RecoveredBars,
		merged.Status, merged.Merged, merged.DetectedAt).
		Scan(&merged.ID)
	if err != nil {
		return domain.GapSegment{}, wrapErr("failed to insert merged gap", err)
	}

	if err := tx.Commit(); err != nil {
		return domain.GapSegment{}, wrapErr("failed to commit gap merge", err)
	}
	return merged, nil
}

// mergeIntervalMS derives the bar interval for merge arithmetic: from any
// locked segment wide enough to expose it, then from the nearest stored
// candle pair, then the configured default.
func (r *gapsRepo) mergeIntervalMS(ctx context.Context, tx *sqlx.Tx, g domain.GapSegment, overlaps []domain.GapSegment, around int64) int64 {
	candidates := append([]domain.GapSegment{g}, overlaps...)
	for _, s := range candidates {
		span := s.ToOpenTime - s.FromOpenTime
		if s.MissingBars > 1 && span > 0 && span%(s.MissingBars-1) == 0 {
			return span / (s.MissingBars - 1)
		}
	}

	var times []int64
	err := tx.SelectContext(ctx, &times, `
		SELECT open_time FROM ohlcv_candles
		WHERE symbol = $1 AND interval = $2 AND open_time <= $3
		ORDER BY open_time DESC
		LIMIT 2`,
		g.Symbol, g.Interval, around)
	if err == nil && len(times) == 2 && times[0] > times[1] {
		return times[0] - times[1]
	}

	return domain.DefaultIntervalMS
}

// OpenSegments returns live segments for the key, oldest detection first.
func (r *gapsRepo) OpenSegments(ctx context.Context, symbol, interval string) ([]domain.GapSegment, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	rows, err := r.db.QueryxContext(ctx, `
		SELECT`+gapColumns+`
		FROM gap_segments
		WHERE symbol = $1 AND interval = $2 AND status IN ('open', 'partial')
		ORDER BY detected_at ASC`,
		symbol, interval)
	if err != nil {
		return nil, wrapErr("failed to query open gaps", err)
	}
	defer rows.Close()

	return scanGaps(rows)
}

// OverlappingOpen returns live segments intersecting [from, to].
func (r *gapsRepo) OverlappingOpen(ctx context.Context, symbol, interval string, from, to int64) ([]domain.GapSegment, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	rows, err := r.db.QueryxContext(ctx, `
		SELECT`+gapColumns+`
		FROM gap_segments
		WHERE symbol = $1 AND interval = $2
		  AND status IN ('open', 'partial')
		  AND NOT (to_open_time < $3 OR from_open_time > $4)
		ORDER BY from_open_time ASC`,
		symbol, interval, from, to)
	if err != nil {
		return nil, wrapErr("failed to query overlapping gaps", err)
	}
	defer rows.Close()

	return scanGaps(rows)
}

// UpdateProgress persists a partial recovery. Remaining bars only move down.
func (r *gapsRepo) UpdateProgress(ctx context.Context, id int64, remaining, recovered int64) error {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	res, err := r.db.ExecContext(ctx, `
		UPDATE gap_segments
		SET remaining_bars = LEAST(remaining_bars, $2),
		    recovered_bars = GREATEST(recovered_bars, $3),
		    status = 'partial'
		WHERE id = $1 AND status IN ('open', 'partial')`,
		id, remaining, recovered)
	if err != nil {
		return wrapErr("failed to update gap progress", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return wrapErr("update gap progress", store.ErrInvariant)
	}
	return nil
}

// MarkRecovered terminates a segment and stamps recovered_at.
func (r *gapsRepo) MarkRecovered(ctx context.Context, id int64) error {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	res, err := r.db.ExecContext(ctx, `
		UPDATE gap_segments
		SET status = 'recovered', remaining_bars = 0,
		    recovered_bars = missing_bars, recovered_at = NOW()
		WHERE id = $1 AND status IN ('open', 'partial')`,
		id)
	if err != nil {
		return wrapErr("failed to mark gap recovered", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return wrapErr("mark gap recovered", store.ErrInvariant)
	}
	return nil
}

// ReplaceSplit terminates a segment a late fill landed inside and inserts its
// two remainders in one transaction.
func (r *gapsRepo) ReplaceSplit(ctx context.Context, oldID int64, left, right domain.GapSegment) (int64, int64, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return 0, 0, wrapErr("failed to begin gap split", err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, `
		UPDATE gap_segments
		SET status = 'merged', merged = TRUE, recovered_at = NOW()
		WHERE id = $1 AND status IN ('open', 'partial')`,
		oldID)
	if err != nil {
		return 0, 0, wrapErr("failed to retire split gap", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return 0, 0, wrapErr("retire split gap", store.ErrInvariant)
	}

	var leftID, rightID int64
	for _, part := range []struct {
		seg *domain.GapSegment
		id  *int64
	}{{&left, &leftID}, {&right, &rightID}} {
		err = tx.QueryRowxContext(ctx, gapInsertSQL,
			part.seg.Symbol, part.seg.Interval, part.seg.FromOpenTime, part.seg.ToOpenTime,
			part.seg.MissingBars, part.seg.RemainingBars, part.seg.RecoveredBars,
			part.seg.Status, part.seg.Merged, part.seg.DetectedAt).
			Scan(part.id)
		if err != nil {
			return 0, 0, wrapErr("failed to insert split remainder", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return 0, 0, wrapErr("failed to commit gap split", err)
	}
	return leftID, rightID, nil
}

// Helper methods

func scanGaps(rows *sqlx.Rows) ([]domain.GapSegment, error) {
	defer rows.Close()

	var out []domain.GapSegment
	for rows.Next() {
		var g domain.GapSegment
		var recoveredAt sql.NullTime
		if err := rows.Scan(
			&g.ID, &g.Symbol, &g.Interval, &g.FromOpenTime, &g.ToOpenTime,
			&g.MissingBars, &g.RemainingBars, &g.RecoveredBars, &g.Status, &g.Merged,
			&g.DetectedAt, &recoveredAt,
		); err != nil {
			return nil, wrapErr("failed to scan gap segment", err)
		}
		if recoveredAt.Valid {
			t := recoveredAt.Time
			g.RecoveredAt = &t
		}
		out = append(out, g)
	}
	if err := rows.Err(); err != nil {
		return nil, wrapErr("error iterating gap rows", err)
	}
	return out, nil
}
