package postgres

import (
	"context"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/quantpond/driftline/internal/domain"
	"github.com/quantpond/driftline/internal/store"
)

// sentimentUpsertSQL keeps newer non-null fields and preserves older ones, so
// providers that report score and count in separate passes converge on one
// complete row.
const sentimentUpsertSQL = `
	INSERT INTO sentiment_ticks (symbol, ts, provider, count, score_raw, score_norm, meta)
	VALUES ($1, $2, $3, $4, $5, $6, $7)
	ON CONFLICT (symbol, ts, provider) DO UPDATE SET
		count      = COALESCE(EXCLUDED.count, sentiment_ticks.count),
		score_raw  = COALESCE(EXCLUDED.score_raw, sentiment_ticks.score_raw),
		score_norm = COALESCE(EXCLUDED.score_norm, sentiment_ticks.score_norm),
		meta       = COALESCE(EXCLUDED.meta, sentiment_ticks.meta)`

type sentimentRepo struct {
	db      *sqlx.DB
	timeout time.Duration
}

// NewSentimentStore creates a PostgreSQL-backed sentiment tick store.
func NewSentimentStore(db *sqlx.DB, timeout time.Duration) store.SentimentStore {
	return &sentimentRepo{
		db:      db,
		timeout: timeout,
	}
}

func (r *sentimentRepo) Upsert(ctx context.Context, t domain.SentimentTick) error {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	_, err := r.db.ExecContext(ctx, sentimentUpsertSQL,
		t.Symbol, t.TS, t.Provider, t.Count, t.ScoreRaw, t.ScoreNorm, nullableJSON(t.Meta))
	if err != nil {
		return wrapErr("failed to upsert sentiment tick", err)
	}
	return nil
}

func (r *sentimentRepo) UpsertBatch(ctx context.Context, ticks []domain.SentimentTick) error {
	if len(ticks) == 0 {
		return nil
	}

	ctx, cancel := context.WithTimeout(ctx, batchTimeout(r.timeout, len(ticks)))
	defer cancel()

	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return wrapErr("failed to begin sentiment batch", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, sentimentUpsertSQL)
	if err != nil {
		return wrapErr("failed to prepare sentiment upsert", err)
	}
	defer stmt.Close()

	for _, t := range ticks {
		if _, err := stmt.ExecContext(ctx,
			t.Symbol, t.TS, t.Provider, t.Count, t.ScoreRaw, t.ScoreNorm, nullableJSON(t.Meta)); err != nil {
			return wrapErr("failed to upsert sentiment tick in batch", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return wrapErr("failed to commit sentiment batch", err)
	}
	return nil
}

// FetchRange returns ticks with ts in [from, to], oldest first.
func (r *sentimentRepo) FetchRange(ctx context.Context, symbol string, from, to int64) ([]domain.SentimentTick, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	rows, err := r.db.QueryxContext(ctx, `
		SELECT symbol, ts, provider, count, score_raw, score_norm, meta
		FROM sentiment_ticks
		WHERE symbol = $1 AND ts >= $2 AND ts <= $3
		ORDER BY ts ASC`,
		symbol, from, to)
	if err != nil {
		return nil, wrapErr("failed to query sentiment range", err)
	}
	defer rows.Close()

	var out []domain.SentimentTick
	for rows.Next() {
		var t domain.SentimentTick
		if err := rows.Scan(&t.Symbol, &t.TS, &t.Provider, &t.Count, &t.ScoreRaw, &t.ScoreNorm, &t.Meta); err != nil {
			return nil, wrapErr("failed to scan sentiment tick", err)
		}
		out = append(out, t)
	}
	if err := rows.Err(); err != nil {
		return nil, wrapErr("error iterating sentiment rows", err)
	}
	return out, nil
}

// nullableJSON maps an empty payload to SQL NULL so COALESCE keeps the
// previous meta.
func nullableJSON(b []byte) any {
	if len(b) == 0 {
		return nil
	}
	return b
}
