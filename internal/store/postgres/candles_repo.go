package postgres

import (
	"context"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/quantpond/driftline/internal/domain"
	"github.com/quantpond/driftline/internal/store"
)

// candleUpsertSQL merges repeated observations of the same bar: the high/low
// envelope only widens, close/volume/counters take the later observation,
// open keeps the first, is_closed never reverts to false.
const candleUpsertSQL = `
	INSERT INTO ohlcv_candles (
		symbol, interval, open_time, close_time, open, high, low, close,
		volume, trade_count, taker_buy_volume, taker_buy_quote_volume,
		is_closed, ingestion_source, updated_at
	) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, NOW())
	ON CONFLICT (symbol, interval, open_time) DO UPDATE SET
		close_time             = EXCLUDED.close_time,
		high                   = GREATEST(ohlcv_candles.high, EXCLUDED.high),
		low                    = LEAST(ohlcv_candles.low, EXCLUDED.low),
		close                  = EXCLUDED.close,
		volume                 = EXCLUDED.volume,
		trade_count            = EXCLUDED.trade_count,
		taker_buy_volume       = EXCLUDED.taker_buy_volume,
		taker_buy_quote_volume = EXCLUDED.taker_buy_quote_volume,
		is_closed              = ohlcv_candles.is_closed OR EXCLUDED.is_closed,
		ingestion_source       = COALESCE(NULLIF(EXCLUDED.ingestion_source, ''), ohlcv_candles.ingestion_source),
		updated_at             = NOW()`

const candleColumns = `
	symbol, interval, open_time, close_time, open, high, low, close,
	volume, trade_count, taker_buy_volume, taker_buy_quote_volume,
	is_closed, COALESCE(ingestion_source, ''), updated_at`

// candlesRepo implements CandleStore for PostgreSQL.
type candlesRepo struct {
	db      *sqlx.DB
	timeout time.Duration
}

// NewCandleStore creates a PostgreSQL-backed candle store.
func NewCandleStore(db *sqlx.DB, timeout time.Duration) store.CandleStore {
	return &candlesRepo{
		db:      db,
		timeout: timeout,
	}
}

// UpsertOne writes a single candle with merge semantics.
func (r *candlesRepo) UpsertOne(ctx context.Context, c domain.Candle) error {
	if err := c.Validate(); err != nil {
		return wrapErr("upsert candle", err)
	}

	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	_, err := r.db.ExecContext(ctx, candleUpsertSQL,
		c.Symbol, c.Interval, c.OpenTime, c.CloseTime,
		c.Open, c.High, c.Low, c.Close,
		c.Volume, c.TradeCount, c.TakerBuyVolume, c.TakerBuyQuoteVolume,
		c.IsClosed, c.IngestionSource)
	if err != nil {
		return wrapErr("failed to upsert candle", err)
	}

	return nil
}

// BulkUpsert writes a batch atomically, stamping every row with source.
func (r *candlesRepo) BulkUpsert(ctx context.Context, candles []domain.Candle, source string) error {
	if len(candles) == 0 {
		return nil
	}

	ctx, cancel := context.WithTimeout(ctx, batchTimeout(r.timeout, len(candles)))
	defer cancel()

	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return wrapErr("failed to begin candle batch", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, candleUpsertSQL)
	if err != nil {
		return wrapErr("failed to prepare candle upsert", err)
	}
	defer stmt.Close()

	for _, c := range candles {
		if err := c.Validate(); err != nil {
			return wrapErr("invalid candle in batch", err)
		}
		src := c.IngestionSource
		if source != "" {
			src = source
		}
		_, err = stmt.ExecContext(ctx,
			c.Symbol, c.Interval, c.OpenTime, c.CloseTime,
			c.Open, c.High, c.Low, c.Close,
			c.Volume, c.TradeCount, c.TakerBuyVolume, c.TakerBuyQuoteVolume,
			c.IsClosed, src)
		if err != nil {
			return wrapErr("failed to upsert candle in batch", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return wrapErr("failed to commit candle batch", err)
	}
	return nil
}

// FetchRecent returns up to limit closed bars, newest first.
func (r *candlesRepo) FetchRecent(ctx context.Context, symbol, interval string, limit int) ([]domain.Candle, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	query := `
		SELECT` + candleColumns + `
		FROM ohlcv_candles
		WHERE symbol = $1 AND interval = $2 AND is_closed = TRUE
		ORDER BY open_time DESC
		LIMIT $3`

	rows, err := r.db.QueryxContext(ctx, query, symbol, interval, limit)
	if err != nil {
		return nil, wrapErr("failed to query recent candles", err)
	}
	defer rows.Close()

	return scanCandles(rows)
}

// FetchRange returns bars with open_time in [from, to], oldest first.
func (r *candlesRepo) FetchRange(ctx context.Context, symbol, interval string, from, to int64) ([]domain.Candle, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	query := `
		SELECT` + candleColumns + `
		FROM ohlcv_candles
		WHERE symbol = $1 AND interval = $2 AND open_time >= $3 AND open_time <= $4
		ORDER BY open_time ASC`

	rows, err := r.db.QueryxContext(ctx, query, symbol, interval, from, to)
	if err != nil {
		return nil, wrapErr("failed to query candle range", err)
	}
	defer rows.Close()

	return scanCandles(rows)
}

// CountRange counts bars with open_time in [from, to].
func (r *candlesRepo) CountRange(ctx context.Context, symbol, interval string, from, to int64) (int64, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	query := `
		SELECT COUNT(*)
		FROM ohlcv_candles
		WHERE symbol = $1 AND interval = $2 AND open_time >= $3 AND open_time <= $4`

	var count int64
	if err := r.db.QueryRowxContext(ctx, query, symbol, interval, from, to).Scan(&count); err != nil {
		return 0, wrapErr("failed to count candles", err)
	}
	return count, nil
}

// NearestIntervalMS derives the bar interval from the closest adjacent pair
// at or before `around`, falling back to the earliest pair after it.
func (r *candlesRepo) NearestIntervalMS(ctx context.Context, symbol, interval string, around int64) (int64, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	pair := func(query string) (int64, bool, error) {
		var times []int64
		if err := r.db.SelectContext(ctx, &times, query, symbol, interval, around); err != nil {
			return 0, false, err
		}
		if len(times) < 2 {
			return 0, false, nil
		}
		d := times[0] - times[1]
		if d < 0 {
			d = -d
		}
		return d, d > 0, nil
	}

	d, ok, err := pair(`
		SELECT open_time FROM ohlcv_candles
		WHERE symbol = $1 AND interval = $2 AND open_time <= $3
		ORDER BY open_time DESC
		LIMIT 2`)
	if err != nil {
		return 0, wrapErr("failed to derive interval", err)
	}
	if ok {
		return d, nil
	}

	d, ok, err = pair(`
		SELECT open_time FROM ohlcv_candles
		WHERE symbol = $1 AND interval = $2 AND open_time >= $3
		ORDER BY open_time ASC
		LIMIT 2`)
	if err != nil {
		return 0, wrapErr("failed to derive interval", err)
	}
	if ok {
		return d, nil
	}

	return 0, wrapErr("derive interval", store.ErrNotFound)
}

// Helper methods

func scanCandles(rows *sqlx.Rows) ([]domain.Candle, error) {
	var out []domain.Candle
	for rows.Next() {
		var c domain.Candle
		if err := rows.Scan(
			&c.Symbol, &c.Interval, &c.OpenTime, &c.CloseTime,
			&c.Open, &c.High, &c.Low, &c.Close,
			&c.Volume, &c.TradeCount, &c.TakerBuyVolume, &c.TakerBuyQuoteVolume,
			&c.IsClosed, &c.IngestionSource, &c.UpdatedAt,
		); err != nil {
			return nil, wrapErr("failed to scan candle", err)
		}
		out = append(out, c)
	}
	if err := rows.Err(); err != nil {
		return nil, wrapErr("error iterating candle rows", err)
	}
	return out, nil
}
