package postgres

import (
	"context"
	"fmt"

	"github.com/jmoiron/sqlx"
)

// schemaSQL is the canonical persistent layout. All statements are idempotent
// so EnsureSchema can run on every start.
const schemaSQL = `
CREATE TABLE IF NOT EXISTS ohlcv_candles (
	symbol                 TEXT             NOT NULL,
	interval               TEXT             NOT NULL,
	open_time              BIGINT           NOT NULL,
	close_time             BIGINT           NOT NULL,
	open                   DOUBLE PRECISION NOT NULL,
	high                   DOUBLE PRECISION NOT NULL,
	low                    DOUBLE PRECISION NOT NULL,
	close                  DOUBLE PRECISION NOT NULL,
	volume                 DOUBLE PRECISION NOT NULL DEFAULT 0,
	trade_count            BIGINT           NOT NULL DEFAULT 0,
	taker_buy_volume       DOUBLE PRECISION NOT NULL DEFAULT 0,
	taker_buy_quote_volume DOUBLE PRECISION NOT NULL DEFAULT 0,
	is_closed              BOOLEAN          NOT NULL DEFAULT FALSE,
	ingestion_source       TEXT,
	updated_at             TIMESTAMPTZ      NOT NULL DEFAULT NOW(),
	PRIMARY KEY (symbol, interval, open_time)
);

CREATE INDEX IF NOT EXISTS idx_candles_key_time
	ON ohlcv_candles (symbol, interval, open_time DESC);

CREATE TABLE IF NOT EXISTS gap_segments (
	id             BIGSERIAL PRIMARY KEY,
	symbol         TEXT        NOT NULL,
	interval       TEXT        NOT NULL,
	from_open_time BIGINT      NOT NULL,
	to_open_time   BIGINT      NOT NULL,
	missing_bars   BIGINT      NOT NULL,
	remaining_bars BIGINT      NOT NULL,
	recovered_bars BIGINT      NOT NULL DEFAULT 0,
	status         TEXT        NOT NULL DEFAULT 'open',
	merged         BOOLEAN     NOT NULL DEFAULT FALSE,
	detected_at    TIMESTAMPTZ NOT NULL DEFAULT NOW(),
	recovered_at   TIMESTAMPTZ
);

-- Uniqueness holds among live segments only, so a span fully recovered long
-- ago does not block detection of a fresh gap over the same bars.
CREATE UNIQUE INDEX IF NOT EXISTS idx_gaps_active_span
	ON gap_segments (symbol, interval, from_open_time)
	WHERE status IN ('open', 'partial');

CREATE INDEX IF NOT EXISTS idx_gaps_open
	ON gap_segments (symbol, interval, detected_at)
	WHERE status IN ('open', 'partial');

CREATE TABLE IF NOT EXISTS feature_snapshot_meta (
	id         BIGSERIAL PRIMARY KEY,
	symbol     TEXT        NOT NULL,
	interval   TEXT        NOT NULL,
	open_time  BIGINT      NOT NULL,
	close_time BIGINT      NOT NULL,
	created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
	UNIQUE (symbol, interval, open_time)
);

CREATE TABLE IF NOT EXISTS feature_snapshot_value (
	snapshot_id  BIGINT NOT NULL REFERENCES feature_snapshot_meta(id) ON DELETE CASCADE,
	feature_name TEXT   NOT NULL,
	value        DOUBLE PRECISION,
	PRIMARY KEY (snapshot_id, feature_name)
);

CREATE TABLE IF NOT EXISTS sentiment_ticks (
	symbol     TEXT   NOT NULL,
	ts         BIGINT NOT NULL,
	provider   TEXT   NOT NULL,
	count      BIGINT,
	score_raw  DOUBLE PRECISION,
	score_norm DOUBLE PRECISION,
	meta       JSONB,
	PRIMARY KEY (symbol, ts, provider)
);

CREATE TABLE IF NOT EXISTS model_registry (
	id            BIGSERIAL PRIMARY KEY,
	name          TEXT        NOT NULL,
	version       TEXT        NOT NULL,
	model_type    TEXT        NOT NULL,
	status        TEXT        NOT NULL DEFAULT 'staging',
	artifact_path TEXT        NOT NULL,
	metrics       JSONB       NOT NULL DEFAULT '{}',
	created_at    TIMESTAMPTZ NOT NULL DEFAULT NOW(),
	promoted_at   TIMESTAMPTZ,
	UNIQUE (name, version, model_type)
);

CREATE UNIQUE INDEX IF NOT EXISTS idx_registry_single_production
	ON model_registry (name, model_type)
	WHERE status = 'production';

CREATE TABLE IF NOT EXISTS model_metrics_history (
	id          BIGSERIAL PRIMARY KEY,
	model_id    BIGINT      NOT NULL REFERENCES model_registry(id),
	metrics     JSONB       NOT NULL,
	recorded_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
);

CREATE TABLE IF NOT EXISTS training_jobs (
	id          UUID PRIMARY KEY,
	model_name  TEXT        NOT NULL,
	model_type  TEXT        NOT NULL,
	status      TEXT        NOT NULL,
	reason      TEXT        NOT NULL DEFAULT '',
	started_at  TIMESTAMPTZ NOT NULL DEFAULT NOW(),
	finished_at TIMESTAMPTZ
);

CREATE TABLE IF NOT EXISTS retrain_events (
	id         BIGSERIAL PRIMARY KEY,
	trigger    TEXT        NOT NULL,
	detail     TEXT        NOT NULL DEFAULT '',
	created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
);

CREATE TABLE IF NOT EXISTS promotion_events (
	id         BIGSERIAL PRIMARY KEY,
	model_id   BIGINT      NOT NULL,
	promoted   BOOLEAN     NOT NULL,
	reason     TEXT        NOT NULL DEFAULT '',
	created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
);

CREATE TABLE IF NOT EXISTS inference_log (
	id             UUID PRIMARY KEY,
	created_at     TIMESTAMPTZ      NOT NULL DEFAULT NOW(),
	probability    DOUBLE PRECISION NOT NULL,
	decision       INT              NOT NULL,
	threshold      DOUBLE PRECISION NOT NULL,
	model_name     TEXT             NOT NULL,
	model_version  TEXT             NOT NULL,
	symbol         TEXT             NOT NULL,
	interval       TEXT             NOT NULL,
	extra          JSONB            NOT NULL DEFAULT '{}',
	realized_label INT
);

CREATE INDEX IF NOT EXISTS idx_inference_unlabeled
	ON inference_log (created_at)
	WHERE realized_label IS NULL;
`

// EnsureSchema applies the canonical layout. Safe to call on every boot.
func EnsureSchema(ctx context.Context, db *sqlx.DB) error {
	if _, err := db.ExecContext(ctx, schemaSQL); err != nil {
		return fmt.Errorf("failed to ensure schema: %w", err)
	}
	return nil
}
