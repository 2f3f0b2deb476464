package postgres

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"

	"github.com/quantpond/driftline/internal/store"
)

// Connect opens a pooled connection and verifies it with a bounded ping.
func Connect(ctx context.Context, dsn string) (*sqlx.DB, error) {
	db, err := sqlx.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open postgres: %w", err)
	}

	db.SetMaxOpenConns(16)
	db.SetMaxIdleConns(4)
	db.SetConnMaxLifetime(30 * time.Minute)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		db.Close()
		return nil, fmt.Errorf("postgres ping: %w: %w", store.ErrUnavailable, err)
	}

	return db, nil
}

// wrapErr maps driver failures onto the store sentinels while keeping the
// original error in the chain for logging.
func wrapErr(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("%s: %w", op, store.ErrNotFound)
	}

	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		switch {
		case pqErr.Code == "23505":
			return fmt.Errorf("%s: %w: %w", op, store.ErrDuplicate, err)
		case pqErr.Code.Class() == "08" || pqErr.Code.Class() == "57":
			// Connection exceptions and operator interventions.
			return fmt.Errorf("%s: %w: %w", op, store.ErrUnavailable, err)
		}
	}
	if errors.Is(err, driver.ErrBadConn) || errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%s: %w: %w", op, store.ErrUnavailable, err)
	}

	return fmt.Errorf("%s: %w", op, err)
}

// batchTimeout scales a per-call timeout for batched statements the way the
// single-row timeout scales with batch size.
func batchTimeout(base time.Duration, n int) time.Duration {
	return base * time.Duration(n/100+1)
}
