package postgres

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/quantpond/driftline/internal/store"
)

// advisoryLocker holds pg advisory locks. Advisory locks are session-scoped,
// so the connection that acquired a lock is pinned until Unlock releases it.
type advisoryLocker struct {
	db      *sqlx.DB
	timeout time.Duration

	mu   sync.Mutex
	held map[int64]*sqlx.Conn
}

// NewAdvisoryLocker creates a Postgres advisory-lock based locker.
func NewAdvisoryLocker(db *sqlx.DB, timeout time.Duration) store.AdvisoryLocker {
	return &advisoryLocker{
		db:      db,
		timeout: timeout,
		held:    make(map[int64]*sqlx.Conn),
	}
}

// TryLock attempts pg_try_advisory_lock(key) without blocking.
func (l *advisoryLocker) TryLock(ctx context.Context, key int64) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if _, ok := l.held[key]; ok {
		// Already held by this process; treat as a failed non-blocking try so
		// a second loop cannot piggyback on the first holder's session.
		return false, nil
	}

	ctx, cancel := context.WithTimeout(ctx, l.timeout)
	defer cancel()

	conn, err := l.db.Connx(ctx)
	if err != nil {
		return false, wrapErr("failed to pin lock connection", err)
	}

	var got bool
	if err := conn.QueryRowxContext(ctx, `SELECT pg_try_advisory_lock($1)`, key).Scan(&got); err != nil {
		conn.Close()
		return false, wrapErr("failed to try advisory lock", err)
	}
	if !got {
		conn.Close()
		return false, nil
	}

	l.held[key] = conn
	return true, nil
}

// Unlock releases the lock and returns its pinned connection to the pool.
func (l *advisoryLocker) Unlock(ctx context.Context, key int64) error {
	l.mu.Lock()
	conn, ok := l.held[key]
	delete(l.held, key)
	l.mu.Unlock()

	if !ok {
		return fmt.Errorf("unlock %d: %w", key, store.ErrInvariant)
	}
	defer conn.Close()

	ctx, cancel := context.WithTimeout(ctx, l.timeout)
	defer cancel()

	var released bool
	if err := conn.QueryRowxContext(ctx, `SELECT pg_advisory_unlock($1)`, key).Scan(&released); err != nil {
		return wrapErr("failed to release advisory lock", err)
	}
	if !released {
		return fmt.Errorf("advisory lock %d was not held by this session: %w", key, store.ErrInvariant)
	}
	return nil
}
