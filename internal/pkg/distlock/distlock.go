// Package distlock provides cross-process mutual exclusion for work that must
// run on exactly one worker at a time, such as a campaign's send loop.
package distlock

import (
	"context"
	"database/sql"
	"errors"
	"hash/fnv"
	"time"

	"github.com/redis/go-redis/v9"
)

// ErrNotHeld is returned by Refresh when the lock expired or was taken over.
var ErrNotHeld = errors.New("distlock: lock not held")

// Lock is a single named lock. An instance is owned by one goroutine;
// concurrent holders need separate instances.
type Lock interface {
	// Acquire tries once to take the lock and reports whether it succeeded.
	Acquire(ctx context.Context) (bool, error)
	// Refresh extends the lease of a held lock.
	Refresh(ctx context.Context) error
	// Release drops the lock if this instance still owns it.
	Release(ctx context.Context) error
}

// Factory creates locks for a given key.
type Factory func(key string) Lock

// NewFactory picks Redis when a client is configured and falls back to
// Postgres advisory locks otherwise.
func NewFactory(rdb *redis.Client, db *sql.DB, ttl time.Duration) Factory {
	return func(key string) Lock {
		if rdb != nil {
			return NewRedisLock(rdb, key, ttl)
		}
		return NewPGAdvisoryLock(db, key)
	}
}

// =============================================================================
// Postgres advisory lock
// =============================================================================

// PGAdvisoryLock holds pg_try_advisory_lock on a dedicated connection, so
// the lock dies with the session if the process crashes.
type PGAdvisoryLock struct {
	db     *sql.DB
	conn   *sql.Conn
	lockID int64
}

// NewPGAdvisoryLock derives a stable 64-bit lock id from key.
func NewPGAdvisoryLock(db *sql.DB, key string) *PGAdvisoryLock {
	h := fnv.New64a()
	h.Write([]byte(key))
	return &PGAdvisoryLock{db: db, lockID: int64(h.Sum64())}
}

func (l *PGAdvisoryLock) Acquire(ctx context.Context) (bool, error) {
	conn, err := l.db.Conn(ctx)
	if err != nil {
		return false, err
	}
	var ok bool
	if err := conn.QueryRowContext(ctx, "SELECT pg_try_advisory_lock($1)", l.lockID).Scan(&ok); err != nil {
		conn.Close()
		return false, err
	}
	if !ok {
		conn.Close()
		return false, nil
	}
	l.conn = conn
	return true, nil
}

// Refresh pings the session; advisory locks have no lease to extend.
func (l *PGAdvisoryLock) Refresh(ctx context.Context) error {
	if l.conn == nil {
		return ErrNotHeld
	}
	return l.conn.PingContext(ctx)
}

func (l *PGAdvisoryLock) Release(ctx context.Context) error {
	if l.conn == nil {
		return nil
	}
	defer func() {
		l.conn.Close()
		l.conn = nil
	}()
	_, err := l.conn.ExecContext(ctx, "SELECT pg_advisory_unlock($1)", l.lockID)
	return err
}
