// Package distlock provides a cross-instance mutual-exclusion primitive
// with a lease TTL, so a crashed holder can never deadlock the system.
package distlock

import (
	"context"
	"database/sql"
	"hash/fnv"
	"time"

	"github.com/redis/go-redis/v9"
)

// DistLock is the interface for distributed locking. A lock instance is
// single-use: create one per critical section. Instances must not be
// shared across goroutines.
type DistLock interface {
	// Acquire tries to take the lock. Returns true on success, false
	// when another holder owns it.
	Acquire(ctx context.Context) (bool, error)
	// Release releases the lock if this instance still owns it.
	Release(ctx context.Context) error
}

// NewLock creates a distributed lock using the best available backend.
// Redis is preferred (lease TTL, cross-host); without a Redis client it
// falls back to a PostgreSQL advisory lock, which is released when the
// holding session drops.
func NewLock(redisClient *redis.Client, db *sql.DB, name string, ttl time.Duration) DistLock {
	if redisClient != nil {
		return NewRedisLock(redisClient, name, ttl)
	}
	return NewPGAdvisoryLock(db, name)
}

// PGAdvisoryLock implements DistLock using pg_try_advisory_lock /
// pg_advisory_unlock. Session-scoped: a crashed holder's connection drop
// releases the lock, mirroring Redis TTL expiry.
type PGAdvisoryLock struct {
	db     *sql.DB
	conn   *sql.Conn
	lockID int64
}

// NewPGAdvisoryLock creates an advisory lock whose ID is derived
// deterministically from the lock name.
func NewPGAdvisoryLock(db *sql.DB, name string) *PGAdvisoryLock {
	h := fnv.New64a()
	h.Write([]byte(name))
	return &PGAdvisoryLock{
		db:     db,
		lockID: int64(h.Sum64()),
	}
}

// Acquire tries to take the advisory lock, non-blocking. The lock is
// bound to the acquiring session, so a dedicated connection is pinned
// for the lock's lifetime; going through the pool would let Release
// land on a different session and leave the lock held.
func (l *PGAdvisoryLock) Acquire(ctx context.Context) (bool, error) {
	conn, err := l.db.Conn(ctx)
	if err != nil {
		return false, err
	}
	var acquired bool
	if err := conn.QueryRowContext(ctx, "SELECT pg_try_advisory_lock($1)", l.lockID).Scan(&acquired); err != nil {
		conn.Close()
		return false, err
	}
	if !acquired {
		conn.Close()
		return false, nil
	}
	l.conn = conn
	return true, nil
}

// Release unlocks on the pinned connection and returns it to the pool.
// A no-op when the lock was never acquired.
func (l *PGAdvisoryLock) Release(ctx context.Context) error {
	if l.conn == nil {
		return nil
	}
	_, err := l.conn.ExecContext(ctx, "SELECT pg_advisory_unlock($1)", l.lockID)
	if cerr := l.conn.Close(); err == nil {
		err = cerr
	}
	l.conn = nil
	return err
}
