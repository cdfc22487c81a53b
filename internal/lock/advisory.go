package lock

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/crestline-ai/usage-console/internal/timeutil"
)

// DeriveLockID maps a YYYY-MM-DD date key to a deterministic advisory-lock id,
// e.g. "2025-01-15" -> 20250115. Parsing is lenient about zero padding but
// fails on anything that is not date-shaped.
func DeriveLockID(date string) (int64, error) {
	day, err := timeutil.ParseDateKey(date)
	if err != nil {
		return 0, err
	}
	return int64(day.Year())*10_000 + int64(day.Month())*100 + int64(day.Day()), nil
}

// Session is the slice of a database connection the advisory-lock protocol
// needs. *pgxpool.Conn satisfies it; advisory locks are session-scoped, so
// every call for one lock must go through the same Session.
type Session interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

// TryAcquire attempts a session-scoped advisory lock without blocking. It
// reports whether the lock was obtained.
func TryAcquire(ctx context.Context, sess Session, id int64) (bool, error) {
	var acquired bool
	if err := sess.QueryRow(ctx, "SELECT pg_try_advisory_lock($1)", id).Scan(&acquired); err != nil {
		return false, fmt.Errorf("try advisory lock %d: %w", id, err)
	}
	return acquired, nil
}

// Acquire blocks until the advisory lock is held on the session.
func Acquire(ctx context.Context, sess Session, id int64) error {
	if _, err := sess.Exec(ctx, "SELECT pg_advisory_lock($1)", id); err != nil {
		return fmt.Errorf("advisory lock %d: %w", id, err)
	}
	return nil
}

// Release unlocks the advisory lock on the session. It reports whether a lock
// was actually held and released.
func Release(ctx context.Context, sess Session, id int64) (bool, error) {
	var released bool
	if err := sess.QueryRow(ctx, "SELECT pg_advisory_unlock($1)", id).Scan(&released); err != nil {
		return false, fmt.Errorf("advisory unlock %d: %w", id, err)
	}
	return released, nil
}

// Options tunes WithLock behavior.
type Options struct {
	// Blocking waits for the lock instead of bailing out on contention.
	Blocking bool
	// OnLockFailed runs when a non-blocking attempt loses the race.
	OnLockFailed func(id int64)
}

// WithLock checks out a dedicated connection from the pool, attempts the
// advisory lock, and runs fn while holding it. Lock release and connection
// release are guaranteed on every exit path, including panics inside fn.
//
// When the lock is already held elsewhere and Blocking is false, WithLock
// invokes OnLockFailed (if set) and returns the zero value with acquired
// false and a nil error: contention signals "another worker is already doing
// this work", not a failure.
func WithLock[T any](ctx context.Context, pool *pgxpool.Pool, id int64, fn func(ctx context.Context, conn *pgxpool.Conn) (T, error), opts Options) (T, bool, error) {
	var zero T
	if pool == nil {
		return zero, false, fmt.Errorf("advisory lock %d: pool is required", id)
	}

	conn, err := pool.Acquire(ctx)
	if err != nil {
		return zero, false, fmt.Errorf("acquire connection for lock %d: %w", id, err)
	}
	defer conn.Release()

	return withSession(ctx, conn, id, func(ctx context.Context) (T, error) {
		return fn(ctx, conn)
	}, opts)
}

// withSession runs the lock-fn-unlock protocol on one session.
func withSession[T any](ctx context.Context, sess Session, id int64, fn func(ctx context.Context) (T, error), opts Options) (result T, acquired bool, err error) {
	var zero T

	if opts.Blocking {
		if err := Acquire(ctx, sess, id); err != nil {
			return zero, false, err
		}
		acquired = true
	} else {
		acquired, err = TryAcquire(ctx, sess, id)
		if err != nil {
			return zero, false, err
		}
		if !acquired {
			if opts.OnLockFailed != nil {
				opts.OnLockFailed(id)
			}
			return zero, false, nil
		}
	}

	defer func() {
		// Unlock on the same session even when fn fails or panics. The
		// background context keeps the unlock alive past ctx cancellation.
		if _, unlockErr := Release(context.WithoutCancel(ctx), sess, id); unlockErr != nil && err == nil {
			err = unlockErr
		}
	}()

	result, err = fn(ctx)
	if err != nil {
		return zero, true, err
	}
	return result, true, nil
}
