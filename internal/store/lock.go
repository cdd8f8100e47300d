package store

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// lockClassDailyCache namespaces the per-date advisory locks away from any
// other advisory-lock user sharing the database.
const lockClassDailyCache int32 = 4217

var ErrLockTimeout = errors.New("advisory lock wait timed out")

// LockOptions selects between the non-blocking try-lock and a bounded wait.
type LockOptions struct {
	Blocking bool
	Timeout  time.Duration
}

// LockKeyForDate maps a calendar date to its advisory lock key: YYYYMMDD as
// a base-10 integer, so the same date always lands on the same lock and
// distinct dates never collide.
func LockKeyForDate(date string) (int32, error) {
	digits := strings.ReplaceAll(date, "-", "")
	if len(digits) != 8 {
		return 0, fmt.Errorf("invalid lock date %q", date)
	}
	key, err := strconv.ParseInt(digits, 10, 32)
	if err != nil {
		return 0, fmt.Errorf("invalid lock date %q: %w", date, err)
	}
	return int32(key), nil
}

// WithDateLock runs fn while holding the per-date advisory lock. The first
// return value reports whether fn ran: in non-blocking mode a held lock
// yields (false, nil) so callers can fall back to stale cache instead of
// waiting. The lock is released and the connection returned to the pool on
// every path, including a panic inside fn.
func (s *Store) WithDateLock(ctx context.Context, date string, opts LockOptions, fn func(context.Context) error) (bool, error) {
	key, err := LockKeyForDate(date)
	if err != nil {
		return false, err
	}

	conn, err := s.pool.Acquire(ctx)
	if err != nil {
		return false, fmt.Errorf("acquire lock connection: %w", err)
	}
	defer conn.Release()

	if opts.Blocking {
		lockCtx := ctx
		if opts.Timeout > 0 {
			var cancel context.CancelFunc
			lockCtx, cancel = context.WithTimeout(ctx, opts.Timeout)
			defer cancel()
		}
		if _, err := conn.Exec(lockCtx, `SELECT pg_advisory_lock($1, $2)`, lockClassDailyCache, key); err != nil {
			if lockCtx.Err() != nil && ctx.Err() == nil {
				return false, ErrLockTimeout
			}
			return false, fmt.Errorf("acquire advisory lock: %w", err)
		}
	} else {
		var acquired bool
		if err := conn.QueryRow(ctx, `SELECT pg_try_advisory_lock($1, $2)`, lockClassDailyCache, key).Scan(&acquired); err != nil {
			return false, fmt.Errorf("try advisory lock: %w", err)
		}
		if !acquired {
			return false, nil
		}
	}

	defer func() {
		// The unlock must run even when ctx was cancelled mid-fn.
		unlockCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()
		_, _ = conn.Exec(unlockCtx, `SELECT pg_advisory_unlock($1, $2)`, lockClassDailyCache, key)
	}()

	return true, fn(ctx)
}
