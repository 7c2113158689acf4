package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

var ErrLockHeld = errors.New("symbol lock held")

// Locker hands out short lived exclusive locks on a symbol. A lock is a row
// in symbol_locks; an expired row may be taken over by anyone, which is what
// frees symbols left locked by a crashed invocation.
type Locker struct {
	db    *sql.DB
	ttl   time.Duration
	owner string
	now   func() time.Time
}

func NewLocker(db *sql.DB, ttl time.Duration, owner string) *Locker {
	return &Locker{db: db, ttl: ttl, owner: owner, now: time.Now}
}

// WithClock replaces the time source.
func (l *Locker) WithClock(now func() time.Time) *Locker {
	l.now = now
	return l
}

func (l *Locker) Owner() string { return l.owner }

// Acquire takes the lock for symbol with a single conditional upsert: insert
// when absent, overwrite only when the existing row expired or is already
// ours. Returns false when someone else holds a live lock.
func (l *Locker) Acquire(ctx context.Context, symbol string) (bool, error) {
	now := l.now()
	res, err := l.db.ExecContext(ctx, `
		INSERT INTO symbol_locks (symbol, owner, expires_at)
		VALUES (?, ?, ?)
		ON CONFLICT(symbol) DO UPDATE SET
			owner = excluded.owner,
			expires_at = excluded.expires_at
		WHERE symbol_locks.expires_at <= ? OR symbol_locks.owner = excluded.owner`,
		symbol, l.owner, now.Add(l.ttl).UnixMilli(), now.UnixMilli(),
	)
	if err != nil {
		return false, fmt.Errorf("acquire lock %s: %w", symbol, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

// Release drops the lock if this locker still owns it.
func (l *Locker) Release(ctx context.Context, symbol string) error {
	_, err := l.db.ExecContext(ctx,
		`DELETE FROM symbol_locks WHERE symbol = ? AND owner = ?`, symbol, l.owner)
	if err != nil {
		return fmt.Errorf("release lock %s: %w", symbol, err)
	}
	return nil
}

// TryLock acquires the lock and returns its release function, or
// ErrLockHeld.
func (l *Locker) TryLock(ctx context.Context, symbol string) (func(context.Context) error, error) {
	ok, err := l.Acquire(ctx, symbol)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrLockHeld, symbol)
	}
	return func(ctx context.Context) error { return l.Release(ctx, symbol) }, nil
}

// Holder reports the current owner of a live lock on symbol.
func (l *Locker) Holder(ctx context.Context, symbol string) (string, bool, error) {
	var owner string
	err := l.db.QueryRowContext(ctx,
		`SELECT owner FROM symbol_locks WHERE symbol = ? AND expires_at > ?`,
		symbol, l.now().UnixMilli()).Scan(&owner)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return owner, true, nil
}
