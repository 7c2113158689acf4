// Package store opens the SQLite database shared by every invocation and
// owns the tables that coordinate them: the risk ledger, open positions and
// per-symbol entry locks.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"
	_ "modernc.org/sqlite"
)

var ErrMissingTable = errors.New("required table missing")

const (
	DriverCGO    = "sqlite3" // github.com/mattn/go-sqlite3
	DriverPureGo = "sqlite"  // modernc.org/sqlite
)

type Options struct {
	Driver      string
	Path        string
	BusyTimeout time.Duration
}

// Open opens the database in WAL mode with write transactions started as
// BEGIN IMMEDIATE, so concurrent invocations queue on the write lock rather
// than failing on upgrade. Schema is applied and required tables verified.
func Open(ctx context.Context, opts Options) (*sql.DB, error) {
	if opts.Driver == "" {
		opts.Driver = DriverCGO
	}
	if opts.BusyTimeout <= 0 {
		opts.BusyTimeout = 5 * time.Second
	}

	dsn, err := DSN(opts)
	if err != nil {
		return nil, err
	}

	db, err := sql.Open(opts.Driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("opening db: %w", err)
	}
	// One connection per handle: each invocation is a single writer.
	db.SetMaxOpenConns(1)

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("opening db: %w", err)
	}

	if err := Migrate(ctx, db); err != nil {
		db.Close()
		return nil, err
	}
	if err := Verify(ctx, db, RequiredTables...); err != nil {
		db.Close()
		return nil, err
	}
	return db, nil
}

// DSN builds the driver specific connection string.
func DSN(opts Options) (string, error) {
	if opts.Path == "" {
		return "", errors.New("store path is required")
	}
	ms := opts.BusyTimeout.Milliseconds()

	q := url.Values{}
	switch opts.Driver {
	case DriverCGO:
		q.Set("_busy_timeout", fmt.Sprint(ms))
		q.Set("_journal_mode", "WAL")
		q.Set("_txlock", "immediate")
	case DriverPureGo:
		q.Add("_pragma", fmt.Sprintf("busy_timeout(%d)", ms))
		q.Add("_pragma", "journal_mode(WAL)")
		q.Set("_txlock", "immediate")
	default:
		return "", fmt.Errorf("unknown sqlite driver %q", opts.Driver)
	}

	path := opts.Path
	if !strings.HasPrefix(path, "file:") {
		path = "file:" + path
	}
	return path + "?" + q.Encode(), nil
}

// Migrate applies the coordination schema plus any extra DDL blocks.
func Migrate(ctx context.Context, db *sql.DB, extra ...string) error {
	for _, ddl := range append([]string{Schema}, extra...) {
		if _, err := db.ExecContext(ctx, ddl); err != nil {
			return fmt.Errorf("schema migration: %w", err)
		}
	}
	return nil
}

// Verify fails with ErrMissingTable when any of the named tables is absent.
func Verify(ctx context.Context, db *sql.DB, tables ...string) error {
	rows, err := db.QueryContext(ctx, `SELECT name FROM sqlite_master WHERE type='table'`)
	if err != nil {
		return fmt.Errorf("listing tables: %w", err)
	}
	defer rows.Close()

	have := map[string]bool{}
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return err
		}
		have[name] = true
	}
	if err := rows.Err(); err != nil {
		return err
	}

	var missing []string
	for _, t := range tables {
		if !have[t] {
			missing = append(missing, t)
		}
	}
	if len(missing) > 0 {
		return fmt.Errorf("%w: %s", ErrMissingTable, strings.Join(missing, ", "))
	}
	return nil
}

// Millis and FromMillis convert timestamps to the INTEGER columns used by
// every table, so both drivers read back identical values.
func Millis(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixMilli()
}

func FromMillis(ms int64) time.Time {
	if ms == 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms).UTC()
}
