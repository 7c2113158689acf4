package journal

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/rustyeddy/riskengine/store"
)

// SQLite keeps the trade and skip logs next to the coordination tables.
type SQLite struct {
	db    *sql.DB
	owned bool
}

// NewSQLite uses an already open database and applies the journal schema.
func NewSQLite(ctx context.Context, db *sql.DB) (*SQLite, error) {
	if err := store.Migrate(ctx, db, Schema); err != nil {
		return nil, err
	}
	if err := store.Verify(ctx, db, Tables...); err != nil {
		return nil, err
	}
	return &SQLite{db: db}, nil
}

// OpenSQLite opens its own handle, for tools that only read the journal.
func OpenSQLite(ctx context.Context, opts store.Options) (*SQLite, error) {
	db, err := store.Open(ctx, opts)
	if err != nil {
		return nil, err
	}
	j, err := NewSQLite(ctx, db)
	if err != nil {
		db.Close()
		return nil, err
	}
	j.owned = true
	return j, nil
}

func (j *SQLite) RecordOpen(ctx context.Context, t TradeRecord) error {
	if t.Origin == "" {
		t.Origin = OriginEntry
	}
	_, err := j.db.ExecContext(ctx, `
		INSERT INTO trades
		(trade_id, symbol, direction, origin, entry_price, size, cost, take_profit, stop_loss, leverage, opened_at, status)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(trade_id) DO NOTHING`,
		t.TradeID, t.Symbol, string(t.Direction), t.Origin,
		t.EntryPrice, t.Size, t.Cost, t.TakeProfit, t.StopLoss, t.Leverage,
		store.Millis(t.OpenedAt), StatusOpen,
	)
	if err != nil {
		return fmt.Errorf("record open %s: %w", t.TradeID, err)
	}
	return nil
}

// RecordClose updates the open row once. A close for a trade with no open
// row still leaves a CLOSED record behind.
func (j *SQLite) RecordClose(ctx context.Context, c CloseRecord) error {
	res, err := j.db.ExecContext(ctx, `
		UPDATE trades
		SET status = ?, exit_price = ?, pnl = ?, exit_reason = ?, closed_at = ?
		WHERE trade_id = ? AND status = ?`,
		StatusClosed, c.ExitPrice, c.PnL, c.Reason, store.Millis(c.ClosedAt),
		c.TradeID, StatusOpen,
	)
	if err != nil {
		return fmt.Errorf("record close %s: %w", c.TradeID, err)
	}
	if n, err := res.RowsAffected(); err != nil || n > 0 {
		return err
	}

	_, err = j.db.ExecContext(ctx, `
		INSERT INTO trades
		(trade_id, symbol, direction, origin, entry_price, size, cost, take_profit, stop_loss, leverage,
		 opened_at, status, exit_price, pnl, exit_reason, closed_at)
		VALUES (?, ?, ?, ?, ?, ?, 0, 0, 0, 1, 0, ?, ?, ?, ?, ?)
		ON CONFLICT(trade_id) DO NOTHING`,
		c.TradeID, c.Symbol, string(c.Direction), OriginAdopted, c.EntryPrice, c.Size,
		StatusClosed, c.ExitPrice, c.PnL, c.Reason, store.Millis(c.ClosedAt),
	)
	if err != nil {
		return fmt.Errorf("record close %s: %w", c.TradeID, err)
	}
	return nil
}

func (j *SQLite) RecordSkip(ctx context.Context, s SkipRecord) error {
	_, err := j.db.ExecContext(ctx, `
		INSERT INTO skips (symbol, reason, detail, created_at, expires_at)
		VALUES (?, ?, ?, ?, ?)`,
		s.Symbol, s.Reason, s.Detail, store.Millis(s.Timestamp), store.Millis(s.ExpiresAt),
	)
	if err != nil {
		return fmt.Errorf("record skip %s: %w", s.Symbol, err)
	}
	return nil
}

func (j *SQLite) PurgeExpiredSkips(ctx context.Context, now time.Time) (int64, error) {
	res, err := j.db.ExecContext(ctx, `DELETE FROM skips WHERE expires_at <= ?`, store.Millis(now))
	if err != nil {
		return 0, fmt.Errorf("purge skips: %w", err)
	}
	return res.RowsAffected()
}

func (j *SQLite) RealizedPnLSince(ctx context.Context, since time.Time) (float64, error) {
	var pnl float64
	err := j.db.QueryRowContext(ctx, `
		SELECT COALESCE(SUM(pnl), 0) FROM trades
		WHERE status = ? AND closed_at >= ?`,
		StatusClosed, store.Millis(since)).Scan(&pnl)
	if err != nil {
		return 0, fmt.Errorf("realized pnl: %w", err)
	}
	return pnl, nil
}

func (j *SQLite) Close() error {
	if j.owned {
		return j.db.Close()
	}
	return nil
}
