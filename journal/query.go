package journal

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/rustyeddy/riskengine/market"
	"github.com/rustyeddy/riskengine/pkg/result"
	"github.com/rustyeddy/riskengine/store"
)

const tradeColumns = `trade_id, symbol, direction, origin, entry_price, size, cost, take_profit, stop_loss,
	leverage, opened_at, status, exit_price, pnl, exit_reason, closed_at`

// GetTrade returns a single trade record by ID.
func (j *SQLite) GetTrade(ctx context.Context, tradeID string) result.Lookup[TradeRecord] {
	row := j.db.QueryRowContext(ctx, `SELECT `+tradeColumns+` FROM trades WHERE trade_id = ?`, tradeID)
	rec, err := scanTrade(row)
	if errors.Is(err, sql.ErrNoRows) {
		return result.None[TradeRecord]()
	}
	if err != nil {
		return result.Fail[TradeRecord](fmt.Errorf("trade %q: %w", tradeID, err))
	}
	return result.Of(rec)
}

// ListTradesClosedBetween returns trades whose close time is within [start, end).
func (j *SQLite) ListTradesClosedBetween(ctx context.Context, start, end time.Time) ([]TradeRecord, error) {
	rows, err := j.db.QueryContext(ctx, `
		SELECT `+tradeColumns+`
		FROM trades
		WHERE status = ? AND closed_at >= ? AND closed_at < ?
		ORDER BY closed_at ASC`, StatusClosed, store.Millis(start), store.Millis(end))
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectTrades(rows)
}

// ListOpenTrades returns trade log rows never closed, oldest first.
func (j *SQLite) ListOpenTrades(ctx context.Context) ([]TradeRecord, error) {
	rows, err := j.db.QueryContext(ctx, `
		SELECT `+tradeColumns+`
		FROM trades
		WHERE status = ?
		ORDER BY opened_at ASC`, StatusOpen)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectTrades(rows)
}

// ListSkips returns unexpired skip records, newest first.
func (j *SQLite) ListSkips(ctx context.Context, now time.Time) ([]SkipRecord, error) {
	rows, err := j.db.QueryContext(ctx, `
		SELECT symbol, reason, detail, created_at, expires_at
		FROM skips
		WHERE expires_at > ?
		ORDER BY created_at DESC, id DESC`, store.Millis(now))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []SkipRecord
	for rows.Next() {
		var (
			s                SkipRecord
			created, expires int64
		)
		if err := rows.Scan(&s.Symbol, &s.Reason, &s.Detail, &created, &expires); err != nil {
			return nil, err
		}
		s.Timestamp = store.FromMillis(created)
		s.ExpiresAt = store.FromMillis(expires)
		out = append(out, s)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTrade(r rowScanner) (TradeRecord, error) {
	var (
		rec            TradeRecord
		dir            string
		opened, closed int64
	)
	err := r.Scan(
		&rec.TradeID,
		&rec.Symbol,
		&dir,
		&rec.Origin,
		&rec.EntryPrice,
		&rec.Size,
		&rec.Cost,
		&rec.TakeProfit,
		&rec.StopLoss,
		&rec.Leverage,
		&opened,
		&rec.Status,
		&rec.ExitPrice,
		&rec.PnL,
		&rec.ExitReason,
		&closed,
	)
	if err != nil {
		return TradeRecord{}, err
	}
	rec.Direction = market.Direction(dir)
	rec.OpenedAt = store.FromMillis(opened)
	rec.ClosedAt = store.FromMillis(closed)
	return rec, nil
}

func collectTrades(rows *sql.Rows) ([]TradeRecord, error) {
	var out []TradeRecord
	for rows.Next() {
		rec, err := scanTrade(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return out, nil
}
