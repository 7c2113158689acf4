// Package ledger keeps the portfolio-wide risk budget shared by every
// invocation. The capacity check and the increment are one conditional
// UPDATE; nothing reads the total and then writes it back.
package ledger

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"math"
	"sort"
	"time"

	"github.com/rustyeddy/riskengine/market"
	"github.com/rustyeddy/riskengine/store"
)

const globalID = "global"

var ErrInvalidEntry = errors.New("invalid ledger entry")

// Entry is one trade registered against the budget.
type Entry struct {
	Symbol     string
	TradeID    string
	Risk       float64
	EntryPrice float64
	Quantity   float64
	Direction  market.Direction
	Timestamp  time.Time
}

type Snapshot struct {
	TotalRiskInUse float64
	UpdatedAt      time.Time
	ActiveTrades   map[string]Entry
}

// ActiveSum is the total implied by the registered trades.
func (s Snapshot) ActiveSum() float64 {
	var sum float64
	for _, e := range s.ActiveTrades {
		sum += e.Risk
	}
	return sum
}

// Drift is how far the stored total has wandered from the registered trades.
func (s Snapshot) Drift() float64 {
	return s.TotalRiskInUse - s.ActiveSum()
}

// Symbols returns the registered symbols sorted.
func (s Snapshot) Symbols() []string {
	out := make([]string, 0, len(s.ActiveTrades))
	for sym := range s.ActiveTrades {
		out = append(out, sym)
	}
	sort.Strings(out)
	return out
}

type Ledger struct {
	db  *sql.DB
	now func() time.Time
}

func New(db *sql.DB) *Ledger {
	return &Ledger{db: db, now: time.Now}
}

func (l *Ledger) WithClock(now func() time.Time) *Ledger {
	l.now = now
	return l
}

// CheckAndAdd registers e when its risk fits under capital*maxFraction.
// ok=false with a reason means the budget or the symbol refused it; err is
// reserved for store failures. Redelivery of the same symbol and trade id
// is accepted without a second increment.
func (l *Ledger) CheckAndAdd(ctx context.Context, e Entry, capital, maxFraction float64) (bool, string, error) {
	if err := validate(e, capital, maxFraction); err != nil {
		return false, "", err
	}
	return l.register(ctx, e, capital*maxFraction, true)
}

// Adopt registers e with no capacity check. It is for positions already
// live on the broker, whose risk exists whether or not it fits. ok=false
// only when the symbol is registered under another trade.
func (l *Ledger) Adopt(ctx context.Context, e Entry) (bool, string, error) {
	if err := validateEntry(e); err != nil {
		return false, "", err
	}
	return l.register(ctx, e, 0, false)
}

func (l *Ledger) register(ctx context.Context, e Entry, limit float64, capped bool) (bool, string, error) {
	ts := e.Timestamp
	if ts.IsZero() {
		ts = l.now()
	}

	tx, err := l.db.BeginTx(ctx, nil)
	if err != nil {
		return false, "", fmt.Errorf("ledger begin: %w", err)
	}
	defer tx.Rollback()

	var existing string
	err = tx.QueryRowContext(ctx,
		`SELECT trade_id FROM ledger_trades WHERE symbol = ?`, e.Symbol).Scan(&existing)
	switch {
	case err == nil && existing == e.TradeID:
		return true, fmt.Sprintf("%s already registered as %s", e.Symbol, e.TradeID), nil
	case err != nil && !errors.Is(err, sql.ErrNoRows):
		return false, "", fmt.Errorf("ledger lookup %s: %w", e.Symbol, err)
	}
	symbolTaken := err == nil

	// First registration ever creates the row regardless of the cap.
	res, err := tx.ExecContext(ctx, `
		INSERT INTO risk_ledger (id, total_risk_in_use, updated_at)
		VALUES (?, ?, ?)
		ON CONFLICT(id) DO NOTHING`,
		globalID, e.Risk, store.Millis(ts))
	if err != nil {
		return false, "", fmt.Errorf("ledger init: %w", err)
	}
	created, err := res.RowsAffected()
	if err != nil {
		return false, "", err
	}

	if created == 0 {
		if capped {
			res, err = tx.ExecContext(ctx, `
				UPDATE risk_ledger
				SET total_risk_in_use = total_risk_in_use + ?, updated_at = ?
				WHERE id = ? AND total_risk_in_use + ? <= ?`,
				e.Risk, store.Millis(ts), globalID, e.Risk, limit)
		} else {
			res, err = tx.ExecContext(ctx, `
				UPDATE risk_ledger
				SET total_risk_in_use = total_risk_in_use + ?, updated_at = ?
				WHERE id = ?`,
				e.Risk, store.Millis(ts), globalID)
		}
		if err != nil {
			return false, "", fmt.Errorf("ledger increment: %w", err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return false, "", err
		}
		if n == 0 {
			var total float64
			if err := tx.QueryRowContext(ctx,
				`SELECT total_risk_in_use FROM risk_ledger WHERE id = ?`, globalID).Scan(&total); err != nil {
				return false, "", fmt.Errorf("ledger read: %w", err)
			}
			return false, fmt.Sprintf("risk capacity exceeded: in use %.2f + requested %.2f > cap %.2f",
				total, e.Risk, limit), nil
		}
	}

	if symbolTaken {
		return false, fmt.Sprintf("%s already active as %s", e.Symbol, existing), nil
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO ledger_trades (symbol, trade_id, risk, entry_price, quantity, direction, registered_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		e.Symbol, e.TradeID, e.Risk, e.EntryPrice, e.Quantity, string(e.Direction), store.Millis(ts)); err != nil {
		return false, "", fmt.Errorf("ledger register %s: %w", e.Symbol, err)
	}

	if err := tx.Commit(); err != nil {
		return false, "", fmt.Errorf("ledger commit: %w", err)
	}
	return true, fmt.Sprintf("registered %.2f for %s", e.Risk, e.Symbol), nil
}

// Remove releases risk for symbol. When the symbol is not registered nothing
// changes and false is returned, so a second call cannot drain the total.
func (l *Ledger) Remove(ctx context.Context, symbol string, risk float64) (bool, error) {
	if risk < 0 || math.IsNaN(risk) || math.IsInf(risk, 0) {
		return false, fmt.Errorf("%w: risk %v", ErrInvalidEntry, risk)
	}

	tx, err := l.db.BeginTx(ctx, nil)
	if err != nil {
		return false, fmt.Errorf("ledger begin: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, `DELETE FROM ledger_trades WHERE symbol = ?`, symbol)
	if err != nil {
		return false, fmt.Errorf("ledger unregister %s: %w", symbol, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	if n == 0 {
		return false, nil
	}

	if _, err := tx.ExecContext(ctx, `
		UPDATE risk_ledger
		SET total_risk_in_use = MAX(total_risk_in_use - ?, 0), updated_at = ?
		WHERE id = ?`,
		risk, store.Millis(l.now()), globalID); err != nil {
		return false, fmt.Errorf("ledger decrement: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return false, fmt.Errorf("ledger commit: %w", err)
	}
	return true, nil
}

// Snapshot reads the total and the registered trades in one transaction.
func (l *Ledger) Snapshot(ctx context.Context) (Snapshot, error) {
	tx, err := l.db.BeginTx(ctx, nil)
	if err != nil {
		return Snapshot{}, fmt.Errorf("ledger begin: %w", err)
	}
	defer tx.Rollback()

	snap := Snapshot{ActiveTrades: map[string]Entry{}}

	var updated int64
	err = tx.QueryRowContext(ctx,
		`SELECT total_risk_in_use, updated_at FROM risk_ledger WHERE id = ?`, globalID).
		Scan(&snap.TotalRiskInUse, &updated)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return Snapshot{}, fmt.Errorf("ledger read: %w", err)
	}
	snap.UpdatedAt = store.FromMillis(updated)

	rows, err := tx.QueryContext(ctx, `
		SELECT symbol, trade_id, risk, entry_price, quantity, direction, registered_at
		FROM ledger_trades`)
	if err != nil {
		return Snapshot{}, fmt.Errorf("ledger trades: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var (
			e   Entry
			dir string
			ts  int64
		)
		if err := rows.Scan(&e.Symbol, &e.TradeID, &e.Risk, &e.EntryPrice, &e.Quantity, &dir, &ts); err != nil {
			return Snapshot{}, err
		}
		e.Direction = market.Direction(dir)
		e.Timestamp = store.FromMillis(ts)
		snap.ActiveTrades[e.Symbol] = e
	}
	if err := rows.Err(); err != nil {
		return Snapshot{}, err
	}
	return snap, nil
}

// Rebase resets the total to the sum of registered trades, repairing leaks
// left by decrements that never happened.
func (l *Ledger) Rebase(ctx context.Context) (before, after float64, err error) {
	tx, err := l.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, 0, fmt.Errorf("ledger begin: %w", err)
	}
	defer tx.Rollback()

	err = tx.QueryRowContext(ctx,
		`SELECT total_risk_in_use FROM risk_ledger WHERE id = ?`, globalID).Scan(&before)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, 0, nil
	}
	if err != nil {
		return 0, 0, fmt.Errorf("ledger read: %w", err)
	}

	if err := tx.QueryRowContext(ctx,
		`SELECT COALESCE(SUM(risk), 0) FROM ledger_trades`).Scan(&after); err != nil {
		return 0, 0, fmt.Errorf("ledger sum: %w", err)
	}

	if _, err := tx.ExecContext(ctx,
		`UPDATE risk_ledger SET total_risk_in_use = ?, updated_at = ? WHERE id = ?`,
		after, store.Millis(l.now()), globalID); err != nil {
		return 0, 0, fmt.Errorf("ledger rebase: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return 0, 0, fmt.Errorf("ledger commit: %w", err)
	}
	return before, after, nil
}

func validateEntry(e Entry) error {
	switch {
	case e.Symbol == "":
		return fmt.Errorf("%w: symbol is required", ErrInvalidEntry)
	case e.TradeID == "":
		return fmt.Errorf("%w: trade id is required", ErrInvalidEntry)
	case e.Risk < 0 || math.IsNaN(e.Risk) || math.IsInf(e.Risk, 0):
		return fmt.Errorf("%w: risk %v", ErrInvalidEntry, e.Risk)
	}
	return nil
}

func validate(e Entry, capital, maxFraction float64) error {
	if err := validateEntry(e); err != nil {
		return err
	}
	switch {
	case capital <= 0 || math.IsNaN(capital):
		return fmt.Errorf("%w: capital %v", ErrInvalidEntry, capital)
	case maxFraction <= 0 || math.IsNaN(maxFraction):
		return fmt.Errorf("%w: max fraction %v", ErrInvalidEntry, maxFraction)
	}
	return nil
}
