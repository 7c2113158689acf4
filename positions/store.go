package positions

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rustyeddy/riskengine/internal/logger"
	"github.com/rustyeddy/riskengine/market"
	"github.com/rustyeddy/riskengine/pkg/result"
	"github.com/rustyeddy/riskengine/store"
)

var ErrAlreadyOpen = errors.New("position already open")

const columns = `symbol, trade_id, direction, asset_class, entry_price, quantity, leverage,
	stop_loss, take_profit, risk_dollars, estimated, status, opened_at, updated_at`

// Store is the durable set of open positions keyed by symbol.
type Store struct {
	db       *sql.DB
	log      *logger.Logger
	fallback prometheus.Counter
	now      func() time.Time
}

func NewStore(db *sql.DB, log *logger.Logger) *Store {
	if log == nil {
		log = logger.Nop()
	}
	return &Store{db: db, log: log, now: time.Now}
}

// WithFallbackCounter counts loads that had to scan the whole table.
func (s *Store) WithFallbackCounter(c prometheus.Counter) *Store {
	s.fallback = c
	return s
}

func (s *Store) WithClock(now func() time.Time) *Store {
	s.now = now
	return s
}

// Save upserts p and stamps it OPEN.
func (s *Store) Save(ctx context.Context, p Position) error {
	if err := p.Validate(); err != nil {
		return err
	}
	p.UpdatedAt = s.now()
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO positions (`+columns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(symbol) DO UPDATE SET
			trade_id = excluded.trade_id,
			direction = excluded.direction,
			asset_class = excluded.asset_class,
			entry_price = excluded.entry_price,
			quantity = excluded.quantity,
			leverage = excluded.leverage,
			stop_loss = excluded.stop_loss,
			take_profit = excluded.take_profit,
			risk_dollars = excluded.risk_dollars,
			estimated = excluded.estimated,
			status = excluded.status,
			opened_at = excluded.opened_at,
			updated_at = excluded.updated_at`,
		args(p)...,
	)
	if err != nil {
		return fmt.Errorf("save position %s: %w", p.Symbol, err)
	}
	return nil
}

// Insert writes p only if no position is open for its symbol; otherwise it
// returns ErrAlreadyOpen and leaves the store untouched.
func (s *Store) Insert(ctx context.Context, p Position) error {
	if err := p.Validate(); err != nil {
		return err
	}
	if err := p.ValidateLevels(); err != nil {
		return err
	}
	p.UpdatedAt = s.now()
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO positions (`+columns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(symbol) DO NOTHING`,
		args(p)...,
	)
	if err != nil {
		return fmt.Errorf("insert position %s: %w", p.Symbol, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("%w: %s", ErrAlreadyOpen, p.Symbol)
	}
	return nil
}

// Get looks up the open position for symbol.
func (s *Store) Get(ctx context.Context, symbol string) result.Lookup[Position] {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+columns+` FROM positions WHERE symbol = ? AND status = ?`, symbol, StatusOpen)
	p, _, err := scan(row)
	if errors.Is(err, sql.ErrNoRows) {
		return result.None[Position]()
	}
	if err != nil {
		return result.Fail[Position](fmt.Errorf("get position %s: %w", symbol, err))
	}
	return result.Of(p)
}

// LoadAllOpen returns every open position. The status index serves the
// query; when it is unusable the whole table is scanned instead and a warning
// logged, so a damaged index never fails the cycle.
func (s *Store) LoadAllOpen(ctx context.Context) (map[string]Position, error) {
	out, err := s.loadIndexed(ctx)
	if err == nil {
		return out, nil
	}

	s.log.Warn(ctx, "indexed open-position query failed, falling back to full scan", "error", err)
	if s.fallback != nil {
		s.fallback.Inc()
	}
	return s.loadScan(ctx)
}

func (s *Store) loadIndexed(ctx context.Context) (map[string]Position, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+columns+` FROM positions INDEXED BY idx_positions_status WHERE status = ?`, StatusOpen)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collect(rows, false)
}

func (s *Store) loadScan(ctx context.Context) (map[string]Position, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+columns+` FROM positions`)
	if err != nil {
		return nil, fmt.Errorf("scan positions: %w", err)
	}
	defer rows.Close()
	return collect(rows, true)
}

// Delete removes the record for symbol. Callers must have confirmed the
// broker position is closed or absent.
func (s *Store) Delete(ctx context.Context, symbol string) (bool, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM positions WHERE symbol = ?`, symbol)
	if err != nil {
		return false, fmt.Errorf("delete position %s: %w", symbol, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

func args(p Position) []any {
	return []any{
		p.Symbol, p.TradeID, string(p.Direction), string(p.AssetClass),
		p.EntryPrice, p.Quantity, p.Leverage,
		p.StopLoss, p.TakeProfit, p.RiskDollars,
		p.Estimated.String(), StatusOpen,
		store.Millis(p.OpenedAt), store.Millis(p.UpdatedAt),
	}
}

type scanner interface {
	Scan(dest ...any) error
}

func scan(r scanner) (Position, string, error) {
	var (
		p                     Position
		dir, class, est, stat string
		opened, updated       int64
	)
	err := r.Scan(
		&p.Symbol, &p.TradeID, &dir, &class,
		&p.EntryPrice, &p.Quantity, &p.Leverage,
		&p.StopLoss, &p.TakeProfit, &p.RiskDollars,
		&est, &stat, &opened, &updated,
	)
	if err != nil {
		return Position{}, "", err
	}
	p.Direction = market.Direction(dir)
	p.AssetClass = market.AssetClass(class)
	p.Estimated = parseEstimated(est)
	p.OpenedAt = store.FromMillis(opened)
	p.UpdatedAt = store.FromMillis(updated)
	return p, stat, nil
}

func collect(rows *sql.Rows, filter bool) (map[string]Position, error) {
	out := map[string]Position{}
	for rows.Next() {
		p, stat, err := scan(rows)
		if err != nil {
			return nil, err
		}
		if filter && stat != StatusOpen {
			continue
		}
		out[p.Symbol] = p
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return out, nil
}
