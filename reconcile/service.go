package reconcile

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/rustyeddy/riskengine/broker"
	"github.com/rustyeddy/riskengine/config"
	"github.com/rustyeddy/riskengine/exits"
	"github.com/rustyeddy/riskengine/internal/logger"
	"github.com/rustyeddy/riskengine/journal"
	"github.com/rustyeddy/riskengine/ledger"
	"github.com/rustyeddy/riskengine/market"
	"github.com/rustyeddy/riskengine/metrics"
	"github.com/rustyeddy/riskengine/pkg/id"
	"github.com/rustyeddy/riskengine/pkg/result"
	"github.com/rustyeddy/riskengine/positions"
)

// PositionStore is the part of the position store reconciliation uses.
type PositionStore interface {
	Get(ctx context.Context, symbol string) result.Lookup[positions.Position]
	Save(ctx context.Context, p positions.Position) error
	Delete(ctx context.Context, symbol string) (bool, error)
}

type RiskLedger interface {
	Adopt(ctx context.Context, e ledger.Entry) (bool, string, error)
	Remove(ctx context.Context, symbol string, risk float64) (bool, error)
	Snapshot(ctx context.Context) (ledger.Snapshot, error)
	Rebase(ctx context.Context) (before, after float64, err error)
}

// SymbolLocker keeps reconciliation off a symbol an entry is in the middle of.
type SymbolLocker interface {
	Acquire(ctx context.Context, symbol string) (bool, error)
	Release(ctx context.Context, symbol string) error
}

// Quoter prices ghost closes. Optional.
type Quoter interface {
	FetchTicker(ctx context.Context, symbol string) (broker.Ticker, error)
}

type Report struct {
	Adopted    []string
	Removed    []string
	Refreshed  []string
	LedgerOnly []string
	Locked     []string
	Rebased    bool
	DriftFound float64
	Errors     []error
}

// Drift is how many positions disagreed with the broker.
func (r Report) Drift() int {
	return len(r.Adopted) + len(r.Removed)
}

func (r Report) Err() error {
	return errors.Join(r.Errors...)
}

type Service struct {
	store    PositionStore
	ledger   RiskLedger
	journal  journal.Journal
	registry *market.Registry
	cfg      config.ReconcileConfig
	orphans  OrphanPolicy
	log      *logger.Logger
	metrics  *metrics.Metrics
	locker   SymbolLocker
	quoter   Quoter
	now      func() time.Time
	newID    func() string
}

func NewService(store PositionStore, led RiskLedger, j journal.Journal, reg *market.Registry, cfg config.ReconcileConfig, log *logger.Logger) *Service {
	if log == nil {
		log = logger.Nop()
	}
	return &Service{
		store:    store,
		ledger:   led,
		journal:  j,
		registry: reg,
		cfg:      cfg,
		orphans:  OrphanPolicyFrom(cfg),
		log:      log,
		now:      time.Now,
		newID:    id.New,
	}
}

func (s *Service) WithMetrics(m *metrics.Metrics) *Service { s.metrics = m; return s }
func (s *Service) WithLocker(l SymbolLocker) *Service     { s.locker = l; return s }
func (s *Service) WithQuoter(q Quoter) *Service           { s.quoter = q; return s }
func (s *Service) WithClock(now func() time.Time) *Service {
	s.now = now
	return s
}
func (s *Service) WithIDs(next func() string) *Service {
	s.newID = next
	return s
}

// Run makes local state agree with live. Per-item failures are collected in
// the report and do not stop the pass; the returned error is reserved for
// failures that make the whole pass meaningless.
func (s *Service) Run(ctx context.Context, live []broker.Position, local map[string]positions.Position, capital float64) (Report, error) {
	var rep Report

	plan := Diff(live, local)
	s.log.Info(ctx, "reconcile plan",
		"orphans", len(plan.Orphans),
		"ghosts", len(plan.Ghosts),
		"matched", len(plan.Matched),
	)

	// Ghosts first so a side flip frees its slot before the orphan is
	// adopted. Each item re-reads the store and ledger under the symbol lock
	// because an overlapping invocation may have moved them since the plan.
	for _, g := range plan.Ghosts {
		s.withLock(ctx, g.Symbol, &rep, func() (bool, error) {
			return s.removeGhost(ctx, g)
		}, &rep.Removed)
	}
	for _, o := range plan.Orphans {
		s.withLock(ctx, o.Symbol, &rep, func() (bool, error) {
			return s.adopt(ctx, o, capital)
		}, &rep.Adopted)
	}
	for _, m := range plan.Matched {
		p, changed := Refresh(m)
		if !changed {
			continue
		}
		if err := s.store.Save(ctx, p); err != nil {
			rep.Errors = append(rep.Errors, fmt.Errorf("refresh %s: %w", p.Symbol, err))
			continue
		}
		s.log.Info(ctx, "refreshed position from broker",
			"symbol", p.Symbol, "quantity", p.Quantity, "entry", p.EntryPrice)
		rep.Refreshed = append(rep.Refreshed, p.Symbol)
	}

	s.removeLedgerOnly(ctx, live, local, &rep)
	s.heal(ctx, &rep)

	if s.metrics != nil {
		s.metrics.Orphans.Set(float64(len(plan.Orphans)))
		s.metrics.Ghosts.Set(float64(len(plan.Ghosts)))
	}
	if s.cfg.DriftWarnCount > 0 && len(plan.Orphans)+len(plan.Ghosts) >= s.cfg.DriftWarnCount {
		s.log.Warn(ctx, "broker drift is growing",
			"orphans", len(plan.Orphans), "ghosts", len(plan.Ghosts),
			"threshold", s.cfg.DriftWarnCount)
	}
	return rep, nil
}

// withLock runs fn holding the symbol lock. fn reports whether it acted.
func (s *Service) withLock(ctx context.Context, symbol string, rep *Report, fn func() (bool, error), done *[]string) {
	if s.locker != nil {
		ok, err := s.locker.Acquire(ctx, symbol)
		if err != nil {
			rep.Errors = append(rep.Errors, fmt.Errorf("lock %s: %w", symbol, err))
			return
		}
		if !ok {
			s.log.Info(ctx, "symbol locked by another invocation, leaving for next pass", "symbol", symbol)
			rep.Locked = append(rep.Locked, symbol)
			return
		}
		defer func() {
			if err := s.locker.Release(ctx, symbol); err != nil {
				s.log.ErrorWithErr(ctx, "release lock", err, "symbol", symbol)
			}
		}()
	}
	acted, err := fn()
	if err != nil {
		rep.Errors = append(rep.Errors, err)
		return
	}
	if acted {
		*done = append(*done, symbol)
	}
}

func (s *Service) removeGhost(ctx context.Context, g positions.Position) (bool, error) {
	cur, err := s.store.Get(ctx, g.Symbol).Unwrap()
	switch {
	case errors.Is(err, result.ErrNotFound):
		return false, nil
	case err != nil:
		return false, fmt.Errorf("ghost %s: %w", g.Symbol, err)
	case cur.TradeID != g.TradeID:
		// Re-entered since the plan was made.
		return false, nil
	}
	snap, err := s.ledger.Snapshot(ctx)
	if err != nil {
		return false, fmt.Errorf("ghost %s: ledger snapshot: %w", g.Symbol, err)
	}

	if _, err := s.store.Delete(ctx, g.Symbol); err != nil {
		return false, fmt.Errorf("ghost %s: delete: %w", g.Symbol, err)
	}

	risk := g.RiskDollars
	if e, ok := snap.ActiveTrades[g.Symbol]; ok {
		risk = e.Risk
	}
	if _, err := s.ledger.Remove(ctx, g.Symbol, risk); err != nil {
		s.log.Critical(ctx, "ledger_release", "ghost removed but ledger still holds its risk", err,
			"symbol", g.Symbol, "risk", risk)
	}

	exit, pnl := 0.0, 0.0
	if s.quoter != nil {
		if t, err := s.quoter.FetchTicker(ctx, g.Symbol); err == nil {
			exit = t.Price()
			pnl = exits.RealizedPnL(g.Direction, g.EntryPrice, exit, g.Quantity)
		}
	}
	if s.journal != nil {
		err := s.journal.RecordClose(ctx, journal.CloseRecord{
			TradeID:    g.TradeID,
			Symbol:     g.Symbol,
			Direction:  g.Direction,
			EntryPrice: g.EntryPrice,
			Size:       g.Quantity,
			ExitPrice:  exit,
			PnL:        pnl,
			Reason:     string(exits.ClosedReconciled),
			ClosedAt:   s.now(),
		})
		if err != nil {
			s.log.ErrorWithErr(ctx, "journal ghost close", err, "symbol", g.Symbol)
		}
	}
	s.log.Risk(ctx, g.Symbol, "ghost_removed", "trade_id", g.TradeID, "risk", risk)
	return true, nil
}

func (s *Service) adopt(ctx context.Context, o broker.Position, capital float64) (bool, error) {
	got := s.store.Get(ctx, o.Symbol)
	if err := got.Err(); err != nil {
		return false, fmt.Errorf("orphan %s: %w", o.Symbol, err)
	}
	if cur, ok := got.Get(); ok && cur.Direction == o.Side {
		// An entry recorded it since the plan was made.
		return false, nil
	}
	snap, err := s.ledger.Snapshot(ctx)
	if err != nil {
		return false, fmt.Errorf("orphan %s: ledger snapshot: %w", o.Symbol, err)
	}

	class := market.Classify(o.Symbol)
	if s.registry != nil {
		class = s.registry.Lookup(o.Symbol).AssetClass
	}

	existing, registered := snap.ActiveTrades[o.Symbol]
	if registered && existing.Direction != o.Side {
		if _, err := s.ledger.Remove(ctx, o.Symbol, existing.Risk); err != nil {
			return false, fmt.Errorf("orphan %s: drop stale ledger entry: %w", o.Symbol, err)
		}
		registered = false
	}
	tradeID := s.newID()
	if registered && existing.TradeID != "" {
		tradeID = existing.TradeID
	}
	p := Reconstruct(o, s.orphans, class, s.now(), tradeID)
	if registered {
		// The entry that opened this already paid for it.
		p.RiskDollars = existing.Risk
		if !existing.Timestamp.IsZero() {
			p.OpenedAt = existing.Timestamp
			delete(p.Estimated, positions.FieldOpenedAt)
		}
	} else {
		// The position is live either way, so its risk is booked even past
		// the cap; the cap only decides whether to warn.
		ok, reason, err := s.ledger.Adopt(ctx, ledger.Entry{
			Symbol:     p.Symbol,
			TradeID:    p.TradeID,
			Risk:       p.RiskDollars,
			EntryPrice: p.EntryPrice,
			Quantity:   p.Quantity,
			Direction:  p.Direction,
			Timestamp:  p.OpenedAt,
		})
		if err != nil {
			return false, fmt.Errorf("orphan %s: ledger: %w", o.Symbol, err)
		}
		if !ok {
			return false, fmt.Errorf("orphan %s: ledger: %s", o.Symbol, reason)
		}
		if limit := capital * s.cfg.AdoptMaxPortfolioFraction; capital > 0 && snap.TotalRiskInUse+p.RiskDollars > limit {
			s.log.Warn(ctx, "adopted orphan pushes risk past the adoption cap",
				"symbol", p.Symbol, "risk", p.RiskDollars,
				"in_use", snap.TotalRiskInUse+p.RiskDollars, "cap", limit)
		}
	}

	if err := s.store.Save(ctx, p); err != nil {
		return false, fmt.Errorf("orphan %s: save: %w", o.Symbol, err)
	}

	if s.journal != nil {
		err := s.journal.RecordOpen(ctx, journal.TradeRecord{
			TradeID:    p.TradeID,
			Symbol:     p.Symbol,
			Direction:  p.Direction,
			Origin:     journal.OriginAdopted,
			EntryPrice: p.EntryPrice,
			Size:       p.Quantity,
			Cost:       p.Notional(),
			TakeProfit: p.TakeProfit,
			StopLoss:   p.StopLoss,
			Leverage:   p.Leverage,
			OpenedAt:   p.OpenedAt,
			Status:     journal.StatusOpen,
		})
		if err != nil {
			s.log.ErrorWithErr(ctx, "journal adopted open", err, "symbol", p.Symbol)
		}
	}
	s.log.Risk(ctx, p.Symbol, "orphan_adopted",
		"trade_id", p.TradeID,
		"side", string(p.Direction),
		"quantity", p.Quantity,
		"entry", p.EntryPrice,
		"stop", p.StopLoss,
		"target", p.TakeProfit,
		"risk", p.RiskDollars,
		"estimated", p.Estimated.String(),
	)
	return true, nil
}

// removeLedgerOnly drops ledger entries that neither the store nor the
// broker know about. It re-reads the ledger so entries just adopted or
// removed above are not touched twice.
func (s *Service) removeLedgerOnly(ctx context.Context, live []broker.Position, local map[string]positions.Position, rep *Report) {
	snap, err := s.ledger.Snapshot(ctx)
	if err != nil {
		rep.Errors = append(rep.Errors, fmt.Errorf("ledger snapshot: %w", err))
		return
	}
	known := map[string]bool{}
	for sym := range local {
		known[sym] = true
	}
	for _, lp := range live {
		if lp.Quantity.IsPositive() {
			known[lp.Symbol] = true
		}
	}
	for _, sym := range snap.Symbols() {
		if known[sym] {
			continue
		}
		e := snap.ActiveTrades[sym]
		s.withLock(ctx, sym, rep, func() (bool, error) {
			got := s.store.Get(ctx, sym)
			if err := got.Err(); err != nil {
				return false, fmt.Errorf("ledger-only %s: %w", sym, err)
			}
			if got.Found() {
				return false, nil
			}
			if _, err := s.ledger.Remove(ctx, sym, e.Risk); err != nil {
				return false, fmt.Errorf("ledger-only %s: %w", sym, err)
			}
			s.log.Risk(ctx, sym, "ledger_only_removed", "trade_id", e.TradeID, "risk", e.Risk)
			return true, nil
		}, &rep.LedgerOnly)
	}
}

func (s *Service) heal(ctx context.Context, rep *Report) {
	snap, err := s.ledger.Snapshot(ctx)
	if err != nil {
		rep.Errors = append(rep.Errors, fmt.Errorf("ledger snapshot: %w", err))
		return
	}
	drift := snap.Drift()
	if math.Abs(drift) <= s.cfg.DriftTolerance {
		return
	}
	rep.DriftFound = drift
	if !s.cfg.HealLedgerDrift {
		s.log.Warn(ctx, "ledger total drifted from active trades", "drift", drift)
		return
	}
	before, after, err := s.ledger.Rebase(ctx)
	if err != nil {
		rep.Errors = append(rep.Errors, fmt.Errorf("rebase ledger: %w", err))
		return
	}
	rep.Rebased = true
	s.log.Warn(ctx, "ledger total rebased", "before", before, "after", after)
}
