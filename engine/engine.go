// Package engine runs the trade lifecycle: each cycle reconciles local state
// with the broker, then manages every symbol in isolation, closing positions
// whose exit rules fire and opening new ones the signal, advisor, sizer and
// ledger all agree on.
package engine

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/rustyeddy/riskengine/advisor"
	"github.com/rustyeddy/riskengine/broker"
	"github.com/rustyeddy/riskengine/config"
	"github.com/rustyeddy/riskengine/exits"
	"github.com/rustyeddy/riskengine/internal/logger"
	"github.com/rustyeddy/riskengine/internal/trace"
	"github.com/rustyeddy/riskengine/journal"
	"github.com/rustyeddy/riskengine/ledger"
	"github.com/rustyeddy/riskengine/market"
	"github.com/rustyeddy/riskengine/metrics"
	"github.com/rustyeddy/riskengine/pkg/id"
	"github.com/rustyeddy/riskengine/positions"
	"github.com/rustyeddy/riskengine/reconcile"
	"github.com/rustyeddy/riskengine/risk"
	"github.com/rustyeddy/riskengine/signals"
	"github.com/rustyeddy/riskengine/store"
)

// ErrTooManyFailures aborts a run after the configured number of
// consecutive failed cycles.
var ErrTooManyFailures = errors.New("too many consecutive failed cycles")

// Deps are the collaborators of one invocation. Signals, Regimes, Advisor,
// Metrics, Log and Tracer are optional.
type Deps struct {
	Broker     broker.Broker
	Store      *positions.Store
	Ledger     *ledger.Ledger
	Locker     *store.Locker
	Journal    journal.Journal
	Reconciler *reconcile.Service
	Signals    signals.Source
	Regimes    signals.RegimeSource
	Advisor    advisor.Oracle
	Registry   *market.Registry
	Metrics    *metrics.Metrics
	Log        *logger.Logger
	Tracer     *trace.Provider
}

type Orchestrator struct {
	Deps

	sizer        *risk.Sizer
	exitPolicy   exits.Policy
	trail        exits.TrailPolicy
	capital      float64
	maxPortfolio float64
	skipTTL      time.Duration
	inv          config.InvocationConfig
	loc          *time.Location

	now      func() time.Time
	newID    func() string
	failures int
}

func New(cfg *config.Config, d Deps) (*Orchestrator, error) {
	switch {
	case d.Broker == nil:
		return nil, errors.New("engine: broker is required")
	case d.Store == nil || d.Ledger == nil || d.Locker == nil:
		return nil, errors.New("engine: store, ledger and locker are required")
	case d.Journal == nil:
		return nil, errors.New("engine: journal is required")
	}
	if d.Signals == nil {
		d.Signals = signals.None{}
	}
	if d.Advisor == nil {
		d.Advisor = advisor.Noop{}
	}
	if d.Registry == nil {
		d.Registry = cfg.Registry()
	}
	if d.Log == nil {
		d.Log = logger.Nop()
	}
	if d.Tracer == nil {
		d.Tracer = trace.Disabled()
	}
	if d.Metrics == nil {
		d.Metrics = metrics.New()
	}
	if d.Reconciler == nil {
		d.Reconciler = reconcile.NewService(d.Store, d.Ledger, d.Journal, d.Registry, cfg.Reconcile, d.Log).
			WithMetrics(d.Metrics).
			WithLocker(d.Locker).
			WithQuoter(d.Broker)
	}

	return &Orchestrator{
		Deps:         d,
		sizer:        risk.NewSizer(risk.PolicyFrom(cfg.Sizing, cfg.Account.MaxPortfolioRiskFraction)),
		exitPolicy:   exits.PolicyFrom(cfg.Exits),
		trail:        exits.TrailPolicyFrom(cfg.Trailing),
		capital:      cfg.Account.Capital,
		maxPortfolio: cfg.Account.MaxPortfolioRiskFraction,
		skipTTL:      cfg.Journal.SkipTTL.D(),
		inv:          cfg.Invocation,
		loc:          time.UTC,
		now:          time.Now,
		newID:        id.New,
	}, nil
}

func (o *Orchestrator) WithClock(now func() time.Time) *Orchestrator {
	o.now = now
	return o
}

func (o *Orchestrator) WithIDs(next func() string) *Orchestrator {
	o.newID = next
	return o
}

// cycleState is what every symbol in a cycle shares.
type cycleState struct {
	capital  float64
	capErr   error
	live     map[string]broker.Position
	liveErr  error
	prefetch map[string]*prefetched
}

func (cs *cycleState) entryBlock() (string, error) {
	switch {
	case cs.liveErr != nil:
		return ReasonBrokerUnknown, cs.liveErr
	case cs.capErr != nil:
		return ReasonNoCapital, cs.capErr
	}
	return "", nil
}

// RunCycle is one pass over symbols plus every symbol with an open position.
// The returned error means the cycle could not run at all.
func (o *Orchestrator) RunCycle(ctx context.Context, symbols []string) (CycleReport, error) {
	ctx, span := o.Tracer.StartSpan(ctx, "engine.RunCycle")
	defer span.End()

	rep := CycleReport{Started: o.now()}
	wallStart := time.Now()
	defer func() {
		rep.Duration = time.Since(wallStart)
		o.Metrics.CycleDuration.Observe(rep.Duration.Seconds())
	}()

	if n, err := o.Journal.PurgeExpiredSkips(ctx, o.now()); err != nil {
		o.Log.ErrorWithErr(ctx, "purge expired skips", err)
	} else if n > 0 {
		o.Log.Debug(ctx, "purged expired skips", "count", n)
	}

	local, err := o.Store.LoadAllOpen(ctx)
	if err != nil {
		return rep, fmt.Errorf("load open positions: %w", err)
	}

	cs := &cycleState{}
	cs.capital, cs.capErr = o.resolveCapital(ctx)
	rep.Capital = cs.capital

	watch := watchList(symbols, local)
	live, err := o.Broker.FetchPositions(ctx, watch)
	if err != nil {
		cs.liveErr = err
		o.Log.ErrorWithErr(ctx, "broker positions unavailable, reconciliation skipped and entries blocked", err)
	} else {
		cs.live = make(map[string]broker.Position, len(live))
		for _, lp := range live {
			if lp.Quantity.IsPositive() {
				cs.live[lp.Symbol] = lp
			}
		}
		rrep, err := o.Reconciler.Run(ctx, live, local, cs.capital)
		rep.Reconcile = rrep
		if err != nil {
			cs.liveErr = err
			o.Log.ErrorWithErr(ctx, "reconciliation failed, entries blocked", err)
		} else {
			rep.Reconciled = true
			if rerr := rrep.Err(); rerr != nil {
				o.Log.ErrorWithErr(ctx, "reconciliation finished with errors", rerr)
			}
		}
		if local, err = o.Store.LoadAllOpen(ctx); err != nil {
			return rep, fmt.Errorf("reload open positions: %w", err)
		}
		watch = watchList(symbols, local)
	}

	cs.prefetch = o.prefetch(ctx, watch, local)

	for _, sym := range watch {
		res := o.processSymbol(ctx, sym, local, cs)
		o.Log.Decision(ctx, res.Symbol, string(res.Status), res.Reason, "trade_id", res.TradeID, "detail", res.Detail)
		rep.Results = append(rep.Results, res)
	}

	if snap, err := o.Ledger.Snapshot(ctx); err == nil {
		rep.RiskInUse = snap.TotalRiskInUse
		o.Metrics.RiskInUse.Set(snap.TotalRiskInUse)
	}
	return rep, nil
}

// Run executes cycles back to back and escalates after
// max_consecutive_failures failed cycles in a row.
func (o *Orchestrator) Run(ctx context.Context, symbols []string, cycles int) ([]CycleReport, error) {
	if cycles < 1 {
		cycles = 1
	}
	var reports []CycleReport
	for i := 0; i < cycles; i++ {
		if err := ctx.Err(); err != nil {
			return reports, err
		}
		rep, err := o.RunCycle(ctx, symbols)
		reports = append(reports, rep)
		if err := o.track(ctx, rep, err); err != nil {
			return reports, err
		}
	}
	return reports, nil
}

// track counts consecutive failures. A cycle error or an all-error cycle
// is a failure; anything else resets the count.
func (o *Orchestrator) track(ctx context.Context, rep CycleReport, err error) error {
	if err == nil && !rep.Failed() {
		o.failures = 0
		return nil
	}
	o.failures++
	if err == nil {
		err = errors.New("every symbol errored")
	}
	o.Log.ErrorWithErr(ctx, "cycle failed", err, "consecutive", o.failures)
	if limit := o.inv.MaxConsecutiveFailures; limit > 0 && o.failures >= limit {
		return fmt.Errorf("%w: %d in a row, last: %w", ErrTooManyFailures, o.failures, err)
	}
	return nil
}

func (o *Orchestrator) resolveCapital(ctx context.Context) (float64, error) {
	if o.capital > 0 {
		return o.capital, nil
	}
	bal, err := o.Broker.FetchBalance(ctx)
	if err != nil {
		return 0, fmt.Errorf("fetch balance: %w", err)
	}
	c := bal.Total.InexactFloat64()
	if c <= 0 {
		return 0, fmt.Errorf("account balance %v", c)
	}
	return c, nil
}

// processSymbol isolates one symbol: errors and panics become results.
func (o *Orchestrator) processSymbol(ctx context.Context, sym string, local map[string]positions.Position, cs *cycleState) (res Result) {
	ctx, span := o.Tracer.StartSpan(ctx, "engine.symbol")
	defer span.End()

	defer func() {
		if r := recover(); r != nil {
			res = o.panicked(ctx, sym, r)
		}
	}()

	pre := cs.prefetch[sym]
	if pre == nil {
		pre = &prefetched{}
	}
	if p, ok := local[sym]; ok {
		return o.manage(ctx, p, pre, nil)
	}
	return o.enter(ctx, sym, pre, cs)
}

func (o *Orchestrator) panicked(ctx context.Context, sym string, r any) Result {
	o.Log.Critical(ctx, "panic", "symbol processing panicked", fmt.Errorf("%v", r), "symbol", sym)
	o.Metrics.Critical.WithLabelValues("panic").Inc()
	return Result{Symbol: sym, Status: StatusError, Reason: ReasonPanic, Detail: fmt.Sprint(r)}
}

func (o *Orchestrator) skip(ctx context.Context, sym, reason, detail string) {
	o.Metrics.Skipped.WithLabelValues(reason).Inc()
	now := o.now()
	rec := journal.SkipRecord{Symbol: sym, Reason: reason, Detail: detail, Timestamp: now}
	if o.skipTTL > 0 {
		rec.ExpiresAt = now.Add(o.skipTTL)
	}
	if err := o.Journal.RecordSkip(ctx, rec); err != nil {
		o.Log.ErrorWithErr(ctx, "record skip", err, "symbol", sym)
	}
}

func failed(sym, reason string, err error) Result {
	r := Result{Symbol: sym, Status: StatusError, Reason: reason}
	if err != nil {
		r.Detail = err.Error()
	}
	return r
}

// watchList is the configured symbols plus any symbol with an open position,
// sorted so cycles are deterministic.
func watchList(symbols []string, local map[string]positions.Position) []string {
	seen := map[string]bool{}
	out := make([]string, 0, len(symbols)+len(local))
	for _, s := range symbols {
		if !seen[s] {
			seen[s] = true
			out = append(out, s)
		}
	}
	for s := range local {
		if !seen[s] {
			seen[s] = true
			out = append(out, s)
		}
	}
	sort.Strings(out)
	return out
}
