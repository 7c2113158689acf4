package engine

import (
	"context"
	"sort"
	"time"

	"github.com/rustyeddy/riskengine/positions"
)

const defaultPollInterval = 5 * time.Second

// Monitor polls open positions every poll_interval and runs only the exit
// path. It stops starting closes once less than safety_margin of budget is
// left; a close already under way finishes.
func (o *Orchestrator) Monitor(ctx context.Context, budget time.Duration) (MonitorReport, error) {
	ctx, span := o.Tracer.StartSpan(ctx, "engine.Monitor")
	defer span.End()

	deadline := time.Now().Add(budget)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	margin := o.inv.SafetyMargin.D()
	interval := o.inv.PollInterval.D()
	if interval <= 0 {
		interval = defaultPollInterval
	}
	canClose := func() bool { return time.Until(deadline) >= margin }

	var rep MonitorReport
	for {
		if !canClose() {
			rep.Stopped = ReasonBudgetExhausted
			return rep, nil
		}

		results, err := o.poll(ctx, canClose)
		rep.Polls++
		for _, r := range results {
			switch r.Status {
			case StatusClosed:
				rep.Closed = append(rep.Closed, r)
			case StatusError:
				rep.Errors++
			}
		}
		if err := o.track(ctx, CycleReport{Results: results}, err); err != nil {
			rep.Stopped = "FAILURES"
			return rep, err
		}

		wait := interval
		if left := time.Until(deadline) - margin; left < wait {
			wait = left
		}
		if wait <= 0 {
			continue
		}
		t := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			t.Stop()
			rep.Stopped = "CANCELED"
			return rep, nil
		case <-t.C:
		}
	}
}

func (o *Orchestrator) poll(ctx context.Context, canClose func() bool) ([]Result, error) {
	local, err := o.Store.LoadAllOpen(ctx)
	if err != nil {
		return nil, err
	}
	syms := make([]string, 0, len(local))
	for s := range local {
		syms = append(syms, s)
	}
	sort.Strings(syms)

	pre := o.prefetch(ctx, syms, local)
	results := make([]Result, 0, len(syms))
	for _, sym := range syms {
		res := o.monitorOne(ctx, local[sym], pre[sym], canClose)
		if res.Status != StatusOpen || res.Reason != ReasonHolding {
			o.Log.Decision(ctx, res.Symbol, string(res.Status), res.Reason, "trade_id", res.TradeID, "detail", res.Detail)
		}
		results = append(results, res)
	}
	return results, nil
}

func (o *Orchestrator) monitorOne(ctx context.Context, p positions.Position, pre *prefetched, canClose func() bool) (res Result) {
	defer func() {
		if r := recover(); r != nil {
			res = o.panicked(ctx, p.Symbol, r)
		}
	}()
	if pre == nil {
		pre = &prefetched{}
	}
	return o.manage(ctx, p, pre, canClose)
}

// Invocation is everything one scheduled run did.
type Invocation struct {
	Cycles  []CycleReport
	Monitor *MonitorReport
}

// Invoke is one scheduled run: the configured cycles, then exit monitoring
// for monitor_window or whatever is left of the budget, whichever is less.
func (o *Orchestrator) Invoke(ctx context.Context, symbols []string) (Invocation, error) {
	start := time.Now()
	var inv Invocation

	cycles, err := o.Run(ctx, symbols, o.inv.Cycles)
	inv.Cycles = cycles
	if err != nil {
		return inv, err
	}

	window := o.inv.MonitorWindow.D()
	if window <= 0 {
		return inv, nil
	}
	if budget := o.inv.Budget.D(); budget > 0 {
		if left := budget - time.Since(start); left < window {
			window = left
		}
	}
	mrep, err := o.Monitor(ctx, window)
	inv.Monitor = &mrep
	return inv, err
}
