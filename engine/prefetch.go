package engine

import (
	"context"
	"fmt"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/rustyeddy/riskengine/broker"
	"github.com/rustyeddy/riskengine/exits"
	"github.com/rustyeddy/riskengine/positions"
	"github.com/rustyeddy/riskengine/signals"
)

// prefetched is the read-only market data for one symbol. Errors are kept
// per field; a failed fetch only affects the decision that needs it.
type prefetched struct {
	ticker    broker.Ticker
	tickerErr error
	signal    *signals.Signal
	signalErr error
	regime    *exits.Regime
}

// prefetch reads tickers for every symbol, signals for flat symbols and
// regimes for open ones, at most max_parallel_fetch at a time. Decisions
// stay sequential; only the reads overlap.
func (o *Orchestrator) prefetch(ctx context.Context, syms []string, local map[string]positions.Position) map[string]*prefetched {
	ctx, span := o.Tracer.StartSpan(ctx, "engine.prefetch")
	defer span.End()

	out := make(map[string]*prefetched, len(syms))
	var mu sync.Mutex

	var g errgroup.Group
	if n := o.inv.MaxParallelFetch; n > 0 {
		g.SetLimit(n)
	}
	for _, sym := range syms {
		_, open := local[sym]
		g.Go(func() error {
			pre := o.fetchOne(ctx, sym, open)
			mu.Lock()
			out[sym] = pre
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()
	return out
}

func (o *Orchestrator) fetchOne(ctx context.Context, sym string, open bool) (pre *prefetched) {
	pre = &prefetched{}
	defer func() {
		// A panicking source must not take the other goroutines down.
		if r := recover(); r != nil {
			o.Log.Error(ctx, "prefetch panicked", "symbol", sym, "panic", fmt.Sprint(r))
			pre.signal, pre.regime = nil, nil
			pre.signalErr = fmt.Errorf("prefetch panic: %v", r)
		}
	}()
	pre.ticker, pre.tickerErr = o.Broker.FetchTicker(ctx, sym)

	if open {
		if o.Regimes != nil {
			r, err := o.Regimes.Regime(ctx, sym)
			if err != nil {
				// No regime only disables the trend override.
				o.Log.Warn(ctx, "regime unavailable", "symbol", sym, "error", err)
			}
			pre.regime = r
		}
		return pre
	}

	pre.signal, pre.signalErr = o.Signals.Signal(ctx, sym)
	return pre
}
