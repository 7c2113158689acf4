package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rustyeddy/riskengine/broker"
	"github.com/rustyeddy/riskengine/exits"
	"github.com/rustyeddy/riskengine/journal"
	"github.com/rustyeddy/riskengine/market"
	"github.com/rustyeddy/riskengine/pkg/result"
	"github.com/rustyeddy/riskengine/positions"
	"github.com/rustyeddy/riskengine/store"
)

// manage runs the exit rules for an open position and either closes it or
// tightens its stop. A nil canClose always allows the close. p is the
// cycle's snapshot; any action is taken on the record re-read under the
// symbol lock.
func (o *Orchestrator) manage(ctx context.Context, p positions.Position, pre *prefetched, canClose func() bool) Result {
	if pre.tickerErr != nil {
		return failed(p.Symbol, ReasonPriceUnavailable, pre.tickerErr)
	}
	price := pre.ticker.Price()
	quote := market.Quote{Symbol: p.Symbol, Price: price, Time: o.now()}
	d := exits.Evaluate(p, quote, pre.regime, o.exitPolicy)
	_, trail := exits.Trail(p, price, o.trail)
	if !d.Close() && !trail {
		return holding(p, d)
	}

	cur, release, res := o.claim(ctx, p)
	if release == nil {
		return res
	}
	defer release()

	// Another invocation may have trailed the stop since the snapshot.
	d = exits.Evaluate(cur, quote, pre.regime, o.exitPolicy)
	if d.Close() {
		if canClose != nil && !canClose() {
			return Result{Symbol: cur.Symbol, Status: StatusOpen, Reason: ReasonBudgetExhausted, TradeID: cur.TradeID,
				Detail: "close deferred: " + string(d.Reason)}
		}
		return o.closePosition(ctx, cur, d)
	}

	stop, changed := exits.Trail(cur, price, o.trail)
	if !changed {
		return holding(cur, d)
	}

	prev := cur.StopLoss
	cur.StopLoss = stop
	delete(cur.Estimated, positions.FieldStopLoss)
	if err := o.Store.Save(ctx, cur); err != nil {
		return failed(cur.Symbol, ReasonStoreFailed, err)
	}
	o.protect(ctx, cur, true)
	o.Log.Risk(ctx, cur.Symbol, "stop_trailed", "trade_id", cur.TradeID, "from", prev, "to", stop, "price", price)
	return Result{Symbol: cur.Symbol, Status: StatusOpen, Reason: ReasonStopTrailed, TradeID: cur.TradeID,
		Detail: fmt.Sprintf("stop %v -> %v", prev, stop)}
}

func holding(p positions.Position, d exits.Decision) Result {
	return Result{Symbol: p.Symbol, Status: StatusOpen, Reason: ReasonHolding, TradeID: p.TradeID,
		Detail: fmt.Sprintf("pnl %.2f%% age %s", d.PnLPct*100, d.Age.Round(time.Second))}
}

// claim takes the symbol lock and re-reads the stored position. When the
// lock is held elsewhere, or the record no longer is the snapshot's trade,
// release is nil and the result says why.
func (o *Orchestrator) claim(ctx context.Context, p positions.Position) (positions.Position, func(), Result) {
	unlock, err := o.Locker.TryLock(ctx, p.Symbol)
	if errors.Is(err, store.ErrLockHeld) {
		return p, nil, Result{Symbol: p.Symbol, Status: StatusSkipped, Reason: ReasonLocked, TradeID: p.TradeID,
			Detail: "another invocation holds the symbol lock"}
	}
	if err != nil {
		return p, nil, failed(p.Symbol, ReasonLockFailed, err)
	}
	release := func() {
		if err := unlock(context.WithoutCancel(ctx)); err != nil {
			o.Log.ErrorWithErr(ctx, "release exit lock", err, "symbol", p.Symbol)
		}
	}

	cur, err := o.Store.Get(ctx, p.Symbol).Unwrap()
	switch {
	case errors.Is(err, result.ErrNotFound):
		release()
		return p, nil, Result{Symbol: p.Symbol, Status: StatusSkipped, Reason: ReasonStale, TradeID: p.TradeID,
			Detail: "closed by another invocation"}
	case err != nil:
		release()
		return p, nil, failed(p.Symbol, ReasonStoreFailed, err)
	case cur.TradeID != p.TradeID:
		release()
		return p, nil, Result{Symbol: p.Symbol, Status: StatusSkipped, Reason: ReasonStale, TradeID: p.TradeID,
			Detail: "re-entered as " + cur.TradeID}
	}
	return cur, release, Result{}
}

// closePosition cancels resting orders, closes the stored quantity at
// market and settles the store, ledger and journal from the fill.
func (o *Orchestrator) closePosition(ctx context.Context, p positions.Position, d exits.Decision) Result {
	ctx, span := o.Tracer.StartSpan(ctx, "engine.close")
	defer span.End()

	// Resting stop or target orders would fire against an already flat book.
	if err := o.Broker.CancelAllOrders(ctx, p.Symbol); err != nil {
		return failed(p.Symbol, ReasonCancelFailed, err)
	}

	fill, err := o.Broker.CreateMarketOrder(ctx, broker.MarketOrder{
		Symbol:     p.Symbol,
		Side:       p.Direction.CloseSide(),
		Quantity:   broker.Dec(p.Quantity),
		Leverage:   p.Leverage,
		ReduceOnly: true,
		ClientID:   p.TradeID + "-close",
	})
	if err == nil && !fill.Filled() {
		err = fmt.Errorf("close order %s: %s", fill.OrderID, fill.Status)
	}
	if err != nil {
		o.protect(ctx, p, false)
		return failed(p.Symbol, ReasonCloseFailed, err)
	}

	exit, qty := fill.Price(), fill.Qty()
	pnl := exits.RealizedPnL(p.Direction, p.EntryPrice, exit, qty)

	if remaining := p.Quantity - qty; remaining > p.Quantity*1e-9 {
		// The rest is closed next cycle; keep the record for it.
		p.Quantity = remaining
		if err := o.Store.Save(ctx, p); err != nil {
			o.Log.ErrorWithErr(ctx, "save partially closed position", err, "symbol", p.Symbol)
		}
		o.protect(ctx, p, false)
		o.Log.Trade(ctx, p.Symbol, string(p.Direction.CloseSide()), qty, exit, p.TradeID, "partial", true, "pnl", pnl)
		return Result{Symbol: p.Symbol, Status: StatusError, Reason: ReasonPartialClose, TradeID: p.TradeID,
			Detail: fmt.Sprintf("closed %v of %v", qty, p.Quantity+qty)}
	}

	if _, err := o.Store.Delete(ctx, p.Symbol); err != nil {
		// Reconciliation removes the ghost next cycle.
		o.Log.ErrorWithErr(ctx, "delete closed position", err, "symbol", p.Symbol)
	}
	if _, err := o.Ledger.Remove(ctx, p.Symbol, p.RiskDollars); err != nil {
		o.Log.Critical(ctx, "ledger_release", "position closed but its risk is still booked", err,
			"symbol", p.Symbol, "trade_id", p.TradeID, "risk", p.RiskDollars)
		o.Metrics.Critical.WithLabelValues("ledger_release").Inc()
	}
	if err := o.Journal.RecordClose(ctx, journal.CloseRecord{
		TradeID:    p.TradeID,
		Symbol:     p.Symbol,
		Direction:  p.Direction,
		EntryPrice: p.EntryPrice,
		Size:       qty,
		ExitPrice:  exit,
		PnL:        pnl,
		Reason:     string(d.State),
		ClosedAt:   o.now(),
	}); err != nil {
		o.Log.ErrorWithErr(ctx, "journal close", err, "symbol", p.Symbol)
	}

	o.Metrics.Exits.WithLabelValues(string(d.State), string(d.Reason)).Inc()
	o.Log.Trade(ctx, p.Symbol, string(p.Direction.CloseSide()), qty, exit, p.TradeID,
		"state", string(d.State), "reason", string(d.Reason), "pnl", pnl)
	return Result{Symbol: p.Symbol, Status: StatusClosed, Reason: string(d.Reason), TradeID: p.TradeID, Detail: d.Detail}
}

// protect (re)places broker-side stop and target orders when the broker
// holds them. replace cancels the old ones first.
func (o *Orchestrator) protect(ctx context.Context, p positions.Position, replace bool) {
	po, ok := o.Broker.(broker.ProtectiveOrders)
	if !ok {
		return
	}
	if replace {
		if err := o.Broker.CancelAllOrders(ctx, p.Symbol); err != nil {
			o.Log.ErrorWithErr(ctx, "cancel protective orders", err, "symbol", p.Symbol)
			return
		}
	}
	if err := po.PlaceProtectiveOrders(ctx, broker.Protective{
		Symbol:     p.Symbol,
		Direction:  p.Direction,
		Quantity:   broker.Dec(p.Quantity),
		StopLoss:   broker.Dec(p.StopLoss),
		TakeProfit: broker.Dec(p.TakeProfit),
	}); err != nil {
		o.Log.ErrorWithErr(ctx, "place protective orders", err, "symbol", p.Symbol)
	}
}
