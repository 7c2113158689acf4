package engine

import (
	"context"
	"errors"
	"fmt"
	"math"

	"github.com/rustyeddy/riskengine/advisor"
	"github.com/rustyeddy/riskengine/broker"
	"github.com/rustyeddy/riskengine/journal"
	"github.com/rustyeddy/riskengine/ledger"
	"github.com/rustyeddy/riskengine/positions"
	"github.com/rustyeddy/riskengine/risk"
	"github.com/rustyeddy/riskengine/signals"
	"github.com/rustyeddy/riskengine/store"
)

// enter opens a position for a flat symbol when its signal survives the
// lock, the rechecks, the advisor, the sizer and the ledger.
func (o *Orchestrator) enter(ctx context.Context, sym string, pre *prefetched, cs *cycleState) Result {
	if pre.signalErr != nil {
		return failed(sym, ReasonSignalFailed, pre.signalErr)
	}
	sig := pre.signal
	if sig == nil {
		return Result{Symbol: sym, Status: StatusSkipped, Reason: ReasonNoSignal}
	}
	if reason, err := cs.entryBlock(); err != nil {
		return failed(sym, reason, err)
	}
	if pre.tickerErr != nil {
		return failed(sym, ReasonPriceUnavailable, pre.tickerErr)
	}

	ctx, span := o.Tracer.StartSpan(ctx, "engine.enter")
	defer span.End()

	release, err := o.Locker.TryLock(ctx, sym)
	if errors.Is(err, store.ErrLockHeld) {
		o.skip(ctx, sym, ReasonLocked, "another invocation holds the entry lock")
		return Result{Symbol: sym, Status: StatusSkipped, Reason: ReasonLocked}
	}
	if err != nil {
		return failed(sym, ReasonLockFailed, err)
	}
	defer func() {
		if err := release(context.WithoutCancel(ctx)); err != nil {
			o.Log.ErrorWithErr(ctx, "release entry lock", err, "symbol", sym)
		}
	}()

	// Recheck under the lock: another invocation may have entered since
	// this cycle loaded its state.
	switch got := o.Store.Get(ctx, sym); {
	case got.Err() != nil:
		return failed(sym, ReasonStoreFailed, got.Err())
	case got.Found():
		o.skip(ctx, sym, ReasonAlreadyOpen, "position store")
		return Result{Symbol: sym, Status: StatusSkipped, Reason: ReasonAlreadyOpen, Detail: "position store"}
	}
	live, err := o.Broker.FetchPositions(ctx, []string{sym})
	if err != nil {
		return failed(sym, ReasonBrokerUnknown, err)
	}
	for _, lp := range live {
		if lp.Symbol == sym && lp.Quantity.IsPositive() {
			o.skip(ctx, sym, ReasonAlreadyOpen, "broker")
			return Result{Symbol: sym, Status: StatusSkipped, Reason: ReasonAlreadyOpen, Detail: "broker"}
		}
	}

	price := pre.ticker.Price()
	target := sig.SuggestedTarget
	planned := positions.Position{
		Symbol: sym, Direction: sig.Direction, EntryPrice: price,
		StopLoss: sig.SuggestedStop, TakeProfit: target,
	}
	if err := planned.ValidateLevels(); err != nil {
		o.skip(ctx, sym, ReasonInvalidLevels, err.Error())
		return Result{Symbol: sym, Status: StatusBlocked, Reason: ReasonInvalidLevels, Detail: err.Error()}
	}

	snap, err := o.Ledger.Snapshot(ctx)
	if err != nil {
		return failed(sym, ReasonLedgerFailed, err)
	}
	adv, err := o.Advisor.Evaluate(ctx, sym, advisorContext(sig, price, snap, cs.capital))
	if err != nil {
		// The advisor can only veto or boost; without it the entry stands.
		o.Log.Warn(ctx, "advisor unavailable, entry proceeds unadvised", "symbol", sym, "error", err)
		adv = advisor.Advice{Decision: advisor.Confirm, Reason: "advisor unavailable"}
	}
	if adv.Decision == advisor.Cancel {
		o.skip(ctx, sym, ReasonAdvisorCancel, adv.Reason)
		return Result{Symbol: sym, Status: StatusSkipped, Reason: ReasonAdvisorCancel, Detail: adv.Reason}
	}

	dayPnL, err := o.Journal.RealizedPnLSince(ctx, journal.StartOfDay(o.now(), o.loc))
	if err != nil {
		return failed(sym, ReasonJournalFailed, err)
	}

	volume := pre.ticker.Volume24h.InexactFloat64()
	if volume <= 0 {
		volume = sig.Volume24h
	}
	sz := o.sizer.Size(risk.Request{
		Symbol:           sym,
		Capital:          cs.capital,
		EntryPrice:       price,
		StopPrice:        sig.SuggestedStop,
		Direction:        sig.Direction,
		Confidence:       sig.Confidence,
		Score:            int(math.Round(sig.Score)),
		ATR:              sig.ATR,
		Volume24h:        volume,
		DailyRealizedPnL: dayPnL,
		RiskInUse:        snap.TotalRiskInUse,
		Boost:            adv.Decision == advisor.Boost,
		Instrument:       o.Registry.Lookup(sym),
	})
	if !sz.Allowed() {
		o.Metrics.Blocked.WithLabelValues(string(sz.Blocked)).Inc()
		o.Log.Risk(ctx, sym, "sizing_blocked", "reason", string(sz.Blocked), "detail", sz.Detail)
		o.skip(ctx, sym, string(sz.Blocked), sz.Detail)
		return Result{Symbol: sym, Status: StatusBlocked, Reason: string(sz.Blocked), Detail: sz.Detail}
	}

	if err := o.Broker.SetLeverage(ctx, sym, sz.Leverage); err != nil {
		return failed(sym, ReasonLeverageFailed, err)
	}

	tradeID := o.newID()
	fill, err := o.Broker.CreateMarketOrder(ctx, broker.MarketOrder{
		Symbol:   sym,
		Side:     sig.Direction.OpenSide(),
		Quantity: broker.Dec(sz.Quantity),
		Leverage: sz.Leverage,
		ClientID: tradeID,
	})
	if err != nil {
		return failed(sym, ReasonOrderFailed, err)
	}
	if !fill.Filled() {
		return Result{Symbol: sym, Status: StatusError, Reason: ReasonNotFilled, TradeID: tradeID,
			Detail: fmt.Sprintf("order %s %s", fill.OrderID, fill.Status)}
	}

	// From here on money is at risk: everything downstream uses the fill.
	fillPrice, fillQty := fill.Price(), fill.Qty()
	p := positions.Position{
		Symbol:      sym,
		TradeID:     tradeID,
		Direction:   sig.Direction,
		AssetClass:  o.Registry.Lookup(sym).AssetClass,
		EntryPrice:  fillPrice,
		Quantity:    fillQty,
		Leverage:    sz.Leverage,
		StopLoss:    sig.SuggestedStop,
		TakeProfit:  target,
		RiskDollars: risk.RiskFromFill(fillQty, fillPrice, sig.SuggestedStop),
		OpenedAt:    fill.Time,
	}
	if p.OpenedAt.IsZero() {
		p.OpenedAt = o.now()
	}

	if err := p.ValidateLevels(); err != nil {
		return o.compensate(ctx, p, "fill crossed the planned levels", err)
	}
	ok, reason, err := o.Ledger.CheckAndAdd(ctx, ledger.Entry{
		Symbol:     sym,
		TradeID:    tradeID,
		Risk:       p.RiskDollars,
		EntryPrice: fillPrice,
		Quantity:   fillQty,
		Direction:  p.Direction,
		Timestamp:  p.OpenedAt,
	}, cs.capital, o.maxPortfolio)
	if err != nil {
		return o.compensate(ctx, p, "ledger write failed after fill", err)
	}
	if !ok {
		return o.compensate(ctx, p, "ledger rejected the filled risk", errors.New(reason))
	}

	if err := o.Store.Insert(ctx, p); err != nil {
		o.storeAfterEntry(ctx, p, err)
	}
	o.protect(ctx, p, false)

	if err := o.Journal.RecordOpen(ctx, journal.TradeRecord{
		TradeID:    tradeID,
		Symbol:     sym,
		Direction:  p.Direction,
		Origin:     journal.OriginEntry,
		EntryPrice: fillPrice,
		Size:       fillQty,
		Cost:       p.Notional(),
		TakeProfit: p.TakeProfit,
		StopLoss:   p.StopLoss,
		Leverage:   p.Leverage,
		OpenedAt:   p.OpenedAt,
		Status:     journal.StatusOpen,
	}); err != nil {
		o.Log.ErrorWithErr(ctx, "journal open", err, "symbol", sym)
	}

	o.Metrics.Entries.WithLabelValues(sym).Inc()
	o.Log.Trade(ctx, sym, string(sig.Direction.OpenSide()), fillQty, fillPrice, tradeID,
		"leverage", p.Leverage, "stop", p.StopLoss, "target", p.TakeProfit, "risk", p.RiskDollars,
		"advice", string(adv.Decision), "clamps", sz.Clamps)
	return Result{Symbol: sym, Status: StatusOpen, Reason: ReasonEntered, TradeID: tradeID, Detail: sz.String()}
}

// storeAfterEntry handles an Insert failure after the ledger accepted the
// trade. The position is live and budgeted, so it is never unwound here.
func (o *Orchestrator) storeAfterEntry(ctx context.Context, p positions.Position, err error) {
	if errors.Is(err, positions.ErrAlreadyOpen) {
		// Reconciliation can adopt our own fill between the order and here;
		// the entry's record is authoritative for the same trade.
		if cur, ok := o.Store.Get(ctx, p.Symbol).Get(); ok && cur.TradeID == p.TradeID {
			if err := o.Store.Save(ctx, p); err == nil {
				return
			}
		}
	}
	o.Log.ErrorWithErr(ctx, "position store write failed after entry, reconciliation will adopt it", err,
		"symbol", p.Symbol, "trade_id", p.TradeID)
}

// compensate unwinds a fill the ledger could not account for. It is the
// only place an entry is closed without an exit rule.
func (o *Orchestrator) compensate(ctx context.Context, p positions.Position, why string, cause error) Result {
	o.Metrics.Critical.WithLabelValues("post_fill_accounting").Inc()
	o.Log.Critical(ctx, "post_fill_accounting", why, cause,
		"symbol", p.Symbol, "trade_id", p.TradeID, "quantity", p.Quantity, "fill_price", p.EntryPrice, "risk", p.RiskDollars)

	fill, err := o.Broker.CreateMarketOrder(ctx, broker.MarketOrder{
		Symbol:     p.Symbol,
		Side:       p.Direction.CloseSide(),
		Quantity:   broker.Dec(p.Quantity),
		Leverage:   p.Leverage,
		ReduceOnly: true,
		ClientID:   p.TradeID + "-undo",
	})
	if err == nil && !fill.Filled() {
		err = fmt.Errorf("compensating order %s: %s", fill.OrderID, fill.Status)
	}
	detail := fmt.Sprintf("%s: %v; compensating close done", why, cause)
	if err != nil {
		o.Metrics.Critical.WithLabelValues("compensation_failed").Inc()
		o.Log.Critical(ctx, "compensation_failed", "compensating close failed, position is live and unbudgeted", err,
			"symbol", p.Symbol, "trade_id", p.TradeID)
		detail = fmt.Sprintf("%s: %v; compensating close failed: %v", why, cause, err)
	} else {
		o.Log.Trade(ctx, p.Symbol, string(p.Direction.CloseSide()), fill.Qty(), fill.Price(), p.TradeID, "compensating", true)
	}
	return Result{Symbol: p.Symbol, Status: StatusError, Reason: ReasonPostFillFailure, TradeID: p.TradeID, Detail: detail}
}

func advisorContext(sig *signals.Signal, price float64, snap ledger.Snapshot, capital float64) advisor.Context {
	c := advisor.Context{
		Direction:   sig.Direction,
		Entry:       price,
		Stop:        sig.SuggestedStop,
		Target:      sig.SuggestedTarget,
		Score:       sig.Score,
		ATR:         sig.ATR,
		Volume24h:   sig.Volume24h,
		OpenSymbols: snap.Symbols(),
		RewardRisk:  risk.RR(price, sig.SuggestedStop, sig.SuggestedTarget),
		RiskInUse:   snap.TotalRiskInUse,
		Capital:     capital,
	}
	if capital > 0 {
		c.PortfolioRisk = risk.RiskPct(snap.TotalRiskInUse, capital)
	}
	if sig.Regime != nil {
		c.ADX = sig.Regime.ADX
	}
	return c
}
