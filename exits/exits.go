// Package exits decides, once per cycle, whether an open position should be
// closed and why. Evaluate is pure: it never talks to a broker or a store.
package exits

import (
	"fmt"
	"time"

	"github.com/rustyeddy/riskengine/config"
	"github.com/rustyeddy/riskengine/market"
	"github.com/rustyeddy/riskengine/positions"
)

// State is the lifecycle state of one position instance. Every CLOSED_*
// state is terminal.
type State string

const (
	Open                State = "OPEN"
	ClosedStopLoss      State = "CLOSED_STOP_LOSS"
	ClosedTakeProfit    State = "CLOSED_TAKE_PROFIT"
	ClosedTimeout       State = "CLOSED_TIMEOUT"
	ClosedProfitLock    State = "CLOSED_PROFIT_LOCK"
	ClosedTrendOverride State = "CLOSED_TREND_OVERRIDE"
	ClosedReconciled    State = "CLOSED_RECONCILED"
)

func (s State) Terminal() bool { return s != Open && s != "" }

type Reason string

const (
	MaxHoldTimeout        Reason = "MAX_HOLD_TIMEOUT"
	LeveragedTarget       Reason = "LEVERAGED_TARGET"
	LeveragedMaxLoss      Reason = "LEVERAGED_MAX_LOSS"
	StopLossHit           Reason = "STOP_LOSS_HIT"
	TakeProfitHit         Reason = "TAKE_PROFIT_HIT"
	TrendReversalOverride Reason = "TREND_REVERSAL_OVERRIDE"
	ProfitLock            Reason = "PROFIT_LOCK"
	GhostRemoved          Reason = "GHOST_REMOVED"
)

// Regime is the trend context of a symbol for this cycle. A nil Regime
// disables the trend override.
type Regime struct {
	ADX     float64
	PlusDI  float64
	MinusDI float64
}

// StrongUptrend is ADX above threshold with +DI leading.
func (r *Regime) StrongUptrend(threshold float64) bool {
	return r != nil && threshold > 0 && r.ADX > threshold && r.PlusDI > r.MinusDI
}

// Policy holds exit thresholds as fractions (0.015 == 1.5%). Zero disables
// a rule.
type Policy struct {
	MaxHold                map[market.AssetClass]time.Duration
	LeveragedTakeProfitPct float64
	LeveragedMaxLossPct    float64
	ProfitLockPct          float64
	TrendOverrideADX       float64
}

func PolicyFrom(ec config.ExitConfig) Policy {
	hold := make(map[market.AssetClass]time.Duration, len(ec.MaxHold))
	for class, d := range ec.MaxHold {
		ac, err := market.ParseAssetClass(class)
		if err != nil {
			continue
		}
		hold[ac] = d.Duration
	}
	return Policy{
		MaxHold:                hold,
		LeveragedTakeProfitPct: ec.LeveragedTakeProfitPct,
		LeveragedMaxLossPct:    ec.LeveragedMaxLossPct,
		ProfitLockPct:          ec.ProfitLockPct,
		TrendOverrideADX:       ec.TrendOverrideADX,
	}
}

type Decision struct {
	State           State
	Reason          Reason
	Price           float64
	PnLPct          float64
	LeveragedPnLPct float64
	Age             time.Duration
	Detail          string
}

func (d Decision) Close() bool { return d.State.Terminal() }

// PnLPct is the unleveraged return on price, signed for direction.
func PnLPct(d market.Direction, entry, price float64) float64 {
	if entry <= 0 {
		return 0
	}
	return d.Sign() * (price - entry) / entry
}

// RealizedPnL is the profit of closing qty at exit.
func RealizedPnL(d market.Direction, entry, exit, qty float64) float64 {
	return d.Sign() * (exit - entry) * qty
}

// Evaluate checks the exit rules in priority order; the first match wins:
// hold timeout, leveraged targets, price levels, trend override, profit lock.
func Evaluate(p positions.Position, q market.Quote, regime *Regime, pol Policy) Decision {
	lev := p.Leverage
	if lev < 1 {
		lev = 1
	}
	pnl := PnLPct(p.Direction, p.EntryPrice, q.Price)
	d := Decision{
		State:           Open,
		Price:           q.Price,
		PnLPct:          pnl,
		LeveragedPnLPct: pnl * float64(lev),
	}
	if !q.Time.IsZero() && !p.OpenedAt.IsZero() {
		d.Age = q.Time.Sub(p.OpenedAt)
	}

	closeAs := func(s State, r Reason, format string, args ...any) Decision {
		d.State = s
		d.Reason = r
		d.Detail = fmt.Sprintf(format, args...)
		return d
	}

	if limit := pol.MaxHold[p.AssetClass]; limit > 0 && !q.Time.IsZero() && d.Age >= limit {
		return closeAs(ClosedTimeout, MaxHoldTimeout, "held %s >= %s for %s", d.Age.Round(time.Second), limit, p.AssetClass)
	}

	if pol.LeveragedTakeProfitPct > 0 && d.LeveragedPnLPct >= pol.LeveragedTakeProfitPct {
		return closeAs(ClosedTakeProfit, LeveragedTarget, "leveraged pnl %.2f%% >= %.2f%%",
			d.LeveragedPnLPct*100, pol.LeveragedTakeProfitPct*100)
	}
	if pol.LeveragedMaxLossPct > 0 && d.LeveragedPnLPct <= -pol.LeveragedMaxLossPct {
		return closeAs(ClosedStopLoss, LeveragedMaxLoss, "leveraged pnl %.2f%% <= -%.2f%%",
			d.LeveragedPnLPct*100, pol.LeveragedMaxLossPct*100)
	}

	if StopHit(p.Direction, q.Price, p.StopLoss) {
		return closeAs(ClosedStopLoss, StopLossHit, "price %v crossed stop %v", q.Price, p.StopLoss)
	}
	if TargetHit(p.Direction, q.Price, p.TakeProfit) {
		return closeAs(ClosedTakeProfit, TakeProfitHit, "price %v crossed target %v", q.Price, p.TakeProfit)
	}

	if p.Direction == market.Short && pnl < 0 && regime.StrongUptrend(pol.TrendOverrideADX) {
		return closeAs(ClosedTrendOverride, TrendReversalOverride, "losing short in uptrend: adx %.1f +di %.1f -di %.1f",
			regime.ADX, regime.PlusDI, regime.MinusDI)
	}

	if pol.ProfitLockPct > 0 && pnl >= pol.ProfitLockPct {
		return closeAs(ClosedProfitLock, ProfitLock, "pnl %.2f%% >= lock %.2f%%", pnl*100, pol.ProfitLockPct*100)
	}

	return d
}

// StopHit reports whether price crossed a non-zero stop.
func StopHit(d market.Direction, price, stop float64) bool {
	if stop <= 0 {
		return false
	}
	if d == market.Short {
		return price >= stop
	}
	return price <= stop
}

// TargetHit reports whether price crossed a non-zero target.
func TargetHit(d market.Direction, price, target float64) bool {
	if target <= 0 {
		return false
	}
	if d == market.Short {
		return price <= target
	}
	return price >= target
}
