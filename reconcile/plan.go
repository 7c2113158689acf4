// Package reconcile heals drift between the local position store, the risk
// ledger and the broker's live book. The broker is the source of truth for
// what is open and how big it is; the local store is the source of truth for
// the stop, target and timestamps it authored.
package reconcile

import (
	"math"
	"sort"
	"time"

	"github.com/rustyeddy/riskengine/broker"
	"github.com/rustyeddy/riskengine/config"
	"github.com/rustyeddy/riskengine/market"
	"github.com/rustyeddy/riskengine/positions"
)

type Match struct {
	Local positions.Position
	Live  broker.Position
}

// Plan is the three-way split of a broker snapshot against local records.
type Plan struct {
	Orphans []broker.Position
	Ghosts  []positions.Position
	Matched []Match
}

func (p Plan) Empty() bool {
	return len(p.Orphans) == 0 && len(p.Ghosts) == 0 && len(p.Matched) == 0
}

// Diff splits live and local. A symbol held on opposite sides counts as a
// ghost (the local record) plus an orphan (the live position). Live entries
// with zero quantity are treated as absent.
func Diff(live []broker.Position, local map[string]positions.Position) Plan {
	var plan Plan
	seen := map[string]bool{}

	for _, lp := range live {
		if !lp.Quantity.IsPositive() {
			continue
		}
		seen[lp.Symbol] = true
		rec, ok := local[lp.Symbol]
		switch {
		case !ok:
			plan.Orphans = append(plan.Orphans, lp)
		case rec.Direction != lp.Side:
			plan.Ghosts = append(plan.Ghosts, rec)
			plan.Orphans = append(plan.Orphans, lp)
		default:
			plan.Matched = append(plan.Matched, Match{Local: rec, Live: lp})
		}
	}
	for sym, rec := range local {
		if !seen[sym] {
			plan.Ghosts = append(plan.Ghosts, rec)
		}
	}

	sort.Slice(plan.Orphans, func(i, j int) bool { return plan.Orphans[i].Symbol < plan.Orphans[j].Symbol })
	sort.Slice(plan.Ghosts, func(i, j int) bool { return plan.Ghosts[i].Symbol < plan.Ghosts[j].Symbol })
	sort.Slice(plan.Matched, func(i, j int) bool { return plan.Matched[i].Local.Symbol < plan.Matched[j].Local.Symbol })
	return plan
}

// OrphanPolicy is the single formula for the emergency levels given to a
// position whose intended stop and target are unknown.
type OrphanPolicy struct {
	StopPct       float64
	TakeProfitPct float64
}

func OrphanPolicyFrom(rc config.ReconcileConfig) OrphanPolicy {
	return OrphanPolicy{StopPct: rc.OrphanStopPct, TakeProfitPct: rc.OrphanTakeProfitPct}
}

// Levels returns the emergency stop and target around entry.
func (op OrphanPolicy) Levels(d market.Direction, entry float64) (stop, target float64) {
	if d == market.Short {
		return entry * (1 + op.StopPct), entry * (1 - op.TakeProfitPct)
	}
	return entry * (1 - op.StopPct), entry * (1 + op.TakeProfitPct)
}

// Reconstruct builds a best-effort Position from a live broker position.
// Entry, quantity and leverage come from the broker; everything else is an
// estimate and flagged as such.
func Reconstruct(live broker.Position, pol OrphanPolicy, class market.AssetClass, now time.Time, tradeID string) positions.Position {
	entry := live.Entry()
	qty := live.Qty()
	stop, target := pol.Levels(live.Side, entry)
	lev := live.Leverage
	if lev < 1 {
		lev = 1
	}
	return positions.Position{
		Symbol:      live.Symbol,
		TradeID:     tradeID,
		Direction:   live.Side,
		AssetClass:  class,
		EntryPrice:  entry,
		Quantity:    qty,
		Leverage:    lev,
		StopLoss:    stop,
		TakeProfit:  target,
		RiskDollars: qty * math.Abs(entry-stop),
		OpenedAt:    now,
		Estimated: positions.Estimated{
			positions.FieldStopLoss:    true,
			positions.FieldTakeProfit:  true,
			positions.FieldOpenedAt:    true,
			positions.FieldRiskDollars: true,
		},
	}
}

// Refresh copies the broker's magnitude onto a matched local record and
// keeps the locally authored levels and timestamps. changed is false when
// nothing moved beyond float noise.
func Refresh(m Match) (positions.Position, bool) {
	p := m.Local
	qty, entry := m.Live.Qty(), m.Live.Entry()
	changed := false
	if !near(p.Quantity, qty) {
		p.Quantity = qty
		changed = true
	}
	if entry > 0 && !near(p.EntryPrice, entry) {
		p.EntryPrice = entry
		changed = true
	}
	if m.Live.Leverage > 0 && m.Live.Leverage != p.Leverage {
		p.Leverage = m.Live.Leverage
		changed = true
	}
	return p, changed
}

func near(a, b float64) bool {
	scale := math.Max(math.Abs(a), math.Abs(b))
	return math.Abs(a-b) <= 1e-9*math.Max(scale, 1)
}
