package exits

import (
	"github.com/rustyeddy/riskengine/config"
	"github.com/rustyeddy/riskengine/market"
	"github.com/rustyeddy/riskengine/positions"
)

type TrailPolicy struct {
	Enabled             bool
	BreakEvenTriggerPct float64
	TrailActivatePct    float64
	TrailPct            float64
}

func TrailPolicyFrom(tc config.TrailingConfig) TrailPolicy {
	return TrailPolicy{
		Enabled:             tc.Enabled,
		BreakEvenTriggerPct: tc.BreakEvenTriggerPct,
		TrailActivatePct:    tc.TrailActivatePct,
		TrailPct:            tc.TrailPct,
	}
}

// Trail returns the stop p should carry at price. The stop only ever
// tightens: first to break-even, then trailing TrailPct behind price.
func Trail(p positions.Position, price float64, tp TrailPolicy) (float64, bool) {
	if !tp.Enabled || price <= 0 {
		return p.StopLoss, false
	}
	pnl := PnLPct(p.Direction, p.EntryPrice, price)
	stop := p.StopLoss

	if tp.BreakEvenTriggerPct > 0 && pnl >= tp.BreakEvenTriggerPct {
		stop = tighter(p.Direction, stop, p.EntryPrice)
	}
	if tp.TrailActivatePct > 0 && tp.TrailPct > 0 && pnl >= tp.TrailActivatePct {
		candidate := price * (1 - tp.TrailPct)
		if p.Direction == market.Short {
			candidate = price * (1 + tp.TrailPct)
		}
		stop = tighter(p.Direction, stop, candidate)
	}
	return stop, stop != p.StopLoss
}

func tighter(d market.Direction, current, candidate float64) float64 {
	if current <= 0 {
		return candidate
	}
	if d == market.Short {
		if candidate < current {
			return candidate
		}
		return current
	}
	if candidate > current {
		return candidate
	}
	return current
}
