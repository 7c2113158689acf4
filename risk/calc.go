package risk

import (
	"math"

	"github.com/rustyeddy/riskengine/market"
)

func abs(x float64) float64 {
	if x < 0 {
		return -x
	}
	return x
}

// PlannedRiskUSD computes absolute $ risk if the stop is hit.
// quoteToAccountRate converts quote currency to account currency and is 1.0
// for USD and USDT quoted instruments.
func PlannedRiskUSD(units, entry, stop, quoteToAccountRate float64) float64 {
	return units * abs(entry-stop) * quoteToAccountRate
}

// RR is the reward-to-risk ratio of a trade; zero when the stop sits on
// the entry.
func RR(entry, stop, takeProfit float64) float64 {
	risk := abs(entry - stop)
	reward := abs(takeProfit - entry)
	if risk == 0 {
		return 0
	}
	return reward / risk
}

// RiskPct is plannedRiskUSD as a fraction of equity.
func RiskPct(plannedRiskUSD, equity float64) float64 {
	if equity <= 0 {
		return math.Inf(1)
	}
	return plannedRiskUSD / equity
}

// StopOnCorrectSide reports whether stop protects a position in direction d
// entered at entry.
func StopOnCorrectSide(d market.Direction, entry, stop float64) bool {
	if stop <= 0 {
		return false
	}
	if d == market.Short {
		return stop > entry
	}
	return stop < entry
}

// RoundDown floors qty to a multiple of step. A zero step leaves qty as is.
func RoundDown(qty, step float64) float64 {
	if step <= 0 {
		return qty
	}
	return math.Floor(qty/step+1e-9) * step
}
