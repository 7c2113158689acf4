package risk

import (
	"github.com/rustyeddy/riskengine/config"
)

type Tier struct {
	MinScore int
	Leverage int
}

// Policy is the sizing configuration. Every number is caller-owned policy
// data; nothing here is tuned in code.
type Policy struct {
	MaxConcurrentSlots int
	// Tiers ordered from the highest MinScore down.
	Tiers       []Tier
	MaxLeverage int

	MaxRiskPerTradeFraction  float64 // 0.02
	MaxLossPerTradeUSD       float64 // 0 disables the dollar ceiling
	MaxNotionalPerPosition   float64 // 0 disables
	LiquidityFraction        float64 // share of 24h quote volume
	DailyLossFraction        float64 // circuit breaker
	MinStopDistancePct       float64
	MinStopATRMult           float64
	MinNotional              float64
	MaxPortfolioRiskFraction float64
}

func PolicyFrom(sc config.SizingConfig, maxPortfolioRiskFraction float64) Policy {
	sorted := sc.SortedTiers()
	tiers := make([]Tier, 0, len(sorted))
	for _, t := range sorted {
		tiers = append(tiers, Tier{MinScore: t.MinScore, Leverage: t.Leverage})
	}
	return Policy{
		MaxConcurrentSlots:       sc.MaxConcurrentSlots,
		Tiers:                    tiers,
		MaxLeverage:              sc.MaxLeverage,
		MaxRiskPerTradeFraction:  sc.MaxRiskPerTradeFraction,
		MaxLossPerTradeUSD:       sc.MaxLossPerTradeUSD,
		MaxNotionalPerPosition:   sc.MaxNotionalPerPosition,
		LiquidityFraction:        sc.LiquidityFraction,
		DailyLossFraction:        sc.DailyLossFraction,
		MinStopDistancePct:       sc.MinStopDistancePct,
		MinStopATRMult:           sc.MinStopATRMult,
		MinNotional:              sc.MinNotional,
		MaxPortfolioRiskFraction: maxPortfolioRiskFraction,
	}
}

// tierIndex returns the index of the first tier whose MinScore the score
// reaches, or the last tier when none does.
func (p Policy) tierIndex(score int) int {
	for i, t := range p.Tiers {
		if score >= t.MinScore {
			return i
		}
	}
	return len(p.Tiers) - 1
}

// LeverageFor maps a signal score to leverage. boost moves one tier up.
func (p Policy) LeverageFor(score int, boost bool) int {
	if len(p.Tiers) == 0 {
		return 1
	}
	i := p.tierIndex(score)
	if boost && i > 0 {
		i--
	}
	lev := p.Tiers[i].Leverage
	if p.MaxLeverage > 0 && lev > p.MaxLeverage {
		lev = p.MaxLeverage
	}
	if lev < 1 {
		lev = 1
	}
	return lev
}
