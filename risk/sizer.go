package risk

import (
	"fmt"
	"math"

	"github.com/rustyeddy/riskengine/market"
	"github.com/shopspring/decimal"
)

// Request is everything the sizer looks at for one prospective entry.
type Request struct {
	Symbol     string
	Capital    float64
	EntryPrice float64
	StopPrice  float64
	Direction  market.Direction
	// Confidence in [0,1]; zero means derive it from Score.
	Confidence float64
	Score      int
	// ATR and Volume24h are optional; zero skips the rule that uses them.
	ATR       float64
	Volume24h float64
	// DailyRealizedPnL is today's closed PnL; a loss is negative.
	DailyRealizedPnL float64
	RiskInUse        float64
	Boost            bool
	Instrument       market.InstrumentMeta
}

// DecimalRequest carries broker side figures. Float converts every field
// before any arithmetic happens.
type DecimalRequest struct {
	Symbol           string
	Capital          decimal.Decimal
	EntryPrice       decimal.Decimal
	StopPrice        decimal.Decimal
	Direction        market.Direction
	Confidence       decimal.Decimal
	Score            int
	ATR              decimal.Decimal
	Volume24h        decimal.Decimal
	DailyRealizedPnL decimal.Decimal
	RiskInUse        decimal.Decimal
	Boost            bool
	Instrument       market.InstrumentMeta
}

func (d DecimalRequest) Float() Request {
	return Request{
		Symbol:           d.Symbol,
		Capital:          d.Capital.InexactFloat64(),
		EntryPrice:       d.EntryPrice.InexactFloat64(),
		StopPrice:        d.StopPrice.InexactFloat64(),
		Direction:        d.Direction,
		Confidence:       d.Confidence.InexactFloat64(),
		Score:            d.Score,
		ATR:              d.ATR.InexactFloat64(),
		Volume24h:        d.Volume24h.InexactFloat64(),
		DailyRealizedPnL: d.DailyRealizedPnL.InexactFloat64(),
		RiskInUse:        d.RiskInUse.InexactFloat64(),
		Boost:            d.Boost,
		Instrument:       d.Instrument,
	}
}

// Sizer turns a signal into a quantity and leverage, or a refusal.
type Sizer struct {
	policy Policy
}

func NewSizer(p Policy) *Sizer {
	return &Sizer{policy: p}
}

func (s *Sizer) Policy() Policy { return s.policy }

// Size runs the sizing rules in order. Every refusal carries a Reason; the
// portfolio clamp at the end is advisory, the ledger has the final say.
func (s *Sizer) Size(req Request) Sizing {
	p := s.policy
	var out Sizing

	// 1. sanity and the daily circuit breaker
	if !(req.EntryPrice > 0) || math.IsInf(req.EntryPrice, 0) {
		return out.block(InvalidEntryPrice, "entry price %v", req.EntryPrice)
	}
	if !(req.Capital > 0) {
		return out.block(RiskBudgetExceeded, "no capital (%v)", req.Capital)
	}
	if p.DailyLossFraction > 0 && -req.DailyRealizedPnL >= p.DailyLossFraction*req.Capital {
		return out.block(DailyLossLimit, "realized loss today %.2f >= %.2f",
			-req.DailyRealizedPnL, p.DailyLossFraction*req.Capital)
	}

	// 2. conviction to leverage
	lev := p.LeverageFor(req.Score, req.Boost)
	if m := req.Instrument.MaxLeverage; m > 0 && lev > m {
		lev = m
		out.clamp("instrument_max_leverage")
	}

	// 3. target notional
	conf := req.Confidence
	if conf <= 0 {
		conf = float64(req.Score) / 100
	}
	conf = math.Min(math.Max(conf, 0), 1)
	slots := p.MaxConcurrentSlots
	if slots <= 0 {
		slots = 1
	}
	notional := req.Capital / float64(slots) * float64(lev) * conf
	qty := notional / req.EntryPrice
	minNotional := p.MinNotional
	if req.Instrument.MinNotional > minNotional {
		minNotional = req.Instrument.MinNotional
	}

	// 4. liquidity: shrink quantity, never leverage
	if req.Volume24h > 0 && p.LiquidityFraction > 0 {
		ceiling := req.Volume24h * p.LiquidityFraction
		if notional > ceiling {
			notional = ceiling
			qty = notional / req.EntryPrice
			out.clamp("liquidity")
			if notional < minNotional {
				return out.block(LiquidityCap, "24h volume %.0f allows %.2f notional, below minimum %.2f",
					req.Volume24h, notional, minNotional)
			}
		}
	}

	// 5. stop distance floor
	if !StopOnCorrectSide(req.Direction, req.EntryPrice, req.StopPrice) {
		return out.block(StopTooTight, "stop %v on wrong side of %s entry %v",
			req.StopPrice, req.Direction, req.EntryPrice)
	}
	dist := abs(req.EntryPrice - req.StopPrice)
	floor := math.Max(req.EntryPrice*p.MinStopDistancePct, req.ATR*p.MinStopATRMult)
	if dist < floor {
		return out.block(StopTooTight, "stop distance %.6f below floor %.6f", dist, floor)
	}
	out.StopDistance = dist

	// 6. per trade loss budget, then the dollar ceiling
	loss := PlannedRiskUSD(qty, req.EntryPrice, req.StopPrice, 1)
	budget := req.Capital * p.MaxRiskPerTradeFraction
	if p.MaxRiskPerTradeFraction > 0 && loss > budget {
		return out.block(RiskBudgetExceeded, "loss at stop %.2f exceeds per-trade budget %.2f", loss, budget)
	}
	if p.MaxLossPerTradeUSD > 0 && loss > p.MaxLossPerTradeUSD {
		newLev := int(math.Floor(float64(lev) * p.MaxLossPerTradeUSD / loss))
		if newLev < 1 {
			newLev = 1
		}
		if newLev < lev {
			qty = qty * float64(newLev) / float64(lev)
			notional = qty * req.EntryPrice
			lev = newLev
			out.clamp("max_loss_leverage")
		}
		if loss = qty * dist; loss > p.MaxLossPerTradeUSD {
			qty = p.MaxLossPerTradeUSD / dist
			notional = qty * req.EntryPrice
			out.clamp("max_loss_quantity")
		}
	}

	// 7. hard notional ceiling
	if p.MaxNotionalPerPosition > 0 && notional > p.MaxNotionalPerPosition {
		notional = p.MaxNotionalPerPosition
		qty = notional / req.EntryPrice
		out.clamp("max_notional")
	}

	// 8. advisory portfolio capacity
	if p.MaxPortfolioRiskFraction > 0 {
		capacity := req.Capital*p.MaxPortfolioRiskFraction - req.RiskInUse
		if capacity <= 0 {
			return out.block(PortfolioRiskCap, "no portfolio risk capacity left (in use %.2f)", req.RiskInUse)
		}
		if qty*dist > capacity {
			qty = capacity / dist
			notional = qty * req.EntryPrice
			out.clamp("portfolio_capacity")
			if notional < minNotional {
				return out.block(PortfolioRiskCap, "remaining capacity %.2f allows %.2f notional, below minimum %.2f",
					capacity, notional, minNotional)
			}
		}
	}

	qty = RoundDown(qty, req.Instrument.QtyStep)
	notional = qty * req.EntryPrice
	if qty <= 0 || notional < minNotional {
		return out.block(RiskBudgetExceeded, "size %.8f (%.2f notional) below minimum %.2f", qty, notional, minNotional)
	}

	out.Quantity = qty
	out.Leverage = lev
	out.Notional = notional
	out.RiskDollars = qty * dist
	return out
}

// RiskFromFill recomputes the dollar risk from what actually filled.
func RiskFromFill(qty, fillPrice, stop float64) float64 {
	return PlannedRiskUSD(qty, fillPrice, stop, 1)
}

func (s Sizing) String() string {
	if !s.Allowed() {
		return fmt.Sprintf("blocked %s: %s", s.Blocked, s.Detail)
	}
	return fmt.Sprintf("qty=%.8f lev=%dx notional=%.2f risk=%.2f", s.Quantity, s.Leverage, s.Notional, s.RiskDollars)
}
