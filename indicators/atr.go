package indicators

import (
	"fmt"

	"github.com/rustyeddy/riskengine/market"
)

// ATR is a streaming Average True Range with Wilder smoothing.
type ATR struct {
	period      int
	atr         float64
	count       int
	warmupSum   float64
	prevCandle  market.Candle
	hasPrevious bool
}

func NewATR(period int) *ATR {
	if period <= 0 {
		panic("ATR period must be > 0")
	}
	return &ATR{period: period}
}

func (a *ATR) Name() string { return fmt.Sprintf("ATR(%d)", a.period) }

// Warmup is period+1 because the first true range needs a previous candle.
func (a *ATR) Warmup() int { return a.period + 1 }

func (a *ATR) Reset() {
	*a = ATR{period: a.period}
}

func (a *ATR) Update(c market.Candle) {
	if !a.hasPrevious {
		a.prevCandle = c
		a.hasPrevious = true
		return
	}

	tr := trueRange(c, a.prevCandle)
	if a.count < a.period {
		a.warmupSum += tr
		a.count++
		if a.count == a.period {
			a.atr = a.warmupSum / float64(a.period)
		}
	} else {
		a.atr = (a.atr*float64(a.period-1) + tr) / float64(a.period)
	}
	a.prevCandle = c
}

func (a *ATR) Ready() bool { return a.count >= a.period }

func (a *ATR) Value() float64 {
	if !a.Ready() {
		return 0
	}
	return a.atr
}

// ATRFunc runs a fresh ATR over candles and returns the last value.
func ATRFunc(candles []market.Candle, period int) (float64, error) {
	if period <= 0 {
		return 0, fmt.Errorf("period must be positive, got %d", period)
	}
	if len(candles) < period+1 {
		return 0, fmt.Errorf("not enough candles: need %d, got %d", period+1, len(candles))
	}
	a := NewATR(period)
	Feed(candles, a)
	return a.Value(), nil
}
