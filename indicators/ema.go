package indicators

import (
	"fmt"

	"github.com/rustyeddy/riskengine/market"
)

// EMA computes an Exponential Moving Average over candle closes. It is
// seeded with the SMA of the first Period closes.
type EMA struct {
	period     int
	multiplier float64
	ema        float64
	count      int
	warmupSum  float64
}

func NewEMA(period int) *EMA {
	if period <= 0 {
		panic("EMA period must be > 0")
	}
	return &EMA{
		period:     period,
		multiplier: 2.0 / float64(period+1),
	}
}

func (e *EMA) Name() string { return fmt.Sprintf("EMA(%d)", e.period) }
func (e *EMA) Warmup() int  { return e.period }
func (e *EMA) Ready() bool  { return e.count >= e.period }

func (e *EMA) Reset() {
	e.ema = 0
	e.count = 0
	e.warmupSum = 0
}

func (e *EMA) Update(c market.Candle) {
	if e.count < e.period {
		e.warmupSum += c.Close
		e.count++
		if e.count == e.period {
			e.ema = e.warmupSum / float64(e.period)
		}
		return
	}
	e.ema = (c.Close-e.ema)*e.multiplier + e.ema
}

func (e *EMA) Value() float64 {
	if !e.Ready() {
		return 0
	}
	return e.ema
}
