// Package indicators provides the streaming technical indicators used by the
// technical signal source and the trend regime: EMA, ATR and Wilder's ADX.
package indicators

import "github.com/rustyeddy/riskengine/market"

// Indicator computes a single streaming value from candles.
// It is deterministic and safe to use in live and replayed cycles.
type Indicator interface {
	// Name returns a stable identifier like "EMA(20)" or "ADX(14)".
	Name() string

	// Warmup returns how many updates are needed before Ready() can be true.
	Warmup() int

	// Reset clears all internal state.
	Reset()

	// Update consumes the next *closed* candle and updates internal state.
	Update(c market.Candle)

	// Ready reports whether Value() is meaningful (warmup completed).
	Ready() bool

	// Value returns the current value, 0 before Ready.
	Value() float64
}

// Feed pushes every candle through each indicator in order.
func Feed(candles []market.Candle, inds ...Indicator) {
	for _, c := range candles {
		for _, ind := range inds {
			ind.Update(c)
		}
	}
}

func trueRange(cur, prev market.Candle) float64 {
	return max3(cur.High-cur.Low, abs(cur.High-prev.Close), abs(cur.Low-prev.Close))
}

func abs(x float64) float64 {
	if x < 0 {
		return -x
	}
	return x
}

func max3(a, b, c float64) float64 {
	if a >= b && a >= c {
		return a
	}
	if b >= a && b >= c {
		return b
	}
	return c
}
