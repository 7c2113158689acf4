package indicators

import (
	"testing"

	"github.com/rustyeddy/riskengine/market"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func closes(xs ...float64) []market.Candle {
	out := make([]market.Candle, 0, len(xs))
	for _, x := range xs {
		out = append(out, market.Candle{Open: x, High: x, Low: x, Close: x})
	}
	return out
}

func uptrend(n int, start, step, halfRange float64) []market.Candle {
	out := make([]market.Candle, 0, n)
	p := start
	for i := 0; i < n; i++ {
		o, c := p, p+step
		out = append(out, market.Candle{Open: o, High: c + halfRange, Low: o - halfRange, Close: c})
		p = c
	}
	return out
}

func TestEMASeedsWithSMA(t *testing.T) {
	t.Parallel()

	e := NewEMA(3)
	Feed(closes(1, 2, 3), e)
	require.True(t, e.Ready())
	assert.InDelta(t, 2.0, e.Value(), 1e-12)

	e.Update(market.Candle{Close: 6})
	// (6-2)*0.5 + 2
	assert.InDelta(t, 4.0, e.Value(), 1e-12)

	e.Reset()
	assert.False(t, e.Ready())
	assert.Equal(t, 0.0, e.Value())
}

func TestATRWilder(t *testing.T) {
	t.Parallel()

	candles := []market.Candle{
		{High: 10, Low: 9, Close: 9.5},
		{High: 11, Low: 9.5, Close: 10.5},   // TR 1.5
		{High: 10.8, Low: 10, Close: 10.2},  // TR 0.8
		{High: 12, Low: 10.2, Close: 11.8},  // TR 1.8
		{High: 12.5, Low: 11.5, Close: 12},  // TR 1.0
	}
	a := NewATR(3)
	assert.Equal(t, 4, a.Warmup())

	Feed(candles[:4], a)
	require.True(t, a.Ready())
	assert.InDelta(t, (1.5+0.8+1.8)/3, a.Value(), 1e-12)

	a.Update(candles[4])
	want := ((1.5+0.8+1.8)/3*2 + 1.0) / 3
	assert.InDelta(t, want, a.Value(), 1e-12)

	v, err := ATRFunc(candles, 3)
	require.NoError(t, err)
	assert.InDelta(t, want, v, 1e-12)

	_, err = ATRFunc(candles[:2], 3)
	assert.Error(t, err)
}

func TestADXUptrend(t *testing.T) {
	t.Parallel()

	n := 14
	adx := NewADX(n)
	require.Equal(t, 2*n, adx.Warmup())

	Feed(uptrend(3*n, 100, 1, 0.3), adx)

	require.True(t, adx.Ready())
	assert.Greater(t, adx.PlusDI(), adx.MinusDI())
	assert.Greater(t, adx.Value(), 25.0)
	assert.LessOrEqual(t, adx.Value(), 100.0)
}

func TestADXFlatMarketIsZero(t *testing.T) {
	t.Parallel()

	adx := NewADX(5)
	Feed(closes(make([]float64, 20)...), adx)
	require.True(t, adx.Ready())
	assert.Equal(t, 0.0, adx.Value())

	adx.Reset()
	assert.False(t, adx.Ready())
}
