package signals

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rustyeddy/riskengine/config"
	"github.com/rustyeddy/riskengine/market"
)

var t0 = time.Date(2026, 3, 2, 12, 0, 0, 0, time.UTC)

type fakeCandles struct {
	series []market.Candle
	err    error
}

func (f *fakeCandles) FetchCandles(_ context.Context, _, _ string, n int) ([]market.Candle, error) {
	if f.err != nil {
		return nil, f.err
	}
	if n > 0 && n < len(f.series) {
		return f.series[len(f.series)-n:], nil
	}
	return f.series, nil
}

// vee falls for down candles then rallies hard for up candles.
func vee(down, up int) []market.Candle {
	var out []market.Candle
	price := 200.0
	add := func(c float64) {
		out = append(out, market.Candle{
			Open:   price,
			High:   c + 1,
			Low:    c - 1,
			Close:  c,
			Volume: 10,
			Time:   t0.Add(time.Duration(len(out)) * 15 * time.Minute),
		})
		price = c
	}
	for i := 0; i < down; i++ {
		add(price - 1)
	}
	for i := 0; i < up; i++ {
		add(price + 5)
	}
	return out
}

func testConfig() config.SignalsConfig {
	cfg := config.Default().Signals
	cfg.EMAFast = 5
	cfg.EMASlow = 12
	cfg.ADXPeriod = 6
	cfg.ATRPeriod = 6
	cfg.MinADX = 0
	cfg.StopATRMult = 1.5
	cfg.RRTarget = 2
	cfg.CandleCount = 0
	return cfg
}

func TestTechnicalSignalsOnceOnCross(t *testing.T) {
	t.Parallel()

	series := vee(40, 25)
	var longs, shorts int
	var first *Signal
	for n := 2; n <= len(series); n++ {
		tech := NewTechnical(&fakeCandles{series: series[:n]}, testConfig())
		s, err := tech.Signal(context.Background(), "BTC")
		require.NoError(t, err)
		if s == nil {
			continue
		}
		require.NoError(t, s.Validate())
		switch s.Direction {
		case market.Long:
			longs++
			if first == nil {
				first = s
			}
		case market.Short:
			shorts++
		}
	}
	assert.Equal(t, 1, longs)
	assert.Equal(t, 0, shorts)

	require.NotNil(t, first)
	assert.Less(t, first.SuggestedStop, first.EntryPrice)
	assert.InDelta(t, 2*(first.EntryPrice-first.SuggestedStop), first.SuggestedTarget-first.EntryPrice, 1e-9)
	assert.InDelta(t, 1.5*first.ATR, first.EntryPrice-first.SuggestedStop, 1e-9)
	require.NotNil(t, first.Regime)
	assert.Positive(t, first.Volume24h)
}

func TestTechnicalADXFilter(t *testing.T) {
	t.Parallel()

	cfg := testConfig()
	cfg.MinADX = 101
	series := vee(40, 25)
	for n := 2; n <= len(series); n++ {
		s, err := NewTechnical(&fakeCandles{series: series[:n]}, cfg).Signal(context.Background(), "BTC")
		require.NoError(t, err)
		assert.Nil(t, s)
	}
}

func TestTechnicalNotEnoughCandles(t *testing.T) {
	t.Parallel()

	s, err := NewTechnical(&fakeCandles{series: vee(5, 0)}, testConfig()).Signal(context.Background(), "BTC")
	require.NoError(t, err)
	assert.Nil(t, s)
}

func TestTechnicalFetchError(t *testing.T) {
	t.Parallel()

	boom := errors.New("boom")
	_, err := NewTechnical(&fakeCandles{err: boom}, testConfig()).Signal(context.Background(), "BTC")
	assert.ErrorIs(t, err, boom)
}

func TestTechnicalRegime(t *testing.T) {
	t.Parallel()

	tech := NewTechnical(&fakeCandles{series: vee(0, 40)}, testConfig())
	r, err := tech.Regime(context.Background(), "BTC")
	require.NoError(t, err)
	require.NotNil(t, r)
	assert.Greater(t, r.PlusDI, r.MinusDI)
	assert.True(t, r.StrongUptrend(20))
}

func TestScoreFromADX(t *testing.T) {
	t.Parallel()

	assert.Equal(t, 0.0, scoreFromADX(-1))
	assert.Equal(t, 50.0, scoreFromADX(25))
	assert.Equal(t, 100.0, scoreFromADX(80))
}

func writeFeed(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "signals.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func TestFileSource(t *testing.T) {
	t.Parallel()

	path := writeFeed(t, `
signals:
  - symbol: BTC
    direction: long
    entry: 100
    stop: 98
    score: 85
    adx: 30
    plus_di: 25
    minus_di: 10
    time: 2026-03-02T11:50:00Z
  - symbol: BTC
    direction: short
    entry: 100
    stop: 102
    target: 95
    score: 60
    time: 2026-03-02T11:00:00Z
  - symbol: ETH
    direction: short
    entry: 50
    stop: 51
    score: 70
    time: 2026-03-02T10:00:00Z
`)
	src := NewFile(path, 30*time.Minute, 2).WithClock(func() time.Time { return t0 })
	ctx := context.Background()

	s, err := src.Signal(ctx, "BTC")
	require.NoError(t, err)
	require.NotNil(t, s)
	assert.Equal(t, market.Long, s.Direction)
	assert.Equal(t, 104.0, s.SuggestedTarget)
	require.NotNil(t, s.Regime)
	assert.Equal(t, 30.0, s.Regime.ADX)

	stale, err := src.Signal(ctx, "ETH")
	require.NoError(t, err)
	assert.Nil(t, stale)

	none, err := src.Signal(ctx, "SOL")
	require.NoError(t, err)
	assert.Nil(t, none)

	r, err := src.Regime(ctx, "ETH")
	require.NoError(t, err)
	assert.Nil(t, r)
}

func TestFileSourceRejectsBadEntries(t *testing.T) {
	t.Parallel()

	path := writeFeed(t, `
signals:
  - symbol: BTC
    direction: sideways
    entry: 100
    stop: 98
    score: 50
`)
	_, err := NewFile(path, 0, 2).Signal(context.Background(), "BTC")
	assert.ErrorIs(t, err, ErrInvalidSignal)
}

func TestFileSourceMissingFileIsEmpty(t *testing.T) {
	t.Parallel()

	s, err := NewFile(filepath.Join(t.TempDir(), "nope.yaml"), 0, 2).Signal(context.Background(), "BTC")
	require.NoError(t, err)
	assert.Nil(t, s)
}

func TestNone(t *testing.T) {
	t.Parallel()

	s, err := None{}.Signal(context.Background(), "BTC")
	assert.NoError(t, err)
	assert.Nil(t, s)
}
