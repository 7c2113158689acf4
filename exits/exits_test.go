package exits

import (
	"testing"
	"time"

	"github.com/rustyeddy/riskengine/config"
	"github.com/rustyeddy/riskengine/market"
	"github.com/rustyeddy/riskengine/positions"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var t0 = time.Date(2024, 6, 3, 9, 0, 0, 0, time.UTC)

func testPolicy() Policy {
	return Policy{
		MaxHold: map[market.AssetClass]time.Duration{
			market.Crypto: 6 * time.Hour,
			market.Forex:  24 * time.Hour,
		},
		LeveragedTakeProfitPct: 0.10,
		LeveragedMaxLossPct:    0.08,
		ProfitLockPct:          0.015,
		TrendOverrideADX:       25,
	}
}

func long(entry, stop, target float64) positions.Position {
	return positions.Position{
		Symbol:     "BTC/USDT:USDT",
		TradeID:    "T1",
		Direction:  market.Long,
		AssetClass: market.Crypto,
		EntryPrice: entry,
		Quantity:   1,
		Leverage:   1,
		StopLoss:   stop,
		TakeProfit: target,
		OpenedAt:   t0,
	}
}

func short(entry, stop, target float64) positions.Position {
	p := long(entry, stop, target)
	p.Direction = market.Short
	return p
}

func at(price float64, after time.Duration) market.Quote {
	return market.Quote{Price: price, Time: t0.Add(after)}
}

func TestScenarioLongStopAndTarget(t *testing.T) {
	t.Parallel()

	p := long(100, 98, 0)
	d := Evaluate(p, at(97, time.Hour), nil, testPolicy())
	assert.True(t, d.Close())
	assert.Equal(t, ClosedStopLoss, d.State)
	assert.Equal(t, StopLossHit, d.Reason)

	p = long(100, 98, 103)
	d = Evaluate(p, at(104, time.Hour), nil, testPolicy())
	assert.Equal(t, ClosedTakeProfit, d.State)
	assert.Equal(t, TakeProfitHit, d.Reason)
}

func TestTimeoutWinsOverTakeProfit(t *testing.T) {
	t.Parallel()

	p := long(100, 98, 103)
	for i := 0; i < 5; i++ {
		d := Evaluate(p, at(104, 7*time.Hour), nil, testPolicy())
		require.Equal(t, ClosedTimeout, d.State)
		assert.Equal(t, MaxHoldTimeout, d.Reason)
		assert.Equal(t, 7*time.Hour, d.Age)
	}
}

func TestTimeoutPerAssetClass(t *testing.T) {
	t.Parallel()

	p := long(1.10, 1.09, 1.12)
	p.AssetClass = market.Forex
	d := Evaluate(p, at(1.10, 7*time.Hour), nil, testPolicy())
	assert.False(t, d.Close(), "forex holds longer than crypto")

	d = Evaluate(p, at(1.10, 24*time.Hour), nil, testPolicy())
	assert.Equal(t, ClosedTimeout, d.State)

	p.AssetClass = market.Indices
	d = Evaluate(p, at(1.10, 100*time.Hour), nil, testPolicy())
	assert.False(t, d.Close(), "no max hold configured")
}

func TestLeveragedThresholds(t *testing.T) {
	t.Parallel()

	// 2.5% on price at 5x is 12.5% on margin
	p := long(100, 90, 200)
	p.Leverage = 5
	d := Evaluate(p, at(102.5, time.Hour), nil, testPolicy())
	assert.Equal(t, ClosedTakeProfit, d.State)
	assert.Equal(t, LeveragedTarget, d.Reason)
	assert.InDelta(t, 0.125, d.LeveragedPnLPct, 1e-9)

	d = Evaluate(p, at(98, time.Hour), nil, testPolicy())
	assert.Equal(t, ClosedStopLoss, d.State)
	assert.Equal(t, LeveragedMaxLoss, d.Reason)

	// the same move unleveraged is neither
	p.Leverage = 1
	d = Evaluate(p, at(98, time.Hour), nil, testPolicy())
	assert.False(t, d.Close())
}

func TestShortMirrored(t *testing.T) {
	t.Parallel()

	p := short(100, 102, 97)
	assert.Equal(t, StopLossHit, Evaluate(p, at(102, time.Minute), nil, testPolicy()).Reason)
	assert.Equal(t, TakeProfitHit, Evaluate(p, at(96.9, time.Minute), nil, testPolicy()).Reason)
	assert.False(t, Evaluate(p, at(100.5, time.Minute), nil, testPolicy()).Close())
}

func TestTrendOverride(t *testing.T) {
	t.Parallel()

	p := short(100, 105, 90)
	up := &Regime{ADX: 32, PlusDI: 30, MinusDI: 12}

	d := Evaluate(p, at(101, time.Minute), up, testPolicy())
	assert.Equal(t, ClosedTrendOverride, d.State)
	assert.Equal(t, TrendReversalOverride, d.Reason)

	// winning short is left alone
	assert.False(t, Evaluate(p, at(99.5, time.Minute), up, testPolicy()).Close())
	// weak trend
	weak := &Regime{ADX: 18, PlusDI: 30, MinusDI: 12}
	assert.False(t, Evaluate(p, at(101, time.Minute), weak, testPolicy()).Close())
	// downtrend
	down := &Regime{ADX: 40, PlusDI: 10, MinusDI: 30}
	assert.False(t, Evaluate(p, at(101, time.Minute), down, testPolicy()).Close())
	// no regime
	assert.False(t, Evaluate(p, at(101, time.Minute), nil, testPolicy()).Close())
	// longs never get the override
	l := long(100, 95, 110)
	assert.False(t, Evaluate(l, at(99, time.Minute), up, testPolicy()).Close())
}

func TestProfitLock(t *testing.T) {
	t.Parallel()

	p := long(100, 95, 110)
	d := Evaluate(p, at(101.6, time.Minute), nil, testPolicy())
	assert.Equal(t, ClosedProfitLock, d.State)
	assert.Equal(t, ProfitLock, d.Reason)

	assert.False(t, Evaluate(p, at(101.4, time.Minute), nil, testPolicy()).Close())

	pol := testPolicy()
	pol.ProfitLockPct = 0
	assert.False(t, Evaluate(p, at(101.6, time.Minute), nil, pol).Close())
}

func TestRealizedPnL(t *testing.T) {
	t.Parallel()

	assert.InDelta(t, 6, RealizedPnL(market.Long, 100, 103, 2), 1e-9)
	assert.InDelta(t, -6, RealizedPnL(market.Short, 100, 103, 2), 1e-9)
	assert.InDelta(t, 0.03, PnLPct(market.Long, 100, 103), 1e-9)
	assert.InDelta(t, -0.03, PnLPct(market.Short, 100, 103), 1e-9)
	assert.Zero(t, PnLPct(market.Long, 0, 103))
}

func TestPolicyFromConfig(t *testing.T) {
	t.Parallel()

	pol := PolicyFrom(config.Default().Exits)
	assert.Equal(t, 6*time.Hour, pol.MaxHold[market.Crypto])
	assert.Equal(t, 24*time.Hour, pol.MaxHold[market.Forex])
	assert.Equal(t, 0.015, pol.ProfitLockPct)
}

func TestTrail(t *testing.T) {
	t.Parallel()

	tp := TrailPolicy{Enabled: true, BreakEvenTriggerPct: 0.008, TrailActivatePct: 0.012, TrailPct: 0.006}

	p := long(100, 98, 110)
	stop, changed := Trail(p, 100.5, tp)
	assert.False(t, changed)
	assert.Equal(t, 98.0, stop)

	stop, changed = Trail(p, 100.9, tp)
	assert.True(t, changed)
	assert.Equal(t, 100.0, stop, "break-even")

	stop, changed = Trail(p, 102, tp)
	assert.True(t, changed)
	assert.InDelta(t, 102*(1-0.006), stop, 1e-9)

	// never loosens
	p.StopLoss = 101.5
	stop, changed = Trail(p, 101.3, tp)
	assert.False(t, changed)
	assert.Equal(t, 101.5, stop)

	s := short(100, 102, 90)
	stop, changed = Trail(s, 98, tp)
	assert.True(t, changed)
	assert.InDelta(t, 98*1.006, stop, 1e-9)

	tp.Enabled = false
	_, changed = Trail(s, 90, tp)
	assert.False(t, changed)
}
