package signals

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/rustyeddy/riskengine/broker"
	"github.com/rustyeddy/riskengine/config"
	"github.com/rustyeddy/riskengine/exits"
	"github.com/rustyeddy/riskengine/indicators"
	"github.com/rustyeddy/riskengine/market"
)

// Technical signals an EMA cross on the last closed candle, filtered by ADX
// trend strength. The stop sits StopATRMult ATRs behind entry and the target
// RRTarget stop distances ahead.
type Technical struct {
	candles broker.CandleSource
	cfg     config.SignalsConfig
}

func NewTechnical(src broker.CandleSource, cfg config.SignalsConfig) *Technical {
	return &Technical{candles: src, cfg: cfg}
}

// snapshot is the indicator state after feeding a candle window.
type snapshot struct {
	last     market.Candle
	prevDiff float64
	diff     float64
	adx      float64
	plusDI   float64
	minusDI  float64
	atr      float64
	ready    bool
	volume   float64
}

func (t *Technical) compute(candles []market.Candle) snapshot {
	fast := indicators.NewEMA(t.cfg.EMAFast)
	slow := indicators.NewEMA(t.cfg.EMASlow)
	adx := indicators.NewADX(t.cfg.ADXPeriod)
	atr := indicators.NewATR(t.cfg.ATRPeriod)

	var snap snapshot
	havePrev := false
	for i, c := range candles {
		fast.Update(c)
		slow.Update(c)
		adx.Update(c)
		atr.Update(c)
		if !fast.Ready() || !slow.Ready() {
			continue
		}
		d := fast.Value() - slow.Value()
		if i == len(candles)-1 {
			snap.ready = havePrev && adx.Ready() && atr.Ready()
			snap.diff = d
			break
		}
		snap.prevDiff = d
		havePrev = true
	}
	if len(candles) > 0 {
		snap.last = candles[len(candles)-1]
	}
	snap.adx, snap.plusDI, snap.minusDI = adx.Value(), adx.PlusDI(), adx.MinusDI()
	snap.atr = atr.Value()
	snap.volume = quoteVolume24h(candles, t.cfg.Granularity)
	return snap
}

func (t *Technical) fetch(ctx context.Context, symbol string) ([]market.Candle, error) {
	candles, err := t.candles.FetchCandles(ctx, symbol, t.cfg.Granularity, t.cfg.CandleCount)
	if err != nil {
		return nil, fmt.Errorf("candles %s: %w", symbol, err)
	}
	return candles, nil
}

func (t *Technical) Signal(ctx context.Context, symbol string) (*Signal, error) {
	candles, err := t.fetch(ctx, symbol)
	if err != nil {
		return nil, err
	}
	snap := t.compute(candles)
	if !snap.ready || snap.adx < t.cfg.MinADX {
		return nil, nil
	}

	var dir market.Direction
	switch {
	case snap.diff > 0 && snap.prevDiff <= 0:
		dir = market.Long
	case snap.diff < 0 && snap.prevDiff >= 0:
		dir = market.Short
	default:
		return nil, nil
	}

	entry := snap.last.Close
	stop := entry - dir.Sign()*t.cfg.StopATRMult*snap.atr
	if stop <= 0 || snap.atr <= 0 {
		return nil, nil
	}
	score := scoreFromADX(snap.adx)
	return &Signal{
		Symbol:          symbol,
		Direction:       dir,
		EntryPrice:      entry,
		SuggestedStop:   stop,
		SuggestedTarget: targetFor(dir, entry, stop, t.cfg.RRTarget),
		Score:           score,
		Confidence:      score / 100,
		ATR:             snap.atr,
		Volume24h:       snap.volume,
		Regime:          &exits.Regime{ADX: snap.adx, PlusDI: snap.plusDI, MinusDI: snap.minusDI},
		Reason:          fmt.Sprintf("EMA(%d/%d) %s cross ADX %.1f", t.cfg.EMAFast, t.cfg.EMASlow, dir, snap.adx),
		Time:            snap.last.Time,
	}, nil
}

func (t *Technical) Regime(ctx context.Context, symbol string) (*exits.Regime, error) {
	candles, err := t.fetch(ctx, symbol)
	if err != nil {
		return nil, err
	}
	snap := t.compute(candles)
	if snap.adx == 0 {
		return nil, nil
	}
	return &exits.Regime{ADX: snap.adx, PlusDI: snap.plusDI, MinusDI: snap.minusDI}, nil
}

// scoreFromADX maps trend strength onto 0..100; ADX 45 and above scores 90+.
func scoreFromADX(adx float64) float64 {
	return math.Max(0, math.Min(100, adx*2))
}

// quoteVolume24h sums close*volume over the candles covering the last day.
// Unknown granularities count every candle.
func quoteVolume24h(candles []market.Candle, granularity string) float64 {
	n := len(candles)
	if d, err := time.ParseDuration(granularity); err == nil && d > 0 {
		if per := int(24 * time.Hour / d); per < n {
			n = per
		}
	}
	var sum float64
	for _, c := range candles[len(candles)-n:] {
		sum += c.Close * c.Volume
	}
	return sum
}
