package sim

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/rustyeddy/riskengine/broker"
	"github.com/rustyeddy/riskengine/market"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestEngine(opts Options) *Engine {
	if opts.Cash.IsZero() {
		opts.Cash = decimal.NewFromInt(1000)
	}
	if opts.Now == nil {
		ts := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
		opts.Now = func() time.Time { return ts }
	}
	return NewEngine(opts)
}

func order(symbol string, side market.Side, qty float64) broker.MarketOrder {
	return broker.MarketOrder{Symbol: symbol, Side: side, Quantity: decimal.NewFromFloat(qty), Leverage: 2}
}

func TestMarketOrderOpensAndCloses(t *testing.T) {
	t.Parallel()

	e := newTestEngine(Options{})
	ctx := context.Background()
	e.Mark("BTC", 100, 0)

	fill, err := e.CreateMarketOrder(ctx, order("BTC", market.Buy, 2))
	require.NoError(t, err)
	assert.True(t, fill.Filled())
	assert.Equal(t, broker.StatusFilled, fill.Status)
	assert.Equal(t, 100.0, fill.Price())

	pos, err := e.FetchPositions(ctx, nil)
	require.NoError(t, err)
	require.Len(t, pos, 1)
	assert.Equal(t, market.Long, pos[0].Side)
	assert.Equal(t, 2.0, pos[0].Qty())
	assert.Equal(t, 2, pos[0].Leverage)

	e.Mark("BTC", 110, 0)
	_, err = e.CreateMarketOrder(ctx, broker.MarketOrder{
		Symbol: "BTC", Side: market.Sell, Quantity: decimal.NewFromInt(2), ReduceOnly: true,
	})
	require.NoError(t, err)

	pos, err = e.FetchPositions(ctx, nil)
	require.NoError(t, err)
	assert.Empty(t, pos)

	bal, err := e.FetchBalance(ctx)
	require.NoError(t, err)
	assert.True(t, bal.Total.Equal(decimal.NewFromInt(1020)), bal.Total.String())
}

func TestSlippageAndPartialFill(t *testing.T) {
	t.Parallel()

	e := newTestEngine(Options{SlippageBps: 10, FillRatio: 0.5})
	ctx := context.Background()
	e.Mark("ETH", 1000, 0)

	fill, err := e.CreateMarketOrder(ctx, order("ETH", market.Buy, 4))
	require.NoError(t, err)
	assert.Equal(t, broker.StatusPartiallyFilled, fill.Status)
	assert.Equal(t, 1001.0, fill.Price(), "buy pays up")
	assert.Equal(t, 2.0, fill.Qty())
	assert.Equal(t, 4.0, fill.RequestedQty.InexactFloat64())

	fill, err = e.CreateMarketOrder(ctx, order("ETH", market.Sell, 2))
	require.NoError(t, err)
	assert.Equal(t, 999.0, fill.Price(), "sell gives up")
	assert.Equal(t, 2.0, fill.Qty(), "reducing orders fill in full")
}

func TestReduceOnlyRejectedWithoutPosition(t *testing.T) {
	t.Parallel()

	e := newTestEngine(Options{})
	e.Mark("SOL", 20, 0)
	_, err := e.CreateMarketOrder(context.Background(), broker.MarketOrder{
		Symbol: "SOL", Side: market.Sell, Quantity: decimal.NewFromInt(1), ReduceOnly: true,
	})
	assert.ErrorIs(t, err, broker.ErrRejected)
}

func TestNoPrice(t *testing.T) {
	t.Parallel()

	e := newTestEngine(Options{})
	_, err := e.FetchTicker(context.Background(), "XAU_USD")
	assert.ErrorIs(t, err, broker.ErrNoPrice)
	_, err = e.CreateMarketOrder(context.Background(), order("XAU_USD", market.Buy, 1))
	assert.ErrorIs(t, err, broker.ErrNoPrice)
}

func TestProtectiveStopFires(t *testing.T) {
	t.Parallel()

	e := newTestEngine(Options{})
	ctx := context.Background()
	e.Mark("BTC", 100, 0)
	_, err := e.CreateMarketOrder(ctx, order("BTC", market.Buy, 1))
	require.NoError(t, err)

	require.NoError(t, e.PlaceProtectiveOrders(ctx, broker.Protective{
		Symbol: "BTC", Direction: market.Long, Quantity: decimal.NewFromInt(1),
		StopLoss: decimal.NewFromInt(97), TakeProfit: decimal.NewFromInt(106),
	}))
	assert.Equal(t, 2, e.OpenOrders("BTC"))

	e.Mark("BTC", 99, 0)
	pos, _ := e.FetchPositions(ctx, nil)
	assert.Len(t, pos, 1)

	e.Mark("BTC", 96, 0)
	pos, _ = e.FetchPositions(ctx, nil)
	assert.Empty(t, pos)
	assert.Zero(t, e.OpenOrders("BTC"))

	events := e.Events()
	require.Len(t, events, 1)
	assert.Equal(t, "stop", events[0].Kind)
	assert.True(t, events[0].PnL.Equal(decimal.NewFromInt(-4)))
	assert.Empty(t, e.Events())
}

func TestCancelAllOrders(t *testing.T) {
	t.Parallel()

	e := newTestEngine(Options{})
	ctx := context.Background()
	e.Mark("BTC", 100, 0)
	_, err := e.CreateMarketOrder(ctx, order("BTC", market.Sell, 1))
	require.NoError(t, err)
	require.NoError(t, e.PlaceProtectiveOrders(ctx, broker.Protective{
		Symbol: "BTC", Direction: market.Short, StopLoss: decimal.NewFromInt(103),
	}))
	require.NoError(t, e.CancelAllOrders(ctx, "BTC"))

	e.Mark("BTC", 105, 0)
	pos, _ := e.FetchPositions(ctx, nil)
	assert.Len(t, pos, 1, "cancelled stop must not fire")
}

func TestFailNext(t *testing.T) {
	t.Parallel()

	e := newTestEngine(Options{})
	boom := errors.New("boom")
	e.FailNext("positions", boom)

	_, err := e.FetchPositions(context.Background(), nil)
	assert.ErrorIs(t, err, boom)
	_, err = e.FetchPositions(context.Background(), nil)
	assert.NoError(t, err)
}

func TestFetchPositionsFiltersSymbols(t *testing.T) {
	t.Parallel()

	e := newTestEngine(Options{})
	e.Inject("A", market.Long, 1, 10, 1)
	e.Inject("B", market.Short, 2, 20, 3)

	pos, err := e.FetchPositions(context.Background(), []string{"B", "C"})
	require.NoError(t, err)
	require.Len(t, pos, 1)
	assert.Equal(t, "B", pos[0].Symbol)

	e.Liquidate("B")
	pos, err = e.FetchPositions(context.Background(), nil)
	require.NoError(t, err)
	require.Len(t, pos, 1)
	assert.Equal(t, "A", pos[0].Symbol)
}

func TestSaveLoad(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "paper.json")
	e := newTestEngine(Options{})
	e.Mark("BTC", 100, 5_000_000)
	e.Inject("BTC", market.Long, 0.5, 99, 3)
	require.NoError(t, e.SetLeverage(context.Background(), "BTC", 3))
	require.NoError(t, e.Save(path))

	other := newTestEngine(Options{})
	require.NoError(t, other.Load(path))

	tk, err := other.FetchTicker(context.Background(), "BTC")
	require.NoError(t, err)
	assert.Equal(t, 100.0, tk.Price())
	assert.Equal(t, 5_000_000.0, tk.Volume24h.InexactFloat64())

	pos, err := other.FetchPositions(context.Background(), nil)
	require.NoError(t, err)
	require.Len(t, pos, 1)
	assert.Equal(t, 0.5, pos[0].Qty())

	candles, err := other.FetchCandles(context.Background(), "BTC", "15m", 10)
	require.NoError(t, err)
	assert.Len(t, candles, 1)

	// missing file is not an error
	assert.NoError(t, newTestEngine(Options{}).Load(filepath.Join(t.TempDir(), "none.json")))
}
