package brokerobs

import (
	"bytes"
	"context"
	"errors"
	"testing"

	"github.com/rustyeddy/riskengine/broker"
	"github.com/rustyeddy/riskengine/broker/sim"
	"github.com/rustyeddy/riskengine/internal/logger"
	"github.com/rustyeddy/riskengine/market"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWrapKeepsCapabilities(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	log := logger.NewWithWriter(logger.LogConfig{Level: "INFO"}, &buf)
	inner := sim.NewEngine(sim.Options{Cash: decimal.NewFromInt(100)})
	inner.Mark("BTC", 50, 0)

	b := Wrap(inner, nil, log)
	_, ok := b.(broker.CandleSource)
	assert.True(t, ok)
	_, ok = b.(broker.ProtectiveOrders)
	assert.True(t, ok)

	fill, err := b.CreateMarketOrder(context.Background(), broker.MarketOrder{
		Symbol: "BTC", Side: market.Buy, Quantity: decimal.NewFromInt(1),
	})
	require.NoError(t, err)
	assert.Equal(t, 50.0, fill.Price())
	assert.Contains(t, buf.String(), "Order filled")
}

func TestWrapLogsErrors(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	log := logger.NewWithWriter(logger.LogConfig{Level: "INFO"}, &buf)
	inner := sim.NewEngine(sim.Options{})
	inner.FailNext("balance", errors.New("exchange down"))

	_, err := Wrap(inner, nil, log).FetchBalance(context.Background())
	require.Error(t, err)
	assert.Contains(t, buf.String(), "Failed to fetch balance")
	assert.Contains(t, buf.String(), "exchange down")
}
