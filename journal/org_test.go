package journal

import (
	"strings"
	"testing"
	"time"

	"github.com/rustyeddy/riskengine/market"
	"github.com/stretchr/testify/assert"
)

func TestFormatTradeOrg(t *testing.T) {
	t.Parallel()

	open := time.Date(2024, 3, 15, 10, 30, 45, 0, time.UTC)
	close := time.Date(2024, 3, 15, 14, 20, 30, 0, time.UTC)

	trade := TradeRecord{
		TradeID:    "01HS0000000000000000000000",
		Symbol:     "EUR_USD",
		Direction:  market.Long,
		Origin:     OriginEntry,
		Size:       1000,
		Leverage:   2,
		EntryPrice: 1.08500,
		StopLoss:   1.08200,
		TakeProfit: 1.09100,
		Cost:       1085,
		OpenedAt:   open,
		Status:     StatusClosed,
		ExitPrice:  1.08750,
		ClosedAt:   close,
		PnL:        2.50,
		ExitReason: "CLOSED_TAKE_PROFIT",
	}

	result := FormatTradeOrg(trade)

	assert.Contains(t, result, "** Trade: EUR_USD LONG (01HS0000) CLOSED")
	assert.Contains(t, result, ":PROPERTIES:")
	assert.Contains(t, result, ":TRADE_ID: 01HS0000000000000000000000")
	assert.Contains(t, result, ":SIZE: 1000")
	assert.Contains(t, result, ":LEVERAGE: 2x")
	assert.Contains(t, result, ":ENTRY_PRICE: 1.08500")
	assert.Contains(t, result, ":EXIT_PRICE: 1.08750")
	assert.Contains(t, result, ":OPEN_TIME: 2024-03-15T10:30:45Z")
	assert.Contains(t, result, ":CLOSE_TIME: 2024-03-15T14:20:30Z")
	assert.Contains(t, result, ":PNL: 2.50")
	assert.Contains(t, result, ":EXIT_REASON: CLOSED_TAKE_PROFIT")
	assert.Contains(t, result, ":END:")
	assert.Contains(t, result, "*** Review")
}

func TestFormatOpenTradeOmitsExit(t *testing.T) {
	t.Parallel()

	result := FormatTradeOrg(TradeRecord{TradeID: "short", Symbol: "GBP_USD", Status: StatusOpen, OpenedAt: time.Now()})
	assert.Contains(t, result, "** Trade: GBP_USD  (short) OPEN")
	assert.NotContains(t, result, ":EXIT_PRICE:")
}

func TestFormatTradesOrgSeparates(t *testing.T) {
	t.Parallel()

	out := FormatTradesOrg([]TradeRecord{{TradeID: "a"}, {TradeID: "b"}})
	assert.Equal(t, 2, strings.Count(out, "** Trade:"))
	assert.Contains(t, out, "\n\n\n** Trade:")
}

func TestFormatSkipsOrg(t *testing.T) {
	t.Parallel()

	out := FormatSkipsOrg([]SkipRecord{{
		Symbol: "BTC", Reason: "PORTFOLIO_RISK_CAP", Detail: "a|b",
		Timestamp: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC),
	}})
	assert.Contains(t, out, "| 2024-01-01T00:00:00Z | BTC | PORTFOLIO_RISK_CAP | a/b |")
}
