// Package broker is the contract the lifecycle engine holds with an
// exchange. Figures cross this boundary as decimals and are converted to
// float64 once, on the engine side.
package broker

import (
	"context"
	"errors"
	"time"

	"github.com/rustyeddy/riskengine/market"
	"github.com/shopspring/decimal"
)

var (
	ErrNoPrice    = errors.New("no price")
	ErrNoPosition = errors.New("no position")
	ErrRejected   = errors.New("order rejected")
)

type Broker interface {
	FetchTicker(ctx context.Context, symbol string) (Ticker, error)
	// FetchPositions returns the live positions among symbols; an empty
	// symbols slice means all.
	FetchPositions(ctx context.Context, symbols []string) ([]Position, error)
	CreateMarketOrder(ctx context.Context, req MarketOrder) (Fill, error)
	CancelAllOrders(ctx context.Context, symbol string) error
	SetLeverage(ctx context.Context, symbol string, leverage int) error
	FetchBalance(ctx context.Context) (Balance, error)
}

// CandleSource is implemented by brokers that can serve recent candles.
type CandleSource interface {
	FetchCandles(ctx context.Context, symbol, granularity string, n int) ([]market.Candle, error)
}

// ProtectiveOrders is implemented by brokers that hold stop and target
// orders on their side, so a position stays protected between invocations.
type ProtectiveOrders interface {
	PlaceProtectiveOrders(ctx context.Context, req Protective) error
}

type Ticker struct {
	Symbol    string
	Last      decimal.Decimal
	Volume24h decimal.Decimal // quote volume, zero when unknown
	Time      time.Time
}

func (t Ticker) Price() float64 { return t.Last.InexactFloat64() }

type Position struct {
	Symbol     string
	Side       market.Direction
	Quantity   decimal.Decimal
	EntryPrice decimal.Decimal
	Leverage   int
}

func (p Position) Qty() float64   { return p.Quantity.InexactFloat64() }
func (p Position) Entry() float64 { return p.EntryPrice.InexactFloat64() }

type MarketOrder struct {
	Symbol   string
	Side     market.Side
	Quantity decimal.Decimal
	Leverage int
	// ReduceOnly orders may only shrink an existing position.
	ReduceOnly bool
	ClientID   string
}

type OrderStatus string

const (
	StatusFilled          OrderStatus = "FILLED"
	StatusPartiallyFilled OrderStatus = "PARTIALLY_FILLED"
	StatusRejected        OrderStatus = "REJECTED"
)

// Fill is what the exchange reports back. AvgPrice and FilledQty are the
// truth; the requested quantity is only kept for comparison.
type Fill struct {
	OrderID      string
	Symbol       string
	Side         market.Side
	AvgPrice     decimal.Decimal
	FilledQty    decimal.Decimal
	RequestedQty decimal.Decimal
	Status       OrderStatus
	Time         time.Time
}

func (f Fill) Price() float64 { return f.AvgPrice.InexactFloat64() }
func (f Fill) Qty() float64   { return f.FilledQty.InexactFloat64() }

// Filled reports whether any quantity traded.
func (f Fill) Filled() bool {
	return f.Status != StatusRejected && f.FilledQty.IsPositive() && f.AvgPrice.IsPositive()
}

type Balance struct {
	Currency string
	Total    decimal.Decimal
	Free     decimal.Decimal
}

type Protective struct {
	Symbol     string
	Direction  market.Direction
	Quantity   decimal.Decimal
	StopLoss   decimal.Decimal
	TakeProfit decimal.Decimal
}

// Dec converts an engine float to a wire decimal.
func Dec(f float64) decimal.Decimal {
	return decimal.NewFromFloat(f)
}
