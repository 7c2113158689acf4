// Package brokerobs wraps a broker.Broker with spans and log lines around
// every call.
package brokerobs

import (
	"context"
	"time"

	"github.com/rustyeddy/riskengine/broker"
	"github.com/rustyeddy/riskengine/internal/logger"
	"github.com/rustyeddy/riskengine/internal/trace"
	"github.com/rustyeddy/riskengine/market"
	"go.opentelemetry.io/otel/attribute"
	oteltrace "go.opentelemetry.io/otel/trace"
)

// observableBroker wraps a Broker with observability (logging & tracing)
type observableBroker struct {
	broker broker.Broker
	tracer *trace.Provider
	log    *logger.Logger
}

// Compile-time interface check
var _ broker.Broker = (*observableBroker)(nil)

// Wrap wraps b. Optional capabilities (candles, protective orders) are
// passed through when b has them.
func Wrap(b broker.Broker, tp *trace.Provider, log *logger.Logger) broker.Broker {
	if tp == nil {
		tp = trace.Disabled()
	}
	if log == nil {
		log = logger.Nop()
	}
	ob := &observableBroker{broker: b, tracer: tp, log: log}

	cs, hasCandles := b.(broker.CandleSource)
	po, hasProtective := b.(broker.ProtectiveOrders)
	switch {
	case hasCandles && hasProtective:
		return &struct {
			*observableBroker
			*observableCandles
			*observableProtective
		}{ob, &observableCandles{ob, cs}, &observableProtective{ob, po}}
	case hasCandles:
		return &struct {
			*observableBroker
			*observableCandles
		}{ob, &observableCandles{ob, cs}}
	case hasProtective:
		return &struct {
			*observableBroker
			*observableProtective
		}{ob, &observableProtective{ob, po}}
	}
	return ob
}

func (ob *observableBroker) span(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, oteltrace.Span) {
	return ob.tracer.StartSpan(ctx, name, oteltrace.WithAttributes(attrs...))
}

// FetchTicker returns the last price with observability
func (ob *observableBroker) FetchTicker(ctx context.Context, symbol string) (broker.Ticker, error) {
	ctx, span := ob.span(ctx, "broker.FetchTicker", attribute.String("symbol", symbol))
	defer span.End()

	tk, err := ob.broker.FetchTicker(ctx, symbol)
	if err != nil {
		ob.log.ErrorWithErr(ctx, "Failed to fetch ticker", err, "symbol", symbol)
		return broker.Ticker{}, err
	}
	ob.log.Debug(ctx, "Ticker fetched", "symbol", symbol, "price", tk.Last.String())
	return tk, nil
}

func (ob *observableBroker) FetchPositions(ctx context.Context, symbols []string) ([]broker.Position, error) {
	ctx, span := ob.span(ctx, "broker.FetchPositions", attribute.Int("symbols", len(symbols)))
	defer span.End()

	pos, err := ob.broker.FetchPositions(ctx, symbols)
	if err != nil {
		ob.log.ErrorWithErr(ctx, "Failed to fetch positions", err, "symbols", symbols)
		return nil, err
	}
	span.SetAttributes(attribute.Int("positions", len(pos)))
	ob.log.Debug(ctx, "Positions fetched", "count", len(pos))
	return pos, nil
}

// CreateMarketOrder places an order with observability
func (ob *observableBroker) CreateMarketOrder(ctx context.Context, req broker.MarketOrder) (broker.Fill, error) {
	ctx, span := ob.span(ctx, "broker.CreateMarketOrder",
		attribute.String("symbol", req.Symbol),
		attribute.String("side", string(req.Side)),
		attribute.String("quantity", req.Quantity.String()),
		attribute.Bool("reduce_only", req.ReduceOnly),
	)
	defer span.End()

	ob.log.Info(ctx, "Placing order",
		"symbol", req.Symbol,
		"side", req.Side,
		"qty", req.Quantity.String(),
		"leverage", req.Leverage,
		"reduce_only", req.ReduceOnly,
	)

	start := time.Now()
	fill, err := ob.broker.CreateMarketOrder(ctx, req)
	if err != nil {
		ob.log.ErrorWithErr(ctx, "Failed to place order", err,
			"symbol", req.Symbol,
			"side", req.Side,
			"qty", req.Quantity.String(),
		)
		return broker.Fill{}, err
	}

	ob.log.Info(ctx, "Order filled",
		"symbol", req.Symbol,
		"order_id", fill.OrderID,
		"status", fill.Status,
		"avg_price", fill.AvgPrice.String(),
		"filled_qty", fill.FilledQty.String(),
		"latency_ms", time.Since(start).Milliseconds(),
	)
	return fill, nil
}

func (ob *observableBroker) CancelAllOrders(ctx context.Context, symbol string) error {
	ctx, span := ob.span(ctx, "broker.CancelAllOrders", attribute.String("symbol", symbol))
	defer span.End()

	if err := ob.broker.CancelAllOrders(ctx, symbol); err != nil {
		ob.log.ErrorWithErr(ctx, "Failed to cancel orders", err, "symbol", symbol)
		return err
	}
	ob.log.Debug(ctx, "Orders cancelled", "symbol", symbol)
	return nil
}

func (ob *observableBroker) SetLeverage(ctx context.Context, symbol string, leverage int) error {
	ctx, span := ob.span(ctx, "broker.SetLeverage",
		attribute.String("symbol", symbol), attribute.Int("leverage", leverage))
	defer span.End()

	if err := ob.broker.SetLeverage(ctx, symbol, leverage); err != nil {
		ob.log.ErrorWithErr(ctx, "Failed to set leverage", err, "symbol", symbol, "leverage", leverage)
		return err
	}
	return nil
}

func (ob *observableBroker) FetchBalance(ctx context.Context) (broker.Balance, error) {
	ctx, span := ob.span(ctx, "broker.FetchBalance")
	defer span.End()

	bal, err := ob.broker.FetchBalance(ctx)
	if err != nil {
		ob.log.ErrorWithErr(ctx, "Failed to fetch balance", err)
		return broker.Balance{}, err
	}
	return bal, nil
}

type observableCandles struct {
	ob  *observableBroker
	src broker.CandleSource
}

func (oc *observableCandles) FetchCandles(ctx context.Context, symbol, granularity string, n int) ([]market.Candle, error) {
	ctx, span := oc.ob.span(ctx, "broker.FetchCandles",
		attribute.String("symbol", symbol), attribute.Int("count", n))
	defer span.End()

	candles, err := oc.src.FetchCandles(ctx, symbol, granularity, n)
	if err != nil {
		oc.ob.log.ErrorWithErr(ctx, "Failed to fetch candles", err, "symbol", symbol, "count", n)
		return nil, err
	}
	oc.ob.log.Debug(ctx, "Candles fetched", "symbol", symbol, "count", len(candles))
	return candles, nil
}

type observableProtective struct {
	ob *observableBroker
	po broker.ProtectiveOrders
}

func (op *observableProtective) PlaceProtectiveOrders(ctx context.Context, req broker.Protective) error {
	ctx, span := op.ob.span(ctx, "broker.PlaceProtectiveOrders", attribute.String("symbol", req.Symbol))
	defer span.End()

	if err := op.po.PlaceProtectiveOrders(ctx, req); err != nil {
		op.ob.log.ErrorWithErr(ctx, "Failed to place protective orders", err, "symbol", req.Symbol)
		return err
	}
	op.ob.log.Info(ctx, "Protective orders placed",
		"symbol", req.Symbol,
		"stop_loss", req.StopLoss.String(),
		"take_profit", req.TakeProfit.String(),
	)
	return nil
}
