// Package sim is an in-memory paper exchange implementing broker.Broker.
// It nets one position per symbol, fills market orders at the last price
// plus slippage, holds broker-side stop and target orders, and can persist
// its book to a JSON file so consecutive invocations see the same account.
package sim

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"sort"
	"sync"
	"time"

	"github.com/rustyeddy/riskengine/broker"
	"github.com/rustyeddy/riskengine/market"
	"github.com/rustyeddy/riskengine/pkg/id"
	"github.com/shopspring/decimal"
)

var _ broker.Broker = (*Engine)(nil)
var _ broker.CandleSource = (*Engine)(nil)
var _ broker.ProtectiveOrders = (*Engine)(nil)

const maxHistory = 500

var bps = decimal.NewFromInt(10_000)

type Options struct {
	Currency    string
	Cash        decimal.Decimal
	SlippageBps float64
	// FillRatio below 1 fills only part of every opening order.
	FillRatio float64
	Now       func() time.Time
}

type position struct {
	Side     market.Direction `json:"side"`
	Qty      decimal.Decimal  `json:"qty"`
	Entry    decimal.Decimal  `json:"entry"`
	Leverage int              `json:"leverage"`
}

type quote struct {
	Price  decimal.Decimal `json:"price"`
	Volume decimal.Decimal `json:"volume"`
	Time   time.Time       `json:"time"`
}

// conditional is a resting stop or target order that flattens a position.
type conditional struct {
	Kind    string          `json:"kind"` // "stop" or "take_profit"
	Trigger decimal.Decimal `json:"trigger"`
}

type state struct {
	Currency  string                     `json:"currency"`
	Cash      decimal.Decimal            `json:"cash"`
	Positions map[string]*position       `json:"positions"`
	Quotes    map[string]*quote          `json:"quotes"`
	Orders    map[string][]conditional   `json:"orders"`
	Leverage  map[string]int             `json:"leverage"`
	History   map[string][]market.Candle `json:"history"`
}

// Event records something the paper exchange did on its own, like a
// resting stop firing.
type Event struct {
	Symbol string
	Kind   string
	Price  decimal.Decimal
	PnL    decimal.Decimal
	Time   time.Time
}

type Engine struct {
	mu       sync.Mutex
	st       state
	slippage decimal.Decimal
	fill     decimal.Decimal
	now      func() time.Time
	failures map[string]error
	events   []Event
}

func NewEngine(opts Options) *Engine {
	if opts.Currency == "" {
		opts.Currency = "USD"
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	fill := decimal.NewFromInt(1)
	if opts.FillRatio > 0 && opts.FillRatio < 1 {
		fill = decimal.NewFromFloat(opts.FillRatio)
	}
	return &Engine{
		st: state{
			Currency:  opts.Currency,
			Cash:      opts.Cash,
			Positions: map[string]*position{},
			Quotes:    map[string]*quote{},
			Orders:    map[string][]conditional{},
			Leverage:  map[string]int{},
			History:   map[string][]market.Candle{},
		},
		slippage: decimal.NewFromFloat(opts.SlippageBps),
		fill:     fill,
		now:      opts.Now,
		failures: map[string]error{},
	}
}

// FailNext makes the next call of op ("ticker", "positions", "order",
// "cancel", "leverage", "balance", "candles") return err.
func (e *Engine) FailNext(op string, err error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.failures[op] = err
}

func (e *Engine) failure(op string) error {
	err, ok := e.failures[op]
	if !ok {
		return nil
	}
	delete(e.failures, op)
	return err
}

// Mark sets the last price of symbol, appends it to the candle history and
// fires any resting orders it crosses.
func (e *Engine) Mark(symbol string, price, volume24h float64) {
	e.mu.Lock()
	defer e.mu.Unlock()

	now := e.now()
	p := decimal.NewFromFloat(price)
	q, ok := e.st.Quotes[symbol]
	if !ok {
		q = &quote{}
		e.st.Quotes[symbol] = q
	}
	q.Price = p
	q.Time = now
	if volume24h > 0 {
		q.Volume = decimal.NewFromFloat(volume24h)
	}

	h := append(e.st.History[symbol], market.Candle{
		Open: price, High: price, Low: price, Close: price, Time: now, Volume: volume24h,
	})
	if len(h) > maxHistory {
		h = h[len(h)-maxHistory:]
	}
	e.st.History[symbol] = h

	e.triggerLocked(symbol, p, now)
}

// SetCandles replaces the candle history of symbol and marks its last close.
func (e *Engine) SetCandles(symbol string, candles []market.Candle) {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.st.History[symbol] = append([]market.Candle(nil), candles...)
	if n := len(candles); n > 0 {
		last := candles[n-1]
		e.st.Quotes[symbol] = &quote{
			Price:  decimal.NewFromFloat(last.Close),
			Volume: decimal.NewFromFloat(last.Volume),
			Time:   last.Time,
		}
	}
}

func (e *Engine) FetchTicker(_ context.Context, symbol string) (broker.Ticker, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if err := e.failure("ticker"); err != nil {
		return broker.Ticker{}, err
	}
	q, ok := e.st.Quotes[symbol]
	if !ok {
		return broker.Ticker{}, fmt.Errorf("%w: %s", broker.ErrNoPrice, symbol)
	}
	return broker.Ticker{Symbol: symbol, Last: q.Price, Volume24h: q.Volume, Time: q.Time}, nil
}

func (e *Engine) FetchPositions(_ context.Context, symbols []string) ([]broker.Position, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if err := e.failure("positions"); err != nil {
		return nil, err
	}
	want := map[string]bool{}
	for _, s := range symbols {
		want[s] = true
	}
	out := []broker.Position{}
	for sym, p := range e.st.Positions {
		if len(want) > 0 && !want[sym] {
			continue
		}
		out = append(out, broker.Position{
			Symbol:     sym,
			Side:       p.Side,
			Quantity:   p.Qty,
			EntryPrice: p.Entry,
			Leverage:   p.Leverage,
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Symbol < out[j].Symbol })
	return out, nil
}

func (e *Engine) CreateMarketOrder(_ context.Context, req broker.MarketOrder) (broker.Fill, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if err := e.failure("order"); err != nil {
		return broker.Fill{}, err
	}
	if !req.Quantity.IsPositive() {
		return broker.Fill{}, fmt.Errorf("%w: quantity %s", broker.ErrRejected, req.Quantity)
	}
	q, ok := e.st.Quotes[req.Symbol]
	if !ok {
		return broker.Fill{}, fmt.Errorf("%w: %s", broker.ErrNoPrice, req.Symbol)
	}

	dir := market.Long
	if req.Side == market.Sell {
		dir = market.Short
	}

	price := e.slipped(q.Price, req.Side)
	qty := req.Quantity
	pos := e.st.Positions[req.Symbol]

	if req.ReduceOnly {
		if pos == nil || pos.Side == dir {
			return broker.Fill{}, fmt.Errorf("%w: reduce-only %s with nothing to reduce", broker.ErrRejected, req.Symbol)
		}
		if qty.GreaterThan(pos.Qty) {
			qty = pos.Qty
		}
	} else if pos == nil || pos.Side == dir {
		qty = qty.Mul(e.fill).Round(8)
	}

	lev := req.Leverage
	if lev <= 0 {
		lev = e.st.Leverage[req.Symbol]
	}
	if lev <= 0 {
		lev = 1
	}

	e.applyLocked(req.Symbol, dir, qty, price, lev)

	status := broker.StatusFilled
	if qty.LessThan(req.Quantity) {
		status = broker.StatusPartiallyFilled
	}
	return broker.Fill{
		OrderID:      id.New(),
		Symbol:       req.Symbol,
		Side:         req.Side,
		AvgPrice:     price,
		FilledQty:    qty,
		RequestedQty: req.Quantity,
		Status:       status,
		Time:         e.now(),
	}, nil
}

func (e *Engine) slipped(p decimal.Decimal, side market.Side) decimal.Decimal {
	adj := p.Mul(e.slippage).Div(bps)
	if side == market.Buy {
		return p.Add(adj)
	}
	return p.Sub(adj)
}

// applyLocked nets a fill into the position book and realizes PnL on the
// reducing part.
func (e *Engine) applyLocked(symbol string, dir market.Direction, qty, price decimal.Decimal, lev int) {
	pos := e.st.Positions[symbol]
	if pos == nil {
		e.st.Positions[symbol] = &position{Side: dir, Qty: qty, Entry: price, Leverage: lev}
		return
	}
	if pos.Side == dir {
		total := pos.Qty.Add(qty)
		pos.Entry = pos.Entry.Mul(pos.Qty).Add(price.Mul(qty)).Div(total)
		pos.Qty = total
		pos.Leverage = lev
		return
	}

	closing := decimal.Min(pos.Qty, qty)
	e.st.Cash = e.st.Cash.Add(realized(pos.Side, pos.Entry, price, closing))
	pos.Qty = pos.Qty.Sub(closing)
	rest := qty.Sub(closing)

	if pos.Qty.IsZero() {
		delete(e.st.Positions, symbol)
		delete(e.st.Orders, symbol)
	}
	if rest.IsPositive() {
		e.st.Positions[symbol] = &position{Side: dir, Qty: rest, Entry: price, Leverage: lev}
	}
}

func realized(side market.Direction, entry, exit, qty decimal.Decimal) decimal.Decimal {
	pnl := exit.Sub(entry).Mul(qty)
	if side == market.Short {
		return pnl.Neg()
	}
	return pnl
}

func hitStop(side market.Direction, price, trigger decimal.Decimal) bool {
	if side == market.Long {
		return price.LessThanOrEqual(trigger)
	}
	return price.GreaterThanOrEqual(trigger)
}

func hitTarget(side market.Direction, price, trigger decimal.Decimal) bool {
	if side == market.Long {
		return price.GreaterThanOrEqual(trigger)
	}
	return price.LessThanOrEqual(trigger)
}

func (e *Engine) triggerLocked(symbol string, price decimal.Decimal, now time.Time) {
	pos := e.st.Positions[symbol]
	if pos == nil {
		return
	}
	for _, o := range e.st.Orders[symbol] {
		fired := false
		switch o.Kind {
		case "stop":
			fired = hitStop(pos.Side, price, o.Trigger)
		case "take_profit":
			fired = hitTarget(pos.Side, price, o.Trigger)
		}
		if !fired {
			continue
		}
		pnl := realized(pos.Side, pos.Entry, price, pos.Qty)
		e.st.Cash = e.st.Cash.Add(pnl)
		delete(e.st.Positions, symbol)
		delete(e.st.Orders, symbol)
		e.events = append(e.events, Event{Symbol: symbol, Kind: o.Kind, Price: price, PnL: pnl, Time: now})
		return
	}
}

func (e *Engine) CancelAllOrders(_ context.Context, symbol string) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if err := e.failure("cancel"); err != nil {
		return err
	}
	delete(e.st.Orders, symbol)
	return nil
}

func (e *Engine) SetLeverage(_ context.Context, symbol string, leverage int) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if err := e.failure("leverage"); err != nil {
		return err
	}
	if leverage < 1 {
		return fmt.Errorf("%w: leverage %d", broker.ErrRejected, leverage)
	}
	e.st.Leverage[symbol] = leverage
	return nil
}

func (e *Engine) FetchBalance(_ context.Context) (broker.Balance, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if err := e.failure("balance"); err != nil {
		return broker.Balance{}, err
	}
	return broker.Balance{Currency: e.st.Currency, Total: e.st.Cash, Free: e.st.Cash}, nil
}

func (e *Engine) FetchCandles(_ context.Context, symbol, _ string, n int) ([]market.Candle, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if err := e.failure("candles"); err != nil {
		return nil, err
	}
	h := e.st.History[symbol]
	if n > 0 && len(h) > n {
		h = h[len(h)-n:]
	}
	return append([]market.Candle(nil), h...), nil
}

func (e *Engine) PlaceProtectiveOrders(_ context.Context, req broker.Protective) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if _, ok := e.st.Positions[req.Symbol]; !ok {
		return fmt.Errorf("%w: %s", broker.ErrNoPosition, req.Symbol)
	}
	var orders []conditional
	if req.StopLoss.IsPositive() {
		orders = append(orders, conditional{Kind: "stop", Trigger: req.StopLoss})
	}
	if req.TakeProfit.IsPositive() {
		orders = append(orders, conditional{Kind: "take_profit", Trigger: req.TakeProfit})
	}
	e.st.Orders[req.Symbol] = orders
	return nil
}

// OpenOrders reports how many resting orders symbol has.
func (e *Engine) OpenOrders(symbol string) int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.st.Orders[symbol])
}

// Inject opens a position outside of any order flow, the way a manual trade
// on the exchange would.
func (e *Engine) Inject(symbol string, side market.Direction, qty, entry float64, leverage int) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.st.Positions[symbol] = &position{
		Side:     side,
		Qty:      decimal.NewFromFloat(qty),
		Entry:    decimal.NewFromFloat(entry),
		Leverage: leverage,
	}
}

// Liquidate drops a position without an order, like an exchange
// liquidation.
func (e *Engine) Liquidate(symbol string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.st.Positions, symbol)
	delete(e.st.Orders, symbol)
	e.events = append(e.events, Event{Symbol: symbol, Kind: "liquidation", Time: e.now()})
}

// Events drains what the exchange did on its own since the last call.
func (e *Engine) Events() []Event {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := e.events
	e.events = nil
	return out
}

// Save writes the book to path.
func (e *Engine) Save(path string) error {
	e.mu.Lock()
	data, err := json.MarshalIndent(e.st, "", "  ")
	e.mu.Unlock()
	if err != nil {
		return fmt.Errorf("paper state: %w", err)
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return fmt.Errorf("paper state: %w", err)
	}
	return os.Rename(tmp, path)
}

// Load replaces the book with the one stored at path. A missing file leaves
// the engine as constructed.
func (e *Engine) Load(path string) error {
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("paper state: %w", err)
	}
	var st state
	if err := json.Unmarshal(data, &st); err != nil {
		return fmt.Errorf("paper state %s: %w", path, err)
	}
	if st.Positions == nil {
		st.Positions = map[string]*position{}
	}
	if st.Quotes == nil {
		st.Quotes = map[string]*quote{}
	}
	if st.Orders == nil {
		st.Orders = map[string][]conditional{}
	}
	if st.Leverage == nil {
		st.Leverage = map[string]int{}
	}
	if st.History == nil {
		st.History = map[string][]market.Candle{}
	}

	e.mu.Lock()
	e.st = st
	e.mu.Unlock()
	return nil
}
