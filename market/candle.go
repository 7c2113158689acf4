package market

import "time"

// Candle represents OHLC (Open, High, Low, Close) candlestick data
type Candle struct {
	Open   float64
	High   float64
	Low    float64
	Close  float64
	Time   time.Time
	Volume float64
}

// Quote is the last traded price of a symbol at a point in time.
type Quote struct {
	Symbol string
	Price  float64
	Time   time.Time
}
