// market/instruments.go
package market

import (
	"fmt"
	"strings"
)

// AssetClass groups instruments that share exit timing policy.
type AssetClass string

const (
	Crypto      AssetClass = "crypto"
	Forex       AssetClass = "forex"
	Indices     AssetClass = "indices"
	Commodities AssetClass = "commodities"
)

func ParseAssetClass(s string) (AssetClass, error) {
	switch AssetClass(strings.ToLower(strings.TrimSpace(s))) {
	case Crypto:
		return Crypto, nil
	case Forex:
		return Forex, nil
	case Indices:
		return Indices, nil
	case Commodities:
		return Commodities, nil
	}
	return "", fmt.Errorf("unknown asset class %q", s)
}

type InstrumentMeta struct {
	Symbol     string
	AssetClass AssetClass
	// MinNotional is the smallest order value the venue accepts.
	MinNotional float64
	// QtyStep rounds order quantities down; zero means no rounding.
	QtyStep     float64
	MaxLeverage int
}

// Registry resolves symbols to instrument metadata. Unknown symbols fall back
// to a classification by symbol shape.
type Registry struct {
	byName map[string]InstrumentMeta
}

func NewRegistry(metas ...InstrumentMeta) *Registry {
	r := &Registry{byName: map[string]InstrumentMeta{}}
	for _, m := range DefaultInstruments {
		r.byName[m.Symbol] = m
	}
	for _, m := range metas {
		r.byName[m.Symbol] = m
	}
	return r
}

func (r *Registry) Lookup(symbol string) InstrumentMeta {
	if m, ok := r.byName[symbol]; ok {
		return m
	}
	return InstrumentMeta{
		Symbol:     symbol,
		AssetClass: Classify(symbol),
	}
}

// Classify guesses an asset class from the symbol format:
// BTC/USDT:USDT style pairs are crypto, EUR_USD style pairs are forex.
func Classify(symbol string) AssetClass {
	s := strings.ToUpper(symbol)
	switch {
	case strings.Contains(s, "USDT"), strings.Contains(s, "/"):
		return Crypto
	case strings.HasPrefix(s, "XAU"), strings.HasPrefix(s, "XAG"),
		strings.HasPrefix(s, "WTI"), strings.HasPrefix(s, "BCO"),
		strings.HasPrefix(s, "NATGAS"):
		return Commodities
	case strings.Contains(s, "500"), strings.Contains(s, "100"),
		strings.HasPrefix(s, "US30"), strings.HasPrefix(s, "DE"),
		strings.HasPrefix(s, "JP225"), strings.HasPrefix(s, "UK"):
		return Indices
	}
	return Forex
}

var DefaultInstruments = []InstrumentMeta{
	{Symbol: "BTC/USDT:USDT", AssetClass: Crypto, MinNotional: 5, QtyStep: 0.001, MaxLeverage: 20},
	{Symbol: "ETH/USDT:USDT", AssetClass: Crypto, MinNotional: 5, QtyStep: 0.01, MaxLeverage: 20},
	{Symbol: "SOL/USDT:USDT", AssetClass: Crypto, MinNotional: 5, QtyStep: 0.1, MaxLeverage: 10},
	{Symbol: "EUR_USD", AssetClass: Forex, MinNotional: 1, QtyStep: 1, MaxLeverage: 30},
	{Symbol: "USD_JPY", AssetClass: Forex, MinNotional: 1, QtyStep: 1, MaxLeverage: 30},
	{Symbol: "SPX500_USD", AssetClass: Indices, MinNotional: 1, QtyStep: 0.1, MaxLeverage: 20},
	{Symbol: "XAU_USD", AssetClass: Commodities, MinNotional: 1, QtyStep: 0.01, MaxLeverage: 20},
}
