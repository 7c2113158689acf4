package positions

import (
	"errors"
	"fmt"
	"math"
	"sort"
	"strings"
	"time"

	"github.com/rustyeddy/riskengine/market"
)

const StatusOpen = "OPEN"

var ErrInvalidPosition = errors.New("invalid position")

// Field names a position attribute that can be an estimate.
type Field string

const (
	FieldStopLoss    Field = "stop_loss"
	FieldTakeProfit  Field = "take_profit"
	FieldOpenedAt    Field = "opened_at"
	FieldRiskDollars Field = "risk_dollars"
)

// Estimated marks fields synthesized from partial broker data rather than
// set by the entry that opened the position.
type Estimated map[Field]bool

func (e Estimated) Any() bool {
	for _, v := range e {
		if v {
			return true
		}
	}
	return false
}

func (e Estimated) String() string {
	var fs []string
	for f, v := range e {
		if v {
			fs = append(fs, string(f))
		}
	}
	sort.Strings(fs)
	return strings.Join(fs, ",")
}

func parseEstimated(s string) Estimated {
	if s == "" {
		return nil
	}
	out := Estimated{}
	for _, f := range strings.Split(s, ",") {
		out[Field(f)] = true
	}
	return out
}

// Position is one open position. There is at most one per symbol.
type Position struct {
	Symbol      string
	TradeID     string
	Direction   market.Direction
	AssetClass  market.AssetClass
	EntryPrice  float64
	Quantity    float64
	Leverage    int
	StopLoss    float64
	TakeProfit  float64
	RiskDollars float64
	OpenedAt    time.Time
	UpdatedAt   time.Time
	Estimated   Estimated
}

func (p Position) Notional() float64 {
	return p.EntryPrice * p.Quantity
}

// Age is how long the position has been open at now.
func (p Position) Age(now time.Time) time.Duration {
	return now.Sub(p.OpenedAt)
}

// Validate enforces the record shape before anything reaches the store.
func (p Position) Validate() error {
	bad := func(format string, args ...any) error {
		return fmt.Errorf("%w: %s: %s", ErrInvalidPosition, p.Symbol, fmt.Sprintf(format, args...))
	}
	switch {
	case p.Symbol == "":
		return fmt.Errorf("%w: symbol is required", ErrInvalidPosition)
	case p.TradeID == "":
		return bad("trade id is required")
	case !p.Direction.Valid():
		return bad("direction %q", p.Direction)
	case !positive(p.EntryPrice):
		return bad("entry price %v", p.EntryPrice)
	case !positive(p.Quantity):
		return bad("quantity %v", p.Quantity)
	case p.Leverage < 1:
		return bad("leverage %d", p.Leverage)
	case p.RiskDollars < 0 || math.IsNaN(p.RiskDollars):
		return bad("risk %v", p.RiskDollars)
	case p.OpenedAt.IsZero():
		return bad("opened_at is required")
	case p.StopLoss < 0 || p.TakeProfit < 0:
		return bad("negative price level")
	}
	return nil
}

// ValidateLevels checks stop and target sit on the correct side of entry.
// Only new entries are held to this: a trailed stop may pass entry.
func (p Position) ValidateLevels() error {
	bad := func(format string, args ...any) error {
		return fmt.Errorf("%w: %s: %s", ErrInvalidPosition, p.Symbol, fmt.Sprintf(format, args...))
	}
	if p.Direction == market.Long {
		if p.StopLoss != 0 && p.StopLoss >= p.EntryPrice {
			return bad("long stop %v must be below entry %v", p.StopLoss, p.EntryPrice)
		}
		if p.TakeProfit != 0 && p.TakeProfit <= p.EntryPrice {
			return bad("long target %v must be above entry %v", p.TakeProfit, p.EntryPrice)
		}
	} else {
		if p.StopLoss != 0 && p.StopLoss <= p.EntryPrice {
			return bad("short stop %v must be above entry %v", p.StopLoss, p.EntryPrice)
		}
		if p.TakeProfit != 0 && p.TakeProfit >= p.EntryPrice {
			return bad("short target %v must be below entry %v", p.TakeProfit, p.EntryPrice)
		}
	}
	return nil
}

func positive(x float64) bool {
	return x > 0 && !math.IsInf(x, 0) && !math.IsNaN(x)
}
