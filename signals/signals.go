// Package signals supplies entry opportunities. A Source answers one
// question per symbol per cycle: is there a fresh entry, and if so where
// should the stop and target go.
package signals

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/rustyeddy/riskengine/exits"
	"github.com/rustyeddy/riskengine/market"
)

var ErrInvalidSignal = errors.New("invalid signal")

type Signal struct {
	Symbol          string
	Direction       market.Direction
	EntryPrice      float64
	SuggestedStop   float64
	SuggestedTarget float64
	// Score ranks the setup 0..100 and selects the leverage tier.
	Score      float64
	Confidence float64
	ATR        float64
	Volume24h  float64
	Regime     *exits.Regime
	Reason     string
	Time       time.Time
}

func (s Signal) Validate() error {
	switch {
	case s.Symbol == "":
		return fmt.Errorf("%w: symbol is required", ErrInvalidSignal)
	case !s.Direction.Valid():
		return fmt.Errorf("%w: %s: direction %q", ErrInvalidSignal, s.Symbol, s.Direction)
	case !(s.EntryPrice > 0) || math.IsInf(s.EntryPrice, 0):
		return fmt.Errorf("%w: %s: entry %v", ErrInvalidSignal, s.Symbol, s.EntryPrice)
	case !(s.SuggestedStop > 0):
		return fmt.Errorf("%w: %s: stop %v", ErrInvalidSignal, s.Symbol, s.SuggestedStop)
	case s.Score < 0 || s.Score > 100:
		return fmt.Errorf("%w: %s: score %v outside 0..100", ErrInvalidSignal, s.Symbol, s.Score)
	}
	return nil
}

// Source returns nil with no error when there is nothing to do.
type Source interface {
	Signal(ctx context.Context, symbol string) (*Signal, error)
}

// RegimeSource reports the trend context used by the exit trend override.
// A nil regime disables the override for that symbol.
type RegimeSource interface {
	Regime(ctx context.Context, symbol string) (*exits.Regime, error)
}

// None never signals. Used when the engine should only manage exits.
type None struct{}

func (None) Signal(context.Context, string) (*Signal, error)       { return nil, nil }
func (None) Regime(context.Context, string) (*exits.Regime, error) { return nil, nil }

// targetFor places the target rr stop-distances from entry.
func targetFor(d market.Direction, entry, stop, rr float64) float64 {
	return entry + d.Sign()*math.Abs(entry-stop)*rr
}
