// Package advisor asks an external oracle for a second opinion on an entry
// that already passed the signal filter. The oracle can confirm it, cancel
// it or ask for one leverage tier more. It never sizes a trade.
package advisor

import (
	"context"
	"fmt"
	"strings"

	"github.com/rustyeddy/riskengine/market"
)

type Decision string

const (
	Confirm Decision = "CONFIRM"
	Cancel  Decision = "CANCEL"
	Boost   Decision = "BOOST"
)

func ParseDecision(s string) (Decision, error) {
	switch d := Decision(strings.ToUpper(strings.TrimSpace(s))); d {
	case Confirm, Cancel, Boost:
		return d, nil
	}
	return "", fmt.Errorf("unknown advisor decision %q", s)
}

type Advice struct {
	Decision Decision `json:"decision"`
	Reason   string   `json:"reason"`
}

// Context is what the oracle sees about the proposed entry.
type Context struct {
	Direction     market.Direction `json:"direction"`
	Entry         float64          `json:"entry"`
	Stop          float64          `json:"stop"`
	Target        float64          `json:"target"`
	RewardRisk    float64          `json:"reward_risk"`
	Score         float64          `json:"score"`
	ADX           float64          `json:"adx,omitempty"`
	ATR           float64          `json:"atr,omitempty"`
	Volume24h     float64          `json:"volume_24h,omitempty"`
	OpenSymbols   []string         `json:"open_symbols,omitempty"`
	RiskInUse     float64          `json:"risk_in_use"`
	Capital       float64          `json:"capital"`
	// PortfolioRisk is RiskInUse as a fraction of Capital.
	PortfolioRisk float64          `json:"portfolio_risk"`
}

type Oracle interface {
	Evaluate(ctx context.Context, symbol string, c Context) (Advice, error)
}

// Noop confirms everything.
type Noop struct{}

func (Noop) Evaluate(context.Context, string, Context) (Advice, error) {
	return Advice{Decision: Confirm, Reason: "no advisor configured"}, nil
}
