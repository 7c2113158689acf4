package risk

import "fmt"

// Reason tags a sizing refusal.
type Reason string

const (
	InvalidEntryPrice  Reason = "INVALID_ENTRY_PRICE"
	DailyLossLimit     Reason = "DAILY_LOSS_LIMIT"
	StopTooTight       Reason = "STOP_TOO_TIGHT"
	RiskBudgetExceeded Reason = "RISK_BUDGET_EXCEEDED"
	PortfolioRiskCap   Reason = "PORTFOLIO_RISK_CAP"
	LiquidityCap       Reason = "LIQUIDITY_CAP"
)

// Sizing is the sizer's answer: a tradable size, or a refusal.
type Sizing struct {
	Quantity     float64
	Leverage     int
	Notional     float64
	RiskDollars  float64
	StopDistance float64

	Blocked Reason
	Detail  string
	// Clamps lists the limits that reduced the size, in the order applied.
	Clamps []string
}

func (s Sizing) Allowed() bool { return s.Blocked == "" }

func (s *Sizing) block(code Reason, format string, args ...any) Sizing {
	s.Blocked = code
	s.Detail = fmt.Sprintf(format, args...)
	s.Quantity = 0
	s.Notional = 0
	s.RiskDollars = 0
	return *s
}

func (s *Sizing) clamp(name string) {
	s.Clamps = append(s.Clamps, name)
}
