package engine

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/rustyeddy/riskengine/reconcile"
)

// Status is the per-symbol outcome of one cycle.
type Status string

const (
	StatusOpen    Status = "OPEN"
	StatusClosed  Status = "CLOSED"
	StatusBlocked Status = "BLOCKED"
	StatusSkipped Status = "SKIPPED"
	StatusError   Status = "ERROR"
)

// Reasons the orchestrator reports on its own. Sizing and exit reasons are
// passed through unchanged.
const (
	ReasonEntered          = "ENTERED"
	ReasonHolding          = "HOLDING"
	ReasonStopTrailed      = "STOP_TRAILED"
	ReasonNoSignal         = "NO_SIGNAL"
	ReasonLocked           = "LOCKED"
	ReasonAlreadyOpen      = "ALREADY_OPEN"
	ReasonAdvisorCancel    = "ADVISOR_CANCEL"
	ReasonInvalidLevels    = "INVALID_LEVELS"
	ReasonPostFillFailure  = "POST_FILL_ACCOUNTING_FAILURE"
	ReasonBrokerUnknown    = "BROKER_STATE_UNKNOWN"
	ReasonNoCapital        = "CAPITAL_UNAVAILABLE"
	ReasonPriceUnavailable = "PRICE_UNAVAILABLE"
	ReasonSignalFailed     = "SIGNAL_UNAVAILABLE"
	ReasonLockFailed       = "LOCK_FAILED"
	ReasonStoreFailed      = "STORE_UNAVAILABLE"
	ReasonLedgerFailed     = "LEDGER_UNAVAILABLE"
	ReasonJournalFailed    = "JOURNAL_UNAVAILABLE"
	ReasonLeverageFailed   = "SET_LEVERAGE_FAILED"
	ReasonOrderFailed      = "ORDER_FAILED"
	ReasonNotFilled        = "ORDER_NOT_FILLED"
	ReasonCancelFailed     = "CANCEL_FAILED"
	ReasonCloseFailed      = "CLOSE_FAILED"
	ReasonPartialClose     = "PARTIAL_CLOSE"
	ReasonPanic            = "PANIC"
	ReasonBudgetExhausted  = "BUDGET_EXHAUSTED"
	ReasonStale            = "STALE_POSITION"
)

// Result is what reporting consumers see for one symbol in one cycle.
type Result struct {
	Symbol  string `json:"symbol"`
	Status  Status `json:"status"`
	Reason  string `json:"reason,omitempty"`
	TradeID string `json:"trade_id,omitempty"`
	Detail  string `json:"detail,omitempty"`
}

func (r Result) String() string {
	s := fmt.Sprintf("%s %s", r.Symbol, r.Status)
	if r.Reason != "" {
		s += " " + r.Reason
	}
	if r.TradeID != "" {
		s += " " + r.TradeID
	}
	return s
}

type CycleReport struct {
	Started   time.Time
	Duration  time.Duration
	Results   []Result
	Reconcile reconcile.Report
	// Reconciled is false when the broker book could not be read.
	Reconciled bool
	RiskInUse  float64
	Capital    float64
}

// Counts tallies results by status.
func (c CycleReport) Counts() map[Status]int {
	out := map[Status]int{}
	for _, r := range c.Results {
		out[r.Status]++
	}
	return out
}

// Failed is true when there was work and every symbol errored.
func (c CycleReport) Failed() bool {
	if len(c.Results) == 0 {
		return false
	}
	for _, r := range c.Results {
		if r.Status != StatusError {
			return false
		}
	}
	return true
}

func (c CycleReport) Summary() string {
	counts := c.Counts()
	keys := make([]string, 0, len(counts))
	for s := range counts {
		keys = append(keys, string(s))
	}
	sort.Strings(keys)
	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, fmt.Sprintf("%s=%d", k, counts[Status(k)]))
	}
	return fmt.Sprintf("%d symbols in %s [%s] risk in use %.2f",
		len(c.Results), c.Duration.Round(time.Millisecond), strings.Join(parts, " "), c.RiskInUse)
}

type MonitorReport struct {
	Polls   int
	Closed  []Result
	Errors  int
	Stopped string
}
