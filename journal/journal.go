// journal/journal.go
package journal

import (
	"context"
	"time"

	"github.com/rustyeddy/riskengine/market"
)

const (
	StatusOpen   = "OPEN"
	StatusClosed = "CLOSED"

	OriginEntry   = "ENTRY"
	OriginAdopted = "ADOPTED"
)

// TradeRecord is one row of the trade log: written at open, updated once at
// close. It is audit data and never feeds a trading decision.
type TradeRecord struct {
	TradeID    string
	Symbol     string
	Direction  market.Direction
	Origin     string
	EntryPrice float64
	Size       float64
	Cost       float64
	TakeProfit float64
	StopLoss   float64
	Leverage   int
	OpenedAt   time.Time
	Status     string

	ExitPrice  float64
	PnL        float64
	ExitReason string
	ClosedAt   time.Time
}

// CloseRecord completes the trade with the same TradeID. The open fields are
// repeated so a close can still be logged when its open row is missing.
type CloseRecord struct {
	TradeID    string
	Symbol     string
	Direction  market.Direction
	EntryPrice float64
	Size       float64
	ExitPrice  float64
	PnL        float64
	Reason     string
	ClosedAt   time.Time
}

// SkipRecord explains an evaluated but rejected opportunity. It expires.
type SkipRecord struct {
	Symbol    string
	Reason    string
	Detail    string
	Timestamp time.Time
	ExpiresAt time.Time
}

type Journal interface {
	RecordOpen(ctx context.Context, t TradeRecord) error
	RecordClose(ctx context.Context, c CloseRecord) error
	RecordSkip(ctx context.Context, s SkipRecord) error
	PurgeExpiredSkips(ctx context.Context, now time.Time) (int64, error)
	// RealizedPnLSince sums the PnL of trades closed at or after since.
	RealizedPnLSince(ctx context.Context, since time.Time) (float64, error)
	Close() error
}

// StartOfDay is midnight of t's day in loc; the daily loss breaker counts
// from here.
func StartOfDay(t time.Time, loc *time.Location) time.Time {
	t = t.In(loc)
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, loc)
}
