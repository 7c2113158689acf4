package journal

import (
	"fmt"
	"strings"
	"time"
)

// FormatTradeOrg renders a TradeRecord as an Org-mode block suitable for pasting into a journal.
// Structured facts go in a PROPERTIES drawer for easy search; the review
// heading is left for the operator.
func FormatTradeOrg(t TradeRecord) string {
	heading := fmt.Sprintf("** Trade: %s %s (%s) %s", t.Symbol, t.Direction, shortID(t.TradeID), t.Status)
	// Use RFC3339 for copy/paste friendliness.
	open := orgTime(t.OpenedAt)
	close := orgTime(t.ClosedAt)

	var b strings.Builder
	b.WriteString(heading)
	b.WriteString("\n")
	b.WriteString(":PROPERTIES:\n")
	b.WriteString(fmt.Sprintf(":TRADE_ID: %s\n", t.TradeID))
	b.WriteString(fmt.Sprintf(":ID: %s\n", t.TradeID))
	b.WriteString(fmt.Sprintf(":SYMBOL: %s\n", t.Symbol))
	b.WriteString(fmt.Sprintf(":DIRECTION: %s\n", t.Direction))
	b.WriteString(fmt.Sprintf(":ORIGIN: %s\n", t.Origin))
	b.WriteString(fmt.Sprintf(":SIZE: %g\n", t.Size))
	b.WriteString(fmt.Sprintf(":LEVERAGE: %dx\n", t.Leverage))
	b.WriteString(fmt.Sprintf(":ENTRY_PRICE: %.5f\n", t.EntryPrice))
	b.WriteString(fmt.Sprintf(":STOP_LOSS: %.5f\n", t.StopLoss))
	b.WriteString(fmt.Sprintf(":TAKE_PROFIT: %.5f\n", t.TakeProfit))
	b.WriteString(fmt.Sprintf(":COST: %.2f\n", t.Cost))
	b.WriteString(fmt.Sprintf(":OPEN_TIME: %s\n", open))
	if t.Status == StatusClosed {
		b.WriteString(fmt.Sprintf(":EXIT_PRICE: %.5f\n", t.ExitPrice))
		b.WriteString(fmt.Sprintf(":CLOSE_TIME: %s\n", close))
		b.WriteString(fmt.Sprintf(":PNL: %.2f\n", t.PnL))
		b.WriteString(fmt.Sprintf(":EXIT_REASON: %s\n", t.ExitReason))
	}
	b.WriteString(":END:\n")
	b.WriteString("\n")
	b.WriteString("*** Review\n- \n")

	return b.String()
}

// FormatTradesOrg renders multiple trades separated by blank lines.
func FormatTradesOrg(trades []TradeRecord) string {
	var b strings.Builder
	for i, t := range trades {
		if i > 0 {
			b.WriteString("\n\n")
		}
		b.WriteString(FormatTradeOrg(t))
	}
	return b.String()
}

// FormatSkipsOrg renders skip records as an Org table.
func FormatSkipsOrg(skips []SkipRecord) string {
	var b strings.Builder
	b.WriteString("| time | symbol | reason | detail |\n")
	b.WriteString("|------+--------+--------+--------|\n")
	for _, s := range skips {
		b.WriteString(fmt.Sprintf("| %s | %s | %s | %s |\n",
			orgTime(s.Timestamp), s.Symbol, s.Reason, strings.ReplaceAll(s.Detail, "|", "/")))
	}
	return b.String()
}

func orgTime(t time.Time) string {
	if t.IsZero() {
		return "-"
	}
	return t.UTC().Format(time.RFC3339)
}

func shortID(full string) string {
	if len(full) <= 8 {
		return full
	}
	return full[:8]
}
