// journal/csv.go
package journal

import (
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"sync"
	"time"
)

var tradeHeader = []string{
	"event", "trade_id", "symbol", "direction", "origin",
	"entry_price", "size", "cost", "take_profit", "stop_loss", "leverage", "opened_at",
	"exit_price", "pnl", "exit_reason", "closed_at",
}

var skipHeader = []string{"symbol", "reason", "detail", "timestamp", "expires_at"}

// CSVJournal appends OPEN and CLOSE events to one file and skips to
// another. Nothing is rewritten, so expired skips stay in the file.
type CSVJournal struct {
	mu         sync.Mutex
	tradesPath string
	trades     *csv.Writer
	skips      *csv.Writer
	tf, sf     *os.File
}

func NewCSV(tradesPath, skipsPath string) (*CSVJournal, error) {
	tf, tw, err := openAppend(tradesPath, tradeHeader)
	if err != nil {
		return nil, err
	}
	sf, sw, err := openAppend(skipsPath, skipHeader)
	if err != nil {
		tf.Close()
		return nil, err
	}
	return &CSVJournal{tradesPath: tradesPath, trades: tw, skips: sw, tf: tf, sf: sf}, nil
}

func openAppend(path string, header []string) (*os.File, *csv.Writer, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644)
	if err != nil {
		return nil, nil, err
	}
	st, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, nil, err
	}
	w := csv.NewWriter(f)
	if st.Size() == 0 {
		if err := w.Write(header); err != nil {
			f.Close()
			return nil, nil, err
		}
		w.Flush()
		if err := w.Error(); err != nil {
			f.Close()
			return nil, nil, err
		}
	}
	return f, w, nil
}

func (j *CSVJournal) RecordOpen(_ context.Context, t TradeRecord) error {
	if t.Origin == "" {
		t.Origin = OriginEntry
	}
	return j.writeTrade([]string{
		StatusOpen,
		t.TradeID,
		t.Symbol,
		string(t.Direction),
		t.Origin,
		f(t.EntryPrice),
		f(t.Size),
		f(t.Cost),
		f(t.TakeProfit),
		f(t.StopLoss),
		strconv.Itoa(t.Leverage),
		ts(t.OpenedAt),
		"", "", "", "",
	})
}

func (j *CSVJournal) RecordClose(_ context.Context, c CloseRecord) error {
	return j.writeTrade([]string{
		StatusClosed,
		c.TradeID,
		c.Symbol,
		string(c.Direction),
		"",
		f(c.EntryPrice),
		f(c.Size),
		"", "", "", "", "",
		f(c.ExitPrice),
		f(c.PnL),
		c.Reason,
		ts(c.ClosedAt),
	})
}

func (j *CSVJournal) writeTrade(row []string) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	if err := j.trades.Write(row); err != nil {
		return err
	}
	j.trades.Flush()
	return j.trades.Error()
}

func (j *CSVJournal) RecordSkip(_ context.Context, s SkipRecord) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	err := j.skips.Write([]string{
		s.Symbol,
		s.Reason,
		s.Detail,
		ts(s.Timestamp),
		ts(s.ExpiresAt),
	})
	if err != nil {
		return err
	}
	j.skips.Flush()
	return j.skips.Error()
}

// PurgeExpiredSkips is a no-op for the append-only file.
func (j *CSVJournal) PurgeExpiredSkips(context.Context, time.Time) (int64, error) {
	return 0, nil
}

// RealizedPnLSince re-reads the trades file and sums the first CLOSE event
// per trade at or after since.
func (j *CSVJournal) RealizedPnLSince(_ context.Context, since time.Time) (float64, error) {
	j.mu.Lock()
	defer j.mu.Unlock()

	rf, err := os.Open(j.tradesPath)
	if err != nil {
		return 0, err
	}
	defer rf.Close()

	r := csv.NewReader(rf)
	r.FieldsPerRecord = len(tradeHeader)
	if _, err := r.Read(); err != nil {
		if errors.Is(err, io.EOF) {
			return 0, nil
		}
		return 0, err
	}

	seen := map[string]bool{}
	var pnl float64
	for {
		row, err := r.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return 0, err
		}
		if row[0] != StatusClosed || seen[row[1]] {
			continue
		}
		closed, err := time.Parse(time.RFC3339Nano, row[15])
		if err != nil {
			return 0, fmt.Errorf("trades csv: closed_at %q: %w", row[15], err)
		}
		if closed.Before(since) {
			continue
		}
		v, err := strconv.ParseFloat(row[13], 64)
		if err != nil {
			return 0, fmt.Errorf("trades csv: pnl %q: %w", row[13], err)
		}
		seen[row[1]] = true
		pnl += v
	}
	return pnl, nil
}

func (j *CSVJournal) Close() error {
	j.mu.Lock()
	defer j.mu.Unlock()

	j.trades.Flush()
	if err := j.trades.Error(); err != nil {
		return err
	}
	j.skips.Flush()
	if err := j.skips.Error(); err != nil {
		return err
	}

	if err := j.tf.Close(); err != nil {
		return err
	}
	return j.sf.Close()
}

func f(x float64) string {
	return strconv.FormatFloat(x, 'f', 6, 64)
}

func ts(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339Nano)
}
