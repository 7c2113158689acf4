package ledger

import (
	"context"
	"database/sql"
	"fmt"
	"path/filepath"
	"sync"
	"testing"

	"github.com/rustyeddy/riskengine/market"
	"github.com/rustyeddy/riskengine/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// newTestLedgers opens n handles on one database file, one per simulated
// invocation.
func newTestLedgers(t *testing.T, n int) []*Ledger {
	t.Helper()

	path := filepath.Join(t.TempDir(), "ledger.db")
	out := make([]*Ledger, 0, n)
	for i := 0; i < n; i++ {
		db, err := store.Open(context.Background(), store.Options{Driver: store.DriverCGO, Path: path})
		require.NoError(t, err)
		t.Cleanup(func() { _ = db.Close() })
		out = append(out, New(db))
	}
	return out
}

func newTestLedger(t *testing.T) *Ledger {
	t.Helper()
	return newTestLedgers(t, 1)[0]
}

func entry(symbol, tradeID string, risk float64) Entry {
	return Entry{
		Symbol:     symbol,
		TradeID:    tradeID,
		Risk:       risk,
		EntryPrice: 100,
		Quantity:   1,
		Direction:  market.Long,
	}
}

func TestCheckAndAddWithinCap(t *testing.T) {
	t.Parallel()

	l := newTestLedger(t)
	ctx := context.Background()

	ok, msg, err := l.CheckAndAdd(ctx, entry("BTC", "T1", 20), 1000, 0.06)
	require.NoError(t, err)
	assert.True(t, ok, msg)

	ok, msg, err = l.CheckAndAdd(ctx, entry("ETH", "T2", 30), 1000, 0.06)
	require.NoError(t, err)
	assert.True(t, ok, msg)

	ok, msg, err = l.CheckAndAdd(ctx, entry("SOL", "T3", 15), 1000, 0.06)
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Contains(t, msg, "risk capacity exceeded")

	snap, err := l.Snapshot(ctx)
	require.NoError(t, err)
	assert.InDelta(t, 50, snap.TotalRiskInUse, 1e-9)
	assert.Equal(t, []string{"BTC", "ETH"}, snap.Symbols())
	assert.InDelta(t, 0, snap.Drift(), 1e-9)
}

func TestCheckAndAddIdempotentRedelivery(t *testing.T) {
	t.Parallel()

	l := newTestLedger(t)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		ok, _, err := l.CheckAndAdd(ctx, entry("BTC", "T1", 10), 1000, 0.5)
		require.NoError(t, err)
		assert.True(t, ok)
	}

	snap, err := l.Snapshot(ctx)
	require.NoError(t, err)
	assert.InDelta(t, 10, snap.TotalRiskInUse, 1e-9)
}

func TestCheckAndAddRejectsSecondTradeOnSymbol(t *testing.T) {
	t.Parallel()

	l := newTestLedger(t)
	ctx := context.Background()

	ok, _, err := l.CheckAndAdd(ctx, entry("BTC", "T1", 10), 1000, 0.5)
	require.NoError(t, err)
	require.True(t, ok)

	ok, msg, err := l.CheckAndAdd(ctx, entry("BTC", "T2", 10), 1000, 0.5)
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Contains(t, msg, "already active")

	snap, err := l.Snapshot(ctx)
	require.NoError(t, err)
	assert.InDelta(t, 10, snap.TotalRiskInUse, 1e-9, "rejected add must not leave an increment behind")
	assert.Equal(t, "T1", snap.ActiveTrades["BTC"].TradeID)
}

func TestCheckAndAddValidation(t *testing.T) {
	t.Parallel()

	l := newTestLedger(t)
	ctx := context.Background()

	tests := []struct {
		name     string
		e        Entry
		capital  float64
		fraction float64
	}{
		{"negative risk", entry("X", "T", -1), 1000, 0.5},
		{"no capital", entry("X", "T", 1), 0, 0.5},
		{"no fraction", entry("X", "T", 1), 1000, 0},
		{"no symbol", entry("", "T", 1), 1000, 0.5},
		{"no trade id", entry("X", "", 1), 1000, 0.5},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, _, err := l.CheckAndAdd(ctx, tt.e, tt.capital, tt.fraction)
			assert.ErrorIs(t, err, ErrInvalidEntry)
		})
	}
}

// Two invocations race to register 600 against a 500 cap on an empty
// ledger: the row-creation path admits exactly one, the other sees the cap.
func TestConcurrentCheckAndAddScenario(t *testing.T) {
	t.Parallel()

	ls := newTestLedgers(t, 2)
	ctx := context.Background()

	type outcome struct {
		ok  bool
		msg string
		err error
	}
	results := make([]outcome, 2)

	var wg sync.WaitGroup
	start := make(chan struct{})
	for i := range ls {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			<-start
			ok, msg, err := ls[i].CheckAndAdd(ctx, entry("X", fmt.Sprintf("T%d", i), 600), 1000, 0.5)
			results[i] = outcome{ok, msg, err}
		}(i)
	}
	close(start)
	wg.Wait()

	accepted := 0
	for _, r := range results {
		require.NoError(t, r.err)
		if r.ok {
			accepted++
		} else {
			assert.Contains(t, r.msg, "risk capacity exceeded")
		}
	}
	assert.Equal(t, 1, accepted)

	snap, err := ls[0].Snapshot(ctx)
	require.NoError(t, err)
	assert.InDelta(t, 600, snap.TotalRiskInUse, 1e-9)
	assert.Len(t, snap.ActiveTrades, 1)
}

func TestConcurrentCheckAndAddNeverExceedsCap(t *testing.T) {
	t.Parallel()

	ls := newTestLedgers(t, 4)
	ctx := context.Background()
	const capital, fraction = 1000.0, 0.1 // cap 100

	// Create the row first so every later add goes through the cap check.
	ok, _, err := ls[0].CheckAndAdd(ctx, entry("SEED", "SEED", 0), capital, fraction)
	require.NoError(t, err)
	require.True(t, ok)

	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		accepted float64
	)
	for i := 0; i < 40; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			risk := float64(5 + i%4*5) // 5, 10, 15, 20
			ok, _, err := ls[i%len(ls)].CheckAndAdd(ctx,
				entry(fmt.Sprintf("S%02d", i), fmt.Sprintf("T%02d", i), risk), capital, fraction)
			assert.NoError(t, err)
			if ok {
				mu.Lock()
				accepted += risk
				mu.Unlock()
			}
		}(i)
	}
	wg.Wait()

	snap, err := ls[0].Snapshot(ctx)
	require.NoError(t, err)
	assert.LessOrEqual(t, snap.TotalRiskInUse, capital*fraction+1e-9)
	assert.InDelta(t, accepted, snap.TotalRiskInUse, 1e-9)
	assert.InDelta(t, 0, snap.Drift(), 1e-9)
}

func TestRemoveIsIdempotent(t *testing.T) {
	t.Parallel()

	l := newTestLedger(t)
	ctx := context.Background()

	ok, _, err := l.CheckAndAdd(ctx, entry("BTC", "T1", 25), 1000, 0.5)
	require.NoError(t, err)
	require.True(t, ok)
	ok, _, err = l.CheckAndAdd(ctx, entry("ETH", "T2", 5), 1000, 0.5)
	require.NoError(t, err)
	require.True(t, ok)

	removed, err := l.Remove(ctx, "BTC", 25)
	require.NoError(t, err)
	assert.True(t, removed)

	removed, err = l.Remove(ctx, "BTC", 25)
	require.NoError(t, err)
	assert.False(t, removed)

	snap, err := l.Snapshot(ctx)
	require.NoError(t, err)
	assert.InDelta(t, 5, snap.TotalRiskInUse, 1e-9)
}

func TestRemoveNeverGoesNegative(t *testing.T) {
	t.Parallel()

	l := newTestLedger(t)
	ctx := context.Background()

	ok, _, err := l.CheckAndAdd(ctx, entry("BTC", "T1", 10), 1000, 0.5)
	require.NoError(t, err)
	require.True(t, ok)

	removed, err := l.Remove(ctx, "BTC", 50)
	require.NoError(t, err)
	assert.True(t, removed)

	snap, err := l.Snapshot(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0.0, snap.TotalRiskInUse)

	// empty ledger: nothing to remove, no error
	removed, err = newTestLedger(t).Remove(ctx, "ZZZ", 1)
	require.NoError(t, err)
	assert.False(t, removed)
}

func TestRebaseRepairsLeak(t *testing.T) {
	t.Parallel()

	l := newTestLedger(t)
	ctx := context.Background()

	ok, _, err := l.CheckAndAdd(ctx, entry("BTC", "T1", 10), 1000, 0.5)
	require.NoError(t, err)
	require.True(t, ok)

	// simulate a close whose decrement never ran
	_, err = rawDB(l).Exec(`DELETE FROM ledger_trades WHERE symbol = 'BTC'`)
	require.NoError(t, err)

	snap, err := l.Snapshot(ctx)
	require.NoError(t, err)
	assert.InDelta(t, 10, snap.Drift(), 1e-9)

	before, after, err := l.Rebase(ctx)
	require.NoError(t, err)
	assert.InDelta(t, 10, before, 1e-9)
	assert.Equal(t, 0.0, after)

	snap, err = l.Snapshot(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0.0, snap.TotalRiskInUse)
}

func rawDB(l *Ledger) *sql.DB { return l.db }

func TestAdoptIgnoresCap(t *testing.T) {
	t.Parallel()

	l := newTestLedger(t)
	ctx := context.Background()

	ok, _, err := l.CheckAndAdd(ctx, entry("BTC", "T1", 60), 1000, 0.06)
	require.NoError(t, err)
	require.True(t, ok)

	ok, msg, err := l.Adopt(ctx, entry("SOL", "A1", 25))
	require.NoError(t, err)
	assert.True(t, ok, msg)

	// Redelivery of the same trade books nothing twice.
	ok, _, err = l.Adopt(ctx, entry("SOL", "A1", 25))
	require.NoError(t, err)
	assert.True(t, ok)

	ok, msg, err = l.Adopt(ctx, entry("SOL", "A2", 25))
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Contains(t, msg, "already active as A1")

	snap, err := l.Snapshot(ctx)
	require.NoError(t, err)
	assert.InDelta(t, 85, snap.TotalRiskInUse, 1e-9)
	assert.Equal(t, []string{"BTC", "SOL"}, snap.Symbols())

	_, _, err = l.Adopt(ctx, entry("", "A3", 1))
	require.ErrorIs(t, err, ErrInvalidEntry)
}
