package positions

import (
	"bytes"
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/rustyeddy/riskengine/internal/logger"
	"github.com/rustyeddy/riskengine/market"
	"github.com/rustyeddy/riskengine/pkg/result"
	"github.com/rustyeddy/riskengine/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) (*Store, string) {
	t.Helper()

	path := filepath.Join(t.TempDir(), "positions.db")
	db, err := store.Open(context.Background(), store.Options{Driver: store.DriverCGO, Path: path})
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return NewStore(db, nil), path
}

func samplePosition(symbol string) Position {
	return Position{
		Symbol:      symbol,
		TradeID:     "T-" + symbol,
		Direction:   market.Long,
		AssetClass:  market.Crypto,
		EntryPrice:  100,
		Quantity:    2,
		Leverage:    3,
		StopLoss:    98,
		TakeProfit:  104,
		RiskDollars: 4,
		OpenedAt:    time.Date(2024, 2, 1, 9, 0, 0, 0, time.UTC),
	}
}

func TestSaveAndGet(t *testing.T) {
	t.Parallel()

	s, _ := newTestStore(t)
	ctx := context.Background()

	p := samplePosition("BTC")
	p.Estimated = Estimated{FieldStopLoss: true}
	require.NoError(t, s.Save(ctx, p))

	got := s.Get(ctx, "BTC")
	require.True(t, got.Found())
	pos, _ := got.Get()
	assert.Equal(t, p.EntryPrice, pos.EntryPrice)
	assert.Equal(t, p.OpenedAt, pos.OpenedAt)
	assert.True(t, pos.Estimated[FieldStopLoss])
	assert.False(t, pos.UpdatedAt.IsZero())

	assert.Equal(t, result.NotFound, s.Get(ctx, "ETH").State())

	// upsert replaces
	p.StopLoss = 101 // trailed past entry
	p.Estimated = nil
	require.NoError(t, s.Save(ctx, p))
	pos, _ = s.Get(ctx, "BTC").Get()
	assert.Equal(t, 101.0, pos.StopLoss)
	assert.False(t, pos.Estimated.Any())
}

func TestInsertRejectsSecondPosition(t *testing.T) {
	t.Parallel()

	s, _ := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.Insert(ctx, samplePosition("BTC")))

	dup := samplePosition("BTC")
	dup.TradeID = "OTHER"
	dup.Quantity = 99
	err := s.Insert(ctx, dup)
	assert.ErrorIs(t, err, ErrAlreadyOpen)

	pos, _ := s.Get(ctx, "BTC").Get()
	assert.Equal(t, "T-BTC", pos.TradeID)
	assert.Equal(t, 2.0, pos.Quantity)
}

func TestConcurrentInsertSinglePosition(t *testing.T) {
	t.Parallel()

	_, path := newTestStore(t)
	ctx := context.Background()

	stores := make([]*Store, 3)
	for i := range stores {
		db, err := store.Open(ctx, store.Options{Driver: store.DriverCGO, Path: path})
		require.NoError(t, err)
		t.Cleanup(func() { _ = db.Close() })
		stores[i] = NewStore(db, nil)
	}

	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		wins int
	)
	for i := 0; i < 12; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			p := samplePosition("ETH")
			p.TradeID = fmt.Sprintf("T%d", i)
			err := stores[i%len(stores)].Insert(ctx, p)
			if err == nil {
				mu.Lock()
				wins++
				mu.Unlock()
				return
			}
			assert.ErrorIs(t, err, ErrAlreadyOpen)
		}(i)
	}
	wg.Wait()
	assert.Equal(t, 1, wins)

	all, err := stores[0].LoadAllOpen(ctx)
	require.NoError(t, err)
	assert.Len(t, all, 1)
}

func TestInsertValidatesLevels(t *testing.T) {
	t.Parallel()

	s, _ := newTestStore(t)
	p := samplePosition("BTC")
	p.StopLoss = 100.5
	assert.ErrorIs(t, s.Insert(context.Background(), p), ErrInvalidPosition)
}

func TestLoadAllOpenFallsBackToScan(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "fallback.db")
	db, err := store.Open(context.Background(), store.Options{Driver: store.DriverCGO, Path: path})
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	var buf bytes.Buffer
	counter := prometheus.NewCounter(prometheus.CounterOpts{Name: "fallback_test"})
	s := NewStore(db, logger.NewWithWriter(logger.LogConfig{Format: "json"}, &buf)).WithFallbackCounter(counter)
	ctx := context.Background()

	require.NoError(t, s.Save(ctx, samplePosition("BTC")))
	require.NoError(t, s.Save(ctx, samplePosition("ETH")))
	_, err = db.Exec(`UPDATE positions SET status = 'CLOSING' WHERE symbol = 'ETH'`)
	require.NoError(t, err)

	all, err := s.LoadAllOpen(ctx)
	require.NoError(t, err)
	assert.Len(t, all, 1)
	assert.Equal(t, 0.0, testutil.ToFloat64(counter))

	_, err = db.Exec(`DROP INDEX idx_positions_status`)
	require.NoError(t, err)

	all, err = s.LoadAllOpen(ctx)
	require.NoError(t, err)
	assert.Len(t, all, 1)
	assert.Contains(t, all, "BTC")
	assert.Equal(t, 1.0, testutil.ToFloat64(counter))
	assert.Contains(t, buf.String(), "falling back to full scan")
}

func TestDelete(t *testing.T) {
	t.Parallel()

	s, _ := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.Save(ctx, samplePosition("BTC")))

	ok, err := s.Delete(ctx, "BTC")
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = s.Delete(ctx, "BTC")
	require.NoError(t, err)
	assert.False(t, ok)
	assert.True(t, s.Get(ctx, "BTC").Missing())
}

func TestValidate(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		mutate  func(p *Position)
		wantErr bool
	}{
		{"valid", func(p *Position) {}, false},
		{"no symbol", func(p *Position) { p.Symbol = "" }, true},
		{"no trade id", func(p *Position) { p.TradeID = "" }, true},
		{"bad direction", func(p *Position) { p.Direction = "FLAT" }, true},
		{"zero entry", func(p *Position) { p.EntryPrice = 0 }, true},
		{"zero quantity", func(p *Position) { p.Quantity = 0 }, true},
		{"zero leverage", func(p *Position) { p.Leverage = 0 }, true},
		{"negative risk", func(p *Position) { p.RiskDollars = -1 }, true},
		{"no open time", func(p *Position) { p.OpenedAt = time.Time{} }, true},
		{"trailed stop is fine", func(p *Position) { p.StopLoss = 102 }, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := samplePosition("BTC")
			tt.mutate(&p)
			err := p.Validate()
			if tt.wantErr {
				assert.ErrorIs(t, err, ErrInvalidPosition)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestValidateLevelsShort(t *testing.T) {
	t.Parallel()

	p := samplePosition("BTC")
	p.Direction = market.Short
	p.StopLoss = 102
	p.TakeProfit = 96
	assert.NoError(t, p.ValidateLevels())

	p.StopLoss = 99
	assert.Error(t, p.ValidateLevels())
}
