package cli

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rustyeddy/riskengine/config"
)

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	cmd := NewRootCmd()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(append([]string{"--quiet"}, args...))
	err := cmd.Execute()
	return out.String(), err
}

func paperConfig(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	cfg := config.Default()
	cfg.Symbols = []string{"AAA/USD"}
	cfg.Store.Path = filepath.Join(dir, "engine.sqlite")
	cfg.Broker.StateFile = filepath.Join(dir, "paper.json")
	cfg.Broker.SlippageBps = 0
	cfg.Broker.Prices = map[string]float64{"AAA/USD": 100}
	cfg.Signals.Source = "file"
	cfg.Signals.File = filepath.Join(dir, "signals.yaml")
	cfg.Signals.MaxAge = config.D(time.Hour)
	path := filepath.Join(dir, "riskengine.yaml")
	require.NoError(t, cfg.SaveToFile(path))

	feed := fmt.Sprintf(`signals:
  - symbol: AAA/USD
    direction: buy
    entry: 100
    stop: 98
    target: 104
    score: 60
    time: %s
`, time.Now().UTC().Format(time.RFC3339))
	require.NoError(t, os.WriteFile(cfg.Signals.File, []byte(feed), 0o644))
	return path
}

func TestConfigInitThenValidate(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "riskengine.yaml")

	out, err := execute(t, "config", "init", "-o", path)
	require.NoError(t, err)
	assert.Contains(t, out, "Created default configuration")

	out, err = execute(t, "--config", path, "config", "validate")
	require.NoError(t, err)
	assert.Contains(t, out, "Configuration valid")
}

func TestConfigValidateNeedsPath(t *testing.T) {
	t.Parallel()
	_, err := execute(t, "config", "validate")
	require.Error(t, err)
}

func TestRunThenInspect(t *testing.T) {
	t.Parallel()
	cfg := paperConfig(t)

	out, err := execute(t, "--config", cfg, "run")
	require.NoError(t, err)
	assert.Contains(t, out, "cycle 1:")
	assert.Contains(t, out, "AAA/USD OPEN ENTERED")

	out, err = execute(t, "--config", cfg, "ledger", "show")
	require.NoError(t, err)
	assert.Contains(t, out, "risk in use: 80.00")
	assert.Contains(t, out, "AAA/USD")

	out, err = execute(t, "--config", cfg, "positions", "list")
	require.NoError(t, err)
	assert.Contains(t, out, "AAA/USD")

	out, err = execute(t, "--config", cfg, "journal", "open")
	require.NoError(t, err)
	assert.Contains(t, out, ":SYMBOL: AAA/USD")

	// The paper stop fires between invocations; reconcile closes the record.
	out, err = execute(t, "--config", cfg, "paper", "mark", "AAA/USD", "97")
	require.NoError(t, err)
	assert.Contains(t, out, "stop")

	out, err = execute(t, "--config", cfg, "reconcile")
	require.NoError(t, err)
	assert.Contains(t, out, "removed:     [AAA/USD]")

	out, err = execute(t, "--config", cfg, "journal", "today")
	require.NoError(t, err)
	assert.Contains(t, out, "1 trades, realized pnl -120.00")
}

func TestPaperMarkRejectsBadPrice(t *testing.T) {
	t.Parallel()
	_, err := execute(t, "--config", paperConfig(t), "paper", "mark", "AAA/USD", "zero")
	require.Error(t, err)
}

func TestVersion(t *testing.T) {
	t.Parallel()
	out, err := execute(t, "version")
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(out, "riskengine "))
}

func TestDayBounds(t *testing.T) {
	t.Parallel()
	start, end, err := dayBounds(time.UTC, "2026-01-24")
	require.NoError(t, err)
	assert.Equal(t, time.Date(2026, 1, 24, 0, 0, 0, 0, time.UTC), start)
	assert.Equal(t, 24*time.Hour, end.Sub(start))

	_, _, err = dayBounds(time.UTC, "24/01/2026")
	require.Error(t, err)
}
