//go:build blackbox

package blackbox

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

func contains(s, sub string) bool { return strings.Contains(s, sub) }

type workspace struct {
	dir     string
	config  string
	db      string
	signals string
}

// newWorkspace writes a paper-broker config trading one symbol priced at 100.
func newWorkspace(t *testing.T) workspace {
	t.Helper()
	dir := t.TempDir()
	w := workspace{
		dir:     dir,
		config:  filepath.Join(dir, "riskengine.yaml"),
		db:      filepath.Join(dir, "engine.sqlite"),
		signals: filepath.Join(dir, "signals.yaml"),
	}
	cfg := fmt.Sprintf(`symbols: [AAA/USD]
store:
  path: %s
broker:
  type: paper
  state_file: %s
  slippage_bps: 0
  prices:
    AAA/USD: 100
signals:
  source: file
  file: %s
  max_age: 1h
`, w.db, filepath.Join(dir, "paper.json"), w.signals)
	if err := os.WriteFile(w.config, []byte(cfg), 0o644); err != nil {
		t.Fatal(err)
	}
	return w
}

func (w workspace) signal(t *testing.T, symbol, direction string, entry, stop float64, score int) {
	t.Helper()
	feed := fmt.Sprintf(`signals:
  - symbol: %s
    direction: %s
    entry: %g
    stop: %g
    score: %d
    time: %s
`, symbol, direction, entry, stop, score, time.Now().UTC().Format(time.RFC3339))
	if err := os.WriteFile(w.signals, []byte(feed), 0o644); err != nil {
		t.Fatal(err)
	}
}

func (w workspace) scalar(t *testing.T, query string, dest any) {
	t.Helper()
	db, err := sql.Open("sqlite3", w.db)
	if err != nil {
		t.Fatal(err)
	}
	defer db.Close()
	if err := db.QueryRow(query).Scan(dest); err != nil {
		t.Fatal(err)
	}
}
