//go:build blackbox

package blackbox

import (
	"math"
	"testing"
)

func TestRunOpensThenBrokerStopIsReconciled(t *testing.T) {
	w := newWorkspace(t)
	w.signal(t, "AAA/USD", "long", 100, 98, 60)

	out := run(t, "--config", w.config, "run")
	if !contains(out, "AAA/USD OPEN ENTERED") {
		t.Fatalf("expected an entry, got:\n%s", out)
	}

	var risk float64
	w.scalar(t, `SELECT total_risk_in_use FROM risk_ledger`, &risk)
	if math.Abs(risk-80) > 1e-6 {
		t.Fatalf("expected 80 risk in use, got %v", risk)
	}

	// A second invocation holds rather than re-entering.
	out = run(t, "--config", w.config, "run")
	if !contains(out, "AAA/USD OPEN HOLDING") {
		t.Fatalf("expected HOLDING, got:\n%s", out)
	}

	out = run(t, "--config", w.config, "paper", "mark", "AAA/USD", "97")
	if !contains(out, "stop") {
		t.Fatalf("expected the resting stop to fire, got:\n%s", out)
	}

	out = run(t, "--config", w.config, "reconcile")
	if !contains(out, "removed:     [AAA/USD]") {
		t.Fatalf("expected a ghost removal, got:\n%s", out)
	}

	w.scalar(t, `SELECT total_risk_in_use FROM risk_ledger`, &risk)
	if math.Abs(risk) > 1e-9 {
		t.Fatalf("expected the ledger released, got %v", risk)
	}
	var reason string
	w.scalar(t, `SELECT exit_reason FROM trades`, &reason)
	if reason != "CLOSED_RECONCILED" {
		t.Fatalf("expected CLOSED_RECONCILED, got %q", reason)
	}
}

func TestLedgerRebaseIsIdempotent(t *testing.T) {
	w := newWorkspace(t)
	run(t, "--config", w.config, "run")

	out := run(t, "--config", w.config, "ledger", "rebase")
	if !contains(out, "0.00 -> 0.00") {
		t.Fatalf("unexpected rebase output:\n%s", out)
	}
}

func TestInvalidConfigFailsFast(t *testing.T) {
	w := newWorkspace(t)
	out := runFails(t, "--config", w.config+".missing", "run")
	if !contains(out, "config") {
		t.Fatalf("expected a config error, got:\n%s", out)
	}
}
