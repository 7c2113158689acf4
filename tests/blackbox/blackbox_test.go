//go:build blackbox

package blackbox

import (
	"os"
	"os/exec"
	"path/filepath"
	"testing"
)

var engineBin string

func TestMain(m *testing.M) {
	tmp, err := os.MkdirTemp("", "riskengine-blackbox-*")
	if err != nil {
		panic(err)
	}
	defer os.RemoveAll(tmp)

	engineBin = filepath.Join(tmp, "riskengine")

	// Build the binary once for all tests.
	cmd := exec.Command("go", "build", "-o", engineBin, "../../cmd/riskengine")
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	if err := cmd.Run(); err != nil {
		panic(err)
	}

	os.Exit(m.Run())
}

func run(t *testing.T, args ...string) string {
	t.Helper()

	cmd := exec.Command(engineBin, append([]string{"--quiet"}, args...)...)
	out, err := cmd.CombinedOutput()
	if err != nil {
		// CombinedOutput merges stdout/stderr; still useful in failures.
		t.Fatalf("command failed: %v\nargs: %v\noutput:\n%s", err, args, string(out))
	}
	return string(out)
}

func runFails(t *testing.T, args ...string) string {
	t.Helper()

	out, err := exec.Command(engineBin, append([]string{"--quiet"}, args...)...).CombinedOutput()
	if err == nil {
		t.Fatalf("expected failure\nargs: %v\noutput:\n%s", args, string(out))
	}
	return string(out)
}
