// Package cli is the riskengine command tree.
package cli

import (
	"context"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/rustyeddy/riskengine/internal/app"
)

// RootConfig holds the persistent flags every subcommand shares.
type RootConfig struct {
	ConfigPath string
	DBPath     string
	LogLevel   string
	Quiet      bool
}

func (rc *RootConfig) options(cmd *cobra.Command) app.Options {
	var logs io.Writer = cmd.ErrOrStderr()
	if rc.Quiet {
		logs = io.Discard
	}
	return app.Options{
		ConfigPath: rc.ConfigPath,
		DBPath:     rc.DBPath,
		LogLevel:   rc.LogLevel,
		Stdout:     logs,
	}
}

// open builds the App for one command and hands it to fn, closing it after.
func (rc *RootConfig) open(cmd *cobra.Command, fn func(ctx context.Context, a *app.App) error) (err error) {
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	a, err := app.Open(ctx, rc.options(cmd))
	if err != nil {
		return err
	}
	defer func() {
		if cerr := a.Close(); cerr != nil && err == nil {
			err = cerr
		}
	}()
	return fn(ctx, a)
}

func NewRootCmd() *cobra.Command {
	rc := &RootConfig{}

	cmd := &cobra.Command{
		Use:   "riskengine",
		Short: "Position risk and lifecycle engine",
		Long: `riskengine runs short scheduled invocations against a broker account.

Each invocation reconciles local state with the exchange, manages exits on
open positions and opens new ones within a shared portfolio risk budget.
State lives in a SQLite database so overlapping invocations coordinate.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	cmd.PersistentFlags().StringVar(&rc.ConfigPath, "config", "", "Path to config file (YAML or JSON)")
	cmd.PersistentFlags().StringVar(&rc.DBPath, "db", "", "SQLite database (overrides store.path)")
	cmd.PersistentFlags().StringVar(&rc.LogLevel, "log-level", "", "Log level: debug|info|warn|error")
	cmd.PersistentFlags().BoolVarP(&rc.Quiet, "quiet", "q", false, "Discard log output")

	cmd.AddCommand(
		newRunCmd(rc),
		newMonitorCmd(rc),
		newReconcileCmd(rc),
		newLedgerCmd(rc),
		newPositionsCmd(rc),
		newJournalCmd(rc),
		newConfigCmd(rc),
		newPaperCmd(rc),
		newVersionCmd(),
	)
	return cmd
}

func Execute() {
	if err := NewRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}
