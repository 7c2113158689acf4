package cli

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"

	"github.com/rustyeddy/riskengine/engine"
	"github.com/rustyeddy/riskengine/internal/app"
)

func newRunCmd(rc *RootConfig) *cobra.Command {
	var (
		symbols []string
		cycles  int
		window  time.Duration
	)

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run one scheduled invocation",
		Long: `Run the configured number of cycles, then watch open positions for
exits until the monitor window or the invocation budget runs out.

Example:
  riskengine run --config riskengine.yaml`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return rc.open(cmd, func(ctx context.Context, a *app.App) error {
				inv := &a.Config.Invocation
				if cycles > 0 {
					inv.Cycles = cycles
				}
				if cmd.Flags().Changed("monitor") {
					inv.MonitorWindow.Duration = window
				}
				if len(symbols) == 0 {
					symbols = a.Config.Symbols
				}

				if budget := inv.Budget.D(); budget > 0 {
					var cancel context.CancelFunc
					ctx, cancel = context.WithTimeout(ctx, budget)
					defer cancel()
				}

				o, err := a.Orchestrator()
				if err != nil {
					return err
				}
				res, err := o.Invoke(ctx, symbols)
				printInvocation(cmd.OutOrStdout(), res)
				return err
			})
		},
	}

	cmd.Flags().StringSliceVarP(&symbols, "symbols", "s", nil, "Symbols to trade (default: config symbols)")
	cmd.Flags().IntVar(&cycles, "cycles", 0, "Cycles to run (default: invocation.cycles)")
	cmd.Flags().DurationVar(&window, "monitor", 0, "Exit monitoring window after the cycles")
	return cmd
}

func newMonitorCmd(rc *RootConfig) *cobra.Command {
	var window time.Duration

	cmd := &cobra.Command{
		Use:   "monitor",
		Short: "Watch open positions for exits without opening new ones",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return rc.open(cmd, func(ctx context.Context, a *app.App) error {
				if window <= 0 {
					window = a.Config.Invocation.Budget.D()
				}
				o, err := a.Orchestrator()
				if err != nil {
					return err
				}
				rep, err := o.Monitor(ctx, window)
				printMonitor(cmd.OutOrStdout(), rep)
				return err
			})
		},
	}

	cmd.Flags().DurationVar(&window, "for", 0, "How long to watch (default: invocation.budget)")
	return cmd
}

func printInvocation(w io.Writer, inv engine.Invocation) {
	for i, c := range inv.Cycles {
		fmt.Fprintf(w, "cycle %d: %s\n", i+1, c.Summary())
		if c.Reconcile.Drift() > 0 {
			fmt.Fprintf(w, "  reconciled: adopted %v removed %v\n", c.Reconcile.Adopted, c.Reconcile.Removed)
		}
		for _, r := range c.Results {
			fmt.Fprintf(w, "  %s\n", r)
		}
	}
	if inv.Monitor != nil {
		printMonitor(w, *inv.Monitor)
	}
}

func printMonitor(w io.Writer, rep engine.MonitorReport) {
	fmt.Fprintf(w, "monitor: %d polls, %d closed, %d errors, stopped: %s\n",
		rep.Polls, len(rep.Closed), rep.Errors, rep.Stopped)
	for _, r := range rep.Closed {
		fmt.Fprintf(w, "  %s\n", r)
	}
}
