package cli

import (
	"context"
	"fmt"
	"sort"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/rustyeddy/riskengine/internal/app"
)

func newLedgerCmd(rc *RootConfig) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "ledger",
		Short: "Inspect or repair the shared risk ledger",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "show",
		Short: "Print the ledger total and every registered trade",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return rc.open(cmd, func(ctx context.Context, a *app.App) error {
				snap, err := a.Ledger.Snapshot(ctx)
				if err != nil {
					return err
				}
				capital, capErr := a.Capital(ctx)

				w := cmd.OutOrStdout()
				fmt.Fprintf(w, "risk in use: %.2f", snap.TotalRiskInUse)
				if capErr == nil && capital > 0 {
					limit := capital * a.Config.Account.MaxPortfolioRiskFraction
					fmt.Fprintf(w, " of %.2f (%.1f%%)", limit, 100*snap.TotalRiskInUse/limit)
				}
				fmt.Fprintf(w, "\nupdated:     %s\n", snap.UpdatedAt.Format(time.RFC3339))
				if d := snap.Drift(); d != 0 {
					fmt.Fprintf(w, "drift:       %.4f\n", d)
				}

				tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
				fmt.Fprintln(tw, "SYMBOL\tTRADE\tSIDE\tQTY\tENTRY\tRISK\tSINCE")
				for _, sym := range snap.Symbols() {
					e := snap.ActiveTrades[sym]
					fmt.Fprintf(tw, "%s\t%s\t%s\t%g\t%g\t%.2f\t%s\n",
						sym, e.TradeID, e.Direction, e.Quantity, e.EntryPrice, e.Risk, e.Timestamp.Format(time.RFC3339))
				}
				return tw.Flush()
			})
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "rebase",
		Short: "Reset the ledger total to the sum of registered trades",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return rc.open(cmd, func(ctx context.Context, a *app.App) error {
				before, after, err := a.Ledger.Rebase(ctx)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "risk in use %.2f -> %.2f\n", before, after)
				return nil
			})
		},
	})
	return cmd
}

func newPositionsCmd(rc *RootConfig) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "positions",
		Short: "Inspect locally tracked positions",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List open positions and mark estimated fields",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return rc.open(cmd, func(ctx context.Context, a *app.App) error {
				local, err := a.Store.LoadAllOpen(ctx)
				if err != nil {
					return err
				}
				syms := make([]string, 0, len(local))
				for s := range local {
					syms = append(syms, s)
				}
				sort.Strings(syms)

				tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
				fmt.Fprintln(tw, "SYMBOL\tTRADE\tSIDE\tQTY\tENTRY\tSTOP\tTARGET\tLEV\tRISK\tAGE\tESTIMATED")
				for _, s := range syms {
					p := local[s]
					fmt.Fprintf(tw, "%s\t%s\t%s\t%g\t%g\t%g\t%g\t%dx\t%.2f\t%s\t%s\n",
						p.Symbol, p.TradeID, p.Direction, p.Quantity, p.EntryPrice, p.StopLoss, p.TakeProfit,
						p.Leverage, p.RiskDollars, p.Age(time.Now()).Round(time.Second), p.Estimated)
				}
				return tw.Flush()
			})
		},
	})
	return cmd
}
