package cli

import (
	"context"
	"fmt"
	"strconv"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/rustyeddy/riskengine/internal/app"
)

func newPaperCmd(rc *RootConfig) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "paper",
		Short: "Drive the paper exchange",
		Long: `The paper exchange keeps its book in broker.state_file between
invocations. Marking a price fires resting stops and targets the way a
real exchange would, so the next run has something to reconcile.`,
	}

	var volume float64
	markCmd := &cobra.Command{
		Use:   "mark <symbol> <price>",
		Short: "Set the last price of a symbol",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			price, err := strconv.ParseFloat(args[1], 64)
			if err != nil || price <= 0 {
				return fmt.Errorf("bad price %q", args[1])
			}
			return rc.open(cmd, func(ctx context.Context, a *app.App) error {
				a.Paper.Mark(args[0], price, volume)
				w := cmd.OutOrStdout()
				fmt.Fprintf(w, "%s marked at %g\n", args[0], price)
				for _, ev := range a.Paper.Events() {
					fmt.Fprintf(w, "  %s %s at %s pnl %s\n", ev.Symbol, ev.Kind, ev.Price, ev.PnL.StringFixed(2))
				}
				return nil
			})
		},
	}
	markCmd.Flags().Float64Var(&volume, "volume", 0, "24h quote volume")

	showCmd := &cobra.Command{
		Use:   "show",
		Short: "Print cash and positions held by the paper exchange",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return rc.open(cmd, func(ctx context.Context, a *app.App) error {
				bal, err := a.Paper.FetchBalance(ctx)
				if err != nil {
					return err
				}
				live, err := a.Paper.FetchPositions(ctx, nil)
				if err != nil {
					return err
				}
				w := cmd.OutOrStdout()
				fmt.Fprintf(w, "cash: %s %s\n", bal.Total.StringFixed(2), bal.Currency)
				tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
				fmt.Fprintln(tw, "SYMBOL\tSIDE\tQTY\tENTRY\tLEV\tORDERS")
				for _, p := range live {
					fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%dx\t%d\n",
						p.Symbol, p.Side, p.Quantity, p.EntryPrice, p.Leverage, a.Paper.OpenOrders(p.Symbol))
				}
				return tw.Flush()
			})
		},
	}

	cmd.AddCommand(markCmd, showCmd)
	return cmd
}
