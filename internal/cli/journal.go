package cli

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/rustyeddy/riskengine/internal/app"
	"github.com/rustyeddy/riskengine/journal"
)

func newJournalCmd(rc *RootConfig) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "journal",
		Short: "Query the trade journal",
		Long: `Query and display trade journal records from the SQLite database.

Examples:
  riskengine journal trade 01HZX3...
  riskengine journal today
  riskengine journal day 2026-01-24
  riskengine journal open
  riskengine journal skips`,
	}

	cmd.AddCommand(
		&cobra.Command{
			Use:   "trade <trade-id>",
			Short: "Get details of a specific trade",
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				return rc.open(cmd, func(ctx context.Context, a *app.App) error {
					rec, err := a.Trades.GetTrade(ctx, args[0]).Unwrap()
					if err != nil {
						return fmt.Errorf("get trade %s: %w", args[0], err)
					}
					fmt.Fprintln(cmd.OutOrStdout(), journal.FormatTradeOrg(rec))
					return nil
				})
			},
		},
		&cobra.Command{
			Use:   "today",
			Short: "List trades closed today (UTC)",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, args []string) error {
				return rc.open(cmd, func(ctx context.Context, a *app.App) error {
					start := journal.StartOfDay(time.Now(), time.UTC)
					return printClosed(ctx, cmd, a, start, start.Add(24*time.Hour))
				})
			},
		},
		&cobra.Command{
			Use:   "day <YYYY-MM-DD>",
			Short: "List trades closed on a specific UTC day",
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				start, end, err := dayBounds(time.UTC, args[0])
				if err != nil {
					return fmt.Errorf("date: %w", err)
				}
				return rc.open(cmd, func(ctx context.Context, a *app.App) error {
					return printClosed(ctx, cmd, a, start, end)
				})
			},
		},
		&cobra.Command{
			Use:   "open",
			Short: "List trades that have not closed",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, args []string) error {
				return rc.open(cmd, func(ctx context.Context, a *app.App) error {
					recs, err := a.Trades.ListOpenTrades(ctx)
					if err != nil {
						return fmt.Errorf("query trades: %w", err)
					}
					fmt.Fprintln(cmd.OutOrStdout(), journal.FormatTradesOrg(recs))
					return nil
				})
			},
		},
		&cobra.Command{
			Use:   "skips",
			Short: "List unexpired skip records",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, args []string) error {
				return rc.open(cmd, func(ctx context.Context, a *app.App) error {
					skips, err := a.Trades.ListSkips(ctx, time.Now())
					if err != nil {
						return fmt.Errorf("query skips: %w", err)
					}
					fmt.Fprint(cmd.OutOrStdout(), journal.FormatSkipsOrg(skips))
					return nil
				})
			},
		},
	)
	return cmd
}

func printClosed(ctx context.Context, cmd *cobra.Command, a *app.App, start, end time.Time) error {
	recs, err := a.Trades.ListTradesClosedBetween(ctx, start, end)
	if err != nil {
		return fmt.Errorf("query trades: %w", err)
	}
	var pnl float64
	for _, r := range recs {
		pnl += r.PnL
	}
	w := cmd.OutOrStdout()
	fmt.Fprintln(w, journal.FormatTradesOrg(recs))
	fmt.Fprintf(w, "%d trades, realized pnl %.2f\n", len(recs), pnl)
	return nil
}

func dayBounds(loc *time.Location, day string) (time.Time, time.Time, error) {
	t, err := time.ParseInLocation("2006-01-02", day, loc)
	if err != nil {
		return time.Time{}, time.Time{}, err
	}
	start := time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, loc)
	return start, start.Add(24 * time.Hour), nil
}
