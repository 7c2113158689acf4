package cli

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/rustyeddy/riskengine/internal/app"
)

func newReconcileCmd(rc *RootConfig) *cobra.Command {
	return &cobra.Command{
		Use:   "reconcile",
		Short: "Align local positions and the risk ledger with the broker",
		Long: `Adopt positions the broker holds that have no local record, close out
local records the broker no longer holds, drop ledger entries with neither
and rebase the ledger total when it has drifted.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return rc.open(cmd, func(ctx context.Context, a *app.App) error {
				rep, err := a.Reconcile(ctx)
				if err != nil {
					return err
				}
				w := cmd.OutOrStdout()
				fmt.Fprintf(w, "adopted:     %v\n", rep.Adopted)
				fmt.Fprintf(w, "removed:     %v\n", rep.Removed)
				fmt.Fprintf(w, "refreshed:   %v\n", rep.Refreshed)
				fmt.Fprintf(w, "ledger only: %v\n", rep.LedgerOnly)
				fmt.Fprintf(w, "locked:      %v\n", rep.Locked)
				if rep.Rebased {
					fmt.Fprintf(w, "ledger rebased (drift %.2f)\n", rep.DriftFound)
				}
				return rep.Err()
			})
		},
	}
}
