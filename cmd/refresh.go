package cmd

import (
	"github.com/spf13/cobra"
)

// newRefreshCmd creates the 'refresh' subcommand.
func newRefreshCmd() *cobra.Command {
	var force bool
	cmd := &cobra.Command{
		Use:   "refresh [title]",
		Short: "Fetch stale titles, then recompute metrics",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			appInstance, err := resolveApp(cmd.Context())
			if err != nil {
				return err
			}
			snap, summary, err := appInstance.Refresh(cmd.Context(), fetchOptions(args, force))
			if err != nil {
				return err
			}
			printSummary(cmd.OutOrStdout(), summary)
			printMetrics(cmd.OutOrStdout(), snap.Metrics)
			return nil
		},
	}
	cmd.Flags().BoolVar(&force, "force", false, "refetch titles even when their snapshot is current")
	return cmd
}
