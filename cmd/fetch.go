package cmd

import (
	"fmt"
	"io"
	"sort"
	"time"

	"github.com/spf13/cobra"

	"github.com/JakeFAU/ecfr-mirror/internal/ecfr"
	"github.com/JakeFAU/ecfr-mirror/internal/ingest"
)

// newFetchCmd creates the 'fetch' subcommand.
func newFetchCmd() *cobra.Command {
	var force bool
	cmd := &cobra.Command{
		Use:   "fetch [title]",
		Short: "Download stale titles and rebuild the persisted corpus",
		Long: `Fetches the title index, skips titles whose persisted snapshot matches the
index, downloads the rest in parallel and replaces the merged corpus. Pass a
title number to limit the run to that title.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			appInstance, err := resolveApp(cmd.Context())
			if err != nil {
				return err
			}
			summary, err := appInstance.Fetch(cmd.Context(), fetchOptions(args, force))
			if err != nil {
				return err
			}
			printSummary(cmd.OutOrStdout(), summary)
			return nil
		},
	}
	cmd.Flags().BoolVar(&force, "force", false, "refetch titles even when their snapshot is current")
	return cmd
}

func fetchOptions(args []string, force bool) ingest.Options {
	opts := ingest.Options{Force: force}
	if len(args) == 1 {
		opts.Title = args[0]
	}
	return opts
}

func printSummary(w io.Writer, s ingest.Summary) {
	if s.UpToDate {
		fmt.Fprintf(w, "run %s: all %d titles up to date\n", s.RunID, s.Skipped)
		return
	}
	fmt.Fprintf(w, "run %s: %d succeeded, %d failed, %d skipped, %d merged in %s\n",
		s.RunID, s.Succeeded, s.Failed, s.Skipped, s.Merged, s.Elapsed.Round(time.Millisecond))
	titles := make([]string, 0, len(s.Failures))
	for title := range s.Failures {
		titles = append(titles, title)
	}
	sort.Slice(titles, func(i, j int) bool { return ecfr.TitleLess(titles[i], titles[j]) })
	for _, title := range titles {
		fmt.Fprintf(w, "  title %s: %s\n", title, s.Failures[title])
	}
}
