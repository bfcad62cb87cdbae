package cmd

import (
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/JakeFAU/ecfr-mirror/internal/ecfr"
)

// newAnalyzeCmd creates the 'analyze' subcommand.
func newAnalyzeCmd() *cobra.Command {
	var (
		agencies []string
		years    []string
	)
	cmd := &cobra.Command{
		Use:   "analyze",
		Short: "Recompute metrics from the persisted corpus",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			appInstance, err := resolveApp(cmd.Context())
			if err != nil {
				return err
			}
			m, err := appInstance.Analyze(cmd.Context())
			if err != nil {
				return err
			}
			printMetrics(cmd.OutOrStdout(), m)
			printLookups(cmd.OutOrStdout(), m, agencies, years)
			return nil
		},
	}
	cmd.Flags().StringSliceVar(&agencies, "agency", nil, "print the word count of these agencies")
	cmd.Flags().StringSliceVar(&years, "year", nil, "print the change count of these years")
	return cmd
}

func printMetrics(w io.Writer, m ecfr.Metrics) {
	fmt.Fprintf(w, "metrics generated at %d: %d agencies, %d years\n",
		m.Generated, len(m.WordCountPerAgency), len(m.ChangesPerYear))
}

func printLookups(w io.Writer, m ecfr.Metrics, agencies, years []string) {
	for _, agency := range agencies {
		if n, ok := m.WordCount(agency); ok {
			fmt.Fprintf(w, "agency %s: %d words\n", agency, n)
			continue
		}
		fmt.Fprintf(w, "agency %s: no sections\n", agency)
	}
	for _, year := range years {
		n, _ := m.Changes(year)
		fmt.Fprintf(w, "year %s: %d changes\n", year, n)
	}
}
