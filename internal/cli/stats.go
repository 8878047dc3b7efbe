package cli

import (
	"fmt"

	"github.com/spf13/cobra"
)

var statsJSON bool

var statsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show collection statistics",
	Args:  cobra.NoArgs,
	RunE:  runStats,
}

func init() {
	statsCmd.Flags().BoolVar(&statsJSON, "json", false, "output statistics as JSON")
	rootCmd.AddCommand(statsCmd)
}

func runStats(cmd *cobra.Command, _ []string) error {
	svc, err := requireService()
	if err != nil {
		return err
	}

	stats, err := svc.Stats(cmd.Context())
	if err != nil {
		return fmt.Errorf("stats failed: %w", err)
	}
	if statsJSON {
		return writeJSON(cmd.OutOrStdout(), stats)
	}

	w := cmd.OutOrStdout()
	fmt.Fprintf(w, "Collection: %s (%s)\n", stats.Collection, stats.Provider)
	fmt.Fprintf(w, "Status:     %s\n", stats.IndexStatus)
	fmt.Fprintf(w, "Vectors:    %d\n", stats.VectorCount)
	fmt.Fprintf(w, "Dimensions: %d (%s)\n", stats.Dimensions, stats.Metric)
	return nil
}
