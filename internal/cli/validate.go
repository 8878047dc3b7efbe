package cli

import (
	"fmt"
	"io"

	"github.com/aihub/docrag/internal/models"
	"github.com/spf13/cobra"
)

var validateJSON bool

var validateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Run the golden query set against the collection",
	Long: `Runs the configured golden queries and reports which ones found their
expected page above the minimum score. Exits non-zero when validation fails.`,
	Args: cobra.NoArgs,
	RunE: runValidate,
}

func init() {
	validateCmd.Flags().BoolVar(&validateJSON, "json", false, "output the report as JSON")
	rootCmd.AddCommand(validateCmd)
}

func runValidate(cmd *cobra.Command, _ []string) error {
	svc, err := requireService()
	if err != nil {
		return err
	}

	ctx, stop := signalContext(cmd)
	defer stop()

	report, err := svc.Validate(ctx)
	if err != nil {
		return fmt.Errorf("validation failed: %w", err)
	}
	if validateJSON {
		if err := writeJSON(cmd.OutOrStdout(), report); err != nil {
			return err
		}
	} else {
		printReport(cmd.OutOrStdout(), report)
	}
	if !report.Passed {
		return fmt.Errorf("validation failed: %d/%d queries passed", report.PassedQueries, report.TotalQueries)
	}
	return nil
}

func printReport(w io.Writer, report *models.ValidationReport) {
	for _, o := range report.Outcomes {
		mark := "PASS"
		if !o.Passed {
			mark = "FAIL"
		}
		fmt.Fprintf(w, "  [%s] %q top=%.2f min=%.2f", mark, o.Query, o.TopScore, o.MinScore)
		if o.MatchedURL != "" {
			fmt.Fprintf(w, " -> %s", o.MatchedURL)
		}
		if o.Error != "" {
			fmt.Fprintf(w, " (%s)", o.Error)
		}
		fmt.Fprintln(w)
	}
	fmt.Fprintf(w, "\n%d/%d passed (%.0f%%), negative query passed: %t\n",
		report.PassedQueries, report.TotalQueries, report.PassRate*100, report.NegativePassed)
	fmt.Fprintf(w, "Vectors: %d, metadata completeness: %.0f%%\n",
		report.VectorCount, report.MetadataCompleteness*100)
}
