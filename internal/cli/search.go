package cli

import (
	"fmt"
	"io"
	"strings"

	"github.com/aihub/docrag/internal/models"
	"github.com/spf13/cobra"
)

var (
	searchTopK      int
	searchThreshold float64
	searchURLPrefix string
	searchSection   string
	searchJSON      bool
)

var searchCmd = &cobra.Command{
	Use:   "search [query]",
	Short: "Search the documentation collection",
	Long: `Embeds the query and returns the most similar chunks above the score
threshold, with a confidence level for the top result.`,
	Args: cobra.ExactArgs(1),
	RunE: runSearch,
}

func init() {
	searchCmd.Flags().IntVarP(&searchTopK, "top-k", "k", 5, "number of results (1-20)")
	searchCmd.Flags().Float64Var(&searchThreshold, "threshold", 0, "minimum score; defaults to the configured threshold")
	searchCmd.Flags().StringVar(&searchURLPrefix, "url-prefix", "", "only return chunks whose source URL starts with this prefix")
	searchCmd.Flags().StringVar(&searchSection, "section", "", "only return chunks from this section")
	searchCmd.Flags().BoolVar(&searchJSON, "json", false, "output results as JSON")
	rootCmd.AddCommand(searchCmd)
}

func runSearch(cmd *cobra.Command, args []string) error {
	svc, err := requireService()
	if err != nil {
		return err
	}

	query := models.SearchQuery{
		Text: args[0],
		TopK: searchTopK,
		Filter: models.SearchFilter{
			URLPrefix: searchURLPrefix,
			Section:   searchSection,
		},
	}
	if cmd.Flags().Changed("threshold") {
		threshold := searchThreshold
		query.Threshold = &threshold
	}

	ctx, stop := signalContext(cmd)
	defer stop()

	resp, err := svc.Search(ctx, query)
	if err != nil {
		return fmt.Errorf("search failed: %w", err)
	}
	if searchJSON {
		return writeJSON(cmd.OutOrStdout(), resp)
	}
	printSearch(cmd.OutOrStdout(), resp)
	return nil
}

func printSearch(w io.Writer, resp *models.SearchResponse) {
	for _, warning := range resp.Warnings {
		fmt.Fprintf(w, "warning: %s\n", warning)
	}
	if len(resp.Results) == 0 {
		if resp.EmptyIndex {
			fmt.Fprintln(w, "The collection is empty. Run `docrag ingest` first.")
		} else {
			fmt.Fprintf(w, "No results above threshold %.2f.\n", resp.Threshold)
		}
		return
	}

	fmt.Fprintf(w, "%d results (confidence: %s, %.0fms)\n\n", resp.TotalResults, resp.Confidence, resp.QueryTimeMs)
	for i, r := range resp.Results {
		title := r.Payload.Title
		if title == "" {
			title = r.Payload.SourceURL
		}
		fmt.Fprintf(w, "  [%d] %s (%.2f)\n", i+1, title, r.Score)
		fmt.Fprintf(w, "      %s\n", r.Payload.SourceURL)
		if snippet := strings.TrimSpace(r.Snippet); snippet != "" {
			fmt.Fprintf(w, "      %s\n", strings.ReplaceAll(snippet, "\n", " "))
		}
		fmt.Fprintln(w)
	}
	switch resp.Confidence {
	case models.ConfidenceLow:
		fmt.Fprintln(w, "Low confidence: the best match is a weak fit for this query.")
	case models.ConfidenceVeryLow:
		fmt.Fprintln(w, "Very low confidence: every match falls below the low-confidence band.")
	}
}
