package cli

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/aihub/docrag/internal/models"
	"github.com/spf13/cobra"
)

var (
	ingestSitemap string
	ingestFile    string
	ingestJSON    bool
)

var ingestCmd = &cobra.Command{
	Use:   "ingest [url...]",
	Short: "Ingest documentation pages into the vector collection",
	Long: `Fetches, chunks, embeds and stores documentation pages.
Pages can be given as arguments, read from a file (one URL per line), or
discovered from a sitemap. Unchanged pages are skipped.`,
	RunE: runIngest,
}

func init() {
	ingestCmd.Flags().StringVar(&ingestSitemap, "sitemap", "", "sitemap URL to discover pages from")
	ingestCmd.Flags().StringVarP(&ingestFile, "file", "f", "", "file with one URL per line")
	ingestCmd.Flags().BoolVar(&ingestJSON, "json", false, "output the run report as JSON")
	rootCmd.AddCommand(ingestCmd)
}

func runIngest(cmd *cobra.Command, args []string) error {
	svc, err := requireService()
	if err != nil {
		return err
	}

	urls := append([]string(nil), args...)
	if ingestFile != "" {
		fromFile, err := readURLFile(ingestFile)
		if err != nil {
			return err
		}
		urls = append(urls, fromFile...)
	}
	if len(urls) == 0 && ingestSitemap == "" {
		return fmt.Errorf("no pages to ingest: pass URLs, --file or --sitemap")
	}

	if app != nil {
		if err := app.StartMetricsServer(); err != nil {
			return err
		}
	}

	ctx, stop := signalContext(cmd)
	defer stop()

	var run *models.PipelineRun
	if len(urls) > 0 {
		run, err = svc.Ingest(ctx, urls)
	} else {
		run, err = svc.IngestSitemap(ctx, ingestSitemap)
	}

	if run != nil {
		if ingestJSON {
			if jsonErr := writeJSON(cmd.OutOrStdout(), run); jsonErr != nil {
				return jsonErr
			}
		} else {
			printRun(cmd.OutOrStdout(), run)
		}
	}
	if err != nil {
		return fmt.Errorf("ingestion failed: %w", err)
	}
	return nil
}

func readURLFile(path string) ([]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open url file: %w", err)
	}
	defer f.Close()

	var urls []string
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		urls = append(urls, line)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("read url file: %w", err)
	}
	return urls, nil
}

func printRun(w io.Writer, run *models.PipelineRun) {
	fmt.Fprintf(w, "Run %s finished in %s\n", run.RunID, run.FinishedAt.Sub(run.StartedAt).Round(time.Millisecond))
	fmt.Fprintf(w, "  URLs:       %d\n", run.TotalURLs)
	fmt.Fprintf(w, "  Processed:  %d\n", run.Processed)
	fmt.Fprintf(w, "  Skipped:    %d unchanged, %d short, %d duplicate\n",
		run.SkippedUnchanged, run.SkippedShort, run.SkippedDuplicate)
	fmt.Fprintf(w, "  Failed:     %d\n", run.Failed)
	fmt.Fprintf(w, "  Chunks:     %d created, %d vectors stored, %d stale deleted\n",
		run.ChunksCreated, run.VectorsStored, run.StaleDeleted)
	fmt.Fprintf(w, "  Embeddings: %d calls\n", run.EmbeddingCalls)
	if run.Aborted {
		fmt.Fprintf(w, "  Aborted:    %s\n", run.AbortReason)
	} else if run.BudgetExceeded {
		fmt.Fprintln(w, "  Error budget exceeded")
	}
	if len(run.Failures) > 0 {
		fmt.Fprintln(w, "Failures:")
		for _, f := range run.Failures {
			fmt.Fprintf(w, "  [%s] %s: %s\n", f.Class, f.URL, f.Error)
		}
	}
}
