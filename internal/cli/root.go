package cli

import (
	"context"
	"errors"

	"github.com/aihub/docrag/app/bootstrap"
	"github.com/aihub/docrag/internal/models"
	"github.com/spf13/cobra"
)

// DocService 命令行依赖的文档服务
type DocService interface {
	Ingest(ctx context.Context, urls []string) (*models.PipelineRun, error)
	IngestSitemap(ctx context.Context, sitemapURL string) (*models.PipelineRun, error)
	Search(ctx context.Context, query models.SearchQuery) (*models.SearchResponse, error)
	Validate(ctx context.Context) (*models.ValidationReport, error)
	Stats(ctx context.Context) (*models.CollectionStats, error)
}

var (
	configFile string

	// app 与 docService 在首次执行命令时创建；测试可预先注入 docService
	app        *bootstrap.App
	docService DocService
)

var rootCmd = &cobra.Command{
	Use:   "docrag",
	Short: "Documentation ingestion and retrieval engine",
	Long: `docrag crawls a documentation site, chunks and embeds every page into a
vector collection, and answers semantic search queries against it.`,
	SilenceUsage:      true,
	PersistentPreRunE: setup,
	PersistentPostRun: func(*cobra.Command, []string) {
		teardown()
	},
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configFile, "config", "c", "", "config file (yaml); defaults to $CONFIG_FILE")
}

// Execute 执行根命令
func Execute() error {
	return rootCmd.Execute()
}

func setup(cmd *cobra.Command, _ []string) error {
	if docService != nil {
		return nil
	}
	a, err := bootstrap.Init(configFile)
	if err != nil {
		return err
	}
	svc, err := a.Service()
	if err != nil {
		a.Shutdown()
		return err
	}
	app = a
	docService = svc
	return nil
}

func teardown() {
	if app != nil {
		app.Shutdown()
		app = nil
		docService = nil
	}
}

// requireService 注入的服务为空时报错
func requireService() (DocService, error) {
	if docService == nil {
		return nil, errors.New("document service not configured")
	}
	return docService, nil
}
