package services

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"

	apperrors "github.com/aihub/docrag/internal/errors"
	"github.com/aihub/docrag/internal/kafka"
	"github.com/aihub/docrag/internal/logger"
	"github.com/aihub/docrag/internal/models"
	"go.uber.org/zap"
)

// ErrIngestInProgress 同一进程内同时只允许一次入库
var ErrIngestInProgress = errors.New("ingestion already running")

// Ingester 入库编排
type Ingester interface {
	Run(ctx context.Context, urls []string) (*models.PipelineRun, error)
}

// Searcher 检索
type Searcher interface {
	Search(ctx context.Context, query models.SearchQuery) (*models.SearchResponse, error)
}

// ValidationRunner 验证集执行
type ValidationRunner interface {
	Run(ctx context.Context) (*models.ValidationReport, error)
}

// StatsProvider 集合统计
type StatsProvider interface {
	Describe(ctx context.Context) (*models.CollectionStats, error)
}

// URLDiscoverer 站点地图发现
type URLDiscoverer interface {
	DiscoverURLs(ctx context.Context, sitemapURL string) ([]string, error)
}

// DocSearchService 文档入库与检索服务
type DocSearchService struct {
	ingester   Ingester
	searcher   Searcher
	validator  ValidationRunner
	stats      StatsProvider
	discoverer URLDiscoverer
	logger     *zap.Logger

	ingesting atomic.Bool
}

// NewDocSearchService 创建服务
func NewDocSearchService(
	ingester Ingester,
	searcher Searcher,
	validator ValidationRunner,
	stats StatsProvider,
	discoverer URLDiscoverer,
	log *zap.Logger,
) *DocSearchService {
	if log == nil {
		log = logger.Named("docsearch")
	}
	return &DocSearchService{
		ingester:   ingester,
		searcher:   searcher,
		validator:  validator,
		stats:      stats,
		discoverer: discoverer,
		logger:     log,
	}
}

// Ingest 处理一批URL
// 返回的报告在出错时也不为空，调用方据此展示部分结果
func (s *DocSearchService) Ingest(ctx context.Context, urls []string) (*models.PipelineRun, error) {
	if len(urls) == 0 {
		return nil, apperrors.NewInvalidInputError("urls", "at least one url is required")
	}
	if !s.ingesting.CompareAndSwap(false, true) {
		return nil, ErrIngestInProgress
	}
	defer s.ingesting.Store(false)

	return s.ingester.Run(ctx, urls)
}

// IngestSitemap 从站点地图发现页面后入库
func (s *DocSearchService) IngestSitemap(ctx context.Context, sitemapURL string) (*models.PipelineRun, error) {
	urls, err := s.Discover(ctx, sitemapURL)
	if err != nil {
		return nil, err
	}
	if len(urls) == 0 {
		return nil, apperrors.NewInvalidInputError("sitemap_url", fmt.Sprintf("no documentation pages found in %s", sitemapURL))
	}
	return s.Ingest(ctx, urls)
}

// Ingesting 是否有入库正在进行
func (s *DocSearchService) Ingesting() bool {
	return s.ingesting.Load()
}

// Search 检索
func (s *DocSearchService) Search(ctx context.Context, query models.SearchQuery) (*models.SearchResponse, error) {
	return s.searcher.Search(ctx, query)
}

// Validate 执行验证集
func (s *DocSearchService) Validate(ctx context.Context) (*models.ValidationReport, error) {
	report, err := s.validator.Run(ctx)
	if err != nil {
		s.logger.Error("validation failed", zap.Error(err))
		return nil, err
	}
	return report, nil
}

// Stats 集合统计
func (s *DocSearchService) Stats(ctx context.Context) (*models.CollectionStats, error) {
	return s.stats.Describe(ctx)
}

// Discover 从站点地图收集文档URL
func (s *DocSearchService) Discover(ctx context.Context, sitemapURL string) ([]string, error) {
	if sitemapURL == "" {
		return nil, apperrors.NewInvalidInputError("sitemap_url", "sitemap url cannot be empty")
	}
	if s.discoverer == nil {
		return nil, apperrors.NewInternalError("sitemap discovery is not configured", nil)
	}
	return s.discoverer.DiscoverURLs(ctx, sitemapURL)
}

// HandleIngestRequest 处理来自消息队列的入库请求
// 运行报告已由流水线投递，这里只返回是否需要重新投递
func (s *DocSearchService) HandleIngestRequest(ctx context.Context, req *kafka.IngestRequest) error {
	log := s.logger.With(zap.String("request_id", req.RequestID))

	var (
		run *models.PipelineRun
		err error
	)
	if len(req.URLs) > 0 {
		run, err = s.Ingest(ctx, req.URLs)
	} else {
		run, err = s.IngestSitemap(ctx, req.SitemapURL)
	}
	if err != nil {
		// 结构性错误重投也不会成功
		if errors.Is(err, ErrIngestInProgress) || apperrors.IsRetryable(err) {
			log.Warn("ingest request will be redelivered", zap.Error(err))
			return err
		}
		log.Error("ingest request finished with error", zap.Error(err))
		return nil
	}
	log.Info("ingest request completed",
		zap.String("run_id", run.RunID),
		zap.Int("processed", run.Processed),
		zap.Int("failed", run.Failed))
	return nil
}
