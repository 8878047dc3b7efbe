package services

import (
	"context"
	"errors"
	"testing"

	apperrors "github.com/aihub/docrag/internal/errors"
	"github.com/aihub/docrag/internal/kafka"
	"github.com/aihub/docrag/internal/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

// MockIngester 模拟入库编排
type MockIngester struct {
	mock.Mock
}

func (m *MockIngester) Run(ctx context.Context, urls []string) (*models.PipelineRun, error) {
	args := m.Called(ctx, urls)
	run, _ := args.Get(0).(*models.PipelineRun)
	return run, args.Error(1)
}

// MockSearcher 模拟检索
type MockSearcher struct {
	mock.Mock
}

func (m *MockSearcher) Search(ctx context.Context, query models.SearchQuery) (*models.SearchResponse, error) {
	args := m.Called(ctx, query)
	resp, _ := args.Get(0).(*models.SearchResponse)
	return resp, args.Error(1)
}

// MockValidator 模拟验证集
type MockValidator struct {
	mock.Mock
}

func (m *MockValidator) Run(ctx context.Context) (*models.ValidationReport, error) {
	args := m.Called(ctx)
	report, _ := args.Get(0).(*models.ValidationReport)
	return report, args.Error(1)
}

// MockStats 模拟集合统计
type MockStats struct {
	mock.Mock
}

func (m *MockStats) Describe(ctx context.Context) (*models.CollectionStats, error) {
	args := m.Called(ctx)
	stats, _ := args.Get(0).(*models.CollectionStats)
	return stats, args.Error(1)
}

// MockDiscoverer 模拟站点地图发现
type MockDiscoverer struct {
	mock.Mock
}

func (m *MockDiscoverer) DiscoverURLs(ctx context.Context, sitemapURL string) ([]string, error) {
	args := m.Called(ctx, sitemapURL)
	urls, _ := args.Get(0).([]string)
	return urls, args.Error(1)
}

type serviceMocks struct {
	ingester   *MockIngester
	searcher   *MockSearcher
	validator  *MockValidator
	stats      *MockStats
	discoverer *MockDiscoverer
}

func newTestService() (*DocSearchService, *serviceMocks) {
	m := &serviceMocks{
		ingester:   new(MockIngester),
		searcher:   new(MockSearcher),
		validator:  new(MockValidator),
		stats:      new(MockStats),
		discoverer: new(MockDiscoverer),
	}
	svc := NewDocSearchService(m.ingester, m.searcher, m.validator, m.stats, m.discoverer, zap.NewNop())
	return svc, m
}

const sitemap = "https://robotics.dev/sitemap.xml"

var docURLs = []string{
	"https://robotics.dev/docs/module1-ros2-fundamentals/chapter1",
	"https://robotics.dev/docs/module2-simulation/gazebo",
}

func TestIngest(t *testing.T) {
	svc, m := newTestService()
	run := &models.PipelineRun{RunID: "run-1", Processed: 2}
	m.ingester.On("Run", mock.Anything, docURLs).Return(run, nil).Once()

	got, err := svc.Ingest(context.Background(), docURLs)
	require.NoError(t, err)
	assert.Equal(t, run, got)
	assert.False(t, svc.Ingesting())
	m.ingester.AssertExpectations(t)
}

func TestIngestRequiresURLs(t *testing.T) {
	svc, m := newTestService()
	_, err := svc.Ingest(context.Background(), nil)
	assert.True(t, apperrors.HasCode(err, apperrors.ErrCodeInvalidInput))
	m.ingester.AssertNotCalled(t, "Run", mock.Anything, mock.Anything)
}

func TestIngestRejectsConcurrentRuns(t *testing.T) {
	svc, m := newTestService()
	started := make(chan struct{})
	release := make(chan struct{})
	m.ingester.On("Run", mock.Anything, docURLs).
		Run(func(mock.Arguments) {
			close(started)
			<-release
		}).
		Return(&models.PipelineRun{RunID: "run-1"}, nil).Once()

	done := make(chan error, 1)
	go func() {
		_, err := svc.Ingest(context.Background(), docURLs)
		done <- err
	}()
	<-started

	_, err := svc.Ingest(context.Background(), docURLs)
	assert.ErrorIs(t, err, ErrIngestInProgress)
	assert.True(t, svc.Ingesting())

	close(release)
	require.NoError(t, <-done)
	assert.False(t, svc.Ingesting())
}

func TestIngestSitemap(t *testing.T) {
	svc, m := newTestService()
	m.discoverer.On("DiscoverURLs", mock.Anything, sitemap).Return(docURLs, nil).Once()
	m.ingester.On("Run", mock.Anything, docURLs).Return(&models.PipelineRun{RunID: "run-2"}, nil).Once()

	run, err := svc.IngestSitemap(context.Background(), sitemap)
	require.NoError(t, err)
	assert.Equal(t, "run-2", run.RunID)
	m.discoverer.AssertExpectations(t)
	m.ingester.AssertExpectations(t)
}

func TestIngestSitemapWithoutPages(t *testing.T) {
	svc, m := newTestService()
	m.discoverer.On("DiscoverURLs", mock.Anything, sitemap).Return([]string{}, nil).Once()

	_, err := svc.IngestSitemap(context.Background(), sitemap)
	assert.True(t, apperrors.HasCode(err, apperrors.ErrCodeInvalidInput))
	m.ingester.AssertNotCalled(t, "Run", mock.Anything, mock.Anything)
}

func TestDiscoverValidatesInput(t *testing.T) {
	svc, _ := newTestService()
	_, err := svc.Discover(context.Background(), "")
	assert.True(t, apperrors.HasCode(err, apperrors.ErrCodeInvalidInput))

	bare := NewDocSearchService(nil, nil, nil, nil, nil, zap.NewNop())
	_, err = bare.Discover(context.Background(), sitemap)
	assert.True(t, apperrors.HasCode(err, apperrors.ErrCodeInternal))
}

func TestSearchDelegates(t *testing.T) {
	svc, m := newTestService()
	query := models.SearchQuery{Text: "What is inverse kinematics?", TopK: 3}
	resp := &models.SearchResponse{Query: query.Text, Confidence: models.ConfidenceHigh}
	m.searcher.On("Search", mock.Anything, query).Return(resp, nil).Once()

	got, err := svc.Search(context.Background(), query)
	require.NoError(t, err)
	assert.Same(t, resp, got)
}

func TestValidateAndStats(t *testing.T) {
	svc, m := newTestService()
	report := &models.ValidationReport{Passed: true, TotalQueries: 6}
	m.validator.On("Run", mock.Anything).Return(report, nil).Once()
	stats := &models.CollectionStats{Collection: "robotics_docs", VectorCount: 120}
	m.stats.On("Describe", mock.Anything).Return(stats, nil).Once()

	gotReport, err := svc.Validate(context.Background())
	require.NoError(t, err)
	assert.True(t, gotReport.Passed)

	gotStats, err := svc.Stats(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(120), gotStats.VectorCount)

	m.validator.On("Run", mock.Anything).Return(nil, errors.New("index down")).Once()
	_, err = svc.Validate(context.Background())
	assert.EqualError(t, err, "index down")
}

func TestHandleIngestRequest(t *testing.T) {
	svc, m := newTestService()
	ctx := context.Background()

	m.ingester.On("Run", mock.Anything, docURLs).Return(&models.PipelineRun{RunID: "run-3"}, nil).Once()
	assert.NoError(t, svc.HandleIngestRequest(ctx, &kafka.IngestRequest{RequestID: "r1", URLs: docURLs}))

	// 致命错误不重投
	m.ingester.On("Run", mock.Anything, docURLs).
		Return(&models.PipelineRun{RunID: "run-4", Aborted: true}, apperrors.NewErrorBudgetExceeded(10, 10, 0.5)).Once()
	assert.NoError(t, svc.HandleIngestRequest(ctx, &kafka.IngestRequest{URLs: docURLs}))

	// 站点地图暂时不可达时重投
	fetchErr := apperrors.NewFetchError(sitemap, 503, nil)
	m.discoverer.On("DiscoverURLs", mock.Anything, sitemap).Return(nil, fetchErr).Once()
	assert.ErrorIs(t, svc.HandleIngestRequest(ctx, &kafka.IngestRequest{SitemapURL: sitemap}), fetchErr)

	m.ingester.AssertExpectations(t)
	m.discoverer.AssertExpectations(t)
}
