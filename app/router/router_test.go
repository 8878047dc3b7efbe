package router

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"testing"
	"time"

	apperrors "github.com/aihub/docrag/internal/errors"
	"github.com/aihub/docrag/internal/models"
	"github.com/aihub/docrag/internal/retry"
	"github.com/aihub/docrag/internal/services"
	"github.com/beego/beego/v2/server/web"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

// fakeService 记录收到的请求
type fakeService struct {
	ingested  []string
	sitemap   string
	lastQuery models.SearchQuery
	ingestErr error
	searchErr error
	ingesting bool
}

func (f *fakeService) Ingest(_ context.Context, urls []string) (*models.PipelineRun, error) {
	f.ingested = urls
	run := &models.PipelineRun{RunID: "run-1", TotalURLs: len(urls), Processed: len(urls)}
	if f.ingestErr != nil {
		run.Aborted = true
		return run, f.ingestErr
	}
	return run, nil
}

func (f *fakeService) IngestSitemap(ctx context.Context, sitemapURL string) (*models.PipelineRun, error) {
	f.sitemap = sitemapURL
	return f.Ingest(ctx, []string{"https://robotics.dev/docs/intro"})
}

func (f *fakeService) Search(_ context.Context, query models.SearchQuery) (*models.SearchResponse, error) {
	f.lastQuery = query
	if f.searchErr != nil {
		return nil, f.searchErr
	}
	return &models.SearchResponse{
		Query:        query.Text,
		Results:      []models.SearchResult{{ChunkID: "c1", Score: 0.82}},
		TotalResults: 1,
		Confidence:   models.ConfidenceHigh,
	}, nil
}

func (f *fakeService) Validate(context.Context) (*models.ValidationReport, error) {
	return &models.ValidationReport{Passed: true, TotalQueries: 6, PassedQueries: 6}, nil
}

func (f *fakeService) Stats(context.Context) (*models.CollectionStats, error) {
	return &models.CollectionStats{Collection: "rag_embedding", VectorCount: 42}, nil
}

func (f *fakeService) Ingesting() bool { return f.ingesting }

type envelope struct {
	Success bool            `json:"success"`
	Data    json.RawMessage `json:"data"`
	Error   string          `json:"error"`
	Code    string          `json:"code"`
}

func TestMain(m *testing.M) {
	// 生产模式下输出紧凑JSON，便于断言
	web.BConfig.RunMode = web.PROD
	os.Exit(m.Run())
}

func newServer(t *testing.T, svc *fakeService, breaker *retry.Breaker) *web.HttpServer {
	t.Helper()
	server := web.NewHttpServerWithCfg(web.BConfig)
	Register(server, Deps{
		Service: svc,
		Breaker: breaker,
		Metrics: http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			_, _ = w.Write([]byte("docrag_documents_total 0\n"))
		}),
		Logger: zap.NewNop(),
	})
	return server
}

func do(t *testing.T, server *web.HttpServer, method, target, body string) (*httptest.ResponseRecorder, envelope) {
	t.Helper()
	var req *http.Request
	if body != "" {
		req = httptest.NewRequest(method, target, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	} else {
		req = httptest.NewRequest(method, target, nil)
	}
	w := httptest.NewRecorder()
	server.Handlers.ServeHTTP(w, req)

	var env envelope
	if strings.HasPrefix(w.Header().Get("Content-Type"), "application/json") {
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &env))
	}
	return w, env
}

func TestIngestRoute(t *testing.T) {
	svc := &fakeService{}
	server := newServer(t, svc, nil)

	w, env := do(t, server, "POST", "/api/docs/ingest", `{"urls":["https://robotics.dev/docs/a"," ","https://robotics.dev/docs/b"]}`)
	require.Equal(t, http.StatusOK, w.Code)
	assert.True(t, env.Success)
	assert.Equal(t, []string{"https://robotics.dev/docs/a", "https://robotics.dev/docs/b"}, svc.ingested)
	assert.NotEmpty(t, w.Header().Get("X-Request-ID"))

	var run models.PipelineRun
	require.NoError(t, json.Unmarshal(env.Data, &run))
	assert.Equal(t, "run-1", run.RunID)
}

func TestIngestRouteSitemap(t *testing.T) {
	svc := &fakeService{}
	server := newServer(t, svc, nil)

	w, _ := do(t, server, "POST", "/api/docs/ingest", `{"sitemap_url":"https://robotics.dev/sitemap.xml"}`)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "https://robotics.dev/sitemap.xml", svc.sitemap)
}

func TestIngestRouteErrors(t *testing.T) {
	server := newServer(t, &fakeService{}, nil)

	w, env := do(t, server, "POST", "/api/docs/ingest", `{}`)
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.False(t, env.Success)

	w, _ = do(t, server, "POST", "/api/docs/ingest", `{not json`)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	busy := newServer(t, &fakeService{ingestErr: services.ErrIngestInProgress}, nil)
	w, _ = do(t, busy, "POST", "/api/docs/ingest", `{"urls":["https://robotics.dev/docs/a"]}`)
	assert.Equal(t, http.StatusConflict, w.Code)

	// 中止的运行仍返回部分报告
	aborted := newServer(t, &fakeService{ingestErr: apperrors.NewCollectionMismatchError("rag_embedding", "dimension differs")}, nil)
	w, env = do(t, aborted, "POST", "/api/docs/ingest", `{"urls":["https://robotics.dev/docs/a"]}`)
	assert.Equal(t, http.StatusConflict, w.Code)
	assert.Equal(t, string(apperrors.ErrCodeCollectionMismatch), env.Code)
	assert.Contains(t, string(env.Data), `"run_id":"run-1"`)
}

func TestSearchRoute(t *testing.T) {
	svc := &fakeService{}
	server := newServer(t, svc, nil)

	w, env := do(t, server, "GET", "/api/docs/search?q=inverse+kinematics&top_k=3&threshold=0.4&section=module3", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.True(t, env.Success)
	assert.Equal(t, "inverse kinematics", svc.lastQuery.Text)
	assert.Equal(t, 3, svc.lastQuery.TopK)
	require.NotNil(t, svc.lastQuery.Threshold)
	assert.InDelta(t, 0.4, *svc.lastQuery.Threshold, 1e-9)
	assert.Equal(t, "module3", svc.lastQuery.Filter.Section)

	var resp models.SearchResponse
	require.NoError(t, json.Unmarshal(env.Data, &resp))
	assert.Equal(t, models.ConfidenceHigh, resp.Confidence)
}

func TestSearchRouteValidation(t *testing.T) {
	server := newServer(t, &fakeService{}, nil)

	w, _ := do(t, server, "GET", "/api/docs/search", "")
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w, _ = do(t, server, "GET", "/api/docs/search?q=ros&top_k=many", "")
	assert.Equal(t, http.StatusBadRequest, w.Code)

	invalid := newServer(t, &fakeService{searchErr: apperrors.NewInvalidInputError("top_k", "must be between 1 and 20")}, nil)
	w, env := do(t, invalid, "GET", "/api/docs/search?q=ros&top_k=50", "")
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, string(apperrors.ErrCodeInvalidInput), env.Code)

	timeout := newServer(t, &fakeService{searchErr: apperrors.NewRetrievalTimeoutError(context.DeadlineExceeded)}, nil)
	w, _ = do(t, timeout, "GET", "/api/docs/search?q=ros", "")
	assert.GreaterOrEqual(t, w.Code, 500)
}

func TestValidateAndStatsRoutes(t *testing.T) {
	server := newServer(t, &fakeService{}, nil)

	w, env := do(t, server, "POST", "/api/docs/validate", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, string(env.Data), `"passed":true`)

	w, env = do(t, server, "GET", "/api/docs/stats", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, string(env.Data), `"vector_count":42`)
}

func TestHealthAndMetricsRoutes(t *testing.T) {
	breaker := retry.NewBreaker("vector_store", 1, 1, time.Minute)
	server := newServer(t, &fakeService{ingesting: true}, breaker)

	w, _ := do(t, server, "GET", "/health", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"ingesting":true`)
	assert.Contains(t, w.Body.String(), `"vector_store":"closed"`)

	_ = breaker.Call(func() error { return apperrors.NewIndexUnavailableError("search", nil) }, func(error) bool { return true })
	w, _ = do(t, server, "GET", "/health", "")
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	assert.Contains(t, w.Body.String(), `"degraded"`)

	w, _ = do(t, server, "GET", "/metrics", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "docrag_documents_total")
}
