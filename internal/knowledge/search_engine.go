package knowledge

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync/atomic"
	"time"
	"unicode/utf8"

	"github.com/aihub/docrag/internal/config"
	apperrors "github.com/aihub/docrag/internal/errors"
	"github.com/aihub/docrag/internal/logger"
	"github.com/aihub/docrag/internal/models"
	"go.uber.org/zap"
)

// MaxTopK 单次检索返回结果上限
const MaxTopK = 20

// QueryEmbedder 查询向量化
type QueryEmbedder interface {
	EmbedQuery(ctx context.Context, text string) ([]float32, error)
	Model() string
	Dimensions() int
}

// SearchObserver 检索结果回调，用于指标统计
type SearchObserver interface {
	ObserveSearch(resp *models.SearchResponse, err error, elapsed time.Duration)
}

// SearchEngine 只读检索
// 除底层客户端外没有共享可变状态；检索参数可热更新
type SearchEngine struct {
	embedder QueryEmbedder
	store    *StoreManager
	cache    QueryCache
	observer SearchObserver
	cfg      atomic.Pointer[config.RetrievalConfig]
	log      *zap.Logger
}

// NewSearchEngine 创建检索引擎，cache 与 observer 可为 nil
func NewSearchEngine(embedder QueryEmbedder, store *StoreManager, cfg config.RetrievalConfig, cache QueryCache, observer SearchObserver, log *zap.Logger) *SearchEngine {
	if log == nil {
		log = logger.Named("search")
	}
	e := &SearchEngine{
		embedder: embedder,
		store:    store,
		cache:    cache,
		observer: observer,
		log:      log,
	}
	e.UpdateConfig(cfg)
	return e
}

// UpdateConfig 更新阈值、TopK 等参数，配置热加载时调用
func (e *SearchEngine) UpdateConfig(cfg config.RetrievalConfig) {
	if cfg.DefaultTopK <= 0 {
		cfg.DefaultTopK = 5
	}
	if cfg.MaxTopK <= 0 || cfg.MaxTopK > MaxTopK {
		cfg.MaxTopK = MaxTopK
	}
	if cfg.LowConfidenceMax <= 0 {
		cfg.LowConfidenceMax = 0.5
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	if cfg.MaxQueryChars <= 0 {
		cfg.MaxQueryChars = 32000
	}
	if cfg.SnippetLength <= 0 {
		cfg.SnippetLength = 200
	}
	e.cfg.Store(&cfg)
}

// Config 当前检索参数
func (e *SearchEngine) Config() config.RetrievalConfig {
	return *e.cfg.Load()
}

// Search 执行一次检索
func (e *SearchEngine) Search(ctx context.Context, query models.SearchQuery) (*models.SearchResponse, error) {
	started := time.Now()
	resp, err := e.search(ctx, query)
	elapsed := time.Since(started)
	if resp != nil {
		resp.QueryTimeMs = float64(elapsed.Microseconds()) / 1000
	}
	if e.observer != nil {
		e.observer.ObserveSearch(resp, err, elapsed)
	}
	if err != nil {
		e.log.Warn("search failed", zap.Int("query_length", len(query.Text)), zap.Error(err))
		return nil, err
	}

	e.log.Info("search completed",
		zap.Int("query_length", len(resp.Query)),
		zap.Int("result_count", resp.TotalResults),
		zap.String("confidence", string(resp.Confidence)),
		zap.Duration("latency", elapsed))
	return resp, nil
}

func (e *SearchEngine) search(ctx context.Context, query models.SearchQuery) (*models.SearchResponse, error) {
	cfg := e.Config()

	text := strings.TrimSpace(query.Text)
	if text == "" {
		return nil, apperrors.NewInvalidInputError("query", "query text cannot be empty or whitespace")
	}

	topK := query.TopK
	if topK == 0 {
		topK = cfg.DefaultTopK
	}
	if topK < 1 || topK > cfg.MaxTopK {
		return nil, apperrors.NewInvalidInputError("top_k", fmt.Sprintf("must be between 1 and %d, got %d", cfg.MaxTopK, topK))
	}

	threshold := cfg.ScoreThreshold
	if query.Threshold != nil {
		threshold = *query.Threshold
	}
	if threshold < 0 || threshold > 1 {
		return nil, apperrors.NewInvalidInputError("threshold", fmt.Sprintf("must be between 0.0 and 1.0, got %v", threshold))
	}

	resp := &models.SearchResponse{
		Threshold: threshold,
		Results:   []models.SearchResult{},
	}

	if n := utf8.RuneCountInString(text); n > cfg.MaxQueryChars {
		text = string([]rune(text)[:cfg.MaxQueryChars])
		resp.Warnings = append(resp.Warnings,
			fmt.Sprintf("Query truncated from %d to %d characters", n, cfg.MaxQueryChars))
		e.log.Warn("query truncated", zap.Int("query_length", n))
	}
	resp.Query = text

	vector, err := e.queryVector(ctx, text)
	if err != nil {
		return nil, err
	}

	records, err := e.searchWithTimeout(ctx, vector, topK, query.Filter, cfg.Timeout)
	if err != nil {
		return nil, err
	}

	results := make([]models.SearchResult, 0, len(records))
	for _, rec := range records {
		if !matchesFilter(rec.Payload, query.Filter) {
			continue
		}
		score := clampScore(rec.Score)
		if score < threshold {
			continue
		}
		results = append(results, models.SearchResult{
			ChunkID: rec.ID,
			Score:   score,
			Snippet: snippet(rec.Payload.ChunkText, cfg.SnippetLength),
			Payload: rec.Payload,
		})
	}
	sort.SliceStable(results, func(i, j int) bool {
		return results[i].Score > results[j].Score
	})
	if len(results) > topK {
		results = results[:topK]
	}

	for _, r := range results {
		if missing := r.Payload.MissingFields(); len(missing) > 0 {
			resp.Warnings = append(resp.Warnings,
				fmt.Sprintf("Result %s missing fields: %s", r.ChunkID, strings.Join(missing, ", ")))
		}
	}

	resp.Results = results
	resp.TotalResults = len(results)
	resp.Confidence = confidenceOf(resp.TopScore(), len(results), cfg)
	resp.LowConfidence = resp.Confidence == models.ConfidenceLow
	if resp.Confidence == models.ConfidenceVeryLow {
		resp.Warnings = append(resp.Warnings,
			fmt.Sprintf("Best score %.2f is below the low-confidence band [%.2f, %.2f)",
				resp.TopScore(), cfg.LowConfidenceMin, cfg.LowConfidenceMax))
	}

	if len(results) == 0 {
		count, err := e.store.Count(ctx)
		if err != nil {
			e.log.Warn("count after empty search failed", zap.Error(err))
		} else if count == 0 {
			resp.EmptyIndex = true
		}
	}
	return resp, nil
}

func (e *SearchEngine) queryVector(ctx context.Context, text string) ([]float32, error) {
	var key string
	if e.cache != nil {
		key = QueryCacheKey(e.embedder.Model(), e.embedder.Dimensions(), text)
		if vector, ok := e.cache.Get(ctx, key); ok && len(vector) == e.embedder.Dimensions() {
			return vector, nil
		}
	}

	vector, err := e.embedder.EmbedQuery(ctx, text)
	if err != nil {
		return nil, err
	}
	if e.cache != nil {
		e.cache.Set(ctx, key, vector)
	}
	return vector, nil
}

// searchWithTimeout 超时重试一次，仍超时返回 RetrievalTimeout
func (e *SearchEngine) searchWithTimeout(ctx context.Context, vector []float32, limit int, filter models.SearchFilter, timeout time.Duration) ([]models.ScoredRecord, error) {
	var lastErr error
	for attempt := 0; attempt < 2; attempt++ {
		callCtx, cancel := context.WithTimeout(ctx, timeout)
		records, err := e.store.Search(callCtx, vector, limit, filter)
		cancel()
		if err == nil {
			return records, nil
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		if !errors.Is(err, context.DeadlineExceeded) {
			return nil, err
		}
		lastErr = err
		e.log.Warn("search timed out", zap.Int("attempt", attempt+1), zap.Duration("timeout", timeout))
	}
	return nil, apperrors.NewRetrievalTimeoutError(lastErr)
}

func confidenceOf(top float64, n int, cfg config.RetrievalConfig) models.Confidence {
	if n == 0 {
		return models.ConfidenceNone
	}
	switch {
	case top >= cfg.LowConfidenceMax:
		return models.ConfidenceHigh
	case top >= cfg.LowConfidenceMin:
		return models.ConfidenceLow
	default:
		return models.ConfidenceVeryLow
	}
}

func clampScore(score float64) float64 {
	if score < 0 {
		return 0
	}
	if score > 1 {
		return 1
	}
	return score
}

func snippet(text string, limit int) string {
	if utf8.RuneCountInString(text) <= limit {
		return text
	}
	return string([]rune(text)[:limit])
}
