package metrics

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/aihub/docrag/internal/models"
	"github.com/aihub/docrag/internal/retry"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

const namespace = "docrag"

// VectorCounter 集合向量数
type VectorCounter interface {
	Count(ctx context.Context) (int64, error)
}

// HitRater 缓存命中率
type HitRater interface {
	HitRate() float64
}

// Collector 入库与检索指标
// 同时实现流水线与检索引擎的回调接口
type Collector struct {
	registry *prometheus.Registry
	logger   *zap.Logger

	collectInterval time.Duration
	counter         VectorCounter
	breaker         *retry.Breaker
	cache           HitRater

	documentsTotal   *prometheus.CounterVec
	documentDuration *prometheus.HistogramVec
	runsTotal        *prometheus.CounterVec
	vectorsStored    prometheus.Counter
	staleDeleted     prometheus.Counter
	embeddingCalls   prometheus.Counter
	runErrorRatio    prometheus.Gauge

	searchTotal    *prometheus.CounterVec
	searchDuration prometheus.Histogram
	searchResults  prometheus.Histogram

	collectionVectors prometheus.Gauge
	breakerState      prometheus.Gauge
	cacheHitRatio     prometheus.Gauge

	stopOnce sync.Once
	stop     chan struct{}
}

// Option 采集选项
type Option func(*Collector)

// WithVectorCounter 定期采集集合向量数
func WithVectorCounter(counter VectorCounter) Option {
	return func(c *Collector) { c.counter = counter }
}

// WithBreaker 定期采集熔断器状态
func WithBreaker(b *retry.Breaker) Option {
	return func(c *Collector) { c.breaker = b }
}

// WithCache 定期采集查询缓存命中率
func WithCache(cache HitRater) Option {
	return func(c *Collector) {
		if cache != nil {
			c.cache = cache
		}
	}
}

// WithInterval 采集间隔，默认15秒
func WithInterval(d time.Duration) Option {
	return func(c *Collector) {
		if d > 0 {
			c.collectInterval = d
		}
	}
}

// NewCollector 创建指标收集器，registry 为空时新建
func NewCollector(registry *prometheus.Registry, logger *zap.Logger, opts ...Option) *Collector {
	if registry == nil {
		registry = prometheus.NewRegistry()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	c := &Collector{
		registry:        registry,
		logger:          logger,
		collectInterval: 15 * time.Second, // 默认15秒收集一次
		stop:            make(chan struct{}),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.registerMetrics()
	return c
}

// registerMetrics 注册Prometheus指标
func (c *Collector) registerMetrics() {
	factory := promauto.With(c.registry)

	c.documentsTotal = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "documents_total",
			Help:      "Documents finished by the ingestion pipeline, by terminal state",
		},
		[]string{"state"}, // done, skipped_*, failed
	)
	c.documentDuration = factory.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "document_duration_seconds",
			Help:      "Time spent processing a single document",
			Buckets:   []float64{0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60},
		},
		[]string{"state"},
	)
	c.runsTotal = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "pipeline_runs_total",
			Help:      "Ingestion runs by outcome",
		},
		[]string{"status"},
	)
	c.vectorsStored = factory.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "vectors_stored_total",
		Help:      "Vectors upserted into the collection",
	})
	c.staleDeleted = factory.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "stale_chunks_deleted_total",
		Help:      "Stale chunks removed after documents shrank",
	})
	c.embeddingCalls = factory.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "embedding_calls_total",
		Help:      "Embedding API calls made during ingestion, retries included",
	})
	c.runErrorRatio = factory.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "last_run_error_ratio",
		Help:      "Failed over finished documents in the most recent run",
	})

	c.searchTotal = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "search_requests_total",
			Help:      "Search requests by status and confidence",
		},
		[]string{"status", "confidence"},
	)
	c.searchDuration = factory.NewHistogram(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "search_duration_seconds",
		Help:      "End-to-end retrieval latency",
		Buckets:   prometheus.DefBuckets,
	})
	c.searchResults = factory.NewHistogram(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "search_results",
		Help:      "Results returned per search",
		Buckets:   []float64{0, 1, 2, 3, 5, 10, 20},
	})

	c.collectionVectors = factory.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "collection_vectors",
		Help:      "Vectors currently stored in the collection",
	})
	c.breakerState = factory.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "vector_store_breaker_state",
		Help:      "Vector store circuit breaker state (0 closed, 1 open, 2 half-open)",
	})
	c.cacheHitRatio = factory.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "query_cache_hit_ratio",
		Help:      "Query embedding cache hit ratio",
	})
}

// ObserveDocument 记录单个文档的终止状态
func (c *Collector) ObserveDocument(outcome models.DocumentOutcome) {
	state := string(outcome.State)
	c.documentsTotal.WithLabelValues(state).Inc()
	c.documentDuration.WithLabelValues(state).Observe(outcome.Duration.Seconds())
}

// ObserveRun 记录一次运行的汇总
func (c *Collector) ObserveRun(run *models.PipelineRun, err error) {
	if run == nil {
		return
	}
	status := "completed"
	switch {
	case run.Aborted:
		status = "aborted"
	case err != nil:
		status = "failed"
	}
	c.runsTotal.WithLabelValues(status).Inc()
	c.vectorsStored.Add(float64(run.VectorsStored))
	c.staleDeleted.Add(float64(run.StaleDeleted))
	c.embeddingCalls.Add(float64(run.EmbeddingCalls))
	if finished := run.Finished(); finished > 0 {
		c.runErrorRatio.Set(float64(run.Failed) / float64(finished))
	}
}

// ObserveSearch 记录一次检索
func (c *Collector) ObserveSearch(resp *models.SearchResponse, err error, elapsed time.Duration) {
	c.searchDuration.Observe(elapsed.Seconds())
	if err != nil || resp == nil {
		c.searchTotal.WithLabelValues("error", "").Inc()
		return
	}
	c.searchTotal.WithLabelValues("ok", string(resp.Confidence)).Inc()
	c.searchResults.Observe(float64(resp.TotalResults))
}

// Start 开始定期采集
func (c *Collector) Start(ctx context.Context) {
	c.logger.Info("Starting docrag metrics collection", zap.Duration("interval", c.collectInterval))

	go func() {
		ticker := time.NewTicker(c.collectInterval)
		defer ticker.Stop()

		c.Collect(ctx)
		for {
			select {
			case <-ticker.C:
				c.Collect(ctx)
			case <-ctx.Done():
				return
			case <-c.stop:
				return
			}
		}
	}()
}

// Stop 停止定期采集
func (c *Collector) Stop() {
	c.stopOnce.Do(func() { close(c.stop) })
}

// Collect 采集一次集合与依赖状态
func (c *Collector) Collect(ctx context.Context) {
	if c.counter != nil {
		countCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		count, err := c.counter.Count(countCtx)
		cancel()
		if err != nil {
			c.logger.Debug("collect vector count failed", zap.Error(err))
		} else {
			c.collectionVectors.Set(float64(count))
		}
	}
	if c.breaker != nil {
		c.breakerState.Set(float64(c.breaker.State()))
	}
	if c.cache != nil {
		c.cacheHitRatio.Set(c.cache.HitRate())
	}
}

// Registry 指标注册表
func (c *Collector) Registry() *prometheus.Registry {
	return c.registry
}

// Handler 返回Prometheus指标的HTTP处理器
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{Registry: c.registry})
}
