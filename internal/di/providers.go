package di

import (
	"context"
	"fmt"

	"github.com/aihub/docrag/internal/config"
	"github.com/aihub/docrag/internal/database"
	"github.com/aihub/docrag/internal/kafka"
	"github.com/aihub/docrag/internal/knowledge"
	"github.com/aihub/docrag/internal/logger"
	"github.com/aihub/docrag/internal/metrics"
	"github.com/aihub/docrag/internal/retry"
	"github.com/aihub/docrag/internal/services"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/redis/go-redis/v9"
	"go.uber.org/dig"
	"go.uber.org/zap"
)

// RegisterProviders 注册所有依赖提供者
// cfg 为空时使用已加载的全局配置
func RegisterProviders(container *dig.Container, cfg *config.Config) error {
	providers := []interface{}{
		// 配置与基础设施
		func() (*config.Config, error) {
			if cfg != nil {
				return cfg, nil
			}
			if loaded := config.GetAppConfig(); loaded != nil {
				return loaded, nil
			}
			return nil, fmt.Errorf("config not loaded")
		},
		NewLifecycle,
		func() *zap.Logger { return logger.GetLogger() },
		providePolicy,
		provideRedis,
		provideQueryCache,
		provideProducer,

		// 入库与检索组件
		provideVectorIndex,
		provideStoreManager,
		func(cfg *config.Config) (knowledge.EmbeddingProvider, error) {
			return knowledge.NewEmbeddingProvider(cfg.Embedding)
		},
		func(provider knowledge.EmbeddingProvider, cfg *config.Config, policy retry.Policy, log *zap.Logger) *knowledge.BatchEmbedder {
			return knowledge.NewBatchEmbedder(provider, cfg.Embedding, policy, log.Named("embedder"))
		},
		func(cfg *config.Config, log *zap.Logger) *knowledge.Extractor {
			return knowledge.NewExtractor(cfg.Extractor, nil, log.Named("extractor"))
		},
		func(cfg *config.Config) *knowledge.Chunker {
			return knowledge.NewChunker(cfg.Chunking.Size, cfg.Chunking.Overlap)
		},
		provideCollector,
		providePipeline,
		provideSearchEngine,
		func(engine *knowledge.SearchEngine, store *knowledge.StoreManager, cfg *config.Config, log *zap.Logger) *knowledge.Validator {
			return knowledge.NewValidator(engine, store, cfg.Validation, log.Named("validator"))
		},

		// 服务
		provideDocSearchService,
	}

	for _, p := range providers {
		if err := container.Provide(p); err != nil {
			return err
		}
	}
	return nil
}

// PolicyFromConfig 由配置生成共享重试策略
func PolicyFromConfig(cfg config.RetryConfig) retry.Policy {
	policy := retry.DefaultPolicy()
	policy.MaxRetries = cfg.MaxRetries
	if cfg.BaseDelay > 0 {
		policy.BaseDelay = cfg.BaseDelay
	}
	if cfg.MaxDelay > 0 {
		policy.MaxDelay = cfg.MaxDelay
	}
	if cfg.Multiplier >= 1 {
		policy.Multiplier = cfg.Multiplier
	}
	return policy
}

func providePolicy(cfg *config.Config) retry.Policy {
	return PolicyFromConfig(cfg.Retry)
}

// provideRedis Redis不可用时降级为无缓存
func provideRedis(cfg *config.Config, lc *Lifecycle) *redis.Client {
	client, err := database.NewRedisClient(context.Background(), cfg.Cache)
	if err != nil {
		logger.Warn("Failed to initialize Redis, query cache disabled", zap.Error(err))
		return nil
	}
	if client != nil {
		lc.Append("redis", func() error { return database.CloseRedis(client) })
	}
	return client
}

// queryCacheOut 同一个缓存实例同时作为检索缓存和命中率来源
type queryCacheOut struct {
	dig.Out

	Cache    knowledge.QueryCache
	HitRater metrics.HitRater
}

// provideQueryCache 未启用时两个接口都为 nil，不能把空指针装进接口
func provideQueryCache(cfg *config.Config, client *redis.Client) queryCacheOut {
	cache := knowledge.NewRedisQueryCache(client, cfg.Cache.TTL)
	if cache == nil {
		return queryCacheOut{}
	}
	return queryCacheOut{Cache: cache, HitRater: cache}
}

// provideProducer 未启用或连接失败时返回 nil，运行报告只写日志
func provideProducer(cfg *config.Config, lc *Lifecycle) *kafka.Producer {
	if !cfg.Kafka.Enabled {
		return nil
	}
	producer, err := kafka.NewProducer(cfg.Kafka.Brokers, cfg.Kafka.Topic)
	if err != nil {
		logger.Warn("Failed to initialize Kafka producer", zap.Error(err))
		return nil
	}
	lc.Append("kafka producer", producer.Close)
	return producer
}

func provideVectorIndex(cfg *config.Config, lc *Lifecycle) (knowledge.VectorIndex, error) {
	index, err := knowledge.NewVectorIndex(cfg.VectorStore)
	if err != nil {
		return nil, fmt.Errorf("create %s vector index: %w", cfg.VectorStore.Provider, err)
	}
	lc.Append("vector index", index.Close)
	return index, nil
}

func provideStoreManager(index knowledge.VectorIndex, cfg *config.Config, policy retry.Policy, log *zap.Logger) *knowledge.StoreManager {
	return knowledge.NewStoreManager(index, cfg.VectorStore, cfg.Embedding.Dimensions, policy, log.Named("store"))
}

type collectorParams struct {
	dig.In

	Config   *config.Config
	Store    *knowledge.StoreManager
	HitRater metrics.HitRater `optional:"true"`
	Logger   *zap.Logger
}

func provideCollector(p collectorParams) *metrics.Collector {
	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return metrics.NewCollector(registry, p.Logger.Named("metrics"),
		metrics.WithVectorCounter(p.Store),
		metrics.WithBreaker(p.Store.Breaker()),
		metrics.WithCache(p.HitRater))
}

type pipelineParams struct {
	dig.In

	Config    *config.Config
	Lifecycle *Lifecycle
	Extractor *knowledge.Extractor
	Chunker   *knowledge.Chunker
	Embedder  *knowledge.BatchEmbedder
	Store     *knowledge.StoreManager
	Policy    retry.Policy
	Collector *metrics.Collector
	Producer  *kafka.Producer
	Logger    *zap.Logger
}

func providePipeline(p pipelineParams) (*knowledge.Pipeline, error) {
	opts := []knowledge.PipelineOption{
		knowledge.WithConcurrency(p.Config.Ingestion.Concurrency),
		knowledge.WithObserver(p.Collector),
		knowledge.WithPipelineLogger(p.Logger.Named("pipeline")),
	}
	if p.Producer != nil {
		opts = append(opts, knowledge.WithPublisher(p.Producer))
	}
	pipeline, err := knowledge.NewPipeline(p.Extractor, p.Chunker, p.Embedder, p.Store, p.Policy, p.Config.Ingestion, opts...)
	if err != nil {
		return nil, err
	}
	p.Lifecycle.Append("pipeline", func() error {
		pipeline.Release()
		return nil
	})
	return pipeline, nil
}

type searchEngineParams struct {
	dig.In

	Config    *config.Config
	Embedder  *knowledge.BatchEmbedder
	Store     *knowledge.StoreManager
	Cache     knowledge.QueryCache `optional:"true"`
	Collector *metrics.Collector
	Logger    *zap.Logger
}

func provideSearchEngine(p searchEngineParams) *knowledge.SearchEngine {
	return knowledge.NewSearchEngine(p.Embedder, p.Store, p.Config.Retrieval, p.Cache, p.Collector, p.Logger.Named("search"))
}

func provideDocSearchService(
	pipeline *knowledge.Pipeline,
	engine *knowledge.SearchEngine,
	validator *knowledge.Validator,
	store *knowledge.StoreManager,
	extractor *knowledge.Extractor,
	log *zap.Logger,
) *services.DocSearchService {
	return services.NewDocSearchService(pipeline, engine, validator, store, extractor, log.Named("docsearch"))
}
