package config

import (
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/aihub/docrag/internal/logger"
	"github.com/fsnotify/fsnotify"
	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"
	"go.uber.org/zap"
)

// EnvPrefix 环境变量前缀，如 DOCRAG_EMBEDDING_MODEL
const EnvPrefix = "DOCRAG"

// ConfigUpdateCallback 配置更新回调函数类型
type ConfigUpdateCallback func(oldConfig, newConfig *Config) error

// ConfigLoader 配置加载器
type ConfigLoader struct {
	viper     *viper.Viper
	validator *validator.Validate
	config    *Config
	callbacks []ConfigUpdateCallback
	watching  bool
	mu        sync.RWMutex
}

// NewConfigLoader 创建配置加载器
func NewConfigLoader() *ConfigLoader {
	v := viper.New()
	v.SetEnvPrefix(EnvPrefix)
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	return &ConfigLoader{
		viper:     v,
		validator: validator.New(),
		callbacks: make([]ConfigUpdateCallback, 0),
	}
}

// Load 从默认值、配置文件和环境变量加载配置
func (cl *ConfigLoader) Load() (*Config, error) {
	config, err := cl.load()
	if err != nil {
		return nil, err
	}

	cl.mu.Lock()
	cl.config = config
	cl.mu.Unlock()

	return config, nil
}

// LoadFile 从指定文件加载配置，文件不可读时返回错误
func (cl *ConfigLoader) LoadFile(path string) (*Config, error) {
	if _, err := os.Stat(path); err != nil {
		return nil, fmt.Errorf("read config file %s: %w", path, err)
	}
	cl.viper.SetConfigFile(path)
	return cl.Load()
}

func (cl *ConfigLoader) load() (*Config, error) {
	cl.setDefaults()
	cl.loadFromEnv()

	if configFile := os.Getenv("CONFIG_FILE"); configFile != "" && cl.viper.ConfigFileUsed() == "" {
		cl.viper.SetConfigFile(configFile)
	}
	if configFile := cl.viper.ConfigFileUsed(); configFile != "" {
		if err := cl.viper.ReadInConfig(); err != nil {
			// 配置文件不存在不是错误，只是警告
			logger.Warn("config file not found or invalid",
				zap.String("file", configFile),
				zap.Error(err))
		}
	}

	var config Config
	if err := cl.viper.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := cl.validateConfig(&config); err != nil {
		return nil, err
	}

	return &config, nil
}

// RegisterCallback 注册配置更新回调
func (cl *ConfigLoader) RegisterCallback(callback ConfigUpdateCallback) {
	cl.mu.Lock()
	defer cl.mu.Unlock()
	cl.callbacks = append(cl.callbacks, callback)
}

// StartWatching 开始监听配置文件变化
func (cl *ConfigLoader) StartWatching() error {
	cl.mu.Lock()
	defer cl.mu.Unlock()

	if cl.watching {
		return fmt.Errorf("config watcher is already running")
	}
	if cl.viper.ConfigFileUsed() == "" {
		return fmt.Errorf("no config file to watch")
	}

	cl.viper.OnConfigChange(func(e fsnotify.Event) {
		logger.Info("config file changed", zap.String("file", e.Name), zap.String("op", e.Op.String()))
		if err := cl.Reload(); err != nil {
			logger.Error("config reload failed", zap.Error(err))
		}
	})
	cl.viper.WatchConfig()

	cl.watching = true
	logger.Info("config hot reload enabled", zap.String("file", cl.viper.ConfigFileUsed()))
	return nil
}

// Reload 手动重新加载配置并通知回调
func (cl *ConfigLoader) Reload() error {
	cl.mu.RLock()
	oldConfig := cl.config
	cl.mu.RUnlock()

	newConfig, err := cl.load()
	if err != nil {
		return fmt.Errorf("failed to reload config: %w", err)
	}

	cl.mu.Lock()
	cl.config = newConfig
	callbacks := make([]ConfigUpdateCallback, len(cl.callbacks))
	copy(callbacks, cl.callbacks)
	cl.mu.Unlock()

	for _, callback := range callbacks {
		if err := callback(oldConfig, newConfig); err != nil {
			// 继续执行其他回调
			logger.Warn("config update callback failed", zap.Error(err))
		}
	}

	return nil
}

// GetConfig 获取当前配置的副本
func (cl *ConfigLoader) GetConfig() *Config {
	cl.mu.RLock()
	defer cl.mu.RUnlock()

	if cl.config == nil {
		return nil
	}
	configCopy := *cl.config
	return &configCopy
}

func (cl *ConfigLoader) validateConfig(config *Config) error {
	if err := cl.validator.Struct(config); err != nil {
		return fmt.Errorf("configuration validation failed: %w", err)
	}
	return nil
}

// setDefaults 设置默认值
func (cl *ConfigLoader) setDefaults() {
	v := cl.viper

	v.SetDefault("app.name", "docrag")
	v.SetDefault("app.env", "development")
	v.SetDefault("log.level", "info")
	v.SetDefault("server.port", 8001)

	// 向量化
	v.SetDefault("embedding.provider", "dashscope")
	v.SetDefault("embedding.model", "text-embedding-v3")
	v.SetDefault("embedding.dimensions", 1024)
	v.SetDefault("embedding.api_key", "")
	v.SetDefault("embedding.base_url", "")
	v.SetDefault("embedding.batch_size", 96)
	v.SetDefault("embedding.timeout", 30*time.Second)
	v.SetDefault("embedding.requests_per_second", 5.0)
	v.SetDefault("embedding.burst", 1)

	// 向量索引
	v.SetDefault("vector_store.provider", "qdrant")
	v.SetDefault("vector_store.collection", "rag_embedding")
	v.SetDefault("vector_store.metric", "cosine")
	v.SetDefault("vector_store.hnsw_m", 16)
	v.SetDefault("vector_store.hnsw_ef_construct", 100)
	v.SetDefault("vector_store.hnsw_ef_search", 64)
	v.SetDefault("vector_store.timeout", 10*time.Second)
	v.SetDefault("vector_store.prune_stale", true)
	v.SetDefault("vector_store.breaker.failure_threshold", 5)
	v.SetDefault("vector_store.breaker.timeout", 30*time.Second)
	v.SetDefault("vector_store.qdrant.endpoint", "http://localhost:6333")
	v.SetDefault("vector_store.qdrant.api_key", "")
	v.SetDefault("vector_store.milvus.address", "localhost:19530")
	v.SetDefault("vector_store.milvus.username", "")
	v.SetDefault("vector_store.milvus.password", "")
	v.SetDefault("vector_store.milvus.database", "default")
	v.SetDefault("vector_store.milvus.tls", false)
	v.SetDefault("vector_store.elasticsearch.addresses", []string{"http://localhost:9200"})
	v.SetDefault("vector_store.elasticsearch.username", "")
	v.SetDefault("vector_store.elasticsearch.password", "")
	v.SetDefault("vector_store.elasticsearch.api_key", "")

	// 分块与抽取
	v.SetDefault("chunking.size", 1400)
	v.SetDefault("chunking.overlap", 240)
	v.SetDefault("extractor.min_text_length", 100)
	v.SetDefault("extractor.fetch_timeout", 30*time.Second)
	v.SetDefault("extractor.user_agent", "docrag-ingest/1.0")

	// 编排
	v.SetDefault("ingestion.concurrency", 5)
	v.SetDefault("ingestion.error_budget", 0.10)
	v.SetDefault("ingestion.min_documents_for_budget", 10)

	// 重试
	v.SetDefault("retry.max_retries", 3)
	v.SetDefault("retry.base_delay", time.Second)
	v.SetDefault("retry.max_delay", 10*time.Second)
	v.SetDefault("retry.multiplier", 2.0)

	// 检索
	v.SetDefault("retrieval.default_top_k", 5)
	v.SetDefault("retrieval.max_top_k", 20)
	v.SetDefault("retrieval.score_threshold", 0.3)
	v.SetDefault("retrieval.low_confidence_min", 0.3)
	v.SetDefault("retrieval.low_confidence_max", 0.5)
	v.SetDefault("retrieval.timeout", 10*time.Second)
	v.SetDefault("retrieval.max_query_chars", 32000)
	v.SetDefault("retrieval.snippet_length", 200)

	// 验证
	v.SetDefault("validation.min_passed", 4)
	v.SetDefault("validation.top_k", 5)
	v.SetDefault("validation.sample_size", 100)

	// Redis缓存
	v.SetDefault("cache.enabled", false)
	v.SetDefault("cache.host", "localhost")
	v.SetDefault("cache.port", "6379")
	v.SetDefault("cache.db", 0)
	v.SetDefault("cache.password", "")
	v.SetDefault("cache.ttl", 24*time.Hour)

	// Kafka
	v.SetDefault("kafka.enabled", false)
	v.SetDefault("kafka.brokers", []string{"localhost:9092"})
	v.SetDefault("kafka.topic", "docrag-pipeline-runs")
	v.SetDefault("kafka.request_topic", "")
	v.SetDefault("kafka.group_id", "docrag-ingest")

	// 指标
	v.SetDefault("metrics.enabled", false)
	v.SetDefault("metrics.addr", ":9464")
}

// loadFromEnv 兼容常用的无前缀环境变量
func (cl *ConfigLoader) loadFromEnv() {
	v := cl.viper

	if env := os.Getenv("ENV"); env != "" {
		v.Set("app.env", env)
	}
	if level := os.Getenv("LOG_LEVEL"); level != "" {
		v.Set("log.level", level)
	}

	provider := v.GetString("embedding.provider")
	if v.GetString("embedding.api_key") == "" {
		switch provider {
		case "openai":
			if key := os.Getenv("OPENAI_API_KEY"); key != "" {
				v.Set("embedding.api_key", key)
			}
		case "dashscope":
			if key := os.Getenv("DASHSCOPE_API_KEY"); key != "" {
				v.Set("embedding.api_key", key)
			}
		}
	}

	if qdrantURL := os.Getenv("QDRANT_URL"); qdrantURL != "" {
		v.Set("vector_store.qdrant.endpoint", qdrantURL)
	}
	if qdrantKey := os.Getenv("QDRANT_API_KEY"); qdrantKey != "" {
		v.Set("vector_store.qdrant.api_key", qdrantKey)
	}
	if milvusAddr := os.Getenv("MILVUS_ADDRESS"); milvusAddr != "" {
		v.Set("vector_store.milvus.address", milvusAddr)
	}
	if esAddrs := os.Getenv("ELASTICSEARCH_ADDRESSES"); esAddrs != "" {
		v.Set("vector_store.elasticsearch.addresses", splitList(esAddrs))
	}
	if redisHost := os.Getenv("REDIS_HOST"); redisHost != "" {
		v.Set("cache.host", redisHost)
	}
	if redisPort := os.Getenv("REDIS_PORT"); redisPort != "" {
		v.Set("cache.port", redisPort)
	}
	if kafkaBrokers := os.Getenv("KAFKA_BROKERS"); kafkaBrokers != "" {
		// 支持逗号分隔的broker列表
		v.Set("kafka.brokers", splitList(kafkaBrokers))
	}
}

func splitList(raw string) []string {
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, part := range parts {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
