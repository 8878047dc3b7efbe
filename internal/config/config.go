package config

import (
	"time"

	"github.com/aihub/docrag/internal/models"
)

// Config 引擎配置
type Config struct {
	App         AppInfoConfig     `mapstructure:"app" validate:"required"`
	Log         LogConfig         `mapstructure:"log"`
	Server      ServerConfig      `mapstructure:"server"`
	Embedding   EmbeddingConfig   `mapstructure:"embedding" validate:"required"`
	VectorStore VectorStoreConfig `mapstructure:"vector_store" validate:"required"`
	Chunking    ChunkingConfig    `mapstructure:"chunking" validate:"required"`
	Extractor   ExtractorConfig   `mapstructure:"extractor" validate:"required"`
	Ingestion   IngestionConfig   `mapstructure:"ingestion" validate:"required"`
	Retry       RetryConfig       `mapstructure:"retry" validate:"required"`
	Retrieval   RetrievalConfig   `mapstructure:"retrieval" validate:"required"`
	Validation  ValidationConfig  `mapstructure:"validation"`
	Cache       CacheConfig       `mapstructure:"cache"`
	Kafka       KafkaConfig       `mapstructure:"kafka"`
	Metrics     MetricsConfig     `mapstructure:"metrics"`
}

// AppInfoConfig 应用基础配置
type AppInfoConfig struct {
	Name string `mapstructure:"name" validate:"required"`
	Env  string `mapstructure:"env" validate:"required,oneof=development staging production test"`
}

// LogConfig 日志配置
type LogConfig struct {
	Level string `mapstructure:"level" validate:"omitempty,oneof=debug info warn error"`
}

// ServerConfig HTTP服务配置
type ServerConfig struct {
	Port int `mapstructure:"port" validate:"gte=0,lte=65535"`
}

// EmbeddingConfig 向量化配置
type EmbeddingConfig struct {
	Provider          string        `mapstructure:"provider" validate:"required,oneof=openai dashscope"`
	Model             string        `mapstructure:"model" validate:"required"`
	Dimensions        int           `mapstructure:"dimensions" validate:"required,gt=0"`
	APIKey            string        `mapstructure:"api_key"`
	BaseURL           string        `mapstructure:"base_url"`
	BatchSize         int           `mapstructure:"batch_size" validate:"gte=1,lte=96"`
	Timeout           time.Duration `mapstructure:"timeout" validate:"gt=0"`
	RequestsPerSecond float64       `mapstructure:"requests_per_second" validate:"gte=0"`
	Burst             int           `mapstructure:"burst" validate:"gte=0"`
}

// VectorStoreConfig 向量索引配置
type VectorStoreConfig struct {
	Provider        string              `mapstructure:"provider" validate:"required,oneof=qdrant milvus elasticsearch memory"`
	Collection      string              `mapstructure:"collection" validate:"required"`
	Metric          string              `mapstructure:"metric" validate:"required,oneof=cosine"`
	HNSWM           int                 `mapstructure:"hnsw_m" validate:"gt=0"`
	HNSWEfConstruct int                 `mapstructure:"hnsw_ef_construct" validate:"gt=0"`
	HNSWEfSearch    int                 `mapstructure:"hnsw_ef_search" validate:"gt=0"`
	Timeout         time.Duration       `mapstructure:"timeout" validate:"gt=0"`
	PruneStale      bool                `mapstructure:"prune_stale"`
	Breaker         BreakerConfig       `mapstructure:"breaker"`
	Qdrant          QdrantConfig        `mapstructure:"qdrant"`
	Milvus          MilvusConfig        `mapstructure:"milvus"`
	Elasticsearch   ElasticsearchConfig `mapstructure:"elasticsearch"`
}

// BreakerConfig 熔断配置
type BreakerConfig struct {
	FailureThreshold int           `mapstructure:"failure_threshold" validate:"gte=1"`
	Timeout          time.Duration `mapstructure:"timeout" validate:"gt=0"`
}

// QdrantConfig Qdrant配置
type QdrantConfig struct {
	Endpoint string `mapstructure:"endpoint"`
	APIKey   string `mapstructure:"api_key"`
}

// MilvusConfig Milvus配置
type MilvusConfig struct {
	Address  string `mapstructure:"address"`
	Username string `mapstructure:"username"`
	Password string `mapstructure:"password"`
	Database string `mapstructure:"database"`
	TLS      bool   `mapstructure:"tls"`
}

// ElasticsearchConfig Elasticsearch配置
type ElasticsearchConfig struct {
	Addresses []string `mapstructure:"addresses"`
	Username  string   `mapstructure:"username"`
	Password  string   `mapstructure:"password"`
	APIKey    string   `mapstructure:"api_key"`
}

// ChunkingConfig 分块配置
type ChunkingConfig struct {
	Size    int `mapstructure:"size" validate:"gte=100"`
	Overlap int `mapstructure:"overlap" validate:"gte=0,ltfield=Size"`
}

// ExtractorConfig 抽取配置
type ExtractorConfig struct {
	MinTextLength int           `mapstructure:"min_text_length" validate:"gte=0"`
	FetchTimeout  time.Duration `mapstructure:"fetch_timeout" validate:"gt=0"`
	UserAgent     string        `mapstructure:"user_agent"`
}

// IngestionConfig 编排配置
type IngestionConfig struct {
	Concurrency           int     `mapstructure:"concurrency" validate:"gte=1"`
	ErrorBudget           float64 `mapstructure:"error_budget" validate:"gte=0,lte=1"`
	MinDocumentsForBudget int     `mapstructure:"min_documents_for_budget" validate:"gte=1"`
}

// RetryConfig 重试策略
type RetryConfig struct {
	MaxRetries int           `mapstructure:"max_retries" validate:"gte=0"`
	BaseDelay  time.Duration `mapstructure:"base_delay" validate:"gte=0"`
	MaxDelay   time.Duration `mapstructure:"max_delay" validate:"gte=0"`
	Multiplier float64       `mapstructure:"multiplier" validate:"gte=1"`
}

// RetrievalConfig 检索配置
type RetrievalConfig struct {
	DefaultTopK      int           `mapstructure:"default_top_k" validate:"gte=1,ltefield=MaxTopK"`
	MaxTopK          int           `mapstructure:"max_top_k" validate:"gte=1"`
	ScoreThreshold   float64       `mapstructure:"score_threshold" validate:"gte=0,lte=1"`
	LowConfidenceMin float64       `mapstructure:"low_confidence_min" validate:"gte=0,lte=1,ltefield=LowConfidenceMax"`
	LowConfidenceMax float64       `mapstructure:"low_confidence_max" validate:"gte=0,lte=1"`
	Timeout          time.Duration `mapstructure:"timeout" validate:"gt=0"`
	MaxQueryChars    int           `mapstructure:"max_query_chars" validate:"gte=1"`
	SnippetLength    int           `mapstructure:"snippet_length" validate:"gte=1"`
}

// ValidationConfig 验证集配置
type ValidationConfig struct {
	MinPassed     int                  `mapstructure:"min_passed" validate:"gte=0"`
	TopK          int                  `mapstructure:"top_k" validate:"gte=1"`
	SampleSize    int                  `mapstructure:"sample_size" validate:"gte=0"`
	GoldenQueries []models.GoldenQuery `mapstructure:"golden_queries"`
}

// CacheConfig Redis查询向量缓存
type CacheConfig struct {
	Enabled  bool          `mapstructure:"enabled"`
	Host     string        `mapstructure:"host"`
	Port     string        `mapstructure:"port"`
	DB       int           `mapstructure:"db"`
	Password string        `mapstructure:"password"`
	TTL      time.Duration `mapstructure:"ttl"`
}

// KafkaConfig 运行报告投递与入库请求消费
type KafkaConfig struct {
	Enabled bool     `mapstructure:"enabled"`
	Brokers []string `mapstructure:"brokers"`
	Topic   string   `mapstructure:"topic"`
	// RequestTopic 非空时 serve 模式消费入库请求
	RequestTopic string `mapstructure:"request_topic"`
	GroupID      string `mapstructure:"group_id"`
}

// MetricsConfig Prometheus指标
type MetricsConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Addr    string `mapstructure:"addr"`
}

var AppConfig *Config

// LoadConfig 加载全局配置
func LoadConfig() error {
	cfg, err := NewConfigLoader().Load()
	if err != nil {
		return err
	}
	AppConfig = cfg
	return nil
}

// GetAppConfig 获取全局配置
func GetAppConfig() *Config {
	return AppConfig
}
