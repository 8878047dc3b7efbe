package knowledge

import (
	"context"
	"fmt"
	"strings"

	"github.com/aihub/docrag/internal/config"
	"github.com/aihub/docrag/internal/models"
)

// CollectionSpec 集合的期望配置
type CollectionSpec struct {
	Name            string
	Dimensions      int
	Metric          string
	HNSWM           int
	HNSWEfConstruct int
	// PayloadIndexes 需要建立关键字索引的元数据字段
	PayloadIndexes []string
}

// VectorSearchRequest 向量检索请求
type VectorSearchRequest struct {
	Vector   []float32
	Limit    int
	Filter   models.SearchFilter
	EfSearch int
}

// VectorIndex 向量索引抽象
// 记录以确定性ID为键，重复写入原地覆盖
type VectorIndex interface {
	EnsureCollection(ctx context.Context, spec CollectionSpec) error
	Upsert(ctx context.Context, records []models.VectorRecord) error
	Search(ctx context.Context, req VectorSearchRequest) ([]models.ScoredRecord, error)
	// FetchFingerprint 读取文档首个分块上的 content_hash
	FetchFingerprint(ctx context.Context, sourceURL string) (string, bool, error)
	// DeleteFromPosition 删除该文档 chunk_position >= position 的记录，返回删除数量
	DeleteFromPosition(ctx context.Context, sourceURL string, position int) (int, error)
	Count(ctx context.Context) (int64, error)
	Sample(ctx context.Context, limit int) ([]models.VectorRecord, error)
	Describe(ctx context.Context) (*models.CollectionStats, error)
	Close() error
}

// DefaultPayloadIndexes 默认建立索引的元数据字段
var DefaultPayloadIndexes = []string{models.FieldSourceURL, models.FieldSection, models.FieldTitle}

// CollectionSpecFromConfig 由配置生成集合描述
func CollectionSpecFromConfig(cfg config.VectorStoreConfig, dimensions int) CollectionSpec {
	return CollectionSpec{
		Name:            cfg.Collection,
		Dimensions:      dimensions,
		Metric:          strings.ToLower(cfg.Metric),
		HNSWM:           cfg.HNSWM,
		HNSWEfConstruct: cfg.HNSWEfConstruct,
		PayloadIndexes:  DefaultPayloadIndexes,
	}
}

// NewVectorIndex 按配置创建向量索引
func NewVectorIndex(cfg config.VectorStoreConfig) (VectorIndex, error) {
	switch cfg.Provider {
	case "qdrant":
		return NewQdrantIndex(QdrantOptions{
			Endpoint:   cfg.Qdrant.Endpoint,
			APIKey:     cfg.Qdrant.APIKey,
			Collection: cfg.Collection,
			Timeout:    cfg.Timeout,
		})
	case "milvus":
		return NewMilvusIndex(MilvusOptions{
			Address:    cfg.Milvus.Address,
			Username:   cfg.Milvus.Username,
			Password:   cfg.Milvus.Password,
			Database:   cfg.Milvus.Database,
			UseTLS:     cfg.Milvus.TLS,
			Collection: cfg.Collection,
			EfSearch:   cfg.HNSWEfSearch,
			Timeout:    cfg.Timeout,
		})
	case "elasticsearch":
		return NewElasticIndex(ElasticOptions{
			Addresses: cfg.Elasticsearch.Addresses,
			Username:  cfg.Elasticsearch.Username,
			Password:  cfg.Elasticsearch.Password,
			APIKey:    cfg.Elasticsearch.APIKey,
			Index:     cfg.Collection,
		})
	case "memory":
		return NewMemoryIndex(), nil
	default:
		return nil, fmt.Errorf("unsupported vector store provider %q", cfg.Provider)
	}
}

// segmentPrefix 截到最后一个 / 为止，用于只支持整段匹配的后端
func segmentPrefix(prefix string) string {
	idx := strings.LastIndex(prefix, "/")
	if idx < 0 {
		return ""
	}
	return prefix[:idx+1]
}

// urlPrefixes 列出URL在每个 / 处的前缀
func urlPrefixes(sourceURL string) []string {
	var prefixes []string
	for i := 0; i < len(sourceURL); i++ {
		if sourceURL[i] == '/' {
			prefixes = append(prefixes, sourceURL[:i+1])
		}
	}
	return prefixes
}

// matchesFilter 客户端复核过滤条件
func matchesFilter(p models.Payload, filter models.SearchFilter) bool {
	if filter.URLPrefix != "" && !strings.HasPrefix(p.SourceURL, filter.URLPrefix) {
		return false
	}
	if filter.Section != "" && p.Section != filter.Section {
		return false
	}
	return true
}
