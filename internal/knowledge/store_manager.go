package knowledge

import (
	"context"
	"errors"
	"time"

	"github.com/aihub/docrag/internal/config"
	apperrors "github.com/aihub/docrag/internal/errors"
	"github.com/aihub/docrag/internal/logger"
	"github.com/aihub/docrag/internal/models"
	"github.com/aihub/docrag/internal/retry"
	"go.uber.org/zap"
)

// StoreManager 向量索引访问层
// 所有调用经过共享重试策略与熔断器，重试耗尽或熔断打开时返回致命的 IndexUnavailable
type StoreManager struct {
	index      VectorIndex
	spec       CollectionSpec
	policy     retry.Policy
	breaker    *retry.Breaker
	pruneStale bool
	efSearch   int
	timeout    time.Duration
	log        *zap.Logger
}

// NewStoreManager 创建索引访问层
func NewStoreManager(index VectorIndex, cfg config.VectorStoreConfig, dimensions int, policy retry.Policy, log *zap.Logger) *StoreManager {
	if log == nil {
		log = logger.Named("store")
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &StoreManager{
		index:      index,
		spec:       CollectionSpecFromConfig(cfg, dimensions),
		policy:     policy,
		breaker:    retry.NewBreaker("vector_store", cfg.Breaker.FailureThreshold, 1, cfg.Breaker.Timeout),
		pruneStale: cfg.PruneStale,
		efSearch:   cfg.HNSWEfSearch,
		timeout:    timeout,
		log:        log,
	}
}

// Spec 集合描述
func (s *StoreManager) Spec() CollectionSpec {
	return s.spec
}

// Breaker 熔断器状态，供健康检查使用
func (s *StoreManager) Breaker() *retry.Breaker {
	return s.breaker
}

// EnsureCollection 创建或校验集合
func (s *StoreManager) EnsureCollection(ctx context.Context) error {
	return s.run(ctx, "ensure_collection", func(ctx context.Context) error {
		return s.index.EnsureCollection(ctx, s.spec)
	})
}

// Upsert 写入一个文档的全部记录
// 写入前校验维度；首个分块最后写入，使未写完的文档保留旧指纹
func (s *StoreManager) Upsert(ctx context.Context, records []models.VectorRecord) error {
	if len(records) == 0 {
		return nil
	}
	for _, rec := range records {
		if len(rec.Vector) != s.spec.Dimensions {
			return apperrors.NewDimensionMismatchError(s.spec.Dimensions, len(rec.Vector))
		}
	}

	ordered := make([]models.VectorRecord, 0, len(records))
	var heads []models.VectorRecord
	for _, rec := range records {
		if rec.Payload.ChunkPosition == 0 {
			heads = append(heads, rec)
			continue
		}
		ordered = append(ordered, rec)
	}

	if len(ordered) > 0 {
		if err := s.run(ctx, "upsert", func(ctx context.Context) error {
			return s.index.Upsert(ctx, ordered)
		}); err != nil {
			return err
		}
	}
	if len(heads) == 0 {
		return nil
	}
	return s.run(ctx, "upsert", func(ctx context.Context) error {
		return s.index.Upsert(ctx, heads)
	})
}

// LookupFingerprint 读取已存储的文档指纹
func (s *StoreManager) LookupFingerprint(ctx context.Context, sourceURL string) (string, bool, error) {
	var (
		hash  string
		found bool
	)
	err := s.run(ctx, "fetch_fingerprint", func(ctx context.Context) error {
		var err error
		hash, found, err = s.index.FetchFingerprint(ctx, sourceURL)
		return err
	})
	return hash, found, err
}

// PruneEnabled 是否清理过期分块
func (s *StoreManager) PruneEnabled() bool {
	return s.pruneStale
}

// PruneStale 删除文档中 position >= keepCount 的旧分块
func (s *StoreManager) PruneStale(ctx context.Context, sourceURL string, keepCount int) (int, error) {
	if !s.pruneStale {
		return 0, nil
	}
	var deleted int
	err := s.run(ctx, "prune_stale", func(ctx context.Context) error {
		var err error
		deleted, err = s.index.DeleteFromPosition(ctx, sourceURL, keepCount)
		return err
	})
	if err == nil && deleted > 0 {
		s.log.Info("pruned stale chunks",
			zap.String("url", sourceURL),
			zap.Int("keep", keepCount),
			zap.Int("deleted", deleted))
	}
	return deleted, err
}

// Search 检索只走熔断器，超时重试由检索引擎负责
func (s *StoreManager) Search(ctx context.Context, vector []float32, limit int, filter models.SearchFilter) ([]models.ScoredRecord, error) {
	var results []models.ScoredRecord
	err := s.breaker.Call(func() error {
		var err error
		results, err = s.index.Search(ctx, VectorSearchRequest{
			Vector:   vector,
			Limit:    limit,
			Filter:   filter,
			EfSearch: s.efSearch,
		})
		return err
	}, apperrors.IsRetryable)
	if err != nil {
		// 超时原样返回，由调用方决定是否重试
		if errors.Is(err, context.DeadlineExceeded) && !errors.Is(err, retry.ErrBreakerOpen) {
			return nil, err
		}
		return nil, s.classify("search", err)
	}
	return results, nil
}

// Count 记录总数
func (s *StoreManager) Count(ctx context.Context) (int64, error) {
	var count int64
	err := s.run(ctx, "count", func(ctx context.Context) error {
		var err error
		count, err = s.index.Count(ctx)
		return err
	})
	return count, err
}

// Sample 抽样读取记录
func (s *StoreManager) Sample(ctx context.Context, limit int) ([]models.VectorRecord, error) {
	var records []models.VectorRecord
	err := s.run(ctx, "sample", func(ctx context.Context) error {
		var err error
		records, err = s.index.Sample(ctx, limit)
		return err
	})
	return records, err
}

// Describe 集合统计
func (s *StoreManager) Describe(ctx context.Context) (*models.CollectionStats, error) {
	var stats *models.CollectionStats
	err := s.run(ctx, "describe", func(ctx context.Context) error {
		var err error
		stats, err = s.index.Describe(ctx)
		return err
	})
	return stats, err
}

// Close 关闭底层连接
func (s *StoreManager) Close() error {
	return s.index.Close()
}

func (s *StoreManager) run(ctx context.Context, operation string, fn func(ctx context.Context) error) error {
	attempts, err := s.policy.Do(ctx, operation, func(ctx context.Context) error {
		return s.breaker.Call(func() error {
			callCtx, cancel := context.WithTimeout(ctx, s.timeout)
			defer cancel()
			return fn(callCtx)
		}, apperrors.IsRetryable)
	})
	if err == nil {
		return nil
	}
	if ctxErr := ctx.Err(); ctxErr != nil {
		return ctxErr
	}
	s.log.Warn("vector store call failed",
		zap.String("operation", operation),
		zap.Int("attempts", attempts),
		zap.String("breaker", s.breaker.State().String()),
		zap.Error(err))
	return s.classify(operation, err)
}

func (s *StoreManager) classify(operation string, err error) error {
	if apperrors.IsFatal(err) {
		return err
	}
	if errors.Is(err, context.Canceled) {
		return err
	}
	if errors.Is(err, retry.ErrBreakerOpen) || apperrors.IsRetryable(err) {
		return apperrors.NewIndexUnavailableError(operation, err)
	}
	return apperrors.Translate(err, operation)
}
