package knowledge

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/aihub/docrag/internal/config"
	apperrors "github.com/aihub/docrag/internal/errors"
	"github.com/aihub/docrag/internal/logger"
	"github.com/aihub/docrag/internal/retry"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// MaxEmbeddingBatch 提供方单次调用的上限
const MaxEmbeddingBatch = 96

// EmbedMode 向量化模式，入库与查询使用不同的文本类型
type EmbedMode string

const (
	EmbedModeIndex EmbedMode = "index"
	EmbedModeQuery EmbedMode = "query"
)

// EmbeddingProvider 向量化提供方
type EmbeddingProvider interface {
	Embed(ctx context.Context, texts []string, mode EmbedMode) ([][]float32, error)
	Model() string
	Dimensions() int
}

// BatchFailure 重试耗尽的批次，[Start, End) 为输入下标
type BatchFailure struct {
	Start int
	End   int
	Err   error
}

// EmbedOutcome 批量向量化结果，失败批次对应的向量为 nil
type EmbedOutcome struct {
	Vectors [][]float32
	Batches int
	Calls   int
	Failed  []BatchFailure
}

// Complete 是否所有批次都成功
func (o *EmbedOutcome) Complete() bool {
	return o != nil && len(o.Failed) == 0
}

// FirstError 第一个失败批次的错误
func (o *EmbedOutcome) FirstError() error {
	if o == nil || len(o.Failed) == 0 {
		return nil
	}
	return o.Failed[0].Err
}

// BatchEmbedder 分批调用提供方，带重试、限速与维度校验
type BatchEmbedder struct {
	provider   EmbeddingProvider
	batchSize  int
	dimensions int
	timeout    time.Duration
	policy     retry.Policy
	limiter    *rate.Limiter
	log        *zap.Logger
}

// NewBatchEmbedder 创建批量向量化器
func NewBatchEmbedder(provider EmbeddingProvider, cfg config.EmbeddingConfig, policy retry.Policy, log *zap.Logger) *BatchEmbedder {
	batchSize := cfg.BatchSize
	if batchSize <= 0 || batchSize > MaxEmbeddingBatch {
		batchSize = MaxEmbeddingBatch
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	dims := cfg.Dimensions
	if dims <= 0 {
		dims = provider.Dimensions()
	}
	if log == nil {
		log = logger.Named("embedder")
	}

	var limiter *rate.Limiter
	if cfg.RequestsPerSecond > 0 {
		burst := cfg.Burst
		if burst < 1 {
			burst = 1
		}
		limiter = rate.NewLimiter(rate.Limit(cfg.RequestsPerSecond), burst)
	}

	return &BatchEmbedder{
		provider:   provider,
		batchSize:  batchSize,
		dimensions: dims,
		timeout:    timeout,
		policy:     policy,
		limiter:    limiter,
		log:        log,
	}
}

// Dimensions 期望的向量维度
func (b *BatchEmbedder) Dimensions() int {
	return b.dimensions
}

// Model 模型名称
func (b *BatchEmbedder) Model() string {
	return b.provider.Model()
}

// EmbedTexts 按批次向量化，输出与输入一一对应
// 维度不一致直接返回致命错误；批次重试耗尽记录在 Failed 中
func (b *BatchEmbedder) EmbedTexts(ctx context.Context, texts []string, mode EmbedMode) (*EmbedOutcome, error) {
	outcome := &EmbedOutcome{Vectors: make([][]float32, len(texts))}

	for start := 0; start < len(texts); start += b.batchSize {
		end := start + b.batchSize
		if end > len(texts) {
			end = len(texts)
		}
		batch := texts[start:end]
		outcome.Batches++

		var vectors [][]float32
		attempts, err := b.policy.Do(ctx, "embed_batch", func(ctx context.Context) error {
			var callErr error
			vectors, callErr = b.call(ctx, batch, mode)
			return callErr
		})
		outcome.Calls += attempts

		if err != nil {
			if apperrors.IsFatal(err) {
				return outcome, err
			}
			if ctxErr := ctx.Err(); ctxErr != nil {
				return outcome, ctxErr
			}
			b.log.Warn("embedding batch failed",
				zap.Int("start", start),
				zap.Int("size", len(batch)),
				zap.Int("attempts", attempts),
				zap.Error(err))
			outcome.Failed = append(outcome.Failed, BatchFailure{
				Start: start,
				End:   end,
				Err:   apperrors.NewEmbeddingError(fmt.Sprintf("batch [%d,%d) failed after %d attempts", start, end, attempts), err),
			})
			continue
		}

		copy(outcome.Vectors[start:end], vectors)
	}

	return outcome, nil
}

// EmbedQuery 以查询模式向量化单条文本
func (b *BatchEmbedder) EmbedQuery(ctx context.Context, text string) ([]float32, error) {
	outcome, err := b.EmbedTexts(ctx, []string{text}, EmbedModeQuery)
	if err != nil {
		return nil, err
	}
	if !outcome.Complete() {
		return nil, outcome.FirstError()
	}
	return outcome.Vectors[0], nil
}

func (b *BatchEmbedder) call(ctx context.Context, batch []string, mode EmbedMode) ([][]float32, error) {
	if b.limiter != nil {
		if err := b.limiter.Wait(ctx); err != nil {
			return nil, err
		}
	}

	callCtx, cancel := context.WithTimeout(ctx, b.timeout)
	defer cancel()

	vectors, err := b.provider.Embed(callCtx, batch, mode)
	if err != nil {
		return nil, err
	}
	if len(vectors) != len(batch) {
		return nil, fmt.Errorf("embedding count mismatch: sent %d, received %d", len(batch), len(vectors))
	}
	for _, vec := range vectors {
		if len(vec) != b.dimensions {
			return nil, apperrors.NewDimensionMismatchError(b.dimensions, len(vec))
		}
	}
	return vectors, nil
}

// NewEmbeddingProvider 按配置创建提供方
func NewEmbeddingProvider(cfg config.EmbeddingConfig) (EmbeddingProvider, error) {
	if strings.TrimSpace(cfg.APIKey) == "" {
		return nil, apperrors.NewInvalidInputError("embedding.api_key", "api key is required")
	}
	switch cfg.Provider {
	case "openai":
		return NewOpenAIEmbedder(cfg.APIKey, cfg.BaseURL, cfg.Model, cfg.Dimensions), nil
	case "dashscope":
		return NewDashScopeEmbedder(cfg.APIKey, cfg.BaseURL, cfg.Model, cfg.Dimensions, cfg.Timeout)
	default:
		return nil, apperrors.NewInvalidInputError("embedding.provider", fmt.Sprintf("unsupported provider %q", cfg.Provider))
	}
}
