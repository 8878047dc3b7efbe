package retry

import (
	"context"
	"time"

	apperrors "github.com/aihub/docrag/internal/errors"
	"github.com/aihub/docrag/internal/logger"
	"go.uber.org/zap"
)

// Policy 重试策略，Embedder 与 StoreManager 共用
type Policy struct {
	// MaxRetries 首次调用之外的最大重试次数
	MaxRetries int
	BaseDelay  time.Duration
	MaxDelay   time.Duration
	Multiplier float64
	// Retryable 为空时使用 apperrors.IsRetryable
	Retryable func(error) bool
	// sleep 可在测试中替换
	sleep func(ctx context.Context, d time.Duration) error
}

// DefaultPolicy 3次重试，1s/2s/4s
func DefaultPolicy() Policy {
	return Policy{
		MaxRetries: 3,
		BaseDelay:  time.Second,
		MaxDelay:   10 * time.Second,
		Multiplier: 2,
	}
}

// WithSleeper 替换等待函数
func (p Policy) WithSleeper(sleep func(ctx context.Context, d time.Duration) error) Policy {
	p.sleep = sleep
	return p
}

// Backoff 第 attempt 次重试前的等待时间（attempt 从1开始）
func (p Policy) Backoff(attempt int) time.Duration {
	if attempt < 1 {
		return 0
	}
	multiplier := p.Multiplier
	if multiplier < 1 {
		multiplier = 2
	}
	delay := float64(p.BaseDelay)
	for i := 1; i < attempt; i++ {
		delay *= multiplier
	}
	d := time.Duration(delay)
	if p.MaxDelay > 0 && d > p.MaxDelay {
		d = p.MaxDelay
	}
	return d
}

// Do 执行 op，失败且可重试时按退避重试
// 返回最后一次的错误以及实际尝试次数
func (p Policy) Do(ctx context.Context, name string, op func(ctx context.Context) error) (int, error) {
	retryable := p.Retryable
	if retryable == nil {
		retryable = apperrors.IsRetryable
	}
	sleep := p.sleep
	if sleep == nil {
		sleep = sleepContext
	}

	var lastErr error
	attempts := 0
	for attempt := 0; attempt <= p.MaxRetries; attempt++ {
		if err := ctx.Err(); err != nil {
			if lastErr != nil {
				return attempts, lastErr
			}
			return attempts, err
		}

		attempts++
		lastErr = op(ctx)
		if lastErr == nil {
			if attempt > 0 {
				logger.Debug("operation succeeded after retry",
					zap.String("operation", name),
					zap.Int("attempt", attempts))
			}
			return attempts, nil
		}

		if !retryable(lastErr) || attempt == p.MaxRetries {
			break
		}

		delay := p.Backoff(attempt + 1)
		logger.Warn("operation failed, will retry",
			zap.String("operation", name),
			zap.Int("attempt", attempts),
			zap.Duration("backoff", delay),
			zap.Error(lastErr))

		if err := sleep(ctx, delay); err != nil {
			return attempts, lastErr
		}
	}

	return attempts, lastErr
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
