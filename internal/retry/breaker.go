package retry

import (
	"errors"
	"sync"
	"sync/atomic"
	"time"
)

// BreakerState 熔断器状态
type BreakerState int32

const (
	StateClosed BreakerState = iota
	StateOpen
	StateHalfOpen
)

// String 返回状态字符串
func (s BreakerState) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// ErrBreakerOpen 熔断器打开时拒绝调用
var ErrBreakerOpen = errors.New("circuit breaker is open")

// Breaker 熔断器，保护向量索引调用
// 连续失败达到阈值后打开，超时后进入半开，半开期间成功达到阈值后关闭
type Breaker struct {
	name string

	failureThreshold int
	successThreshold int
	timeout          time.Duration

	state           int32
	failureCount    int32
	successCount    int32
	lastFailureTime time.Time
	mutex           sync.RWMutex

	now func() time.Time
}

// NewBreaker 创建熔断器
func NewBreaker(name string, failureThreshold, successThreshold int, timeout time.Duration) *Breaker {
	if failureThreshold <= 0 {
		failureThreshold = 5
	}
	if successThreshold <= 0 {
		successThreshold = 1
	}
	return &Breaker{
		name:             name,
		failureThreshold: failureThreshold,
		successThreshold: successThreshold,
		timeout:          timeout,
		state:            int32(StateClosed),
		now:              time.Now,
	}
}

// Call 执行函数调用（带熔断保护）
// countFailure 决定该错误是否计入失败，为空时所有错误都计入
func (b *Breaker) Call(fn func() error, countFailure func(error) bool) error {
	if !b.canExecute() {
		return ErrBreakerOpen
	}

	err := fn()
	if err != nil && (countFailure == nil || countFailure(err)) {
		b.recordFailure()
	} else {
		b.recordSuccess()
	}
	return err
}

func (b *Breaker) canExecute() bool {
	switch b.State() {
	case StateClosed, StateHalfOpen:
		return true
	case StateOpen:
		b.mutex.RLock()
		canHalfOpen := b.now().Sub(b.lastFailureTime) >= b.timeout
		b.mutex.RUnlock()

		if canHalfOpen {
			atomic.StoreInt32(&b.state, int32(StateHalfOpen))
			atomic.StoreInt32(&b.successCount, 0)
			return true
		}
		return false
	default:
		return false
	}
}

func (b *Breaker) recordSuccess() {
	switch b.State() {
	case StateHalfOpen:
		count := atomic.AddInt32(&b.successCount, 1)
		if int(count) >= b.successThreshold {
			atomic.StoreInt32(&b.state, int32(StateClosed))
			atomic.StoreInt32(&b.failureCount, 0)
		}
	case StateClosed:
		atomic.StoreInt32(&b.failureCount, 0)
	}
}

func (b *Breaker) recordFailure() {
	b.mutex.Lock()
	b.lastFailureTime = b.now()
	b.mutex.Unlock()

	switch b.State() {
	case StateHalfOpen:
		atomic.StoreInt32(&b.state, int32(StateOpen))
		atomic.StoreInt32(&b.successCount, 0)
	case StateClosed:
		count := atomic.AddInt32(&b.failureCount, 1)
		if int(count) >= b.failureThreshold {
			atomic.StoreInt32(&b.state, int32(StateOpen))
		}
	}
}

// State 获取当前状态
func (b *Breaker) State() BreakerState {
	return BreakerState(atomic.LoadInt32(&b.state))
}

// Name 熔断器名称
func (b *Breaker) Name() string {
	return b.name
}

// Stats 获取统计信息
func (b *Breaker) Stats() map[string]interface{} {
	b.mutex.RLock()
	defer b.mutex.RUnlock()

	return map[string]interface{}{
		"name":              b.name,
		"state":             b.State().String(),
		"failure_count":     atomic.LoadInt32(&b.failureCount),
		"failure_threshold": b.failureThreshold,
		"timeout":           b.timeout.String(),
		"last_failure_time": b.lastFailureTime,
	}
}
