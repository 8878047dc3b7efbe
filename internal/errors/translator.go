package errors

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
)

// StatusError 外部服务返回的非2xx响应
type StatusError struct {
	Service    string
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("%s: HTTP %d", e.Service, e.StatusCode)
	}
	return fmt.Sprintf("%s: HTTP %d - %s", e.Service, e.StatusCode, e.Body)
}

// 无类型错误时按消息判断是否可重试
var retryableMarkers = []string{
	"connection",
	"timeout",
	"timed out",
	"429",
	"502",
	"503",
	"504",
	"rate limit",
	"eof",
}

// ClassOf 获取错误分类
// 未标注分类的错误按是否可重试归为 transient 或 skip
func ClassOf(err error) ErrorClass {
	if err == nil {
		return ClassSkip
	}
	if appErr, ok := AsAppError(err); ok {
		return appErr.Class
	}
	if IsRetryable(err) {
		return ClassTransient
	}
	return ClassSkip
}

// IsRetryable 判断错误是否值得重试
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) {
		return false
	}
	if appErr, ok := AsAppError(err); ok {
		return appErr.Class == ClassTransient
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}

	var statusErr *StatusError
	if errors.As(err, &statusErr) {
		return statusErr.StatusCode == http.StatusTooManyRequests ||
			statusErr.StatusCode == http.StatusRequestTimeout ||
			statusErr.StatusCode >= 500
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}
	var opErr *net.OpError
	if errors.As(err, &opErr) {
		return true
	}

	msg := strings.ToLower(err.Error())
	for _, marker := range retryableMarkers {
		if strings.Contains(msg, marker) {
			return true
		}
	}
	return false
}

// Translate 将底层错误转换为AppError，已是AppError的原样返回
func Translate(err error, operation string) *AppError {
	if err == nil {
		return nil
	}
	if appErr, ok := AsAppError(err); ok {
		return appErr
	}
	if IsRetryable(err) {
		return newError(ErrCodeStoreFailed, ClassTransient, http.StatusBadGateway,
			fmt.Sprintf("%s failed", operation)).WithCause(err)
	}
	return NewInternalError(fmt.Sprintf("%s failed", operation), err)
}
