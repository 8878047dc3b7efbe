package errors

import (
	"errors"
	"fmt"
	"net/http"
)

// ErrorCode 错误码类型
type ErrorCode string

// 预定义错误码
const (
	// 通用错误
	ErrCodeInternal     ErrorCode = "INTERNAL_ERROR"
	ErrCodeInvalidInput ErrorCode = "INVALID_INPUT"

	// 抓取与解析
	ErrCodeFetchFailed      ErrorCode = "FETCH_FAILED"
	ErrCodeExtractionFailed ErrorCode = "EXTRACTION_FAILED"
	ErrCodeDuplicateURL     ErrorCode = "DUPLICATE_URL"

	// 向量化
	ErrCodeEmbeddingFailed   ErrorCode = "EMBEDDING_FAILED"
	ErrCodeDimensionMismatch ErrorCode = "DIMENSION_MISMATCH"

	// 向量索引
	ErrCodeCollectionMismatch ErrorCode = "COLLECTION_MISMATCH"
	ErrCodeIndexUnavailable   ErrorCode = "INDEX_UNAVAILABLE"
	ErrCodeStoreFailed        ErrorCode = "STORE_FAILED"

	// 运行控制
	ErrCodeErrorBudgetExceeded ErrorCode = "ERROR_BUDGET_EXCEEDED"
	ErrCodeInvalidState        ErrorCode = "INVALID_STATE"

	// 检索
	ErrCodeRetrievalTimeout ErrorCode = "RETRIEVAL_TIMEOUT"
)

// ErrorClass 错误分类，决定编排器如何处理
type ErrorClass int

const (
	// ClassTransient 可重试（超时、限流、5xx）
	ClassTransient ErrorClass = iota
	// ClassSkip 结构性错误，记录后跳过，不重试
	ClassSkip
	// ClassFatal 终止当前运行
	ClassFatal
)

// String 返回分类名称
func (c ErrorClass) String() string {
	switch c {
	case ClassTransient:
		return "transient"
	case ClassSkip:
		return "skip"
	case ClassFatal:
		return "fatal"
	default:
		return "unknown"
	}
}

// AppError 应用错误结构体
type AppError struct {
	Code     ErrorCode   `json:"code"`
	Message  string      `json:"message"`
	Class    ErrorClass  `json:"-"`
	HTTPCode int         `json:"-"`
	Details  interface{} `json:"details,omitempty"`
	Cause    error       `json:"-"`
}

// Error 实现error接口
func (e *AppError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Cause)
	}
	return e.Message
}

// Unwrap 返回底层错误
func (e *AppError) Unwrap() error {
	return e.Cause
}

// WithDetails 添加错误详情
func (e *AppError) WithDetails(details interface{}) *AppError {
	e.Details = details
	return e
}

// WithCause 添加错误原因
func (e *AppError) WithCause(cause error) *AppError {
	e.Cause = cause
	return e
}

func newError(code ErrorCode, class ErrorClass, httpCode int, message string) *AppError {
	return &AppError{
		Code:     code,
		Message:  message,
		Class:    class,
		HTTPCode: httpCode,
	}
}

// 错误构造函数

// NewFetchError 页面抓取失败；retryable 为 true 时归为可重试
func NewFetchError(url string, statusCode int, cause error) *AppError {
	class := ClassSkip
	if cause != nil && IsRetryable(cause) {
		class = ClassTransient
	}
	if statusCode == http.StatusTooManyRequests || statusCode >= 500 {
		class = ClassTransient
	}
	msg := fmt.Sprintf("fetch %s failed", url)
	if statusCode > 0 {
		msg = fmt.Sprintf("fetch %s failed: HTTP %d", url, statusCode)
	}
	return newError(ErrCodeFetchFailed, class, http.StatusBadGateway, msg).
		WithDetails(map[string]interface{}{"url": url, "status": statusCode}).
		WithCause(cause)
}

// NewExtractionError 未找到可识别的正文容器
func NewExtractionError(url, reason string) *AppError {
	return newError(ErrCodeExtractionFailed, ClassSkip, http.StatusUnprocessableEntity,
		fmt.Sprintf("extract %s: %s", url, reason))
}

// NewDuplicateURLError 同一次运行中重复的URL
func NewDuplicateURLError(url string) *AppError {
	return newError(ErrCodeDuplicateURL, ClassSkip, http.StatusConflict,
		fmt.Sprintf("duplicate url %s", url))
}

// NewEmbeddingError 向量化批次重试耗尽
func NewEmbeddingError(message string, cause error) *AppError {
	return newError(ErrCodeEmbeddingFailed, ClassTransient, http.StatusBadGateway, message).WithCause(cause)
}

// NewDimensionMismatchError 向量维度与索引配置不一致
func NewDimensionMismatchError(expected, actual int) *AppError {
	return newError(ErrCodeDimensionMismatch, ClassFatal, http.StatusInternalServerError,
		fmt.Sprintf("embedding dimension mismatch: expected %d, got %d", expected, actual)).
		WithDetails(map[string]int{"expected": expected, "actual": actual})
}

// NewCollectionMismatchError 已存在的集合配置与期望不一致
func NewCollectionMismatchError(collection, reason string) *AppError {
	return newError(ErrCodeCollectionMismatch, ClassFatal, http.StatusConflict,
		fmt.Sprintf("collection %s mismatch: %s", collection, reason))
}

// NewIndexUnavailableError 向量索引重试后仍不可达
func NewIndexUnavailableError(operation string, cause error) *AppError {
	return newError(ErrCodeIndexUnavailable, ClassFatal, http.StatusServiceUnavailable,
		fmt.Sprintf("vector index unavailable during %s", operation)).WithCause(cause)
}

// NewStoreError 单次写入失败
func NewStoreError(operation string, cause error) *AppError {
	return newError(ErrCodeStoreFailed, ClassTransient, http.StatusBadGateway,
		fmt.Sprintf("vector index %s failed", operation)).WithCause(cause)
}

// NewErrorBudgetExceeded 失败比例超过错误预算
func NewErrorBudgetExceeded(failed, finished int, budget float64) *AppError {
	return newError(ErrCodeErrorBudgetExceeded, ClassFatal, http.StatusInternalServerError,
		fmt.Sprintf("error budget exceeded: %d/%d documents failed (budget %.0f%%)", failed, finished, budget*100)).
		WithDetails(map[string]interface{}{"failed": failed, "finished": finished, "budget": budget})
}

// NewRetrievalTimeoutError 检索超时（已重试一次）
func NewRetrievalTimeoutError(cause error) *AppError {
	return newError(ErrCodeRetrievalTimeout, ClassTransient, http.StatusGatewayTimeout,
		"retrieval timed out after retry").WithCause(cause)
}

// NewInvalidInputError 创建输入无效错误
func NewInvalidInputError(field, reason string) *AppError {
	return newError(ErrCodeInvalidInput, ClassSkip, http.StatusBadRequest,
		fmt.Sprintf("invalid input for field '%s': %s", field, reason))
}

// NewInvalidStateError 非法的状态转换
func NewInvalidStateError(from, to string) *AppError {
	return newError(ErrCodeInvalidState, ClassFatal, http.StatusInternalServerError,
		fmt.Sprintf("invalid transition from %s to %s", from, to))
}

// NewInternalError 创建内部错误
func NewInternalError(message string, cause error) *AppError {
	return newError(ErrCodeInternal, ClassFatal, http.StatusInternalServerError, message).WithCause(cause)
}

// AsAppError 从错误链中取出AppError
func AsAppError(err error) (*AppError, bool) {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr, true
	}
	return nil, false
}

// HasCode 检查错误链中是否包含指定错误码
func HasCode(err error, code ErrorCode) bool {
	appErr, ok := AsAppError(err)
	return ok && appErr.Code == code
}

// IsFatal 是否需要终止当前运行
func IsFatal(err error) bool {
	return err != nil && ClassOf(err) == ClassFatal
}

// HTTPStatus 获取错误对应的HTTP状态码
func HTTPStatus(err error) int {
	if appErr, ok := AsAppError(err); ok && appErr.HTTPCode != 0 {
		return appErr.HTTPCode
	}
	return http.StatusInternalServerError
}
