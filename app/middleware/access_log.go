package middleware

import (
	"time"

	"github.com/beego/beego/v2/server/web/context"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

const (
	requestStartKey = "requestStart"
	requestIDKey    = "requestID"

	// RequestIDHeader 请求ID响应头
	RequestIDHeader = "X-Request-ID"
)

// RequestStartFilter 记录请求开始时间并分配请求ID
// 注册在 BeforeRouter 阶段
func RequestStartFilter(ctx *context.Context) {
	ctx.Input.SetData(requestStartKey, time.Now())

	requestID := ctx.Input.Header(RequestIDHeader)
	if requestID == "" {
		requestID = uuid.NewString()
	}
	ctx.Input.SetData(requestIDKey, requestID)
	ctx.Output.Header(RequestIDHeader, requestID)
}

// AccessLogFilter 请求完成后输出访问日志
// 注册在 FinishRouter 阶段，需关闭 returnOnOutput
func AccessLogFilter(log *zap.Logger) func(*context.Context) {
	return func(ctx *context.Context) {
		fields := []zap.Field{
			zap.String("method", ctx.Input.Method()),
			zap.String("path", ctx.Input.URL()),
			zap.Int("status", ctx.ResponseWriter.Status),
			zap.String("ip", ctx.Input.IP()),
		}
		if id, ok := ctx.Input.GetData(requestIDKey).(string); ok {
			fields = append(fields, zap.String("request_id", id))
		}
		if start, ok := ctx.Input.GetData(requestStartKey).(time.Time); ok {
			fields = append(fields, zap.Duration("latency", time.Since(start)))
		}

		if ctx.ResponseWriter.Status >= 500 {
			log.Warn("request completed", fields...)
			return
		}
		log.Info("request completed", fields...)
	}
}
