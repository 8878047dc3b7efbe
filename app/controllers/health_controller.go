package controllers

import (
	"net/http"
	"time"

	"github.com/aihub/docrag/internal/retry"
)

// HealthController 健康检查
type HealthController struct {
	BaseController
	Service DocService
	Breaker *retry.Breaker
}

// Health 向量库熔断打开时返回 503
func (c *HealthController) Health() {
	status := "ok"
	code := http.StatusOK
	payload := map[string]interface{}{
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	}
	if c.Breaker != nil {
		state := c.Breaker.State()
		payload["vector_store"] = state.String()
		if state == retry.StateOpen {
			status = "degraded"
			code = http.StatusServiceUnavailable
		}
	}
	if c.Service != nil {
		payload["ingesting"] = c.Service.Ingesting()
	}
	payload["status"] = status
	c.JSON(code, payload)
}
