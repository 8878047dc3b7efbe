package router

import (
	"net/http"

	"github.com/aihub/docrag/app/controllers"
	"github.com/aihub/docrag/app/middleware"
	"github.com/aihub/docrag/internal/retry"
	"github.com/beego/beego/v2/server/web"
	"go.uber.org/zap"
)

// Deps 路由依赖
type Deps struct {
	Service controllers.DocService
	Breaker *retry.Breaker
	// Metrics 为空时不注册 /metrics
	Metrics http.Handler
	Logger  *zap.Logger
}

// Init registers all routes on the global beego app. Must be called after bootstrap.
func Init(deps Deps) {
	Register(web.BeeApp, deps)
}

// Register 在指定的 HttpServer 上注册路由
func Register(server *web.HttpServer, deps Deps) {
	if deps.Logger != nil {
		server.InsertFilter("/*", web.BeforeRouter, middleware.RequestStartFilter)
		server.InsertFilter("/*", web.FinishRouter, middleware.AccessLogFilter(deps.Logger), web.WithReturnOnOutput(false))
	}

	server.Router("/health", &controllers.HealthController{Service: deps.Service, Breaker: deps.Breaker}, "get:Health")
	if deps.Metrics != nil {
		server.Router("/metrics", &controllers.MetricsController{Handler: deps.Metrics}, "get:Metrics")
	}

	docsController := &controllers.DocsController{Service: deps.Service}
	server.Router("/api/docs/ingest", docsController, "post:Ingest")
	server.Router("/api/docs/validate", docsController, "post:Validate")
	server.Router("/api/docs/stats", docsController, "get:Stats")

	searchController := &controllers.SearchController{Service: deps.Service}
	server.Router("/api/docs/search", searchController, "get:Search")
}
