package bootstrap

import (
	"context"
	"errors"
	"log"
	"net/http"
	"reflect"
	"time"

	"github.com/aihub/docrag/app/router"
	"github.com/aihub/docrag/internal/config"
	"github.com/aihub/docrag/internal/di"
	"github.com/aihub/docrag/internal/kafka"
	"github.com/aihub/docrag/internal/knowledge"
	"github.com/aihub/docrag/internal/logger"
	"github.com/aihub/docrag/internal/metrics"
	"github.com/aihub/docrag/internal/services"
	"github.com/joho/godotenv"
	"go.uber.org/zap"
)

// App encapsulates lifecycle resources that need to be cleaned up on shutdown.
type App struct {
	Config *config.Config

	loader       *config.ConfigLoader
	cleanupTasks []func() error
}

// Global app instance for controllers to access
var globalApp *App

// GetApp returns the global app instance
func GetApp() *App {
	return globalApp
}

// Init bootstraps configuration, logger and the dependency container.
// configFile 为空时使用 CONFIG_FILE 环境变量或仅默认值与环境变量。
func Init(configFile string) (*App, error) {
	// Load environment variables from .env if present (non-fatal if missing).
	if err := godotenv.Load(); err != nil {
		log.Println("No .env file found")
	}

	loader := config.NewConfigLoader()
	var (
		cfg *config.Config
		err error
	)
	if configFile != "" {
		cfg, err = loader.LoadFile(configFile)
	} else {
		cfg, err = loader.Load()
	}
	if err != nil {
		return nil, err
	}
	config.AppConfig = cfg

	// Initialize structured logger.
	if err := logger.InitLogger(cfg.Log.Level, cfg.App.Env); err != nil {
		return nil, err
	}

	if _, err := di.Build(cfg); err != nil {
		return nil, err
	}

	app := &App{Config: cfg, loader: loader}
	app.cleanupTasks = append(app.cleanupTasks, di.Shutdown)
	app.watchConfig()

	globalApp = app
	logger.Info("docrag bootstrapped",
		zap.String("env", cfg.App.Env),
		zap.String("vector_store", cfg.VectorStore.Provider),
		zap.String("collection", cfg.VectorStore.Collection),
		zap.String("embedding_model", cfg.Embedding.Model))
	return app, nil
}

// watchConfig 配置文件变化时热更新检索参数
// 其他配置段需要重启才能生效
func (a *App) watchConfig() {
	a.loader.RegisterCallback(func(oldConfig, newConfig *config.Config) error {
		config.AppConfig = newConfig
		if oldConfig != nil && !reflect.DeepEqual(oldConfig.VectorStore, newConfig.VectorStore) {
			logger.Warn("vector_store changes require a restart")
		}
		return di.Invoke(func(engine *knowledge.SearchEngine) {
			engine.UpdateConfig(newConfig.Retrieval)
			logger.Info("retrieval config reloaded",
				zap.Float64("score_threshold", newConfig.Retrieval.ScoreThreshold),
				zap.Int("default_top_k", newConfig.Retrieval.DefaultTopK))
		})
	})
	if err := a.loader.StartWatching(); err != nil {
		logger.Debug("config hot reload disabled", zap.Error(err))
	}
}

// Service 获取文档服务
func (a *App) Service() (*services.DocSearchService, error) {
	var svc *services.DocSearchService
	err := di.Invoke(func(s *services.DocSearchService) { svc = s })
	return svc, err
}

// Routes 组装HTTP路由依赖
func (a *App) Routes() (router.Deps, error) {
	var deps router.Deps
	err := di.Invoke(func(svc *services.DocSearchService, store *knowledge.StoreManager, collector *metrics.Collector) {
		deps = router.Deps{
			Service: svc,
			Breaker: store.Breaker(),
			Metrics: collector.Handler(),
			Logger:  logger.Named("http"),
		}
	})
	return deps, err
}

// StartBackground 启动指标采集，配置了请求主题时启动Kafka入库消费者
func (a *App) StartBackground(ctx context.Context) error {
	if err := di.Invoke(func(collector *metrics.Collector) {
		collector.Start(ctx)
		a.cleanupTasks = append(a.cleanupTasks, func() error {
			collector.Stop()
			return nil
		})
	}); err != nil {
		return err
	}

	kafkaCfg := a.Config.Kafka
	if !kafkaCfg.Enabled || kafkaCfg.RequestTopic == "" {
		return nil
	}
	svc, err := a.Service()
	if err != nil {
		return err
	}
	consumer, err := kafka.NewConsumer(kafkaCfg.Brokers, kafkaCfg.GroupID, kafkaCfg.RequestTopic, svc.HandleIngestRequest)
	if err != nil {
		// Failure shouldn't block the HTTP surface.
		logger.Warn("Failed to initialize Kafka consumer", zap.Error(err))
		return nil
	}
	consumer.Start()
	a.cleanupTasks = append(a.cleanupTasks, consumer.Close)
	logger.Info("consuming ingest requests",
		zap.String("topic", kafkaCfg.RequestTopic),
		zap.String("group_id", kafkaCfg.GroupID))
	return nil
}

// StartMetricsServer 批处理命令在 metrics.enabled 时单独暴露 /metrics
func (a *App) StartMetricsServer() error {
	if !a.Config.Metrics.Enabled || a.Config.Metrics.Addr == "" {
		return nil
	}
	var handler http.Handler
	if err := di.Invoke(func(collector *metrics.Collector) { handler = collector.Handler() }); err != nil {
		return err
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", handler)
	server := &http.Server{
		Addr:              a.Config.Metrics.Addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Warn("metrics server stopped", zap.Error(err))
		}
	}()
	a.cleanupTasks = append(a.cleanupTasks, func() error {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return server.Shutdown(ctx)
	})
	logger.Info("metrics server listening", zap.String("addr", a.Config.Metrics.Addr))
	return nil
}

// Shutdown flushes/logs and closes resources gracefully.
func (a *App) Shutdown() {
	// Execute cleanup tasks in reverse order (best effort).
	for i := len(a.cleanupTasks) - 1; i >= 0; i-- {
		if err := a.cleanupTasks[i](); err != nil {
			logger.Warn("cleanup error", zap.Error(err))
		}
	}
	a.cleanupTasks = nil

	// Flush logger buffers.
	logger.Sync()
}
