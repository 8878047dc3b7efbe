package database

import (
	"context"
	"fmt"
	"time"

	"github.com/aihub/docrag/internal/config"
	"github.com/aihub/docrag/internal/logger"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// NewRedisClient 按缓存配置连接Redis，未启用时返回 nil
func NewRedisClient(ctx context.Context, cfg config.CacheConfig) (*redis.Client, error) {
	if !cfg.Enabled {
		return nil, nil
	}

	addr := fmt.Sprintf("%s:%s", cfg.Host, cfg.Port)
	rdb := redis.NewClient(&redis.Options{
		Addr:     addr,
		DB:       cfg.DB,
		Password: cfg.Password,
	})

	// 测试连接
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := rdb.Ping(pingCtx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}

	logger.Info("redis connected", zap.String("addr", addr), zap.Int("db", cfg.DB))
	return rdb, nil
}

// CloseRedis 关闭连接，nil 安全
func CloseRedis(rdb *redis.Client) error {
	if rdb == nil {
		return nil
	}
	return rdb.Close()
}
