package knowledge

import (
	"context"
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/aihub/docrag/internal/logger"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// QueryCache 查询向量缓存
type QueryCache interface {
	Get(ctx context.Context, key string) ([]float32, bool)
	Set(ctx context.Context, key string, vector []float32)
}

// QueryCacheKey 缓存键由模型、维度与查询文本哈希组成
func QueryCacheKey(model string, dimensions int, text string) string {
	sum := sha256.Sum256([]byte(text))
	return fmt.Sprintf("docrag:qvec:%s:%d:%s", model, dimensions, hex.EncodeToString(sum[:]))
}

// RedisQueryCache 基于Redis的查询向量缓存
// 读写失败只记录日志，不影响检索
type RedisQueryCache struct {
	client *redis.Client
	ttl    time.Duration

	mu     sync.Mutex
	hits   int64
	misses int64
}

// NewRedisQueryCache 创建缓存，client 为 nil 时返回 nil
func NewRedisQueryCache(client *redis.Client, ttl time.Duration) *RedisQueryCache {
	if client == nil {
		return nil
	}
	if ttl <= 0 {
		ttl = time.Hour // 默认1小时
	}
	return &RedisQueryCache{client: client, ttl: ttl}
}

func (c *RedisQueryCache) Get(ctx context.Context, key string) ([]float32, bool) {
	raw, err := c.client.Get(ctx, key).Bytes()
	if err != nil {
		if err != redis.Nil {
			logger.Warn("query cache read failed", zap.Error(err))
		}
		c.record(false)
		return nil, false
	}
	vector, ok := decodeVector(raw)
	c.record(ok)
	return vector, ok
}

func (c *RedisQueryCache) Set(ctx context.Context, key string, vector []float32) {
	if err := c.client.Set(ctx, key, encodeVector(vector), c.ttl).Err(); err != nil {
		logger.Warn("query cache write failed", zap.Error(err))
	}
}

// HitRate 缓存命中率
func (c *RedisQueryCache) HitRate() float64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	total := c.hits + c.misses
	if total == 0 {
		return 0
	}
	return float64(c.hits) / float64(total)
}

func (c *RedisQueryCache) record(hit bool) {
	c.mu.Lock()
	if hit {
		c.hits++
	} else {
		c.misses++
	}
	c.mu.Unlock()
}

// encodeVector 小端 float32 序列
func encodeVector(vector []float32) []byte {
	buf := make([]byte, 4*len(vector))
	for i, v := range vector {
		binary.LittleEndian.PutUint32(buf[i*4:], math.Float32bits(v))
	}
	return buf
}

func decodeVector(raw []byte) ([]float32, bool) {
	if len(raw) == 0 || len(raw)%4 != 0 {
		return nil, false
	}
	vector := make([]float32, len(raw)/4)
	for i := range vector {
		vector[i] = math.Float32frombits(binary.LittleEndian.Uint32(raw[i*4:]))
	}
	return vector, true
}
