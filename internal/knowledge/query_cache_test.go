package knowledge

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestQueryCacheKey(t *testing.T) {
	key := QueryCacheKey("text-embedding-3-small", 1536, "What is inverse kinematics?")
	assert.True(t, strings.HasPrefix(key, "docrag:qvec:text-embedding-3-small:1536:"))
	assert.Len(t, strings.TrimPrefix(key, "docrag:qvec:text-embedding-3-small:1536:"), 64)

	assert.Equal(t, key, QueryCacheKey("text-embedding-3-small", 1536, "What is inverse kinematics?"))
	assert.NotEqual(t, key, QueryCacheKey("text-embedding-v4", 1536, "What is inverse kinematics?"))
	assert.NotEqual(t, key, QueryCacheKey("text-embedding-3-small", 768, "What is inverse kinematics?"))
}

func TestVectorEncodingRoundTrip(t *testing.T) {
	vec := []float32{0.25, -1.5, 3}
	raw := encodeVector(vec)
	assert.Len(t, raw, 12)

	decoded, ok := decodeVector(raw)
	require.True(t, ok)
	assert.Equal(t, vec, decoded)

	_, ok = decodeVector([]byte{1, 2, 3})
	assert.False(t, ok)
	_, ok = decodeVector(nil)
	assert.False(t, ok)
}

func TestNewRedisQueryCacheWithoutClient(t *testing.T) {
	assert.Nil(t, NewRedisQueryCache(nil, time.Minute))
}

func TestRedisQueryCacheDegradesWhenUnreachable(t *testing.T) {
	client := redis.NewClient(&redis.Options{
		Addr:        "127.0.0.1:1",
		DialTimeout: 50 * time.Millisecond,
		MaxRetries:  -1,
	})
	defer client.Close()

	cache := NewRedisQueryCache(client, 0)
	require.NotNil(t, cache)
	assert.Equal(t, time.Hour, cache.ttl)

	ctx := context.Background()
	cache.Set(ctx, "k", []float32{1})
	_, ok := cache.Get(ctx, "k")
	assert.False(t, ok, "read failures are cache misses")
	assert.Zero(t, cache.HitRate())
}
