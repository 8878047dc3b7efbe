package database

import (
	"context"
	"testing"

	"github.com/aihub/docrag/internal/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewRedisClientDisabled(t *testing.T) {
	client, err := NewRedisClient(context.Background(), config.CacheConfig{Enabled: false})
	require.NoError(t, err)
	assert.Nil(t, client)
	assert.NoError(t, CloseRedis(client))
}

func TestNewRedisClientUnreachable(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	client, err := NewRedisClient(ctx, config.CacheConfig{Enabled: true, Host: "127.0.0.1", Port: "1"})
	require.Error(t, err)
	assert.Nil(t, client)
	assert.Contains(t, err.Error(), "failed to connect to redis")
}
