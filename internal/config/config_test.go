package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestConfigLoader_Defaults(t *testing.T) {
	t.Setenv("CONFIG_FILE", "")
	t.Setenv("ENV", "")
	t.Setenv("LOG_LEVEL", "")

	cfg, err := NewConfigLoader().Load()
	require.NoError(t, err)

	assert.Equal(t, "docrag", cfg.App.Name)
	assert.Equal(t, 1400, cfg.Chunking.Size)
	assert.Equal(t, 240, cfg.Chunking.Overlap)
	assert.Equal(t, 96, cfg.Embedding.BatchSize)
	assert.Equal(t, 1024, cfg.Embedding.Dimensions)
	assert.Equal(t, 30*time.Second, cfg.Extractor.FetchTimeout)
	assert.Equal(t, 100, cfg.Extractor.MinTextLength)
	assert.Equal(t, 5, cfg.Ingestion.Concurrency)
	assert.InDelta(t, 0.10, cfg.Ingestion.ErrorBudget, 1e-9)
	assert.Equal(t, 3, cfg.Retry.MaxRetries)
	assert.Equal(t, time.Second, cfg.Retry.BaseDelay)
	assert.Equal(t, "rag_embedding", cfg.VectorStore.Collection)
	assert.Equal(t, "cosine", cfg.VectorStore.Metric)
	assert.True(t, cfg.VectorStore.PruneStale)
	assert.InDelta(t, 0.3, cfg.Retrieval.LowConfidenceMin, 1e-9)
	assert.InDelta(t, 0.5, cfg.Retrieval.LowConfidenceMax, 1e-9)
	assert.Equal(t, 32000, cfg.Retrieval.MaxQueryChars)
	assert.Equal(t, 4, cfg.Validation.MinPassed)
}

func TestConfigLoader_EnvOverrides(t *testing.T) {
	t.Setenv("CONFIG_FILE", "")
	t.Setenv("DOCRAG_CHUNKING_SIZE", "2000")
	t.Setenv("DOCRAG_VECTOR_STORE_PROVIDER", "memory")
	t.Setenv("DOCRAG_EMBEDDING_PROVIDER", "openai")
	t.Setenv("DOCRAG_EMBEDDING_API_KEY", "")
	t.Setenv("OPENAI_API_KEY", "sk-test")
	t.Setenv("KAFKA_BROKERS", "k1:9092, k2:9092")

	cfg, err := NewConfigLoader().Load()
	require.NoError(t, err)

	assert.Equal(t, 2000, cfg.Chunking.Size)
	assert.Equal(t, "memory", cfg.VectorStore.Provider)
	assert.Equal(t, "sk-test", cfg.Embedding.APIKey)
	assert.Equal(t, []string{"k1:9092", "k2:9092"}, cfg.Kafka.Brokers)
}

func TestConfigLoader_ValidationFails(t *testing.T) {
	t.Setenv("CONFIG_FILE", "")
	t.Setenv("DOCRAG_CHUNKING_OVERLAP", "5000")

	_, err := NewConfigLoader().Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "Overlap")
}

func TestConfigLoader_FileAndReload(t *testing.T) {
	t.Setenv("CONFIG_FILE", "")

	dir := t.TempDir()
	path := filepath.Join(dir, "docrag.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
retrieval:
  score_threshold: 0.4
validation:
  golden_queries:
    - query: "inverse kinematics"
      expected_url_pattern: "kinematics"
      min_score: 0.25
`), 0o644))

	loader := NewConfigLoader()
	cfg, err := loader.LoadFile(path)
	require.NoError(t, err)
	assert.InDelta(t, 0.4, cfg.Retrieval.ScoreThreshold, 1e-9)
	require.Len(t, cfg.Validation.GoldenQueries, 1)
	assert.Equal(t, "kinematics", cfg.Validation.GoldenQueries[0].ExpectedURLPattern)

	var seen float64
	loader.RegisterCallback(func(oldConfig, newConfig *Config) error {
		seen = newConfig.Retrieval.ScoreThreshold
		return nil
	})

	require.NoError(t, os.WriteFile(path, []byte(`
retrieval:
  score_threshold: 0.35
`), 0o644))
	require.NoError(t, loader.Reload())
	assert.InDelta(t, 0.35, seen, 1e-9)
	assert.InDelta(t, 0.35, loader.GetConfig().Retrieval.ScoreThreshold, 1e-9)
}

func TestSplitList(t *testing.T) {
	assert.Equal(t, []string{"a", "b"}, splitList(" a, ,b "))
	assert.Empty(t, splitList(""))
}
