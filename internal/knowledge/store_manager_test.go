package knowledge

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"sync"
	"testing"

	apperrors "github.com/aihub/docrag/internal/errors"
	"github.com/aihub/docrag/internal/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func record(url string, position int, vector []float32) models.VectorRecord {
	return models.VectorRecord{
		ID:     ChunkID(url, position),
		Vector: vector,
		Payload: models.Payload{
			SourceURL:     url,
			Title:         "Kinematics",
			Section:       SectionFromURL(url),
			ChunkPosition: position,
			ChunkText:     "chunk text",
			ContentHash:   strings.Repeat("a", 64),
		},
	}
}

// flakyIndex 在内存索引外包装可注入的错误与写入记录
type flakyIndex struct {
	*MemoryIndex
	mu        sync.Mutex
	upserts   [][]models.VectorRecord
	searchErr error
	countErr  error
	countHits int
}

func newFlakyIndex() *flakyIndex {
	return &flakyIndex{MemoryIndex: NewMemoryIndex()}
}

func (f *flakyIndex) Upsert(ctx context.Context, records []models.VectorRecord) error {
	f.mu.Lock()
	f.upserts = append(f.upserts, records)
	f.mu.Unlock()
	return f.MemoryIndex.Upsert(ctx, records)
}

func (f *flakyIndex) Search(ctx context.Context, req VectorSearchRequest) ([]models.ScoredRecord, error) {
	if f.searchErr != nil {
		return nil, f.searchErr
	}
	return f.MemoryIndex.Search(ctx, req)
}

func (f *flakyIndex) Count(ctx context.Context) (int64, error) {
	f.mu.Lock()
	f.countHits++
	f.mu.Unlock()
	if f.countErr != nil {
		return 0, f.countErr
	}
	return f.MemoryIndex.Count(ctx)
}

func TestMemoryIndexEnsureCollection(t *testing.T) {
	index := NewMemoryIndex()
	spec := CollectionSpecFromConfig(testStoreConfig(), testDims)

	require.NoError(t, index.EnsureCollection(context.Background(), spec))
	require.NoError(t, index.EnsureCollection(context.Background(), spec), "matching collection is a no-op")

	spec.Dimensions = 1024
	err := index.EnsureCollection(context.Background(), spec)
	assert.True(t, apperrors.HasCode(err, apperrors.ErrCodeCollectionMismatch))
	assert.True(t, apperrors.IsFatal(err))
}

func TestMemoryIndexFilters(t *testing.T) {
	ctx := context.Background()
	index := NewMemoryIndex()
	a := "https://robotics.dev/docs/module1/kinematics"
	b := "https://robotics.dev/docs/module2/simulation"
	require.NoError(t, index.Upsert(ctx, []models.VectorRecord{
		record(a, 0, unitVector(0.9, 1)),
		record(b, 0, unitVector(0.8, 2)),
	}))

	query := unitVector(1, 1)
	results, err := index.Search(ctx, VectorSearchRequest{Vector: query, Limit: 5,
		Filter: models.SearchFilter{URLPrefix: "https://robotics.dev/docs/module2"}})
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, b, results[0].Payload.SourceURL)

	results, err = index.Search(ctx, VectorSearchRequest{Vector: query, Limit: 5,
		Filter: models.SearchFilter{Section: "module1"}})
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, a, results[0].Payload.SourceURL)

	// 前缀比较，不是整段匹配
	results, err = index.Search(ctx, VectorSearchRequest{Vector: query, Limit: 5,
		Filter: models.SearchFilter{URLPrefix: "https://robotics.dev/docs/mod"}})
	require.NoError(t, err)
	assert.Len(t, results, 2)
}

func TestStoreManagerUpsertWritesFirstChunkLast(t *testing.T) {
	index := newFlakyIndex()
	store := newTestStore(index)
	ctx := context.Background()
	require.NoError(t, store.EnsureCollection(ctx))

	records := []models.VectorRecord{
		record(testURL, 0, hashVector("0", testDims)),
		record(testURL, 1, hashVector("1", testDims)),
		record(testURL, 2, hashVector("2", testDims)),
	}
	require.NoError(t, store.Upsert(ctx, records))

	require.Len(t, index.upserts, 2)
	assert.Len(t, index.upserts[0], 2)
	require.Len(t, index.upserts[1], 1)
	assert.Equal(t, 0, index.upserts[1][0].Payload.ChunkPosition)

	hash, found, err := store.LookupFingerprint(ctx, testURL)
	require.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, strings.Repeat("a", 64), hash)

	// 重复写入原地覆盖
	require.NoError(t, store.Upsert(ctx, records))
	count, err := store.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(3), count)
}

func TestStoreManagerRejectsWrongDimensions(t *testing.T) {
	index := newFlakyIndex()
	store := newTestStore(index)

	err := store.Upsert(context.Background(), []models.VectorRecord{record(testURL, 0, make([]float32, 3))})
	assert.True(t, apperrors.HasCode(err, apperrors.ErrCodeDimensionMismatch))
	assert.Empty(t, index.upserts, "nothing is written")
}

func TestStoreManagerPruneStale(t *testing.T) {
	ctx := context.Background()
	index := NewMemoryIndex()
	store := newTestStore(index)

	var records []models.VectorRecord
	for i := 0; i < 4; i++ {
		records = append(records, record(testURL, i, hashVector(string(rune('a'+i)), testDims)))
	}
	require.NoError(t, store.Upsert(ctx, records))

	deleted, err := store.PruneStale(ctx, testURL, 2)
	require.NoError(t, err)
	assert.Equal(t, 2, deleted)

	_, ok := index.Get(ChunkID(testURL, 1))
	assert.True(t, ok)
	_, ok = index.Get(ChunkID(testURL, 2))
	assert.False(t, ok)

	cfg := testStoreConfig()
	cfg.PruneStale = false
	disabled := NewStoreManager(index, cfg, testDims, testPolicy(), nil)
	deleted, err = disabled.PruneStale(ctx, testURL, 0)
	require.NoError(t, err)
	assert.Zero(t, deleted)
}

func TestStoreManagerUnavailableAfterRetries(t *testing.T) {
	index := newFlakyIndex()
	index.countErr = &apperrors.StatusError{Service: "qdrant", StatusCode: http.StatusServiceUnavailable}
	store := newTestStore(index)

	_, err := store.Count(context.Background())
	require.Error(t, err)
	assert.True(t, apperrors.HasCode(err, apperrors.ErrCodeIndexUnavailable))
	assert.True(t, apperrors.IsFatal(err))
	assert.Equal(t, 4, index.countHits)
}

func TestStoreManagerBreakerOpens(t *testing.T) {
	index := newFlakyIndex()
	index.countErr = errors.New("connection refused")
	store := newTestStore(index)

	for i := 0; i < 2; i++ {
		_, _ = store.Count(context.Background())
	}
	hits := index.countHits
	_, err := store.Count(context.Background())
	assert.True(t, apperrors.HasCode(err, apperrors.ErrCodeIndexUnavailable))
	assert.Equal(t, hits, index.countHits, "open breaker rejects calls")
}

func TestStoreManagerSearchPassesTimeouts(t *testing.T) {
	index := newFlakyIndex()
	index.searchErr = context.DeadlineExceeded
	store := newTestStore(index)

	_, err := store.Search(context.Background(), hashVector("q", testDims), 5, models.SearchFilter{})
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestStoreManagerDescribe(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(NewMemoryIndex())
	require.NoError(t, store.EnsureCollection(ctx))

	stats, err := store.Describe(ctx)
	require.NoError(t, err)
	assert.Equal(t, "robotics_docs", stats.Collection)
	assert.Equal(t, testDims, stats.Dimensions)
	assert.Equal(t, "cosine", stats.Metric)
	assert.Equal(t, "ready", stats.IndexStatus)
}
