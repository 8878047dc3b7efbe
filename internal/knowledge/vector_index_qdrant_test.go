package knowledge

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	apperrors "github.com/aihub/docrag/internal/errors"
	"github.com/aihub/docrag/internal/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type qdrantCall struct {
	Method string
	Path   string
	Body   map[string]interface{}
}

// fakeQdrant 记录请求并按路径返回预置响应
type fakeQdrant struct {
	mu        sync.Mutex
	calls     []qdrantCall
	responses map[string]string
	status    map[string]int
}

func newFakeQdrant(t *testing.T) (*fakeQdrant, VectorIndex) {
	t.Helper()
	f := &fakeQdrant{responses: make(map[string]string), status: make(map[string]int)}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body map[string]interface{}
		_ = json.NewDecoder(r.Body).Decode(&body)
		key := r.Method + " " + r.URL.Path

		f.mu.Lock()
		f.calls = append(f.calls, qdrantCall{Method: r.Method, Path: r.URL.Path, Body: body})
		status, ok := f.status[key]
		resp := f.responses[key]
		f.mu.Unlock()

		if !ok {
			status = http.StatusOK
		}
		if resp == "" {
			resp = `{"result":true,"status":"ok"}`
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		_, _ = w.Write([]byte(resp))
	}))
	t.Cleanup(srv.Close)

	index, err := NewQdrantIndex(QdrantOptions{Endpoint: srv.URL, Collection: "robotics_docs", APIKey: "secret"})
	require.NoError(t, err)
	return f, index
}

func (f *fakeQdrant) callsTo(method, path string) []qdrantCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []qdrantCall
	for _, c := range f.calls {
		if c.Method == method && c.Path == path {
			out = append(out, c)
		}
	}
	return out
}

func TestQdrantEnsureCollectionCreates(t *testing.T) {
	f, index := newFakeQdrant(t)
	f.status["GET /collections/robotics_docs"] = http.StatusNotFound

	spec := CollectionSpecFromConfig(testStoreConfig(), 1536)
	require.NoError(t, index.EnsureCollection(context.Background(), spec))

	created := f.callsTo(http.MethodPut, "/collections/robotics_docs")
	require.Len(t, created, 1)
	vectors := created[0].Body["vectors"].(map[string]interface{})
	assert.Equal(t, float64(1536), vectors["size"])
	assert.Equal(t, "Cosine", vectors["distance"])
	hnsw := created[0].Body["hnsw_config"].(map[string]interface{})
	assert.Equal(t, float64(16), hnsw["m"])

	indexes := f.callsTo(http.MethodPut, "/collections/robotics_docs/index")
	fields := make([]string, 0, len(indexes))
	for _, c := range indexes {
		fields = append(fields, c.Body["field_name"].(string))
	}
	assert.ElementsMatch(t, []string{
		models.FieldSourceURL, models.FieldSection, models.FieldTitle, qdrantPrefixField, models.FieldChunkPosition,
	}, fields)
}

func TestQdrantEnsureCollectionDetectsMismatch(t *testing.T) {
	f, index := newFakeQdrant(t)
	f.responses["GET /collections/robotics_docs"] = `{"result":{"status":"green","points_count":12,
		"config":{"params":{"vectors":{"size":768,"distance":"Cosine"}}}}}`

	err := index.EnsureCollection(context.Background(), CollectionSpecFromConfig(testStoreConfig(), 1536))
	require.Error(t, err)
	assert.True(t, apperrors.HasCode(err, apperrors.ErrCodeCollectionMismatch))
	assert.Empty(t, f.callsTo(http.MethodPut, "/collections/robotics_docs"), "existing collections are never recreated")

	require.NoError(t, index.EnsureCollection(context.Background(), CollectionSpecFromConfig(testStoreConfig(), 768)))

	stats, err := index.Describe(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(12), stats.VectorCount)
	assert.Equal(t, 768, stats.Dimensions)
	assert.Equal(t, "cosine", stats.Metric)
	assert.Equal(t, "green", stats.IndexStatus)
}

func TestQdrantUpsertAddsPrefixes(t *testing.T) {
	f, index := newFakeQdrant(t)
	rec := record(testURL, 0, hashVector("a", testDims))

	require.NoError(t, index.Upsert(context.Background(), []models.VectorRecord{rec}))

	calls := f.callsTo(http.MethodPut, "/collections/robotics_docs/points")
	require.Len(t, calls, 1)
	points := calls[0].Body["points"].([]interface{})
	require.Len(t, points, 1)
	point := points[0].(map[string]interface{})
	assert.Len(t, point["id"], 36, "uuid formatted id")

	payload := point["payload"].(map[string]interface{})
	assert.Equal(t, testURL, payload[models.FieldSourceURL])
	assert.Contains(t, payload[qdrantPrefixField], "https://robotics.dev/docs/")
	assert.Contains(t, payload[qdrantPrefixField], "https://robotics.dev/docs/module1-ros2-fundamentals/")
}

func TestQdrantSearchFiltersAndRechecks(t *testing.T) {
	f, index := newFakeQdrant(t)
	a := "https://robotics.dev/docs/module1-ros2-fundamentals/kinematics"
	b := "https://robotics.dev/docs/module2-simulation/gazebo"
	f.responses["POST /collections/robotics_docs/points/search"] = `{"result":[
		{"id":"0f1e2d3c-4b5a-6978-8796-a5b4c3d2e1f0","score":0.91,"payload":{"source_url":"` + b + `","title":"Gazebo","section":"module2-simulation","chunk_position":0,"chunk_text":"x","content_hash":"h"}},
		{"id":"00112233-4455-6677-8899-aabbccddeeff","score":0.82,"payload":{"source_url":"` + a + `","title":"IK","section":"module1-ros2-fundamentals","chunk_position":2,"chunk_text":"y","content_hash":"h"}}
	]}`

	results, err := index.Search(context.Background(), VectorSearchRequest{
		Vector:   hashVector("q", testDims),
		Limit:    5,
		Filter:   models.SearchFilter{URLPrefix: "https://robotics.dev/docs/module1"},
		EfSearch: 64,
	})
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, a, results[0].Payload.SourceURL)
	assert.Equal(t, 2, results[0].Payload.ChunkPosition)
	assert.Equal(t, "00112233445566778899aabbccddeeff", results[0].ID)

	calls := f.callsTo(http.MethodPost, "/collections/robotics_docs/points/search")
	require.Len(t, calls, 1)
	body := calls[0].Body
	assert.Equal(t, float64(20), body["limit"], "partial segment prefixes over-fetch")
	must := body["filter"].(map[string]interface{})["must"].([]interface{})
	cond := must[0].(map[string]interface{})
	assert.Equal(t, qdrantPrefixField, cond["key"])
	assert.Equal(t, "https://robotics.dev/docs/", cond["match"].(map[string]interface{})["value"])
	assert.Equal(t, float64(64), body["params"].(map[string]interface{})["hnsw_ef"])
}

func TestQdrantSearchPagesUntilPrefixMatches(t *testing.T) {
	var points []map[string]interface{}
	for i := 0; i < 29; i++ {
		points = append(points, map[string]interface{}{
			"id":    fmt.Sprintf("00000000-0000-0000-0000-%012d", i),
			"score": 0.95 - float64(i)*0.01,
			"payload": map[string]interface{}{
				"source_url": fmt.Sprintf("https://robotics.dev/docs/module2-simulation/page%d", i),
				"title": "Sim", "section": "module2-simulation", "chunk_position": 0, "chunk_text": "x", "content_hash": "h",
			},
		})
	}
	match := "https://robotics.dev/docs/module1-ros2-fundamentals/kinematics"
	points = append(points, map[string]interface{}{
		"id":    "00112233-4455-6677-8899-aabbccddeeff",
		"score": 0.61,
		"payload": map[string]interface{}{
			"source_url": match, "title": "IK", "section": "module1-ros2-fundamentals",
			"chunk_position": 1, "chunk_text": "y", "content_hash": "h",
		},
	})

	var (
		mu      sync.Mutex
		offsets []int
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body struct {
			Limit  int `json:"limit"`
			Offset int `json:"offset"`
		}
		_ = json.NewDecoder(r.Body).Decode(&body)
		mu.Lock()
		offsets = append(offsets, body.Offset)
		mu.Unlock()

		start, end := body.Offset, body.Offset+body.Limit
		if start > len(points) {
			start = len(points)
		}
		if end > len(points) {
			end = len(points)
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]interface{}{"result": points[start:end], "status": "ok"})
	}))
	t.Cleanup(srv.Close)

	index, err := NewQdrantIndex(QdrantOptions{Endpoint: srv.URL, Collection: "robotics_docs"})
	require.NoError(t, err)

	results, err := index.Search(context.Background(), VectorSearchRequest{
		Vector: hashVector("q", testDims),
		Limit:  5,
		Filter: models.SearchFilter{URLPrefix: "https://robotics.dev/docs/module1"},
	})
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, match, results[0].Payload.SourceURL)
	assert.InDelta(t, 0.61, results[0].Score, 1e-9)
	assert.Equal(t, []int{0, 20}, offsets)
}

func TestQdrantSearchStopsWhenLimitFilled(t *testing.T) {
	f, index := newFakeQdrant(t)
	a := "https://robotics.dev/docs/module1-ros2-fundamentals/kinematics"
	f.responses["POST /collections/robotics_docs/points/search"] = `{"result":[
		{"id":"00112233-4455-6677-8899-aabbccddeeff","score":0.82,"payload":{"source_url":"` + a + `","title":"IK","section":"module1-ros2-fundamentals","chunk_position":0,"chunk_text":"y","content_hash":"h"}},
		{"id":"00112233-4455-6677-8899-aabbccddeef0","score":0.80,"payload":{"source_url":"` + a + `","title":"IK","section":"module1-ros2-fundamentals","chunk_position":1,"chunk_text":"z","content_hash":"h"}},
		{"id":"00112233-4455-6677-8899-aabbccddeef1","score":0.78,"payload":{"source_url":"` + a + `","title":"IK","section":"module1-ros2-fundamentals","chunk_position":2,"chunk_text":"w","content_hash":"h"}},
		{"id":"00112233-4455-6677-8899-aabbccddeef2","score":0.75,"payload":{"source_url":"` + a + `","title":"IK","section":"module1-ros2-fundamentals","chunk_position":3,"chunk_text":"v","content_hash":"h"}}
	]}`

	results, err := index.Search(context.Background(), VectorSearchRequest{
		Vector: hashVector("q", testDims),
		Limit:  1,
		Filter: models.SearchFilter{URLPrefix: "https://robotics.dev/docs/module1"},
	})
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, 0, results[0].Payload.ChunkPosition)
	assert.Len(t, f.callsTo(http.MethodPost, "/collections/robotics_docs/points/search"), 1)
}

func TestQdrantFingerprintAndDelete(t *testing.T) {
	f, index := newFakeQdrant(t)
	ctx := context.Background()
	f.responses["POST /collections/robotics_docs/points/scroll"] = `{"result":{"points":[
		{"id":"00112233-4455-6677-8899-aabbccddeeff","payload":{"content_hash":"abc123"}}]}}`
	f.responses["POST /collections/robotics_docs/points/count"] = `{"result":{"count":3}}`

	hash, found, err := index.FetchFingerprint(ctx, testURL)
	require.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, "abc123", hash)

	deleted, err := index.DeleteFromPosition(ctx, testURL, 2)
	require.NoError(t, err)
	assert.Equal(t, 3, deleted)

	calls := f.callsTo(http.MethodPost, "/collections/robotics_docs/points/delete")
	require.Len(t, calls, 1)
	must := calls[0].Body["filter"].(map[string]interface{})["must"].([]interface{})
	require.Len(t, must, 2)
	rng := must[1].(map[string]interface{})["range"].(map[string]interface{})
	assert.Equal(t, float64(2), rng["gte"])
}

func TestQdrantErrorsCarryStatus(t *testing.T) {
	f, index := newFakeQdrant(t)
	f.status["POST /collections/robotics_docs/points/count"] = http.StatusServiceUnavailable

	_, err := index.Count(context.Background())
	require.Error(t, err)
	assert.True(t, apperrors.IsRetryable(err))

	f.status["POST /collections/robotics_docs/points/count"] = http.StatusNotFound
	count, err := index.Count(context.Background())
	require.NoError(t, err)
	assert.Zero(t, count, "a missing collection counts as empty")
}
