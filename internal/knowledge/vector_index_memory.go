package knowledge

import (
	"context"
	"math"
	"sort"
	"sync"

	apperrors "github.com/aihub/docrag/internal/errors"
	"github.com/aihub/docrag/internal/models"
)

// MemoryIndex 进程内向量索引，用于测试和本地试用
// 检索时同分结果保持写入顺序
type MemoryIndex struct {
	mu      sync.RWMutex
	spec    *CollectionSpec
	records map[string]*memoryRecord
	seq     int
}

type memoryRecord struct {
	record models.VectorRecord
	order  int
}

// NewMemoryIndex 创建内存索引
func NewMemoryIndex() *MemoryIndex {
	return &MemoryIndex{records: make(map[string]*memoryRecord)}
}

func (m *MemoryIndex) EnsureCollection(_ context.Context, spec CollectionSpec) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.spec == nil {
		s := spec
		m.spec = &s
		return nil
	}
	if m.spec.Dimensions != spec.Dimensions {
		return apperrors.NewCollectionMismatchError(spec.Name, "dimension differs")
	}
	if m.spec.Metric != spec.Metric {
		return apperrors.NewCollectionMismatchError(spec.Name, "metric differs")
	}
	return nil
}

func (m *MemoryIndex) Upsert(_ context.Context, records []models.VectorRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, rec := range records {
		vec := make([]float32, len(rec.Vector))
		copy(vec, rec.Vector)
		stored := models.VectorRecord{ID: rec.ID, Vector: vec, Payload: rec.Payload}
		if existing, ok := m.records[rec.ID]; ok {
			existing.record = stored
			continue
		}
		m.seq++
		m.records[rec.ID] = &memoryRecord{record: stored, order: m.seq}
	}
	return nil
}

func (m *MemoryIndex) Search(_ context.Context, req VectorSearchRequest) ([]models.ScoredRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	ordered := m.ordered()
	results := make([]models.ScoredRecord, 0, len(ordered))
	for _, rec := range ordered {
		if !matchesFilter(rec.record.Payload, req.Filter) {
			continue
		}
		results = append(results, models.ScoredRecord{
			ID:      rec.record.ID,
			Score:   cosine(req.Vector, rec.record.Vector),
			Payload: rec.record.Payload,
		})
	}

	sort.SliceStable(results, func(i, j int) bool {
		return results[i].Score > results[j].Score
	})
	if req.Limit > 0 && len(results) > req.Limit {
		results = results[:req.Limit]
	}
	return results, nil
}

func (m *MemoryIndex) FetchFingerprint(_ context.Context, sourceURL string) (string, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	for _, rec := range m.records {
		p := rec.record.Payload
		if p.SourceURL == sourceURL && p.ChunkPosition == 0 {
			return p.ContentHash, true, nil
		}
	}
	return "", false, nil
}

func (m *MemoryIndex) DeleteFromPosition(_ context.Context, sourceURL string, position int) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	deleted := 0
	for id, rec := range m.records {
		p := rec.record.Payload
		if p.SourceURL == sourceURL && p.ChunkPosition >= position {
			delete(m.records, id)
			deleted++
		}
	}
	return deleted, nil
}

func (m *MemoryIndex) Count(_ context.Context) (int64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return int64(len(m.records)), nil
}

func (m *MemoryIndex) Sample(_ context.Context, limit int) ([]models.VectorRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	ordered := m.ordered()
	if limit > 0 && len(ordered) > limit {
		ordered = ordered[:limit]
	}
	out := make([]models.VectorRecord, 0, len(ordered))
	for _, rec := range ordered {
		out = append(out, rec.record)
	}
	return out, nil
}

func (m *MemoryIndex) Describe(_ context.Context) (*models.CollectionStats, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	stats := &models.CollectionStats{
		Provider:    "memory",
		VectorCount: int64(len(m.records)),
		IndexStatus: "missing",
	}
	if m.spec != nil {
		stats.Collection = m.spec.Name
		stats.Dimensions = m.spec.Dimensions
		stats.Metric = m.spec.Metric
		stats.IndexStatus = "ready"
	}
	return stats, nil
}

func (m *MemoryIndex) Close() error {
	return nil
}

// Get 按ID读取记录，供测试检查
func (m *MemoryIndex) Get(id string) (models.VectorRecord, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	rec, ok := m.records[id]
	if !ok {
		return models.VectorRecord{}, false
	}
	return rec.record, true
}

// ordered 按写入顺序返回记录，调用方需持有锁
func (m *MemoryIndex) ordered() []*memoryRecord {
	out := make([]*memoryRecord, 0, len(m.records))
	for _, rec := range m.records {
		out = append(out, rec)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].order < out[j].order })
	return out
}

func cosine(a, b []float32) float64 {
	if len(a) == 0 || len(a) != len(b) {
		return 0
	}
	var dot, na, nb float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		na += float64(a[i]) * float64(a[i])
		nb += float64(b[i]) * float64(b[i])
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return dot / (math.Sqrt(na) * math.Sqrt(nb))
}
