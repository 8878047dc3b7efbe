package knowledge

import (
	"context"
	"crypto/sha256"
	"math"
	"sync"
	"time"

	"github.com/aihub/docrag/internal/config"
	apperrors "github.com/aihub/docrag/internal/errors"
	"github.com/aihub/docrag/internal/models"
	"github.com/aihub/docrag/internal/retry"
	"go.uber.org/zap"
)

const testDims = 8

func noSleep(context.Context, time.Duration) error { return nil }

func testPolicy() retry.Policy {
	return retry.DefaultPolicy().WithSleeper(noSleep)
}

func testStoreConfig() config.VectorStoreConfig {
	return config.VectorStoreConfig{
		Provider:        "memory",
		Collection:      "robotics_docs",
		Metric:          "cosine",
		HNSWM:           16,
		HNSWEfConstruct: 100,
		HNSWEfSearch:    64,
		Timeout:         time.Second,
		PruneStale:      true,
		Breaker: config.BreakerConfig{
			FailureThreshold: 5,
			Timeout:          time.Second,
		},
	}
}

func testEmbeddingConfig() config.EmbeddingConfig {
	return config.EmbeddingConfig{
		Provider:   "openai",
		Model:      "fake-embedding",
		Dimensions: testDims,
		BatchSize:  MaxEmbeddingBatch,
		Timeout:    time.Second,
	}
}

func testRetrievalConfig() config.RetrievalConfig {
	return config.RetrievalConfig{
		DefaultTopK:      5,
		MaxTopK:          20,
		ScoreThreshold:   0.3,
		LowConfidenceMin: 0.3,
		LowConfidenceMax: 0.5,
		Timeout:          time.Second,
		MaxQueryChars:    32000,
		SnippetLength:    200,
	}
}

func newTestStore(index VectorIndex) *StoreManager {
	return NewStoreManager(index, testStoreConfig(), testDims, testPolicy(), zap.NewNop())
}

// fakeProvider 计数的向量化提供方
// 固定向量优先，否则按文本哈希生成确定的单位向量
type fakeProvider struct {
	mu      sync.Mutex
	dims    int
	calls   int
	texts   int
	modes   []EmbedMode
	fixed   map[string][]float32
	failFor func(texts []string, call int) error
	// wrongDims 非零时返回该维度
	wrongDims int
}

func newFakeProvider() *fakeProvider {
	return &fakeProvider{dims: testDims, fixed: make(map[string][]float32)}
}

func (f *fakeProvider) Embed(_ context.Context, texts []string, mode EmbedMode) ([][]float32, error) {
	f.mu.Lock()
	f.calls++
	call := f.calls
	f.modes = append(f.modes, mode)
	failFor := f.failFor
	f.mu.Unlock()

	if failFor != nil {
		if err := failFor(texts, call); err != nil {
			return nil, err
		}
	}

	f.mu.Lock()
	f.texts += len(texts)
	f.mu.Unlock()

	out := make([][]float32, len(texts))
	for i, text := range texts {
		if vec, ok := f.fixed[text]; ok {
			out[i] = vec
			continue
		}
		dims := f.dims
		if f.wrongDims > 0 {
			dims = f.wrongDims
		}
		out[i] = hashVector(text, dims)
	}
	return out, nil
}

func (f *fakeProvider) Model() string   { return "fake-embedding" }
func (f *fakeProvider) Dimensions() int { return f.dims }

func (f *fakeProvider) Calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

func (f *fakeProvider) reset() {
	f.mu.Lock()
	f.calls = 0
	f.texts = 0
	f.modes = nil
	f.mu.Unlock()
}

func hashVector(text string, dims int) []float32 {
	sum := sha256.Sum256([]byte(text))
	vec := make([]float32, dims)
	var norm float64
	for i := range vec {
		v := float64(sum[i%len(sum)]) + 1
		vec[i] = float32(v)
		norm += v * v
	}
	norm = math.Sqrt(norm)
	for i := range vec {
		vec[i] = float32(float64(vec[i]) / norm)
	}
	return vec
}

// unitVector 与 e0 的余弦为 cos 的单位向量，axis 决定正交分量所在维度
func unitVector(cos float64, axis int) []float32 {
	vec := make([]float32, testDims)
	vec[0] = float32(cos)
	vec[axis] = float32(math.Sqrt(1 - cos*cos))
	return vec
}

// fakeFetcher 按URL返回预置的抽取结果
type fakeFetcher struct {
	mu     sync.Mutex
	pages  map[string]*Extraction
	errs   map[string][]error
	visits map[string]int
}

func newFakeFetcher() *fakeFetcher {
	return &fakeFetcher{
		pages:  make(map[string]*Extraction),
		errs:   make(map[string][]error),
		visits: make(map[string]int),
	}
}

func (f *fakeFetcher) set(url, title, text string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.pages[url] = &Extraction{
		URL:      url,
		Title:    title,
		Section:  SectionFromURL(url),
		Text:     text,
		TooShort: len([]rune(text)) < 100,
	}
}

func (f *fakeFetcher) Extract(_ context.Context, url string) (*Extraction, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.visits[url]++
	if queued := f.errs[url]; len(queued) > 0 {
		err := queued[0]
		f.errs[url] = queued[1:]
		return nil, err
	}
	page, ok := f.pages[url]
	if !ok {
		return nil, apperrors.NewFetchError(url, 404, nil)
	}
	copied := *page
	return &copied, nil
}

// recordingObserver 记录流水线与检索回调
type recordingObserver struct {
	mu        sync.Mutex
	documents []models.DocumentOutcome
	runs      []*models.PipelineRun
	searches  int
}

func (o *recordingObserver) ObserveDocument(outcome models.DocumentOutcome) {
	o.mu.Lock()
	o.documents = append(o.documents, outcome)
	o.mu.Unlock()
}

func (o *recordingObserver) ObserveRun(run *models.PipelineRun, _ error) {
	o.mu.Lock()
	o.runs = append(o.runs, run)
	o.mu.Unlock()
}

func (o *recordingObserver) ObserveSearch(*models.SearchResponse, error, time.Duration) {
	o.mu.Lock()
	o.searches++
	o.mu.Unlock()
}
