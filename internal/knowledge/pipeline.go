package knowledge

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/aihub/docrag/internal/config"
	apperrors "github.com/aihub/docrag/internal/errors"
	"github.com/aihub/docrag/internal/logger"
	"github.com/aihub/docrag/internal/models"
	"github.com/aihub/docrag/internal/retry"
	"github.com/google/uuid"
	"github.com/panjf2000/ants/v2"
	"go.uber.org/zap"
)

// ErrPipelineReleased 流水线已释放
var ErrPipelineReleased = errors.New("pipeline released")

// DocumentFetcher 抓取并抽取页面正文
type DocumentFetcher interface {
	Extract(ctx context.Context, pageURL string) (*Extraction, error)
}

// PipelineObserver 入库过程回调，用于指标统计
type PipelineObserver interface {
	ObserveDocument(outcome models.DocumentOutcome)
	ObserveRun(run *models.PipelineRun, err error)
}

// RunPublisher 投递运行报告
type RunPublisher interface {
	PublishRun(ctx context.Context, run *models.PipelineRun) error
}

// Pipeline 文档入库编排
// 抓取在有界的 ants 池中并发执行；单个文档的分块、向量化与写入在同一任务中顺序执行
type Pipeline struct {
	fetcher   DocumentFetcher
	chunker   *Chunker
	detector  *ChangeDetector
	embedder  *BatchEmbedder
	store     *StoreManager
	policy    retry.Policy
	cfg       config.IngestionConfig
	pool      *ants.Pool
	observer  PipelineObserver
	publisher RunPublisher
	log       *zap.Logger
}

// PipelineOption 流水线选项
type PipelineOption func(*Pipeline) error

// WithConcurrency 设置并发抓取上限，默认5
func WithConcurrency(size int) PipelineOption {
	return func(p *Pipeline) error {
		if size < 1 {
			size = 1
		}
		if p.pool != nil {
			p.pool.Release()
		}
		pool, err := ants.NewPool(size)
		if err != nil {
			return err
		}
		p.pool = pool
		return nil
	}
}

// WithObserver 设置指标回调
func WithObserver(observer PipelineObserver) PipelineOption {
	return func(p *Pipeline) error {
		p.observer = observer
		return nil
	}
}

// WithPublisher 设置报告投递
func WithPublisher(publisher RunPublisher) PipelineOption {
	return func(p *Pipeline) error {
		p.publisher = publisher
		return nil
	}
}

// WithPipelineLogger 设置日志
func WithPipelineLogger(log *zap.Logger) PipelineOption {
	return func(p *Pipeline) error {
		if log != nil {
			p.log = log
		}
		return nil
	}
}

// NewPipeline 创建入库流水线
func NewPipeline(
	fetcher DocumentFetcher,
	chunker *Chunker,
	embedder *BatchEmbedder,
	store *StoreManager,
	policy retry.Policy,
	cfg config.IngestionConfig,
	opts ...PipelineOption,
) (*Pipeline, error) {
	if fetcher == nil || chunker == nil || embedder == nil || store == nil {
		return nil, apperrors.NewInvalidInputError("pipeline", "fetcher, chunker, embedder and store are required")
	}

	p := &Pipeline{
		fetcher:  fetcher,
		chunker:  chunker,
		detector: NewChangeDetector(store),
		embedder: embedder,
		store:    store,
		policy:   policy,
		cfg:      cfg,
		log:      logger.Named("pipeline"),
	}

	concurrency := cfg.Concurrency
	if concurrency < 1 {
		concurrency = 5
	}
	opts = append([]PipelineOption{WithConcurrency(concurrency)}, opts...)
	for _, opt := range opts {
		if err := opt(p); err != nil {
			p.Release()
			return nil, err
		}
	}
	return p, nil
}

// Release 释放工作池
func (p *Pipeline) Release() {
	if p.pool != nil {
		p.pool.Release()
	}
}

// Run 处理一批URL，返回运行报告
// 致命错误或超出错误预算时提前终止，报告中保留已完成的部分
func (p *Pipeline) Run(ctx context.Context, urls []string) (*models.PipelineRun, error) {
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	rc := newRunContext(uuid.NewString(), len(urls), p.cfg, cancel)
	log := p.log.With(zap.String("run_id", rc.RunID()))
	log.Info("ingestion started", zap.Int("urls", len(urls)))

	if err := p.store.EnsureCollection(runCtx); err != nil {
		rc.abort(err)
		return p.finish(ctx, rc, log)
	}

	var wg sync.WaitGroup
	for _, raw := range urls {
		if rc.Aborted() {
			break
		}

		pageURL := strings.TrimSpace(raw)
		if pageURL == "" {
			err := apperrors.NewInvalidInputError("url", "url cannot be empty")
			p.recordOutcome(rc, models.DocumentOutcome{URL: raw, State: models.DocumentStateFailed, Error: err.Error()}, err)
			continue
		}
		if !rc.claim(pageURL) {
			err := apperrors.NewDuplicateURLError(pageURL)
			log.Info("duplicate url skipped", zap.String("url", pageURL))
			p.recordOutcome(rc, models.DocumentOutcome{URL: pageURL, State: models.DocumentStateSkippedDuplicate}, err)
			continue
		}

		wg.Add(1)
		task := func() {
			defer wg.Done()
			p.processDocument(runCtx, rc, pageURL)
		}
		if err := p.pool.Submit(task); err != nil {
			wg.Done()
			if errors.Is(err, ants.ErrPoolClosed) {
				err = ErrPipelineReleased
			}
			rc.abort(apperrors.NewInternalError("submit ingestion task", err))
			break
		}
	}
	wg.Wait()

	return p.finish(ctx, rc, log)
}

func (p *Pipeline) finish(ctx context.Context, rc *RunContext, log *zap.Logger) (*models.PipelineRun, error) {
	run, err := rc.finalize()

	fields := []zap.Field{
		zap.Int("total", run.TotalURLs),
		zap.Int("processed", run.Processed),
		zap.Int("skipped_short", run.SkippedShort),
		zap.Int("skipped_unchanged", run.SkippedUnchanged),
		zap.Int("skipped_duplicate", run.SkippedDuplicate),
		zap.Int("failed", run.Failed),
		zap.Int("chunks", run.ChunksCreated),
		zap.Int("vectors", run.VectorsStored),
		zap.Int("embedding_calls", run.EmbeddingCalls),
		zap.Duration("duration", run.Duration()),
	}
	if err != nil {
		log.Error("ingestion finished with error", append(fields, zap.Bool("aborted", run.Aborted), zap.Error(err))...)
	} else {
		log.Info("ingestion completed", fields...)
	}

	if p.observer != nil {
		p.observer.ObserveRun(run, err)
	}
	if p.publisher != nil {
		// 调用方上下文可能已取消，投递使用独立超时
		pubCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
		if pubErr := p.publisher.PublishRun(pubCtx, run); pubErr != nil {
			log.Warn("publish run report failed", zap.Error(pubErr))
		}
		cancel()
	}
	return run, err
}

func (p *Pipeline) recordOutcome(rc *RunContext, outcome models.DocumentOutcome, err error) {
	rc.record(outcome, err)
	if p.observer != nil {
		p.observer.ObserveDocument(outcome)
	}
}

// processDocument 按状态机处理单个文档
func (p *Pipeline) processDocument(ctx context.Context, rc *RunContext, pageURL string) {
	started := time.Now()
	tracker := newDocumentTracker(pageURL)
	outcome := models.DocumentOutcome{URL: pageURL}
	log := p.log.With(zap.String("run_id", rc.RunID()), zap.String("url", pageURL))

	fail := func(err error) {
		if errors.Is(err, context.Canceled) && rc.Aborted() {
			err = fmt.Errorf("run aborted: %w", err)
		}
		tracker.fail()
		outcome.State = tracker.state
		outcome.Error = err.Error()
		outcome.Duration = time.Since(started)
		log.Warn("document failed", zap.String("class", apperrors.ClassOf(err).String()), zap.Error(err))
		p.recordOutcome(rc, outcome, err)
	}
	finish := func(state models.DocumentState) {
		if err := tracker.advance(state); err != nil {
			fail(err)
			return
		}
		outcome.State = state
		outcome.Duration = time.Since(started)
		log.Info("document finished",
			zap.String("state", string(state)),
			zap.Int("chunks", outcome.Chunks),
			zap.Duration("duration", outcome.Duration))
		p.recordOutcome(rc, outcome, nil)
	}

	if err := tracker.advance(models.DocumentStateFetching); err != nil {
		fail(err)
		return
	}
	if err := ctx.Err(); err != nil {
		fail(err)
		return
	}

	var extraction *Extraction
	_, err := p.policy.Do(ctx, "fetch", func(ctx context.Context) error {
		var fetchErr error
		extraction, fetchErr = p.fetcher.Extract(ctx, pageURL)
		return fetchErr
	})
	if err != nil {
		fail(err)
		return
	}

	if err := tracker.advance(models.DocumentStateExtracting); err != nil {
		fail(err)
		return
	}
	if extraction.TooShort {
		finish(models.DocumentStateSkippedShort)
		return
	}

	if err := tracker.advance(models.DocumentStateChangeCheck); err != nil {
		fail(err)
		return
	}
	hash, changed, err := p.detector.Check(ctx, pageURL, extraction.Text)
	if err != nil {
		fail(err)
		return
	}
	if !changed {
		finish(models.DocumentStateSkippedUnchanged)
		return
	}

	if err := tracker.advance(models.DocumentStateChunking); err != nil {
		fail(err)
		return
	}
	chunks := p.chunker.Split(pageURL, extraction.Text)
	outcome.Chunks = len(chunks)

	if err := tracker.advance(models.DocumentStateEmbedding); err != nil {
		fail(err)
		return
	}
	texts := make([]string, len(chunks))
	for i, c := range chunks {
		texts[i] = c.Text
	}
	embedded, err := p.embedder.EmbedTexts(ctx, texts, EmbedModeIndex)
	if embedded != nil {
		rc.addEmbeddingCalls(embedded.Calls)
	}
	if err != nil {
		fail(err)
		return
	}
	// 任一批次失败则整篇不写入
	if !embedded.Complete() {
		fail(embedded.FirstError())
		return
	}

	if err := tracker.advance(models.DocumentStateStoring); err != nil {
		fail(err)
		return
	}
	records := make([]models.VectorRecord, len(chunks))
	for i, c := range chunks {
		records[i] = models.VectorRecord{
			ID:     c.ID,
			Vector: embedded.Vectors[i],
			Payload: models.Payload{
				SourceURL:     pageURL,
				Title:         extraction.Title,
				Section:       extraction.Section,
				ChunkPosition: c.Position,
				ChunkText:     c.Text,
				ContentHash:   hash,
			},
		}
	}
	if err := p.store.Upsert(ctx, records); err != nil {
		fail(err)
		return
	}
	outcome.Vectors = len(records)

	deleted, err := p.store.PruneStale(ctx, pageURL, len(chunks))
	if err != nil {
		fail(err)
		return
	}
	outcome.StaleDeleted = deleted

	finish(models.DocumentStateDone)
}
