package knowledge

import (
	"context"
	"sync"
	"time"

	"github.com/aihub/docrag/internal/config"
	apperrors "github.com/aihub/docrag/internal/errors"
	"github.com/aihub/docrag/internal/models"
)

// RunContext 单次运行的共享状态，所有修改都在锁内完成
type RunContext struct {
	mu sync.Mutex

	run      *models.PipelineRun
	seen     map[string]bool
	budget   float64
	minDocs  int
	abortErr error
	cancel   context.CancelFunc
	done     bool
}

func newRunContext(runID string, total int, cfg config.IngestionConfig, cancel context.CancelFunc) *RunContext {
	minDocs := cfg.MinDocumentsForBudget
	if minDocs < 1 {
		minDocs = 10
	}
	return &RunContext{
		run: &models.PipelineRun{
			RunID:     runID,
			StartedAt: time.Now(),
			TotalURLs: total,
			Failures:  []models.Failure{},
			Documents: make([]models.DocumentOutcome, 0, total),
		},
		seen:    make(map[string]bool, total),
		budget:  cfg.ErrorBudget,
		minDocs: minDocs,
		cancel:  cancel,
	}
}

// RunID 运行ID
func (rc *RunContext) RunID() string {
	return rc.run.RunID
}

// claim 登记URL，重复时返回 false
func (rc *RunContext) claim(url string) bool {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	if rc.seen[url] {
		return false
	}
	rc.seen[url] = true
	return true
}

// Aborted 运行是否已终止
func (rc *RunContext) Aborted() bool {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	return rc.abortErr != nil
}

// Err 终止原因
func (rc *RunContext) Err() error {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	return rc.abortErr
}

func (rc *RunContext) addEmbeddingCalls(n int) {
	rc.mu.Lock()
	rc.run.EmbeddingCalls += n
	rc.mu.Unlock()
}

// record 记录一个文档的终止状态，并检查致命错误与错误预算
func (rc *RunContext) record(outcome models.DocumentOutcome, err error) {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	if rc.done {
		return
	}

	run := rc.run
	run.Documents = append(run.Documents, outcome)
	switch outcome.State {
	case models.DocumentStateDone:
		run.Processed++
		run.ChunksCreated += outcome.Chunks
		run.VectorsStored += outcome.Vectors
		run.StaleDeleted += outcome.StaleDeleted
	case models.DocumentStateSkippedShort:
		run.SkippedShort++
	case models.DocumentStateSkippedUnchanged:
		run.SkippedUnchanged++
	case models.DocumentStateSkippedDuplicate:
		run.SkippedDuplicate++
	case models.DocumentStateFailed:
		run.Failed++
		failure := models.Failure{URL: outcome.URL, Error: outcome.Error}
		if err != nil {
			failure.Class = apperrors.ClassOf(err).String()
		}
		run.Failures = append(run.Failures, failure)
	}

	if rc.abortErr != nil {
		return
	}
	if err != nil && apperrors.IsFatal(err) {
		rc.abortLocked(err)
		return
	}
	finished := run.Finished()
	if finished >= rc.minDocs && rc.overBudget(run.Failed, finished) {
		run.BudgetExceeded = true
		rc.abortLocked(apperrors.NewErrorBudgetExceeded(run.Failed, finished, rc.budget))
	}
}

// abort 终止运行并取消未完成的任务
func (rc *RunContext) abort(err error) {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	if rc.abortErr == nil {
		rc.abortLocked(err)
	}
}

func (rc *RunContext) abortLocked(err error) {
	rc.abortErr = err
	rc.run.Aborted = true
	rc.run.AbortReason = err.Error()
	if rc.cancel != nil {
		rc.cancel()
	}
}

func (rc *RunContext) overBudget(failed, finished int) bool {
	if finished == 0 {
		return false
	}
	return float64(failed)/float64(finished) > rc.budget
}

// finalize 结束运行，之后报告不再修改
// 未提前终止的运行按总数再检查一次错误预算
func (rc *RunContext) finalize() (*models.PipelineRun, error) {
	rc.mu.Lock()
	defer rc.mu.Unlock()

	run := rc.run
	if !rc.done {
		rc.done = true
		run.FinishedAt = time.Now()
		if rc.abortErr == nil && rc.overBudget(run.Failed, run.Finished()) {
			run.BudgetExceeded = true
			rc.abortErr = apperrors.NewErrorBudgetExceeded(run.Failed, run.Finished(), rc.budget)
		}
	}
	return run, rc.abortErr
}
