package models

import "time"

// DocumentState 单文档处理状态
type DocumentState string

const (
	DocumentStatePending          DocumentState = "pending"
	DocumentStateFetching         DocumentState = "fetching"
	DocumentStateExtracting       DocumentState = "extracting"
	DocumentStateChangeCheck      DocumentState = "change_check"
	DocumentStateChunking         DocumentState = "chunking"
	DocumentStateEmbedding        DocumentState = "embedding"
	DocumentStateStoring          DocumentState = "storing"
	DocumentStateDone             DocumentState = "done"
	DocumentStateSkippedShort     DocumentState = "skipped_short"
	DocumentStateSkippedUnchanged DocumentState = "skipped_unchanged"
	DocumentStateSkippedDuplicate DocumentState = "skipped_duplicate"
	DocumentStateFailed           DocumentState = "failed"
)

// Terminal 是否为终止状态
func (s DocumentState) Terminal() bool {
	switch s {
	case DocumentStateDone, DocumentStateSkippedShort, DocumentStateSkippedUnchanged,
		DocumentStateSkippedDuplicate, DocumentStateFailed:
		return true
	default:
		return false
	}
}

// Failure 单个文档的失败记录
type Failure struct {
	URL   string `json:"url"`
	Error string `json:"error"`
	Class string `json:"class"`
}

// DocumentOutcome 单个文档的处理结果
type DocumentOutcome struct {
	URL          string        `json:"url"`
	State        DocumentState `json:"state"`
	Chunks       int           `json:"chunks"`
	Vectors      int           `json:"vectors"`
	StaleDeleted int           `json:"stale_deleted,omitempty"`
	Duration     time.Duration `json:"duration"`
	Error        string        `json:"error,omitempty"`
}

// PipelineRun 一次入库运行的报告，Finalize 之后不再修改
type PipelineRun struct {
	RunID            string            `json:"run_id"`
	StartedAt        time.Time         `json:"started_at"`
	FinishedAt       time.Time         `json:"finished_at"`
	TotalURLs        int               `json:"total_urls"`
	Processed        int               `json:"processed"`
	SkippedShort     int               `json:"skipped_short"`
	SkippedUnchanged int               `json:"skipped_unchanged"`
	SkippedDuplicate int               `json:"skipped_duplicate"`
	Failed           int               `json:"failed"`
	ChunksCreated    int               `json:"chunks_created"`
	VectorsStored    int               `json:"vectors_stored"`
	StaleDeleted     int               `json:"stale_deleted"`
	EmbeddingCalls   int               `json:"embedding_calls"`
	Failures         []Failure         `json:"failures"`
	Documents        []DocumentOutcome `json:"documents"`
	Aborted          bool              `json:"aborted"`
	AbortReason      string            `json:"abort_reason,omitempty"`
	// BudgetExceeded 失败比例超过错误预算（提前终止或结束时检查）
	BudgetExceeded bool `json:"budget_exceeded"`
}

// Duration 运行耗时
func (r *PipelineRun) Duration() time.Duration {
	if r.FinishedAt.IsZero() {
		return 0
	}
	return r.FinishedAt.Sub(r.StartedAt)
}

// Finished 已结束的文档数
func (r *PipelineRun) Finished() int {
	return r.Processed + r.SkippedShort + r.SkippedUnchanged + r.SkippedDuplicate + r.Failed
}
