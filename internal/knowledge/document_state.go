package knowledge

import (
	apperrors "github.com/aihub/docrag/internal/errors"
	"github.com/aihub/docrag/internal/models"
)

// 单文档状态转换规则，任何非终止状态都可以转到 failed
var documentTransitions = map[models.DocumentState][]models.DocumentState{
	models.DocumentStatePending: {
		models.DocumentStateFetching,
		models.DocumentStateSkippedDuplicate,
	},
	models.DocumentStateFetching: {
		models.DocumentStateExtracting,
	},
	models.DocumentStateExtracting: {
		models.DocumentStateChangeCheck,
		models.DocumentStateSkippedShort,
	},
	models.DocumentStateChangeCheck: {
		models.DocumentStateChunking,
		models.DocumentStateSkippedUnchanged,
	},
	models.DocumentStateChunking: {
		models.DocumentStateEmbedding,
	},
	models.DocumentStateEmbedding: {
		models.DocumentStateStoring,
	},
	models.DocumentStateStoring: {
		models.DocumentStateDone,
	},
}

// CanTransition 检查是否可以进行状态转换
func CanTransition(from, to models.DocumentState) bool {
	if from.Terminal() {
		return false
	}
	if to == models.DocumentStateFailed {
		return true
	}
	for _, next := range documentTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// documentTracker 跟踪单个文档的状态
type documentTracker struct {
	url     string
	state   models.DocumentState
	history []models.DocumentState
}

func newDocumentTracker(url string) *documentTracker {
	return &documentTracker{
		url:     url,
		state:   models.DocumentStatePending,
		history: []models.DocumentState{models.DocumentStatePending},
	}
}

// advance 执行状态转换，非法转换返回 INVALID_STATE
func (t *documentTracker) advance(to models.DocumentState) error {
	if !CanTransition(t.state, to) {
		return apperrors.NewInvalidStateError(string(t.state), string(to))
	}
	t.state = to
	t.history = append(t.history, to)
	return nil
}

// fail 转到 failed，已处于终止状态时保持不变
func (t *documentTracker) fail() {
	if !t.state.Terminal() {
		t.state = models.DocumentStateFailed
		t.history = append(t.history, models.DocumentStateFailed)
	}
}
