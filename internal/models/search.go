package models

// SearchFilter 检索元数据过滤
// URLPrefix 为前缀比较，Section 为精确匹配
type SearchFilter struct {
	URLPrefix string `json:"url_prefix,omitempty"`
	Section   string `json:"section,omitempty"`
}

// Empty 是否未设置任何过滤
func (f SearchFilter) Empty() bool {
	return f.URLPrefix == "" && f.Section == ""
}

// SearchQuery 检索请求
type SearchQuery struct {
	Text   string       `json:"query"`
	Filter SearchFilter `json:"filter"`
	// Threshold 为空时使用配置的默认阈值
	Threshold *float64 `json:"threshold,omitempty"`
	TopK      int      `json:"top_k"`
}

// Confidence 置信度等级
type Confidence string

const (
	ConfidenceHigh Confidence = "high"
	ConfidenceLow  Confidence = "low"
	// ConfidenceVeryLow 最高分低于低置信区间下限，仅在调用方调低阈值时出现
	ConfidenceVeryLow Confidence = "very_low"
	ConfidenceNone    Confidence = "none"
)

// SearchResult 单条检索结果
type SearchResult struct {
	ChunkID string  `json:"chunk_id"`
	Score   float64 `json:"score"`
	Snippet string  `json:"snippet"`
	Payload Payload `json:"metadata"`
}

// SearchResponse 检索响应
type SearchResponse struct {
	Query         string         `json:"query"`
	Results       []SearchResult `json:"results"`
	TotalResults  int            `json:"total_results"`
	Confidence    Confidence     `json:"confidence"`
	LowConfidence bool           `json:"low_confidence"`
	EmptyIndex    bool           `json:"empty_index"`
	Threshold     float64        `json:"threshold"`
	QueryTimeMs   float64        `json:"query_time_ms"`
	Warnings      []string       `json:"warnings,omitempty"`
}

// TopScore 最高分，无结果时为0
func (r *SearchResponse) TopScore() float64 {
	if r == nil || len(r.Results) == 0 {
		return 0
	}
	return r.Results[0].Score
}
