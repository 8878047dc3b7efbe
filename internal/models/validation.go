package models

import (
	"strings"
	"time"
)

// GoldenQuery 已知答案的验证查询
// Negative 为 true 时要求没有结果达到 MinScore
type GoldenQuery struct {
	Query              string  `json:"query" mapstructure:"query"`
	ExpectedURLPattern string  `json:"expected_url_pattern" mapstructure:"expected_url_pattern"`
	MinScore           float64 `json:"min_score" mapstructure:"min_score"`
	Negative           bool    `json:"negative" mapstructure:"negative"`
}

// Patterns 期望URL片段，多个候选以 | 分隔，任一命中即可
func (q GoldenQuery) Patterns() []string {
	var out []string
	for _, p := range strings.Split(q.ExpectedURLPattern, "|") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

// QueryOutcome 单条验证查询的结果
type QueryOutcome struct {
	Query              string  `json:"query"`
	ExpectedURLPattern string  `json:"expected_url_pattern,omitempty"`
	MinScore           float64 `json:"min_score"`
	Negative           bool    `json:"negative"`
	Passed             bool    `json:"passed"`
	TopScore           float64 `json:"top_score"`
	MatchedURL         string  `json:"matched_url,omitempty"`
	Error              string  `json:"error,omitempty"`
}

// ValidationReport 验证报告
type ValidationReport struct {
	Passed               bool           `json:"passed"`
	TotalQueries         int            `json:"total_queries"`
	PassedQueries        int            `json:"passed_queries"`
	FailedQueries        int            `json:"failed_queries"`
	PassRate             float64        `json:"pass_rate"`
	NegativePassed       bool           `json:"negative_passed"`
	Outcomes             []QueryOutcome `json:"outcomes"`
	VectorCount          int64          `json:"vector_count"`
	MetadataCompleteness float64        `json:"metadata_completeness"`
	CheckedAt            time.Time      `json:"checked_at"`
}
