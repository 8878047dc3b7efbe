package models

import "regexp"

// Document 单次入库过程中的文档（瞬态，不持久化）
type Document struct {
	SourceURL   string `json:"source_url"`
	Title       string `json:"title"`
	Section     string `json:"section"`
	Text        string `json:"-"`
	ContentHash string `json:"content_hash"`
}

// Chunk 文档分块
// ID 由 (SourceURL, Position) 决定，文本不变时重复分块得到相同ID
type Chunk struct {
	ID        string `json:"id"`
	SourceURL string `json:"source_url"`
	Position  int    `json:"position"`
	Text      string `json:"text"`
	Start     int    `json:"start"`
	End       int    `json:"end"`
}

// Payload 向量记录的元数据
type Payload struct {
	SourceURL     string `json:"source_url"`
	Title         string `json:"title"`
	Section       string `json:"section"`
	ChunkPosition int    `json:"chunk_position"`
	ChunkText     string `json:"chunk_text"`
	ContentHash   string `json:"content_hash"`
}

// 六个必填字段
const (
	FieldSourceURL     = "source_url"
	FieldTitle         = "title"
	FieldSection       = "section"
	FieldChunkPosition = "chunk_position"
	FieldChunkText     = "chunk_text"
	FieldContentHash   = "content_hash"
)

// PayloadFields 元数据字段列表
var PayloadFields = []string{
	FieldSourceURL,
	FieldTitle,
	FieldSection,
	FieldChunkPosition,
	FieldChunkText,
	FieldContentHash,
}

var contentHashPattern = regexp.MustCompile(`^[0-9a-f]{64}$`)

// MissingFields 返回缺失或格式不正确的字段
func (p Payload) MissingFields() []string {
	var missing []string
	if p.SourceURL == "" {
		missing = append(missing, FieldSourceURL)
	}
	if p.Title == "" {
		missing = append(missing, FieldTitle)
	}
	if p.Section == "" {
		missing = append(missing, FieldSection)
	}
	if p.ChunkPosition < 0 {
		missing = append(missing, FieldChunkPosition)
	}
	if p.ChunkText == "" {
		missing = append(missing, FieldChunkText)
	}
	if !contentHashPattern.MatchString(p.ContentHash) {
		missing = append(missing, FieldContentHash)
	}
	return missing
}

// Complete 六个字段是否都有效
func (p Payload) Complete() bool {
	return len(p.MissingFields()) == 0
}

// ToMap 转为通用map，供HTTP类索引写入
func (p Payload) ToMap() map[string]interface{} {
	return map[string]interface{}{
		FieldSourceURL:     p.SourceURL,
		FieldTitle:         p.Title,
		FieldSection:       p.Section,
		FieldChunkPosition: p.ChunkPosition,
		FieldChunkText:     p.ChunkText,
		FieldContentHash:   p.ContentHash,
	}
}

// PayloadFromMap 从通用map解析元数据，数值字段兼容JSON的float64
// 缺失的 chunk_position 解析为 -1
func PayloadFromMap(m map[string]interface{}) Payload {
	p := Payload{ChunkPosition: -1}
	if m == nil {
		return p
	}
	p.SourceURL, _ = m[FieldSourceURL].(string)
	p.Title, _ = m[FieldTitle].(string)
	p.Section, _ = m[FieldSection].(string)
	p.ChunkText, _ = m[FieldChunkText].(string)
	p.ContentHash, _ = m[FieldContentHash].(string)
	switch v := m[FieldChunkPosition].(type) {
	case float64:
		p.ChunkPosition = int(v)
	case float32:
		p.ChunkPosition = int(v)
	case int:
		p.ChunkPosition = v
	case int64:
		p.ChunkPosition = int(v)
	case int32:
		p.ChunkPosition = int(v)
	}
	return p
}

// VectorRecord 持久化单元
type VectorRecord struct {
	ID      string    `json:"id"`
	Vector  []float32 `json:"vector,omitempty"`
	Payload Payload   `json:"payload"`
}

// ScoredRecord 检索返回的带分数记录
type ScoredRecord struct {
	ID      string  `json:"id"`
	Score   float64 `json:"score"`
	Payload Payload `json:"payload"`
}

// CollectionStats 集合统计
type CollectionStats struct {
	Collection  string `json:"collection"`
	Provider    string `json:"provider"`
	VectorCount int64  `json:"vector_count"`
	Dimensions  int    `json:"dimensions"`
	Metric      string `json:"metric"`
	IndexStatus string `json:"index_status"`
}
