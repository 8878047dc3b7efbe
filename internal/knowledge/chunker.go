package knowledge

import (
	"crypto/sha256"
	"encoding/hex"
	"strconv"
	"strings"

	"github.com/aihub/docrag/internal/models"
)

const (
	DefaultChunkSize    = 1400
	DefaultChunkOverlap = 240
)

// 分隔符按优先级排列，标题类在前
var chunkSeparators = []string{"\n## ", "\n### ", "\n#### ", "\n\n", "\n", " "}

// span 代码块区间 [open, close)
type span struct {
	open  int
	close int
}

// Chunker 结构感知的文本分块器
// 偏移量按字节计算，同样的 (url, text) 总是得到同样的边界与ID
type Chunker struct {
	chunkSize    int
	chunkOverlap int
}

// NewChunker 创建分块器
func NewChunker(chunkSize, overlap int) *Chunker {
	if chunkSize <= 0 {
		chunkSize = DefaultChunkSize
	}
	if overlap < 0 {
		overlap = 0
	}
	if overlap >= chunkSize {
		overlap = chunkSize / 4
	}
	return &Chunker{
		chunkSize:    chunkSize,
		chunkOverlap: overlap,
	}
}

// ChunkID 由来源URL与位置生成稳定ID（32位十六进制）
func ChunkID(sourceURL string, position int) string {
	sum := sha256.Sum256([]byte(sourceURL + ":" + strconv.Itoa(position)))
	return hex.EncodeToString(sum[:])[:32]
}

// Split 将文本切分为多个chunk
func (c *Chunker) Split(sourceURL, text string) []models.Chunk {
	if strings.TrimSpace(text) == "" {
		return nil
	}

	fences := codeFences(text)
	var chunks []models.Chunk

	start := 0
	for start < len(text) {
		end := c.findEnd(text, start, fences)
		if chunkText := strings.TrimSpace(text[start:end]); chunkText != "" {
			position := len(chunks)
			chunks = append(chunks, models.Chunk{
				ID:        ChunkID(sourceURL, position),
				SourceURL: sourceURL,
				Position:  position,
				Text:      chunkText,
				Start:     start,
				End:       end,
			})
		}
		if end >= len(text) {
			break
		}
		start = c.nextStart(text, start, end, fences)
	}

	return chunks
}

// findEnd 在窗口内选取切分点，没有合法切分点时向后延伸
func (c *Chunker) findEnd(text string, start int, fences []span) int {
	windowEnd := start + c.chunkSize
	if windowEnd >= len(text) {
		return len(text)
	}

	// 非首块的开头是上一块的重叠部分，切分点必须越过它
	minSplit := start
	if start > 0 {
		minSplit = start + c.chunkOverlap
	}

	for _, sep := range chunkSeparators {
		limit := windowEnd
		for {
			idx := strings.LastIndex(text[start:limit], sep)
			if idx < 0 {
				break
			}
			split := splitPoint(start+idx, sep)
			if split > minSplit && split <= windowEnd && !insideFence(split, fences) &&
				strings.TrimSpace(text[start:split]) != "" {
				return split
			}
			limit = start + idx
			if limit <= start {
				break
			}
		}
	}

	return c.extendEnd(text, windowEnd, fences)
}

// extendEnd 窗口内无法切分时，取窗口之后最近的合法切分点
func (c *Chunker) extendEnd(text string, from int, fences []span) int {
	best := len(text)
	for _, sep := range chunkSeparators {
		offset := from
		for offset < len(text) {
			idx := strings.Index(text[offset:], sep)
			if idx < 0 {
				break
			}
			split := splitPoint(offset+idx, sep)
			if split >= best {
				break
			}
			if split > from && !insideFence(split, fences) {
				best = split
				break
			}
			offset += idx + 1
		}
	}
	return best
}

// nextStart 计算下一块起点：回退 overlap 后对齐到空白之后
// 落在代码块内时回到代码块开头，起点必须前进
func (c *Chunker) nextStart(text string, start, end int, fences []span) int {
	next := end - c.chunkOverlap
	if next <= start {
		return end
	}

	if ws := strings.IndexAny(text[next:end], " \n\t"); ws >= 0 {
		next += ws + 1
	} else {
		return end
	}

	for _, f := range fences {
		if next > f.open && next < f.close {
			next = f.open
			break
		}
	}

	if next <= start || next >= end {
		return end
	}
	return next
}

// splitPoint 标题分隔符在标题标记之前切分，其余分隔符在分隔符之后切分
func splitPoint(idx int, sep string) int {
	if strings.HasPrefix(sep, "\n#") {
		return idx + 1
	}
	return idx + len(sep)
}

func insideFence(pos int, fences []span) bool {
	for _, f := range fences {
		if pos > f.open && pos < f.close {
			return true
		}
	}
	return false
}

// codeFences 找出所有 ``` 围栏区间，未闭合的围栏延伸到文本末尾
func codeFences(text string) []span {
	var fences []span
	open := -1
	lineStart := 0
	for lineStart <= len(text) {
		lineEnd := strings.IndexByte(text[lineStart:], '\n')
		if lineEnd < 0 {
			lineEnd = len(text)
		} else {
			lineEnd += lineStart
		}
		line := strings.TrimSpace(text[lineStart:lineEnd])
		if strings.HasPrefix(line, "```") {
			if open < 0 {
				open = lineStart
			} else {
				fences = append(fences, span{open: open, close: lineEnd})
				open = -1
			}
		}
		if lineEnd >= len(text) {
			break
		}
		lineStart = lineEnd + 1
	}
	if open >= 0 {
		fences = append(fences, span{open: open, close: len(text)})
	}
	return fences
}
