package models

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func validPayload() Payload {
	return Payload{
		SourceURL:     "https://robotics.dev/docs/module1/kinematics",
		Title:         "Kinematics",
		Section:       "module1",
		ChunkPosition: 0,
		ChunkText:     "Inverse kinematics computes joint angles.",
		ContentHash:   strings.Repeat("ab", 32),
	}
}

func TestPayloadComplete(t *testing.T) {
	p := validPayload()
	assert.True(t, p.Complete())

	p.ContentHash = "ABC"
	p.ChunkPosition = -1
	assert.ElementsMatch(t, []string{FieldContentHash, FieldChunkPosition}, p.MissingFields())
}

func TestPayloadMapRoundTrip(t *testing.T) {
	p := validPayload()
	m := p.ToMap()
	assert.Len(t, m, len(PayloadFields))

	// JSON解码后数字为float64
	m[FieldChunkPosition] = float64(3)
	parsed := PayloadFromMap(m)
	assert.Equal(t, 3, parsed.ChunkPosition)
	assert.Equal(t, p.SourceURL, parsed.SourceURL)

	missing := PayloadFromMap(map[string]interface{}{FieldTitle: "x"})
	assert.Equal(t, -1, missing.ChunkPosition)
	assert.False(t, missing.Complete())
}

func TestDocumentStateTerminal(t *testing.T) {
	assert.True(t, DocumentStateDone.Terminal())
	assert.True(t, DocumentStateSkippedUnchanged.Terminal())
	assert.True(t, DocumentStateFailed.Terminal())
	assert.False(t, DocumentStateEmbedding.Terminal())
}

func TestPipelineRunCounters(t *testing.T) {
	start := time.Now()
	run := &PipelineRun{StartedAt: start, Processed: 2, SkippedUnchanged: 1, Failed: 1}
	assert.Equal(t, 4, run.Finished())
	assert.Equal(t, time.Duration(0), run.Duration())

	run.FinishedAt = start.Add(3 * time.Second)
	assert.Equal(t, 3*time.Second, run.Duration())
}

func TestSearchResponseTopScore(t *testing.T) {
	var nilResp *SearchResponse
	assert.Equal(t, 0.0, nilResp.TopScore())

	resp := &SearchResponse{Results: []SearchResult{{Score: 0.87}, {Score: 0.4}}}
	assert.Equal(t, 0.87, resp.TopScore())
	assert.True(t, SearchFilter{}.Empty())
}

func TestGoldenQueryPatterns(t *testing.T) {
	q := GoldenQuery{ExpectedURLPattern: "/docs/module1 | /docs/module3|"}
	assert.Equal(t, []string{"/docs/module1", "/docs/module3"}, q.Patterns())
	assert.Empty(t, GoldenQuery{}.Patterns())
}
