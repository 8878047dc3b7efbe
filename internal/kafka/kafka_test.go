package kafka

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/IBM/sarama"
	"github.com/IBM/sarama/mocks"
	"github.com/aihub/docrag/internal/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func sampleRun() *models.PipelineRun {
	started := time.Date(2025, 3, 1, 10, 0, 0, 0, time.UTC)
	return &models.PipelineRun{
		RunID:         "run-1",
		StartedAt:     started,
		FinishedAt:    started.Add(1500 * time.Millisecond),
		TotalURLs:     3,
		Processed:     2,
		Failed:        1,
		ChunksCreated: 4,
		VectorsStored: 4,
	}
}

func TestPublishRun(t *testing.T) {
	sp := mocks.NewSyncProducer(t, NewProducerConfig())
	sp.ExpectSendMessageWithCheckerFunctionAndSucceed(func(val []byte) error {
		var msg RunReportMessage
		if err := json.Unmarshal(val, &msg); err != nil {
			return err
		}
		if msg.RunID != "run-1" || msg.Status != "completed_with_failures" || msg.DurationMs != 1500 {
			return errors.New("unexpected report message")
		}
		if msg.Report == nil || msg.Report.VectorsStored != 4 {
			return errors.New("report body missing")
		}
		return nil
	})

	producer := NewProducerWith(sp, "docrag-pipeline-runs")
	require.NoError(t, producer.PublishRun(context.Background(), sampleRun()))
	require.NoError(t, producer.Close())
}

func TestPublishRunFailure(t *testing.T) {
	sp := mocks.NewSyncProducer(t, NewProducerConfig())
	sp.ExpectSendMessageAndFail(sarama.ErrOutOfBrokers)

	producer := NewProducerWith(sp, "docrag-pipeline-runs")
	err := producer.PublishRun(context.Background(), sampleRun())
	assert.ErrorIs(t, err, sarama.ErrOutOfBrokers)
	require.NoError(t, producer.Close())
}

func TestPublishRunGuards(t *testing.T) {
	var nilProducer *Producer
	assert.Error(t, nilProducer.PublishRun(context.Background(), sampleRun()))
	assert.NoError(t, nilProducer.Close())

	sp := mocks.NewSyncProducer(t, NewProducerConfig())
	producer := NewProducerWith(sp, "docrag-pipeline-runs")
	assert.Error(t, producer.PublishRun(context.Background(), nil))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.ErrorIs(t, producer.PublishRun(ctx, sampleRun()), context.Canceled)
	require.NoError(t, producer.Close())
}

func TestRunStatus(t *testing.T) {
	assert.Equal(t, "completed", RunStatus(&models.PipelineRun{Processed: 3}))
	assert.Equal(t, "completed_with_failures", RunStatus(&models.PipelineRun{Failed: 1}))
	assert.Equal(t, "budget_exceeded", RunStatus(&models.PipelineRun{Failed: 5, BudgetExceeded: true}))
	assert.Equal(t, "aborted", RunStatus(&models.PipelineRun{Aborted: true, BudgetExceeded: true}))
}

func TestParseIngestRequest(t *testing.T) {
	req, err := ParseIngestRequest([]byte(`{"request_id":"r1","urls":["https://robotics.dev/docs/a"]}`))
	require.NoError(t, err)
	assert.Equal(t, "r1", req.RequestID)
	assert.Equal(t, []string{"https://robotics.dev/docs/a"}, req.URLs)

	req, err = ParseIngestRequest([]byte(`{"sitemap_url":" https://robotics.dev/sitemap.xml "}`))
	require.NoError(t, err)
	assert.Equal(t, "https://robotics.dev/sitemap.xml", req.SitemapURL)

	_, err = ParseIngestRequest([]byte(`{}`))
	assert.Error(t, err)
	_, err = ParseIngestRequest([]byte(`not json`))
	assert.Error(t, err)
}

// fakeSession 记录已标记的消息
type fakeSession struct {
	ctx    context.Context
	mu     sync.Mutex
	marked []int64
	resets []int64
}

func (s *fakeSession) Claims() map[string][]int32 { return nil }
func (s *fakeSession) MemberID() string           { return "member" }
func (s *fakeSession) GenerationID() int32        { return 1 }
func (s *fakeSession) MarkOffset(string, int32, int64, string) {
}
func (s *fakeSession) Commit() {}
func (s *fakeSession) ResetOffset(_ string, _ int32, offset int64, _ string) {
	s.mu.Lock()
	s.resets = append(s.resets, offset)
	s.mu.Unlock()
}
func (s *fakeSession) MarkMessage(msg *sarama.ConsumerMessage, _ string) {
	s.mu.Lock()
	s.marked = append(s.marked, msg.Offset)
	s.mu.Unlock()
}
func (s *fakeSession) Context() context.Context { return s.ctx }

type fakeClaim struct {
	messages chan *sarama.ConsumerMessage
}

func (c *fakeClaim) Topic() string                              { return "docrag-ingest-requests" }
func (c *fakeClaim) Partition() int32                           { return 0 }
func (c *fakeClaim) InitialOffset() int64                       { return 0 }
func (c *fakeClaim) HighWaterMarkOffset() int64                 { return int64(len(c.messages)) }
func (c *fakeClaim) Messages() <-chan *sarama.ConsumerMessage { return c.messages }

func newTestHandler(fn IngestHandler) *consumerGroupHandler {
	h := newConsumerGroupHandler(fn)
	h.backoff = time.Millisecond
	return h
}

func TestConsumeClaim(t *testing.T) {
	claim := &fakeClaim{messages: make(chan *sarama.ConsumerMessage, 3)}
	claim.messages <- &sarama.ConsumerMessage{Offset: 0, Value: []byte(`{"urls":["https://robotics.dev/docs/a"]}`)}
	claim.messages <- &sarama.ConsumerMessage{Offset: 1, Value: []byte(`garbage`)}
	claim.messages <- &sarama.ConsumerMessage{Offset: 2, Value: []byte(`{"urls":["https://robotics.dev/docs/b"]}`)}
	close(claim.messages)

	var handled []string
	handler := newTestHandler(func(_ context.Context, req *IngestRequest) error {
		handled = append(handled, req.URLs[0])
		return nil
	})

	session := &fakeSession{ctx: context.Background()}
	require.NoError(t, handler.ConsumeClaim(session, claim))

	assert.Equal(t, []string{"https://robotics.dev/docs/a", "https://robotics.dev/docs/b"}, handled)
	assert.Equal(t, []int64{0, 1, 2}, session.marked)
	assert.Empty(t, session.resets)
}

func TestConsumeClaimRetriesBeforeMarking(t *testing.T) {
	claim := &fakeClaim{messages: make(chan *sarama.ConsumerMessage, 1)}
	claim.messages <- &sarama.ConsumerMessage{Offset: 4, Value: []byte(`{"urls":["https://robotics.dev/docs/a"]}`)}
	close(claim.messages)

	calls := 0
	handler := newTestHandler(func(context.Context, *IngestRequest) error {
		calls++
		if calls < 3 {
			return errors.New("ingest already in progress")
		}
		return nil
	})

	session := &fakeSession{ctx: context.Background()}
	require.NoError(t, handler.ConsumeClaim(session, claim))

	assert.Equal(t, 3, calls)
	assert.Equal(t, []int64{4}, session.marked)
	assert.Empty(t, session.resets)
}

func TestConsumeClaimRewindsFailedMessage(t *testing.T) {
	claim := &fakeClaim{messages: make(chan *sarama.ConsumerMessage, 3)}
	claim.messages <- &sarama.ConsumerMessage{Offset: 0, Value: []byte(`{"urls":["https://robotics.dev/docs/a"]}`)}
	claim.messages <- &sarama.ConsumerMessage{Offset: 1, Value: []byte(`{"urls":["https://robotics.dev/docs/fail"]}`)}
	claim.messages <- &sarama.ConsumerMessage{Offset: 2, Value: []byte(`{"urls":["https://robotics.dev/docs/c"]}`)}
	close(claim.messages)

	var handled []string
	handler := newTestHandler(func(_ context.Context, req *IngestRequest) error {
		handled = append(handled, req.URLs[0])
		if req.URLs[0] == "https://robotics.dev/docs/fail" {
			return errors.New("vector store unavailable")
		}
		return nil
	})

	session := &fakeSession{ctx: context.Background()}
	require.NoError(t, handler.ConsumeClaim(session, claim))

	assert.Equal(t, []string{
		"https://robotics.dev/docs/a",
		"https://robotics.dev/docs/fail",
		"https://robotics.dev/docs/fail",
		"https://robotics.dev/docs/fail",
	}, handled, "the later message is not consumed past the failed one")
	assert.Equal(t, []int64{0}, session.marked)
	assert.Equal(t, []int64{1}, session.resets)
}
