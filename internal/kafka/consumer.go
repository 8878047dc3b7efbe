package kafka

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/IBM/sarama"
	"github.com/aihub/docrag/internal/logger"
	"go.uber.org/zap"
)

// IngestRequest 入库请求消息
// URLs 与 SitemapURL 至少一个非空
type IngestRequest struct {
	RequestID  string   `json:"request_id,omitempty"`
	URLs       []string `json:"urls,omitempty"`
	SitemapURL string   `json:"sitemap_url,omitempty"`
}

// IngestHandler 处理入库请求
type IngestHandler func(ctx context.Context, req *IngestRequest) error

// ParseIngestRequest 解析入库请求消息
func ParseIngestRequest(data []byte) (*IngestRequest, error) {
	var req IngestRequest
	if err := json.Unmarshal(data, &req); err != nil {
		return nil, fmt.Errorf("解析消息失败: %w", err)
	}
	req.SitemapURL = strings.TrimSpace(req.SitemapURL)
	if len(req.URLs) == 0 && req.SitemapURL == "" {
		return nil, fmt.Errorf("入库请求缺少 urls 或 sitemap_url")
	}
	return &req, nil
}

// Consumer Kafka消费者，按顺序处理入库请求
type Consumer struct {
	consumer sarama.ConsumerGroup
	groupID  string
	topic    string
	handler  IngestHandler
	ctx      context.Context
	cancel   context.CancelFunc
	wg       sync.WaitGroup
}

// NewConsumer 创建消费者组，调用 Start 后开始消费
func NewConsumer(brokers []string, groupID, topic string, handler IngestHandler) (*Consumer, error) {
	config := sarama.NewConfig()
	config.Consumer.Group.Rebalance.Strategy = sarama.NewBalanceStrategyRoundRobin()
	config.Consumer.Offsets.Initial = sarama.OffsetOldest
	config.Consumer.Return.Errors = true
	config.Version = sarama.V2_6_0_0

	consumerGroup, err := sarama.NewConsumerGroup(brokers, groupID, config)
	if err != nil {
		return nil, fmt.Errorf("创建Kafka消费者组失败: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	logger.Info("Kafka消费者初始化成功",
		zap.Strings("brokers", brokers),
		zap.String("group_id", groupID),
		zap.String("topic", topic))

	return &Consumer{
		consumer: consumerGroup,
		groupID:  groupID,
		topic:    topic,
		handler:  handler,
		ctx:      ctx,
		cancel:   cancel,
	}, nil
}

// Start 启动消费
func (c *Consumer) Start() {
	if c == nil || c.consumer == nil {
		return
	}

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		handler := newConsumerGroupHandler(c.handler)
		for {
			select {
			case <-c.ctx.Done():
				logger.Info("Kafka消费者停止")
				return
			default:
				if err := c.consumer.Consume(c.ctx, []string{c.topic}, handler); err != nil {
					logger.Error("消费消息失败", zap.Error(err))
					select {
					case <-c.ctx.Done():
					case <-time.After(5 * time.Second):
					}
				}
			}
		}
	}()

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		for err := range c.consumer.Errors() {
			logger.Error("Kafka消费者错误", zap.Error(err))
		}
	}()
}

// Close 关闭消费者
func (c *Consumer) Close() error {
	if c == nil {
		return nil
	}
	c.cancel()
	var err error
	if c.consumer != nil {
		err = c.consumer.Close()
	}
	c.wg.Wait()
	return err
}

const (
	defaultHandleAttempts = 3
	defaultHandleBackoff  = 2 * time.Second
)

// consumerGroupHandler 消费者组处理器
type consumerGroupHandler struct {
	handler IngestHandler
	// attempts 单条消息在本次会话内的处理次数
	attempts int
	backoff  time.Duration
}

func newConsumerGroupHandler(handler IngestHandler) *consumerGroupHandler {
	return &consumerGroupHandler{
		handler:  handler,
		attempts: defaultHandleAttempts,
		backoff:  defaultHandleBackoff,
	}
}

// handle 失败时按退避重试，返回最后一次的错误
func (h *consumerGroupHandler) handle(ctx context.Context, req *IngestRequest) error {
	attempts := h.attempts
	if attempts < 1 {
		attempts = 1
	}
	var err error
	for attempt := 1; attempt <= attempts; attempt++ {
		if err = h.handler(ctx, req); err == nil {
			return nil
		}
		if attempt == attempts {
			break
		}
		select {
		case <-ctx.Done():
			return err
		case <-time.After(h.backoff * time.Duration(attempt)):
		}
	}
	return err
}

// Setup 会话开始
func (h *consumerGroupHandler) Setup(sarama.ConsumerGroupSession) error {
	return nil
}

// Cleanup 会话结束
func (h *consumerGroupHandler) Cleanup(sarama.ConsumerGroupSession) error {
	return nil
}

// ConsumeClaim 消费消息
// 无法解析的消息直接标记跳过
// 重试后仍失败的消息把位移重置回该消息并结束本次认领，下个会话从这里重新消费
func (h *consumerGroupHandler) ConsumeClaim(session sarama.ConsumerGroupSession, claim sarama.ConsumerGroupClaim) error {
	for {
		select {
		case message, ok := <-claim.Messages():
			if !ok || message == nil {
				return nil
			}

			req, err := ParseIngestRequest(message.Value)
			if err != nil {
				logger.Warn("丢弃无效的入库请求",
					zap.String("topic", message.Topic),
					zap.Int64("offset", message.Offset),
					zap.Error(err))
				session.MarkMessage(message, "")
				continue
			}

			if err := h.handle(session.Context(), req); err != nil {
				logger.Error("处理消息失败，等待重新投递",
					zap.String("topic", message.Topic),
					zap.Int("partition", int(message.Partition)),
					zap.Int64("offset", message.Offset),
					zap.String("request_id", req.RequestID),
					zap.Error(err))
				session.ResetOffset(message.Topic, message.Partition, message.Offset, "")
				return nil
			}

			session.MarkMessage(message, "")
			logger.Debug("消息处理成功",
				zap.String("topic", message.Topic),
				zap.Int("partition", int(message.Partition)),
				zap.Int64("offset", message.Offset))

		case <-session.Context().Done():
			return nil
		}
	}
}
