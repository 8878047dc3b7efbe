package kafka

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/IBM/sarama"
	"github.com/aihub/docrag/internal/logger"
	"github.com/aihub/docrag/internal/models"
	"go.uber.org/zap"
)

// Producer Kafka生产者，投递入库运行报告
type Producer struct {
	producer sarama.SyncProducer
	topic    string
}

// RunReportMessage 运行报告消息结构
type RunReportMessage struct {
	RunID      string              `json:"run_id"`
	Status     string              `json:"status"`
	Report     *models.PipelineRun `json:"report"`
	DurationMs int64               `json:"duration_ms"`
	Timestamp  time.Time           `json:"timestamp"`
}

// NewProducerConfig 生产者配置
func NewProducerConfig() *sarama.Config {
	config := sarama.NewConfig()
	config.Producer.Return.Successes = true
	config.Producer.RequiredAcks = sarama.WaitForAll
	config.Producer.Retry.Max = 5
	config.Producer.Timeout = 10 * time.Second
	return config
}

// NewProducer 创建Kafka生产者
func NewProducer(brokers []string, topic string) (*Producer, error) {
	producer, err := sarama.NewSyncProducer(brokers, NewProducerConfig())
	if err != nil {
		return nil, fmt.Errorf("创建Kafka生产者失败: %w", err)
	}

	logger.Info("Kafka生产者初始化成功", zap.Strings("brokers", brokers), zap.String("topic", topic))
	return NewProducerWith(producer, topic), nil
}

// NewProducerWith 使用已有的 sarama producer，测试中传入 mocks
func NewProducerWith(producer sarama.SyncProducer, topic string) *Producer {
	return &Producer{producer: producer, topic: topic}
}

// PublishRun 投递一次运行报告
// 以 run_id 为键，同一运行的消息落在同一分区
func (p *Producer) PublishRun(ctx context.Context, run *models.PipelineRun) error {
	if p == nil || p.producer == nil {
		return fmt.Errorf("Kafka生产者未初始化")
	}
	if run == nil {
		return fmt.Errorf("运行报告为空")
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	msg := &RunReportMessage{
		RunID:      run.RunID,
		Status:     RunStatus(run),
		Report:     run,
		DurationMs: run.Duration().Milliseconds(),
		Timestamp:  time.Now(),
	}
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("序列化消息失败: %w", err)
	}

	kafkaMsg := &sarama.ProducerMessage{
		Topic: p.topic,
		Key:   sarama.StringEncoder(run.RunID),
		Value: sarama.ByteEncoder(data),
		Headers: []sarama.RecordHeader{
			{Key: []byte("status"), Value: []byte(msg.Status)},
			{Key: []byte("failed"), Value: []byte(strconv.Itoa(run.Failed))},
		},
	}

	partition, offset, err := p.producer.SendMessage(kafkaMsg)
	if err != nil {
		logger.Error("发送Kafka消息失败", zap.String("run_id", run.RunID), zap.Error(err))
		return fmt.Errorf("发送消息失败: %w", err)
	}

	logger.Debug("Kafka消息发送成功",
		zap.Int32("partition", partition),
		zap.Int64("offset", offset),
		zap.String("run_id", run.RunID))
	return nil
}

// RunStatus 运行结果摘要
func RunStatus(run *models.PipelineRun) string {
	switch {
	case run.Aborted:
		return "aborted"
	case run.BudgetExceeded:
		return "budget_exceeded"
	case run.Failed > 0:
		return "completed_with_failures"
	default:
		return "completed"
	}
}

// Close 关闭生产者
func (p *Producer) Close() error {
	if p != nil && p.producer != nil {
		return p.producer.Close()
	}
	return nil
}
