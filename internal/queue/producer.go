package queue

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/sirupsen/logrus"
)

// JobMessage 混淆任务消息
type JobMessage struct {
	JobID     string `json:"job_id"`
	InputName string `json:"input_name"`
	InputKey  string `json:"input_key"`
	Attempt   int    `json:"attempt,omitempty"`
}

// Encode 序列化消息
func (m *JobMessage) Encode() ([]byte, error) {
	if m.JobID == "" {
		return nil, fmt.Errorf("job message without job id")
	}
	return json.Marshal(m)
}

// DecodeJobMessage 反序列化消息
func DecodeJobMessage(body []byte) (*JobMessage, error) {
	var msg JobMessage
	if err := json.Unmarshal(body, &msg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal message: %w", err)
	}
	if msg.JobID == "" {
		return nil, fmt.Errorf("job message without job id")
	}
	return &msg, nil
}

// Publisher 消息发布接口
type Publisher interface {
	Publish(ctx context.Context, body []byte) error
}

// Producer 消息生产者
type Producer struct {
	pub    Publisher
	logger *logrus.Logger
}

// NewProducer 创建生产者
func NewProducer(pub Publisher, logger *logrus.Logger) *Producer {
	return &Producer{
		pub:    pub,
		logger: logger,
	}
}

// PublishJob 发布任务消息
func (p *Producer) PublishJob(ctx context.Context, msg *JobMessage) error {
	body, err := msg.Encode()
	if err != nil {
		return err
	}

	if err := p.pub.Publish(ctx, body); err != nil {
		p.logger.WithError(err).WithField("job_id", msg.JobID).Error("Failed to publish job")
		return fmt.Errorf("failed to publish: %w", err)
	}

	p.logger.WithFields(logrus.Fields{
		"job_id":     msg.JobID,
		"input_name": msg.InputName,
		"attempt":    msg.Attempt,
	}).Info("Job published to queue")

	return nil
}

// GetQueueSize 获取队列大小
func (p *Producer) GetQueueSize() (int, error) {
	mq, ok := p.pub.(*RabbitMQ)
	if !ok {
		return 0, fmt.Errorf("queue stats unavailable")
	}
	messageCount, _, err := mq.GetQueueStats()
	if err != nil {
		return 0, fmt.Errorf("failed to get queue stats: %w", err)
	}
	return messageCount, nil
}
