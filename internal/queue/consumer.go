package queue

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/sirupsen/logrus"
)

// JobHandler 任务处理函数
type JobHandler func(ctx context.Context, msg *JobMessage) error

// Requeuer 需要重新入队的错误
type Requeuer interface {
	Requeue() bool
}

// acknowledger 消息确认，测试中可替换
type acknowledger interface {
	Ack(multiple bool) error
	Nack(multiple, requeue bool) error
}

// Consumer 消息消费者
type Consumer struct {
	mq            *RabbitMQ
	logger        *logrus.Logger
	handler       JobHandler
	workerPool    int
	stopChan      chan struct{}
	workerWg      sync.WaitGroup
	activeWorkers int32
	processed     atomic.Int64
	mu            sync.Mutex
	running       bool
	cancelFunc    context.CancelFunc
}

// NewConsumer 创建消费者
func NewConsumer(mq *RabbitMQ, handler JobHandler, workerPool int, logger *logrus.Logger) *Consumer {
	if workerPool <= 0 {
		workerPool = 1
	}

	return &Consumer{
		mq:         mq,
		logger:     logger,
		handler:    handler,
		workerPool: workerPool,
		stopChan:   make(chan struct{}, 1),
	}
}

// Start 启动消费者
func (c *Consumer) Start(ctx context.Context) error {
	c.mu.Lock()
	if c.running {
		c.mu.Unlock()
		c.logger.Warn("Consumer already running, skipping start")
		return nil
	}
	c.running = true
	c.mu.Unlock()

	c.logger.Infof("Starting consumer with %d workers", c.workerPool)

	msgs, err := c.mq.Consume()
	if err != nil {
		c.mu.Lock()
		c.running = false
		c.mu.Unlock()
		return fmt.Errorf("failed to start consuming: %w", err)
	}

	workerCtx, cancel := context.WithCancel(ctx)
	c.mu.Lock()
	c.cancelFunc = cancel
	c.mu.Unlock()

	for i := 0; i < c.workerPool; i++ {
		c.workerWg.Add(1)
		go c.worker(workerCtx, i, msgs)
	}

	c.mq.StartConnectionWatcher()
	go c.handleReconnect(ctx)

	c.logger.Info("Consumer started successfully")
	return nil
}

// worker 工作协程
func (c *Consumer) worker(ctx context.Context, id int, msgs <-chan amqp.Delivery) {
	defer c.workerWg.Done()
	atomic.AddInt32(&c.activeWorkers, 1)
	defer atomic.AddInt32(&c.activeWorkers, -1)

	for {
		select {
		case <-ctx.Done():
			return
		case <-c.stopChan:
			return
		case d, ok := <-msgs:
			if !ok {
				c.logger.Warnf("Worker %d: message channel closed", id)
				return
			}
			c.dispatch(ctx, id, d.Body, &d)
		}
	}
}

// dispatch 处理单条消息并确认
//
// 处理失败且错误要求重新入队时 Nack 并重新入队，否则丢弃。
func (c *Consumer) dispatch(ctx context.Context, workerID int, body []byte, ack acknowledger) {
	start := time.Now()

	msg, err := DecodeJobMessage(body)
	if err != nil {
		c.logger.WithError(err).Error("Dropping malformed job message")
		_ = ack.Nack(false, false)
		return
	}

	entry := c.logger.WithFields(logrus.Fields{
		"worker_id": workerID,
		"job_id":    msg.JobID,
	})
	entry.WithField("input_name", msg.InputName).Info("Processing job")

	if err := c.handler(ctx, msg); err != nil {
		var rq Requeuer
		requeue := errors.As(err, &rq) && rq.Requeue()
		entry.WithError(err).WithField("requeue", requeue).Error("Job processing failed")
		_ = ack.Nack(false, requeue)
		return
	}

	if err := ack.Ack(false); err != nil {
		entry.WithError(err).Error("Failed to acknowledge message")
	}
	c.processed.Add(1)
	entry.WithField("duration", time.Since(start).Seconds()).Info("Job completed")
}

// handleReconnect 处理重连
func (c *Consumer) handleReconnect(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case _, ok := <-c.mq.GetReconnectChan():
			if !ok {
				return
			}

			c.logger.Warn("Connection lost, attempting to reconnect...")
			c.stopWorkers()

			if err := c.mq.Reconnect(ctx); err != nil {
				c.logger.WithError(err).Error("Failed to reconnect, will retry on next signal")
				continue
			}
			if err := c.Start(ctx); err != nil {
				c.logger.WithError(err).Error("Failed to restart consumer")
			}
			// Start 已启动新的重连处理协程
			return
		}
	}
}

// stopWorkers 停止所有 worker，最多等待 30 秒
func (c *Consumer) stopWorkers() {
	c.mu.Lock()
	if c.cancelFunc != nil {
		c.cancelFunc()
		c.cancelFunc = nil
	}
	c.running = false
	c.mu.Unlock()

	done := make(chan struct{})
	go func() {
		c.workerWg.Wait()
		close(done)
	}()

	select {
	case <-done:
		c.logger.Info("All workers stopped gracefully")
	case <-time.After(30 * time.Second):
		c.logger.Warn("Timeout waiting for workers to stop")
	}
}

// Stop 停止消费者
func (c *Consumer) Stop() {
	c.logger.Info("Stopping consumer...")

	c.mu.Lock()
	if c.cancelFunc != nil {
		c.cancelFunc()
		c.cancelFunc = nil
	}
	c.running = false
	c.mu.Unlock()

	select {
	case c.stopChan <- struct{}{}:
	default:
	}

	c.workerWg.Wait()
	c.logger.Info("Consumer stopped")
}

// GetActiveWorkers 活跃 worker 数量
func (c *Consumer) GetActiveWorkers() int {
	return int(atomic.LoadInt32(&c.activeWorkers))
}

// Processed 已成功处理的消息数
func (c *Consumer) Processed() int64 {
	return c.processed.Load()
}

// IsRunning 消费者是否正在运行
func (c *Consumer) IsRunning() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.running
}
