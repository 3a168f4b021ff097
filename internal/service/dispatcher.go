package service

import (
	"context"

	"github.com/jar-obfuscator/jobf-go/internal/domain"
	"github.com/jar-obfuscator/jobf-go/internal/queue"
	"github.com/jar-obfuscator/jobf-go/internal/worker"
)

// QueueDispatcher 通过 RabbitMQ 投递
type QueueDispatcher struct {
	producer *queue.Producer
}

// NewQueueDispatcher 创建消息队列投递器
func NewQueueDispatcher(producer *queue.Producer) *QueueDispatcher {
	return &QueueDispatcher{producer: producer}
}

func (d *QueueDispatcher) Dispatch(ctx context.Context, job *domain.Job) error {
	return d.producer.PublishJob(ctx, &queue.JobMessage{
		JobID:     job.ID,
		InputName: job.InputName,
		InputKey:  job.InputKey,
		Attempt:   job.RetryCount,
	})
}

// PoolDispatcher 投递到进程内 Worker 池
type PoolDispatcher struct {
	pool *worker.Pool
}

// NewPoolDispatcher 创建 Worker 池投递器
func NewPoolDispatcher(pool *worker.Pool) *PoolDispatcher {
	return &PoolDispatcher{pool: pool}
}

func (d *PoolDispatcher) Dispatch(_ context.Context, job *domain.Job) error {
	return d.pool.Submit(job.ID)
}
