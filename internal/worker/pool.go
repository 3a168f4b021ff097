package worker

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/jar-obfuscator/jobf-go/internal/metrics"
)

// Executor 执行单个任务
type Executor interface {
	Execute(ctx context.Context, jobID string) error
}

// Pool 未启用消息队列时的进程内 Worker 池
type Pool struct {
	workers    int
	jobChan    chan *Task
	executor   Executor
	metrics    *metrics.Metrics
	logger     *logrus.Logger
	retryDelay time.Duration
	wg         sync.WaitGroup

	mu      sync.RWMutex
	stopped bool
	ctx     context.Context
}

// Task 池中的一个任务
type Task struct {
	JobID    string
	resultCh chan error // 用于同步等待任务完成
}

// NewPool 创建 Worker 池
func NewPool(workers, queueSize int, executor Executor, m *metrics.Metrics, logger *logrus.Logger) *Pool {
	if workers <= 0 {
		workers = 1
	}
	if queueSize <= 0 {
		queueSize = 100
	}
	return &Pool{
		workers:    workers,
		jobChan:    make(chan *Task, queueSize),
		executor:   executor,
		metrics:    m,
		logger:     logger,
		retryDelay: 5 * time.Second,
		ctx:        context.Background(),
	}
}

// SetRetryDelay 设置可重试失败后重新投递的延迟
func (p *Pool) SetRetryDelay(d time.Duration) {
	p.retryDelay = d
}

// Start 启动 Worker 池
func (p *Pool) Start(ctx context.Context) {
	p.logger.WithField("workers", p.workers).Info("Starting worker pool")

	p.mu.Lock()
	p.ctx = ctx
	p.mu.Unlock()

	for i := 0; i < p.workers; i++ {
		p.wg.Add(1)
		go p.worker(ctx, i)
	}
	p.metrics.UpdateWorkerPoolStats(p.workers, 0)
}

// worker Worker 协程
func (p *Pool) worker(ctx context.Context, id int) {
	defer p.wg.Done()

	for {
		select {
		case <-ctx.Done():
			p.logger.WithField("worker_id", id).Debug("Worker shutting down")
			return

		case task, ok := <-p.jobChan:
			if !ok {
				return
			}
			p.metrics.UpdateWorkerPoolStats(p.workers, len(p.jobChan))

			err := p.executor.Execute(ctx, task.JobID)
			if err != nil {
				if retryErr, ok := IsRetryableError(err); ok {
					p.logger.WithFields(logrus.Fields{
						"worker_id":   id,
						"job_id":      retryErr.JobID,
						"retry_count": retryErr.RetryCount,
						"max_retry":   retryErr.MaxRetry,
					}).Warn("Job failed and will be re-submitted")
					if task.resultCh == nil {
						p.resubmit(task.JobID)
					}
				} else {
					p.logger.WithError(err).WithFields(logrus.Fields{
						"worker_id": id,
						"job_id":    task.JobID,
					}).Error("Job execution failed")
				}
			}

			if task.resultCh != nil {
				task.resultCh <- err
				close(task.resultCh)
			}
		}
	}
}

// resubmit 延迟后重新投递
func (p *Pool) resubmit(jobID string) {
	time.AfterFunc(p.retryDelay, func() {
		p.mu.RLock()
		ctx := p.ctx
		p.mu.RUnlock()
		if ctx.Err() != nil {
			return
		}
		if err := p.Submit(jobID); err != nil {
			p.logger.WithError(err).WithField("job_id", jobID).Error("Failed to re-submit job")
		}
	})
}

// Submit 提交任务（异步，不等待结果）
func (p *Pool) Submit(jobID string) error {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.stopped {
		return fmt.Errorf("worker pool stopped")
	}

	select {
	case p.jobChan <- &Task{JobID: jobID}:
		p.logger.WithField("job_id", jobID).Debug("Job submitted to pool")
		p.metrics.UpdateWorkerPoolStats(p.workers, len(p.jobChan))
		return nil
	default:
		return fmt.Errorf("job queue is full")
	}
}

// SubmitAndWait 提交任务并等待完成，可重试的失败原样返回而不重新投递
func (p *Pool) SubmitAndWait(ctx context.Context, jobID string) error {
	task := &Task{JobID: jobID, resultCh: make(chan error, 1)}

	p.mu.RLock()
	if p.stopped {
		p.mu.RUnlock()
		return fmt.Errorf("worker pool stopped")
	}
	select {
	case p.jobChan <- task:
	case <-ctx.Done():
		p.mu.RUnlock()
		return ctx.Err()
	}
	p.mu.RUnlock()

	select {
	case err := <-task.resultCh:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Stop 停止 Worker 池，等待进行中的任务结束
func (p *Pool) Stop() {
	p.mu.Lock()
	if p.stopped {
		p.mu.Unlock()
		return
	}
	p.stopped = true
	close(p.jobChan)
	p.mu.Unlock()

	p.wg.Wait()
	p.logger.Info("Worker pool stopped")
}

// GetQueueSize 获取队列中任务数
func (p *Pool) GetQueueSize() int {
	return len(p.jobChan)
}
