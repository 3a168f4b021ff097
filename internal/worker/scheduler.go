package worker

import (
	"context"
	"fmt"
	"runtime"
	"sync"

	"github.com/sirupsen/logrus"
)

// Queue 互斥锁保护的先进先出队列
type Queue[T any] struct {
	mu    sync.Mutex
	items []T
	head  int
}

// NewQueue 创建队列
func NewQueue[T any](items ...T) *Queue[T] {
	q := &Queue[T]{}
	q.items = append(q.items, items...)
	return q
}

// Push 追加元素
func (q *Queue[T]) Push(items ...T) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.items = append(q.items, items...)
}

// Pop 取出队首元素，队列为空时 ok 为 false
func (q *Queue[T]) Pop() (item T, ok bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.head >= len(q.items) {
		return item, false
	}
	item = q.items[q.head]
	var zero T
	q.items[q.head] = zero
	q.head++
	if q.head == len(q.items) {
		q.items = q.items[:0]
		q.head = 0
	}
	return item, true
}

// Len 剩余元素数
func (q *Queue[T]) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items) - q.head
}

// Scheduler 固定数量工作协程的调度器
type Scheduler struct {
	workers int
	logger  *logrus.Logger
}

// NewScheduler 创建调度器，workers<=0 时取 CPU 数
func NewScheduler(workers int, logger *logrus.Logger) *Scheduler {
	if logger == nil {
		logger = logrus.New()
	}
	if workers <= 0 {
		workers = runtime.NumCPU()
	}
	return &Scheduler{workers: workers, logger: logger}
}

// Workers 工作协程数
func (s *Scheduler) Workers() int {
	return s.workers
}

// Drain 用调度器的工作协程清空队列
//
// fn 返回错误或 ctx 被取消时其余协程在取下一个元素前停止，返回第一个错误。
func Drain[T any](ctx context.Context, s *Scheduler, q *Queue[T], fn func(ctx context.Context, item T) error) error {
	return DrainLocal(ctx, s, q,
		func() struct{} { return struct{}{} },
		func(ctx context.Context, _ struct{}, item T) error { return fn(ctx, item) },
		nil)
}

// DrainLocal 与 Drain 相同，但每个工作协程持有 newLocal 创建的本地状态
//
// 协程正常结束时在调度器的合并锁下调用一次 merge。
func DrainLocal[T, L any](ctx context.Context, s *Scheduler, q *Queue[T], newLocal func() L, fn func(ctx context.Context, local L, item T) error, merge func(local L)) error {
	parent := ctx
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	workers := s.workers
	if n := q.Len(); n < workers {
		workers = n
	}

	var (
		wg       sync.WaitGroup
		mergeMu  sync.Mutex
		errOnce  sync.Once
		firstErr error
	)
	fail := func(err error) {
		errOnce.Do(func() {
			firstErr = err
			cancel()
		})
	}

	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()
			local := newLocal()
			if err := work(ctx, q, local, fn); err != nil {
				s.logger.WithFields(logrus.Fields{
					"worker_id": id,
					"error":     err.Error(),
				}).Debug("Worker stopped")
				fail(err)
				return
			}
			if merge != nil {
				mergeMu.Lock()
				merge(local)
				mergeMu.Unlock()
			}
		}(i)
	}
	wg.Wait()

	if firstErr != nil {
		return firstErr
	}
	return parent.Err()
}

// work 工作协程主循环，fn 的 panic 转为错误
func work[T, L any](ctx context.Context, q *Queue[T], local L, fn func(ctx context.Context, local L, item T) error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("worker panic: %v", r)
		}
	}()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}
		item, ok := q.Pop()
		if !ok {
			return nil
		}
		if err := fn(ctx, local, item); err != nil {
			return err
		}
	}
}
