// Package retry 为存储、消息队列等外部依赖提供退避重试
package retry

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"
)

// Strategy 重试策略
type Strategy string

const (
	StrategyFixed       Strategy = "fixed"       // 固定间隔
	StrategyLinear      Strategy = "linear"      // 线性递增
	StrategyExponential Strategy = "exponential" // 指数退避
)

// Observer 重试观测，*metrics.Metrics 实现了该接口
type Observer interface {
	RecordRetryAttempt(operation string, attempt int)
	RecordRetrySuccess(operation string)
}

// Config 重试配置
type Config struct {
	Operation       string        // 操作名，用于日志与指标
	MaxAttempts     int           // 最大尝试次数
	InitialInterval time.Duration // 初始间隔
	MaxInterval     time.Duration // 最大间隔
	Strategy        Strategy      // 重试策略
	Timeout         time.Duration // 总超时时间
	Logger          *logrus.Logger
	Observer        Observer
}

// DefaultConfig 默认配置
func DefaultConfig() *Config {
	return &Config{
		Operation:       "operation",
		MaxAttempts:     3,
		InitialInterval: 1 * time.Second,
		MaxInterval:     30 * time.Second,
		Strategy:        StrategyExponential,
		Timeout:         5 * time.Minute,
		Logger:          logrus.New(),
	}
}

// For 以默认配置创建命名操作的配置
func For(operation string, logger *logrus.Logger, observer Observer) *Config {
	c := DefaultConfig()
	c.Operation = operation
	if logger != nil {
		c.Logger = logger
	}
	c.Observer = observer
	return c
}

// RetryableError 可重试错误接口
type RetryableError interface {
	error
	IsRetryable() bool
}

type classified struct {
	err       error
	retryable bool
}

func (e *classified) Error() string     { return e.err.Error() }
func (e *classified) Unwrap() error     { return e.err }
func (e *classified) IsRetryable() bool { return e.retryable }

// Permanent 标记为不可重试
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &classified{err: err, retryable: false}
}

// Transient 标记为可重试
func Transient(err error) error {
	if err == nil {
		return nil
	}
	return &classified{err: err, retryable: true}
}

// IsRetryable 判断错误是否可重试
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}

	var re RetryableError
	if errors.As(err, &re) {
		return re.IsRetryable()
	}

	switch {
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return false
	default:
		return true
	}
}

// Func 可重试的函数类型
type Func func(ctx context.Context) error

// Do 执行带重试的操作
func Do(ctx context.Context, config *Config, fn Func) error {
	if config == nil {
		config = DefaultConfig()
	}
	logger := config.Logger
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	attempts := config.MaxAttempts
	if attempts <= 0 {
		attempts = 1
	}

	if config.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, config.Timeout)
		defer cancel()
	}

	var lastErr error
	interval := config.InitialInterval

	for attempt := 1; attempt <= attempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return fmt.Errorf("%s canceled: %w", config.Operation, err)
		}

		if config.Observer != nil && attempt > 1 {
			config.Observer.RecordRetryAttempt(config.Operation, attempt)
		}

		start := time.Now()
		err := fn(ctx)
		duration := time.Since(start)

		if err == nil {
			if attempt > 1 {
				logger.WithFields(logrus.Fields{
					"operation": config.Operation,
					"attempt":   attempt,
					"duration":  duration,
				}).Info("Operation succeeded after retry")
				if config.Observer != nil {
					config.Observer.RecordRetrySuccess(config.Operation)
				}
			}
			return nil
		}
		lastErr = err

		logger.WithFields(logrus.Fields{
			"operation": config.Operation,
			"attempt":   attempt,
			"max":       attempts,
			"duration":  duration,
			"error":     err.Error(),
		}).Warn("Operation failed")

		if !IsRetryable(err) {
			return fmt.Errorf("%s: non-retryable error: %w", config.Operation, err)
		}
		if attempt == attempts {
			break
		}

		interval = nextInterval(config.Strategy, config.InitialInterval, config.MaxInterval, attempt)
		logger.WithFields(logrus.Fields{
			"operation":    config.Operation,
			"next_attempt": attempt + 1,
			"wait":         interval,
		}).Debug("Waiting before retry")

		timer := time.NewTimer(interval)
		select {
		case <-ctx.Done():
			timer.Stop()
			return fmt.Errorf("%s canceled during wait: %w", config.Operation, ctx.Err())
		case <-timer.C:
		}
	}

	return fmt.Errorf("%s: max attempts (%d) reached: %w", config.Operation, attempts, lastErr)
}

// nextInterval 第 attempt 次失败后的等待时间
func nextInterval(strategy Strategy, initial, max time.Duration, attempt int) time.Duration {
	var next time.Duration
	switch strategy {
	case StrategyLinear:
		next = initial * time.Duration(attempt)
	case StrategyExponential:
		if attempt > 30 {
			attempt = 30
		}
		next = initial * time.Duration(1<<(attempt-1))
	default:
		next = initial
	}
	if max > 0 && next > max {
		next = max
	}
	return next
}

// DoWithResult 执行带重试的操作并返回结果
func DoWithResult[T any](ctx context.Context, config *Config, fn func(ctx context.Context) (T, error)) (T, error) {
	var result T
	err := Do(ctx, config, func(ctx context.Context) error {
		res, err := fn(ctx)
		if err != nil {
			return err
		}
		result = res
		return nil
	})
	return result, err
}
