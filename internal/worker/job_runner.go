package worker

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/klauspost/compress/zip"
	"github.com/sirupsen/logrus"

	"github.com/jar-obfuscator/jobf-go/internal/archive"
	"github.com/jar-obfuscator/jobf-go/internal/domain"
	"github.com/jar-obfuscator/jobf-go/internal/hierarchy"
	"github.com/jar-obfuscator/jobf-go/internal/metrics"
	"github.com/jar-obfuscator/jobf-go/internal/repository"
	"github.com/jar-obfuscator/jobf-go/internal/storage"
)

// ProgressNotifier 任务状态推送
type ProgressNotifier interface {
	NotifyProgress(jobID string, status domain.JobStatus, step string, percent int)
}

// JobRunner 执行持久化的混淆任务：读取输入、处理、写回产物与映射
type JobRunner struct {
	orchestrator *Orchestrator
	jobs         repository.JobRepository
	mappings     repository.MappingRepository
	store        storage.Store
	compression  archive.Compression
	metrics      *metrics.Metrics
	logger       *logrus.Logger

	mu       sync.Mutex
	notifier ProgressNotifier
	running  map[string]context.CancelFunc
	canceled map[string]bool
}

// NewJobRunner 创建任务执行器
func NewJobRunner(
	orchestrator *Orchestrator,
	jobs repository.JobRepository,
	mappings repository.MappingRepository,
	store storage.Store,
	compression archive.Compression,
	m *metrics.Metrics,
	logger *logrus.Logger,
) *JobRunner {
	return &JobRunner{
		orchestrator: orchestrator,
		jobs:         jobs,
		mappings:     mappings,
		store:        store,
		compression:  compression,
		metrics:      m,
		logger:       logger,
		running:      make(map[string]context.CancelFunc),
		canceled:     make(map[string]bool),
	}
}

// SetNotifier 设置进度推送
func (r *JobRunner) SetNotifier(n ProgressNotifier) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.notifier = n
}

func (r *JobRunner) notify(jobID string, status domain.JobStatus, step string, percent int) {
	r.mu.Lock()
	n := r.notifier
	r.mu.Unlock()
	if n != nil {
		n.NotifyProgress(jobID, status, step, percent)
	}
}

// Cancel 取消正在执行的任务，任务不在执行中时返回 false
func (r *JobRunner) Cancel(jobID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	cancel, ok := r.running[jobID]
	if !ok {
		return false
	}
	r.canceled[jobID] = true
	cancel()
	return true
}

func (r *JobRunner) track(ctx context.Context, jobID string) (context.Context, func() bool) {
	ctx, cancel := context.WithCancel(ctx)
	r.mu.Lock()
	r.running[jobID] = cancel
	r.mu.Unlock()
	return ctx, func() bool {
		r.mu.Lock()
		defer r.mu.Unlock()
		canceled := r.canceled[jobID]
		delete(r.running, jobID)
		delete(r.canceled, jobID)
		cancel()
		return canceled
	}
}

// Execute 执行任务
//
// 可重试的失败返回 *RetryableError，调用方负责重新投递。
func (r *JobRunner) Execute(ctx context.Context, jobID string) error {
	job, err := r.jobs.FindByID(ctx, jobID)
	if err != nil {
		return fmt.Errorf("load job %s: %w", jobID, err)
	}
	if job.Status != domain.JobStatusQueued && job.Status != domain.JobStatusRunning {
		r.logger.WithFields(logrus.Fields{
			"job_id": jobID,
			"status": job.Status,
		}).Info("Skipping job that is not queued")
		return nil
	}

	ctx, done := r.track(ctx, jobID)
	start := time.Now()
	err = r.execute(ctx, job)
	canceled := done()

	if err == nil {
		r.logger.WithFields(logrus.Fields{
			"job_id":   jobID,
			"duration": time.Since(start).Seconds(),
		}).Info("Job completed")
		return nil
	}
	if canceled && errors.Is(err, context.Canceled) {
		// 使用新的上下文，原上下文已取消
		if uerr := r.jobs.UpdateStatus(context.Background(), jobID, domain.JobStatusCancelled); uerr != nil {
			r.logger.WithError(uerr).WithField("job_id", jobID).Error("Failed to mark job cancelled")
		}
		r.notify(jobID, domain.JobStatusCancelled, "已取消", job.ProgressPercent)
		r.logger.WithField("job_id", jobID).Warn("Job cancelled")
		return nil
	}
	return r.failJob(context.WithoutCancel(ctx), job, err)
}

func (r *JobRunner) execute(ctx context.Context, job *domain.Job) error {
	if err := r.jobs.MarkRunning(ctx, job.ID); err != nil {
		return err
	}
	r.metrics.RecordJobStarted()
	r.updateProgress(ctx, job.ID, "正在读取输入", 1)

	data, err := r.store.Get(ctx, job.ID, storage.InputObject)
	if err != nil {
		return fmt.Errorf("read input: %w", err)
	}
	entries, err := archive.ReadBytes(data)
	if err != nil {
		return err
	}
	job.EntryPoint = mainClassOf(entries)

	result, err := r.orchestrator.Run(ctx, entries, func(step string, percent int) {
		r.updateProgress(ctx, job.ID, step, percent)
	})
	if err != nil {
		return err
	}

	r.updateProgress(ctx, job.ID, "正在写入产物", 97)
	var out bytes.Buffer
	if err := archive.Write(&out, result.Entries(), r.compression); err != nil {
		return fmt.Errorf("write output: %w", err)
	}
	if err := r.store.Put(ctx, job.ID, storage.OutputObject, out.Bytes()); err != nil {
		return fmt.Errorf("store output: %w", err)
	}

	var mapping bytes.Buffer
	if _, err := result.Mapping.WriteTo(&mapping); err != nil {
		return fmt.Errorf("write mapping: %w", err)
	}
	if err := r.store.Put(ctx, job.ID, storage.MappingObject, mapping.Bytes()); err != nil {
		return fmt.Errorf("store mapping: %w", err)
	}
	if err := r.mappings.SaveAll(ctx, job.ID, result.Mapping.Entries()); err != nil {
		return fmt.Errorf("save mapping: %w", err)
	}

	classes, methods, fields := result.Mapping.Counts()
	job.OutputKey = storage.ObjectKey(job.ID, storage.OutputObject)
	job.ClassCount = result.Stats.Classes
	job.LibraryCount = result.Stats.LibraryClasses
	job.RenamedClasses = classes
	job.RenamedMembers = methods + fields
	job.NewEntryPoint = result.EntryPoint
	job.CurrentStep = "处理完成"
	if err := r.jobs.MarkCompleted(ctx, job); err != nil {
		return err
	}
	r.metrics.RecordJobCompleted()
	r.notify(job.ID, domain.JobStatusCompleted, "处理完成", 100)
	return nil
}

// updateProgress 进度写入失败只记录日志，不影响处理
func (r *JobRunner) updateProgress(ctx context.Context, jobID, step string, percent int) {
	if err := r.jobs.UpdateProgress(ctx, jobID, step, percent); err != nil {
		r.logger.WithError(err).WithField("job_id", jobID).Warn("Failed to update job progress")
	}
	r.notify(jobID, domain.JobStatusRunning, step, percent)
}

func mainClassOf(entries []archive.Entry) string {
	for _, e := range entries {
		if e.Name == archive.ManifestName {
			return archive.MainClass(e.Data)
		}
	}
	return ""
}

// RetryableError 可重试错误（用于通知调用方重新投递任务）
type RetryableError struct {
	JobID       string
	OriginalErr error
	RetryCount  int
	MaxRetry    int
}

func (e *RetryableError) Error() string {
	return fmt.Sprintf("job %s failed (retry %d/%d): %v", e.JobID, e.RetryCount, e.MaxRetry, e.OriginalErr)
}

func (e *RetryableError) Unwrap() error {
	return e.OriginalErr
}

// Requeue 消息队列据此重新入队
func (e *RetryableError) Requeue() bool {
	return true
}

// IsRetryableError 检查错误是否为可重试错误
func IsRetryableError(err error) (*RetryableError, bool) {
	var retryErr *RetryableError
	if errors.As(err, &retryErr) {
		return retryErr, true
	}
	return nil, false
}

func (r *JobRunner) failJob(ctx context.Context, job *domain.Job, err error) error {
	failureType := DetectFailureType(err)

	retryCount, getErr := r.jobs.GetRetryCount(ctx, job.ID)
	if getErr != nil {
		r.logger.WithError(getErr).WithField("job_id", job.ID).Warn("Failed to get retry count, assuming 0")
		retryCount = 0
	}

	maxRetry := failureType.GetMaxRetryCount()
	canRetry := failureType.CanRetry() && retryCount < maxRetry

	if canRetry {
		newCount, incErr := r.jobs.IncrementRetryCount(ctx, job.ID)
		if incErr != nil {
			r.logger.WithError(incErr).WithField("job_id", job.ID).Error("Failed to increment retry count")
		} else {
			retryCount = newCount
		}
		if resetErr := r.jobs.ResetForRetry(ctx, job.ID); resetErr != nil {
			r.logger.WithError(resetErr).WithField("job_id", job.ID).Error("Failed to reset job for retry")
			canRetry = false
		}
	}

	if canRetry {
		r.logger.WithFields(logrus.Fields{
			"job_id":       job.ID,
			"failure_type": failureType,
			"retry_count":  retryCount,
			"max_retry":    maxRetry,
			"error":        err.Error(),
		}).Warn("Job will be retried")
		r.notify(job.ID, domain.JobStatusQueued, "等待重试", 0)
		return &RetryableError{
			JobID:       job.ID,
			OriginalErr: err,
			RetryCount:  retryCount,
			MaxRetry:    maxRetry,
		}
	}

	if updateErr := r.jobs.UpdateFailure(ctx, job.ID, failureType, err.Error()); updateErr != nil {
		r.logger.WithError(updateErr).WithField("job_id", job.ID).Error("Failed to update job failure")
	}
	r.metrics.RecordJobFailed()
	r.notify(job.ID, domain.JobStatusFailed, failureType.GetDisplayName(), job.ProgressPercent)

	r.logger.WithFields(logrus.Fields{
		"job_id":           job.ID,
		"failure_type":     failureType,
		"failure_severity": failureType.GetSeverity(),
		"retry_count":      retryCount,
		"error":            err.Error(),
	}).Error("Job failed")
	return err
}

// DetectFailureType 根据错误判断失败类型
func DetectFailureType(err error) domain.FailureType {
	if err == nil {
		return domain.FailureTypeNone
	}

	var missing *hierarchy.MissingClassError
	if errors.As(err, &missing) {
		return domain.FailureTypeMissingClass
	}
	if errors.Is(err, hierarchy.ErrCyclicHierarchy) {
		return domain.FailureTypeCyclic
	}
	if _, ok := IsSerializationError(err); ok {
		return domain.FailureTypeSerialization
	}
	if errors.Is(err, zip.ErrFormat) || errors.Is(err, zip.ErrAlgorithm) || errors.Is(err, zip.ErrChecksum) ||
		errors.Is(err, storage.ErrNotFound) {
		return domain.FailureTypeInvalidInput
	}

	var pathErr *fs.PathError
	var netErr net.Error
	if errors.As(err, &pathErr) || errors.As(err, &netErr) || errors.Is(err, io.ErrUnexpectedEOF) {
		return domain.FailureTypeIO
	}

	// 存储、数据库驱动返回的错误不一定可以解包
	errMsg := err.Error()
	if containsAny(errMsg, "connection refused", "connection reset", "broken pipe", "i/o timeout", "no such host", "slowdown") {
		return domain.FailureTypeIO
	}
	if containsAny(errMsg, "not a valid zip", "invalid class", "bad magic") {
		return domain.FailureTypeInvalidInput
	}
	return domain.FailureTypeUnknown
}

// containsAny 检查字符串是否包含任意一个子串（不区分大小写）
func containsAny(s string, substrs ...string) bool {
	sLower := strings.ToLower(s)
	for _, substr := range substrs {
		if strings.Contains(sLower, strings.ToLower(substr)) {
			return true
		}
	}
	return false
}
