// Package service 混淆任务的业务逻辑：创建、查询、取消、重试与产物下载
package service

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"

	"github.com/jar-obfuscator/jobf-go/internal/archive"
	"github.com/jar-obfuscator/jobf-go/internal/domain"
	"github.com/jar-obfuscator/jobf-go/internal/metrics"
	"github.com/jar-obfuscator/jobf-go/internal/repository"
	"github.com/jar-obfuscator/jobf-go/internal/storage"
)

var (
	// ErrJobNotFound 任务不存在
	ErrJobNotFound = errors.New("job not found")
	// ErrInvalidState 当前状态不允许该操作
	ErrInvalidState = errors.New("operation not allowed in current job state")
	// ErrInvalidInput 上传的内容不是可处理的归档
	ErrInvalidInput = errors.New("invalid input archive")
)

// Dispatcher 把任务交给执行方
type Dispatcher interface {
	Dispatch(ctx context.Context, job *domain.Job) error
}

// Canceler 取消本进程内正在执行的任务
type Canceler interface {
	Cancel(jobID string) bool
}

// JobService 任务服务接口
type JobService interface {
	// 保存输入并创建排队任务
	CreateJob(ctx context.Context, inputName string, content []byte) (*domain.Job, error)
	GetJob(ctx context.Context, id string) (*domain.Job, error)
	ListJobs(ctx context.Context, page int, pageSize int, status string) ([]*domain.Job, int64, error)
	CancelJob(ctx context.Context, id string) error
	// 失败或已取消的任务重新排队
	RetryJob(ctx context.Context, id string) (*domain.Job, error)
	DeleteJob(ctx context.Context, id string) error
	// 读取任务产物：output.jar 或 mapping.txt
	GetArtifact(ctx context.Context, id string, name string) ([]byte, error)
	ListMappings(ctx context.Context, id string, kind domain.MappingKind, page int, pageSize int) ([]*domain.MappingEntry, int64, error)
	GetStatusCounts(ctx context.Context) (map[string]int64, int64, error)
	// 把所有排队中的任务重新投递，返回投递数量
	RequeuePending(ctx context.Context) (int, error)
}

type jobService struct {
	jobs       repository.JobRepository
	mappings   repository.MappingRepository
	store      storage.Store
	dispatcher Dispatcher
	canceler   Canceler
	metrics    *metrics.Metrics
	logger     *logrus.Logger
}

// NewJobService 创建任务服务，canceler 与 m 可以为 nil
func NewJobService(
	jobs repository.JobRepository,
	mappings repository.MappingRepository,
	store storage.Store,
	dispatcher Dispatcher,
	canceler Canceler,
	m *metrics.Metrics,
	logger *logrus.Logger,
) JobService {
	return &jobService{
		jobs:       jobs,
		mappings:   mappings,
		store:      store,
		dispatcher: dispatcher,
		canceler:   canceler,
		metrics:    m,
		logger:     logger,
	}
}

func (s *jobService) CreateJob(ctx context.Context, inputName string, content []byte) (*domain.Job, error) {
	inputName = filepath.Base(strings.TrimSpace(inputName))
	if inputName == "" || inputName == "." || inputName == string(filepath.Separator) {
		inputName = "input.jar"
	}
	if len(content) == 0 {
		return nil, fmt.Errorf("%w: empty upload", ErrInvalidInput)
	}
	// 提前拒绝无法打开的归档，避免占用 worker
	if _, err := archive.ReadBytes(content); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidInput, err)
	}

	job := &domain.Job{
		ID:          uuid.New().String(),
		InputName:   inputName,
		Status:      domain.JobStatusQueued,
		CreatedAt:   time.Now().UTC(),
		CurrentStep: "任务已创建",
	}
	job.InputKey = storage.ObjectKey(job.ID, storage.InputObject)

	if err := s.store.Put(ctx, job.ID, storage.InputObject, content); err != nil {
		s.logger.WithError(err).Error("Failed to store job input")
		return nil, fmt.Errorf("保存输入失败: %w", err)
	}
	if err := s.jobs.Create(ctx, job); err != nil {
		s.logger.WithError(err).Error("Failed to create job")
		if derr := s.store.Delete(ctx, job.ID); derr != nil {
			s.logger.WithError(derr).WithField("job_id", job.ID).Warn("Failed to clean up job input")
		}
		return nil, fmt.Errorf("创建任务失败: %w", err)
	}
	s.metrics.RecordJobCreated()

	if err := s.dispatcher.Dispatch(ctx, job); err != nil {
		// 任务已落库，可由 RequeuePending 重新投递
		s.logger.WithError(err).WithField("job_id", job.ID).Error("Failed to dispatch job")
		return job, fmt.Errorf("投递任务失败: %w", err)
	}

	s.logger.WithFields(logrus.Fields{
		"job_id":     job.ID,
		"input_name": inputName,
		"size":       len(content),
	}).Info("Job created")
	return job, nil
}

func (s *jobService) GetJob(ctx context.Context, id string) (*domain.Job, error) {
	job, err := s.jobs.FindByID(ctx, id)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrJobNotFound
		}
		s.logger.WithError(err).WithField("job_id", id).Error("Failed to get job")
		return nil, fmt.Errorf("获取任务失败: %w", err)
	}
	return job, nil
}

func (s *jobService) ListJobs(ctx context.Context, page int, pageSize int, status string) ([]*domain.Job, int64, error) {
	jobs, total, err := s.jobs.ListWithPagination(ctx, page, pageSize, status)
	if err != nil {
		s.logger.WithError(err).Error("Failed to list jobs")
		return nil, 0, fmt.Errorf("获取任务列表失败: %w", err)
	}
	return jobs, total, nil
}

func (s *jobService) CancelJob(ctx context.Context, id string) error {
	job, err := s.GetJob(ctx, id)
	if err != nil {
		return err
	}

	switch job.Status {
	case domain.JobStatusQueued:
		// 执行方读取到非排队状态时跳过
	case domain.JobStatusRunning:
		if s.canceler != nil && s.canceler.Cancel(id) {
			s.logger.WithField("job_id", id).Info("Running job cancelled")
			return nil
		}
	default:
		return fmt.Errorf("%w: job is %s", ErrInvalidState, job.Status)
	}

	if err := s.jobs.UpdateStatus(ctx, id, domain.JobStatusCancelled); err != nil {
		return fmt.Errorf("取消任务失败: %w", err)
	}
	s.logger.WithField("job_id", id).Info("Job cancelled")
	return nil
}

func (s *jobService) RetryJob(ctx context.Context, id string) (*domain.Job, error) {
	job, err := s.GetJob(ctx, id)
	if err != nil {
		return nil, err
	}
	if job.Status != domain.JobStatusFailed && job.Status != domain.JobStatusCancelled {
		return nil, fmt.Errorf("%w: job is %s", ErrInvalidState, job.Status)
	}

	if err := s.jobs.ResetForRetry(ctx, id); err != nil {
		return nil, fmt.Errorf("重置任务失败: %w", err)
	}
	job.Status = domain.JobStatusQueued
	if err := s.dispatcher.Dispatch(ctx, job); err != nil {
		return nil, fmt.Errorf("投递任务失败: %w", err)
	}
	s.logger.WithField("job_id", id).Info("Job re-queued manually")
	return job, nil
}

func (s *jobService) DeleteJob(ctx context.Context, id string) error {
	job, err := s.GetJob(ctx, id)
	if err != nil {
		return err
	}
	if job.Status == domain.JobStatusRunning {
		return fmt.Errorf("%w: cancel the running job first", ErrInvalidState)
	}

	if err := s.store.Delete(ctx, id); err != nil {
		s.logger.WithError(err).WithField("job_id", id).Warn("Failed to delete job artifacts")
	}
	if err := s.jobs.Delete(ctx, id); err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return ErrJobNotFound
		}
		return fmt.Errorf("删除任务失败: %w", err)
	}
	s.logger.WithField("job_id", id).Info("Job deleted")
	return nil
}

func (s *jobService) GetArtifact(ctx context.Context, id string, name string) ([]byte, error) {
	switch name {
	case storage.OutputObject, storage.MappingObject:
	default:
		return nil, fmt.Errorf("unknown artifact %q", name)
	}
	job, err := s.GetJob(ctx, id)
	if err != nil {
		return nil, err
	}
	if job.Status != domain.JobStatusCompleted {
		return nil, fmt.Errorf("%w: job is %s", ErrInvalidState, job.Status)
	}
	return s.store.Get(ctx, id, name)
}

func (s *jobService) ListMappings(ctx context.Context, id string, kind domain.MappingKind, page int, pageSize int) ([]*domain.MappingEntry, int64, error) {
	if _, err := s.GetJob(ctx, id); err != nil {
		return nil, 0, err
	}
	return s.mappings.ListByJob(ctx, id, kind, page, pageSize)
}

func (s *jobService) GetStatusCounts(ctx context.Context) (map[string]int64, int64, error) {
	return s.jobs.GetStatusCounts(ctx)
}

func (s *jobService) RequeuePending(ctx context.Context) (int, error) {
	jobs, err := s.jobs.ListByStatus(ctx, domain.JobStatusQueued)
	if err != nil {
		return 0, fmt.Errorf("获取排队任务失败: %w", err)
	}
	count := 0
	for _, job := range jobs {
		if err := s.dispatcher.Dispatch(ctx, job); err != nil {
			s.logger.WithError(err).WithField("job_id", job.ID).Error("Failed to re-dispatch job")
			continue
		}
		count++
	}
	s.logger.WithFields(logrus.Fields{
		"pending":    len(jobs),
		"dispatched": count,
	}).Info("Pending jobs re-dispatched")
	return count, nil
}
