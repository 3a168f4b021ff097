package repository

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"
	"gorm.io/gorm"

	"github.com/jar-obfuscator/jobf-go/internal/domain"
)

// JobRepository 混淆任务仓库
type JobRepository interface {
	Create(ctx context.Context, job *domain.Job) error
	FindByID(ctx context.Context, id string) (*domain.Job, error)
	// 分页列出任务，status 为空时不过滤
	ListWithPagination(ctx context.Context, page int, pageSize int, status string) ([]*domain.Job, int64, error)
	Delete(ctx context.Context, id string) error
	UpdateStatus(ctx context.Context, id string, status domain.JobStatus) error
	UpdateProgress(ctx context.Context, id string, step string, percent int) error
	// 标记开始执行，记录开始时间
	MarkRunning(ctx context.Context, id string) error
	// 标记完成并写入结果统计
	MarkCompleted(ctx context.Context, job *domain.Job) error
	// 更新任务失败信息（包含失败类型）
	UpdateFailure(ctx context.Context, id string, failureType domain.FailureType, errorMessage string) error
	// 重试相关方法
	IncrementRetryCount(ctx context.Context, id string) (int, error)
	ResetForRetry(ctx context.Context, id string) error
	GetRetryCount(ctx context.Context, id string) (int, error)
	// 获取各状态任务数量统计
	GetStatusCounts(ctx context.Context) (map[string]int64, int64, error)
	// 获取指定状态的全部任务，按创建时间升序
	ListByStatus(ctx context.Context, status domain.JobStatus) ([]*domain.Job, error)
}

type jobRepo struct {
	db     *gorm.DB
	logger *logrus.Logger
}

// NewJobRepository 创建任务仓库
func NewJobRepository(db *gorm.DB, logger *logrus.Logger) JobRepository {
	return &jobRepo{
		db:     db,
		logger: logger,
	}
}

func (r *jobRepo) Create(ctx context.Context, job *domain.Job) error {
	if job.CreatedAt.IsZero() {
		job.CreatedAt = time.Now().UTC()
	}
	if job.Status == "" {
		job.Status = domain.JobStatusQueued
	}
	return r.db.WithContext(ctx).Create(job).Error
}

func (r *jobRepo) FindByID(ctx context.Context, id string) (*domain.Job, error) {
	var job domain.Job
	if err := r.db.WithContext(ctx).First(&job, "id = ?", id).Error; err != nil {
		return nil, err
	}
	return &job, nil
}

func (r *jobRepo) ListWithPagination(ctx context.Context, page int, pageSize int, status string) ([]*domain.Job, int64, error) {
	var jobs []*domain.Job
	var total int64

	query := r.db.WithContext(ctx).Model(&domain.Job{})
	if status != "" {
		query = query.Where("status = ?", status)
	}

	// 先统计总数
	if err := query.Count(&total).Error; err != nil {
		return nil, 0, err
	}

	if page < 1 {
		page = 1
	}
	offset := (page - 1) * pageSize

	err := query.
		Order("created_at DESC").
		Offset(offset).
		Limit(pageSize).
		Find(&jobs).Error

	return jobs, total, err
}

func (r *jobRepo) Delete(ctx context.Context, id string) error {
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		result := tx.Where("job_id = ?", id).Delete(&domain.MappingEntry{})
		if result.Error != nil {
			return result.Error
		}
		r.logger.WithFields(logrus.Fields{"job_id": id, "deleted": result.RowsAffected}).Debug("Deleted job mappings")

		result = tx.Where("id = ?", id).Delete(&domain.Job{})
		if result.Error != nil {
			return result.Error
		}
		if result.RowsAffected == 0 {
			return gorm.ErrRecordNotFound
		}
		return nil
	})
}

func (r *jobRepo) UpdateStatus(ctx context.Context, id string, status domain.JobStatus) error {
	return r.db.WithContext(ctx).
		Model(&domain.Job{}).
		Where("id = ?", id).
		Update("status", status).Error
}

func (r *jobRepo) UpdateProgress(ctx context.Context, id string, step string, percent int) error {
	return r.db.WithContext(ctx).
		Model(&domain.Job{}).
		Where("id = ?", id).
		Updates(map[string]interface{}{
			"current_step":     step,
			"progress_percent": percent,
		}).Error
}

func (r *jobRepo) MarkRunning(ctx context.Context, id string) error {
	now := time.Now().UTC()
	return r.db.WithContext(ctx).
		Model(&domain.Job{}).
		Where("id = ?", id).
		Updates(map[string]interface{}{
			"status":     domain.JobStatusRunning,
			"started_at": &now,
		}).Error
}

// MarkCompleted 只更新结果相关字段，不覆盖重试计数
func (r *jobRepo) MarkCompleted(ctx context.Context, job *domain.Job) error {
	now := time.Now().UTC()
	job.Status = domain.JobStatusCompleted
	job.CompletedAt = &now
	job.ProgressPercent = 100

	err := r.db.WithContext(ctx).
		Model(job).
		Select("status", "output_key", "completed_at", "current_step", "progress_percent",
			"class_count", "library_count", "renamed_classes", "renamed_members",
			"entry_point", "new_entry_point").
		Updates(job).Error
	if err != nil {
		r.logger.WithError(err).WithField("job_id", job.ID).Error("Job completion update failed")
	}
	return err
}

// UpdateFailure 更新任务失败信息，同时将任务状态设置为 failed
func (r *jobRepo) UpdateFailure(ctx context.Context, id string, failureType domain.FailureType, errorMessage string) error {
	now := time.Now().UTC()
	result := r.db.WithContext(ctx).
		Model(&domain.Job{}).
		Where("id = ?", id).
		Updates(map[string]interface{}{
			"status":        domain.JobStatusFailed,
			"failure_type":  failureType,
			"error_message": errorMessage,
			"completed_at":  &now,
		})

	if result.Error != nil {
		r.logger.WithError(result.Error).WithFields(logrus.Fields{
			"job_id":       id,
			"failure_type": failureType,
		}).Error("Failed to update job failure")
		return result.Error
	}

	r.logger.WithFields(logrus.Fields{
		"job_id":           id,
		"failure_type":     failureType,
		"failure_severity": failureType.GetSeverity(),
		"display_name":     failureType.GetDisplayName(),
	}).Warn("Job marked as failed")

	return nil
}

// IncrementRetryCount 增加重试次数并返回新的计数
func (r *jobRepo) IncrementRetryCount(ctx context.Context, id string) (int, error) {
	result := r.db.WithContext(ctx).
		Model(&domain.Job{}).
		Where("id = ?", id).
		UpdateColumn("retry_count", gorm.Expr("retry_count + 1"))

	if result.Error != nil {
		r.logger.WithError(result.Error).WithField("job_id", id).Error("Failed to increment retry count")
		return 0, result.Error
	}

	return r.GetRetryCount(ctx, id)
}

// ResetForRetry 将任务状态改回 queued，清除失败信息，保留重试计数
func (r *jobRepo) ResetForRetry(ctx context.Context, id string) error {
	result := r.db.WithContext(ctx).
		Model(&domain.Job{}).
		Where("id = ?", id).
		Updates(map[string]interface{}{
			"status":           domain.JobStatusQueued,
			"failure_type":     "",
			"error_message":    "",
			"current_step":     "等待重试...",
			"progress_percent": 0,
			"started_at":       nil,
			"completed_at":     nil,
		})

	if result.Error != nil {
		r.logger.WithError(result.Error).WithField("job_id", id).Error("Failed to reset job for retry")
		return result.Error
	}

	r.logger.WithField("job_id", id).Info("Job reset for retry")
	return nil
}

// GetRetryCount 获取当前重试次数
func (r *jobRepo) GetRetryCount(ctx context.Context, id string) (int, error) {
	var job domain.Job
	err := r.db.WithContext(ctx).
		Select("retry_count").
		First(&job, "id = ?", id).Error
	if err != nil {
		return 0, err
	}
	return job.RetryCount, nil
}

// GetStatusCounts 使用聚合查询统计各状态任务数量
func (r *jobRepo) GetStatusCounts(ctx context.Context) (map[string]int64, int64, error) {
	type StatusCount struct {
		Status string
		Count  int64
	}

	var results []StatusCount
	err := r.db.WithContext(ctx).
		Model(&domain.Job{}).
		Select("status, COUNT(*) as count").
		Group("status").
		Scan(&results).Error
	if err != nil {
		r.logger.WithError(err).Error("Failed to get status counts")
		return nil, 0, err
	}

	statusCounts := map[string]int64{
		string(domain.JobStatusQueued):    0,
		string(domain.JobStatusRunning):   0,
		string(domain.JobStatusCompleted): 0,
		string(domain.JobStatusFailed):    0,
		string(domain.JobStatusCancelled): 0,
	}

	var total int64
	for _, sc := range results {
		statusCounts[sc.Status] = sc.Count
		total += sc.Count
	}
	return statusCounts, total, nil
}

func (r *jobRepo) ListByStatus(ctx context.Context, status domain.JobStatus) ([]*domain.Job, error) {
	var jobs []*domain.Job
	err := r.db.WithContext(ctx).
		Where("status = ?", status).
		Order("created_at ASC"). // 先进先出
		Find(&jobs).Error
	return jobs, err
}
