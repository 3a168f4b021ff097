package repository

import (
	"context"

	"github.com/sirupsen/logrus"
	"gorm.io/gorm"

	"github.com/jar-obfuscator/jobf-go/internal/domain"
)

// mappingBatchSize 批量写入映射的单批条数
const mappingBatchSize = 500

// MappingRepository 重命名映射仓库
type MappingRepository interface {
	// 批量保存一个任务的映射，先清除该任务已有的映射
	SaveAll(ctx context.Context, jobID string, entries []domain.MappingEntry) error
	// 分页查询，kind 为空时返回全部类别
	ListByJob(ctx context.Context, jobID string, kind domain.MappingKind, page int, pageSize int) ([]*domain.MappingEntry, int64, error)
	CountByJob(ctx context.Context, jobID string) (int64, error)
}

type mappingRepo struct {
	db     *gorm.DB
	logger *logrus.Logger
}

// NewMappingRepository 创建映射仓库
func NewMappingRepository(db *gorm.DB, logger *logrus.Logger) MappingRepository {
	return &mappingRepo{db: db, logger: logger}
}

func (r *mappingRepo) SaveAll(ctx context.Context, jobID string, entries []domain.MappingEntry) error {
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("job_id = ?", jobID).Delete(&domain.MappingEntry{}).Error; err != nil {
			return err
		}
		if len(entries) == 0 {
			return nil
		}
		rows := make([]domain.MappingEntry, len(entries))
		for i, e := range entries {
			e.ID = 0
			e.JobID = jobID
			rows[i] = e
		}
		if err := tx.CreateInBatches(rows, mappingBatchSize).Error; err != nil {
			return err
		}
		r.logger.WithFields(logrus.Fields{
			"job_id":  jobID,
			"entries": len(rows),
		}).Debug("Mappings saved")
		return nil
	})
}

func (r *mappingRepo) ListByJob(ctx context.Context, jobID string, kind domain.MappingKind, page int, pageSize int) ([]*domain.MappingEntry, int64, error) {
	var entries []*domain.MappingEntry
	var total int64

	query := r.db.WithContext(ctx).Model(&domain.MappingEntry{}).Where("job_id = ?", jobID)
	if kind != "" {
		query = query.Where("kind = ?", kind)
	}
	if err := query.Count(&total).Error; err != nil {
		return nil, 0, err
	}

	if page < 1 {
		page = 1
	}
	err := query.
		Order("id ASC").
		Offset((page - 1) * pageSize).
		Limit(pageSize).
		Find(&entries).Error
	return entries, total, err
}

func (r *mappingRepo) CountByJob(ctx context.Context, jobID string) (int64, error) {
	var total int64
	err := r.db.WithContext(ctx).
		Model(&domain.MappingEntry{}).
		Where("job_id = ?", jobID).
		Count(&total).Error
	return total, err
}
