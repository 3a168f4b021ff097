package domain

import (
	"time"
)

type JobStatus string

const (
	JobStatusQueued    JobStatus = "queued"
	JobStatusRunning   JobStatus = "running"
	JobStatusCompleted JobStatus = "completed"
	JobStatusFailed    JobStatus = "failed"
	JobStatusCancelled JobStatus = "cancelled"
)

// FailureType 失败类型
type FailureType string

const (
	FailureTypeNone          FailureType = ""              // 无失败（成功或进行中）
	FailureTypeMissingClass  FailureType = "missing_class" // 严格模式下依赖缺失（警告-需补充依赖）
	FailureTypeCyclic        FailureType = "cyclic"        // 继承关系成环（警告-输入损坏）
	FailureTypeSerialization FailureType = "serialization" // 降级后仍无法序列化（异常-程序问题）
	FailureTypeIO            FailureType = "io"            // 读写归档失败（异常-环境问题）
	FailureTypeInvalidInput  FailureType = "invalid_input" // 输入不是合法归档（警告）
	FailureTypeUnknown       FailureType = "unknown"       // 未知错误（异常）
)

// FailureSeverity 失败严重程度
type FailureSeverity string

const (
	FailureSeverityNormal  FailureSeverity = "normal"  // 正常
	FailureSeverityWarning FailureSeverity = "warning" // 警告（需要关注）
	FailureSeverityError   FailureSeverity = "error"   // 错误（需要排查）
)

// GetSeverity 获取失败类型对应的严重程度
func (ft FailureType) GetSeverity() FailureSeverity {
	switch ft {
	case FailureTypeNone:
		return FailureSeverityNormal
	case FailureTypeMissingClass, FailureTypeCyclic, FailureTypeInvalidInput:
		return FailureSeverityWarning
	default:
		return FailureSeverityError
	}
}

// GetDisplayName 获取失败类型的中文显示名称
func (ft FailureType) GetDisplayName() string {
	switch ft {
	case FailureTypeNone:
		return ""
	case FailureTypeMissingClass:
		return "依赖缺失"
	case FailureTypeCyclic:
		return "继承成环"
	case FailureTypeSerialization:
		return "序列化失败"
	case FailureTypeIO:
		return "读写失败"
	case FailureTypeInvalidInput:
		return "输入无效"
	default:
		return "未知错误"
	}
}

// GetMaxRetryCount 获取失败类型对应的最大重试次数
// 返回 0 表示不重试
func (ft FailureType) GetMaxRetryCount() int {
	switch ft {
	case FailureTypeIO:
		return 3 // 存储或网络问题，可重试
	case FailureTypeUnknown:
		return 1
	default:
		return 0 // 输入本身的问题，重试无意义
	}
}

// CanRetry 检查失败类型是否可以重试
func (ft FailureType) CanRetry() bool {
	return ft.GetMaxRetryCount() > 0
}

// Job 混淆任务表
type Job struct {
	ID              string      `gorm:"primaryKey;type:varchar(36)" json:"id"`
	InputName       string      `gorm:"type:varchar(255);not null" json:"input_name"`
	InputKey        string      `gorm:"type:varchar(512);not null" json:"input_key"`
	OutputKey       string      `gorm:"type:varchar(512)" json:"output_key,omitempty"`
	Status          JobStatus   `gorm:"type:varchar(20);not null;default:'queued';index:idx_status" json:"status"`
	FailureType     FailureType `gorm:"type:varchar(30);default:''" json:"failure_type,omitempty"`
	ErrorMessage    string      `gorm:"type:text" json:"error_message,omitempty"`
	RetryCount      int         `gorm:"default:0" json:"retry_count"`
	CreatedAt       time.Time   `gorm:"not null" json:"created_at"`
	StartedAt       *time.Time  `json:"started_at,omitempty"`
	CompletedAt     *time.Time  `json:"completed_at,omitempty"`
	CurrentStep     string      `gorm:"type:varchar(255)" json:"current_step,omitempty"`
	ProgressPercent int         `gorm:"default:0" json:"progress_percent"`

	// 处理结果统计
	ClassCount     int    `gorm:"default:0" json:"class_count"`
	LibraryCount   int    `gorm:"default:0" json:"library_count"`
	RenamedClasses int    `gorm:"default:0" json:"renamed_classes"`
	RenamedMembers int    `gorm:"default:0" json:"renamed_members"`
	EntryPoint     string `gorm:"type:varchar(512)" json:"entry_point,omitempty"`
	NewEntryPoint  string `gorm:"type:varchar(512)" json:"new_entry_point,omitempty"`
}

func (Job) TableName() string {
	return "obf_jobs"
}

// MappingKind 映射类别
type MappingKind string

const (
	MappingKindClass  MappingKind = "class"
	MappingKindMethod MappingKind = "method"
	MappingKindField  MappingKind = "field"
)

// MappingEntry 重命名映射表，保留用于对外报告与反混淆堆栈
type MappingEntry struct {
	ID         uint        `gorm:"primaryKey;autoIncrement" json:"id"`
	JobID      string      `gorm:"type:varchar(36);index:idx_job_id;not null" json:"job_id"`
	Kind       MappingKind `gorm:"type:varchar(10);not null" json:"kind"`
	Owner      string      `gorm:"type:varchar(512)" json:"owner,omitempty"`
	OldName    string      `gorm:"type:varchar(512);not null" json:"old_name"`
	Descriptor string      `gorm:"type:varchar(1024)" json:"descriptor,omitempty"`
	NewName    string      `gorm:"type:varchar(512);not null" json:"new_name"`
	CreatedAt  time.Time   `json:"created_at"`
}

func (MappingEntry) TableName() string {
	return "obf_mappings"
}
