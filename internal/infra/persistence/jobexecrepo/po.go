package jobexecrepo

import (
	"time"

	domain "github.com/jobs/opsmonitor/internal/biz/execution"
	"github.com/jobs/opsmonitor/internal/infra/persistence/commonrepo"
	"gorm.io/datatypes"
)

type JobExecution struct {
	commonrepo.Model
	JobName       string                 `gorm:"column:job_name;size:255;not null;index;index:idx_job_name_start"`
	JobType       domain.JobType         `gorm:"column:job_type;size:50;not null;index"`
	Status        domain.ExecutionStatus `gorm:"column:status;size:20;not null;index;index:idx_status_heartbeat"`
	StartTime     time.Time              `gorm:"column:start_time;not null;index;index:idx_job_name_start"`
	EndTime       *time.Time             `gorm:"column:end_time"`
	DurationMs    *int64                 `gorm:"column:duration_ms"`
	Heartbeat     *time.Time             `gorm:"column:heartbeat;index:idx_status_heartbeat"`
	LastHeartbeat *time.Time             `gorm:"column:last_heartbeat"`
	Progress      int                    `gorm:"column:progress;not null;default:0"`
	Metadata      datatypes.JSONMap      `gorm:"column:metadata;type:json"`
	Result        datatypes.JSONMap      `gorm:"column:result;type:json"`
	ErrorMessage  *string                `gorm:"column:error_message;type:text"`
	ErrorStack    *string                `gorm:"column:error_stack;type:text"`
	ErrorCode     *string                `gorm:"column:error_code;size:64"`
	RetryCount    int                    `gorm:"column:retry_count;not null;default:0"`
	MaxRetries    int                    `gorm:"column:max_retries;not null;default:3"`
}

func (JobExecution) TableName() string {
	return "job_executions"
}

// statusAggregateRow is one row of the GROUP BY (job_name, status) query.
type statusAggregateRow struct {
	JobName       string
	Status        domain.ExecutionStatus
	Count         int64
	AvgDuration   *float64
	MinDuration   *int64
	MaxDuration   *int64
	LastStartTime scannedTime
}

type durationRow struct {
	Status     domain.ExecutionStatus
	DurationMs int64
}
