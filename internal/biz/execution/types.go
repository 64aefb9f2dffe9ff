package execution

type ExecutionStatus string

const (
	ExecutionStatusPending   ExecutionStatus = "pending"
	ExecutionStatusRunning   ExecutionStatus = "running"
	ExecutionStatusCompleted ExecutionStatus = "completed"
	ExecutionStatusFailed    ExecutionStatus = "failed"
	ExecutionStatusTimeout   ExecutionStatus = "timeout"
	ExecutionStatusCancelled ExecutionStatus = "cancelled"
)

// ActiveStatuses are the only statuses a record can leave.
var ActiveStatuses = []ExecutionStatus{ExecutionStatusPending, ExecutionStatusRunning}

// TerminalStatuses are final; a record in one of them is never mutated again.
var TerminalStatuses = []ExecutionStatus{
	ExecutionStatusCompleted,
	ExecutionStatusFailed,
	ExecutionStatusTimeout,
	ExecutionStatusCancelled,
}

func (s ExecutionStatus) IsTerminal() bool {
	switch s {
	case ExecutionStatusCompleted, ExecutionStatusFailed, ExecutionStatusTimeout, ExecutionStatusCancelled:
		return true
	}
	return false
}

func (s ExecutionStatus) IsValid() bool {
	return s == ExecutionStatusPending || s == ExecutionStatusRunning || s.IsTerminal()
}

type JobType string

const (
	JobTypeDailyMetrics   JobType = "daily_metrics"
	JobTypeHealthCheck    JobType = "health_check"
	JobTypeDataValidation JobType = "data_validation"
	JobTypeCleanup        JobType = "cleanup"
	JobTypeCustom         JobType = "custom"
)

func (t JobType) IsValid() bool {
	switch t {
	case JobTypeDailyMetrics, JobTypeHealthCheck, JobTypeDataValidation, JobTypeCleanup, JobTypeCustom:
		return true
	}
	return false
}

const (
	ErrorCodeJobFailed  = "JOB_FAILED"
	ErrorCodeJobTimeout = "JOB_TIMEOUT"
)
