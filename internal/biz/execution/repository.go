package execution

import (
	"context"
	"time"

	"github.com/jobs/opsmonitor/internal/infra/persistence/commonrepo"
	"github.com/samber/mo"
)

type Repo interface {
	commonrepo.Transaction
	Create(ctx context.Context, execution *JobExecution) error
	GetByID(ctx context.Context, id uint64) (*JobExecution, error)

	// MarkRunning persists a pending -> running move together with the seeded heartbeat.
	MarkRunning(ctx context.Context, execution *JobExecution) error
	// Heartbeat writes the heartbeat fields of a running record. It returns
	// errs.ErrAlreadyFinalized when the stored record is no longer running.
	Heartbeat(ctx context.Context, id uint64, at time.Time) error
	UpdateProgress(ctx context.Context, id uint64, progress int, at time.Time) error
	// Finalize stores a terminal record only if the stored status is still
	// pending or running; otherwise errs.ErrAlreadyFinalized.
	Finalize(ctx context.Context, execution *JobExecution) error

	FindRunning(ctx context.Context) ([]*JobExecution, error)
	// FindStuck returns running records whose heartbeat is absent or older than before.
	FindStuck(ctx context.Context, before time.Time) ([]*JobExecution, error)
	ListRecent(ctx context.Context, filter HistoryFilter, limit int) ([]*JobExecution, error)
	AggregateByStatus(ctx context.Context, query StatsQuery) ([]StatusAggregate, error)
	DurationSamples(ctx context.Context, query StatsQuery) ([]DurationSample, error)
	DeleteTerminalBefore(ctx context.Context, cutoff time.Time) (int64, error)
}

type HistoryFilter struct {
	JobName mo.Option[string]
	Status  mo.Option[ExecutionStatus]
}

type StatsQuery struct {
	Since   time.Time
	JobName mo.Option[string]
}

// StatusAggregate is one (job name, status) group of the statistics query.
// Durations are zero when no record in the group has a duration.
type StatusAggregate struct {
	JobName       string
	Status        ExecutionStatus
	Count         int64
	AvgDuration   time.Duration
	MinDuration   time.Duration
	MaxDuration   time.Duration
	LastStartTime time.Time
}

type DurationSample struct {
	Status   ExecutionStatus
	Duration time.Duration
}
