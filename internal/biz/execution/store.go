package execution

import (
	"context"
	"strings"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/google/wire"
	"github.com/jobs/opsmonitor/internal/domain/errs"
	"github.com/jobs/opsmonitor/pkg/ids"
	"github.com/samber/mo"
)

var Provider = wire.NewSet(NewStore)

const (
	defaultHistoryLimit = 50
	maxHistoryLimit     = 500
)

// Store applies lifecycle transitions to job execution records and persists
// them. Transitions are validated in memory first; the repository enforces
// that a terminal record is never written twice.
type Store struct {
	repo Repo
	now  func() time.Time
}

func NewStore(repo Repo) *Store {
	return &Store{repo: repo, now: time.Now}
}

// WithClock replaces the store's time source.
func (s *Store) WithClock(now func() time.Time) *Store {
	s.now = now
	return s
}

func (s *Store) Now() time.Time {
	return s.now()
}

// Create builds a pending record and persists it. When persistence fails the
// unpersisted record is still returned along with an error marked
// errs.ErrDependencyUnavailable, so callers can keep running the work.
func (s *Store) Create(ctx context.Context, jobName string, jobType JobType, metadata map[string]any, maxRetries int) (*JobExecution, error) {
	jobName = strings.TrimSpace(jobName)
	if jobName == "" {
		return nil, errors.New("job name is required")
	}
	if !jobType.IsValid() {
		return nil, errors.Newf("unknown job type %q", jobType)
	}

	rec := New(ids.Next(), jobName, jobType, metadata, maxRetries, s.now())
	if err := s.repo.Create(ctx, rec); err != nil {
		return rec, errs.Unavailable(err, "job store")
	}
	return rec, nil
}

func (s *Store) TransitionToRunning(ctx context.Context, rec *JobExecution) error {
	next := *rec
	if err := next.StartRunning(s.now()); err != nil {
		return err
	}
	*rec = next
	return s.persist(s.repo.MarkRunning(ctx, rec))
}

func (s *Store) Heartbeat(ctx context.Context, rec *JobExecution) error {
	next := *rec
	if err := next.Beat(s.now()); err != nil {
		return err
	}
	*rec = next
	return s.persist(s.repo.Heartbeat(ctx, rec.ID, *rec.Heartbeat))
}

func (s *Store) SetProgress(ctx context.Context, rec *JobExecution, progress int) error {
	next := *rec
	if err := next.SetProgress(progress, s.now()); err != nil {
		return err
	}
	*rec = next
	return s.persist(s.repo.UpdateProgress(ctx, rec.ID, rec.Progress, *rec.Heartbeat))
}

func (s *Store) Complete(ctx context.Context, rec *JobExecution, result map[string]any) error {
	return s.finalize(ctx, rec, func(e *JobExecution, now time.Time) error {
		return e.Complete(result, now)
	})
}

func (s *Store) Fail(ctx context.Context, rec *JobExecution, cause error) error {
	return s.finalize(ctx, rec, func(e *JobExecution, now time.Time) error {
		return e.Fail(cause, now)
	})
}

func (s *Store) Timeout(ctx context.Context, rec *JobExecution, reason string) error {
	return s.finalize(ctx, rec, func(e *JobExecution, now time.Time) error {
		return e.Timeout(reason, now)
	})
}

func (s *Store) Cancel(ctx context.Context, rec *JobExecution) error {
	return s.finalize(ctx, rec, func(e *JobExecution, now time.Time) error {
		return e.Cancel(now)
	})
}

// finalize applies a terminal transition to a copy and writes it with the
// repository's conditional update. If another writer finalized the record
// first, rec is refreshed from storage and errs.ErrAlreadyFinalized returned.
func (s *Store) finalize(ctx context.Context, rec *JobExecution, apply func(*JobExecution, time.Time) error) error {
	next := *rec
	if err := apply(&next, s.now()); err != nil {
		return err
	}

	err := s.repo.Finalize(ctx, &next)
	if errors.Is(err, errs.ErrAlreadyFinalized) {
		if stored, getErr := s.repo.GetByID(ctx, rec.ID); getErr == nil {
			*rec = *stored
		}
		return err
	}
	*rec = next
	return s.persist(err)
}

func (s *Store) persist(err error) error {
	if err == nil || errors.Is(err, errs.ErrAlreadyFinalized) || errors.Is(err, errs.ErrNotFound) {
		return err
	}
	return errs.Unavailable(err, "job store")
}

func (s *Store) Get(ctx context.Context, id uint64) (*JobExecution, error) {
	return s.repo.GetByID(ctx, id)
}

func (s *Store) FindRunning(ctx context.Context) ([]*JobExecution, error) {
	return s.repo.FindRunning(ctx)
}

// FindStuck returns running records whose heartbeat is missing or older than
// staleAfter.
func (s *Store) FindStuck(ctx context.Context, staleAfter time.Duration) ([]*JobExecution, error) {
	return s.repo.FindStuck(ctx, s.now().Add(-staleAfter))
}

// Statistics aggregates executions started within the last windowDays days.
// An empty jobName covers every job.
func (s *Store) Statistics(ctx context.Context, jobName string, windowDays int) ([]JobStatistics, error) {
	aggs, err := s.repo.AggregateByStatus(ctx, s.statsQuery(jobName, windowDays))
	if err != nil {
		return nil, err
	}
	return BuildStatistics(aggs), nil
}

func (s *Store) PerformanceMetrics(ctx context.Context, jobName string, days int) (PerformanceMetrics, error) {
	if days <= 0 {
		days = 7
	}
	samples, err := s.repo.DurationSamples(ctx, s.statsQuery(jobName, days))
	if err != nil {
		return PerformanceMetrics{}, err
	}
	return BuildPerformance(samples, days), nil
}

// RecentHistory lists the newest executions first. limit is clamped to
// 1..500 and defaults to 50.
func (s *Store) RecentHistory(ctx context.Context, jobName string, limit int, status ExecutionStatus) ([]*JobExecution, error) {
	switch {
	case limit <= 0:
		limit = defaultHistoryLimit
	case limit > maxHistoryLimit:
		limit = maxHistoryLimit
	}
	filter := HistoryFilter{JobName: optionalName(jobName)}
	if status != "" {
		if !status.IsValid() {
			return nil, errors.Newf("unknown execution status %q", status)
		}
		filter.Status = mo.Some(status)
	}
	return s.repo.ListRecent(ctx, filter, limit)
}

// DeleteTerminalOlderThan removes finished records that started more than
// days ago. Running and pending records are never removed.
func (s *Store) DeleteTerminalOlderThan(ctx context.Context, days int) (int64, error) {
	if days <= 0 {
		return 0, errors.Newf("retention must be at least one day, got %d", days)
	}
	return s.repo.DeleteTerminalBefore(ctx, s.now().AddDate(0, 0, -days))
}

func (s *Store) statsQuery(jobName string, windowDays int) StatsQuery {
	if windowDays <= 0 {
		windowDays = 30
	}
	return StatsQuery{
		Since:   s.now().AddDate(0, 0, -windowDays),
		JobName: optionalName(jobName),
	}
}

func optionalName(name string) mo.Option[string] {
	name = strings.TrimSpace(name)
	if name == "" {
		return mo.None[string]()
	}
	return mo.Some(name)
}
