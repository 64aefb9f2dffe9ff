package monitor

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/google/wire"
	"github.com/jobs/opsmonitor/internal/alerting"
	"github.com/jobs/opsmonitor/internal/biz/execution"
	"github.com/jobs/opsmonitor/internal/domain/errs"
	"github.com/jobs/opsmonitor/internal/telemetry"
	"github.com/jobs/opsmonitor/pkg/config"
	"github.com/samber/lo"
	"go.uber.org/zap"
)

var Provider = wire.NewSet(NewOrchestrator)

const (
	defaultHeartbeatInterval = 30 * time.Second
	defaultStuckAfter        = 30 * time.Minute
)

// AlertSender is the part of the alert dispatcher the orchestrator needs.
type AlertSender interface {
	SendAlert(ctx context.Context, alertType alerting.AlertType, level alerting.AlertLevel, title, message string, metadata map[string]any) bool
}

type JobOptions struct {
	Name       string
	Type       execution.JobType
	MaxRetries int
	// Timeout bounds the run; zero means no deadline.
	Timeout  time.Duration
	Metadata map[string]any
}

// JobFunc is the supervised unit of work. ctx is cancelled as soon as the
// execution reaches a terminal status.
type JobFunc func(ctx context.Context, jc *JobContext) (map[string]any, error)

// Orchestrator runs jobs under supervision: it persists their lifecycle,
// keeps their heartbeat fresh, enforces deadlines and raises alerts on
// failure and timeout.
type Orchestrator struct {
	cfg     config.MonitorConfig
	store   *execution.Store
	alerts  AlertSender
	metrics *telemetry.Metrics
	logger  *zap.Logger

	mu     sync.Mutex
	active map[uint64]*supervision
}

func NewOrchestrator(cfg config.MonitorConfig, store *execution.Store, alerts AlertSender, metrics *telemetry.Metrics, logger *zap.Logger) *Orchestrator {
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = defaultHeartbeatInterval
	}
	if cfg.StuckAfter <= 0 {
		cfg.StuckAfter = defaultStuckAfter
	}
	return &Orchestrator{
		cfg:     cfg,
		store:   store,
		alerts:  alerts,
		metrics: metrics,
		logger:  logger.Named("monitor"),
		active:  make(map[uint64]*supervision),
	}
}

// Execute runs fn and blocks until its execution is finalized, either by fn
// returning, by an explicit terminal call on the JobContext, by the deadline
// or by a cancellation. Cancelling ctx cancels the execution.
func (o *Orchestrator) Execute(ctx context.Context, opts JobOptions, fn JobFunc) (map[string]any, error) {
	if opts.Type == "" {
		opts.Type = execution.JobTypeCustom
	}
	if opts.MaxRetries <= 0 {
		opts.MaxRetries = o.cfg.DefaultMaxRetries
	}
	storeCtx := context.WithoutCancel(ctx)

	persisted := true
	rec, err := o.store.Create(storeCtx, opts.Name, opts.Type, opts.Metadata, opts.MaxRetries)
	switch {
	case err == nil:
		err = o.store.TransitionToRunning(storeCtx, rec)
		if err != nil && !errors.Is(err, errs.ErrDependencyUnavailable) {
			return nil, err
		}
		if err != nil {
			o.logger.Error("failed to mark job execution running",
				zap.String("job_name", rec.JobName),
				zap.Uint64("execution_id", rec.ID),
				zap.Error(err))
		}
	case rec != nil && errors.Is(err, errs.ErrDependencyUnavailable):
		o.logger.Error("failed to persist job execution, running without storage",
			zap.String("job_name", rec.JobName),
			zap.Uint64("execution_id", rec.ID),
			zap.Error(err))
		persisted = false
		_ = rec.StartRunning(o.store.Now())
	default:
		return nil, err
	}

	workCtx, cancel := context.WithCancel(storeCtx)
	s := newSupervision(o, rec, persisted, cancel)
	o.register(s)
	s.start(opts.Timeout)

	o.logger.Info("job execution started",
		zap.String("job_name", rec.JobName),
		zap.String("job_type", string(rec.JobType)),
		zap.Uint64("execution_id", rec.ID),
		zap.Duration("timeout", opts.Timeout))

	jc := &JobContext{s: s, ctx: storeCtx}
	go o.run(workCtx, s, jc, fn)

	select {
	case <-s.done:
	case <-ctx.Done():
		if err := s.finish(storeCtx, finishRequest{to: execution.ExecutionStatusCancelled}); err != nil &&
			!errors.Is(err, errs.ErrAlreadyFinalized) {
			o.logger.Warn("failed to cancel job execution",
				zap.Uint64("execution_id", rec.ID), zap.Error(err))
			s.abandon(err)
		}
		<-s.done
	}
	return s.outcome()
}

// run invokes fn and settles the execution with its outcome. A panic is
// recovered and recorded as a failure.
func (o *Orchestrator) run(ctx context.Context, s *supervision, jc *JobContext, fn JobFunc) {
	var (
		result map[string]any
		runErr error
	)
	defer func() {
		if r := recover(); r != nil {
			runErr = errors.Newf("job panicked: %v", r)
			o.logger.Error("job execution panicked",
				zap.Uint64("execution_id", s.id()),
				zap.Any("panic", r),
				zap.Stack("stack"))
		}

		req := finishRequest{to: execution.ExecutionStatusCompleted, result: result}
		if runErr != nil {
			req = finishRequest{to: execution.ExecutionStatusFailed, cause: runErr}
		}
		err := s.finish(jc.ctx, req)
		if errors.Is(err, errs.ErrAlreadyFinalized) {
			o.logger.Debug("job returned after its execution was finalized",
				zap.Uint64("execution_id", s.id()),
				zap.NamedError("job_error", runErr))
		} else if err != nil {
			o.logger.Error("failed to finalize job execution",
				zap.Uint64("execution_id", s.id()),
				zap.Error(err))
			s.abandon(errors.CombineErrors(runErr, err))
		}
	}()
	result, runErr = fn(ctx, jc)
}

func (o *Orchestrator) register(s *supervision) {
	o.mu.Lock()
	o.active[s.id()] = s
	n := len(o.active)
	o.mu.Unlock()
	o.metrics.SetActiveJobs(n)
}

func (o *Orchestrator) unregister(s *supervision) {
	o.mu.Lock()
	delete(o.active, s.id())
	n := len(o.active)
	o.mu.Unlock()
	o.metrics.SetActiveJobs(n)
}

func (o *Orchestrator) lookup(id uint64) (*supervision, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	s, ok := o.active[id]
	return s, ok
}

// ActiveCount is the number of executions supervised by this process.
func (o *Orchestrator) ActiveCount() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.active)
}

// reported is called once per execution finalized by this process.
func (o *Orchestrator) reported(ctx context.Context, rec execution.JobExecution, stuck bool) {
	elapsed := rec.Elapsed(o.store.Now())
	o.metrics.JobFinished(string(rec.JobType), string(rec.Status), elapsed)

	fields := []zap.Field{
		zap.String("job_name", rec.JobName),
		zap.String("job_type", string(rec.JobType)),
		zap.Uint64("execution_id", rec.ID),
		zap.String("status", string(rec.Status)),
		zap.Duration("duration", elapsed),
	}
	switch rec.Status {
	case execution.ExecutionStatusCompleted:
		o.logger.Info("job execution completed", fields...)
	case execution.ExecutionStatusCancelled:
		o.logger.Warn("job execution cancelled", fields...)
	case execution.ExecutionStatusFailed:
		o.logger.Error("job execution failed", append(fields, zap.String("error", errorMessage(rec)))...)
		o.alertFailure(ctx, rec, elapsed)
	case execution.ExecutionStatusTimeout:
		o.logger.Error("job execution timeout", fields...)
		if stuck {
			o.alertStuck(ctx, rec)
		} else {
			o.alertTimeout(ctx, rec, elapsed)
		}
	}
}

func (o *Orchestrator) alertFailure(ctx context.Context, rec execution.JobExecution, elapsed time.Duration) {
	o.sendAlert(ctx,
		fmt.Sprintf("Job execution failed: %s", rec.JobName),
		fmt.Sprintf("Job %s failed after %dms. Error: %s", rec.JobName, elapsed.Milliseconds(), errorMessage(rec)),
		map[string]any{
			"jobName":     rec.JobName,
			"jobType":     rec.JobType,
			"executionId": rec.ID,
			"duration":    elapsed.Milliseconds(),
			"retryCount":  rec.RetryCount,
		})
}

func (o *Orchestrator) alertTimeout(ctx context.Context, rec execution.JobExecution, elapsed time.Duration) {
	o.sendAlert(ctx,
		fmt.Sprintf("Job execution timeout: %s", rec.JobName),
		fmt.Sprintf("Job %s exceeded its execution time limit after %dms", rec.JobName, elapsed.Milliseconds()),
		map[string]any{
			"jobName":     rec.JobName,
			"jobType":     rec.JobType,
			"executionId": rec.ID,
			"duration":    elapsed.Milliseconds(),
		})
}

func (o *Orchestrator) alertStuck(ctx context.Context, rec execution.JobExecution) {
	var lastHeartbeat any
	if rec.LastHeartbeat != nil {
		lastHeartbeat = rec.LastHeartbeat.UTC().Format(time.RFC3339)
	}
	minutes := int(o.cfg.StuckAfter.Minutes())
	o.sendAlert(ctx,
		fmt.Sprintf("Stuck job detected: %s", rec.JobName),
		fmt.Sprintf("Job %s has been stuck for more than %d minutes. Last heartbeat: %v", rec.JobName, minutes, lastHeartbeat),
		map[string]any{
			"jobName":        rec.JobName,
			"jobType":        rec.JobType,
			"executionId":    rec.ID,
			"lastHeartbeat":  lastHeartbeat,
			"timeoutMinutes": minutes,
		})
}

func (o *Orchestrator) sendAlert(ctx context.Context, title, message string, metadata map[string]any) {
	if o.alerts == nil {
		return
	}
	o.alerts.SendAlert(ctx, alerting.AlertTypeDataValidation, alerting.AlertLevelCritical, title, message, metadata)
}

func errorMessage(rec execution.JobExecution) string {
	if rec.Error == nil {
		return "unknown error"
	}
	return rec.Error.Message
}

// Cancel cancels a running execution. Executions supervised here stop their
// work; others are cancelled in storage only. Pending executions are rejected.
func (o *Orchestrator) Cancel(ctx context.Context, id uint64) (*execution.JobExecution, error) {
	if s, ok := o.lookup(id); ok {
		if err := s.finish(ctx, finishRequest{to: execution.ExecutionStatusCancelled}); err != nil {
			return nil, err
		}
		snapshot := s.snapshot()
		return &snapshot, nil
	}

	rec, err := o.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	switch {
	case rec.Status.IsTerminal():
		return nil, errors.Wrapf(errs.ErrAlreadyFinalized, "execution %d is %s", id, rec.Status)
	case rec.Status != execution.ExecutionStatusRunning:
		return nil, errors.Wrapf(errs.ErrInvalidTransition, "execution %d is %s, only running executions can be cancelled", id, rec.Status)
	}
	if err := o.store.Cancel(ctx, rec); err != nil {
		return nil, err
	}
	o.reported(ctx, *rec, false)
	return rec, nil
}

// SweepStuck finalizes running executions whose heartbeat is older than
// staleAfter as timed out, and returns how many it finalized. Executions
// finalized concurrently by someone else are skipped.
func (o *Orchestrator) SweepStuck(ctx context.Context, staleAfter time.Duration) (int, error) {
	if staleAfter <= 0 {
		staleAfter = o.cfg.StuckAfter
	}
	stuck, err := o.store.FindStuck(ctx, staleAfter)
	if err != nil {
		return 0, errors.Wrap(err, "find stuck job executions")
	}
	if len(stuck) == 0 {
		return 0, nil
	}
	o.logger.Warn("found stuck jobs", zap.Int("count", len(stuck)))

	reason := fmt.Sprintf("Job stuck: no heartbeat for %s", staleAfter)
	finalized := 0
	var failures []error
	for _, rec := range stuck {
		if s, ok := o.lookup(rec.ID); ok {
			err = s.finish(ctx, finishRequest{to: execution.ExecutionStatusTimeout, reason: reason, stuck: true})
		} else {
			err = o.store.Timeout(ctx, rec, reason)
			if err == nil {
				o.reported(ctx, *rec, true)
			}
		}

		switch {
		case err == nil:
			finalized++
		case errors.Is(err, errs.ErrAlreadyFinalized):
			o.logger.Debug("stuck job already finalized", zap.Uint64("execution_id", rec.ID))
		default:
			o.logger.Error("failed to finalize stuck job",
				zap.Uint64("execution_id", rec.ID),
				zap.String("job_name", rec.JobName),
				zap.Error(err))
			failures = append(failures, err)
		}
	}
	if len(failures) > 0 {
		return finalized, errors.Wrapf(errors.Join(failures...), "%d stuck job executions could not be finalized", len(failures))
	}
	return finalized, nil
}

// Execution returns the live record for executions supervised here, the
// stored one otherwise.
func (o *Orchestrator) Execution(ctx context.Context, id uint64) (*execution.JobExecution, error) {
	if s, ok := o.lookup(id); ok {
		snapshot := s.snapshot()
		return &snapshot, nil
	}
	return o.store.Get(ctx, id)
}

// Running lists running executions from storage, overlaid with the live
// records of executions supervised here.
func (o *Orchestrator) Running(ctx context.Context) ([]*execution.JobExecution, error) {
	stored, err := o.store.FindRunning(ctx)
	if err != nil {
		return nil, err
	}
	seen := make(map[uint64]bool, len(stored))
	for i, rec := range stored {
		seen[rec.ID] = true
		if s, ok := o.lookup(rec.ID); ok {
			snapshot := s.snapshot()
			stored[i] = &snapshot
		}
	}

	o.mu.Lock()
	local := lo.Values(o.active)
	o.mu.Unlock()
	for _, s := range local {
		if seen[s.id()] {
			continue
		}
		if snapshot := s.snapshot(); snapshot.Status == execution.ExecutionStatusRunning {
			stored = append(stored, &snapshot)
		}
	}
	return stored, nil
}

func (o *Orchestrator) Statistics(ctx context.Context, jobName string, days int) ([]execution.JobStatistics, error) {
	return o.store.Statistics(ctx, jobName, days)
}

func (o *Orchestrator) History(ctx context.Context, jobName string, limit int, status execution.ExecutionStatus) ([]*execution.JobExecution, error) {
	return o.store.RecentHistory(ctx, jobName, limit, status)
}

func (o *Orchestrator) Performance(ctx context.Context, jobName string, days int) (execution.PerformanceMetrics, error) {
	return o.store.PerformanceMetrics(ctx, jobName, days)
}

// Cleanup deletes finished executions older than days; zero uses the
// configured retention.
func (o *Orchestrator) Cleanup(ctx context.Context, days int) (int64, error) {
	if days <= 0 {
		days = o.cfg.RetentionDays
	}
	removed, err := o.store.DeleteTerminalOlderThan(ctx, days)
	if err != nil {
		return 0, err
	}
	o.logger.Info("old job executions removed",
		zap.Int("retention_days", days),
		zap.Int64("removed", removed))
	return removed, nil
}
