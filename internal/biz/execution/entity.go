package execution

import (
	"fmt"
	"time"

	"github.com/jobs/opsmonitor/internal/domain/errs"
)

// JobExecution is one tracked attempt to run a named unit of background work.
type JobExecution struct {
	ID        uint64
	CreatedAt time.Time
	UpdatedAt time.Time

	JobName       string
	JobType       JobType
	Status        ExecutionStatus
	StartTime     time.Time
	EndTime       *time.Time
	Duration      *time.Duration
	Heartbeat     *time.Time
	LastHeartbeat *time.Time
	Progress      int
	Metadata      map[string]any
	Result        map[string]any
	Error         *JobError
	RetryCount    int
	MaxRetries    int
}

// JobError is the failure detail stored on failed and timed out records.
type JobError struct {
	Message string
	Stack   string
	Code    string
}

func New(id uint64, jobName string, jobType JobType, metadata map[string]any, maxRetries int, now time.Time) *JobExecution {
	if metadata == nil {
		metadata = make(map[string]any)
	}
	if maxRetries < 0 {
		maxRetries = 0
	}
	return &JobExecution{
		ID:         id,
		JobName:    jobName,
		JobType:    jobType,
		Status:     ExecutionStatusPending,
		StartTime:  now,
		Metadata:   metadata,
		MaxRetries: maxRetries,
	}
}

// StartRunning moves a pending record to running. The heartbeat is seeded so
// a job that just started is never reported as stuck.
func (e *JobExecution) StartRunning(now time.Time) error {
	if e.Status.IsTerminal() {
		return errs.ErrAlreadyFinalized
	}
	if e.Status != ExecutionStatusPending {
		return errs.ErrInvalidTransition
	}
	e.Status = ExecutionStatusRunning
	e.beat(now)
	return nil
}

// Beat refreshes both heartbeat fields. Heartbeats never move backwards.
func (e *JobExecution) Beat(now time.Time) error {
	if e.Status.IsTerminal() {
		return errs.ErrAlreadyFinalized
	}
	e.beat(now)
	return nil
}

func (e *JobExecution) beat(now time.Time) {
	if e.Heartbeat != nil && now.Before(*e.Heartbeat) {
		now = *e.Heartbeat
	}
	hb, last := now, now
	e.Heartbeat = &hb
	e.LastHeartbeat = &last
}

// SetProgress clamps p to 0..100 and refreshes the heartbeat. Progress is not
// forced to be monotonic; callers may reset it.
func (e *JobExecution) SetProgress(p int, now time.Time) error {
	if e.Status.IsTerminal() {
		return errs.ErrAlreadyFinalized
	}
	e.Progress = min(100, max(0, p))
	e.beat(now)
	return nil
}

func (e *JobExecution) Complete(result map[string]any, now time.Time) error {
	if err := e.checkFinalizable(false); err != nil {
		return err
	}
	e.Status = ExecutionStatusCompleted
	e.Progress = 100
	if result != nil {
		e.Result = result
	}
	e.finish(now)
	return nil
}

func (e *JobExecution) Fail(cause error, now time.Time) error {
	if err := e.checkFinalizable(false); err != nil {
		return err
	}
	e.Status = ExecutionStatusFailed
	e.Error = errorFrom(cause)
	e.finish(now)
	return nil
}

func (e *JobExecution) Timeout(reason string, now time.Time) error {
	if err := e.checkFinalizable(false); err != nil {
		return err
	}
	if reason == "" {
		reason = "Job execution timeout"
	}
	e.Status = ExecutionStatusTimeout
	e.Error = &JobError{Message: reason, Code: ErrorCodeJobTimeout}
	e.finish(now)
	return nil
}

// Cancel is valid from pending and running.
func (e *JobExecution) Cancel(now time.Time) error {
	if err := e.checkFinalizable(true); err != nil {
		return err
	}
	e.Status = ExecutionStatusCancelled
	e.finish(now)
	return nil
}

func (e *JobExecution) checkFinalizable(allowPending bool) error {
	switch {
	case e.Status.IsTerminal():
		return errs.ErrAlreadyFinalized
	case e.Status == ExecutionStatusRunning:
		return nil
	case e.Status == ExecutionStatusPending && allowPending:
		return nil
	}
	return errs.ErrInvalidTransition
}

// finish stamps the end time, never earlier than the start time.
func (e *JobExecution) finish(now time.Time) {
	if now.Before(e.StartTime) {
		now = e.StartTime
	}
	end := now
	e.EndTime = &end
	e.recomputeDuration()
}

func (e *JobExecution) recomputeDuration() {
	if e.EndTime == nil {
		return
	}
	d := e.EndTime.Sub(e.StartTime)
	if d < 0 {
		d = 0
	}
	e.Duration = &d
}

// Elapsed is the recorded duration for finished records, or the time since
// start otherwise.
func (e *JobExecution) Elapsed(now time.Time) time.Duration {
	if e.Duration != nil {
		return *e.Duration
	}
	return max(0, now.Sub(e.StartTime))
}

// IsStuck reports whether a running record has missed its heartbeat window.
func (e *JobExecution) IsStuck(now time.Time, staleAfter time.Duration) bool {
	if e.Status != ExecutionStatusRunning {
		return false
	}
	if e.Heartbeat == nil {
		return true
	}
	return now.Sub(*e.Heartbeat) > staleAfter
}

func errorFrom(cause error) *JobError {
	if cause == nil {
		return &JobError{Message: "unknown error", Code: ErrorCodeJobFailed}
	}
	je := &JobError{Message: cause.Error(), Code: errs.CodeOf(cause)}
	if je.Code == "" {
		je.Code = ErrorCodeJobFailed
	}
	if detailed := fmt.Sprintf("%+v", cause); detailed != je.Message {
		je.Stack = detailed
	}
	return je
}
