package monitor

import (
	"context"

	"github.com/jobs/opsmonitor/internal/biz/execution"
)

// JobContext is handed to a running job. Every call after the execution
// was finalized returns errs.ErrAlreadyFinalized.
type JobContext struct {
	s   *supervision
	ctx context.Context
}

// Execution returns a copy of the live record.
func (jc *JobContext) Execution() execution.JobExecution {
	return jc.s.snapshot()
}

// UpdateProgress stores progress, clamped to 0..100, and refreshes the heartbeat.
func (jc *JobContext) UpdateProgress(progress int) error {
	return jc.s.setProgress(jc.ctx, progress)
}

func (jc *JobContext) Heartbeat() error {
	return jc.s.heartbeat(jc.ctx)
}

// Complete finalizes the execution as completed with result. The job's
// context is cancelled; its own return value is then ignored.
func (jc *JobContext) Complete(result map[string]any) error {
	return jc.s.finish(jc.ctx, finishRequest{to: execution.ExecutionStatusCompleted, result: result})
}

func (jc *JobContext) Fail(cause error) error {
	return jc.s.finish(jc.ctx, finishRequest{to: execution.ExecutionStatusFailed, cause: cause})
}

func (jc *JobContext) Timeout() error {
	return jc.s.finish(jc.ctx, finishRequest{to: execution.ExecutionStatusTimeout, reason: "Job timeout"})
}
