package monitor

import (
	"context"
	"sync"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/jobs/opsmonitor/internal/biz/execution"
	"github.com/jobs/opsmonitor/internal/domain/errs"
	"go.uber.org/zap"
)

type finishRequest struct {
	to     execution.ExecutionStatus
	result map[string]any
	cause  error
	reason string
	stuck  bool
}

// supervision tracks one execution run by this process. mu guards the
// record and serializes every transition; finishLocked is the only place
// timers are released.
type supervision struct {
	o         *Orchestrator
	persisted bool
	cancel    context.CancelFunc

	mu       sync.Mutex
	rec      *execution.JobExecution
	finished bool
	cause    error
	deadline *time.Timer
	stop     chan struct{}

	// done is closed once the finalization was fully reported.
	done chan struct{}
}

func newSupervision(o *Orchestrator, rec *execution.JobExecution, persisted bool, cancel context.CancelFunc) *supervision {
	return &supervision{
		o:         o,
		persisted: persisted,
		cancel:    cancel,
		rec:       rec,
		stop:      make(chan struct{}),
		done:      make(chan struct{}),
	}
}

func (s *supervision) id() uint64 {
	return s.rec.ID
}

func (s *supervision) start(timeout time.Duration) {
	go s.heartbeatLoop(s.o.cfg.HeartbeatInterval)

	if timeout > 0 {
		s.mu.Lock()
		s.deadline = time.AfterFunc(timeout, func() {
			err := s.finish(context.Background(), finishRequest{
				to:     execution.ExecutionStatusTimeout,
				reason: "Job execution timeout",
			})
			if err != nil && !errors.Is(err, errs.ErrAlreadyFinalized) {
				s.o.logger.Error("failed to time out job execution",
					zap.Uint64("execution_id", s.id()), zap.Error(err))
			}
		})
		s.mu.Unlock()
	}
}

func (s *supervision) heartbeatLoop(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			err := s.heartbeat(context.Background())
			if err != nil && !errors.Is(err, errs.ErrAlreadyFinalized) {
				s.o.logger.Warn("failed to update job heartbeat",
					zap.Uint64("execution_id", s.id()), zap.Error(err))
			}
		case <-s.stop:
			return
		}
	}
}

func (s *supervision) heartbeat(ctx context.Context) error {
	return s.update(ctx, func(ctx context.Context) error {
		if !s.persisted {
			return s.rec.Beat(s.o.store.Now())
		}
		return s.o.store.Heartbeat(ctx, s.rec)
	})
}

func (s *supervision) setProgress(ctx context.Context, progress int) error {
	return s.update(ctx, func(ctx context.Context) error {
		if !s.persisted {
			return s.rec.SetProgress(progress, s.o.store.Now())
		}
		return s.o.store.SetProgress(ctx, s.rec, progress)
	})
}

// update applies a non-terminal change. Storage outages are logged and
// swallowed; a record finalized elsewhere ends this supervision.
func (s *supervision) update(ctx context.Context, apply func(context.Context) error) error {
	s.mu.Lock()
	if s.finished {
		s.mu.Unlock()
		return errors.Wrapf(errs.ErrAlreadyFinalized, "job execution %d is %s", s.rec.ID, s.rec.Status)
	}

	err := apply(ctx)
	switch {
	case err == nil:
		s.mu.Unlock()
		return nil
	case errors.Is(err, errs.ErrDependencyUnavailable):
		s.mu.Unlock()
		s.o.logger.Warn("job execution update not persisted",
			zap.Uint64("execution_id", s.id()), zap.Error(err))
		return nil
	case errors.Is(err, errs.ErrAlreadyFinalized) && s.persisted:
		if stored, getErr := s.o.store.Get(ctx, s.rec.ID); getErr == nil {
			*s.rec = *stored
		}
		s.o.logger.Warn("job execution was finalized elsewhere",
			zap.Uint64("execution_id", s.id()),
			zap.String("status", string(s.rec.Status)))
		s.finishLocked()
		s.mu.Unlock()
		close(s.done)
		return err
	}
	s.mu.Unlock()
	return err
}

// finish moves the execution to a terminal status. It returns
// errs.ErrAlreadyFinalized when the execution already ended, here or in
// storage; in the latter case supervision ends with the stored status.
func (s *supervision) finish(ctx context.Context, req finishRequest) error {
	s.mu.Lock()
	if s.finished {
		s.mu.Unlock()
		return errors.Wrapf(errs.ErrAlreadyFinalized, "job execution %d is %s", s.rec.ID, s.rec.Status)
	}

	err := s.transition(ctx, req)
	lost := errors.Is(err, errs.ErrAlreadyFinalized)
	switch {
	case err == nil, lost:
	case errors.Is(err, errs.ErrDependencyUnavailable):
		s.o.logger.Error("job execution outcome not persisted",
			zap.Uint64("execution_id", s.id()),
			zap.String("status", string(req.to)),
			zap.Error(err))
		err = nil
	default:
		s.mu.Unlock()
		return err
	}

	if !lost && req.to == execution.ExecutionStatusFailed {
		s.cause = req.cause
	}
	s.finishLocked()
	snapshot := *s.rec
	s.mu.Unlock()

	if !lost {
		s.o.reported(ctx, snapshot, req.stuck)
	}
	close(s.done)
	return err
}

func (s *supervision) transition(ctx context.Context, req finishRequest) error {
	if !s.persisted {
		now := s.o.store.Now()
		switch req.to {
		case execution.ExecutionStatusCompleted:
			return s.rec.Complete(req.result, now)
		case execution.ExecutionStatusFailed:
			return s.rec.Fail(req.cause, now)
		case execution.ExecutionStatusTimeout:
			return s.rec.Timeout(req.reason, now)
		case execution.ExecutionStatusCancelled:
			return s.rec.Cancel(now)
		}
		return errors.Wrapf(errs.ErrInvalidTransition, "finish with status %s", req.to)
	}

	switch req.to {
	case execution.ExecutionStatusCompleted:
		return s.o.store.Complete(ctx, s.rec, req.result)
	case execution.ExecutionStatusFailed:
		return s.o.store.Fail(ctx, s.rec, req.cause)
	case execution.ExecutionStatusTimeout:
		return s.o.store.Timeout(ctx, s.rec, req.reason)
	case execution.ExecutionStatusCancelled:
		return s.o.store.Cancel(ctx, s.rec)
	}
	return errors.Wrapf(errs.ErrInvalidTransition, "finish with status %s", req.to)
}

// finishLocked releases the timers, cancels the work and leaves the
// registry. Callers hold s.mu and close s.done afterwards.
func (s *supervision) finishLocked() {
	s.finished = true
	if s.deadline != nil {
		s.deadline.Stop()
	}
	close(s.stop)
	s.cancel()
	s.o.unregister(s)
}

// abandon ends supervision in memory only, for transitions storage refused.
func (s *supervision) abandon(cause error) {
	s.mu.Lock()
	if s.finished {
		s.mu.Unlock()
		return
	}
	s.cause = cause
	_ = s.rec.Fail(cause, s.o.store.Now())
	s.finishLocked()
	s.mu.Unlock()
	close(s.done)
}

func (s *supervision) snapshot() execution.JobExecution {
	s.mu.Lock()
	defer s.mu.Unlock()
	return *s.rec
}

// outcome maps the final status to Execute's return values.
func (s *supervision) outcome() (map[string]any, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec := s.rec
	switch rec.Status {
	case execution.ExecutionStatusCompleted:
		return rec.Result, nil
	case execution.ExecutionStatusFailed:
		if s.cause != nil {
			return nil, s.cause
		}
		return nil, errors.Newf("job %s failed: %s", rec.JobName, errorMessage(*rec))
	case execution.ExecutionStatusTimeout:
		return nil, errors.Wrapf(errs.ErrJobTimedOut, "job %s", rec.JobName)
	case execution.ExecutionStatusCancelled:
		return nil, errors.Wrapf(errs.ErrJobCancelled, "job %s", rec.JobName)
	}
	return nil, errors.Wrapf(errs.ErrInvalidTransition, "job %s ended as %s", rec.JobName, rec.Status)
}
