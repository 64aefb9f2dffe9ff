package scheduler

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/google/wire"
	"github.com/jobs/opsmonitor/internal/alerting"
	"github.com/jobs/opsmonitor/internal/biz/execution"
	"github.com/jobs/opsmonitor/internal/health"
	"github.com/jobs/opsmonitor/internal/monitor"
	"github.com/jobs/opsmonitor/pkg/config"
	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
)

var Provider = wire.NewSet(New)

const (
	healthCheckJob   = "system-health-check"
	retentionJob     = "job-execution-cleanup"
	retentionTimeout = 10 * time.Minute
)

// SweepStatus reports the stuck-job sweep.
type SweepStatus struct {
	IsMonitoring  bool          `json:"isMonitoring"`
	Interval      time.Duration `json:"-"`
	IntervalMins  float64       `json:"intervalMinutes"`
	Uptime        int64         `json:"uptime"`
	ActiveJobs    int           `json:"activeJobs"`
	LastSweep     *time.Time    `json:"lastSweep,omitempty"`
	LastFinalized int           `json:"lastFinalized"`
}

// Scheduler owns the periodic work of the process: the stuck-job sweep,
// health checks, metrics sampling and retention cleanup.
type Scheduler struct {
	cfg     *config.Config
	cron    *cron.Cron
	orch    *monitor.Orchestrator
	health  *health.Aggregator
	alerts  *alerting.Dispatcher
	sampler *alerting.Sampler
	logger  *zap.Logger

	startedAt time.Time

	mu            sync.Mutex
	started       bool
	sweepEntry    cron.EntryID
	sweepInterval time.Duration
	lastSweep     *time.Time
	lastFinalized int
}

func New(
	cfg *config.Config,
	orch *monitor.Orchestrator,
	aggregator *health.Aggregator,
	alerts *alerting.Dispatcher,
	sampler *alerting.Sampler,
	logger *zap.Logger,
) *Scheduler {
	logger = logger.Named("scheduler")
	cronLog := newCronLogger(logger)
	return &Scheduler{
		cfg: cfg,
		cron: cron.New(
			cron.WithSeconds(),
			cron.WithLogger(cronLog),
			cron.WithChain(cron.Recover(cronLog), cron.SkipIfStillRunning(cronLog)),
		),
		orch:      orch,
		health:    aggregator,
		alerts:    alerts,
		sampler:   sampler,
		logger:    logger,
		startedAt: time.Now(),
	}
}

// Start registers the periodic entries and starts the cron runner.
func (s *Scheduler) Start() error {
	if !s.cfg.Scheduler.Enabled {
		s.logger.Info("scheduler is disabled")
		return nil
	}

	if s.cfg.HealthCheck.Enabled && s.cfg.HealthCheck.Interval > 0 {
		if err := s.every(s.cfg.HealthCheck.Interval, "health check", func() {
			if err := s.RunHealthCheck(context.Background()); err != nil {
				s.logger.Error("scheduled health check failed", zap.Error(err))
			}
		}); err != nil {
			return err
		}
	}

	if s.cfg.Alerting.Sampling.Enabled && s.cfg.Alerting.Sampling.Interval > 0 {
		if err := s.every(s.cfg.Alerting.Sampling.Interval, "metrics sampling", func() {
			s.SampleMetrics(context.Background())
		}); err != nil {
			return err
		}
	}

	if spec := s.cfg.Scheduler.CleanupSpec; spec != "" {
		if _, err := s.cron.AddFunc(spec, func() {
			if _, err := s.RunRetentionCleanup(context.Background()); err != nil {
				s.logger.Error("scheduled retention cleanup failed", zap.Error(err))
			}
		}); err != nil {
			return errors.Wrapf(err, "schedule retention cleanup %q", spec)
		}
	}

	if spec := s.cfg.Scheduler.AlertCleanupSpec; spec != "" {
		if _, err := s.cron.AddFunc(spec, func() {
			s.alerts.CleanupOld(s.cfg.Alerting.HistoryTTL)
		}); err != nil {
			return errors.Wrapf(err, "schedule alert history cleanup %q", spec)
		}
	}

	if s.cfg.Monitor.SweepOnStart {
		if _, err := s.StartSweep(s.cfg.Monitor.SweepInterval); err != nil {
			return err
		}
	}

	s.mu.Lock()
	s.started = true
	s.mu.Unlock()
	s.cron.Start()

	s.logger.Info("scheduler started", zap.Int("entries", len(s.cron.Entries())))
	return nil
}

// Stop halts the cron runner and waits for running entries to return.
func (s *Scheduler) Stop() {
	s.StopSweep()

	s.mu.Lock()
	started := s.started
	s.started = false
	s.mu.Unlock()
	if started {
		<-s.cron.Stop().Done()
	}
	s.logger.Info("scheduler stopped")
}

func (s *Scheduler) every(interval time.Duration, what string, fn func()) error {
	if _, err := s.cron.AddFunc(fmt.Sprintf("@every %s", interval), fn); err != nil {
		return errors.Wrapf(err, "schedule %s every %s", what, interval)
	}
	s.logger.Info("scheduled periodic entry",
		zap.String("entry", what),
		zap.Duration("interval", interval))
	return nil
}

// StartSweep schedules the stuck-job sweep. It returns false when the sweep
// is already running.
func (s *Scheduler) StartSweep(interval time.Duration) (bool, error) {
	if interval <= 0 {
		interval = s.cfg.Monitor.SweepInterval
	}
	if interval <= 0 {
		return false, errors.New("sweep interval must be positive")
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.sweepEntry != 0 {
		s.logger.Warn("job monitoring is already running")
		return false, nil
	}

	id, err := s.cron.AddFunc(fmt.Sprintf("@every %s", interval), func() {
		if _, err := s.RunSweep(context.Background()); err != nil {
			s.logger.Error("stuck job sweep failed", zap.Error(err))
		}
	})
	if err != nil {
		return false, errors.Wrapf(err, "schedule stuck job sweep every %s", interval)
	}
	s.sweepEntry = id
	s.sweepInterval = interval
	s.logger.Info("job monitoring started", zap.Duration("interval", interval))
	return true, nil
}

// StopSweep removes the sweep entry. It returns false when none was scheduled.
func (s *Scheduler) StopSweep() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.sweepEntry == 0 {
		return false
	}
	s.cron.Remove(s.sweepEntry)
	s.sweepEntry = 0
	s.logger.Info("job monitoring stopped")
	return true
}

func (s *Scheduler) SweepStatus() SweepStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	status := SweepStatus{
		IsMonitoring:  s.sweepEntry != 0,
		Uptime:        int64(time.Since(s.startedAt).Seconds()),
		ActiveJobs:    s.orch.ActiveCount(),
		LastSweep:     s.lastSweep,
		LastFinalized: s.lastFinalized,
	}
	if status.IsMonitoring {
		status.Interval = s.sweepInterval
		status.IntervalMins = s.sweepInterval.Minutes()
	}
	return status
}

// RunSweep runs one stuck-job sweep with the configured threshold.
func (s *Scheduler) RunSweep(ctx context.Context) (int, error) {
	n, err := s.orch.SweepStuck(ctx, s.cfg.Monitor.StuckAfter)

	now := time.Now()
	s.mu.Lock()
	s.lastSweep = &now
	s.lastFinalized = n
	s.mu.Unlock()

	if n > 0 {
		s.logger.Warn("stuck jobs finalized as timed out", zap.Int("count", n))
	}
	return n, err
}

// RunHealthCheck probes every dependency as a supervised health_check job.
func (s *Scheduler) RunHealthCheck(ctx context.Context) error {
	_, err := s.orch.Execute(ctx, monitor.JobOptions{
		Name:    healthCheckJob,
		Type:    execution.JobTypeHealthCheck,
		Timeout: healthJobTimeout(s.cfg.HealthCheck),
	}, func(ctx context.Context, jc *monitor.JobContext) (map[string]any, error) {
		snapshot, err := s.health.CheckHealth(ctx)
		if err != nil {
			return nil, err
		}
		down := 0
		for _, svc := range snapshot.Services {
			if svc.Status == health.ServiceDown {
				down++
			}
		}
		return map[string]any{
			"status":       snapshot.Status,
			"services":     len(snapshot.Services),
			"servicesDown": down,
		}, nil
	})
	return err
}

// SampleMetrics feeds one metrics sample to the threshold checks.
func (s *Scheduler) SampleMetrics(ctx context.Context) {
	s.alerts.CheckMetrics(ctx, s.sampler.Sample(ctx))
}

// RunRetentionCleanup deletes finished executions past the retention window
// as a supervised cleanup job.
func (s *Scheduler) RunRetentionCleanup(ctx context.Context) (int64, error) {
	var removed int64
	_, err := s.orch.Execute(ctx, monitor.JobOptions{
		Name:    retentionJob,
		Type:    execution.JobTypeCleanup,
		Timeout: retentionTimeout,
	}, func(ctx context.Context, jc *monitor.JobContext) (map[string]any, error) {
		n, err := s.orch.Cleanup(ctx, s.cfg.Monitor.RetentionDays)
		if err != nil {
			return nil, err
		}
		removed = n
		return map[string]any{
			"deletedCount": n,
			"daysToKeep":   s.cfg.Monitor.RetentionDays,
		}, nil
	})
	return removed, err
}

// healthJobTimeout covers every probe attempt plus the delays between them.
func healthJobTimeout(cfg config.HealthCheckConfig) time.Duration {
	attempts := time.Duration(max(1, cfg.Retries))
	return cfg.Timeout*attempts + cfg.RetryDelay*(attempts-1) + 5*time.Second
}
