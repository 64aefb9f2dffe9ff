package scheduler

import (
	"context"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/jobs/opsmonitor/internal/alerting"
	"github.com/jobs/opsmonitor/internal/biz/execution"
	"github.com/jobs/opsmonitor/internal/health"
	"github.com/jobs/opsmonitor/internal/infra/persistence/jobexecrepo"
	"github.com/jobs/opsmonitor/internal/monitor"
	"github.com/jobs/opsmonitor/internal/telemetry"
	"github.com/jobs/opsmonitor/pkg/config"
	"github.com/jobs/opsmonitor/pkg/ids"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

type fixture struct {
	scheduler *Scheduler
	orch      *monitor.Orchestrator
	repo      execution.Repo
}

func testConfig() *config.Config {
	return &config.Config{
		Monitor: config.MonitorConfig{
			HeartbeatInterval: time.Hour,
			StuckAfter:        30 * time.Minute,
			SweepInterval:     5 * time.Minute,
			RetentionDays:     30,
		},
		HealthCheck: config.HealthCheckConfig{
			Enabled:  true,
			Interval: time.Hour,
			Timeout:  time.Second,
			Retries:  1,
		},
		Scheduler: config.SchedulerConfig{
			Enabled:          true,
			CleanupSpec:      "0 0 3 * * *",
			AlertCleanupSpec: "0 30 3 * * *",
		},
	}
}

func newFixture(t *testing.T, cfg *config.Config) *fixture {
	t.Helper()
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", strings.ReplaceAll(t.Name(), "/", "_"))
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{Logger: logger.Default.LogMode(logger.Silent)})
	require.NoError(t, err)
	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = sqlDB.Close() })
	require.NoError(t, db.AutoMigrate(&jobexecrepo.JobExecution{}))
	repo := jobexecrepo.NewMysqlRepositoryImpl(db)

	log := zap.NewNop()
	metrics := telemetry.New()
	dispatcher := alerting.NewDispatcher(cfg.Alerting, nil, metrics, log)
	orch := monitor.NewOrchestrator(cfg.Monitor, execution.NewStore(repo), dispatcher, metrics, log)
	aggregator := health.NewAggregator(health.Options{AlertThreshold: 3}, []health.ProbeSpec{
		{Probe: health.ProbeFunc{ProbeName: "database", Fn: func(ctx context.Context) error { return nil }}, Timeout: time.Second},
		{Probe: health.ProbeFunc{ProbeName: "redis", Fn: func(ctx context.Context) error { return nil }}, Timeout: time.Second},
	}, nil, dispatcher, metrics, log)
	sampler := alerting.NewSampler(alerting.NewRequestStats(time.Minute), nil, log)

	return &fixture{
		scheduler: New(cfg, orch, aggregator, dispatcher, sampler, log),
		orch:      orch,
		repo:      repo,
	}
}

func seed(t *testing.T, repo execution.Repo, name string, startedAt time.Time, finish bool) *execution.JobExecution {
	t.Helper()
	ctx := context.Background()
	rec := execution.New(ids.Next(), name, execution.JobTypeCustom, nil, 0, startedAt)
	require.NoError(t, repo.Create(ctx, rec))
	require.NoError(t, rec.StartRunning(startedAt))
	require.NoError(t, repo.MarkRunning(ctx, rec))
	if finish {
		require.NoError(t, rec.Complete(nil, startedAt.Add(time.Second)))
		require.NoError(t, repo.Finalize(ctx, rec))
	}
	return rec
}

func TestSweepToggle(t *testing.T) {
	f := newFixture(t, testConfig())
	s := f.scheduler

	assert.False(t, s.SweepStatus().IsMonitoring)

	started, err := s.StartSweep(time.Minute)
	require.NoError(t, err)
	assert.True(t, started)

	started, err = s.StartSweep(2 * time.Minute)
	require.NoError(t, err)
	assert.False(t, started)

	status := s.SweepStatus()
	assert.True(t, status.IsMonitoring)
	assert.Equal(t, 1.0, status.IntervalMins)

	assert.True(t, s.StopSweep())
	assert.False(t, s.StopSweep())
	assert.False(t, s.SweepStatus().IsMonitoring)
}

func TestStartSweepUsesConfiguredInterval(t *testing.T) {
	f := newFixture(t, testConfig())
	started, err := f.scheduler.StartSweep(0)
	require.NoError(t, err)
	assert.True(t, started)
	assert.Equal(t, 5*time.Minute, f.scheduler.SweepStatus().Interval)
}

func TestRunSweep(t *testing.T) {
	f := newFixture(t, testConfig())
	orphan := seed(t, f.repo, "orphan", time.Now().Add(-2*time.Hour), false)

	n, err := f.scheduler.RunSweep(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	status := f.scheduler.SweepStatus()
	require.NotNil(t, status.LastSweep)
	assert.Equal(t, 1, status.LastFinalized)

	stored, err := f.repo.GetByID(context.Background(), orphan.ID)
	require.NoError(t, err)
	assert.Equal(t, execution.ExecutionStatusTimeout, stored.Status)
}

func TestRunHealthCheckRecordsJob(t *testing.T) {
	f := newFixture(t, testConfig())
	ctx := context.Background()

	require.NoError(t, f.scheduler.RunHealthCheck(ctx))

	history, err := f.orch.History(ctx, healthCheckJob, 10, "")
	require.NoError(t, err)
	require.Len(t, history, 1)
	assert.Equal(t, execution.JobTypeHealthCheck, history[0].JobType)
	assert.Equal(t, execution.ExecutionStatusCompleted, history[0].Status)
	assert.Equal(t, "healthy", history[0].Result["status"])
}

func TestRunRetentionCleanup(t *testing.T) {
	f := newFixture(t, testConfig())
	ctx := context.Background()

	old := seed(t, f.repo, "report", time.Now().AddDate(0, 0, -40), true)
	recent := seed(t, f.repo, "report", time.Now().Add(-time.Hour), true)

	removed, err := f.scheduler.RunRetentionCleanup(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), removed)

	_, err = f.repo.GetByID(ctx, old.ID)
	assert.Error(t, err)
	_, err = f.repo.GetByID(ctx, recent.ID)
	assert.NoError(t, err)

	history, err := f.orch.History(ctx, retentionJob, 10, "")
	require.NoError(t, err)
	require.Len(t, history, 1)
	assert.Equal(t, execution.JobTypeCleanup, history[0].JobType)
	assert.EqualValues(t, 1, history[0].Result["deletedCount"])
}

func TestStartAndStop(t *testing.T) {
	cfg := testConfig()
	cfg.Monitor.SweepOnStart = true
	cfg.Alerting.Sampling = config.MetricsSampleConfig{Enabled: true, Interval: time.Hour}
	f := newFixture(t, cfg)

	require.NoError(t, f.scheduler.Start())
	// health, sampling, cleanup, alert cleanup and the sweep
	assert.Len(t, f.scheduler.cron.Entries(), 5)
	assert.True(t, f.scheduler.SweepStatus().IsMonitoring)

	f.scheduler.Stop()
	assert.False(t, f.scheduler.SweepStatus().IsMonitoring)
}

func TestStartDisabled(t *testing.T) {
	cfg := testConfig()
	cfg.Scheduler.Enabled = false
	f := newFixture(t, cfg)

	require.NoError(t, f.scheduler.Start())
	assert.Empty(t, f.scheduler.cron.Entries())
	f.scheduler.Stop()
}

func TestStartRejectsInvalidSpec(t *testing.T) {
	cfg := testConfig()
	cfg.Scheduler.CleanupSpec = "every day"
	f := newFixture(t, cfg)

	assert.Error(t, f.scheduler.Start())
}

func TestHealthJobTimeout(t *testing.T) {
	got := healthJobTimeout(config.HealthCheckConfig{Timeout: 5 * time.Second, Retries: 3, RetryDelay: 500 * time.Millisecond})
	assert.Equal(t, 15*time.Second+time.Second+5*time.Second, got)
}
