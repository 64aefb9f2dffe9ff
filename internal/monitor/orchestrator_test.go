package monitor

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/jobs/opsmonitor/internal/alerting"
	"github.com/jobs/opsmonitor/internal/biz/execution"
	"github.com/jobs/opsmonitor/internal/domain/errs"
	"github.com/jobs/opsmonitor/internal/infra/persistence/jobexecrepo"
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

type sentAlert struct {
	Type     alerting.AlertType
	Level    alerting.AlertLevel
	Title    string
	Message  string
	Metadata map[string]any
}

type alertRecorder struct {
	mu     sync.Mutex
	alerts []sentAlert
}

func (r *alertRecorder) SendAlert(_ context.Context, alertType alerting.AlertType, level alerting.AlertLevel, title, message string, metadata map[string]any) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.alerts = append(r.alerts, sentAlert{alertType, level, title, message, metadata})
	return true
}

func (r *alertRecorder) sent() []sentAlert {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]sentAlert(nil), r.alerts...)
}

// failingCreateRepo simulates a store that cannot accept new records.
type failingCreateRepo struct {
	execution.Repo
}

func (r failingCreateRepo) Create(context.Context, *execution.JobExecution) error {
	return errors.New("connection refused")
}

func newTestRepo(t *testing.T) execution.Repo {
	t.Helper()
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", strings.ReplaceAll(t.Name(), "/", "_"))
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{Logger: logger.Default.LogMode(logger.Silent)})
	require.NoError(t, err)
	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = sqlDB.Close() })

	require.NoError(t, db.AutoMigrate(&jobexecrepo.JobExecution{}))
	return jobexecrepo.NewMysqlRepositoryImpl(db)
}

func newTestOrchestrator(t *testing.T, repo execution.Repo, heartbeat time.Duration) (*Orchestrator, *alertRecorder) {
	t.Helper()
	alerts := &alertRecorder{}
	cfg := config.MonitorConfig{
		HeartbeatInterval: heartbeat,
		StuckAfter:        30 * time.Minute,
		RetentionDays:     30,
		DefaultMaxRetries: 3,
	}
	o := NewOrchestrator(cfg, execution.NewStore(repo), alerts, telemetry.New(), zap.NewNop())
	return o, alerts
}

func TestExecuteCompletes(t *testing.T) {
	ctx := context.Background()
	repo := newTestRepo(t)
	o, alerts := newTestOrchestrator(t, repo, 10*time.Millisecond)

	var id uint64
	result, err := o.Execute(ctx, JobOptions{Name: "daily-report", Type: execution.JobTypeDailyMetrics}, func(ctx context.Context, jc *JobContext) (map[string]any, error) {
		rec := jc.Execution()
		id = rec.ID
		assert.Equal(t, execution.ExecutionStatusRunning, rec.Status)
		assert.Equal(t, 1, o.ActiveCount())
		assert.NoError(t, jc.UpdateProgress(50))
		time.Sleep(30 * time.Millisecond)
		return map[string]any{"rows": 3}, nil
	})
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"rows": 3}, result)

	stored, err := repo.GetByID(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, execution.ExecutionStatusCompleted, stored.Status)
	assert.Equal(t, 100, stored.Progress)
	assert.EqualValues(t, 3, stored.Result["rows"])
	assert.Equal(t, 3, stored.MaxRetries)
	require.NotNil(t, stored.Duration)
	assert.GreaterOrEqual(t, *stored.Duration, 30*time.Millisecond)

	assert.Zero(t, o.ActiveCount())
	assert.Empty(t, alerts.sent())
}

func TestExecuteFailureRaisesAlert(t *testing.T) {
	ctx := context.Background()
	repo := newTestRepo(t)
	o, alerts := newTestOrchestrator(t, repo, time.Hour)

	cause := errs.New("BAD_INPUT", "bad input", nil)
	var id uint64
	_, err := o.Execute(ctx, JobOptions{Name: "import", Type: execution.JobTypeDataValidation}, func(ctx context.Context, jc *JobContext) (map[string]any, error) {
		id = jc.Execution().ID
		return nil, cause
	})
	assert.ErrorIs(t, err, cause)

	stored, err := repo.GetByID(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, execution.ExecutionStatusFailed, stored.Status)
	assert.Equal(t, "BAD_INPUT", stored.Error.Code)

	sent := alerts.sent()
	require.Len(t, sent, 1)
	assert.Equal(t, alerting.AlertTypeDataValidation, sent[0].Type)
	assert.Equal(t, alerting.AlertLevelCritical, sent[0].Level)
	assert.Contains(t, sent[0].Title, "import")
	assert.Contains(t, sent[0].Message, "bad input")
	assert.Contains(t, sent[0].Message, "ms")
	assert.Equal(t, id, sent[0].Metadata["executionId"])
}

func TestExecuteTimeout(t *testing.T) {
	ctx := context.Background()
	repo := newTestRepo(t)
	o, alerts := newTestOrchestrator(t, repo, time.Hour)

	var id uint64
	workDone := make(chan error, 1)
	start := time.Now()
	_, err := o.Execute(ctx, JobOptions{Name: "slow", Timeout: 100 * time.Millisecond}, func(ctx context.Context, jc *JobContext) (map[string]any, error) {
		id = jc.Execution().ID
		time.Sleep(500 * time.Millisecond)
		workDone <- errors.CombineErrors(ctx.Err(), jc.Heartbeat())
		return map[string]any{"late": true}, nil
	})
	assert.ErrorIs(t, err, errs.ErrJobTimedOut)
	assert.Less(t, time.Since(start), 400*time.Millisecond)

	select {
	case lateErr := <-workDone:
		assert.ErrorIs(t, lateErr, context.Canceled)
	case <-time.After(2 * time.Second):
		t.Fatal("work did not return")
	}
	// Give the late completion attempt time to run.
	time.Sleep(50 * time.Millisecond)

	stored, err := repo.GetByID(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, execution.ExecutionStatusTimeout, stored.Status)
	assert.Equal(t, execution.ErrorCodeJobTimeout, stored.Error.Code)
	assert.Empty(t, stored.Result)

	sent := alerts.sent()
	require.Len(t, sent, 1)
	assert.Contains(t, sent[0].Title, "timeout")
	assert.Contains(t, sent[0].Title, "slow")
	assert.Zero(t, o.ActiveCount())
}

func TestExecuteRecoversPanic(t *testing.T) {
	ctx := context.Background()
	repo := newTestRepo(t)
	o, alerts := newTestOrchestrator(t, repo, time.Hour)

	var id uint64
	_, err := o.Execute(ctx, JobOptions{Name: "fragile"}, func(ctx context.Context, jc *JobContext) (map[string]any, error) {
		id = jc.Execution().ID
		panic("boom")
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "boom")

	stored, err := repo.GetByID(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, execution.ExecutionStatusFailed, stored.Status)
	assert.Equal(t, execution.JobTypeCustom, stored.JobType)
	assert.Len(t, alerts.sent(), 1)
	assert.Zero(t, o.ActiveCount())
}

func TestJobContextCompleteEndsSupervision(t *testing.T) {
	ctx := context.Background()
	repo := newTestRepo(t)
	o, alerts := newTestOrchestrator(t, repo, time.Hour)

	result, err := o.Execute(ctx, JobOptions{Name: "early"}, func(ctx context.Context, jc *JobContext) (map[string]any, error) {
		assert.NoError(t, jc.Complete(map[string]any{"early": true}))
		assert.Error(t, ctx.Err())
		assert.ErrorIs(t, jc.Heartbeat(), errs.ErrAlreadyFinalized)
		assert.ErrorIs(t, jc.Fail(errors.New("late")), errs.ErrAlreadyFinalized)
		return nil, errors.New("ignored")
	})
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"early": true}, result)
	assert.Empty(t, alerts.sent())
}

func TestJobContextTimeout(t *testing.T) {
	ctx := context.Background()
	repo := newTestRepo(t)
	o, alerts := newTestOrchestrator(t, repo, time.Hour)

	_, err := o.Execute(ctx, JobOptions{Name: "self-timeout"}, func(ctx context.Context, jc *JobContext) (map[string]any, error) {
		return nil, jc.Timeout()
	})
	assert.ErrorIs(t, err, errs.ErrJobTimedOut)
	assert.Len(t, alerts.sent(), 1)
}

func TestExecuteCallerCancellation(t *testing.T) {
	repo := newTestRepo(t)
	o, alerts := newTestOrchestrator(t, repo, time.Hour)

	ctx, cancel := context.WithCancel(context.Background())
	started := make(chan struct{})
	go func() {
		<-started
		cancel()
	}()

	var id uint64
	_, err := o.Execute(ctx, JobOptions{Name: "cancel-me"}, func(ctx context.Context, jc *JobContext) (map[string]any, error) {
		id = jc.Execution().ID
		close(started)
		<-ctx.Done()
		return nil, ctx.Err()
	})
	assert.ErrorIs(t, err, errs.ErrJobCancelled)

	stored, err := repo.GetByID(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, execution.ExecutionStatusCancelled, stored.Status)
	assert.Empty(t, alerts.sent())
}

func TestCancelByID(t *testing.T) {
	ctx := context.Background()
	repo := newTestRepo(t)
	o, _ := newTestOrchestrator(t, repo, time.Hour)

	started := make(chan uint64, 1)
	finished := make(chan error, 1)
	go func() {
		_, err := o.Execute(ctx, JobOptions{Name: "long"}, func(ctx context.Context, jc *JobContext) (map[string]any, error) {
			started <- jc.Execution().ID
			<-ctx.Done()
			return nil, ctx.Err()
		})
		finished <- err
	}()
	id := <-started

	live, err := o.Execution(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, execution.ExecutionStatusRunning, live.Status)

	running, err := o.Running(ctx)
	require.NoError(t, err)
	require.Len(t, running, 1)
	assert.Equal(t, id, running[0].ID)

	cancelled, err := o.Cancel(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, execution.ExecutionStatusCancelled, cancelled.Status)

	select {
	case err := <-finished:
		assert.ErrorIs(t, err, errs.ErrJobCancelled)
	case <-time.After(2 * time.Second):
		t.Fatal("execute did not return after cancel")
	}

	_, err = o.Cancel(ctx, id)
	assert.ErrorIs(t, err, errs.ErrAlreadyFinalized)
	_, err = o.Cancel(ctx, 1)
	assert.ErrorIs(t, err, errs.ErrNotFound)

	pending := execution.New(7, "queued", execution.JobTypeCustom, nil, 3, time.Now())
	require.NoError(t, repo.Create(ctx, pending))
	_, err = o.Cancel(ctx, pending.ID)
	assert.ErrorIs(t, err, errs.ErrInvalidTransition)
	stored, err := repo.GetByID(ctx, pending.ID)
	require.NoError(t, err)
	assert.Equal(t, execution.ExecutionStatusPending, stored.Status)
}

func TestExecuteWithoutStorage(t *testing.T) {
	ctx := context.Background()
	repo := failingCreateRepo{Repo: newTestRepo(t)}
	o, alerts := newTestOrchestrator(t, repo, 5*time.Millisecond)

	var id uint64
	result, err := o.Execute(ctx, JobOptions{Name: "degraded"}, func(ctx context.Context, jc *JobContext) (map[string]any, error) {
		id = jc.Execution().ID
		assert.NoError(t, jc.UpdateProgress(40))
		assert.Equal(t, 40, jc.Execution().Progress)
		time.Sleep(20 * time.Millisecond)
		return map[string]any{"ok": true}, nil
	})
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"ok": true}, result)
	assert.Empty(t, alerts.sent())

	_, err = repo.GetByID(ctx, id)
	assert.ErrorIs(t, err, errs.ErrNotFound)
}

func TestExecuteRejectsInvalidOptions(t *testing.T) {
	o, _ := newTestOrchestrator(t, newTestRepo(t), time.Hour)
	called := false
	_, err := o.Execute(context.Background(), JobOptions{Name: "  "}, func(ctx context.Context, jc *JobContext) (map[string]any, error) {
		called = true
		return nil, nil
	})
	assert.Error(t, err)
	assert.False(t, called)
}

func TestSweepStuckFinalizesOrphans(t *testing.T) {
	ctx := context.Background()
	repo := newTestRepo(t)
	o, alerts := newTestOrchestrator(t, repo, time.Hour)

	startedAt := time.Now().Add(-time.Hour)
	orphan := execution.New(ids.Next(), "orphan", execution.JobTypeCleanup, nil, 0, startedAt)
	require.NoError(t, repo.Create(ctx, orphan))
	require.NoError(t, orphan.StartRunning(startedAt))
	require.NoError(t, repo.MarkRunning(ctx, orphan))

	n, err := o.SweepStuck(ctx, 30*time.Minute)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	stored, err := repo.GetByID(ctx, orphan.ID)
	require.NoError(t, err)
	assert.Equal(t, execution.ExecutionStatusTimeout, stored.Status)

	sent := alerts.sent()
	require.Len(t, sent, 1)
	assert.Contains(t, sent[0].Title, "Stuck job detected")
	assert.Contains(t, sent[0].Title, "orphan")
	assert.Equal(t, 30, sent[0].Metadata["timeoutMinutes"])

	n, err = o.SweepStuck(ctx, 30*time.Minute)
	require.NoError(t, err)
	assert.Zero(t, n)
	assert.Len(t, alerts.sent(), 1)
}

func TestSweepStuckStopsLocalSupervision(t *testing.T) {
	ctx := context.Background()
	repo := newTestRepo(t)
	o, alerts := newTestOrchestrator(t, repo, time.Hour)

	started := make(chan struct{})
	finished := make(chan error, 1)
	go func() {
		_, err := o.Execute(ctx, JobOptions{Name: "silent"}, func(ctx context.Context, jc *JobContext) (map[string]any, error) {
			close(started)
			<-ctx.Done()
			return nil, nil
		})
		finished <- err
	}()
	<-started
	time.Sleep(20 * time.Millisecond)

	n, err := o.SweepStuck(ctx, 5*time.Millisecond)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	select {
	case err := <-finished:
		assert.ErrorIs(t, err, errs.ErrJobTimedOut)
	case <-time.After(2 * time.Second):
		t.Fatal("execute did not return after sweep")
	}
	require.Len(t, alerts.sent(), 1)
	assert.Contains(t, alerts.sent()[0].Title, "Stuck job detected")
	assert.Zero(t, o.ActiveCount())
}

func TestReadAccessors(t *testing.T) {
	ctx := context.Background()
	repo := newTestRepo(t)
	o, _ := newTestOrchestrator(t, repo, time.Hour)

	for i := 0; i < 3; i++ {
		_, _ = o.Execute(ctx, JobOptions{Name: "report"}, func(ctx context.Context, jc *JobContext) (map[string]any, error) {
			if i == 2 {
				return nil, errors.New("x")
			}
			return nil, nil
		})
	}

	stats, err := o.Statistics(ctx, "report", 0)
	require.NoError(t, err)
	require.Len(t, stats, 1)
	assert.Equal(t, int64(3), stats[0].TotalExecutions)
	assert.Equal(t, 66.67, stats[0].SuccessRate)

	history, err := o.History(ctx, "report", 2, "")
	require.NoError(t, err)
	assert.Len(t, history, 2)

	history, err = o.History(ctx, "", 0, execution.ExecutionStatusFailed)
	require.NoError(t, err)
	assert.Len(t, history, 1)

	perf, err := o.Performance(ctx, "", 0)
	require.NoError(t, err)
	assert.Equal(t, 3, perf.Total)
	assert.InDelta(t, 33.33, perf.ErrorRate, 0.01)

	removed, err := o.Cleanup(ctx, 0)
	require.NoError(t, err)
	assert.Zero(t, removed)
}
