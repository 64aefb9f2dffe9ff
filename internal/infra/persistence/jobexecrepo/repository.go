package jobexecrepo

import (
	"context"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/google/wire"
	domain "github.com/jobs/opsmonitor/internal/biz/execution"
	"github.com/jobs/opsmonitor/internal/domain/errs"
	"github.com/jobs/opsmonitor/internal/infra/persistence/commonrepo"
	"github.com/samber/lo"
	"gorm.io/gorm"
)

var Provider = wire.NewSet(NewMysqlRepositoryImpl)

type MysqlRepositoryImpl struct {
	commonrepo.DefaultRepo
}

func NewMysqlRepositoryImpl(db commonrepo.DB) domain.Repo {
	return &MysqlRepositoryImpl{
		DefaultRepo: commonrepo.NewDefaultRepo(db),
	}
}

func (r *MysqlRepositoryImpl) Create(ctx context.Context, execution *domain.JobExecution) error {
	po := new(JobExecution).FromDomain(execution)
	if err := r.Db(ctx).Create(po).Error; err != nil {
		return errors.Wrapf(err, "insert job execution %d", execution.ID)
	}
	execution.ID = po.ID
	execution.CreatedAt = po.CreatedAt
	execution.UpdatedAt = po.UpdatedAt
	return nil
}

func (r *MysqlRepositoryImpl) GetByID(ctx context.Context, id uint64) (*domain.JobExecution, error) {
	var po = new(JobExecution)
	if err := r.Db(ctx).First(po, id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, errors.Wrapf(errs.ErrNotFound, "job execution %d", id)
		}
		return nil, err
	}
	return po.ToDomain(), nil
}

func (r *MysqlRepositoryImpl) MarkRunning(ctx context.Context, execution *domain.JobExecution) error {
	po := new(JobExecution).FromDomain(execution)
	return r.conditionalUpdate(ctx, execution.ID, []domain.ExecutionStatus{domain.ExecutionStatusPending}, map[string]any{
		"status":         domain.ExecutionStatusRunning,
		"heartbeat":      po.Heartbeat,
		"last_heartbeat": po.LastHeartbeat,
	})
}

func (r *MysqlRepositoryImpl) Heartbeat(ctx context.Context, id uint64, at time.Time) error {
	at = at.UTC()
	return r.conditionalUpdate(ctx, id, []domain.ExecutionStatus{domain.ExecutionStatusRunning}, map[string]any{
		"heartbeat":      at,
		"last_heartbeat": at,
	})
}

func (r *MysqlRepositoryImpl) UpdateProgress(ctx context.Context, id uint64, progress int, at time.Time) error {
	at = at.UTC()
	return r.conditionalUpdate(ctx, id, []domain.ExecutionStatus{domain.ExecutionStatusRunning}, map[string]any{
		"progress":       progress,
		"heartbeat":      at,
		"last_heartbeat": at,
	})
}

// Finalize writes the terminal columns only while the stored row is still
// pending or running, so two racing finalizers cannot both win.
func (r *MysqlRepositoryImpl) Finalize(ctx context.Context, execution *domain.JobExecution) error {
	if !execution.Status.IsTerminal() {
		return errors.Wrapf(errs.ErrInvalidTransition, "finalize with status %s", execution.Status)
	}
	return r.conditionalUpdate(ctx, execution.ID, domain.ActiveStatuses, finalizeColumns(execution))
}

// conditionalUpdate applies values only while the row is in one of the from
// statuses. A miss is classified from a re-read in the same transaction.
func (r *MysqlRepositoryImpl) conditionalUpdate(ctx context.Context, id uint64, from []domain.ExecutionStatus, values map[string]any) error {
	return r.Execute(ctx, func(ctx context.Context) error {
		res := r.Db(ctx).Model(&JobExecution{}).
			Where("id = ? AND status IN ?", id, from).
			Updates(values)
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected > 0 {
			return nil
		}

		stored, err := r.GetByID(ctx, id)
		if err != nil {
			return err
		}
		if stored.Status.IsTerminal() {
			return errors.Wrapf(errs.ErrAlreadyFinalized, "job execution %d is %s", id, stored.Status)
		}
		return errors.Wrapf(errs.ErrInvalidTransition, "job execution %d is %s", id, stored.Status)
	})
}

func (r *MysqlRepositoryImpl) FindRunning(ctx context.Context) ([]*domain.JobExecution, error) {
	var pos []*JobExecution
	err := r.Db(ctx).
		Where("status = ?", domain.ExecutionStatusRunning).
		Order("start_time ASC").
		Find(&pos).Error
	if err != nil {
		return nil, err
	}
	return toDomains(pos), nil
}

func (r *MysqlRepositoryImpl) FindStuck(ctx context.Context, before time.Time) ([]*domain.JobExecution, error) {
	var pos []*JobExecution
	err := r.Db(ctx).
		Where("status = ?", domain.ExecutionStatusRunning).
		Where("(heartbeat IS NULL OR heartbeat < ?)", before.UTC()).
		Order("start_time ASC").
		Find(&pos).Error
	if err != nil {
		return nil, err
	}
	return toDomains(pos), nil
}

func (r *MysqlRepositoryImpl) ListRecent(ctx context.Context, filter domain.HistoryFilter, limit int) ([]*domain.JobExecution, error) {
	db := r.Db(ctx).Model(&JobExecution{})

	if filter.JobName.IsPresent() {
		db = db.Where("job_name = ?", filter.JobName.MustGet())
	}
	if filter.Status.IsPresent() {
		db = db.Where("status = ?", filter.Status.MustGet())
	}

	var pos []*JobExecution
	if err := db.Order("start_time DESC").Order("id DESC").Limit(limit).Find(&pos).Error; err != nil {
		return nil, err
	}
	return toDomains(pos), nil
}

func (r *MysqlRepositoryImpl) AggregateByStatus(ctx context.Context, query domain.StatsQuery) ([]domain.StatusAggregate, error) {
	db := r.Db(ctx).Model(&JobExecution{}).
		Select("job_name, status, COUNT(*) AS count, " +
			"AVG(duration_ms) AS avg_duration, MIN(duration_ms) AS min_duration, " +
			"MAX(duration_ms) AS max_duration, MAX(start_time) AS last_start_time").
		Where("start_time >= ?", query.Since.UTC())
	if query.JobName.IsPresent() {
		db = db.Where("job_name = ?", query.JobName.MustGet())
	}

	var rows []statusAggregateRow
	if err := db.Group("job_name, status").Scan(&rows).Error; err != nil {
		return nil, err
	}
	return lo.Map(rows, func(row statusAggregateRow, _ int) domain.StatusAggregate {
		return row.toDomain()
	}), nil
}

func (r *MysqlRepositoryImpl) DurationSamples(ctx context.Context, query domain.StatsQuery) ([]domain.DurationSample, error) {
	db := r.Db(ctx).Model(&JobExecution{}).
		Select("status, duration_ms").
		Where("start_time >= ?", query.Since.UTC()).
		Where("status IN ?", domain.TerminalStatuses).
		Where("duration_ms IS NOT NULL")
	if query.JobName.IsPresent() {
		db = db.Where("job_name = ?", query.JobName.MustGet())
	}

	var rows []durationRow
	if err := db.Scan(&rows).Error; err != nil {
		return nil, err
	}
	return lo.Map(rows, func(row durationRow, _ int) domain.DurationSample {
		return domain.DurationSample{Status: row.Status, Duration: time.Duration(row.DurationMs) * time.Millisecond}
	}), nil
}

func (r *MysqlRepositoryImpl) DeleteTerminalBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	res := r.Db(ctx).
		Where("status IN ? AND start_time < ?", domain.TerminalStatuses, cutoff.UTC()).
		Delete(&JobExecution{})
	if res.Error != nil {
		return 0, res.Error
	}
	return res.RowsAffected, nil
}

func toDomains(pos []*JobExecution) []*domain.JobExecution {
	domains := make([]*domain.JobExecution, len(pos))
	for i := range pos {
		domains[i] = pos[i].ToDomain()
	}
	return domains
}
