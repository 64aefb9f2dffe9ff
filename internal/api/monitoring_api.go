package api

import (
	"time"

	"github.com/cockroachdb/errors"
	"github.com/gin-gonic/gin"
	"github.com/jobs/opsmonitor/internal/api/middleware"
	"github.com/jobs/opsmonitor/internal/biz/execution"
	"github.com/jobs/opsmonitor/internal/monitor"
	"github.com/jobs/opsmonitor/internal/scheduler"
	"github.com/samber/lo"
	"github.com/spf13/cast"
	"go.uber.org/zap"
)

const maxHistoryLimit = 500

type IMonitoringAPI interface {
	// Statistics job statistics
	// Per job name counts, success rate and durations over a window of days
	// @GET(api/v1/monitoring/jobs/statistics)
	Statistics(ctx *gin.Context, req StatisticsReq) (StatisticsResp, error)

	// History recent executions
	// Newest first, optionally filtered by job name and status
	// @GET(api/v1/monitoring/jobs/history)
	History(ctx *gin.Context, req HistoryReq) (HistoryResp, error)

	// Running executions in flight
	// @GET(api/v1/monitoring/jobs/running)
	Running(ctx *gin.Context) (RunningResp, error)

	// Performance duration percentiles, error rate and throughput
	// @GET(api/v1/monitoring/jobs/performance)
	Performance(ctx *gin.Context, req PerformanceReq) (PerformanceResp, error)

	// Get one execution
	// @GET(api/v1/monitoring/jobs/{id})
	Get(ctx *gin.Context, id string) (ExecutionDetail, error)

	// Cancel a running execution
	// @POST(api/v1/monitoring/jobs/{id}/cancel)
	Cancel(ctx *gin.Context, id string) (ExecutionDetail, error)

	// Status of the stuck-job sweep
	// @GET(api/v1/monitoring/status)
	Status(ctx *gin.Context) (scheduler.SweepStatus, error)

	// Start the stuck-job sweep
	// @POST(api/v1/monitoring/start)
	Start(ctx *gin.Context, req StartSweepReq) (SweepToggleResp, error)

	// Stop the stuck-job sweep
	// @POST(api/v1/monitoring/stop)
	Stop(ctx *gin.Context) (SweepToggleResp, error)

	// Cleanup deletes terminal executions older than the given days
	// @POST(api/v1/monitoring/cleanup)
	Cleanup(ctx *gin.Context, req CleanupReq) (CleanupResp, error)
}

type StatisticsReq struct {
	JobName string `form:"jobName"`
	Days    int    `form:"days,default=30" binding:"min=1,max=365"`
}

type Filters struct {
	JobName string `json:"jobName"`
	Days    int    `json:"days,omitempty"`
	Limit   int    `json:"limit,omitempty"`
	Status  string `json:"status,omitempty"`
}

type StatisticsResp struct {
	Statistics []JobStatisticsView `json:"statistics"`
	Filters    Filters             `json:"filters"`
}

type HistoryReq struct {
	JobName string `form:"jobName"`
	Limit   int    `form:"limit,default=50" binding:"min=1"`
	Status  string `form:"status"`
}

type HistoryResp struct {
	History []ExecutionSummary `json:"history"`
	Filters Filters            `json:"filters"`
}

type RunningResp struct {
	RunningJobs []ExecutionSummary `json:"runningJobs"`
	Count       int                `json:"count"`
}

type PerformanceReq struct {
	JobName string `form:"jobName"`
	Days    int    `form:"days,default=7" binding:"min=1,max=365"`
}

type PerformanceResp struct {
	Metrics PerformanceView `json:"metrics"`
	Filters Filters         `json:"filters"`
}

type StartSweepReq struct {
	IntervalMinutes float64 `json:"intervalMinutes"`
}

type SweepToggleResp struct {
	Changed bool                  `json:"changed"`
	Status  scheduler.SweepStatus `json:"status"`
}

type CleanupReq struct {
	DaysToKeep int `json:"daysToKeep"`
}

type CleanupResp struct {
	DeletedCount int64 `json:"deletedCount"`
	DaysToKeep   int   `json:"daysToKeep"`
}

type MonitoringAPI struct {
	orch      *monitor.Orchestrator
	scheduler *scheduler.Scheduler
	logger    *zap.Logger
}

var _ IMonitoringAPI = (*MonitoringAPI)(nil)

func NewMonitoringAPI(orch *monitor.Orchestrator, sched *scheduler.Scheduler, logger *zap.Logger) *MonitoringAPI {
	return &MonitoringAPI{
		orch:      orch,
		scheduler: sched,
		logger:    logger,
	}
}

func jobNameFilter(name string) string {
	return lo.Ternary(name == "", "all", name)
}

func (a *MonitoringAPI) Statistics(ctx *gin.Context, req StatisticsReq) (StatisticsResp, error) {
	stats, err := a.orch.Statistics(ctx, req.JobName, req.Days)
	if err != nil {
		return StatisticsResp{}, err
	}
	return StatisticsResp{
		Statistics: toStatisticsViews(stats),
		Filters:    Filters{JobName: jobNameFilter(req.JobName), Days: req.Days},
	}, nil
}

func (a *MonitoringAPI) History(ctx *gin.Context, req HistoryReq) (HistoryResp, error) {
	status := execution.ExecutionStatus(req.Status)
	if status != "" && !status.IsValid() {
		return HistoryResp{}, middleware.BadRequest(errors.Newf("unknown status %q", req.Status))
	}
	limit := min(req.Limit, maxHistoryLimit)

	list, err := a.orch.History(ctx, req.JobName, limit, status)
	if err != nil {
		return HistoryResp{}, err
	}
	return HistoryResp{
		History: toSummaries(list),
		Filters: Filters{JobName: jobNameFilter(req.JobName), Limit: limit, Status: req.Status},
	}, nil
}

func (a *MonitoringAPI) Running(ctx *gin.Context) (RunningResp, error) {
	list, err := a.orch.Running(ctx)
	if err != nil {
		return RunningResp{}, err
	}
	return RunningResp{RunningJobs: toSummaries(list), Count: len(list)}, nil
}

func (a *MonitoringAPI) Performance(ctx *gin.Context, req PerformanceReq) (PerformanceResp, error) {
	metrics, err := a.orch.Performance(ctx, req.JobName, req.Days)
	if err != nil {
		return PerformanceResp{}, err
	}
	return PerformanceResp{
		Metrics: toPerformanceView(metrics),
		Filters: Filters{JobName: jobNameFilter(req.JobName), Days: req.Days},
	}, nil
}

func parseID(id string) (uint64, error) {
	v, err := cast.ToUint64E(id)
	if err != nil || v == 0 {
		return 0, middleware.BadRequest(errors.Newf("invalid execution id %q", id))
	}
	return v, nil
}

func (a *MonitoringAPI) Get(ctx *gin.Context, id string) (ExecutionDetail, error) {
	execID, err := parseID(id)
	if err != nil {
		return ExecutionDetail{}, err
	}
	rec, err := a.orch.Execution(ctx, execID)
	if err != nil {
		return ExecutionDetail{}, err
	}
	return toDetail(rec), nil
}

func (a *MonitoringAPI) Cancel(ctx *gin.Context, id string) (ExecutionDetail, error) {
	execID, err := parseID(id)
	if err != nil {
		return ExecutionDetail{}, err
	}
	rec, err := a.orch.Cancel(ctx, execID)
	if err != nil {
		return ExecutionDetail{}, err
	}
	a.logger.Info("job execution cancelled via api", zap.Uint64("executionId", execID))
	return toDetail(rec), nil
}

func (a *MonitoringAPI) Status(ctx *gin.Context) (scheduler.SweepStatus, error) {
	return a.scheduler.SweepStatus(), nil
}

func (a *MonitoringAPI) Start(ctx *gin.Context, req StartSweepReq) (SweepToggleResp, error) {
	if req.IntervalMinutes < 0 {
		return SweepToggleResp{}, middleware.BadRequest(errors.New("intervalMinutes must be positive"))
	}
	minutes := lo.Ternary(req.IntervalMinutes == 0, 5.0, req.IntervalMinutes)
	interval := time.Duration(minutes * float64(time.Minute))

	changed, err := a.scheduler.StartSweep(interval)
	if err != nil {
		return SweepToggleResp{}, err
	}
	return SweepToggleResp{Changed: changed, Status: a.scheduler.SweepStatus()}, nil
}

func (a *MonitoringAPI) Stop(ctx *gin.Context) (SweepToggleResp, error) {
	changed := a.scheduler.StopSweep()
	return SweepToggleResp{Changed: changed, Status: a.scheduler.SweepStatus()}, nil
}

func (a *MonitoringAPI) Cleanup(ctx *gin.Context, req CleanupReq) (CleanupResp, error) {
	if req.DaysToKeep < 0 {
		return CleanupResp{}, middleware.BadRequest(errors.New("daysToKeep must be positive"))
	}
	days := lo.Ternary(req.DaysToKeep == 0, 30, req.DaysToKeep)

	deleted, err := a.orch.Cleanup(ctx, days)
	if err != nil {
		return CleanupResp{}, err
	}
	return CleanupResp{DeletedCount: deleted, DaysToKeep: days}, nil
}

type MonitoringAPIWrap struct {
	inner IMonitoringAPI
}

func NewMonitoringAPIWrap(inner IMonitoringAPI) *MonitoringAPIWrap {
	return &MonitoringAPIWrap{inner: inner}
}

func (w *MonitoringAPIWrap) BindAll(router gin.IRouter) {
	g := router.Group("/api/v1/monitoring")
	g.GET("/jobs/statistics", func(c *gin.Context) {
		var req StatisticsReq
		if !onGinBind(c, &req, "QUERY") {
			return
		}
		resp, err := w.inner.Statistics(c, req)
		onGinResponse(c, resp, err)
	})
	g.GET("/jobs/history", func(c *gin.Context) {
		var req HistoryReq
		if !onGinBind(c, &req, "QUERY") {
			return
		}
		resp, err := w.inner.History(c, req)
		onGinResponse(c, resp, err)
	})
	g.GET("/jobs/running", func(c *gin.Context) {
		resp, err := w.inner.Running(c)
		onGinResponse(c, resp, err)
	})
	g.GET("/jobs/performance", func(c *gin.Context) {
		var req PerformanceReq
		if !onGinBind(c, &req, "QUERY") {
			return
		}
		resp, err := w.inner.Performance(c, req)
		onGinResponse(c, resp, err)
	})
	g.GET("/jobs/:id", func(c *gin.Context) {
		resp, err := w.inner.Get(c, c.Param("id"))
		onGinResponse(c, resp, err)
	})
	g.POST("/jobs/:id/cancel", func(c *gin.Context) {
		resp, err := w.inner.Cancel(c, c.Param("id"))
		onGinResponse(c, resp, err)
	})
	g.GET("/status", func(c *gin.Context) {
		resp, err := w.inner.Status(c)
		onGinResponse(c, resp, err)
	})
	g.POST("/start", func(c *gin.Context) {
		var req StartSweepReq
		if !onGinBind(c, &req, "JSON") {
			return
		}
		resp, err := w.inner.Start(c, req)
		onGinResponse(c, resp, err)
	})
	g.POST("/stop", func(c *gin.Context) {
		resp, err := w.inner.Stop(c)
		onGinResponse(c, resp, err)
	})
	g.POST("/cleanup", func(c *gin.Context) {
		var req CleanupReq
		if !onGinBind(c, &req, "JSON") {
			return
		}
		resp, err := w.inner.Cleanup(c, req)
		onGinResponse(c, resp, err)
	})
}
