package api

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/jobs/opsmonitor/internal/health"
	"github.com/jobs/opsmonitor/internal/telemetry"
	"go.uber.org/zap"
)

// HealthResp is a snapshot plus whether it came from the fallback.
type HealthResp struct {
	*health.Snapshot
	UsingFallback bool `json:"usingFallback"`
}

type ProbeResp struct {
	Status    string    `json:"status"`
	Timestamp time.Time `json:"timestamp"`
}

type HealthAPI struct {
	aggregator *health.Aggregator
	metrics    *telemetry.Metrics
	logger     *zap.Logger
}

func NewHealthAPI(aggregator *health.Aggregator, metrics *telemetry.Metrics, logger *zap.Logger) *HealthAPI {
	return &HealthAPI{
		aggregator: aggregator,
		metrics:    metrics,
		logger:     logger,
	}
}

// Health answers 503 only when the system is unhealthy and no fallback
// snapshot exists, or when the check fails outright.
// @GET(health)
func (a *HealthAPI) Health(c *gin.Context) {
	snapshot, fallback, err := a.aggregator.GetHealthWithFallback(c)
	if err != nil {
		a.logger.Warn("health check unavailable", zap.Error(err))
		c.JSON(http.StatusServiceUnavailable, HealthResp{
			Snapshot: &health.Snapshot{Status: health.StatusUnhealthy, Timestamp: time.Now().UTC()},
		})
		return
	}
	status := http.StatusOK
	if snapshot.Status == health.StatusUnhealthy && !fallback {
		status = http.StatusServiceUnavailable
	}
	c.JSON(status, HealthResp{Snapshot: snapshot, UsingFallback: fallback})
}

// @GET(health/ready)
func (a *HealthAPI) Ready(c *gin.Context) {
	if a.aggregator.IsReady(c) {
		c.JSON(http.StatusOK, ProbeResp{Status: "ready", Timestamp: time.Now().UTC()})
		return
	}
	c.JSON(http.StatusServiceUnavailable, ProbeResp{Status: "not ready", Timestamp: time.Now().UTC()})
}

// @GET(health/live)
func (a *HealthAPI) Live(c *gin.Context) {
	if a.aggregator.IsAlive() {
		c.JSON(http.StatusOK, ProbeResp{Status: "alive", Timestamp: time.Now().UTC()})
		return
	}
	c.JSON(http.StatusServiceUnavailable, ProbeResp{Status: "dead", Timestamp: time.Now().UTC()})
}

// @GET(health/failures)
func (a *HealthAPI) Failures(c *gin.Context) {
	onGinResponse(c, a.aggregator.FailureCounts(), nil)
}

// @POST(health/reset)
func (a *HealthAPI) Reset(c *gin.Context) {
	a.aggregator.ResetFailures()
	onGinResponse(c, a.aggregator.FailureCounts(), nil)
}

func (a *HealthAPI) BindAll(router gin.IRouter) {
	router.GET("/health", a.Health)
	router.GET("/health/ready", a.Ready)
	router.GET("/health/live", a.Live)
	router.GET("/health/failures", a.Failures)
	router.POST("/health/reset", a.Reset)
	router.GET("/metrics", gin.WrapH(a.metrics.Handler()))
}
