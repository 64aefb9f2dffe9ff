package api

import (
	"github.com/gin-gonic/gin"
	"github.com/jobs/opsmonitor/internal/alerting"
	"github.com/samber/lo"
)

type IAlertsAPI interface {
	// Statistics alert history summary
	// Totals by type and level plus the recent alerts of the last day
	// @GET(api/v1/monitoring/alerts/statistics)
	Statistics(ctx *gin.Context) (alerting.Statistics, error)

	// Test sends a connectivity alert to every channel
	// @POST(api/v1/monitoring/alerts/test)
	Test(ctx *gin.Context) (AlertTestResp, error)
}

type AlertTestResp struct {
	Channels map[string]bool `json:"channels"`
	AllOK    bool            `json:"allOk"`
}

type AlertsAPI struct {
	alerts *alerting.Dispatcher
}

var _ IAlertsAPI = (*AlertsAPI)(nil)

func NewAlertsAPI(alerts *alerting.Dispatcher) *AlertsAPI {
	return &AlertsAPI{alerts: alerts}
}

func (a *AlertsAPI) Statistics(ctx *gin.Context) (alerting.Statistics, error) {
	return a.alerts.Statistics(), nil
}

func (a *AlertsAPI) Test(ctx *gin.Context) (AlertTestResp, error) {
	results := a.alerts.TestChannels(ctx)
	return AlertTestResp{
		Channels: results,
		AllOK:    lo.EveryBy(lo.Values(results), func(ok bool) bool { return ok }),
	}, nil
}

type AlertsAPIWrap struct {
	inner IAlertsAPI
}

func NewAlertsAPIWrap(inner IAlertsAPI) *AlertsAPIWrap {
	return &AlertsAPIWrap{inner: inner}
}

func (w *AlertsAPIWrap) BindAll(router gin.IRouter) {
	g := router.Group("/api/v1/monitoring/alerts")
	g.GET("/statistics", func(c *gin.Context) {
		resp, err := w.inner.Statistics(c)
		onGinResponse(c, resp, err)
	})
	g.POST("/test", func(c *gin.Context) {
		resp, err := w.inner.Test(c)
		onGinResponse(c, resp, err)
	})
}
