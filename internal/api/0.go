package api

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/wire"
	"github.com/jobs/opsmonitor/internal/api/middleware"
)

var Provider = wire.NewSet(
	NewMonitoringAPI,
	NewAlertsAPI,
	NewHealthAPI,
	NewServer,
)

// Envelope wraps every successful response.
type Envelope struct {
	Success bool   `json:"success"`
	Message string `json:"message,omitempty"`
	Data    any    `json:"data,omitempty"`
}

func onGinBind(c *gin.Context, val any, typ string) bool {
	var err error
	switch typ {
	case "JSON":
		// an empty body keeps the defaults
		if c.Request.ContentLength == 0 {
			return true
		}
		err = c.ShouldBindJSON(val)
	case "QUERY":
		err = c.ShouldBindQuery(val)
	default:
		err = c.ShouldBind(val)
	}
	if err != nil {
		_ = c.Error(middleware.BadRequest(err))
		return false
	}
	return true
}

func onGinResponse[T any](c *gin.Context, data T, err error) {
	if err != nil {
		_ = c.Error(err)
		return
	}
	c.JSON(http.StatusOK, Envelope{Success: true, Data: data})
}
