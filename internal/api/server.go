package api

import (
	"context"
	"fmt"
	"net/http"

	"github.com/cockroachdb/errors"
	"github.com/gin-gonic/gin"
	"github.com/jobs/opsmonitor/internal/alerting"
	"github.com/jobs/opsmonitor/internal/api/middleware"
	"github.com/jobs/opsmonitor/pkg/config"
	"go.uber.org/zap"
)

type Server struct {
	router *gin.Engine
	http   *http.Server
	logger *zap.Logger
}

func NewServer(
	cfg config.ServerConfig,
	monitoring *MonitoringAPI,
	alerts *AlertsAPI,
	healthAPI *HealthAPI,
	requests *alerting.RequestStats,
	logger *zap.Logger,
) *Server {
	s := &Server{logger: logger}

	s.router = gin.New()
	s.router.ContextWithFallback = true
	s.router.Use(gin.Recovery())
	s.router.Use(middleware.ErrorHandlingMiddleware(logger))
	s.router.Use(middleware.Cors())
	s.router.Use(requests.Middleware())

	NewMonitoringAPIWrap(monitoring).BindAll(s.router)
	NewAlertsAPIWrap(alerts).BindAll(s.router)
	healthAPI.BindAll(s.router)

	s.http = &http.Server{
		Addr:           fmt.Sprintf(":%d", cfg.Port),
		Handler:        s.router,
		ReadTimeout:    cfg.ReadTimeout,
		WriteTimeout:   cfg.WriteTimeout,
		MaxHeaderBytes: cfg.MaxHeaderBytes,
	}
	return s
}

func (s *Server) Router() *gin.Engine {
	return s.router
}

// Run blocks until the server stops. A graceful Shutdown is not an error.
func (s *Server) Run() error {
	s.logger.Info("http server listening", zap.String("addr", s.http.Addr))
	if err := s.http.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return errors.Wrap(err, "http server")
	}
	return nil
}

func (s *Server) Shutdown(ctx context.Context) error {
	return s.http.Shutdown(ctx)
}
