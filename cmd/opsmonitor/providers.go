package main

import (
	"context"
	"fmt"

	redis "github.com/go-redis/redis/v8"
	"github.com/jobs/opsmonitor/internal/alerting"
	"github.com/jobs/opsmonitor/internal/api"
	"github.com/jobs/opsmonitor/internal/health"
	"github.com/jobs/opsmonitor/internal/infra/persistence/commonrepo"
	"github.com/jobs/opsmonitor/internal/orm"
	"github.com/jobs/opsmonitor/internal/scheduler"
	"github.com/jobs/opsmonitor/pkg/config"
	"go.uber.org/zap"
)

// ProvideRedisClient builds a redis client from typed config.
// Returns a nil interface when redis is disabled.
func ProvideRedisClient(cfg *config.Config) (redis.UniversalClient, func()) {
	if !cfg.Redis.Enabled {
		return nil, func() {}
	}
	client := redis.NewClient(&redis.Options{
		Addr:     fmt.Sprintf("%s:%d", cfg.Redis.Host, cfg.Redis.Port),
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	return client, func() { _ = client.Close() }
}

func ProvideServerConfig(cfg *config.Config) config.ServerConfig {
	return cfg.Server
}

func ProvideMonitorConfig(cfg *config.Config) config.MonitorConfig {
	return cfg.Monitor
}

func ProvideAlertingConfig(cfg *config.Config) config.AlertingConfig {
	return cfg.Alerting
}

func ProvideDB(storage *orm.Storage) commonrepo.DB {
	return storage.DB()
}

func ProvideHealthOptions(cfg *config.Config) health.Options {
	return health.Options{
		AlertThreshold: cfg.HealthCheck.AlertThreshold,
		FallbackTTL:    cfg.HealthCheck.FallbackTTL,
		Version:        cfg.Server.Version,
	}
}

func ProvideProbeSpecs(cfg *config.Config, storage *orm.Storage, client redis.UniversalClient) []health.ProbeSpec {
	return health.SpecsFromConfig(cfg.HealthCheck, storage, client)
}

// ProvideFallbackCache keeps the last good snapshot in redis when it is
// enabled; otherwise the aggregator only remembers it in memory.
func ProvideFallbackCache(client redis.UniversalClient) health.FallbackCache {
	if client == nil {
		return nil
	}
	return health.NewRedisFallbackCache(client)
}

func ProvideRequestStats(cfg *config.Config) *alerting.RequestStats {
	return alerting.NewRequestStats(cfg.Alerting.Sampling.Window)
}

func ProvideSampler(requests *alerting.RequestStats, storage *orm.Storage, logger *zap.Logger) *alerting.Sampler {
	return alerting.NewSampler(requests, storage, logger)
}

type App struct {
	server    *api.Server
	scheduler *scheduler.Scheduler
	logger    *zap.Logger
}

func NewApp(server *api.Server, sched *scheduler.Scheduler, logger *zap.Logger) *App {
	return &App{
		server:    server,
		scheduler: sched,
		logger:    logger,
	}
}

// Run starts the periodic monitors and the HTTP server and blocks until ctx
// is done or the server fails.
func (a *App) Run(ctx context.Context) error {
	if err := a.scheduler.Start(); err != nil {
		return err
	}
	defer a.scheduler.Stop()

	errCh := make(chan error, 1)
	go func() {
		errCh <- a.server.Run()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	a.logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := a.server.Shutdown(shutdownCtx); err != nil {
		a.logger.Error("failed to shutdown http server", zap.Error(err))
	}
	a.logger.Info("shutdown complete")
	return nil
}
