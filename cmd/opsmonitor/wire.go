//go:build wireinject
// +build wireinject

package main

//go:generate go run -mod=mod github.com/google/wire/cmd/wire

import (
	"github.com/google/wire"
	"github.com/jobs/opsmonitor/internal/alerting"
	"github.com/jobs/opsmonitor/internal/api"
	"github.com/jobs/opsmonitor/internal/biz/execution"
	"github.com/jobs/opsmonitor/internal/health"
	"github.com/jobs/opsmonitor/internal/infra/persistence/jobexecrepo"
	"github.com/jobs/opsmonitor/internal/monitor"
	"github.com/jobs/opsmonitor/internal/orm"
	"github.com/jobs/opsmonitor/internal/scheduler"
	"github.com/jobs/opsmonitor/internal/telemetry"
	"github.com/jobs/opsmonitor/pkg/config"
	"go.uber.org/zap"
)

func InitializeApp(cfg *config.Config, logger *zap.Logger, storage *orm.Storage) (*App, func(), error) {
	wire.Build(
		NewApp,

		ProvideRedisClient,
		ProvideServerConfig,
		ProvideMonitorConfig,
		ProvideAlertingConfig,
		ProvideDB,
		ProvideHealthOptions,
		ProvideProbeSpecs,
		ProvideFallbackCache,
		ProvideRequestStats,
		ProvideSampler,

		wire.Bind(new(monitor.AlertSender), new(*alerting.Dispatcher)),
		wire.Bind(new(health.AlertSender), new(*alerting.Dispatcher)),

		// http api providers
		api.Provider,

		// monitors
		scheduler.Provider,
		monitor.Provider,
		health.Provider,
		alerting.Provider,
		telemetry.Provider,

		// biz providers
		execution.Provider,

		// infra providers
		jobexecrepo.Provider,
	)
	return nil, nil, nil
}
