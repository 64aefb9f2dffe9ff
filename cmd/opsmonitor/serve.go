package main

import (
	"context"
	"os/signal"
	"syscall"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/jobs/opsmonitor/internal/orm"
	"github.com/jobs/opsmonitor/pkg/config"
	"github.com/jobs/opsmonitor/pkg/ids"
	"github.com/jobs/opsmonitor/pkg/logger"
	"github.com/spf13/cobra"
)

const shutdownTimeout = 30 * time.Second

func serveCommand() *cobra.Command {
	var migrateFirst bool
	c := &cobra.Command{
		Use:     "serve",
		Aliases: []string{"server", "s"},
		Short:   "Run the HTTP API and the periodic monitors",
		RunE: func(cmd *cobra.Command, args []string) error {
			return serve(cmd.Context(), migrateFirst)
		},
	}
	c.Flags().BoolVar(&migrateFirst, "migrate", false, "migrate the schema before starting")
	return c
}

func serve(ctx context.Context, migrateFirst bool) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	zapLogger, err := logger.New(cfg.Log)
	if err != nil {
		return err
	}
	defer zapLogger.Sync()

	ids.Setup(cfg.Server.WorkerID)

	storage, err := orm.New(cfg.Database)
	if err != nil {
		return errors.Wrap(err, "connect database")
	}
	defer storage.Close()

	if migrateFirst {
		if err := storage.Migrate(); err != nil {
			return err
		}
	}

	app, cleanup, err := InitializeApp(cfg, zapLogger, storage)
	if err != nil {
		return err
	}
	defer cleanup()

	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	return app.Run(ctx)
}
