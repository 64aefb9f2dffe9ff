package main

import (
	"github.com/cockroachdb/errors"
	"github.com/jobs/opsmonitor/internal/orm"
	"github.com/jobs/opsmonitor/pkg/config"
	"github.com/jobs/opsmonitor/pkg/logger"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

func migrateCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Create or update the job_executions table",
		RunE: func(cmd *cobra.Command, args []string) error {
			return migrate()
		},
	}
}

func migrate() error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	zapLogger, err := logger.New(cfg.Log)
	if err != nil {
		return err
	}
	defer zapLogger.Sync()

	storage, err := orm.New(cfg.Database)
	if err != nil {
		return errors.Wrap(err, "connect database")
	}
	defer storage.Close()

	if err := storage.Migrate(); err != nil {
		return err
	}
	zapLogger.Info("migration completed",
		zap.String("host", cfg.Database.Host),
		zap.String("database", cfg.Database.Database))
	return nil
}
