package orm

import (
	"context"
	"fmt"

	"github.com/google/wire"
	"github.com/jobs/opsmonitor/internal/infra/persistence/jobexecrepo"
	"github.com/jobs/opsmonitor/pkg/config"
	"gorm.io/driver/mysql"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

var Provider = wire.NewSet(New)

type Storage struct {
	db *gorm.DB
}

func New(cfg config.DatabaseConfig) (*Storage, error) {
	dsn := fmt.Sprintf("%s:%s@tcp(%s:%d)/%s?charset=utf8mb4&parseTime=True&loc=UTC",
		cfg.User, cfg.Password, cfg.Host, cfg.Port, cfg.Database)

	s, err := Open(mysql.Open(dsn))
	if err != nil {
		return nil, err
	}

	sqlDB, err := s.db.DB()
	if err != nil {
		return nil, fmt.Errorf("failed to get sql.DB: %w", err)
	}
	sqlDB.SetMaxOpenConns(cfg.MaxConnections)
	sqlDB.SetMaxIdleConns(cfg.MaxIdleConnections)
	sqlDB.SetConnMaxLifetime(cfg.ConnectionMaxLifetime)

	return s, nil
}

// Open connects through any gorm dialector. Tests use it with sqlite.
func Open(dialector gorm.Dialector) (*Storage, error) {
	db, err := gorm.Open(dialector, &gorm.Config{
		Logger:                                   logger.Default.LogMode(logger.Warn),
		DisableForeignKeyConstraintWhenMigrating: true, // 禁用外键约束创建
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}
	return &Storage{db: db}, nil
}

// Migrate 自动迁移 job_executions 表及其索引
func (s *Storage) Migrate() error {
	if err := s.db.AutoMigrate(&jobexecrepo.JobExecution{}); err != nil {
		return fmt.Errorf("failed to migrate database: %w", err)
	}
	return nil
}

func (s *Storage) DB() *gorm.DB {
	return s.db
}

func (s *Storage) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

func (s *Storage) Ping(ctx context.Context) error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.PingContext(ctx)
}
