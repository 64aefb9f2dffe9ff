package commonrepo

import (
	"context"
	"database/sql"

	"gorm.io/gorm"
)

// DB is the slice of *gorm.DB the repositories start their queries from.
// A transaction handle satisfies it as well.
type DB interface {
	Model(value any) (tx *gorm.DB)
	Create(value any) (tx *gorm.DB)
	Where(query any, args ...any) (tx *gorm.DB)
	Delete(value any, conds ...any) (tx *gorm.DB)
	First(dest any, conds ...any) (tx *gorm.DB)
	Find(dest any, conds ...any) (tx *gorm.DB)
	Transaction(fn func(tx *gorm.DB) error, opts ...*sql.TxOptions) error
	AutoMigrate(table ...any) error
	WithContext(ctx context.Context) *gorm.DB
	DB() (*sql.DB, error)
}
