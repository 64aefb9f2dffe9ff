package commonrepo

import (
	"context"
	"testing"

	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

type row struct {
	Model
	Name string
}

func newRepo(t *testing.T) DefaultRepo {
	t.Helper()
	db, err := gorm.Open(sqlite.Open("file:commonrepo?mode=memory&cache=shared"), &gorm.Config{Logger: logger.Default.LogMode(logger.Silent)})
	require.NoError(t, err)
	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = sqlDB.Close() })
	require.NoError(t, db.Migrator().DropTable(&row{}))
	require.NoError(t, db.AutoMigrate(&row{}))
	return NewDefaultRepo(db)
}

func count(t *testing.T, r *DefaultRepo) int64 {
	t.Helper()
	var n int64
	require.NoError(t, r.Db(context.Background()).Model(&row{}).Count(&n).Error)
	return n
}

func TestExecuteCommits(t *testing.T) {
	r := newRepo(t)
	ctx := context.Background()

	err := r.Execute(ctx, func(ctx context.Context) error {
		if err := r.Db(ctx).Create(&row{Model: Model{ID: 1}, Name: "a"}).Error; err != nil {
			return err
		}
		// nested calls join the outer transaction
		return r.Execute(ctx, func(ctx context.Context) error {
			return r.Db(ctx).Create(&row{Model: Model{ID: 2}, Name: "b"}).Error
		})
	})
	require.NoError(t, err)
	assert.Equal(t, int64(2), count(t, &r))
}

func TestExecuteRollsBack(t *testing.T) {
	r := newRepo(t)
	ctx := context.Background()
	boom := errors.New("boom")

	err := r.Execute(ctx, func(ctx context.Context) error {
		if err := r.Db(ctx).Create(&row{Model: Model{ID: 7}, Name: "a"}).Error; err != nil {
			return err
		}
		return boom
	})
	assert.ErrorIs(t, err, boom)
	assert.Zero(t, count(t, &r))
}
