package database

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type row struct {
	ID   uint `gorm:"primaryKey"`
	Name string
}

func TestOpenInMemory(t *testing.T) {
	m, err := Open("", zap.NewNop())
	require.NoError(t, err)
	defer m.Close()

	assert.NoError(t, m.Ping(context.Background()))
}

func TestOpenFileAndTransaction(t *testing.T) {
	path := filepath.Join(t.TempDir(), "runs.db")
	m, err := Open(path, zap.NewNop())
	require.NoError(t, err)
	defer m.Close()

	require.NoError(t, m.DB().AutoMigrate(&row{}))

	err = m.WithTransaction(context.Background(), func(tx *gorm.DB) error {
		return tx.Create(&row{Name: "one"}).Error
	})
	require.NoError(t, err)

	var count int64
	require.NoError(t, m.DB().Model(&row{}).Count(&count).Error)
	assert.Equal(t, int64(1), count)
}

func TestCloseTwice(t *testing.T) {
	m, err := Open("", zap.NewNop())
	require.NoError(t, err)

	require.NoError(t, m.Close())
	require.NoError(t, m.Close())
	assert.Error(t, m.Ping(context.Background()))
}
