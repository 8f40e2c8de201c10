// Package database opens and manages the embedded sqlite database backing
// run persistence.
// This package is internal and should not be imported by external projects.
package database

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/glebarez/sqlite"
	"go.uber.org/zap"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"
)

// Manager owns one sqlite connection pool.
type Manager struct {
	db     *gorm.DB
	sqlDB  *sql.DB
	logger *zap.Logger
	mu     sync.RWMutex
	closed bool
}

// Open creates the sqlite database at path, creating the file on first use.
// An empty path opens an in-memory database, used by tests.
func Open(path string, logger *zap.Logger) (*Manager, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if path == "" {
		path = ":memory:"
	}

	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("open sqlite %s: %w", path, err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("sqlite connection: %w", err)
	}

	// sqlite has a single writer; keeping one open connection avoids
	// "database is locked" churn under concurrent dispatch saves.
	sqlDB.SetMaxOpenConns(1)
	sqlDB.SetConnMaxIdleTime(10 * time.Minute)

	m := &Manager{
		db:     db,
		sqlDB:  sqlDB,
		logger: logger.With(zap.String("component", "database")),
	}
	m.logger.Info("sqlite database opened", zap.String("path", path))
	return m, nil
}

// DB returns the gorm handle.
func (m *Manager) DB() *gorm.DB {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.db
}

// Ping checks the connection.
func (m *Manager) Ping(ctx context.Context) error {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return fmt.Errorf("database is closed")
	}
	return m.sqlDB.PingContext(ctx)
}

// Close shuts the pool down. Safe to call twice.
func (m *Manager) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil
	}
	m.closed = true
	m.logger.Info("closing database")
	return m.sqlDB.Close()
}

// WithTransaction runs fn inside a transaction, retrying lock contention
// with exponential backoff.
func (m *Manager) WithTransaction(ctx context.Context, fn func(tx *gorm.DB) error) error {
	const maxRetries = 3
	var lastErr error
	for i := 0; i < maxRetries; i++ {
		err := m.DB().WithContext(ctx).Transaction(fn)
		if err == nil {
			return nil
		}
		lastErr = err
		if !isLockError(err) {
			return err
		}
		m.logger.Warn("transaction retry", zap.Int("attempt", i+1), zap.Error(err))
		backoff := time.Duration(1<<uint(i)) * 50 * time.Millisecond
		select {
		case <-ctx.Done():
			return context.Cause(ctx)
		case <-time.After(backoff):
		}
	}
	return fmt.Errorf("transaction failed after %d retries: %w", maxRetries, lastErr)
}

func isLockError(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "database is locked") || strings.Contains(msg, "busy")
}
