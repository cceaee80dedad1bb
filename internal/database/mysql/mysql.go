// Package mysql manages the MySQL connection used by the client catalog.
package mysql

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"io/fs"
	"sync"
	"time"

	// Import MySQL driver for database/sql.
	_ "github.com/go-sql-driver/mysql"
	"github.com/pressly/goose/v3"
	"github.com/sirupsen/logrus"

	"github.com/jsamuelsen11/recipe-web-app/authz-server/internal/config"
)

const (
	healthCheckTimeout = 5 * time.Second
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// ErrDatabaseUnavailable is returned when database operations are attempted while database is unavailable.
var ErrDatabaseUnavailable = errors.New("database is not available")

// Manager owns the MySQL connection pool and reconnects in the background
// when the database goes away.
type Manager struct {
	db        *sql.DB
	dsn       string
	config    *config.MySQLConfig
	logger    *logrus.Logger
	available bool
	mu        sync.RWMutex
	ctx       context.Context
	cancel    context.CancelFunc
}

// NewManager creates a MySQL manager. Without configured credentials it returns
// a manager that never connects.
func NewManager(cfg *config.Config, logger *logrus.Logger) (*Manager, error) {
	ctx, cancel := context.WithCancel(context.Background())

	manager := &Manager{
		dsn:    cfg.MySQLDSN() + "&timeout=" + cfg.MySQLDatabase.ConnectTimeout.String(),
		config: &cfg.MySQLDatabase,
		logger: logger,
		ctx:    ctx,
		cancel: cancel,
	}

	if !cfg.IsMySQLDatabaseConfigured() {
		logger.Info("MySQL database not configured, client catalog uses the grant store")
		return manager, nil
	}

	if err := manager.connect(); err != nil {
		logger.WithError(err).Warn("Failed to connect to MySQL database on startup, will retry periodically")
	}

	go manager.healthMonitor()

	return manager, nil
}

func (m *Manager) connect() error {
	db, err := sql.Open("mysql", m.dsn)
	if err != nil {
		return err
	}

	db.SetMaxOpenConns(m.config.MaxConn)
	db.SetMaxIdleConns(m.config.MinConn)
	db.SetConnMaxLifetime(m.config.MaxConnLifetime)
	db.SetConnMaxIdleTime(m.config.MaxConnIdleTime)

	ctx, cancel := context.WithTimeout(m.ctx, m.config.ConnectTimeout)
	defer cancel()

	if pingErr := db.PingContext(ctx); pingErr != nil {
		_ = db.Close()
		return pingErr
	}

	m.mu.Lock()
	if m.db != nil {
		_ = m.db.Close()
	}
	m.db = db
	m.available = true
	m.mu.Unlock()

	m.logger.Info("Successfully connected to MySQL database")
	return nil
}

func (m *Manager) healthMonitor() {
	ticker := time.NewTicker(m.config.HealthCheckPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-m.ctx.Done():
			return
		case <-ticker.C:
			m.checkHealth()
		}
	}
}

func (m *Manager) checkHealth() {
	m.mu.RLock()
	db := m.db
	wasAvailable := m.available
	m.mu.RUnlock()

	if db == nil {
		if err := m.connect(); err != nil && wasAvailable {
			m.setAvailable(false)
			m.logger.WithError(err).Warn("MySQL database connection lost, attempting reconnection")
		}
		return
	}

	ctx, cancel := context.WithTimeout(m.ctx, healthCheckTimeout)
	defer cancel()

	if err := db.PingContext(ctx); err != nil {
		m.setAvailable(false)
		if wasAvailable {
			m.logger.WithError(err).Warn("MySQL database health check failed, connection lost")
		}
		if reconnectErr := m.connect(); reconnectErr != nil {
			m.logger.WithError(reconnectErr).Debug("MySQL reconnection attempt failed")
		}
		return
	}

	if !wasAvailable {
		m.setAvailable(true)
		m.logger.Info("MySQL database connection restored")
	}
}

func (m *Manager) setAvailable(available bool) {
	m.mu.Lock()
	m.available = available
	m.mu.Unlock()
}

// Migrate applies the embedded client catalog schema.
func (m *Manager) Migrate(ctx context.Context) error {
	db := m.DB()
	if db == nil {
		return ErrDatabaseUnavailable
	}

	migrations, err := fs.Sub(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("failed to open embedded migrations: %w", err)
	}

	provider, err := goose.NewProvider(goose.DialectMySQL, db, migrations)
	if err != nil {
		return fmt.Errorf("failed to create MySQL migration provider: %w", err)
	}

	results, err := provider.Up(ctx)
	if err != nil {
		return fmt.Errorf("failed to apply MySQL migrations: %w", err)
	}

	m.logger.WithField("applied", len(results)).Info("MySQL migrations applied")
	return nil
}

// IsAvailable returns true if the database is currently available.
func (m *Manager) IsAvailable() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.available
}

// DB returns the database connection, or nil while the database is unavailable.
func (m *Manager) DB() *sql.DB {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.available {
		return m.db
	}
	return nil
}

// Close closes the database connection and stops health monitoring.
func (m *Manager) Close() {
	m.cancel()

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.db != nil {
		_ = m.db.Close()
		m.db = nil
	}
	m.available = false
}

// Ping performs a health check on the database connection.
func (m *Manager) Ping(ctx context.Context) error {
	db := m.DB()
	if db == nil {
		return ErrDatabaseUnavailable
	}
	return db.PingContext(ctx)
}
