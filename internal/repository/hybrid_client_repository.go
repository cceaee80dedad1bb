package repository

import (
	"context"
	"database/sql/driver"
	"errors"
	"net"
	"sync"

	"github.com/go-sql-driver/mysql"
	"github.com/sirupsen/logrus"

	"github.com/jsamuelsen11/recipe-web-app/authz-server/internal/models"
)

// HybridClientRepository implements ClientRepository with MySQL primary storage and a store cache.
// This repository follows the cache-aside pattern:
//   - Reads: Check cache first, on miss read from MySQL and populate cache
//   - Writes: Write to MySQL first (source of truth), then update cache
//   - Graceful degradation: Falls back to cache-only if MySQL is unavailable
//
// Thread-safe for concurrent operations.
type HybridClientRepository struct {
	primary ClientRepository
	cache   *StoreClientRepository
	logger  *logrus.Logger

	primaryAvailable bool
	mu               sync.RWMutex
}

// NewHybridClientRepository creates a new hybrid client repository. primary
// may be nil when MySQL is not configured.
func NewHybridClientRepository(
	primary ClientRepository,
	cache *StoreClientRepository,
	logger *logrus.Logger,
) *HybridClientRepository {
	return &HybridClientRepository{
		primary:          primary,
		cache:            cache,
		logger:           logger,
		primaryAvailable: primary != nil,
	}
}

// writeThrough runs a write against MySQL when it is available and mirrors it
// into the cache. It falls back to a cache-only write on connection errors.
func (r *HybridClientRepository) writeThrough(
	op string,
	primaryWrite func(ClientRepository) error,
	cacheWrite func(*StoreClientRepository) error,
) error {
	if r.IsMySQLAvailable() {
		err := primaryWrite(r.primary)
		switch {
		case err == nil:
			r.restoreMySQLAvailable()
			if cacheErr := cacheWrite(r.cache); cacheErr != nil {
				r.logger.WithError(cacheErr).WithField("operation", op).Warn("Failed to mirror client write into cache")
			}
			return nil
		case isConnectionError(err):
			r.logger.WithError(err).WithField("operation", op).Warn("MySQL unavailable, falling back to cache")
			r.setMySQLUnavailable()
		default:
			return err
		}
	}

	r.logger.WithField("operation", op).Info("Using cache-only mode (MySQL unavailable)")
	return cacheWrite(r.cache)
}

// CreateClient stores a new client in MySQL (primary) and the cache.
func (r *HybridClientRepository) CreateClient(ctx context.Context, client *models.Client) error {
	return r.writeThrough("CreateClient",
		func(p ClientRepository) error { return p.CreateClient(ctx, client) },
		func(c *StoreClientRepository) error { return c.PutClient(ctx, client) },
	)
}

// GetClientByID retrieves a client from the cache first, then MySQL on a miss.
func (r *HybridClientRepository) GetClientByID(ctx context.Context, clientID string) (*models.Client, error) {
	client, err := r.cache.GetClientByID(ctx, clientID)
	if err == nil {
		return client, nil
	}
	if !errors.Is(err, models.ErrClientNotFound) {
		r.logger.WithError(err).WithField("client_id", clientID).Debug("Cache error during GetClientByID")
	}

	// MySQL is tried even when marked unavailable so reads can detect recovery.
	if r.primary == nil {
		return nil, models.ErrClientNotFound
	}

	client, err = r.primary.GetClientByID(ctx, clientID)
	if err != nil {
		if isConnectionError(err) {
			r.logger.WithError(err).WithField("client_id", clientID).Warn("MySQL unavailable during GetClientByID")
			r.setMySQLUnavailable()
		}
		return nil, err
	}

	r.restoreMySQLAvailable()

	if cacheErr := r.cache.PutClient(ctx, client); cacheErr != nil {
		r.logger.WithError(cacheErr).WithField("client_id", clientID).Debug("Failed to populate cache after MySQL read")
	}

	return client, nil
}

// UpdateClient updates the client in MySQL (primary) and the cache.
func (r *HybridClientRepository) UpdateClient(ctx context.Context, client *models.Client) error {
	return r.writeThrough("UpdateClient",
		func(p ClientRepository) error { return p.UpdateClient(ctx, client) },
		func(c *StoreClientRepository) error { return r.refreshCache(ctx, c, client.ID) },
	)
}

// UpdateClientSecret rotates the secret in MySQL (primary) and the cache.
func (r *HybridClientRepository) UpdateClientSecret(ctx context.Context, clientID, newSecretHash string) error {
	return r.writeThrough("UpdateClientSecret",
		func(p ClientRepository) error { return p.UpdateClientSecret(ctx, clientID, newSecretHash) },
		func(c *StoreClientRepository) error { return c.UpdateClientSecret(ctx, clientID, newSecretHash) },
	)
}

// refreshCache reloads a client from MySQL into the cache, or drops the cached
// copy if MySQL cannot be read.
func (r *HybridClientRepository) refreshCache(ctx context.Context, cache *StoreClientRepository, clientID string) error {
	if r.IsMySQLAvailable() {
		if client, err := r.primary.GetClientByID(ctx, clientID); err == nil {
			return cache.PutClient(ctx, client)
		}
	}
	return cache.store.DeleteClient(ctx, clientID)
}

// DeleteClient removes the client from MySQL (primary) and the cache.
func (r *HybridClientRepository) DeleteClient(ctx context.Context, clientID string) error {
	return r.writeThrough("DeleteClient",
		func(p ClientRepository) error { return p.DeleteClient(ctx, clientID) },
		func(c *StoreClientRepository) error { return c.store.DeleteClient(ctx, clientID) },
	)
}

// ListActiveClients lists active clients from MySQL, or from the cache while
// MySQL is unavailable.
func (r *HybridClientRepository) ListActiveClients(ctx context.Context) ([]*models.Client, error) {
	if r.primary == nil {
		return r.cache.ListActiveClients(ctx)
	}

	clients, err := r.primary.ListActiveClients(ctx)
	if err != nil {
		if isConnectionError(err) {
			r.logger.WithError(err).Warn("MySQL unavailable during ListActiveClients, listing cache")
			r.setMySQLUnavailable()
			return r.cache.ListActiveClients(ctx)
		}
		return nil, err
	}

	r.restoreMySQLAvailable()
	return clients, nil
}

// IsClientExists checks the cache and then MySQL for client existence.
func (r *HybridClientRepository) IsClientExists(ctx context.Context, clientID string) (bool, error) {
	exists, err := r.cache.IsClientExists(ctx, clientID)
	if err == nil && exists {
		return true, nil
	}
	if r.primary == nil {
		return exists, err
	}

	exists, err = r.primary.IsClientExists(ctx, clientID)
	if err != nil {
		if isConnectionError(err) {
			r.logger.WithError(err).Warn("MySQL unavailable during IsClientExists")
			r.setMySQLUnavailable()
		}
		return false, err
	}

	r.restoreMySQLAvailable()
	return exists, nil
}

// GetClientByName looks a client up by name in MySQL, falling back to the cache.
func (r *HybridClientRepository) GetClientByName(ctx context.Context, name string) (*models.Client, error) {
	if r.primary == nil {
		return r.cache.GetClientByName(ctx, name)
	}

	client, err := r.primary.GetClientByName(ctx, name)
	if err != nil {
		if isConnectionError(err) {
			r.logger.WithError(err).Warn("MySQL unavailable during GetClientByName")
			r.setMySQLUnavailable()
			return r.cache.GetClientByName(ctx, name)
		}
		return nil, err
	}

	r.restoreMySQLAvailable()
	return client, nil
}

func (r *HybridClientRepository) setMySQLUnavailable() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.primaryAvailable {
		r.logger.Warn("MySQL marked as unavailable")
	}
	r.primaryAvailable = false
}

func (r *HybridClientRepository) restoreMySQLAvailable() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.primaryAvailable {
		r.logger.Info("MySQL connectivity restored")
		r.primaryAvailable = true
	}
}

// SetMySQLAvailable updates the MySQL availability flag. Health monitoring
// uses it to restore MySQL after an outage.
func (r *HybridClientRepository) SetMySQLAvailable(available bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.primaryAvailable = available && r.primary != nil
}

// IsMySQLAvailable returns the current MySQL availability status.
func (r *HybridClientRepository) IsMySQLAvailable() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.primaryAvailable && r.primary != nil
}

// isConnectionError separates availability failures from business errors such
// as a duplicate or missing client.
func isConnectionError(err error) bool {
	if err == nil {
		return false
	}

	var netErr net.Error
	return errors.Is(err, ErrDatabaseUnavailable) ||
		errors.Is(err, context.DeadlineExceeded) ||
		errors.Is(err, driver.ErrBadConn) ||
		errors.Is(err, mysql.ErrInvalidConn) ||
		errors.As(err, &netErr)
}
