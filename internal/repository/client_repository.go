// Package repository defines the persistence contracts of the authorization
// server and their SQL and cache-backed implementations.
package repository

import (
	"context"
	"errors"

	"github.com/jsamuelsen11/recipe-web-app/authz-server/internal/models"
)

// ErrDatabaseUnavailable is returned when the backing database has no live connection.
var ErrDatabaseUnavailable = errors.New("database connection not available")

// ClientRepository defines the interface for OAuth2 client data persistence.
// Implementations may use different storage backends (MySQL, Redis, memory).
// All methods accept a context for cancellation and timeout support.
type ClientRepository interface {
	// CreateClient stores a new OAuth2 client. The secret must already be
	// hashed. Returns models.ErrAlreadyExists for a duplicate ID.
	CreateClient(ctx context.Context, client *models.Client) error

	// GetClientByID retrieves a client by its identifier.
	// Returns models.ErrClientNotFound when it does not exist.
	GetClientByID(ctx context.Context, clientID string) (*models.Client, error)

	// UpdateClient updates an existing client's metadata.
	// Use UpdateClientSecret for secret rotation.
	UpdateClient(ctx context.Context, client *models.Client) error

	// UpdateClientSecret rotates the client secret to a new bcrypt hash.
	UpdateClientSecret(ctx context.Context, clientID, newSecretHash string) error

	// DeleteClient removes a client.
	DeleteClient(ctx context.Context, clientID string) error

	// ListActiveClients retrieves all active clients.
	ListActiveClients(ctx context.Context) ([]*models.Client, error)

	// IsClientExists checks if a client with the given ID exists.
	IsClientExists(ctx context.Context, clientID string) (bool, error)

	// GetClientByName retrieves a client by its display name.
	// Used to prevent duplicate registrations of the same application.
	GetClientByName(ctx context.Context, name string) (*models.Client, error)
}

// ClientStore is the key-value client storage offered by the Redis and memory
// stores.
type ClientStore interface {
	StoreClient(ctx context.Context, client *models.Client) error
	GetClient(ctx context.Context, clientID string) (*models.Client, error)
	DeleteClient(ctx context.Context, clientID string) error
	ListClients(ctx context.Context) ([]*models.Client, error)
}
