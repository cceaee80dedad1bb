package repository

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/jsamuelsen11/recipe-web-app/authz-server/internal/models"
)

// StoreClientRepository implements ClientRepository over a key-value
// ClientStore (Redis or the in-memory store). It also serves as the cache
// layer of HybridClientRepository.
type StoreClientRepository struct {
	store ClientStore
}

// NewStoreClientRepository creates a client repository backed by store.
func NewStoreClientRepository(store ClientStore) *StoreClientRepository {
	return &StoreClientRepository{
		store: store,
	}
}

// CreateClient stores a new OAuth2 client.
func (r *StoreClientRepository) CreateClient(ctx context.Context, client *models.Client) error {
	exists, err := r.IsClientExists(ctx, client.ID)
	if err != nil {
		return err
	}
	if exists {
		return models.ErrAlreadyExists
	}

	return r.store.StoreClient(ctx, client)
}

// PutClient stores a client whether or not it already exists. The hybrid
// repository uses it to populate the cache.
func (r *StoreClientRepository) PutClient(ctx context.Context, client *models.Client) error {
	return r.store.StoreClient(ctx, client)
}

// GetClientByID retrieves an OAuth2 client by ID.
func (r *StoreClientRepository) GetClientByID(ctx context.Context, clientID string) (*models.Client, error) {
	return r.store.GetClient(ctx, clientID)
}

// UpdateClient replaces an existing client's metadata and keeps its secret.
func (r *StoreClientRepository) UpdateClient(ctx context.Context, client *models.Client) error {
	existing, err := r.store.GetClient(ctx, client.ID)
	if err != nil {
		return fmt.Errorf("failed to get client: %w", err)
	}

	updated := *client
	updated.SecretHash = existing.SecretHash // pragma: allowlist secret
	updated.CreatedAt = existing.CreatedAt
	updated.UpdatedAt = time.Now()
	return r.store.StoreClient(ctx, &updated)
}

// UpdateClientSecret rotates the client secret to a new hashed value.
func (r *StoreClientRepository) UpdateClientSecret(ctx context.Context, clientID, newSecretHash string) error {
	client, err := r.store.GetClient(ctx, clientID)
	if err != nil {
		return fmt.Errorf("failed to get client: %w", err)
	}

	client.SecretHash = newSecretHash // pragma: allowlist secret
	client.UpdatedAt = time.Now()
	return r.store.StoreClient(ctx, client)
}

// DeleteClient removes an OAuth2 client.
func (r *StoreClientRepository) DeleteClient(ctx context.Context, clientID string) error {
	if _, err := r.store.GetClient(ctx, clientID); err != nil {
		return fmt.Errorf("failed to get client: %w", err)
	}

	return r.store.DeleteClient(ctx, clientID)
}

// ListActiveClients returns active clients, newest first. The Redis store
// answers this with a key scan.
func (r *StoreClientRepository) ListActiveClients(ctx context.Context) ([]*models.Client, error) {
	all, err := r.store.ListClients(ctx)
	if err != nil {
		return nil, err
	}

	active := make([]*models.Client, 0, len(all))
	for _, client := range all {
		if client.IsActive() {
			active = append(active, client)
		}
	}
	sort.SliceStable(active, func(i, j int) bool { return active[i].CreatedAt.After(active[j].CreatedAt) })
	return active, nil
}

// IsClientExists checks if a client with the given ID exists.
func (r *StoreClientRepository) IsClientExists(ctx context.Context, clientID string) (bool, error) {
	_, err := r.store.GetClient(ctx, clientID)
	if errors.Is(err, models.ErrClientNotFound) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to check client existence: %w", err)
	}
	return true, nil
}

// GetClientByName scans the stored clients for a matching display name.
func (r *StoreClientRepository) GetClientByName(ctx context.Context, name string) (*models.Client, error) {
	all, err := r.store.ListClients(ctx)
	if err != nil {
		return nil, err
	}

	for _, client := range all {
		if client.Name == name {
			return client, nil
		}
	}
	return nil, models.ErrClientNotFound
}
