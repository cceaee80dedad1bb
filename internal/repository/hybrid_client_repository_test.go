package repository_test

import (
	"context"
	"errors"
	"io"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jsamuelsen11/recipe-web-app/authz-server/internal/models"
	"github.com/jsamuelsen11/recipe-web-app/authz-server/internal/redis"
	"github.com/jsamuelsen11/recipe-web-app/authz-server/internal/repository"
)

// fakePrimary is an in-process ClientRepository whose failures can be forced.
type fakePrimary struct {
	clients map[string]*models.Client
	err     error
	reads   int
}

func newFakePrimary() *fakePrimary {
	return &fakePrimary{clients: map[string]*models.Client{}}
}

func (f *fakePrimary) CreateClient(_ context.Context, client *models.Client) error {
	if f.err != nil {
		return f.err
	}
	if _, ok := f.clients[client.ID]; ok {
		return models.ErrAlreadyExists
	}
	c := *client
	f.clients[client.ID] = &c
	return nil
}

func (f *fakePrimary) GetClientByID(_ context.Context, clientID string) (*models.Client, error) {
	f.reads++
	if f.err != nil {
		return nil, f.err
	}
	c, ok := f.clients[clientID]
	if !ok {
		return nil, models.ErrClientNotFound
	}
	out := *c
	return &out, nil
}

func (f *fakePrimary) UpdateClient(_ context.Context, client *models.Client) error {
	if f.err != nil {
		return f.err
	}
	existing, ok := f.clients[client.ID]
	if !ok {
		return models.ErrClientNotFound
	}
	c := *client
	c.SecretHash = existing.SecretHash
	f.clients[client.ID] = &c
	return nil
}

func (f *fakePrimary) UpdateClientSecret(_ context.Context, clientID, hash string) error {
	if f.err != nil {
		return f.err
	}
	c, ok := f.clients[clientID]
	if !ok {
		return models.ErrClientNotFound
	}
	c.SecretHash = hash
	return nil
}

func (f *fakePrimary) DeleteClient(_ context.Context, clientID string) error {
	if f.err != nil {
		return f.err
	}
	delete(f.clients, clientID)
	return nil
}

func (f *fakePrimary) ListActiveClients(_ context.Context) ([]*models.Client, error) {
	if f.err != nil {
		return nil, f.err
	}
	out := make([]*models.Client, 0, len(f.clients))
	for _, c := range f.clients {
		out = append(out, c)
	}
	return out, nil
}

func (f *fakePrimary) IsClientExists(_ context.Context, clientID string) (bool, error) {
	if f.err != nil {
		return false, f.err
	}
	_, ok := f.clients[clientID]
	return ok, nil
}

func (f *fakePrimary) GetClientByName(_ context.Context, name string) (*models.Client, error) {
	if f.err != nil {
		return nil, f.err
	}
	for _, c := range f.clients {
		if c.Name == name {
			return c, nil
		}
	}
	return nil, models.ErrClientNotFound
}

func newHybrid(t *testing.T, primary repository.ClientRepository) (*repository.HybridClientRepository, *repository.StoreClientRepository) {
	t.Helper()
	logger := logrus.New()
	logger.SetOutput(io.Discard)

	store := redis.NewMemoryStore(logger)
	t.Cleanup(func() { _ = store.Close() })

	cache := repository.NewStoreClientRepository(store)
	return repository.NewHybridClientRepository(primary, cache, logger), cache
}

func testClient(id string) *models.Client {
	now := time.Now()
	return &models.Client{
		ID:                      id,
		SecretHash:              "hash",
		Name:                    "app-" + id,
		RedirectURIs:            []string{"https://app.example.com/cb"},
		AllowedScopes:           []string{"openid"},
		GrantTypes:              []models.GrantType{models.GrantTypeAuthorizationCode},
		TokenEndpointAuthMethod: models.AuthMethodSecretBasic,
		Status:                  models.ClientStatusActive,
		CreatedAt:               now,
		UpdatedAt:               now,
	}
}

func TestHybridClientRepository_CreateWritesThrough(t *testing.T) {
	ctx := context.Background()
	primary := newFakePrimary()
	repo, cache := newHybrid(t, primary)

	require.NoError(t, repo.CreateClient(ctx, testClient("c1")))

	assert.Contains(t, primary.clients, "c1")
	cached, err := cache.GetClientByID(ctx, "c1")
	require.NoError(t, err)
	assert.Equal(t, "app-c1", cached.Name)
}

func TestHybridClientRepository_GetPopulatesCache(t *testing.T) {
	ctx := context.Background()
	primary := newFakePrimary()
	primary.clients["c1"] = testClient("c1")
	repo, _ := newHybrid(t, primary)

	first, err := repo.GetClientByID(ctx, "c1")
	require.NoError(t, err)
	assert.Equal(t, "c1", first.ID)

	_, err = repo.GetClientByID(ctx, "c1")
	require.NoError(t, err)
	assert.Equal(t, 1, primary.reads)
}

func TestHybridClientRepository_GetUnknownClient(t *testing.T) {
	repo, _ := newHybrid(t, newFakePrimary())

	_, err := repo.GetClientByID(context.Background(), "missing")
	assert.ErrorIs(t, err, models.ErrClientNotFound)
	assert.True(t, repo.IsMySQLAvailable())
}

func TestHybridClientRepository_FallsBackOnConnectionError(t *testing.T) {
	tests := []struct {
		name string
		err  error
	}{
		{name: "database_unavailable", err: repository.ErrDatabaseUnavailable},
		{name: "deadline_exceeded", err: context.DeadlineExceeded},
		{name: "wrapped_unavailable", err: errors.Join(errors.New("dial"), repository.ErrDatabaseUnavailable)},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ctx := context.Background()
			primary := newFakePrimary()
			primary.err = tt.err
			repo, cache := newHybrid(t, primary)

			require.NoError(t, repo.CreateClient(ctx, testClient("c1")))
			assert.False(t, repo.IsMySQLAvailable())

			cached, err := cache.GetClientByID(ctx, "c1")
			require.NoError(t, err)
			assert.Equal(t, "c1", cached.ID)
		})
	}
}

func TestHybridClientRepository_BusinessErrorIsReturned(t *testing.T) {
	ctx := context.Background()
	primary := newFakePrimary()
	primary.clients["c1"] = testClient("c1")
	repo, cache := newHybrid(t, primary)

	err := repo.CreateClient(ctx, testClient("c1"))
	assert.ErrorIs(t, err, models.ErrAlreadyExists)
	assert.True(t, repo.IsMySQLAvailable())

	exists, err := cache.IsClientExists(ctx, "c1")
	require.NoError(t, err)
	assert.False(t, exists)
}

func TestHybridClientRepository_ReadRestoresAvailability(t *testing.T) {
	ctx := context.Background()
	primary := newFakePrimary()
	primary.clients["c1"] = testClient("c1")
	repo, _ := newHybrid(t, primary)

	repo.SetMySQLAvailable(false)
	assert.False(t, repo.IsMySQLAvailable())

	_, err := repo.GetClientByID(ctx, "c1")
	require.NoError(t, err)
	assert.True(t, repo.IsMySQLAvailable())
}

func TestHybridClientRepository_UpdateSecretAndDelete(t *testing.T) {
	ctx := context.Background()
	primary := newFakePrimary()
	repo, cache := newHybrid(t, primary)
	require.NoError(t, repo.CreateClient(ctx, testClient("c1")))

	require.NoError(t, repo.UpdateClientSecret(ctx, "c1", "rotated"))
	assert.Equal(t, "rotated", primary.clients["c1"].SecretHash)
	cached, err := cache.GetClientByID(ctx, "c1")
	require.NoError(t, err)
	assert.Equal(t, "rotated", cached.SecretHash)

	require.NoError(t, repo.DeleteClient(ctx, "c1"))
	assert.NotContains(t, primary.clients, "c1")
	_, err = cache.GetClientByID(ctx, "c1")
	assert.ErrorIs(t, err, models.ErrClientNotFound)
}

func TestHybridClientRepository_ListFallsBackToCache(t *testing.T) {
	ctx := context.Background()
	primary := newFakePrimary()
	repo, _ := newHybrid(t, primary)
	require.NoError(t, repo.CreateClient(ctx, testClient("c1")))

	primary.err = repository.ErrDatabaseUnavailable
	clients, err := repo.ListActiveClients(ctx)
	require.NoError(t, err)
	require.Len(t, clients, 1)
	assert.Equal(t, "c1", clients[0].ID)
}

func TestHybridClientRepository_WithoutPrimary(t *testing.T) {
	ctx := context.Background()
	repo, _ := newHybrid(t, nil)
	assert.False(t, repo.IsMySQLAvailable())

	require.NoError(t, repo.CreateClient(ctx, testClient("c1")))
	got, err := repo.GetClientByID(ctx, "c1")
	require.NoError(t, err)
	assert.Equal(t, "c1", got.ID)

	byName, err := repo.GetClientByName(ctx, "app-c1")
	require.NoError(t, err)
	assert.Equal(t, "c1", byName.ID)
}
