package startup_test

import (
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"

	"github.com/jsamuelsen11/recipe-web-app/authz-server/internal/auth"
	"github.com/jsamuelsen11/recipe-web-app/authz-server/internal/redis"
	"github.com/jsamuelsen11/recipe-web-app/authz-server/internal/repository"
	"github.com/jsamuelsen11/recipe-web-app/authz-server/internal/startup"
)

const clientsYAML = `clients:
  - id: sample-spa
    name: Sample SPA
    redirect_uris: [http://localhost:3000/callback]
    allowed_scopes: [openid, profile]
    grant_types: [authorization_code]
    token_endpoint_auth_method: none
  - id: sample-backend
    name: Sample Backend
    allowed_scopes: [read:cards]
    grant_types: [client_credentials]
    secret_env: STARTUP_TEST_BACKEND_SECRET
`

func discardLogger() *logrus.Logger {
	log := logrus.New()
	log.SetOutput(io.Discard)
	return log
}

func newRegistry(t *testing.T) *auth.ClientRegistry {
	t.Helper()
	store := redis.NewMemoryStore(discardLogger())
	t.Cleanup(func() { _ = store.Close() })
	return auth.NewClientRegistry(
		repository.NewStoreClientRepository(store),
		auth.NewScopeValidator([]string{"openid", "profile", "read:cards"}),
		discardLogger(),
	).WithBcryptCost(bcrypt.MinCost)
}

// writeClientsFile writes the clients file under a relative configs/ path so
// it passes path validation.
func writeClientsFile(t *testing.T, content string) string {
	t.Helper()
	dir := t.TempDir()
	t.Chdir(dir)
	require.NoError(t, os.MkdirAll("configs", 0o750))
	path := filepath.Join("configs", "clients.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestClientSeeder_SeedFile(t *testing.T) {
	t.Setenv("STARTUP_TEST_BACKEND_SECRET", "backend-secret-from-env") // pragma: allowlist secret
	path := writeClientsFile(t, clientsYAML)

	registry := newRegistry(t)
	seeder := startup.NewClientSeeder(registry, false, discardLogger())
	ctx := context.Background()

	created, err := seeder.SeedFile(ctx, path)
	require.NoError(t, err)
	assert.Equal(t, 2, created)

	spa, err := registry.Get(ctx, "sample-spa")
	require.NoError(t, err)
	assert.True(t, spa.IsPublic())
	assert.True(t, spa.RequirePKCE)

	backend, err := registry.Verify(ctx, "sample-backend", "backend-secret-from-env")
	require.NoError(t, err)
	assert.Equal(t, "Sample Backend", backend.Name)

	// A second run leaves existing clients alone.
	created, err = seeder.SeedFile(ctx, path)
	require.NoError(t, err)
	assert.Zero(t, created)
}

func TestClientSeeder_Errors(t *testing.T) {
	tests := []struct {
		name    string
		path    string
		content string
	}{
		{name: "traversal", path: "../clients.yaml"},
		{name: "not_yaml", path: "configs/clients.json"},
		{name: "absolute_outside_configs", path: "/etc/passwd.yaml"},
		{name: "missing_id", content: "clients:\n  - name: no id\n    allowed_scopes: [openid]\n"},
		{name: "invalid_client", content: "clients:\n  - id: x\n    name: x\n    allowed_scopes: [unknown]\n    grant_types: [client_credentials]\n"},
		{name: "malformed_yaml", content: "clients: [\n"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := tt.path
			if tt.content != "" {
				path = writeClientsFile(t, tt.content)
			}
			_, err := startup.NewClientSeeder(newRegistry(t), false, discardLogger()).
				SeedFile(context.Background(), path)
			assert.Error(t, err)
		})
	}
}

type countingMigrator struct {
	calls int
	err   error
}

func (m *countingMigrator) Migrate(context.Context) error {
	m.calls++
	return m.err
}

func TestBootstrap_RunsOnce(t *testing.T) {
	t.Parallel()

	first := &countingMigrator{}
	second := &countingMigrator{}
	b := startup.NewBootstrap([]startup.NamedMigrator{
		{Name: "postgres", Migrator: first},
		{Name: "mysql", Migrator: second},
	}, nil, "", discardLogger())

	require.NoError(t, b.Run(context.Background()))
	require.NoError(t, b.Run(context.Background()))
	assert.Equal(t, 1, first.calls)
	assert.Equal(t, 1, second.calls)
}

func TestBootstrap_MigrationFailureStopsSeeding(t *testing.T) {
	t.Parallel()

	failing := &countingMigrator{err: errors.New("connection refused")}
	next := &countingMigrator{}
	registry := newRegistry(t)
	b := startup.NewBootstrap([]startup.NamedMigrator{
		{Name: "postgres", Migrator: failing},
		{Name: "mysql", Migrator: next},
	}, startup.NewClientSeeder(registry, false, discardLogger()), "configs/clients.yaml", discardLogger())

	err := b.Run(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "migrate postgres")
	assert.Zero(t, next.calls)

	// The first result is sticky.
	assert.Equal(t, err, b.Run(context.Background()))
}
