package main

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"

	"github.com/jsamuelsen11/recipe-web-app/authz-server/internal/auth"
	"github.com/jsamuelsen11/recipe-web-app/authz-server/internal/redis"
	"github.com/jsamuelsen11/recipe-web-app/authz-server/internal/repository"
)

func newTestOpener(t *testing.T) registryOpener {
	t.Helper()
	log := logrus.New()
	log.SetOutput(io.Discard)

	store := redis.NewMemoryStore(log)
	t.Cleanup(func() { _ = store.Close() })

	registry := auth.NewClientRegistry(
		repository.NewStoreClientRepository(store),
		auth.NewScopeValidator([]string{"openid", "profile", "read:cards"}),
		log,
	).WithBcryptCost(bcrypt.MinCost)

	return func(context.Context) (*auth.ClientRegistry, func(), error) {
		return registry, func() {}, nil
	}
}

func run(t *testing.T, open registryOpener, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	cmd := newRootCmd(open)
	cmd.SetOut(&out)
	cmd.SetErr(io.Discard)
	cmd.SetArgs(args)
	err := cmd.Execute()
	return out.String(), err
}

func TestClientManager_Lifecycle(t *testing.T) {
	t.Parallel()
	open := newTestOpener(t)

	out, err := run(t, open, "register", "--json",
		"--id", "backend",
		"--name", "Backend",
		"--grant-type", "client_credentials",
		"--scope", "read:cards",
	)
	require.NoError(t, err)

	var registered clientView
	require.NoError(t, json.Unmarshal([]byte(out), &registered))
	assert.Equal(t, "backend", registered.ID)
	assert.NotEmpty(t, registered.ClientSecret)

	out, err = run(t, open, "get", "backend")
	require.NoError(t, err)
	assert.Contains(t, out, "client_secret_basic")
	assert.NotContains(t, out, registered.ClientSecret)

	out, err = run(t, open, "rotate-secret", "backend")
	require.NoError(t, err)
	assert.NotEqual(t, registered.ClientSecret+"\n", out)

	_, err = run(t, open, "suspend", "backend")
	require.NoError(t, err)

	out, err = run(t, open, "list", "--json")
	require.NoError(t, err)
	var listed []clientView
	require.NoError(t, json.Unmarshal([]byte(out), &listed))
	assert.Empty(t, listed)

	_, err = run(t, open, "delete", "backend")
	require.NoError(t, err)

	_, err = run(t, open, "get", "backend")
	assert.Error(t, err)
}

func TestClientManager_RegisterValidation(t *testing.T) {
	t.Parallel()
	open := newTestOpener(t)

	tests := []struct {
		name string
		args []string
	}{
		{name: "missing_name", args: []string{"register", "--scope", "openid"}},
		{name: "unknown_scope", args: []string{"register", "--name", "x", "--grant-type", "client_credentials", "--scope", "admin"}},
		{name: "public_client_credentials", args: []string{
			"register", "--name", "x", "--grant-type", "client_credentials", "--scope", "read:cards", "--auth-method", "none",
		}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := run(t, open, tt.args...)
			assert.Error(t, err)
		})
	}
}
