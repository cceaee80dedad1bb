package auth_test

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jsamuelsen11/recipe-web-app/authz-server/internal/auth"
	"github.com/jsamuelsen11/recipe-web-app/authz-server/internal/models"
)

func TestClientRegistry_Register(t *testing.T) {
	tests := []struct {
		name       string
		spec       auth.ClientSpec
		wantFields []string
		check      func(t *testing.T, client *models.Client, secret string)
	}{
		{
			name: "confidential_defaults",
			spec: auth.ClientSpec{
				Name:          "Recipe Web",
				RedirectURIs:  []string{testRedirectURI},
				AllowedScopes: []string{"profile", "openid", "openid"},
			},
			check: func(t *testing.T, client *models.Client, secret string) {
				assert.NotEmpty(t, client.ID)
				assert.NotEmpty(t, secret)
				assert.NotEqual(t, secret, client.SecretHash)
				assert.Equal(t, models.AuthMethodSecretBasic, client.TokenEndpointAuthMethod)
				assert.Equal(t, []models.GrantType{models.GrantTypeAuthorizationCode}, client.GrantTypes)
				assert.Equal(t, []string{"openid", "profile"}, client.AllowedScopes)
				assert.Equal(t, models.ClientStatusActive, client.Status)
				assert.False(t, client.RequirePKCE)
			},
		},
		{
			name: "public_client_requires_pkce",
			spec: auth.ClientSpec{
				Name:          "SPA",
				RedirectURIs:  []string{testRedirectURI},
				AllowedScopes: []string{"openid"},
				AuthMethod:    "none",
			},
			check: func(t *testing.T, client *models.Client, secret string) {
				assert.Empty(t, secret)
				assert.Empty(t, client.SecretHash)
				assert.True(t, client.RequirePKCE)
			},
		},
		{
			name: "machine_client_without_redirects",
			spec: auth.ClientSpec{
				ID:            "worker",
				Name:          "Worker",
				AllowedScopes: []string{"recipes:read"},
				GrantTypes:    []string{"client_credentials"},
				Secret:        "fixed-secret-value",
			},
			check: func(t *testing.T, client *models.Client, secret string) {
				assert.Equal(t, "worker", client.ID)
				assert.Equal(t, "fixed-secret-value", secret)
			},
		},
		{
			name:       "missing_name_and_scopes",
			spec:       auth.ClientSpec{RedirectURIs: []string{testRedirectURI}},
			wantFields: []string{"name", "allowed_scopes"},
		},
		{
			name: "relative_and_fragment_redirects",
			spec: auth.ClientSpec{
				Name:          "Bad",
				RedirectURIs:  []string{"/callback", "https://app.example.com/cb#frag"},
				AllowedScopes: []string{"openid"},
			},
			wantFields: []string{"redirect_uris", "redirect_uris"},
		},
		{
			name: "public_client_credentials",
			spec: auth.ClientSpec{
				Name:          "Bad",
				AllowedScopes: []string{"recipes:read"},
				GrantTypes:    []string{"client_credentials"},
				AuthMethod:    "none",
			},
			wantFields: []string{"grant_types"},
		},
		{
			name: "unknown_scope_and_grant",
			spec: auth.ClientSpec{
				Name:          "Bad",
				RedirectURIs:  []string{testRedirectURI},
				AllowedScopes: []string{"openid", "root"},
				GrantTypes:    []string{"authorization_code", "password"},
			},
			wantFields: []string{"grant_types", "allowed_scopes"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			client, secret, err := f.registry.Register(context.Background(), tt.spec)
			if len(tt.wantFields) > 0 {
				var verrs models.ValidationErrors
				require.True(t, errors.As(err, &verrs), "got %v", err)
				fields := make([]string, 0, len(verrs))
				for _, v := range verrs {
					fields = append(fields, v.Field)
				}
				assert.Equal(t, tt.wantFields, fields)
				return
			}
			require.NoError(t, err)
			tt.check(t, client, secret)

			stored, err := f.registry.Get(context.Background(), client.ID)
			require.NoError(t, err)
			assert.Equal(t, client.SecretHash, stored.SecretHash)
		})
	}
}

func TestClientRegistry_Verify(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	client, secret := f.registerConfidential(t, "conf")
	f.registerPublic(t, "spa")

	verified, err := f.registry.Verify(ctx, client.ID, secret)
	require.NoError(t, err)
	assert.Equal(t, client.ID, verified.ID)

	tests := []struct {
		name     string
		clientID string
		secret   string
	}{
		{name: "wrong_secret", clientID: "conf", secret: secret + "x"},
		{name: "empty_secret", clientID: "conf"},
		{name: "unknown_client", clientID: "ghost", secret: secret},
		{name: "public_client", clientID: "spa", secret: "anything"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, verifyErr := f.registry.Verify(ctx, tt.clientID, tt.secret)
			requireOAuthError(t, verifyErr, models.ErrCodeInvalidClient)
		})
	}

	t.Run("suspended_client", func(t *testing.T) {
		require.NoError(t, f.registry.SetStatus(ctx, "conf", models.ClientStatusSuspended))
		_, verifyErr := f.registry.Verify(ctx, "conf", secret)
		requireOAuthError(t, verifyErr, models.ErrCodeInvalidClient)
	})
}

func TestClientRegistry_RedirectAndScopes(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.registerPublic(t, "spa")

	tests := []struct {
		name string
		uri  string
		want bool
	}{
		{name: "exact", uri: testRedirectURI, want: true},
		{name: "trailing_slash", uri: testRedirectURI + "/"},
		{name: "prefix", uri: "https://app.example.com/call"},
		{name: "extra_query", uri: testRedirectURI + "?a=1"},
		{name: "case_differs", uri: "https://APP.example.com/callback"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, f.registry.ValidateRedirectURI(ctx, "spa", tt.uri))
		})
	}

	assert.False(t, f.registry.ValidateRedirectURI(ctx, "ghost", testRedirectURI))
	assert.True(t, f.registry.ValidateScopesForClient(ctx, "spa", models.ParseScope("openid profile")))
	assert.False(t, f.registry.ValidateScopesForClient(ctx, "spa", models.ParseScope("openid email")))
}

func TestClientRegistry_RotateSecretAndDelete(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	_, secret := f.registerConfidential(t, "conf")

	rotated, err := f.registry.RotateSecret(ctx, "conf")
	require.NoError(t, err)
	assert.NotEqual(t, secret, rotated)

	_, err = f.registry.Verify(ctx, "conf", secret)
	requireOAuthError(t, err, models.ErrCodeInvalidClient)
	_, err = f.registry.Verify(ctx, "conf", rotated)
	require.NoError(t, err)

	f.registerPublic(t, "spa")
	_, err = f.registry.RotateSecret(ctx, "spa")
	assert.Error(t, err)

	clients, err := f.registry.List(ctx)
	require.NoError(t, err)
	require.Len(t, clients, 2)
	assert.Equal(t, "conf", clients[0].ID)

	require.NoError(t, f.registry.Delete(ctx, "conf"))
	_, err = f.registry.Get(ctx, "conf")
	assert.ErrorIs(t, err, models.ErrClientNotFound)
}
