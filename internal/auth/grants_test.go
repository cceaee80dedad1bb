package auth_test

import (
	"context"
	"testing"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jsamuelsen11/recipe-web-app/authz-server/internal/auth"
	"github.com/jsamuelsen11/recipe-web-app/authz-server/internal/models"
)

func codeGrant(code, verifier string) *models.TokenRequest {
	return &models.TokenRequest{
		GrantType:    string(models.GrantTypeAuthorizationCode),
		Code:         code,
		RedirectURI:  testRedirectURI,
		CodeVerifier: verifier,
	}
}

func TestToken_AuthorizationCodeFlow(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	_, secret := f.registerConfidential(t, "web")

	code := f.obtainCode(t, authorizeRequest("web", "openid profile offline_access"))

	resp, err := f.service.Token(ctx, codeGrant(code, testVerifier), basic("web", secret))
	require.NoError(t, err)
	assert.Equal(t, models.TokenTypeBearer, resp.TokenType)
	assert.Equal(t, 3600, resp.ExpiresIn)
	assert.Equal(t, "offline_access openid profile", resp.Scope)
	require.NotEmpty(t, resp.AccessToken)
	require.NotEmpty(t, resp.IDToken)
	require.NotEmpty(t, resp.RefreshToken)

	idClaims := jwt.MapClaims{}
	_, _, err = jwt.NewParser().ParseUnverified(resp.IDToken, idClaims)
	require.NoError(t, err)
	assert.Equal(t, "n-0S6_WzA2Mj", idClaims["nonce"])
	assert.Equal(t, "Ada Lovelace", idClaims["name"])
	assert.NotContains(t, idClaims, "email")

	// The code is single use.
	_, err = f.service.Token(ctx, codeGrant(code, testVerifier), basic("web", secret))
	requireOAuthError(t, err, models.ErrCodeInvalidGrant)
	assert.Equal(t, 1, f.sink.count(models.AuditCodeReplay))
	assert.Equal(t, 1, f.sink.count(models.AuditTokenIssued))
}

func TestToken_AuthorizationCodeTokenSet(t *testing.T) {
	tests := []struct {
		name        string
		scope       string
		wantID      bool
		wantRefresh bool
	}{
		{name: "access_only", scope: "profile"},
		{name: "openid_adds_id_token", scope: "openid", wantID: true},
		{name: "offline_access_adds_refresh", scope: "offline_access", wantRefresh: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			_, secret := f.registerConfidential(t, "web")
			code := f.obtainCode(t, authorizeRequest("web", tt.scope))

			resp, err := f.service.Token(context.Background(), codeGrant(code, testVerifier), basic("web", secret))
			require.NoError(t, err)
			assert.NotEmpty(t, resp.AccessToken)
			assert.Equal(t, tt.wantID, resp.IDToken != "")
			assert.Equal(t, tt.wantRefresh, resp.RefreshToken != "")
		})
	}
}

func TestToken_AuthorizationCodeFailures(t *testing.T) {
	tests := []struct {
		name    string
		req     func(code string) *models.TokenRequest
		creds   func(secret string) auth.ClientCredentials
		wantErr string
	}{
		{
			name:    "wrong_verifier",
			req:     func(code string) *models.TokenRequest { return codeGrant(code, testVerifier+"x") },
			wantErr: models.ErrCodeInvalidGrant,
		},
		{
			name: "redirect_mismatch",
			req: func(code string) *models.TokenRequest {
				r := codeGrant(code, testVerifier)
				r.RedirectURI = "https://app.example.com/other"
				return r
			},
			wantErr: models.ErrCodeInvalidGrant,
		},
		{
			name: "missing_redirect",
			req: func(code string) *models.TokenRequest {
				r := codeGrant(code, testVerifier)
				r.RedirectURI = ""
				return r
			},
			wantErr: models.ErrCodeInvalidRequest,
		},
		{
			name:    "missing_code",
			req:     func(string) *models.TokenRequest { return codeGrant("", testVerifier) },
			wantErr: models.ErrCodeInvalidRequest,
		},
		{
			name:    "wrong_secret",
			req:     func(code string) *models.TokenRequest { return codeGrant(code, testVerifier) },
			creds:   func(secret string) auth.ClientCredentials { return basic("web", secret+"x") },
			wantErr: models.ErrCodeInvalidClient,
		},
		{
			name: "secret_sent_in_form_by_basic_client",
			req:  func(code string) *models.TokenRequest { return codeGrant(code, testVerifier) },
			creds: func(secret string) auth.ClientCredentials {
				return auth.ClientCredentials{ClientID: "web", ClientSecret: secret}
			},
			wantErr: models.ErrCodeInvalidClient,
		},
		{
			name:    "no_client",
			req:     func(code string) *models.TokenRequest { return codeGrant(code, testVerifier) },
			creds:   func(string) auth.ClientCredentials { return auth.ClientCredentials{} },
			wantErr: models.ErrCodeInvalidClient,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			_, secret := f.registerConfidential(t, "web")
			code := f.obtainCode(t, authorizeRequest("web", "openid"))

			creds := basic("web", secret)
			if tt.creds != nil {
				creds = tt.creds(secret)
			}
			_, err := f.service.Token(context.Background(), tt.req(code), creds)
			requireOAuthError(t, err, tt.wantErr)
		})
	}
}

func TestToken_CodeIssuedToAnotherClient(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.registerConfidential(t, "web")
	_, otherSecret := f.registerConfidential(t, "other")

	code := f.obtainCode(t, authorizeRequest("web", "openid"))
	_, err := f.service.Token(ctx, codeGrant(code, testVerifier), basic("other", otherSecret))
	requireOAuthError(t, err, models.ErrCodeInvalidGrant)
}

func TestToken_PublicClient(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.registerPublic(t, "spa")
	public := auth.ClientCredentials{ClientID: "spa"}

	code := f.obtainCode(t, authorizeRequest("spa", "openid offline_access"))

	_, err := f.service.Token(ctx, codeGrant(code, ""), public)
	requireOAuthError(t, err, models.ErrCodeInvalidRequest)

	_, err = f.service.Token(ctx, codeGrant(code, testVerifier), auth.ClientCredentials{ClientID: "spa", ClientSecret: "x"})
	requireOAuthError(t, err, models.ErrCodeInvalidClient)
	assert.Equal(t, 1, f.sink.count(models.AuditClientAuthFailed))

	resp, err := f.service.Token(ctx, codeGrant(code, testVerifier), public)
	require.NoError(t, err)
	assert.NotEmpty(t, resp.RefreshToken)

	_, err = f.service.Token(ctx, &models.TokenRequest{GrantType: "client_credentials"}, public)
	requireOAuthError(t, err, models.ErrCodeUnauthorizedClient)
}

func TestToken_RefreshFlow(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	_, secret := f.registerConfidential(t, "web")
	code := f.obtainCode(t, authorizeRequest("web", "openid profile offline_access"))

	first, err := f.service.Token(ctx, codeGrant(code, testVerifier), basic("web", secret))
	require.NoError(t, err)

	refreshReq := func(tok, scope string) *models.TokenRequest {
		return &models.TokenRequest{GrantType: "refresh_token", RefreshToken: tok, Scope: scope}
	}

	t.Run("escalation_rejected", func(t *testing.T) {
		_, err := f.service.Token(ctx, refreshReq(first.RefreshToken, "openid email"), basic("web", secret))
		requireOAuthError(t, err, models.ErrCodeInvalidScope)
		assert.Equal(t, 1, f.sink.count(models.AuditScopeEscalationDenied))
	})

	var second *models.TokenResponse
	t.Run("narrowed_rotation", func(t *testing.T) {
		second, err = f.service.Token(ctx, refreshReq(first.RefreshToken, "openid"), basic("web", secret))
		require.NoError(t, err)
		assert.Equal(t, "openid", second.Scope)
		assert.NotEmpty(t, second.IDToken)
		assert.NotEmpty(t, second.RefreshToken)
		assert.NotEqual(t, first.RefreshToken, second.RefreshToken)
	})

	t.Run("old_token_rejected_after_rotation", func(t *testing.T) {
		_, err := f.service.Token(ctx, refreshReq(first.RefreshToken, ""), basic("web", secret))
		requireOAuthError(t, err, models.ErrCodeInvalidGrant)
	})

	t.Run("first_access_token_invalid_after_rotation", func(t *testing.T) {
		claims, err := f.tokens.VerifyAccessToken(ctx, first.AccessToken)
		require.NoError(t, err)
		assert.Nil(t, claims)

		claims, err = f.tokens.VerifyAccessToken(ctx, second.AccessToken)
		require.NoError(t, err)
		assert.NotNil(t, claims)
	})

	t.Run("child_keeps_original_scope", func(t *testing.T) {
		third, err := f.service.Token(ctx, refreshReq(second.RefreshToken, ""), basic("web", secret))
		require.NoError(t, err)
		assert.Equal(t, "offline_access openid profile", third.Scope)
	})
}

func TestToken_RefreshByAnotherClient(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	_, secret := f.registerConfidential(t, "web")
	_, otherSecret := f.registerConfidential(t, "other")
	code := f.obtainCode(t, authorizeRequest("web", "offline_access"))

	resp, err := f.service.Token(ctx, codeGrant(code, testVerifier), basic("web", secret))
	require.NoError(t, err)

	_, err = f.service.Token(ctx,
		&models.TokenRequest{GrantType: "refresh_token", RefreshToken: resp.RefreshToken},
		basic("other", otherSecret))
	requireOAuthError(t, err, models.ErrCodeInvalidGrant)

	// The legitimate client can still use it.
	_, err = f.service.Token(ctx,
		&models.TokenRequest{GrantType: "refresh_token", RefreshToken: resp.RefreshToken},
		basic("web", secret))
	require.NoError(t, err)
}

func TestToken_ClientCredentials(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	_, secret := f.registerConfidential(t, "svc")
	_, postSecret, err := f.registry.Register(ctx, auth.ClientSpec{
		ID:            "poster",
		Name:          "Form poster",
		AllowedScopes: []string{"recipes:read"},
		GrantTypes:    []string{"client_credentials"},
		AuthMethod:    string(models.AuthMethodSecretPost),
	})
	require.NoError(t, err)
	_, webSecret, err := f.registry.Register(ctx, auth.ClientSpec{
		ID:            "web-only",
		Name:          "Web only",
		RedirectURIs:  []string{testRedirectURI},
		AllowedScopes: []string{"recipes:read"},
	})
	require.NoError(t, err)

	tests := []struct {
		name      string
		scope     string
		creds     auth.ClientCredentials
		wantScope string
		wantErr   string
	}{
		{name: "explicit_scope", scope: "recipes:read", creds: basic("svc", secret), wantScope: "recipes:read"},
		{name: "default_scope_excludes_user_scopes", creds: basic("svc", secret), wantScope: "recipes:read recipes:write"},
		{
			name: "form_credentials", scope: "recipes:read",
			creds:     auth.ClientCredentials{ClientID: "poster", ClientSecret: postSecret},
			wantScope: "recipes:read",
		},
		{name: "basic_for_post_client", creds: basic("poster", postSecret), wantErr: models.ErrCodeInvalidClient},
		{name: "scope_outside_allow_list", scope: "recipes:write", creds: auth.ClientCredentials{ClientID: "poster", ClientSecret: postSecret}, wantErr: models.ErrCodeInvalidScope},
		{name: "unknown_scope", scope: "recipes:delete", creds: basic("svc", secret), wantErr: models.ErrCodeInvalidScope},
		{name: "openid_refused", scope: "openid", creds: basic("svc", secret), wantErr: models.ErrCodeInvalidScope},
		{name: "grant_not_allowed", creds: basic("web-only", webSecret), wantErr: models.ErrCodeUnauthorizedClient},
		{name: "bad_secret", creds: basic("svc", "nope"), wantErr: models.ErrCodeInvalidClient},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp, err := f.service.Token(ctx, &models.TokenRequest{GrantType: "client_credentials", Scope: tt.scope}, tt.creds)
			if tt.wantErr != "" {
				requireOAuthError(t, err, tt.wantErr)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.wantScope, resp.Scope)
			assert.Empty(t, resp.RefreshToken)
			assert.Empty(t, resp.IDToken)

			claims, err := f.tokens.VerifyAccessToken(ctx, resp.AccessToken)
			require.NoError(t, err)
			require.NotNil(t, claims)
			assert.Empty(t, claims.Subject)
			assert.Equal(t, tt.creds.ClientID, claims.ClientID)
		})
	}
}

func TestToken_UnsupportedGrant(t *testing.T) {
	f := newFixture(t)
	_, secret := f.registerConfidential(t, "web")

	for _, grant := range []string{"password", "implicit", "urn:ietf:params:oauth:grant-type:device_code"} {
		_, err := f.service.Token(context.Background(), &models.TokenRequest{GrantType: grant}, basic("web", secret))
		requireOAuthError(t, err, models.ErrCodeUnsupportedGrantType)
	}

	_, err := f.service.Token(context.Background(), &models.TokenRequest{}, basic("web", secret))
	requireOAuthError(t, err, models.ErrCodeInvalidRequest)
}

func TestToken_DeletedUserCannotRedeemOpenIDCode(t *testing.T) {
	f := newFixture(t)
	_, secret := f.registerConfidential(t, "web")
	code := f.obtainCode(t, authorizeRequest("web", "openid"))

	f.directory.Remove(testUserID)

	_, err := f.service.Token(context.Background(), codeGrant(code, testVerifier), basic("web", secret))
	requireOAuthError(t, err, models.ErrCodeInvalidGrant)
}

func TestToken_FailedExchangeKeepsCodeForClient(t *testing.T) {
	tests := []struct {
		name  string
		first func(t *testing.T, f *fixture, code string) (*models.TokenRequest, auth.ClientCredentials)
	}{
		{
			name: "wrong_verifier",
			first: func(_ *testing.T, _ *fixture, code string) (*models.TokenRequest, auth.ClientCredentials) {
				return codeGrant(code, testVerifier+"x"), auth.ClientCredentials{ClientID: "pub"}
			},
		},
		{
			name: "foreign_client",
			first: func(t *testing.T, f *fixture, code string) (*models.TokenRequest, auth.ClientCredentials) {
				f.registerPublic(t, "attacker")
				return codeGrant(code, testVerifier), auth.ClientCredentials{ClientID: "attacker"}
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			ctx := context.Background()
			f.registerPublic(t, "pub")
			code := f.obtainCode(t, authorizeRequest("pub", "openid"))

			req, creds := tt.first(t, f, code)
			_, err := f.service.Token(ctx, req, creds)
			requireOAuthError(t, err, models.ErrCodeInvalidGrant)

			resp, err := f.service.Token(ctx, codeGrant(code, testVerifier), auth.ClientCredentials{ClientID: "pub"})
			require.NoError(t, err)
			assert.NotEmpty(t, resp.AccessToken)
			assert.Zero(t, f.sink.count(models.AuditCodeReplay))
		})
	}
}
