package models_test

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jsamuelsen11/recipe-web-app/authz-server/internal/models"
)

const testRedirectURL = "https://app.example.com/cb"

func TestClientValidateRedirectURI(t *testing.T) {
	client := &models.Client{
		ID:           "client-1",
		RedirectURIs: []string{testRedirectURL, "http://localhost:3000/callback"},
	}

	tests := []struct {
		name     string
		uri      string
		expected bool
	}{
		{"exact_match", testRedirectURL, true},
		{"second_registered_uri", "http://localhost:3000/callback", true},
		{"trailing_slash", testRedirectURL + "/", false},
		{"embedded_in_query", "https://evil.com/cb?x=" + testRedirectURL, false},
		{"prefix_only", "https://app.example.com", false},
		{"different_case", "https://APP.example.com/cb", false},
		{"with_extra_query", testRedirectURL + "?a=b", false},
		{"empty", "", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, client.ValidateRedirectURI(tt.uri))
		})
	}
}

func TestClientGrantAndStatus(t *testing.T) {
	client := &models.Client{
		GrantTypes:              []models.GrantType{models.GrantTypeAuthorizationCode},
		TokenEndpointAuthMethod: models.AuthMethodNone,
		Status:                  models.ClientStatusActive,
	}

	assert.True(t, client.HasGrantType(models.GrantTypeAuthorizationCode))
	assert.False(t, client.HasGrantType(models.GrantTypeClientCredentials))
	assert.True(t, client.IsPublic())
	assert.True(t, client.IsActive())

	client.Status = models.ClientStatusSuspended
	assert.False(t, client.IsActive())
}

func TestParseGrantType(t *testing.T) {
	gt, ok := models.ParseGrantType("refresh_token")
	assert.True(t, ok)
	assert.Equal(t, models.GrantTypeRefreshToken, gt)

	_, ok = models.ParseGrantType("password")
	assert.False(t, ok)
}

func TestRefreshTokenState(t *testing.T) {
	now := time.Now()
	rt := &models.RefreshToken{ExpiresAt: now.Add(time.Hour)}
	assert.True(t, rt.IsActive())

	rt.RevokedAt = &now
	assert.True(t, rt.IsRevoked())
	assert.False(t, rt.IsActive())

	expired := &models.RefreshToken{ExpiresAt: now.Add(-time.Second)}
	assert.True(t, expired.IsExpired())
	assert.False(t, expired.IsActive())
}

func TestConsentCovers(t *testing.T) {
	consent := &models.Consent{Scope: models.ParseScope("openid profile read:cards")}

	assert.True(t, consent.Covers(models.ParseScope("openid read:cards")))
	assert.False(t, consent.Covers(models.ParseScope("openid write:cards")))

	now := time.Now()
	consent.RevokedAt = &now
	assert.False(t, consent.Covers(models.ParseScope("openid")))

	var missing *models.Consent
	assert.False(t, missing.Covers(models.ParseScope("openid")))
}

func TestAuthorizationCodeJSONRoundTripKeepsScope(t *testing.T) {
	code := &models.AuthorizationCode{
		Code:     "abc",
		ClientID: "client-1",
		Scope:    models.ParseScope("read:cards openid"),
	}

	data, err := json.Marshal(code)
	require.NoError(t, err)
	assert.Contains(t, string(data), `"scope":"openid read:cards"`)

	var decoded models.AuthorizationCode
	require.NoError(t, json.Unmarshal(data, &decoded))
	assert.Equal(t, "openid read:cards", decoded.Scope.String())
	assert.Nil(t, decoded.UsedAt)
}

func TestClientViewOmitsSecret(t *testing.T) {
	client := &models.Client{ID: "c", SecretHash: "$2a$12$hash", Name: "n"}

	data, err := json.Marshal(client.View())
	require.NoError(t, err)
	assert.NotContains(t, string(data), "hash")
}
