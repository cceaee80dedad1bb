// Package models defines the core data structures of the authorization server:
// clients, authorization codes, refresh tokens, consents, sessions and the
// request/response shapes of the protocol endpoints.
package models

import (
	"time"
)

const (
	// DefaultAuthorizationCodeLifetime is the lifetime of an authorization code.
	DefaultAuthorizationCodeLifetime = 10 * time.Minute
	// DefaultAccessTokenLifetime is the lifetime of an access token.
	DefaultAccessTokenLifetime = time.Hour
	// DefaultRefreshTokenLifetime is the lifetime of a refresh token.
	DefaultRefreshTokenLifetime = 30 * 24 * time.Hour
	// DefaultSessionExpiry is the default session duration.
	DefaultSessionExpiry = 24 * time.Hour
)

// GrantType represents the OAuth2 grant type for token requests.
type GrantType string

// ResponseType represents the OAuth2 response type for authorization requests.
type ResponseType string

// TokenType represents the type of access token (typically "Bearer").
type TokenType string

// AuthMethod is the client authentication method at the token endpoint.
type AuthMethod string

// ClientStatus is the administrative state of a client.
type ClientStatus string

const (
	// GrantTypeAuthorizationCode represents the authorization code grant type.
	GrantTypeAuthorizationCode GrantType = "authorization_code"
	// GrantTypeClientCredentials represents the client credentials grant type.
	GrantTypeClientCredentials GrantType = "client_credentials"
	// GrantTypeRefreshToken represents the refresh token grant type.
	GrantTypeRefreshToken GrantType = "refresh_token"

	// ResponseTypeCode represents the authorization code response type.
	ResponseTypeCode ResponseType = "code"

	// TokenTypeBearer represents the Bearer token type.
	TokenTypeBearer TokenType = "Bearer"

	AuthMethodSecretPost  AuthMethod = "client_secret_post"
	AuthMethodSecretBasic AuthMethod = "client_secret_basic"
	AuthMethodNone        AuthMethod = "none"

	ClientStatusActive    ClientStatus = "active"
	ClientStatusSuspended ClientStatus = "suspended"

	// CodeChallengeMethodS256 hashes the verifier with SHA-256.
	CodeChallengeMethodS256 = "S256"
	// CodeChallengeMethodPlain compares the verifier verbatim.
	CodeChallengeMethodPlain = "plain"

	// TokenTypeHintAccessToken and TokenTypeHintRefreshToken are the RFC 7009/7662 hints.
	TokenTypeHintAccessToken  = "access_token"
	TokenTypeHintRefreshToken = "refresh_token"

	// RevokeReasonRotated marks a refresh token replaced by rotation.
	RevokeReasonRotated = "rotated"
	// RevokeReasonClientRequest marks a refresh token revoked via /revoke.
	RevokeReasonClientRequest = "client_request"
	// RevokeReasonAdmin marks a refresh token revoked by an administrator.
	RevokeReasonAdmin = "admin_revocation"
)

// ParseGrantType returns the grant type for a known value.
func ParseGrantType(s string) (GrantType, bool) {
	switch GrantType(s) {
	case GrantTypeAuthorizationCode, GrantTypeClientCredentials, GrantTypeRefreshToken:
		return GrantType(s), true
	default:
		return "", false
	}
}

// Client represents a registered OAuth2 client application.
type Client struct {
	// ID is the unique, stable client identifier.
	ID string `json:"id"`
	// SecretHash is the bcrypt hash of the client secret; empty for public clients.
	SecretHash string `json:"secret_hash,omitempty"`
	// Name is the human-readable client name.
	Name string `json:"name"`
	// RedirectURIs are the registered redirect URIs, matched by exact string equality.
	RedirectURIs []string `json:"redirect_uris"`
	// AllowedScopes are the scopes this client may request.
	AllowedScopes []string `json:"allowed_scopes"`
	// RequirePKCE forces a code_challenge on every authorization request.
	RequirePKCE bool `json:"require_pkce"`
	// GrantTypes are the grants this client may use.
	GrantTypes []GrantType `json:"grant_types"`
	// TokenEndpointAuthMethod selects how the client authenticates.
	TokenEndpointAuthMethod AuthMethod `json:"token_endpoint_auth_method"`
	// Status is active or suspended.
	Status ClientStatus `json:"status"`
	// CreatedBy tracks who or what system created this client.
	CreatedBy string `json:"created_by,omitempty"`
	// CreatedAt is the client creation timestamp.
	CreatedAt time.Time `json:"created_at"`
	// UpdatedAt is the last modification timestamp.
	UpdatedAt time.Time `json:"updated_at"`
}

// ValidateRedirectURI reports whether uri exactly matches one of the registered
// redirect URIs. No prefix, suffix or normalized matching is performed.
func (c *Client) ValidateRedirectURI(uri string) bool {
	for _, allowed := range c.RedirectURIs {
		if allowed == uri {
			return true
		}
	}
	return false
}

// Scopes returns the client's allow-list as a set.
func (c *Client) Scopes() ScopeSet {
	return NewScopeSet(c.AllowedScopes...)
}

// HasGrantType checks if the client may use the specified grant type.
func (c *Client) HasGrantType(grantType GrantType) bool {
	for _, allowed := range c.GrantTypes {
		if allowed == grantType {
			return true
		}
	}
	return false
}

// IsPublic reports whether the client has no secret and authenticates with "none".
func (c *Client) IsPublic() bool {
	return c.TokenEndpointAuthMethod == AuthMethodNone
}

// IsActive reports whether the client may currently be used.
func (c *Client) IsActive() bool {
	return c.Status == ClientStatusActive
}

// AuthorizationCode is a short-lived, single-use credential issued by the
// authorization endpoint and exchanged at the token endpoint.
type AuthorizationCode struct {
	Code                string     `json:"code"`
	ClientID            string     `json:"client_id"`
	UserID              string     `json:"user_id"`
	RedirectURI         string     `json:"redirect_uri"`
	Scope               ScopeSet   `json:"scope"`
	CodeChallenge       string     `json:"code_challenge,omitempty"`
	CodeChallengeMethod string     `json:"code_challenge_method,omitempty"`
	Nonce               string     `json:"nonce,omitempty"`
	IssuedAt            time.Time  `json:"issued_at"`
	ExpiresAt           time.Time  `json:"expires_at"`
	UsedAt              *time.Time `json:"used_at,omitempty"`
}

// IsExpired reports whether the code has passed its expiration time.
func (ac *AuthorizationCode) IsExpired() bool {
	return time.Now().After(ac.ExpiresAt)
}

// IsUsed reports whether the code was already consumed or revoked.
func (ac *AuthorizationCode) IsUsed() bool {
	return ac.UsedAt != nil
}

// RefreshToken is the persisted record of a refresh token. Only the SHA-256
// hash of the plaintext is stored.
type RefreshToken struct {
	TokenHash       string     `json:"token_hash"`
	ClientID        string     `json:"client_id"`
	UserID          string     `json:"user_id"`
	Scope           ScopeSet   `json:"scope"`
	AccessTokenJTI  string     `json:"access_token_jti"`
	ParentTokenHash string     `json:"parent_token_hash,omitempty"`
	IssuedAt        time.Time  `json:"issued_at"`
	ExpiresAt       time.Time  `json:"expires_at"`
	RevokedAt       *time.Time `json:"revoked_at,omitempty"`
	RevokeReason    string     `json:"revoke_reason,omitempty"`
	LastUsedAt      *time.Time `json:"last_used_at,omitempty"`
}

// IsExpired reports whether the refresh token has passed its expiration time.
func (rt *RefreshToken) IsExpired() bool {
	return time.Now().After(rt.ExpiresAt)
}

// IsRevoked reports whether the refresh token was revoked.
func (rt *RefreshToken) IsRevoked() bool {
	return rt.RevokedAt != nil
}

// IsActive reports whether the refresh token can still be used.
func (rt *RefreshToken) IsActive() bool {
	return !rt.IsRevoked() && !rt.IsExpired()
}

// Consent records the scopes a user granted to a client.
type Consent struct {
	UserID    string     `json:"user_id"`
	ClientID  string     `json:"client_id"`
	Scope     ScopeSet   `json:"scope"`
	GrantedAt time.Time  `json:"granted_at"`
	RevokedAt *time.Time `json:"revoked_at,omitempty"`
}

// WithGrant returns the consent after the user grants scope on top of c.
// A nil or revoked c starts over with scope alone.
func (c *Consent) WithGrant(userID, clientID string, scope ScopeSet, at time.Time) *Consent {
	granted := scope
	if c != nil && c.RevokedAt == nil {
		granted = c.Scope.Union(scope)
	}
	return &Consent{UserID: userID, ClientID: clientID, Scope: granted, GrantedAt: at}
}

// Covers reports whether an unrevoked consent includes every requested scope.
func (c *Consent) Covers(requested ScopeSet) bool {
	return c != nil && c.RevokedAt == nil && c.Scope.ContainsAll(requested)
}

// Session is a login session established by the external login surface.
type Session struct {
	ID        string    `json:"id"`
	UserID    string    `json:"user_id"`
	AuthTime  time.Time `json:"auth_time"`
	ExpiresAt time.Time `json:"expires_at"`
}

// IsExpired reports whether the session has passed its expiration time.
func (s *Session) IsExpired() bool {
	return time.Now().After(s.ExpiresAt)
}

// UserRef identifies the authenticated end user of a request.
type UserRef struct {
	ID       string
	AuthTime time.Time
	// SessionID is the login session the user was resolved from, if any.
	SessionID string
}

// UserProfile holds the claims sourced from the user directory for ID tokens
// and the userinfo endpoint.
type UserProfile struct {
	ID            string    `json:"id"`
	Name          string    `json:"name"`
	Email         string    `json:"email"`
	EmailVerified bool      `json:"email_verified"`
	UpdatedAt     time.Time `json:"updated_at"`
}

// AuthorizeRequest represents a request to the authorization endpoint.
type AuthorizeRequest struct {
	ResponseType        string `json:"response_type"`
	ClientID            string `json:"client_id"`
	RedirectURI         string `json:"redirect_uri"`
	Scope               string `json:"scope"`
	State               string `json:"state"`
	Nonce               string `json:"nonce,omitempty"`
	CodeChallenge       string `json:"code_challenge,omitempty"`
	CodeChallengeMethod string `json:"code_challenge_method,omitempty"`
}

// TokenRequest represents a request to the token endpoint.
type TokenRequest struct {
	GrantType    string `json:"grant_type"`
	Code         string `json:"code,omitempty"`
	RedirectURI  string `json:"redirect_uri,omitempty"`
	ClientID     string `json:"client_id"`
	ClientSecret string `json:"client_secret,omitempty"`
	RefreshToken string `json:"refresh_token,omitempty"`
	Scope        string `json:"scope,omitempty"`
	CodeVerifier string `json:"code_verifier,omitempty"`
}

// TokenResponse represents a successful response from the token endpoint.
type TokenResponse struct {
	AccessToken  string    `json:"access_token"`
	TokenType    TokenType `json:"token_type"`
	ExpiresIn    int       `json:"expires_in"`
	Scope        string    `json:"scope"`
	IDToken      string    `json:"id_token,omitempty"`
	RefreshToken string    `json:"refresh_token,omitempty"`
}

// IntrospectionRequest represents a request to the introspection endpoint (RFC 7662).
type IntrospectionRequest struct {
	Token         string `json:"token"`
	TokenTypeHint string `json:"token_type_hint,omitempty"`
	ClientID      string `json:"client_id"`
	ClientSecret  string `json:"client_secret,omitempty"`
}

// IntrospectionResponse represents a response from the introspection endpoint.
// Inactive tokens serialize to {"active":false} only.
type IntrospectionResponse struct {
	Active    bool   `json:"active"`
	Scope     string `json:"scope,omitempty"`
	ClientID  string `json:"client_id,omitempty"`
	Subject   string `json:"sub,omitempty"`
	TokenType string `json:"token_type,omitempty"`
	ExpiresAt int64  `json:"exp,omitempty"`
	IssuedAt  int64  `json:"iat,omitempty"`
	Issuer    string `json:"iss,omitempty"`
	JWTID     string `json:"jti,omitempty"`
}

// RevocationRequest represents a request to the revocation endpoint (RFC 7009).
type RevocationRequest struct {
	Token         string `json:"token"`
	TokenTypeHint string `json:"token_type_hint,omitempty"`
	ClientID      string `json:"client_id"`
	ClientSecret  string `json:"client_secret,omitempty"`
}

// UserInfo is the OpenID Connect userinfo response.
type UserInfo struct {
	Subject       string `json:"sub"`
	Name          string `json:"name,omitempty"`
	Email         string `json:"email,omitempty"`
	EmailVerified *bool  `json:"email_verified,omitempty"`
	UpdatedAt     int64  `json:"updated_at,omitempty"`
}
