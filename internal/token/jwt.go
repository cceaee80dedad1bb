// Package token provides signing, verification and generation of the
// credentials issued by the authorization server.
//
// This package supports:
//   - RS256 access tokens (RFC 9068 "at+jwt") and OpenID Connect ID tokens
//   - Signing key resolution from env, file, AWS Secrets Manager or a generated key
//   - JWKS publication of the verification key
//   - PKCE (RFC 7636) challenge computation and verification
//   - Opaque token generation and hashing for codes and refresh tokens
package token

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"github.com/jsamuelsen11/recipe-web-app/authz-server/internal/models"
)

const (
	// AccessTokenType is the JOSE "typ" header of access tokens.
	AccessTokenType = "at+jwt"
	// SigningAlgorithm is the only algorithm tokens are signed or accepted with.
	SigningAlgorithm = "RS256"
)

var (
	// ErrInvalidToken is returned for tokens that fail signature or claim checks.
	ErrInvalidToken = errors.New("invalid token")
	// ErrUnknownKey is returned when the token's kid does not match a known key.
	ErrUnknownKey = errors.New("unknown signing key")
)

// Service defines JWT minting and verification.
type Service interface {
	// GenerateAccessToken signs an access token. userID is empty for
	// client_credentials tokens.
	GenerateAccessToken(userID, clientID string, scope models.ScopeSet, ttl time.Duration) (*IssuedToken, error)

	// GenerateIDToken signs an OpenID Connect ID token for profile. Profile
	// claims are released according to ScopeClaims.
	GenerateIDToken(
		profile *models.UserProfile,
		clientID string,
		scope models.ScopeSet,
		nonce string,
		ttl time.Duration,
	) (*IssuedToken, error)

	// ParseAccessToken verifies signature, issuer, type and expiry.
	ParseAccessToken(tokenString string) (*AccessClaims, error)

	// JWKS returns the published verification keys.
	JWKS() JSONWebKeySet

	// Issuer returns the iss value stamped into tokens.
	Issuer() string
}

// IssuedToken is a freshly signed token with its identifiers.
type IssuedToken struct {
	Token     string
	JTI       string
	IssuedAt  time.Time
	ExpiresAt time.Time
}

// AccessClaims are the claims of an access token.
type AccessClaims struct {
	jwt.RegisteredClaims
	Scope    string `json:"scope"`
	ClientID string `json:"client_id"`
}

// ScopeSet parses the space-delimited scope claim.
func (c *AccessClaims) ScopeSet() models.ScopeSet {
	return models.ParseScope(c.Scope)
}

// JWTService signs tokens with the provider's RSA key.
type JWTService struct {
	keys   KeyProvider
	issuer string
	now    func() time.Time
}

// NewJWTService creates a JWTService for issuer.
func NewJWTService(keys KeyProvider, issuer string) Service {
	return &JWTService{keys: keys, issuer: issuer, now: time.Now}
}

// Issuer returns the configured issuer.
func (s *JWTService) Issuer() string {
	return s.issuer
}

// JWKS returns the key set from the key provider.
func (s *JWTService) JWKS() JSONWebKeySet {
	return s.keys.JWKS()
}

// GenerateAccessToken signs an access token whose audience is the client.
func (s *JWTService) GenerateAccessToken(
	userID, clientID string,
	scope models.ScopeSet,
	ttl time.Duration,
) (*IssuedToken, error) {
	if ttl <= 0 {
		ttl = models.DefaultAccessTokenLifetime
	}
	now := s.now()
	jti := uuid.NewString()

	claims := AccessClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    s.issuer,
			Subject:   userID,
			Audience:  jwt.ClaimStrings{clientID},
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
			IssuedAt:  jwt.NewNumericDate(now),
			ID:        jti,
		},
		Scope:    scope.String(),
		ClientID: clientID,
	}

	signed, err := s.sign(claims, AccessTokenType)
	if err != nil {
		return nil, fmt.Errorf("failed to sign access token: %w", err)
	}

	return &IssuedToken{Token: signed, JTI: jti, IssuedAt: now, ExpiresAt: now.Add(ttl)}, nil
}

// GenerateIDToken signs an ID token. The nonce claim is present only when the
// authorization request carried one.
func (s *JWTService) GenerateIDToken(
	profile *models.UserProfile,
	clientID string,
	scope models.ScopeSet,
	nonce string,
	ttl time.Duration,
) (*IssuedToken, error) {
	if profile == nil {
		return nil, models.ErrUserNotFound
	}
	if ttl <= 0 {
		ttl = models.DefaultAccessTokenLifetime
	}
	now := s.now()
	jti := uuid.NewString()

	claims := jwt.MapClaims{
		"iss": s.issuer,
		"sub": profile.ID,
		"aud": clientID,
		"exp": now.Add(ttl).Unix(),
		"iat": now.Unix(),
		"jti": jti,
	}
	if nonce != "" {
		claims["nonce"] = nonce
	}
	for name, value := range ProfileClaims(profile, scope) {
		claims[name] = value
	}

	signed, err := s.sign(claims, "JWT")
	if err != nil {
		return nil, fmt.Errorf("failed to sign id token: %w", err)
	}

	return &IssuedToken{Token: signed, JTI: jti, IssuedAt: now, ExpiresAt: now.Add(ttl)}, nil
}

// ParseAccessToken verifies an access token and returns its claims. ID tokens
// and tokens from another issuer are rejected.
func (s *JWTService) ParseAccessToken(tokenString string) (*AccessClaims, error) {
	claims := &AccessClaims{}

	parsed, err := jwt.ParseWithClaims(tokenString, claims, s.keyFunc,
		jwt.WithValidMethods([]string{SigningAlgorithm}),
		jwt.WithIssuer(s.issuer),
		jwt.WithExpirationRequired(),
		jwt.WithIssuedAt(),
		jwt.WithTimeFunc(s.now),
	)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidToken, err)
	}
	if !parsed.Valid {
		return nil, ErrInvalidToken
	}
	if typ, _ := parsed.Header["typ"].(string); typ != AccessTokenType {
		return nil, fmt.Errorf("%w: unexpected token type %q", ErrInvalidToken, typ)
	}
	if claims.ID == "" || claims.ClientID == "" {
		return nil, fmt.Errorf("%w: missing jti or client_id", ErrInvalidToken)
	}

	return claims, nil
}

func (s *JWTService) keyFunc(t *jwt.Token) (any, error) {
	kid, _ := t.Header["kid"].(string)
	key, ok := s.keys.VerificationKey(kid)
	if !ok {
		return nil, ErrUnknownKey
	}
	return key, nil
}

func (s *JWTService) sign(claims jwt.Claims, typ string) (string, error) {
	key := s.keys.SigningKey()
	t := jwt.NewWithClaims(jwt.SigningMethodRS256, claims)
	t.Header["kid"] = key.KeyID
	t.Header["typ"] = typ
	return t.SignedString(key.Private)
}
