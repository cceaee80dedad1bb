package repository

import (
	"context"
	"time"

	"github.com/jsamuelsen11/recipe-web-app/authz-server/internal/models"
)

// CodeRepository persists authorization codes.
type CodeRepository interface {
	// SaveAuthorizationCode stores a new code until its ExpiresAt.
	SaveAuthorizationCode(ctx context.Context, code *models.AuthorizationCode) error

	// GetAuthorizationCode returns the stored code or models.ErrNotFound.
	GetAuthorizationCode(ctx context.Context, code string) (*models.AuthorizationCode, error)

	// ConsumeAuthorizationCode atomically sets UsedAt if it is still unset and
	// the code has not expired. Exactly one concurrent caller succeeds; the
	// others get models.ErrAlreadyConsumed together with the stored record.
	// Unknown codes yield models.ErrNotFound and expired codes models.ErrExpired.
	ConsumeAuthorizationCode(ctx context.Context, code string, usedAt time.Time) (*models.AuthorizationCode, error)
}

// RefreshTokenRepository persists refresh token records keyed by token hash.
type RefreshTokenRepository interface {
	// SaveRefreshToken stores a new record.
	SaveRefreshToken(ctx context.Context, token *models.RefreshToken) error

	// GetRefreshToken returns the record for tokenHash or models.ErrNotFound.
	GetRefreshToken(ctx context.Context, tokenHash string) (*models.RefreshToken, error)

	// GetRefreshTokenByAccessJTI follows the access token link to its refresh
	// token, or returns models.ErrNotFound.
	GetRefreshTokenByAccessJTI(ctx context.Context, jti string) (*models.RefreshToken, error)

	// TouchRefreshToken records a successful use.
	TouchRefreshToken(ctx context.Context, tokenHash string, usedAt time.Time) error

	// RotateRefreshToken revokes oldHash with reason "rotated" and stores child
	// in one atomic step. It fails with models.ErrAlreadyConsumed,
	// models.ErrExpired or models.ErrNotFound without side effects.
	RotateRefreshToken(ctx context.Context, oldHash string, child *models.RefreshToken, at time.Time) error

	// RevokeRefreshToken revokes an active record. It reports false when the
	// record is unknown or already revoked.
	RevokeRefreshToken(ctx context.Context, tokenHash, reason string, at time.Time) (bool, error)

	// RevokeUserRefreshTokens revokes every active token of userID, limited to
	// clientID when it is non-empty, and returns how many were revoked.
	RevokeUserRefreshTokens(ctx context.Context, userID, clientID, reason string, at time.Time) (int, error)
}

// ConsentRepository persists user consent per (user, client).
type ConsentRepository interface {
	// SaveConsent inserts or replaces the consent for its (UserID, ClientID).
	SaveConsent(ctx context.Context, consent *models.Consent) error

	// GrantConsent adds scope to the unrevoked consent for (userID, clientID),
	// or starts a new one, in one atomic step, and returns the stored record.
	// Concurrent grants never drop each other's scopes.
	GrantConsent(ctx context.Context, userID, clientID string, scope models.ScopeSet, at time.Time) (*models.Consent, error)

	// GetConsent returns the consent or models.ErrNotFound.
	GetConsent(ctx context.Context, userID, clientID string) (*models.Consent, error)

	// RevokeConsent marks the consent revoked. It reports false when there was
	// no active consent.
	RevokeConsent(ctx context.Context, userID, clientID string, at time.Time) (bool, error)
}

// SessionRepository persists login sessions written by the login surface.
type SessionRepository interface {
	SaveSession(ctx context.Context, session *models.Session) error
	GetSession(ctx context.Context, sessionID string) (*models.Session, error)
	DeleteSession(ctx context.Context, sessionID string) error
	DeleteUserSessions(ctx context.Context, userID string) (int, error)
}

// GrantStore is a backend holding every grant the protocol engine writes.
type GrantStore interface {
	CodeRepository
	RefreshTokenRepository
	ConsentRepository
	SessionRepository

	// Ping reports whether the backend is reachable.
	Ping(ctx context.Context) error
}
