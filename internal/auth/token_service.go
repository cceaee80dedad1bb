package auth

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/jsamuelsen11/recipe-web-app/authz-server/internal/audit"
	"github.com/jsamuelsen11/recipe-web-app/authz-server/internal/models"
	"github.com/jsamuelsen11/recipe-web-app/authz-server/internal/repository"
	"github.com/jsamuelsen11/recipe-web-app/authz-server/internal/token"
	"github.com/jsamuelsen11/recipe-web-app/authz-server/pkg/logger"
)

// TokenLifetimes are the default lifetimes of issued tokens.
type TokenLifetimes struct {
	Access  time.Duration
	ID      time.Duration
	Refresh time.Duration
}

// TokenService mints access, ID and refresh tokens and tracks refresh token
// state. Access and ID tokens are stateless JWTs; refresh tokens are stored
// by hash only.
type TokenService struct {
	jwt       token.Service
	store     repository.RefreshTokenRepository
	profiles  ProfileLookup
	lifetimes TokenLifetimes
	recorder  *audit.Recorder
	logger    *logrus.Logger
	now       func() time.Time
}

// NewTokenService creates a TokenService.
func NewTokenService(
	jwtSvc token.Service,
	store repository.RefreshTokenRepository,
	profiles ProfileLookup,
	lifetimes TokenLifetimes,
	recorder *audit.Recorder,
	logger *logrus.Logger,
) *TokenService {
	if lifetimes.Access <= 0 {
		lifetimes.Access = models.DefaultAccessTokenLifetime
	}
	if lifetimes.ID <= 0 {
		lifetimes.ID = lifetimes.Access
	}
	if lifetimes.Refresh <= 0 {
		lifetimes.Refresh = models.DefaultRefreshTokenLifetime
	}
	return &TokenService{
		jwt:       jwtSvc,
		store:     store,
		profiles:  profiles,
		lifetimes: lifetimes,
		recorder:  recorder,
		logger:    logger,
		now:       time.Now,
	}
}

// Lifetimes returns the effective token lifetimes.
func (s *TokenService) Lifetimes() TokenLifetimes {
	return s.lifetimes
}

// GenerateAccessToken signs an access token. userID is empty for
// client_credentials tokens. A zero ttl uses the configured lifetime.
func (s *TokenService) GenerateAccessToken(
	userID, clientID string,
	scope models.ScopeSet,
	ttl time.Duration,
) (*token.IssuedToken, error) {
	if ttl <= 0 {
		ttl = s.lifetimes.Access
	}
	return s.jwt.GenerateAccessToken(userID, clientID, scope, ttl)
}

// GenerateIDToken signs an ID token for userID. It returns
// models.ErrUserNotFound when the profile cannot be resolved.
func (s *TokenService) GenerateIDToken(
	ctx context.Context,
	userID, clientID string,
	scope models.ScopeSet,
	nonce string,
	ttl time.Duration,
) (*token.IssuedToken, error) {
	profile, err := s.profiles.GetProfile(ctx, userID)
	if err != nil {
		if errors.Is(err, models.ErrNotFound) {
			return nil, models.ErrUserNotFound
		}
		return nil, fmt.Errorf("failed to load user profile: %w", err)
	}
	if ttl <= 0 {
		ttl = s.lifetimes.ID
	}
	return s.jwt.GenerateIDToken(profile, clientID, scope, nonce, ttl)
}

// GenerateRefreshToken creates and stores a refresh token. The plaintext is
// returned once; only its hash is kept.
func (s *TokenService) GenerateRefreshToken(
	ctx context.Context,
	userID, clientID string,
	scope models.ScopeSet,
	accessJTI, parentHash string,
	ttl time.Duration,
) (string, time.Time, error) {
	plaintext, record, err := s.newRefreshRecord(userID, clientID, scope, accessJTI, parentHash, ttl)
	if err != nil {
		return "", time.Time{}, err
	}
	if err = s.store.SaveRefreshToken(ctx, record); err != nil {
		return "", time.Time{}, fmt.Errorf("failed to store refresh token: %w", err)
	}
	return plaintext, record.ExpiresAt, nil
}

func (s *TokenService) newRefreshRecord(
	userID, clientID string,
	scope models.ScopeSet,
	accessJTI, parentHash string,
	ttl time.Duration,
) (string, *models.RefreshToken, error) {
	if ttl <= 0 {
		ttl = s.lifetimes.Refresh
	}
	plaintext, err := token.GenerateOpaqueToken()
	if err != nil {
		return "", nil, fmt.Errorf("failed to generate refresh token: %w", err)
	}

	now := s.now()
	return plaintext, &models.RefreshToken{
		TokenHash:       token.HashToken(plaintext),
		ClientID:        clientID,
		UserID:          userID,
		Scope:           scope,
		AccessTokenJTI:  accessJTI,
		ParentTokenHash: parentHash,
		IssuedAt:        now,
		ExpiresAt:       now.Add(ttl),
	}, nil
}

// VerifyAccessToken checks signature, issuer and expiry, then rejects tokens
// whose linked refresh token has been revoked. Invalid tokens return
// (nil, nil); an error means the revocation state could not be read.
func (s *TokenService) VerifyAccessToken(ctx context.Context, accessToken string) (*token.AccessClaims, error) {
	claims, err := s.jwt.ParseAccessToken(accessToken)
	if err != nil {
		logger.WithCorrelationID(ctx, s.logger).WithError(err).Debug("Access token rejected")
		return nil, nil
	}

	linked, err := s.store.GetRefreshTokenByAccessJTI(ctx, claims.ID)
	switch {
	case errors.Is(err, models.ErrNotFound):
		return claims, nil
	case err != nil:
		return nil, fmt.Errorf("failed to check access token revocation: %w", err)
	case linked.IsRevoked():
		return nil, nil
	default:
		return claims, nil
	}
}

// LookupRefreshToken returns the active record of a plaintext refresh token,
// or nil when it is unknown, revoked or expired.
func (s *TokenService) LookupRefreshToken(ctx context.Context, refreshToken string) (*models.RefreshToken, error) {
	if refreshToken == "" {
		return nil, nil
	}
	record, err := s.store.GetRefreshToken(ctx, token.HashToken(refreshToken))
	if errors.Is(err, models.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load refresh token: %w", err)
	}
	if record.IsRevoked() || s.now().After(record.ExpiresAt) {
		return nil, nil
	}
	return record, nil
}

// VerifyRefreshToken is LookupRefreshToken plus recording the use.
func (s *TokenService) VerifyRefreshToken(ctx context.Context, refreshToken string) (*models.RefreshToken, error) {
	record, err := s.LookupRefreshToken(ctx, refreshToken)
	if err != nil || record == nil {
		return nil, err
	}

	usedAt := s.now()
	if touchErr := s.store.TouchRefreshToken(ctx, record.TokenHash, usedAt); touchErr != nil {
		logger.WithCorrelationID(ctx, s.logger).WithError(touchErr).Warn("Failed to record refresh token use")
	} else {
		record.LastUsedAt = &usedAt
	}
	return record, nil
}

// RotateRefreshToken verifies oldToken and atomically replaces it with a
// child linked to newAccessJTI. It returns "" without side effects when the
// old token is not valid.
func (s *TokenService) RotateRefreshToken(ctx context.Context, oldToken, newAccessJTI string) (string, error) {
	record, err := s.VerifyRefreshToken(ctx, oldToken)
	if err != nil || record == nil {
		return "", err
	}
	plaintext, _, err := s.rotate(ctx, record, newAccessJTI)
	return plaintext, err
}

// rotate replaces a verified record. The child keeps user, client and scope.
// A lost race against another rotation or a revocation returns "".
func (s *TokenService) rotate(
	ctx context.Context,
	parent *models.RefreshToken,
	newAccessJTI string,
) (string, time.Time, error) {
	plaintext, child, err := s.newRefreshRecord(
		parent.UserID, parent.ClientID, parent.Scope, newAccessJTI, parent.TokenHash, 0,
	)
	if err != nil {
		return "", time.Time{}, err
	}

	err = s.store.RotateRefreshToken(ctx, parent.TokenHash, child, s.now())
	switch {
	case err == nil:
	case errors.Is(err, models.ErrAlreadyConsumed), errors.Is(err, models.ErrExpired), errors.Is(err, models.ErrNotFound):
		logger.WithCorrelationID(ctx, s.logger).WithField("client_id", parent.ClientID).
			Warn("Refresh token rotation lost to a concurrent use or revocation")
		return "", time.Time{}, nil
	default:
		return "", time.Time{}, fmt.Errorf("failed to rotate refresh token: %w", err)
	}

	s.recorder.Record(ctx, models.AuditEvent{
		Type:     models.AuditRefreshRotated,
		ClientID: parent.ClientID,
		UserID:   parent.UserID,
	})
	return plaintext, child.ExpiresAt, nil
}

// RevokeRefreshToken revokes a plaintext refresh token. It reports false when
// the token was unknown or already revoked.
func (s *TokenService) RevokeRefreshToken(ctx context.Context, refreshToken, reason string) (bool, error) {
	if refreshToken == "" {
		return false, nil
	}
	return s.revokeHash(ctx, token.HashToken(refreshToken), "", "", reason)
}

func (s *TokenService) revokeHash(ctx context.Context, tokenHash, clientID, userID, reason string) (bool, error) {
	revoked, err := s.store.RevokeRefreshToken(ctx, tokenHash, reason, s.now())
	if err != nil {
		return false, fmt.Errorf("failed to revoke refresh token: %w", err)
	}
	if revoked {
		s.recorder.Record(ctx, models.AuditEvent{
			Type:     models.AuditRefreshRevoked,
			ClientID: clientID,
			UserID:   userID,
			Details:  map[string]string{"reason": reason},
		})
	}
	return revoked, nil
}

// RevokeAllForUser revokes every active refresh token of userID, limited to
// clientID when it is non-empty, and returns the number revoked.
func (s *TokenService) RevokeAllForUser(ctx context.Context, userID, clientID, reason string) (int, error) {
	count, err := s.store.RevokeUserRefreshTokens(ctx, userID, clientID, reason, s.now())
	if err != nil {
		return 0, fmt.Errorf("failed to revoke user refresh tokens: %w", err)
	}

	s.recorder.Record(ctx, models.AuditEvent{
		Type:     models.AuditUserTokensRevoked,
		ClientID: clientID,
		UserID:   userID,
		Details:  map[string]string{"reason": reason, "count": fmt.Sprint(count)},
	})
	return count, nil
}
