package auth

import (
	"context"
	"errors"

	"github.com/jsamuelsen11/recipe-web-app/authz-server/internal/models"
	"github.com/jsamuelsen11/recipe-web-app/authz-server/internal/token"
	"github.com/jsamuelsen11/recipe-web-app/authz-server/pkg/logger"
)

var inactive = &models.IntrospectionResponse{Active: false}

// Introspect reports the state of a token to an authenticated client.
// Every invalid, expired, revoked or malformed token yields {active:false}.
// A public client proves nothing beyond its client_id, so it only sees its
// own tokens; any other token reads as inactive.
func (s *OAuth2Service) Introspect(
	ctx context.Context,
	req *models.IntrospectionRequest,
	creds ClientCredentials,
) (*models.IntrospectionResponse, error) {
	caller, err := s.authenticateClient(ctx, creds)
	if err != nil {
		return nil, err
	}
	if req.Token == "" {
		return inactive, nil
	}

	lookups := []func(context.Context, string) (*models.IntrospectionResponse, error){
		s.introspectAccessToken,
		s.introspectRefreshToken,
	}
	if req.TokenTypeHint == models.TokenTypeHintRefreshToken {
		lookups[0], lookups[1] = lookups[1], lookups[0]
	}

	for _, lookup := range lookups {
		resp, err := lookup(ctx, req.Token)
		if err != nil {
			logger.WithCorrelationID(ctx, s.logger).WithError(err).Error("Token introspection failed")
			return inactive, nil
		}
		if resp == nil {
			continue
		}
		if caller.IsPublic() && resp.ClientID != caller.ID {
			logger.WithCorrelationID(ctx, s.logger).WithField("client_id", caller.ID).
				Warn("Public client introspected a token issued to another client")
			return inactive, nil
		}
		return resp, nil
	}
	return inactive, nil
}

func (s *OAuth2Service) introspectAccessToken(ctx context.Context, tok string) (*models.IntrospectionResponse, error) {
	claims, err := s.tokens.VerifyAccessToken(ctx, tok)
	if err != nil || claims == nil {
		return nil, err
	}
	resp := &models.IntrospectionResponse{
		Active:    true,
		Scope:     claims.ScopeSet().String(),
		ClientID:  claims.ClientID,
		Subject:   claims.Subject,
		TokenType: string(models.TokenTypeBearer),
		Issuer:    claims.Issuer,
		JWTID:     claims.ID,
	}
	if claims.ExpiresAt != nil {
		resp.ExpiresAt = claims.ExpiresAt.Unix()
	}
	if claims.IssuedAt != nil {
		resp.IssuedAt = claims.IssuedAt.Unix()
	}
	return resp, nil
}

func (s *OAuth2Service) introspectRefreshToken(ctx context.Context, tok string) (*models.IntrospectionResponse, error) {
	record, err := s.tokens.LookupRefreshToken(ctx, tok)
	if err != nil || record == nil {
		return nil, err
	}
	return &models.IntrospectionResponse{
		Active:    true,
		Scope:     record.Scope.String(),
		ClientID:  record.ClientID,
		Subject:   record.UserID,
		TokenType: models.TokenTypeHintRefreshToken,
		ExpiresAt: record.ExpiresAt.Unix(),
		IssuedAt:  record.IssuedAt.Unix(),
		Issuer:    s.cfg.Issuer,
	}, nil
}

// Revoke revokes a refresh token owned by the calling client. Once the client
// has authenticated the outcome is always success, whether or not the token
// existed, so the endpoint cannot be used to probe for tokens.
func (s *OAuth2Service) Revoke(ctx context.Context, req *models.RevocationRequest, creds ClientCredentials) error {
	client, err := s.authenticateClient(ctx, creds)
	if err != nil {
		return err
	}
	if req.Token == "" {
		return nil
	}

	log := logger.WithCorrelationID(ctx, s.logger).WithField("client_id", client.ID)

	record, err := s.tokens.LookupRefreshToken(ctx, req.Token)
	if err != nil {
		log.WithError(err).Error("Failed to look up token for revocation")
		return nil
	}
	if record == nil {
		log.Debug("Revocation requested for unknown or inactive token")
		return nil
	}
	if record.ClientID != client.ID {
		log.Warn("Client attempted to revoke a token issued to another client")
		return nil
	}

	if _, err = s.tokens.revokeHash(
		ctx, record.TokenHash, record.ClientID, record.UserID, models.RevokeReasonClientRequest,
	); err != nil {
		log.WithError(err).Error("Failed to revoke refresh token")
	}
	return nil
}

// UserInfo returns the claims of the user behind a Bearer access token. The
// token must carry the openid scope; profile claims follow the granted scopes.
func (s *OAuth2Service) UserInfo(ctx context.Context, accessToken string) (*models.UserInfo, error) {
	if accessToken == "" {
		return nil, models.NewInvalidToken("Bearer access token required")
	}

	claims, err := s.tokens.VerifyAccessToken(ctx, accessToken)
	if err != nil {
		logger.WithCorrelationID(ctx, s.logger).WithError(err).Error("Failed to verify access token")
		return nil, models.NewServerError("Failed to verify access token")
	}
	if claims == nil || claims.Subject == "" {
		return nil, models.NewInvalidToken("The access token is invalid, expired or revoked")
	}

	scope := claims.ScopeSet()
	if !scope.Has(models.ScopeOpenID) {
		return nil, models.NewInsufficientScope("The access token does not carry the openid scope")
	}

	profile, err := s.profiles.GetProfile(ctx, claims.Subject)
	if err != nil {
		if errors.Is(err, models.ErrNotFound) {
			return nil, models.NewInvalidToken("The user of this token no longer exists")
		}
		logger.WithCorrelationID(ctx, s.logger).WithError(err).Error("Failed to load user profile")
		return nil, models.NewServerError("Failed to load user profile")
	}

	return userInfoFromClaims(claims.Subject, token.ProfileClaims(profile, scope)), nil
}

func userInfoFromClaims(subject string, claims map[string]any) *models.UserInfo {
	info := &models.UserInfo{Subject: subject}
	if v, ok := claims["name"].(string); ok {
		info.Name = v
	}
	if v, ok := claims["updated_at"].(int64); ok {
		info.UpdatedAt = v
	}
	if v, ok := claims["email"].(string); ok {
		info.Email = v
	}
	if v, ok := claims["email_verified"].(bool); ok {
		info.EmailVerified = &v
	}
	return info
}
