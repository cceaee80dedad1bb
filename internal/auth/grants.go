package auth

import (
	"context"
	"errors"
	"fmt"

	"github.com/sirupsen/logrus"

	"github.com/jsamuelsen11/recipe-web-app/authz-server/internal/models"
	"github.com/jsamuelsen11/recipe-web-app/authz-server/internal/token"
	"github.com/jsamuelsen11/recipe-web-app/authz-server/pkg/logger"
)

const tokenFailureErrorMsg = "Failed to generate or store token"

// ClientCredentials are the client authentication values of a request.
type ClientCredentials struct {
	ClientID     string
	ClientSecret string
	// Basic is true when the values came from an HTTP Basic header.
	Basic bool
}

// Token dispatches a token request on its grant_type.
func (s *OAuth2Service) Token(
	ctx context.Context,
	req *models.TokenRequest,
	creds ClientCredentials,
) (*models.TokenResponse, error) {
	logger.WithCorrelationID(ctx, s.logger).WithFields(logrus.Fields{
		"grant_type": req.GrantType,
		"client_id":  creds.ClientID,
	}).Info("Processing token request")

	if req.GrantType == "" {
		return nil, models.NewInvalidRequest("grant_type is required")
	}
	grantType, ok := models.ParseGrantType(req.GrantType)
	if !ok {
		return nil, models.NewUnsupportedGrantType(fmt.Sprintf("Grant type %s is not supported", req.GrantType))
	}

	client, err := s.authenticateClient(ctx, creds)
	if err != nil {
		return nil, err
	}
	if !client.HasGrantType(grantType) {
		return nil, models.NewUnauthorizedClient(fmt.Sprintf("Client is not allowed to use the %s grant", grantType))
	}

	switch grantType {
	case models.GrantTypeAuthorizationCode:
		return s.handleAuthorizationCodeGrant(ctx, req, client)
	case models.GrantTypeRefreshToken:
		return s.handleRefreshTokenGrant(ctx, req, client)
	case models.GrantTypeClientCredentials:
		return s.handleClientCredentialsGrant(ctx, req, client)
	default:
		return nil, models.NewUnsupportedGrantType(fmt.Sprintf("Grant type %s is not supported", req.GrantType))
	}
}

// authenticateClient authenticates the caller according to its registered
// token endpoint auth method. Public clients authenticate by client_id alone.
func (s *OAuth2Service) authenticateClient(ctx context.Context, creds ClientCredentials) (*models.Client, error) {
	if creds.ClientID == "" {
		return nil, models.NewInvalidClient("Client authentication required")
	}

	client, err := s.clients.Get(ctx, creds.ClientID)
	if err != nil && !errors.Is(err, models.ErrClientNotFound) {
		logger.WithCorrelationID(ctx, s.logger).WithError(err).Error("Failed to load client")
		return nil, models.NewServerError("Failed to load client")
	}

	if client != nil && client.IsPublic() {
		if creds.ClientSecret != "" {
			return nil, s.clientAuthFailed(ctx, creds, "public client presented a secret")
		}
		if !client.IsActive() {
			return nil, s.clientAuthFailed(ctx, creds, "client suspended")
		}
		return client, nil
	}

	if client != nil {
		switch {
		case client.TokenEndpointAuthMethod == models.AuthMethodSecretBasic && !creds.Basic:
			return nil, s.clientAuthFailed(ctx, creds, "client_secret_basic required")
		case client.TokenEndpointAuthMethod == models.AuthMethodSecretPost && creds.Basic:
			return nil, s.clientAuthFailed(ctx, creds, "client_secret_post required")
		}
	}

	verified, err := s.clients.Verify(ctx, creds.ClientID, creds.ClientSecret)
	if err != nil {
		var oauthErr *models.OAuth2Error
		if errors.As(err, &oauthErr) {
			return nil, s.clientAuthFailed(ctx, creds, oauthErr.Description)
		}
		logger.WithCorrelationID(ctx, s.logger).WithError(err).Error("Failed to verify client")
		return nil, models.NewServerError("Failed to verify client")
	}
	return verified, nil
}

func (s *OAuth2Service) clientAuthFailed(ctx context.Context, creds ClientCredentials, reason string) error {
	s.recorder.Record(ctx, models.AuditEvent{
		Type:     models.AuditClientAuthFailed,
		ClientID: creds.ClientID,
		Details:  map[string]string{"reason": reason},
	})
	return models.NewInvalidClient("Client authentication failed")
}

// handleAuthorizationCodeGrant redeems an authorization code.
func (s *OAuth2Service) handleAuthorizationCodeGrant(
	ctx context.Context,
	req *models.TokenRequest,
	client *models.Client,
) (*models.TokenResponse, error) {
	if req.Code == "" {
		return nil, models.NewInvalidRequest("code is required for authorization_code grant")
	}
	if req.RedirectURI == "" {
		return nil, models.NewInvalidRequest("redirect_uri is required for authorization_code grant")
	}
	if client.IsPublic() && req.CodeVerifier == "" {
		return nil, models.NewInvalidRequest("code_verifier is required for public clients")
	}

	authCode, err := s.codes.ValidateAndConsume(ctx, req.Code, client.ID, req.RedirectURI, req.CodeVerifier)
	if err != nil {
		logger.WithCorrelationID(ctx, s.logger).WithError(err).Error("Failed to redeem authorization code")
		return nil, models.NewServerError("Failed to redeem authorization code")
	}
	if authCode == nil {
		return nil, models.NewInvalidGrant("Invalid, expired or already used authorization code")
	}

	resp, access, err := s.mintUserTokens(ctx, client, authCode.UserID, authCode.Scope, authCode.Nonce)
	if err != nil {
		return nil, err
	}

	if authCode.Scope.Has(models.ScopeOfflineAccess) && client.HasGrantType(models.GrantTypeRefreshToken) {
		refresh, _, refreshErr := s.tokens.GenerateRefreshToken(
			ctx, authCode.UserID, client.ID, authCode.Scope, access.JTI, "", 0,
		)
		if refreshErr != nil {
			logger.WithCorrelationID(ctx, s.logger).WithError(refreshErr).Error(tokenFailureErrorMsg)
			return nil, models.NewServerError(tokenFailureErrorMsg)
		}
		resp.RefreshToken = refresh
	}

	s.tokenIssued(ctx, client.ID, authCode.UserID, models.GrantTypeAuthorizationCode, authCode.Scope)
	return resp, nil
}

// mintUserTokens signs the access token and, for openid requests, the ID token.
func (s *OAuth2Service) mintUserTokens(
	ctx context.Context,
	client *models.Client,
	userID string,
	scope models.ScopeSet,
	nonce string,
) (*models.TokenResponse, *token.IssuedToken, error) {
	access, err := s.tokens.GenerateAccessToken(userID, client.ID, scope, 0)
	if err != nil {
		logger.WithCorrelationID(ctx, s.logger).WithError(err).Error(tokenFailureErrorMsg)
		return nil, nil, models.NewServerError(tokenFailureErrorMsg)
	}

	resp := &models.TokenResponse{
		AccessToken: access.Token,
		TokenType:   models.TokenTypeBearer,
		ExpiresIn:   int(access.ExpiresAt.Sub(access.IssuedAt).Seconds()),
		Scope:       scope.String(),
	}

	if scope.Has(models.ScopeOpenID) {
		idToken, idErr := s.tokens.GenerateIDToken(ctx, userID, client.ID, scope, nonce, 0)
		switch {
		case errors.Is(idErr, models.ErrUserNotFound):
			return nil, nil, models.NewInvalidGrant("The user of this grant no longer exists")
		case idErr != nil:
			logger.WithCorrelationID(ctx, s.logger).WithError(idErr).Error("Failed to generate ID token")
			return nil, nil, models.NewServerError("Failed to generate ID token")
		}
		resp.IDToken = idToken.Token
	}

	return resp, access, nil
}

// handleRefreshTokenGrant exchanges a refresh token for new tokens and
// rotates it.
func (s *OAuth2Service) handleRefreshTokenGrant(
	ctx context.Context,
	req *models.TokenRequest,
	client *models.Client,
) (*models.TokenResponse, error) {
	if req.RefreshToken == "" {
		return nil, models.NewInvalidRequest("refresh_token is required")
	}

	record, err := s.tokens.VerifyRefreshToken(ctx, req.RefreshToken)
	if err != nil {
		logger.WithCorrelationID(ctx, s.logger).WithError(err).Error("Failed to verify refresh token")
		return nil, models.NewServerError("Failed to verify refresh token")
	}
	if record == nil {
		return nil, models.NewInvalidGrant("Invalid, expired or revoked refresh token")
	}
	if record.ClientID != client.ID {
		logger.WithCorrelationID(ctx, s.logger).WithField("client_id", client.ID).
			Warn("Refresh token presented by a different client")
		return nil, models.NewInvalidGrant("Refresh token was issued to a different client")
	}

	scope, err := s.scopes.Narrow(record.Scope, req.Scope)
	if err != nil {
		s.recorder.Record(ctx, models.AuditEvent{
			Type:     models.AuditScopeEscalationDenied,
			ClientID: client.ID,
			UserID:   record.UserID,
			Details:  map[string]string{"requested": req.Scope, "granted": record.Scope.String()},
		})
		return nil, err
	}

	resp, access, err := s.mintUserTokens(ctx, client, record.UserID, scope, "")
	if err != nil {
		return nil, err
	}

	refresh, _, err := s.tokens.rotate(ctx, record, access.JTI)
	if err != nil {
		logger.WithCorrelationID(ctx, s.logger).WithError(err).Error("Failed to rotate refresh token")
		return nil, models.NewServerError(tokenFailureErrorMsg)
	}
	if refresh == "" {
		return nil, models.NewInvalidGrant("Refresh token was already used")
	}
	resp.RefreshToken = refresh

	s.tokenIssued(ctx, client.ID, record.UserID, models.GrantTypeRefreshToken, scope)
	return resp, nil
}

// handleClientCredentialsGrant issues a subject-less access token to a
// confidential client.
func (s *OAuth2Service) handleClientCredentialsGrant(
	ctx context.Context,
	req *models.TokenRequest,
	client *models.Client,
) (*models.TokenResponse, error) {
	if client.IsPublic() {
		return nil, models.NewUnauthorizedClient("Public clients cannot use the client_credentials grant")
	}

	scope := models.ParseScope(req.Scope)
	if scope.IsEmpty() {
		scope = machineScopes(client)
	}
	if scope.Has(models.ScopeOpenID) || scope.Has(models.ScopeOfflineAccess) {
		return nil, models.NewInvalidScope("openid and offline_access need a user and cannot be granted here")
	}
	if v := s.scopes.ValidateSet(scope); !scope.IsEmpty() && !v.Valid {
		return nil, models.NewInvalidScope(fmt.Sprintf("Unsupported scope: %v", v.InvalidScopes))
	}
	if missing := scope.Missing(client.Scopes()); len(missing) > 0 {
		return nil, models.NewInvalidScope(fmt.Sprintf("Client is not allowed to request scope: %v", missing))
	}

	access, err := s.tokens.GenerateAccessToken("", client.ID, scope, 0)
	if err != nil {
		logger.WithCorrelationID(ctx, s.logger).WithError(err).Error(tokenFailureErrorMsg)
		return nil, models.NewServerError(tokenFailureErrorMsg)
	}

	s.tokenIssued(ctx, client.ID, "", models.GrantTypeClientCredentials, scope)
	return &models.TokenResponse{
		AccessToken: access.Token,
		TokenType:   models.TokenTypeBearer,
		ExpiresIn:   int(access.ExpiresAt.Sub(access.IssuedAt).Seconds()),
		Scope:       scope.String(),
	}, nil
}

// machineScopes is the default client_credentials scope: the client's
// allow-list without the user-bound OIDC scopes.
func machineScopes(client *models.Client) models.ScopeSet {
	scope := client.Scopes()
	for _, userScope := range []string{
		models.ScopeOpenID, models.ScopeProfile, models.ScopeEmail, models.ScopeOfflineAccess,
	} {
		delete(scope, userScope)
	}
	return scope
}

func (s *OAuth2Service) tokenIssued(
	ctx context.Context,
	clientID, userID string,
	grant models.GrantType,
	scope models.ScopeSet,
) {
	logger.WithCorrelationID(ctx, s.logger).WithFields(logrus.Fields{
		"client_id":  clientID,
		"user_id":    userID,
		"grant_type": grant,
		"scope":      scope.String(),
	}).Info("Access token issued successfully")

	s.recorder.Record(ctx, models.AuditEvent{
		Type:     models.AuditTokenIssued,
		ClientID: clientID,
		UserID:   userID,
		Details:  map[string]string{"grant_type": string(grant), "scope": scope.String()},
	})
}
