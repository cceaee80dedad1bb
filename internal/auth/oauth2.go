package auth

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"net/url"

	"github.com/sirupsen/logrus"

	"github.com/jsamuelsen11/recipe-web-app/authz-server/internal/audit"
	"github.com/jsamuelsen11/recipe-web-app/authz-server/internal/config"
	"github.com/jsamuelsen11/recipe-web-app/authz-server/internal/models"
	"github.com/jsamuelsen11/recipe-web-app/authz-server/internal/token"
	"github.com/jsamuelsen11/recipe-web-app/authz-server/pkg/logger"
)

// AuthorizePath is where consent decisions resume the authorization request.
const AuthorizePath = "/authorize"

// Consent decisions accepted by Consent.
const (
	ConsentAllow = "allow"
	ConsentDeny  = "deny"
)

// OAuth2Service orchestrates the authorization, token, introspection and
// revocation endpoints on top of the registry, code, consent and token
// components.
type OAuth2Service struct {
	cfg      *config.OAuth2Config
	clients  *ClientRegistry
	scopes   *ScopeValidator
	codes    *CodeManager
	consents *ConsentService
	tokens   *TokenService
	profiles ProfileLookup
	pkce     token.PKCEService
	guard    *ConsentGuard
	recorder *audit.Recorder
	logger   *logrus.Logger
}

// Dependencies groups the collaborators of OAuth2Service.
type Dependencies struct {
	Clients  *ClientRegistry
	Scopes   *ScopeValidator
	Codes    *CodeManager
	Consents *ConsentService
	Tokens   *TokenService
	Profiles ProfileLookup
	Recorder *audit.Recorder
	// Guard signs consent csrf_tokens. When nil one is built from
	// OAuth2Config.ConsentKey.
	Guard *ConsentGuard
}

// NewOAuth2Service creates a new OAuth2 service instance with the provided dependencies.
func NewOAuth2Service(cfg *config.OAuth2Config, deps Dependencies, logger *logrus.Logger) *OAuth2Service {
	guard := deps.Guard
	if guard == nil {
		guard = NewConsentGuard([]byte(cfg.ConsentKey))
	}
	return &OAuth2Service{
		cfg:      cfg,
		clients:  deps.Clients,
		scopes:   deps.Scopes,
		codes:    deps.Codes,
		consents: deps.Consents,
		tokens:   deps.Tokens,
		profiles: deps.Profiles,
		pkce:     token.NewPKCEService(),
		guard:    guard,
		recorder: deps.Recorder,
		logger:   logger,
	}
}

// Tokens exposes the token service for admin operations.
func (s *OAuth2Service) Tokens() *TokenService {
	return s.tokens
}

// authorizeError is a failure that must be rendered locally because the
// redirect URI could not be trusted.
type authorizeError struct {
	*models.OAuth2Error
}

func (e *authorizeError) Unwrap() error { return e.OAuth2Error }

// IsLocalAuthorizeError reports whether err must be shown to the user agent
// instead of being redirected to the client.
func IsLocalAuthorizeError(err error) bool {
	var local *authorizeError
	return errors.As(err, &local)
}

func localError(err *models.OAuth2Error) error {
	return &authorizeError{OAuth2Error: err}
}

// validatedRequest is an authorization request that passed every check
// before the user-dependent steps.
type validatedRequest struct {
	req    *models.AuthorizeRequest
	client *models.Client
	scope  models.ScopeSet
}

// Authorize runs the authorization endpoint for user (nil when no session).
// It returns the URL to redirect the user agent to: the client with a code or
// an error, the login surface, or the consent surface. Errors returned
// directly are local errors (see IsLocalAuthorizeError) or server faults.
func (s *OAuth2Service) Authorize(
	ctx context.Context,
	req *models.AuthorizeRequest,
	user *models.UserRef,
) (string, error) {
	log := logger.WithCorrelationID(ctx, s.logger).WithFields(logrus.Fields{
		"client_id": req.ClientID,
		"scope":     req.Scope,
	})
	log.Info("Processing authorization request")

	v, err := s.validateAuthorizeRequest(ctx, req)
	if err != nil {
		return s.authorizeFailure(ctx, req, err)
	}

	encoded := EncodeAuthorizeRequest(req)
	if user == nil {
		return s.redirectTo(ctx, s.cfg.LoginURL, url.Values{"request": {encoded}})
	}

	covered, err := s.consents.HasConsent(ctx, user.ID, v.client.ID, v.scope)
	if err != nil {
		log.WithError(err).Error("Failed to check consent")
		return s.authorizeFailure(ctx, req, models.NewServerError("Failed to check consent"))
	}
	if !covered {
		return s.redirectTo(ctx, s.cfg.ConsentURL, url.Values{
			"request":    {encoded},
			"csrf_token": {s.guard.Token(user, encoded)},
		})
	}

	return s.issueCode(ctx, v, user)
}

func (s *OAuth2Service) issueCode(ctx context.Context, v *validatedRequest, user *models.UserRef) (string, error) {
	code, err := s.codes.Create(ctx, CodeParams{
		ClientID:            v.client.ID,
		UserID:              user.ID,
		RedirectURI:         v.req.RedirectURI,
		Scope:               v.scope,
		CodeChallenge:       v.req.CodeChallenge,
		CodeChallengeMethod: v.req.CodeChallengeMethod,
		Nonce:               v.req.Nonce,
	}, s.cfg.AuthorizationCodeExpiry)
	if err != nil {
		var oauthErr *models.OAuth2Error
		if !errors.As(err, &oauthErr) {
			logger.WithCorrelationID(ctx, s.logger).WithError(err).Error("Failed to issue authorization code")
		}
		return s.authorizeFailure(ctx, v.req, models.AsOAuth2Error(err))
	}

	logger.WithCorrelationID(ctx, s.logger).WithFields(logrus.Fields{
		"client_id": v.client.ID,
		"user_id":   user.ID,
	}).Info("Authorization code generated successfully")

	return s.redirectTo(ctx, v.req.RedirectURI, url.Values{"code": {code}, "state": {v.req.State}})
}

// authorizeFailure redirects redirectable errors back to the client and
// passes local errors through.
func (s *OAuth2Service) authorizeFailure(ctx context.Context, req *models.AuthorizeRequest, err error) (string, error) {
	if IsLocalAuthorizeError(err) {
		return "", err
	}
	oauthErr := models.AsOAuth2Error(err)
	oauthErr.State = req.State
	return s.redirectTo(ctx, req.RedirectURI, oauthErr.RedirectQuery())
}

// redirectTo builds a redirect target. A target that does not parse is a
// local server_error since nothing can be redirected to it.
func (s *OAuth2Service) redirectTo(ctx context.Context, target string, params url.Values) (string, error) {
	dest, err := withQuery(target, params)
	if err != nil {
		logger.WithCorrelationID(ctx, s.logger).WithError(err).Error("Failed to build redirect")
		return "", localError(models.NewServerError("Failed to build redirect"))
	}
	return dest, nil
}

// validateAuthorizeRequest performs every check that does not depend on the
// user. The redirect URI is trusted only after it matched a registered one;
// failures before that point are local errors.
func (s *OAuth2Service) validateAuthorizeRequest(ctx context.Context, req *models.AuthorizeRequest) (*validatedRequest, error) {
	if req.ClientID == "" {
		return nil, localError(models.NewInvalidRequest("client_id is required"))
	}
	if req.RedirectURI == "" {
		return nil, localError(models.NewInvalidRequest("redirect_uri is required"))
	}

	client, err := s.clients.Get(ctx, req.ClientID)
	if err != nil {
		if errors.Is(err, models.ErrClientNotFound) {
			return nil, localError(models.NewInvalidRequest("Unknown client_id"))
		}
		logger.WithCorrelationID(ctx, s.logger).WithError(err).Error("Failed to load client")
		return nil, localError(models.NewServerError("Failed to load client"))
	}

	if !client.ValidateRedirectURI(req.RedirectURI) {
		s.recorder.Record(ctx, models.AuditEvent{
			Type:     models.AuditInvalidRedirectURI,
			ClientID: client.ID,
			Details:  map[string]string{"redirect_uri": req.RedirectURI},
		})
		return nil, localError(models.NewInvalidRequest("redirect_uri is not registered for this client"))
	}
	if !client.IsActive() {
		return nil, localError(models.NewInvalidClient("Client is suspended"))
	}

	if req.ResponseType != string(models.ResponseTypeCode) {
		return nil, models.NewUnsupportedResponseType("Only the 'code' response type is supported")
	}
	if req.State == "" {
		return nil, models.NewInvalidRequest("state is required")
	}
	if req.Scope == "" {
		return nil, models.NewInvalidRequest("scope is required")
	}
	if !client.HasGrantType(models.GrantTypeAuthorizationCode) {
		return nil, models.NewUnauthorizedClient("Client is not allowed to use the authorization_code grant")
	}

	if err = s.checkPKCE(client, req); err != nil {
		return nil, err
	}

	scope := models.ParseScope(req.Scope)
	if v := s.scopes.ValidateSet(scope); !v.Valid {
		return nil, models.NewInvalidScope(fmt.Sprintf("Unsupported scope: %v", v.InvalidScopes))
	}
	if missing := scope.Missing(client.Scopes()); len(missing) > 0 {
		return nil, models.NewInvalidScope(fmt.Sprintf("Client is not allowed to request scope: %v", missing))
	}

	return &validatedRequest{req: req, client: client, scope: scope}, nil
}

func (s *OAuth2Service) checkPKCE(client *models.Client, req *models.AuthorizeRequest) error {
	if req.CodeChallenge == "" {
		if client.RequirePKCE || client.IsPublic() {
			return models.NewInvalidRequest("code_challenge is required for this client")
		}
		if req.CodeChallengeMethod != "" {
			return models.NewInvalidRequest("code_challenge_method requires code_challenge")
		}
		return nil
	}

	if err := s.pkce.ValidateCodeChallenge(req.CodeChallenge); err != nil {
		return models.NewInvalidRequest(fmt.Sprintf("Invalid code_challenge: %v", err))
	}
	method := token.ParseCodeChallengeMethod(req.CodeChallengeMethod)
	if err := s.pkce.ValidateCodeChallengeMethod(method); err != nil {
		return models.NewInvalidRequest(fmt.Sprintf("Invalid code_challenge_method: %v", err))
	}
	return nil
}

// Consent applies the user's decision on an encoded authorization request.
// csrfToken must be the one Authorize issued with the consent redirect for
// the same session and request. Allow records consent and returns the URL
// that resumes the request; deny redirects to the client with access_denied.
func (s *OAuth2Service) Consent(
	ctx context.Context,
	user *models.UserRef,
	encodedRequest, decision, csrfToken string,
) (string, error) {
	req, err := DecodeAuthorizeRequest(encodedRequest)
	if err != nil {
		return "", localError(models.NewInvalidRequest("Malformed authorization request"))
	}

	v, err := s.validateAuthorizeRequest(ctx, req)
	if err != nil {
		return s.authorizeFailure(ctx, req, err)
	}

	if user == nil {
		return s.redirectTo(ctx, s.cfg.LoginURL, url.Values{"request": {encodedRequest}})
	}

	if !s.guard.Verify(user, encodedRequest, csrfToken) {
		logger.WithCorrelationID(ctx, s.logger).WithFields(logrus.Fields{
			"client_id": v.client.ID,
			"user_id":   user.ID,
		}).Warn("Consent decision without a valid csrf_token")
		return "", localError(models.NewInvalidRequest("Missing or invalid csrf_token"))
	}

	switch decision {
	case ConsentAllow:
		if err = s.consents.Grant(ctx, user.ID, v.client.ID, v.scope); err != nil {
			logger.WithCorrelationID(ctx, s.logger).WithError(err).Error("Failed to record consent")
			return s.authorizeFailure(ctx, req, models.NewServerError("Failed to record consent"))
		}
		return AuthorizePath + "?" + authorizeValues(req).Encode(), nil
	case ConsentDeny:
		return s.authorizeFailure(ctx, req, models.NewAccessDenied("The user denied the request"))
	default:
		return "", localError(models.NewInvalidRequest("decision must be allow or deny"))
	}
}

// EncodeAuthorizeRequest packs an authorization request into an opaque
// base64url parameter for the login and consent round trips.
func EncodeAuthorizeRequest(req *models.AuthorizeRequest) string {
	return base64.RawURLEncoding.EncodeToString([]byte(authorizeValues(req).Encode()))
}

// DecodeAuthorizeRequest reverses EncodeAuthorizeRequest.
func DecodeAuthorizeRequest(encoded string) (*models.AuthorizeRequest, error) {
	raw, err := base64.RawURLEncoding.DecodeString(encoded)
	if err != nil {
		return nil, fmt.Errorf("invalid request encoding: %w", err)
	}
	values, err := url.ParseQuery(string(raw))
	if err != nil {
		return nil, fmt.Errorf("invalid request query: %w", err)
	}
	return AuthorizeRequestFromValues(values), nil
}

// AuthorizeRequestFromValues reads an authorization request from query values.
func AuthorizeRequestFromValues(values url.Values) *models.AuthorizeRequest {
	return &models.AuthorizeRequest{
		ResponseType:        values.Get("response_type"),
		ClientID:            values.Get("client_id"),
		RedirectURI:         values.Get("redirect_uri"),
		Scope:               values.Get("scope"),
		State:               values.Get("state"),
		Nonce:               values.Get("nonce"),
		CodeChallenge:       values.Get("code_challenge"),
		CodeChallengeMethod: values.Get("code_challenge_method"),
	}
}

func authorizeValues(req *models.AuthorizeRequest) url.Values {
	values := url.Values{}
	set := func(key, value string) {
		if value != "" {
			values.Set(key, value)
		}
	}
	set("response_type", req.ResponseType)
	set("client_id", req.ClientID)
	set("redirect_uri", req.RedirectURI)
	set("scope", req.Scope)
	set("state", req.State)
	set("nonce", req.Nonce)
	set("code_challenge", req.CodeChallenge)
	set("code_challenge_method", req.CodeChallengeMethod)
	return values
}

// withQuery appends params to target after any query it already has, which
// is kept byte for byte. Empty values are dropped.
func withQuery(target string, params url.Values) (string, error) {
	u, err := url.Parse(target)
	if err != nil {
		return "", fmt.Errorf("invalid redirect target: %w", err)
	}
	extra := url.Values{}
	for key, values := range params {
		for _, v := range values {
			if v != "" {
				extra.Add(key, v)
			}
		}
	}
	encoded := extra.Encode()
	switch {
	case encoded == "":
	case u.RawQuery == "":
		u.RawQuery = encoded
	default:
		u.RawQuery += "&" + encoded
	}
	return u.String(), nil
}
