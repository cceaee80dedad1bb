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

// CodeParams are the values an authorization code is bound to.
type CodeParams struct {
	ClientID            string
	UserID              string
	RedirectURI         string
	Scope               models.ScopeSet
	CodeChallenge       string
	CodeChallengeMethod string
	Nonce               string
}

// CodeManager issues authorization codes and consumes them exactly once.
type CodeManager struct {
	store    repository.CodeRepository
	pkce     token.PKCEService
	recorder *audit.Recorder
	logger   *logrus.Logger
	now      func() time.Time
}

// NewCodeManager creates a CodeManager over store.
func NewCodeManager(store repository.CodeRepository, recorder *audit.Recorder, logger *logrus.Logger) *CodeManager {
	return &CodeManager{
		store:    store,
		pkce:     token.NewPKCEService(),
		recorder: recorder,
		logger:   logger,
		now:      time.Now,
	}
}

// Create validates params, stores a new code for lifetime and returns it.
// A challenge without a method is treated as plain.
func (m *CodeManager) Create(ctx context.Context, params CodeParams, lifetime time.Duration) (string, error) {
	if params.ClientID == "" || params.UserID == "" || params.RedirectURI == "" || params.Scope.IsEmpty() {
		return "", models.NewInvalidRequest("client_id, user, redirect_uri and scope are required")
	}

	method := ""
	if params.CodeChallenge != "" {
		if err := m.pkce.ValidateCodeChallenge(params.CodeChallenge); err != nil {
			return "", models.NewInvalidRequest(fmt.Sprintf("Invalid code_challenge: %v", err))
		}
		method = token.ParseCodeChallengeMethod(params.CodeChallengeMethod)
		if err := m.pkce.ValidateCodeChallengeMethod(method); err != nil {
			return "", models.NewInvalidRequest(fmt.Sprintf("Invalid code_challenge_method: %v", err))
		}
	} else if params.CodeChallengeMethod != "" {
		return "", models.NewInvalidRequest("code_challenge_method requires code_challenge")
	}

	if lifetime <= 0 {
		lifetime = models.DefaultAuthorizationCodeLifetime
	}

	code, err := token.GenerateOpaqueToken()
	if err != nil {
		return "", fmt.Errorf("failed to generate authorization code: %w", err)
	}

	now := m.now()
	record := &models.AuthorizationCode{
		Code:                code,
		ClientID:            params.ClientID,
		UserID:              params.UserID,
		RedirectURI:         params.RedirectURI,
		Scope:               params.Scope,
		CodeChallenge:       params.CodeChallenge,
		CodeChallengeMethod: method,
		Nonce:               params.Nonce,
		IssuedAt:            now,
		ExpiresAt:           now.Add(lifetime),
	}
	if err = m.store.SaveAuthorizationCode(ctx, record); err != nil {
		return "", fmt.Errorf("failed to store authorization code: %w", err)
	}

	m.recorder.Record(ctx, models.AuditEvent{
		Type:     models.AuditCodeIssued,
		ClientID: params.ClientID,
		UserID:   params.UserID,
		Details:  map[string]string{"scope": params.Scope.String(), "pkce": method},
	})
	return code, nil
}

// ValidateAndConsume redeems a code. The client, redirect_uri and PKCE
// bindings are checked against a read of the record first, so a mismatched
// attempt leaves the code redeemable. Only a matching request reaches the
// store's atomic mark-as-used, which exactly one concurrent caller wins.
// Any invalid outcome returns (nil, nil); only storage faults error.
func (m *CodeManager) ValidateAndConsume(
	ctx context.Context,
	code, clientID, redirectURI, codeVerifier string,
) (*models.AuthorizationCode, error) {
	log := logger.WithCorrelationID(ctx, m.logger).WithField("client_id", clientID)

	if code == "" {
		return nil, nil
	}

	record, err := m.store.GetAuthorizationCode(ctx, code)
	switch {
	case err == nil:
	case errors.Is(err, models.ErrNotFound), errors.Is(err, models.ErrExpired):
		log.Debug("Authorization code unknown or expired")
		return nil, nil
	default:
		return nil, fmt.Errorf("failed to read authorization code: %w", err)
	}

	if record.IsUsed() {
		m.recordReplay(ctx, log, record)
		return nil, nil
	}
	if !m.now().Before(record.ExpiresAt) {
		log.Debug("Authorization code expired")
		return nil, nil
	}
	if !m.bindingMatches(log, record, clientID, redirectURI, codeVerifier) {
		return nil, nil
	}

	consumed, err := m.store.ConsumeAuthorizationCode(ctx, code, m.now())
	switch {
	case err == nil:
	case errors.Is(err, models.ErrAlreadyConsumed):
		m.recordReplay(ctx, log, record)
		return nil, nil
	case errors.Is(err, models.ErrNotFound), errors.Is(err, models.ErrExpired):
		log.Debug("Authorization code unknown or expired")
		return nil, nil
	default:
		return nil, fmt.Errorf("failed to consume authorization code: %w", err)
	}

	m.recorder.Record(ctx, models.AuditEvent{
		Type:     models.AuditCodeExchanged,
		ClientID: consumed.ClientID,
		UserID:   consumed.UserID,
	})
	return consumed, nil
}

func (m *CodeManager) bindingMatches(
	log *logrus.Entry,
	record *models.AuthorizationCode,
	clientID, redirectURI, codeVerifier string,
) bool {
	if record.ClientID != clientID {
		log.Warn("Authorization code presented by a different client")
		return false
	}
	if record.RedirectURI != redirectURI {
		log.Warn("redirect_uri does not match authorization request")
		return false
	}
	if record.CodeChallenge != "" {
		if codeVerifier == "" ||
			!m.pkce.VerifyCodeChallenge(codeVerifier, record.CodeChallenge, record.CodeChallengeMethod) {
			log.Warn("PKCE verification failed")
			return false
		}
	}
	return true
}

func (m *CodeManager) recordReplay(ctx context.Context, log *logrus.Entry, record *models.AuthorizationCode) {
	log.Warn("Authorization code replay detected")
	m.recorder.Record(ctx, models.AuditEvent{
		Type:     models.AuditCodeReplay,
		ClientID: record.ClientID,
		UserID:   record.UserID,
	})
}

// Revoke marks an unused code as used. It reports false when the code was
// unknown, expired or already consumed.
func (m *CodeManager) Revoke(ctx context.Context, code string) (bool, error) {
	_, err := m.store.ConsumeAuthorizationCode(ctx, code, m.now())
	switch {
	case err == nil:
		return true, nil
	case errors.Is(err, models.ErrAlreadyConsumed), errors.Is(err, models.ErrNotFound), errors.Is(err, models.ErrExpired):
		return false, nil
	default:
		return false, fmt.Errorf("failed to revoke authorization code: %w", err)
	}
}
