package auth

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jsamuelsen11/recipe-web-app/authz-server/internal/audit"
	"github.com/jsamuelsen11/recipe-web-app/authz-server/internal/models"
	"github.com/jsamuelsen11/recipe-web-app/authz-server/internal/repository"
)

// ConsentService records which scopes users granted to clients.
type ConsentService struct {
	store    repository.ConsentRepository
	recorder *audit.Recorder
	now      func() time.Time
}

// NewConsentService creates a ConsentService over store.
func NewConsentService(store repository.ConsentRepository, recorder *audit.Recorder) *ConsentService {
	return &ConsentService{store: store, recorder: recorder, now: time.Now}
}

// HasConsent reports whether an unrevoked consent covers every scope in requested.
func (s *ConsentService) HasConsent(ctx context.Context, userID, clientID string, requested models.ScopeSet) (bool, error) {
	consent, err := s.store.GetConsent(ctx, userID, clientID)
	if errors.Is(err, models.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to load consent: %w", err)
	}
	return consent.Covers(requested), nil
}

// Grant records consent for scope. Scopes of an existing unrevoked consent
// are kept, so granting is cumulative, and the store merges them atomically.
func (s *ConsentService) Grant(ctx context.Context, userID, clientID string, scope models.ScopeSet) error {
	consent, err := s.store.GrantConsent(ctx, userID, clientID, scope, s.now())
	if err != nil {
		return fmt.Errorf("failed to save consent: %w", err)
	}

	s.recorder.Record(ctx, models.AuditEvent{
		Type:     models.AuditConsentGranted,
		ClientID: clientID,
		UserID:   userID,
		Details:  map[string]string{"scope": consent.Scope.String()},
	})
	return nil
}

// Revoke withdraws a consent. It reports false when none was active.
func (s *ConsentService) Revoke(ctx context.Context, userID, clientID string) (bool, error) {
	revoked, err := s.store.RevokeConsent(ctx, userID, clientID, s.now())
	if err != nil {
		return false, fmt.Errorf("failed to revoke consent: %w", err)
	}
	if revoked {
		s.recorder.Record(ctx, models.AuditEvent{
			Type:     models.AuditConsentRevoked,
			ClientID: clientID,
			UserID:   userID,
		})
	}
	return revoked, nil
}
