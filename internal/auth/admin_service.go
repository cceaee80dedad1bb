package auth

import (
	"context"
	"fmt"

	"github.com/sirupsen/logrus"

	"github.com/jsamuelsen11/recipe-web-app/authz-server/internal/models"
	"github.com/jsamuelsen11/recipe-web-app/authz-server/internal/repository"
	"github.com/jsamuelsen11/recipe-web-app/authz-server/pkg/logger"
)

// AdminService defines the interface for administrative operations.
type AdminService interface {
	// RevokeUserTokens revokes the user's refresh tokens, limited to one
	// client when clientID is set. Without a client every login session of the
	// user is cleared as well.
	RevokeUserTokens(ctx context.Context, userID, clientID, reason string) (*models.RevokeUserTokensResponse, error)

	// RevokeConsent withdraws the consent the user gave to a client.
	RevokeConsent(ctx context.Context, userID, clientID string) (*models.RevokeConsentResponse, error)
}

// adminService implements the AdminService interface.
type adminService struct {
	tokens   *TokenService
	consents *ConsentService
	sessions repository.SessionRepository
	logger   *logrus.Logger
}

// NewAdminService creates a new admin service instance with the provided dependencies.
func NewAdminService(
	tokens *TokenService,
	consents *ConsentService,
	sessions repository.SessionRepository,
	logger *logrus.Logger,
) AdminService {
	return &adminService{
		tokens:   tokens,
		consents: consents,
		sessions: sessions,
		logger:   logger,
	}
}

// RevokeUserTokens fans revocation out over the user's refresh tokens. Access
// tokens linked to them become invalid through their association.
func (s *adminService) RevokeUserTokens(
	ctx context.Context,
	userID, clientID, reason string,
) (*models.RevokeUserTokensResponse, error) {
	log := logger.WithCorrelationID(ctx, s.logger).WithFields(logrus.Fields{
		"user_id":   userID,
		"client_id": clientID,
	})
	log.Info("Revoking user tokens")

	if reason == "" {
		reason = models.RevokeReasonAdmin
	}

	count, err := s.tokens.RevokeAllForUser(ctx, userID, clientID, reason)
	if err != nil {
		log.WithError(err).Error("Failed to revoke user tokens")
		return nil, err
	}

	sessions := 0
	if clientID == "" && s.sessions != nil {
		sessions, err = s.sessions.DeleteUserSessions(ctx, userID)
		if err != nil {
			log.WithError(err).Error("Failed to clear user sessions")
			return nil, fmt.Errorf("failed to clear user sessions: %w", err)
		}
	}

	log.WithFields(logrus.Fields{
		"tokens_revoked":   count,
		"sessions_cleared": sessions,
	}).Info("User tokens revoked successfully")

	return &models.RevokeUserTokensResponse{
		Success:         true,
		Message:         fmt.Sprintf("Successfully revoked %d refresh tokens", count),
		UserID:          userID,
		ClientID:        clientID,
		TokensRevoked:   count,
		SessionsCleared: sessions,
	}, nil
}

// RevokeConsent withdraws a consent. The next authorization request of the
// client will show the consent screen again.
func (s *adminService) RevokeConsent(
	ctx context.Context,
	userID, clientID string,
) (*models.RevokeConsentResponse, error) {
	log := logger.WithCorrelationID(ctx, s.logger).WithFields(logrus.Fields{
		"user_id":   userID,
		"client_id": clientID,
	})

	revoked, err := s.consents.Revoke(ctx, userID, clientID)
	if err != nil {
		log.WithError(err).Error("Failed to revoke consent")
		return nil, err
	}
	if !revoked {
		return nil, fmt.Errorf("consent for client %s: %w", clientID, models.ErrNotFound)
	}

	log.Info("Consent revoked successfully")
	return &models.RevokeConsentResponse{
		Success:  true,
		Message:  "Consent revoked",
		UserID:   userID,
		ClientID: clientID,
	}, nil
}
