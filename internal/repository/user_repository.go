package repository

import (
	"context"

	"github.com/jsamuelsen11/recipe-web-app/authz-server/internal/models"
)

// UserRepository reads the user directory that backs ID token and userinfo
// claims. The directory is owned by the identity system; this service only
// reads it, plus an upsert used when seeding local environments.
type UserRepository interface {
	// GetProfile returns the profile of an active user, or models.ErrUserNotFound.
	GetProfile(ctx context.Context, userID string) (*models.UserProfile, error)

	// UpsertProfile inserts or replaces a user's profile.
	UpsertProfile(ctx context.Context, profile *models.UserProfile) error
}
