package auth

import (
	"context"
	"net/http"

	"github.com/jsamuelsen11/recipe-web-app/authz-server/internal/models"
)

// SessionResolver identifies the end user behind an authorization request.
// Primary-credential login happens elsewhere; this only reads its result.
type SessionResolver interface {
	// ResolveCurrentUser returns the logged-in user, or nil when the request
	// carries no valid session.
	ResolveCurrentUser(r *http.Request) *models.UserRef
}

// ProfileLookup resolves the claims released in ID tokens and userinfo.
type ProfileLookup interface {
	// GetProfile returns the profile, or models.ErrUserNotFound.
	GetProfile(ctx context.Context, userID string) (*models.UserProfile, error)
}
