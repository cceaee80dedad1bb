// Package identity adapts the login surface's outputs (session cookies and
// the user directory) to the collaborator interfaces of the auth package.
package identity

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/jsamuelsen11/recipe-web-app/authz-server/internal/models"
	"github.com/jsamuelsen11/recipe-web-app/authz-server/internal/repository"
)

// sessionLookupTimeout bounds the store read done for each authorization request.
const sessionLookupTimeout = 2 * time.Second

// CookieSessionResolver resolves the current user from a session cookie
// written by the login surface.
type CookieSessionResolver struct {
	cookieName string
	sessions   repository.SessionRepository
	logger     *logrus.Logger
	now        func() time.Time
}

// NewCookieSessionResolver creates a resolver reading cookieName.
func NewCookieSessionResolver(
	cookieName string,
	sessions repository.SessionRepository,
	logger *logrus.Logger,
) *CookieSessionResolver {
	return &CookieSessionResolver{
		cookieName: cookieName,
		sessions:   sessions,
		logger:     logger,
		now:        time.Now,
	}
}

// ResolveCurrentUser returns the user of an unexpired session, or nil.
func (r *CookieSessionResolver) ResolveCurrentUser(req *http.Request) *models.UserRef {
	cookie, err := req.Cookie(r.cookieName)
	if err != nil || cookie.Value == "" {
		return nil
	}

	ctx, cancel := context.WithTimeout(req.Context(), sessionLookupTimeout)
	defer cancel()

	session, err := r.sessions.GetSession(ctx, cookie.Value)
	if err != nil {
		if !errors.Is(err, models.ErrNotFound) {
			r.logger.WithError(err).Warn("Failed to resolve login session")
		}
		return nil
	}
	if r.now().After(session.ExpiresAt) {
		return nil
	}
	return &models.UserRef{ID: session.UserID, AuthTime: session.AuthTime, SessionID: session.ID}
}
