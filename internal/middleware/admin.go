package middleware

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"

	"github.com/sirupsen/logrus"

	"github.com/jsamuelsen11/recipe-web-app/authz-server/internal/constants"
	"github.com/jsamuelsen11/recipe-web-app/authz-server/internal/models"
	"github.com/jsamuelsen11/recipe-web-app/authz-server/internal/token"
	"github.com/jsamuelsen11/recipe-web-app/authz-server/pkg/logger"
)

// AccessTokenVerifier validates access tokens, including revocation by
// association. It returns nil claims for tokens that are not valid.
type AccessTokenVerifier interface {
	VerifyAccessToken(ctx context.Context, accessToken string) (*token.AccessClaims, error)
}

// AdminAuth creates a middleware that validates bearer access tokens and
// requires the admin scope.
//
// Returns:
//   - 401 Unauthorized: Missing or invalid token
//   - 403 Forbidden: Token valid but lacks admin scope
func (m *Stack) AdminAuth(verifier AccessTokenVerifier) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			log := logger.WithCorrelationID(r.Context(), m.logger)

			authHeader := r.Header.Get(constants.HeaderAuthorization)
			if authHeader == "" {
				m.writeAdminAuthError(w, models.ErrCodeInvalidToken, "Authorization header required", http.StatusUnauthorized)
				return
			}

			if !strings.HasPrefix(authHeader, "Bearer ") {
				m.writeAdminAuthError(w, models.ErrCodeInvalidToken, "Invalid authorization header format", http.StatusUnauthorized)
				return
			}

			claims, err := verifier.VerifyAccessToken(r.Context(), strings.TrimPrefix(authHeader, "Bearer "))
			if err != nil {
				log.WithError(err).Error("Failed to verify admin access token")
				m.writeAdminAuthError(w, models.ErrCodeServerError, "Token verification failed", http.StatusInternalServerError)
				return
			}
			if claims == nil {
				log.Warn("Invalid admin access token")
				m.writeAdminAuthError(w, models.ErrCodeInvalidToken, "Invalid access token", http.StatusUnauthorized)
				return
			}

			if !claims.ScopeSet().Has(models.ScopeAdmin) {
				log.WithFields(logrus.Fields{
					"client_id": claims.ClientID,
					"scope":     claims.Scope,
				}).Warn("Insufficient permissions for admin endpoint")
				m.writeAdminAuthError(w, models.ErrCodeInsufficientScope, "Insufficient permissions", http.StatusForbidden)
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

// writeAdminAuthError writes a JSON error response for admin authentication failures.
func (m *Stack) writeAdminAuthError(w http.ResponseWriter, code, message string, statusCode int) {
	if statusCode == http.StatusUnauthorized || statusCode == http.StatusForbidden {
		w.Header().Set(constants.HeaderWWWAuthenticate, `Bearer error="`+code+`"`)
	}
	w.Header().Set(constants.HeaderContentType, constants.ContentTypeJSON)
	w.WriteHeader(statusCode)

	response := map[string]string{
		"error":             code,
		"error_description": message,
	}
	if err := json.NewEncoder(w).Encode(response); err != nil {
		m.logger.WithError(err).Error("Failed to encode admin auth error response")
	}
}
