package handlers

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/gorilla/mux"
	"github.com/sirupsen/logrus"

	"github.com/jsamuelsen11/recipe-web-app/authz-server/internal/auth"
	"github.com/jsamuelsen11/recipe-web-app/authz-server/internal/constants"
	"github.com/jsamuelsen11/recipe-web-app/authz-server/internal/models"
	"github.com/jsamuelsen11/recipe-web-app/authz-server/pkg/logger"
)

// AdminHandler handles the administrative revocation endpoints.
type AdminHandler struct {
	adminSvc auth.AdminService
	logger   *logrus.Logger
}

// NewAdminHandler creates a new admin handler instance with the provided dependencies.
func NewAdminHandler(adminSvc auth.AdminService, logger *logrus.Logger) *AdminHandler {
	return &AdminHandler{
		adminSvc: adminSvc,
		logger:   logger,
	}
}

// RegisterRoutes registers admin routes on the provided router.
// Note: The router should already have admin auth middleware applied.
func (h *AdminHandler) RegisterRoutes(router *mux.Router) {
	router.HandleFunc("/users/{userId}/revoke-tokens", h.RevokeUserTokens).Methods(http.MethodPost)
	router.HandleFunc("/users/{userId}/consents/{clientId}", h.RevokeConsent).Methods(http.MethodDelete)
}

// RevokeUserTokens handles POST /admin/users/{userId}/revoke-tokens.
// Revokes every refresh token of the user, or only those of one client when
// clientId is given in the body or the client_id query parameter.
//
// Responses:
//   - 200: Tokens revoked
//   - 400: Malformed body
//   - 401/403: Handled by middleware
//   - 500: Internal server error
func (h *AdminHandler) RevokeUserTokens(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	userID := mux.Vars(r)["userId"]
	log := logger.WithCorrelationID(ctx, h.logger).WithField("user_id", userID)

	var req models.RevokeUserTokensRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		h.writeErrorResponse(w, models.ErrCodeInvalidRequest, "Invalid JSON body", http.StatusBadRequest)
		return
	}
	if req.ClientID == "" {
		req.ClientID = r.URL.Query().Get("client_id")
	}

	response, err := h.adminSvc.RevokeUserTokens(ctx, userID, req.ClientID, req.Reason)
	if err != nil {
		log.WithError(err).Error("Failed to revoke user tokens")
		h.writeErrorResponse(w, models.ErrCodeServerError, "Failed to revoke user tokens", http.StatusInternalServerError)
		return
	}

	h.writeJSONResponse(w, response, http.StatusOK)
	log.WithFields(logrus.Fields{
		"client_id":        req.ClientID,
		"tokens_revoked":   response.TokensRevoked,
		"sessions_cleared": response.SessionsCleared,
	}).Info("User tokens revoked")
}

// RevokeConsent handles DELETE /admin/users/{userId}/consents/{clientId}.
//
// Responses:
//   - 200: Consent revoked
//   - 404: No active consent
//   - 500: Internal server error
func (h *AdminHandler) RevokeConsent(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	vars := mux.Vars(r)
	userID, clientID := vars["userId"], vars["clientId"]

	response, err := h.adminSvc.RevokeConsent(ctx, userID, clientID)
	if errors.Is(err, models.ErrNotFound) {
		h.writeErrorResponse(w, "not_found", "No active consent for this client", http.StatusNotFound)
		return
	}
	if err != nil {
		logger.WithCorrelationID(ctx, h.logger).WithError(err).Error("Failed to revoke consent")
		h.writeErrorResponse(w, models.ErrCodeServerError, "Failed to revoke consent", http.StatusInternalServerError)
		return
	}

	h.writeJSONResponse(w, response, http.StatusOK)
}

// writeJSONResponse writes a JSON response with the given status code.
func (h *AdminHandler) writeJSONResponse(w http.ResponseWriter, data interface{}, statusCode int) {
	w.Header().Set(constants.HeaderContentType, constants.ContentTypeJSON)
	w.WriteHeader(statusCode)

	if err := json.NewEncoder(w).Encode(data); err != nil {
		h.logger.WithError(err).Error("Failed to encode JSON response")
	}
}

// writeErrorResponse writes a JSON error response with the given code, message and status.
func (h *AdminHandler) writeErrorResponse(w http.ResponseWriter, code, message string, statusCode int) {
	h.writeJSONResponse(w, map[string]string{
		"error":             code,
		"error_description": message,
	}, statusCode)
}
