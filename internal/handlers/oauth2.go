// Package handlers provides the HTTP surface of the authorization server:
// the protocol endpoints, discovery, health and admin routes.
package handlers

import (
	"encoding/json"
	"net/http"
	"net/url"
	"strings"

	"github.com/gorilla/mux"
	"github.com/sirupsen/logrus"

	"github.com/jsamuelsen11/recipe-web-app/authz-server/internal/auth"
	"github.com/jsamuelsen11/recipe-web-app/authz-server/internal/constants"
	"github.com/jsamuelsen11/recipe-web-app/authz-server/internal/metrics"
	"github.com/jsamuelsen11/recipe-web-app/authz-server/internal/models"
	"github.com/jsamuelsen11/recipe-web-app/authz-server/pkg/logger"
)

// OAuth2Handler handles the protocol endpoints.
type OAuth2Handler struct {
	svc      *auth.OAuth2Service
	sessions auth.SessionResolver
	metrics  *metrics.Metrics
	logger   *logrus.Logger
}

const (
	invalidFormDataError = "Invalid form data"
	basicRealm           = `Basic realm="authz-server"`
)

// NewOAuth2Handler creates a new OAuth2 HTTP handler.
func NewOAuth2Handler(
	svc *auth.OAuth2Service,
	sessions auth.SessionResolver,
	m *metrics.Metrics,
	logger *logrus.Logger,
) *OAuth2Handler {
	return &OAuth2Handler{
		svc:      svc,
		sessions: sessions,
		metrics:  m,
		logger:   logger,
	}
}

// RegisterRoutes registers all OAuth2 endpoints with the provided router.
func (h *OAuth2Handler) RegisterRoutes(r *mux.Router) {
	r.HandleFunc(constants.PathAuthorize, h.Authorize).Methods(http.MethodGet)
	r.HandleFunc(constants.PathConsent, h.Consent).Methods(http.MethodPost)
	r.HandleFunc(constants.PathToken, h.Token).Methods(http.MethodPost)
	r.HandleFunc(constants.PathRevoke, h.Revoke).Methods(http.MethodPost)
	r.HandleFunc(constants.PathIntrospect, h.Introspect).Methods(http.MethodPost)
	r.HandleFunc(constants.PathUserInfo, h.UserInfo).Methods(http.MethodGet)
}

// Authorize handles authorization requests. Every outcome the client may see
// is a redirect; errors that cannot be trusted to a redirect URI are rendered
// locally as JSON.
func (h *OAuth2Handler) Authorize(w http.ResponseWriter, r *http.Request) {
	req := auth.AuthorizeRequestFromValues(r.URL.Query())
	user := h.sessions.ResolveCurrentUser(r)

	target, err := h.svc.Authorize(r.Context(), req, user)
	if err != nil {
		h.countAuthorize("local_error")
		h.writeOAuth2Error(w, r, constants.PathAuthorize, err, false)
		return
	}

	h.countAuthorize("redirect")
	http.Redirect(w, r, target, http.StatusFound)
}

// Consent receives the decision from the consent surface. The form carries
// the opaque request and csrf_token parameters produced by Authorize and a
// decision of "allow" or "deny".
func (h *OAuth2Handler) Consent(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		h.writeOAuth2Error(w, r, constants.PathConsent, models.NewInvalidRequest(invalidFormDataError), false)
		return
	}

	user := h.sessions.ResolveCurrentUser(r)
	target, err := h.svc.Consent(
		r.Context(), user, r.PostFormValue("request"), r.PostFormValue("decision"), r.PostFormValue("csrf_token"),
	)
	if err != nil {
		h.writeOAuth2Error(w, r, constants.PathConsent, err, false)
		return
	}

	http.Redirect(w, r, target, http.StatusFound)
}

// Token handles token requests for all supported grant types.
func (h *OAuth2Handler) Token(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		h.writeOAuth2Error(w, r, constants.PathToken, models.NewInvalidRequest(invalidFormDataError), false)
		return
	}

	creds := extractClientCredentials(r)
	req := &models.TokenRequest{
		GrantType:    r.PostFormValue("grant_type"),
		Code:         r.PostFormValue("code"),
		RedirectURI:  r.PostFormValue("redirect_uri"),
		ClientID:     creds.ClientID,
		ClientSecret: creds.ClientSecret,
		RefreshToken: r.PostFormValue("refresh_token"),
		Scope:        r.PostFormValue("scope"),
		CodeVerifier: r.PostFormValue("code_verifier"),
	}

	resp, err := h.svc.Token(r.Context(), req, creds)
	if err != nil {
		h.writeOAuth2Error(w, r, constants.PathToken, err, creds.Basic)
		return
	}

	if h.metrics != nil {
		h.metrics.TokensIssued.WithLabelValues(req.GrantType).Inc()
	}
	h.writeJSON(w, http.StatusOK, resp, true)
}

// Introspect handles RFC 7662 token introspection.
func (h *OAuth2Handler) Introspect(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		h.writeOAuth2Error(w, r, constants.PathIntrospect, models.NewInvalidRequest(invalidFormDataError), false)
		return
	}

	creds := extractClientCredentials(r)
	req := &models.IntrospectionRequest{
		Token:         r.PostFormValue("token"),
		TokenTypeHint: r.PostFormValue("token_type_hint"),
		ClientID:      creds.ClientID,
		ClientSecret:  creds.ClientSecret,
	}

	resp, err := h.svc.Introspect(r.Context(), req, creds)
	if err != nil {
		h.writeOAuth2Error(w, r, constants.PathIntrospect, err, creds.Basic)
		return
	}
	h.writeJSON(w, http.StatusOK, resp, true)
}

// Revoke handles RFC 7009 token revocation. Unknown and foreign tokens still
// get 200 so the endpoint cannot be used to probe for valid tokens.
func (h *OAuth2Handler) Revoke(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		h.writeOAuth2Error(w, r, constants.PathRevoke, models.NewInvalidRequest(invalidFormDataError), false)
		return
	}

	creds := extractClientCredentials(r)
	req := &models.RevocationRequest{
		Token:         r.PostFormValue("token"),
		TokenTypeHint: r.PostFormValue("token_type_hint"),
		ClientID:      creds.ClientID,
		ClientSecret:  creds.ClientSecret,
	}

	if err := h.svc.Revoke(r.Context(), req, creds); err != nil {
		h.writeOAuth2Error(w, r, constants.PathRevoke, err, creds.Basic)
		return
	}

	if h.metrics != nil {
		h.metrics.TokensRevoked.Inc()
	}
	h.writeJSON(w, http.StatusOK, struct{}{}, false)
}

// UserInfo handles OpenID Connect UserInfo requests.
func (h *OAuth2Handler) UserInfo(w http.ResponseWriter, r *http.Request) {
	info, err := h.svc.UserInfo(r.Context(), extractAccessToken(r))
	if err != nil {
		oauthErr := models.AsOAuth2Error(err)
		if oauthErr.Code == models.ErrCodeInvalidToken || oauthErr.Code == models.ErrCodeInsufficientScope {
			w.Header().Set(constants.HeaderWWWAuthenticate,
				`Bearer error="`+oauthErr.Code+`", error_description="`+oauthErr.Description+`"`)
		}
		h.writeOAuth2Error(w, r, constants.PathUserInfo, oauthErr, false)
		return
	}
	h.writeJSON(w, http.StatusOK, info, false)
}

// extractClientCredentials reads client credentials from Basic auth or, when
// no Authorization header is present, from the form body. Basic credentials
// are form-urlencoded before base64 (RFC 6749 section 2.3.1).
func extractClientCredentials(r *http.Request) auth.ClientCredentials {
	if clientID, secret, ok := r.BasicAuth(); ok {
		return auth.ClientCredentials{ClientID: formUnescape(clientID), ClientSecret: formUnescape(secret), Basic: true}
	}
	return auth.ClientCredentials{
		ClientID:     r.PostFormValue("client_id"),
		ClientSecret: r.PostFormValue("client_secret"),
	}
}

func formUnescape(v string) string {
	if unescaped, err := url.QueryUnescape(v); err == nil {
		return unescaped
	}
	return v
}

// extractAccessToken extracts the bearer token from the Authorization header.
func extractAccessToken(r *http.Request) string {
	authHeader := r.Header.Get(constants.HeaderAuthorization)
	if len(authHeader) > len("Bearer ") && strings.EqualFold(authHeader[:len("Bearer ")], "Bearer ") {
		return strings.TrimSpace(authHeader[len("Bearer "):])
	}
	return ""
}

func (h *OAuth2Handler) countAuthorize(outcome string) {
	if h.metrics != nil {
		h.metrics.AuthorizeRequests.WithLabelValues(outcome).Inc()
	}
}

// writeOAuth2Error writes an OAuth2 error response. Failed Basic
// authentication gets a WWW-Authenticate challenge.
func (h *OAuth2Handler) writeOAuth2Error(
	w http.ResponseWriter,
	r *http.Request,
	endpoint string,
	err error,
	basic bool,
) {
	oauthErr := models.AsOAuth2Error(err)
	status := oauthErr.StatusCode
	if status == 0 {
		status = http.StatusBadRequest
	}

	if oauthErr.Code == models.ErrCodeInvalidClient && basic {
		w.Header().Set(constants.HeaderWWWAuthenticate, basicRealm)
	}
	if h.metrics != nil {
		h.metrics.TokenErrors.WithLabelValues(endpoint, oauthErr.Code).Inc()
	}

	log := logger.WithCorrelationID(r.Context(), h.logger).WithFields(logrus.Fields{
		"endpoint":    endpoint,
		"error":       oauthErr.Code,
		"description": oauthErr.Description,
		"status_code": status,
	})
	if status >= http.StatusInternalServerError {
		log.WithError(err).Error("OAuth2 error response")
	} else {
		log.Warn("OAuth2 error response")
	}

	h.writeJSON(w, status, oauthErr, true)
}

// writeJSON encodes body as JSON. Responses that carry tokens or token
// metadata are marked uncacheable.
func (h *OAuth2Handler) writeJSON(w http.ResponseWriter, status int, body any, noStore bool) {
	payload, err := json.Marshal(body)
	if err != nil {
		h.logger.WithError(err).Error("Failed to marshal response")
		http.Error(w, "Internal Server Error", http.StatusInternalServerError)
		return
	}

	w.Header().Set(constants.HeaderContentType, constants.ContentTypeJSON)
	if noStore {
		w.Header().Set(constants.HeaderCacheControl, constants.CacheControlNoStore)
		w.Header().Set(constants.HeaderPragma, constants.PragmaNoCache)
	}
	w.WriteHeader(status)

	if _, err = w.Write(payload); err != nil {
		// Headers are already on the wire.
		h.logger.WithError(err).Error("Failed to write response")
	}
}
