package handlers

import (
	"encoding/json"
	"net/http"

	"github.com/gorilla/mux"
	"github.com/sirupsen/logrus"

	"github.com/jsamuelsen11/recipe-web-app/authz-server/internal/config"
	"github.com/jsamuelsen11/recipe-web-app/authz-server/internal/constants"
	"github.com/jsamuelsen11/recipe-web-app/authz-server/internal/models"
	"github.com/jsamuelsen11/recipe-web-app/authz-server/internal/token"
)

// ScopeCatalog lists the scopes advertised in discovery.
type ScopeCatalog interface {
	Supported() []string
}

// DiscoveryDocument is the OpenID Provider metadata document.
type DiscoveryDocument struct {
	Issuer                            string   `json:"issuer"`
	AuthorizationEndpoint             string   `json:"authorization_endpoint"`
	TokenEndpoint                     string   `json:"token_endpoint"`
	UserInfoEndpoint                  string   `json:"userinfo_endpoint"`
	RevocationEndpoint                string   `json:"revocation_endpoint"`
	IntrospectionEndpoint             string   `json:"introspection_endpoint"`
	JWKSURI                           string   `json:"jwks_uri"`
	ResponseTypesSupported            []string `json:"response_types_supported"`
	GrantTypesSupported               []string `json:"grant_types_supported"`
	SubjectTypesSupported             []string `json:"subject_types_supported"`
	IDTokenSigningAlgValuesSupported  []string `json:"id_token_signing_alg_values_supported"`
	ScopesSupported                   []string `json:"scopes_supported"`
	TokenEndpointAuthMethodsSupported []string `json:"token_endpoint_auth_methods_supported"`
	CodeChallengeMethodsSupported     []string `json:"code_challenge_methods_supported"`
	ClaimsSupported                   []string `json:"claims_supported"`
}

// DiscoveryHandler serves the discovery document and the JWKS.
type DiscoveryHandler struct {
	doc    DiscoveryDocument
	jwt    token.Service
	logger *logrus.Logger
}

// NewDiscoveryHandler builds the discovery document once from configuration.
func NewDiscoveryHandler(cfg *config.Config, jwtSvc token.Service, scopes ScopeCatalog, logger *logrus.Logger) *DiscoveryHandler {
	return &DiscoveryHandler{
		doc: DiscoveryDocument{
			Issuer:                jwtSvc.Issuer(),
			AuthorizationEndpoint: cfg.EndpointURL(constants.PathAuthorize),
			TokenEndpoint:         cfg.EndpointURL(constants.PathToken),
			UserInfoEndpoint:      cfg.EndpointURL(constants.PathUserInfo),
			RevocationEndpoint:    cfg.EndpointURL(constants.PathRevoke),
			IntrospectionEndpoint: cfg.EndpointURL(constants.PathIntrospect),
			JWKSURI:               cfg.EndpointURL(constants.PathJWKS),
			ResponseTypesSupported: []string{
				string(models.ResponseTypeCode),
			},
			GrantTypesSupported: []string{
				string(models.GrantTypeAuthorizationCode),
				string(models.GrantTypeRefreshToken),
				string(models.GrantTypeClientCredentials),
			},
			SubjectTypesSupported:            []string{"public"},
			IDTokenSigningAlgValuesSupported: []string{token.SigningAlgorithm},
			ScopesSupported:                  scopes.Supported(),
			TokenEndpointAuthMethodsSupported: []string{
				string(models.AuthMethodSecretBasic),
				string(models.AuthMethodSecretPost),
				string(models.AuthMethodNone),
			},
			CodeChallengeMethodsSupported: []string{
				models.CodeChallengeMethodS256,
				models.CodeChallengeMethodPlain,
			},
			ClaimsSupported: []string{
				"sub", "iss", "aud", "exp", "iat", "jti", "nonce",
				"name", "email", "email_verified", "updated_at",
			},
		},
		jwt:    jwtSvc,
		logger: logger,
	}
}

// RegisterRoutes registers the well-known endpoints.
func (h *DiscoveryHandler) RegisterRoutes(r *mux.Router) {
	r.HandleFunc(constants.PathDiscovery, h.Discovery).Methods(http.MethodGet)
	r.HandleFunc(constants.PathJWKS, h.JWKS).Methods(http.MethodGet)
}

// Discovery handles GET /.well-known/openid-configuration.
func (h *DiscoveryHandler) Discovery(w http.ResponseWriter, _ *http.Request) {
	h.write(w, h.doc)
}

// JWKS handles GET /.well-known/jwks.json.
func (h *DiscoveryHandler) JWKS(w http.ResponseWriter, _ *http.Request) {
	h.write(w, h.jwt.JWKS())
}

func (h *DiscoveryHandler) write(w http.ResponseWriter, body any) {
	w.Header().Set(constants.HeaderContentType, constants.ContentTypeJSON)
	w.Header().Set(constants.HeaderCacheControl, "public, max-age=3600")
	if err := json.NewEncoder(w).Encode(body); err != nil {
		h.logger.WithError(err).Error("Failed to encode discovery response")
	}
}
