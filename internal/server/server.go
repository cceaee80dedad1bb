// Package server assembles the protocol services and the HTTP router from
// already-constructed backends. The binary and the end-to-end tests share it.
package server

import (
	"net/http"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"

	"github.com/jsamuelsen11/recipe-web-app/authz-server/internal/audit"
	"github.com/jsamuelsen11/recipe-web-app/authz-server/internal/auth"
	"github.com/jsamuelsen11/recipe-web-app/authz-server/internal/config"
	"github.com/jsamuelsen11/recipe-web-app/authz-server/internal/constants"
	"github.com/jsamuelsen11/recipe-web-app/authz-server/internal/handlers"
	"github.com/jsamuelsen11/recipe-web-app/authz-server/internal/identity"
	"github.com/jsamuelsen11/recipe-web-app/authz-server/internal/metrics"
	"github.com/jsamuelsen11/recipe-web-app/authz-server/internal/middleware"
	"github.com/jsamuelsen11/recipe-web-app/authz-server/internal/repository"
	"github.com/jsamuelsen11/recipe-web-app/authz-server/internal/token"
)

// Options are the backends the server is built on.
type Options struct {
	Config   *config.Config
	Grants   repository.GrantStore
	Clients  repository.ClientRepository
	Profiles auth.ProfileLookup
	Keys     token.KeyProvider
	Recorder *audit.Recorder
	// Limiter may be nil to disable rate limiting.
	Limiter middleware.Limiter
	// Databases are reported by the health endpoint.
	Databases []handlers.NamedDatabase
	// Registry receives the server metrics; nil uses a fresh registry.
	Registry *prometheus.Registry
	// BcryptCost overrides the client secret hashing cost when non-zero.
	BcryptCost int
	Logger     *logrus.Logger
}

// Services are the protocol components built from Options.
type Services struct {
	Scopes   *auth.ScopeValidator
	Clients  *auth.ClientRegistry
	Codes    *auth.CodeManager
	Consents *auth.ConsentService
	JWT      token.Service
	Tokens   *auth.TokenService
	OAuth2   *auth.OAuth2Service
	Admin    auth.AdminService
	Sessions auth.SessionResolver
}

// Server bundles the services with the HTTP handler serving them.
type Server struct {
	Services *Services
	Metrics  *metrics.Metrics
	Registry *prometheus.Registry

	handler http.Handler
}

// New wires the services and the router.
func New(opts Options) *Server {
	if opts.Registry == nil {
		opts.Registry = prometheus.NewRegistry()
	}
	if opts.Recorder == nil {
		opts.Recorder = audit.NewRecorder(opts.Logger)
	}

	svcs := NewServices(opts)
	m := metrics.New(opts.Registry)

	return &Server{
		Services: svcs,
		Metrics:  m,
		Registry: opts.Registry,
		handler:  newRouter(opts, svcs, m),
	}
}

// Handler returns the root HTTP handler with the middleware chain applied.
func (s *Server) Handler() http.Handler {
	return s.handler
}

// NewServices constructs the protocol services.
func NewServices(opts Options) *Services {
	cfg := &opts.Config.OAuth2
	log := opts.Logger

	scopes := auth.NewScopeValidator(cfg.SupportedScopes)
	registry := auth.NewClientRegistry(opts.Clients, scopes, log)
	if opts.BcryptCost > 0 {
		registry = registry.WithBcryptCost(opts.BcryptCost)
	}

	codes := auth.NewCodeManager(opts.Grants, opts.Recorder, log)
	consents := auth.NewConsentService(opts.Grants, opts.Recorder)
	jwtSvc := token.NewJWTService(opts.Keys, cfg.Issuer)
	tokens := auth.NewTokenService(jwtSvc, opts.Grants, opts.Profiles, auth.TokenLifetimes{
		Access:  cfg.AccessTokenExpiry,
		ID:      cfg.IDTokenExpiry,
		Refresh: cfg.RefreshTokenExpiry,
	}, opts.Recorder, log)

	oauth2 := auth.NewOAuth2Service(cfg, auth.Dependencies{
		Clients:  registry,
		Scopes:   scopes,
		Codes:    codes,
		Consents: consents,
		Tokens:   tokens,
		Profiles: opts.Profiles,
		Recorder: opts.Recorder,
	}, log)

	return &Services{
		Scopes:   scopes,
		Clients:  registry,
		Codes:    codes,
		Consents: consents,
		JWT:      jwtSvc,
		Tokens:   tokens,
		OAuth2:   oauth2,
		Admin:    auth.NewAdminService(tokens, consents, opts.Grants, log),
		Sessions: identity.NewCookieSessionResolver(cfg.SessionCookieName, opts.Grants, log),
	}
}

func newRouter(opts Options, svcs *Services, m *metrics.Metrics) http.Handler {
	cfg := opts.Config
	log := opts.Logger

	stack := middleware.NewStack(cfg, opts.Limiter, m, log)

	router := mux.NewRouter()
	router.Use(stack.Metrics)

	handlers.NewHealthHandler(cfg, opts.Grants, opts.Databases, opts.Registry, m, log).RegisterRoutes(router)
	handlers.NewDiscoveryHandler(cfg, svcs.JWT, svcs.Scopes, log).RegisterRoutes(router)
	handlers.NewOAuth2Handler(svcs.OAuth2, svcs.Sessions, m, log).RegisterRoutes(router)

	adminRouter := router.PathPrefix(constants.PathAdminPrefix).Subrouter()
	adminRouter.Use(stack.AdminAuth(svcs.Tokens))
	handlers.NewAdminHandler(svcs.Admin, log).RegisterRoutes(adminRouter)

	return stack.Chain(
		router,
		stack.Recovery,
		stack.RequestLogger,
		stack.SecurityHeaders,
		stack.CORS,
		stack.RateLimit,
		stack.ContentType,
	)
}
