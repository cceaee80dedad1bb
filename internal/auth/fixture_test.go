package auth_test

import (
	"context"
	"crypto/sha256"
	"encoding/base64"
	"io"
	"net/url"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"

	"github.com/jsamuelsen11/recipe-web-app/authz-server/internal/audit"
	"github.com/jsamuelsen11/recipe-web-app/authz-server/internal/auth"
	"github.com/jsamuelsen11/recipe-web-app/authz-server/internal/config"
	"github.com/jsamuelsen11/recipe-web-app/authz-server/internal/identity"
	"github.com/jsamuelsen11/recipe-web-app/authz-server/internal/models"
	"github.com/jsamuelsen11/recipe-web-app/authz-server/internal/redis"
	"github.com/jsamuelsen11/recipe-web-app/authz-server/internal/repository"
	"github.com/jsamuelsen11/recipe-web-app/authz-server/internal/token"
)

const (
	testIssuer      = "https://auth.example.com"
	testRedirectURI = "https://app.example.com/callback"
	testUserID      = "user-1"
	testVerifier    = "dBjftJeZ4CVP-mB92K27uhbUJU1p1r-wW1gFWFOEjXk"
)

var testCatalog = []string{"openid", "profile", "email", "offline_access", "recipes:read", "recipes:write"}

var (
	signingKeyOnce sync.Once
	signingKey     *token.SigningKey
)

func sharedSigningKey(t *testing.T) *token.SigningKey {
	t.Helper()
	signingKeyOnce.Do(func() {
		key, err := token.GenerateSigningKey(token.MinRSAKeyBits)
		if err != nil {
			panic(err)
		}
		signingKey = key
	})
	return signingKey
}

// eventSink collects audit events; safe for concurrent use.
type eventSink struct {
	mu     sync.Mutex
	events []models.AuditEvent
}

func (s *eventSink) Name() string { return "test" }

func (s *eventSink) Emit(_ context.Context, event models.AuditEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, event)
	return nil
}

func (s *eventSink) count(eventType models.AuditEventType) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, e := range s.events {
		if e.Type == eventType {
			n++
		}
	}
	return n
}

type fixture struct {
	store     *redis.MemoryStore
	directory *identity.StaticDirectory
	registry  *auth.ClientRegistry
	scopes    *auth.ScopeValidator
	codes     *auth.CodeManager
	consents  *auth.ConsentService
	tokens    *auth.TokenService
	service   *auth.OAuth2Service
	admin     auth.AdminService
	sink      *eventSink
	cfg       *config.OAuth2Config
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	log := logrus.New()
	log.SetOutput(io.Discard)

	store := redis.NewMemoryStore(log)
	t.Cleanup(func() { _ = store.Close() })

	sink := &eventSink{}
	recorder := audit.NewRecorder(log, sink)

	directory := identity.NewStaticDirectory(models.UserProfile{
		ID:            testUserID,
		Name:          "Ada Lovelace",
		Email:         "ada@example.com",
		EmailVerified: true,
		UpdatedAt:     time.Unix(1700000000, 0),
	})

	cfg := &config.OAuth2Config{
		Issuer:                  testIssuer,
		AuthorizationCodeExpiry: time.Minute,
		AccessTokenExpiry:       time.Hour,
		IDTokenExpiry:           time.Hour,
		RefreshTokenExpiry:      24 * time.Hour,
		LoginURL:                "https://login.example.com/login",
		ConsentURL:              "https://login.example.com/consent",
		SupportedScopes:         testCatalog,
	}

	scopes := auth.NewScopeValidator(cfg.SupportedScopes)
	registry := auth.NewClientRegistry(repository.NewStoreClientRepository(store), scopes, log).
		WithBcryptCost(bcrypt.MinCost)
	codes := auth.NewCodeManager(store, recorder, log)
	consents := auth.NewConsentService(store, recorder)
	jwtSvc := token.NewJWTService(token.NewStaticKeyProvider(sharedSigningKey(t)), testIssuer)
	tokens := auth.NewTokenService(jwtSvc, store, directory, auth.TokenLifetimes{
		Access:  cfg.AccessTokenExpiry,
		ID:      cfg.IDTokenExpiry,
		Refresh: cfg.RefreshTokenExpiry,
	}, recorder, log)

	service := auth.NewOAuth2Service(cfg, auth.Dependencies{
		Clients:  registry,
		Scopes:   scopes,
		Codes:    codes,
		Consents: consents,
		Tokens:   tokens,
		Profiles: directory,
		Recorder: recorder,
	}, log)

	return &fixture{
		store:     store,
		directory: directory,
		registry:  registry,
		scopes:    scopes,
		codes:     codes,
		consents:  consents,
		tokens:    tokens,
		service:   service,
		admin:     auth.NewAdminService(tokens, consents, store, log),
		sink:      sink,
		cfg:       cfg,
	}
}

// registerConfidential registers a client_secret_basic client with every grant.
func (f *fixture) registerConfidential(t *testing.T, id string) (*models.Client, string) {
	t.Helper()
	client, secret, err := f.registry.Register(context.Background(), auth.ClientSpec{
		ID:            id,
		Name:          "Confidential " + id,
		RedirectURIs:  []string{testRedirectURI},
		AllowedScopes: testCatalog,
		GrantTypes:    []string{"authorization_code", "refresh_token", "client_credentials"},
		AuthMethod:    string(models.AuthMethodSecretBasic),
	})
	require.NoError(t, err)
	return client, secret
}

// registerPublic registers a PKCE-only public client.
func (f *fixture) registerPublic(t *testing.T, id string) *models.Client {
	t.Helper()
	client, secret, err := f.registry.Register(context.Background(), auth.ClientSpec{
		ID:            id,
		Name:          "Public " + id,
		RedirectURIs:  []string{testRedirectURI},
		AllowedScopes: []string{"openid", "profile", "offline_access"},
		GrantTypes:    []string{"authorization_code", "refresh_token"},
		AuthMethod:    string(models.AuthMethodNone),
	})
	require.NoError(t, err)
	require.Empty(t, secret)
	return client
}

func basic(clientID, secret string) auth.ClientCredentials {
	return auth.ClientCredentials{ClientID: clientID, ClientSecret: secret, Basic: true}
}

func s256(verifier string) string {
	sum := sha256.Sum256([]byte(verifier))
	return base64.RawURLEncoding.EncodeToString(sum[:])
}

func authorizeRequest(clientID, scope string) *models.AuthorizeRequest {
	return &models.AuthorizeRequest{
		ResponseType:        "code",
		ClientID:            clientID,
		RedirectURI:         testRedirectURI,
		Scope:               scope,
		State:               "xyz",
		Nonce:               "n-0S6_WzA2Mj",
		CodeChallenge:       s256(testVerifier),
		CodeChallengeMethod: models.CodeChallengeMethodS256,
	}
}

// obtainCode runs /authorize for testUserID after granting consent and
// returns the issued code.
func (f *fixture) obtainCode(t *testing.T, req *models.AuthorizeRequest) string {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, f.consents.Grant(ctx, testUserID, req.ClientID, models.ParseScope(req.Scope)))

	redirect, err := f.service.Authorize(ctx, req, &models.UserRef{ID: testUserID})
	require.NoError(t, err)
	require.True(t, strings.HasPrefix(redirect, testRedirectURI), redirect)

	q := redirectQuery(t, redirect)
	require.Empty(t, q.Get("error"), q.Get("error_description"))
	require.Equal(t, req.State, q.Get("state"))
	require.NotEmpty(t, q.Get("code"))
	return q.Get("code")
}

// consentPage runs /authorize for user without prior consent and returns the
// request and csrf_token handed to the consent surface.
func (f *fixture) consentPage(t *testing.T, req *models.AuthorizeRequest, user *models.UserRef) (string, string) {
	t.Helper()
	redirect, err := f.service.Authorize(context.Background(), req, user)
	require.NoError(t, err)
	require.True(t, strings.HasPrefix(redirect, f.cfg.ConsentURL), redirect)

	q := redirectQuery(t, redirect)
	require.NotEmpty(t, q.Get("csrf_token"))
	return q.Get("request"), q.Get("csrf_token")
}

func redirectQuery(t *testing.T, raw string) url.Values {
	t.Helper()
	u, err := url.Parse(raw)
	require.NoError(t, err)
	return u.Query()
}

func requireOAuthError(t *testing.T, err error, code string) {
	t.Helper()
	require.Error(t, err)
	oauthErr := models.AsOAuth2Error(err)
	require.Equal(t, code, oauthErr.Code, oauthErr.Description)
}
