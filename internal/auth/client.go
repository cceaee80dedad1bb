package auth

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/jsamuelsen11/recipe-web-app/authz-server/internal/models"
	"github.com/jsamuelsen11/recipe-web-app/authz-server/internal/repository"
)

// dummySecret is hashed once and compared against for unknown clients so that
// lookups of missing and existing clients take comparable time.
const dummySecret = "authz-server-timing-equalizer" // pragma: allowlist secret

// ClientSpec describes a client to register.
type ClientSpec struct {
	// ID is optional; a UUID is generated when empty.
	ID            string
	Name          string
	RedirectURIs  []string
	AllowedScopes []string
	GrantTypes    []string
	AuthMethod    string
	RequirePKCE   bool
	CreatedBy     string
	// Secret is optional; a random secret is generated for confidential clients.
	Secret string
}

// ClientRegistry resolves and authenticates registered clients.
type ClientRegistry struct {
	repo   repository.ClientRepository
	scopes *ScopeValidator
	logger *logrus.Logger
	cost   int

	dummyOnce sync.Once
	dummyHash string
}

// NewClientRegistry creates a registry over repo. Scopes of new clients are
// checked against scopes.
func NewClientRegistry(repo repository.ClientRepository, scopes *ScopeValidator, logger *logrus.Logger) *ClientRegistry {
	return &ClientRegistry{
		repo:   repo,
		scopes: scopes,
		logger: logger,
		cost:   BcryptCost,
	}
}

// WithBcryptCost overrides the hashing cost of new secrets.
func (r *ClientRegistry) WithBcryptCost(cost int) *ClientRegistry {
	r.cost = cost
	return r
}

// Get returns the client or models.ErrClientNotFound.
func (r *ClientRegistry) Get(ctx context.Context, clientID string) (*models.Client, error) {
	if clientID == "" {
		return nil, models.ErrClientNotFound
	}
	client, err := r.repo.GetClientByID(ctx, clientID)
	if err != nil {
		if errors.Is(err, models.ErrNotFound) {
			return nil, models.ErrClientNotFound
		}
		return nil, fmt.Errorf("failed to load client: %w", err)
	}
	return client, nil
}

// Verify authenticates a confidential client. Every failure, including an
// unknown or suspended client, is an invalid_client error; only storage faults
// return other errors.
func (r *ClientRegistry) Verify(ctx context.Context, clientID, secret string) (*models.Client, error) {
	client, err := r.Get(ctx, clientID)
	if err != nil {
		if errors.Is(err, models.ErrClientNotFound) {
			_ = VerifyClientSecret(r.dummy(), secret+"x")
			return nil, models.NewInvalidClient("Client authentication failed")
		}
		return nil, err
	}

	if client.IsPublic() || client.SecretHash == "" {
		return nil, models.NewInvalidClient("Client has no secret to authenticate with")
	}

	if verifyErr := VerifyClientSecret(client.SecretHash, secret); verifyErr != nil {
		r.logger.WithField("client_id", clientID).Warn("Invalid client secret provided")
		return nil, models.NewInvalidClient("Client authentication failed")
	}

	if !client.IsActive() {
		return nil, models.NewInvalidClient("Client is suspended")
	}

	return client, nil
}

func (r *ClientRegistry) dummy() string {
	r.dummyOnce.Do(func() {
		hash, err := hashClientSecret(dummySecret, r.cost)
		if err == nil {
			r.dummyHash = hash
		}
	})
	return r.dummyHash
}

// ValidateRedirectURI reports whether uri is registered for the client. Only
// exact string equality counts.
func (r *ClientRegistry) ValidateRedirectURI(ctx context.Context, clientID, uri string) bool {
	client, err := r.Get(ctx, clientID)
	if err != nil {
		return false
	}
	return client.ValidateRedirectURI(uri)
}

// ValidateScopesForClient reports whether every requested scope is in the
// client's allow-list.
func (r *ClientRegistry) ValidateScopesForClient(ctx context.Context, clientID string, scopes models.ScopeSet) bool {
	client, err := r.Get(ctx, clientID)
	if err != nil {
		return false
	}
	return client.Scopes().ContainsAll(scopes)
}

// Register validates spec and stores a new client. The plaintext secret is
// returned once; only its hash is persisted. Public clients get no secret.
func (r *ClientRegistry) Register(ctx context.Context, spec ClientSpec) (*models.Client, string, error) {
	client, err := r.buildClient(spec)
	if err != nil {
		return nil, "", err
	}

	var secret string
	if !client.IsPublic() {
		secret = spec.Secret
		if secret == "" {
			if secret, err = GenerateClientSecret(); err != nil {
				return nil, "", err
			}
		}
		if client.SecretHash, err = hashClientSecret(secret, r.cost); err != nil {
			return nil, "", err
		}
	}

	if err = r.repo.CreateClient(ctx, client); err != nil {
		return nil, "", fmt.Errorf("failed to store client: %w", err)
	}

	r.logger.WithFields(logrus.Fields{
		"client_id":   client.ID,
		"client_name": client.Name,
		"auth_method": client.TokenEndpointAuthMethod,
	}).Info("OAuth2 client registered successfully")

	return client, secret, nil
}

func (r *ClientRegistry) buildClient(spec ClientSpec) (*models.Client, error) {
	var errs models.ValidationErrors

	if spec.Name == "" {
		errs = append(errs, models.ValidationError{Field: "name", Message: "is required"})
	}

	method := models.AuthMethod(spec.AuthMethod)
	switch method {
	case "":
		method = models.AuthMethodSecretBasic
	case models.AuthMethodSecretBasic, models.AuthMethodSecretPost, models.AuthMethodNone:
	default:
		errs = append(errs, models.ValidationError{Field: "token_endpoint_auth_method", Message: "is not supported"})
	}

	grants := spec.GrantTypes
	if len(grants) == 0 {
		grants = []string{string(models.GrantTypeAuthorizationCode)}
	}
	grantTypes := make([]models.GrantType, 0, len(grants))
	for _, g := range grants {
		grant, ok := models.ParseGrantType(g)
		if !ok {
			errs = append(errs, models.ValidationError{Field: "grant_types", Message: "unsupported grant type " + g})
			continue
		}
		grantTypes = append(grantTypes, grant)
	}

	client := &models.Client{
		ID:                      spec.ID,
		Name:                    spec.Name,
		RedirectURIs:            spec.RedirectURIs,
		AllowedScopes:           models.NewScopeSet(spec.AllowedScopes...).Slice(),
		RequirePKCE:             spec.RequirePKCE || method == models.AuthMethodNone,
		GrantTypes:              grantTypes,
		TokenEndpointAuthMethod: method,
		Status:                  models.ClientStatusActive,
		CreatedBy:               spec.CreatedBy,
	}

	if client.IsPublic() && client.HasGrantType(models.GrantTypeClientCredentials) {
		errs = append(errs, models.ValidationError{Field: "grant_types", Message: "public clients cannot use client_credentials"})
	}
	if client.HasGrantType(models.GrantTypeAuthorizationCode) && len(client.RedirectURIs) == 0 {
		errs = append(errs, models.ValidationError{Field: "redirect_uris", Message: "at least one is required"})
	}
	for _, uri := range client.RedirectURIs {
		if !isValidRedirectURI(uri) {
			errs = append(errs, models.ValidationError{Field: "redirect_uris", Message: "invalid URI " + uri})
		}
	}
	if len(client.AllowedScopes) == 0 {
		errs = append(errs, models.ValidationError{Field: "allowed_scopes", Message: "at least one is required"})
	} else if v := r.scopes.ValidateSet(client.Scopes()); !v.Valid {
		errs = append(errs, models.ValidationError{Field: "allowed_scopes", Message: fmt.Sprintf("unknown scopes %v", v.InvalidScopes)})
	}

	if errs.HasErrors() {
		return nil, errs
	}

	if client.ID == "" {
		client.ID = uuid.NewString()
	}
	now := time.Now().UTC()
	client.CreatedAt = now
	client.UpdatedAt = now
	return client, nil
}

// isValidRedirectURI accepts absolute URIs without a fragment (RFC 6749 section 3.1.2).
func isValidRedirectURI(raw string) bool {
	u, err := url.Parse(raw)
	return err == nil && u.Scheme != "" && u.Host != "" && u.Fragment == ""
}

// RotateSecret replaces a confidential client's secret and returns the new
// plaintext once.
func (r *ClientRegistry) RotateSecret(ctx context.Context, clientID string) (string, error) {
	client, err := r.Get(ctx, clientID)
	if err != nil {
		return "", err
	}
	if client.IsPublic() {
		return "", fmt.Errorf("client %s is public and has no secret", clientID)
	}

	secret, err := GenerateClientSecret()
	if err != nil {
		return "", err
	}
	hash, err := hashClientSecret(secret, r.cost)
	if err != nil {
		return "", err
	}
	if err = r.repo.UpdateClientSecret(ctx, clientID, hash); err != nil {
		return "", fmt.Errorf("failed to update secret: %w", err)
	}

	r.logger.WithField("client_id", clientID).Info("Client secret rotated successfully")
	return secret, nil
}

// SetStatus activates or suspends a client.
func (r *ClientRegistry) SetStatus(ctx context.Context, clientID string, status models.ClientStatus) error {
	client, err := r.Get(ctx, clientID)
	if err != nil {
		return err
	}
	client.Status = status
	return r.repo.UpdateClient(ctx, client)
}

// List returns the active clients sorted by ID.
func (r *ClientRegistry) List(ctx context.Context) ([]*models.Client, error) {
	clients, err := r.repo.ListActiveClients(ctx)
	if err != nil {
		return nil, err
	}
	sort.Slice(clients, func(i, j int) bool { return clients[i].ID < clients[j].ID })
	return clients, nil
}

// Delete removes a client.
func (r *ClientRegistry) Delete(ctx context.Context, clientID string) error {
	return r.repo.DeleteClient(ctx, clientID)
}
