// Package startup provides utilities for service initialization including
// database migrations and seeding OAuth2 clients from configuration files.
package startup

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/sirupsen/logrus"
	"gopkg.in/yaml.v3"

	"github.com/jsamuelsen11/recipe-web-app/authz-server/internal/auth"
	"github.com/jsamuelsen11/recipe-web-app/authz-server/internal/models"
)

// ClientDefinition is one entry of the clients file.
type ClientDefinition struct {
	ID            string   `yaml:"id"`
	Name          string   `yaml:"name"`
	RedirectURIs  []string `yaml:"redirect_uris"`
	AllowedScopes []string `yaml:"allowed_scopes"`
	GrantTypes    []string `yaml:"grant_types"`
	AuthMethod    string   `yaml:"token_endpoint_auth_method"`
	RequirePKCE   bool     `yaml:"require_pkce"`
	// SecretEnv names the environment variable holding the client secret.
	// A secret is generated when it is unset or empty.
	SecretEnv string `yaml:"secret_env"`
}

type clientsFile struct {
	Clients []ClientDefinition `yaml:"clients"`
}

// ClientRegistrar is the part of the client registry the seeder needs.
type ClientRegistrar interface {
	Get(ctx context.Context, clientID string) (*models.Client, error)
	Register(ctx context.Context, spec auth.ClientSpec) (*models.Client, string, error)
}

// ClientSeeder registers clients listed in a YAML file. Clients that already
// exist are left untouched, so seeding is safe on every start.
type ClientSeeder struct {
	registry ClientRegistrar
	logger   *logrus.Logger
	// revealSecrets logs generated secrets; only enabled outside production.
	revealSecrets bool
}

// NewClientSeeder creates a seeder registering through registry.
func NewClientSeeder(registry ClientRegistrar, revealSecrets bool, logger *logrus.Logger) *ClientSeeder {
	return &ClientSeeder{
		registry:      registry,
		logger:        logger,
		revealSecrets: revealSecrets,
	}
}

// SeedFile loads client definitions from path and registers the missing ones.
// It returns the number of clients created.
func (s *ClientSeeder) SeedFile(ctx context.Context, path string) (int, error) {
	if err := validateConfigPath(path); err != nil {
		return 0, fmt.Errorf("invalid config path: %w", err)
	}

	data, err := os.ReadFile(filepath.Clean(path))
	if err != nil {
		return 0, fmt.Errorf("failed to read clients file: %w", err)
	}

	var file clientsFile
	if err = yaml.Unmarshal(data, &file); err != nil {
		return 0, fmt.Errorf("failed to parse clients file: %w", err)
	}

	return s.Seed(ctx, file.Clients)
}

// Seed registers each definition whose ID is not yet known. Definitions
// without an ID are rejected since they could not be recognised on the next run.
func (s *ClientSeeder) Seed(ctx context.Context, defs []ClientDefinition) (int, error) {
	created := 0
	for _, def := range defs {
		if def.ID == "" {
			return created, fmt.Errorf("client %q: id is required", def.Name)
		}

		_, err := s.registry.Get(ctx, def.ID)
		if err == nil {
			s.logger.WithField("client_id", def.ID).Debug("Client already registered, skipping")
			continue
		}
		if !errors.Is(err, models.ErrNotFound) {
			return created, fmt.Errorf("client %q: %w", def.ID, err)
		}

		spec := auth.ClientSpec{
			ID:            def.ID,
			Name:          def.Name,
			RedirectURIs:  def.RedirectURIs,
			AllowedScopes: def.AllowedScopes,
			GrantTypes:    def.GrantTypes,
			AuthMethod:    def.AuthMethod,
			RequirePKCE:   def.RequirePKCE,
			CreatedBy:     "startup-seed",
		}
		if def.SecretEnv != "" {
			spec.Secret = os.Getenv(def.SecretEnv)
		}

		client, secret, err := s.registry.Register(ctx, spec)
		if err != nil {
			if errors.Is(err, models.ErrAlreadyExists) {
				continue
			}
			return created, fmt.Errorf("client %q: %w", def.ID, err)
		}
		created++

		fields := logrus.Fields{
			"client_id":   client.ID,
			"client_name": client.Name,
			"grant_types": def.GrantTypes,
		}
		if secret != "" && spec.Secret == "" {
			if s.revealSecrets {
				fields["client_secret"] = secret
			}
			s.logger.WithFields(fields).Warn("Seeded client with a generated secret")
			continue
		}
		s.logger.WithFields(fields).Info("Seeded client")
	}

	return created, nil
}

// validateConfigPath validates the config path to prevent directory traversal attacks.
func validateConfigPath(configPath string) error {
	cleanPath := filepath.Clean(configPath)

	if strings.Contains(cleanPath, "..") {
		return errors.New("directory traversal not allowed in config path")
	}

	if filepath.IsAbs(cleanPath) {
		if err := validateAbsolutePath(cleanPath); err != nil {
			return err
		}
	}

	ext := strings.ToLower(filepath.Ext(cleanPath))
	if ext != ".yaml" && ext != ".yml" {
		return errors.New("config file must be a YAML file")
	}

	return nil
}

// validateAbsolutePath checks if absolute path is in allowed directories.
func validateAbsolutePath(cleanPath string) error {
	allowedPrefixes := []string{
		"/app/configs/",
		"/etc/authz-server/",
	}

	for _, prefix := range allowedPrefixes {
		if strings.HasPrefix(cleanPath, prefix) {
			return nil
		}
	}

	// Development: configs/ under the working directory.
	if cwd, err := os.Getwd(); err == nil {
		if strings.HasPrefix(cleanPath, filepath.Join(cwd, "configs")+string(filepath.Separator)) {
			return nil
		}
	}

	return errors.New("absolute paths not allowed outside of permitted directories")
}
