// Package main provides a CLI tool for managing OAuth2 clients of the
// authorization server. It talks to the configured client catalog directly,
// so it can run before the server is up.
package main

import (
	"context"
	"fmt"
	"os"

	"github.com/joho/godotenv"

	"github.com/jsamuelsen11/recipe-web-app/authz-server/internal/auth"
	"github.com/jsamuelsen11/recipe-web-app/authz-server/internal/config"
	"github.com/jsamuelsen11/recipe-web-app/authz-server/internal/database/mysql"
	"github.com/jsamuelsen11/recipe-web-app/authz-server/internal/redis"
	"github.com/jsamuelsen11/recipe-web-app/authz-server/internal/repository"
	"github.com/jsamuelsen11/recipe-web-app/authz-server/pkg/logger"
)

func main() {
	if err := godotenv.Load(".env.local"); err != nil && !os.IsNotExist(err) {
		fmt.Fprintf(os.Stderr, "Warning: Error loading .env.local file: %v\n", err)
	}

	if err := newRootCmd(openRegistry).Execute(); err != nil {
		os.Exit(1)
	}
}

// openRegistry connects to the client catalog selected by configuration.
func openRegistry(ctx context.Context) (*auth.ClientRegistry, func(), error) {
	if _, err := config.LoadAWSSecretsIntoEnv(ctx); err != nil {
		return nil, nil, err
	}
	cfg, err := config.Load()
	if err != nil {
		return nil, nil, fmt.Errorf("failed to load configuration: %w", err)
	}

	log := logger.NewWithConfig(&cfg.Logging)
	// Command output owns stdout.
	log.SetOutput(os.Stderr)

	var closers []func()
	closeAll := func() {
		for i := len(closers) - 1; i >= 0; i-- {
			closers[i]()
		}
	}

	var repo repository.ClientRepository
	var cache *repository.StoreClientRepository

	if cfg.OAuth2.ClientBackend != config.ClientBackendMySQL {
		if cfg.OAuth2.StorageBackend == config.StorageMemory {
			return nil, nil, fmt.Errorf("client backend %q needs Redis; the memory store is private to the server", cfg.OAuth2.ClientBackend)
		}
		rc, redisErr := redis.NewClient(&cfg.Redis, log)
		if redisErr != nil {
			return nil, nil, redisErr
		}
		closers = append(closers, func() { _ = rc.Close() })
		cache = repository.NewStoreClientRepository(rc)
		repo = cache
	}

	if cfg.OAuth2.ClientBackend != config.ClientBackendStore {
		mgr, mgrErr := mysql.NewManager(cfg, log)
		if mgrErr != nil {
			closeAll()
			return nil, nil, mgrErr
		}
		closers = append(closers, mgr.Close)
		if !mgr.IsAvailable() && cfg.OAuth2.ClientBackend == config.ClientBackendMySQL {
			closeAll()
			return nil, nil, mysql.ErrDatabaseUnavailable
		}

		mysqlRepo := repository.NewMySQLClientRepository(mgr.DB)
		if cfg.OAuth2.ClientBackend == config.ClientBackendHybrid {
			repo = repository.NewHybridClientRepository(mysqlRepo, cache, log)
		} else {
			repo = mysqlRepo
		}
	}

	scopes := auth.NewScopeValidator(cfg.OAuth2.SupportedScopes)
	return auth.NewClientRegistry(repo, scopes, log), closeAll, nil
}
