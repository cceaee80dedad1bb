// Package main provides the entry point for the OAuth2 / OpenID Connect
// authorization server. It connects the configured backends, sets up HTTP
// routes with middleware, and starts the server with graceful shutdown support.
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	goredis "github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"

	"github.com/jsamuelsen11/recipe-web-app/authz-server/internal/audit"
	"github.com/jsamuelsen11/recipe-web-app/authz-server/internal/auth"
	"github.com/jsamuelsen11/recipe-web-app/authz-server/internal/config"
	"github.com/jsamuelsen11/recipe-web-app/authz-server/internal/database/mysql"
	"github.com/jsamuelsen11/recipe-web-app/authz-server/internal/database/postgres"
	"github.com/jsamuelsen11/recipe-web-app/authz-server/internal/handlers"
	"github.com/jsamuelsen11/recipe-web-app/authz-server/internal/identity"
	"github.com/jsamuelsen11/recipe-web-app/authz-server/internal/middleware"
	"github.com/jsamuelsen11/recipe-web-app/authz-server/internal/redis"
	"github.com/jsamuelsen11/recipe-web-app/authz-server/internal/repository"
	"github.com/jsamuelsen11/recipe-web-app/authz-server/internal/server"
	"github.com/jsamuelsen11/recipe-web-app/authz-server/internal/startup"
	"github.com/jsamuelsen11/recipe-web-app/authz-server/internal/token"
	"github.com/jsamuelsen11/recipe-web-app/authz-server/pkg/logger"
)

// keyValueStore is a backend that holds grants and caches clients.
type keyValueStore interface {
	repository.GrantStore
	repository.ClientStore
	Close() error
}

// backends are the connected storage layers.
type backends struct {
	kv       keyValueStore
	rdb      *goredis.Client
	grants   repository.GrantStore
	clients  repository.ClientRepository
	profiles auth.ProfileLookup
	pg       *postgres.Manager
	my       *mysql.Manager
}

func main() {
	// Load .env.local file only in development (when GO_ENV is not set or set to "development")
	goEnv := os.Getenv("GO_ENV")
	if goEnv == "" || goEnv == "development" {
		if err := godotenv.Load(".env.local"); err != nil {
			if !os.IsNotExist(err) {
				fmt.Fprintf(os.Stderr, "Warning: Error loading .env.local file: %v\n", err)
			}
		}
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if _, err := config.LoadAWSSecretsIntoEnv(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load secrets from AWS Secrets Manager: %v\n", err)
		os.Exit(1)
	}

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	log := logger.NewWithConfig(&cfg.Logging)
	log.Info("Starting OAuth2 authorization server")
	log.WithFields(logrus.Fields{
		"version":         handlers.Version,
		"port":            cfg.Server.Port,
		"host":            cfg.Server.Host,
		"tls":             cfg.IsTLSEnabled(),
		"issuer":          cfg.OAuth2.Issuer,
		"storage_backend": cfg.OAuth2.StorageBackend,
		"client_backend":  cfg.OAuth2.ClientBackend,
	}).Info("Service configuration loaded")

	b := initializeBackends(cfg, log)
	defer b.close(log)

	if b.pg != nil && cfg.OAuth2.StorageBackend == config.StoragePostgres {
		if sweeper, ok := b.grants.(*repository.PostgresGrantRepository); ok {
			go sweeper.RunSweeper(ctx, cfg.PostgresDatabase.SweepInterval, log)
		}
	}

	recorder, closeAudit := initializeAudit(cfg, log)
	defer closeAudit()

	keys, err := token.NewKeyProvider(ctx, &cfg.Keys, nil)
	if err != nil {
		log.WithError(err).Fatal("Failed to load token signing key")
	}
	if cfg.Keys.Source == config.KeySourceGenerated {
		log.Warn("Using a generated signing key; issued tokens will not survive a restart")
	}

	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	srv := server.New(server.Options{
		Config:    cfg,
		Grants:    b.grants,
		Clients:   b.clients,
		Profiles:  b.profiles,
		Keys:      keys,
		Recorder:  recorder,
		Limiter:   newLimiter(cfg, b.rdb),
		Databases: b.namedDatabases(),
		Registry:  registry,
		Logger:    log,
	})

	if err = newBootstrap(cfg, b, srv, log).Run(ctx); err != nil {
		log.WithError(err).Fatal("Startup initialization failed")
	}

	httpServer := &http.Server{
		Addr:         cfg.ServerAddr(),
		Handler:      srv.Handler(),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	runServer(httpServer, cfg, log)
}

func initializeBackends(cfg *config.Config, log *logrus.Logger) *backends {
	b := &backends{}

	b.kv, b.rdb = connectKeyValueStore(cfg, log)
	b.grants = b.kv

	if cfg.OAuth2.StorageBackend == config.StoragePostgres || cfg.IsPostgresDatabaseConfigured() {
		pg, err := postgres.NewManager(cfg, log)
		if err != nil {
			log.WithError(err).Fatal("Failed to initialize PostgreSQL manager")
		}
		b.pg = pg
	}
	if cfg.OAuth2.ClientBackend != config.ClientBackendStore || cfg.IsMySQLDatabaseConfigured() {
		my, err := mysql.NewManager(cfg, log)
		if err != nil {
			log.WithError(err).Fatal("Failed to initialize MySQL manager")
		}
		b.my = my
	}

	if cfg.OAuth2.StorageBackend == config.StoragePostgres {
		b.grants = repository.NewPostgresGrantRepository(b.pgPool)
		log.Info("Grants are stored in PostgreSQL")
	}

	cache := repository.NewStoreClientRepository(b.kv)
	switch cfg.OAuth2.ClientBackend {
	case config.ClientBackendMySQL:
		b.clients = repository.NewMySQLClientRepository(b.my.DB)
	case config.ClientBackendHybrid:
		var primary repository.ClientRepository
		if cfg.IsMySQLDatabaseConfigured() {
			primary = repository.NewMySQLClientRepository(b.my.DB)
		}
		b.clients = repository.NewHybridClientRepository(primary, cache, log)
	default:
		b.clients = cache
	}

	if b.pg != nil && cfg.IsPostgresDatabaseConfigured() {
		b.profiles = repository.NewPostgresUserRepository(b.pgPool)
	} else {
		log.Warn("No user database configured; UserInfo has no profiles to serve")
		b.profiles = identity.NewStaticDirectory()
	}

	return b
}

// connectKeyValueStore connects to Redis unless the memory backend is
// selected. A Redis failure falls back to memory except for a production
// server storing its grants in Redis.
func connectKeyValueStore(cfg *config.Config, log *logrus.Logger) (keyValueStore, *goredis.Client) {
	if cfg.OAuth2.StorageBackend == config.StorageMemory {
		log.Warn("Using in-memory store; grants will not persist between restarts")
		return redis.NewMemoryStore(log), nil
	}

	client, err := redis.NewClient(&cfg.Redis, log)
	if err != nil {
		if cfg.Environment.Environment == config.Prod && cfg.OAuth2.StorageBackend == config.StorageRedis {
			log.WithError(err).Fatal("Failed to connect to Redis")
		}
		log.WithError(err).Warn("Failed to connect to Redis, falling back to in-memory store")
		log.Warn("Note: In-memory store will not persist data between restarts")
		return redis.NewMemoryStore(log), nil
	}

	return client, client.GetRedisClient()
}

// pgPool adapts the manager to repository.PoolGetter without leaking a typed nil.
func (b *backends) pgPool() repository.PgxPool {
	if b.pg == nil {
		return nil
	}
	if pool := b.pg.Pool(); pool != nil {
		return pool
	}
	return nil
}

func (b *backends) namedDatabases() []handlers.NamedDatabase {
	var dbs []handlers.NamedDatabase
	if b.pg != nil {
		dbs = append(dbs, handlers.NamedDatabase{Name: "postgres", Checker: b.pg})
	}
	if b.my != nil {
		dbs = append(dbs, handlers.NamedDatabase{Name: "mysql", Checker: b.my})
	}
	return dbs
}

func (b *backends) close(log *logrus.Logger) {
	if err := b.kv.Close(); err != nil {
		log.WithError(err).Error("Failed to close store connection")
	}
	if b.pg != nil {
		b.pg.Close()
	}
	if b.my != nil {
		b.my.Close()
	}
	log.Info("Storage connections closed")
}

// initializeAudit always logs audit events and also publishes them when a
// broker is configured.
func initializeAudit(cfg *config.Config, log *logrus.Logger) (*audit.Recorder, func()) {
	sinks := []audit.Sink{audit.NewLogSink(log, cfg.Audit.HashSalt)}
	closeFn := func() {}

	if cfg.Audit.AMQPURL != "" {
		amqpSink, err := audit.NewAMQPSink(&cfg.Audit)
		if err != nil {
			log.WithError(err).Warn("Audit broker unavailable, audit events are only logged")
		} else {
			sinks = append(sinks, amqpSink)
			closeFn = func() {
				if closeErr := amqpSink.Close(); closeErr != nil {
					log.WithError(closeErr).Error("Failed to close audit broker connection")
				}
			}
			log.WithField("exchange", cfg.Audit.Exchange).Info("Publishing audit events to broker")
		}
	}

	return audit.NewRecorder(log, sinks...), closeFn
}

// newLimiter shares rate limit state through Redis when it is connected.
func newLimiter(cfg *config.Config, rdb *goredis.Client) middleware.Limiter {
	if rdb != nil {
		return middleware.NewRedisLimiter(rdb, cfg.Security.RateLimitRPS, cfg.Security.RateLimitBurst)
	}
	return middleware.NewLocalLimiter(cfg.Security.RateLimitRPS, cfg.Security.RateLimitBurst)
}

func newBootstrap(cfg *config.Config, b *backends, srv *server.Server, log *logrus.Logger) *startup.Bootstrap {
	var migrators []startup.NamedMigrator
	if b.pg != nil && b.pg.IsAvailable() {
		migrators = append(migrators, startup.NamedMigrator{Name: "postgres", Migrator: b.pg})
	}
	if b.my != nil && b.my.IsAvailable() {
		migrators = append(migrators, startup.NamedMigrator{Name: "mysql", Migrator: b.my})
	}

	var seeder *startup.ClientSeeder
	seedPath := ""
	if cfg.ClientAutoRegister.Enabled {
		seeder = startup.NewClientSeeder(srv.Services.Clients, cfg.Environment.Environment != config.Prod, log)
		seedPath = cfg.ClientAutoRegister.ConfigPath
	}

	return startup.NewBootstrap(migrators, seeder, seedPath, log)
}

func runServer(httpServer *http.Server, cfg *config.Config, log *logrus.Logger) {
	go startServer(httpServer, cfg, log)

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info("Shutting down server...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()

	if shutdownErr := httpServer.Shutdown(shutdownCtx); shutdownErr != nil {
		log.WithError(shutdownErr).Error("Server forced to shutdown")
	} else {
		log.Info("Server exited gracefully")
	}
}

func startServer(httpServer *http.Server, cfg *config.Config, log *logrus.Logger) {
	log.WithFields(logrus.Fields{
		"addr": httpServer.Addr,
		"tls":  cfg.IsTLSEnabled(),
	}).Info("Starting HTTP server")

	var startErr error
	if cfg.IsTLSEnabled() {
		startErr = httpServer.ListenAndServeTLS(cfg.Server.TLSCert, cfg.Server.TLSKey)
	} else {
		startErr = httpServer.ListenAndServe()
	}

	if startErr != nil && !errors.Is(startErr, http.ErrServerClosed) {
		log.WithError(startErr).Fatal("Failed to start server")
	}
}
