// Package config provides configuration management for the authorization server.
// It supports environment variable-based configuration with validation and default values
// for all service components, plus YAML overlays for operational settings.
package config

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/kelseyhightower/envconfig"
)

const (
	// MinPortNumber is the minimum valid port number.
	MinPortNumber = 1
	// MaxPortNumber is the maximum valid port number.
	MaxPortNumber = 65535
	// MaxAuthorizationCodeLifetime caps the authorization code TTL (RFC 6749 section 4.1.2).
	MaxAuthorizationCodeLifetime = 10 * time.Minute
)

// Config represents the complete configuration for the authorization server,
// aggregating all component-specific configurations.
type Config struct {
	// Environment holds environment-specific settings.
	Environment EnvironmentConfig `envconfig:"ENVIRONMENT"`
	// Server contains HTTP server configuration including ports, timeouts, and TLS settings.
	Server ServerConfig `envconfig:"SERVER"`
	// Redis contains Redis connection and pool configuration.
	Redis RedisConfig `envconfig:"REDIS"`
	// PostgresDatabase contains PostgreSQL database configuration.
	PostgresDatabase DatabaseConfig `envconfig:"POSTGRES"`
	// MySQLDatabase contains MySQL database configuration.
	MySQLDatabase MySQLConfig `envconfig:"MYSQL"`
	// Keys selects where the token signing key comes from.
	Keys KeysConfig `envconfig:"KEYS"`
	// OAuth2 contains protocol settings.
	OAuth2 OAuth2Config `envconfig:"OAUTH2"`
	// Security contains security-related settings like CORS and rate limiting.
	Security SecurityConfig `envconfig:"SECURITY"`
	// Logging contains logging configuration.
	Logging LoggingConfig `envconfig:"LOGGING"`
	// Audit configures where audit events are delivered.
	Audit AuditConfig `envconfig:"AUDIT"`
	// ClientAutoRegister contains client auto-registration configuration.
	ClientAutoRegister ClientAutoRegisterConfig `envconfig:"CLIENT_AUTO_REGISTER"`
}

// Environment names a deployment tier.
type Environment string

const (
	Local   Environment = "LOCAL"
	NonProd Environment = "NONPROD"
	Prod    Environment = "PROD"
)

// EnvironmentConfig holds environment-specific settings.
type EnvironmentConfig struct {
	// Environment indicates the current running environment (LOCAL, NONPROD, PROD).
	Environment Environment `envconfig:"ENV" default:"LOCAL"`
}

// ServerConfig holds HTTP server configuration including network settings,
// timeouts, and TLS certificate paths.
type ServerConfig struct {
	Port            int           `envconfig:"PORT"             default:"8080"`
	Host            string        `envconfig:"HOST"             default:"0.0.0.0"`
	ReadTimeout     time.Duration `envconfig:"READ_TIMEOUT"     default:"15s"`
	WriteTimeout    time.Duration `envconfig:"WRITE_TIMEOUT"    default:"15s"`
	IdleTimeout     time.Duration `envconfig:"IDLE_TIMEOUT"     default:"60s"`
	ShutdownTimeout time.Duration `envconfig:"SHUTDOWN_TIMEOUT" default:"30s"`
	TLSCert         string        `envconfig:"TLS_CERT"`
	TLSKey          string        `envconfig:"TLS_KEY"`
}

// RedisConfig contains Redis connection configuration including
// connection pool settings and timeouts.
type RedisConfig struct {
	URL          string        `envconfig:"URL"           default:"redis://localhost:6379"`
	Password     string        `envconfig:"PASSWORD"`
	DB           int           `envconfig:"DB"            default:"0"`
	MaxRetries   int           `envconfig:"MAX_RETRIES"   default:"3"`
	PoolSize     int           `envconfig:"POOL_SIZE"     default:"10"`
	MinIdleConn  int           `envconfig:"MIN_IDLE_CONN" default:"5"`
	DialTimeout  time.Duration `envconfig:"DIAL_TIMEOUT"  default:"5s"`
	ReadTimeout  time.Duration `envconfig:"READ_TIMEOUT"  default:"3s"`
	WriteTimeout time.Duration `envconfig:"WRITE_TIMEOUT" default:"3s"`
	PoolTimeout  time.Duration `envconfig:"POOL_TIMEOUT"  default:"4s"`
	IdleTimeout  time.Duration `envconfig:"IDLE_TIMEOUT"  default:"300s"`
}

// DatabaseConfig contains PostgreSQL database connection configuration
// including connection pool settings and health check parameters.
type DatabaseConfig struct {
	Host              string        `envconfig:"HOST"                default:"localhost"`
	Port              int           `envconfig:"PORT"                default:"5432"`
	Database          string        `envconfig:"DB"                  default:"authz"`
	Schema            string        `envconfig:"SCHEMA"              default:"public"`
	User              string        `envconfig:"USER"`
	Password          string        `envconfig:"PASSWORD"`
	SSLMode           string        `envconfig:"SSL_MODE"            default:"require"`
	MaxConn           int32         `envconfig:"MAX_CONN"            default:"25"`
	MinConn           int32         `envconfig:"MIN_CONN"            default:"5"`
	MaxConnLifetime   time.Duration `envconfig:"MAX_CONN_LIFETIME"   default:"1h"`
	MaxConnIdleTime   time.Duration `envconfig:"MAX_CONN_IDLE_TIME"  default:"30m"`
	HealthCheckPeriod time.Duration `envconfig:"HEALTH_CHECK_PERIOD" default:"30s"`
	ConnectTimeout    time.Duration `envconfig:"CONNECT_TIMEOUT"     default:"10s"`
	// SweepInterval is how often expired codes and refresh tokens are deleted.
	SweepInterval time.Duration `envconfig:"SWEEP_INTERVAL" default:"15m"`
}

// MySQLConfig contains MySQL database connection configuration for the
// client catalog.
type MySQLConfig struct {
	Host              string        `envconfig:"HOST"                default:"localhost"`
	Port              int           `envconfig:"PORT"                default:"3306"`
	Database          string        `envconfig:"DB"                  default:"client_manager"`
	User              string        `envconfig:"USER"`
	Password          string        `envconfig:"PASSWORD"`
	MaxConn           int           `envconfig:"MAX_CONN"            default:"25"`
	MinConn           int           `envconfig:"MIN_CONN"            default:"5"`
	MaxConnLifetime   time.Duration `envconfig:"MAX_CONN_LIFETIME"   default:"1h"`
	MaxConnIdleTime   time.Duration `envconfig:"MAX_CONN_IDLE_TIME"  default:"30m"`
	HealthCheckPeriod time.Duration `envconfig:"HEALTH_CHECK_PERIOD" default:"30s"`
	ConnectTimeout    time.Duration `envconfig:"CONNECT_TIMEOUT"     default:"10s"`
}

// KeySource enumerates where the RSA signing key is loaded from.
type KeySource string

const (
	KeySourceEnv               KeySource = "env"
	KeySourceFile              KeySource = "file"
	KeySourceAWSSecretsManager KeySource = "aws-secrets-manager"
	KeySourceGenerated         KeySource = "generated"
)

// KeysConfig selects and parameterizes the signing key source. The source is
// resolved exactly once at startup.
type KeysConfig struct {
	Source KeySource `envconfig:"SOURCE" default:"generated"`
	// PrivateKeyPEM holds the PEM text for the env source. Literal "\n" sequences are accepted.
	PrivateKeyPEM string `envconfig:"PRIVATE_KEY_PEM"`
	// PrivateKeyPath is the PEM file for the file source.
	PrivateKeyPath string `envconfig:"PRIVATE_KEY_PATH"`
	// SecretID names the Secrets Manager secret whose string value is the PEM.
	SecretID string `envconfig:"SECRET_ID"`
	// SecretRegion overrides the AWS region for the secret lookup.
	SecretRegion string `envconfig:"SECRET_REGION"`
	// GeneratedKeyBits is the RSA modulus size for the generated source.
	GeneratedKeyBits int `envconfig:"GENERATED_KEY_BITS" default:"2048"`
}

// StorageBackend selects the grant store implementation.
type StorageBackend string

const (
	StorageRedis    StorageBackend = "redis"
	StoragePostgres StorageBackend = "postgres"
	StorageMemory   StorageBackend = "memory"
)

// ClientBackend selects the client catalog implementation.
type ClientBackend string

const (
	ClientBackendStore  ClientBackend = "store"
	ClientBackendMySQL  ClientBackend = "mysql"
	ClientBackendHybrid ClientBackend = "hybrid"
)

// OAuth2Config contains protocol settings: issuer, lifetimes, the scope
// catalog and the external login/consent surfaces.
type OAuth2Config struct {
	// Issuer is the iss claim and the base of every advertised endpoint URL.
	Issuer string `envconfig:"ISSUER" default:"http://localhost:8080"`
	// AuthorizationCodeExpiry is the lifetime of authorization codes.
	AuthorizationCodeExpiry time.Duration `envconfig:"AUTHORIZATION_CODE_EXPIRY" default:"10m"`
	// AccessTokenExpiry is the lifetime of access tokens.
	AccessTokenExpiry time.Duration `envconfig:"ACCESS_TOKEN_EXPIRY" default:"1h"`
	// IDTokenExpiry is the lifetime of ID tokens.
	IDTokenExpiry time.Duration `envconfig:"ID_TOKEN_EXPIRY" default:"1h"`
	// RefreshTokenExpiry is the lifetime of refresh tokens.
	RefreshTokenExpiry time.Duration `envconfig:"REFRESH_TOKEN_EXPIRY" default:"720h"`
	// LoginURL receives unauthenticated authorization requests.
	LoginURL string `envconfig:"LOGIN_URL" default:"/login"`
	// ConsentURL receives authorization requests that still need user consent.
	ConsentURL string `envconfig:"CONSENT_URL" default:"/consent-ui"`
	// ConsentKey signs the csrf_token handed to the consent surface. Replicas
	// behind one load balancer must share it; when empty each process
	// generates its own.
	ConsentKey string `envconfig:"CONSENT_KEY"`
	// SessionCookieName is the cookie holding the login session ID.
	SessionCookieName string `envconfig:"SESSION_COOKIE_NAME" default:"authz_session"`
	// StorageBackend selects where codes, refresh tokens, consents and sessions live.
	StorageBackend StorageBackend `envconfig:"STORAGE_BACKEND" default:"redis"`
	// ClientBackend selects where registered clients are read from.
	ClientBackend ClientBackend `envconfig:"CLIENT_BACKEND" default:"store"`
	// SupportedScopes is the scope catalog. YAML overlays may replace it.
	SupportedScopes []string `envconfig:"SUPPORTED_SCOPES" default:"openid,profile,email,offline_access"`
}

// SecurityConfig contains security-related settings including
// rate limiting and CORS configuration.
type SecurityConfig struct {
	RateLimitRPS     int      `envconfig:"RATE_LIMIT_RPS"    default:"100"`
	RateLimitBurst   int      `envconfig:"RATE_LIMIT_BURST"  default:"200"`
	AllowedOrigins   []string `envconfig:"ALLOWED_ORIGINS"   default:"*"`
	AllowedMethods   []string `envconfig:"ALLOWED_METHODS"   default:"GET,POST,DELETE,OPTIONS"`
	AllowedHeaders   []string `envconfig:"ALLOWED_HEADERS"   default:"Authorization,Content-Type"`
	ExposedHeaders   []string `envconfig:"EXPOSED_HEADERS"`
	AllowCredentials bool     `envconfig:"ALLOW_CREDENTIALS" default:"true"`
	MaxAge           int      `envconfig:"MAX_AGE"           default:"86400"`
	TrustedProxies   []string `envconfig:"TRUSTED_PROXIES"`
	SecureCookies    bool     `envconfig:"SECURE_COOKIES"    default:"true"`
}

// LoggingConfig contains logging configuration including
// log level, format, and output destination.
type LoggingConfig struct {
	Level  string `envconfig:"LEVEL"  default:"info"`
	Format string `envconfig:"FORMAT" default:"json"`
	Output string `envconfig:"OUTPUT" default:"stdout"`
}

// AuditConfig configures audit event delivery. Events are always logged;
// AMQP delivery is added when AMQPURL is set.
type AuditConfig struct {
	AMQPURL    string `envconfig:"AMQP_URL"`
	Exchange   string `envconfig:"EXCHANGE"    default:"authz.audit"`
	RoutingKey string `envconfig:"ROUTING_KEY" default:"audit.event"`
	// HashSalt salts the identifier hashes of off-host audit records.
	HashSalt string `envconfig:"HASH_SALT"`
}

// ClientAutoRegisterConfig controls seeding clients from a YAML file at startup.
type ClientAutoRegisterConfig struct {
	Enabled    bool   `envconfig:"ENABLED"     default:"false"`
	ConfigPath string `envconfig:"CONFIG_PATH" default:"configs/clients.yaml"`
}

// Load reads configuration from environment variables, applies YAML overlays
// and returns a validated Config instance.
func Load() (*Config, error) {
	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return nil, fmt.Errorf("failed to load configuration: %w", err)
	}

	settings, err := loadYAMLConfig(cfg.Environment.Environment)
	if err == nil {
		cfg.applyYAML(settings)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return &cfg, nil
}

// Validate performs validation of all configuration values, ensuring they
// meet protocol and operational requirements.
func (c *Config) Validate() error {
	if c.Server.Port < MinPortNumber || c.Server.Port > MaxPortNumber {
		return errors.New("server port must be between 1 and 65535")
	}

	issuer, err := url.Parse(c.OAuth2.Issuer)
	if err != nil || issuer.Scheme == "" || issuer.Host == "" {
		return fmt.Errorf("issuer must be an absolute URL: %q", c.OAuth2.Issuer)
	}
	if issuer.RawQuery != "" || issuer.Fragment != "" {
		return errors.New("issuer must not contain a query or fragment")
	}

	if c.OAuth2.AuthorizationCodeExpiry <= 0 || c.OAuth2.AuthorizationCodeExpiry > MaxAuthorizationCodeLifetime {
		return fmt.Errorf("authorization code expiry must be between 0 and %s", MaxAuthorizationCodeLifetime)
	}

	if c.OAuth2.AccessTokenExpiry < time.Minute {
		return errors.New("access token expiry must be at least 1 minute")
	}

	if c.OAuth2.RefreshTokenExpiry < time.Hour {
		return errors.New("refresh token expiry must be at least 1 hour")
	}

	switch c.OAuth2.StorageBackend {
	case StorageRedis, StoragePostgres, StorageMemory:
	default:
		return fmt.Errorf("unsupported storage backend: %s", c.OAuth2.StorageBackend)
	}

	switch c.OAuth2.ClientBackend {
	case ClientBackendStore, ClientBackendMySQL, ClientBackendHybrid:
	default:
		return fmt.Errorf("unsupported client backend: %s", c.OAuth2.ClientBackend)
	}

	return c.validateKeys()
}

func (c *Config) validateKeys() error {
	switch c.Keys.Source {
	case KeySourceEnv:
		if c.Keys.PrivateKeyPEM == "" {
			return errors.New("KEYS_PRIVATE_KEY_PEM is required for the env key source")
		}
	case KeySourceFile:
		if c.Keys.PrivateKeyPath == "" {
			return errors.New("KEYS_PRIVATE_KEY_PATH is required for the file key source")
		}
	case KeySourceAWSSecretsManager:
		if c.Keys.SecretID == "" {
			return errors.New("KEYS_SECRET_ID is required for the aws-secrets-manager key source")
		}
	case KeySourceGenerated:
		if c.Environment.Environment == Prod {
			return errors.New("generated signing keys are not allowed in PROD")
		}
	default:
		return fmt.Errorf("unsupported key source: %s", c.Keys.Source)
	}
	return nil
}

// ServerAddr returns the formatted server address string in host:port format.
func (c *Config) ServerAddr() string {
	return fmt.Sprintf("%s:%d", c.Server.Host, c.Server.Port)
}

// IsTLSEnabled returns true if both TLS certificate and key paths are configured.
func (c *Config) IsTLSEnabled() bool {
	return c.Server.TLSCert != "" && c.Server.TLSKey != ""
}

// PostgresDatabaseDSN returns the PostgreSQL connection string (Data Source Name).
func (c *Config) PostgresDatabaseDSN() string {
	return fmt.Sprintf("host=%s port=%d dbname=%s user=%s password=%s sslmode=%s search_path=%s",
		c.PostgresDatabase.Host,
		c.PostgresDatabase.Port,
		c.PostgresDatabase.Database,
		c.PostgresDatabase.User,
		c.PostgresDatabase.Password,
		c.PostgresDatabase.SSLMode,
		c.PostgresDatabase.Schema,
	)
}

// MySQLDSN returns the MySQL connection string (Data Source Name).
func (c *Config) MySQLDSN() string {
	return fmt.Sprintf("%s:%s@tcp(%s:%d)/%s?parseTime=true",
		c.MySQLDatabase.User,
		c.MySQLDatabase.Password,
		c.MySQLDatabase.Host,
		c.MySQLDatabase.Port,
		c.MySQLDatabase.Database,
	)
}

// IsPostgresDatabaseConfigured returns true if PostgreSQL credentials are configured.
func (c *Config) IsPostgresDatabaseConfigured() bool {
	return c.PostgresDatabase.User != "" && c.PostgresDatabase.Password != ""
}

// IsMySQLDatabaseConfigured returns true if MySQL credentials are configured.
func (c *Config) IsMySQLDatabaseConfigured() bool {
	return c.MySQLDatabase.User != "" && c.MySQLDatabase.Password != ""
}

// EndpointURL joins the issuer with an endpoint path.
func (c *Config) EndpointURL(path string) string {
	return strings.TrimRight(c.OAuth2.Issuer, "/") + path
}
