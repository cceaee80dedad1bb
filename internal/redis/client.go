// Package redis provides the Redis-backed grant store of the authorization
// server, plus an in-memory store with the same contract for local runs and
// tests.
//
// The Redis keys are organized with prefixes to avoid collisions:
//   - authz:client:{id} - registered clients
//   - authz:code:{code} - authorization codes, TTL until expiry
//   - authz:refresh:{hash} - refresh token records, TTL until expiry
//   - authz:refresh_jti:{jti} - access token JTI to refresh token hash link
//   - authz:user_refresh:{user} - set of a user's refresh token hashes
//   - authz:consent:{user}:{client} - consent records
//   - authz:session:{id} - login sessions, TTL until expiry
//   - authz:user_sessions:{user} - set of a user's session IDs
//
// Conditional updates (code consumption, refresh rotation and revocation) run
// as Lua scripts so that Redis executes each check-and-set atomically.
package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"

	"github.com/jsamuelsen11/recipe-web-app/authz-server/internal/config"
	"github.com/jsamuelsen11/recipe-web-app/authz-server/internal/models"
)

const (
	// MinTokenLengthForMasking is the minimum token length before masking is applied.
	MinTokenLengthForMasking = 8

	keyPrefix = "authz:"
)

// Client is a Redis client wrapper implementing the grant and client stores.
//
// Thread Safety: All methods are safe for concurrent use by multiple goroutines.
type Client struct {
	rdb    *redis.Client
	logger *logrus.Logger
}

// NewClient creates a new Redis client with the provided configuration and
// verifies connectivity with PING.
func NewClient(cfg *config.RedisConfig, logger *logrus.Logger) (*Client, error) {
	opts, err := redis.ParseURL(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse Redis URL: %w", err)
	}

	if cfg.Password != "" {
		opts.Password = cfg.Password // pragma: allowlist secret
	}
	if cfg.DB != 0 {
		opts.DB = cfg.DB
	}

	opts.MaxRetries = cfg.MaxRetries
	opts.PoolSize = cfg.PoolSize
	opts.MinIdleConns = cfg.MinIdleConn
	opts.DialTimeout = cfg.DialTimeout
	opts.ReadTimeout = cfg.ReadTimeout
	opts.WriteTimeout = cfg.WriteTimeout
	opts.PoolTimeout = cfg.PoolTimeout
	opts.ConnMaxIdleTime = cfg.IdleTimeout

	client := NewClientFromRedis(redis.NewClient(opts), logger)

	if pingErr := client.Ping(context.Background()); pingErr != nil {
		return nil, fmt.Errorf("failed to connect to Redis: %w", pingErr)
	}

	logger.Info("Connected to Redis successfully")

	return client, nil
}

// NewClientFromRedis wraps an existing go-redis client.
func NewClientFromRedis(rdb *redis.Client, logger *logrus.Logger) *Client {
	return &Client{rdb: rdb, logger: logger}
}

// Close gracefully shuts down the Redis client and closes all pooled connections.
func (c *Client) Close() error {
	if err := c.rdb.Close(); err != nil {
		c.logger.WithError(err).Error("Failed to close Redis connection")
		return err
	}
	c.logger.Info("Redis connection closed")
	return nil
}

// Ping tests connectivity to the Redis server.
func (c *Client) Ping(ctx context.Context) error {
	if err := c.rdb.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("redis ping failed: %w", err)
	}
	return nil
}

// GetRedisClient returns the underlying go-redis client for rate limiting
// with redis_rate.
func (c *Client) GetRedisClient() *redis.Client {
	return c.rdb
}

// StoreClient persists a client registration without expiration.
func (c *Client) StoreClient(ctx context.Context, client *models.Client) error {
	data, err := json.Marshal(client)
	if err != nil {
		return fmt.Errorf("failed to marshal client: %w", err)
	}

	if setErr := c.rdb.Set(ctx, clientKey(client.ID), data, 0).Err(); setErr != nil {
		return fmt.Errorf("failed to store client: %w", setErr)
	}

	c.logger.WithField("client_id", client.ID).Debug("Client stored successfully")
	return nil
}

// GetClient retrieves a client registration, or models.ErrClientNotFound.
func (c *Client) GetClient(ctx context.Context, clientID string) (*models.Client, error) {
	data, err := c.rdb.Get(ctx, clientKey(clientID)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, models.ErrClientNotFound
		}
		return nil, fmt.Errorf("failed to get client: %w", err)
	}

	var client models.Client
	if unmarshalErr := json.Unmarshal(data, &client); unmarshalErr != nil {
		return nil, fmt.Errorf("failed to unmarshal client: %w", unmarshalErr)
	}
	return &client, nil
}

// DeleteClient removes a client registration. Deleting an unknown client is not an error.
func (c *Client) DeleteClient(ctx context.Context, clientID string) error {
	if err := c.rdb.Del(ctx, clientKey(clientID)).Err(); err != nil {
		return fmt.Errorf("failed to delete client: %w", err)
	}

	c.logger.WithField("client_id", clientID).Debug("Client deleted successfully")
	return nil
}

// ListClients scans every stored client registration.
func (c *Client) ListClients(ctx context.Context) ([]*models.Client, error) {
	keys, err := c.scanKeys(ctx, clientKey("*"))
	if err != nil {
		return nil, err
	}

	clients := make([]*models.Client, 0, len(keys))
	for _, key := range keys {
		data, getErr := c.rdb.Get(ctx, key).Bytes()
		if errors.Is(getErr, redis.Nil) {
			continue
		}
		if getErr != nil {
			return nil, fmt.Errorf("failed to get client: %w", getErr)
		}
		var client models.Client
		if unmarshalErr := json.Unmarshal(data, &client); unmarshalErr != nil {
			return nil, fmt.Errorf("failed to unmarshal client: %w", unmarshalErr)
		}
		clients = append(clients, &client)
	}
	return clients, nil
}

func (c *Client) scanKeys(ctx context.Context, pattern string) ([]string, error) {
	var keys []string
	iter := c.rdb.Scan(ctx, 0, pattern, 100).Iterator()
	for iter.Next(ctx) {
		keys = append(keys, iter.Val())
	}
	if err := iter.Err(); err != nil {
		return nil, fmt.Errorf("failed to scan keys %s: %w", pattern, err)
	}
	return keys, nil
}

func clientKey(clientID string) string {
	return keyPrefix + "client:" + clientID
}

func authCodeKey(code string) string {
	return keyPrefix + "code:" + code
}

func refreshTokenKey(tokenHash string) string {
	return keyPrefix + "refresh:" + tokenHash
}

func accessJTIKey(jti string) string {
	return keyPrefix + "refresh_jti:" + jti
}

func userRefreshKey(userID string) string {
	return keyPrefix + "user_refresh:" + userID
}

func consentKey(userID, clientID string) string {
	return keyPrefix + "consent:" + userID + ":" + clientID
}

func sessionKey(sessionID string) string {
	return keyPrefix + "session:" + sessionID
}

func userSessionsKey(userID string) string {
	return keyPrefix + "user_sessions:" + userID
}

// ttlUntil returns the key lifetime for a record expiring at expiresAt.
func ttlUntil(expiresAt, now time.Time) (time.Duration, error) {
	ttl := expiresAt.Sub(now)
	if ttl <= 0 {
		return 0, models.ErrExpired
	}
	return ttl, nil
}

// maskToken masks a token for logging, showing only the first and last 4 characters.
func maskToken(token string) string {
	if len(token) <= MinTokenLengthForMasking {
		return "****"
	}
	return token[:4] + "****" + token[len(token)-4:]
}
