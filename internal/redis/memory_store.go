package redis

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/jsamuelsen11/recipe-web-app/authz-server/internal/models"
)

const (
	// CleanupInterval is the interval between expired item cleanup runs.
	CleanupInterval = 5 * time.Minute
)

// MemoryStore is an in-memory grant and client store with the same contract as
// the Redis client. A single mutex serializes every check-and-set, which gives
// the same single-winner guarantee as the Redis scripts within one process.
type MemoryStore struct {
	clients       map[string]*models.Client
	authCodes     map[string]*expiringItem[models.AuthorizationCode]
	refreshTokens map[string]*expiringItem[models.RefreshToken]
	accessLinks   map[string]*expiringItem[string]
	consents      map[string]models.Consent
	sessions      map[string]*expiringItem[models.Session]
	logger        *logrus.Logger
	mu            sync.Mutex
	cleanupTicker *time.Ticker
	stopCleanup   chan struct{}
	closeOnce     sync.Once
	now           func() time.Time
}

// expiringItem wraps data with expiration time for TTL support.
type expiringItem[T any] struct {
	Data      T
	ExpiresAt time.Time
}

func (e *expiringItem[T]) expiredAt(now time.Time) bool {
	return now.After(e.ExpiresAt)
}

// NewMemoryStore creates a new in-memory store with TTL cleanup.
func NewMemoryStore(logger *logrus.Logger) *MemoryStore {
	store := &MemoryStore{
		clients:       make(map[string]*models.Client),
		authCodes:     make(map[string]*expiringItem[models.AuthorizationCode]),
		refreshTokens: make(map[string]*expiringItem[models.RefreshToken]),
		accessLinks:   make(map[string]*expiringItem[string]),
		consents:      make(map[string]models.Consent),
		sessions:      make(map[string]*expiringItem[models.Session]),
		logger:        logger,
		cleanupTicker: time.NewTicker(CleanupInterval),
		stopCleanup:   make(chan struct{}),
		now:           time.Now,
	}

	go store.cleanupExpiredItems()

	logger.Info("In-memory store initialized with TTL cleanup")
	return store
}

func (m *MemoryStore) cleanupExpiredItems() {
	defer m.cleanupTicker.Stop()

	for {
		select {
		case <-m.cleanupTicker.C:
			m.performCleanup()
		case <-m.stopCleanup:
			return
		}
	}
}

// performCleanup removes expired items from all maps.
func (m *MemoryStore) performCleanup() int {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	expired := removeExpired(m.authCodes, now) +
		removeExpired(m.refreshTokens, now) +
		removeExpired(m.accessLinks, now) +
		removeExpired(m.sessions, now)

	if expired > 0 {
		m.logger.WithField("expired_items", expired).Debug("Cleaned up expired items from memory store")
	}
	return expired
}

func removeExpired[T any](items map[string]*expiringItem[T], now time.Time) int {
	expired := 0
	for key, item := range items {
		if item.expiredAt(now) {
			delete(items, key)
			expired++
		}
	}
	return expired
}

// Close shuts down the cleanup goroutine. It is safe to call more than once.
func (m *MemoryStore) Close() error {
	m.closeOnce.Do(func() {
		close(m.stopCleanup)
		m.logger.Info("Memory store closed")
	})
	return nil
}

// Ping always returns nil for memory store (always available).
func (m *MemoryStore) Ping(_ context.Context) error {
	return nil
}

// StoreClient stores a copy of the client without expiration.
func (m *MemoryStore) StoreClient(_ context.Context, client *models.Client) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	stored := *client
	m.clients[client.ID] = &stored
	m.logger.WithField("client_id", client.ID).Debug("Client stored in memory")
	return nil
}

// GetClient retrieves a client, or models.ErrClientNotFound.
func (m *MemoryStore) GetClient(_ context.Context, clientID string) (*models.Client, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	client, exists := m.clients[clientID]
	if !exists {
		return nil, models.ErrClientNotFound
	}

	out := *client
	return &out, nil
}

// DeleteClient removes a client from memory.
func (m *MemoryStore) DeleteClient(_ context.Context, clientID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	delete(m.clients, clientID)
	m.logger.WithField("client_id", clientID).Debug("Client deleted from memory")
	return nil
}

// ListClients returns every stored client ordered by ID.
func (m *MemoryStore) ListClients(_ context.Context) ([]*models.Client, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	clients := make([]*models.Client, 0, len(m.clients))
	for _, client := range m.clients {
		out := *client
		clients = append(clients, &out)
	}
	sort.Slice(clients, func(i, j int) bool { return clients[i].ID < clients[j].ID })
	return clients, nil
}

// SaveAuthorizationCode stores an authorization code until it expires.
func (m *MemoryStore) SaveAuthorizationCode(_ context.Context, code *models.AuthorizationCode) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, err := ttlUntil(code.ExpiresAt, m.now()); err != nil {
		return err
	}

	m.authCodes[code.Code] = &expiringItem[models.AuthorizationCode]{Data: *code, ExpiresAt: code.ExpiresAt}
	m.logger.WithField("code", maskToken(code.Code)).Debug("Authorization code stored in memory")
	return nil
}

// GetAuthorizationCode retrieves an authorization code, or models.ErrNotFound.
func (m *MemoryStore) GetAuthorizationCode(_ context.Context, code string) (*models.AuthorizationCode, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	item, exists := m.authCodes[code]
	if !exists || item.expiredAt(m.now()) {
		return nil, models.ErrNotFound
	}

	out := item.Data
	return &out, nil
}

// ConsumeAuthorizationCode marks an authorization code used under the store lock.
func (m *MemoryStore) ConsumeAuthorizationCode(
	_ context.Context,
	code string,
	usedAt time.Time,
) (*models.AuthorizationCode, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	item, exists := m.authCodes[code]
	if !exists {
		return nil, models.ErrNotFound
	}
	if item.Data.UsedAt != nil {
		out := item.Data
		return &out, models.ErrAlreadyConsumed
	}
	if usedAt.After(item.Data.ExpiresAt) {
		return nil, models.ErrExpired
	}

	at := usedAt
	item.Data.UsedAt = &at
	out := item.Data
	return &out, nil
}

// SaveRefreshToken stores a refresh token record and its access token link.
func (m *MemoryStore) SaveRefreshToken(_ context.Context, token *models.RefreshToken) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, err := ttlUntil(token.ExpiresAt, m.now()); err != nil {
		return err
	}

	m.putRefreshLocked(token)
	m.logger.WithField("client_id", token.ClientID).Debug("Refresh token stored in memory")
	return nil
}

func (m *MemoryStore) putRefreshLocked(token *models.RefreshToken) {
	m.refreshTokens[token.TokenHash] = &expiringItem[models.RefreshToken]{Data: *token, ExpiresAt: token.ExpiresAt}
	if token.AccessTokenJTI != "" {
		m.accessLinks[token.AccessTokenJTI] = &expiringItem[string]{Data: token.TokenHash, ExpiresAt: token.ExpiresAt}
	}
}

// GetRefreshToken retrieves a refresh token record, or models.ErrNotFound.
func (m *MemoryStore) GetRefreshToken(_ context.Context, tokenHash string) (*models.RefreshToken, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	return m.getRefreshLocked(tokenHash)
}

func (m *MemoryStore) getRefreshLocked(tokenHash string) (*models.RefreshToken, error) {
	item, exists := m.refreshTokens[tokenHash]
	if !exists || item.expiredAt(m.now()) {
		return nil, models.ErrNotFound
	}
	out := item.Data
	return &out, nil
}

// GetRefreshTokenByAccessJTI resolves the access token link.
func (m *MemoryStore) GetRefreshTokenByAccessJTI(_ context.Context, jti string) (*models.RefreshToken, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	link, exists := m.accessLinks[jti]
	if !exists || link.expiredAt(m.now()) {
		return nil, models.ErrNotFound
	}
	return m.getRefreshLocked(link.Data)
}

// TouchRefreshToken records the last use of a refresh token.
func (m *MemoryStore) TouchRefreshToken(_ context.Context, tokenHash string, usedAt time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	item, exists := m.refreshTokens[tokenHash]
	if !exists {
		return models.ErrNotFound
	}
	at := usedAt
	item.Data.LastUsedAt = &at
	return nil
}

// RotateRefreshToken revokes the parent and stores the child under the store lock.
func (m *MemoryStore) RotateRefreshToken(
	_ context.Context,
	oldHash string,
	child *models.RefreshToken,
	at time.Time,
) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	parent, exists := m.refreshTokens[oldHash]
	if !exists {
		return models.ErrNotFound
	}
	if parent.Data.RevokedAt != nil {
		return models.ErrAlreadyConsumed
	}
	if at.After(parent.Data.ExpiresAt) {
		return models.ErrExpired
	}

	revokedAt := at
	parent.Data.RevokedAt = &revokedAt
	parent.Data.RevokeReason = models.RevokeReasonRotated
	m.putRefreshLocked(child)
	return nil
}

// RevokeRefreshToken revokes an active refresh token.
func (m *MemoryStore) RevokeRefreshToken(_ context.Context, tokenHash, reason string, at time.Time) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	item, exists := m.refreshTokens[tokenHash]
	if !exists {
		return false, nil
	}
	return revokeItem(item, reason, "", at), nil
}

// RevokeUserRefreshTokens revokes a user's active refresh tokens.
func (m *MemoryStore) RevokeUserRefreshTokens(
	_ context.Context,
	userID, clientID, reason string,
	at time.Time,
) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	revoked := 0
	for _, item := range m.refreshTokens {
		if item.Data.UserID != userID {
			continue
		}
		if revokeItem(item, reason, clientID, at) {
			revoked++
		}
	}
	return revoked, nil
}

func revokeItem(item *expiringItem[models.RefreshToken], reason, clientID string, at time.Time) bool {
	if item.Data.RevokedAt != nil || at.After(item.Data.ExpiresAt) {
		return false
	}
	if clientID != "" && item.Data.ClientID != clientID {
		return false
	}
	revokedAt := at
	item.Data.RevokedAt = &revokedAt
	item.Data.RevokeReason = reason
	return true
}

// SaveConsent inserts or replaces a consent record.
func (m *MemoryStore) SaveConsent(_ context.Context, consent *models.Consent) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.consents[consentKey(consent.UserID, consent.ClientID)] = *consent
	return nil
}

// GrantConsent merges scope into the consent under the store lock.
func (m *MemoryStore) GrantConsent(
	_ context.Context,
	userID, clientID string,
	scope models.ScopeSet,
	at time.Time,
) (*models.Consent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	key := consentKey(userID, clientID)
	var current *models.Consent
	if existing, exists := m.consents[key]; exists {
		current = &existing
	}
	granted := current.WithGrant(userID, clientID, scope, at)
	m.consents[key] = *granted

	out := *granted
	return &out, nil
}

// GetConsent retrieves a consent record, or models.ErrNotFound.
func (m *MemoryStore) GetConsent(_ context.Context, userID, clientID string) (*models.Consent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	consent, exists := m.consents[consentKey(userID, clientID)]
	if !exists {
		return nil, models.ErrNotFound
	}
	return &consent, nil
}

// RevokeConsent marks a consent revoked.
func (m *MemoryStore) RevokeConsent(_ context.Context, userID, clientID string, at time.Time) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	key := consentKey(userID, clientID)
	consent, exists := m.consents[key]
	if !exists || consent.RevokedAt != nil {
		return false, nil
	}
	revokedAt := at
	consent.RevokedAt = &revokedAt
	m.consents[key] = consent
	return true, nil
}

// SaveSession stores a session until it expires.
func (m *MemoryStore) SaveSession(_ context.Context, session *models.Session) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, err := ttlUntil(session.ExpiresAt, m.now()); err != nil {
		return err
	}

	m.sessions[session.ID] = &expiringItem[models.Session]{Data: *session, ExpiresAt: session.ExpiresAt}
	m.logger.WithField("session_id", session.ID).Debug("Session stored in memory")
	return nil
}

// GetSession retrieves a session, or models.ErrNotFound.
func (m *MemoryStore) GetSession(_ context.Context, sessionID string) (*models.Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	item, exists := m.sessions[sessionID]
	if !exists || item.expiredAt(m.now()) {
		return nil, models.ErrNotFound
	}
	out := item.Data
	return &out, nil
}

// DeleteSession removes a session from memory.
func (m *MemoryStore) DeleteSession(_ context.Context, sessionID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	delete(m.sessions, sessionID)
	m.logger.WithField("session_id", sessionID).Debug("Session deleted from memory")
	return nil
}

// DeleteUserSessions removes every live session of a user.
func (m *MemoryStore) DeleteUserSessions(_ context.Context, userID string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	deleted := 0
	for id, item := range m.sessions {
		if item.Data.UserID != userID {
			continue
		}
		if !item.expiredAt(now) {
			deleted++
		}
		delete(m.sessions, id)
	}
	return deleted, nil
}
