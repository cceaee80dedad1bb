package redis_test

import (
	"context"
	"io"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jsamuelsen11/recipe-web-app/authz-server/internal/models"
	"github.com/jsamuelsen11/recipe-web-app/authz-server/internal/redis"
	"github.com/jsamuelsen11/recipe-web-app/authz-server/internal/repository"
)

var (
	_ repository.GrantStore  = (*redis.MemoryStore)(nil)
	_ repository.ClientStore = (*redis.MemoryStore)(nil)
	_ repository.GrantStore  = (*redis.Client)(nil)
	_ repository.ClientStore = (*redis.Client)(nil)
)

func newMemoryStore(t *testing.T) *redis.MemoryStore {
	t.Helper()
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	store := redis.NewMemoryStore(logger)
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func newCode(code string, expiresIn time.Duration) *models.AuthorizationCode {
	now := time.Now()
	return &models.AuthorizationCode{
		Code:        code,
		ClientID:    "client-1",
		UserID:      "user-1",
		RedirectURI: "https://app.example.com/cb",
		Scope:       models.ParseScope("openid profile"),
		IssuedAt:    now,
		ExpiresAt:   now.Add(expiresIn),
	}
}

func newRefresh(hash, userID, clientID, jti string) *models.RefreshToken {
	now := time.Now()
	return &models.RefreshToken{
		TokenHash:      hash,
		ClientID:       clientID,
		UserID:         userID,
		Scope:          models.ParseScope("openid offline_access"),
		AccessTokenJTI: jti,
		IssuedAt:       now,
		ExpiresAt:      now.Add(time.Hour),
	}
}

func TestMemoryStoreClients(t *testing.T) {
	ctx := context.Background()
	store := newMemoryStore(t)

	_, err := store.GetClient(ctx, "missing")
	require.ErrorIs(t, err, models.ErrClientNotFound)

	require.NoError(t, store.StoreClient(ctx, &models.Client{ID: "b", Name: "B"}))
	require.NoError(t, store.StoreClient(ctx, &models.Client{ID: "a", Name: "A"}))

	got, err := store.GetClient(ctx, "a")
	require.NoError(t, err)
	assert.Equal(t, "A", got.Name)

	got.Name = "mutated"
	again, err := store.GetClient(ctx, "a")
	require.NoError(t, err)
	assert.Equal(t, "A", again.Name)

	clients, err := store.ListClients(ctx)
	require.NoError(t, err)
	require.Len(t, clients, 2)
	assert.Equal(t, "a", clients[0].ID)

	require.NoError(t, store.DeleteClient(ctx, "a"))
	_, err = store.GetClient(ctx, "a")
	assert.ErrorIs(t, err, models.ErrClientNotFound)
}

func TestMemoryStoreConsumeAuthorizationCode(t *testing.T) {
	ctx := context.Background()

	tests := []struct {
		name    string
		setup   func(t *testing.T, store *redis.MemoryStore)
		code    string
		wantErr error
	}{
		{
			name: "first_use_succeeds",
			setup: func(t *testing.T, store *redis.MemoryStore) {
				require.NoError(t, store.SaveAuthorizationCode(ctx, newCode("c1", time.Minute)))
			},
			code: "c1",
		},
		{
			name:    "unknown_code",
			setup:   func(*testing.T, *redis.MemoryStore) {},
			code:    "nope",
			wantErr: models.ErrNotFound,
		},
		{
			name: "second_use_fails",
			setup: func(t *testing.T, store *redis.MemoryStore) {
				require.NoError(t, store.SaveAuthorizationCode(ctx, newCode("c2", time.Minute)))
				_, err := store.ConsumeAuthorizationCode(ctx, "c2", time.Now())
				require.NoError(t, err)
			},
			code:    "c2",
			wantErr: models.ErrAlreadyConsumed,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			store := newMemoryStore(t)
			tt.setup(t, store)

			got, err := store.ConsumeAuthorizationCode(ctx, tt.code, time.Now())
			if tt.wantErr != nil {
				require.ErrorIs(t, err, tt.wantErr)
				return
			}
			require.NoError(t, err)
			require.NotNil(t, got.UsedAt)
			assert.Equal(t, "client-1", got.ClientID)
		})
	}
}

func TestMemoryStoreConsumeExpiredCode(t *testing.T) {
	ctx := context.Background()
	store := newMemoryStore(t)
	code := newCode("c3", time.Minute)
	require.NoError(t, store.SaveAuthorizationCode(ctx, code))

	_, err := store.ConsumeAuthorizationCode(ctx, "c3", code.ExpiresAt.Add(time.Second))
	assert.ErrorIs(t, err, models.ErrExpired)
}

func TestMemoryStoreSaveExpiredCodeRejected(t *testing.T) {
	store := newMemoryStore(t)
	err := store.SaveAuthorizationCode(context.Background(), newCode("old", -time.Second))
	assert.ErrorIs(t, err, models.ErrExpired)
}

func TestMemoryStoreConsumeIsSingleWinner(t *testing.T) {
	ctx := context.Background()
	store := newMemoryStore(t)
	require.NoError(t, store.SaveAuthorizationCode(ctx, newCode("race", time.Minute)))

	const workers = 50
	var wins, losses atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := store.ConsumeAuthorizationCode(ctx, "race", time.Now())
			if err == nil {
				wins.Add(1)
				return
			}
			if assert.ErrorIs(t, err, models.ErrAlreadyConsumed) {
				losses.Add(1)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), wins.Load())
	assert.Equal(t, int32(workers-1), losses.Load())
}

func TestMemoryStoreRotateRefreshToken(t *testing.T) {
	ctx := context.Background()
	store := newMemoryStore(t)
	parent := newRefresh("parent", "user-1", "client-1", "jti-1")
	require.NoError(t, store.SaveRefreshToken(ctx, parent))

	child := newRefresh("child", "user-1", "client-1", "jti-2")
	child.ParentTokenHash = "parent"
	require.NoError(t, store.RotateRefreshToken(ctx, "parent", child, time.Now()))

	old, err := store.GetRefreshToken(ctx, "parent")
	require.NoError(t, err)
	assert.True(t, old.IsRevoked())
	assert.Equal(t, models.RevokeReasonRotated, old.RevokeReason)

	linked, err := store.GetRefreshTokenByAccessJTI(ctx, "jti-2")
	require.NoError(t, err)
	assert.Equal(t, "child", linked.TokenHash)
	assert.Equal(t, "parent", linked.ParentTokenHash)

	err = store.RotateRefreshToken(ctx, "parent", newRefresh("other", "user-1", "client-1", "jti-3"), time.Now())
	require.ErrorIs(t, err, models.ErrAlreadyConsumed)
	_, err = store.GetRefreshToken(ctx, "other")
	assert.ErrorIs(t, err, models.ErrNotFound)

	err = store.RotateRefreshToken(ctx, "missing", newRefresh("x", "user-1", "client-1", "jti-4"), time.Now())
	assert.ErrorIs(t, err, models.ErrNotFound)
}

func TestMemoryStoreRevokeRefreshTokens(t *testing.T) {
	ctx := context.Background()
	store := newMemoryStore(t)
	require.NoError(t, store.SaveRefreshToken(ctx, newRefresh("h1", "user-1", "client-1", "j1")))
	require.NoError(t, store.SaveRefreshToken(ctx, newRefresh("h2", "user-1", "client-2", "j2")))
	require.NoError(t, store.SaveRefreshToken(ctx, newRefresh("h3", "user-1", "client-1", "j3")))
	require.NoError(t, store.SaveRefreshToken(ctx, newRefresh("h4", "user-2", "client-1", "j4")))

	ok, err := store.RevokeRefreshToken(ctx, "h3", models.RevokeReasonClientRequest, time.Now())
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = store.RevokeRefreshToken(ctx, "h3", models.RevokeReasonClientRequest, time.Now())
	require.NoError(t, err)
	assert.False(t, ok)

	count, err := store.RevokeUserRefreshTokens(ctx, "user-1", "client-1", models.RevokeReasonAdmin, time.Now())
	require.NoError(t, err)
	assert.Equal(t, 1, count)

	count, err = store.RevokeUserRefreshTokens(ctx, "user-1", "", models.RevokeReasonAdmin, time.Now())
	require.NoError(t, err)
	assert.Equal(t, 1, count)

	other, err := store.GetRefreshToken(ctx, "h4")
	require.NoError(t, err)
	assert.False(t, other.IsRevoked())
}

func TestMemoryStoreTouchRefreshToken(t *testing.T) {
	ctx := context.Background()
	store := newMemoryStore(t)
	require.NoError(t, store.SaveRefreshToken(ctx, newRefresh("h1", "user-1", "client-1", "j1")))

	require.NoError(t, store.TouchRefreshToken(ctx, "h1", time.Now()))
	got, err := store.GetRefreshToken(ctx, "h1")
	require.NoError(t, err)
	assert.NotNil(t, got.LastUsedAt)

	assert.ErrorIs(t, store.TouchRefreshToken(ctx, "missing", time.Now()), models.ErrNotFound)
}

func TestMemoryStoreConsent(t *testing.T) {
	ctx := context.Background()
	store := newMemoryStore(t)

	_, err := store.GetConsent(ctx, "user-1", "client-1")
	require.ErrorIs(t, err, models.ErrNotFound)

	require.NoError(t, store.SaveConsent(ctx, &models.Consent{
		UserID:    "user-1",
		ClientID:  "client-1",
		Scope:     models.ParseScope("openid email"),
		GrantedAt: time.Now(),
	}))

	consent, err := store.GetConsent(ctx, "user-1", "client-1")
	require.NoError(t, err)
	assert.True(t, consent.Covers(models.ParseScope("email")))

	revoked, err := store.RevokeConsent(ctx, "user-1", "client-1", time.Now())
	require.NoError(t, err)
	assert.True(t, revoked)

	revoked, err = store.RevokeConsent(ctx, "user-1", "client-1", time.Now())
	require.NoError(t, err)
	assert.False(t, revoked)

	consent, err = store.GetConsent(ctx, "user-1", "client-1")
	require.NoError(t, err)
	assert.False(t, consent.Covers(models.ParseScope("email")))
}

func TestMemoryStoreGrantConsent(t *testing.T) {
	ctx := context.Background()
	store := newMemoryStore(t)
	at := time.Now()

	granted, err := store.GrantConsent(ctx, "user-1", "client-1", models.ParseScope("openid"), at)
	require.NoError(t, err)
	assert.Equal(t, "openid", granted.Scope.String())

	granted, err = store.GrantConsent(ctx, "user-1", "client-1", models.ParseScope("email"), at)
	require.NoError(t, err)
	assert.Equal(t, "email openid", granted.Scope.String())

	_, err = store.RevokeConsent(ctx, "user-1", "client-1", at)
	require.NoError(t, err)

	// A revoked consent starts over.
	granted, err = store.GrantConsent(ctx, "user-1", "client-1", models.ParseScope("profile"), at)
	require.NoError(t, err)
	assert.Equal(t, "profile", granted.Scope.String())
	assert.Nil(t, granted.RevokedAt)

	var wg sync.WaitGroup
	for _, scope := range []string{"a", "b", "c", "d", "e", "f", "g", "h"} {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, grantErr := store.GrantConsent(ctx, "user-1", "client-1", models.NewScopeSet(scope), at)
			assert.NoError(t, grantErr)
		}()
	}
	wg.Wait()

	consent, err := store.GetConsent(ctx, "user-1", "client-1")
	require.NoError(t, err)
	assert.Equal(t, "a b c d e f g h profile", consent.Scope.String())
}

func TestMemoryStoreSessions(t *testing.T) {
	ctx := context.Background()
	store := newMemoryStore(t)
	expires := time.Now().Add(time.Hour)

	require.NoError(t, store.SaveSession(ctx, &models.Session{ID: "s1", UserID: "user-1", ExpiresAt: expires}))
	require.NoError(t, store.SaveSession(ctx, &models.Session{ID: "s2", UserID: "user-1", ExpiresAt: expires}))
	require.NoError(t, store.SaveSession(ctx, &models.Session{ID: "s3", UserID: "user-2", ExpiresAt: expires}))

	got, err := store.GetSession(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, "user-1", got.UserID)

	require.NoError(t, store.DeleteSession(ctx, "s1"))
	_, err = store.GetSession(ctx, "s1")
	require.ErrorIs(t, err, models.ErrNotFound)

	n, err := store.DeleteUserSessions(ctx, "user-1")
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	_, err = store.GetSession(ctx, "s3")
	assert.NoError(t, err)
}

func TestMemoryStoreCloseIsIdempotent(t *testing.T) {
	store := newMemoryStore(t)
	require.NoError(t, store.Close())
	require.NoError(t, store.Close())
}
