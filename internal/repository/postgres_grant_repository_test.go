package repository_test

import (
	"context"
	"regexp"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	pgxmock "github.com/pashagolub/pgxmock/v3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jsamuelsen11/recipe-web-app/authz-server/internal/models"
	"github.com/jsamuelsen11/recipe-web-app/authz-server/internal/repository"
)

var _ repository.GrantStore = (*repository.PostgresGrantRepository)(nil)

var codeColumns = []string{
	"code", "client_id", "user_id", "redirect_uri", "scope", "code_challenge", "code_challenge_method",
	"nonce", "issued_at", "expires_at", "used_at",
}

func newGrantRepo(t *testing.T) (*repository.PostgresGrantRepository, pgxmock.PgxPoolIface) {
	t.Helper()
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	t.Cleanup(mock.Close)
	repo := repository.NewPostgresGrantRepository(func() repository.PgxPool { return mock })
	return repo, mock
}

func q(fragment string) string {
	return regexp.QuoteMeta(fragment)
}

func TestPostgresGrantRepository_Unavailable(t *testing.T) {
	repo := repository.NewPostgresGrantRepository(func() repository.PgxPool { return nil })
	ctx := context.Background()

	_, err := repo.ConsumeAuthorizationCode(ctx, "c1", time.Now())
	require.ErrorIs(t, err, repository.ErrDatabaseUnavailable)
	require.ErrorIs(t, repo.Ping(ctx), repository.ErrDatabaseUnavailable)
}

func TestPostgresGrantRepository_ConsumeAuthorizationCode(t *testing.T) {
	issued := time.Now().Add(-time.Minute).UTC()
	expires := issued.Add(10 * time.Minute)
	usedAt := issued.Add(time.Minute)
	earlier := issued.Add(30 * time.Second)

	codeRow := func(used *time.Time) *pgxmock.Rows {
		return pgxmock.NewRows(codeColumns).AddRow(
			"c1", "client-1", "user-1", "https://app.example.com/cb", "openid profile",
			"challenge", models.CodeChallengeMethodS256, "n-1", issued, expires, used,
		)
	}

	tests := []struct {
		name    string
		setup   func(mock pgxmock.PgxPoolIface)
		at      time.Time
		wantErr error
		wantRec bool
	}{
		{
			name: "first_use_succeeds",
			setup: func(mock pgxmock.PgxPoolIface) {
				mock.ExpectBegin()
				mock.ExpectQuery(q("FROM authorization_codes WHERE code = $1 FOR UPDATE")).
					WithArgs("c1").
					WillReturnRows(codeRow(nil))
				mock.ExpectExec(q("UPDATE authorization_codes SET used_at = $2 WHERE code = $1 AND used_at IS NULL")).
					WithArgs("c1", usedAt).
					WillReturnResult(pgxmock.NewResult("UPDATE", 1))
				mock.ExpectCommit()
			},
			at:      usedAt,
			wantRec: true,
		},
		{
			name: "unknown_code",
			setup: func(mock pgxmock.PgxPoolIface) {
				mock.ExpectBegin()
				mock.ExpectQuery(q("FROM authorization_codes WHERE code = $1 FOR UPDATE")).
					WithArgs("c1").
					WillReturnError(pgx.ErrNoRows)
				mock.ExpectRollback()
			},
			at:      usedAt,
			wantErr: models.ErrNotFound,
		},
		{
			name: "already_used_returns_record",
			setup: func(mock pgxmock.PgxPoolIface) {
				mock.ExpectBegin()
				mock.ExpectQuery(q("FROM authorization_codes WHERE code = $1 FOR UPDATE")).
					WithArgs("c1").
					WillReturnRows(codeRow(&earlier))
				mock.ExpectRollback()
			},
			at:      usedAt,
			wantErr: models.ErrAlreadyConsumed,
			wantRec: true,
		},
		{
			name: "expired",
			setup: func(mock pgxmock.PgxPoolIface) {
				mock.ExpectBegin()
				mock.ExpectQuery(q("FROM authorization_codes WHERE code = $1 FOR UPDATE")).
					WithArgs("c1").
					WillReturnRows(codeRow(nil))
				mock.ExpectRollback()
			},
			at:      expires.Add(time.Second),
			wantErr: models.ErrExpired,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			repo, mock := newGrantRepo(t)
			tt.setup(mock)

			rec, err := repo.ConsumeAuthorizationCode(context.Background(), "c1", tt.at)
			if tt.wantErr != nil {
				require.ErrorIs(t, err, tt.wantErr)
			} else {
				require.NoError(t, err)
			}
			if tt.wantRec {
				require.NotNil(t, rec)
				assert.Equal(t, "client-1", rec.ClientID)
				assert.True(t, rec.Scope.Has("profile"))
				assert.NotNil(t, rec.UsedAt)
			} else {
				assert.Nil(t, rec)
			}
			require.NoError(t, mock.ExpectationsWereMet())
		})
	}
}

func TestPostgresGrantRepository_RotateRefreshToken(t *testing.T) {
	at := time.Now().UTC()
	child := &models.RefreshToken{
		TokenHash:       "child",
		ClientID:        "client-1",
		UserID:          "user-1",
		Scope:           models.ParseScope("openid offline_access"),
		AccessTokenJTI:  "jti-2",
		ParentTokenHash: "parent",
		IssuedAt:        at,
		ExpiresAt:       at.Add(time.Hour),
	}
	revoked := at.Add(-time.Minute)

	t.Run("rotates_active_parent", func(t *testing.T) {
		repo, mock := newGrantRepo(t)
		mock.ExpectBegin()
		mock.ExpectQuery(q("SELECT revoked_at, expires_at FROM refresh_tokens WHERE token_hash = $1 FOR UPDATE")).
			WithArgs("parent").
			WillReturnRows(pgxmock.NewRows([]string{"revoked_at", "expires_at"}).AddRow(nil, at.Add(time.Hour)))
		mock.ExpectExec(q("UPDATE refresh_tokens SET revoked_at = $2, revoke_reason = $3")).
			WithArgs("parent", at, models.RevokeReasonRotated).
			WillReturnResult(pgxmock.NewResult("UPDATE", 1))
		mock.ExpectExec(q("INSERT INTO refresh_tokens")).
			WithArgs(
				"child", "client-1", "user-1", "offline_access openid", "jti-2", "parent",
				at, at.Add(time.Hour), pgxmock.AnyArg(), "", pgxmock.AnyArg(),
			).
			WillReturnResult(pgxmock.NewResult("INSERT", 1))
		mock.ExpectCommit()

		require.NoError(t, repo.RotateRefreshToken(context.Background(), "parent", child, at))
		require.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("revoked_parent_has_no_side_effects", func(t *testing.T) {
		repo, mock := newGrantRepo(t)
		mock.ExpectBegin()
		mock.ExpectQuery(q("SELECT revoked_at, expires_at FROM refresh_tokens WHERE token_hash = $1 FOR UPDATE")).
			WithArgs("parent").
			WillReturnRows(pgxmock.NewRows([]string{"revoked_at", "expires_at"}).AddRow(&revoked, at.Add(time.Hour)))
		mock.ExpectRollback()

		err := repo.RotateRefreshToken(context.Background(), "parent", child, at)
		require.ErrorIs(t, err, models.ErrAlreadyConsumed)
		require.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("unknown_parent", func(t *testing.T) {
		repo, mock := newGrantRepo(t)
		mock.ExpectBegin()
		mock.ExpectQuery(q("FROM refresh_tokens WHERE token_hash = $1 FOR UPDATE")).
			WithArgs("parent").
			WillReturnError(pgx.ErrNoRows)
		mock.ExpectRollback()

		err := repo.RotateRefreshToken(context.Background(), "parent", child, at)
		require.ErrorIs(t, err, models.ErrNotFound)
		require.NoError(t, mock.ExpectationsWereMet())
	})
}

func TestPostgresGrantRepository_RevokeRefreshToken(t *testing.T) {
	at := time.Now().UTC()

	tests := []struct {
		name     string
		affected int64
		want     bool
	}{
		{name: "active_token_revoked", affected: 1, want: true},
		{name: "already_revoked", affected: 0, want: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			repo, mock := newGrantRepo(t)
			mock.ExpectExec(q("UPDATE refresh_tokens SET revoked_at = $2, revoke_reason = $3 WHERE token_hash = $1")).
				WithArgs("h1", at, models.RevokeReasonClientRequest).
				WillReturnResult(pgxmock.NewResult("UPDATE", tt.affected))

			got, err := repo.RevokeRefreshToken(context.Background(), "h1", models.RevokeReasonClientRequest, at)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
			require.NoError(t, mock.ExpectationsWereMet())
		})
	}
}

func TestPostgresGrantRepository_RevokeUserRefreshTokens(t *testing.T) {
	repo, mock := newGrantRepo(t)
	at := time.Now().UTC()

	mock.ExpectExec(q("WHERE user_id = $1 AND revoked_at IS NULL")).
		WithArgs("user-1", at, models.RevokeReasonAdmin, "client-1").
		WillReturnResult(pgxmock.NewResult("UPDATE", 3))

	n, err := repo.RevokeUserRefreshTokens(context.Background(), "user-1", "client-1", models.RevokeReasonAdmin, at)
	require.NoError(t, err)
	assert.Equal(t, 3, n)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresGrantRepository_GetRefreshTokenNotFound(t *testing.T) {
	repo, mock := newGrantRepo(t)

	mock.ExpectQuery(q("FROM refresh_tokens WHERE access_token_jti = $1 AND expires_at > $2")).
		WithArgs("jti-1", pgxmock.AnyArg()).
		WillReturnError(pgx.ErrNoRows)

	_, err := repo.GetRefreshTokenByAccessJTI(context.Background(), "jti-1")
	require.ErrorIs(t, err, models.ErrNotFound)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresGrantRepository_Consent(t *testing.T) {
	repo, mock := newGrantRepo(t)
	ctx := context.Background()
	granted := time.Now().UTC()

	mock.ExpectExec(q("ON CONFLICT (user_id, client_id) DO UPDATE")).
		WithArgs("user-1", "client-1", "email openid", granted, pgxmock.AnyArg()).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectQuery(q("SELECT user_id, client_id, scope, granted_at, revoked_at FROM consents")).
		WithArgs("user-1", "client-1").
		WillReturnRows(pgxmock.NewRows([]string{"user_id", "client_id", "scope", "granted_at", "revoked_at"}).
			AddRow("user-1", "client-1", "email openid", granted, nil))
	mock.ExpectExec(q("UPDATE consents SET revoked_at = $3")).
		WithArgs("user-1", "client-1", granted).
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))

	require.NoError(t, repo.SaveConsent(ctx, &models.Consent{
		UserID:    "user-1",
		ClientID:  "client-1",
		Scope:     models.ParseScope("openid email"),
		GrantedAt: granted,
	}))

	consent, err := repo.GetConsent(ctx, "user-1", "client-1")
	require.NoError(t, err)
	assert.True(t, consent.Covers(models.ParseScope("openid")))

	revoked, err := repo.RevokeConsent(ctx, "user-1", "client-1", granted)
	require.NoError(t, err)
	assert.True(t, revoked)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresGrantRepository_GrantConsent(t *testing.T) {
	repo, mock := newGrantRepo(t)
	at := time.Now().UTC()

	mock.ExpectQuery(q("ON CONFLICT (user_id, client_id) DO UPDATE SET scope = CASE WHEN consents.revoked_at IS NULL")).
		WithArgs("user-1", "client-1", "profile", at).
		WillReturnRows(pgxmock.NewRows([]string{"scope", "granted_at"}).AddRow("email openid profile", at))

	consent, err := repo.GrantConsent(context.Background(), "user-1", "client-1", models.ParseScope("profile"), at)
	require.NoError(t, err)
	assert.Equal(t, "user-1", consent.UserID)
	assert.Equal(t, "client-1", consent.ClientID)
	assert.True(t, consent.Covers(models.ParseScope("openid email profile")))
	assert.Equal(t, at, consent.GrantedAt)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresGrantRepository_Sweep(t *testing.T) {
	repo, mock := newGrantRepo(t)
	now := time.Now().UTC()

	mock.ExpectExec(q("DELETE FROM authorization_codes WHERE expires_at <= $1")).
		WithArgs(now).WillReturnResult(pgxmock.NewResult("DELETE", 2))
	mock.ExpectExec(q("DELETE FROM refresh_tokens WHERE expires_at <= $1")).
		WithArgs(now).WillReturnResult(pgxmock.NewResult("DELETE", 1))
	mock.ExpectExec(q("DELETE FROM sessions WHERE expires_at <= $1")).
		WithArgs(now).WillReturnResult(pgxmock.NewResult("DELETE", 0))

	removed, err := repo.Sweep(context.Background(), now)
	require.NoError(t, err)
	assert.Equal(t, int64(3), removed)
	require.NoError(t, mock.ExpectationsWereMet())
}
