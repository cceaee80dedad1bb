package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/sirupsen/logrus"

	"github.com/jsamuelsen11/recipe-web-app/authz-server/internal/models"
)

const (
	codeColumns = `code, client_id, user_id, redirect_uri, scope, code_challenge, code_challenge_method, ` +
		`nonce, issued_at, expires_at, used_at`
	refreshColumns = `token_hash, client_id, user_id, scope, access_token_jti, parent_token_hash, ` +
		`issued_at, expires_at, revoked_at, revoke_reason, last_used_at`
)

// PostgresGrantRepository stores codes, refresh tokens, consents and sessions
// in PostgreSQL. Conditional updates run in a transaction that locks the row
// with SELECT ... FOR UPDATE before writing.
type PostgresGrantRepository struct {
	getPool PoolGetter
	now     func() time.Time
}

// NewPostgresGrantRepository creates a grant repository over the pool returned
// by poolGetter.
func NewPostgresGrantRepository(poolGetter PoolGetter) *PostgresGrantRepository {
	return &PostgresGrantRepository{getPool: poolGetter, now: time.Now}
}

func (r *PostgresGrantRepository) pool() (PgxPool, error) {
	pool := r.getPool()
	if pool == nil {
		return nil, ErrDatabaseUnavailable
	}
	return pool, nil
}

// Ping reports whether the database is reachable.
func (r *PostgresGrantRepository) Ping(ctx context.Context) error {
	pool, err := r.pool()
	if err != nil {
		return err
	}
	return pool.Ping(ctx)
}

// SaveAuthorizationCode inserts a new authorization code.
func (r *PostgresGrantRepository) SaveAuthorizationCode(ctx context.Context, code *models.AuthorizationCode) error {
	pool, err := r.pool()
	if err != nil {
		return err
	}

	const query = `INSERT INTO authorization_codes (` + codeColumns + `) ` +
		`VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`

	_, err = pool.Exec(ctx, query,
		code.Code,
		code.ClientID,
		code.UserID,
		code.RedirectURI,
		code.Scope.String(),
		code.CodeChallenge,
		code.CodeChallengeMethod,
		code.Nonce,
		code.IssuedAt,
		code.ExpiresAt,
		code.UsedAt,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return models.ErrAlreadyExists
		}
		return fmt.Errorf("failed to store authorization code: %w", err)
	}
	return nil
}

// GetAuthorizationCode returns an unexpired code, or models.ErrNotFound.
func (r *PostgresGrantRepository) GetAuthorizationCode(
	ctx context.Context,
	code string,
) (*models.AuthorizationCode, error) {
	pool, err := r.pool()
	if err != nil {
		return nil, err
	}

	const query = `SELECT ` + codeColumns + ` FROM authorization_codes WHERE code = $1 AND expires_at > $2`

	rec, err := scanCode(pool.QueryRow(ctx, query, code, r.now()))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, models.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get authorization code: %w", err)
	}
	return rec, nil
}

// ConsumeAuthorizationCode locks the code row and sets used_at if it is unset
// and the code has not expired.
func (r *PostgresGrantRepository) ConsumeAuthorizationCode(
	ctx context.Context,
	code string,
	usedAt time.Time,
) (*models.AuthorizationCode, error) {
	pool, err := r.pool()
	if err != nil {
		return nil, err
	}

	const sel = `SELECT ` + codeColumns + ` FROM authorization_codes WHERE code = $1 FOR UPDATE`
	const upd = `UPDATE authorization_codes SET used_at = $2 WHERE code = $1 AND used_at IS NULL`

	var rec *models.AuthorizationCode
	err = withTx(ctx, pool, func(tx pgx.Tx) error {
		var scanErr error
		rec, scanErr = scanCode(tx.QueryRow(ctx, sel, code))
		switch {
		case errors.Is(scanErr, pgx.ErrNoRows):
			return models.ErrNotFound
		case scanErr != nil:
			return fmt.Errorf("failed to lock authorization code: %w", scanErr)
		case rec.UsedAt != nil:
			return models.ErrAlreadyConsumed
		case usedAt.After(rec.ExpiresAt):
			return models.ErrExpired
		}

		tag, execErr := tx.Exec(ctx, upd, code, usedAt)
		if execErr != nil {
			return fmt.Errorf("failed to mark authorization code used: %w", execErr)
		}
		if tag.RowsAffected() == 0 {
			return models.ErrAlreadyConsumed
		}
		rec.UsedAt = &usedAt
		return nil
	})

	switch {
	case err == nil:
		return rec, nil
	case errors.Is(err, models.ErrAlreadyConsumed):
		return rec, err
	default:
		return nil, err
	}
}

func scanCode(row pgx.Row) (*models.AuthorizationCode, error) {
	var code models.AuthorizationCode
	var scope string
	if err := row.Scan(
		&code.Code,
		&code.ClientID,
		&code.UserID,
		&code.RedirectURI,
		&scope,
		&code.CodeChallenge,
		&code.CodeChallengeMethod,
		&code.Nonce,
		&code.IssuedAt,
		&code.ExpiresAt,
		&code.UsedAt,
	); err != nil {
		return nil, err
	}
	code.Scope = models.ParseScope(scope)
	return &code, nil
}

// SaveRefreshToken inserts a new refresh token record.
func (r *PostgresGrantRepository) SaveRefreshToken(ctx context.Context, token *models.RefreshToken) error {
	pool, err := r.pool()
	if err != nil {
		return err
	}

	if _, err = pool.Exec(ctx, insertRefreshQuery, refreshArgs(token)...); err != nil {
		if isUniqueViolation(err) {
			return models.ErrAlreadyExists
		}
		return fmt.Errorf("failed to store refresh token: %w", err)
	}
	return nil
}

const insertRefreshQuery = `INSERT INTO refresh_tokens (` + refreshColumns + `) ` +
	`VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`

func refreshArgs(token *models.RefreshToken) []any {
	return []any{
		token.TokenHash,
		token.ClientID,
		token.UserID,
		token.Scope.String(),
		token.AccessTokenJTI,
		token.ParentTokenHash,
		token.IssuedAt,
		token.ExpiresAt,
		token.RevokedAt,
		token.RevokeReason,
		token.LastUsedAt,
	}
}

// GetRefreshToken returns an unexpired refresh token record, or models.ErrNotFound.
func (r *PostgresGrantRepository) GetRefreshToken(ctx context.Context, tokenHash string) (*models.RefreshToken, error) {
	const query = `SELECT ` + refreshColumns + ` FROM refresh_tokens WHERE token_hash = $1 AND expires_at > $2`
	return r.queryRefresh(ctx, query, tokenHash)
}

// GetRefreshTokenByAccessJTI finds the refresh token minted with an access token.
func (r *PostgresGrantRepository) GetRefreshTokenByAccessJTI(
	ctx context.Context,
	jti string,
) (*models.RefreshToken, error) {
	const query = `SELECT ` + refreshColumns + ` FROM refresh_tokens WHERE access_token_jti = $1 AND expires_at > $2`
	return r.queryRefresh(ctx, query, jti)
}

func (r *PostgresGrantRepository) queryRefresh(ctx context.Context, query, key string) (*models.RefreshToken, error) {
	pool, err := r.pool()
	if err != nil {
		return nil, err
	}

	token, err := scanRefresh(pool.QueryRow(ctx, query, key, r.now()))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, models.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get refresh token: %w", err)
	}
	return token, nil
}

func scanRefresh(row pgx.Row) (*models.RefreshToken, error) {
	var token models.RefreshToken
	var scope string
	if err := row.Scan(
		&token.TokenHash,
		&token.ClientID,
		&token.UserID,
		&scope,
		&token.AccessTokenJTI,
		&token.ParentTokenHash,
		&token.IssuedAt,
		&token.ExpiresAt,
		&token.RevokedAt,
		&token.RevokeReason,
		&token.LastUsedAt,
	); err != nil {
		return nil, err
	}
	token.Scope = models.ParseScope(scope)
	return &token, nil
}

// TouchRefreshToken records the last use of a refresh token.
func (r *PostgresGrantRepository) TouchRefreshToken(ctx context.Context, tokenHash string, usedAt time.Time) error {
	pool, err := r.pool()
	if err != nil {
		return err
	}

	tag, err := pool.Exec(ctx, `UPDATE refresh_tokens SET last_used_at = $2 WHERE token_hash = $1`, tokenHash, usedAt)
	if err != nil {
		return fmt.Errorf("failed to touch refresh token: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return models.ErrNotFound
	}
	return nil
}

// RotateRefreshToken locks the parent row, revokes it and inserts the child in
// one transaction.
func (r *PostgresGrantRepository) RotateRefreshToken(
	ctx context.Context,
	oldHash string,
	child *models.RefreshToken,
	at time.Time,
) error {
	pool, err := r.pool()
	if err != nil {
		return err
	}

	const sel = `SELECT revoked_at, expires_at FROM refresh_tokens WHERE token_hash = $1 FOR UPDATE`
	const upd = `UPDATE refresh_tokens SET revoked_at = $2, revoke_reason = $3 ` +
		`WHERE token_hash = $1 AND revoked_at IS NULL`

	return withTx(ctx, pool, func(tx pgx.Tx) error {
		var revokedAt *time.Time
		var expiresAt time.Time
		scanErr := tx.QueryRow(ctx, sel, oldHash).Scan(&revokedAt, &expiresAt)
		switch {
		case errors.Is(scanErr, pgx.ErrNoRows):
			return models.ErrNotFound
		case scanErr != nil:
			return fmt.Errorf("failed to lock refresh token: %w", scanErr)
		case revokedAt != nil:
			return models.ErrAlreadyConsumed
		case at.After(expiresAt):
			return models.ErrExpired
		}

		if _, execErr := tx.Exec(ctx, upd, oldHash, at, models.RevokeReasonRotated); execErr != nil {
			return fmt.Errorf("failed to revoke rotated refresh token: %w", execErr)
		}
		if _, execErr := tx.Exec(ctx, insertRefreshQuery, refreshArgs(child)...); execErr != nil {
			return fmt.Errorf("failed to store rotated refresh token: %w", execErr)
		}
		return nil
	})
}

// RevokeRefreshToken revokes an active refresh token.
func (r *PostgresGrantRepository) RevokeRefreshToken(
	ctx context.Context,
	tokenHash, reason string,
	at time.Time,
) (bool, error) {
	pool, err := r.pool()
	if err != nil {
		return false, err
	}

	const query = `UPDATE refresh_tokens SET revoked_at = $2, revoke_reason = $3 ` +
		`WHERE token_hash = $1 AND revoked_at IS NULL AND expires_at > $2`

	tag, err := pool.Exec(ctx, query, tokenHash, at, reason)
	if err != nil {
		return false, fmt.Errorf("failed to revoke refresh token: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

// RevokeUserRefreshTokens revokes a user's active refresh tokens, limited to
// clientID when it is non-empty.
func (r *PostgresGrantRepository) RevokeUserRefreshTokens(
	ctx context.Context,
	userID, clientID, reason string,
	at time.Time,
) (int, error) {
	pool, err := r.pool()
	if err != nil {
		return 0, err
	}

	const query = `UPDATE refresh_tokens SET revoked_at = $2, revoke_reason = $3 ` +
		`WHERE user_id = $1 AND revoked_at IS NULL AND expires_at > $2 AND ($4 = '' OR client_id = $4)`

	tag, err := pool.Exec(ctx, query, userID, at, reason, clientID)
	if err != nil {
		return 0, fmt.Errorf("failed to revoke user refresh tokens: %w", err)
	}
	return int(tag.RowsAffected()), nil
}

// SaveConsent inserts or replaces the consent for (user, client).
func (r *PostgresGrantRepository) SaveConsent(ctx context.Context, consent *models.Consent) error {
	pool, err := r.pool()
	if err != nil {
		return err
	}

	const query = `INSERT INTO consents (user_id, client_id, scope, granted_at, revoked_at) ` +
		`VALUES ($1, $2, $3, $4, $5) ` +
		`ON CONFLICT (user_id, client_id) DO UPDATE ` +
		`SET scope = EXCLUDED.scope, granted_at = EXCLUDED.granted_at, revoked_at = EXCLUDED.revoked_at`

	_, err = pool.Exec(ctx, query,
		consent.UserID, consent.ClientID, consent.Scope.String(), consent.GrantedAt, consent.RevokedAt)
	if err != nil {
		return fmt.Errorf("failed to store consent: %w", err)
	}
	return nil
}

// GrantConsent upserts the consent, merging scope into the stored scopes
// unless the stored consent was revoked. The row lock taken by the upsert
// serializes concurrent grants.
func (r *PostgresGrantRepository) GrantConsent(
	ctx context.Context,
	userID, clientID string,
	scope models.ScopeSet,
	at time.Time,
) (*models.Consent, error) {
	pool, err := r.pool()
	if err != nil {
		return nil, err
	}

	const query = `INSERT INTO consents (user_id, client_id, scope, granted_at, revoked_at) ` +
		`VALUES ($1, $2, $3, $4, NULL) ` +
		`ON CONFLICT (user_id, client_id) DO UPDATE ` +
		`SET scope = CASE WHEN consents.revoked_at IS NULL THEN array_to_string(ARRAY(` +
		`SELECT DISTINCT s FROM unnest(string_to_array(consents.scope, ' ') || string_to_array(EXCLUDED.scope, ' ')) AS s ` +
		`WHERE s <> '' ORDER BY s), ' ') ELSE EXCLUDED.scope END, ` +
		`granted_at = EXCLUDED.granted_at, revoked_at = NULL ` +
		`RETURNING scope, granted_at`

	consent := models.Consent{UserID: userID, ClientID: clientID}
	var stored string
	if err = pool.QueryRow(ctx, query, userID, clientID, scope.String(), at).Scan(&stored, &consent.GrantedAt); err != nil {
		return nil, fmt.Errorf("failed to grant consent: %w", err)
	}
	consent.Scope = models.ParseScope(stored)
	return &consent, nil
}

// GetConsent returns the consent for (user, client), or models.ErrNotFound.
func (r *PostgresGrantRepository) GetConsent(ctx context.Context, userID, clientID string) (*models.Consent, error) {
	pool, err := r.pool()
	if err != nil {
		return nil, err
	}

	const query = `SELECT user_id, client_id, scope, granted_at, revoked_at FROM consents ` +
		`WHERE user_id = $1 AND client_id = $2`

	var consent models.Consent
	var scope string
	err = pool.QueryRow(ctx, query, userID, clientID).Scan(
		&consent.UserID, &consent.ClientID, &scope, &consent.GrantedAt, &consent.RevokedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, models.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get consent: %w", err)
	}
	consent.Scope = models.ParseScope(scope)
	return &consent, nil
}

// RevokeConsent marks an active consent revoked.
func (r *PostgresGrantRepository) RevokeConsent(
	ctx context.Context,
	userID, clientID string,
	at time.Time,
) (bool, error) {
	pool, err := r.pool()
	if err != nil {
		return false, err
	}

	const query = `UPDATE consents SET revoked_at = $3 ` +
		`WHERE user_id = $1 AND client_id = $2 AND revoked_at IS NULL`

	tag, err := pool.Exec(ctx, query, userID, clientID, at)
	if err != nil {
		return false, fmt.Errorf("failed to revoke consent: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

// SaveSession inserts or replaces a login session.
func (r *PostgresGrantRepository) SaveSession(ctx context.Context, session *models.Session) error {
	pool, err := r.pool()
	if err != nil {
		return err
	}

	const query = `INSERT INTO sessions (id, user_id, auth_time, expires_at) VALUES ($1, $2, $3, $4) ` +
		`ON CONFLICT (id) DO UPDATE SET user_id = EXCLUDED.user_id, auth_time = EXCLUDED.auth_time, ` +
		`expires_at = EXCLUDED.expires_at`

	if _, err = pool.Exec(ctx, query, session.ID, session.UserID, session.AuthTime, session.ExpiresAt); err != nil {
		return fmt.Errorf("failed to store session: %w", err)
	}
	return nil
}

// GetSession returns an unexpired session, or models.ErrNotFound.
func (r *PostgresGrantRepository) GetSession(ctx context.Context, sessionID string) (*models.Session, error) {
	pool, err := r.pool()
	if err != nil {
		return nil, err
	}

	const query = `SELECT id, user_id, auth_time, expires_at FROM sessions WHERE id = $1 AND expires_at > $2`

	var session models.Session
	err = pool.QueryRow(ctx, query, sessionID, r.now()).Scan(
		&session.ID, &session.UserID, &session.AuthTime, &session.ExpiresAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, models.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get session: %w", err)
	}
	return &session, nil
}

// DeleteSession removes a session. Deleting an unknown session is not an error.
func (r *PostgresGrantRepository) DeleteSession(ctx context.Context, sessionID string) error {
	pool, err := r.pool()
	if err != nil {
		return err
	}

	if _, err = pool.Exec(ctx, `DELETE FROM sessions WHERE id = $1`, sessionID); err != nil {
		return fmt.Errorf("failed to delete session: %w", err)
	}
	return nil
}

// DeleteUserSessions removes every live session of a user.
func (r *PostgresGrantRepository) DeleteUserSessions(ctx context.Context, userID string) (int, error) {
	pool, err := r.pool()
	if err != nil {
		return 0, err
	}

	tag, err := pool.Exec(ctx, `DELETE FROM sessions WHERE user_id = $1`, userID)
	if err != nil {
		return 0, fmt.Errorf("failed to delete user sessions: %w", err)
	}
	return int(tag.RowsAffected()), nil
}

// Sweep deletes expired codes, refresh tokens and sessions and returns the
// number of rows removed.
func (r *PostgresGrantRepository) Sweep(ctx context.Context, now time.Time) (int64, error) {
	pool, err := r.pool()
	if err != nil {
		return 0, err
	}

	var removed int64
	for _, query := range []string{
		`DELETE FROM authorization_codes WHERE expires_at <= $1`,
		`DELETE FROM refresh_tokens WHERE expires_at <= $1`,
		`DELETE FROM sessions WHERE expires_at <= $1`,
	} {
		tag, execErr := pool.Exec(ctx, query, now)
		if execErr != nil {
			return removed, fmt.Errorf("failed to sweep expired grants: %w", execErr)
		}
		removed += tag.RowsAffected()
	}
	return removed, nil
}

// RunSweeper calls Sweep every interval until ctx is cancelled.
func (r *PostgresGrantRepository) RunSweeper(ctx context.Context, interval time.Duration, logger *logrus.Logger) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			removed, err := r.Sweep(ctx, r.now())
			if err != nil {
				logger.WithError(err).Warn("Expired grant sweep failed")
				continue
			}
			if removed > 0 {
				logger.WithField("removed", removed).Debug("Swept expired grants")
			}
		}
	}
}
