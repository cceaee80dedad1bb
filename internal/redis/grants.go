package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/jsamuelsen11/recipe-web-app/authz-server/internal/models"
)

// consentTxRetries bounds the optimistic retries of a contended consent update.
const consentTxRetries = 16

// codeRecord is the stored form of an authorization code. Timestamps are Unix
// seconds so the Lua scripts can compare them.
type codeRecord struct {
	Code                string `json:"code"`
	ClientID            string `json:"client_id"`
	UserID              string `json:"user_id"`
	RedirectURI         string `json:"redirect_uri"`
	Scope               string `json:"scope"`
	CodeChallenge       string `json:"code_challenge"`
	CodeChallengeMethod string `json:"code_challenge_method"`
	Nonce               string `json:"nonce"`
	IssuedAt            int64  `json:"issued_at"`
	ExpiresAt           int64  `json:"expires_at"`
	UsedAt              int64  `json:"used_at"`
}

func toCodeRecord(code *models.AuthorizationCode) codeRecord {
	return codeRecord{
		Code:                code.Code,
		ClientID:            code.ClientID,
		UserID:              code.UserID,
		RedirectURI:         code.RedirectURI,
		Scope:               code.Scope.String(),
		CodeChallenge:       code.CodeChallenge,
		CodeChallengeMethod: code.CodeChallengeMethod,
		Nonce:               code.Nonce,
		IssuedAt:            code.IssuedAt.Unix(),
		ExpiresAt:           code.ExpiresAt.Unix(),
		UsedAt:              unixOrZero(code.UsedAt),
	}
}

func (r codeRecord) toModel() *models.AuthorizationCode {
	return &models.AuthorizationCode{
		Code:                r.Code,
		ClientID:            r.ClientID,
		UserID:              r.UserID,
		RedirectURI:         r.RedirectURI,
		Scope:               models.ParseScope(r.Scope),
		CodeChallenge:       r.CodeChallenge,
		CodeChallengeMethod: r.CodeChallengeMethod,
		Nonce:               r.Nonce,
		IssuedAt:            time.Unix(r.IssuedAt, 0),
		ExpiresAt:           time.Unix(r.ExpiresAt, 0),
		UsedAt:              timeOrNil(r.UsedAt),
	}
}

// refreshRecord is the stored form of a refresh token.
type refreshRecord struct {
	TokenHash       string `json:"token_hash"`
	ClientID        string `json:"client_id"`
	UserID          string `json:"user_id"`
	Scope           string `json:"scope"`
	AccessTokenJTI  string `json:"access_token_jti"`
	ParentTokenHash string `json:"parent_token_hash"`
	IssuedAt        int64  `json:"issued_at"`
	ExpiresAt       int64  `json:"expires_at"`
	RevokedAt       int64  `json:"revoked_at"`
	RevokeReason    string `json:"revoke_reason"`
	LastUsedAt      int64  `json:"last_used_at"`
}

func toRefreshRecord(rt *models.RefreshToken) refreshRecord {
	return refreshRecord{
		TokenHash:       rt.TokenHash,
		ClientID:        rt.ClientID,
		UserID:          rt.UserID,
		Scope:           rt.Scope.String(),
		AccessTokenJTI:  rt.AccessTokenJTI,
		ParentTokenHash: rt.ParentTokenHash,
		IssuedAt:        rt.IssuedAt.Unix(),
		ExpiresAt:       rt.ExpiresAt.Unix(),
		RevokedAt:       unixOrZero(rt.RevokedAt),
		RevokeReason:    rt.RevokeReason,
		LastUsedAt:      unixOrZero(rt.LastUsedAt),
	}
}

func (r refreshRecord) toModel() *models.RefreshToken {
	return &models.RefreshToken{
		TokenHash:       r.TokenHash,
		ClientID:        r.ClientID,
		UserID:          r.UserID,
		Scope:           models.ParseScope(r.Scope),
		AccessTokenJTI:  r.AccessTokenJTI,
		ParentTokenHash: r.ParentTokenHash,
		IssuedAt:        time.Unix(r.IssuedAt, 0),
		ExpiresAt:       time.Unix(r.ExpiresAt, 0),
		RevokedAt:       timeOrNil(r.RevokedAt),
		RevokeReason:    r.RevokeReason,
		LastUsedAt:      timeOrNil(r.LastUsedAt),
	}
}

func unixOrZero(t *time.Time) int64 {
	if t == nil {
		return 0
	}
	return t.Unix()
}

func timeOrNil(unix int64) *time.Time {
	if unix == 0 {
		return nil
	}
	t := time.Unix(unix, 0)
	return &t
}

// SaveAuthorizationCode stores a code with a TTL matching its expiry.
func (c *Client) SaveAuthorizationCode(ctx context.Context, code *models.AuthorizationCode) error {
	ttl, err := ttlUntil(code.ExpiresAt, time.Now())
	if err != nil {
		return fmt.Errorf("authorization code already %w", err)
	}

	data, err := json.Marshal(toCodeRecord(code))
	if err != nil {
		return fmt.Errorf("failed to marshal authorization code: %w", err)
	}

	if setErr := c.rdb.Set(ctx, authCodeKey(code.Code), data, ttl).Err(); setErr != nil {
		return fmt.Errorf("failed to store authorization code: %w", setErr)
	}

	c.logger.WithField("code", maskToken(code.Code)).Debug("Authorization code stored successfully")
	return nil
}

// GetAuthorizationCode retrieves a code, or models.ErrNotFound.
func (c *Client) GetAuthorizationCode(ctx context.Context, code string) (*models.AuthorizationCode, error) {
	data, err := c.rdb.Get(ctx, authCodeKey(code)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, models.ErrNotFound
		}
		return nil, fmt.Errorf("failed to get authorization code: %w", err)
	}

	var rec codeRecord
	if unmarshalErr := json.Unmarshal(data, &rec); unmarshalErr != nil {
		return nil, fmt.Errorf("failed to unmarshal authorization code: %w", unmarshalErr)
	}
	return rec.toModel(), nil
}

// ConsumeAuthorizationCode marks a code used through consumeCodeScript, so only
// one concurrent caller can win.
func (c *Client) ConsumeAuthorizationCode(
	ctx context.Context,
	code string,
	usedAt time.Time,
) (*models.AuthorizationCode, error) {
	result, err := consumeCodeScript.Run(ctx, c.rdb, []string{authCodeKey(code)}, usedAt.Unix()).Text()
	if err != nil {
		return nil, fmt.Errorf("failed to execute atomic code consumption: %w", err)
	}

	switch {
	case result == replyNotFound:
		return nil, models.ErrNotFound
	case result == replyExpired:
		return nil, models.ErrExpired
	case strings.HasPrefix(result, replyAlreadyUsed):
		var rec codeRecord
		if unmarshalErr := json.Unmarshal([]byte(strings.TrimPrefix(result, replyAlreadyUsed)), &rec); unmarshalErr != nil {
			return nil, models.ErrAlreadyConsumed
		}
		return rec.toModel(), models.ErrAlreadyConsumed
	}

	var rec codeRecord
	if unmarshalErr := json.Unmarshal([]byte(result), &rec); unmarshalErr != nil {
		return nil, fmt.Errorf("failed to unmarshal authorization code: %w", unmarshalErr)
	}

	c.logger.WithField("code", maskToken(code)).Debug("Authorization code consumed")
	return rec.toModel(), nil
}

// SaveRefreshToken stores a refresh token record, its access token link and
// its membership in the user's index.
func (c *Client) SaveRefreshToken(ctx context.Context, token *models.RefreshToken) error {
	ttl, err := ttlUntil(token.ExpiresAt, time.Now())
	if err != nil {
		return fmt.Errorf("refresh token already %w", err)
	}

	data, err := json.Marshal(toRefreshRecord(token))
	if err != nil {
		return fmt.Errorf("failed to marshal refresh token: %w", err)
	}

	_, err = c.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, refreshTokenKey(token.TokenHash), data, ttl)
		if token.AccessTokenJTI != "" {
			pipe.Set(ctx, accessJTIKey(token.AccessTokenJTI), token.TokenHash, ttl)
		}
		pipe.SAdd(ctx, userRefreshKey(token.UserID), token.TokenHash)
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to store refresh token: %w", err)
	}

	c.logger.WithFields(map[string]interface{}{
		"client_id": token.ClientID,
		"token":     maskToken(token.TokenHash),
	}).Debug("Refresh token stored successfully")
	return nil
}

// GetRefreshToken retrieves a refresh token record, or models.ErrNotFound.
func (c *Client) GetRefreshToken(ctx context.Context, tokenHash string) (*models.RefreshToken, error) {
	data, err := c.rdb.Get(ctx, refreshTokenKey(tokenHash)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, models.ErrNotFound
		}
		return nil, fmt.Errorf("failed to get refresh token: %w", err)
	}

	var rec refreshRecord
	if unmarshalErr := json.Unmarshal(data, &rec); unmarshalErr != nil {
		return nil, fmt.Errorf("failed to unmarshal refresh token: %w", unmarshalErr)
	}
	return rec.toModel(), nil
}

// GetRefreshTokenByAccessJTI resolves the access token link.
func (c *Client) GetRefreshTokenByAccessJTI(ctx context.Context, jti string) (*models.RefreshToken, error) {
	tokenHash, err := c.rdb.Get(ctx, accessJTIKey(jti)).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, models.ErrNotFound
		}
		return nil, fmt.Errorf("failed to resolve access token link: %w", err)
	}
	return c.GetRefreshToken(ctx, tokenHash)
}

// TouchRefreshToken records the last use of a refresh token.
func (c *Client) TouchRefreshToken(ctx context.Context, tokenHash string, usedAt time.Time) error {
	n, err := touchRefreshScript.Run(ctx, c.rdb, []string{refreshTokenKey(tokenHash)}, usedAt.Unix()).Int()
	if err != nil {
		return fmt.Errorf("failed to touch refresh token: %w", err)
	}
	if n == 0 {
		return models.ErrNotFound
	}
	return nil
}

// RotateRefreshToken revokes the parent and stores the child in one script run.
func (c *Client) RotateRefreshToken(
	ctx context.Context,
	oldHash string,
	child *models.RefreshToken,
	at time.Time,
) error {
	ttl, err := ttlUntil(child.ExpiresAt, at)
	if err != nil {
		return fmt.Errorf("refresh token already %w", err)
	}

	data, err := json.Marshal(toRefreshRecord(child))
	if err != nil {
		return fmt.Errorf("failed to marshal refresh token: %w", err)
	}

	keys := []string{
		refreshTokenKey(oldHash),
		refreshTokenKey(child.TokenHash),
		accessJTIKey(child.AccessTokenJTI),
		userRefreshKey(child.UserID),
	}
	ttlSeconds := strconv.FormatInt(int64(ttl/time.Second)+1, 10)

	result, err := rotateRefreshScript.Run(ctx, c.rdb, keys,
		at.Unix(), string(data), ttlSeconds, child.TokenHash, models.RevokeReasonRotated,
	).Text()
	if err != nil {
		return fmt.Errorf("failed to execute atomic refresh rotation: %w", err)
	}

	switch result {
	case replyOK:
		c.logger.WithField("client_id", child.ClientID).Debug("Refresh token rotated")
		return nil
	case replyNotFound:
		return models.ErrNotFound
	case replyRevoked:
		return models.ErrAlreadyConsumed
	case replyExpired:
		return models.ErrExpired
	default:
		return fmt.Errorf("unexpected rotation reply: %s", result)
	}
}

// RevokeRefreshToken revokes an active refresh token.
func (c *Client) RevokeRefreshToken(ctx context.Context, tokenHash, reason string, at time.Time) (bool, error) {
	return c.revokeRefresh(ctx, tokenHash, reason, "", at)
}

// RevokeUserRefreshTokens revokes a user's active refresh tokens using the
// per-user index. Index entries whose record already expired are pruned.
func (c *Client) RevokeUserRefreshTokens(
	ctx context.Context,
	userID, clientID, reason string,
	at time.Time,
) (int, error) {
	indexKey := userRefreshKey(userID)
	hashes, err := c.rdb.SMembers(ctx, indexKey).Result()
	if err != nil {
		return 0, fmt.Errorf("failed to list user refresh tokens: %w", err)
	}

	revoked := 0
	for _, tokenHash := range hashes {
		ok, revokeErr := c.revokeRefresh(ctx, tokenHash, reason, clientID, at)
		if revokeErr != nil {
			return revoked, revokeErr
		}
		if ok {
			revoked++
		}

		exists, existsErr := c.rdb.Exists(ctx, refreshTokenKey(tokenHash)).Result()
		if existsErr == nil && exists == 0 {
			c.rdb.SRem(ctx, indexKey, tokenHash)
		}
	}

	c.logger.WithFields(map[string]interface{}{
		"user_id": userID,
		"revoked": revoked,
	}).Info("Revoked user refresh tokens")
	return revoked, nil
}

func (c *Client) revokeRefresh(ctx context.Context, tokenHash, reason, clientID string, at time.Time) (bool, error) {
	n, err := revokeRefreshScript.Run(ctx, c.rdb, []string{refreshTokenKey(tokenHash)},
		at.Unix(), reason, clientID,
	).Int()
	if err != nil {
		return false, fmt.Errorf("failed to revoke refresh token: %w", err)
	}
	return n == 1, nil
}

// SaveConsent inserts or replaces a consent record.
func (c *Client) SaveConsent(ctx context.Context, consent *models.Consent) error {
	data, err := json.Marshal(consent)
	if err != nil {
		return fmt.Errorf("failed to marshal consent: %w", err)
	}
	if setErr := c.rdb.Set(ctx, consentKey(consent.UserID, consent.ClientID), data, 0).Err(); setErr != nil {
		return fmt.Errorf("failed to store consent: %w", setErr)
	}
	return nil
}

// GetConsent retrieves a consent record, or models.ErrNotFound.
func (c *Client) GetConsent(ctx context.Context, userID, clientID string) (*models.Consent, error) {
	data, err := c.rdb.Get(ctx, consentKey(userID, clientID)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, models.ErrNotFound
		}
		return nil, fmt.Errorf("failed to get consent: %w", err)
	}

	var consent models.Consent
	if unmarshalErr := json.Unmarshal(data, &consent); unmarshalErr != nil {
		return nil, fmt.Errorf("failed to unmarshal consent: %w", unmarshalErr)
	}
	return &consent, nil
}

// GrantConsent merges scope into the stored consent inside a WATCH
// transaction.
func (c *Client) GrantConsent(
	ctx context.Context,
	userID, clientID string,
	scope models.ScopeSet,
	at time.Time,
) (*models.Consent, error) {
	return c.updateConsent(ctx, userID, clientID, func(current *models.Consent) *models.Consent {
		return current.WithGrant(userID, clientID, scope, at)
	})
}

// RevokeConsent marks a consent revoked.
func (c *Client) RevokeConsent(ctx context.Context, userID, clientID string, at time.Time) (bool, error) {
	written, err := c.updateConsent(ctx, userID, clientID, func(current *models.Consent) *models.Consent {
		if current == nil || current.RevokedAt != nil {
			return nil
		}
		revoked := *current
		revoked.RevokedAt = &at
		return &revoked
	})
	if err != nil {
		return false, err
	}
	return written != nil, nil
}

// updateConsent replaces the consent with update(current) under WATCH and
// retries when another writer touched the key first. current is nil when no
// consent exists; update returns nil to leave the record as it is.
func (c *Client) updateConsent(
	ctx context.Context,
	userID, clientID string,
	update func(current *models.Consent) *models.Consent,
) (*models.Consent, error) {
	key := consentKey(userID, clientID)

	var written *models.Consent
	txf := func(tx *redis.Tx) error {
		written = nil

		var current *models.Consent
		data, err := tx.Get(ctx, key).Bytes()
		switch {
		case err == nil:
			current = &models.Consent{}
			if err = json.Unmarshal(data, current); err != nil {
				return fmt.Errorf("failed to unmarshal consent: %w", err)
			}
		case !errors.Is(err, redis.Nil):
			return fmt.Errorf("failed to get consent: %w", err)
		}

		next := update(current)
		if next == nil {
			return nil
		}
		encoded, err := json.Marshal(next)
		if err != nil {
			return fmt.Errorf("failed to marshal consent: %w", err)
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, encoded, 0)
			return nil
		})
		if err == nil {
			written = next
		}
		return err
	}

	for range consentTxRetries {
		err := c.rdb.Watch(ctx, txf, key)
		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		if err != nil {
			return nil, err
		}
		return written, nil
	}
	return nil, fmt.Errorf("failed to update consent: %w", redis.TxFailedErr)
}

// SaveSession stores a login session until it expires.
func (c *Client) SaveSession(ctx context.Context, session *models.Session) error {
	ttl, err := ttlUntil(session.ExpiresAt, time.Now())
	if err != nil {
		return fmt.Errorf("session already %w", err)
	}

	data, err := json.Marshal(session)
	if err != nil {
		return fmt.Errorf("failed to marshal session: %w", err)
	}

	_, err = c.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, sessionKey(session.ID), data, ttl)
		pipe.SAdd(ctx, userSessionsKey(session.UserID), session.ID)
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to store session: %w", err)
	}
	return nil
}

// GetSession retrieves a session, or models.ErrNotFound.
func (c *Client) GetSession(ctx context.Context, sessionID string) (*models.Session, error) {
	data, err := c.rdb.Get(ctx, sessionKey(sessionID)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, models.ErrNotFound
		}
		return nil, fmt.Errorf("failed to get session: %w", err)
	}

	var session models.Session
	if unmarshalErr := json.Unmarshal(data, &session); unmarshalErr != nil {
		return nil, fmt.Errorf("failed to unmarshal session: %w", unmarshalErr)
	}
	return &session, nil
}

// DeleteSession removes a session. Deleting an unknown session is not an error.
func (c *Client) DeleteSession(ctx context.Context, sessionID string) error {
	session, err := c.GetSession(ctx, sessionID)
	if errors.Is(err, models.ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}

	_, err = c.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Del(ctx, sessionKey(sessionID))
		pipe.SRem(ctx, userSessionsKey(session.UserID), sessionID)
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to delete session: %w", err)
	}
	return nil
}

// DeleteUserSessions removes every session of a user and returns how many
// live sessions were deleted.
func (c *Client) DeleteUserSessions(ctx context.Context, userID string) (int, error) {
	indexKey := userSessionsKey(userID)
	ids, err := c.rdb.SMembers(ctx, indexKey).Result()
	if err != nil {
		return 0, fmt.Errorf("failed to list user sessions: %w", err)
	}
	if len(ids) == 0 {
		return 0, nil
	}

	keys := make([]string, 0, len(ids))
	for _, id := range ids {
		keys = append(keys, sessionKey(id))
	}

	deleted, err := c.rdb.Del(ctx, keys...).Result()
	if err != nil {
		return 0, fmt.Errorf("failed to delete user sessions: %w", err)
	}
	if delErr := c.rdb.Del(ctx, indexKey).Err(); delErr != nil {
		return int(deleted), fmt.Errorf("failed to delete user session index: %w", delErr)
	}

	c.logger.WithFields(map[string]interface{}{
		"user_id":          userID,
		"sessions_cleared": deleted,
	}).Info("Cleared user sessions")
	return int(deleted), nil
}
