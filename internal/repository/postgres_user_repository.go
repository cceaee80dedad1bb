package repository

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/jsamuelsen11/recipe-web-app/authz-server/internal/models"
)

// PostgresUserRepository implements UserRepository for PostgreSQL database.
type PostgresUserRepository struct {
	getPool PoolGetter
}

// NewPostgresUserRepository creates a new PostgreSQL user repository.
// The poolGetter function allows the repository to always use the current
// active connection pool, supporting automatic reconnection.
func NewPostgresUserRepository(poolGetter PoolGetter) *PostgresUserRepository {
	return &PostgresUserRepository{
		getPool: poolGetter,
	}
}

// GetProfile retrieves the claims of an active user.
func (r *PostgresUserRepository) GetProfile(ctx context.Context, userID string) (*models.UserProfile, error) {
	pool := r.getPool()
	if pool == nil {
		return nil, ErrDatabaseUnavailable
	}

	query := `
		SELECT user_id, full_name, email, email_verified, updated_at
		FROM users
		WHERE user_id = $1 AND is_active = true`

	var profile models.UserProfile
	err := pool.QueryRow(ctx, query, userID).Scan(
		&profile.ID,
		&profile.Name,
		&profile.Email,
		&profile.EmailVerified,
		&profile.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, models.ErrUserNotFound
		}
		return nil, fmt.Errorf("failed to scan user: %w", err)
	}

	return &profile, nil
}

// UpsertProfile inserts or replaces a user's profile and marks the user active.
func (r *PostgresUserRepository) UpsertProfile(ctx context.Context, profile *models.UserProfile) error {
	pool := r.getPool()
	if pool == nil {
		return ErrDatabaseUnavailable
	}

	query := `
		INSERT INTO users (user_id, full_name, email, email_verified, is_active, updated_at)
		VALUES ($1, $2, $3, $4, true, $5)
		ON CONFLICT (user_id) DO UPDATE
		SET full_name = EXCLUDED.full_name, email = EXCLUDED.email,
		    email_verified = EXCLUDED.email_verified, is_active = true, updated_at = EXCLUDED.updated_at`

	_, err := pool.Exec(ctx, query,
		profile.ID,
		profile.Name,
		profile.Email,
		profile.EmailVerified,
		profile.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to upsert user: %w", err)
	}

	return nil
}
