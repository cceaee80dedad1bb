package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/go-sql-driver/mysql"

	"github.com/jsamuelsen11/recipe-web-app/authz-server/internal/models"
)

const (
	mysqlDuplicateEntry = 1062

	mysqlClientColumns = `client_id, client_secret_hash, client_name, redirect_uris, allowed_scopes, grant_types,
		       require_pkce, token_endpoint_auth_method, status, created_by, created_at, updated_at`
)

// DBGetter is a function that returns the current database connection.
// This pattern allows the repository to use the current active connection,
// supporting automatic reconnection and graceful degradation.
type DBGetter func() *sql.DB

// MySQLClientRepository implements ClientRepository for MySQL database.
type MySQLClientRepository struct {
	getDB DBGetter
}

// NewMySQLClientRepository creates a new MySQL client repository.
// The dbGetter function allows the repository to always use the current
// active database connection, supporting automatic reconnection.
func NewMySQLClientRepository(dbGetter DBGetter) *MySQLClientRepository {
	return &MySQLClientRepository{
		getDB: dbGetter,
	}
}

func (r *MySQLClientRepository) db() (*sql.DB, error) {
	db := r.getDB()
	if db == nil {
		return nil, ErrDatabaseUnavailable
	}
	return db, nil
}

// clientJSON holds the JSON-encoded list columns of a client row.
type clientJSON struct {
	redirectURIs  []byte
	allowedScopes []byte
	grantTypes    []byte
}

func marshalClientJSON(client *models.Client) (clientJSON, error) {
	var out clientJSON
	var err error

	if out.redirectURIs, err = json.Marshal(nonNil(client.RedirectURIs)); err != nil {
		return out, fmt.Errorf("failed to marshal redirect_uris: %w", err)
	}
	if out.allowedScopes, err = json.Marshal(nonNil(client.AllowedScopes)); err != nil {
		return out, fmt.Errorf("failed to marshal allowed_scopes: %w", err)
	}
	grantTypes := client.GrantTypes
	if grantTypes == nil {
		grantTypes = []models.GrantType{}
	}
	if out.grantTypes, err = json.Marshal(grantTypes); err != nil {
		return out, fmt.Errorf("failed to marshal grant_types: %w", err)
	}
	return out, nil
}

func nonNil(values []string) []string {
	if values == nil {
		return []string{}
	}
	return values
}

// CreateClient stores a new OAuth2 client in MySQL.
func (r *MySQLClientRepository) CreateClient(ctx context.Context, client *models.Client) error {
	db, err := r.db()
	if err != nil {
		return err
	}

	encoded, err := marshalClientJSON(client)
	if err != nil {
		return err
	}

	query := `
		INSERT INTO oauth2_clients (` + mysqlClientColumns + `)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

	_, err = db.ExecContext(ctx, query,
		client.ID,
		client.SecretHash,
		client.Name,
		encoded.redirectURIs,
		encoded.allowedScopes,
		encoded.grantTypes,
		client.RequirePKCE,
		string(client.TokenEndpointAuthMethod),
		string(client.Status),
		nullableString(client.CreatedBy),
		client.CreatedAt,
		client.UpdatedAt,
	)
	if err != nil {
		var mysqlErr *mysql.MySQLError
		if errors.As(err, &mysqlErr) && mysqlErr.Number == mysqlDuplicateEntry {
			return models.ErrAlreadyExists
		}
		return fmt.Errorf("failed to create client: %w", err)
	}

	return nil
}

// GetClientByID retrieves an OAuth2 client from MySQL by ID.
func (r *MySQLClientRepository) GetClientByID(ctx context.Context, clientID string) (*models.Client, error) {
	query := `SELECT ` + mysqlClientColumns + ` FROM oauth2_clients WHERE client_id = ?`
	return r.scanClient(ctx, query, clientID)
}

// GetClientByName retrieves an OAuth2 client by its name.
func (r *MySQLClientRepository) GetClientByName(ctx context.Context, name string) (*models.Client, error) {
	query := `SELECT ` + mysqlClientColumns + ` FROM oauth2_clients WHERE client_name = ? LIMIT 1`
	return r.scanClient(ctx, query, name)
}

// UpdateClient updates an existing OAuth2 client's metadata.
func (r *MySQLClientRepository) UpdateClient(ctx context.Context, client *models.Client) error {
	db, err := r.db()
	if err != nil {
		return err
	}

	encoded, err := marshalClientJSON(client)
	if err != nil {
		return err
	}

	query := `
		UPDATE oauth2_clients
		SET client_name = ?,
		    redirect_uris = ?,
		    allowed_scopes = ?,
		    grant_types = ?,
		    require_pkce = ?,
		    token_endpoint_auth_method = ?,
		    status = ?,
		    updated_at = ?
		WHERE client_id = ?`

	result, err := db.ExecContext(ctx, query,
		client.Name,
		encoded.redirectURIs,
		encoded.allowedScopes,
		encoded.grantTypes,
		client.RequirePKCE,
		string(client.TokenEndpointAuthMethod),
		string(client.Status),
		time.Now(),
		client.ID,
	)
	if err != nil {
		return fmt.Errorf("failed to update client: %w", err)
	}

	return requireAffected(result, client.ID)
}

// UpdateClientSecret rotates the client secret to a new hashed value.
func (r *MySQLClientRepository) UpdateClientSecret(ctx context.Context, clientID, newSecretHash string) error {
	db, err := r.db()
	if err != nil {
		return err
	}

	query := `
		UPDATE oauth2_clients
		SET client_secret_hash = ?,
		    updated_at = ?
		WHERE client_id = ?`

	result, err := db.ExecContext(ctx, query, newSecretHash, time.Now(), clientID)
	if err != nil {
		return fmt.Errorf("failed to update client secret: %w", err)
	}

	return requireAffected(result, clientID)
}

// DeleteClient removes an OAuth2 client from MySQL.
func (r *MySQLClientRepository) DeleteClient(ctx context.Context, clientID string) error {
	db, err := r.db()
	if err != nil {
		return err
	}

	result, err := db.ExecContext(ctx, `DELETE FROM oauth2_clients WHERE client_id = ?`, clientID)
	if err != nil {
		return fmt.Errorf("failed to delete client: %w", err)
	}

	return requireAffected(result, clientID)
}

func requireAffected(result sql.Result, clientID string) error {
	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rowsAffected == 0 {
		return fmt.Errorf("%w: %s", models.ErrClientNotFound, clientID)
	}
	return nil
}

// ListActiveClients retrieves all active OAuth2 clients.
func (r *MySQLClientRepository) ListActiveClients(ctx context.Context) ([]*models.Client, error) {
	db, err := r.db()
	if err != nil {
		return nil, err
	}

	query := `SELECT ` + mysqlClientColumns + ` FROM oauth2_clients WHERE status = ? ORDER BY created_at DESC`

	rows, err := db.QueryContext(ctx, query, string(models.ClientStatusActive))
	if err != nil {
		return nil, fmt.Errorf("failed to list active clients: %w", err)
	}
	defer rows.Close()

	var clients []*models.Client
	for rows.Next() {
		client, scanErr := scanClientRow(rows)
		if scanErr != nil {
			return nil, scanErr
		}
		clients = append(clients, client)
	}

	if err = rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating client rows: %w", err)
	}

	return clients, nil
}

// IsClientExists checks if a client with the given ID exists.
func (r *MySQLClientRepository) IsClientExists(ctx context.Context, clientID string) (bool, error) {
	db, err := r.db()
	if err != nil {
		return false, err
	}

	var exists bool
	err = db.QueryRowContext(ctx, `SELECT EXISTS(SELECT 1 FROM oauth2_clients WHERE client_id = ?)`, clientID).
		Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("failed to check client existence: %w", err)
	}

	return exists, nil
}

func (r *MySQLClientRepository) scanClient(ctx context.Context, query string, args ...interface{}) (*models.Client, error) {
	db, err := r.db()
	if err != nil {
		return nil, err
	}

	client, err := scanClientRow(db.QueryRowContext(ctx, query, args...))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, models.ErrClientNotFound
		}
		return nil, err
	}
	return client, nil
}

// scanClientRow scans a client from a database row.
func scanClientRow(scanner interface {
	Scan(dest ...interface{}) error
}) (*models.Client, error) {
	var client models.Client
	var redirectURIs, allowedScopes, grantTypes []byte
	var authMethod, status string
	var createdBy sql.NullString

	err := scanner.Scan(
		&client.ID,
		&client.SecretHash,
		&client.Name,
		&redirectURIs,
		&allowedScopes,
		&grantTypes,
		&client.RequirePKCE,
		&authMethod,
		&status,
		&createdBy,
		&client.CreatedAt,
		&client.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("failed to scan client: %w", err)
	}

	if unmarshalErr := json.Unmarshal(redirectURIs, &client.RedirectURIs); unmarshalErr != nil {
		return nil, fmt.Errorf("failed to unmarshal redirect_uris: %w", unmarshalErr)
	}
	if unmarshalErr := json.Unmarshal(allowedScopes, &client.AllowedScopes); unmarshalErr != nil {
		return nil, fmt.Errorf("failed to unmarshal allowed_scopes: %w", unmarshalErr)
	}
	if unmarshalErr := json.Unmarshal(grantTypes, &client.GrantTypes); unmarshalErr != nil {
		return nil, fmt.Errorf("failed to unmarshal grant_types: %w", unmarshalErr)
	}

	client.TokenEndpointAuthMethod = models.AuthMethod(authMethod)
	client.Status = models.ClientStatus(status)
	client.CreatedBy = createdBy.String

	return &client, nil
}

// nullableString maps an empty string to SQL NULL.
func nullableString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{Valid: false}
	}
	return sql.NullString{String: s, Valid: true}
}
