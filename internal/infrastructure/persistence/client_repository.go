package persistence

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"github.com/fenceauth/fence/internal/domain/models"
	"github.com/fenceauth/fence/pkg/constants"
)

type ClientRepository struct {
	db *sql.DB
}

func NewClientRepository(db *sql.DB) *ClientRepository {
	return &ClientRepository{db: db}
}

const clientColumns = "client_id, client_secret_hash, name, description, user_id, auto_approve, is_confidential, redirect_uris, allowed_scopes, grant_types, created_at"

func scanClient(row interface{ Scan(...interface{}) error }) (*models.Client, error) {
	var c models.Client
	var secretHash, userID sql.NullString
	var redirectURIs, allowedScopes, grantTypes string

	err := row.Scan(&c.ClientID, &secretHash, &c.Name, &c.Description, &userID,
		&c.AutoApprove, &c.IsConfidential, &redirectURIs, &allowedScopes, &grantTypes, &c.CreatedAt)
	if err != nil {
		return nil, err
	}
	c.ClientSecretHash = secretHash.String
	c.UserID = userID.String
	c.RedirectURIs = splitList(redirectURIs)
	c.AllowedScopes = splitList(allowedScopes)
	c.GrantTypes = splitList(grantTypes)
	return &c, nil
}

func splitList(s string) []string {
	if s == "" {
		return nil
	}
	return strings.Split(s, "\n")
}

func joinList(items []string) string {
	return strings.Join(items, "\n")
}

// GetByClientID fetches a client by client_id.
func (r *ClientRepository) GetByClientID(ctx context.Context, clientID string) (*models.Client, error) {
	query := fmt.Sprintf("SELECT %s FROM %s WHERE client_id = $1 LIMIT 1", clientColumns, constants.TableClient)

	c, err := scanClient(r.db.QueryRowContext(ctx, query, clientID))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return c, err
}

// Create inserts a new OAuth2 client.
func (r *ClientRepository) Create(ctx context.Context, c *models.Client) error {
	query := fmt.Sprintf(`
		INSERT INTO %s (client_id, client_secret_hash, name, description, user_id, auto_approve, is_confidential, redirect_uris, allowed_scopes, grant_types)
		VALUES ($1, NULLIF($2, ''), $3, $4, NULLIF($5, ''), $6, $7, $8, $9, $10)`,
		constants.TableClient)

	_, err := r.db.ExecContext(ctx, query,
		c.ClientID, c.ClientSecretHash, c.Name, c.Description, c.UserID,
		c.AutoApprove, c.IsConfidential,
		joinList(c.RedirectURIs), joinList(c.AllowedScopes), joinList(c.GrantTypes))
	return err
}

// Delete removes a client by name.
func (r *ClientRepository) Delete(ctx context.Context, name string) error {
	query := fmt.Sprintf("DELETE FROM %s WHERE name = $1", constants.TableClient)
	_, err := r.db.ExecContext(ctx, query, name)
	return err
}

// List returns all registered clients.
func (r *ClientRepository) List(ctx context.Context) ([]*models.Client, error) {
	query := fmt.Sprintf("SELECT %s FROM %s ORDER BY name", clientColumns, constants.TableClient)

	rows, err := r.db.QueryContext(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	clients := make([]*models.Client, 0)
	for rows.Next() {
		c, err := scanClient(rows)
		if err != nil {
			return nil, err
		}
		clients = append(clients, c)
	}
	return clients, rows.Err()
}
