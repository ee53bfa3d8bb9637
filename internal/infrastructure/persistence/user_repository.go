package persistence

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/fenceauth/fence/internal/domain/models"
	"github.com/fenceauth/fence/pkg/constants"
)

type UserRepository struct {
	db *sql.DB
}

func NewUserRepository(db *sql.DB) *UserRepository {
	return &UserRepository{db: db}
}

const userColumns = "id, username, email, display_name, phone_number, password_hash, is_admin, active, idp_name, created_at, updated_at"

func scanUser(row interface{ Scan(...interface{}) error }) (*models.User, error) {
	var u models.User
	var passwordHash, idpName sql.NullString
	var updatedAt sql.NullTime

	err := row.Scan(&u.ID, &u.Username, &u.Email, &u.DisplayName, &u.PhoneNumber,
		&passwordHash, &u.IsAdmin, &u.Active, &idpName, &u.CreatedAt, &updatedAt)
	if err != nil {
		return nil, err
	}
	u.PasswordHash = passwordHash.String
	u.IdPName = idpName.String
	if updatedAt.Valid {
		t := updatedAt.Time
		u.UpdatedAt = &t
	}
	return &u, nil
}

// GetByUsername looks a user up case-insensitively.
func (r *UserRepository) GetByUsername(ctx context.Context, username string) (*models.User, error) {
	query := fmt.Sprintf(`SELECT %s FROM %s WHERE LOWER(username) = LOWER($1) LIMIT 1`,
		userColumns, constants.TableUser)

	u, err := scanUser(r.db.QueryRowContext(ctx, query, username))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return u, err
}

// GetByID fetches a user by primary key.
func (r *UserRepository) GetByID(ctx context.Context, id string) (*models.User, error) {
	query := fmt.Sprintf(`SELECT %s FROM %s WHERE id = $1 LIMIT 1`,
		userColumns, constants.TableUser)

	u, err := scanUser(r.db.QueryRowContext(ctx, query, id))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return u, err
}

// ExistsByUsername reports whether a user with the username exists.
func (r *UserRepository) ExistsByUsername(ctx context.Context, username string) (bool, error) {
	var exists bool
	query := fmt.Sprintf("SELECT EXISTS(SELECT 1 FROM %s WHERE LOWER(username) = LOWER($1))", constants.TableUser)
	err := r.db.QueryRowContext(ctx, query, username).Scan(&exists)
	if err != nil {
		return false, err
	}
	return exists, nil
}

// Create inserts a new user.
func (r *UserRepository) Create(ctx context.Context, u *models.User) error {
	query := fmt.Sprintf(`
		INSERT INTO %s (id, username, email, display_name, phone_number, password_hash, is_admin, active, idp_name)
		VALUES ($1, $2, $3, $4, $5, NULLIF($6, ''), $7, $8, NULLIF($9, ''))`,
		constants.TableUser)

	_, err := r.db.ExecContext(ctx, query,
		u.ID, u.Username, u.Email, u.DisplayName, u.PhoneNumber,
		u.PasswordHash, u.IsAdmin, u.Active, u.IdPName)
	return err
}

// Update applies a partial update keyed by column name.
func (r *UserRepository) Update(ctx context.Context, userID string, updates map[string]interface{}) error {
	if len(updates) == 0 {
		return nil
	}

	setClauses := []string{}
	args := []interface{}{}
	i := 1
	for k, v := range updates {
		setClauses = append(setClauses, fmt.Sprintf("%s = $%d", k, i))
		args = append(args, v)
		i++
	}

	// Always bump updated_at
	setClauses = append(setClauses, fmt.Sprintf("updated_at = $%d", i))
	args = append(args, time.Now())
	i++

	query := fmt.Sprintf("UPDATE %s SET %s WHERE id = $%d",
		constants.TableUser, strings.Join(setClauses, ", "), i)
	args = append(args, userID)

	_, err := r.db.ExecContext(ctx, query, args...)
	return err
}

// Delete removes a user; dependent rows cascade.
func (r *UserRepository) Delete(ctx context.Context, userID string) error {
	query := fmt.Sprintf("DELETE FROM %s WHERE id = $1", constants.TableUser)
	_, err := r.db.ExecContext(ctx, query, userID)
	return err
}

// List returns all users ordered by creation time.
func (r *UserRepository) List(ctx context.Context) ([]*models.User, error) {
	query := fmt.Sprintf(`SELECT %s FROM %s ORDER BY created_at DESC`,
		userColumns, constants.TableUser)

	rows, err := r.db.QueryContext(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	users := make([]*models.User, 0)
	for rows.Next() {
		u, err := scanUser(rows)
		if err != nil {
			return nil, err
		}
		users = append(users, u)
	}
	return users, rows.Err()
}

// ListWithUpstreamTokens returns users that hold at least one upstream
// refresh token. The visa update job iterates these.
func (r *UserRepository) ListWithUpstreamTokens(ctx context.Context) ([]*models.User, error) {
	query := fmt.Sprintf(`
		SELECT %s FROM %s u
		WHERE EXISTS (SELECT 1 FROM %s t WHERE t.user_id = u.id)
		ORDER BY created_at`,
		userColumns, constants.TableUser, constants.TableUpstreamRefreshToken)

	rows, err := r.db.QueryContext(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	users := make([]*models.User, 0)
	for rows.Next() {
		u, err := scanUser(rows)
		if err != nil {
			return nil, err
		}
		users = append(users, u)
	}
	return users, rows.Err()
}
