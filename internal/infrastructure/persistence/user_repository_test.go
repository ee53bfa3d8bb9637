package persistence

import (
	"context"
	"fmt"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fenceauth/fence/internal/domain/models"
	"github.com/fenceauth/fence/pkg/constants"
)

func userRows(users ...*models.User) *sqlmock.Rows {
	rows := sqlmock.NewRows([]string{"id", "username", "email", "display_name", "phone_number",
		"password_hash", "is_admin", "active", "idp_name", "created_at", "updated_at"})
	for _, u := range users {
		rows.AddRow(u.ID, u.Username, u.Email, u.DisplayName, u.PhoneNumber,
			u.PasswordHash, u.IsAdmin, u.Active, u.IdPName, u.CreatedAt, u.UpdatedAt)
	}
	return rows
}

func TestUserGetByUsername(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("an error '%s' was not expected when opening a stub database connection", err)
	}
	defer db.Close()

	repo := NewUserRepository(db)

	query := fmt.Sprintf(`SELECT %s FROM %s WHERE LOWER(username) = LOWER($1) LIMIT 1`,
		userColumns, constants.TableUser)

	u := &models.User{
		ID:        "user-123",
		Username:  "alice",
		Email:     "alice@example.org",
		IsAdmin:   false,
		Active:    true,
		IdPName:   "ras",
		CreatedAt: time.Now(),
	}

	// Case 1: user found (case-insensitive lookup)
	mock.ExpectQuery(regexp.QuoteMeta(query)).WithArgs("Alice").WillReturnRows(userRows(u))

	got, err := repo.GetByUsername(context.Background(), "Alice")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "user-123", got.ID)
	assert.Equal(t, "ras", got.IdPName)

	// Case 2: user not found returns nil, nil
	mock.ExpectQuery(regexp.QuoteMeta(query)).WithArgs("nobody").WillReturnRows(userRows())

	got, err = repo.GetByUsername(context.Background(), "nobody")
	assert.NoError(t, err)
	assert.Nil(t, got)

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestUserGetByID(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("an error '%s' was not expected when opening a stub database connection", err)
	}
	defer db.Close()

	repo := NewUserRepository(db)

	query := fmt.Sprintf(`SELECT %s FROM %s WHERE id = $1 LIMIT 1`,
		userColumns, constants.TableUser)

	mock.ExpectQuery(regexp.QuoteMeta(query)).WithArgs("missing").WillReturnRows(userRows())

	got, err := repo.GetByID(context.Background(), "missing")
	assert.NoError(t, err)
	assert.Nil(t, got)

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestUserExistsByUsername(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("an error '%s' was not expected when opening a stub database connection", err)
	}
	defer db.Close()

	repo := NewUserRepository(db)

	query := fmt.Sprintf("SELECT EXISTS(SELECT 1 FROM %s WHERE LOWER(username) = LOWER($1))", constants.TableUser)

	mock.ExpectQuery(regexp.QuoteMeta(query)).WithArgs("alice").
		WillReturnRows(sqlmock.NewRows([]string{"exists"}).AddRow(true))

	exists, err := repo.ExistsByUsername(context.Background(), "alice")
	assert.NoError(t, err)
	assert.True(t, exists)

	mock.ExpectQuery(regexp.QuoteMeta(query)).WithArgs("nobody").
		WillReturnRows(sqlmock.NewRows([]string{"exists"}).AddRow(false))

	exists, err = repo.ExistsByUsername(context.Background(), "nobody")
	assert.NoError(t, err)
	assert.False(t, exists)
}

func TestUserCreate(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("an error '%s' was not expected when opening a stub database connection", err)
	}
	defer db.Close()

	repo := NewUserRepository(db)

	u := &models.User{
		ID:       "user-123",
		Username: "alice",
		Email:    "alice@example.org",
		Active:   true,
		IdPName:  "ras",
	}

	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO "+constants.TableUser)).
		WithArgs(u.ID, u.Username, u.Email, u.DisplayName, u.PhoneNumber,
			u.PasswordHash, u.IsAdmin, u.Active, u.IdPName).
		WillReturnResult(sqlmock.NewResult(0, 1))

	err = repo.Create(context.Background(), u)
	assert.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestUserUpdate(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("an error '%s' was not expected when opening a stub database connection", err)
	}
	defer db.Close()

	repo := NewUserRepository(db)

	// Single-column update so the argument order is deterministic;
	// updated_at is always appended.
	mock.ExpectExec(regexp.QuoteMeta(fmt.Sprintf("UPDATE %s SET", constants.TableUser))).
		WithArgs("alice@new.org", sqlmock.AnyArg(), "user-123").
		WillReturnResult(sqlmock.NewResult(0, 1))

	err = repo.Update(context.Background(), "user-123", map[string]interface{}{
		constants.FieldEmail: "alice@new.org",
	})
	assert.NoError(t, err)

	// Empty update map is a no-op without touching the database.
	err = repo.Update(context.Background(), "user-123", map[string]interface{}{})
	assert.NoError(t, err)

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestUserDelete(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("an error '%s' was not expected when opening a stub database connection", err)
	}
	defer db.Close()

	repo := NewUserRepository(db)

	query := fmt.Sprintf("DELETE FROM %s WHERE id = $1", constants.TableUser)
	mock.ExpectExec(regexp.QuoteMeta(query)).WithArgs("user-123").
		WillReturnResult(sqlmock.NewResult(0, 1))

	err = repo.Delete(context.Background(), "user-123")
	assert.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestUserList(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("an error '%s' was not expected when opening a stub database connection", err)
	}
	defer db.Close()

	repo := NewUserRepository(db)

	now := time.Now()
	mock.ExpectQuery(regexp.QuoteMeta(fmt.Sprintf("SELECT %s FROM %s ORDER BY created_at DESC", userColumns, constants.TableUser))).
		WillReturnRows(userRows(
			&models.User{ID: "u1", Username: "alice", Active: true, CreatedAt: now},
			&models.User{ID: "u2", Username: "bob", Active: true, CreatedAt: now},
		))

	users, err := repo.List(context.Background())
	require.NoError(t, err)
	require.Len(t, users, 2)
	assert.Equal(t, "alice", users[0].Username)
	assert.Equal(t, "bob", users[1].Username)
}
