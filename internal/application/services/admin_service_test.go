package services

import (
	"context"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	apperrors "github.com/fenceauth/fence/pkg/errors"

	"github.com/fenceauth/fence/internal/infrastructure/persistence"
)

func newTestAdminService(t *testing.T) (*AdminService, sqlmock.Sqlmock, func()) {
	t.Helper()
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("an error '%s' was not expected when opening a stub database connection", err)
	}

	svc := NewAdminService(
		persistence.NewUserRepository(db),
		persistence.NewProjectRepository(db),
		persistence.NewGroupRepository(db),
		persistence.NewTokenRepository(db),
		persistence.NewVisaRepository(db),
		zap.NewNop().Sugar(),
	)
	return svc, mock, func() { db.Close() }
}

func TestAdminGetUser(t *testing.T) {
	svc, mock, cleanup := newTestAdminService(t)
	defer cleanup()

	mock.ExpectQuery(regexp.QuoteMeta("SELECT")).WithArgs("alice").
		WillReturnRows(sqlmock.NewRows(testUserCols).
			AddRow("user-123", "alice", "alice@example.org", "", "", "", false, true, "", time.Now(), nil))
	mock.ExpectQuery(regexp.QuoteMeta("SELECT g.id, g.name, g.description")).WithArgs("user-123").
		WillReturnRows(sqlmock.NewRows([]string{"id", "name", "description"}).
			AddRow("grp-1", "researchers", ""))
	mock.ExpectQuery(regexp.QuoteMeta("SELECT p.name, p.auth_id, a.privileges")).WithArgs("user-123").
		WillReturnRows(sqlmock.NewRows([]string{"name", "auth_id", "privileges"}).
			AddRow("phs000178", "phs000178.c1", "read,read-storage"))

	summary, err := svc.GetUser(context.Background(), "alice")
	require.NoError(t, err)

	assert.Equal(t, "alice", summary.Username)
	assert.Equal(t, []string{"researchers"}, summary.Groups)
	require.Len(t, summary.Projects, 1)
	assert.Equal(t, "phs000178.c1", summary.Projects[0].AuthID)
}

func TestAdminGetUserNotFound(t *testing.T) {
	svc, mock, cleanup := newTestAdminService(t)
	defer cleanup()

	mock.ExpectQuery(regexp.QuoteMeta("SELECT")).WithArgs("nobody").
		WillReturnRows(sqlmock.NewRows(testUserCols))

	_, err := svc.GetUser(context.Background(), "nobody")
	require.Error(t, err)
	assert.True(t, apperrors.IsNotFound(err))
}

func TestAdminCreateUser(t *testing.T) {
	svc, mock, cleanup := newTestAdminService(t)
	defer cleanup()

	mock.ExpectQuery(regexp.QuoteMeta("SELECT EXISTS")).WithArgs("bob").
		WillReturnRows(sqlmock.NewRows([]string{"exists"}).AddRow(false))
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO users")).
		WithArgs(sqlmock.AnyArg(), "bob", "bob@example.org", "", "",
			sqlmock.AnyArg(), false, true, "").
		WillReturnResult(sqlmock.NewResult(0, 1))

	user, err := svc.CreateUser(context.Background(), &CreateUserRequest{
		Username: "bob",
		Email:    "bob@example.org",
		Password: "longenough99",
	})
	require.NoError(t, err)
	assert.Equal(t, "bob", user.Username)
	assert.True(t, user.Active)
	assert.NotEmpty(t, user.PasswordHash)

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestAdminCreateUserConflict(t *testing.T) {
	svc, mock, cleanup := newTestAdminService(t)
	defer cleanup()

	mock.ExpectQuery(regexp.QuoteMeta("SELECT EXISTS")).WithArgs("alice").
		WillReturnRows(sqlmock.NewRows([]string{"exists"}).AddRow(true))

	_, err := svc.CreateUser(context.Background(), &CreateUserRequest{Username: "alice"})
	assert.Error(t, err)
}

func TestAdminCreateUserValidation(t *testing.T) {
	svc, _, cleanup := newTestAdminService(t)
	defer cleanup()

	_, err := svc.CreateUser(context.Background(), &CreateUserRequest{Username: "   "})
	assert.Error(t, err)

	_, err = svc.CreateUser(context.Background(), &CreateUserRequest{Username: "bob", Email: "not-an-email"})
	assert.Error(t, err)

	_, err = svc.CreateUser(context.Background(), &CreateUserRequest{Username: "bob", Password: "short"})
	assert.Error(t, err)
}

func TestAdminCreateProject(t *testing.T) {
	svc, mock, cleanup := newTestAdminService(t)
	defer cleanup()

	mock.ExpectQuery(regexp.QuoteMeta("SELECT id, name, auth_id FROM projects WHERE name = $1")).
		WithArgs("phs000178").
		WillReturnRows(sqlmock.NewRows([]string{"id", "name", "auth_id"}))
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO projects")).
		WithArgs(sqlmock.AnyArg(), "phs000178", "phs000178").
		WillReturnResult(sqlmock.NewResult(0, 1))

	// An empty auth_id defaults to the project name.
	project, err := svc.CreateProject(context.Background(), "phs000178", "")
	require.NoError(t, err)
	assert.Equal(t, "phs000178", project.AuthID)
}

func TestAdminCreateProjectConflict(t *testing.T) {
	svc, mock, cleanup := newTestAdminService(t)
	defer cleanup()

	mock.ExpectQuery(regexp.QuoteMeta("SELECT id, name, auth_id FROM projects WHERE name = $1")).
		WithArgs("phs000178").
		WillReturnRows(sqlmock.NewRows([]string{"id", "name", "auth_id"}).
			AddRow("proj-1", "phs000178", "phs000178"))

	_, err := svc.CreateProject(context.Background(), "phs000178", "")
	assert.Error(t, err)
}

func TestAdminGrantProjectAccess(t *testing.T) {
	svc, mock, cleanup := newTestAdminService(t)
	defer cleanup()

	mock.ExpectQuery(regexp.QuoteMeta("SELECT")).WithArgs("alice").
		WillReturnRows(sqlmock.NewRows(testUserCols).
			AddRow("user-123", "alice", "", "", "", "", false, true, "", time.Now(), nil))
	mock.ExpectQuery(regexp.QuoteMeta("SELECT id, name, auth_id FROM projects WHERE name = $1")).
		WithArgs("phs000178").
		WillReturnRows(sqlmock.NewRows([]string{"id", "name", "auth_id"}).
			AddRow("proj-1", "phs000178", "phs000178.c1"))
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO access_privileges")).
		WithArgs(sqlmock.AnyArg(), "user-123", "proj-1", "read,read-storage", "fence").
		WillReturnResult(sqlmock.NewResult(0, 1))

	// Default privileges apply when none are given.
	err := svc.GrantProjectAccess(context.Background(), "alice", []string{"phs000178"}, nil)
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}
