package persistence

import (
	"context"
	"fmt"
	"regexp"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fenceauth/fence/internal/domain/models"
	"github.com/fenceauth/fence/pkg/constants"
)

func TestProjectGetByName(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("an error '%s' was not expected when opening a stub database connection", err)
	}
	defer db.Close()

	repo := NewProjectRepository(db)

	query := fmt.Sprintf("SELECT id, name, auth_id FROM %s WHERE name = $1 LIMIT 1", constants.TableProject)

	mock.ExpectQuery(regexp.QuoteMeta(query)).WithArgs("phs000178").
		WillReturnRows(sqlmock.NewRows([]string{"id", "name", "auth_id"}).
			AddRow("proj-1", "phs000178", "phs000178.c1"))

	p, err := repo.GetByName(context.Background(), "phs000178")
	require.NoError(t, err)
	require.NotNil(t, p)
	assert.Equal(t, "phs000178.c1", p.AuthID)

	mock.ExpectQuery(regexp.QuoteMeta(query)).WithArgs("missing").
		WillReturnRows(sqlmock.NewRows([]string{"id", "name", "auth_id"}))

	p, err = repo.GetByName(context.Background(), "missing")
	assert.NoError(t, err)
	assert.Nil(t, p)
}

func TestProjectGetByAuthID(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("an error '%s' was not expected when opening a stub database connection", err)
	}
	defer db.Close()

	repo := NewProjectRepository(db)

	query := fmt.Sprintf("SELECT id, name, auth_id FROM %s WHERE auth_id = $1 LIMIT 1", constants.TableProject)

	mock.ExpectQuery(regexp.QuoteMeta(query)).WithArgs("phs000178.c1").
		WillReturnRows(sqlmock.NewRows([]string{"id", "name", "auth_id"}).
			AddRow("proj-1", "phs000178", "phs000178.c1"))

	p, err := repo.GetByAuthID(context.Background(), "phs000178.c1")
	require.NoError(t, err)
	require.NotNil(t, p)
	assert.Equal(t, "phs000178", p.Name)
}

func TestProjectCreateAndDelete(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("an error '%s' was not expected when opening a stub database connection", err)
	}
	defer db.Close()

	repo := NewProjectRepository(db)

	mock.ExpectExec(regexp.QuoteMeta(fmt.Sprintf("INSERT INTO %s (id, name, auth_id) VALUES ($1, $2, $3)", constants.TableProject))).
		WithArgs("proj-1", "phs000178", "phs000178.c1").
		WillReturnResult(sqlmock.NewResult(0, 1))

	err = repo.Create(context.Background(), &models.Project{ID: "proj-1", Name: "phs000178", AuthID: "phs000178.c1"})
	require.NoError(t, err)

	mock.ExpectExec(regexp.QuoteMeta(fmt.Sprintf("DELETE FROM %s WHERE name = $1", constants.TableProject))).
		WithArgs("phs000178").
		WillReturnResult(sqlmock.NewResult(0, 1))

	err = repo.Delete(context.Background(), "phs000178")
	assert.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestUpsertAccess(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("an error '%s' was not expected when opening a stub database connection", err)
	}
	defer db.Close()

	repo := NewProjectRepository(db)

	// Privileges are joined comma separated before storage.
	mock.ExpectExec(regexp.QuoteMeta(fmt.Sprintf("INSERT INTO %s (id, user_id, project_id, privileges, provider)", constants.TableAccessPrivilege))).
		WithArgs(sqlmock.AnyArg(), "user-123", "proj-1", "read,read-storage", "ras").
		WillReturnResult(sqlmock.NewResult(0, 1))

	err = repo.UpsertAccess(context.Background(), "user-123", "proj-1", []string{"read", "read-storage"}, "ras")
	assert.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRemoveAccessByProvider(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("an error '%s' was not expected when opening a stub database connection", err)
	}
	defer db.Close()

	repo := NewProjectRepository(db)

	query := fmt.Sprintf("DELETE FROM %s WHERE user_id = $1 AND provider = $2", constants.TableAccessPrivilege)
	mock.ExpectExec(regexp.QuoteMeta(query)).WithArgs("user-123", "ras").
		WillReturnResult(sqlmock.NewResult(0, 2))

	err = repo.RemoveAccessByProvider(context.Background(), "user-123", "ras")
	assert.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestListAccessByUser(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("an error '%s' was not expected when opening a stub database connection", err)
	}
	defer db.Close()

	repo := NewProjectRepository(db)

	mock.ExpectQuery(regexp.QuoteMeta("SELECT p.name, p.auth_id, a.privileges")).
		WithArgs("user-123").
		WillReturnRows(sqlmock.NewRows([]string{"name", "auth_id", "privileges"}).
			AddRow("phs000178", "phs000178.c1", "read,read-storage").
			AddRow("phs000200", "phs000200", ""))

	access, err := repo.ListAccessByUser(context.Background(), "user-123")
	require.NoError(t, err)
	require.Len(t, access, 2)
	assert.Equal(t, []string{"read", "read-storage"}, access[0].Privileges)
	assert.Nil(t, access[1].Privileges)
}
