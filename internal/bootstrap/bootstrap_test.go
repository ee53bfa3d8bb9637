package bootstrap

import (
	"regexp"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"go.uber.org/zap"
)

func TestInitializeSchema(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("an error '%s' was not expected when opening a stub database connection", err)
	}
	defer db.Close()

	for _, stmt := range schemaStatements {
		mock.ExpectExec(regexp.QuoteMeta(stmt)).WillReturnResult(sqlmock.NewResult(0, 0))
	}

	err = InitializeSchema(db)
	assert.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestInitializeSystemData(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("an error '%s' was not expected when opening a stub database connection", err)
	}
	defer db.Close()

	t.Setenv("FENCE_ADMIN_PASSWORD", "bootstrap-secret1")
	t.Setenv("FENCE_ADMIN_USERNAME", "root-admin")

	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO identity_providers")).
		WithArgs("fence", "local password login").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO identity_providers")).
		WithArgs("ras", "NIH Researcher Auth Service").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectQuery(regexp.QuoteMeta("SELECT EXISTS(SELECT 1 FROM users WHERE LOWER(username) = LOWER($1))")).
		WithArgs("root-admin").
		WillReturnRows(sqlmock.NewRows([]string{"exists"}).AddRow(false))
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO users")).
		WithArgs(sqlmock.AnyArg(), "root-admin", sqlmock.AnyArg(), "fence").
		WillReturnResult(sqlmock.NewResult(0, 1))

	err = InitializeSystemData(db, zap.NewNop().Sugar())
	assert.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestInitializeSystemDataSkipsExistingAdmin(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("an error '%s' was not expected when opening a stub database connection", err)
	}
	defer db.Close()

	t.Setenv("FENCE_ADMIN_PASSWORD", "bootstrap-secret1")
	t.Setenv("FENCE_ADMIN_USERNAME", "root-admin")

	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO identity_providers")).
		WithArgs("fence", "local password login").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO identity_providers")).
		WithArgs("ras", "NIH Researcher Auth Service").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectQuery(regexp.QuoteMeta("SELECT EXISTS")).
		WithArgs("root-admin").
		WillReturnRows(sqlmock.NewRows([]string{"exists"}).AddRow(true))

	err = InitializeSystemData(db, zap.NewNop().Sugar())
	assert.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}
