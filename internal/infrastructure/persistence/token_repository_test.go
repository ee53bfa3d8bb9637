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

	"github.com/fenceauth/fence/pkg/constants"
)

func TestRefreshTokenRoundTrip(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("an error '%s' was not expected when opening a stub database connection", err)
	}
	defer db.Close()

	repo := NewTokenRepository(db)

	expires := time.Now().Add(30 * 24 * time.Hour)

	insertQuery := fmt.Sprintf("INSERT INTO %s (jti, user_id, expires_at) VALUES ($1, $2, $3)",
		constants.TableUserRefreshToken)
	mock.ExpectExec(regexp.QuoteMeta(insertQuery)).
		WithArgs("jti-1", "user-123", expires).
		WillReturnResult(sqlmock.NewResult(0, 1))

	err = repo.InsertRefreshToken(context.Background(), "jti-1", "user-123", expires)
	require.NoError(t, err)

	getQuery := fmt.Sprintf("SELECT jti, user_id, expires_at FROM %s WHERE jti = $1 LIMIT 1",
		constants.TableUserRefreshToken)
	mock.ExpectQuery(regexp.QuoteMeta(getQuery)).WithArgs("jti-1").
		WillReturnRows(sqlmock.NewRows([]string{"jti", "user_id", "expires_at"}).
			AddRow("jti-1", "user-123", expires))

	rec, err := repo.GetRefreshToken(context.Background(), "jti-1")
	require.NoError(t, err)
	require.NotNil(t, rec)
	assert.Equal(t, "user-123", rec.UserID)

	// Unknown jti returns nil, nil
	mock.ExpectQuery(regexp.QuoteMeta(getQuery)).WithArgs("jti-unknown").
		WillReturnRows(sqlmock.NewRows([]string{"jti", "user_id", "expires_at"}))

	rec, err = repo.GetRefreshToken(context.Background(), "jti-unknown")
	assert.NoError(t, err)
	assert.Nil(t, rec)

	deleteQuery := fmt.Sprintf("DELETE FROM %s WHERE jti = $1", constants.TableUserRefreshToken)
	mock.ExpectExec(regexp.QuoteMeta(deleteQuery)).WithArgs("jti-1").
		WillReturnResult(sqlmock.NewResult(0, 1))

	err = repo.DeleteRefreshToken(context.Background(), "jti-1")
	assert.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestBlacklist(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("an error '%s' was not expected when opening a stub database connection", err)
	}
	defer db.Close()

	repo := NewTokenRepository(db)

	expires := time.Now().Add(time.Hour)

	mock.ExpectExec(regexp.QuoteMeta(fmt.Sprintf("INSERT INTO %s (jti, expires_at)", constants.TableBlacklistedToken))).
		WithArgs("jti-1", expires).
		WillReturnResult(sqlmock.NewResult(0, 1))

	err = repo.Blacklist(context.Background(), "jti-1", expires)
	require.NoError(t, err)

	existsQuery := fmt.Sprintf("SELECT EXISTS(SELECT 1 FROM %s WHERE jti = $1)", constants.TableBlacklistedToken)
	mock.ExpectQuery(regexp.QuoteMeta(existsQuery)).WithArgs("jti-1").
		WillReturnRows(sqlmock.NewRows([]string{"exists"}).AddRow(true))

	blacklisted, err := repo.IsBlacklisted(context.Background(), "jti-1")
	assert.NoError(t, err)
	assert.True(t, blacklisted)

	mock.ExpectQuery(regexp.QuoteMeta(existsQuery)).WithArgs("jti-2").
		WillReturnRows(sqlmock.NewRows([]string{"exists"}).AddRow(false))

	blacklisted, err = repo.IsBlacklisted(context.Background(), "jti-2")
	assert.NoError(t, err)
	assert.False(t, blacklisted)
}

func TestPruneExpired(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("an error '%s' was not expected when opening a stub database connection", err)
	}
	defer db.Close()

	repo := NewTokenRepository(db)

	// Both expiring tables get pruned in order.
	mock.ExpectExec(regexp.QuoteMeta(fmt.Sprintf("DELETE FROM %s WHERE expires_at < $1", constants.TableBlacklistedToken))).
		WithArgs(sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 3))
	mock.ExpectExec(regexp.QuoteMeta(fmt.Sprintf("DELETE FROM %s WHERE expires_at < $1", constants.TableUserRefreshToken))).
		WithArgs(sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))

	err = repo.PruneExpired(context.Background())
	assert.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestUpstreamRefreshToken(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("an error '%s' was not expected when opening a stub database connection", err)
	}
	defer db.Close()

	repo := NewTokenRepository(db)

	expires := time.Now().Add(30 * 24 * time.Hour)

	// Store replaces any existing token for the user.
	mock.ExpectExec(regexp.QuoteMeta(fmt.Sprintf("DELETE FROM %s WHERE user_id = $1", constants.TableUpstreamRefreshToken))).
		WithArgs("user-123").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(regexp.QuoteMeta(fmt.Sprintf("INSERT INTO %s (id, user_id, refresh_token, expires_at)", constants.TableUpstreamRefreshToken))).
		WithArgs(sqlmock.AnyArg(), "user-123", "upstream-token", expires).
		WillReturnResult(sqlmock.NewResult(0, 1))

	err = repo.StoreUpstreamRefreshToken(context.Background(), "user-123", "upstream-token", expires)
	require.NoError(t, err)

	mock.ExpectQuery(regexp.QuoteMeta("SELECT id, user_id, refresh_token, expires_at FROM "+constants.TableUpstreamRefreshToken)).
		WithArgs("user-123").
		WillReturnRows(sqlmock.NewRows([]string{"id", "user_id", "refresh_token", "expires_at"}).
			AddRow("tok-1", "user-123", "upstream-token", expires))

	tok, err := repo.GetUpstreamRefreshToken(context.Background(), "user-123")
	require.NoError(t, err)
	require.NotNil(t, tok)
	assert.Equal(t, "upstream-token", tok.RefreshToken)

	// No token stored returns nil, nil
	mock.ExpectQuery(regexp.QuoteMeta("SELECT id, user_id, refresh_token, expires_at FROM "+constants.TableUpstreamRefreshToken)).
		WithArgs("user-456").
		WillReturnRows(sqlmock.NewRows([]string{"id", "user_id", "refresh_token", "expires_at"}))

	tok, err = repo.GetUpstreamRefreshToken(context.Background(), "user-456")
	assert.NoError(t, err)
	assert.Nil(t, tok)

	assert.NoError(t, mock.ExpectationsWereMet())
}
