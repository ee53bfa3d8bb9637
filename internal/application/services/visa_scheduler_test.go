package services

import (
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/fenceauth/fence/internal/infrastructure/persistence"
)

func newTestScheduler(t *testing.T, cronExpr string) (*VisaScheduler, sqlmock.Sqlmock, func()) {
	t.Helper()
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("an error '%s' was not expected when opening a stub database connection", err)
	}

	logger := zap.NewNop().Sugar()
	userRepo := persistence.NewUserRepository(db)
	tokenRepo := persistence.NewTokenRepository(db)
	syncSvc := NewVisaSyncService(userRepo, nil, nil, tokenRepo, nil, nil, false, logger)

	scheduler, err := NewVisaScheduler(userRepo, tokenRepo, syncSvc, cronExpr, logger)
	require.NoError(t, err)
	return scheduler, mock, func() { db.Close() }
}

func TestNewVisaSchedulerParsesCron(t *testing.T) {
	_, _, cleanup := newTestScheduler(t, "*/15 * * * *")
	defer cleanup()

	// Empty expression falls back to the default schedule.
	_, _, cleanup2 := newTestScheduler(t, "")
	defer cleanup2()

	_, err := NewVisaScheduler(nil, nil, nil, "not a cron expr", zap.NewNop().Sugar())
	assert.Error(t, err)
}

func TestSchedulerRunOnce(t *testing.T) {
	scheduler, mock, cleanup := newTestScheduler(t, "")
	defer cleanup()

	// No users hold upstream tokens; the pass still prunes expired rows.
	mock.ExpectQuery(regexp.QuoteMeta("SELECT")).
		WillReturnRows(sqlmock.NewRows([]string{"id", "username", "email", "display_name", "phone_number",
			"password_hash", "is_admin", "active", "idp_name", "created_at", "updated_at"}))
	mock.ExpectExec(regexp.QuoteMeta("DELETE FROM blacklisted_tokens WHERE expires_at < $1")).
		WithArgs(sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec(regexp.QuoteMeta("DELETE FROM user_refresh_tokens WHERE expires_at < $1")).
		WithArgs(sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 0))

	scheduler.RunOnce()
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSchedulerStartStop(t *testing.T) {
	scheduler, _, cleanup := newTestScheduler(t, "")
	defer cleanup()

	done := make(chan struct{})
	go func() {
		scheduler.Start()
		close(done)
	}()

	time.Sleep(50 * time.Millisecond)
	scheduler.Stop()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("scheduler did not stop")
	}

	// Stopping again is safe.
	scheduler.Stop()
}
