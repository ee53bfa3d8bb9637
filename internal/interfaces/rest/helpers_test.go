package rest_test

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/fenceauth/fence/internal/interfaces/rest"
	apperrors "github.com/fenceauth/fence/pkg/errors"
)

func TestRespondAppErrorLogsServerErrors(t *testing.T) {
	gin.SetMode(gin.TestMode)

	core, logs := observer.New(zapcore.ErrorLevel)
	rest.SetLogger(zap.New(core).Sugar())
	defer rest.SetLogger(zap.NewNop().Sugar())

	w := httptest.NewRecorder()
	c, _ := gin.CreateTestContext(w)
	c.Request = httptest.NewRequest(http.MethodGet, "/boom", nil)

	rest.RespondAppError(c, apperrors.NewInternalError("database unavailable", nil))

	assert.Equal(t, http.StatusInternalServerError, w.Code)
	require.Equal(t, 1, logs.Len())
	entry := logs.All()[0]
	assert.Equal(t, "request failed", entry.Message)
	assert.Equal(t, int64(http.StatusInternalServerError), entry.ContextMap()["status"])

	// Client errors stay out of the error log.
	w = httptest.NewRecorder()
	c, _ = gin.CreateTestContext(w)
	c.Request = httptest.NewRequest(http.MethodGet, "/missing", nil)
	rest.RespondAppError(c, apperrors.NewNotFoundError("user", "nobody"))
	assert.Equal(t, 1, logs.Len())
}
