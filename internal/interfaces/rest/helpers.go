package rest

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/fenceauth/fence/internal/interfaces/middleware"
	"github.com/fenceauth/fence/pkg/auth"
	"github.com/fenceauth/fence/pkg/constants"
	"github.com/fenceauth/fence/pkg/errors"
)

// logger is a no-op until SetLogger wires in the service logger.
var logger = zap.NewNop().Sugar()

// SetLogger injects the service logger used for 5xx responses. Called once
// at startup.
func SetLogger(l *zap.SugaredLogger) {
	if l != nil {
		logger = l
	}
}

// GetClaimsFromContext extracts the validated token claims put in place by
// the auth middleware.
func GetClaimsFromContext(c *gin.Context) *auth.Claims {
	claims, ok := middleware.GetClaims(c)
	if !ok {
		return nil
	}
	return claims
}

// RespondAppError sends a standardised JSON error response using pkg/errors
func RespondAppError(c *gin.Context, err error) {
	code := errors.GetHTTPStatus(err)
	errorCode := errors.GetErrorCode(err)
	message := err.Error()

	if code >= 500 {
		logger.Errorw("request failed",
			"status", code, "method", c.Request.Method, "path", c.Request.URL.Path, "error", message)
	}

	c.JSON(code, gin.H{
		constants.ResponseError: message,
		constants.FieldMessage:  message,
		"code":                  errorCode,
		"data":                  nil,
	})
}

// BindJSON binds JSON and returns true if successful. If failed, it sends bad request error.
func BindJSON(c *gin.Context, obj interface{}) bool {
	if err := c.ShouldBindJSON(obj); err != nil {
		RespondAppError(c, errors.NewUserError("body", err.Error()))
		return false
	}
	return true
}

// HandleGetEnvelope executes a read action and returns the result wrapped in a JSON key
// Response: { [key]: result }
func HandleGetEnvelope(c *gin.Context, key string, action func() (interface{}, error)) {
	result, err := action()
	if err != nil {
		RespondAppError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{key: result})
}

// HandleActionEnvelope executes a mutating action and returns a message.
// Response: { constants.FieldMessage: successMsg }
func HandleActionEnvelope(c *gin.Context, successMsg string, action func() error) {
	if err := action(); err != nil {
		RespondAppError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{constants.FieldMessage: successMsg})
}
