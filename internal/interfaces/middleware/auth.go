package middleware

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/fenceauth/fence/internal/application/services"
	"github.com/fenceauth/fence/pkg/auth"
	"github.com/fenceauth/fence/pkg/constants"
)

// RequireAuth is a middleware that validates bearer JWTs. Every audience
// in aud must be present on the token; handlers get the parsed claims via
// the request context.
func RequireAuth(authSvc *services.AuthService, aud ...string) gin.HandlerFunc {
	if len(aud) == 0 {
		aud = []string{constants.AudAccess}
	}
	return func(c *gin.Context) {
		authHeader := c.GetHeader(constants.HeaderAuthorization)
		if authHeader == "" {
			c.JSON(http.StatusUnauthorized, gin.H{
				constants.ResponseError: "Unauthorized",
				constants.FieldMessage:  "No authorization token provided",
				"code":                  "UNAUTHORIZED",
				"data":                  nil,
			})
			c.Abort()
			return
		}

		// Extract token (format: "Bearer <token>")
		parts := strings.SplitN(authHeader, " ", 2)
		if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
			c.JSON(http.StatusUnauthorized, gin.H{
				constants.ResponseError: "Unauthorized",
				constants.FieldMessage:  "Invalid authorization header format",
				"code":                  "UNAUTHORIZED",
				"data":                  nil,
			})
			c.Abort()
			return
		}

		tokenString := parts[1]

		claims, err := authSvc.ValidateAccessToken(tokenString, aud...)
		if err != nil {
			c.JSON(http.StatusUnauthorized, gin.H{
				constants.ResponseError: "Unauthorized",
				constants.FieldMessage:  err.Error(),
				"code":                  "UNAUTHORIZED",
				"data":                  nil,
			})
			c.Abort()
			return
		}

		c.Set(constants.ContextKeyUser, claims)
		c.Set(constants.ContextKeyToken, tokenString)

		c.Next()
	}
}

// RequireAdmin checks the is_admin flag baked into the access token.
// Must run after RequireAuth.
func RequireAdmin() gin.HandlerFunc {
	return func(c *gin.Context) {
		claims, exists := GetClaims(c)
		if !exists {
			c.JSON(http.StatusUnauthorized, gin.H{
				constants.ResponseError: "Unauthorized",
				constants.FieldMessage:  "User not authenticated",
				"code":                  "UNAUTHORIZED",
				"data":                  nil,
			})
			c.Abort()
			return
		}

		if !claims.Context.User.IsAdmin {
			c.JSON(http.StatusForbidden, gin.H{
				constants.ResponseError: "Forbidden",
				constants.FieldMessage:  "Only administrators can access this resource",
				"code":                  "FORBIDDEN",
				"data":                  nil,
			})
			c.Abort()
			return
		}

		c.Next()
	}
}

// GetClaims pulls the validated token claims set by RequireAuth.
func GetClaims(c *gin.Context) (*auth.Claims, bool) {
	v, exists := c.Get(constants.ContextKeyUser)
	if !exists {
		return nil, false
	}
	claims, ok := v.(*auth.Claims)
	return claims, ok
}
