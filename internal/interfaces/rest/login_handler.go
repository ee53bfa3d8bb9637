package rest

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/fenceauth/fence/internal/application/services"
)

// LoginHandler serves the upstream OIDC login flow.
type LoginHandler struct {
	loginSvc *services.LoginService
}

func NewLoginHandler(loginSvc *services.LoginService) *LoginHandler {
	return &LoginHandler{loginSvc: loginSvc}
}

// Begin handles GET /login/:idp by redirecting the browser to the provider.
// With ?redirect=no the URL is returned as JSON instead, for API clients.
func (h *LoginHandler) Begin(c *gin.Context) {
	url, err := h.loginSvc.BeginLogin(c.Request.Context(), c.Param("idp"))
	if err != nil {
		RespondAppError(c, err)
		return
	}

	if c.Query("redirect") == "no" {
		c.JSON(http.StatusOK, gin.H{"url": url})
		return
	}
	c.Redirect(http.StatusFound, url)
}

// Callback handles GET /login/:idp/callback, redeeming the provider's code
// for a fence token pair.
func (h *LoginHandler) Callback(c *gin.Context) {
	pair, user, err := h.loginSvc.CompleteLogin(
		c.Request.Context(),
		c.Param("idp"),
		c.Query("state"),
		c.Query("code"),
	)
	if err != nil {
		RespondAppError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"username":      user.Username,
		"access_token":  pair.AccessToken,
		"refresh_token": pair.RefreshToken,
		"token_type":    pair.TokenType,
		"expires_in":    pair.ExpiresIn,
	})
}
