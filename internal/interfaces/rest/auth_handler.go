package rest

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/fenceauth/fence/internal/application/services"
	"github.com/fenceauth/fence/pkg/auth"
	"github.com/fenceauth/fence/pkg/errors"
)

// AuthHandler serves login, the refresh grant, revocation, /user/me, and
// the JWKS endpoint.
type AuthHandler struct {
	authSvc  *services.AuthService
	adminSvc *services.AdminService
	issuer   *auth.TokenIssuer
}

func NewAuthHandler(authSvc *services.AuthService, adminSvc *services.AdminService, issuer *auth.TokenIssuer) *AuthHandler {
	return &AuthHandler{authSvc: authSvc, adminSvc: adminSvc, issuer: issuer}
}

type loginRequest struct {
	Username string   `json:"username" binding:"required"`
	Password string   `json:"password" binding:"required"`
	Scopes   []string `json:"scopes"`
}

// Login handles POST /user/credentials/api/login
func (h *AuthHandler) Login(c *gin.Context) {
	var req loginRequest
	if !BindJSON(c, &req) {
		return
	}

	pair, err := h.authSvc.Login(c.Request.Context(), req.Username, req.Password, req.Scopes)
	if err != nil {
		RespondAppError(c, err)
		return
	}
	c.JSON(http.StatusOK, pair)
}

type refreshRequest struct {
	RefreshToken string `json:"refresh_token" binding:"required"`
}

// Token handles POST /user/credentials/api/token (refresh grant)
func (h *AuthHandler) Token(c *gin.Context) {
	var req refreshRequest
	if !BindJSON(c, &req) {
		return
	}

	pair, err := h.authSvc.Refresh(c.Request.Context(), req.RefreshToken)
	if err != nil {
		RespondAppError(c, err)
		return
	}
	c.JSON(http.StatusOK, pair)
}

// Revoke handles POST /user/credentials/api/revoke
func (h *AuthHandler) Revoke(c *gin.Context) {
	var req refreshRequest
	if !BindJSON(c, &req) {
		return
	}

	HandleActionEnvelope(c, "token revoked", func() error {
		return h.authSvc.Revoke(c.Request.Context(), req.RefreshToken)
	})
}

// Me handles GET /user/me
func (h *AuthHandler) Me(c *gin.Context) {
	claims := GetClaimsFromContext(c)
	if claims == nil {
		RespondAppError(c, errors.NewUnauthorizedError("not authenticated"))
		return
	}

	user, err := h.adminSvc.GetUser(c.Request.Context(), claims.Context.User.Name)
	if err != nil {
		RespondAppError(c, err)
		return
	}
	c.JSON(http.StatusOK, user)
}

// JWKS handles GET /jwt/keys
func (h *AuthHandler) JWKS(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"keys": h.issuer.Keys().JWKS()})
}
