package rest_test

import (
	"bytes"
	"crypto/rand"
	"crypto/rsa"
	"database/sql"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/fenceauth/fence/internal/application/services"
	"github.com/fenceauth/fence/internal/infrastructure/persistence"
	"github.com/fenceauth/fence/internal/interfaces/middleware"
	"github.com/fenceauth/fence/internal/interfaces/rest"
	"github.com/fenceauth/fence/pkg/auth"
)

type testEnv struct {
	db       *sql.DB
	mock     sqlmock.Sqlmock
	issuer   *auth.TokenIssuer
	authSvc  *services.AuthService
	adminSvc *services.AdminService
	router   *gin.Engine
	cleanup  func()
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	gin.SetMode(gin.TestMode)

	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("an error '%s' was not expected when opening a stub database connection", err)
	}

	key, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)
	keys := auth.NewKeySet(&auth.KeyPair{ID: "test-key", PrivateKey: key})
	issuer := auth.NewTokenIssuer(keys, "https://fence.example.org", 20*time.Minute, 30*24*time.Hour)

	logger := zap.NewNop().Sugar()
	userRepo := persistence.NewUserRepository(db)
	projectRepo := persistence.NewProjectRepository(db)
	groupRepo := persistence.NewGroupRepository(db)
	tokenRepo := persistence.NewTokenRepository(db)
	visaRepo := persistence.NewVisaRepository(db)

	authSvc := services.NewAuthService(userRepo, projectRepo, tokenRepo, issuer, 20*time.Minute, logger)
	adminSvc := services.NewAdminService(userRepo, projectRepo, groupRepo, tokenRepo, visaRepo, logger)

	return &testEnv{
		db:       db,
		mock:     mock,
		issuer:   issuer,
		authSvc:  authSvc,
		adminSvc: adminSvc,
		router:   gin.New(),
		cleanup:  func() { db.Close() },
	}
}

var userCols = []string{"id", "username", "email", "display_name", "phone_number",
	"password_hash", "is_admin", "active", "idp_name", "created_at", "updated_at"}

func TestAuthHandler_Login(t *testing.T) {
	env := newTestEnv(t)
	defer env.cleanup()

	handler := rest.NewAuthHandler(env.authSvc, env.adminSvc, env.issuer)
	env.router.POST("/user/credentials/api/login", handler.Login)

	hash, err := auth.HashPassword("correct horse 1")
	require.NoError(t, err)

	env.mock.ExpectQuery(regexp.QuoteMeta("SELECT")).WithArgs("alice").
		WillReturnRows(sqlmock.NewRows(userCols).
			AddRow("user-123", "alice", "alice@example.org", "", "", hash, false, true, "", time.Now(), nil))
	env.mock.ExpectQuery(regexp.QuoteMeta("SELECT p.name, p.auth_id, a.privileges")).WithArgs("user-123").
		WillReturnRows(sqlmock.NewRows([]string{"name", "auth_id", "privileges"}))
	env.mock.ExpectExec(regexp.QuoteMeta("INSERT INTO user_refresh_tokens")).
		WithArgs(sqlmock.AnyArg(), "user-123", sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))

	body, _ := json.Marshal(map[string]interface{}{
		"username": "alice",
		"password": "correct horse 1",
	})
	req := httptest.NewRequest(http.MethodPost, "/user/credentials/api/login", bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	env.router.ServeHTTP(w, req)

	assert.Equal(t, http.StatusOK, w.Code)

	var pair services.TokenPair
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &pair))
	assert.Equal(t, "Bearer", pair.TokenType)
	assert.NotEmpty(t, pair.AccessToken)
	assert.NotEmpty(t, pair.RefreshToken)
}

func TestAuthHandler_LoginBadCredentials(t *testing.T) {
	env := newTestEnv(t)
	defer env.cleanup()

	handler := rest.NewAuthHandler(env.authSvc, env.adminSvc, env.issuer)
	env.router.POST("/user/credentials/api/login", handler.Login)

	env.mock.ExpectQuery(regexp.QuoteMeta("SELECT")).WithArgs("alice").
		WillReturnRows(sqlmock.NewRows(userCols))

	body, _ := json.Marshal(map[string]interface{}{
		"username": "alice",
		"password": "whatever1",
	})
	req := httptest.NewRequest(http.MethodPost, "/user/credentials/api/login", bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	env.router.ServeHTTP(w, req)

	assert.Equal(t, http.StatusUnauthorized, w.Code)

	var resp map[string]interface{}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, "UNAUTHORIZED", resp["code"])
	assert.NotEmpty(t, resp["error"])
}

func TestAuthHandler_LoginMissingBody(t *testing.T) {
	env := newTestEnv(t)
	defer env.cleanup()

	handler := rest.NewAuthHandler(env.authSvc, env.adminSvc, env.issuer)
	env.router.POST("/user/credentials/api/login", handler.Login)

	req := httptest.NewRequest(http.MethodPost, "/user/credentials/api/login", bytes.NewReader([]byte(`{}`)))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	env.router.ServeHTTP(w, req)

	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestAuthHandler_JWKS(t *testing.T) {
	env := newTestEnv(t)
	defer env.cleanup()

	handler := rest.NewAuthHandler(env.authSvc, env.adminSvc, env.issuer)
	env.router.GET("/jwt/keys", handler.JWKS)

	req := httptest.NewRequest(http.MethodGet, "/jwt/keys", nil)
	w := httptest.NewRecorder()
	env.router.ServeHTTP(w, req)

	assert.Equal(t, http.StatusOK, w.Code)

	var resp struct {
		Keys []auth.JWK `json:"keys"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	require.Len(t, resp.Keys, 1)
	assert.Equal(t, "test-key", resp.Keys[0].Kid)
	assert.Equal(t, "RS256", resp.Keys[0].Alg)
}

func TestRequireAuthMiddleware(t *testing.T) {
	env := newTestEnv(t)
	defer env.cleanup()

	env.router.GET("/protected", middleware.RequireAuth(env.authSvc), func(c *gin.Context) {
		claims, ok := middleware.GetClaims(c)
		require.True(t, ok)
		c.JSON(http.StatusOK, gin.H{"sub": claims.Subject})
	})

	// No token
	req := httptest.NewRequest(http.MethodGet, "/protected", nil)
	w := httptest.NewRecorder()
	env.router.ServeHTTP(w, req)
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	// Valid access token
	token, _, err := env.issuer.IssueAccessToken("user-123", auth.UserContext{Name: "alice"}, []string{"openid"})
	require.NoError(t, err)

	req = httptest.NewRequest(http.MethodGet, "/protected", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	w = httptest.NewRecorder()
	env.router.ServeHTTP(w, req)
	assert.Equal(t, http.StatusOK, w.Code)

	// Refresh token must not pass an access-gated route
	refresh, _, err := env.issuer.IssueRefreshToken("user-123", []string{"access", "openid"})
	require.NoError(t, err)

	req = httptest.NewRequest(http.MethodGet, "/protected", nil)
	req.Header.Set("Authorization", "Bearer "+refresh)
	w = httptest.NewRecorder()
	env.router.ServeHTTP(w, req)
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestRequireAdminMiddleware(t *testing.T) {
	env := newTestEnv(t)
	defer env.cleanup()

	env.router.GET("/admin/ping", middleware.RequireAuth(env.authSvc), middleware.RequireAdmin(), func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"ok": true})
	})

	// Plain user is forbidden
	token, _, err := env.issuer.IssueAccessToken("user-123", auth.UserContext{Name: "alice"}, []string{"openid"})
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodGet, "/admin/ping", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	w := httptest.NewRecorder()
	env.router.ServeHTTP(w, req)
	assert.Equal(t, http.StatusForbidden, w.Code)

	// Admin passes
	token, _, err = env.issuer.IssueAccessToken("admin-1", auth.UserContext{Name: "root", IsAdmin: true}, []string{"openid"})
	require.NoError(t, err)

	req = httptest.NewRequest(http.MethodGet, "/admin/ping", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	w = httptest.NewRecorder()
	env.router.ServeHTTP(w, req)
	assert.Equal(t, http.StatusOK, w.Code)
}
