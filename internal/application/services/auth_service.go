package services

import (
	"context"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/fenceauth/fence/internal/domain/models"
	"github.com/fenceauth/fence/internal/infrastructure/persistence"
	"github.com/fenceauth/fence/internal/observability"
	"github.com/fenceauth/fence/pkg/auth"
	"github.com/fenceauth/fence/pkg/constants"
	"github.com/fenceauth/fence/pkg/errors"
)

// TokenPair is the result of a successful login or refresh grant.
type TokenPair struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	TokenType    string `json:"token_type"`
	ExpiresIn    int64  `json:"expires_in"`
}

// AuthService issues, refreshes, and revokes fence tokens.
type AuthService struct {
	userRepo    *persistence.UserRepository
	projectRepo *persistence.ProjectRepository
	tokenRepo   *persistence.TokenRepository
	issuer      *auth.TokenIssuer
	accessTTL   time.Duration
	logger      *zap.SugaredLogger
}

func NewAuthService(
	userRepo *persistence.UserRepository,
	projectRepo *persistence.ProjectRepository,
	tokenRepo *persistence.TokenRepository,
	issuer *auth.TokenIssuer,
	accessTTL time.Duration,
	logger *zap.SugaredLogger,
) *AuthService {
	return &AuthService{
		userRepo:    userRepo,
		projectRepo: projectRepo,
		tokenRepo:   tokenRepo,
		issuer:      issuer,
		accessTTL:   accessTTL,
		logger:      logger,
	}
}

// Login verifies a username/password pair and issues a token pair.
func (s *AuthService) Login(ctx context.Context, username, password string, scopes []string) (*TokenPair, error) {
	user, err := s.userRepo.GetByUsername(ctx, username)
	if err != nil {
		return nil, err
	}
	if user == nil {
		observability.LoginsTotal.WithLabelValues(constants.IdPFence, "failure").Inc()
		return nil, errors.NewUnauthorizedError("invalid username or password")
	}

	if !user.Active {
		observability.LoginsTotal.WithLabelValues(constants.IdPFence, "failure").Inc()
		return nil, errors.NewUnauthorizedError("account is disabled")
	}
	if user.PasswordHash == "" || !auth.VerifyPassword(password, user.PasswordHash) {
		observability.LoginsTotal.WithLabelValues(constants.IdPFence, "failure").Inc()
		return nil, errors.NewUnauthorizedError("invalid username or password")
	}

	pair, err := s.IssueTokenPair(ctx, user, scopes)
	if err != nil {
		return nil, err
	}
	observability.LoginsTotal.WithLabelValues(constants.IdPFence, "success").Inc()
	s.logger.Infow("user logged in", "username", user.Username)
	return pair, nil
}

// IssueTokenPair mints an access/refresh pair for an authenticated user and
// persists the refresh token's jti for later revocation checks.
func (s *AuthService) IssueTokenPair(ctx context.Context, user *models.User, scopes []string) (*TokenPair, error) {
	normalized, err := normalizeScopes(scopes)
	if err != nil {
		return nil, err
	}

	userCtx, err := s.buildUserContext(ctx, user)
	if err != nil {
		return nil, err
	}

	accessToken, accessClaims, err := s.issuer.IssueAccessToken(user.ID, *userCtx, normalized)
	if err != nil {
		return nil, fmt.Errorf("failed to sign access token: %w", err)
	}
	refreshToken, refreshClaims, err := s.issuer.IssueRefreshToken(user.ID, accessClaims.Audience)
	if err != nil {
		return nil, fmt.Errorf("failed to sign refresh token: %w", err)
	}

	if err := s.tokenRepo.InsertRefreshToken(ctx, refreshClaims.ID, user.ID, refreshClaims.ExpiresAt.Time); err != nil {
		return nil, fmt.Errorf("failed to persist refresh token: %w", err)
	}

	observability.TokensIssuedTotal.WithLabelValues("access").Inc()
	observability.TokensIssuedTotal.WithLabelValues("refresh").Inc()

	return &TokenPair{
		AccessToken:  accessToken,
		RefreshToken: refreshToken,
		TokenType:    "Bearer",
		ExpiresIn:    int64(s.accessTTL.Seconds()),
	}, nil
}

// Refresh exchanges a valid, unrevoked refresh token for a new pair. The
// presented token is rotated out.
func (s *AuthService) Refresh(ctx context.Context, refreshToken string) (*TokenPair, error) {
	claims, err := s.issuer.ValidateToken(refreshToken, constants.AudRefresh)
	if err != nil {
		return nil, errors.NewUnauthorizedError(fmt.Sprintf("invalid refresh token: %v", err))
	}

	blacklisted, err := s.tokenRepo.IsBlacklisted(ctx, claims.ID)
	if err != nil {
		return nil, err
	}
	if blacklisted {
		return nil, errors.NewUnauthorizedError("refresh token has been revoked")
	}

	// The jti must still be on record; a jti we never issued or already
	// rotated out is rejected even with a valid signature.
	record, err := s.tokenRepo.GetRefreshToken(ctx, claims.ID)
	if err != nil {
		return nil, err
	}
	if record == nil {
		return nil, errors.NewUnauthorizedError("refresh token is no longer valid")
	}

	user, err := s.userRepo.GetByID(ctx, claims.Subject)
	if err != nil {
		return nil, err
	}
	if user == nil {
		return nil, errors.NewUnauthorizedError("user no longer exists")
	}
	if !user.Active {
		return nil, errors.NewUnauthorizedError("account is disabled")
	}

	scopes := scopesFromAudience(claims.AccessAud)
	pair, err := s.IssueTokenPair(ctx, user, scopes)
	if err != nil {
		return nil, err
	}

	if err := s.tokenRepo.DeleteRefreshToken(ctx, claims.ID); err != nil {
		s.logger.Warnw("failed to rotate out refresh token", "jti", claims.ID, "error", err)
	}
	return pair, nil
}

// Revoke blacklists a refresh token. Revoking an already-revoked or
// expired token is a no-op success, matching RFC 7009.
func (s *AuthService) Revoke(ctx context.Context, refreshToken string) error {
	claims, err := auth.DecodeToken(refreshToken)
	if err != nil {
		return errors.NewUserError("token", "not a well-formed JWT")
	}
	if !hasAud(claims.Audience, constants.AudRefresh) {
		return errors.NewUserError("token", "only refresh tokens can be revoked")
	}
	if claims.ID == "" {
		return errors.NewUserError("token", "missing jti claim")
	}

	expiresAt := time.Now().Add(time.Hour)
	if claims.ExpiresAt != nil {
		expiresAt = claims.ExpiresAt.Time
	}
	if err := s.tokenRepo.Blacklist(ctx, claims.ID, expiresAt); err != nil {
		return err
	}
	if err := s.tokenRepo.DeleteRefreshToken(ctx, claims.ID); err != nil {
		s.logger.Warnw("failed to delete revoked refresh token", "jti", claims.ID, "error", err)
	}

	observability.TokensRevokedTotal.Inc()
	s.logger.Infow("refresh token revoked", "jti", claims.ID)
	return nil
}

// ValidateAccessToken verifies a bearer token for the given audiences and
// returns its claims.
func (s *AuthService) ValidateAccessToken(tokenString string, aud ...string) (*auth.Claims, error) {
	return s.issuer.ValidateToken(tokenString, aud...)
}

// UserProjects returns the user's current project access rows.
func (s *AuthService) UserProjects(ctx context.Context, userID string) ([]persistence.UserProjectAccess, error) {
	return s.projectRepo.ListAccessByUser(ctx, userID)
}

// IssueDataAccessToken mints a short-lived access token scoped to data
// download for an already-authorized user. No refresh token is issued.
func (s *AuthService) IssueDataAccessToken(ctx context.Context, userID string) (string, error) {
	user, err := s.userRepo.GetByID(ctx, userID)
	if err != nil {
		return "", err
	}
	if user == nil {
		return "", errors.NewNotFoundError("user", userID)
	}

	userCtx, err := s.buildUserContext(ctx, user)
	if err != nil {
		return "", err
	}
	token, _, err := s.issuer.IssueAccessToken(user.ID, *userCtx, []string{constants.AudOpenID, "data"})
	if err != nil {
		return "", err
	}
	observability.TokensIssuedTotal.WithLabelValues("access").Inc()
	return token, nil
}

// buildUserContext assembles the context.user claim from the user's row
// and current project access.
func (s *AuthService) buildUserContext(ctx context.Context, user *models.User) (*auth.UserContext, error) {
	access, err := s.projectRepo.ListAccessByUser(ctx, user.ID)
	if err != nil {
		return nil, err
	}

	projects := make(map[string][]string, len(access))
	for _, a := range access {
		projects[a.AuthID] = a.Privileges
	}

	return &auth.UserContext{
		Name:     user.Username,
		Email:    user.Email,
		IsAdmin:  user.IsAdmin,
		Projects: projects,
	}, nil
}

// normalizeScopes defaults to openid and rejects anything outside the
// allowed set.
func normalizeScopes(scopes []string) ([]string, error) {
	if len(scopes) == 0 {
		return []string{constants.AudOpenID}, nil
	}
	allowed := make(map[string]bool, len(constants.AllowedScopes))
	for _, s := range constants.AllowedScopes {
		allowed[s] = true
	}
	out := make([]string, 0, len(scopes))
	hasOpenID := false
	for _, scope := range scopes {
		scope = strings.TrimSpace(scope)
		if scope == "" {
			continue
		}
		if !allowed[scope] {
			return nil, errors.NewUserError("scope", fmt.Sprintf("%q is not allowed", scope))
		}
		if scope == constants.AudOpenID {
			hasOpenID = true
		}
		out = append(out, scope)
	}
	if !hasOpenID {
		out = append([]string{constants.AudOpenID}, out...)
	}
	return out, nil
}

// scopesFromAudience strips the "access" audience marker back off.
func scopesFromAudience(aud []string) []string {
	out := make([]string, 0, len(aud))
	for _, a := range aud {
		if a != constants.AudAccess {
			out = append(out, a)
		}
	}
	return out
}

func hasAud(aud []string, want string) bool {
	for _, a := range aud {
		if a == want {
			return true
		}
	}
	return false
}
