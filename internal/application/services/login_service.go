package services

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/fenceauth/fence/internal/domain/models"
	"github.com/fenceauth/fence/internal/infrastructure/persistence"
	"github.com/fenceauth/fence/internal/observability"
	"github.com/fenceauth/fence/pkg/constants"
	"github.com/fenceauth/fence/pkg/errors"
	"github.com/fenceauth/fence/pkg/utils"
)

// stateTTL bounds how long a login state parameter stays redeemable.
const stateTTL = 10 * time.Minute

// LoginService drives the upstream OIDC login flow: redirect out with a
// state parameter, then redeem the callback code for a fence session.
type LoginService struct {
	userRepo    *persistence.UserRepository
	tokenRepo   *persistence.TokenRepository
	authSvc     *AuthService
	visaSync    *VisaSyncService
	oidcClients map[string]*OIDCClient
	logger      *zap.SugaredLogger

	mu     sync.Mutex
	states map[string]stateEntry
}

type stateEntry struct {
	idp       string
	expiresAt time.Time
}

func NewLoginService(
	userRepo *persistence.UserRepository,
	tokenRepo *persistence.TokenRepository,
	authSvc *AuthService,
	visaSync *VisaSyncService,
	oidcClients map[string]*OIDCClient,
	logger *zap.SugaredLogger,
) *LoginService {
	return &LoginService{
		userRepo:    userRepo,
		tokenRepo:   tokenRepo,
		authSvc:     authSvc,
		visaSync:    visaSync,
		oidcClients: oidcClients,
		logger:      logger,
		states:      make(map[string]stateEntry),
	}
}

// BeginLogin returns the provider redirect URL with a fresh state value.
func (s *LoginService) BeginLogin(ctx context.Context, idp string) (string, error) {
	client, ok := s.oidcClients[idp]
	if !ok {
		return "", errors.NewNotFoundError("identity provider", idp)
	}

	state := utils.GenerateSecret(32)
	s.mu.Lock()
	for k, v := range s.states {
		if time.Now().After(v.expiresAt) {
			delete(s.states, k)
		}
	}
	s.states[state] = stateEntry{idp: idp, expiresAt: time.Now().Add(stateTTL)}
	s.mu.Unlock()

	return client.AuthURL(ctx, state)
}

// consumeState redeems a state value exactly once.
func (s *LoginService) consumeState(state, idp string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	entry, ok := s.states[state]
	if !ok {
		return false
	}
	delete(s.states, state)
	return entry.idp == idp && time.Now().Before(entry.expiresAt)
}

// CompleteLogin redeems the provider callback, provisions the user on
// first login, stores the upstream refresh token for the visa cronjob,
// ingests any passport in userinfo, and issues a fence token pair.
func (s *LoginService) CompleteLogin(ctx context.Context, idp, state, code string) (*TokenPair, *models.User, error) {
	client, ok := s.oidcClients[idp]
	if !ok {
		return nil, nil, errors.NewNotFoundError("identity provider", idp)
	}
	if !s.consumeState(state, idp) {
		observability.LoginsTotal.WithLabelValues(idp, "failure").Inc()
		return nil, nil, errors.NewUnauthorizedError("invalid or expired state parameter")
	}
	if code == "" {
		observability.LoginsTotal.WithLabelValues(idp, "failure").Inc()
		return nil, nil, errors.NewUserError("code", "missing authorization code")
	}

	tokens, err := client.ExchangeCode(ctx, code)
	if err != nil {
		observability.LoginsTotal.WithLabelValues(idp, "failure").Inc()
		return nil, nil, errors.NewUnauthorizedError("code exchange failed: " + err.Error())
	}

	var idTokenSub string
	if tokens.IDToken != "" {
		idTokenSub, err = client.VerifyIDToken(ctx, tokens.IDToken)
		if err != nil {
			observability.LoginsTotal.WithLabelValues(idp, "failure").Inc()
			return nil, nil, errors.NewUnauthorizedError("id_token verification failed: " + err.Error())
		}
	}

	userinfo, err := client.Userinfo(ctx, tokens.AccessToken)
	if err != nil {
		observability.LoginsTotal.WithLabelValues(idp, "failure").Inc()
		return nil, nil, errors.NewUnauthorizedError("userinfo fetch failed: " + err.Error())
	}

	username, field := ResolveUsername(userinfo, idTokenSub)
	if username == "" {
		observability.LoginsTotal.WithLabelValues(idp, "failure").Inc()
		return nil, nil, errors.NewUnauthorizedError("provider returned no usable username")
	}
	s.logger.Infow("resolved upstream username", "idp", idp, "field", field)

	user, err := s.getOrCreateUser(ctx, username, idp, userinfo)
	if err != nil {
		return nil, nil, err
	}

	if tokens.RefreshToken != "" {
		expiresAt := time.Now().Add(24 * time.Hour * 30)
		if err := s.tokenRepo.StoreUpstreamRefreshToken(ctx, user.ID, tokens.RefreshToken, expiresAt); err != nil {
			s.logger.Errorw("failed to store upstream refresh token", "username", user.Username, "error", err)
		}
	}

	if encodedPassport, ok := userinfo[constants.ClaimPassportJWTV11].(string); ok && encodedPassport != "" {
		if err := s.visaSync.ProcessPassport(ctx, user.ID, encodedPassport); err != nil {
			// A bad passport does not block login; access just stays stale.
			s.logger.Warnw("failed to process login passport", "username", user.Username, "error", err)
		}
	}

	pair, err := s.authSvc.IssueTokenPair(ctx, user, nil)
	if err != nil {
		return nil, nil, err
	}
	observability.LoginsTotal.WithLabelValues(idp, "success").Inc()
	s.logger.Infow("upstream login complete", "idp", idp, "username", user.Username)
	return pair, user, nil
}

func (s *LoginService) getOrCreateUser(ctx context.Context, username, idp string, userinfo map[string]interface{}) (*models.User, error) {
	user, err := s.userRepo.GetByUsername(ctx, username)
	if err != nil {
		return nil, err
	}
	if user != nil {
		if !user.Active {
			return nil, errors.NewUnauthorizedError("account is disabled")
		}
		return user, nil
	}

	email, _ := userinfo["email"].(string)
	displayName, _ := userinfo["name"].(string)
	newUser := &models.User{
		ID:          utils.GenerateID(),
		Username:    username,
		Email:       email,
		DisplayName: displayName,
		Active:      true,
		IdPName:     idp,
	}
	if err := s.userRepo.Create(ctx, newUser); err != nil {
		return nil, err
	}
	s.logger.Infow("provisioned user on first login", "username", username, "idp", idp)
	return newUser, nil
}
