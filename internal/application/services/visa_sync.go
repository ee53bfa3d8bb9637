package services

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/fenceauth/fence/internal/domain/models"
	"github.com/fenceauth/fence/internal/infrastructure/persistence"
	"github.com/fenceauth/fence/pkg/constants"
	"github.com/fenceauth/fence/pkg/utils"
)

// VisaSyncService refreshes users' GA4GH visas from upstream providers and
// projects the dbGaP authorizations they carry onto fence access rows.
type VisaSyncService struct {
	userRepo     *persistence.UserRepository
	projectRepo  *persistence.ProjectRepository
	visaRepo     *persistence.VisaRepository
	tokenRepo    *persistence.TokenRepository
	passports    *PassportService
	oidcClients  map[string]*OIDCClient
	parseConsent bool
	logger       *zap.SugaredLogger
}

func NewVisaSyncService(
	userRepo *persistence.UserRepository,
	projectRepo *persistence.ProjectRepository,
	visaRepo *persistence.VisaRepository,
	tokenRepo *persistence.TokenRepository,
	passports *PassportService,
	oidcClients map[string]*OIDCClient,
	parseConsent bool,
	logger *zap.SugaredLogger,
) *VisaSyncService {
	return &VisaSyncService{
		userRepo:     userRepo,
		projectRepo:  projectRepo,
		visaRepo:     visaRepo,
		tokenRepo:    tokenRepo,
		passports:    passports,
		oidcClients:  oidcClients,
		parseConsent: parseConsent,
		logger:       logger,
	}
}

// ProjectsFromVisas folds the dbGaP permissions of a visa set into a
// map of project auth_id to privileges. The project identifier is the
// phsid, optionally suffixed with the consent group.
func (s *VisaSyncService) ProjectsFromVisas(visas []*VisaClaims) map[string][]string {
	now := time.Now().Unix()
	projects := make(map[string][]string)
	for _, visa := range visas {
		for _, perm := range visa.DbgapPermissions {
			if perm.PhsID == "" {
				continue
			}
			if perm.Expiration > 0 && perm.Expiration < now {
				continue
			}
			authID := perm.PhsID
			if s.parseConsent && perm.ConsentGroup != "" {
				authID = perm.PhsID + "." + perm.ConsentGroup
			}
			// dbGaP data is not consistent about case; project auth IDs are.
			projects[strings.ToLower(authID)] = constants.VisaProjectPrivileges
		}
	}
	return projects
}

// SyncUserAccess reasserts a user's RAS-derived project access from the
// given validated visas. Access rows owned by other providers (manual
// admin grants included) are left alone.
func (s *VisaSyncService) SyncUserAccess(ctx context.Context, userID string, visas []*VisaClaims) error {
	if err := s.projectRepo.RemoveAccessByProvider(ctx, userID, constants.IdPRAS); err != nil {
		return fmt.Errorf("failed to clear visa-derived access: %w", err)
	}

	projects := s.ProjectsFromVisas(visas)
	authIDs := make([]string, 0, len(projects))
	for authID := range projects {
		authIDs = append(authIDs, authID)
	}
	sort.Strings(authIDs)

	for _, authID := range authIDs {
		project, err := s.projectRepo.GetByAuthID(ctx, authID)
		if err != nil {
			return err
		}
		if project == nil {
			project = &models.Project{
				ID:     utils.GenerateID(),
				Name:   authID,
				AuthID: authID,
			}
			if err := s.projectRepo.Create(ctx, project); err != nil {
				return fmt.Errorf("failed to create project %s: %w", authID, err)
			}
			s.logger.Infow("created project from visa permission", "auth_id", authID)
		}

		if err := s.projectRepo.UpsertAccess(ctx, userID, project.ID, projects[authID], constants.IdPRAS); err != nil {
			return fmt.Errorf("failed to grant access to %s: %w", authID, err)
		}
	}
	return nil
}

// StoreValidatedVisas replaces a user's stored visas and resyncs access.
// An empty visa set clears both.
func (s *VisaSyncService) StoreValidatedVisas(ctx context.Context, userID string, visas []*VisaClaims) error {
	records := make([]*models.GA4GHVisa, 0, len(visas))
	for _, v := range visas {
		records = append(records, &models.GA4GHVisa{
			ID:       utils.GenerateID(),
			UserID:   userID,
			Encoded:  v.Encoded,
			Source:   v.Visa.Source,
			Type:     v.Visa.Type,
			Asserted: v.Visa.Asserted,
			Expires:  v.Expires,
		})
	}
	if err := s.visaRepo.ReplaceForUser(ctx, userID, records); err != nil {
		return err
	}
	return s.SyncUserAccess(ctx, userID, visas)
}

// ProcessPassport validates a passport's visas and stores the valid ones
// for the user. Invalid visas are skipped, not fatal.
func (s *VisaSyncService) ProcessPassport(ctx context.Context, userID, encodedPassport string) error {
	encodedVisas, err := s.passports.ExtractVisasFromPassport(ctx, encodedPassport)
	if err != nil {
		return err
	}

	var valid []*VisaClaims
	for _, encoded := range encodedVisas {
		visa, err := s.passports.ValidateVisa(ctx, encoded)
		if err != nil {
			s.logger.Warnw("skipping invalid visa", "user_id", userID, "error", err)
			continue
		}
		valid = append(valid, visa)
	}
	return s.StoreValidatedVisas(ctx, userID, valid)
}

// UpdateUserVisas refreshes one user's visas using their stored upstream
// refresh token. A missing or expired refresh token, or a refresh the
// provider rejects, clears the user's visas and visa-derived access.
func (s *VisaSyncService) UpdateUserVisas(ctx context.Context, user *models.User) error {
	client, ok := s.oidcClients[user.IdPName]
	if !ok {
		return fmt.Errorf("no configured provider for idp %s", user.IdPName)
	}

	stored, err := s.tokenRepo.GetUpstreamRefreshToken(ctx, user.ID)
	if err != nil {
		return err
	}
	if stored == nil || stored.ExpiresAt.Before(time.Now()) {
		s.logger.Infow("no usable upstream refresh token, clearing visas", "username", user.Username)
		return s.clearUserVisas(ctx, user.ID)
	}

	var tokens *TokenResponse
	err = withRetry(ctx, s.logger, "upstream token refresh", func() error {
		var reqErr error
		tokens, reqErr = client.RefreshAccessToken(ctx, stored.RefreshToken)
		return reqErr
	})
	if err != nil {
		s.logger.Warnw("upstream refresh failed, clearing visas", "username", user.Username, "error", err)
		if clearErr := s.clearUserVisas(ctx, user.ID); clearErr != nil {
			return clearErr
		}
		return err
	}

	// Providers rotate refresh tokens; persist the replacement.
	if tokens.RefreshToken != "" {
		expiresAt := time.Now().Add(24 * time.Hour * 30)
		if err := s.tokenRepo.StoreUpstreamRefreshToken(ctx, user.ID, tokens.RefreshToken, expiresAt); err != nil {
			return err
		}
	}

	userinfo, err := client.Userinfo(ctx, tokens.AccessToken)
	if err != nil {
		return err
	}
	s.syncUserProfile(ctx, user, userinfo)

	encodedPassport, _ := userinfo[constants.ClaimPassportJWTV11].(string)
	if encodedPassport == "" {
		s.logger.Warnw("userinfo contained no passport, clearing visas", "username", user.Username)
		return s.clearUserVisas(ctx, user.ID)
	}

	return s.ProcessPassport(ctx, user.ID, encodedPassport)
}

// syncUserProfile refreshes the profile fields RAS reports through
// userinfo. Failures are logged, not fatal; visa sync matters more.
func (s *VisaSyncService) syncUserProfile(ctx context.Context, user *models.User, userinfo map[string]interface{}) {
	updates := make(map[string]interface{})
	if email, _ := userinfo["email"].(string); email != "" && email != user.Email {
		updates["email"] = email
	}
	if name, _ := userinfo["name"].(string); name != "" && name != user.DisplayName {
		updates["display_name"] = name
	}
	if phone, _ := userinfo["phone_number"].(string); phone != "" && phone != user.PhoneNumber {
		updates["phone_number"] = phone
	}
	if len(updates) == 0 {
		return
	}
	if err := s.userRepo.Update(ctx, user.ID, updates); err != nil {
		s.logger.Warnw("failed to refresh user profile from userinfo", "username", user.Username, "error", err)
	}
}

func (s *VisaSyncService) clearUserVisas(ctx context.Context, userID string) error {
	if err := s.visaRepo.DeleteForUser(ctx, userID); err != nil {
		return err
	}
	return s.projectRepo.RemoveAccessByProvider(ctx, userID, constants.IdPRAS)
}
