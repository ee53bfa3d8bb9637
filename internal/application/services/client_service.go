package services

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/fenceauth/fence/internal/domain/models"
	"github.com/fenceauth/fence/internal/infrastructure/persistence"
	"github.com/fenceauth/fence/pkg/auth"
	"github.com/fenceauth/fence/pkg/constants"
	"github.com/fenceauth/fence/pkg/errors"
	"github.com/fenceauth/fence/pkg/utils"
)

// ClientService manages registered OAuth2 clients. The plaintext secret
// is only available at creation time.
type ClientService struct {
	clientRepo *persistence.ClientRepository
	logger     *zap.SugaredLogger
}

func NewClientService(clientRepo *persistence.ClientRepository, logger *zap.SugaredLogger) *ClientService {
	return &ClientService{clientRepo: clientRepo, logger: logger}
}

// CreateClient registers a client and returns it with the one-time
// plaintext secret.
func (s *ClientService) CreateClient(ctx context.Context, name string, redirectURIs, allowedScopes, grantTypes []string) (*models.Client, string, error) {
	if name == "" {
		return nil, "", errors.NewUserError("name", "client name is required")
	}
	if len(redirectURIs) == 0 {
		return nil, "", errors.NewUserError("redirect_uris", "at least one redirect URI is required")
	}
	if len(allowedScopes) == 0 {
		allowedScopes = constants.AllowedScopes
	} else {
		valid := make(map[string]bool, len(constants.AllowedScopes))
		for _, sc := range constants.AllowedScopes {
			valid[sc] = true
		}
		for _, sc := range allowedScopes {
			if !valid[sc] {
				return nil, "", errors.NewUserError("allowed_scopes", fmt.Sprintf("scope %q is not supported", sc))
			}
		}
	}
	if len(grantTypes) == 0 {
		grantTypes = []string{constants.GrantAuthorizationCode, constants.GrantRefreshToken}
	}

	secret := utils.GenerateSecret(32)
	secretHash, err := auth.HashClientSecret(secret)
	if err != nil {
		return nil, "", err
	}

	client := &models.Client{
		ClientID:         utils.GenerateID(),
		ClientSecretHash: secretHash,
		Name:             name,
		IsConfidential:   true,
		RedirectURIs:     redirectURIs,
		AllowedScopes:    allowedScopes,
		GrantTypes:       grantTypes,
	}
	if err := s.clientRepo.Create(ctx, client); err != nil {
		return nil, "", err
	}
	s.logger.Infow("registered oauth2 client", "name", name, "client_id", client.ClientID)
	return client, secret, nil
}

// Authenticate verifies client credentials.
func (s *ClientService) Authenticate(ctx context.Context, clientID, clientSecret string) (*models.Client, error) {
	client, err := s.clientRepo.GetByClientID(ctx, clientID)
	if err != nil {
		return nil, err
	}
	if client == nil || !auth.VerifyClientSecret(clientSecret, client.ClientSecretHash) {
		return nil, errors.NewUnauthorizedError("invalid client credentials")
	}
	return client, nil
}

// ListClients returns all registered clients.
func (s *ClientService) ListClients(ctx context.Context) ([]*models.Client, error) {
	return s.clientRepo.List(ctx)
}

// DeleteClient removes a client by name.
func (s *ClientService) DeleteClient(ctx context.Context, name string) error {
	return s.clientRepo.Delete(ctx, name)
}
