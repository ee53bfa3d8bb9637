package services

import (
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/fenceauth/fence/internal/cache"
	"github.com/fenceauth/fence/internal/config"
	"github.com/fenceauth/fence/internal/infrastructure/database"
	"github.com/fenceauth/fence/internal/infrastructure/persistence"
	"github.com/fenceauth/fence/pkg/auth"
)

// ServiceManager wires repositories and services from one database
// connection and configuration. Both the server and fencectl build one.
type ServiceManager struct {
	Auth      *AuthService
	Login     *LoginService
	Admin     *AdminService
	Clients   *ClientService
	Passports *PassportService
	VisaSync  *VisaSyncService
	Scheduler *VisaScheduler

	Issuer *auth.TokenIssuer
}

// NewServiceManager loads the signing keyset and assembles every service.
func NewServiceManager(cfg *config.Config, conn *database.PostgresConnection, logger *zap.SugaredLogger) (*ServiceManager, error) {
	keys, err := auth.LoadKeySet(cfg.KeyDir)
	if err != nil {
		return nil, fmt.Errorf("failed to load signing keys from %s: %w", cfg.KeyDir, err)
	}
	issuer := auth.NewTokenIssuer(keys, cfg.Issuer, cfg.AccessTokenLifetime, cfg.RefreshTokenLifetime)

	db := conn.DB()
	userRepo := persistence.NewUserRepository(db)
	projectRepo := persistence.NewProjectRepository(db)
	groupRepo := persistence.NewGroupRepository(db)
	clientRepo := persistence.NewClientRepository(db)
	tokenRepo := persistence.NewTokenRepository(db)
	visaRepo := persistence.NewVisaRepository(db)

	var passportCache cache.Cache
	if cfg.MemcachedAddrs != "" {
		passportCache = cache.NewMemcachedCache(cfg.MemcachedAddrs, 2*time.Second)
		logger.Infow("using memcached passport cache", "addrs", cfg.MemcachedAddrs)
	} else {
		passportCache = cache.NewInMemoryCache()
	}

	oidcClients := make(map[string]*OIDCClient, len(cfg.OpenIDProviders))
	for idp, providerCfg := range cfg.OpenIDProviders {
		oidcClients[idp] = NewOIDCClient(idp, providerCfg, logger)
	}

	passports := NewPassportService(userRepo, cfg.VisaIssuerAllowlist, passportCache, logger)
	visaSync := NewVisaSyncService(userRepo, projectRepo, visaRepo, tokenRepo, passports, oidcClients, cfg.ParseConsentCode, logger)
	authSvc := NewAuthService(userRepo, projectRepo, tokenRepo, issuer, cfg.AccessTokenLifetime, logger)
	loginSvc := NewLoginService(userRepo, tokenRepo, authSvc, visaSync, oidcClients, logger)
	adminSvc := NewAdminService(userRepo, projectRepo, groupRepo, tokenRepo, visaRepo, logger)
	clientSvc := NewClientService(clientRepo, logger)

	scheduler, err := NewVisaScheduler(userRepo, tokenRepo, visaSync, cfg.VisaUpdateSchedule, logger)
	if err != nil {
		return nil, fmt.Errorf("invalid visa update schedule: %w", err)
	}

	return &ServiceManager{
		Auth:      authSvc,
		Login:     loginSvc,
		Admin:     adminSvc,
		Clients:   clientSvc,
		Passports: passports,
		VisaSync:  visaSync,
		Scheduler: scheduler,
		Issuer:    issuer,
	}, nil
}
