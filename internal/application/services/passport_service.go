package services

import (
	"context"
	"crypto/rsa"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"go.uber.org/zap"

	"github.com/fenceauth/fence/internal/cache"
	"github.com/fenceauth/fence/internal/domain/models"
	"github.com/fenceauth/fence/internal/infrastructure/persistence"
	"github.com/fenceauth/fence/internal/observability"
	"github.com/fenceauth/fence/pkg/auth"
	"github.com/fenceauth/fence/pkg/constants"
	"github.com/fenceauth/fence/pkg/errors"
	"github.com/fenceauth/fence/pkg/utils"
)

// VisaClaims are the validated claims of a single GA4GH visa.
type VisaClaims struct {
	Issuer           string
	Subject          string
	IssuedAt         int64
	Expires          int64
	Visa             VisaAssertion
	DbgapPermissions []DbgapPermission
	Encoded          string
}

// DbgapPermission is one entry of a RAS visa's ras_dbgap_permissions list.
type DbgapPermission struct {
	PhsID          string `json:"phs_id"`
	Version        string `json:"version"`
	ParticipantSet string `json:"participant_set"`
	ConsentGroup   string `json:"consent_group"`
	Expiration     int64  `json:"expiration"`
}

// VisaAssertion is the ga4gh_visa_v1 claim body.
type VisaAssertion struct {
	Type     string `json:"type"`
	Asserted int64  `json:"asserted"`
	Value    string `json:"value"`
	Source   string `json:"source"`
	By       string `json:"by,omitempty"`
}

// PassportService validates GA4GH passports and visas against upstream
// issuer keys and maps them to fence users.
type PassportService struct {
	userRepo  *persistence.UserRepository
	allowlist map[string]bool
	cache     cache.Cache
	logger    *zap.SugaredLogger

	mu   sync.RWMutex
	keys map[string]map[string]*rsa.PublicKey // issuer -> kid -> key
	http *http.Client
}

// NewPassportService creates the service. Issuers absent from the allowlist
// are rejected outright.
func NewPassportService(
	userRepo *persistence.UserRepository,
	allowedIssuers []string,
	passportCache cache.Cache,
	logger *zap.SugaredLogger,
) *PassportService {
	allowlist := make(map[string]bool, len(allowedIssuers))
	for _, iss := range allowedIssuers {
		allowlist[strings.TrimRight(iss, "/")] = true
	}
	return &PassportService{
		userRepo:  userRepo,
		allowlist: allowlist,
		cache:     passportCache,
		logger:    logger,
		keys:      make(map[string]map[string]*rsa.PublicKey),
		http:      &http.Client{Timeout: 30 * time.Second},
	}
}

// issuerAllowed checks the allowlist, tolerating a trailing slash.
func (s *PassportService) issuerAllowed(iss string) bool {
	return s.allowlist[strings.TrimRight(iss, "/")]
}

// publicKey returns the issuer's key for kid, fetching the issuer's JWKS
// on a cache miss. One stale-kid refetch is allowed per lookup.
func (s *PassportService) publicKey(ctx context.Context, iss, kid string) (*rsa.PublicKey, error) {
	s.mu.RLock()
	key, ok := s.keys[iss][kid]
	s.mu.RUnlock()
	if ok {
		return key, nil
	}

	if err := s.refreshIssuerKeys(ctx, iss); err != nil {
		return nil, err
	}

	s.mu.RLock()
	key, ok = s.keys[iss][kid]
	s.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("issuer %s has no key with kid %s", iss, kid)
	}
	return key, nil
}

type jwksDocument struct {
	Keys []struct {
		Kid string `json:"kid"`
		Kty string `json:"kty"`
		N   string `json:"n"`
		E   string `json:"e"`
	} `json:"keys"`
}

func (s *PassportService) refreshIssuerKeys(ctx context.Context, iss string) error {
	discoveryURL := strings.TrimRight(iss, "/") + "/.well-known/openid-configuration"

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, discoveryURL, nil)
	if err != nil {
		return err
	}
	resp, err := s.http.Do(req)
	if err != nil {
		return fmt.Errorf("discovery fetch for %s failed: %w", iss, err)
	}
	var doc struct {
		JWKSURI string `json:"jwks_uri"`
	}
	err = json.NewDecoder(resp.Body).Decode(&doc)
	resp.Body.Close()
	if err != nil || doc.JWKSURI == "" {
		return fmt.Errorf("issuer %s published no jwks_uri", iss)
	}

	req, err = http.NewRequestWithContext(ctx, http.MethodGet, doc.JWKSURI, nil)
	if err != nil {
		return err
	}
	resp, err = s.http.Do(req)
	if err != nil {
		return fmt.Errorf("jwks fetch for %s failed: %w", iss, err)
	}
	defer resp.Body.Close()

	var jwks jwksDocument
	if err := json.NewDecoder(resp.Body).Decode(&jwks); err != nil {
		return fmt.Errorf("failed to decode jwks for %s: %w", iss, err)
	}

	keys := make(map[string]*rsa.PublicKey, len(jwks.Keys))
	for _, k := range jwks.Keys {
		if k.Kty != "RSA" {
			continue
		}
		pub, err := auth.RSAPublicKeyFromJWK(k.N, k.E)
		if err != nil {
			s.logger.Warnw("skipping malformed jwk", "issuer", iss, "kid", k.Kid, "error", err)
			continue
		}
		keys[k.Kid] = pub
	}

	s.mu.Lock()
	s.keys[iss] = keys
	s.mu.Unlock()
	return nil
}

// SetIssuerKeys seeds the key cache directly. Used by tests and by callers
// that already hold the issuer's keys.
func (s *PassportService) SetIssuerKeys(iss string, keys map[string]*rsa.PublicKey) {
	s.mu.Lock()
	s.keys[iss] = keys
	s.mu.Unlock()
}

// keyfunc resolves the signing key for a token by its iss and kid claims.
func (s *PassportService) keyfunc(ctx context.Context) jwt.Keyfunc {
	return func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodRSA); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", token.Header["alg"])
		}
		kid, _ := token.Header["kid"].(string)
		claims, ok := token.Claims.(jwt.MapClaims)
		if !ok {
			return nil, fmt.Errorf("unexpected claims type")
		}
		iss, _ := claims["iss"].(string)
		if iss == "" {
			return nil, fmt.Errorf("token has no issuer")
		}
		if !s.issuerAllowed(iss) {
			return nil, fmt.Errorf("issuer %s is not trusted", iss)
		}
		return s.publicKey(ctx, iss, kid)
	}
}

// ExtractVisasFromPassport validates a passport JWT and returns its
// embedded, still-unvalidated visa strings.
func (s *PassportService) ExtractVisasFromPassport(ctx context.Context, encodedPassport string) ([]string, error) {
	claims := jwt.MapClaims{}
	_, err := jwt.ParseWithClaims(encodedPassport, claims, s.keyfunc(ctx),
		jwt.WithValidMethods([]string{"RS256"}),
		jwt.WithExpirationRequired(),
	)
	if err != nil {
		observability.PassportValidationsTotal.WithLabelValues("invalid").Inc()
		return nil, errors.NewUnauthorizedError(fmt.Sprintf("invalid passport: %v", err))
	}

	rawVisas, ok := claims[constants.ClaimGA4GHPassportV1].([]interface{})
	if !ok {
		observability.PassportValidationsTotal.WithLabelValues("invalid").Inc()
		return nil, errors.NewUserError("passport", "missing "+constants.ClaimGA4GHPassportV1+" claim")
	}

	visas := make([]string, 0, len(rawVisas))
	for _, v := range rawVisas {
		if encoded, ok := v.(string); ok && encoded != "" {
			visas = append(visas, encoded)
		}
	}
	observability.PassportValidationsTotal.WithLabelValues("valid").Inc()
	return visas, nil
}

// ValidateVisa validates one encoded visa. Visas must carry iss, sub, iat
// and exp, a scope containing openid, and no aud.
func (s *PassportService) ValidateVisa(ctx context.Context, encodedVisa string) (*VisaClaims, error) {
	claims := jwt.MapClaims{}
	_, err := jwt.ParseWithClaims(encodedVisa, claims, s.keyfunc(ctx),
		jwt.WithValidMethods([]string{"RS256"}),
		jwt.WithExpirationRequired(),
	)
	if err != nil {
		return nil, fmt.Errorf("invalid visa: %w", err)
	}

	for _, required := range []string{"iss", "sub", "iat", "exp"} {
		if _, ok := claims[required]; !ok {
			return nil, fmt.Errorf("visa is missing required claim %s", required)
		}
	}
	if _, hasAud := claims["aud"]; hasAud {
		return nil, fmt.Errorf("visa must not carry an aud claim")
	}
	scope, _ := claims["scope"].(string)
	if !scopeContains(scope, "openid") {
		return nil, fmt.Errorf("visa scope %q does not include openid", scope)
	}

	rawAssertion, ok := claims[constants.ClaimGA4GHVisaV1].(map[string]interface{})
	if !ok {
		return nil, fmt.Errorf("visa has no %s claim", constants.ClaimGA4GHVisaV1)
	}
	assertionJSON, err := json.Marshal(rawAssertion)
	if err != nil {
		return nil, err
	}
	var assertion VisaAssertion
	if err := json.Unmarshal(assertionJSON, &assertion); err != nil {
		return nil, fmt.Errorf("malformed %s claim: %w", constants.ClaimGA4GHVisaV1, err)
	}

	iat, _ := claims["iat"].(float64)
	exp, _ := claims["exp"].(float64)
	iss, _ := claims["iss"].(string)
	sub, _ := claims["sub"].(string)

	out := &VisaClaims{
		Issuer:   iss,
		Subject:  sub,
		IssuedAt: int64(iat),
		Expires:  int64(exp),
		Visa:     assertion,
		Encoded:  encodedVisa,
	}

	// RAS visas carry dbGaP authorizations in a sibling claim.
	if rawPerms, ok := claims[constants.ClaimDbgapPermissions]; ok {
		permsJSON, err := json.Marshal(rawPerms)
		if err == nil {
			if err := json.Unmarshal(permsJSON, &out.DbgapPermissions); err != nil {
				s.logger.Warnw("malformed ras_dbgap_permissions claim", "issuer", iss, "error", err)
			}
		}
	}
	return out, nil
}

func scopeContains(scope, want string) bool {
	for _, s := range strings.Fields(scope) {
		if s == want {
			return true
		}
	}
	return false
}

// passportCacheTTL bounds the passport-to-users cache entries. Entries
// also never outlive the passport's own exp, enforced at set time.
const passportCacheTTL = 10 * time.Minute

// UsersFromPassport resolves a passport to the fence users its visas grant
// access for, creating users for unknown upstream subjects. The result is
// cached keyed by a hash of the raw passport.
func (s *PassportService) UsersFromPassport(ctx context.Context, encodedPassport string) ([]string, error) {
	cacheKey := utils.HashToken(encodedPassport)
	if s.cache != nil {
		if raw, hit, err := s.cache.Get(ctx, cacheKey); err == nil && hit {
			var userIDs []string
			if err := json.Unmarshal(raw, &userIDs); err == nil {
				return userIDs, nil
			}
		}
	}

	encodedVisas, err := s.ExtractVisasFromPassport(ctx, encodedPassport)
	if err != nil {
		return nil, err
	}

	seen := make(map[string]bool)
	var userIDs []string
	minExpiry := int64(0)
	for _, encoded := range encodedVisas {
		visa, err := s.ValidateVisa(ctx, encoded)
		if err != nil {
			s.logger.Warnw("skipping invalid visa in passport", "error", err)
			continue
		}
		userID, err := s.getOrCreateUser(ctx, visa.Subject, visa.Issuer)
		if err != nil {
			return nil, err
		}
		if !seen[userID] {
			seen[userID] = true
			userIDs = append(userIDs, userID)
		}
		if minExpiry == 0 || visa.Expires < minExpiry {
			minExpiry = visa.Expires
		}
	}
	if len(userIDs) == 0 {
		return nil, errors.NewUnauthorizedError("passport contains no valid visas")
	}

	if s.cache != nil {
		ttl := passportCacheTTL
		if minExpiry > 0 {
			if until := time.Until(time.Unix(minExpiry, 0)); until < ttl {
				ttl = until
			}
		}
		if ttl > 0 {
			if raw, err := json.Marshal(userIDs); err == nil {
				if err := s.cache.Set(ctx, cacheKey, raw, ttl); err != nil {
					s.logger.Warnw("failed to cache passport users", "error", err)
				}
			}
		}
	}
	return userIDs, nil
}

// getOrCreateUser maps an upstream (sub, iss) pair to a fence user. The
// synthetic username is sub + issuer host, matching how upstream subjects
// are minted on first login.
func (s *PassportService) getOrCreateUser(ctx context.Context, sub, iss string) (string, error) {
	issuerHost := iss
	if u := strings.SplitN(strings.TrimPrefix(strings.TrimPrefix(iss, "https://"), "http://"), "/", 2); len(u) > 0 {
		issuerHost = u[0]
	}
	username := sub + issuerHost

	user, err := s.userRepo.GetByUsername(ctx, username)
	if err != nil {
		return "", err
	}
	if user != nil {
		return user.ID, nil
	}

	newUser := &models.User{
		ID:       utils.GenerateID(),
		Username: username,
		Active:   true,
		IdPName:  constants.IdPRAS,
	}
	if err := s.userRepo.Create(ctx, newUser); err != nil {
		// Lost a create race; the other writer's row wins.
		if existing, getErr := s.userRepo.GetByUsername(ctx, username); getErr == nil && existing != nil {
			return existing.ID, nil
		}
		return "", err
	}
	s.logger.Infow("created user for upstream passport subject", "username", username, "issuer", iss)
	return newUser.ID, nil
}
