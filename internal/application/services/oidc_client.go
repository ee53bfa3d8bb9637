package services

import (
	"context"
	"crypto/rsa"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"go.uber.org/zap"

	"github.com/fenceauth/fence/internal/config"
	"github.com/fenceauth/fence/pkg/auth"
	"github.com/fenceauth/fence/pkg/constants"
)

// DiscoveryDocument is the subset of the OpenID Connect discovery metadata
// fence needs from an upstream provider.
type DiscoveryDocument struct {
	Issuer                string `json:"issuer"`
	AuthorizationEndpoint string `json:"authorization_endpoint"`
	TokenEndpoint         string `json:"token_endpoint"`
	UserinfoEndpoint      string `json:"userinfo_endpoint"`
	JWKSURI               string `json:"jwks_uri"`
}

// TokenResponse is an upstream token endpoint response.
type TokenResponse struct {
	AccessToken  string `json:"access_token"`
	IDToken      string `json:"id_token"`
	RefreshToken string `json:"refresh_token"`
	TokenType    string `json:"token_type"`
	ExpiresIn    int64  `json:"expires_in"`
}

// OIDCClient talks to one upstream OpenID Connect provider (e.g. RAS).
type OIDCClient struct {
	idp    string
	cfg    config.OIDCProviderConfig
	http   *http.Client
	logger *zap.SugaredLogger

	mu        sync.Mutex
	discovery *DiscoveryDocument
	fetchedAt time.Time
	jwks      map[string]*rsa.PublicKey
}

// discoveryTTL bounds how long a cached discovery document is trusted.
const discoveryTTL = time.Hour

// NewOIDCClient creates a client for the named provider.
func NewOIDCClient(idp string, cfg config.OIDCProviderConfig, logger *zap.SugaredLogger) *OIDCClient {
	return &OIDCClient{
		idp:    idp,
		cfg:    cfg,
		http:   &http.Client{Timeout: 30 * time.Second},
		logger: logger,
	}
}

// IdP returns the provider name this client serves.
func (c *OIDCClient) IdP() string {
	return c.idp
}

// Discovery returns the provider's discovery document, cached for an hour.
func (c *OIDCClient) Discovery(ctx context.Context) (*DiscoveryDocument, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.discovery != nil && time.Since(c.fetchedAt) < discoveryTTL {
		return c.discovery, nil
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.cfg.DiscoveryURL, nil)
	if err != nil {
		return nil, err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("discovery fetch failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("discovery fetch returned status %d", resp.StatusCode)
	}

	var doc DiscoveryDocument
	if err := json.NewDecoder(resp.Body).Decode(&doc); err != nil {
		return nil, fmt.Errorf("failed to decode discovery document: %w", err)
	}

	c.discovery = &doc
	c.fetchedAt = time.Now()
	return &doc, nil
}

// signingKey returns the provider's public key for kid, refetching the
// JWKS once on a miss so provider key rotation is tolerated.
func (c *OIDCClient) signingKey(ctx context.Context, kid string) (*rsa.PublicKey, error) {
	c.mu.Lock()
	key, ok := c.jwks[kid]
	c.mu.Unlock()
	if ok {
		return key, nil
	}

	if err := c.refreshJWKS(ctx); err != nil {
		return nil, err
	}

	c.mu.Lock()
	key, ok = c.jwks[kid]
	c.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("provider %s has no key with kid %s", c.idp, kid)
	}
	return key, nil
}

func (c *OIDCClient) refreshJWKS(ctx context.Context) error {
	doc, err := c.Discovery(ctx)
	if err != nil {
		return err
	}
	if doc.JWKSURI == "" {
		return fmt.Errorf("provider %s published no jwks_uri", c.idp)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, doc.JWKSURI, nil)
	if err != nil {
		return err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("jwks fetch failed: %w", err)
	}
	defer resp.Body.Close()

	var jwksDoc struct {
		Keys []auth.JWK `json:"keys"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&jwksDoc); err != nil {
		return fmt.Errorf("failed to decode provider jwks: %w", err)
	}

	keys := make(map[string]*rsa.PublicKey, len(jwksDoc.Keys))
	for _, k := range jwksDoc.Keys {
		if k.Kty != "RSA" {
			continue
		}
		pub, err := auth.RSAPublicKeyFromJWK(k.N, k.E)
		if err != nil {
			c.logger.Warnw("skipping malformed provider jwk", "idp", c.idp, "kid", k.Kid, "error", err)
			continue
		}
		keys[k.Kid] = pub
	}

	c.mu.Lock()
	c.jwks = keys
	c.mu.Unlock()
	return nil
}

// VerifyIDToken validates the id_token signature against the provider's
// published keys, checks iss and aud, and returns the token's subject.
func (c *OIDCClient) VerifyIDToken(ctx context.Context, idToken string) (string, error) {
	doc, err := c.Discovery(ctx)
	if err != nil {
		return "", err
	}

	claims := jwt.RegisteredClaims{}
	_, err = jwt.ParseWithClaims(idToken, &claims,
		func(token *jwt.Token) (interface{}, error) {
			if _, ok := token.Method.(*jwt.SigningMethodRSA); !ok {
				return nil, fmt.Errorf("unexpected signing method %v", token.Header["alg"])
			}
			kid, _ := token.Header["kid"].(string)
			return c.signingKey(ctx, kid)
		},
		jwt.WithValidMethods([]string{"RS256"}),
		jwt.WithExpirationRequired(),
		jwt.WithIssuer(doc.Issuer),
		jwt.WithAudience(c.cfg.ClientID),
	)
	if err != nil {
		return "", fmt.Errorf("id_token verification failed: %w", err)
	}
	return claims.Subject, nil
}

// AuthURL builds the authorization redirect for the login flow.
func (c *OIDCClient) AuthURL(ctx context.Context, state string) (string, error) {
	doc, err := c.Discovery(ctx)
	if err != nil {
		return "", err
	}

	scopes := c.cfg.Scopes
	if len(scopes) == 0 {
		scopes = []string{"openid", "ga4gh_passport_v1", "email", "profile"}
	}

	q := url.Values{}
	q.Set("response_type", "code")
	q.Set("client_id", c.cfg.ClientID)
	q.Set("redirect_uri", c.cfg.RedirectURL)
	q.Set("scope", strings.Join(scopes, " "))
	q.Set("state", state)
	q.Set("prompt", "login")

	return doc.AuthorizationEndpoint + "?" + q.Encode(), nil
}

// ExchangeCode trades an authorization code for tokens.
func (c *OIDCClient) ExchangeCode(ctx context.Context, code string) (*TokenResponse, error) {
	doc, err := c.Discovery(ctx)
	if err != nil {
		return nil, err
	}

	form := url.Values{}
	form.Set("grant_type", constants.GrantAuthorizationCode)
	form.Set("code", code)
	form.Set("redirect_uri", c.cfg.RedirectURL)

	return c.tokenRequest(ctx, doc.TokenEndpoint, form)
}

// RefreshAccessToken uses a stored upstream refresh token to mint a new
// access token (and usually a rotated refresh token).
func (c *OIDCClient) RefreshAccessToken(ctx context.Context, refreshToken string) (*TokenResponse, error) {
	doc, err := c.Discovery(ctx)
	if err != nil {
		return nil, err
	}

	form := url.Values{}
	form.Set("grant_type", constants.GrantRefreshToken)
	form.Set("refresh_token", refreshToken)

	return c.tokenRequest(ctx, doc.TokenEndpoint, form)
}

func (c *OIDCClient) tokenRequest(ctx context.Context, endpoint string, form url.Values) (*TokenResponse, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, strings.NewReader(form.Encode()))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.SetBasicAuth(c.cfg.ClientID, c.cfg.ClientSecret)

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("token request failed: %w", err)
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(resp.Body)
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("token endpoint returned status %d: %s", resp.StatusCode, string(body))
	}

	var token TokenResponse
	if err := json.Unmarshal(body, &token); err != nil {
		return nil, fmt.Errorf("failed to decode token response: %w", err)
	}
	if token.AccessToken == "" {
		return nil, fmt.Errorf("token endpoint returned no access token")
	}
	return &token, nil
}

// Userinfo fetches the provider's userinfo document with a bearer token.
// RAS does not publish its v1.1/userinfo endpoint in discovery yet, so a
// configured UserinfoPath relative to the issuer takes precedence.
func (c *OIDCClient) Userinfo(ctx context.Context, accessToken string) (map[string]interface{}, error) {
	doc, err := c.Discovery(ctx)
	if err != nil {
		return nil, err
	}

	endpoint := doc.UserinfoEndpoint
	if c.cfg.UserinfoPath != "" {
		endpoint = strings.TrimRight(doc.Issuer, "/") + c.cfg.UserinfoPath
	}
	if endpoint == "" {
		return nil, fmt.Errorf("provider %s has no userinfo endpoint", c.idp)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set(constants.HeaderAuthorization, "Bearer "+accessToken)

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("userinfo request failed: %w", err)
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(resp.Body)
	if resp.StatusCode != http.StatusOK {
		c.logger.Errorw("unable to get userinfo", "idp", c.idp, "status", resp.StatusCode, "body", string(body))
		return nil, fmt.Errorf("userinfo endpoint returned status %d", resp.StatusCode)
	}

	var userinfo map[string]interface{}
	if err := json.Unmarshal(body, &userinfo); err != nil {
		return nil, fmt.Errorf("failed to decode userinfo: %w", err)
	}
	return userinfo, nil
}

// ResolveUsername picks the login name out of userinfo and id_token claims.
// Precedence follows the provider's quirks: UserID, then userid, then
// preferred_username, then the id_token sub.
func ResolveUsername(userinfo map[string]interface{}, idTokenSub string) (username, field string) {
	for _, f := range []string{"UserID", "userid", "preferred_username"} {
		if v, ok := userinfo[f].(string); ok && v != "" {
			return v, f
		}
	}
	if idTokenSub != "" {
		return idTokenSub, "sub"
	}
	return "", ""
}

// withRetry runs fn with exponential backoff. Attempts are capped rather
// than open ended so a dead provider cannot wedge the cron job.
func withRetry(ctx context.Context, logger *zap.SugaredLogger, what string, fn func() error) error {
	const maxAttempts = 5
	delay := time.Second

	var err error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		if err = fn(); err == nil {
			return nil
		}
		if attempt == maxAttempts {
			break
		}
		logger.Warnw("retrying after error", "op", what, "attempt", attempt, "error", err)
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return ctx.Err()
		}
		delay *= 2
	}
	return fmt.Errorf("%s failed after %d attempts: %w", what, maxAttempts, err)
}
