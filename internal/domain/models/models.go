package models

import "time"

// User is an account known to fence, created either by an admin or on first
// login through an upstream identity provider.
type User struct {
	ID           string     `json:"id"`
	Username     string     `json:"username"`
	Email        string     `json:"email,omitempty"`
	DisplayName  string     `json:"display_name,omitempty"`
	PhoneNumber  string     `json:"phone_number,omitempty"`
	PasswordHash string     `json:"-"`
	IsAdmin      bool       `json:"is_admin"`
	Active       bool       `json:"active"`
	IdPName      string     `json:"idp_name,omitempty"`
	CreatedAt    time.Time  `json:"created_at"`
	UpdatedAt    *time.Time `json:"updated_at,omitempty"`
}

// IdentityProvider names an upstream login source ("fence", "ras", ...).
type IdentityProvider struct {
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
}

// Project is a resource users gain privileges on. AuthID is the external
// identifier permissions are keyed by (for dbGaP studies, the phsid).
type Project struct {
	ID     string `json:"id"`
	Name   string `json:"name"`
	AuthID string `json:"auth_id"`
}

// Group is a named set of users sharing project access.
type Group struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
}

// AccessPrivilege grants a user privileges on a project.
type AccessPrivilege struct {
	ID         string   `json:"id"`
	UserID     string   `json:"user_id"`
	ProjectID  string   `json:"project_id"`
	Privileges []string `json:"privileges"`
	Provider   string   `json:"provider,omitempty"`
}

// Client is a registered OAuth2 client. The secret is stored bcrypt-hashed.
type Client struct {
	ClientID         string    `json:"client_id"`
	ClientSecretHash string    `json:"-"`
	Name             string    `json:"name"`
	Description      string    `json:"description,omitempty"`
	UserID           string    `json:"user_id,omitempty"`
	AutoApprove      bool      `json:"auto_approve"`
	IsConfidential   bool      `json:"is_confidential"`
	RedirectURIs     []string  `json:"redirect_uris"`
	AllowedScopes    []string  `json:"allowed_scopes"`
	GrantTypes       []string  `json:"grant_types"`
	CreatedAt        time.Time `json:"created_at"`
}

// CheckRequestedScopes reports whether every requested scope is allowed for
// the client. "openid" must always be among the requested scopes.
func (c *Client) CheckRequestedScopes(scopes []string) bool {
	requested := make(map[string]struct{}, len(scopes))
	hasOpenID := false
	for _, s := range scopes {
		requested[s] = struct{}{}
		if s == "openid" {
			hasOpenID = true
		}
	}
	if !hasOpenID {
		return false
	}
	allowed := make(map[string]struct{}, len(c.AllowedScopes))
	for _, s := range c.AllowedScopes {
		allowed[s] = struct{}{}
	}
	for s := range requested {
		if _, ok := allowed[s]; !ok {
			return false
		}
	}
	return true
}

// AuthorizationCode is a short-lived code from the authorization grant flow.
type AuthorizationCode struct {
	Code        string    `json:"code"`
	ClientID    string    `json:"client_id"`
	UserID      string    `json:"user_id"`
	Scope       []string  `json:"scope"`
	Nonce       string    `json:"nonce,omitempty"`
	RedirectURI string    `json:"redirect_uri"`
	ExpiresAt   time.Time `json:"expires_at"`
}

// RefreshTokenRecord tracks a refresh JWT issued by fence, by jti.
type RefreshTokenRecord struct {
	JTI       string    `json:"jti"`
	UserID    string    `json:"user_id"`
	ExpiresAt time.Time `json:"expires_at"`
}

// BlacklistedToken is a revoked refresh token jti. Entries are only needed
// until their expiry passes.
type BlacklistedToken struct {
	JTI       string    `json:"jti"`
	ExpiresAt time.Time `json:"expires_at"`
}

// UpstreamRefreshToken stores a refresh token an upstream IdP handed us for
// a user, so the visa update job can mint new access tokens.
type UpstreamRefreshToken struct {
	ID           string    `json:"id"`
	UserID       string    `json:"user_id"`
	RefreshToken string    `json:"-"`
	ExpiresAt    time.Time `json:"expires_at"`
}

// GA4GHVisa is one encoded visa held by a user. Asserted and Expires are
// unix seconds, matching the claims inside the encoded JWT.
type GA4GHVisa struct {
	ID       string `json:"id"`
	UserID   string `json:"user_id"`
	Encoded  string `json:"-"`
	Source   string `json:"source"`
	Type     string `json:"type"`
	Asserted int64  `json:"asserted"`
	Expires  int64  `json:"expires"`
}
