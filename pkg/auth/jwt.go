package auth

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/fenceauth/fence/pkg/constants"
	"github.com/fenceauth/fence/pkg/utils"
)

// UserContext is the user block embedded in access tokens. Projects maps a
// project auth ID to the privileges the user holds on it, e.g.
// {"phs000178": ["read", "read-storage"]}.
type UserContext struct {
	Name     string              `json:"name"`
	Email    string              `json:"email,omitempty"`
	IsAdmin  bool                `json:"is_admin,omitempty"`
	Projects map[string][]string `json:"projects"`
}

// ClaimsContext wraps UserContext under the "context" claim.
type ClaimsContext struct {
	User UserContext `json:"user"`
}

// Claims represents JWT claims for both access and refresh tokens.
// Refresh tokens carry AccessAud so the refresh grant can re-issue an
// access token with the original audiences.
type Claims struct {
	Context   ClaimsContext `json:"context,omitempty"`
	AccessAud []string      `json:"access_aud,omitempty"`
	jwt.RegisteredClaims
}

// TokenIssuer signs and validates fence JWTs with the service keyset.
type TokenIssuer struct {
	keys       *KeySet
	issuer     string
	accessTTL  time.Duration
	refreshTTL time.Duration
}

// NewTokenIssuer creates a TokenIssuer.
func NewTokenIssuer(keys *KeySet, issuer string, accessTTL, refreshTTL time.Duration) *TokenIssuer {
	return &TokenIssuer{
		keys:       keys,
		issuer:     issuer,
		accessTTL:  accessTTL,
		refreshTTL: refreshTTL,
	}
}

// Issuer returns the "iss" value this issuer signs with.
func (t *TokenIssuer) Issuer() string {
	return t.issuer
}

// Keys returns the keyset backing this issuer.
func (t *TokenIssuer) Keys() *KeySet {
	return t.keys
}

// IssueAccessToken signs an access token for the user. The audience always
// contains "access" plus the requested scopes.
func (t *TokenIssuer) IssueAccessToken(userID string, user UserContext, scopes []string) (string, *Claims, error) {
	aud := append([]string{constants.AudAccess}, scopes...)
	now := time.Now()

	claims := &Claims{
		Context: ClaimsContext{User: user},
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   userID,
			Issuer:    t.issuer,
			Audience:  jwt.ClaimStrings(aud),
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(t.accessTTL)),
			ID:        utils.GenerateID(),
		},
	}
	signed, err := t.sign(claims)
	return signed, claims, err
}

// IssueRefreshToken signs a refresh token. Its only audience is "refresh";
// the scopes of the paired access token ride along in access_aud.
func (t *TokenIssuer) IssueRefreshToken(userID string, accessAud []string) (string, *Claims, error) {
	now := time.Now()
	claims := &Claims{
		AccessAud: accessAud,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   userID,
			Issuer:    t.issuer,
			Audience:  jwt.ClaimStrings{constants.AudRefresh},
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(t.refreshTTL)),
			ID:        utils.GenerateID(),
		},
	}
	signed, err := t.sign(claims)
	return signed, claims, err
}

func (t *TokenIssuer) sign(claims *Claims) (string, error) {
	key := t.keys.SigningKey()
	token := jwt.NewWithClaims(jwt.SigningMethodRS256, claims)
	token.Header["kid"] = key.ID
	return token.SignedString(key.PrivateKey)
}

// ValidateToken verifies signature, issuer, and expiry, and requires every
// audience in aud to be present in the token.
func (t *TokenIssuer) ValidateToken(tokenString string, aud ...string) (*Claims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodRSA); !ok {
			return nil, errors.New("invalid signing method")
		}
		kid, _ := token.Header["kid"].(string)
		pub := t.keys.PublicKey(kid)
		if pub == nil {
			return nil, fmt.Errorf("no public key for kid %q", kid)
		}
		return pub, nil
	}, jwt.WithIssuer(t.issuer), jwt.WithExpirationRequired())
	if err != nil {
		return nil, err
	}

	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid {
		return nil, errors.New("invalid token")
	}

	for _, a := range aud {
		if !hasAudience(claims.Audience, a) {
			return nil, fmt.Errorf("token missing required audience %q", a)
		}
	}
	return claims, nil
}

// DecodeToken decodes a token without verifying it (for extracting the JTI
// of a token being revoked).
func DecodeToken(tokenString string) (*Claims, error) {
	token, _, err := new(jwt.Parser).ParseUnverified(tokenString, &Claims{})
	if err != nil {
		return nil, err
	}
	if claims, ok := token.Claims.(*Claims); ok {
		return claims, nil
	}
	return nil, errors.New("invalid token claims")
}

func hasAudience(aud jwt.ClaimStrings, want string) bool {
	for _, a := range aud {
		if a == want {
			return true
		}
	}
	return false
}
