package auth

import (
	"crypto/rsa"
	"crypto/x509"
	"encoding/base64"
	"encoding/pem"
	"fmt"
	"math/big"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

// KeyPair is one RSA keypair the service can sign and verify with.
type KeyPair struct {
	ID         string
	PrivateKey *rsa.PrivateKey
}

// KeySet holds every keypair loaded from the key directory. The first key
// (lexicographic by file name) signs new tokens; all keys verify, so old
// tokens stay valid across key rotation.
type KeySet struct {
	keys []*KeyPair
}

// LoadKeySet reads every "*.pem" private key under dir. The key ID is the
// file name without its extension.
func LoadKeySet(dir string) (*KeySet, error) {
	paths, err := filepath.Glob(filepath.Join(dir, "*.pem"))
	if err != nil {
		return nil, err
	}
	if len(paths) == 0 {
		return nil, fmt.Errorf("no private keys found in %s", dir)
	}
	sort.Strings(paths)

	ks := &KeySet{}
	for _, p := range paths {
		data, err := os.ReadFile(p)
		if err != nil {
			return nil, fmt.Errorf("failed to read key %s: %w", p, err)
		}
		key, err := parsePrivateKeyPEM(data)
		if err != nil {
			return nil, fmt.Errorf("failed to parse key %s: %w", p, err)
		}
		base := filepath.Base(p)
		kid := strings.TrimSuffix(base, filepath.Ext(base))
		ks.keys = append(ks.keys, &KeyPair{ID: kid, PrivateKey: key})
	}
	return ks, nil
}

// NewKeySet builds a KeySet from in-memory keypairs. Used by tests.
func NewKeySet(pairs ...*KeyPair) *KeySet {
	return &KeySet{keys: pairs}
}

func parsePrivateKeyPEM(data []byte) (*rsa.PrivateKey, error) {
	block, _ := pem.Decode(data)
	if block == nil {
		return nil, fmt.Errorf("no PEM block found")
	}
	if key, err := x509.ParsePKCS1PrivateKey(block.Bytes); err == nil {
		return key, nil
	}
	parsed, err := x509.ParsePKCS8PrivateKey(block.Bytes)
	if err != nil {
		return nil, err
	}
	key, ok := parsed.(*rsa.PrivateKey)
	if !ok {
		return nil, fmt.Errorf("not an RSA private key")
	}
	return key, nil
}

// SigningKey returns the keypair used to sign new tokens.
func (ks *KeySet) SigningKey() *KeyPair {
	return ks.keys[0]
}

// PublicKey returns the public key for the given key ID, or nil.
func (ks *KeySet) PublicKey(kid string) *rsa.PublicKey {
	for _, k := range ks.keys {
		if k.ID == kid {
			return &k.PrivateKey.PublicKey
		}
	}
	return nil
}

// JWK is a single RSA public key in JSON Web Key form.
type JWK struct {
	Kty string `json:"kty"`
	Alg string `json:"alg"`
	Use string `json:"use"`
	Kid string `json:"kid"`
	N   string `json:"n"`
	E   string `json:"e"`
}

// JWKS returns every public key in the set as a JWKS document body.
func (ks *KeySet) JWKS() []JWK {
	jwks := make([]JWK, 0, len(ks.keys))
	for _, k := range ks.keys {
		pub := k.PrivateKey.PublicKey
		jwks = append(jwks, JWK{
			Kty: "RSA",
			Alg: "RS256",
			Use: "sig",
			Kid: k.ID,
			N:   base64.RawURLEncoding.EncodeToString(pub.N.Bytes()),
			E:   base64.RawURLEncoding.EncodeToString(big.NewInt(int64(pub.E)).Bytes()),
		})
	}
	return jwks
}

// RSAPublicKeyFromJWK converts JWKS "n"/"e" members into an rsa.PublicKey.
// Used when verifying tokens issued by an upstream provider.
func RSAPublicKeyFromJWK(n, e string) (*rsa.PublicKey, error) {
	nBytes, err := base64.RawURLEncoding.DecodeString(n)
	if err != nil {
		return nil, fmt.Errorf("invalid modulus: %w", err)
	}
	eBytes, err := base64.RawURLEncoding.DecodeString(e)
	if err != nil {
		return nil, fmt.Errorf("invalid exponent: %w", err)
	}
	return &rsa.PublicKey{
		N: new(big.Int).SetBytes(nBytes),
		E: int(new(big.Int).SetBytes(eBytes).Int64()),
	}, nil
}
