// Package keys owns the process signing keypair. It signs and verifies JWT
// access tokens and exports the public key as a JSON Web Key Set.
package keys

import (
	"crypto/rand"
	"crypto/rsa"
	"encoding/base64"
	"errors"
	"fmt"
	"math/big"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// DefaultKeyID is the key identifier placed in JWT headers and the JWKS.
const DefaultKeyID = "oauth-key-1"

// Manager holds the RSA keypair generated once at startup. The keypair is
// immutable after New returns and is safe for concurrent use.
type Manager struct {
	issuer     string
	keyID      string
	privateKey *rsa.PrivateKey
	publicKey  *rsa.PublicKey
}

// New generates a fresh RSA 2048 keypair for the process lifetime.
func New(issuer string) (*Manager, error) {
	if issuer == "" {
		return nil, errors.New("issuer cannot be empty")
	}

	privateKey, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		return nil, fmt.Errorf("failed to generate RSA key: %w", err)
	}

	return &Manager{
		issuer:     issuer,
		keyID:      DefaultKeyID,
		privateKey: privateKey,
		publicKey:  &privateKey.PublicKey,
	}, nil
}

// KeyID returns the key identifier used in JWT headers and the JWKS.
func (m *Manager) KeyID() string {
	return m.keyID
}

// Issuer returns the issuer URL embedded in signed tokens.
func (m *Manager) Issuer() string {
	return m.issuer
}

// AccessTokenClaims are the claims carried by issued access tokens.
// The subject duplicates client_id; resource servers read whichever they expect.
type AccessTokenClaims struct {
	ClientID string `json:"client_id"`
	Scope    string `json:"scope"`
	jwt.RegisteredClaims
}

// SignAccessToken mints a signed RS256 access token for a client.
// audience is the requested resource, or the server's default audience when
// no resource was requested. Returns the serialized token and its expiry.
func (m *Manager) SignAccessToken(clientID, scope, audience string, ttl time.Duration) (string, time.Time, error) {
	now := time.Now()
	expiresAt := now.Add(ttl)

	claims := AccessTokenClaims{
		ClientID: clientID,
		Scope:    scope,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    m.issuer,
			Subject:   clientID,
			Audience:  jwt.ClaimStrings{audience},
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(expiresAt),
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodRS256, claims)
	token.Header["kid"] = m.keyID

	signed, err := token.SignedString(m.privateKey)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("failed to sign access token: %w", err)
	}

	return signed, expiresAt, nil
}

// VerifyAccessToken checks the signature and registered claims of a token
// issued by this manager. Introspection does not use this path (the grant
// store is the source of truth there); it exists for resource servers that
// validate locally and for tests.
func (m *Manager) VerifyAccessToken(tokenString string) (*AccessTokenClaims, error) {
	claims := &AccessTokenClaims{}

	token, err := jwt.ParseWithClaims(tokenString, claims, func(token *jwt.Token) (any, error) {
		if _, ok := token.Method.(*jwt.SigningMethodRSA); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return m.publicKey, nil
	}, jwt.WithIssuer(m.issuer))
	if err != nil {
		return nil, fmt.Errorf("failed to parse token: %w", err)
	}

	if !token.Valid {
		return nil, errors.New("token is invalid")
	}

	return claims, nil
}

// JWK is a single JSON Web Key (RFC 7517) holding an RSA public key.
type JWK struct {
	Kty string `json:"kty"`
	Use string `json:"use"`
	Kid string `json:"kid"`
	Alg string `json:"alg"`
	N   string `json:"n"`
	E   string `json:"e"`
}

// JWKS is a JSON Web Key Set.
type JWKS struct {
	Keys []JWK `json:"keys"`
}

// JWKS exports the public key for the discovery endpoint.
func (m *Manager) JWKS() JWKS {
	n := base64.RawURLEncoding.EncodeToString(m.publicKey.N.Bytes())
	e := base64.RawURLEncoding.EncodeToString(big.NewInt(int64(m.publicKey.E)).Bytes())

	return JWKS{
		Keys: []JWK{
			{
				Kty: "RSA",
				Use: "sig",
				Kid: m.keyID,
				Alg: "RS256",
				N:   n,
				E:   e,
			},
		},
	}
}
