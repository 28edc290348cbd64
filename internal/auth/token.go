// Package auth issues and verifies the bearer tokens endpoints present on
// every mutating request.
package auth

import (
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

// DefaultTokenExpiry is applied when the configured TTL is zero.
const DefaultTokenExpiry = 30 * 24 * time.Hour

// Claims carries the endpoint identity embedded in every issued token.
type Claims struct {
	EndpointID   string `json:"endpoint_id"`
	EndpointName string `json:"endpoint_name"`
	jwt.RegisteredClaims
}

// ErrSecretTooShort is returned by NewTokenManager when the secret does not
// meet the minimum recommended length.
var ErrSecretTooShort = fmt.Errorf("jwt secret must be at least 32 bytes")

// TokenManager issues and verifies HMAC-signed bearer tokens. There is no
// refresh: clients re-register on expiry and receive a fresh token.
type TokenManager struct {
	secret      []byte
	expiry      time.Duration
	adminTokens map[string]bool
}

// NewTokenManager builds a TokenManager from a secret loaded at startup and
// an optional static admin-token list. Secret rotation invalidates every
// outstanding token, since verification is keyed on this single secret.
func NewTokenManager(secret string, expiry time.Duration, adminTokens []string) (*TokenManager, error) {
	if len(secret) < 32 {
		return nil, ErrSecretTooShort
	}
	if expiry <= 0 {
		expiry = DefaultTokenExpiry
	}
	admin := make(map[string]bool, len(adminTokens))
	for _, t := range adminTokens {
		t = strings.TrimSpace(t)
		if t != "" {
			admin[t] = true
		}
	}
	return &TokenManager{
		secret:      []byte(secret),
		expiry:      expiry,
		adminTokens: admin,
	}, nil
}

// Issue creates a signed token for the given endpoint identity.
func (m *TokenManager) Issue(endpointID, endpointName string) (string, time.Time, error) {
	now := time.Now().UTC()
	expiresAt := now.Add(m.expiry)
	claims := &Claims{
		EndpointID:   endpointID,
		EndpointName: endpointName,
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        uuid.NewString(),
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(expiresAt),
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(m.secret)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("sign token: %w", err)
	}
	return signed, expiresAt, nil
}

// Verify checks signature and expiry and returns the embedded claims.
func (m *TokenManager) Verify(tokenString string) (*Claims, error) {
	claims := &Claims{}
	token, err := jwt.ParseWithClaims(tokenString, claims, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return m.secret, nil
	})
	if err != nil {
		return nil, fmt.Errorf("parse token: %w", err)
	}
	if !token.Valid {
		return nil, fmt.Errorf("invalid token")
	}
	return claims, nil
}

// IsAdminToken reports whether the given bearer value matches one of the
// statically configured admin tokens. These are compared independently of
// JWT verification so they need not be signed tokens at all.
func (m *TokenManager) IsAdminToken(token string) bool {
	return m.adminTokens[token]
}
