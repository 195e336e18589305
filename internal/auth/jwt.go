// Package auth provides the standalone credential and token machinery this
// binary needs to run without an external identity provider. The core
// ingestion packages never import this package directly — they depend only
// on ingest.Principal and the Verifier interface defined here, so a real
// deployment can swap in its own token verifier without touching the core.
package auth

import (
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/abdulmunimjundurahman/ingestd/internal/ingest"
)

// claims holds the JWT claims for an ingestion token. The principal ID is
// stored in the standard "sub" claim.
type claims struct {
	Role string `json:"role"`
	jwt.RegisteredClaims
}

func (c *claims) principal() ingest.Principal {
	return ingest.Principal{ID: c.Subject, Role: c.Role}
}

// Verifier verifies a bearer token string and returns the Principal it
// authenticates. This is the interface the HTTP layer depends on; it is
// satisfied by *TokenService but any external collaborator implementing it
// can be substituted.
type Verifier interface {
	Verify(tokenString string) (ingest.Principal, error)
}

// TokenService issues and verifies HS256 JWTs.
type TokenService struct {
	secret   []byte
	duration time.Duration
}

// NewTokenService creates a token service with the given HMAC secret and
// token lifetime.
func NewTokenService(secret []byte, duration time.Duration) *TokenService {
	return &TokenService{secret: secret, duration: duration}
}

// Issue creates a signed JWT for the given principal.
func (ts *TokenService) Issue(principalID, role string) (string, time.Time, error) {
	now := time.Now().UTC()
	expiresAt := now.Add(ts.duration)

	c := claims{
		Role: role,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   principalID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(expiresAt),
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, c)
	signed, err := token.SignedString(ts.secret)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("sign token: %w", err)
	}
	return signed, expiresAt, nil
}

// Verify parses and validates a JWT, returning the Principal it authenticates.
func (ts *TokenService) Verify(tokenString string) (ingest.Principal, error) {
	token, err := jwt.ParseWithClaims(tokenString, &claims{}, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		return ts.secret, nil
	})
	if err != nil {
		return ingest.Principal{}, ingest.Wrap(ingest.KindUnauthorized, "parse token", err)
	}

	c, ok := token.Claims.(*claims)
	if !ok || !token.Valid {
		return ingest.Principal{}, ingest.New(ingest.KindUnauthorized, "invalid token claims")
	}

	return c.principal(), nil
}
