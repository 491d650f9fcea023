// Package auth verifies bearer tokens presented at the transport boundary.
// Token issuance lives in the account service; this side only validates the
// HMAC signature and extracts the identity, so the engine always receives a
// verified user id and never a raw token.
package auth

import (
	"fmt"
	"strings"

	"github.com/golang-jwt/jwt/v5"
)

// Identity is the verified caller extracted from a token.
type Identity struct {
	UserID string
	Role   string // "client" or "host"; empty when the token carries no role
}

// Verifier validates HS256-signed tokens.
type Verifier struct {
	secret []byte
}

// NewVerifier creates a Verifier for the given shared secret.
func NewVerifier(secret string) *Verifier {
	return &Verifier{secret: []byte(secret)}
}

// Verify parses and validates the token, returning the caller's identity.
// A "Bearer " prefix is tolerated.
func (v *Verifier) Verify(tokenString string) (Identity, error) {
	tokenString = strings.TrimPrefix(tokenString, "Bearer ")
	if tokenString == "" {
		return Identity{}, fmt.Errorf("auth: empty token")
	}

	token, err := jwt.Parse(tokenString, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return v.secret, nil
	}, jwt.WithValidMethods([]string{"HS256"}))
	if err != nil {
		return Identity{}, fmt.Errorf("auth: invalid token: %w", err)
	}

	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok {
		return Identity{}, fmt.Errorf("auth: invalid token claims")
	}

	sub, _ := claims["sub"].(string)
	if sub == "" {
		return Identity{}, fmt.Errorf("auth: token missing subject")
	}
	role, _ := claims["role"].(string)

	return Identity{UserID: sub, Role: role}, nil
}
