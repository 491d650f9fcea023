package auth

import (
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

const secret = "test-secret"

func signToken(t *testing.T, claims jwt.MapClaims, key string) string {
	t.Helper()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	s, err := token.SignedString([]byte(key))
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	return s
}

func TestVerifyValidToken(t *testing.T) {
	v := NewVerifier(secret)
	tok := signToken(t, jwt.MapClaims{
		"sub":  "u1",
		"role": "host",
		"exp":  time.Now().Add(time.Hour).Unix(),
	}, secret)

	id, err := v.Verify(tok)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if id.UserID != "u1" || id.Role != "host" {
		t.Errorf("identity mismatch: %+v", id)
	}
}

func TestVerifyBearerPrefix(t *testing.T) {
	v := NewVerifier(secret)
	tok := signToken(t, jwt.MapClaims{
		"sub": "u1",
		"exp": time.Now().Add(time.Hour).Unix(),
	}, secret)

	id, err := v.Verify("Bearer " + tok)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if id.UserID != "u1" {
		t.Errorf("expected u1, got %q", id.UserID)
	}
	if id.Role != "" {
		t.Errorf("expected empty role, got %q", id.Role)
	}
}

func TestVerifyRejects(t *testing.T) {
	v := NewVerifier(secret)

	cases := []struct {
		name  string
		token string
	}{
		{"empty", ""},
		{"garbage", "not.a.jwt"},
		{"wrong secret", signToken(t, jwt.MapClaims{
			"sub": "u1",
			"exp": time.Now().Add(time.Hour).Unix(),
		}, "other-secret")},
		{"expired", signToken(t, jwt.MapClaims{
			"sub": "u1",
			"exp": time.Now().Add(-time.Hour).Unix(),
		}, secret)},
		{"missing subject", signToken(t, jwt.MapClaims{
			"exp": time.Now().Add(time.Hour).Unix(),
		}, secret)},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := v.Verify(tc.token); err == nil {
				t.Error("expected error")
			}
		})
	}
}
