package ws

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/tripline/realtime/internal/auth"
)

func signToken(t *testing.T, secret, userID string) string {
	t.Helper()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"sub": userID,
		"exp": time.Now().Add(time.Hour).Unix(),
	})
	signed, err := token.SignedString([]byte(secret))
	if err != nil {
		t.Fatalf("sign token: %v", err)
	}
	return signed
}

func TestHandlerRejectsBadRequests(t *testing.T) {
	s := NewServer(DefaultServerConfig(), auth.NewVerifier("secret"), nil, nil)
	s.RegisterEngine(newTestEngine())
	handler := s.Handler()

	token := signToken(t, "secret", "u1")

	tests := []struct {
		name string
		url  string
		want int
	}{
		{"unknown domain", "/ws/location?channel=c1&token=" + token, http.StatusNotFound},
		{"missing channel", "/ws/chat?token=" + token, http.StatusBadRequest},
		{"missing token", "/ws/chat?channel=c1", http.StatusUnauthorized},
		{"bad token", "/ws/chat?channel=c1&token=garbage", http.StatusUnauthorized},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, tt.url, nil)
			rec := httptest.NewRecorder()
			handler.ServeHTTP(rec, req)
			if rec.Code != tt.want {
				t.Errorf("status: expected %d, got %d", tt.want, rec.Code)
			}
		})
	}
}

func TestHealthEndpoint(t *testing.T) {
	s := NewServer(DefaultServerConfig(), auth.NewVerifier("secret"), nil, nil)
	s.RegisterEngine(newTestEngine())
	s.startedAt = time.Now()

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status: expected 200, got %d", rec.Code)
	}
	var body struct {
		Status      string         `json:"status"`
		Connections int            `json:"connections"`
		Domains     map[string]int `json:"domains"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode body: %v", err)
	}
	if body.Status != "ok" {
		t.Errorf("status field: expected ok, got %q", body.Status)
	}
	if _, ok := body.Domains["chat"]; !ok {
		t.Errorf("domains missing chat entry: %v", body.Domains)
	}
}

func TestLocationHistoryRequiresAuth(t *testing.T) {
	s := NewServer(DefaultServerConfig(), auth.NewVerifier("secret"), nil, nil)
	s.RegisterEngine(newTestEngine()) // chat only; history needs the location domain

	req := httptest.NewRequest(http.MethodGet, "/api/location/history?channel=c1", nil)
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	if rec.Code != http.StatusNotFound {
		t.Errorf("status without location engine: expected 404, got %d", rec.Code)
	}
}
