package api

import (
	"net/http"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

const testSecret = "test-secret-0123456789abcdefghijklmnop"

func signToken(t *testing.T, method jwt.SigningMethod, key any, claims jwt.MapClaims) string {
	t.Helper()
	signed, err := jwt.NewWithClaims(method, claims).SignedString(key)
	if err != nil {
		t.Fatalf("signing token: %v", err)
	}
	return signed
}

func validClaims() jwt.MapClaims {
	return jwt.MapClaims{"sub": "home-assistant", "exp": time.Now().Add(time.Hour).Unix()}
}

func authEnv(t *testing.T) *testEnv {
	t.Helper()
	return newTestEnv(t, func(d *Deps) { d.Security.JWT.Secret = testSecret })
}

func TestAuth_Disabled(t *testing.T) {
	env := newTestEnv(t, nil)
	if w := env.do(t, http.MethodGet, "/api/v1/entities", ""); w.Code != http.StatusOK {
		t.Errorf("status = %d, want 200 with auth disabled", w.Code)
	}
}

func TestAuth_Tokens(t *testing.T) {
	expired := validClaims()
	expired["exp"] = time.Now().Add(-time.Minute).Unix()
	noExp := jwt.MapClaims{"sub": "x"}

	tests := []struct {
		name   string
		header string
		status int
	}{
		{"missing", "", http.StatusUnauthorized},
		{"not bearer", "Basic abc", http.StatusUnauthorized},
		{"garbage", "Bearer not-a-jwt", http.StatusUnauthorized},
		{"valid", "Bearer " + signToken(t, jwt.SigningMethodHS256, []byte(testSecret), validClaims()), http.StatusOK},
		{"wrong secret", "Bearer " + signToken(t, jwt.SigningMethodHS256, []byte("other"), validClaims()), http.StatusUnauthorized},
		{"wrong algorithm", "Bearer " + signToken(t, jwt.SigningMethodHS512, []byte(testSecret), validClaims()), http.StatusUnauthorized},
		{"expired", "Bearer " + signToken(t, jwt.SigningMethodHS256, []byte(testSecret), expired), http.StatusUnauthorized},
		{"no expiry", "Bearer " + signToken(t, jwt.SigningMethodHS256, []byte(testSecret), noExp), http.StatusUnauthorized},
	}

	env := authEnv(t)
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var w = env.do(t, http.MethodGet, "/api/v1/entities", "")
			if tt.header != "" {
				w = env.do(t, http.MethodGet, "/api/v1/entities", "", "Authorization", tt.header)
			}
			if w.Code != tt.status {
				t.Errorf("status = %d, want %d", w.Code, tt.status)
			}
		})
	}
}

func TestAuth_OpenRoutes(t *testing.T) {
	env := authEnv(t)
	if w := env.do(t, http.MethodGet, "/api/v1/health", ""); w.Code != http.StatusOK {
		t.Errorf("health status = %d, want 200 without token", w.Code)
	}
	if w := env.do(t, http.MethodPost, "/api/v1/commands", `{"command":"stat"}`); w.Code != http.StatusUnauthorized {
		t.Errorf("commands status = %d, want 401 without token", w.Code)
	}
}

func TestTicketStore(t *testing.T) {
	store := newTicketStore()
	now := time.Unix(1000, 0)
	store.now = func() time.Time { return now }

	ticket := store.issue()
	if len(ticket) != ticketBytes*2 {
		t.Errorf("ticket length = %d", len(ticket))
	}
	if !store.redeem(ticket) {
		t.Fatal("fresh ticket rejected")
	}
	if store.redeem(ticket) {
		t.Error("ticket redeemed twice")
	}

	stale := store.issue()
	now = now.Add(ticketTTL + time.Second)
	if store.redeem(stale) {
		t.Error("expired ticket accepted")
	}

	store.issue()
	now = now.Add(ticketTTL + time.Second)
	store.clean()
	if len(store.tickets) != 0 {
		t.Errorf("tickets after clean = %d", len(store.tickets))
	}
}
