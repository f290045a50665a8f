package server

import (
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestAuthenticateValidToken(t *testing.T) {
	auth, err := NewAuthenticator("topsecret")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	request := httptest.NewRequest(http.MethodGet, "/v1/admin/pause", nil)
	request.Header.Set("Authorization", "Bearer topsecret")
	if principal := auth.authenticate(request); principal == nil {
		t.Fatalf("expected token to be accepted")
	}
}

func TestAuthenticateTokens(t *testing.T) {
	auth, err := NewAuthenticator("topsecret")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	tests := []struct {
		name   string
		header string
		want   bool
	}{
		{name: "valid token", header: "Bearer topsecret", want: true},
		{name: "invalid token", header: "Bearer notsecret", want: false},
		{name: "missing token", header: "", want: false},
		{name: "wrong scheme", header: "Basic topsecret", want: false},
		{name: "case insensitive scheme", header: "bearer topsecret", want: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			request := httptest.NewRequest(http.MethodGet, "/v1/admin/pause", nil)
			if tt.header != "" {
				request.Header.Set("Authorization", tt.header)
			}
			if got := auth.authenticate(request) != nil; got != tt.want {
				t.Fatalf("authenticate() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestAuthenticatorAllowsBearer(t *testing.T) {
	auth, err := NewAuthenticator("secret")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	recorder := httptest.NewRecorder()
	request := httptest.NewRequest(http.MethodPost, "/v1/admin/pause", nil)
	request.Header.Set("Authorization", "Bearer secret")
	called := false
	handler := auth.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		called = true
		principal, ok := PrincipalFromContext(r.Context())
		if !ok || principal.Method != "bearer" {
			t.Fatalf("expected bearer principal in context, got %+v", principal)
		}
		w.WriteHeader(http.StatusOK)
	}))
	handler.ServeHTTP(recorder, request)
	if !called {
		t.Fatalf("expected handler to be called")
	}
	if recorder.Code != http.StatusOK {
		t.Fatalf("unexpected status: %d", recorder.Code)
	}
}

func TestAuthenticatorRejectsUnauthenticated(t *testing.T) {
	auth, err := NewAuthenticator("secret")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	recorder := httptest.NewRecorder()
	request := httptest.NewRequest(http.MethodGet, "/v1/admin/trades", nil)
	handler := auth.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Fatalf("handler should not be called")
	}))
	handler.ServeHTTP(recorder, request)
	if recorder.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", recorder.Code)
	}
}

func TestNewAuthenticatorRequiresToken(t *testing.T) {
	if _, err := NewAuthenticator("   "); err == nil {
		t.Fatalf("expected error when no token configured")
	}
}
