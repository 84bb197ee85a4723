package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestActorRequiresHeaders(t *testing.T) {
	handler := Actor(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Fatal("handler must not run without actor headers")
	}))

	req := httptest.NewRequest(http.MethodPost, "/v1/prescriptions", nil)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusUnauthorized)
	}
}

func TestActorRejectsUnknownRole(t *testing.T) {
	handler := Actor(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))

	req := httptest.NewRequest(http.MethodPost, "/v1/prescriptions", nil)
	req.Header.Set("X-Actor-ID", "12")
	req.Header.Set("X-Actor-Role", "wizard")
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusUnauthorized)
	}
}

func TestActorResolvesFromHeaders(t *testing.T) {
	var called bool
	handler := Actor(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		called = true
		actor, ok := GetActor(r.Context())
		if !ok {
			t.Fatal("actor missing from context")
		}
		if actor.ID != 12 || actor.Role != "pharmacist" {
			t.Fatalf("unexpected actor %+v", actor)
		}
	}))

	req := httptest.NewRequest(http.MethodPost, "/v1/prescriptions", nil)
	req.Header.Set("X-Actor-ID", "12")
	req.Header.Set("X-Actor-Role", "pharmacist")
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if !called {
		t.Fatal("handler not called")
	}
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
}

func TestRequestIDGeneratedWhenMissing(t *testing.T) {
	handler := RequestID(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if GetRequestID(r.Context()) == "" {
			t.Fatal("request id missing from context")
		}
	}))

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if rec.Header().Get("X-Request-ID") == "" {
		t.Fatal("X-Request-ID header not set")
	}
}

func TestClientIPPrefersForwardedFor(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("X-Forwarded-For", "10.1.2.3, 172.16.0.1")
	if ip := clientIP(req); ip != "10.1.2.3" {
		t.Fatalf("got %q, want first forwarded address", ip)
	}
}
