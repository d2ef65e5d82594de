package auth

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"testing"
)

type staticAuthenticator struct {
	identity Identity
	err      error
}

func (a staticAuthenticator) Authenticate(ctx context.Context, r *http.Request) (Identity, error) {
	return a.identity, a.err
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewJSONHandler(os.Stdout, nil))
}

func TestMiddleware_InjectsIdentity(t *testing.T) {
	var got Identity
	var ok bool
	next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got, ok = IdentityFromContext(r.Context())
		w.WriteHeader(http.StatusOK)
	})

	mw := Middleware{
		Logger:        testLogger(),
		Authenticator: staticAuthenticator{identity: Identity{Subject: "user-1", Roles: []string{"admin"}}},
	}

	rec := httptest.NewRecorder()
	mw.Wrap(next).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "http://example.test/pipeline-runs", nil))

	if rec.Code != http.StatusOK {
		t.Fatalf("status=%d, want 200", rec.Code)
	}
	if !ok || got.Subject != "user-1" {
		t.Fatalf("identity=%+v ok=%v, want user-1", got, ok)
	}
}

func TestMiddleware_RejectsUnauthenticated(t *testing.T) {
	next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Fatalf("next handler should not run")
	})

	mw := Middleware{
		Logger:        testLogger(),
		Authenticator: staticAuthenticator{err: ErrUnauthenticated},
	}

	rec := httptest.NewRecorder()
	mw.Wrap(next).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "http://example.test/pipeline-runs", nil))

	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("status=%d, want 401", rec.Code)
	}
}

func TestMiddleware_SkipsHealthPrefixes(t *testing.T) {
	next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})

	mw := Middleware{
		Logger:        testLogger(),
		Authenticator: staticAuthenticator{err: errors.New("should not be called")},
		SkipPrefixes:  []string{"/healthz", "/readyz"},
	}

	rec := httptest.NewRecorder()
	mw.Wrap(next).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "http://example.test/healthz", nil))

	if rec.Code != http.StatusOK {
		t.Fatalf("status=%d, want 200", rec.Code)
	}
}

func TestMiddleware_RequireRole(t *testing.T) {
	next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})

	mw := Middleware{
		Logger:        testLogger(),
		Authenticator: staticAuthenticator{identity: Identity{Subject: "user-1", Roles: []string{"viewer"}}},
		Authorize:     RequireRole("admin"),
	}

	rec := httptest.NewRecorder()
	mw.Wrap(next).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "http://example.test/pipeline-runs", nil))

	if rec.Code != http.StatusForbidden {
		t.Fatalf("status=%d, want 403", rec.Code)
	}
}

func TestConfigFromEnv_RejectsUnknownMode(t *testing.T) {
	t.Setenv("AUTH_MODE", "basic")
	if _, err := ConfigFromEnv(); err == nil {
		t.Fatalf("ConfigFromEnv() expected error for unknown mode")
	}
}

func TestConfigValidate_OIDCRequiresIssuer(t *testing.T) {
	cfg := Config{
		Mode:       ModeOIDC,
		RolesClaim: "roles",
		EmailClaim: "email",
	}
	if err := cfg.Validate(); err == nil {
		t.Fatalf("Validate() expected error for missing issuer")
	}
}
