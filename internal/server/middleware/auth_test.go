package middleware_test

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"testing"

	"github.com/nikitayk/NAPS-PERSONAL-BACKENED/internal/gateway"
	"github.com/nikitayk/NAPS-PERSONAL-BACKENED/internal/server/middleware"
)

func newTestLogger() *slog.Logger {
	handler := slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelError + 1})
	return slog.New(handler)
}

type stubVerifier struct {
	identity string
	err      error
}

func (s *stubVerifier) Verify(_ context.Context, token string) (string, error) {
	if s.err != nil {
		return "", s.err
	}
	return s.identity, nil
}

func runAuth(t *testing.T, verifier gateway.TokenVerifier, banned middleware.BanChecker, token string) (*httptest.ResponseRecorder, string) {
	t.Helper()

	var admitted string
	final := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		meta, _ := middleware.ReqMetadataFrom(r.Context())
		admitted = meta.UserID
		w.WriteHeader(http.StatusOK)
	})

	handler := middleware.Chain(final,
		middleware.RequestMetadataMiddleware(),
		middleware.NewAuthMiddleware(newTestLogger(), verifier, banned),
	)

	req := httptest.NewRequest(http.MethodGet, "/ws", nil)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	return rec, admitted
}

func failureCode(t *testing.T, rec *httptest.ResponseRecorder) string {
	t.Helper()
	var body struct {
		Code string `json:"code"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("failed to decode failure body %q: %v", rec.Body.String(), err)
	}
	return body.Code
}

func TestAuthAdmitsValidCredential(t *testing.T) {
	rec, admitted := runAuth(t, &stubVerifier{identity: "user-1"}, nil, "good-token")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	if admitted != "user-1" {
		t.Errorf("admitted identity = %q, want user-1", admitted)
	}
}

func TestAuthRejectsMissingCredential(t *testing.T) {
	rec, _ := runAuth(t, &stubVerifier{identity: "user-1"}, nil, "")
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", rec.Code)
	}
	if code := failureCode(t, rec); code != gateway.ErrAuthRequired.Code {
		t.Errorf("code = %q, want AUTH_REQUIRED", code)
	}
}

func TestAuthDistinguishesExpiredToken(t *testing.T) {
	rec, _ := runAuth(t, &stubVerifier{err: gateway.ErrTokenExpired}, nil, "stale-token")
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", rec.Code)
	}
	if code := failureCode(t, rec); code != gateway.ErrTokenExpired.Code {
		t.Errorf("code = %q, want TOKEN_EXPIRED", code)
	}
}

func TestAuthRejectsBannedIdentity(t *testing.T) {
	banned := func(r *http.Request, identity string) bool { return identity == "user-1" }
	rec, _ := runAuth(t, &stubVerifier{identity: "user-1"}, banned, "good-token")
	if rec.Code != http.StatusForbidden {
		t.Fatalf("status = %d, want 403", rec.Code)
	}
	if code := failureCode(t, rec); code != gateway.ErrTemporaryBan.Code {
		t.Errorf("code = %q, want TEMPORARY_BAN", code)
	}
}

func TestAuthSurfacesVerifierFaultAsInternal(t *testing.T) {
	rec, _ := runAuth(t, &stubVerifier{err: context.DeadlineExceeded}, nil, "any-token")
	if rec.Code != http.StatusInternalServerError {
		t.Fatalf("status = %d, want 500", rec.Code)
	}
	if code := failureCode(t, rec); code != gateway.ErrInternal.Code {
		t.Errorf("code = %q, want INTERNAL_ERROR", code)
	}
}
