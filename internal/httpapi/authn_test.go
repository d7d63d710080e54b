package httpapi

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"rankrelay.org/internal/auth"
)

func newScopeAPI() *API {
	return &API{log: quietLogger()}
}

func TestRequireScopeAllowsMatchingScope(t *testing.T) {
	a := newScopeAPI()
	handler := a.requireScope(auth.ScopeRankWrite, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	})

	req := httptest.NewRequest(http.MethodPost, "/api/rank/1", nil)
	principal := auth.NewPrincipal("ops", auth.MethodToken, []string{auth.ScopeRankWrite})
	req = req.WithContext(auth.ContextWithPrincipal(req.Context(), principal))
	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, req)
	if rr.Code != http.StatusNoContent {
		t.Fatalf("expected 204, got %d", rr.Code)
	}
}

func TestRequireScopeRejectsMissingScope(t *testing.T) {
	a := newScopeAPI()
	handler := a.requireScope(auth.ScopeAuditRead, func(w http.ResponseWriter, r *http.Request) {
		t.Fatal("handler should not be called")
	})

	req := httptest.NewRequest(http.MethodGet, "/api/logs", nil)
	principal := auth.NewPrincipal("bot", auth.MethodToken, []string{auth.ScopeRankRead})
	req = req.WithContext(auth.ContextWithPrincipal(req.Context(), principal))
	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, req)
	if rr.Code != http.StatusForbidden {
		t.Fatalf("expected 403, got %d", rr.Code)
	}
}

func TestRequireScopeRejectsMissingPrincipal(t *testing.T) {
	a := newScopeAPI()
	handler := a.requireScope(auth.ScopeRankRead, func(w http.ResponseWriter, r *http.Request) {
		t.Fatal("handler should not be called")
	})

	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/api/roles", nil))
	if rr.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", rr.Code)
	}
}

func TestWithAuthAcceptsAPIKey(t *testing.T) {
	authn, err := auth.NewAuthenticator("k", "")
	if err != nil {
		t.Fatalf("authenticator: %v", err)
	}
	a := &API{log: quietLogger(), auth: authn}
	var got auth.Principal
	handler := a.withAuth(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got, _ = auth.PrincipalFromContext(r.Context())
	}))

	req := httptest.NewRequest(http.MethodGet, "/api/roles", nil)
	req.Header.Set(auth.HeaderAPIKey, "k")
	handler.ServeHTTP(httptest.NewRecorder(), req)
	if got.Method != auth.MethodAPIKey || !got.HasScope(auth.ScopeAuditRead) {
		t.Fatalf("unexpected principal: %+v", got)
	}
}
