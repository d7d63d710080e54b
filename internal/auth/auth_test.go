package auth

import (
	"net/http/httptest"
	"slices"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

func newAuth(t *testing.T) *Authenticator {
	t.Helper()
	a, err := NewAuthenticator("s3cret-key", "rankrelay-test")
	if err != nil {
		t.Fatalf("NewAuthenticator: %v", err)
	}
	return a
}

func TestNewAuthenticatorRequiresKey(t *testing.T) {
	if _, err := NewAuthenticator("  ", ""); err == nil {
		t.Fatal("expected error for empty key")
	}
}

func TestAuthenticateAPIKey(t *testing.T) {
	a := newAuth(t)

	req := httptest.NewRequest("GET", "/api/roles", nil)
	req.Header.Set(HeaderAPIKey, "s3cret-key")
	p, err := a.Authenticate(req)
	if err != nil {
		t.Fatalf("Authenticate: %v", err)
	}
	if p.Method != MethodAPIKey || !p.HasScope(ScopeRankWrite) {
		t.Fatalf("unexpected principal: %+v", p)
	}

	req.Header.Set(HeaderAPIKey, "s3cret-kez")
	if _, err := a.Authenticate(req); err != ErrUnauthorized {
		t.Fatalf("expected ErrUnauthorized, got %v", err)
	}

	if _, err := a.Authenticate(httptest.NewRequest("GET", "/api/roles", nil)); err != ErrMissingCredentials {
		t.Fatalf("expected ErrMissingCredentials, got %v", err)
	}
}

func TestGenerateAndAuthenticateToken(t *testing.T) {
	a := newAuth(t)

	token, exp, err := a.GenerateToken("discord-bot", []string{"Rank:Read", "rank:read", "audit:read"}, 30*time.Minute)
	if err != nil {
		t.Fatalf("GenerateToken: %v", err)
	}
	if time.Until(exp) <= 0 {
		t.Fatalf("expected future expiration, got %v", exp)
	}

	req := httptest.NewRequest("GET", "/api/roles", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	p, err := a.Authenticate(req)
	if err != nil {
		t.Fatalf("Authenticate: %v", err)
	}
	if p.Subject != "discord-bot" || p.Method != MethodToken {
		t.Fatalf("unexpected principal: %+v", p)
	}
	if !p.HasScope(ScopeRankRead) || p.HasScope(ScopeRankWrite) {
		t.Fatalf("unexpected scopes: %v", p.Scopes)
	}

	claims, err := a.ParseToken(token)
	if err != nil {
		t.Fatalf("ParseToken: %v", err)
	}
	if !slices.Equal(claims.Scopes, []string{"rank:read", "audit:read"}) {
		t.Fatalf("scopes not normalised: %v", claims.Scopes)
	}
}

func TestParseTokenRejections(t *testing.T) {
	a := newAuth(t)

	other, _ := NewAuthenticator("different-key", "rankrelay-test")
	foreign, _, _ := other.GenerateToken("x", nil, time.Minute)
	if _, err := a.ParseToken(foreign); err != ErrInvalidToken {
		t.Fatalf("foreign signature: got %v", err)
	}

	wrongIssuer, _ := NewAuthenticator("s3cret-key", "someone-else")
	tok, _, _ := wrongIssuer.GenerateToken("x", nil, time.Minute)
	if _, err := a.ParseToken(tok); err != ErrInvalidToken {
		t.Fatalf("wrong issuer: got %v", err)
	}

	past := time.Now().Add(-2 * time.Hour)
	a.now = func() time.Time { return past }
	expired, _, _ := a.GenerateToken("x", nil, time.Minute)
	a.now = time.Now
	if _, err := a.ParseToken(expired); err != ErrInvalidToken {
		t.Fatalf("expired: got %v", err)
	}

	none := jwt.NewWithClaims(jwt.SigningMethodNone, jwt.RegisteredClaims{Issuer: "rankrelay-test", Subject: "x"})
	unsigned, _ := none.SignedString(jwt.UnsafeAllowNoneSignatureType)
	if _, err := a.ParseToken(unsigned); err != ErrInvalidToken {
		t.Fatalf("alg none: got %v", err)
	}

	req := httptest.NewRequest("GET", "/", nil)
	req.Header.Set("Authorization", "Basic abc")
	if _, err := a.Authenticate(req); err != ErrInvalidToken {
		t.Fatalf("basic scheme: got %v", err)
	}
}
