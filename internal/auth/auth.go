// Package auth authenticates API callers by shared key or by HS256 tokens
// signed with that key.
package auth

import (
	"crypto/subtle"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

const (
	HeaderAPIKey = "X-API-Key"

	MethodAPIKey = "api_key"
	MethodToken  = "token"

	maxClockSkew = 5 * time.Second
)

// Claims represents JWT claims issued to API callers.
type Claims struct {
	Scopes []string `json:"scopes"`
	jwt.RegisteredClaims
}

// Authenticator validates the X-API-Key header or a bearer token.
type Authenticator struct {
	key    []byte
	issuer string
	now    func() time.Time
}

// NewAuthenticator requires a non-empty key.
func NewAuthenticator(apiKey, issuer string) (*Authenticator, error) {
	apiKey = strings.TrimSpace(apiKey)
	if apiKey == "" {
		return nil, errors.New("auth: api key is required")
	}
	if issuer == "" {
		issuer = "rankrelay"
	}
	return &Authenticator{key: []byte(apiKey), issuer: issuer, now: time.Now}, nil
}

// Authenticate inspects r for credentials.
func (a *Authenticator) Authenticate(r *http.Request) (Principal, error) {
	if key := r.Header.Get(HeaderAPIKey); key != "" {
		return a.AuthenticateKey(key)
	}
	if h := r.Header.Get("Authorization"); h != "" {
		scheme, token, ok := strings.Cut(h, " ")
		if !ok || !strings.EqualFold(scheme, "Bearer") {
			return Principal{}, ErrInvalidToken
		}
		claims, err := a.ParseToken(token)
		if err != nil {
			return Principal{}, err
		}
		return NewPrincipal(claims.Subject, MethodToken, claims.Scopes), nil
	}
	return Principal{}, ErrMissingCredentials
}

// AuthenticateKey compares key with the configured secret in constant time.
func (a *Authenticator) AuthenticateKey(key string) (Principal, error) {
	if subtle.ConstantTimeCompare([]byte(strings.TrimSpace(key)), a.key) != 1 {
		return Principal{}, ErrUnauthorized
	}
	return NewPrincipal("api-key", MethodAPIKey, AllScopes), nil
}

// GenerateToken signs an HS256 token for subject with the given scopes.
func (a *Authenticator) GenerateToken(subject string, scopes []string, ttl time.Duration) (string, time.Time, error) {
	subject = strings.TrimSpace(subject)
	if subject == "" {
		return "", time.Time{}, errors.New("subject is required")
	}
	if ttl <= 0 {
		return "", time.Time{}, errors.New("ttl must be greater than zero")
	}
	now := a.now().UTC()
	exp := now.Add(ttl)
	claims := Claims{
		Scopes: dedupe(scopes),
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    a.issuer,
			Subject:   subject,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(exp),
			ID:        uuid.NewString(),
		},
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(a.key)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("sign token: %w", err)
	}
	return signed, exp, nil
}

// ParseToken verifies signature, issuer and timestamps.
func (a *Authenticator) ParseToken(token string) (*Claims, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return nil, ErrInvalidToken
	}
	parsed, err := jwt.ParseWithClaims(token, &Claims{}, func(t *jwt.Token) (any, error) {
		if t.Method != jwt.SigningMethodHS256 {
			return nil, ErrInvalidToken
		}
		return a.key, nil
	},
		jwt.WithIssuer(a.issuer),
		jwt.WithExpirationRequired(),
		jwt.WithIssuedAt(),
		jwt.WithLeeway(maxClockSkew),
		jwt.WithTimeFunc(a.now),
	)
	if err != nil {
		return nil, ErrInvalidToken
	}
	claims, ok := parsed.Claims.(*Claims)
	if !ok || !parsed.Valid || strings.TrimSpace(claims.Subject) == "" {
		return nil, ErrInvalidToken
	}
	claims.Scopes = dedupe(claims.Scopes)
	return claims, nil
}

func dedupe(items []string) []string {
	if len(items) == 0 {
		return nil
	}
	seen := make(map[string]struct{}, len(items))
	var out []string
	for _, s := range items {
		s = strings.TrimSpace(strings.ToLower(s))
		if s == "" {
			continue
		}
		if _, ok := seen[s]; ok {
			continue
		}
		seen[s] = struct{}{}
		out = append(out, s)
	}
	return out
}
