package httpapi

import (
	"log/slog"
	"net/http"
	"strings"
	"time"

	"rankrelay.org/internal/auth"
)

type tokenRequest struct {
	Subject    string   `json:"subject"`
	Scopes     []string `json:"scopes"`
	TTLSeconds int      `json:"ttlSeconds"`
}

type tokenResponse struct {
	Token     string    `json:"token"`
	ExpiresAt time.Time `json:"expiresAt"`
	Scopes    []string  `json:"scopes"`
}

const (
	defaultTokenTTL = 15 * time.Minute
	maxTokenTTL     = time.Hour
)

// issueToken lets a holder of the shared key mint a narrower, expiring token
// for a downstream client.
func (a *API) issueToken(w http.ResponseWriter, r *http.Request) {
	principal, ok := auth.PrincipalFromContext(r.Context())
	if !ok || principal.Method != auth.MethodAPIKey {
		a.handleError(w, r, auth.ErrForbidden)
		return
	}

	var req tokenRequest
	if err := decodeJSON(w, r, a.maxBody, &req); err != nil {
		a.handleError(w, r, err)
		return
	}
	subject := strings.TrimSpace(req.Subject)
	if subject == "" {
		a.handleError(w, r, validationf("subject is required"))
		return
	}
	scopes := make([]string, 0, len(req.Scopes))
	for _, s := range req.Scopes {
		s = strings.TrimSpace(strings.ToLower(s))
		if s == "" {
			continue
		}
		if !principal.HasScope(s) {
			a.handleError(w, r, validationf("unknown scope %q", s))
			return
		}
		scopes = append(scopes, s)
	}
	if len(scopes) == 0 {
		a.handleError(w, r, validationf("scopes are required"))
		return
	}
	ttl := defaultTokenTTL
	if req.TTLSeconds != 0 {
		ttl = time.Duration(req.TTLSeconds) * time.Second
		if ttl <= 0 || ttl > maxTokenTTL {
			a.handleError(w, r, validationf("ttlSeconds must be between 1 and %d", int(maxTokenTTL.Seconds())))
			return
		}
	}

	token, exp, err := a.auth.GenerateToken(subject, scopes, ttl)
	if err != nil {
		a.handleError(w, r, err)
		return
	}
	a.log.InfoContext(r.Context(), "token issued",
		slog.String("subject", subject),
		slog.Any("scopes", scopes),
		slog.Time("expires_at", exp),
	)
	writeSuccess(w, http.StatusOK, tokenResponse{Token: token, ExpiresAt: exp, Scopes: scopes})
}
