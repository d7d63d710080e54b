package httpapi

import (
	"log/slog"
	"net/http"

	"rankrelay.org/internal/auth"
)

// withAuth requires the shared key or a bearer token on every request it wraps.
func (a *API) withAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if a.auth == nil {
			a.handleError(w, r, auth.ErrUnauthorized)
			return
		}
		principal, err := a.auth.Authenticate(r)
		if err != nil {
			a.log.WarnContext(r.Context(), "authentication failed",
				slog.String("path", r.URL.Path),
				slog.String("error", err.Error()),
			)
			a.handleError(w, r, err)
			return
		}
		ctx := auth.ContextWithPrincipal(r.Context(), principal)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func (a *API) requireScope(scope string, next http.HandlerFunc) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		principal, ok := auth.PrincipalFromContext(r.Context())
		if !ok {
			a.handleError(w, r, auth.ErrUnauthorized)
			return
		}
		if !principal.HasScope(scope) {
			a.handleError(w, r, auth.ErrForbidden)
			return
		}
		next(w, r)
	})
}
