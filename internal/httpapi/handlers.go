package httpapi

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math"
	"net/http"
	"time"

	"rankrelay.org/internal/audit"
	"rankrelay.org/internal/auth"
	"rankrelay.org/internal/obs"
	"rankrelay.org/internal/platform"
	"rankrelay.org/internal/rank"
	"rankrelay.org/internal/resilient"
	"rankrelay.org/internal/roles"
	"rankrelay.org/internal/session"
	"rankrelay.org/internal/stream"
	"rankrelay.org/internal/undo"
)

const (
	serviceName         = "rankrelay"
	defaultMaxBodyBytes = 1 << 20
)

// Deps are the collaborators served over HTTP. Stream, Limiter and Session
// are optional.
type Deps struct {
	Policy       *rank.Policy
	Directory    *roles.Directory
	Platform     *platform.Client
	Audit        *audit.Log
	Undo         *undo.Cache
	Session      *session.Monitor
	Stream       *stream.Stream
	Auth         *auth.Authenticator
	Limiter      *RateLimiter
	Proxies      Proxies
	Logger       *slog.Logger
	Version      string
	MaxBodyBytes int64
}

// API is the HTTP layer.
type API struct {
	mux     *http.ServeMux
	policy  *rank.Policy
	dir     *roles.Directory
	pf      *platform.Client
	audit   *audit.Log
	undo    *undo.Cache
	session *session.Monitor
	stream  *stream.Stream
	auth    *auth.Authenticator
	limiter *RateLimiter
	proxies Proxies
	log     *slog.Logger
	version string
	maxBody int64
	started time.Time
}

func New(d Deps) *API {
	if d.Logger == nil {
		d.Logger = slog.Default()
	}
	if d.MaxBodyBytes <= 0 {
		d.MaxBodyBytes = defaultMaxBodyBytes
	}
	a := &API{
		mux:     http.NewServeMux(),
		policy:  d.Policy,
		dir:     d.Directory,
		pf:      d.Platform,
		audit:   d.Audit,
		undo:    d.Undo,
		session: d.Session,
		stream:  d.Stream,
		auth:    d.Auth,
		limiter: d.Limiter,
		proxies: d.Proxies,
		log:     d.Logger.With("component", "httpapi"),
		version: d.Version,
		maxBody: d.MaxBodyBytes,
		started: time.Now(),
	}

	// public
	a.mux.HandleFunc("GET /healthz", a.Healthz)
	a.mux.HandleFunc("GET /readyz", a.Ready)
	a.mux.HandleFunc("GET /health", a.Health)
	a.mux.HandleFunc("GET /session", a.Session)
	a.mux.Handle("GET /metrics", obs.Handler())

	// authenticated
	api := http.NewServeMux()
	a.routes(api)
	a.mux.Handle("/api/", a.limiter.Middleware(a.withAuth(api)))

	a.mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		writeError(w, r, http.StatusNotFound, "not_found", "resource not found")
	})

	return a
}

func (a *API) routes(mux *http.ServeMux) {
	read := func(h http.HandlerFunc) http.Handler { return a.requireScope(auth.ScopeRankRead, h) }
	write := func(h http.HandlerFunc) http.Handler { return a.requireScope(auth.ScopeRankWrite, h) }
	auditRead := func(h http.HandlerFunc) http.Handler { return a.requireScope(auth.ScopeAuditRead, h) }

	mux.Handle("GET /api/rank/{userId}", read(a.getRankByID))
	mux.Handle("GET /api/rank/username/{username}", read(a.getRankByUsername))
	mux.Handle("POST /api/rank/{userId}", write(a.setRankByID))
	mux.Handle("POST /api/rank/username/{username}", write(a.setRankByUsername))
	mux.Handle("POST /api/rank/bulk", write(a.bulkRank))
	mux.Handle("POST /api/promote/{userId}", write(a.promoteByID))
	mux.Handle("POST /api/promote/username/{username}", write(a.promoteByUsername))
	mux.Handle("POST /api/demote/{userId}", write(a.demoteByID))
	mux.Handle("POST /api/demote/username/{username}", write(a.demoteByUsername))
	mux.Handle("GET /api/roles", read(a.listRoles))
	mux.Handle("GET /api/group", read(a.groupInfo))
	mux.Handle("GET /api/undo", read(a.getUndo))
	mux.Handle("POST /api/undo", write(a.postUndo))
	mux.Handle("GET /api/logs", auditRead(a.listLogs))
	mux.Handle("GET /api/stats", auditRead(a.stats))
	mux.Handle("GET /api/audit/stream", auditRead(a.Stream))
	mux.HandleFunc("POST /api/token", a.issueToken)
	mux.HandleFunc("/api/", func(w http.ResponseWriter, r *http.Request) {
		writeError(w, r, http.StatusNotFound, "not_found", "resource not found")
	})
}

// Handler returns the fully wrapped handler for the HTTP server.
func (a *API) Handler() http.Handler {
	var h http.Handler = a.mux
	h = Recovery(a.log)(h)
	h = Logging(a.log)(h)
	h = RequestID(a.proxies)(h)
	return obs.Instrument(h)
}

// --- Handlers ---

func (a *API) Healthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":  "ok",
		"service": serviceName,
		"version": a.version,
	})
}

// Ready reports 503 until the role directory has been loaded.
func (a *API) Ready(w http.ResponseWriter, r *http.Request) {
	if a.dir == nil || !a.dir.Ready() {
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{
			"status": "not_ready",
			"error":  roles.ErrNotReady.Error(),
		})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status": "ready",
	})
}

type componentHealth struct {
	Status  string `json:"status"`
	Details any    `json:"details,omitempty"`
}

// Health summarises every component the service depends on.
func (a *API) Health(w http.ResponseWriter, r *http.Request) {
	components := map[string]componentHealth{}
	overall := "ok"
	degrade := func(name, status string, details any) {
		components[name] = componentHealth{Status: status, Details: details}
		if status != "ok" {
			overall = "degraded"
		}
	}

	if a.pf != nil {
		status := "ok"
		if !a.pf.Resilient().Healthy() {
			status = "unreachable"
		}
		degrade("platform", status, a.pf.Resilient().Stats())
	}
	if a.dir != nil {
		status := "ok"
		if !a.dir.Ready() {
			status = "not_loaded"
		}
		degrade("directory", status, map[string]any{
			"roles":       len(a.dir.All()),
			"refreshedAt": a.dir.RefreshedAt(),
		})
	}
	if a.session != nil {
		st := a.session.Status()
		status := "ok"
		if st.State != session.StateHealthy {
			status = string(st.State)
		}
		degrade("session", status, st)
	}
	if a.audit != nil {
		degrade("audit", "ok", map[string]any{"entries": a.audit.Len()})
	}

	writeSuccess(w, http.StatusOK, map[string]any{
		"status":        overall,
		"version":       a.version,
		"uptimeSeconds": int64(time.Since(a.started).Seconds()),
		"components":    components,
	})
}

// Session exposes the latest credential probe classification.
func (a *API) Session(w http.ResponseWriter, r *http.Request) {
	if a.session == nil {
		writeError(w, r, http.StatusServiceUnavailable, "unavailable", "session monitor disabled")
		return
	}
	writeSuccess(w, http.StatusOK, a.session.Status())
}

// --- helpers ---

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

// writeSuccess merges payload's fields into a {"success": true} envelope.
func writeSuccess(w http.ResponseWriter, code int, payload any) {
	body := map[string]json.RawMessage{}
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			writeJSON(w, http.StatusInternalServerError, map[string]any{
				"success": false,
				"error":   "internal_error",
				"message": "encode response",
			})
			return
		}
		if err := json.Unmarshal(raw, &body); err != nil {
			body = map[string]json.RawMessage{"data": raw}
		}
	}
	body["success"] = json.RawMessage("true")
	writeJSON(w, code, body)
}

type errorBody struct {
	Success   bool   `json:"success"`
	Error     string `json:"error"`
	Message   string `json:"message"`
	RequestID string `json:"request_id,omitempty"`
}

func writeError(w http.ResponseWriter, r *http.Request, code int, kind, msg string) {
	writeJSON(w, code, errorBody{
		Error:     kind,
		Message:   msg,
		RequestID: audit.RequestIDFromContext(r.Context()),
	})
}

// handleError is the single place domain errors become HTTP statuses.
func (a *API) handleError(w http.ResponseWriter, r *http.Request, err error) {
	var rl *resilient.RateLimitedError
	switch {
	case errors.Is(err, rank.ErrValidation):
		writeError(w, r, http.StatusBadRequest, "validation_error", err.Error())
	case errors.Is(err, auth.ErrMissingCredentials), errors.Is(err, auth.ErrUnauthorized), errors.Is(err, auth.ErrInvalidToken):
		writeError(w, r, http.StatusUnauthorized, "unauthorized", err.Error())
	case errors.Is(err, auth.ErrForbidden), errors.Is(err, rank.ErrPermission):
		writeError(w, r, http.StatusForbidden, "forbidden", err.Error())
	case errors.Is(err, rank.ErrNotFound), errors.Is(err, undo.ErrNothingToUndo):
		writeError(w, r, http.StatusNotFound, "not_found", err.Error())
	case errors.As(err, &rl):
		if rl.RetryAfter > 0 {
			w.Header().Set("Retry-After", retryAfterSeconds(rl.RetryAfter))
		}
		writeError(w, r, http.StatusTooManyRequests, "rate_limited", "platform rate limit reached, retry later")
	case errors.Is(err, resilient.ErrConnection), errors.Is(err, roles.ErrNotReady), errors.Is(err, platform.ErrCredentialRejected):
		a.log.WarnContext(r.Context(), "dependency unavailable", slog.String("error", err.Error()))
		writeError(w, r, http.StatusServiceUnavailable, "unavailable", "platform unavailable, retry later")
	default:
		a.log.ErrorContext(r.Context(), "request failed", slog.String("error", err.Error()))
		writeError(w, r, http.StatusInternalServerError, "internal_error", "internal error")
	}
}

func validationf(format string, args ...any) error {
	return fmt.Errorf("%w: %s", rank.ErrValidation, fmt.Sprintf(format, args...))
}

func retryAfterSeconds(d time.Duration) string {
	return fmt.Sprintf("%d", int64(math.Ceil(d.Seconds())))
}

func decodeJSON(w http.ResponseWriter, r *http.Request, maxBytes int64, dst any) error {
	reader := http.MaxBytesReader(w, r.Body, maxBytes)
	defer reader.Close()
	dec := json.NewDecoder(reader)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		if errors.Is(err, io.EOF) {
			return fmt.Errorf("%w: request body is required", rank.ErrValidation)
		}
		return fmt.Errorf("%w: %w", rank.ErrValidation, err)
	}
	if err := dec.Decode(&struct{}{}); !errors.Is(err, io.EOF) {
		return fmt.Errorf("%w: unexpected data after JSON body", rank.ErrValidation)
	}
	return nil
}
