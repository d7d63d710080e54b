package httpapi

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"rankrelay.org/internal/audit"
	"rankrelay.org/internal/resilient"
	"rankrelay.org/internal/session"
)

var knownActions = map[string]bool{
	audit.ActionSetRank: true,
	audit.ActionPromote: true,
	audit.ActionDemote:  true,
	audit.ActionUndo:    true,
	audit.ActionBulk:    true,
}

// parseLogFilter validates the /api/logs query string.
func parseLogFilter(r *http.Request) (audit.Filter, error) {
	q := r.URL.Query()
	f := audit.Filter{Limit: audit.DefaultLimit}

	if action := strings.TrimSpace(q.Get("action")); action != "" {
		if !knownActions[action] {
			return audit.Filter{}, validationf("unknown action %q", action)
		}
		f.Action = action
	}
	if raw := q.Get("success"); raw != "" {
		v, err := strconv.ParseBool(raw)
		if err != nil {
			return audit.Filter{}, validationf("success must be true or false")
		}
		f.Success = &v
	}
	if raw := q.Get("userId"); raw != "" {
		id, err := strconv.ParseInt(raw, 10, 64)
		if err != nil || id <= 0 {
			return audit.Filter{}, validationf("userId must be a positive integer")
		}
		f.UserID = id
	}
	if raw := q.Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 || n > audit.MaxLimit {
			return audit.Filter{}, validationf("limit must be between 1 and %d", audit.MaxLimit)
		}
		f.Limit = n
	}
	if raw := q.Get("offset"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			return audit.Filter{}, validationf("offset must be a non-negative integer")
		}
		f.Offset = n
	}
	return f, nil
}

func (a *API) listLogs(w http.ResponseWriter, r *http.Request) {
	f, err := parseLogFilter(r)
	if err != nil {
		a.handleError(w, r, err)
		return
	}
	writeSuccess(w, http.StatusOK, a.audit.Query(f))
}

type streamStats struct {
	Subscribers int    `json:"subscribers"`
	Dropped     uint64 `json:"dropped"`
}

type statsResponse struct {
	Audit           audit.Stats          `json:"audit"`
	Cache           resilient.CacheStats `json:"cache"`
	PlatformHealthy bool                 `json:"platformHealthy"`
	Session         *session.Status      `json:"session,omitempty"`
	Stream          *streamStats         `json:"stream,omitempty"`
	UptimeSeconds   int64                `json:"uptimeSeconds"`
	GeneratedAt     time.Time            `json:"generatedAt"`
}

func (a *API) stats(w http.ResponseWriter, r *http.Request) {
	rc := a.pf.Resilient()
	resp := statsResponse{
		Audit:           a.audit.Stats(),
		Cache:           rc.Stats(),
		PlatformHealthy: rc.Healthy(),
		UptimeSeconds:   int64(time.Since(a.started).Seconds()),
		GeneratedAt:     time.Now().UTC(),
	}
	if a.session != nil {
		st := a.session.Status()
		resp.Session = &st
	}
	if a.stream != nil {
		resp.Stream = &streamStats{Subscribers: a.stream.Subscribers(), Dropped: a.stream.Dropped()}
	}
	writeSuccess(w, http.StatusOK, resp)
}
