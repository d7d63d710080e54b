package obs

import (
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// HTTP metrics.
var (
	httpInFlight = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "http_in_flight_requests",
		Help: "In-flight HTTP requests.",
	})

	httpRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total number of HTTP requests.",
		},
		[]string{"method", "path", "status"},
	)

	httpRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "HTTP request latencies in seconds.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "path", "status"},
	)
)

// Domain metrics.
var (
	rankChangesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "rankrelay_rank_changes_total",
			Help: "Rank change attempts by action and outcome (changed, unchanged, failed).",
		},
		[]string{"action", "outcome"},
	)

	platformCallsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "rankrelay_platform_calls_total",
			Help: "Outbound platform calls by operation and outcome.",
		},
		[]string{"op", "outcome"},
	)

	platformRetriesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "rankrelay_platform_retries_total",
			Help: "Retries issued for outbound platform calls.",
		},
		[]string{"op"},
	)

	cacheLookupsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "rankrelay_cache_lookups_total",
			Help: "Platform cache lookups by resource class and result.",
		},
		[]string{"class", "result"},
	)

	platformHealthy = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "rankrelay_platform_healthy",
		Help: "1 when the last platform call succeeded at the connection level.",
	})

	sessionState = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "rankrelay_session_state",
			Help: "Current session state (1 for the active state).",
		},
		[]string{"state"},
	)

	auditEntries = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "rankrelay_audit_entries",
		Help: "Audit entries currently held in memory.",
	})
)

var initOnce sync.Once

// Init registers all collectors in the default registry. Safe to call more than once.
func Init() {
	initOnce.Do(func() {
		prometheus.MustRegister(
			httpInFlight, httpRequestsTotal, httpRequestDuration,
			rankChangesTotal, platformCallsTotal, platformRetriesTotal,
			cacheLookupsTotal, platformHealthy, sessionState, auditEntries,
		)
	})
}

// Handler serves the Prometheus exposition format.
func Handler() http.Handler {
	return promhttp.Handler()
}

// ObserveRankChange counts one rank change attempt.
func ObserveRankChange(action, outcome string) {
	rankChangesTotal.WithLabelValues(action, outcome).Inc()
}

// ObservePlatformCall counts one completed outbound call (after retries).
func ObservePlatformCall(op string, err error) {
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	platformCallsTotal.WithLabelValues(op, outcome).Inc()
}

// ObservePlatformRetry counts one retry of an outbound call.
func ObservePlatformRetry(op string) {
	platformRetriesTotal.WithLabelValues(op).Inc()
}

// ObserveCacheLookup counts a cache hit or miss for a resource class.
func ObserveCacheLookup(class string, hit bool) {
	result := "miss"
	if hit {
		result = "hit"
	}
	cacheLookupsTotal.WithLabelValues(class, result).Inc()
}

// SetPlatformHealthy mirrors the resilient client health flag.
func SetPlatformHealthy(ok bool) {
	if ok {
		platformHealthy.Set(1)
		return
	}
	platformHealthy.Set(0)
}

// SetSessionState marks state as active and clears the others.
func SetSessionState(state string, all ...string) {
	for _, s := range all {
		sessionState.WithLabelValues(s).Set(0)
	}
	sessionState.WithLabelValues(state).Set(1)
}

// SetAuditEntries records the in-memory audit buffer size.
func SetAuditEntries(n int) {
	auditEntries.Set(float64(n))
}

// Instrument records in-flight, count and latency per request.
func Instrument(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		path := CanonicalPath(r.URL.Path)
		method := r.Method

		httpInFlight.Inc()
		start := time.Now()

		sw := &statusWriter{ResponseWriter: w, code: http.StatusOK}
		next.ServeHTTP(sw, r)

		duration := time.Since(start).Seconds()
		status := strconv.Itoa(sw.code)

		httpRequestDuration.WithLabelValues(method, path, status).Observe(duration)
		httpRequestsTotal.WithLabelValues(method, path, status).Inc()
		httpInFlight.Dec()
	})
}

// CanonicalPath collapses user identifiers in a request path so metric
// label cardinality stays bounded.
func CanonicalPath(p string) string {
	if i := strings.IndexByte(p, '?'); i >= 0 {
		p = p[:i]
	}
	if p == "" {
		return "/"
	}
	parts := strings.Split(p, "/")
	for i, part := range parts {
		switch {
		case i > 0 && parts[i-1] == "username" && part != "":
			parts[i] = ":username"
		case isDigits(part):
			parts[i] = ":id"
		}
	}
	return strings.Join(parts, "/")
}

func isDigits(s string) bool {
	if s == "" {
		return false
	}
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}

// statusWriter is a local copy so Instrument knows the response code.
type statusWriter struct {
	http.ResponseWriter
	code int
}

func (w *statusWriter) WriteHeader(code int) {
	w.code = code
	w.ResponseWriter.WriteHeader(code)
}

// Flush lets SSE handlers flush through the instrumentation wrapper.
func (w *statusWriter) Flush() {
	if f, ok := w.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func (w *statusWriter) Unwrap() http.ResponseWriter { return w.ResponseWriter }
