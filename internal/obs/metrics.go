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

	rateLimitDecisions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ratelimit_decisions_total",
			Help: "Rate limiter verdicts by category and outcome.",
		},
		[]string{"category", "outcome"},
	)

	gateDecisions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gate_decisions_total",
			Help: "Access gate verdicts by route class and outcome.",
		},
		[]string{"class", "outcome"},
	)

	initOnce sync.Once
)

// Init registers metrics in the default registry. Safe to call more than once.
func Init() {
	initOnce.Do(func() {
		prometheus.MustRegister(httpInFlight, httpRequestsTotal, httpRequestDuration, rateLimitDecisions, gateDecisions)
	})
}

// Handler exposes the default registry.
func Handler() http.Handler {
	return promhttp.Handler()
}

// RecordRateLimit counts one rate limiter verdict.
func RecordRateLimit(category, outcome string) {
	rateLimitDecisions.WithLabelValues(category, outcome).Inc()
}

// RecordGate counts one access gate verdict.
func RecordGate(class, outcome string) {
	gateDecisions.WithLabelValues(class, outcome).Inc()
}

// Instrument measures in-flight requests, totals and latency.
func Instrument(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		path := CanonicalPath(r.URL.Path)
		method := r.Method

		httpInFlight.Inc()
		defer httpInFlight.Dec()
		start := time.Now()

		sw := &StatusWriter{ResponseWriter: w, Code: http.StatusOK}
		next.ServeHTTP(sw, r)

		status := strconv.Itoa(sw.Code)
		httpRequestDuration.WithLabelValues(method, path, status).Observe(time.Since(start).Seconds())
		httpRequestsTotal.WithLabelValues(method, path, status).Inc()
	})
}

// UnmatchedPath is the label for any path outside the known route set.
const UnmatchedPath = "other"

var staticPaths = map[string]struct{}{
	"/":                  {},
	"/healthz":           {},
	"/readyz":            {},
	"/metrics":           {},
	"/v1/info":           {},
	"/login":             {},
	"/app":               {},
	"/api/auth/register": {},
	"/api/auth/login":    {},
	"/api/auth/refresh":  {},
	"/api/auth/logout":   {},
	"/api/auth/me":       {},
	"/api/companies":     {},
}

// CanonicalPath collapses identifiers so metric label cardinality stays
// bounded. Unknown paths share the UnmatchedPath label.
func CanonicalPath(path string) string {
	if i := strings.IndexAny(path, "?#"); i >= 0 {
		path = path[:i]
	}
	if path == "" {
		return "/"
	}
	if len(path) > 1 {
		path = strings.TrimSuffix(path, "/")
	}
	if _, ok := staticPaths[path]; ok {
		return path
	}
	if strings.HasPrefix(path, "/app/") {
		return "/app/*"
	}
	parts := strings.Split(strings.Trim(path, "/"), "/")
	if len(parts) >= 3 && parts[0] == "api" && parts[1] == "companies" {
		switch len(parts) {
		case 3:
			return "/api/companies/:id"
		case 4:
			if parts[3] == "members" {
				return "/api/companies/:id/members"
			}
		case 5:
			if parts[3] == "members" {
				return "/api/companies/:id/members/:user_id"
			}
		}
	}
	return UnmatchedPath
}

// StatusWriter records the status code written by a handler.
type StatusWriter struct {
	http.ResponseWriter
	Code int
}

func (w *StatusWriter) WriteHeader(code int) {
	w.Code = code
	w.ResponseWriter.WriteHeader(code)
}
