package httpapi

import (
	"net"
	"net/http"
	"net/netip"
	"strconv"
	"strings"
	"sync"
	"time"

	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"taxdesk.org/internal/httperr"
	"taxdesk.org/internal/ratelimit"
)

// Logging emits one request_complete entry per request.
func Logging(logger *zap.Logger) func(http.Handler) http.Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ww := chimiddleware.NewWrapResponseWriter(w, r.ProtoMajor)
			start := time.Now()
			next.ServeHTTP(ww, r)
			status := ww.Status()
			if status == 0 {
				status = http.StatusOK
			}
			logger.Info("request_complete",
				zap.String("request_id", chimiddleware.GetReqID(r.Context())),
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path),
				zap.Int("status", status),
				zap.Int64("duration_ms", time.Since(start).Milliseconds()),
			)
		})
	}
}

// SecurityHeaders sets hardening headers.
func SecurityHeaders(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Content-Type-Options", "nosniff")
		w.Header().Set("X-Frame-Options", "DENY")
		w.Header().Set("X-XSS-Protection", "0")
		w.Header().Set("Referrer-Policy", "no-referrer")
		w.Header().Set("Content-Security-Policy", "default-src 'self'; frame-ancestors 'none'")
		next.ServeHTTP(w, r)
	})
}

// CORS allows local origins with credentials; cookies carry the session.
func CORS(next http.Handler) http.Handler {
	allowedMethods := "GET,POST,PATCH,DELETE,OPTIONS"
	allowedHeaders := "Authorization,Content-Type"

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if origin := r.Header.Get("Origin"); origin != "" && isLocalOrigin(origin) {
			w.Header().Set("Access-Control-Allow-Origin", origin)
			w.Header().Set("Access-Control-Allow-Credentials", "true")
			w.Header().Add("Vary", "Origin")
		}
		w.Header().Set("Access-Control-Allow-Methods", allowedMethods)
		w.Header().Set("Access-Control-Allow-Headers", allowedHeaders)
		w.Header().Set("Access-Control-Max-Age", "600")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// MaxBodyBytes limits request body size.
func MaxBodyBytes(maxBytes int64) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.Body != nil {
				r.Body = http.MaxBytesReader(w, r.Body, maxBytes)
			}
			next.ServeHTTP(w, r)
		})
	}
}

// unlimitedPaths bypass the category limiter.
var unlimitedPaths = map[string]bool{
	"/healthz": true,
	"/readyz":  true,
	"/metrics": true,
}

// RateLimit counts every request against the category of its route, keyed by
// client IP. A failing store rejects the request.
func RateLimit(l *ratelimit.Limiter, logger *zap.Logger) func(http.Handler) http.Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.Method == http.MethodOptions || unlimitedPaths[r.URL.Path] {
				next.ServeHTTP(w, r)
				return
			}
			res, err := l.Check(r.Context(), clientIP(r), r.URL.Path)
			if err != nil {
				logger.Error("rate limit check failed", zap.String("path", r.URL.Path), zap.Error(err))
				writeError(w, r, http.StatusInternalServerError, httperr.CodeInternal, "internal error")
				return
			}
			reset := res.ResetInSeconds()
			w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(res.Remaining))
			w.Header().Set("X-RateLimit-Reset", strconv.FormatInt(reset, 10))
			if !res.Allowed {
				w.Header().Set("Retry-After", strconv.FormatInt(reset, 10))
				httperr.WriteRequest(w, r, http.StatusTooManyRequests, httperr.APIError{
					Code:    httperr.CodeRateLimited,
					Message: "too many requests",
					Details: map[string]any{
						"category":         string(res.Category),
						"blocked":          res.Blocked,
						"reset_in_seconds": reset,
					},
				})
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// FloodGuard is a coarse token bucket per client IP that sits in front of
// the category limiter.
type FloodGuard struct {
	perSecond rate.Limit
	burst     int
	ttl       time.Duration

	mu      sync.Mutex
	buckets map[string]*floodBucket

	stopOnce sync.Once
	stop     chan struct{}
}

type floodBucket struct {
	lim  *rate.Limiter
	seen time.Time
}

// NewFloodGuard starts a guard that evicts idle buckets every minute until
// Close is called.
func NewFloodGuard(burst, perSecond int) *FloodGuard {
	if burst <= 0 {
		burst = 1
	}
	if perSecond <= 0 {
		perSecond = 1
	}
	g := &FloodGuard{
		perSecond: rate.Limit(perSecond),
		burst:     burst,
		ttl:       5 * time.Minute,
		buckets:   make(map[string]*floodBucket),
		stop:      make(chan struct{}),
	}
	go g.loop(time.Minute)
	return g
}

func (g *FloodGuard) loop(every time.Duration) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-g.stop:
			return
		case now := <-ticker.C:
			g.evict(now)
		}
	}
}

func (g *FloodGuard) evict(now time.Time) int {
	g.mu.Lock()
	defer g.mu.Unlock()
	n := 0
	for k, b := range g.buckets {
		if now.Sub(b.seen) > g.ttl {
			delete(g.buckets, k)
			n++
		}
	}
	return n
}

// Allow takes one token from the bucket of ip.
func (g *FloodGuard) Allow(ip string) bool {
	if ip == "" {
		ip = "unknown"
	}
	g.mu.Lock()
	b, ok := g.buckets[ip]
	if !ok {
		b = &floodBucket{lim: rate.NewLimiter(g.perSecond, g.burst)}
		g.buckets[ip] = b
	}
	b.seen = time.Now()
	g.mu.Unlock()
	return b.lim.Allow()
}

// Close stops the eviction loop.
func (g *FloodGuard) Close() {
	g.stopOnce.Do(func() { close(g.stop) })
}

// Middleware rejects requests once the caller's bucket is empty.
func (g *FloodGuard) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !g.Allow(clientIP(r)) {
			w.Header().Set("Retry-After", "1")
			writeError(w, r, http.StatusTooManyRequests, httperr.CodeRateLimited, "rate limit exceeded")
			return
		}
		next.ServeHTTP(w, r)
	})
}

// RealIP rewrites RemoteAddr from forwarding headers, but only when the direct
// peer is one of trusted. X-Forwarded-For is read right to left and the first
// hop outside the trusted set is the client. Without trusted proxies the
// headers are ignored.
func RealIP(trusted []netip.Prefix) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		if len(trusted) == 0 {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if ip, ok := forwardedClient(r, trusted); ok {
				r.RemoteAddr = ip
			}
			next.ServeHTTP(w, r)
		})
	}
}

func forwardedClient(r *http.Request, trusted []netip.Prefix) (string, bool) {
	peer, err := netip.ParseAddr(clientIP(r))
	if err != nil || !isTrusted(peer, trusted) {
		return "", false
	}
	var hops []string
	for _, v := range r.Header.Values("X-Forwarded-For") {
		hops = append(hops, strings.Split(v, ",")...)
	}
	for i := len(hops) - 1; i >= 0; i-- {
		addr, err := netip.ParseAddr(strings.TrimSpace(hops[i]))
		if err != nil {
			return "", false
		}
		if !isTrusted(addr, trusted) {
			return addr.Unmap().String(), true
		}
	}
	if v := strings.TrimSpace(r.Header.Get("X-Real-IP")); v != "" {
		if addr, err := netip.ParseAddr(v); err == nil {
			return addr.Unmap().String(), true
		}
	}
	return "", false
}

func isTrusted(addr netip.Addr, trusted []netip.Prefix) bool {
	addr = addr.Unmap()
	for _, p := range trusted {
		if p.Contains(addr) {
			return true
		}
	}
	return false
}

// clientIP is the host part of RemoteAddr, which RealIP may have rewritten to a
// bare address.
func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return strings.TrimSpace(r.RemoteAddr)
	}
	return host
}

func isLocalOrigin(o string) bool {
	return strings.HasPrefix(o, "http://localhost:") || strings.HasPrefix(o, "http://127.0.0.1:")
}
