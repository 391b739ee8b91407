package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/netip"
	"testing"
	"time"

	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"taxdesk.org/internal/ratelimit"
)

var okHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
})

func TestFloodGuardExceeded(t *testing.T) {
	guard := NewFloodGuard(1, 1)
	t.Cleanup(guard.Close)
	handler := chimiddleware.RequestID(guard.Middleware(okHandler))

	req := httptest.NewRequest(http.MethodGet, "/limited", nil)
	req.RemoteAddr = "10.0.0.1:1234"

	rr1 := httptest.NewRecorder()
	handler.ServeHTTP(rr1, req.Clone(context.Background()))
	if rr1.Code != http.StatusOK {
		t.Fatalf("expected first call 200, got %d", rr1.Code)
	}

	rr2 := httptest.NewRecorder()
	handler.ServeHTTP(rr2, req.Clone(context.Background()))
	if rr2.Code != http.StatusTooManyRequests {
		t.Fatalf("expected 429, got %d", rr2.Code)
	}
	if rr2.Header().Get("Retry-After") == "" {
		t.Fatalf("expected Retry-After header")
	}

	var body map[string]any
	if err := json.Unmarshal(rr2.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode rate limit body: %v", err)
	}
	if body["code"] != "RATE_LIMITED" {
		t.Fatalf("unexpected code: %v", body["code"])
	}
	if body["request_id"] == "" || body["request_id"] == nil {
		t.Fatalf("expected request_id in body")
	}

	other := req.Clone(context.Background())
	other.RemoteAddr = "10.0.0.2:1234"
	rr3 := httptest.NewRecorder()
	handler.ServeHTTP(rr3, other)
	if rr3.Code != http.StatusOK {
		t.Fatalf("expected other client 200, got %d", rr3.Code)
	}
}

func TestFloodGuardEvictsIdleBuckets(t *testing.T) {
	guard := NewFloodGuard(1, 1)
	t.Cleanup(guard.Close)
	guard.Allow("10.0.0.1")
	if n := guard.evict(time.Now()); n != 0 {
		t.Fatalf("expected fresh bucket to stay, evicted %d", n)
	}
	if n := guard.evict(time.Now().Add(10 * time.Minute)); n != 1 {
		t.Fatalf("expected idle bucket evicted, got %d", n)
	}
}

func TestRateLimitCategoryHeaders(t *testing.T) {
	lim, err := ratelimit.New(ratelimit.WithRule(ratelimit.CategoryAuth, ratelimit.Rule{
		Window: time.Minute, MaxRequests: 2, BlockDuration: 30 * time.Minute,
	}))
	if err != nil {
		t.Fatalf("new limiter: %v", err)
	}
	handler := RateLimit(lim, nil)(okHandler)

	do := func() *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodPost, "/api/auth/login", nil)
		req.RemoteAddr = "10.1.1.1:5000"
		rr := httptest.NewRecorder()
		handler.ServeHTTP(rr, req)
		return rr
	}

	first := do()
	if first.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", first.Code)
	}
	if first.Header().Get("X-RateLimit-Remaining") != "1" {
		t.Fatalf("unexpected remaining: %q", first.Header().Get("X-RateLimit-Remaining"))
	}
	do()
	blocked := do()
	if blocked.Code != http.StatusTooManyRequests {
		t.Fatalf("expected 429, got %d", blocked.Code)
	}
	if got := blocked.Header().Get("Retry-After"); got != "1800" {
		t.Fatalf("expected Retry-After 1800, got %q", got)
	}
	var body struct {
		Code    string         `json:"code"`
		Details map[string]any `json:"details"`
	}
	if err := json.Unmarshal(blocked.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode body: %v", err)
	}
	if body.Code != "RATE_LIMITED" || body.Details["blocked"] != true || body.Details["category"] != "auth" {
		t.Fatalf("unexpected body: %+v", body)
	}
}

func TestRateLimitSkipsHealthEndpoints(t *testing.T) {
	lim, err := ratelimit.New(ratelimit.WithRule(ratelimit.CategoryAPI, ratelimit.Rule{Window: time.Minute, MaxRequests: 1}))
	if err != nil {
		t.Fatalf("new limiter: %v", err)
	}
	handler := RateLimit(lim, nil)(okHandler)
	for i := 0; i < 3; i++ {
		rr := httptest.NewRecorder()
		handler.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/healthz", nil))
		if rr.Code != http.StatusOK {
			t.Fatalf("request %d: expected 200, got %d", i, rr.Code)
		}
	}
}

type failingStore struct{}

func (failingStore) Apply(context.Context, string, time.Time, ratelimit.Rule) (ratelimit.Decision, error) {
	return ratelimit.Decision{}, errors.New("backend down")
}

func TestRateLimitStoreFailureIsInternal(t *testing.T) {
	lim, err := ratelimit.New(ratelimit.WithStore(failingStore{}))
	if err != nil {
		t.Fatalf("new limiter: %v", err)
	}
	rr := httptest.NewRecorder()
	RateLimit(lim, nil)(okHandler).ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/api/companies", nil))
	if rr.Code != http.StatusInternalServerError {
		t.Fatalf("expected 500, got %d", rr.Code)
	}
}

func TestLoggingEmitsStructuredEntry(t *testing.T) {
	core, logs := observer.New(zap.InfoLevel)
	handler := chimiddleware.RequestID(Logging(zap.New(core))(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTeapot)
		_, _ = w.Write([]byte("ok"))
	})))

	req := httptest.NewRequest(http.MethodGet, "/log-test", nil)
	handler.ServeHTTP(httptest.NewRecorder(), req)

	entries := logs.FilterMessage("request_complete").All()
	if len(entries) != 1 {
		t.Fatalf("expected one request_complete entry, got %d", len(entries))
	}
	fields := entries[0].ContextMap()
	for _, key := range []string{"request_id", "method", "path", "status", "duration_ms"} {
		if _, ok := fields[key]; !ok {
			t.Fatalf("expected key %q in log entry", key)
		}
	}
	if fields["status"] != int64(http.StatusTeapot) {
		t.Fatalf("unexpected status: %v", fields["status"])
	}
}

func TestCORSPreflight(t *testing.T) {
	req := httptest.NewRequest(http.MethodOptions, "/api/companies", nil)
	req.Header.Set("Origin", "http://localhost:5173")
	rr := httptest.NewRecorder()
	CORS(okHandler).ServeHTTP(rr, req)
	if rr.Code != http.StatusNoContent {
		t.Fatalf("expected 204, got %d", rr.Code)
	}
	if rr.Header().Get("Access-Control-Allow-Origin") != "http://localhost:5173" {
		t.Fatalf("expected origin echoed")
	}
	if rr.Header().Get("Access-Control-Allow-Credentials") != "true" {
		t.Fatalf("expected credentials allowed")
	}
}

func TestRealIP(t *testing.T) {
	trusted := []netip.Prefix{netip.MustParsePrefix("10.0.0.0/8")}
	cases := []struct {
		name   string
		remote string
		xff    []string
		real   string
		want   string
	}{
		{name: "untrusted peer ignores headers", remote: "203.0.113.9:4000", xff: []string{"198.51.100.1"}, want: "203.0.113.9"},
		{name: "trusted peer single hop", remote: "10.0.0.2:4000", xff: []string{"198.51.100.1"}, want: "198.51.100.1"},
		{name: "spoofed leftmost entry skipped", remote: "10.0.0.2:4000", xff: []string{"1.1.1.1, 198.51.100.1"}, want: "198.51.100.1"},
		{name: "trusted hops skipped", remote: "10.0.0.2:4000", xff: []string{"198.51.100.1", "10.0.0.7"}, want: "198.51.100.1"},
		{name: "garbage keeps peer", remote: "10.0.0.2:4000", xff: []string{"nonsense"}, want: "10.0.0.2"},
		{name: "x-real-ip fallback", remote: "10.0.0.2:4000", real: "198.51.100.4", want: "198.51.100.4"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			var got string
			h := RealIP(trusted)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				got = clientIP(r)
			}))
			req := httptest.NewRequest(http.MethodGet, "/", nil)
			req.RemoteAddr = tc.remote
			for _, v := range tc.xff {
				req.Header.Add("X-Forwarded-For", v)
			}
			if tc.real != "" {
				req.Header.Set("X-Real-IP", tc.real)
			}
			h.ServeHTTP(httptest.NewRecorder(), req)
			if got != tc.want {
				t.Fatalf("expected %s, got %s", tc.want, got)
			}
		})
	}
}

func TestRealIPWithoutTrustedProxies(t *testing.T) {
	var got string
	h := RealIP(nil)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got = clientIP(r)
	}))
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.RemoteAddr = "203.0.113.9:4000"
	req.Header.Set("X-Forwarded-For", "198.51.100.1")
	req.Header.Set("X-Real-IP", "198.51.100.2")
	h.ServeHTTP(httptest.NewRecorder(), req)
	if got != "203.0.113.9" {
		t.Fatalf("expected direct peer, got %s", got)
	}
}
