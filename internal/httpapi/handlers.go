package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/netip"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.uber.org/zap"

	"taxdesk.org/internal/audit"
	"taxdesk.org/internal/auth"
	"taxdesk.org/internal/gate"
	"taxdesk.org/internal/httperr"
	"taxdesk.org/internal/obs"
	"taxdesk.org/internal/ratelimit"
	"taxdesk.org/internal/rbac"
)

const (
	serviceName         = "taxdesk-api"
	defaultMaxBodyBytes = 10 << 20
)

// ReadyChecker reports whether dependencies are reachable.
type ReadyChecker interface {
	Ping(ctx context.Context) error
}

// Deps are the collaborators the API is assembled from.
type Deps struct {
	Auth    *auth.Service
	RBAC    *rbac.Service
	Gate    *gate.Gate
	Limiter *ratelimit.Limiter
	Flood   *FloodGuard
	Audit   *audit.Logger
	Logger  *zap.Logger
	Ready   ReadyChecker
}

// API is the HTTP layer.
type API struct {
	router  chi.Router
	auth    *auth.Service
	rbac    *rbac.Service
	gate    *gate.Gate
	limiter *ratelimit.Limiter
	flood   *FloodGuard
	audit   *audit.Logger
	logger  *zap.Logger
	ready   ReadyChecker
	version string
	maxBody int64
	trusted []netip.Prefix
}

// Option configures API.
type Option func(*API)

// WithVersion sets the version reported by /v1/info.
func WithVersion(v string) Option {
	return func(a *API) { a.version = v }
}

// WithMaxBodyBytes limits request bodies.
func WithMaxBodyBytes(n int64) Option {
	return func(a *API) {
		if n > 0 {
			a.maxBody = n
		}
	}
}

// WithTrustedProxies lists the peers allowed to report the client address in
// forwarding headers.
func WithTrustedProxies(prefixes ...netip.Prefix) Option {
	return func(a *API) { a.trusted = append(a.trusted, prefixes...) }
}

// New assembles the router.
func New(d Deps, opts ...Option) (*API, error) {
	switch {
	case d.Auth == nil:
		return nil, errors.New("httpapi: auth service is required")
	case d.RBAC == nil:
		return nil, errors.New("httpapi: rbac service is required")
	case d.Gate == nil:
		return nil, errors.New("httpapi: access gate is required")
	case d.Limiter == nil:
		return nil, errors.New("httpapi: rate limiter is required")
	}
	a := &API{
		auth:    d.Auth,
		rbac:    d.RBAC,
		gate:    d.Gate,
		limiter: d.Limiter,
		flood:   d.Flood,
		audit:   d.Audit,
		logger:  d.Logger,
		ready:   d.Ready,
		version: "dev",
		maxBody: defaultMaxBodyBytes,
	}
	if a.logger == nil {
		a.logger = zap.NewNop()
	}
	if a.audit == nil {
		a.audit = audit.New(a.logger)
	}
	for _, opt := range opts {
		opt(a)
	}
	a.router = a.routes()
	return a, nil
}

func (a *API) routes() chi.Router {
	r := chi.NewRouter()
	r.Use(chimiddleware.RequestID)
	r.Use(RealIP(a.trusted))
	r.Use(chimiddleware.Recoverer)
	r.Use(Logging(a.logger))
	r.Use(SecurityHeaders)
	r.Use(CORS)
	if a.flood != nil {
		r.Use(a.flood.Middleware)
	}
	r.Use(MaxBodyBytes(a.maxBody))
	r.Use(RateLimit(a.limiter, a.logger))
	r.Use(a.gate.Middleware)

	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, r, http.StatusNotFound, httperr.CodeNotFound, "resource not found")
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, r, http.StatusMethodNotAllowed, httperr.CodeMethodNotAllowed, "method not allowed")
	})

	r.Get("/healthz", a.Healthz)
	r.Get("/readyz", a.Ready)
	r.Get("/v1/info", a.Info)
	r.Handle("/metrics", obs.Handler())

	r.Get("/login", a.LoginPage)
	r.Get("/app", a.AppPage)
	r.Get("/app/*", a.AppPage)

	r.Route("/api/auth", func(r chi.Router) {
		r.Post("/register", a.handleRegister)
		r.Post("/login", a.handleLogin)
		r.Post("/refresh", a.handleRefresh)
		r.Post("/logout", a.handleLogout)
		r.Get("/me", a.handleMe)
	})

	r.Route("/api/companies", func(r chi.Router) {
		r.Get("/", a.handleListCompanies)
		r.Post("/", a.handleCreateCompany)
		r.Route("/{companyID}", func(r chi.Router) {
			r.Get("/", a.handleGetCompany)
			r.Patch("/", a.handleRenameCompany)
			r.Delete("/", a.handleDeleteCompany)
			r.Get("/members", a.handleListMembers)
			r.Post("/members", a.handleAddMember)
			r.Patch("/members/{userID}", a.handleChangeRole)
			r.Delete("/members/{userID}", a.handleRemoveMember)
		})
	})
	return r
}

// Handler returns the instrumented root handler.
func (a *API) Handler() http.Handler {
	return otelhttp.NewHandler(obs.Instrument(a.router), serviceName)
}

func (a *API) Healthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (a *API) Ready(w http.ResponseWriter, r *http.Request) {
	if a.ready != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		if err := a.ready.Ping(ctx); err != nil {
			a.logger.Warn("readiness check failed", zap.Error(err))
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable"})
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

func (a *API) Info(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"name":    serviceName,
		"version": a.version,
		"time":    time.Now().UTC().Format(time.RFC3339),
	})
}

// --- helpers ---

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, r *http.Request, status int, code, msg string) {
	httperr.WriteRequest(w, r, status, httperr.APIError{Code: code, Message: msg})
}

var errEmptyBody = errors.New("request body is required")

func decodeJSON(r *http.Request, dst any) error {
	if r.Body == nil {
		return errEmptyBody
	}
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		if errors.Is(err, io.EOF) {
			return errEmptyBody
		}
		return err
	}
	if err := dec.Decode(&struct{}{}); !errors.Is(err, io.EOF) {
		if err == nil {
			return errors.New("unexpected data after JSON body")
		}
		return err
	}
	return nil
}

// decodeOptionalJSON is decodeJSON for endpoints where the body may be absent,
// whether or not the client announced a length.
func decodeOptionalJSON(r *http.Request, dst any) error {
	if err := decodeJSON(r, dst); err != nil && !errors.Is(err, errEmptyBody) {
		return err
	}
	return nil
}

// writeServiceError maps domain errors onto the stable error codes.
func (a *API) writeServiceError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, auth.ErrInvalidCredentials):
		writeError(w, r, http.StatusUnauthorized, httperr.CodeInvalidCredentials, "invalid credentials")
	case errors.Is(err, auth.ErrSessionExpired):
		writeError(w, r, http.StatusUnauthorized, httperr.CodeSessionExpired, "session expired")
	case errors.Is(err, auth.ErrTokenExpired):
		writeError(w, r, http.StatusUnauthorized, httperr.CodeTokenExpired, "token expired")
	case errors.Is(err, auth.ErrTokenInvalid):
		writeError(w, r, http.StatusUnauthorized, httperr.CodeTokenInvalid, "invalid token")
	case errors.Is(err, auth.ErrInvalidInput), errors.Is(err, rbac.ErrInvalidInput):
		writeError(w, r, http.StatusBadRequest, httperr.CodeInvalidInput, err.Error())
	case errors.Is(err, auth.ErrAlreadyExists):
		writeError(w, r, http.StatusConflict, httperr.CodeConflict, "resource already exists")
	case errors.Is(err, rbac.ErrConflict):
		writeError(w, r, http.StatusConflict, httperr.CodeConflict, "membership already exists or changed concurrently")
	case errors.Is(err, auth.ErrNotFound), errors.Is(err, rbac.ErrNotFound):
		writeError(w, r, http.StatusNotFound, httperr.CodeNotFound, "resource not found")
	case rbac.IsDenied(err):
		code := httperr.CodeSelfLockout
		switch {
		case errors.Is(err, rbac.ErrOwnerImmutable):
			code = httperr.CodeOwnerImmutable
		case errors.Is(err, rbac.ErrPrivilegeEscalation):
			code = httperr.CodePrivilegeEscalation
		}
		writeError(w, r, http.StatusForbidden, code, err.Error())
	default:
		a.logger.Error("request failed",
			zap.String("request_id", chimiddleware.GetReqID(r.Context())),
			zap.String("path", r.URL.Path),
			zap.Error(err),
		)
		writeError(w, r, http.StatusInternalServerError, httperr.CodeInternal, "internal error")
	}
}
