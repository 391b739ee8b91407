// Package gate authenticates inbound requests from a bearer header or the
// session cookies, rotating the pair transparently when only the access
// token has gone stale.
package gate

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"taxdesk.org/internal/auth"
	"taxdesk.org/internal/obs"
)

const (
	DefaultAccessCookie  = "access_token"
	DefaultRefreshCookie = "refresh_token"
	DefaultLoginPath     = "/login"

	HeaderUserID    = "X-User-Id"
	HeaderUserEmail = "X-User-Email"
)

// ErrNoToken is returned when a request carries neither token.
var ErrNoToken = errors.New("gate: no credentials")

// Status is the terminal state of one authentication.
type Status int

const (
	StatusPublic Status = iota
	StatusValid
	StatusRefreshed
	StatusNoToken
	StatusRefreshInvalid
	StatusError
)

func (s Status) String() string {
	switch s {
	case StatusPublic:
		return "public"
	case StatusValid:
		return "valid"
	case StatusRefreshed:
		return "refreshed"
	case StatusNoToken:
		return "no_token"
	case StatusRefreshInvalid:
		return "refresh_invalid"
	default:
		return "error"
	}
}

// Outcome reports what Authenticate decided.
type Outcome struct {
	Status   Status
	Identity auth.Identity
	// AccessToken is the token in effect for the rest of the request.
	AccessToken string
	// Pair is set when the gate minted a new pair.
	Pair *auth.TokenPair
	// Err explains a rejection.
	Err error
}

// Authenticated reports whether the request may proceed as Identity.
func (o Outcome) Authenticated() bool {
	return o.Status == StatusValid || o.Status == StatusRefreshed
}

// Gate is the server-side access gate. It holds no per-request state.
type Gate struct {
	codec         *auth.Codec
	classifier    *Classifier
	accessCookie  string
	refreshCookie string
	secure        bool
	loginPath     string
	logger        *zap.Logger
}

// Option configures Gate.
type Option func(*Gate) error

// WithCookieNames overrides the session cookie names.
func WithCookieNames(access, refresh string) Option {
	return func(g *Gate) error {
		access, refresh = strings.TrimSpace(access), strings.TrimSpace(refresh)
		if access == "" || refresh == "" || access == refresh {
			return fmt.Errorf("gate: cookie names must be distinct and non-empty")
		}
		g.accessCookie, g.refreshCookie = access, refresh
		return nil
	}
}

// WithSecureCookies marks session cookies Secure.
func WithSecureCookies(secure bool) Option {
	return func(g *Gate) error {
		g.secure = secure
		return nil
	}
}

// WithLoginPath sets the login boundary page routes redirect to.
func WithLoginPath(path string) Option {
	return func(g *Gate) error {
		if !strings.HasPrefix(path, "/") {
			return fmt.Errorf("gate: login path must be absolute, got %q", path)
		}
		g.loginPath = path
		return nil
	}
}

// WithClassifier replaces the default route classifier.
func WithClassifier(c *Classifier) Option {
	return func(g *Gate) error {
		if c != nil {
			g.classifier = c
		}
		return nil
	}
}

// WithLogger sets the logger for internal failures.
func WithLogger(l *zap.Logger) Option {
	return func(g *Gate) error {
		if l != nil {
			g.logger = l
		}
		return nil
	}
}

// New constructs Gate.
func New(codec *auth.Codec, opts ...Option) (*Gate, error) {
	if codec == nil {
		return nil, errors.New("gate: token codec is required")
	}
	g := &Gate{
		codec:         codec,
		classifier:    DefaultClassifier(),
		accessCookie:  DefaultAccessCookie,
		refreshCookie: DefaultRefreshCookie,
		loginPath:     DefaultLoginPath,
		logger:        zap.NewNop(),
	}
	for _, opt := range opts {
		if err := opt(g); err != nil {
			return nil, err
		}
	}
	return g, nil
}

// LoginPath returns the login boundary.
func (g *Gate) LoginPath() string { return g.loginPath }

// Classify returns the route class of path.
func (g *Gate) Classify(path string) RouteClass { return g.classifier.Classify(path) }

// Authenticate runs the gate state machine for one request.
func (g *Gate) Authenticate(_ context.Context, req Request, class RouteClass) Outcome {
	out := g.authenticate(req, class)
	obs.RecordGate(class.String(), out.Status.String())
	return out
}

func (g *Gate) authenticate(req Request, class RouteClass) Outcome {
	if class == RoutePublic {
		return Outcome{Status: StatusPublic}
	}

	token := bearerToken(req.Header("Authorization"))
	if token == "" {
		token, _ = req.Cookie(g.accessCookie)
	}
	refresh, hasRefresh := req.Cookie(g.refreshCookie)
	if token == "" && !hasRefresh {
		return Outcome{Status: StatusNoToken, Err: ErrNoToken}
	}

	accessErr := auth.ErrTokenInvalid
	if token != "" {
		payload, err := g.codec.Verify(token, auth.KindAccess)
		if err == nil {
			return Outcome{
				Status:      StatusValid,
				Identity:    auth.Identity{UserID: payload.Subject, Email: payload.Identity},
				AccessToken: token,
			}
		}
		accessErr = err
	}
	if !hasRefresh {
		return Outcome{Status: StatusRefreshInvalid, Err: accessErr}
	}

	payload, err := g.codec.Verify(refresh, auth.KindRefresh)
	if err != nil {
		return Outcome{Status: StatusRefreshInvalid, Err: fmt.Errorf("%w: %w", auth.ErrSessionExpired, err)}
	}
	pair, err := g.codec.CreateTokens(payload.Subject, payload.Identity)
	if err != nil {
		g.logger.Error("gate: mint token pair", zap.Error(err))
		return Outcome{Status: StatusError, Err: err}
	}
	g.WriteSession(req, pair)
	return Outcome{
		Status:      StatusRefreshed,
		Identity:    auth.Identity{UserID: payload.Subject, Email: payload.Identity},
		AccessToken: pair.AccessToken,
		Pair:        &pair,
	}
}

// WriteSession sets both session cookies from pair.
func (g *Gate) WriteSession(req Request, pair auth.TokenPair) {
	now := pair.IssuedAt
	if now.IsZero() {
		now = time.Now()
	}
	req.SetCookie(g.cookie(g.accessCookie, pair.AccessToken, pair.AccessExpiresAt.Sub(now)))
	req.SetCookie(g.cookie(g.refreshCookie, pair.RefreshToken, pair.RefreshExpiresAt.Sub(now)))
}

// ClearSession deletes both session cookies.
func (g *Gate) ClearSession(req Request) {
	req.SetCookie(g.cookie(g.accessCookie, "", -1))
	req.SetCookie(g.cookie(g.refreshCookie, "", -1))
}

// RefreshToken returns the refresh cookie of req, if any.
func (g *Gate) RefreshToken(req Request) (string, bool) {
	return req.Cookie(g.refreshCookie)
}

func (g *Gate) cookie(name, value string, maxAge time.Duration) Cookie {
	if maxAge == 0 {
		maxAge = -1
	}
	return Cookie{
		Name:     name,
		Value:    value,
		Path:     "/",
		MaxAge:   maxAge,
		Secure:   g.secure,
		HTTPOnly: true,
	}
}

func bearerToken(header string) string {
	parts := strings.SplitN(strings.TrimSpace(header), " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
		return ""
	}
	return strings.TrimSpace(parts[1])
}
