// Package session is the calling side of the token lifecycle: it attaches the
// access token to outbound calls and hides a stale token behind one shared
// refresh.
package session

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"taxdesk.org/internal/auth"
	"taxdesk.org/internal/httperr"
)

const (
	defaultLoginPath   = "/login"
	refreshEndpoint    = "/api/auth/refresh"
	logoutEndpoint     = "/api/auth/logout"
	loginEndpoint      = "/api/auth/login"
	registerEndpoint   = "/api/auth/register"
	defaultHTTPTimeout = 30 * time.Second
	logoutTimeout      = 5 * time.Second
)

// ErrSessionExpired is returned when the session could not be renewed.
var ErrSessionExpired = auth.ErrSessionExpired

// ResponseError is a non-2xx response decoded from the API error body.
type ResponseError struct {
	Status int
	httperr.APIError
}

func (e *ResponseError) Error() string {
	if e.Code == "" {
		return fmt.Sprintf("session: unexpected status %d", e.Status)
	}
	return fmt.Sprintf("session: %d %s: %s", e.Status, e.Code, e.Message)
}

// RequestBuilder constructs one attempt of a request. It is invoked again for
// the retry so bodies and headers are never reused.
type RequestBuilder func(ctx context.Context, baseURL *url.URL) (*http.Request, error)

// Client performs authenticated calls against the API.
type Client struct {
	baseURL   *url.URL
	http      *http.Client
	store     Store
	nav       Navigator
	caches    []func()
	loginPath string
	logger    *zap.Logger

	refreshes singleflight.Group
}

// Option configures Client.
type Option func(*Client)

// WithHTTPClient replaces the default instrumented HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) {
		if hc != nil {
			c.http = hc
		}
	}
}

// WithNavigator sets where logout redirects.
func WithNavigator(n Navigator) Option {
	return func(c *Client) { c.nav = n }
}

// WithCacheClearer registers a cache to drop on logout.
func WithCacheClearer(fn func()) Option {
	return func(c *Client) {
		if fn != nil {
			c.caches = append(c.caches, fn)
		}
	}
}

// WithLoginPath overrides the login boundary.
func WithLoginPath(path string) Option {
	return func(c *Client) {
		if path != "" {
			c.loginPath = path
		}
	}
}

// WithLogger sets the client logger.
func WithLogger(l *zap.Logger) Option {
	return func(c *Client) {
		if l != nil {
			c.logger = l
		}
	}
}

// New constructs a Client for baseURL.
func New(baseURL string, store Store, opts ...Option) (*Client, error) {
	u, err := url.Parse(strings.TrimRight(baseURL, "/"))
	if err != nil {
		return nil, fmt.Errorf("session: parse base url: %w", err)
	}
	if u.Scheme == "" || u.Host == "" {
		return nil, fmt.Errorf("session: base url must be absolute, got %q", baseURL)
	}
	if store == nil {
		store = NewMemoryStore(Session{})
	}
	c := &Client{
		baseURL: u,
		http: &http.Client{
			Timeout:   defaultHTTPTimeout,
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		},
		store:     store,
		loginPath: defaultLoginPath,
		logger:    zap.NewNop(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// Session returns the current session.
func (c *Client) Session() Session { return c.store.Load() }

// Do sends the request built by build with the current access token. A 401 is
// answered by one shared refresh and exactly one retry.
func (c *Client) Do(ctx context.Context, build RequestBuilder) (*http.Response, error) {
	token := c.store.Load().AccessToken
	resp, err := c.send(ctx, build, token)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusUnauthorized {
		return resp, nil
	}
	discard(resp)

	fresh, err := c.refresh(ctx, token)
	if err != nil {
		return nil, err
	}
	resp, err = c.send(ctx, build, fresh)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode == http.StatusUnauthorized {
		discard(resp)
		c.Logout(ctx)
		return nil, ErrSessionExpired
	}
	return resp, nil
}

func (c *Client) send(ctx context.Context, build RequestBuilder, token string) (*http.Response, error) {
	req, err := build(ctx, c.baseURL)
	if err != nil {
		return nil, fmt.Errorf("session: build request: %w", err)
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	return c.http.Do(req)
}

// refresh renews the pair. Concurrent callers holding the same stale token
// share one network call; a caller whose token was already replaced gets the
// current one without a call.
func (c *Client) refresh(ctx context.Context, stale string) (string, error) {
	if s := c.store.Load(); s.IsAuthenticated && s.AccessToken != "" && s.AccessToken != stale {
		return s.AccessToken, nil
	}
	// The flight outlives any single caller's cancellation.
	flightCtx := context.WithoutCancel(ctx)
	v, err, _ := c.refreshes.Do("refresh", func() (any, error) {
		s := c.store.Load()
		if s.IsAuthenticated && s.AccessToken != "" && s.AccessToken != stale {
			return s.AccessToken, nil
		}
		if s.RefreshToken == "" {
			c.Logout(flightCtx)
			return "", ErrSessionExpired
		}
		pair, err := c.requestRefresh(flightCtx, s.RefreshToken)
		if err != nil {
			var rerr *ResponseError
			if errors.As(err, &rerr) {
				c.logger.Info("session refresh rejected", zap.Int("status", rerr.Status), zap.String("code", rerr.Code))
				c.Logout(flightCtx)
				return "", fmt.Errorf("%w: %w", ErrSessionExpired, err)
			}
			return "", err
		}
		c.store.Save(Session{AccessToken: pair.AccessToken, RefreshToken: pair.RefreshToken, IsAuthenticated: true})
		return pair.AccessToken, nil
	})
	if err != nil {
		return "", err
	}
	return v.(string), nil
}

func (c *Client) requestRefresh(ctx context.Context, refreshToken string) (auth.TokenPair, error) {
	var pair auth.TokenPair
	resp, err := c.send(ctx, jsonBuilder(http.MethodPost, refreshEndpoint, map[string]string{"refresh_token": refreshToken}), "")
	if err != nil {
		return pair, err
	}
	if err := decode(resp, &pair); err != nil {
		return pair, err
	}
	if pair.AccessToken == "" || pair.RefreshToken == "" {
		return pair, errors.New("session: refresh returned an incomplete pair")
	}
	return pair, nil
}

// Logout drops the local session, clears registered caches, tells the server
// and moves to the login boundary unless already there.
func (c *Client) Logout(ctx context.Context) {
	prev := c.store.Load()
	c.store.Clear()
	for _, drop := range c.caches {
		drop()
	}

	notifyCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), logoutTimeout)
	defer cancel()
	resp, err := c.send(notifyCtx, jsonBuilder(http.MethodPost, logoutEndpoint, nil), prev.AccessToken)
	if err != nil {
		c.logger.Debug("session logout notify failed", zap.Error(err))
	} else {
		discard(resp)
	}

	if c.nav != nil && !onPath(c.nav.CurrentPath(), c.loginPath) {
		c.nav.Navigate(c.loginPath)
	}
}

// Login authenticates with credentials and stores the issued pair.
func (c *Client) Login(ctx context.Context, email, password string) (auth.TokenPair, error) {
	return c.authenticate(ctx, loginEndpoint, map[string]string{"email": email, "password": password})
}

// Register creates an account and stores the issued pair.
func (c *Client) Register(ctx context.Context, email, password, name string) (auth.TokenPair, error) {
	return c.authenticate(ctx, registerEndpoint, map[string]string{"email": email, "password": password, "name": name})
}

func (c *Client) authenticate(ctx context.Context, path string, body any) (auth.TokenPair, error) {
	var pair auth.TokenPair
	resp, err := c.send(ctx, jsonBuilder(http.MethodPost, path, body), "")
	if err != nil {
		return pair, err
	}
	if err := decode(resp, &pair); err != nil {
		return pair, err
	}
	c.store.Save(Session{AccessToken: pair.AccessToken, RefreshToken: pair.RefreshToken, IsAuthenticated: true})
	return pair, nil
}

// JSON sends in as a JSON body and decodes a 2xx response into out.
func (c *Client) JSON(ctx context.Context, method, path string, in, out any) error {
	resp, err := c.Do(ctx, jsonBuilder(method, path, in))
	if err != nil {
		return err
	}
	return decode(resp, out)
}

func jsonBuilder(method, path string, in any) RequestBuilder {
	return func(ctx context.Context, base *url.URL) (*http.Request, error) {
		var body io.Reader
		if in != nil {
			data, err := json.Marshal(in)
			if err != nil {
				return nil, err
			}
			body = bytes.NewReader(data)
		}
		req, err := http.NewRequestWithContext(ctx, method, resolve(base, path), body)
		if err != nil {
			return nil, err
		}
		req.Header.Set("Accept", "application/json")
		if in != nil {
			req.Header.Set("Content-Type", "application/json")
		}
		return req, nil
	}
}

func resolve(base *url.URL, path string) string {
	if !strings.HasPrefix(path, "/") {
		path = "/" + path
	}
	return base.String() + path
}

func decode(resp *http.Response, out any) error {
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		rerr := &ResponseError{Status: resp.StatusCode}
		_ = json.NewDecoder(io.LimitReader(resp.Body, 1<<16)).Decode(&rerr.APIError)
		return rerr
	}
	if out == nil || resp.StatusCode == http.StatusNoContent {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("session: decode response: %w", err)
	}
	return nil
}

func discard(resp *http.Response) {
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 1<<16))
	_ = resp.Body.Close()
}

func onPath(current, path string) bool {
	if i := strings.IndexAny(current, "?#"); i >= 0 {
		current = current[:i]
	}
	return strings.TrimRight(current, "/") == strings.TrimRight(path, "/")
}
