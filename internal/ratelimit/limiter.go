package ratelimit

import (
	"context"
	"fmt"
	"math"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"taxdesk.org/internal/obs"
)

const defaultSweepInterval = time.Minute

// Store applies one request to the counter identified by key atomically.
type Store interface {
	Apply(ctx context.Context, key string, now time.Time, rule Rule) (Decision, error)
}

// Sweeper is implemented by stores that need periodic eviction.
type Sweeper interface {
	Sweep(now time.Time) int
}

// Result is the verdict of a Check.
type Result struct {
	Category  Category
	Allowed   bool
	Remaining int
	ResetIn   time.Duration
	Blocked   bool
}

// ResetInSeconds rounds ResetIn up to whole seconds, never below one for a
// rejected request so that Retry-After is always actionable.
func (r Result) ResetInSeconds() int64 {
	sec := int64(math.Ceil(r.ResetIn.Seconds()))
	if sec <= 0 && !r.Allowed {
		return 1
	}
	if sec < 0 {
		return 0
	}
	return sec
}

// Limiter is a fixed-window counter per (identifier, category) with
// escalating blocks.
type Limiter struct {
	store         Store
	rules         map[Category]Rule
	routes        []routePrefix
	now           func() time.Time
	sweepInterval time.Duration
	logger        *zap.Logger

	mu      sync.Mutex
	started bool
	stop    chan struct{}
	done    chan struct{}
}

// Option configures Limiter.
type Option func(*Limiter) error

// WithStore replaces the default in-memory store.
func WithStore(store Store) Option {
	return func(l *Limiter) error {
		if store != nil {
			l.store = store
		}
		return nil
	}
}

// WithRule overrides the rule of one category.
func WithRule(cat Category, rule Rule) Option {
	return func(l *Limiter) error {
		if err := rule.Validate(); err != nil {
			return fmt.Errorf("category %s: %w", cat, err)
		}
		l.rules[cat] = rule
		return nil
	}
}

// WithRoutePrefix maps an additional route prefix to a category. Later
// prefixes are consulted before the defaults.
func WithRoutePrefix(prefix string, cat Category) Option {
	return func(l *Limiter) error {
		prefix = strings.TrimRight(strings.ToLower(strings.TrimSpace(prefix)), "/")
		if prefix == "" {
			return fmt.Errorf("%w: empty route prefix", errInvalidRule)
		}
		l.routes = append([]routePrefix{{prefix: prefix, category: cat}}, l.routes...)
		return nil
	}
}

// WithClock overrides time source (useful for tests).
func WithClock(fn func() time.Time) Option {
	return func(l *Limiter) error {
		if fn != nil {
			l.now = fn
		}
		return nil
	}
}

// WithSweepInterval configures how often expired entries are evicted.
func WithSweepInterval(d time.Duration) Option {
	return func(l *Limiter) error {
		if d > 0 {
			l.sweepInterval = d
		}
		return nil
	}
}

// WithLogger sets the logger used by the sweep loop.
func WithLogger(logger *zap.Logger) Option {
	return func(l *Limiter) error {
		if logger != nil {
			l.logger = logger
		}
		return nil
	}
}

// New constructs a Limiter backed by a MemoryStore unless WithStore is given.
func New(opts ...Option) (*Limiter, error) {
	l := &Limiter{
		store:         NewMemoryStore(),
		rules:         DefaultRules(),
		routes:        append([]routePrefix(nil), defaultRoutes...),
		now:           time.Now,
		sweepInterval: defaultSweepInterval,
		logger:        zap.NewNop(),
	}
	for _, opt := range opts {
		if err := opt(l); err != nil {
			return nil, err
		}
	}
	return l, nil
}

// Category resolves the category of route.
func (l *Limiter) Category(route string) Category {
	return categoryFor(l.routes, route)
}

// Rule returns the configured rule for cat, falling back to the api rule.
func (l *Limiter) Rule(cat Category) Rule {
	if r, ok := l.rules[cat]; ok {
		return r
	}
	return l.rules[CategoryAPI]
}

// Check counts one request from identifier against the category of route.
func (l *Limiter) Check(ctx context.Context, identifier, route string) (Result, error) {
	cat := l.Category(route)
	return l.CheckWithRule(ctx, identifier, cat, l.Rule(cat))
}

// CheckCategory counts one request against an explicit category.
func (l *Limiter) CheckCategory(ctx context.Context, identifier string, cat Category) (Result, error) {
	return l.CheckWithRule(ctx, identifier, cat, l.Rule(cat))
}

// CheckWithRule counts one request using a caller-supplied rule.
func (l *Limiter) CheckWithRule(ctx context.Context, identifier string, cat Category, rule Rule) (Result, error) {
	if err := rule.Validate(); err != nil {
		return Result{}, err
	}
	identifier = strings.TrimSpace(identifier)
	if identifier == "" {
		identifier = "unknown"
	}
	decision, err := l.store.Apply(ctx, string(cat)+":"+identifier, l.now(), rule)
	if err != nil {
		return Result{}, err
	}
	res := Result{
		Category:  cat,
		Allowed:   decision.Allowed,
		Remaining: decision.Remaining,
		ResetIn:   decision.ResetIn,
		Blocked:   decision.Blocked,
	}
	obs.RecordRateLimit(string(cat), outcome(res))
	return res, nil
}

func outcome(r Result) string {
	switch {
	case r.Allowed:
		return "allowed"
	case r.Blocked:
		return "blocked"
	default:
		return "rejected"
	}
}

// Sweep evicts expired entries when the store supports it.
func (l *Limiter) Sweep() int {
	sw, ok := l.store.(Sweeper)
	if !ok {
		return 0
	}
	return sw.Sweep(l.now())
}

// Start launches the periodic sweep. It returns immediately; the loop ends
// when ctx is cancelled or Close is called.
func (l *Limiter) Start(ctx context.Context) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.started {
		return
	}
	if _, ok := l.store.(Sweeper); !ok {
		return
	}
	l.started = true
	l.stop = make(chan struct{})
	l.done = make(chan struct{})

	go func(stop <-chan struct{}, done chan<- struct{}) {
		defer close(done)
		ticker := time.NewTicker(l.sweepInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-stop:
				return
			case <-ticker.C:
				if n := l.Sweep(); n > 0 {
					l.logger.Debug("rate limit sweep", zap.Int("evicted", n))
				}
			}
		}
	}(l.stop, l.done)
}

// Close stops the sweep loop and waits for it to exit.
func (l *Limiter) Close() error {
	l.mu.Lock()
	if !l.started {
		l.mu.Unlock()
		return nil
	}
	l.started = false
	stop, done := l.stop, l.done
	l.mu.Unlock()

	close(stop)
	<-done
	return nil
}
