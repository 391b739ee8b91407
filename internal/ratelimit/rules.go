package ratelimit

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// Category groups routes sharing one rate-limit rule.
type Category string

const (
	CategoryAuth   Category = "auth"
	CategoryAI     Category = "ai"
	CategoryImport Category = "import"
	CategoryAdmin  Category = "admin"
	CategoryAPI    Category = "api"
)

// Rule configures one category. BlockDuration of zero disables escalation.
type Rule struct {
	Window        time.Duration `mapstructure:"window"`
	MaxRequests   int           `mapstructure:"max_requests"`
	BlockDuration time.Duration `mapstructure:"block_duration"`
}

var errInvalidRule = errors.New("ratelimit: invalid rule")

// Validate reports whether the rule can drive the window state machine.
func (r Rule) Validate() error {
	if r.Window <= 0 {
		return fmt.Errorf("%w: window must be positive", errInvalidRule)
	}
	if r.MaxRequests < 1 {
		return fmt.Errorf("%w: max_requests must be at least 1", errInvalidRule)
	}
	if r.BlockDuration < 0 {
		return fmt.Errorf("%w: block_duration must not be negative", errInvalidRule)
	}
	return nil
}

// DefaultRules is the static per-category table. Authentication is the
// strictest category and escalates to a 30 minute block.
func DefaultRules() map[Category]Rule {
	return map[Category]Rule{
		CategoryAuth:   {Window: time.Minute, MaxRequests: 10, BlockDuration: 30 * time.Minute},
		CategoryAI:     {Window: time.Minute, MaxRequests: 20, BlockDuration: 5 * time.Minute},
		CategoryImport: {Window: time.Minute, MaxRequests: 10},
		CategoryAdmin:  {Window: time.Minute, MaxRequests: 60},
		CategoryAPI:    {Window: time.Minute, MaxRequests: 100},
	}
}

type routePrefix struct {
	prefix   string
	category Category
}

var defaultRoutes = []routePrefix{
	{prefix: "/api/auth", category: CategoryAuth},
	{prefix: "/api/ai", category: CategoryAI},
	{prefix: "/api/import", category: CategoryImport},
	{prefix: "/api/admin", category: CategoryAdmin},
}

// CategoryFor maps a route to its category using the default prefix table.
func CategoryFor(route string) Category {
	return categoryFor(defaultRoutes, route)
}

func categoryFor(table []routePrefix, route string) Category {
	route = strings.ToLower(strings.TrimSpace(route))
	if i := strings.IndexAny(route, "?#"); i >= 0 {
		route = route[:i]
	}
	for _, rp := range table {
		if route == rp.prefix || strings.HasPrefix(route, rp.prefix+"/") {
			return rp.category
		}
	}
	return CategoryAPI
}
