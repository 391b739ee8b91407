package gate

import "strings"

// RouteClass selects the failure behavior for a path.
type RouteClass int

const (
	RoutePublic RouteClass = iota
	RouteAPI
	RoutePage
)

func (c RouteClass) String() string {
	switch c {
	case RouteAPI:
		return "api"
	case RoutePage:
		return "page"
	default:
		return "public"
	}
}

// Classifier maps request paths to route classes.
type Classifier struct {
	publicPaths  map[string]struct{}
	apiPrefixes  []string
	pagePrefixes []string
}

// DefaultClassifier protects /api/ and /app/, leaving the auth entry points,
// health checks and the login page public.
func DefaultClassifier() *Classifier {
	return NewClassifier(
		[]string{
			"/api/auth/login",
			"/api/auth/register",
			"/api/auth/refresh",
			"/api/auth/logout",
		},
		[]string{"/api/"},
		[]string{"/app/", "/app"},
	)
}

// NewClassifier builds a Classifier. Paths matching neither prefix list are public.
func NewClassifier(publicPaths, apiPrefixes, pagePrefixes []string) *Classifier {
	c := &Classifier{publicPaths: make(map[string]struct{}, len(publicPaths))}
	for _, p := range publicPaths {
		c.publicPaths[strings.TrimRight(p, "/")] = struct{}{}
	}
	c.apiPrefixes = append(c.apiPrefixes, apiPrefixes...)
	c.pagePrefixes = append(c.pagePrefixes, pagePrefixes...)
	return c
}

// Classify returns the class of path.
func (c *Classifier) Classify(path string) RouteClass {
	if i := strings.IndexAny(path, "?#"); i >= 0 {
		path = path[:i]
	}
	if _, ok := c.publicPaths[strings.TrimRight(path, "/")]; ok {
		return RoutePublic
	}
	for _, p := range c.apiPrefixes {
		if matchPrefix(path, p) {
			return RouteAPI
		}
	}
	for _, p := range c.pagePrefixes {
		if matchPrefix(path, p) {
			return RoutePage
		}
	}
	return RoutePublic
}

func matchPrefix(path, prefix string) bool {
	if strings.HasSuffix(prefix, "/") {
		return strings.HasPrefix(path, prefix)
	}
	return path == prefix
}
