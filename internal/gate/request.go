package gate

import (
	"net/http"
	"time"
)

// Cookie is a framework-neutral cookie description.
type Cookie struct {
	Name     string
	Value    string
	Path     string
	MaxAge   time.Duration // negative deletes the cookie
	Secure   bool
	HTTPOnly bool
}

// Request is the capability the gate needs from an inbound request.
type Request interface {
	Header(name string) string
	Cookie(name string) (string, bool)
	SetCookie(c Cookie)
}

// HTTPRequest adapts net/http to Request. Cookies are always SameSite=Lax.
type HTTPRequest struct {
	w http.ResponseWriter
	r *http.Request
}

var _ Request = (*HTTPRequest)(nil)

// NewHTTPRequest wraps a request and its response writer.
func NewHTTPRequest(w http.ResponseWriter, r *http.Request) *HTTPRequest {
	return &HTTPRequest{w: w, r: r}
}

func (h *HTTPRequest) Header(name string) string {
	return h.r.Header.Get(name)
}

func (h *HTTPRequest) Cookie(name string) (string, bool) {
	c, err := h.r.Cookie(name)
	if err != nil || c.Value == "" {
		return "", false
	}
	return c.Value, true
}

func (h *HTTPRequest) SetCookie(c Cookie) {
	hc := &http.Cookie{
		Name:     c.Name,
		Value:    c.Value,
		Path:     c.Path,
		Secure:   c.Secure,
		HttpOnly: c.HTTPOnly,
		SameSite: http.SameSiteLaxMode,
	}
	if c.MaxAge < 0 {
		hc.MaxAge = -1
		hc.Expires = time.Unix(0, 0)
	} else {
		hc.MaxAge = int(c.MaxAge.Seconds())
	}
	http.SetCookie(h.w, hc)
}
