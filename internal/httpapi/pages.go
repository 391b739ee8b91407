package httpapi

import (
	"html/template"
	"net/http"

	"taxdesk.org/internal/auth"
)

// Rendering is out of scope; these placeholders mark the page boundary the
// gate redirects to and from.
var (
	loginPage = template.Must(template.New("login").Parse(`<!doctype html>
<html><head><title>Sign in</title></head>
<body><form method="post" action="/api/auth/login"><input type="hidden" name="next" value="{{.Next}}"></form></body></html>
`))
	appPage = template.Must(template.New("app").Parse(`<!doctype html>
<html><head><title>taxdesk</title></head>
<body data-user="{{.UserID}}">{{.Email}}</body></html>
`))
)

func (a *API) LoginPage(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.Header().Set("Cache-Control", "no-store")
	_ = loginPage.Execute(w, struct{ Next string }{Next: r.URL.Query().Get("next")})
}

func (a *API) AppPage(w http.ResponseWriter, r *http.Request) {
	id, _ := auth.IdentityFromContext(r.Context())
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.Header().Set("Cache-Control", "no-store")
	_ = appPage.Execute(w, id)
}
