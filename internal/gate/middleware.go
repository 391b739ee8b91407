package gate

import (
	"errors"
	"net/http"
	"net/url"

	"go.uber.org/zap"

	"taxdesk.org/internal/auth"
	"taxdesk.org/internal/httperr"
)

// Middleware gates every request by route class. Authenticated requests reach
// next with the identity in context and in the X-User-* headers.
func (g *Gate) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		r.Header.Del(HeaderUserID)
		r.Header.Del(HeaderUserEmail)

		if r.Method == http.MethodOptions {
			next.ServeHTTP(w, r)
			return
		}

		class := g.classifier.Classify(r.URL.Path)
		req := NewHTTPRequest(w, r)
		out := g.Authenticate(r.Context(), req, class)

		switch {
		case out.Status == StatusPublic:
			next.ServeHTTP(w, r)
		case out.Authenticated():
			ctx := auth.ContextWithIdentity(r.Context(), out.Identity)
			ctx = auth.ContextWithToken(ctx, out.AccessToken)
			r = r.WithContext(ctx)
			r.Header.Set(HeaderUserID, out.Identity.UserID)
			if out.Identity.Email != "" {
				r.Header.Set(HeaderUserEmail, out.Identity.Email)
			}
			next.ServeHTTP(w, r)
		case out.Status == StatusError:
			httperr.WriteRequest(w, r, http.StatusInternalServerError, httperr.APIError{
				Code:    httperr.CodeInternal,
				Message: "authentication unavailable",
			})
		default:
			g.reject(w, r, req, class, out)
		}
	})
}

func (g *Gate) reject(w http.ResponseWriter, r *http.Request, req Request, class RouteClass, out Outcome) {
	if out.Status == StatusRefreshInvalid {
		g.ClearSession(req)
	}
	g.logger.Debug("gate rejected request",
		zap.String("path", r.URL.Path),
		zap.Stringer("class", class),
		zap.Stringer("status", out.Status),
		zap.Error(out.Err),
	)
	if class == RoutePage {
		if out.Status == StatusNoToken {
			g.ClearSession(req)
		}
		target := g.loginPath + "?next=" + url.QueryEscape(r.URL.RequestURI())
		http.Redirect(w, r, target, http.StatusFound)
		return
	}
	w.Header().Set("WWW-Authenticate", `Bearer realm="taxdesk"`)
	httperr.WriteRequest(w, r, http.StatusUnauthorized, rejection(out.Err))
}

func rejection(err error) httperr.APIError {
	switch {
	case errors.Is(err, auth.ErrSessionExpired):
		return httperr.APIError{Code: httperr.CodeSessionExpired, Message: "session expired"}
	case errors.Is(err, auth.ErrTokenExpired):
		return httperr.APIError{Code: httperr.CodeTokenExpired, Message: "access token expired"}
	case errors.Is(err, ErrNoToken):
		return httperr.APIError{Code: httperr.CodeTokenInvalid, Message: "authentication required"}
	default:
		return httperr.APIError{Code: httperr.CodeTokenInvalid, Message: "invalid access token"}
	}
}
