package httpapi

import (
	"errors"
	"net/http"
	"strings"

	"go.uber.org/zap"

	"taxdesk.org/internal/audit"
	"taxdesk.org/internal/auth"
	"taxdesk.org/internal/gate"
	"taxdesk.org/internal/httperr"
)

type credentialsRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
	Name     string `json:"name,omitempty"`
}

type refreshRequest struct {
	RefreshToken string `json:"refresh_token"`
}

type sessionResponse struct {
	auth.TokenPair
	User *auth.User `json:"user,omitempty"`
}

func (a *API) handleRegister(w http.ResponseWriter, r *http.Request) {
	var req credentialsRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, httperr.CodeInvalidInput, err.Error())
		return
	}
	user, pair, err := a.auth.Register(r.Context(), req.Email, req.Password, req.Name)
	if err != nil {
		a.writeServiceError(w, r, err)
		return
	}
	a.gate.WriteSession(gate.NewHTTPRequest(w, r), pair)
	ctx := auth.ContextWithIdentity(r.Context(), user.Identity())
	_ = a.audit.Event(ctx, audit.EventRegister, zap.String("email", user.Email))
	writeJSON(w, http.StatusCreated, sessionResponse{TokenPair: pair, User: user})
}

func (a *API) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req credentialsRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, httperr.CodeInvalidInput, err.Error())
		return
	}
	user, pair, err := a.auth.Login(r.Context(), req.Email, req.Password)
	if err != nil {
		if errors.Is(err, auth.ErrInvalidCredentials) {
			_ = a.audit.Event(r.Context(), audit.EventLogin,
				zap.String("email", strings.ToLower(strings.TrimSpace(req.Email))),
				zap.String("outcome", "denied"))
		}
		a.writeServiceError(w, r, err)
		return
	}
	a.gate.WriteSession(gate.NewHTTPRequest(w, r), pair)
	ctx := auth.ContextWithIdentity(r.Context(), user.Identity())
	_ = a.audit.Event(ctx, audit.EventLogin, zap.String("outcome", "success"))
	writeJSON(w, http.StatusOK, sessionResponse{TokenPair: pair, User: user})
}

// handleRefresh accepts the refresh token from the JSON body or, for browser
// callers, from the refresh cookie.
func (a *API) handleRefresh(w http.ResponseWriter, r *http.Request) {
	req := gate.NewHTTPRequest(w, r)
	var body refreshRequest
	if err := decodeOptionalJSON(r, &body); err != nil {
		writeError(w, r, http.StatusBadRequest, httperr.CodeInvalidInput, err.Error())
		return
	}
	token := strings.TrimSpace(body.RefreshToken)
	if token == "" {
		token, _ = a.gate.RefreshToken(req)
	}
	if token == "" {
		writeError(w, r, http.StatusUnauthorized, httperr.CodeSessionExpired, "session expired")
		return
	}

	identity, pair, err := a.auth.Refresh(r.Context(), token)
	if err != nil {
		if errors.Is(err, auth.ErrSessionExpired) {
			a.gate.ClearSession(req)
		}
		a.writeServiceError(w, r, err)
		return
	}
	a.gate.WriteSession(req, pair)
	ctx := auth.ContextWithIdentity(r.Context(), identity)
	_ = a.audit.Event(ctx, audit.EventRefresh)
	writeJSON(w, http.StatusOK, sessionResponse{TokenPair: pair})
}

// handleLogout clears the cookies. Tokens are stateless and expire on their own.
func (a *API) handleLogout(w http.ResponseWriter, r *http.Request) {
	a.gate.ClearSession(gate.NewHTTPRequest(w, r))
	_ = a.audit.Event(r.Context(), audit.EventLogout)
	w.WriteHeader(http.StatusNoContent)
}

func (a *API) handleMe(w http.ResponseWriter, r *http.Request) {
	id, ok := auth.IdentityFromContext(r.Context())
	if !ok {
		writeError(w, r, http.StatusUnauthorized, httperr.CodeTokenInvalid, "authentication required")
		return
	}
	user, err := a.auth.User(r.Context(), id.UserID)
	if err != nil {
		a.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, user)
}
