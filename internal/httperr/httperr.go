// Package httperr writes the structured JSON error body shared by every HTTP
// surface of the service.
package httperr

import (
	"encoding/json"
	"net/http"

	chimiddleware "github.com/go-chi/chi/v5/middleware"
)

// Stable error codes returned to API callers.
const (
	CodeInvalidCredentials  = "INVALID_CREDENTIALS"
	CodeTokenExpired        = "TOKEN_EXPIRED"
	CodeTokenInvalid        = "TOKEN_INVALID"
	CodeSessionExpired      = "SESSION_EXPIRED"
	CodeRateLimited         = "RATE_LIMITED"
	CodeNotFound            = "NOT_FOUND"
	CodeSelfLockout         = "SELF_LOCKOUT"
	CodePrivilegeEscalation = "PRIVILEGE_ESCALATION_DENIED"
	CodeOwnerImmutable      = "OWNER_IMMUTABLE"
	CodeInvalidInput        = "INVALID_INPUT"
	CodeConflict            = "CONFLICT"
	CodeMethodNotAllowed    = "METHOD_NOT_ALLOWED"
	CodeInternal            = "INTERNAL"
)

// APIError is the JSON error body.
type APIError struct {
	Code      string         `json:"code"`
	Message   string         `json:"message"`
	RequestID string         `json:"request_id,omitempty"`
	Details   map[string]any `json:"details,omitempty"`
}

// Write encodes e with status.
func Write(w http.ResponseWriter, status int, e APIError) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(e)
}

// WriteRequest is Write with the router request id attached.
func WriteRequest(w http.ResponseWriter, r *http.Request, status int, e APIError) {
	if e.RequestID == "" && r != nil {
		e.RequestID = chimiddleware.GetReqID(r.Context())
	}
	Write(w, status, e)
}
