package audit

import (
	"context"
	"errors"
	"strings"

	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"taxdesk.org/internal/auth"
)

type ctxKey string

const requestIDKey ctxKey = "audit_request_id"

// Event names recorded by the service.
const (
	EventLogin         = "auth.login"
	EventRegister      = "auth.register"
	EventRefresh       = "auth.refresh"
	EventLogout        = "auth.logout"
	EventCompanyCreate = "company.create"
	EventCompanyRename = "company.rename"
	EventCompanyDelete = "company.delete"
	EventMemberAdd     = "member.add"
	EventMemberRole    = "member.role_change"
	EventMemberRemove  = "member.remove"
)

// WithRequestID attaches the request identifier to the context for audit logging.
func WithRequestID(ctx context.Context, requestID string) context.Context {
	requestID = strings.TrimSpace(requestID)
	if requestID == "" {
		return ctx
	}
	return context.WithValue(ctx, requestIDKey, requestID)
}

// requestIDFromContext prefers an explicit audit id and falls back to the
// router request id.
func requestIDFromContext(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	if v, ok := ctx.Value(requestIDKey).(string); ok {
		return v
	}
	return chimiddleware.GetReqID(ctx)
}

// Logger writes audit entries to a dedicated named zap logger.
type Logger struct {
	log *zap.Logger
}

// New constructs an audit Logger. A nil logger discards entries.
func New(log *zap.Logger) *Logger {
	if log == nil {
		log = zap.NewNop()
	}
	return &Logger{log: log.Named("audit")}
}

// Event writes an audit entry enriched with request and user context.
func (l *Logger) Event(ctx context.Context, event string, fields ...zap.Field) error {
	if l == nil {
		return nil
	}
	event = strings.TrimSpace(event)
	if event == "" {
		return errors.New("audit: event name is required")
	}
	base := []zap.Field{zap.String("type", "audit"), zap.String("event", event)}
	if rid := requestIDFromContext(ctx); rid != "" {
		base = append(base, zap.String("request_id", rid))
	}
	if userID, ok := auth.UserIDFromContext(ctx); ok {
		base = append(base, zap.String("user_id", userID))
	}
	l.log.Info("audit", append(base, fields...)...)
	return nil
}
