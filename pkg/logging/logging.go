// Package logging provides fetchengine's structured logger: a thin
// wrapper around zap with request-id propagation. Grounded on the
// teacher's pkg/middleware/logging.go (structured JSON fields, a
// uuid-derived request id carried via context, level chosen by status
// class) re-expressed through go.uber.org/zap per the domain-stack
// decision to follow the pack's (kgateway) logging library instead of
// the teacher's own stdlib `log` usage.
package logging

import (
	"context"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

type contextKey string

const requestIDKey contextKey = "fetchengine-request-id"

// Logger wraps *zap.Logger with fetchengine's field conventions.
type Logger struct {
	z *zap.Logger
}

// New wraps an existing *zap.Logger.
func New(z *zap.Logger) *Logger {
	if z == nil {
		z = zap.NewNop()
	}
	return &Logger{z: z}
}

// Nop returns a Logger that discards everything, the engine's default
// when no logger is supplied (mirroring the teacher's optional,
// dependency-injected services).
func Nop() *Logger { return New(zap.NewNop()) }

// WithRequestID returns a context carrying requestID for later retrieval
// via RequestIDFromContext, and a Logger pre-populated with the
// "request_id" field.
func (l *Logger) WithRequestID(ctx context.Context, requestID string) (context.Context, *Logger) {
	if requestID == "" {
		requestID = uuid.NewString()
	}
	return context.WithValue(ctx, requestIDKey, requestID), New(l.z.With(zap.String("request_id", requestID)))
}

// RequestIDFromContext retrieves the request id stored by WithRequestID,
// or "" if none is present.
func RequestIDFromContext(ctx context.Context) string {
	if v, ok := ctx.Value(requestIDKey).(string); ok {
		return v
	}
	return ""
}

// ForStatus logs msg at a level chosen by HTTP status class, the way the
// teacher's logRequest picks Info/Warn/Error by status code: >=500 is
// Error, >=400 is Warn, otherwise Info.
func (l *Logger) ForStatus(status int, msg string, fields ...zap.Field) {
	switch {
	case status >= 500:
		l.z.Error(msg, fields...)
	case status >= 400:
		l.z.Warn(msg, fields...)
	default:
		l.z.Info(msg, fields...)
	}
}

func (l *Logger) Debug(msg string, fields ...zap.Field) { l.z.Debug(msg, fields...) }
func (l *Logger) Info(msg string, fields ...zap.Field)  { l.z.Info(msg, fields...) }
func (l *Logger) Warn(msg string, fields ...zap.Field)  { l.z.Warn(msg, fields...) }
func (l *Logger) Error(msg string, fields ...zap.Field) { l.z.Error(msg, fields...) }

// Sync flushes any buffered log entries, mirroring zap's own Sync().
func (l *Logger) Sync() error { return l.z.Sync() }
