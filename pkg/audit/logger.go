package audit

import "context"

// Logger is the interface for audit logging
type Logger interface {
	// Log writes a single audit event
	Log(ctx context.Context, event *Event) error

	// LogRoleChange records creation, update, or deletion of a role
	LogRoleChange(ctx context.Context, eventType EventType, actor, source, roleEntityRef string, members []string, err error) error

	// LogPolicyChange records creation, update, or deletion of permission tuples
	LogPolicyChange(ctx context.Context, eventType EventType, actor, source string, tuples [][]string, err error) error

	// LogEnforcement records a single authorization decision
	LogEnforcement(ctx context.Context, subject, resource, action string, allowed bool) error

	// Close flushes and releases the logger
	Close() error
}

// contextKey is the type for context keys
type contextKey string

// loggerKey is the context key for the audit logger
const loggerKey contextKey = "audit_logger"

// WithLogger adds an audit logger to the context
func WithLogger(ctx context.Context, logger Logger) context.Context {
	return context.WithValue(ctx, loggerKey, logger)
}

// FromContext retrieves the audit logger from context, falling back to a
// no-op logger when none is set.
func FromContext(ctx context.Context) Logger {
	if logger, ok := ctx.Value(loggerKey).(Logger); ok {
		return logger
	}
	return NewNoopLogger()
}

func statusOf(err error) EventStatus {
	if err != nil {
		return EventStatusFailure
	}
	return EventStatusSuccess
}

func errorMessage(err error) string {
	if err != nil {
		return err.Error()
	}
	return ""
}

// NoopLogger discards every event
type NoopLogger struct{}

// NewNoopLogger returns a logger that discards every event
func NewNoopLogger() *NoopLogger { return &NoopLogger{} }

func (l *NoopLogger) Log(context.Context, *Event) error { return nil }

func (l *NoopLogger) LogRoleChange(context.Context, EventType, string, string, string, []string, error) error {
	return nil
}

func (l *NoopLogger) LogPolicyChange(context.Context, EventType, string, string, [][]string, error) error {
	return nil
}

func (l *NoopLogger) LogEnforcement(context.Context, string, string, string, bool) error {
	return nil
}

func (l *NoopLogger) Close() error { return nil }
