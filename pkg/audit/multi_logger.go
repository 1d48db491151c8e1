package audit

import (
	"context"
	"fmt"
	"strings"
)

// MultiLogger fans every event out to a set of loggers. A failing logger
// does not stop delivery to the others; errors are joined.
type MultiLogger struct {
	loggers []Logger
}

// NewMultiLogger creates a logger that delivers to every given logger
func NewMultiLogger(loggers ...Logger) *MultiLogger {
	return &MultiLogger{loggers: loggers}
}

func (m *MultiLogger) each(fn func(Logger) error) error {
	var failures []string
	for _, logger := range m.loggers {
		if err := fn(logger); err != nil {
			failures = append(failures, err.Error())
		}
	}
	if len(failures) > 0 {
		return fmt.Errorf("audit delivery failed: %s", strings.Join(failures, "; "))
	}
	return nil
}

func (m *MultiLogger) Log(ctx context.Context, event *Event) error {
	return m.each(func(l Logger) error { return l.Log(ctx, event) })
}

func (m *MultiLogger) LogRoleChange(ctx context.Context, eventType EventType, actor, source, roleEntityRef string, members []string, opErr error) error {
	return m.each(func(l Logger) error {
		return l.LogRoleChange(ctx, eventType, actor, source, roleEntityRef, members, opErr)
	})
}

func (m *MultiLogger) LogPolicyChange(ctx context.Context, eventType EventType, actor, source string, tuples [][]string, opErr error) error {
	return m.each(func(l Logger) error {
		return l.LogPolicyChange(ctx, eventType, actor, source, tuples, opErr)
	})
}

func (m *MultiLogger) LogEnforcement(ctx context.Context, subject, resource, action string, allowed bool) error {
	return m.each(func(l Logger) error {
		return l.LogEnforcement(ctx, subject, resource, action, allowed)
	})
}

func (m *MultiLogger) Close() error {
	return m.each(func(l Logger) error { return l.Close() })
}
