package audit

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
)

// FileLogger appends audit events as newline-delimited JSON
type FileLogger struct {
	file    *os.File
	encoder *json.Encoder
	mu      sync.Mutex
}

// NewFileLogger opens (or creates) path for appending audit events
func NewFileLogger(path string) (*FileLogger, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("failed to create audit log directory: %w", err)
	}

	file, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return nil, fmt.Errorf("failed to open audit log file: %w", err)
	}

	return &FileLogger{
		file:    file,
		encoder: json.NewEncoder(file),
	}, nil
}

// Log writes a single audit event
func (l *FileLogger) Log(_ context.Context, event *Event) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if err := l.encoder.Encode(event); err != nil {
		return fmt.Errorf("failed to write audit event: %w", err)
	}
	return nil
}

// LogRoleChange records creation, update, or deletion of a role
func (l *FileLogger) LogRoleChange(ctx context.Context, eventType EventType, actor, source, roleEntityRef string, members []string, opErr error) error {
	event := NewEvent(eventType, statusOf(opErr))
	event.Actor = actor
	event.Source = source
	event.RoleEntityRef = roleEntityRef
	event.Members = members
	event.ErrorMessage = errorMessage(opErr)
	return l.Log(ctx, event)
}

// LogPolicyChange records creation, update, or deletion of permission tuples
func (l *FileLogger) LogPolicyChange(ctx context.Context, eventType EventType, actor, source string, tuples [][]string, opErr error) error {
	event := NewEvent(eventType, statusOf(opErr))
	event.Actor = actor
	event.Source = source
	event.Tuples = tuples
	event.ErrorMessage = errorMessage(opErr)
	return l.Log(ctx, event)
}

// LogEnforcement records a single authorization decision
func (l *FileLogger) LogEnforcement(ctx context.Context, subject, resource, action string, allowed bool) error {
	status := EventStatusSuccess
	if !allowed {
		status = EventStatusDenied
	}
	event := NewEvent(EventTypeEnforcementCheck, status)
	event.Actor = subject
	event.Metadata = map[string]interface{}{
		"resource": resource,
		"action":   action,
		"allowed":  allowed,
	}
	return l.Log(ctx, event)
}

// Close flushes and closes the underlying file
func (l *FileLogger) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if err := l.file.Sync(); err != nil {
		return fmt.Errorf("failed to sync audit log: %w", err)
	}
	return l.file.Close()
}
