package logging

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"sync"
	"time"
)

// AuditEventType represents the type of audit event.
type AuditEventType string

// Audit event types.
const (
	AuditAttemptStart     AuditEventType = "attempt_start"
	AuditViolation        AuditEventType = "violation"
	AuditAttemptSubmit    AuditEventType = "attempt_submit"
	AuditAttemptTerminate AuditEventType = "attempt_terminate"
	AuditAttemptAbort     AuditEventType = "attempt_abort"
	AuditReportFailed     AuditEventType = "report_failed"
)

// AuditEvent is one line of the audit trail.
type AuditEvent struct {
	Timestamp time.Time              `json:"timestamp"`
	EventType AuditEventType         `json:"event_type"`
	Component string                 `json:"component"`
	AttemptID string                 `json:"attempt_id,omitempty"`
	UserID    string                 `json:"user_id,omitempty"`
	ExamID    string                 `json:"exam_id,omitempty"`
	Result    string                 `json:"result,omitempty"`
	Details   map[string]interface{} `json:"details,omitempty"`
	Error     string                 `json:"error,omitempty"`
	RequestID string                 `json:"request_id,omitempty"`
}

// AuditLogger appends audit events as JSON lines.
type AuditLogger struct {
	mu        sync.Mutex
	w         io.Writer
	closer    io.Closer
	component string
	now       func() time.Time
}

// NewAuditLogger writes audit events to path, rotating it like a log file.
func NewAuditLogger(path string) (*AuditLogger, error) {
	rotator, err := NewFileRotator(path, 10, 10, true)
	if err != nil {
		return nil, fmt.Errorf("create audit rotator: %w", err)
	}
	a := NewAuditWriter(rotator)
	a.closer = rotator
	return a, nil
}

// NewAuditWriter writes audit events to w.
func NewAuditWriter(w io.Writer) *AuditLogger {
	return &AuditLogger{
		w:         w,
		component: "proctord",
		now:       func() time.Time { return time.Now().UTC() },
	}
}

// Log writes an audit event. A nil AuditLogger discards events.
func (a *AuditLogger) Log(ctx context.Context, event AuditEvent) error {
	if a == nil {
		return nil
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	if event.Timestamp.IsZero() {
		event.Timestamp = a.now()
	}
	if event.Component == "" {
		event.Component = a.component
	}
	if event.AttemptID == "" {
		event.AttemptID = AttemptIDFromContext(ctx)
	}
	if event.RequestID == "" {
		event.RequestID = RequestIDFromContext(ctx)
	}

	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal audit event: %w", err)
	}
	data = append(data, '\n')
	if _, err := a.w.Write(data); err != nil {
		return fmt.Errorf("write audit event: %w", err)
	}
	return nil
}

// Close closes the underlying file, if any.
func (a *AuditLogger) Close() error {
	if a == nil || a.closer == nil {
		return nil
	}
	return a.closer.Close()
}
