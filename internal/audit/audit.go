// Package audit records structured events for the operations a Tree
// performs that a deployment may need a durable, queryable trail of:
// opening a store, committing a snapshot, and rewrapping the MasterKey
// under a new KeyManager key. Key material itself is never logged; only
// identifiers (branch name, commit id, key version) are.
package audit

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/infinitree/infinitree/internal/config"
)

// EventType classifies an audit event.
type EventType string

const (
	// EventTypeOpen records a tree being opened (checkout of a branch head).
	EventTypeOpen EventType = "open"
	// EventTypeCommit records a new commit being appended to a branch.
	EventTypeCommit EventType = "commit"
	// EventTypeRewrap records the MasterKey being rewrapped under a new
	// KeyManager-provided wrapping key.
	EventTypeRewrap EventType = "rewrap"
	// EventTypeAccess records a general field read/write access.
	EventTypeAccess EventType = "access"
)

// AuditEvent is a single audit log entry.
type AuditEvent struct {
	Timestamp time.Time              `json:"timestamp"`
	EventType EventType              `json:"event_type"`
	Operation string                 `json:"operation"`
	Branch    string                 `json:"branch,omitempty"`
	CommitID  string                 `json:"commit_id,omitempty"`
	KeyVersion int                   `json:"key_version,omitempty"`
	Success   bool                   `json:"success"`
	Error     string                 `json:"error,omitempty"`
	Duration  time.Duration          `json:"duration_ms"`
	Metadata  map[string]interface{} `json:"metadata,omitempty"`
}

// Logger is the interface for audit logging.
type Logger interface {
	// Log logs an arbitrary audit event.
	Log(event *AuditEvent) error

	// LogOpen logs a tree open/checkout of a branch head.
	LogOpen(branch, commitID string, success bool, err error, duration time.Duration, metadata map[string]interface{})

	// LogCommit logs a new commit being appended to a branch.
	LogCommit(branch, commitID string, success bool, err error, duration time.Duration, metadata map[string]interface{})

	// LogRewrap logs a MasterKey rewrap under a new key version.
	LogRewrap(keyVersion int, success bool, err error)

	// LogAccess logs a general field access.
	LogAccess(eventType, branch, commitID, requestID string, success bool, err error, duration time.Duration)

	// GetEvents returns all buffered audit events (for testing/querying).
	GetEvents() []*AuditEvent

	// Close closes the logger and its underlying writer.
	Close() error
}

// auditLogger implements the Logger interface.
type auditLogger struct {
	mu         sync.Mutex
	events     []*AuditEvent
	maxEvents  int
	writer     EventWriter
	redactKeys []string
}

// EventWriter is an interface for writing audit events.
type EventWriter interface {
	WriteEvent(event *AuditEvent) error
}

// NewLogger creates a new audit logger.
func NewLogger(maxEvents int, writer EventWriter) Logger {
	return NewLoggerWithRedaction(maxEvents, writer, nil)
}

// NewLoggerWithRedaction creates a new audit logger with redaction keys.
func NewLoggerWithRedaction(maxEvents int, writer EventWriter, redactKeys []string) Logger {
	if writer == nil {
		writer = &defaultWriter{}
	}

	return &auditLogger{
		events:     make([]*AuditEvent, 0, maxEvents),
		maxEvents:  maxEvents,
		writer:     writer,
		redactKeys: redactKeys,
	}
}

// NewLoggerFromConfig creates a new audit logger from an AuditConfig. When
// cfg.Enabled is false it returns a noopLogger, so callers can wire LogOpen
// /LogCommit unconditionally without every tree open/commit printing to
// stdout by default.
func NewLoggerFromConfig(cfg config.AuditConfig) (Logger, error) {
	if !cfg.Enabled {
		return &noopLogger{}, nil
	}

	var writer EventWriter

	switch cfg.Sink.Type {
	case "http":
		writer = NewHTTPSink(cfg.Sink.Endpoint, cfg.Sink.Headers)
	case "file":
		writer = NewFileSink(cfg.Sink.FilePath)
	case "stdout", "":
		writer = &defaultWriter{}
	default:
		return nil, fmt.Errorf("unknown sink type: %s", cfg.Sink.Type)
	}

	if cfg.Sink.BatchSize > 0 || cfg.Sink.FlushInterval > 0 {
		writer = NewBatchSink(writer, cfg.Sink.BatchSize, cfg.Sink.FlushInterval, cfg.Sink.RetryCount, cfg.Sink.RetryBackoff)
	}

	return NewLoggerWithRedaction(cfg.MaxEvents, writer, cfg.RedactMetadataKeys), nil
}

// Log logs an audit event.
func (l *auditLogger) Log(event *AuditEvent) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.writer != nil {
		l.writer.WriteEvent(event)
	}

	l.events = append(l.events, event)
	if len(l.events) > l.maxEvents {
		l.events = l.events[len(l.events)-l.maxEvents:]
	}

	return nil
}

// Close closes the logger and its underlying writer.
func (l *auditLogger) Close() error {
	if closer, ok := l.writer.(interface{ Close() error }); ok {
		return closer.Close()
	}
	return nil
}

// redactMetadata removes keys named in redactKeys from metadata.
func (l *auditLogger) redactMetadata(metadata map[string]interface{}) map[string]interface{} {
	if len(l.redactKeys) == 0 || len(metadata) == 0 {
		return metadata
	}

	needsRedaction := false
	for _, k := range l.redactKeys {
		if _, ok := metadata[k]; ok {
			needsRedaction = true
			break
		}
	}
	if !needsRedaction {
		return metadata
	}

	clone := make(map[string]interface{}, len(metadata))
	for k, v := range metadata {
		clone[k] = v
	}
	for _, key := range l.redactKeys {
		if _, ok := clone[key]; ok {
			clone[key] = "[REDACTED]"
		}
	}
	return clone
}

// LogOpen logs a tree open/checkout of a branch head.
func (l *auditLogger) LogOpen(branch, commitID string, success bool, err error, duration time.Duration, metadata map[string]interface{}) {
	event := &AuditEvent{
		Timestamp: time.Now(),
		EventType: EventTypeOpen,
		Operation: "open",
		Branch:    branch,
		CommitID:  commitID,
		Success:   success,
		Duration:  duration,
		Metadata:  l.redactMetadata(metadata),
	}
	if err != nil {
		event.Error = err.Error()
	}
	l.Log(event)
}

// LogCommit logs a new commit being appended to a branch.
func (l *auditLogger) LogCommit(branch, commitID string, success bool, err error, duration time.Duration, metadata map[string]interface{}) {
	event := &AuditEvent{
		Timestamp: time.Now(),
		EventType: EventTypeCommit,
		Operation: "commit",
		Branch:    branch,
		CommitID:  commitID,
		Success:   success,
		Duration:  duration,
		Metadata:  l.redactMetadata(metadata),
	}
	if err != nil {
		event.Error = err.Error()
	}
	l.Log(event)
}

// LogRewrap logs a MasterKey rewrap under a new key version.
func (l *auditLogger) LogRewrap(keyVersion int, success bool, err error) {
	event := &AuditEvent{
		Timestamp:  time.Now(),
		EventType:  EventTypeRewrap,
		Operation:  "rewrap",
		KeyVersion: keyVersion,
		Success:    success,
	}
	if err != nil {
		event.Error = err.Error()
	}
	l.Log(event)
}

// LogAccess logs a general field access.
func (l *auditLogger) LogAccess(eventType, branch, commitID, requestID string, success bool, err error, duration time.Duration) {
	event := &AuditEvent{
		Timestamp: time.Now(),
		EventType: EventType(eventType),
		Operation: eventType,
		Branch:    branch,
		CommitID:  commitID,
		Success:   success,
		Duration:  duration,
	}
	if requestID != "" {
		event.Metadata = map[string]interface{}{"request_id": requestID}
	}
	if err != nil {
		event.Error = err.Error()
	}
	l.Log(event)
}

// GetEvents returns a copy of all buffered audit events.
func (l *auditLogger) GetEvents() []*AuditEvent {
	l.mu.Lock()
	defer l.mu.Unlock()

	events := make([]*AuditEvent, len(l.events))
	copy(events, l.events)
	return events
}

// noopLogger discards every event; used when audit logging is disabled.
type noopLogger struct{}

func (noopLogger) Log(event *AuditEvent) error { return nil }
func (noopLogger) LogOpen(branch, commitID string, success bool, err error, duration time.Duration, metadata map[string]interface{}) {
}
func (noopLogger) LogCommit(branch, commitID string, success bool, err error, duration time.Duration, metadata map[string]interface{}) {
}
func (noopLogger) LogRewrap(keyVersion int, success bool, err error)                                {}
func (noopLogger) LogAccess(eventType, branch, commitID, requestID string, success bool, err error, duration time.Duration) {
}
func (noopLogger) GetEvents() []*AuditEvent { return nil }
func (noopLogger) Close() error             { return nil }

// defaultWriter writes events to stdout as JSON.
type defaultWriter struct{}

func (w *defaultWriter) WriteEvent(event *AuditEvent) error {
	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}
	fmt.Printf("%s\n", string(data))
	return nil
}
