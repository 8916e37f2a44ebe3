// Package audit records subscription-lifecycle events (create, delete,
// ttl_purge, dead_endpoint_reap) for operators who need a trail of who
// subscribed/unsubscribed and why a subscription disappeared, without
// ever touching webhook payload bytes or push ciphertext. Grounded on
// the teacher's encrypt/decrypt/key-rotation audit trail
// (internal/audit/audit.go), relabeled from object-storage operations
// to subscription events.
package audit

import (
	"encoding/json"
	"fmt"
	"os"
	"sync"
	"time"
)

// EventType identifies the kind of subscription-lifecycle event.
type EventType string

const (
	// EventTypeCreate is a subscription creation.
	EventTypeCreate EventType = "subscription_created"
	// EventTypeDelete is an owner-requested subscription deletion.
	EventTypeDelete EventType = "subscription_deleted"
	// EventTypeTTLPurge is a batch TTL expiry purge.
	EventTypeTTLPurge EventType = "ttl_purge"
	// EventTypeDeadEndpointReap is a subscription removed after the push
	// service reported the endpoint gone (HTTP 404/410).
	EventTypeDeadEndpointReap EventType = "dead_endpoint_reap"
)

// Event is a single audit log entry. Unlike a QueueEntry or
// ChunkEnvelope, it never carries webhook body bytes or push
// ciphertext — only the lifecycle fact itself.
type Event struct {
	Timestamp time.Time              `json:"timestamp"`
	EventType EventType              `json:"event_type"`
	Operation string                 `json:"operation"`
	UUID      string                 `json:"uuid,omitempty"`
	Success   bool                   `json:"success"`
	Error     string                 `json:"error,omitempty"`
	Duration  time.Duration          `json:"duration_ms"`
	Metadata  map[string]interface{} `json:"metadata,omitempty"`
}

// Logger is the interface for audit logging.
type Logger interface {
	// Log logs an arbitrary event.
	Log(event *Event) error

	// LogSubscriptionEvent logs a subscription lifecycle transition.
	LogSubscriptionEvent(eventType EventType, uuid string, success bool, err error, duration time.Duration)

	// LogSubscriptionEventWithMetadata is LogSubscriptionEvent plus
	// extra fields, used by the TTL purge sweep to record a count.
	LogSubscriptionEventWithMetadata(eventType EventType, uuid string, success bool, err error, duration time.Duration, metadata map[string]interface{})

	// GetEvents returns all buffered audit events (for testing/querying).
	GetEvents() []*Event

	// Close closes the logger and its underlying writer.
	Close() error
}

// auditLogger implements the Logger interface.
type auditLogger struct {
	mu         sync.Mutex
	events     []*Event
	maxEvents  int
	writer     EventWriter
	redactKeys []string
}

// EventWriter is an interface for writing audit events.
type EventWriter interface {
	WriteEvent(event *Event) error
}

// NewLogger creates a new audit logger writing to stdout as JSON.
func NewLogger(maxEvents int) Logger {
	return NewLoggerWithWriter(maxEvents, nil, nil)
}

// NewLoggerWithWriter creates a new audit logger with an explicit
// sink (HTTPSink, FileSink, or a BatchSink wrapping either) and
// optional metadata redaction keys.
func NewLoggerWithWriter(maxEvents int, writer EventWriter, redactKeys []string) Logger {
	if writer == nil {
		writer = &defaultWriter{}
	}
	return &auditLogger{
		events:     make([]*Event, 0, maxEvents),
		maxEvents:  maxEvents,
		writer:     writer,
		redactKeys: redactKeys,
	}
}

// Log logs an audit event.
func (l *auditLogger) Log(event *Event) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	event.Metadata = l.redactMetadata(event.Metadata)

	if l.writer != nil {
		_ = l.writer.WriteEvent(event)
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

// LogSubscriptionEvent logs a subscription lifecycle transition.
func (l *auditLogger) LogSubscriptionEvent(eventType EventType, uuid string, success bool, err error, duration time.Duration) {
	l.LogSubscriptionEventWithMetadata(eventType, uuid, success, err, duration, nil)
}

// LogSubscriptionEventWithMetadata is LogSubscriptionEvent plus extra
// fields, used by the TTL purge sweep to record a count.
func (l *auditLogger) LogSubscriptionEventWithMetadata(eventType EventType, uuid string, success bool, err error, duration time.Duration, metadata map[string]interface{}) {
	event := &Event{
		Timestamp: time.Now().UTC(),
		EventType: eventType,
		Operation: string(eventType),
		UUID:      uuid,
		Success:   success,
		Duration:  duration,
		Metadata:  metadata,
	}
	if err != nil {
		event.Error = err.Error()
	}
	l.Log(event)
}

// GetEvents returns a copy of the buffered audit events.
func (l *auditLogger) GetEvents() []*Event {
	l.mu.Lock()
	defer l.mu.Unlock()
	events := make([]*Event, len(l.events))
	copy(events, l.events)
	return events
}

// defaultWriter writes events to stdout as JSON.
type defaultWriter struct{}

func (w *defaultWriter) WriteEvent(event *Event) error {
	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("audit: marshaling event: %w", err)
	}
	fmt.Fprintln(os.Stdout, string(data))
	return nil
}
