package audit

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/denim-research/denim-proxy/internal/config"
)

// EventType represents the type of audit event.
type EventType string

const (
	// EventTypeKeyRequest represents a key request resolution (either
	// answered immediately with a prekey bundle or queued pending a seed).
	EventTypeKeyRequest EventType = "key_request"
	// EventTypeSeedUpdate represents an account registering or rotating its
	// key-engine seed.
	EventTypeSeedUpdate EventType = "seed_update"
	// EventTypeBlockRequest represents an account blocking another.
	EventTypeBlockRequest EventType = "block_request"
	// EventTypeRoute represents a deniable user message being routed (or
	// dropped) between accounts.
	EventTypeRoute EventType = "route"
	// EventTypeConnection represents a client connection lifecycle event.
	EventTypeConnection EventType = "connection"
)

// AuditEvent represents a single audit log event.
type AuditEvent struct {
	Timestamp time.Time              `json:"timestamp"`
	EventType EventType              `json:"event_type"`
	Operation string                 `json:"operation"`
	Account   string                 `json:"account,omitempty"`
	Peer      string                 `json:"peer,omitempty"`
	MessageID uint32                 `json:"message_id,omitempty"`
	Success   bool                   `json:"success"`
	Error     string                 `json:"error,omitempty"`
	Duration  time.Duration          `json:"duration_ms"`
	Metadata  map[string]interface{} `json:"metadata,omitempty"`
}

// Logger is the interface for audit logging.
type Logger interface {
	// Log logs an audit event.
	Log(event *AuditEvent) error

	// LogKeyRequest logs a key request resolution: queued (no seed yet) or
	// answered with a prekey bundle.
	LogKeyRequest(account, target string, queued bool, err error)

	// LogSeedUpdate logs an account registering or rotating its key-engine
	// seed.
	LogSeedUpdate(account string, drainedRequests int, err error)

	// LogBlockRequest logs an account blocking another.
	LogBlockRequest(blocker, target string)

	// LogRoute logs a routed or dropped deniable user message.
	LogRoute(from, to string, messageID uint32, dropped bool, reason string)

	// LogConnection logs a client connection lifecycle event.
	LogConnection(account, event string, err error)

	// GetEvents returns all audit events (for testing/querying).
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

// NewLoggerFromConfig creates a new audit logger from configuration.
func NewLoggerFromConfig(cfg config.AuditConfig) (Logger, error) {
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
		writer = NewBatchSink(writer,
			cfg.Sink.BatchSize,
			time.Duration(cfg.Sink.FlushInterval)*time.Second,
			cfg.Sink.RetryCount,
			time.Duration(cfg.Sink.RetryBackoff)*time.Second,
		)
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

// redactMetadata removes sensitive keys from metadata.
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

// LogKeyRequest logs a key request resolution.
func (l *auditLogger) LogKeyRequest(account, target string, queued bool, err error) {
	event := &AuditEvent{
		Timestamp: time.Now(),
		EventType: EventTypeKeyRequest,
		Operation: "key_request",
		Account:   account,
		Peer:      target,
		Success:   err == nil,
		Metadata:  l.redactMetadata(map[string]interface{}{"queued": queued}),
	}
	if err != nil {
		event.Error = err.Error()
	}
	l.Log(event)
}

// LogSeedUpdate logs an account registering or rotating its key-engine seed.
func (l *auditLogger) LogSeedUpdate(account string, drainedRequests int, err error) {
	event := &AuditEvent{
		Timestamp: time.Now(),
		EventType: EventTypeSeedUpdate,
		Operation: "seed_update",
		Account:   account,
		Success:   err == nil,
		Metadata:  l.redactMetadata(map[string]interface{}{"drained_requests": drainedRequests}),
	}
	if err != nil {
		event.Error = err.Error()
	}
	l.Log(event)
}

// LogBlockRequest logs an account blocking another.
func (l *auditLogger) LogBlockRequest(blocker, target string) {
	event := &AuditEvent{
		Timestamp: time.Now(),
		EventType: EventTypeBlockRequest,
		Operation: "block_request",
		Account:   blocker,
		Peer:      target,
		Success:   true,
	}
	l.Log(event)
}

// LogRoute logs a routed or dropped deniable user message.
func (l *auditLogger) LogRoute(from, to string, messageID uint32, dropped bool, reason string) {
	event := &AuditEvent{
		Timestamp: time.Now(),
		EventType: EventTypeRoute,
		Operation: "route",
		Account:   from,
		Peer:      to,
		MessageID: messageID,
		Success:   !dropped,
	}
	if dropped {
		event.Error = reason
	}
	l.Log(event)
}

// LogConnection logs a client connection lifecycle event.
func (l *auditLogger) LogConnection(account, event string, err error) {
	e := &AuditEvent{
		Timestamp: time.Now(),
		EventType: EventTypeConnection,
		Operation: event,
		Account:   account,
		Success:   err == nil,
	}
	if err != nil {
		e.Error = err.Error()
	}
	l.Log(e)
}

// GetEvents returns all audit events (for testing/querying).
func (l *auditLogger) GetEvents() []*AuditEvent {
	l.mu.Lock()
	defer l.mu.Unlock()

	events := make([]*AuditEvent, len(l.events))
	copy(events, l.events)
	return events
}

// defaultWriter is a default implementation that writes to stdout as JSON.
type defaultWriter struct{}

func (w *defaultWriter) WriteEvent(event *AuditEvent) error {
	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}
	fmt.Printf("%s\n", string(data))
	return nil
}
