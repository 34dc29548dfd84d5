package audit

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// EventType represents the type of audit event.
type EventType string

const (
	// EventTypeKeygen represents a keypair generation.
	EventTypeKeygen EventType = "keygen"
	// EventTypeEncrypt represents an image encryption.
	EventTypeEncrypt EventType = "encrypt"
	// EventTypeDecrypt represents an image decryption.
	EventTypeDecrypt EventType = "decrypt"
	// EventTypeInspect represents a chunk listing or metadata read.
	EventTypeInspect EventType = "inspect"
	// EventTypeClean represents a critical-chunks-only copy.
	EventTypeClean EventType = "clean"
	// EventTypeAccess represents an HTTP access.
	EventTypeAccess EventType = "access"
)

// AuditEvent represents a single audit log event.
type AuditEvent struct {
	Timestamp   time.Time              `json:"timestamp"`
	EventType   EventType              `json:"event_type"`
	Operation   string                 `json:"operation"`
	Source      string                 `json:"source,omitempty"`
	Mode        string                 `json:"mode,omitempty"`
	KeySize     int                    `json:"key_size,omitempty"`
	Fingerprint string                 `json:"fingerprint,omitempty"`
	ClientIP    string                 `json:"client_ip,omitempty"`
	UserAgent   string                 `json:"user_agent,omitempty"`
	RequestID   string                 `json:"request_id,omitempty"`
	Success     bool                   `json:"success"`
	Error       string                 `json:"error,omitempty"`
	Duration    time.Duration          `json:"duration_ms"`
	Metadata    map[string]interface{} `json:"metadata,omitempty"`
}

// Logger is the interface for audit logging.
type Logger interface {
	// Log logs an audit event.
	Log(event *AuditEvent) error

	// LogKeygen logs a keypair generation.
	LogKeygen(size int, fingerprint string, err error, duration time.Duration)

	// LogCipher logs an encryption or decryption of an image.
	LogCipher(eventType EventType, source, mode string, size int, fingerprint string, err error, duration time.Duration, metadata map[string]interface{})

	// LogInspect logs a read-only operation on an image.
	LogInspect(eventType EventType, source string, err error, duration time.Duration, metadata map[string]interface{})

	// LogAccess logs a general access operation.
	LogAccess(operation, clientIP, userAgent, requestID string, success bool, err error, duration time.Duration)

	// Events returns a copy of the buffered events, oldest first.
	Events() []*AuditEvent
}

// auditLogger implements the Logger interface.
type auditLogger struct {
	mu        sync.Mutex
	events    []*AuditEvent
	maxEvents int
	writer    EventWriter
}

// EventWriter is an interface for writing audit events.
type EventWriter interface {
	WriteEvent(event *AuditEvent) error
}

// NewLogger creates a new audit logger. A nil writer prints JSON lines to
// stdout.
func NewLogger(maxEvents int, writer EventWriter) Logger {
	if writer == nil {
		writer = NewJSONWriter(os.Stdout)
	}
	if maxEvents <= 0 {
		maxEvents = 1
	}

	return &auditLogger{
		events:    make([]*AuditEvent, 0, maxEvents),
		maxEvents: maxEvents,
		writer:    writer,
	}
}

// Log logs an audit event. Writer failures do not fail the operation being
// audited; the event is still buffered.
func (l *auditLogger) Log(event *AuditEvent) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	var werr error
	if l.writer != nil {
		werr = l.writer.WriteEvent(event)
	}

	l.events = append(l.events, event)
	if len(l.events) > l.maxEvents {
		l.events = l.events[len(l.events)-l.maxEvents:]
	}

	return werr
}

func newEvent(eventType EventType, err error, duration time.Duration) *AuditEvent {
	event := &AuditEvent{
		Timestamp: time.Now(),
		EventType: eventType,
		Operation: string(eventType),
		Success:   err == nil,
		Duration:  duration,
	}
	if err != nil {
		event.Error = err.Error()
	}
	return event
}

// LogKeygen logs a keypair generation.
func (l *auditLogger) LogKeygen(size int, fingerprint string, err error, duration time.Duration) {
	event := newEvent(EventTypeKeygen, err, duration)
	event.KeySize = size
	event.Fingerprint = fingerprint
	l.Log(event)
}

// LogCipher logs an encryption or decryption of an image.
func (l *auditLogger) LogCipher(eventType EventType, source, mode string, size int, fingerprint string, err error, duration time.Duration, metadata map[string]interface{}) {
	event := newEvent(eventType, err, duration)
	event.Source = source
	event.Mode = mode
	event.KeySize = size
	event.Fingerprint = fingerprint
	event.Metadata = metadata
	l.Log(event)
}

// LogInspect logs a read-only operation on an image.
func (l *auditLogger) LogInspect(eventType EventType, source string, err error, duration time.Duration, metadata map[string]interface{}) {
	event := newEvent(eventType, err, duration)
	event.Source = source
	event.Metadata = metadata
	l.Log(event)
}

// LogAccess logs a general access operation.
func (l *auditLogger) LogAccess(operation, clientIP, userAgent, requestID string, success bool, err error, duration time.Duration) {
	event := newEvent(EventTypeAccess, err, duration)
	event.Operation = operation
	event.ClientIP = clientIP
	event.UserAgent = userAgent
	event.RequestID = requestID
	event.Success = success && err == nil
	l.Log(event)
}

// Events returns all buffered audit events.
func (l *auditLogger) Events() []*AuditEvent {
	l.mu.Lock()
	defer l.mu.Unlock()

	events := make([]*AuditEvent, len(l.events))
	copy(events, l.events)
	return events
}

// jsonWriter writes one JSON document per event.
type jsonWriter struct {
	mu  sync.Mutex
	out io.Writer
}

// NewJSONWriter returns an EventWriter that writes JSON lines to out.
func NewJSONWriter(out io.Writer) EventWriter {
	return &jsonWriter{out: out}
}

func (w *jsonWriter) WriteEvent(event *AuditEvent) error {
	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	_, err = fmt.Fprintf(w.out, "%s\n", data)
	return err
}

// logrusWriter forwards events to a structured logger.
type logrusWriter struct {
	logger logrus.FieldLogger
}

// NewLogrusWriter returns an EventWriter that logs every event at info
// level, or warn level for failures.
func NewLogrusWriter(logger logrus.FieldLogger) EventWriter {
	return &logrusWriter{logger: logger}
}

func (w *logrusWriter) WriteEvent(event *AuditEvent) error {
	fields := logrus.Fields{
		"audit":       true,
		"event_type":  event.EventType,
		"operation":   event.Operation,
		"success":     event.Success,
		"duration_ms": event.Duration.Milliseconds(),
	}
	for k, v := range map[string]string{
		"source":      event.Source,
		"mode":        event.Mode,
		"fingerprint": event.Fingerprint,
		"client_ip":   event.ClientIP,
		"request_id":  event.RequestID,
		"error":       event.Error,
	} {
		if v != "" {
			fields[k] = v
		}
	}
	if event.KeySize != 0 {
		fields["key_size"] = event.KeySize
	}

	entry := w.logger.WithFields(fields)
	if event.Success {
		entry.Info("Audit event")
	} else {
		entry.Warn("Audit event")
	}
	return nil
}
