package structlog

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"runtime"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Level represents log severity
type Level int

const (
	LevelDebug Level = iota
	LevelInfo
	LevelWarn
	LevelError
)

func (l Level) String() string {
	switch l {
	case LevelDebug:
		return "DEBUG"
	case LevelInfo:
		return "INFO"
	case LevelWarn:
		return "WARN"
	case LevelError:
		return "ERROR"
	default:
		return "UNKNOWN"
	}
}

// ParseLevel maps a config string to a Level, defaulting to info.
func ParseLevel(s string) Level {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return LevelDebug
	case "warn", "warning":
		return LevelWarn
	case "error":
		return LevelError
	default:
		return LevelInfo
	}
}

type ctxKeyCorrID struct{}

// Fields represents structured log fields
type Fields map[string]interface{}

// Logger writes one JSON object per line. Child loggers share the writer lock.
type Logger struct {
	service   string
	level     Level
	output    io.Writer
	mu        *sync.Mutex
	fields    Fields
	sanitizer *Sanitizer
}

// Sanitizer masks sensitive data in logs
type Sanitizer struct {
	maskPatterns []string
}

// NewSanitizer creates a log sanitizer
func NewSanitizer() *Sanitizer {
	return &Sanitizer{
		maskPatterns: []string{"password", "secret", "token", "apikey", "api_key", "authorization"},
	}
}

// Sanitize masks fields whose name looks like a credential.
func (s *Sanitizer) Sanitize(fields Fields) Fields {
	cleaned := make(Fields, len(fields))
	for k, v := range fields {
		lk := strings.ToLower(k)
		masked := false
		for _, pattern := range s.maskPatterns {
			if strings.Contains(lk, pattern) {
				cleaned[k] = "MASKED"
				masked = true
				break
			}
		}
		if !masked {
			cleaned[k] = v
		}
	}
	return cleaned
}

// NewLogger creates a structured logger for a service
func NewLogger(serviceName string, level Level, output io.Writer) *Logger {
	if output == nil {
		output = os.Stdout
	}
	return &Logger{
		service:   serviceName,
		level:     level,
		output:    output,
		mu:        &sync.Mutex{},
		fields:    Fields{},
		sanitizer: NewSanitizer(),
	}
}

// Nop returns a logger that discards everything. Used by tests and optional wiring.
func Nop() *Logger {
	return NewLogger("nop", LevelError+1, io.Discard)
}

// WithFields returns a logger with additional base fields
func (l *Logger) WithFields(fields Fields) *Logger {
	child := &Logger{
		service:   l.service,
		level:     l.level,
		output:    l.output,
		mu:        l.mu,
		sanitizer: l.sanitizer,
		fields:    make(Fields, len(l.fields)+len(fields)),
	}
	for k, v := range l.fields {
		child.fields[k] = v
	}
	for k, v := range fields {
		child.fields[k] = v
	}
	return child
}

// WithIncident scopes the logger to one tenant/incident pair.
func (l *Logger) WithIncident(tenantID, incidentID string) *Logger {
	return l.WithFields(Fields{"tenant_id": tenantID, "incident_id": incidentID})
}

// WithContext extracts correlation ID from context and adds to logger
func (l *Logger) WithContext(ctx context.Context) *Logger {
	if corrID := GetCorrelationID(ctx); corrID != "" {
		return l.WithFields(Fields{"correlation_id": corrID})
	}
	return l
}

func (l *Logger) Debug(message string, fields Fields) { l.log(LevelDebug, message, fields) }
func (l *Logger) Info(message string, fields Fields)  { l.log(LevelInfo, message, fields) }
func (l *Logger) Warn(message string, fields Fields)  { l.log(LevelWarn, message, fields) }
func (l *Logger) Error(message string, fields Fields) { l.log(LevelError, message, fields) }

// AuditLog records an append to the reasoning audit trail.
func (l *Logger) AuditLog(action string, fields Fields) {
	merged := Fields{"event_type": "audit", "audit_action": action}
	for k, v := range fields {
		merged[k] = v
	}
	l.log(LevelInfo, "AUDIT: "+action, merged)
}

func (l *Logger) log(level Level, message string, fields Fields) {
	if l == nil || level < l.level {
		return
	}

	all := make(Fields, len(l.fields)+len(fields)+6)
	for k, v := range l.fields {
		all[k] = v
	}
	for k, v := range fields {
		if err, ok := v.(error); ok {
			v = err.Error()
		}
		all[k] = v
	}
	all["timestamp"] = time.Now().UTC().Format(time.RFC3339Nano)
	all["level"] = level.String()
	all["service"] = l.service
	all["message"] = message

	if level >= LevelError {
		if _, file, line, ok := runtime.Caller(2); ok {
			all["caller"] = fmt.Sprintf("%s:%d", file, line)
		}
	}

	all = l.sanitizer.Sanitize(all)

	l.mu.Lock()
	defer l.mu.Unlock()
	if err := json.NewEncoder(l.output).Encode(all); err != nil {
		fmt.Fprintf(os.Stderr, "LOG_ERROR: failed to encode log: %v\n", err)
	}
}

// SetLevel changes log level
func (l *Logger) SetLevel(level Level) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.level = level
}

// NewCorrelationID generates a new correlation ID
func NewCorrelationID() string {
	return uuid.NewString()
}

// ContextWithCorrelationID returns context with correlation ID
func ContextWithCorrelationID(ctx context.Context, corrID string) context.Context {
	return context.WithValue(ctx, ctxKeyCorrID{}, corrID)
}

// GetCorrelationID extracts correlation ID from context
func GetCorrelationID(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	if corrID, ok := ctx.Value(ctxKeyCorrID{}).(string); ok {
		return corrID
	}
	return ""
}

// GetOrCreateCorrelationID gets existing or creates new correlation ID
func GetOrCreateCorrelationID(ctx context.Context) (context.Context, string) {
	if corrID := GetCorrelationID(ctx); corrID != "" {
		return ctx, corrID
	}
	corrID := NewCorrelationID()
	return ContextWithCorrelationID(ctx, corrID), corrID
}
