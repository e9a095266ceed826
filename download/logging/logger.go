package logging

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"
)

// LogLevel represents the log level.
type LogLevel string

const (
	LogLevelDebug LogLevel = "DEBUG"
	LogLevelInfo  LogLevel = "INFO"
	LogLevelWarn  LogLevel = "WARN"
	LogLevelError LogLevel = "ERROR"
)

// Format selects how entries are rendered on a sink.
type Format string

const (
	FormatJSON Format = "json"
	FormatText Format = "text"
)

// Fields carries structured key/value context for one entry.
type Fields map[string]interface{}

// LogEntry represents a structured log entry.
type LogEntry struct {
	Timestamp time.Time `json:"timestamp"`
	Level     LogLevel  `json:"level"`
	Message   string    `json:"message"`
	Service   string    `json:"service"`
	Operation string    `json:"operation,omitempty"`
	Error     string    `json:"error,omitempty"`
	Fields    Fields    `json:"fields,omitempty"`
}

type sink struct {
	w      io.Writer
	format Format
}

// Logger writes timestamped entries to one or more sinks.
// A nil *Logger discards everything.
type Logger struct {
	mu      sync.Mutex
	sinks   []sink
	closers []io.Closer
	service string
	now     func() time.Time
}

// New creates a logger writing to w in the given format.
func New(service string, w io.Writer, format Format) *Logger {
	l := &Logger{service: service, now: time.Now}
	l.AddSink(w, format)
	return l
}

// Discard returns a logger with no sinks.
func Discard() *Logger {
	return &Logger{now: time.Now}
}

// AddSink adds another destination.
func (l *Logger) AddSink(w io.Writer, format Format) {
	if w == nil {
		return
	}
	if format != FormatText {
		format = FormatJSON
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	l.sinks = append(l.sinks, sink{w: w, format: format})
}

// AddFile tees JSON entries into logPath, creating its directory if needed.
func (l *Logger) AddFile(logPath string) error {
	logDir := filepath.Dir(logPath)
	if err := os.MkdirAll(logDir, 0755); err != nil {
		return fmt.Errorf("failed to create log directory: %w", err)
	}

	file, err := os.OpenFile(logPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return fmt.Errorf("failed to open log file: %w", err)
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	l.sinks = append(l.sinks, sink{w: file, format: FormatJSON})
	l.closers = append(l.closers, file)
	return nil
}

// Close closes any files opened by the logger.
func (l *Logger) Close() error {
	if l == nil {
		return nil
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	var firstErr error
	for _, c := range l.closers {
		if err := c.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	l.closers = nil
	l.sinks = nil
	return firstErr
}

func (l *Logger) log(level LogLevel, message, operation string, err error, fields Fields) {
	if l == nil {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	if len(l.sinks) == 0 {
		return
	}

	entry := LogEntry{
		Timestamp: l.now().UTC(),
		Level:     level,
		Message:   message,
		Service:   l.service,
		Operation: operation,
	}
	if err != nil {
		entry.Error = err.Error()
	}
	if len(fields) > 0 {
		entry.Fields = fields
	}

	var jsonLine, textLine string
	for _, s := range l.sinks {
		switch s.format {
		case FormatText:
			if textLine == "" {
				textLine = formatText(entry)
			}
			_, _ = io.WriteString(s.w, textLine)
		default:
			if jsonLine == "" {
				jsonLine = formatJSON(entry)
			}
			_, _ = io.WriteString(s.w, jsonLine)
		}
	}
}

func formatJSON(entry LogEntry) string {
	data, err := json.Marshal(entry)
	if err != nil {
		// Fallback to simple format if a field value cannot be marshaled
		return fmt.Sprintf("{\"timestamp\":%q,\"level\":%q,\"message\":%q,\"service\":%q}\n",
			entry.Timestamp.Format(time.RFC3339), entry.Level, entry.Message, entry.Service)
	}
	return string(data) + "\n"
}

func formatText(entry LogEntry) string {
	var b strings.Builder
	b.WriteString(entry.Timestamp.Format(time.RFC3339))
	b.WriteByte(' ')
	fmt.Fprintf(&b, "%-5s", entry.Level)
	if entry.Operation != "" {
		b.WriteString(" [")
		b.WriteString(entry.Operation)
		b.WriteByte(']')
	}
	b.WriteByte(' ')
	b.WriteString(entry.Message)

	keys := make([]string, 0, len(entry.Fields))
	for k := range entry.Fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		fmt.Fprintf(&b, " %s=%v", k, entry.Fields[k])
	}
	if entry.Error != "" {
		fmt.Fprintf(&b, " error=%q", entry.Error)
	}
	b.WriteByte('\n')
	return b.String()
}

// Debug logs a debug message.
func (l *Logger) Debug(message string) {
	l.log(LogLevelDebug, message, "", nil, nil)
}

// Debugf logs a formatted debug message.
func (l *Logger) Debugf(format string, args ...interface{}) {
	l.Debug(fmt.Sprintf(format, args...))
}

// Info logs an info message.
func (l *Logger) Info(message string) {
	l.log(LogLevelInfo, message, "", nil, nil)
}

// Infof logs a formatted info message.
func (l *Logger) Infof(format string, args ...interface{}) {
	l.Info(fmt.Sprintf(format, args...))
}

// InfoWithOperation logs an info message with operation context.
func (l *Logger) InfoWithOperation(operation, message string) {
	l.log(LogLevelInfo, message, operation, nil, nil)
}

// InfoFields logs an info message with operation context and fields.
func (l *Logger) InfoFields(operation, message string, fields Fields) {
	l.log(LogLevelInfo, message, operation, nil, fields)
}

// Warn logs a warning message.
func (l *Logger) Warn(message string) {
	l.log(LogLevelWarn, message, "", nil, nil)
}

// Warnf logs a formatted warning message.
func (l *Logger) Warnf(format string, args ...interface{}) {
	l.Warn(fmt.Sprintf(format, args...))
}

// WarnFields logs a warning with operation context, an optional error and fields.
func (l *Logger) WarnFields(operation, message string, err error, fields Fields) {
	l.log(LogLevelWarn, message, operation, err, fields)
}

// Error logs an error message.
func (l *Logger) Error(message string, err error) {
	l.log(LogLevelError, message, "", err, nil)
}

// Errorf logs a formatted error message.
func (l *Logger) Errorf(format string, args ...interface{}) {
	l.Error(fmt.Sprintf(format, args...), nil)
}

// ErrorWithOperation logs an error message with operation context.
func (l *Logger) ErrorWithOperation(operation, message string, err error) {
	l.log(LogLevelError, message, operation, err, nil)
}

// ErrorFields logs an error with operation context and fields.
func (l *Logger) ErrorFields(operation, message string, err error, fields Fields) {
	l.log(LogLevelError, message, operation, err, fields)
}
