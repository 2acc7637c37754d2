package logging

import (
	"context"
	"fmt"
	"io"
	"os"
	"runtime"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

// Fields is a set of structured log fields
type Fields = logrus.Fields

// Logger is a logrus logger that stamps every entry with the service
// identity and with the request identifiers carried by a context
type Logger struct {
	*logrus.Logger
	base Fields
}

// Config holds logging configuration
type Config struct {
	Level       string `json:"level"`
	Format      string `json:"format"`
	Output      string `json:"output"`
	ServiceName string `json:"service_name"`
	Version     string `json:"version"`
}

// DefaultConfig logs JSON at info level to stdout
func DefaultConfig() *Config {
	return &Config{
		Level:       "info",
		Format:      "json",
		Output:      "stdout",
		ServiceName: "usage-governor",
		Version:     "unknown",
	}
}

type contextKey int

const (
	correlationIDKey contextKey = iota
	requestIDKey
	userIDKey
	traceIDKey
	spanIDKey
)

// contextFields are copied from a context onto log entries in this order
var contextFields = []struct {
	key   contextKey
	field string
}{
	{correlationIDKey, "correlation_id"},
	{requestIDKey, "request_id"},
	{userIDKey, "user_id"},
	{traceIDKey, "trace_id"},
	{spanIDKey, "span_id"},
}

// NewLogger creates a new structured logger
func NewLogger(config *Config) (*Logger, error) {
	if config == nil {
		config = DefaultConfig()
	}

	level, err := logrus.ParseLevel(config.Level)
	if err != nil {
		return nil, fmt.Errorf("invalid log level: %w", err)
	}

	formatter, err := newFormatter(config.Format)
	if err != nil {
		return nil, err
	}

	output, err := openOutput(config.Output)
	if err != nil {
		return nil, err
	}

	logger := logrus.New()
	logger.SetLevel(level)
	logger.SetFormatter(formatter)
	logger.SetOutput(output)
	logger.SetReportCaller(true)

	return &Logger{
		Logger: logger,
		base: Fields{
			"service": config.ServiceName,
			"version": config.Version,
		},
	}, nil
}

func newFormatter(format string) (logrus.Formatter, error) {
	switch strings.ToLower(format) {
	case "json":
		return &logrus.JSONFormatter{
			TimestampFormat: time.RFC3339Nano,
			FieldMap: logrus.FieldMap{
				logrus.FieldKeyTime:  "timestamp",
				logrus.FieldKeyMsg:   "message",
				logrus.FieldKeyFunc:  "function",
				logrus.FieldKeyFile:  "file",
				logrus.FieldKeyLevel: "level",
			},
		}, nil
	case "text":
		return &logrus.TextFormatter{TimestampFormat: time.RFC3339, FullTimestamp: true}, nil
	default:
		return nil, fmt.Errorf("unsupported log format: %s", format)
	}
}

// openOutput resolves stdout, stderr or a file path to append to
func openOutput(output string) (io.Writer, error) {
	switch strings.ToLower(output) {
	case "", "stdout":
		return os.Stdout, nil
	case "stderr":
		return os.Stderr, nil
	}

	file, err := os.OpenFile(output, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return nil, fmt.Errorf("failed to open log file: %w", err)
	}
	return file, nil
}

// WithFields returns an entry carrying the service identity and fields
func (l *Logger) WithFields(fields Fields) *logrus.Entry {
	merged := make(Fields, len(l.base)+len(fields))
	for k, v := range l.base {
		merged[k] = v
	}
	for k, v := range fields {
		merged[k] = v
	}
	return l.Logger.WithFields(merged)
}

// WithContext returns an entry carrying the identifiers stored in ctx
func (l *Logger) WithContext(ctx context.Context) *logrus.Entry {
	fields := Fields{}
	for _, cf := range contextFields {
		if value, ok := ctx.Value(cf.key).(string); ok && value != "" {
			fields[cf.field] = value
		}
	}
	return l.WithFields(fields)
}

// WithError returns an entry carrying err and its concrete type
func (l *Logger) WithError(err error) *logrus.Entry {
	return l.WithFields(Fields{
		"error":      err.Error(),
		"error_type": fmt.Sprintf("%T", err),
	})
}

// LogRequest logs one served HTTP request
func (l *Logger) LogRequest(ctx context.Context, method, path, userAgent, clientIP string, statusCode int, duration time.Duration) {
	entry := l.WithContext(ctx).WithFields(Fields{
		"http_method":      method,
		"http_path":        path,
		"http_status":      statusCode,
		"user_agent":       userAgent,
		"client_ip":        clientIP,
		"response_time_ms": duration.Milliseconds(),
	})
	if statusCode >= 500 {
		entry.Warn("HTTP request failed")
		return
	}
	entry.Info("HTTP request processed")
}

// LogLedgerEvent logs balance mutations and account lifecycle events
func (l *Logger) LogLedgerEvent(ctx context.Context, event string, userID string, amount int64, fields Fields) {
	l.WithContext(ctx).WithFields(Fields{
		"event":   event,
		"user_id": userID,
		"amount":  amount,
	}).WithFields(fields).Info("Ledger event")
}

// LogInvocation logs the terminal state of a governed feature invocation
func (l *Logger) LogInvocation(ctx context.Context, state, userID, featureKey string, duration time.Duration, fields Fields) {
	entry := l.WithContext(ctx).WithFields(Fields{
		"state":       state,
		"user_id":     userID,
		"feature_key": featureKey,
		"duration_ms": duration.Milliseconds(),
	}).WithFields(fields)

	if state == "settled" {
		entry.Info("Invocation settled")
		return
	}
	entry.Warn("Invocation " + state)
}

// LogSlowOperation warns when a store or cache call took longer than
// threshold. A zero threshold disables it.
func (l *Logger) LogSlowOperation(ctx context.Context, component, operation string, duration, threshold time.Duration, fields Fields) bool {
	if threshold <= 0 || duration < threshold {
		return false
	}
	l.WithContext(ctx).WithFields(Fields{
		"component":    component,
		"operation":    operation,
		"duration_ms":  duration.Milliseconds(),
		"threshold_ms": threshold.Milliseconds(),
	}).WithFields(fields).Warn("Slow " + component + " operation")
	return true
}

// LogError logs err with the context identifiers. The stack is attached
// at debug level.
func (l *Logger) LogError(ctx context.Context, err error, message string, fields Fields) {
	entry := l.WithContext(ctx).WithFields(Fields{
		"error":      err.Error(),
		"error_type": fmt.Sprintf("%T", err),
	}).WithFields(fields)

	if l.IsLevelEnabled(logrus.DebugLevel) {
		entry = entry.WithField("stack_trace", stackTrace())
	}
	entry.Error(message)
}

// LogPanic logs a recovered panic with its stack
func (l *Logger) LogPanic(ctx context.Context, recovered interface{}, message string) {
	l.WithContext(ctx).WithFields(Fields{
		"panic":       recovered,
		"stack_trace": stackTrace(),
	}).Error(message)
}

func stackTrace() string {
	buf := make([]byte, 4096)
	return string(buf[:runtime.Stack(buf, false)])
}

// NewCorrelationID generates a new correlation ID
func NewCorrelationID() string {
	return uuid.NewString()
}

// WithCorrelationID adds correlation ID to context
func WithCorrelationID(ctx context.Context, correlationID string) context.Context {
	return context.WithValue(ctx, correlationIDKey, correlationID)
}

// WithRequestID adds request ID to context
func WithRequestID(ctx context.Context, requestID string) context.Context {
	return context.WithValue(ctx, requestIDKey, requestID)
}

// WithUserID adds the authenticated subject to context
func WithUserID(ctx context.Context, userID string) context.Context {
	return context.WithValue(ctx, userIDKey, userID)
}

// WithTraceID adds trace ID to context
func WithTraceID(ctx context.Context, traceID string) context.Context {
	return context.WithValue(ctx, traceIDKey, traceID)
}

// WithSpanID adds span ID to context
func WithSpanID(ctx context.Context, spanID string) context.Context {
	return context.WithValue(ctx, spanIDKey, spanID)
}

// GetCorrelationID retrieves correlation ID from context
func GetCorrelationID(ctx context.Context) string {
	id, _ := ctx.Value(correlationIDKey).(string)
	return id
}

var globalLogger = mustNewLogger(DefaultConfig())

func mustNewLogger(config *Config) *Logger {
	logger, err := NewLogger(config)
	if err != nil {
		panic(fmt.Sprintf("Failed to initialize global logger: %v", err))
	}
	return logger
}

// GetLogger returns the global logger instance
func GetLogger() *Logger {
	return globalLogger
}

// SetGlobalLogger sets the global logger instance
func SetGlobalLogger(logger *Logger) {
	globalLogger = logger
}

// Info logs an info message with key-value pairs
func (l *Logger) Info(msg string, keysAndValues ...interface{}) {
	l.WithFields(keyValueFields(keysAndValues)).Info(msg)
}

// Warn logs a warning message with key-value pairs
func (l *Logger) Warn(msg string, keysAndValues ...interface{}) {
	l.WithFields(keyValueFields(keysAndValues)).Warn(msg)
}

// Error logs an error message with key-value pairs
func (l *Logger) Error(msg string, keysAndValues ...interface{}) {
	l.WithFields(keyValueFields(keysAndValues)).Error(msg)
}

// Debug logs a debug message with key-value pairs
func (l *Logger) Debug(msg string, keysAndValues ...interface{}) {
	l.WithFields(keyValueFields(keysAndValues)).Debug(msg)
}

// keyValueFields pairs up alternating keys and values; a trailing key
// without a value is dropped
func keyValueFields(keysAndValues []interface{}) Fields {
	fields := make(Fields, len(keysAndValues)/2)
	for i := 0; i+1 < len(keysAndValues); i += 2 {
		fields[fmt.Sprint(keysAndValues[i])] = keysAndValues[i+1]
	}
	return fields
}
