// Package kernellog provides structured logging for the kernel and its
// supervised components.
package kernellog

import (
	"context"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

// ContextKey is the type for context keys carried by loggers.
type ContextKey string

const (
	// TraceIDKey is the context key for a request/operation trace ID.
	TraceIDKey ContextKey = "trace_id"
	// TenantIDKey is the context key for the tenant a log line belongs to.
	TenantIDKey ContextKey = "tenant_id"
	// ServiceIDKey is the context key for the service a log line belongs to.
	ServiceIDKey ContextKey = "service_id"
)

// Logger wraps logrus.Logger with kernel-specific structured helpers.
type Logger struct {
	*logrus.Logger
	component string
}

// New creates a Logger for the named component.
func New(component, level, format string) *Logger {
	logger := logrus.New()

	logLevel, err := logrus.ParseLevel(level)
	if err != nil {
		logLevel = logrus.InfoLevel
	}
	logger.SetLevel(logLevel)

	if format == "text" {
		logger.SetFormatter(&logrus.TextFormatter{
			TimestampFormat: time.RFC3339,
			FullTimestamp:   true,
		})
	} else {
		logger.SetFormatter(&logrus.JSONFormatter{
			TimestampFormat: time.RFC3339Nano,
			FieldMap: logrus.FieldMap{
				logrus.FieldKeyTime:  "timestamp",
				logrus.FieldKeyLevel: "level",
				logrus.FieldKeyMsg:   "message",
			},
		})
	}
	logger.SetOutput(os.Stdout)

	return &Logger{Logger: logger, component: component}
}

// NewFromEnv builds a Logger using KERNEL_LOG_LEVEL and KERNEL_LOG_FORMAT,
// defaulting to info/json when unset.
func NewFromEnv(component string) *Logger {
	level := strings.TrimSpace(os.Getenv("KERNEL_LOG_LEVEL"))
	if level == "" {
		level = "info"
	}
	format := strings.TrimSpace(os.Getenv("KERNEL_LOG_FORMAT"))
	if format == "" {
		format = "json"
	}
	return New(component, level, format)
}

// WithContext returns a logrus entry annotated with trace/tenant/service IDs
// carried on ctx, if present.
func (l *Logger) WithContext(ctx context.Context) *logrus.Entry {
	entry := l.Logger.WithField("component", l.component)
	if v := ctx.Value(TraceIDKey); v != nil {
		entry = entry.WithField("trace_id", v)
	}
	if v := ctx.Value(TenantIDKey); v != nil {
		entry = entry.WithField("tenant_id", v)
	}
	if v := ctx.Value(ServiceIDKey); v != nil {
		entry = entry.WithField("service_id", v)
	}
	return entry
}

// WithFields returns an entry with the component field plus the given fields.
func (l *Logger) WithFields(fields logrus.Fields) *logrus.Entry {
	if fields == nil {
		fields = logrus.Fields{}
	}
	fields["component"] = l.component
	return l.Logger.WithFields(fields)
}

// NewTraceID generates a fresh trace ID.
func NewTraceID() string {
	return uuid.New().String()
}

// WithTraceID attaches a trace ID to ctx.
func WithTraceID(ctx context.Context, traceID string) context.Context {
	return context.WithValue(ctx, TraceIDKey, traceID)
}

// WithTenant attaches a tenant ID to ctx.
func WithTenant(ctx context.Context, tenantID string) context.Context {
	return context.WithValue(ctx, TenantIDKey, tenantID)
}

// WithServiceID attaches a service ID to ctx.
func WithServiceID(ctx context.Context, serviceID string) context.Context {
	return context.WithValue(ctx, ServiceIDKey, serviceID)
}

// LogAudit logs a capability or lifecycle audit event.
func (l *Logger) LogAudit(ctx context.Context, action, resource, resourceID, result string) {
	l.WithContext(ctx).WithFields(logrus.Fields{
		"action":      action,
		"resource":    resource,
		"resource_id": resourceID,
		"result":      result,
		"audit":       true,
	}).Info("audit")
}

// LogEvent logs an event-store append for debugging/telemetry correlation.
func (l *Logger) LogEvent(ctx context.Context, eventType string, eventID uint64, tenantID string) {
	l.WithContext(ctx).WithFields(logrus.Fields{
		"event_type": eventType,
		"event_id":   eventID,
		"tenant_id":  tenantID,
	}).Debug("event appended")
}

// Default is a process-wide fallback logger, lazily initialized.
var defaultLogger *Logger

// Default returns the process-wide logger, initializing it from the
// environment on first use.
func Default() *Logger {
	if defaultLogger == nil {
		defaultLogger = NewFromEnv("kernel")
	}
	return defaultLogger
}
