package logger

import (
	"context"

	"go.uber.org/zap"
)

// Standard field names for structured logging.
// Use these constants instead of raw strings so log queries stay stable.
const (
	// Identity
	FieldScanID    = "scan_id"
	FieldCommandID = "command_id"
	FieldEventID   = "event_id"
	FieldFileID    = "file_id"
	FieldInstance  = "instance"
	FieldWorkerID  = "worker_id"

	// Components
	FieldComponent = "component"
	FieldSymbol    = "symbol"

	// Pipeline
	FieldStage   = "stage"
	FieldReason  = "reason"
	FieldVersion = "version"

	// Timing
	FieldDurationMS = "duration_ms"
	FieldInterval   = "interval"
	FieldBackoff    = "backoff"

	// Errors
	FieldError = "error"

	// Counts
	FieldCount = "count"

	// Status
	FieldStatus = "status"
	FieldState  = "state"

	// Files and paths
	FieldFile     = "file"
	FieldPath     = "path"
	FieldLocation = "location"
)

type contextKey string

const (
	scanIDKey    contextKey = "logger_scan_id"
	componentKey contextKey = "logger_component"
)

// WithScanID adds a scan ID to the context for logging
func WithScanID(ctx context.Context, scanID string) context.Context {
	return context.WithValue(ctx, scanIDKey, scanID)
}

// WithComponent adds a component name to the context for logging
func WithComponent(ctx context.Context, component string) context.Context {
	return context.WithValue(ctx, componentKey, component)
}

// FieldsFromContext extracts logging fields from context.
func FieldsFromContext(ctx context.Context) []interface{} {
	var fields []interface{}

	if scanID, ok := ctx.Value(scanIDKey).(string); ok && scanID != "" {
		fields = append(fields, FieldScanID, scanID)
	}
	if component, ok := ctx.Value(componentKey).(string); ok && component != "" {
		fields = append(fields, FieldComponent, component)
	}

	return fields
}

// FromContext returns base enriched with the fields carried by ctx.
// A nil base falls back to the global Logger.
func FromContext(ctx context.Context, base *zap.SugaredLogger) *zap.SugaredLogger {
	if base == nil {
		base = Logger
	}
	fields := FieldsFromContext(ctx)
	if len(fields) == 0 {
		return base
	}
	return base.With(fields...)
}


// ComponentLogger returns the global logger named for one component
func ComponentLogger(name string) *zap.SugaredLogger {
	return Logger.Named(name)
}
