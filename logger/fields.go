package logger

import (
	"context"

	"go.uber.org/zap"
)

// Standard field names for consistent structured logging across tempo.
// Use these constants instead of raw strings to ensure consistency.
const (
	// Identity
	FieldJobKey         = "job_key"
	FieldTriggerKey     = "trigger_key"
	FieldFireInstanceID = "fire_instance_id"
	FieldInstanceID     = "instance_id"
	FieldSchedulerName  = "scheduler"
	FieldHandler        = "handler"
	FieldCalendar       = "calendar"

	// Components
	FieldComponent = "component"
	FieldStore     = "store"
	FieldLock      = "lock"

	// Timing
	FieldDurationMS        = "duration_ms"
	FieldFireTime          = "fire_time"
	FieldScheduledFireTime = "scheduled_fire_time"
	FieldNextFireTime      = "next_fire_time"
	FieldWait              = "wait"
	FieldBackoff           = "backoff"

	// Errors
	FieldError    = "error"
	FieldAttempts = "attempts"

	// Counts and status
	FieldCount       = "count"
	FieldState       = "state"
	FieldInstruction = "instruction"
	FieldWorkers     = "workers"

	// Symbol field used by symbol-aware helpers (see symbol.go)
	FieldSymbol = "symbol"
)

// Context keys for propagating logging context
type contextKey string

const (
	triggerKeyKey contextKey = "logger_trigger_key"
	jobKeyKey     contextKey = "logger_job_key"
	componentKey  contextKey = "logger_component"
)

// WithTriggerKey adds a trigger key to the context for logging
func WithTriggerKey(ctx context.Context, key string) context.Context {
	return context.WithValue(ctx, triggerKeyKey, key)
}

// WithJobKey adds a job key to the context for logging
func WithJobKey(ctx context.Context, key string) context.Context {
	return context.WithValue(ctx, jobKeyKey, key)
}

// WithComponent adds a component name to the context for logging
func WithComponent(ctx context.Context, component string) context.Context {
	return context.WithValue(ctx, componentKey, component)
}

// FieldsFromContext extracts logging fields from context.
// Returns key-value pairs suitable for use with Infow/Errorw/etc.
func FieldsFromContext(ctx context.Context) []interface{} {
	var fields []interface{}

	if key, ok := ctx.Value(triggerKeyKey).(string); ok && key != "" {
		fields = append(fields, FieldTriggerKey, key)
	}
	if key, ok := ctx.Value(jobKeyKey).(string); ok && key != "" {
		fields = append(fields, FieldJobKey, key)
	}
	if component, ok := ctx.Value(componentKey).(string); ok && component != "" {
		fields = append(fields, FieldComponent, component)
	}

	return fields
}

// LoggerFromContext returns a logger with fields extracted from context.
func LoggerFromContext(ctx context.Context) *zap.SugaredLogger {
	fields := FieldsFromContext(ctx)
	if len(fields) == 0 {
		return Logger
	}
	return Logger.With(fields...)
}

// ComponentLogger returns a named logger for a specific component.
// This is the preferred way to get a logger for dependency injection.
//
// Example:
//
//	type WorkerPool struct {
//	    logger *zap.SugaredLogger
//	}
//
//	func NewWorkerPool() *WorkerPool {
//	    return &WorkerPool{
//	        logger: logger.ComponentLogger("pulse.worker"),
//	    }
//	}
func ComponentLogger(name string) *zap.SugaredLogger {
	return Logger.Named(name)
}
