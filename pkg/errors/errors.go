package errors

import (
	"fmt"
	"runtime"
	"time"
)

// AppError represents a standardized application error
type AppError struct {
	Code       string                 `json:"code"`
	Message    string                 `json:"message"`
	Component  string                 `json:"component"`
	Operation  string                 `json:"operation"`
	Cause      error                  `json:"cause,omitempty"`
	StackTrace string                 `json:"stack_trace,omitempty"`
	Metadata   map[string]interface{} `json:"metadata,omitempty"`
	Timestamp  time.Time              `json:"timestamp"`
	Severity   Severity               `json:"severity"`
}

// Severity levels for errors
type Severity string

const (
	SeverityCritical Severity = "critical"
	SeverityHigh     Severity = "high"
	SeverityMedium   Severity = "medium"
	SeverityLow      Severity = "low"
	SeverityInfo     Severity = "info"
)

// Error codes implementing the closed taxonomy of spec §7. Each corresponds to
// exactly one of the named failure classes; core code should construct errors
// through the convenience constructors below rather than spelling codes out.
const (
	// CodeAuth: Ingress bearer token missing or invalid. Never retried by core.
	CodeAuth = "AUTH_ERROR"

	// CodeValidation: malformed/oversized record, or unknown/disabled service.
	CodeValidation = "VALIDATION_ERROR"

	// CodeRateLimited: batch fully or partially shed by the per-service bucket.
	CodeRateLimited = "RATE_LIMITED"

	// CodeDuplicate: record suppressed by the dedup window; not a failure.
	CodeDuplicate = "DUPLICATE"

	// CodeExtraction: parser gave up; record still clustered by template.
	CodeExtraction = "EXTRACTION_ERROR"

	// CodeStoreContention: unique-violation on cluster create, recovered
	// internally by re-reading and joining the winner's cluster.
	CodeStoreContention = "STORE_CONTENTION"

	// CodeStoreUnavailable: a store call failed. The worker retries cluster
	// assignment with bounded backoff before dropping the record.
	CodeStoreUnavailable = "STORE_UNAVAILABLE"

	// CodeFetcher: pull-source adapter failed; last_fetch_at left unchanged.
	CodeFetcher = "FETCHER_ERROR"

	// CodeShutdown: work dropped because the worker pool is draining.
	CodeShutdown = "SHUTDOWN"

	// CodeConfigInvalid: config failed to load or validate at startup.
	CodeConfigInvalid = "CONFIG_INVALID"
)

// New creates a new standardized error
func New(code, component, operation, message string) *AppError {
	_, file, line, _ := runtime.Caller(1)

	return &AppError{
		Code:       code,
		Message:    message,
		Component:  component,
		Operation:  operation,
		StackTrace: fmt.Sprintf("%s:%d", file, line),
		Metadata:   make(map[string]interface{}),
		Timestamp:  time.Now(),
		Severity:   SeverityMedium, // Default severity
	}
}

// NewCritical creates a critical error
func NewCritical(code, component, operation, message string) *AppError {
	err := New(code, component, operation, message)
	err.Severity = SeverityCritical
	return err
}

// NewWithSeverity creates an error with specific severity
func NewWithSeverity(severity Severity, code, component, operation, message string) *AppError {
	err := New(code, component, operation, message)
	err.Severity = severity
	return err
}

// Error implements the error interface
func (e *AppError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("[%s:%s] %s: %s: %v", e.Component, e.Operation, e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("[%s:%s] %s: %s", e.Component, e.Operation, e.Code, e.Message)
}

// Wrap wraps another error as the cause
func (e *AppError) Wrap(cause error) *AppError {
	e.Cause = cause
	return e
}

// WithMetadata adds metadata to the error
func (e *AppError) WithMetadata(key string, value interface{}) *AppError {
	if e.Metadata == nil {
		e.Metadata = make(map[string]interface{})
	}
	e.Metadata[key] = value
	return e
}

// WithSeverity sets the severity level
func (e *AppError) WithSeverity(severity Severity) *AppError {
	e.Severity = severity
	return e
}

// ToMap converts the error to a map for structured logging
func (e *AppError) ToMap() map[string]interface{} {
	result := map[string]interface{}{
		"error_code":      e.Code,
		"error_message":   e.Message,
		"error_component": e.Component,
		"error_operation": e.Operation,
		"error_severity":  string(e.Severity),
		"error_timestamp": e.Timestamp,
	}

	if e.StackTrace != "" {
		result["error_stack_trace"] = e.StackTrace
	}

	if e.Cause != nil {
		result["error_cause"] = e.Cause.Error()
	}

	for k, v := range e.Metadata {
		result[fmt.Sprintf("error_meta_%s", k)] = v
	}

	return result
}

// Convenience functions, one per taxonomy entry in spec §7.

// Auth creates an AuthError: bearer token missing or invalid.
func Auth(operation, message string) *AppError {
	return NewWithSeverity(SeverityHigh, CodeAuth, "ingress", operation, message)
}

// Validation creates a ValidationError for a single rejected record.
func Validation(component, operation, message string) *AppError {
	return New(CodeValidation, component, operation, message)
}

// RateLimited creates a RateLimited error for a shed batch.
func RateLimited(operation, message string) *AppError {
	return New(CodeRateLimited, "ratelimit", operation, message)
}

// Duplicate creates a Duplicate marker; informational, not a failure.
func Duplicate(operation, message string) *AppError {
	return NewWithSeverity(SeverityInfo, CodeDuplicate, "dedup", operation, message)
}

// Extraction creates an ExtractionError when no parser strategy applied.
func Extraction(operation, message string) *AppError {
	return NewWithSeverity(SeverityLow, CodeExtraction, "extract", operation, message)
}

// StoreContention creates a StoreContention error for a unique-violation on
// cluster creation; callers recover by re-reading, never surface it upward.
func StoreContention(operation, message string) *AppError {
	return NewWithSeverity(SeverityLow, CodeStoreContention, "store", operation, message)
}

// StoreUnavailable creates a StoreUnavailable error for a failed store call.
func StoreUnavailable(operation, message string) *AppError {
	return NewCritical(CodeStoreUnavailable, "store", operation, message)
}

// Fetcher creates a FetcherError for a failed pull-source window read.
func Fetcher(operation, message string) *AppError {
	return New(CodeFetcher, "fetch", operation, message)
}

// Shutdown creates a Shutdown error for work dropped during pool drain.
func Shutdown(operation, message string) *AppError {
	return New(CodeShutdown, "workerpool", operation, message)
}

// ConfigError creates a configuration error.
func ConfigError(operation, message string) *AppError {
	return New(CodeConfigInvalid, "config", operation, message)
}