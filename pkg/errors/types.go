// Package errors provides structured error handling for the edge
// communication layer. Every error carries a numeric code, a category used
// for counting and routing decisions, and a severity used by the logger.
package errors

import (
	"encoding/json"
	stderrors "errors"
	"fmt"
	"time"
)

// Category represents the type/category of an error for classification and handling
type Category string

const (
	CategoryValidation    Category = "validation"
	CategoryConnection    Category = "connection"
	CategorySend          Category = "send"
	CategoryQueue         Category = "queue"
	CategoryReconnect     Category = "reconnect"
	CategorySerialization Category = "serialization"
	CategoryConfig        Category = "config"
	CategoryInternal      Category = "internal"
	CategoryCancelled     Category = "cancelled"
)

// Severity indicates how critical an error is
type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityWarning  Severity = "warning"
	SeverityError    Severity = "error"
	SeverityCritical Severity = "critical"
)

// Context provides additional context about where and when an error occurred
type Context struct {
	MessageID string    `json:"message_id,omitempty"`
	DeviceID  string    `json:"edge_device_id,omitempty"`
	Transport string    `json:"transport,omitempty"`
	Timestamp time.Time `json:"timestamp"`
	Component string    `json:"component,omitempty"`
	Operation string    `json:"operation,omitempty"`
	TraceID   string    `json:"trace_id,omitempty"`
}

// CommError defines the interface for all errors raised by this module
type CommError interface {
	error

	// Code returns the numeric error code
	Code() int

	// Message returns a human-readable error message
	Message() string

	// Details returns detailed technical description for debugging
	Details() string

	// Data returns structured error data for programmatic handling
	Data() interface{}

	// Category returns the error category for classification
	Category() Category

	// Severity returns the error severity level
	Severity() Severity

	// Context returns the error context information
	Context() *Context

	// WithContext returns a new error with the provided context
	WithContext(ctx *Context) CommError

	// WithDetail returns a new error with additional detail
	WithDetail(detail string) CommError

	// WithData returns a new error with structured data
	WithData(data interface{}) CommError

	// Unwrap returns the underlying error for error chain traversal
	Unwrap() error

	// ToJSON returns the error as a JSON-serializable map
	ToJSON() map[string]interface{}
}

type baseError struct {
	code     int
	message  string
	details  string
	data     interface{}
	category Category
	severity Severity
	context  *Context
	cause    error
}

func (e *baseError) Error() string {
	if e.details != "" {
		return fmt.Sprintf("%s: %s", e.message, e.details)
	}
	return e.message
}

func (e *baseError) Code() int { return e.code }
func (e *baseError) Message() string { return e.message }
func (e *baseError) Details() string { return e.details }
func (e *baseError) Data() interface{} { return e.data }
func (e *baseError) Category() Category { return e.category }
func (e *baseError) Severity() Severity { return e.severity }
func (e *baseError) Context() *Context { return e.context }
func (e *baseError) Unwrap() error { return e.cause }

// WithContext returns a new error with the provided context
func (e *baseError) WithContext(ctx *Context) CommError {
	newErr := *e
	newErr.context = ctx
	return &newErr
}

// WithDetail returns a new error with additional detail
func (e *baseError) WithDetail(detail string) CommError {
	newErr := *e
	if newErr.details != "" {
		newErr.details = fmt.Sprintf("%s; %s", newErr.details, detail)
	} else {
		newErr.details = detail
	}
	return &newErr
}

// WithData returns a new error with structured data
func (e *baseError) WithData(data interface{}) CommError {
	newErr := *e
	newErr.data = data
	return &newErr
}

// ToJSON returns the error as a JSON-serializable map
func (e *baseError) ToJSON() map[string]interface{} {
	result := map[string]interface{}{
		"code":     e.code,
		"name":     GetErrorCodeName(e.code),
		"message":  e.message,
		"category": string(e.category),
		"severity": string(e.severity),
	}

	if e.details != "" {
		result["details"] = e.details
	}
	if e.data != nil {
		result["data"] = e.data
	}
	if e.context != nil {
		result["context"] = e.context
	}
	if e.cause != nil {
		result["cause"] = e.cause.Error()
	}

	return result
}

// MarshalJSON implements json.Marshaler for baseError
func (e *baseError) MarshalJSON() ([]byte, error) {
	return json.Marshal(e.ToJSON())
}

// NewError creates a new CommError with the specified parameters
func NewError(code int, message string, category Category, severity Severity) CommError {
	return &baseError{
		code:     code,
		message:  message,
		category: category,
		severity: severity,
		context:  &Context{Timestamp: time.Now()},
	}
}

// NewErrorf creates a new CommError with formatted message
func NewErrorf(code int, category Category, severity Severity, format string, args ...interface{}) CommError {
	return NewError(code, fmt.Sprintf(format, args...), category, severity)
}

// WrapError wraps an existing error as a CommError
func WrapError(err error, code int, message string, category Category, severity Severity) CommError {
	return &baseError{
		code:     code,
		message:  message,
		category: category,
		severity: severity,
		cause:    err,
		context:  &Context{Timestamp: time.Now()},
	}
}

// WrapErrorf wraps an existing error as a CommError with formatted message
func WrapErrorf(err error, code int, category Category, severity Severity, format string, args ...interface{}) CommError {
	return WrapError(err, code, fmt.Sprintf(format, args...), category, severity)
}

// AsCommError extracts the outermost CommError from an error chain.
func AsCommError(err error) (CommError, bool) {
	if err == nil {
		return nil, false
	}
	var ce CommError
	if stderrors.As(err, &ce) {
		return ce, true
	}
	return nil, false
}

// IsCommError checks if an error chain contains a CommError
func IsCommError(err error) bool {
	_, ok := AsCommError(err)
	return ok
}

// IsCategory checks if an error is of a specific category
func IsCategory(err error, category Category) bool {
	if ce, ok := AsCommError(err); ok {
		return ce.Category() == category
	}
	return false
}

// IsCode checks if an error has a specific error code
func IsCode(err error, code int) bool {
	if ce, ok := AsCommError(err); ok {
		return ce.Code() == code
	}
	return false
}

// CategoryOf returns the category of err, or CategoryInternal for plain errors.
func CategoryOf(err error) Category {
	if ce, ok := AsCommError(err); ok {
		return ce.Category()
	}
	return CategoryInternal
}
