package errors

import (
	"fmt"
	"strings"
)

// ValidationErrorData contains structured data for validation errors
type ValidationErrorData struct {
	Field      string      `json:"field"`
	Value      interface{} `json:"value,omitempty"`
	Expected   string      `json:"expected,omitempty"`
	Constraint string      `json:"constraint,omitempty"`
}

// ConfigErrorData points at the configuration key that failed
type ConfigErrorData struct {
	Key    string      `json:"key"`
	Value  interface{} `json:"value,omitempty"`
	Reason string      `json:"reason"`
}

// ValidationError creates a generic validation error
func ValidationError(message string) CommError {
	return NewError(CodeValidationError, message, CategoryValidation, SeverityError)
}

// ValidationErrorf creates a generic validation error with formatting
func ValidationErrorf(format string, args ...interface{}) CommError {
	return NewErrorf(CodeValidationError, CategoryValidation, SeverityError, format, args...)
}

// MissingField creates an error for a required field that is empty or absent
func MissingField(field string) CommError {
	return NewError(
		CodeMissingField,
		fmt.Sprintf("Missing required field: %s", field),
		CategoryValidation,
		SeverityError,
	).WithData(&ValidationErrorData{
		Field:      field,
		Constraint: "required",
	})
}

// InvalidField creates an error for a field with an unacceptable value
func InvalidField(field string, value interface{}, expected string) CommError {
	return NewError(
		CodeInvalidField,
		fmt.Sprintf("Invalid field '%s': expected %s, got %v", field, expected, value),
		CategoryValidation,
		SeverityError,
	).WithData(&ValidationErrorData{
		Field:    field,
		Value:    value,
		Expected: expected,
	})
}

// OutOfRange creates an error for a numeric field outside [min, max]
func OutOfRange(field string, value, min, max float64) CommError {
	return NewError(
		CodeOutOfRange,
		fmt.Sprintf("Field '%s' value %v outside range [%v, %v]", field, value, min, max),
		CategoryValidation,
		SeverityError,
	).WithData(&ValidationErrorData{
		Field:      field,
		Value:      value,
		Constraint: fmt.Sprintf("%v <= %s <= %v", min, field, max),
	})
}

// UnknownDataType creates an error for a data_type outside the known variants
func UnknownDataType(dataType string, known []string) CommError {
	return NewError(
		CodeUnknownDataType,
		fmt.Sprintf("Unknown data_type %q", dataType),
		CategoryValidation,
		SeverityError,
	).WithData(&ValidationErrorData{
		Field:    "data_type",
		Value:    dataType,
		Expected: "one of " + strings.Join(known, ", "),
	})
}

// ConfigError creates a fatal configuration error for key
func ConfigError(key string, value interface{}, why string) CommError {
	return NewError(
		CodeInvalidConfigValue,
		fmt.Sprintf("Invalid configuration %s: %s", key, why),
		CategoryConfig,
		SeverityCritical,
	).WithData(&ConfigErrorData{
		Key:    key,
		Value:  value,
		Reason: why,
	})
}

// NoTransportsConfigured is raised at startup when every transport is disabled
func NoTransportsConfigured() CommError {
	return NewError(
		CodeNoTransports,
		"No transports configured: enable at least one of socket, request, broker",
		CategoryConfig,
		SeverityCritical,
	)
}

// IsFatal reports whether err must stop process startup.
func IsFatal(err error) bool {
	return IsCategory(err, CategoryConfig)
}
