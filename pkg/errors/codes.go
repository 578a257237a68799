package errors

// Error codes are grouped in blocks of one hundred per category.
const (
	// Validation Errors (1000-1099)
	CodeValidationError int = 1000 // Generic validation error
	CodeMissingField    int = 1001 // Required field missing
	CodeInvalidField    int = 1002 // Field has invalid value
	CodeOutOfRange      int = 1003 // Numeric field outside allowed range
	CodeUnknownDataType int = 1004 // data_type not one of the known variants

	// Connection Errors (1100-1199)
	CodeConnectionFailed  int = 1100 // Failed to establish connection
	CodeConnectionLost    int = 1101 // Connection lost during operation
	CodeConnectionTimeout int = 1102 // Connection timed out
	CodeNotConnected      int = 1103 // Operation requires an established connection

	// Send Errors (1200-1299)
	CodeSendFailure      int = 1200 // A transport rejected or failed a send
	CodeAllTransports    int = 1201 // Every transport in the fallback order failed
	CodeRejectedByPeer   int = 1202 // Server answered with a non-success status
	CodeSendTimeout      int = 1203 // Send exceeded the per-call timeout
	CodeUnknownTransport int = 1204 // Referenced transport kind is not configured

	// Queue Errors (1300-1399)
	CodeQueueOverflow int = 1300 // Offline queue full, oldest entry dropped
	CodeFlushFailed   int = 1301 // Flush stopped on a failed publish

	// Reconnect Errors (1400-1499)
	CodeMaxReconnectExceeded int = 1400 // Reconnect attempts exhausted

	// Serialization Errors (1500-1599)
	CodeSerializationError int = 1500 // Envelope could not be encoded
	CodeDecodeError        int = 1501 // Inbound bytes could not be decoded

	// Configuration Errors (1600-1699)
	CodeConfigError        int = 1600 // Generic configuration error
	CodeNoTransports       int = 1601 // No transport configured
	CodeInvalidConfigValue int = 1602 // Configuration value invalid

	// Internal Errors (1900-1999)
	CodeInternalError      int = 1900
	CodeOperationCancelled int = 1901
)

// ErrorCodeInfo provides human-readable information about error codes
type ErrorCodeInfo struct {
	Code        int
	Name        string
	Description string
	Category    Category
	Severity    Severity
}

var errorCodeRegistry = map[int]ErrorCodeInfo{
	CodeValidationError: {CodeValidationError, "ValidationError", "Validation error", CategoryValidation, SeverityError},
	CodeMissingField:    {CodeMissingField, "MissingField", "Required field missing", CategoryValidation, SeverityError},
	CodeInvalidField:    {CodeInvalidField, "InvalidField", "Invalid field value", CategoryValidation, SeverityError},
	CodeOutOfRange:      {CodeOutOfRange, "OutOfRange", "Value out of range", CategoryValidation, SeverityError},
	CodeUnknownDataType: {CodeUnknownDataType, "UnknownDataType", "Unknown data type", CategoryValidation, SeverityError},

	CodeConnectionFailed:  {CodeConnectionFailed, "ConnectionFailed", "Connection failed", CategoryConnection, SeverityError},
	CodeConnectionLost:    {CodeConnectionLost, "ConnectionLost", "Connection lost", CategoryConnection, SeverityWarning},
	CodeConnectionTimeout: {CodeConnectionTimeout, "ConnectionTimeout", "Connection timeout", CategoryConnection, SeverityError},
	CodeNotConnected:      {CodeNotConnected, "NotConnected", "Transport not connected", CategoryConnection, SeverityWarning},

	CodeSendFailure:      {CodeSendFailure, "SendFailure", "Send failed", CategorySend, SeverityError},
	CodeAllTransports:    {CodeAllTransports, "AllTransportsFailed", "All transports failed", CategorySend, SeverityCritical},
	CodeRejectedByPeer:   {CodeRejectedByPeer, "RejectedByPeer", "Server rejected message", CategorySend, SeverityError},
	CodeSendTimeout:      {CodeSendTimeout, "SendTimeout", "Send timed out", CategorySend, SeverityError},
	CodeUnknownTransport: {CodeUnknownTransport, "UnknownTransport", "Transport not configured", CategorySend, SeverityError},

	CodeQueueOverflow: {CodeQueueOverflow, "QueueOverflow", "Offline queue overflow", CategoryQueue, SeverityWarning},
	CodeFlushFailed:   {CodeFlushFailed, "FlushFailed", "Offline queue flush failed", CategoryQueue, SeverityWarning},

	CodeMaxReconnectExceeded: {CodeMaxReconnectExceeded, "MaxReconnectExceeded", "Reconnect attempts exhausted", CategoryReconnect, SeverityCritical},

	CodeSerializationError: {CodeSerializationError, "SerializationError", "Serialization failed", CategorySerialization, SeverityError},
	CodeDecodeError:        {CodeDecodeError, "DecodeError", "Decoding failed", CategorySerialization, SeverityError},

	CodeConfigError:        {CodeConfigError, "ConfigError", "Configuration error", CategoryConfig, SeverityCritical},
	CodeNoTransports:       {CodeNoTransports, "NoTransportsConfigured", "No transports configured", CategoryConfig, SeverityCritical},
	CodeInvalidConfigValue: {CodeInvalidConfigValue, "InvalidConfigValue", "Invalid configuration value", CategoryConfig, SeverityCritical},

	CodeInternalError:      {CodeInternalError, "InternalError", "Internal error", CategoryInternal, SeverityError},
	CodeOperationCancelled: {CodeOperationCancelled, "OperationCancelled", "Operation cancelled", CategoryCancelled, SeverityInfo},
}

// GetErrorCodeInfo returns information about an error code
func GetErrorCodeInfo(code int) (ErrorCodeInfo, bool) {
	info, exists := errorCodeRegistry[code]
	return info, exists
}

// GetErrorCodeName returns the name of an error code
func GetErrorCodeName(code int) string {
	if info, exists := errorCodeRegistry[code]; exists {
		return info.Name
	}
	return "UnknownError"
}

// GetErrorCodeCategory returns the category of an error code
func GetErrorCodeCategory(code int) Category {
	if info, exists := errorCodeRegistry[code]; exists {
		return info.Category
	}
	return CategoryInternal
}

// GetErrorCodeSeverity returns the severity of an error code
func GetErrorCodeSeverity(code int) Severity {
	if info, exists := errorCodeRegistry[code]; exists {
		return info.Severity
	}
	return SeverityError
}

// ListErrorCodes returns all registered error codes
func ListErrorCodes() []ErrorCodeInfo {
	codes := make([]ErrorCodeInfo, 0, len(errorCodeRegistry))
	for _, info := range errorCodeRegistry {
		codes = append(codes, info)
	}
	return codes
}
