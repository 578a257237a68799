package errors

import (
	"fmt"
	"net/url"
	"time"
)

// TransportErrorData contains structured data for send-related errors
type TransportErrorData struct {
	Transport    string        `json:"transport"`
	Operation    string        `json:"operation,omitempty"`
	Endpoint     string        `json:"endpoint,omitempty"`
	MessageID    string        `json:"message_id,omitempty"`
	Connected    bool          `json:"connected"`
	Retryable    bool          `json:"retryable"`
	Reason       string        `json:"reason,omitempty"`
	StatusCode   int           `json:"status_code,omitempty"`
	ResponseTime time.Duration `json:"response_time,omitempty"`
}

// ConnectionErrorData contains structured data for connection-related errors
type ConnectionErrorData struct {
	Transport string        `json:"transport"`
	Endpoint  string        `json:"endpoint,omitempty"`
	Timeout   time.Duration `json:"timeout,omitempty"`
	Retryable bool          `json:"retryable"`
	Reason    string        `json:"reason,omitempty"`
}

// QueueErrorData describes the offline queue when an overflow or flush error occurs
type QueueErrorData struct {
	Capacity   int    `json:"capacity"`
	Depth      int    `json:"depth"`
	Dropped    uint64 `json:"dropped"`
	DroppedID  string `json:"dropped_message_id,omitempty"`
	Topic      string `json:"topic,omitempty"`
	Remaining  int    `json:"remaining,omitempty"`
	FlushCount int    `json:"flushed,omitempty"`
}

// ReconnectErrorData describes an exhausted reconnect sequence
type ReconnectErrorData struct {
	Transport   string        `json:"transport"`
	Attempts    int           `json:"attempts"`
	MaxAttempts int           `json:"max_attempts"`
	LastDelay   time.Duration `json:"last_delay,omitempty"`
	LastError   string        `json:"last_error,omitempty"`
}

func reason(cause error) string {
	if cause == nil {
		return ""
	}
	return cause.Error()
}

func endpointHost(endpoint string) string {
	if endpoint == "" {
		return ""
	}
	if u, err := url.Parse(endpoint); err == nil && u.Host != "" {
		return u.Host
	}
	return endpoint
}

// ConnectionFailed creates an error for connection failures
func ConnectionFailed(transport, endpoint string, cause error) CommError {
	message := fmt.Sprintf("Failed to connect via %s", transport)
	if endpoint != "" {
		message = fmt.Sprintf("Failed to connect to %s via %s", endpoint, transport)
	}
	if cause != nil {
		message = fmt.Sprintf("%s: %s", message, cause.Error())
	}

	return WrapError(
		cause,
		CodeConnectionFailed,
		message,
		CategoryConnection,
		SeverityError,
	).WithData(&ConnectionErrorData{
		Transport: transport,
		Endpoint:  endpointHost(endpoint),
		Retryable: true,
		Reason:    reason(cause),
	})
}

// ConnectionLost creates an error for lost connections
func ConnectionLost(transport, endpoint string, cause error) CommError {
	message := fmt.Sprintf("Lost connection via %s", transport)
	if endpoint != "" {
		message = fmt.Sprintf("Lost connection to %s via %s", endpoint, transport)
	}
	if cause != nil {
		message = fmt.Sprintf("%s: %s", message, cause.Error())
	}

	return WrapError(
		cause,
		CodeConnectionLost,
		message,
		CategoryConnection,
		SeverityWarning,
	).WithData(&ConnectionErrorData{
		Transport: transport,
		Endpoint:  endpointHost(endpoint),
		Retryable: true,
		Reason:    reason(cause),
	})
}

// ConnectionTimeout creates an error for connection timeouts
func ConnectionTimeout(transport, endpoint string, timeout time.Duration) CommError {
	message := fmt.Sprintf("Connection timeout via %s", transport)
	if endpoint != "" {
		message = fmt.Sprintf("Connection timeout to %s via %s", endpoint, transport)
	}
	if timeout > 0 {
		message = fmt.Sprintf("%s after %v", message, timeout)
	}

	return NewError(
		CodeConnectionTimeout,
		message,
		CategoryConnection,
		SeverityError,
	).WithData(&ConnectionErrorData{
		Transport: transport,
		Endpoint:  endpointHost(endpoint),
		Timeout:   timeout,
		Retryable: true,
		Reason:    "timeout",
	})
}

// NotConnected is returned by transports that cannot send without a live link
func NotConnected(transport string) CommError {
	return NewError(
		CodeNotConnected,
		fmt.Sprintf("%s transport is not connected", transport),
		CategoryConnection,
		SeverityWarning,
	).WithData(&TransportErrorData{
		Transport: transport,
		Operation: "send",
		Connected: false,
		Retryable: true,
		Reason:    "not connected",
	})
}

// SendFailed creates an error for a failed send on one transport
func SendFailed(transport, messageID string, cause error) CommError {
	message := fmt.Sprintf("Send via %s failed", transport)
	if cause != nil {
		message = fmt.Sprintf("%s: %s", message, cause.Error())
	}

	return WrapError(
		cause,
		CodeSendFailure,
		message,
		CategorySend,
		SeverityError,
	).WithData(&TransportErrorData{
		Transport: transport,
		Operation: "send",
		MessageID: messageID,
		Connected: true,
		Retryable: true,
		Reason:    reason(cause),
	})
}

// SendTimeout creates an error for a send that exceeded its deadline
func SendTimeout(transport, messageID string, timeout time.Duration) CommError {
	return NewError(
		CodeSendTimeout,
		fmt.Sprintf("Send via %s timed out after %v", transport, timeout),
		CategorySend,
		SeverityError,
	).WithData(&TransportErrorData{
		Transport: transport,
		Operation: "send",
		MessageID: messageID,
		Retryable: true,
		Reason:    "timeout",
	})
}

// RejectedByPeer creates an error for a server response that was not a success
func RejectedByPeer(transport, endpoint string, statusCode int, serverMessage string) CommError {
	message := fmt.Sprintf("%s endpoint %s rejected message with status %d", transport, endpoint, statusCode)
	if serverMessage != "" {
		message = fmt.Sprintf("%s: %s", message, serverMessage)
	}

	return NewError(
		CodeRejectedByPeer,
		message,
		CategorySend,
		SeverityError,
	).WithData(&TransportErrorData{
		Transport:  transport,
		Operation:  "send",
		Endpoint:   endpoint,
		Connected:  true,
		Retryable:  statusCode >= 500,
		StatusCode: statusCode,
		Reason:     serverMessage,
	})
}

// AllTransportsFailed is returned by the dispatcher when no transport accepted an envelope
func AllTransportsFailed(messageID string, attempted []string, last error) CommError {
	return WrapError(
		last,
		CodeAllTransports,
		fmt.Sprintf("Message %s dropped: all transports failed %v", messageID, attempted),
		CategorySend,
		SeverityCritical,
	).WithData(&TransportErrorData{
		Operation: "dispatch",
		MessageID: messageID,
		Reason:    reason(last),
	})
}

// UnknownTransport is returned when an operation names a transport that is not configured
func UnknownTransport(transport string) CommError {
	return NewError(
		CodeUnknownTransport,
		fmt.Sprintf("Transport %q is not configured", transport),
		CategorySend,
		SeverityError,
	).WithData(&TransportErrorData{Transport: transport})
}

// QueueOverflow records a drop-oldest eviction from the offline queue
func QueueOverflow(capacity int, dropped uint64, droppedID, topic string) CommError {
	return NewError(
		CodeQueueOverflow,
		fmt.Sprintf("Offline queue full (capacity %d), dropped oldest message %s", capacity, droppedID),
		CategoryQueue,
		SeverityWarning,
	).WithData(&QueueErrorData{
		Capacity:  capacity,
		Depth:     capacity,
		Dropped:   dropped,
		DroppedID: droppedID,
		Topic:     topic,
	})
}

// FlushFailed records a flush that stopped on a failed publish
func FlushFailed(flushed, remaining int, cause error) CommError {
	return WrapError(
		cause,
		CodeFlushFailed,
		fmt.Sprintf("Offline queue flush stopped after %d messages, %d remaining", flushed, remaining),
		CategoryQueue,
		SeverityWarning,
	).WithData(&QueueErrorData{
		FlushCount: flushed,
		Remaining:  remaining,
	})
}

// MaxReconnectExceeded is emitted when a reconnect sequence gives up
func MaxReconnectExceeded(transport string, attempts, maxAttempts int, last error) CommError {
	return WrapError(
		last,
		CodeMaxReconnectExceeded,
		fmt.Sprintf("%s transport gave up after %d reconnect attempts", transport, attempts),
		CategoryReconnect,
		SeverityCritical,
	).WithData(&ReconnectErrorData{
		Transport:   transport,
		Attempts:    attempts,
		MaxAttempts: maxAttempts,
		LastError:   reason(last),
	})
}

// SerializationError wraps an encoding failure
func SerializationError(what string, cause error) CommError {
	return WrapError(
		cause,
		CodeSerializationError,
		fmt.Sprintf("Failed to encode %s: %s", what, reason(cause)),
		CategorySerialization,
		SeverityError,
	)
}

// DecodeError wraps a decoding failure of inbound bytes
func DecodeError(what string, cause error) CommError {
	return WrapError(
		cause,
		CodeDecodeError,
		fmt.Sprintf("Failed to decode %s: %s", what, reason(cause)),
		CategorySerialization,
		SeverityError,
	)
}

// OperationCancelled wraps a context cancellation
func OperationCancelled(operation string, cause error) CommError {
	return WrapError(
		cause,
		CodeOperationCancelled,
		fmt.Sprintf("%s cancelled", operation),
		CategoryCancelled,
		SeverityInfo,
	)
}
