// Package envelope defines the transport-agnostic message wrapper every edge
// event travels in, the typed payload union selected by data_type, and the
// builder/validator that stamps identity and timestamps.
package envelope

import (
	"bytes"
	"encoding/json"
	"time"

	commerrors "github.com/popwandee/lprserver-v3-sub001/pkg/errors"
)

// DataType selects the payload variant carried by an envelope.
type DataType string

const (
	DataTypeDetection DataType = "detection"
	DataTypeHealth    DataType = "health"
	DataTypeConfig    DataType = "config"
	DataTypeControl   DataType = "control"
)

// DataTypes lists the known variants in a stable order.
var DataTypes = []DataType{DataTypeDetection, DataTypeHealth, DataTypeConfig, DataTypeControl}

// Valid reports whether d is a known variant.
func (d DataType) Valid() bool {
	switch d {
	case DataTypeDetection, DataTypeHealth, DataTypeConfig, DataTypeControl:
		return true
	}
	return false
}

func dataTypeNames() []string {
	names := make([]string, len(DataTypes))
	for i, d := range DataTypes {
		names[i] = string(d)
	}
	return names
}

const (
	// ProtocolVersion is stamped into every envelope built on this device.
	ProtocolVersion = "1.0"
	// ConnectivityUnknown is the metadata level before the dispatcher stamps one.
	ConnectivityUnknown = "unknown"

	// TimestampLayout is RFC 3339 with fixed nanoseconds so the encoding is canonical.
	TimestampLayout = "2006-01-02T15:04:05.000000000Z07:00"
)

// Metadata is transport and health information stamped at send time.
type Metadata struct {
	ProtocolVersion   string  `json:"protocol_version"`
	Compressed        bool    `json:"compression"`
	Encrypted         bool    `json:"encryption"`
	ConnectivityLevel string  `json:"connectivity_level"`
	HealthScore       float64 `json:"health_score"`
	Transport         string  `json:"transport,omitempty"`
}

// Envelope is the unit of transmission across all transports.
type Envelope struct {
	MessageID    string          `json:"message_id"`
	Timestamp    time.Time       `json:"-"`
	EdgeDeviceID string          `json:"edge_device_id"`
	DataType     DataType        `json:"data_type"`
	Payload      json.RawMessage `json:"payload"`
	Metadata     Metadata        `json:"metadata"`
}

// wire mirrors Envelope with the timestamp in its canonical string form.
type wire struct {
	MessageID    string          `json:"message_id"`
	Timestamp    string          `json:"timestamp"`
	EdgeDeviceID string          `json:"edge_device_id"`
	DataType     DataType        `json:"data_type"`
	Payload      json.RawMessage `json:"payload"`
	Metadata     Metadata        `json:"metadata"`
}

// MarshalJSON encodes the timestamp with TimestampLayout in UTC.
func (e Envelope) MarshalJSON() ([]byte, error) {
	return json.Marshal(wire{
		MessageID:    e.MessageID,
		Timestamp:    e.Timestamp.UTC().Format(TimestampLayout),
		EdgeDeviceID: e.EdgeDeviceID,
		DataType:     e.DataType,
		Payload:      e.Payload,
		Metadata:     e.Metadata,
	})
}

// UnmarshalJSON accepts any RFC 3339 timestamp and compacts the payload.
func (e *Envelope) UnmarshalJSON(data []byte) error {
	var w wire
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}
	var ts time.Time
	if w.Timestamp != "" {
		parsed, err := time.Parse(time.RFC3339Nano, w.Timestamp)
		if err != nil {
			return err
		}
		ts = parsed.UTC()
	}
	payload := w.Payload
	if len(payload) > 0 {
		var buf bytes.Buffer
		if err := json.Compact(&buf, payload); err != nil {
			return err
		}
		payload = buf.Bytes()
	}

	*e = Envelope{
		MessageID:    w.MessageID,
		Timestamp:    ts,
		EdgeDeviceID: w.EdgeDeviceID,
		DataType:     w.DataType,
		Payload:      payload,
		Metadata:     w.Metadata,
	}
	return nil
}

// Clone returns a copy whose payload slice is not shared with e.
func (e *Envelope) Clone() *Envelope {
	c := *e
	c.Payload = append(json.RawMessage(nil), e.Payload...)
	return &c
}

// Encode serialises the envelope for the wire.
func Encode(e *Envelope) ([]byte, error) {
	data, err := json.Marshal(e)
	if err != nil {
		return nil, commerrors.SerializationError("envelope", err).
			WithContext(&commerrors.Context{MessageID: e.MessageID, DeviceID: e.EdgeDeviceID, Timestamp: time.Now()})
	}
	return data, nil
}

// Decode parses wire bytes into an envelope without validating it.
func Decode(data []byte) (*Envelope, error) {
	var e Envelope
	if err := json.Unmarshal(data, &e); err != nil {
		return nil, commerrors.DecodeError("envelope", err)
	}
	return &e, nil
}
