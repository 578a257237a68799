package envelope

import (
	"bytes"
	"encoding/json"
	"strings"
	"time"

	"github.com/google/uuid"

	commerrors "github.com/popwandee/lprserver-v3-sub001/pkg/errors"
)

// Builder turns caller payloads into fully populated envelopes. It holds no
// mutable state and is safe for concurrent use.
type Builder struct {
	now   func() time.Time
	newID func() string
}

// BuilderOption customises a Builder.
type BuilderOption func(*Builder)

// WithClock replaces the time source used for absent timestamps.
func WithClock(now func() time.Time) BuilderOption {
	return func(b *Builder) { b.now = now }
}

// WithIDGenerator replaces the message id source used for absent ids.
func WithIDGenerator(gen func() string) BuilderOption {
	return func(b *Builder) { b.newID = gen }
}

// NewBuilder creates a Builder stamping UUIDv4 ids and wall-clock time.
func NewBuilder(opts ...BuilderOption) *Builder {
	b := &Builder{
		now:   time.Now,
		newID: uuid.NewString,
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// BuildOption supplies caller values that the builder must not overwrite.
type BuildOption func(*Envelope)

// WithMessageID keeps an existing message id, e.g. when re-sending.
func WithMessageID(id string) BuildOption {
	return func(e *Envelope) { e.MessageID = id }
}

// WithTimestamp keeps the creation time supplied by the caller.
func WithTimestamp(ts time.Time) BuildOption {
	return func(e *Envelope) { e.Timestamp = ts }
}

// Build validates the inputs and returns an envelope with every field set.
// payload may be a typed Payload, a map, any JSON-encodable struct, or raw
// JSON bytes; it must encode to a JSON object matching dataType's schema.
func (b *Builder) Build(dataType DataType, payload interface{}, deviceID string, opts ...BuildOption) (*Envelope, error) {
	if strings.TrimSpace(deviceID) == "" {
		return nil, commerrors.MissingField("edge_device_id")
	}
	if !dataType.Valid() {
		return nil, commerrors.UnknownDataType(string(dataType), dataTypeNames())
	}
	if p, ok := payload.(Payload); ok && p.Type() != dataType {
		return nil, commerrors.InvalidField("payload", string(p.Type()), "payload of type "+string(dataType))
	}

	raw, err := encodePayload(payload)
	if err != nil {
		return nil, err
	}
	if _, err := DecodePayload(dataType, raw); err != nil {
		return nil, err
	}

	env := &Envelope{
		EdgeDeviceID: deviceID,
		DataType:     dataType,
		Payload:      raw,
		Metadata: Metadata{
			ProtocolVersion:   ProtocolVersion,
			ConnectivityLevel: ConnectivityUnknown,
		},
	}
	for _, opt := range opts {
		opt(env)
	}
	if env.MessageID == "" {
		env.MessageID = b.newID()
	}
	if env.Timestamp.IsZero() {
		env.Timestamp = b.now().UTC()
	}

	return env, nil
}

// encodePayload produces compact JSON for payload, rejecting non-objects.
func encodePayload(payload interface{}) (json.RawMessage, error) {
	var data []byte
	switch v := payload.(type) {
	case nil:
		return nil, commerrors.MissingField("payload")
	case json.RawMessage:
		data = v
	case []byte:
		data = v
	default:
		encoded, err := json.Marshal(v)
		if err != nil {
			return nil, commerrors.SerializationError("payload", err)
		}
		data = encoded
	}

	if !isJSONObject(data) {
		return nil, commerrors.InvalidField("payload", string(data), "JSON object")
	}
	var buf bytes.Buffer
	if err := json.Compact(&buf, data); err != nil {
		return nil, commerrors.InvalidField("payload", err.Error(), "well-formed JSON object")
	}
	return buf.Bytes(), nil
}

// Validate re-checks an envelope received from elsewhere, e.g. by the ingest server.
func Validate(e *Envelope) error {
	if e == nil {
		return commerrors.ValidationError("envelope is nil")
	}
	if e.MessageID == "" {
		return commerrors.MissingField("message_id")
	}
	if e.Timestamp.IsZero() {
		return commerrors.MissingField("timestamp")
	}
	if strings.TrimSpace(e.EdgeDeviceID) == "" {
		return commerrors.MissingField("edge_device_id")
	}
	if !e.DataType.Valid() {
		return commerrors.UnknownDataType(string(e.DataType), dataTypeNames())
	}
	if e.Metadata.ProtocolVersion == "" {
		return commerrors.MissingField("metadata.protocol_version")
	}
	if e.Metadata.HealthScore < 0 || e.Metadata.HealthScore > 1 {
		return commerrors.OutOfRange("metadata.health_score", e.Metadata.HealthScore, 0, 1)
	}
	if _, err := DecodePayload(e.DataType, e.Payload); err != nil {
		return err
	}
	return nil
}
