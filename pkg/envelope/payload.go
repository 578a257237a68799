package envelope

import (
	"bytes"
	"encoding/json"
	"strings"
	"time"

	commerrors "github.com/popwandee/lprserver-v3-sub001/pkg/errors"
)

// Payload is implemented by every typed payload variant.
type Payload interface {
	// Type is the data_type this payload travels under.
	Type() DataType
	// Validate checks the variant's required fields.
	Validate() error
}

// BoundingBox locates a plate in the source frame, in pixels.
type BoundingBox struct {
	X      int `json:"x"`
	Y      int `json:"y"`
	Width  int `json:"width"`
	Height int `json:"height"`
}

// DetectionPayload is a recognised license plate.
type DetectionPayload struct {
	LicensePlate string       `json:"license_plate"`
	Confidence   float64      `json:"confidence"`
	CameraID     string       `json:"camera_id,omitempty"`
	CheckpointID string       `json:"checkpoint_id,omitempty"`
	DetectedAt   *time.Time   `json:"detected_at,omitempty"`
	VehicleType  string       `json:"vehicle_type,omitempty"`
	VehicleColor string       `json:"vehicle_color,omitempty"`
	Province     string       `json:"province,omitempty"`
	BoundingBox  *BoundingBox `json:"bbox,omitempty"`
	ImagePath    string       `json:"image_path,omitempty"`
	Blacklisted  bool         `json:"blacklisted,omitempty"`
}

func (p *DetectionPayload) Type() DataType { return DataTypeDetection }

func (p *DetectionPayload) Validate() error {
	if strings.TrimSpace(p.LicensePlate) == "" {
		return commerrors.MissingField("payload.license_plate")
	}
	if p.Confidence < 0 || p.Confidence > 1 {
		return commerrors.OutOfRange("payload.confidence", p.Confidence, 0, 1)
	}
	if b := p.BoundingBox; b != nil && (b.Width <= 0 || b.Height <= 0) {
		return commerrors.InvalidField("payload.bbox", *b, "positive width and height")
	}
	return nil
}

// Health statuses reported by the device.
const (
	HealthStatusHealthy   = "healthy"
	HealthStatusDegraded  = "degraded"
	HealthStatusUnhealthy = "unhealthy"
)

// HealthPayload is a periodic device health report.
type HealthPayload struct {
	Status        string             `json:"status"`
	CPUPercent    float64            `json:"cpu_percent,omitempty"`
	MemoryPercent float64            `json:"memory_percent,omitempty"`
	DiskPercent   float64            `json:"disk_percent,omitempty"`
	TemperatureC  float64            `json:"temperature_c,omitempty"`
	UptimeSeconds int64              `json:"uptime_seconds,omitempty"`
	CameraOnline  *bool              `json:"camera_online,omitempty"`
	Components    map[string]string  `json:"components,omitempty"`
	Transports    map[string]float64 `json:"transport_scores,omitempty"`
}

func (p *HealthPayload) Type() DataType { return DataTypeHealth }

func (p *HealthPayload) Validate() error {
	switch p.Status {
	case HealthStatusHealthy, HealthStatusDegraded, HealthStatusUnhealthy:
	case "":
		return commerrors.MissingField("payload.status")
	default:
		return commerrors.InvalidField("payload.status", p.Status, "healthy, degraded or unhealthy")
	}
	percents := []struct {
		field string
		value float64
	}{
		{"payload.cpu_percent", p.CPUPercent},
		{"payload.memory_percent", p.MemoryPercent},
		{"payload.disk_percent", p.DiskPercent},
	}
	for _, pc := range percents {
		if pc.value < 0 || pc.value > 100 {
			return commerrors.OutOfRange(pc.field, pc.value, 0, 100)
		}
	}
	return nil
}

// ConfigPayload acknowledges or reports a configuration document.
type ConfigPayload struct {
	ConfigID string                 `json:"config_id"`
	Version  int                    `json:"version,omitempty"`
	Applied  bool                   `json:"applied"`
	Settings map[string]interface{} `json:"settings,omitempty"`
	Error    string                 `json:"error,omitempty"`
}

func (p *ConfigPayload) Type() DataType { return DataTypeConfig }

func (p *ConfigPayload) Validate() error {
	if strings.TrimSpace(p.ConfigID) == "" {
		return commerrors.MissingField("payload.config_id")
	}
	if p.Version < 0 {
		return commerrors.InvalidField("payload.version", p.Version, "non-negative version")
	}
	return nil
}

// ControlPayload is a control command or the device's response to one.
type ControlPayload struct {
	Command    string                 `json:"command"`
	CommandID  string                 `json:"command_id,omitempty"`
	Parameters map[string]interface{} `json:"parameters,omitempty"`
	Status     string                 `json:"status,omitempty"`
	Result     string                 `json:"result,omitempty"`
}

func (p *ControlPayload) Type() DataType { return DataTypeControl }

func (p *ControlPayload) Validate() error {
	if strings.TrimSpace(p.Command) == "" {
		return commerrors.MissingField("payload.command")
	}
	return nil
}

// newPayload returns an empty typed payload for t.
func newPayload(t DataType) Payload {
	switch t {
	case DataTypeDetection:
		return &DetectionPayload{}
	case DataTypeHealth:
		return &HealthPayload{}
	case DataTypeConfig:
		return &ConfigPayload{}
	case DataTypeControl:
		return &ControlPayload{}
	}
	return nil
}

// DecodePayload parses raw as the typed variant for t and validates it.
func DecodePayload(t DataType, raw json.RawMessage) (Payload, error) {
	p := newPayload(t)
	if p == nil {
		return nil, commerrors.UnknownDataType(string(t), dataTypeNames())
	}
	if !isJSONObject(raw) {
		return nil, commerrors.InvalidField("payload", string(raw), "JSON object")
	}
	if err := json.Unmarshal(raw, p); err != nil {
		return nil, commerrors.InvalidField("payload", err.Error(), "object matching "+string(t)+" schema")
	}
	if err := p.Validate(); err != nil {
		return nil, err
	}
	return p, nil
}

// TypedPayload decodes e's payload into its typed variant.
func (e *Envelope) TypedPayload() (Payload, error) {
	return DecodePayload(e.DataType, e.Payload)
}

func isJSONObject(raw []byte) bool {
	trimmed := bytes.TrimSpace(raw)
	return len(trimmed) >= 2 && trimmed[0] == '{' && trimmed[len(trimmed)-1] == '}'
}
