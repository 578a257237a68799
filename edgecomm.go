package edgecomm

import (
	"github.com/popwandee/lprserver-v3-sub001/pkg/config"
	"github.com/popwandee/lprserver-v3-sub001/pkg/envelope"
	"github.com/popwandee/lprserver-v3-sub001/pkg/ingest"
	"github.com/popwandee/lprserver-v3-sub001/pkg/service"
)

// Version is the layer's release version.
const Version = "1.0.0"

// ProtocolVersion is stamped into every envelope's metadata.
const ProtocolVersion = envelope.ProtocolVersion

// These exports provide direct access to the core components
var (
	// New builds a service from a validated configuration
	New = service.New

	// LoadConfig reads a YAML file and the LPR_* environment
	LoadConfig = config.Load

	// DefaultConfig returns the built-in configuration
	DefaultConfig = config.Default

	// NewEnvelopeBuilder creates an envelope builder
	NewEnvelopeBuilder = envelope.NewBuilder

	// ValidateEnvelope re-checks a received envelope
	ValidateEnvelope = envelope.Validate

	// NewIngestHandler creates the server half of the request transport
	NewIngestHandler = ingest.NewHandler
)

// Data types
const (
	DataTypeDetection = envelope.DataTypeDetection
	DataTypeHealth    = envelope.DataTypeHealth
	DataTypeConfig    = envelope.DataTypeConfig
	DataTypeControl   = envelope.DataTypeControl
)

// Service options
var (
	WithLogger           = service.WithLogger
	WithBrokerClient     = service.WithBrokerClient
	WithTransportOptions = service.WithTransportOptions
	WithTracerOptions    = service.WithTracerOptions
)
