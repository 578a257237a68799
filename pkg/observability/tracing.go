// Package observability provides Prometheus metrics and OpenTelemetry
// tracing for the edge communication layer. Both are per-instance: nothing
// is registered on the global Prometheus registry or otel provider.
package observability

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.21.0"
	"go.opentelemetry.io/otel/trace"

	"github.com/popwandee/lprserver-v3-sub001/pkg/envelope"
)

// Span attribute keys.
const (
	AttrMessageID = attribute.Key("lpr.message_id")
	AttrDataType  = attribute.Key("lpr.data_type")
	AttrDeviceID  = attribute.Key("lpr.device_id")
	AttrTransport = attribute.Key("lpr.transport")
	AttrOutcome   = attribute.Key("lpr.outcome")
)

// TracingConfig configures OpenTelemetry tracing
type TracingConfig struct {
	// Service identification
	ServiceName    string `yaml:"service_name"`
	ServiceVersion string `yaml:"-"`
	Environment    string `yaml:"environment"`

	// Exporter configuration
	ExporterType ExporterType      `yaml:"exporter"`
	Endpoint     string            `yaml:"endpoint"` // OTLP endpoint
	Headers      map[string]string `yaml:"headers"`
	Insecure     bool              `yaml:"insecure"` // Use insecure connection (for development)

	// Sampling configuration
	SampleRate   float64  `yaml:"sample_rate"`   // 0.0 to 1.0
	AlwaysSample []string `yaml:"always_sample"` // Data types to always sample
	NeverSample  []string `yaml:"never_sample"`  // Data types to never sample

	// Performance options
	BatchTimeout time.Duration `yaml:"batch_timeout"`
	MaxBatchSize int           `yaml:"max_batch_size"`
	MaxQueueSize int           `yaml:"max_queue_size"`

	// Additional attributes
	ResourceAttributes map[string]string `yaml:"resource_attributes"`
}

// ExporterType defines the type of trace exporter
type ExporterType string

const (
	// ExporterTypeOTLPGRPC exports traces via OTLP over gRPC
	ExporterTypeOTLPGRPC ExporterType = "otlp-grpc"

	// ExporterTypeOTLPHTTP exports traces via OTLP over HTTP
	ExporterTypeOTLPHTTP ExporterType = "otlp-http"

	// ExporterTypeNoop disables trace export
	ExporterTypeNoop ExporterType = "noop"
)

// DefaultTracingConfig returns a noop exporter sampling everything.
func DefaultTracingConfig() TracingConfig {
	return TracingConfig{
		ServiceName:  "lpr-edge",
		Environment:  "production",
		ExporterType: ExporterTypeNoop,
		SampleRate:   1.0,
	}
}

// TracingProvider manages OpenTelemetry tracing
type TracingProvider struct {
	config         TracingConfig
	tracerProvider *sdktrace.TracerProvider
	tracer         trace.Tracer
	propagator     propagation.TextMapPropagator
	mu             sync.Mutex
	shutdown       func(context.Context) error
}

// NewTracingProvider creates a tracing provider. extra options are appended
// to the SDK provider options, e.g. a span processor in tests.
func NewTracingProvider(config TracingConfig, extra ...sdktrace.TracerProviderOption) (*TracingProvider, error) {
	// Set defaults
	if config.ServiceName == "" {
		config.ServiceName = "lpr-edge"
	}
	if config.ServiceVersion == "" {
		config.ServiceVersion = "unknown"
	}
	if config.Environment == "" {
		config.Environment = "production"
	}
	if config.ExporterType == "" {
		config.ExporterType = ExporterTypeNoop
	}
	if config.SampleRate == 0 {
		config.SampleRate = 1.0
	}
	if config.BatchTimeout == 0 {
		config.BatchTimeout = 5 * time.Second
	}
	if config.MaxBatchSize == 0 {
		config.MaxBatchSize = 512
	}
	if config.MaxQueueSize == 0 {
		config.MaxQueueSize = 2048
	}

	res, err := createResource(config)
	if err != nil {
		return nil, fmt.Errorf("failed to create resource: %w", err)
	}

	exporter, err := createExporter(config)
	if err != nil {
		return nil, fmt.Errorf("failed to create exporter: %w", err)
	}

	opts := []sdktrace.TracerProviderOption{
		sdktrace.WithResource(res),
		sdktrace.WithSampler(createSampler(config)),
	}
	if exporter != nil {
		opts = append(opts, sdktrace.WithBatcher(exporter,
			sdktrace.WithBatchTimeout(config.BatchTimeout),
			sdktrace.WithMaxExportBatchSize(config.MaxBatchSize),
			sdktrace.WithMaxQueueSize(config.MaxQueueSize),
		))
	}
	opts = append(opts, extra...)
	tp := sdktrace.NewTracerProvider(opts...)

	return &TracingProvider{
		config:         config,
		tracerProvider: tp,
		tracer:         tp.Tracer("github.com/popwandee/lprserver-v3-sub001"),
		propagator: propagation.NewCompositeTextMapPropagator(
			propagation.TraceContext{},
			propagation.Baggage{},
		),
		shutdown: tp.Shutdown,
	}, nil
}

// createResource creates the OpenTelemetry resource
func createResource(config TracingConfig) (*resource.Resource, error) {
	attrs := []attribute.KeyValue{
		semconv.ServiceName(config.ServiceName),
		semconv.ServiceVersion(config.ServiceVersion),
		semconv.DeploymentEnvironment(config.Environment),
	}

	for k, v := range config.ResourceAttributes {
		attrs = append(attrs, attribute.String(k, v))
	}

	return resource.NewWithAttributes(semconv.SchemaURL, attrs...), nil
}

// createExporter creates the configured trace exporter. The noop type
// returns no exporter at all.
func createExporter(config TracingConfig) (sdktrace.SpanExporter, error) {
	switch config.ExporterType {
	case ExporterTypeOTLPGRPC:
		opts := []otlptracegrpc.Option{
			otlptracegrpc.WithEndpoint(config.Endpoint),
			otlptracegrpc.WithHeaders(config.Headers),
		}
		if config.Insecure {
			opts = append(opts, otlptracegrpc.WithInsecure())
		}
		return otlptrace.New(context.Background(), otlptracegrpc.NewClient(opts...))
	case ExporterTypeOTLPHTTP:
		opts := []otlptracehttp.Option{
			otlptracehttp.WithEndpoint(config.Endpoint),
			otlptracehttp.WithHeaders(config.Headers),
		}
		if config.Insecure {
			opts = append(opts, otlptracehttp.WithInsecure())
		}
		return otlptrace.New(context.Background(), otlptracehttp.NewClient(opts...))
	case ExporterTypeNoop:
		return nil, nil
	default:
		return nil, fmt.Errorf("unsupported exporter type: %s", config.ExporterType)
	}
}

// createSampler creates a sampler based on configuration
func createSampler(config TracingConfig) sdktrace.Sampler {
	if len(config.AlwaysSample) > 0 || len(config.NeverSample) > 0 {
		return &dataTypeSampler{
			defaultRate:  config.SampleRate,
			alwaysSample: makeStringSet(config.AlwaysSample),
			neverSample:  makeStringSet(config.NeverSample),
		}
	}

	if config.SampleRate >= 1.0 {
		return sdktrace.AlwaysSample()
	} else if config.SampleRate <= 0.0 {
		return sdktrace.NeverSample()
	}
	return sdktrace.TraceIDRatioBased(config.SampleRate)
}

// StartSpan starts a new span with the given name and options
func (tp *TracingProvider) StartSpan(ctx context.Context, name string, opts ...trace.SpanStartOption) (context.Context, trace.Span) {
	return tp.tracer.Start(ctx, name, opts...)
}

// StartSendSpan starts the span covering one dispatcher send.
func (tp *TracingProvider) StartSendSpan(ctx context.Context, env *envelope.Envelope) (context.Context, trace.Span) {
	return tp.tracer.Start(ctx, "lpr.send",
		trace.WithSpanKind(trace.SpanKindProducer),
		trace.WithAttributes(
			AttrMessageID.String(env.MessageID),
			AttrDataType.String(string(env.DataType)),
			AttrDeviceID.String(env.EdgeDeviceID),
		),
	)
}

// RecordAttempt adds one transport attempt to the span in ctx.
func (tp *TracingProvider) RecordAttempt(ctx context.Context, kind string, err error) {
	outcome := "accepted"
	if err != nil {
		outcome = "failed"
	}
	attrs := []attribute.KeyValue{AttrTransport.String(kind), AttrOutcome.String(outcome)}
	if err != nil {
		attrs = append(attrs, attribute.String("error", err.Error()))
	}
	tp.AddEvent(ctx, "transport.attempt", attrs...)
}

// RecordError records an error on the current span
func (tp *TracingProvider) RecordError(ctx context.Context, err error, opts ...trace.EventOption) {
	span := trace.SpanFromContext(ctx)
	if span.IsRecording() {
		span.RecordError(err, opts...)
		span.SetStatus(codes.Error, err.Error())
	}
}

// AddEvent adds an event to the current span
func (tp *TracingProvider) AddEvent(ctx context.Context, name string, attrs ...attribute.KeyValue) {
	span := trace.SpanFromContext(ctx)
	if span.IsRecording() {
		span.AddEvent(name, trace.WithAttributes(attrs...))
	}
}

// SetAttributes sets attributes on the current span
func (tp *TracingProvider) SetAttributes(ctx context.Context, attrs ...attribute.KeyValue) {
	span := trace.SpanFromContext(ctx)
	if span.IsRecording() {
		span.SetAttributes(attrs...)
	}
}

// Extract extracts trace context from a carrier
func (tp *TracingProvider) Extract(ctx context.Context, carrier propagation.TextMapCarrier) context.Context {
	return tp.propagator.Extract(ctx, carrier)
}

// Inject injects trace context into a carrier
func (tp *TracingProvider) Inject(ctx context.Context, carrier propagation.TextMapCarrier) {
	tp.propagator.Inject(ctx, carrier)
}

// InjectHeaders writes the trace context of ctx into outgoing HTTP headers.
func (tp *TracingProvider) InjectHeaders(ctx context.Context, h http.Header) {
	tp.propagator.Inject(ctx, propagation.HeaderCarrier(h))
}

// Shutdown flushes and stops the provider. Later calls are no-ops.
func (tp *TracingProvider) Shutdown(ctx context.Context) error {
	tp.mu.Lock()
	defer tp.mu.Unlock()

	if tp.shutdown != nil {
		err := tp.shutdown(ctx)
		tp.shutdown = nil
		return err
	}
	return nil
}

// dataTypeSampler samples by the envelope data type of a send span
type dataTypeSampler struct {
	defaultRate  float64
	alwaysSample map[string]struct{}
	neverSample  map[string]struct{}
}

func (s *dataTypeSampler) ShouldSample(params sdktrace.SamplingParameters) sdktrace.SamplingResult {
	dataType := params.Name
	for _, attr := range params.Attributes {
		if attr.Key == AttrDataType {
			dataType = attr.Value.AsString()
			break
		}
	}

	if _, ok := s.alwaysSample[dataType]; ok {
		return sdktrace.SamplingResult{Decision: sdktrace.RecordAndSample}
	}
	if _, ok := s.neverSample[dataType]; ok {
		return sdktrace.SamplingResult{Decision: sdktrace.Drop}
	}

	if s.defaultRate >= 1.0 {
		return sdktrace.SamplingResult{Decision: sdktrace.RecordAndSample}
	} else if s.defaultRate <= 0.0 {
		return sdktrace.SamplingResult{Decision: sdktrace.Drop}
	}
	return sdktrace.TraceIDRatioBased(s.defaultRate).ShouldSample(params)
}

func (s *dataTypeSampler) Description() string {
	return fmt.Sprintf("DataTypeSampler{defaultRate=%.2f}", s.defaultRate)
}

func makeStringSet(items []string) map[string]struct{} {
	set := make(map[string]struct{}, len(items))
	for _, item := range items {
		set[item] = struct{}{}
	}
	return set
}
