package observability

import (
	"context"
	"errors"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/propagation"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"

	"github.com/popwandee/lprserver-v3-sub001/pkg/envelope"
	commerrors "github.com/popwandee/lprserver-v3-sub001/pkg/errors"
	"github.com/popwandee/lprserver-v3-sub001/pkg/transport"
)

func newRecordingTracer(t *testing.T, cfg TracingConfig) (*TracingProvider, *tracetest.SpanRecorder) {
	t.Helper()
	recorder := tracetest.NewSpanRecorder()
	tp, err := NewTracingProvider(cfg, sdktrace.WithSpanProcessor(recorder))
	require.NoError(t, err)
	t.Cleanup(func() { _ = tp.Shutdown(context.Background()) })
	return tp, recorder
}

func testEnvelope(t *testing.T, dt envelope.DataType) *envelope.Envelope {
	t.Helper()
	env, err := envelope.NewBuilder().Build(dt, &envelope.HealthPayload{Status: envelope.HealthStatusHealthy},
		"cam-01", envelope.WithMessageID("M1"))
	require.NoError(t, err)
	return env
}

func TestSendSpanRecordsAttempts(t *testing.T) {
	tp, recorder := newRecordingTracer(t, DefaultTracingConfig())
	env := testEnvelope(t, envelope.DataTypeHealth)

	ctx, span := tp.StartSendSpan(context.Background(), env)
	tp.RecordAttempt(ctx, "socket", errors.New("not connected"))
	tp.RecordAttempt(ctx, "broker", nil)
	span.End()

	spans := recorder.Ended()
	require.Len(t, spans, 1)
	assert.Equal(t, "lpr.send", spans[0].Name())

	events := spans[0].Events()
	require.Len(t, events, 2)
	assert.Equal(t, "transport.attempt", events[0].Name)

	attrs := map[string]string{}
	for _, kv := range events[1].Attributes {
		attrs[string(kv.Key)] = kv.Value.AsString()
	}
	assert.Equal(t, "broker", attrs[string(AttrTransport)])
	assert.Equal(t, "accepted", attrs[string(AttrOutcome)])
}

func TestDataTypeSampler(t *testing.T) {
	cfg := DefaultTracingConfig()
	cfg.SampleRate = -1
	cfg.AlwaysSample = []string{"detection"}
	tp, recorder := newRecordingTracer(t, cfg)

	_, span := tp.StartSendSpan(context.Background(), testEnvelope(t, envelope.DataTypeHealth))
	span.End()
	det := testEnvelope(t, envelope.DataTypeHealth)
	det.DataType = envelope.DataTypeDetection
	_, span = tp.StartSendSpan(context.Background(), det)
	span.End()

	spans := recorder.Ended()
	require.Len(t, spans, 1)
	assert.True(t, spans[0].SpanContext().IsSampled())
}

func TestInjectHeaders(t *testing.T) {
	tp, _ := newRecordingTracer(t, DefaultTracingConfig())
	ctx, span := tp.StartSpan(context.Background(), "outer")
	defer span.End()

	h := http.Header{}
	tp.InjectHeaders(ctx, h)
	assert.NotEmpty(t, h.Get("traceparent"))

	extracted := tp.Extract(context.Background(), propagation.HeaderCarrier(h))
	_, child := tp.StartSpan(extracted, "inner")
	defer child.End()
	assert.Equal(t, span.SpanContext().TraceID(), child.SpanContext().TraceID())
}

func TestUnsupportedExporter(t *testing.T) {
	_, err := NewTracingProvider(TracingConfig{ExporterType: "jaeger"})
	assert.Error(t, err)
}

func TestTracingMiddleware(t *testing.T) {
	tp, recorder := newRecordingTracer(t, DefaultTracingConfig())
	stub := transport.NewStubTransport(transport.KindRequest)
	wrapped := NewTracingMiddleware(tp).Wrap(stub)

	require.NoError(t, wrapped.Send(context.Background(), testEnvelope(t, envelope.DataTypeHealth)))
	stub.SetSendError(commerrors.RejectedByPeer("request", "/api/health", 500, "down"))
	require.Error(t, wrapped.Send(context.Background(), testEnvelope(t, envelope.DataTypeHealth)))

	spans := recorder.Ended()
	require.Len(t, spans, 2)
	assert.Equal(t, "lpr.transport.request.send", spans[0].Name())
	assert.Equal(t, codes.Ok, spans[0].Status().Code)
	assert.Equal(t, codes.Error, spans[1].Status().Code)
	assert.Equal(t, "send", spans[1].Status().Description)

	assert.Same(t, stub, transport.Underlying(wrapped))
	assert.Same(t, stub, NewTracingMiddleware(nil).Wrap(stub))
}

func TestErrorType(t *testing.T) {
	assert.Equal(t, "", ErrorType(nil))
	assert.Equal(t, "connection", ErrorType(commerrors.NotConnected("socket")))
	assert.Equal(t, "timeout", ErrorType(context.DeadlineExceeded))
	assert.Equal(t, "cancelled", ErrorType(context.Canceled))
	assert.Equal(t, "unknown", ErrorType(errors.New("x")))
}
