package observability

import (
	"context"
	"errors"
	"fmt"

	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/popwandee/lprserver-v3-sub001/pkg/envelope"
	commerrors "github.com/popwandee/lprserver-v3-sub001/pkg/errors"
	"github.com/popwandee/lprserver-v3-sub001/pkg/transport"
)

// TracingMiddleware opens a child span around every transport Send and
// Connect. It composes with the transport package's middleware chain.
type TracingMiddleware struct {
	tracer *TracingProvider
	// RecordPanics records a panic on the span before re-panicking.
	RecordPanics bool
}

// NewTracingMiddleware creates the middleware. A nil tracer makes Wrap
// return the transport unchanged.
func NewTracingMiddleware(tracer *TracingProvider) *TracingMiddleware {
	return &TracingMiddleware{tracer: tracer, RecordPanics: true}
}

// Wrap implements transport.Middleware.
func (m *TracingMiddleware) Wrap(next transport.Transport) transport.Transport {
	if m.tracer == nil {
		return next
	}
	return &tracingTransport{next: next, middleware: m}
}

type tracingTransport struct {
	next       transport.Transport
	middleware *TracingMiddleware
}

func (t *tracingTransport) Kind() transport.Kind { return t.next.Kind() }

func (t *tracingTransport) IsConnected() bool { return t.next.IsConnected() }

func (t *tracingTransport) Disconnect(ctx context.Context) error { return t.next.Disconnect(ctx) }

// Unwrap implements transport.Unwrapper.
func (t *tracingTransport) Unwrap() transport.Transport { return t.next }

// Send runs the wrapped Send inside a client span.
func (t *tracingTransport) Send(ctx context.Context, env *envelope.Envelope) (err error) {
	opts := []trace.SpanStartOption{
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(AttrTransport.String(string(t.Kind()))),
	}
	if env != nil {
		opts = append(opts, trace.WithAttributes(
			AttrMessageID.String(env.MessageID),
			AttrDataType.String(string(env.DataType)),
		))
	}
	ctx, span := t.middleware.tracer.StartSpan(ctx, fmt.Sprintf("lpr.transport.%s.send", t.Kind()), opts...)
	defer span.End()

	if t.middleware.RecordPanics {
		defer func() {
			if r := recover(); r != nil {
				span.RecordError(fmt.Errorf("panic: %v", r))
				span.SetStatus(codes.Error, "panic occurred")
				panic(r)
			}
		}()
	}

	err = t.next.Send(ctx, env)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, ErrorType(err))
	} else {
		span.SetStatus(codes.Ok, "")
	}
	return err
}

// Connect runs the wrapped Connect inside a span.
func (t *tracingTransport) Connect(ctx context.Context) error {
	ctx, span := t.middleware.tracer.StartSpan(ctx, fmt.Sprintf("lpr.transport.%s.connect", t.Kind()),
		trace.WithAttributes(AttrTransport.String(string(t.Kind()))),
	)
	defer span.End()

	err := t.next.Connect(ctx)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, ErrorType(err))
	}
	return err
}

// ErrorType categorizes errors for metric labels and span statuses.
func ErrorType(err error) string {
	if err == nil {
		return ""
	}
	if ce, ok := commerrors.AsCommError(err); ok {
		return string(ce.Category())
	}

	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return "timeout"
	case errors.Is(err, context.Canceled):
		return string(commerrors.CategoryCancelled)
	default:
		return "unknown"
	}
}
