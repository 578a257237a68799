// Package dispatch is the public send API of the communication layer. A
// Dispatcher tries the selector's current transport first and, when that
// fails, walks the fallback order until some transport accepts the envelope.
package dispatch

import (
	"context"
	"sync"
	"sync/atomic"

	"go.opentelemetry.io/otel/trace"

	"github.com/popwandee/lprserver-v3-sub001/pkg/envelope"
	commerrors "github.com/popwandee/lprserver-v3-sub001/pkg/errors"
	"github.com/popwandee/lprserver-v3-sub001/pkg/health"
	"github.com/popwandee/lprserver-v3-sub001/pkg/logging"
	"github.com/popwandee/lprserver-v3-sub001/pkg/observability"
	"github.com/popwandee/lprserver-v3-sub001/pkg/selector"
	"github.com/popwandee/lprserver-v3-sub001/pkg/transport"
)

// Recorder receives the dispatcher's counters. observability.Metrics
// implements it.
type Recorder interface {
	RecordMessageSent(kind health.Kind)
	RecordError(errType string)
	RecordValidationError()
	RecordFallback()
	RecordSwitch(from, to health.Kind, reason string)
}

type nopRecorder struct{}

func (nopRecorder) RecordMessageSent(health.Kind)                 {}
func (nopRecorder) RecordError(string)                            {}
func (nopRecorder) RecordValidationError()                        {}
func (nopRecorder) RecordFallback()                               {}
func (nopRecorder) RecordSwitch(health.Kind, health.Kind, string) {}

// Stats is a snapshot of the dispatcher counters.
type Stats struct {
	MessagesSent     int64                 `json:"messages_sent"`
	Errors           int64                 `json:"errors"`
	ValidationErrors int64                 `json:"validation_errors"`
	Fallbacks        int64                 `json:"fallbacks"`
	SentBy           map[health.Kind]int64 `json:"sent_by"`
}

// Config holds the dispatcher settings.
type Config struct {
	// DeviceID is stamped on envelopes built by Submit.
	DeviceID string `yaml:"-"`
	// Compressed and Encrypted are reported in envelope metadata.
	Compressed bool `yaml:"compressed"`
	Encrypted  bool `yaml:"encrypted"`
}

// Dispatcher sends envelopes through the configured transports.
type Dispatcher struct {
	cfg        Config
	transports map[health.Kind]transport.Transport
	selector   *selector.Selector
	assessor   *health.Assessor
	builder    *envelope.Builder
	recorder   Recorder
	tracer     *observability.TracingProvider
	logger     logging.Logger

	sent             atomic.Int64
	errors           atomic.Int64
	validationErrors atomic.Int64
	fallbacks        atomic.Int64

	sentByMu sync.Mutex
	sentBy   map[health.Kind]int64
}

// Option customises a Dispatcher.
type Option func(*Dispatcher)

// WithLogger sets the structured logger.
func WithLogger(l logging.Logger) Option {
	return func(d *Dispatcher) { d.logger = l }
}

// WithRecorder mirrors counters to r.
func WithRecorder(r Recorder) Option {
	return func(d *Dispatcher) { d.recorder = r }
}

// WithTracer opens a span per Send.
func WithTracer(tp *observability.TracingProvider) Option {
	return func(d *Dispatcher) { d.tracer = tp }
}

// WithBuilder replaces the envelope builder used by Submit.
func WithBuilder(b *envelope.Builder) Option {
	return func(d *Dispatcher) { d.builder = b }
}

// New creates a dispatcher. transports must contain every kind the selector
// is configured with.
func New(cfg Config, transports []transport.Transport, sel *selector.Selector, assessor *health.Assessor, opts ...Option) (*Dispatcher, error) {
	if len(transports) == 0 {
		return nil, commerrors.NoTransportsConfigured()
	}
	d := &Dispatcher{
		cfg:        cfg,
		transports: make(map[health.Kind]transport.Transport, len(transports)),
		selector:   sel,
		assessor:   assessor,
		builder:    envelope.NewBuilder(),
		recorder:   nopRecorder{},
		logger:     logging.Nop(),
		sentBy:     make(map[health.Kind]int64),
	}
	for _, opt := range opts {
		opt(d)
	}
	d.logger = d.logger.WithFields(logging.String("component", "dispatcher"))

	for _, t := range transports {
		d.transports[t.Kind()] = t
	}
	for _, k := range sel.FallbackOrder() {
		if _, ok := d.transports[k]; !ok {
			return nil, commerrors.UnknownTransport(string(k))
		}
	}
	return d, nil
}

// Transport returns the transport registered for kind.
func (d *Dispatcher) Transport(kind health.Kind) (transport.Transport, bool) {
	t, ok := d.transports[kind]
	return t, ok
}

// Submit builds an envelope for payload and sends it. Invalid input is
// counted and rejected before any transport is touched.
func (d *Dispatcher) Submit(ctx context.Context, dataType envelope.DataType, payload interface{}, opts ...envelope.BuildOption) (*envelope.Envelope, error) {
	env, err := d.builder.Build(dataType, payload, d.cfg.DeviceID, opts...)
	if err != nil {
		d.rejectInvalid(err, string(dataType))
		return nil, err
	}
	return env, d.Send(ctx, env)
}

func (d *Dispatcher) rejectInvalid(err error, dataType string) {
	d.errors.Add(1)
	if commerrors.IsCategory(err, commerrors.CategorySerialization) {
		d.recorder.RecordError(string(commerrors.CategorySerialization))
	} else {
		d.validationErrors.Add(1)
		d.recorder.RecordValidationError()
		d.recorder.RecordError(string(commerrors.CategoryValidation))
	}
	d.logger.WithError(err).Warn("Envelope rejected", logging.String("data_type", dataType))
}

// Send delivers env through the current transport, falling back through
// the configured order. It returns nil when some transport accepted env and
// an AllTransportsFailed error when none did.
func (d *Dispatcher) Send(ctx context.Context, env *envelope.Envelope) error {
	if err := envelope.Validate(env); err != nil {
		dataType := ""
		if env != nil {
			dataType = string(env.DataType)
		}
		d.rejectInvalid(err, dataType)
		return err
	}

	var span trace.Span
	if d.tracer != nil {
		ctx, span = d.tracer.StartSendSpan(ctx, env)
		defer span.End()
	}

	current := d.selector.Current()
	attempted := make([]string, 0, len(d.transports))
	var lastErr error

	for _, kind := range d.cascade(current) {
		t := d.transports[kind]
		attempted = append(attempted, string(kind))

		err := t.Send(ctx, d.stamp(env, kind))
		if d.tracer != nil {
			d.tracer.RecordAttempt(ctx, string(kind), err)
		}
		if err != nil {
			lastErr = err
			d.assessor.RecordFailure(kind)
			d.logger.WithError(err).Debug("Transport attempt failed",
				logging.String("transport", string(kind)),
				logging.String("message_id", env.MessageID),
			)
			if ctx.Err() != nil {
				break
			}
			continue
		}

		// A broker accepting into its offline queue says nothing about the link.
		if t.IsConnected() {
			d.assessor.RecordSuccess(kind)
		}
		d.accepted(env, kind, current)
		return nil
	}

	d.errors.Add(1)
	d.recorder.RecordError(string(commerrors.CategorySend))
	err := commerrors.AllTransportsFailed(env.MessageID, attempted, lastErr)
	if d.tracer != nil {
		d.tracer.RecordError(ctx, err)
	}
	d.logger.WithError(err).Error("Envelope dropped, no transport accepted it",
		logging.String("message_id", env.MessageID),
		logging.String("data_type", string(env.DataType)),
	)
	return err
}

// cascade returns current followed by the fallback order without current.
func (d *Dispatcher) cascade(current health.Kind) []health.Kind {
	order := d.selector.FallbackOrder()
	kinds := make([]health.Kind, 0, len(order)+1)
	if _, ok := d.transports[current]; ok {
		kinds = append(kinds, current)
	}
	for _, k := range order {
		if k != current {
			kinds = append(kinds, k)
		}
	}
	return kinds
}

// stamp returns a copy of env carrying metadata for an attempt via kind.
func (d *Dispatcher) stamp(env *envelope.Envelope, kind health.Kind) *envelope.Envelope {
	out := env.Clone()
	out.Metadata.ProtocolVersion = envelope.ProtocolVersion
	out.Metadata.Compressed = d.cfg.Compressed
	out.Metadata.Encrypted = d.cfg.Encrypted
	out.Metadata.ConnectivityLevel = string(d.assessor.Assess())
	out.Metadata.HealthScore = d.assessor.Score(kind)
	out.Metadata.Transport = string(kind)
	return out
}

func (d *Dispatcher) accepted(env *envelope.Envelope, kind, current health.Kind) {
	d.sent.Add(1)
	d.sentByMu.Lock()
	d.sentBy[kind]++
	d.sentByMu.Unlock()
	d.recorder.RecordMessageSent(kind)

	if kind == current {
		return
	}
	d.fallbacks.Add(1)
	d.recorder.RecordFallback()
	if rec, switched := d.selector.SwitchTo(kind, selector.ReasonFallbackSuccess); switched {
		d.recorder.RecordSwitch(rec.From, rec.To, string(rec.Reason))
		d.logger.Info("Switched transport after fallback",
			logging.String("from", string(rec.From)),
			logging.String("to", string(rec.To)),
			logging.String("message_id", env.MessageID),
		)
	}
}

// Stats returns a snapshot of the counters.
func (d *Dispatcher) Stats() Stats {
	d.sentByMu.Lock()
	sentBy := make(map[health.Kind]int64, len(d.sentBy))
	for k, v := range d.sentBy {
		sentBy[k] = v
	}
	d.sentByMu.Unlock()

	return Stats{
		MessagesSent:     d.sent.Load(),
		Errors:           d.errors.Load(),
		ValidationErrors: d.validationErrors.Load(),
		Fallbacks:        d.fallbacks.Load(),
		SentBy:           sentBy,
	}
}
