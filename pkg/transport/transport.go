// Package transport provides the three edge-to-server transports behind one
// contract: a persistent socket (websocket events), stateless requests
// (HTTP POST) and a publish/subscribe broker (MQTT) with an offline queue.
//
// Each transport owns its connection lifecycle and reconnect sequence. The
// dispatcher only sees the Transport interface; optional capabilities such
// as probing or queue flushing are discovered with type assertions on the
// innermost transport returned by Underlying.
//
// Usage:
//
//	cfg := transport.DefaultBrokerConfig()
//	cfg.URL = "tcp://broker.local:1883"
//	bt := transport.NewBrokerTransport(cfg, "cam-01", transport.NewPahoClient(cfg), transport.WithLogger(logger))
//	t := transport.ChainMiddleware(
//		transport.NewObservabilityMiddleware(recorder, logger),
//		transport.NewTimeoutMiddleware(5*time.Second),
//	).Wrap(bt)
package transport

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/popwandee/lprserver-v3-sub001/pkg/envelope"
	"github.com/popwandee/lprserver-v3-sub001/pkg/health"
	"github.com/popwandee/lprserver-v3-sub001/pkg/logging"
)

// Kind identifies a transport variant. It shares its type with the health
// records so the two packages key their maps identically.
type Kind = health.Kind

const (
	KindSocket  Kind = "socket"
	KindRequest Kind = "request"
	KindBroker  Kind = "broker"
)

// Kinds lists every transport variant in fallback order.
var Kinds = []Kind{KindBroker, KindRequest, KindSocket}

// Transport is the contract shared by all three variants.
type Transport interface {
	// Kind returns the variant.
	Kind() Kind

	// Connect establishes the link. Calling it while connected is a no-op.
	Connect(ctx context.Context) error

	// Disconnect tears the link down and stops background goroutines.
	Disconnect(ctx context.Context) error

	// IsConnected reports whether Send can currently reach the server.
	IsConnected() bool

	// Send transmits env within ctx's deadline. A nil error means the
	// transport accepted the envelope: delivered, or for the broker stored
	// in the offline queue.
	Send(ctx context.Context, env *envelope.Envelope) error
}

// Reconnectable transports run a backoff sequence after link loss.
type Reconnectable interface {
	// TriggerReconnect starts a reconnect sequence unless one is running
	// or the transport is exhausted. It never blocks.
	TriggerReconnect()
	// Exhausted reports that the last sequence hit its attempt limit.
	Exhausted() bool
	// ReconnectAttempts returns the consecutive failed attempts so far.
	ReconnectAttempts() int
}

// Prober transports cannot observe link loss on their own and are probed
// by the connectivity monitor instead.
type Prober interface {
	Probe(ctx context.Context) error
}

// Flusher transports hold undelivered messages in an offline queue.
type Flusher interface {
	Flush(ctx context.Context) (int, error)
	QueueLen() int
	QueueStats() QueueStats
}

// InboundSource transports deliver server-to-device messages.
type InboundSource interface {
	Inbound() <-chan Inbound
}

// Unwrapper is implemented by middleware so capabilities of the innermost
// transport can be discovered.
type Unwrapper interface {
	Unwrap() Transport
}

// Underlying strips every middleware layer from t.
func Underlying(t Transport) Transport {
	for {
		u, ok := t.(Unwrapper)
		if !ok {
			return t
		}
		t = u.Unwrap()
	}
}

// InboundType classifies server-to-device messages.
type InboundType string

const (
	InboundConfigUpdate    InboundType = "config_update"
	InboundControl         InboundType = "control"
	InboundBlacklistUpdate InboundType = "blacklist_update"
)

// Inbound is a server-to-device message surfaced by a transport.
type Inbound struct {
	Transport  Kind            `json:"transport"`
	Type       InboundType     `json:"type"`
	Topic      string          `json:"topic,omitempty"`
	Payload    json.RawMessage `json:"payload"`
	ReceivedAt time.Time       `json:"received_at"`
}

// StateObserver is told about every state change of a transport.
type StateObserver func(kind Kind, from, to State)

// ExhaustedObserver is told when a reconnect sequence gives up.
type ExhaustedObserver func(kind Kind, err error)

// options are shared by every constructor in this package.
type options struct {
	logger      logging.Logger
	onState     StateObserver
	onExhausted ExhaustedObserver
	sleep       func(ctx context.Context, d time.Duration) error
	now         func() time.Time
	headerHook  func(ctx context.Context, h http.Header)
}

// Option customises a transport.
type Option func(*options)

// WithLogger sets the structured logger.
func WithLogger(l logging.Logger) Option {
	return func(o *options) { o.logger = l }
}

// WithStateObserver registers a callback for state transitions.
func WithStateObserver(fn StateObserver) Option {
	return func(o *options) { o.onState = fn }
}

// WithExhaustedObserver registers a callback for reconnect exhaustion.
func WithExhaustedObserver(fn ExhaustedObserver) Option {
	return func(o *options) { o.onExhausted = fn }
}

// WithSleeper replaces the cancellable sleep used between reconnect attempts.
func WithSleeper(fn func(ctx context.Context, d time.Duration) error) Option {
	return func(o *options) { o.sleep = fn }
}

// WithHeaderHook lets the request transport decorate outgoing headers, e.g.
// with trace context. Other transports ignore it.
func WithHeaderHook(fn func(ctx context.Context, h http.Header)) Option {
	return func(o *options) { o.headerHook = fn }
}

func buildOptions(kind Kind, opts []Option) options {
	o := options{
		logger: logging.Nop(),
		sleep:  sleepContext,
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(&o)
	}
	o.logger = o.logger.WithFields(
		logging.String("component", "transport"),
		logging.String("transport", string(kind)),
	)
	return o
}

// sleepContext waits for d or until ctx is done.
func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
