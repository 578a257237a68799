package transport

import (
	"context"
	"time"

	"github.com/popwandee/lprserver-v3-sub001/pkg/envelope"
	"github.com/popwandee/lprserver-v3-sub001/pkg/logging"
)

// SendRecorder receives the outcome of every send. The observability
// package implements it on top of Prometheus.
type SendRecorder interface {
	RecordSend(kind Kind, dataType envelope.DataType, duration time.Duration, err error)
}

// ObservabilityMiddleware logs each send and connect. Send outcomes are
// forwarded to an optional SendRecorder.
type ObservabilityMiddleware struct {
	recorder SendRecorder
	logger   logging.Logger
}

// NewObservabilityMiddleware creates a new observability middleware.
// recorder may be nil.
func NewObservabilityMiddleware(recorder SendRecorder, logger logging.Logger) *ObservabilityMiddleware {
	if logger == nil {
		logger = logging.Nop()
	}
	return &ObservabilityMiddleware{
		recorder: recorder,
		logger:   logger,
	}
}

// Wrap implements the Middleware interface
func (om *ObservabilityMiddleware) Wrap(transport Transport) Transport {
	return &observabilityTransport{
		middlewareTransport: middlewareTransport{next: transport},
		middleware:          om,
	}
}

// observabilityTransport wraps a transport with observability features
type observabilityTransport struct {
	middlewareTransport
	middleware *ObservabilityMiddleware
}

// Send wraps the underlying Send with logging and the recorder
func (ot *observabilityTransport) Send(ctx context.Context, env *envelope.Envelope) error {
	kind := ot.Kind()
	var dataType envelope.DataType
	if env != nil {
		dataType = env.DataType
	}
	logger := ot.middleware.logger.WithContext(ctx).WithFields(
		logging.String("transport", string(kind)),
		logging.String("message_id", messageID(env)),
		logging.String("data_type", string(dataType)),
	)

	start := time.Now()
	err := ot.middlewareTransport.Send(ctx, env)
	duration := time.Since(start)

	if ot.middleware.recorder != nil {
		ot.middleware.recorder.RecordSend(kind, dataType, duration, err)
	}

	if err != nil {
		logger.WithError(err).Warn("Send failed", logging.Duration("duration", duration))
	} else {
		logger.Debug("Send succeeded", logging.Duration("duration", duration))
	}
	return err
}

// Connect wraps the underlying Connect with logging
func (ot *observabilityTransport) Connect(ctx context.Context) error {
	err := ot.middlewareTransport.Connect(ctx)

	logger := ot.middleware.logger.WithFields(logging.String("transport", string(ot.Kind())))
	if err != nil {
		logger.WithError(err).Warn("Connect failed")
	} else {
		logger.Info("Connected")
	}
	return err
}
