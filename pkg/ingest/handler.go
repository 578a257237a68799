// Package ingest is the server half of the request transport: one endpoint
// per data type that validates the envelope and hands it to a Sink.
package ingest

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"io"
	"net/http"
	"strings"

	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"

	"github.com/popwandee/lprserver-v3-sub001/pkg/envelope"
	"github.com/popwandee/lprserver-v3-sub001/pkg/logging"
	"github.com/popwandee/lprserver-v3-sub001/pkg/observability"
	"github.com/popwandee/lprserver-v3-sub001/pkg/transport"
)

// maxBodyBytes bounds a single envelope upload. Detections carry image
// paths, not images.
const maxBodyBytes = 1 << 20

// Sink stores accepted envelopes. The relational storage layer behind it is
// an external collaborator.
type Sink interface {
	Store(ctx context.Context, env *envelope.Envelope) error
}

// SinkFunc adapts a function to Sink.
type SinkFunc func(ctx context.Context, env *envelope.Envelope) error

// Store implements Sink.
func (f SinkFunc) Store(ctx context.Context, env *envelope.Envelope) error { return f(ctx, env) }

// Handler serves POST /api/{detection,health,config,control} and GET /api/ping.
type Handler struct {
	sink   Sink
	token  string
	tracer *observability.TracingProvider
	logger logging.Logger
	mux    *http.ServeMux
	next   http.Handler
}

// Option customises a Handler.
type Option func(*Handler)

// WithToken requires "Authorization: Bearer <token>" on envelope uploads.
func WithToken(token string) Option {
	return func(h *Handler) { h.token = token }
}

// WithTracer continues the caller's trace for every upload.
func WithTracer(tp *observability.TracingProvider) Option {
	return func(h *Handler) { h.tracer = tp }
}

// WithLogger sets the structured logger.
func WithLogger(l logging.Logger) Option {
	return func(h *Handler) { h.logger = l }
}

// NewHandler creates the ingest handler.
func NewHandler(sink Sink, opts ...Option) *Handler {
	h := &Handler{sink: sink, logger: logging.Nop(), mux: http.NewServeMux()}
	for _, opt := range opts {
		opt(h)
	}
	h.logger = h.logger.WithFields(logging.String("component", "ingest"))

	h.mux.HandleFunc("GET "+transport.PingPath, h.handlePing)
	for _, dt := range envelope.DataTypes {
		path, _ := transport.EndpointPath(dt)
		h.mux.Handle("POST "+path, h.upload(dt))
	}
	h.next = logging.HTTPMiddleware(h.logger, nil)(h.mux)
	return h
}

// ServeHTTP implements http.Handler with request logging.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.next.ServeHTTP(w, r)
}

func (h *Handler) handlePing(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, transport.StatusSuccess, "pong")
}

func (h *Handler) upload(dt envelope.DataType) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		if h.tracer != nil {
			ctx = h.tracer.Extract(ctx, propagation.HeaderCarrier(r.Header))
			var span trace.Span
			ctx, span = h.tracer.StartSpan(ctx, "lpr.ingest."+string(dt),
				trace.WithSpanKind(trace.SpanKindServer),
				trace.WithAttributes(observability.AttrDataType.String(string(dt))),
			)
			defer span.End()
		}

		if !h.authorized(r) {
			writeJSON(w, http.StatusUnauthorized, transport.StatusError, "missing or invalid bearer token")
			return
		}

		body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
		if err != nil {
			writeJSON(w, http.StatusBadRequest, transport.StatusError, "error reading request body: "+err.Error())
			return
		}

		env, err := envelope.Decode(body)
		if err != nil {
			writeJSON(w, http.StatusBadRequest, transport.StatusError, err.Error())
			return
		}
		if env.DataType != dt {
			writeJSON(w, http.StatusBadRequest, transport.StatusError,
				"data_type "+string(env.DataType)+" does not match endpoint "+string(dt))
			return
		}
		if err := envelope.Validate(env); err != nil {
			writeJSON(w, http.StatusBadRequest, transport.StatusError, err.Error())
			return
		}

		if err := h.sink.Store(ctx, env); err != nil {
			h.logger.WithError(err).Error("Failed to store envelope",
				logging.String("message_id", env.MessageID),
				logging.String("data_type", string(dt)),
			)
			writeJSON(w, http.StatusInternalServerError, transport.StatusError, "failed to store "+string(dt))
			return
		}

		h.logger.Debug("Envelope stored",
			logging.String("message_id", env.MessageID),
			logging.String("device", env.EdgeDeviceID),
			logging.String("checkpoint", r.Header.Get("X-Checkpoint")),
		)
		writeJSON(w, http.StatusOK, transport.StatusSuccess, string(dt)+" stored")
	})
}

func (h *Handler) authorized(r *http.Request) bool {
	if h.token == "" {
		return true
	}
	got, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
	return ok && subtle.ConstantTimeCompare([]byte(got), []byte(h.token)) == 1
}

func writeJSON(w http.ResponseWriter, code int, status, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(transport.Response{Status: status, Message: message})
}
