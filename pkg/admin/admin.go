// Package admin serves the operator surface of an edge device: a status
// document, manual reconnect, health reset and the Prometheus scrape.
package admin

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	commerrors "github.com/popwandee/lprserver-v3-sub001/pkg/errors"
	"github.com/popwandee/lprserver-v3-sub001/pkg/health"
	"github.com/popwandee/lprserver-v3-sub001/pkg/logging"
	"github.com/popwandee/lprserver-v3-sub001/pkg/selector"
	"github.com/popwandee/lprserver-v3-sub001/pkg/transport"
)

// TransportStatus describes one configured transport.
type TransportStatus struct {
	health.Record
	State string                `json:"state"`
	Queue *transport.QueueStats `json:"queue,omitempty"`
}

// Status is the document returned by GET /status.
type Status struct {
	DeviceID   string                  `json:"device_id"`
	Current    health.Kind             `json:"current"`
	Level      health.Level            `json:"level"`
	Transports []TransportStatus       `json:"transports"`
	Switches   []selector.SwitchRecord `json:"switches"`
	Counters   interface{}             `json:"counters,omitempty"`
	At         time.Time               `json:"at"`
}

// Controller is the part of the service the admin surface drives.
type Controller interface {
	Status() Status
	// Connect runs an operator-initiated connect of kind, clearing an
	// exhausted reconnect sequence.
	Connect(ctx context.Context, kind health.Kind) error
	// ResetHealth restores kind's health record to a fresh score.
	ResetHealth(kind health.Kind) error
}

// Handler routes the admin endpoints.
type Handler struct {
	ctrl    Controller
	metrics http.Handler
	logger  logging.Logger
	next    http.Handler
}

// Option customises a Handler.
type Option func(*Handler)

// WithMetrics serves h on GET /metrics.
func WithMetrics(h http.Handler) Option {
	return func(a *Handler) { a.metrics = h }
}

// WithLogger sets the structured logger.
func WithLogger(l logging.Logger) Option {
	return func(a *Handler) { a.logger = l }
}

// NewHandler creates the admin handler.
func NewHandler(ctrl Controller, opts ...Option) *Handler {
	h := &Handler{ctrl: ctrl, logger: logging.Nop()}
	for _, opt := range opts {
		opt(h)
	}
	h.logger = h.logger.WithFields(logging.String("component", "admin"))

	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", h.handleHealthz)
	mux.HandleFunc("GET /status", h.handleStatus)
	mux.HandleFunc("POST /transports/{kind}/connect", h.handleConnect)
	mux.HandleFunc("POST /transports/{kind}/reset", h.handleReset)
	if h.metrics != nil {
		mux.Handle("GET /metrics", h.metrics)
	}
	h.next = logging.HTTPMiddleware(h.logger, &logging.PrefixedGenerator{Prefix: "admin", Generator: &logging.UUIDGenerator{}})(mux)
	return h
}

// ServeHTTP implements http.Handler.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.next.ServeHTTP(w, r)
}

func (h *Handler) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (h *Handler) handleStatus(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, h.ctrl.Status())
}

func (h *Handler) handleConnect(w http.ResponseWriter, r *http.Request) {
	kind := health.Kind(r.PathValue("kind"))
	h.logger.Info("Operator connect requested", logging.String("transport", string(kind)))
	h.reply(w, kind, h.ctrl.Connect(r.Context(), kind), "connected")
}

func (h *Handler) handleReset(w http.ResponseWriter, r *http.Request) {
	kind := health.Kind(r.PathValue("kind"))
	h.logger.Info("Operator health reset requested", logging.String("transport", string(kind)))
	h.reply(w, kind, h.ctrl.ResetHealth(kind), "health reset")
}

func (h *Handler) reply(w http.ResponseWriter, kind health.Kind, err error, ok string) {
	if err == nil {
		writeJSON(w, http.StatusOK, transport.Response{Status: transport.StatusSuccess, Message: string(kind) + " " + ok})
		return
	}
	code := http.StatusBadGateway
	if commerrors.IsCode(err, commerrors.CodeUnknownTransport) {
		code = http.StatusNotFound
	}
	h.logger.WithError(err).Warn("Operator action failed", logging.String("transport", string(kind)))
	writeJSON(w, code, transport.Response{Status: transport.StatusError, Message: err.Error()})
}

func writeJSON(w http.ResponseWriter, code int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}
