package observability

import (
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/popwandee/lprserver-v3-sub001/pkg/envelope"
	"github.com/popwandee/lprserver-v3-sub001/pkg/health"
	"github.com/popwandee/lprserver-v3-sub001/pkg/transport"
)

// MetricsConfig configures the metrics provider
type MetricsConfig struct {
	// Device identification
	DeviceID       string `yaml:"-"`
	ServiceVersion string `yaml:"-"`

	// Metric options
	Namespace        string    `yaml:"namespace"` // Prometheus namespace (default: lpr_edge)
	Subsystem        string    `yaml:"subsystem"`
	HistogramBuckets []float64 `yaml:"histogram_buckets"` // Send latency buckets in milliseconds

	// Labels to add to all metrics
	ConstLabels prometheus.Labels `yaml:"const_labels"`
}

// DefaultMetricsConfig returns the metrics defaults.
func DefaultMetricsConfig() MetricsConfig {
	return MetricsConfig{Namespace: "lpr_edge"}
}

// Metrics holds the communication layer's Prometheus collectors. Each
// instance owns its registry so several services can coexist in one process.
type Metrics struct {
	config   MetricsConfig
	registry *prometheus.Registry

	messagesSent     *prometheus.CounterVec
	errorsTotal      *prometheus.CounterVec
	validationErrors prometheus.Counter
	fallbacks        prometheus.Counter
	switches         *prometheus.CounterVec
	sendDuration     *prometheus.HistogramVec

	healthScore       *prometheus.GaugeVec
	connectivityLevel prometheus.Gauge
	connectionState   *prometheus.GaugeVec

	queueMu         sync.Mutex
	queueRegistered bool
}

// NewMetrics creates the collectors and registers them on a fresh registry.
func NewMetrics(config MetricsConfig) (*Metrics, error) {
	if config.Namespace == "" {
		config.Namespace = "lpr_edge"
	}
	if config.HistogramBuckets == nil {
		// Default buckets for milliseconds
		config.HistogramBuckets = []float64{1, 5, 10, 25, 50, 100, 250, 500, 1000, 2500, 5000, 10000}
	}

	labels := prometheus.Labels{}
	for k, v := range config.ConstLabels {
		labels[k] = v
	}
	if config.DeviceID != "" {
		labels["device"] = config.DeviceID
	}
	if config.ServiceVersion != "" {
		labels["version"] = config.ServiceVersion
	}
	config.ConstLabels = labels

	m := &Metrics{
		config:   config,
		registry: prometheus.NewRegistry(),
	}
	m.initializeMetrics()

	if err := m.registerMetrics(); err != nil {
		return nil, fmt.Errorf("failed to register metrics: %w", err)
	}
	return m, nil
}

func (m *Metrics) counterOpts(name, help string) prometheus.CounterOpts {
	return prometheus.CounterOpts{
		Namespace:   m.config.Namespace,
		Subsystem:   m.config.Subsystem,
		Name:        name,
		Help:        help,
		ConstLabels: m.config.ConstLabels,
	}
}

func (m *Metrics) gaugeOpts(name, help string) prometheus.GaugeOpts {
	return prometheus.GaugeOpts{
		Namespace:   m.config.Namespace,
		Subsystem:   m.config.Subsystem,
		Name:        name,
		Help:        help,
		ConstLabels: m.config.ConstLabels,
	}
}

// initializeMetrics creates all metric collectors
func (m *Metrics) initializeMetrics() {
	m.messagesSent = prometheus.NewCounterVec(
		m.counterOpts("messages_sent_total", "Envelopes accepted by a transport"),
		[]string{"transport"},
	)
	m.errorsTotal = prometheus.NewCounterVec(
		m.counterOpts("errors_total", "Errors by type"),
		[]string{"type"},
	)
	m.validationErrors = prometheus.NewCounter(
		m.counterOpts("validation_errors_total", "Envelopes rejected before any transport was tried"),
	)
	m.fallbacks = prometheus.NewCounter(
		m.counterOpts("fallbacks_total", "Sends delivered by a transport other than the current one"),
	)
	m.switches = prometheus.NewCounterVec(
		m.counterOpts("protocol_switches_total", "Changes of the current transport"),
		[]string{"from", "to", "reason"},
	)
	m.sendDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace:   m.config.Namespace,
			Subsystem:   m.config.Subsystem,
			Name:        "send_duration_milliseconds",
			Help:        "Duration of transport sends in milliseconds",
			Buckets:     m.config.HistogramBuckets,
			ConstLabels: m.config.ConstLabels,
		},
		[]string{"transport", "status"},
	)
	m.healthScore = prometheus.NewGaugeVec(
		m.gaugeOpts("transport_health_score", "Health score per transport, 0 to 1"),
		[]string{"transport"},
	)
	m.connectivityLevel = prometheus.NewGauge(
		m.gaugeOpts("connectivity_level", "Connectivity level (3=excellent, 2=good, 1=poor, 0=offline)"),
	)
	m.connectionState = prometheus.NewGaugeVec(
		m.gaugeOpts("connection_state", "Current connection state per transport (1 for the active state)"),
		[]string{"transport", "state"},
	)
}

// registerMetrics registers all metrics with the instance registry
func (m *Metrics) registerMetrics() error {
	collectors := []prometheus.Collector{
		m.messagesSent,
		m.errorsTotal,
		m.validationErrors,
		m.fallbacks,
		m.switches,
		m.sendDuration,
		m.healthScore,
		m.connectivityLevel,
		m.connectionState,
	}
	for _, collector := range collectors {
		if err := m.registry.Register(collector); err != nil {
			return err
		}
	}
	return nil
}

// RegisterQueue exposes the offline queue depth and drop count. stats is
// read at scrape time. Only the first call registers.
func (m *Metrics) RegisterQueue(stats func() transport.QueueStats) error {
	m.queueMu.Lock()
	defer m.queueMu.Unlock()
	if m.queueRegistered {
		return nil
	}

	depth := prometheus.NewGaugeFunc(
		m.gaugeOpts("offline_queue_depth", "Envelopes waiting in the broker offline queue"),
		func() float64 { return float64(stats().Depth) },
	)
	dropped := prometheus.NewCounterFunc(
		m.counterOpts("offline_queue_dropped_total", "Envelopes evicted from a full offline queue"),
		func() float64 { return float64(stats().Dropped) },
	)
	for _, c := range []prometheus.Collector{depth, dropped} {
		if err := m.registry.Register(c); err != nil {
			return err
		}
	}
	m.queueRegistered = true
	return nil
}

// RecordSend implements transport.SendRecorder.
func (m *Metrics) RecordSend(kind transport.Kind, _ envelope.DataType, duration time.Duration, err error) {
	status := "success"
	if err != nil {
		status = "error"
	}
	m.sendDuration.WithLabelValues(string(kind), status).Observe(float64(duration.Milliseconds()))
}

// RecordMessageSent counts an envelope accepted by kind.
func (m *Metrics) RecordMessageSent(kind health.Kind) {
	m.messagesSent.WithLabelValues(string(kind)).Inc()
}

// RecordError counts an error of the given type.
func (m *Metrics) RecordError(errType string) {
	m.errorsTotal.WithLabelValues(errType).Inc()
}

// RecordValidationError counts an envelope rejected by validation.
func (m *Metrics) RecordValidationError() {
	m.validationErrors.Inc()
}

// RecordFallback counts a send delivered by a fallback transport.
func (m *Metrics) RecordFallback() {
	m.fallbacks.Inc()
}

// RecordSwitch counts a change of the current transport.
func (m *Metrics) RecordSwitch(from, to health.Kind, reason string) {
	m.switches.WithLabelValues(string(from), string(to), reason).Inc()
}

// SetHealthScore records the score of one transport.
func (m *Metrics) SetHealthScore(kind health.Kind, score float64) {
	m.healthScore.WithLabelValues(string(kind)).Set(score)
}

// SetConnectivityLevel records the assessed level.
func (m *Metrics) SetConnectivityLevel(level health.Level) {
	m.connectivityLevel.Set(float64(level.Ordinal()))
}

// SetConnectionState records the current state of a transport
func (m *Metrics) SetConnectionState(kind health.Kind, state transport.State) {
	for _, s := range transport.States {
		m.connectionState.WithLabelValues(string(kind), s.String()).Set(0)
	}
	m.connectionState.WithLabelValues(string(kind), state.String()).Set(1)
}

// Registry returns the instance registry, e.g. for testutil.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}
