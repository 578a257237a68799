// Package monitor runs the periodic connectivity reconcile: it refreshes
// health from the transports, re-selects the current transport and drains
// the broker's offline queue when the link is back.
package monitor

import (
	"context"
	"time"

	"github.com/popwandee/lprserver-v3-sub001/pkg/health"
	"github.com/popwandee/lprserver-v3-sub001/pkg/logging"
	"github.com/popwandee/lprserver-v3-sub001/pkg/selector"
	"github.com/popwandee/lprserver-v3-sub001/pkg/transport"
)

// DefaultInterval is the tick period when none is configured.
const DefaultInterval = 30 * time.Second

// Config holds the monitor settings.
type Config struct {
	Interval time.Duration `yaml:"interval"`
	// ProbeTimeout bounds each Probe call; zero uses the tick context.
	ProbeTimeout time.Duration `yaml:"probe_timeout"`
}

// DefaultConfig returns a 30s interval with 5s probes.
func DefaultConfig() Config {
	return Config{Interval: DefaultInterval, ProbeTimeout: 5 * time.Second}
}

// Gauges receives the values refreshed every tick. observability.Metrics
// implements it.
type Gauges interface {
	SetHealthScore(kind health.Kind, score float64)
	SetConnectivityLevel(level health.Level)
	RecordSwitch(from, to health.Kind, reason string)
}

// Result summarises one tick.
type Result struct {
	Level    health.Level `json:"level"`
	Selected health.Kind  `json:"selected"`
	Switched bool         `json:"switched"`
	Flushed  int          `json:"flushed"`
}

// Monitor reconciles health and selection on a fixed period.
type Monitor struct {
	cfg        Config
	transports []transport.Transport
	assessor   *health.Assessor
	selector   *selector.Selector
	gauges     Gauges
	logger     logging.Logger
}

// Option customises a Monitor.
type Option func(*Monitor)

// WithLogger sets the structured logger.
func WithLogger(l logging.Logger) Option {
	return func(m *Monitor) { m.logger = l }
}

// WithGauges publishes tick results to g.
func WithGauges(g Gauges) Option {
	return func(m *Monitor) { m.gauges = g }
}

// New creates a monitor over transports.
func New(cfg Config, transports []transport.Transport, assessor *health.Assessor, sel *selector.Selector, opts ...Option) *Monitor {
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultInterval
	}
	m := &Monitor{
		cfg:        cfg,
		transports: transports,
		assessor:   assessor,
		selector:   sel,
		logger:     logging.Nop(),
	}
	for _, opt := range opts {
		opt(m)
	}
	m.logger = m.logger.WithFields(logging.String("component", "monitor"))
	return m
}

// Run ticks once immediately and then every interval until ctx is done.
func (m *Monitor) Run(ctx context.Context) error {
	ticker := time.NewTicker(m.cfg.Interval)
	defer ticker.Stop()

	m.Tick(ctx)
	for {
		select {
		case <-ctx.Done():
			m.logger.Debug("Monitor stopped")
			return nil
		case <-ticker.C:
			m.Tick(ctx)
		}
	}
}

// Tick performs one reconcile pass.
func (m *Monitor) Tick(ctx context.Context) Result {
	for _, t := range m.transports {
		m.refresh(ctx, t)
	}

	records := m.assessor.Snapshot()
	level := m.assessor.Assess()
	res := Result{Level: level, Selected: m.selector.SelectOptimal(level, records)}

	if rec, switched := m.selector.SwitchTo(res.Selected, selector.ReasonConnectivityOptimization); switched {
		res.Switched = true
		m.logger.Info("Switched transport for connectivity",
			logging.String("from", string(rec.From)),
			logging.String("to", string(rec.To)),
			logging.String("level", string(level)),
		)
		if m.gauges != nil {
			m.gauges.RecordSwitch(rec.From, rec.To, string(rec.Reason))
		}
	}

	for _, t := range m.transports {
		res.Flushed += m.drain(ctx, t)
	}

	if m.gauges != nil {
		for kind, r := range m.assessor.Snapshot() {
			m.gauges.SetHealthScore(kind, r.Score)
		}
		m.gauges.SetConnectivityLevel(level)
	}
	return res
}

// refresh copies one transport's state into the assessor and kicks off a
// reconnect when it is down.
func (m *Monitor) refresh(ctx context.Context, t transport.Transport) {
	kind := t.Kind()
	inner := transport.Underlying(t)

	connected := t.IsConnected()
	if p, ok := inner.(transport.Prober); ok && connected {
		if err := m.probe(ctx, p); err != nil {
			connected = false
			m.assessor.RecordFailure(kind)
			m.logger.WithError(err).Debug("Probe failed", logging.String("transport", string(kind)))
		} else {
			m.assessor.RecordSuccess(kind)
		}
	}
	m.assessor.SetConnected(kind, connected)

	rc, ok := inner.(transport.Reconnectable)
	if !ok {
		return
	}
	m.assessor.SetReconnectAttempts(kind, rc.ReconnectAttempts())
	if rc.Exhausted() {
		m.assessor.Pin(kind)
		return
	}
	if !t.IsConnected() {
		rc.TriggerReconnect()
	}
}

func (m *Monitor) probe(ctx context.Context, p transport.Prober) error {
	if m.cfg.ProbeTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, m.cfg.ProbeTimeout)
		defer cancel()
	}
	return p.Probe(ctx)
}

// drain flushes a connected transport's offline queue.
func (m *Monitor) drain(ctx context.Context, t transport.Transport) int {
	f, ok := transport.Underlying(t).(transport.Flusher)
	if !ok || !t.IsConnected() || f.QueueLen() == 0 {
		return 0
	}
	n, err := f.Flush(ctx)
	if err != nil {
		m.logger.WithError(err).Warn("Queue reconcile incomplete",
			logging.String("transport", string(t.Kind())),
			logging.Int("flushed", n),
		)
	}
	return n
}
