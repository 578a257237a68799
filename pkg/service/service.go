// Package service is the composition root of the edge communication layer.
// It builds every component from a config.Config, owns their goroutines and
// exposes the send API, the merged inbound stream and the operator actions.
//
// Usage:
//
//	cfg, err := config.Load("edge.yaml")
//	if err != nil {
//		return err
//	}
//	svc, err := service.New(cfg)
//	if err != nil {
//		return err
//	}
//	if err := svc.Start(ctx); err != nil {
//		return err
//	}
//	defer svc.Stop(context.Background())
//
//	env, err := svc.Submit(ctx, envelope.DataTypeDetection, &envelope.DetectionPayload{
//		LicensePlate: "1กข 1234",
//		Confidence:   0.93,
//	})
package service

import (
	"context"
	"errors"
	"net"
	"net/http"
	"os"
	"sync"
	"time"

	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"golang.org/x/sync/errgroup"

	"github.com/popwandee/lprserver-v3-sub001/pkg/admin"
	"github.com/popwandee/lprserver-v3-sub001/pkg/config"
	"github.com/popwandee/lprserver-v3-sub001/pkg/dispatch"
	"github.com/popwandee/lprserver-v3-sub001/pkg/envelope"
	commerrors "github.com/popwandee/lprserver-v3-sub001/pkg/errors"
	"github.com/popwandee/lprserver-v3-sub001/pkg/health"
	"github.com/popwandee/lprserver-v3-sub001/pkg/logging"
	"github.com/popwandee/lprserver-v3-sub001/pkg/monitor"
	"github.com/popwandee/lprserver-v3-sub001/pkg/observability"
	"github.com/popwandee/lprserver-v3-sub001/pkg/selector"
	"github.com/popwandee/lprserver-v3-sub001/pkg/transport"
)

// shutdownTimeout bounds the admin server's graceful shutdown.
const shutdownTimeout = 5 * time.Second

// Service wires transports, health, selection, dispatch and monitoring.
type Service struct {
	cfg    config.Config
	logger logging.Logger

	metrics  *observability.Metrics
	tracer   *observability.TracingProvider
	assessor *health.Assessor
	selector *selector.Selector

	transports []transport.Transport
	byKind     map[health.Kind]transport.Transport

	dispatcher *dispatch.Dispatcher
	monitor    *monitor.Monitor
	admin      *admin.Handler

	inbound chan transport.Inbound

	mu        sync.Mutex
	started   bool
	stopped   bool
	cancel    context.CancelFunc
	group     *errgroup.Group
	adminAddr net.Addr
}

// Option customises a Service.
type Option func(*settings)

type settings struct {
	logger        logging.Logger
	brokerClient  transport.BrokerClient
	transportOpts []transport.Option
	tracerOpts    []sdktrace.TracerProviderOption
}

// WithLogger replaces the logger built from the logging section.
func WithLogger(l logging.Logger) Option {
	return func(s *settings) { s.logger = l }
}

// WithBrokerClient replaces the paho client of the broker transport.
func WithBrokerClient(c transport.BrokerClient) Option {
	return func(s *settings) { s.brokerClient = c }
}

// WithTransportOptions appends options to every transport constructor.
func WithTransportOptions(opts ...transport.Option) Option {
	return func(s *settings) { s.transportOpts = append(s.transportOpts, opts...) }
}

// WithTracerOptions passes extra options to the tracer provider.
func WithTracerOptions(opts ...sdktrace.TracerProviderOption) Option {
	return func(s *settings) { s.tracerOpts = append(s.tracerOpts, opts...) }
}

// New validates cfg and builds every component. Nothing is connected until
// Start.
func New(cfg config.Config, opts ...Option) (*Service, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	var st settings
	for _, opt := range opts {
		opt(&st)
	}

	logger := st.logger
	if logger == nil {
		var err error
		if logger, err = NewLogger(cfg.Logging); err != nil {
			return nil, err
		}
	}

	metrics, err := observability.NewMetrics(cfg.Metrics)
	if err != nil {
		return nil, err
	}
	tracer, err := observability.NewTracingProvider(cfg.Tracing, st.tracerOpts...)
	if err != nil {
		return nil, err
	}

	kinds := cfg.EnabledKinds()
	s := &Service{
		cfg:     cfg,
		logger:  logger.WithFields(logging.String("device", cfg.Device.ID)),
		metrics: metrics,
		tracer:  tracer,
		byKind:  make(map[health.Kind]transport.Transport, len(kinds)),
		inbound: make(chan transport.Inbound, 64),
	}
	s.assessor = health.NewAssessor(cfg.Health, kinds, health.WithObserver(func(rec health.Record) {
		metrics.SetHealthScore(rec.Kind, rec.Score)
	}))
	s.selector = selector.New(kinds, cfg.FallbackOrder())

	chain := transport.ChainMiddleware(
		observability.NewTracingMiddleware(tracer),
		transport.NewObservabilityMiddleware(metrics, s.logger),
		transport.NewTimeoutMiddleware(cfg.Dispatch.AttemptTimeout),
	)
	for _, kind := range kinds {
		t, err := s.buildTransport(kind, st)
		if err != nil {
			return nil, err
		}
		metrics.SetConnectionState(kind, transport.StateDisconnected)
		wrapped := chain.Wrap(t)
		s.transports = append(s.transports, wrapped)
		s.byKind[kind] = wrapped
	}

	s.dispatcher, err = dispatch.New(
		dispatch.Config{DeviceID: cfg.Device.ID, Compressed: cfg.Dispatch.Compressed, Encrypted: cfg.Dispatch.Encrypted},
		s.transports, s.selector, s.assessor,
		dispatch.WithLogger(s.logger),
		dispatch.WithRecorder(metrics),
		dispatch.WithTracer(tracer),
	)
	if err != nil {
		return nil, err
	}
	s.monitor = monitor.New(cfg.Monitor, s.transports, s.assessor, s.selector,
		monitor.WithLogger(s.logger),
		monitor.WithGauges(metrics),
	)
	s.admin = admin.NewHandler(s, admin.WithMetrics(metrics.Handler()), admin.WithLogger(s.logger))
	return s, nil
}

func (s *Service) buildTransport(kind health.Kind, st settings) (transport.Transport, error) {
	opts := append([]transport.Option{
		transport.WithLogger(s.logger),
		transport.WithStateObserver(s.onState),
		transport.WithExhaustedObserver(s.onExhausted),
	}, st.transportOpts...)

	switch kind {
	case transport.KindSocket:
		return transport.NewSocketTransport(s.cfg.Socket.SocketConfig, s.cfg.Device.ID, opts...), nil
	case transport.KindRequest:
		opts = append(opts, transport.WithHeaderHook(s.tracer.InjectHeaders))
		return transport.NewRequestTransport(s.cfg.Request.RequestConfig, opts...), nil
	case transport.KindBroker:
		client := st.brokerClient
		if client == nil {
			client = transport.NewPahoClient(s.cfg.Broker.BrokerConfig)
		}
		bt := transport.NewBrokerTransport(s.cfg.Broker.BrokerConfig, s.cfg.Device.ID, client, opts...)
		if err := s.metrics.RegisterQueue(bt.QueueStats); err != nil {
			return nil, err
		}
		return bt, nil
	}
	return nil, commerrors.UnknownTransport(string(kind))
}

func (s *Service) onState(kind transport.Kind, from, to transport.State) {
	s.metrics.SetConnectionState(kind, to)
	s.assessor.SetConnected(kind, to == transport.StateConnected)
	s.logger.Debug("Transport state changed",
		logging.String("transport", string(kind)),
		logging.String("from", from.String()),
		logging.String("to", to.String()),
	)
}

func (s *Service) onExhausted(kind transport.Kind, err error) {
	s.assessor.Pin(kind)
	s.metrics.RecordError(string(commerrors.CategoryConnection))
	s.logger.WithError(err).Error("Reconnect attempts exhausted, waiting for operator",
		logging.String("transport", string(kind)),
	)
}

// NewLogger builds the logger described by the logging section.
func NewLogger(cfg config.Logging) (logging.Logger, error) {
	level, err := logging.ParseLevel(cfg.Level)
	if err != nil {
		return nil, commerrors.ConfigError("logging.level", cfg.Level, err.Error())
	}
	var formatter logging.Formatter = logging.NewTextFormatter()
	if cfg.Format == "json" {
		formatter = logging.NewJSONFormatter()
	}
	logger := logging.New(os.Stderr, formatter)
	logger.SetLevel(level)
	return logger, nil
}

// Start connects every transport, then runs the monitor, the inbound
// forwarders and, when enabled, the admin server until Stop. A transport
// that cannot connect now is left to the monitor's reconnect.
func (s *Service) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return errors.New("service already started")
	}

	var ln net.Listener
	if s.cfg.Admin.Enabled {
		var err error
		if ln, err = net.Listen("tcp", s.cfg.Admin.Addr); err != nil {
			return commerrors.ConfigError("admin.addr", s.cfg.Admin.Addr, err.Error())
		}
		s.adminAddr = ln.Addr()
	}

	ctx, cancel := context.WithCancel(ctx)
	g, gctx := errgroup.WithContext(ctx)
	s.cancel, s.group, s.started = cancel, g, true

	for _, t := range s.transports {
		if err := t.Connect(gctx); err != nil {
			s.logger.WithError(err).Warn("Initial connect failed",
				logging.String("transport", string(t.Kind())),
			)
		}
	}

	g.Go(func() error { return s.monitor.Run(gctx) })

	for _, t := range s.transports {
		src, ok := transport.Underlying(t).(transport.InboundSource)
		if !ok {
			continue
		}
		in := src.Inbound()
		g.Go(func() error {
			s.forward(gctx, in)
			return nil
		})
	}

	if ln != nil {
		srv := &http.Server{Handler: s.admin, ReadHeaderTimeout: 10 * time.Second}
		g.Go(func() error {
			if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		})
		g.Go(func() error {
			<-gctx.Done()
			sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
			defer cancel()
			return srv.Shutdown(sctx)
		})
		s.logger.Info("Admin server listening", logging.String("addr", ln.Addr().String()))
	}

	s.logger.Info("Edge communication started",
		logging.String("current", string(s.selector.Current())),
		logging.Int("transports", len(s.transports)),
	)
	return nil
}

func (s *Service) forward(ctx context.Context, in <-chan transport.Inbound) {
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-in:
			if !ok {
				return
			}
			select {
			case s.inbound <- msg:
			case <-ctx.Done():
				return
			}
		}
	}
}

// Stop cancels the background goroutines, waits for them, disconnects every
// transport and flushes pending spans. It is safe to call more than once.
func (s *Service) Stop(ctx context.Context) error {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return nil
	}
	s.stopped = true
	cancel, g := s.cancel, s.group
	s.mu.Unlock()

	var errs []error
	if cancel != nil {
		cancel()
		if err := g.Wait(); err != nil {
			errs = append(errs, err)
		}
	}
	for _, t := range s.transports {
		if err := t.Disconnect(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	if err := s.tracer.Shutdown(ctx); err != nil {
		errs = append(errs, err)
	}
	s.logger.Info("Edge communication stopped")
	return errors.Join(errs...)
}

// Submit builds an envelope for payload and sends it.
func (s *Service) Submit(ctx context.Context, dataType envelope.DataType, payload interface{}, opts ...envelope.BuildOption) (*envelope.Envelope, error) {
	return s.dispatcher.Submit(ctx, dataType, payload, opts...)
}

// Send delivers an envelope built by the caller.
func (s *Service) Send(ctx context.Context, env *envelope.Envelope) error {
	return s.dispatcher.Send(ctx, env)
}

// Inbound merges the server-to-device messages of every transport.
func (s *Service) Inbound() <-chan transport.Inbound { return s.inbound }

// Tick runs one monitor pass outside the schedule.
func (s *Service) Tick(ctx context.Context) monitor.Result { return s.monitor.Tick(ctx) }

// Connect implements admin.Controller. A successful operator connect clears
// an exhausted reconnect sequence and makes kind the current transport.
func (s *Service) Connect(ctx context.Context, kind health.Kind) error {
	t, ok := s.byKind[kind]
	if !ok {
		return commerrors.UnknownTransport(string(kind))
	}
	if err := t.Connect(ctx); err != nil {
		return err
	}
	s.assessor.Unpin(kind)
	s.assessor.SetConnected(kind, t.IsConnected())
	if rec, switched := s.selector.SwitchTo(kind, selector.ReasonManual); switched {
		s.metrics.RecordSwitch(rec.From, rec.To, string(rec.Reason))
		s.logger.Info("Switched transport by operator",
			logging.String("from", string(rec.From)),
			logging.String("to", string(rec.To)),
		)
	}
	return nil
}

// ResetHealth implements admin.Controller.
func (s *Service) ResetHealth(kind health.Kind) error {
	if _, ok := s.byKind[kind]; !ok {
		return commerrors.UnknownTransport(string(kind))
	}
	s.assessor.Reset(kind)
	return nil
}

// Status implements admin.Controller.
func (s *Service) Status() admin.Status {
	records := s.assessor.Snapshot()
	st := admin.Status{
		DeviceID: s.cfg.Device.ID,
		Current:  s.selector.Current(),
		Level:    s.assessor.Assess(),
		Switches: s.selector.Switches(),
		Counters: s.dispatcher.Stats(),
		At:       time.Now().UTC(),
	}
	for _, t := range s.transports {
		ts := admin.TransportStatus{Record: records[t.Kind()], State: stateOf(t).String()}
		if f, ok := transport.Underlying(t).(transport.Flusher); ok {
			qs := f.QueueStats()
			ts.Queue = &qs
		}
		st.Transports = append(st.Transports, ts)
	}
	return st
}

func stateOf(t transport.Transport) transport.State {
	if sm, ok := transport.Underlying(t).(interface{ State() transport.State }); ok {
		return sm.State()
	}
	if t.IsConnected() {
		return transport.StateConnected
	}
	return transport.StateDisconnected
}

// Stats returns the dispatcher counters.
func (s *Service) Stats() dispatch.Stats { return s.dispatcher.Stats() }

// Metrics returns the service's metrics provider.
func (s *Service) Metrics() *observability.Metrics { return s.metrics }

// AdminHandler returns the operator HTTP surface.
func (s *Service) AdminHandler() http.Handler { return s.admin }

// AdminAddr returns the admin listener address once started.
func (s *Service) AdminAddr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.adminAddr
}

// Transport returns the wrapped transport of kind.
func (s *Service) Transport(kind health.Kind) (transport.Transport, bool) {
	t, ok := s.byKind[kind]
	return t, ok
}
