package transport

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/popwandee/lprserver-v3-sub001/pkg/envelope"
	commerrors "github.com/popwandee/lprserver-v3-sub001/pkg/errors"
	"github.com/popwandee/lprserver-v3-sub001/pkg/logging"
)

// Socket events.
const (
	EventCameraRegister  = "camera_register"
	EventLPRData         = "lpr_data"
	EventHealthStatus    = "health_status"
	EventConfigAck       = "config_ack"
	EventControlResponse = "control_response"
	EventPing            = "ping"
	EventPong            = "pong"
	EventConfigUpdate    = "config_update"
	EventControl         = "control"
)

// Frame is the socket wire unit.
type Frame struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// eventFor maps an outbound data type to its socket event.
func eventFor(dt envelope.DataType) (string, bool) {
	switch dt {
	case envelope.DataTypeDetection:
		return EventLPRData, true
	case envelope.DataTypeHealth:
		return EventHealthStatus, true
	case envelope.DataTypeConfig:
		return EventConfigAck, true
	case envelope.DataTypeControl:
		return EventControlResponse, true
	}
	return "", false
}

// SocketConfig configures the socket transport.
type SocketConfig struct {
	URL              string          `yaml:"url"`
	CheckpointID     string          `yaml:"checkpoint_id"`
	Token            string          `yaml:"token"`
	HandshakeTimeout time.Duration   `yaml:"handshake_timeout"`
	WriteTimeout     time.Duration   `yaml:"write_timeout"`
	PingInterval     time.Duration   `yaml:"ping_interval"`
	InboundBuffer    int             `yaml:"inbound_buffer"`
	Reconnect        ReconnectConfig `yaml:"reconnect"`
}

// DefaultSocketConfig returns the socket defaults.
func DefaultSocketConfig() SocketConfig {
	return SocketConfig{
		URL:              "ws://localhost:8765/ws",
		HandshakeTimeout: 10 * time.Second,
		WriteTimeout:     5 * time.Second,
		PingInterval:     25 * time.Second,
		InboundBuffer:    64,
		Reconnect:        DefaultReconnectConfig(),
	}
}

// SocketTransport keeps one websocket open to the server and exchanges
// event frames over it. It has no queue: sends fail while the link is down.
type SocketTransport struct {
	cfg      SocketConfig
	deviceID string
	opts     options
	logger   logging.Logger

	sm          *StateMachine
	reconnector *Reconnector

	// mu guards conn and serializes writes.
	mu         sync.Mutex
	conn       *websocket.Conn
	loopCancel context.CancelFunc
	wg         sync.WaitGroup

	lastPong atomic.Int64
	inbound  chan Inbound
}

// NewSocketTransport creates a socket transport registering as deviceID.
func NewSocketTransport(cfg SocketConfig, deviceID string, opts ...Option) *SocketTransport {
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = 5 * time.Second
	}
	if cfg.InboundBuffer <= 0 {
		cfg.InboundBuffer = 64
	}
	o := buildOptions(KindSocket, opts)
	s := &SocketTransport{
		cfg:      cfg,
		deviceID: deviceID,
		opts:     o,
		logger:   o.logger.WithFields(logging.String("url", cfg.URL)),
		sm:       NewStateMachine(KindSocket, o.onState),
		inbound:  make(chan Inbound, cfg.InboundBuffer),
	}
	s.reconnector = NewReconnector(KindSocket, cfg.Reconnect, s.redial, o.sleep, s.logger, nil, s.exhausted)
	return s
}

// Kind implements Transport.
func (s *SocketTransport) Kind() Kind { return KindSocket }

// State returns the connection state.
func (s *SocketTransport) State() State { return s.sm.State() }

// IsConnected implements Transport.
func (s *SocketTransport) IsConnected() bool { return s.sm.Is(StateConnected) }

// LastPong returns when the server last answered a ping.
func (s *SocketTransport) LastPong() time.Time {
	ns := s.lastPong.Load()
	if ns == 0 {
		return time.Time{}
	}
	return time.Unix(0, ns)
}

// Connect dials the server and registers the camera.
func (s *SocketTransport) Connect(ctx context.Context) error {
	if s.IsConnected() {
		return nil
	}
	s.reconnector.Stop()
	if s.IsConnected() {
		s.reconnector.Reset()
		return nil
	}

	if err := s.sm.Transition(StateConnecting); err != nil {
		return commerrors.ConnectionFailed(string(KindSocket), s.cfg.URL, err)
	}
	if err := s.establish(ctx); err != nil {
		_ = s.sm.Transition(StateDisconnected)
		return err
	}
	s.reconnector.Reset()
	return nil
}

func (s *SocketTransport) redial(ctx context.Context) error {
	if err := s.sm.Transition(StateConnecting); err != nil {
		return err
	}
	if err := s.establish(ctx); err != nil {
		_ = s.sm.Transition(StateReconnecting)
		return err
	}
	return nil
}

func (s *SocketTransport) establish(ctx context.Context) error {
	dialer := websocket.Dialer{
		Proxy:            http.ProxyFromEnvironment,
		HandshakeTimeout: s.cfg.HandshakeTimeout,
	}
	header := http.Header{}
	if s.cfg.Token != "" {
		header.Set("Authorization", "Bearer "+s.cfg.Token)
	}
	conn, _, err := dialer.DialContext(ctx, s.cfg.URL, header)
	if err != nil {
		return commerrors.ConnectionFailed(string(KindSocket), s.cfg.URL, err)
	}

	register, err := json.Marshal(map[string]string{
		"camera_id":     s.deviceID,
		"checkpoint_id": s.cfg.CheckpointID,
		"timestamp":     s.opts.now().UTC().Format(envelope.TimestampLayout),
	})
	if err != nil {
		conn.Close()
		return commerrors.SerializationError("camera_register", err)
	}
	if err := s.writeFrame(ctx, conn, Frame{Event: EventCameraRegister, Data: register}); err != nil {
		conn.Close()
		return commerrors.ConnectionFailed(string(KindSocket), s.cfg.URL, err)
	}

	loopCtx, cancel := context.WithCancel(context.Background())
	s.mu.Lock()
	s.conn = conn
	s.loopCancel = cancel
	s.mu.Unlock()

	// Loops start only once Connected so a read failure can move the state
	// machine to Reconnecting.
	if err := s.sm.Transition(StateConnected); err != nil {
		s.dropConn(conn)
		return commerrors.ConnectionFailed(string(KindSocket), s.cfg.URL, err)
	}
	s.wg.Add(1)
	go s.readLoop(conn)
	if s.cfg.PingInterval > 0 {
		s.wg.Add(1)
		go s.pingLoop(loopCtx, conn)
	}
	s.logger.Info("Socket connected", logging.String("device_id", s.deviceID))
	return nil
}

// writeFrame writes one frame with a deadline bounded by ctx and the
// configured write timeout. Callers other than establish hold mu.
func (s *SocketTransport) writeFrame(ctx context.Context, conn *websocket.Conn, f Frame) error {
	data, err := json.Marshal(f)
	if err != nil {
		return commerrors.SerializationError("frame", err)
	}
	deadline := time.Now().Add(s.cfg.WriteTimeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	if err := conn.SetWriteDeadline(deadline); err != nil {
		return err
	}
	return conn.WriteMessage(websocket.TextMessage, data)
}

// Send writes env as the event matching its data type.
func (s *SocketTransport) Send(ctx context.Context, env *envelope.Envelope) error {
	if env == nil {
		return commerrors.MissingField("envelope")
	}
	if !s.IsConnected() {
		return commerrors.NotConnected(string(KindSocket))
	}
	event, ok := eventFor(env.DataType)
	if !ok {
		return commerrors.UnknownDataType(string(env.DataType), nil)
	}
	data, err := envelope.Encode(env)
	if err != nil {
		return err
	}

	s.mu.Lock()
	conn := s.conn
	if conn == nil {
		s.mu.Unlock()
		return commerrors.NotConnected(string(KindSocket))
	}
	err = s.writeFrame(ctx, conn, Frame{Event: event, Data: data})
	s.mu.Unlock()

	if err != nil {
		s.connLost(conn, err)
		return commerrors.SendFailed(string(KindSocket), env.MessageID, err)
	}
	return nil
}

func (s *SocketTransport) readLoop(conn *websocket.Conn) {
	defer s.wg.Done()
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				s.logger.WithError(err).Debug("Socket read failed")
			}
			s.connLost(conn, err)
			return
		}

		var f Frame
		if err := json.Unmarshal(data, &f); err != nil {
			s.logger.WithError(err).Warn("Discarding malformed frame")
			continue
		}
		switch f.Event {
		case EventPong:
			s.lastPong.Store(s.opts.now().UnixNano())
		case EventConfigUpdate:
			s.deliver(InboundConfigUpdate, f.Data)
		case EventControl:
			s.deliver(InboundControl, f.Data)
		default:
			s.logger.Debug("Ignoring socket event", logging.String("event", f.Event))
		}
	}
}

func (s *SocketTransport) pingLoop(ctx context.Context, conn *websocket.Conn) {
	defer s.wg.Done()
	ticker := time.NewTicker(s.cfg.PingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			data, _ := json.Marshal(map[string]string{
				"timestamp": s.opts.now().UTC().Format(envelope.TimestampLayout),
			})
			s.mu.Lock()
			if s.conn != conn {
				s.mu.Unlock()
				return
			}
			err := s.writeFrame(ctx, conn, Frame{Event: EventPing, Data: data})
			s.mu.Unlock()
			if err != nil {
				s.connLost(conn, err)
				return
			}
		}
	}
}

func (s *SocketTransport) deliver(typ InboundType, data json.RawMessage) {
	msg := Inbound{
		Transport:  KindSocket,
		Type:       typ,
		Payload:    append(json.RawMessage(nil), data...),
		ReceivedAt: s.opts.now(),
	}
	select {
	case s.inbound <- msg:
	default:
		s.logger.Warn("Inbound buffer full, message dropped", logging.String("type", string(typ)))
	}
}

// dropConn closes conn if it is still the current connection. It reports
// whether it did.
func (s *SocketTransport) dropConn(conn *websocket.Conn) bool {
	s.mu.Lock()
	if s.conn != conn {
		s.mu.Unlock()
		return false
	}
	s.conn = nil
	if s.loopCancel != nil {
		s.loopCancel()
		s.loopCancel = nil
	}
	s.mu.Unlock()
	conn.Close()
	return true
}

func (s *SocketTransport) connLost(conn *websocket.Conn, err error) {
	if !s.dropConn(conn) {
		return
	}
	if !s.sm.CompareAndTransition(StateConnected, StateReconnecting) {
		return
	}
	s.logger.WithError(commerrors.ConnectionLost(string(KindSocket), s.cfg.URL, err)).
		Warn("Socket link lost, reconnecting")
	s.reconnector.Trigger()
}

// Disconnect closes the socket and stops reconnecting.
func (s *SocketTransport) Disconnect(ctx context.Context) error {
	s.reconnector.Stop()

	s.mu.Lock()
	conn := s.conn
	s.conn = nil
	if s.loopCancel != nil {
		s.loopCancel()
		s.loopCancel = nil
	}
	if conn != nil {
		msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "shutdown")
		_ = conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
		conn.Close()
	}
	s.mu.Unlock()

	s.wg.Wait()
	return s.sm.Transition(StateDisconnected)
}

// TriggerReconnect implements Reconnectable.
func (s *SocketTransport) TriggerReconnect() {
	if s.IsConnected() || s.reconnector.Exhausted() {
		return
	}
	if s.sm.CompareAndTransition(StateDisconnected, StateReconnecting) {
		if !s.reconnector.Trigger() {
			// The sequence gave up between the checks above and the move.
			_ = s.sm.CompareAndTransition(StateReconnecting, StateDisconnected)
		}
		return
	}
	if s.sm.Is(StateReconnecting) {
		s.reconnector.Trigger()
	}
}

// Exhausted implements Reconnectable.
func (s *SocketTransport) Exhausted() bool { return s.reconnector.Exhausted() }

// ReconnectAttempts implements Reconnectable.
func (s *SocketTransport) ReconnectAttempts() int { return s.reconnector.ReconnectAttempts() }

// Inbound implements InboundSource.
func (s *SocketTransport) Inbound() <-chan Inbound { return s.inbound }

func (s *SocketTransport) exhausted(err error) {
	_ = s.sm.Transition(StateDisconnected)
	if s.opts.onExhausted != nil {
		s.opts.onExhausted(KindSocket, err)
	}
}
