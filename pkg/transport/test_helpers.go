package transport

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/popwandee/lprserver-v3-sub001/pkg/envelope"
)

// MockIngestServer provides a configurable ingest server for testing
type MockIngestServer struct {
	server       *httptest.Server
	mu           sync.Mutex
	requests     map[string][][]byte
	responses    map[string]*MockResponse
	headers      []http.Header
	pingStatus   int
	errorOnNth   int
	requestCount int
}

// MockResponse represents a configurable HTTP response
type MockResponse struct {
	StatusCode int
	Body       interface{}
}

// NewMockIngestServer creates a server answering every POST with success.
func NewMockIngestServer() *MockIngestServer {
	m := &MockIngestServer{
		requests:   make(map[string][][]byte),
		responses:  make(map[string]*MockResponse),
		pingStatus: http.StatusOK,
	}
	m.server = httptest.NewServer(http.HandlerFunc(m.handler))
	return m
}

func (m *MockIngestServer) handler(w http.ResponseWriter, r *http.Request) {
	m.mu.Lock()
	m.requestCount++
	currentCount := m.requestCount
	m.headers = append(m.headers, r.Header.Clone())
	pingStatus := m.pingStatus
	failHere := m.errorOnNth > 0 && currentCount == m.errorOnNth
	m.mu.Unlock()

	if r.URL.Path == PingPath {
		w.WriteHeader(pingStatus)
		_ = json.NewEncoder(w).Encode(Response{Status: StatusSuccess, Message: "pong"})
		return
	}

	if failHere {
		w.WriteHeader(http.StatusInternalServerError)
		return
	}

	body, _ := io.ReadAll(r.Body)
	m.mu.Lock()
	m.requests[r.URL.Path] = append(m.requests[r.URL.Path], body)
	resp := m.responses[r.URL.Path]
	m.mu.Unlock()

	w.Header().Set("Content-Type", "application/json")
	if resp == nil {
		_ = json.NewEncoder(w).Encode(Response{Status: StatusSuccess, Message: "stored"})
		return
	}
	w.WriteHeader(resp.StatusCode)
	switch body := resp.Body.(type) {
	case string:
		_, _ = w.Write([]byte(body))
	case nil:
	default:
		_ = json.NewEncoder(w).Encode(body)
	}
}

// SetResponse overrides the response for path.
func (m *MockIngestServer) SetResponse(path string, response *MockResponse) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.responses[path] = response
}

// SetPingStatus sets the status code returned on PingPath.
func (m *MockIngestServer) SetPingStatus(code int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.pingStatus = code
}

// FailNth makes the nth request fail with 500.
func (m *MockIngestServer) FailNth(n int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.errorOnNth = n
}

// Requests returns the bodies posted to path.
func (m *MockIngestServer) Requests(path string) [][]byte {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([][]byte(nil), m.requests[path]...)
}

// Headers returns the headers of every request received.
func (m *MockIngestServer) Headers() []http.Header {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]http.Header(nil), m.headers...)
}

// URL returns the server's base URL
func (m *MockIngestServer) URL() string {
	return m.server.URL
}

// Close shuts down the server
func (m *MockIngestServer) Close() {
	m.server.Close()
}

// MockSocketServer accepts websocket connections and records frames.
type MockSocketServer struct {
	server   *httptest.Server
	upgrader websocket.Upgrader

	mu       sync.Mutex
	frames   []Frame
	conns    []*websocket.Conn
	refuse   bool
	autoPong bool
}

// NewMockSocketServer creates a websocket server answering pings with pongs.
func NewMockSocketServer() *MockSocketServer {
	m := &MockSocketServer{
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		autoPong: true,
	}
	m.server = httptest.NewServer(http.HandlerFunc(m.handler))
	return m
}

func (m *MockSocketServer) handler(w http.ResponseWriter, r *http.Request) {
	m.mu.Lock()
	refuse := m.refuse
	m.mu.Unlock()
	if refuse {
		http.Error(w, "unavailable", http.StatusServiceUnavailable)
		return
	}

	conn, err := m.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	m.mu.Lock()
	m.conns = append(m.conns, conn)
	m.mu.Unlock()

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return
		}
		var f Frame
		if err := json.Unmarshal(data, &f); err != nil {
			continue
		}
		m.mu.Lock()
		m.frames = append(m.frames, f)
		pong := m.autoPong && f.Event == EventPing
		m.mu.Unlock()
		if pong {
			m.write(conn, Frame{Event: EventPong})
		}
	}
}

func (m *MockSocketServer) write(conn *websocket.Conn, f Frame) {
	data, _ := json.Marshal(f)
	m.mu.Lock()
	defer m.mu.Unlock()
	_ = conn.WriteMessage(websocket.TextMessage, data)
}

// Push sends a frame to every connected client.
func (m *MockSocketServer) Push(f Frame) {
	m.mu.Lock()
	conns := append([]*websocket.Conn(nil), m.conns...)
	m.mu.Unlock()
	for _, c := range conns {
		m.write(c, f)
	}
}

// DropAll closes every server side connection.
func (m *MockSocketServer) DropAll() {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, c := range m.conns {
		c.Close()
	}
	m.conns = nil
}

// Refuse makes new upgrades fail.
func (m *MockSocketServer) Refuse(refuse bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.refuse = refuse
}

// Frames returns the frames received so far.
func (m *MockSocketServer) Frames() []Frame {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Frame(nil), m.frames...)
}

// FramesFor returns the received frames with the given event.
func (m *MockSocketServer) FramesFor(event string) []Frame {
	var out []Frame
	for _, f := range m.Frames() {
		if f.Event == event {
			out = append(out, f)
		}
	}
	return out
}

// URL returns the ws:// URL of the server.
func (m *MockSocketServer) URL() string {
	return "ws" + strings.TrimPrefix(m.server.URL, "http")
}

// Close shuts down the server
func (m *MockSocketServer) Close() {
	m.DropAll()
	m.server.Close()
}

// ErrFakeBroker is returned by FakeBrokerClient when told to fail.
var ErrFakeBroker = errors.New("fake broker failure")

// FakePublish is one publish seen by FakeBrokerClient.
type FakePublish struct {
	Topic   string
	QoS     byte
	Retain  bool
	Payload []byte
}

// FakeBrokerClient is an in-memory BrokerClient.
type FakeBrokerClient struct {
	mu            sync.Mutex
	connected     bool
	connectErr    error
	connectCalls  int
	publishErr    error
	publishDelay  time.Duration
	failPublishAt int
	publishCalls  int
	published     []FakePublish
	subscriptions map[string]func(topic string, payload []byte)
	onLost        func(err error)
}

// NewFakeBrokerClient returns a disconnected fake.
func NewFakeBrokerClient() *FakeBrokerClient {
	return &FakeBrokerClient{subscriptions: make(map[string]func(string, []byte))}
}

func (f *FakeBrokerClient) Connect(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.connectCalls++
	if f.connectErr != nil {
		return f.connectErr
	}
	f.connected = true
	return nil
}

func (f *FakeBrokerClient) Disconnect() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.connected = false
}

func (f *FakeBrokerClient) IsConnected() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.connected
}

func (f *FakeBrokerClient) Publish(ctx context.Context, topic string, qos byte, retain bool, payload []byte) error {
	f.mu.Lock()
	delay := f.publishDelay
	f.mu.Unlock()
	if delay > 0 {
		// Like paho's token wait, a slow publish gives up with ctx.
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	f.publishCalls++
	if !f.connected {
		return ErrFakeBroker
	}
	if f.publishErr != nil {
		return f.publishErr
	}
	if f.failPublishAt > 0 && f.publishCalls == f.failPublishAt {
		return ErrFakeBroker
	}
	f.published = append(f.published, FakePublish{
		Topic:   topic,
		QoS:     qos,
		Retain:  retain,
		Payload: append([]byte(nil), payload...),
	})
	return nil
}

func (f *FakeBrokerClient) Subscribe(ctx context.Context, topic string, qos byte, handler func(topic string, payload []byte)) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.subscriptions[topic] = handler
	return nil
}

func (f *FakeBrokerClient) OnConnectionLost(fn func(err error)) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.onLost = fn
}

// SetConnectError makes Connect fail with err until cleared with nil.
func (f *FakeBrokerClient) SetConnectError(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.connectErr = err
}

// SetPublishError makes every publish fail with err until cleared with nil.
func (f *FakeBrokerClient) SetPublishError(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.publishErr = err
}

// SetPublishDelay makes every publish take d unless its context ends first.
func (f *FakeBrokerClient) SetPublishDelay(d time.Duration) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.publishDelay = d
}

// FailPublishAt makes the nth publish call overall fail.
func (f *FakeBrokerClient) FailPublishAt(n int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failPublishAt = n
}

// ConnectCalls returns how many times Connect was called.
func (f *FakeBrokerClient) ConnectCalls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.connectCalls
}

// Published returns the successful publishes in order.
func (f *FakeBrokerClient) Published() []FakePublish {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]FakePublish(nil), f.published...)
}

// Subscribed returns the subscribed topics.
func (f *FakeBrokerClient) Subscribed() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, 0, len(f.subscriptions))
	for t := range f.subscriptions {
		out = append(out, t)
	}
	return out
}

// Deliver hands payload to the handler subscribed on topic.
func (f *FakeBrokerClient) Deliver(topic string, payload []byte) bool {
	f.mu.Lock()
	h := f.subscriptions[topic]
	f.mu.Unlock()
	if h == nil {
		return false
	}
	h(topic, payload)
	return true
}

// DropConnection simulates an unsolicited link loss.
func (f *FakeBrokerClient) DropConnection(err error) {
	f.mu.Lock()
	f.connected = false
	fn := f.onLost
	f.mu.Unlock()
	if fn != nil {
		fn(err)
	}
}

// StubTransport is a scriptable Transport for dispatcher and monitor tests.
type StubTransport struct {
	kind Kind

	mu         sync.Mutex
	connected  bool
	sendErr    error
	connectErr error
	probeErr   error
	sent       []*envelope.Envelope
	sendCalls  int
	triggers   int
	exhausted  bool
	attempts   int
	connects   int
	flushed    int
	queued     int
	inbound    chan Inbound
}

// NewStubTransport returns a connected stub.
func NewStubTransport(kind Kind) *StubTransport {
	return &StubTransport{kind: kind, connected: true, inbound: make(chan Inbound, 16)}
}

func (s *StubTransport) Kind() Kind { return s.kind }

func (s *StubTransport) Connect(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.connects++
	if s.connectErr != nil {
		return s.connectErr
	}
	s.connected = true
	s.exhausted = false
	s.attempts = 0
	return nil
}

func (s *StubTransport) Disconnect(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.connected = false
	return nil
}

func (s *StubTransport) IsConnected() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.connected
}

func (s *StubTransport) Send(ctx context.Context, env *envelope.Envelope) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sendCalls++
	if s.sendErr != nil {
		return s.sendErr
	}
	s.sent = append(s.sent, env)
	return nil
}

func (s *StubTransport) Probe(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.probeErr
}

func (s *StubTransport) TriggerReconnect() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.triggers++
}

func (s *StubTransport) Exhausted() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.exhausted
}

func (s *StubTransport) ReconnectAttempts() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.attempts
}

func (s *StubTransport) Flush(ctx context.Context) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := s.queued
	s.flushed += n
	s.queued = 0
	return n, nil
}

func (s *StubTransport) QueueLen() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.queued
}

func (s *StubTransport) QueueStats() QueueStats {
	s.mu.Lock()
	defer s.mu.Unlock()
	return QueueStats{Depth: s.queued}
}

func (s *StubTransport) Inbound() <-chan Inbound { return s.inbound }

// SetConnected sets what IsConnected reports.
func (s *StubTransport) SetConnected(v bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.connected = v
}

// SetSendError makes Send fail with err; nil restores success.
func (s *StubTransport) SetSendError(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sendErr = err
}

// SetConnectError makes Connect fail with err.
func (s *StubTransport) SetConnectError(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.connectErr = err
}

// SetProbeError makes Probe fail with err.
func (s *StubTransport) SetProbeError(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.probeErr = err
}

// SetExhausted marks the stub as having given up reconnecting.
func (s *StubTransport) SetExhausted(v bool, attempts int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.exhausted = v
	s.attempts = attempts
}

// SetQueued sets the stub's queue depth.
func (s *StubTransport) SetQueued(n int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.queued = n
}

// Sent returns the envelopes accepted so far.
func (s *StubTransport) Sent() []*envelope.Envelope {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]*envelope.Envelope(nil), s.sent...)
}

// SendCalls returns how many times Send was called.
func (s *StubTransport) SendCalls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sendCalls
}

// Triggers returns how many reconnects were requested.
func (s *StubTransport) Triggers() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.triggers
}

// Connects returns how many times Connect was called.
func (s *StubTransport) Connects() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.connects
}

// Flushed returns the entries drained by Flush.
func (s *StubTransport) Flushed() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.flushed
}

// PushInbound queues a message on the stub's inbound channel.
func (s *StubTransport) PushInbound(msg Inbound) {
	s.inbound <- msg
}

// RecordingSleeper replaces backoff sleeps in tests and records the delays.
type RecordingSleeper struct {
	mu     sync.Mutex
	delays []time.Duration
}

// Sleep records d and returns immediately unless ctx is done.
func (r *RecordingSleeper) Sleep(ctx context.Context, d time.Duration) error {
	r.mu.Lock()
	r.delays = append(r.delays, d)
	r.mu.Unlock()
	return ctx.Err()
}

// Delays returns the recorded delays.
func (r *RecordingSleeper) Delays() []time.Duration {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]time.Duration(nil), r.delays...)
}

// WaitForCondition waits for a condition to be true
func WaitForCondition(t *testing.T, timeout time.Duration, check func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if check() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("Timeout waiting for condition: %s", msg)
}

// RunWithTimeout runs a function with a timeout
func RunWithTimeout(t *testing.T, timeout time.Duration, fn func()) {
	t.Helper()
	done := make(chan struct{})
	go func() {
		fn()
		close(done)
	}()

	select {
	case <-done:
		return
	case <-time.After(timeout):
		t.Fatal("Test timed out")
	}
}
