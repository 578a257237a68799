package transport

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/popwandee/lprserver-v3-sub001/pkg/envelope"
	commerrors "github.com/popwandee/lprserver-v3-sub001/pkg/errors"
	"github.com/popwandee/lprserver-v3-sub001/pkg/utils"
)

func newTestSocket(t *testing.T, server *MockSocketServer, opts ...Option) (*SocketTransport, *RecordingSleeper) {
	t.Helper()
	sleeper := &RecordingSleeper{}
	cfg := DefaultSocketConfig()
	cfg.URL = server.URL()
	cfg.CheckpointID = "cp-7"
	cfg.PingInterval = 0
	opts = append([]Option{WithSleeper(sleeper.Sleep)}, opts...)
	st := NewSocketTransport(cfg, "cam-01", opts...)
	t.Cleanup(func() { _ = st.Disconnect(context.Background()) })
	return st, sleeper
}

func TestSocketRegistersOnConnect(t *testing.T) {
	server := NewMockSocketServer()
	defer server.Close()
	st, _ := newTestSocket(t, server)

	require.NoError(t, st.Connect(context.Background()))
	assert.True(t, st.IsConnected())

	WaitForCondition(t, time.Second, func() bool {
		return len(server.FramesFor(EventCameraRegister)) == 1
	}, "camera_register frame")

	var reg map[string]string
	require.NoError(t, json.Unmarshal(server.FramesFor(EventCameraRegister)[0].Data, &reg))
	assert.Equal(t, "cam-01", reg["camera_id"])
	assert.Equal(t, "cp-7", reg["checkpoint_id"])
	assert.NotEmpty(t, reg["timestamp"])
}

func TestSocketSendsEventPerDataType(t *testing.T) {
	server := NewMockSocketServer()
	defer server.Close()
	st, _ := newTestSocket(t, server)
	ctx := context.Background()
	require.NoError(t, st.Connect(ctx))

	require.NoError(t, st.Send(ctx, testEnvelope(t, "D1", envelope.DataTypeDetection)))
	require.NoError(t, st.Send(ctx, testEnvelope(t, "H1", envelope.DataTypeHealth)))
	require.NoError(t, st.Send(ctx, testEnvelope(t, "K1", envelope.DataTypeConfig)))
	require.NoError(t, st.Send(ctx, testEnvelope(t, "C1", envelope.DataTypeControl)))

	WaitForCondition(t, time.Second, func() bool { return len(server.Frames()) == 5 }, "all frames")

	frames := server.Frames()
	events := []string{}
	for _, f := range frames[1:] {
		events = append(events, f.Event)
	}
	assert.Equal(t, []string{EventLPRData, EventHealthStatus, EventConfigAck, EventControlResponse}, events)

	env, err := envelope.Decode(frames[1].Data)
	require.NoError(t, err)
	assert.Equal(t, "D1", env.MessageID)
	assert.Equal(t, "cam-01", env.EdgeDeviceID)
}

func TestSocketSendFailsFastWhenDisconnected(t *testing.T) {
	server := NewMockSocketServer()
	defer server.Close()
	st, _ := newTestSocket(t, server)

	err := st.Send(context.Background(), testEnvelope(t, "D1", envelope.DataTypeDetection))
	require.Error(t, err)
	assert.True(t, commerrors.IsCode(err, commerrors.CodeNotConnected))
	assert.True(t, commerrors.IsCategory(err, commerrors.CategoryConnection))
	assert.Empty(t, server.Frames())
}

func TestSocketSurfacesInboundEvents(t *testing.T) {
	server := NewMockSocketServer()
	defer server.Close()
	st, _ := newTestSocket(t, server)
	require.NoError(t, st.Connect(context.Background()))

	server.Push(Frame{Event: EventControl, Data: json.RawMessage(`{"command":"snapshot"}`)})
	server.Push(Frame{Event: "unknown_event"})
	server.Push(Frame{Event: EventConfigUpdate, Data: json.RawMessage(`{"config_id":"c2"}`)})

	select {
	case msg := <-st.Inbound():
		assert.Equal(t, InboundControl, msg.Type)
		assert.Equal(t, KindSocket, msg.Transport)
		assert.JSONEq(t, `{"command":"snapshot"}`, string(msg.Payload))
	case <-time.After(time.Second):
		t.Fatal("no inbound control message")
	}
	select {
	case msg := <-st.Inbound():
		assert.Equal(t, InboundConfigUpdate, msg.Type)
	case <-time.After(time.Second):
		t.Fatal("no inbound config update")
	}
}

func TestSocketPingPong(t *testing.T) {
	server := NewMockSocketServer()
	defer server.Close()
	sleeper := &RecordingSleeper{}
	cfg := DefaultSocketConfig()
	cfg.URL = server.URL()
	cfg.PingInterval = 10 * time.Millisecond
	st := NewSocketTransport(cfg, "cam-01", WithSleeper(sleeper.Sleep))
	defer st.Disconnect(context.Background())

	require.NoError(t, st.Connect(context.Background()))
	WaitForCondition(t, time.Second, func() bool { return !st.LastPong().IsZero() }, "pong")
	assert.NotEmpty(t, server.FramesFor(EventPing))
}

func TestSocketReconnectsAfterServerDrop(t *testing.T) {
	server := NewMockSocketServer()
	defer server.Close()
	st, _ := newTestSocket(t, server)
	require.NoError(t, st.Connect(context.Background()))
	WaitForCondition(t, time.Second, func() bool { return len(server.FramesFor(EventCameraRegister)) == 1 }, "first register")

	server.DropAll()

	WaitForCondition(t, 2*time.Second, func() bool {
		return st.IsConnected() && len(server.FramesFor(EventCameraRegister)) == 2
	}, "re-registration after drop")
}

func TestSocketExhaustsWhenServerRefuses(t *testing.T) {
	server := NewMockSocketServer()
	defer server.Close()
	server.Refuse(true)

	var exhaustedKind Kind
	done := make(chan struct{})
	st, sleeper := newTestSocket(t, server, WithExhaustedObserver(func(kind Kind, err error) {
		exhaustedKind = kind
		close(done)
	}))

	err := st.Connect(context.Background())
	require.Error(t, err)
	assert.True(t, commerrors.IsCode(err, commerrors.CodeConnectionFailed))
	assert.Equal(t, StateDisconnected, st.State())

	st.TriggerReconnect()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("reconnect never gave up")
	}
	WaitForCondition(t, time.Second, st.Exhausted, "exhausted flag")
	assert.Equal(t, KindSocket, exhaustedKind)
	assert.Len(t, sleeper.Delays(), 5)
	assert.Equal(t, 5, st.ReconnectAttempts())

	server.Refuse(false)
	require.NoError(t, st.Connect(context.Background()))
	assert.False(t, st.Exhausted())
}

func TestSocketDisconnectLeavesNoGoroutines(t *testing.T) {
	server := NewMockSocketServer()
	defer server.Close()

	detector := utils.NewGoroutineLeakDetector(t).Match("transport.(*SocketTransport)")
	detector.Start()

	cfg := DefaultSocketConfig()
	cfg.URL = server.URL()
	cfg.PingInterval = 5 * time.Millisecond
	st := NewSocketTransport(cfg, "cam-01")
	require.NoError(t, st.Connect(context.Background()))
	time.Sleep(30 * time.Millisecond)
	require.NoError(t, st.Disconnect(context.Background()))
	assert.Equal(t, StateDisconnected, st.State())

	detector.Check()
}
