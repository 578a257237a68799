package transport

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/popwandee/lprserver-v3-sub001/pkg/envelope"
	commerrors "github.com/popwandee/lprserver-v3-sub001/pkg/errors"
)

func testEnvelope(t *testing.T, id string, dt envelope.DataType) *envelope.Envelope {
	t.Helper()
	var payload interface{}
	switch dt {
	case envelope.DataTypeHealth:
		payload = &envelope.HealthPayload{Status: envelope.HealthStatusHealthy}
	case envelope.DataTypeConfig:
		payload = &envelope.ConfigPayload{ConfigID: "cfg-1", Version: 1}
	case envelope.DataTypeControl:
		payload = &envelope.ControlPayload{Command: "restart"}
	default:
		payload = &envelope.DetectionPayload{LicensePlate: "1กข1234", Confidence: 0.93}
	}
	env, err := envelope.NewBuilder().Build(dt, payload, "cam-01", envelope.WithMessageID(id))
	require.NoError(t, err)
	return env
}

func newTestBroker(t *testing.T, capacity int, opts ...Option) (*BrokerTransport, *FakeBrokerClient, *RecordingSleeper) {
	t.Helper()
	client := NewFakeBrokerClient()
	sleeper := &RecordingSleeper{}
	cfg := DefaultBrokerConfig()
	cfg.QueueCapacity = capacity
	opts = append([]Option{WithSleeper(sleeper.Sleep)}, opts...)
	bt := NewBrokerTransport(cfg, "cam-01", client, opts...)
	t.Cleanup(func() { _ = bt.Disconnect(context.Background()) })
	return bt, client, sleeper
}

// queueWhileDown sends ids while the broker is unreachable and waits for
// the reconnect sequence they trigger to give up.
func queueWhileDown(t *testing.T, bt *BrokerTransport, client *FakeBrokerClient, ids ...string) {
	t.Helper()
	client.SetConnectError(errors.New("broker down"))
	for _, id := range ids {
		require.NoError(t, bt.Send(context.Background(), testEnvelope(t, id, envelope.DataTypeDetection)), "queued sends succeed")
	}
	WaitForCondition(t, 2*time.Second, bt.Exhausted, "reconnect sequence to give up")
	client.SetConnectError(nil)
}

func publishedIDs(t *testing.T, pubs []FakePublish) []string {
	t.Helper()
	ids := make([]string, 0, len(pubs))
	for _, p := range pubs {
		env, err := envelope.Decode(p.Payload)
		require.NoError(t, err)
		ids = append(ids, env.MessageID)
	}
	return ids
}

func TestBrokerPublishesWithTopicQoSAndRetain(t *testing.T) {
	bt, client, _ := newTestBroker(t, 10)
	ctx := context.Background()
	require.NoError(t, bt.Connect(ctx))
	assert.ElementsMatch(t, []string{
		"lprserver/cameras/cam-01/config/update",
		"lprserver/cameras/cam-01/control",
		"lprserver/blacklist/updates",
	}, client.Subscribed())

	require.NoError(t, bt.Send(ctx, testEnvelope(t, "D1", envelope.DataTypeDetection)))
	require.NoError(t, bt.Send(ctx, testEnvelope(t, "H1", envelope.DataTypeHealth)))
	require.NoError(t, bt.Send(ctx, testEnvelope(t, "C1", envelope.DataTypeControl)))

	pubs := client.Published()
	require.Len(t, pubs, 3)
	assert.Equal(t, FakePublish{Topic: "lprserver/cameras/cam-01/detection", QoS: 1, Retain: false, Payload: pubs[0].Payload}, pubs[0])
	assert.Equal(t, "lprserver/cameras/cam-01/health", pubs[1].Topic)
	assert.True(t, pubs[1].Retain)
	assert.Equal(t, byte(0), pubs[1].QoS)
	assert.Equal(t, "lprserver/cameras/cam-01/control/response", pubs[2].Topic)
	assert.Equal(t, []string{"D1", "H1", "C1"}, publishedIDs(t, pubs))
}

func TestBrokerOfflineQueueFlushesInOrder(t *testing.T) {
	bt, client, _ := newTestBroker(t, 10)
	ctx := context.Background()
	queueWhileDown(t, bt, client, "A1", "A2")
	assert.Equal(t, 2, bt.QueueLen())
	assert.Empty(t, client.Published())

	require.NoError(t, bt.Connect(ctx))

	assert.Equal(t, []string{"A1", "A2"}, publishedIDs(t, client.Published()))
	assert.Equal(t, 0, bt.QueueLen())
	assert.EqualValues(t, 2, bt.QueueStats().Flushed)
}

func TestBrokerNewSendsQueueBehindBacklog(t *testing.T) {
	bt, client, _ := newTestBroker(t, 10)
	ctx := context.Background()
	queueWhileDown(t, bt, client, "A1", "A2")

	// First flush publish fails, A1 and A2 stay queued.
	client.FailPublishAt(1)
	require.NoError(t, bt.Connect(ctx))
	require.Equal(t, 2, bt.QueueLen())

	require.NoError(t, bt.Send(ctx, testEnvelope(t, "A3", envelope.DataTypeDetection)))

	assert.Equal(t, []string{"A1", "A2", "A3"}, publishedIDs(t, client.Published()))
	assert.Equal(t, 0, bt.QueueLen())
}

func TestBrokerFlushStopsAtFirstFailure(t *testing.T) {
	bt, client, _ := newTestBroker(t, 10)
	ctx := context.Background()
	queueWhileDown(t, bt, client, "A1", "A2", "A3")

	client.FailPublishAt(2)
	require.NoError(t, bt.Connect(ctx))

	assert.Equal(t, []string{"A1"}, publishedIDs(t, client.Published()))
	require.Equal(t, 2, bt.QueueLen())
	assert.Equal(t, "A2", bt.QueuedEntries()[0].MessageID)

	n, err := bt.Flush(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.Equal(t, []string{"A1", "A2", "A3"}, publishedIDs(t, client.Published()))
}

func TestBrokerQueueOverflowDropsOldest(t *testing.T) {
	bt, client, _ := newTestBroker(t, 2)
	queueWhileDown(t, bt, client, "A1", "A2", "A3")

	stats := bt.QueueStats()
	assert.Equal(t, 2, stats.Depth)
	assert.EqualValues(t, 1, stats.Dropped)
	entries := bt.QueuedEntries()
	assert.Equal(t, "A2", entries[0].MessageID)
	assert.Equal(t, "A3", entries[1].MessageID)
}

func TestBrokerPublishRejectedWhileConnected(t *testing.T) {
	bt, client, _ := newTestBroker(t, 10)
	ctx := context.Background()
	require.NoError(t, bt.Connect(ctx))

	client.SetPublishError(errors.New("not authorized"))
	err := bt.Send(ctx, testEnvelope(t, "A1", envelope.DataTypeDetection))
	require.Error(t, err)
	assert.True(t, commerrors.IsCode(err, commerrors.CodeSendFailure))
	assert.Equal(t, 0, bt.QueueLen())
}

func TestBrokerReconnectExhaustionAndManualConnect(t *testing.T) {
	var mu sync.Mutex
	var exhausted []Kind
	bt, client, sleeper := newTestBroker(t, 10, WithExhaustedObserver(func(kind Kind, err error) {
		mu.Lock()
		defer mu.Unlock()
		if commerrors.IsCode(err, commerrors.CodeMaxReconnectExceeded) {
			exhausted = append(exhausted, kind)
		}
	}))
	client.SetConnectError(errors.New("broker down"))

	bt.TriggerReconnect()
	WaitForCondition(t, 2*time.Second, bt.Exhausted, "reconnect exhaustion")

	assert.Equal(t, 5, client.ConnectCalls())
	assert.Equal(t, 5, bt.ReconnectAttempts())
	assert.Equal(t, StateDisconnected, bt.State())
	assert.Equal(t, []time.Duration{time.Second, 2 * time.Second, 4 * time.Second, 8 * time.Second, 16 * time.Second}, sleeper.Delays())
	mu.Lock()
	assert.Equal(t, []Kind{KindBroker}, exhausted)
	mu.Unlock()

	bt.TriggerReconnect()
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, 5, client.ConnectCalls(), "no sixth attempt")

	client.SetConnectError(nil)
	require.NoError(t, bt.Connect(context.Background()))
	assert.False(t, bt.Exhausted())
	assert.Equal(t, 0, bt.ReconnectAttempts())
	assert.True(t, bt.IsConnected())
}

func TestBrokerRecoversFromLinkLoss(t *testing.T) {
	var mu sync.Mutex
	var states []State
	bt, client, _ := newTestBroker(t, 10, WithStateObserver(func(_ Kind, _, to State) {
		mu.Lock()
		states = append(states, to)
		mu.Unlock()
	}))
	require.NoError(t, bt.Connect(context.Background()))

	client.DropConnection(errors.New("keepalive timeout"))
	WaitForCondition(t, 2*time.Second, func() bool {
		return bt.IsConnected() && client.ConnectCalls() == 2
	}, "reconnect after link loss")

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []State{StateConnecting, StateConnected, StateReconnecting, StateConnecting, StateConnected}, states)
}

func TestBrokerSurfacesInboundMessages(t *testing.T) {
	bt, client, _ := newTestBroker(t, 10)
	require.NoError(t, bt.Connect(context.Background()))

	require.True(t, client.Deliver(bt.Topics().ConfigUpdate(), []byte(`{"config_id":"c9"}`)))
	require.True(t, client.Deliver(bt.Topics().BlacklistUpdates(), []byte(`{"plates":["AB1234"]}`)))

	first := <-bt.Inbound()
	assert.Equal(t, InboundConfigUpdate, first.Type)
	assert.Equal(t, KindBroker, first.Transport)
	assert.JSONEq(t, `{"config_id":"c9"}`, string(first.Payload))

	second := <-bt.Inbound()
	assert.Equal(t, InboundBlacklistUpdate, second.Type)
	assert.Equal(t, "lprserver/blacklist/updates", second.Topic)
}

func TestBrokerSendDuringFlushKeepsDeadline(t *testing.T) {
	bt, client, _ := newTestBroker(t, 50)
	ids := make([]string, 20)
	for i := range ids {
		ids[i] = fmt.Sprintf("A%02d", i+1)
	}
	queueWhileDown(t, bt, client, ids...)
	client.SetPublishDelay(20 * time.Millisecond)

	connected := make(chan error, 1)
	go func() { connected <- bt.Connect(context.Background()) }()
	WaitForCondition(t, 2*time.Second, func() bool { return len(client.Published()) > 0 }, "flush to start")

	send := NewTimeoutMiddleware(50 * time.Millisecond).Wrap(bt)
	start := time.Now()
	require.NoError(t, send.Send(context.Background(), testEnvelope(t, "LATE", envelope.DataTypeDetection)))
	assert.Less(t, time.Since(start), 200*time.Millisecond, "send must not wait for the drain")

	require.NoError(t, <-connected)
	assert.Equal(t, append(ids, "LATE"), publishedIDs(t, client.Published()))
	assert.Equal(t, 0, bt.QueueLen())
}

func TestBrokerSendQueuesWhenPublishOutlivesDeadline(t *testing.T) {
	bt, client, _ := newTestBroker(t, 10)
	require.NoError(t, bt.Connect(context.Background()))
	client.SetPublishDelay(200 * time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	require.NoError(t, bt.Send(ctx, testEnvelope(t, "A1", envelope.DataTypeDetection)))
	assert.Equal(t, 1, bt.QueueLen())
	assert.Empty(t, client.Published())

	client.SetPublishDelay(0)
	n, err := bt.Flush(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, []string{"A1"}, publishedIDs(t, client.Published()))
}

func TestBrokerTriggerWhileGivingUpStaysDisconnected(t *testing.T) {
	var bt *BrokerTransport
	bt, client, _ := newTestBroker(t, 10, WithExhaustedObserver(func(Kind, error) {
		// Lands after the move to disconnected, before the sequence ends.
		bt.TriggerReconnect()
	}))
	client.SetConnectError(errors.New("broker down"))

	bt.TriggerReconnect()
	WaitForCondition(t, 2*time.Second, bt.Exhausted, "reconnect exhaustion")

	assert.Equal(t, StateDisconnected, bt.State())
	assert.Equal(t, 5, client.ConnectCalls())
}
