package service_test

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/popwandee/lprserver-v3-sub001/pkg/config"
	"github.com/popwandee/lprserver-v3-sub001/pkg/envelope"
	commerrors "github.com/popwandee/lprserver-v3-sub001/pkg/errors"
	"github.com/popwandee/lprserver-v3-sub001/pkg/health"
	"github.com/popwandee/lprserver-v3-sub001/pkg/ingest"
	"github.com/popwandee/lprserver-v3-sub001/pkg/logging"
	"github.com/popwandee/lprserver-v3-sub001/pkg/selector"
	"github.com/popwandee/lprserver-v3-sub001/pkg/service"
	"github.com/popwandee/lprserver-v3-sub001/pkg/transport"
	"github.com/popwandee/lprserver-v3-sub001/pkg/utils"
)

type fixture struct {
	svc    *service.Service
	broker *transport.FakeBrokerClient

	mu     sync.Mutex
	stored []string
}

func (f *fixture) storedIDs() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.stored...)
}

func testConfig(requestURL string) config.Config {
	cfg := config.Default()
	cfg.Device.ID = "cam-01"
	cfg.Socket.Enabled = false
	cfg.Request.BaseURL = requestURL
	cfg.Broker.Reconnect = cfg.Reconnect
	cfg.Monitor.Interval = time.Hour
	cfg.Admin.Addr = "127.0.0.1:0"
	return cfg
}

func newFixture(t *testing.T, mutate func(*config.Config), opts ...service.Option) *fixture {
	t.Helper()
	f := &fixture{broker: transport.NewFakeBrokerClient()}

	server := httptest.NewServer(ingest.NewHandler(ingest.SinkFunc(func(_ context.Context, env *envelope.Envelope) error {
		f.mu.Lock()
		f.stored = append(f.stored, env.MessageID)
		f.mu.Unlock()
		return nil
	})))
	t.Cleanup(server.Close)

	cfg := testConfig(server.URL)
	if mutate != nil {
		mutate(&cfg)
	}
	opts = append([]service.Option{
		service.WithLogger(logging.Nop()),
		service.WithBrokerClient(f.broker),
	}, opts...)

	svc, err := service.New(cfg, opts...)
	require.NoError(t, err)
	f.svc = svc
	return f
}

func TestNewRejectsInvalidConfig(t *testing.T) {
	cfg := testConfig("http://localhost:1")
	cfg.Request.Enabled = false
	cfg.Broker.Enabled = false

	_, err := service.New(cfg, service.WithLogger(logging.Nop()))
	require.Error(t, err)
	assert.True(t, commerrors.IsCode(err, commerrors.CodeNoTransports))
}

func TestLifecycleAndSubmit(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	require.NoError(t, f.svc.Start(ctx))
	assert.Error(t, f.svc.Start(ctx), "second start")

	res := f.svc.Tick(ctx)
	assert.Equal(t, health.LevelExcellent, res.Level)

	env, err := f.svc.Submit(ctx, envelope.DataTypeDetection, &envelope.DetectionPayload{
		LicensePlate: "1กข 1234",
		Confidence:   0.93,
	})
	require.NoError(t, err)
	assert.Equal(t, "cam-01", env.EdgeDeviceID)

	stats := f.svc.Stats()
	assert.Equal(t, int64(1), stats.MessagesSent)
	assert.Equal(t, 1, len(f.storedIDs())+len(f.broker.Published()),
		"delivered exactly once through one transport")

	_, err = f.svc.Submit(ctx, envelope.DataType("selfie"), map[string]string{})
	require.Error(t, err)
	assert.Equal(t, int64(1), f.svc.Stats().Errors)

	require.NoError(t, f.svc.Stop(ctx))
	require.NoError(t, f.svc.Stop(ctx), "stop is idempotent")
	assert.False(t, f.broker.IsConnected())
}

func TestFallsBackWhenBrokerFails(t *testing.T) {
	f := newFixture(t, func(c *config.Config) {
		c.Selector.FallbackOrder = []string{"broker", "request", "socket"}
	})
	ctx := context.Background()
	defer f.svc.Stop(ctx)

	// No monitor runs, so the operator switch to the broker stands.
	require.NoError(t, f.svc.Connect(ctx, transport.KindBroker))
	f.broker.SetPublishError(errors.New("broker overloaded"))

	_, err := f.svc.Submit(ctx, envelope.DataTypeHealth, &envelope.HealthPayload{Status: envelope.HealthStatusHealthy})
	require.NoError(t, err)
	assert.Len(t, f.storedIDs(), 1)

	st := f.svc.Status()
	assert.Equal(t, transport.KindRequest, st.Current)
	last := st.Switches[len(st.Switches)-1]
	assert.Equal(t, selector.ReasonFallbackSuccess, last.Reason)
	assert.Equal(t, transport.KindBroker, last.From)
}

func TestInboundMerged(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	require.NoError(t, f.svc.Start(ctx))
	defer f.svc.Stop(ctx)

	topics := transport.NewTopics("cam-01")
	require.True(t, f.broker.Deliver(topics.Control(), []byte(`{"command":"reboot"}`)))

	select {
	case msg := <-f.svc.Inbound():
		assert.Equal(t, transport.InboundControl, msg.Type)
		assert.Equal(t, transport.KindBroker, msg.Transport)
		assert.JSONEq(t, `{"command":"reboot"}`, string(msg.Payload))
	case <-time.After(2 * time.Second):
		t.Fatal("inbound message not forwarded")
	}
}

func TestAdminServer(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	require.NoError(t, f.svc.Start(ctx))
	defer f.svc.Stop(ctx)
	f.svc.Tick(ctx)

	base := "http://" + f.svc.AdminAddr().String()

	resp, err := http.Get(base + "/status")
	require.NoError(t, err)
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, string(body), `"device_id":"cam-01"`)
	assert.Contains(t, string(body), `"transport":"broker"`)

	resp, err = http.Get(base + "/metrics")
	require.NoError(t, err)
	body, _ = io.ReadAll(resp.Body)
	resp.Body.Close()
	assert.Contains(t, string(body), "lpr_edge_connectivity_level")
	assert.Contains(t, string(body), "lpr_edge_offline_queue_depth")

	resp, err = http.Post(base+"/transports/socket/reset", "application/json", nil)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode, "socket is disabled")
}

func TestExhaustedBrokerNeedsOperator(t *testing.T) {
	sleeper := &transport.RecordingSleeper{}
	f := newFixture(t, func(c *config.Config) { c.Request.Enabled = false },
		service.WithTransportOptions(transport.WithSleeper(sleeper.Sleep)))
	f.broker.SetConnectError(errors.New("connection refused"))
	ctx := context.Background()

	require.NoError(t, f.svc.Start(ctx))
	defer f.svc.Stop(ctx)

	brokerRecord := func() health.Record {
		for _, ts := range f.svc.Status().Transports {
			if ts.Kind == transport.KindBroker {
				return ts.Record
			}
		}
		return health.Record{}
	}
	require.Eventually(t, func() bool { return brokerRecord().Pinned }, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, 0.0, brokerRecord().Score)

	// Ticks do not start a new sequence while exhausted.
	calls := f.broker.ConnectCalls()
	f.svc.Tick(ctx)
	f.svc.Tick(ctx)
	assert.Equal(t, calls, f.broker.ConnectCalls())

	// Queued while down, accepted but not counted as healthy.
	_, err := f.svc.Submit(ctx, envelope.DataTypeHealth, &envelope.HealthPayload{Status: envelope.HealthStatusDegraded})
	require.NoError(t, err)
	assert.Equal(t, 0.0, brokerRecord().Score)

	f.broker.SetConnectError(nil)
	require.NoError(t, f.svc.Connect(ctx, transport.KindBroker))
	rec := brokerRecord()
	assert.False(t, rec.Pinned)
	assert.True(t, rec.Connected)

	res := f.svc.Tick(ctx)
	assert.Equal(t, 1, res.Flushed)
	assert.Len(t, f.broker.Published(), 1)
}

func TestOperatorActionsUnknownKind(t *testing.T) {
	f := newFixture(t, nil)
	assert.True(t, commerrors.IsCode(f.svc.Connect(context.Background(), "pigeon"), commerrors.CodeUnknownTransport))
	assert.True(t, commerrors.IsCode(f.svc.ResetHealth(transport.KindSocket), commerrors.CodeUnknownTransport))
	require.NoError(t, f.svc.ResetHealth(transport.KindBroker))
	require.NoError(t, f.svc.Stop(context.Background()))
}

func TestStopLeavesNoGoroutines(t *testing.T) {
	detector := utils.NewGoroutineLeakDetector(t).Match("service.(*Service)")
	detector.Start()

	f := newFixture(t, nil)
	ctx := context.Background()
	require.NoError(t, f.svc.Start(ctx))
	require.NoError(t, f.svc.Stop(ctx))

	detector.Check()
}
