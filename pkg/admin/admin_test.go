package admin_test

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/popwandee/lprserver-v3-sub001/pkg/admin"
	commerrors "github.com/popwandee/lprserver-v3-sub001/pkg/errors"
	"github.com/popwandee/lprserver-v3-sub001/pkg/health"
	"github.com/popwandee/lprserver-v3-sub001/pkg/transport"
)

type fakeController struct {
	connectErr error
	connected  []health.Kind
	reset      []health.Kind
}

func (f *fakeController) Status() admin.Status {
	return admin.Status{
		DeviceID: "cam-01",
		Current:  transport.KindBroker,
		Level:    health.LevelPoor,
		Transports: []admin.TransportStatus{{
			Record: health.Record{Kind: transport.KindBroker, Score: 0.4, Connected: true},
			State:  transport.StateConnected.String(),
			Queue:  &transport.QueueStats{Depth: 3, Capacity: 1000},
		}},
	}
}

func (f *fakeController) Connect(_ context.Context, kind health.Kind) error {
	if kind == "pigeon" {
		return commerrors.UnknownTransport(string(kind))
	}
	if f.connectErr != nil {
		return f.connectErr
	}
	f.connected = append(f.connected, kind)
	return nil
}

func (f *fakeController) ResetHealth(kind health.Kind) error {
	f.reset = append(f.reset, kind)
	return nil
}

func do(h http.Handler, method, path string) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(method, path, nil))
	return rec
}

func TestStatus(t *testing.T) {
	h := admin.NewHandler(&fakeController{})
	rec := do(h, http.MethodGet, "/status")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, strings.HasPrefix(rec.Header().Get("X-Request-ID"), "admin-"))

	var doc map[string]interface{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &doc))
	assert.Equal(t, "broker", doc["current"])
	assert.Equal(t, "poor", doc["level"])
	tr := doc["transports"].([]interface{})[0].(map[string]interface{})
	assert.Equal(t, "broker", tr["transport"])
	assert.Equal(t, 0.4, tr["score"])
	assert.Equal(t, "connected", tr["state"])
	assert.Equal(t, float64(3), tr["queue"].(map[string]interface{})["depth"])
}

func TestConnectAndReset(t *testing.T) {
	ctrl := &fakeController{}
	h := admin.NewHandler(ctrl)

	rec := do(h, http.MethodPost, "/transports/socket/connect")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"status":"success","message":"socket connected"}`, rec.Body.String())

	rec = do(h, http.MethodPost, "/transports/broker/reset")
	assert.Equal(t, http.StatusOK, rec.Code)

	assert.Equal(t, []health.Kind{transport.KindSocket}, ctrl.connected)
	assert.Equal(t, []health.Kind{transport.KindBroker}, ctrl.reset)
}

func TestConnectErrors(t *testing.T) {
	ctrl := &fakeController{connectErr: errors.New("dial tcp: connection refused")}
	h := admin.NewHandler(ctrl)

	rec := do(h, http.MethodPost, "/transports/pigeon/connect")
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = do(h, http.MethodPost, "/transports/broker/connect")
	assert.Equal(t, http.StatusBadGateway, rec.Code)
	assert.Contains(t, rec.Body.String(), "connection refused")

	rec = do(h, http.MethodGet, "/transports/broker/connect")
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
}

func TestHealthzAndMetrics(t *testing.T) {
	h := admin.NewHandler(&fakeController{}, admin.WithMetrics(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte("lpr_edge_fallbacks_total 0\n"))
	})))

	rec := do(h, http.MethodGet, "/healthz")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"status":"ok"}`, rec.Body.String())

	rec = do(h, http.MethodGet, "/metrics")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "lpr_edge_fallbacks_total")

	rec = do(admin.NewHandler(&fakeController{}), http.MethodGet, "/metrics")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}
