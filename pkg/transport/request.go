package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/popwandee/lprserver-v3-sub001/pkg/envelope"
	commerrors "github.com/popwandee/lprserver-v3-sub001/pkg/errors"
	"github.com/popwandee/lprserver-v3-sub001/pkg/logging"
)

// Server response statuses.
const (
	StatusSuccess = "success"
	StatusError   = "error"
)

// PingPath is probed to test reachability of the request endpoint.
const PingPath = "/api/ping"

// Response is the body returned by every ingest endpoint.
type Response struct {
	Status  string `json:"status"`
	Message string `json:"message"`
}

// EndpointPath returns the ingest path for dt.
func EndpointPath(dt envelope.DataType) (string, bool) {
	if !dt.Valid() {
		return "", false
	}
	return "/api/" + string(dt), true
}

// RequestConfig configures the request transport.
type RequestConfig struct {
	BaseURL string        `yaml:"base_url"`
	Token   string        `yaml:"token"`
	Timeout time.Duration `yaml:"timeout"`
}

// DefaultRequestConfig returns the request defaults.
func DefaultRequestConfig() RequestConfig {
	return RequestConfig{
		BaseURL: "http://localhost:8765",
		Timeout: 10 * time.Second,
	}
}

// RequestTransport posts each envelope to the server in its own call. It has
// no link to maintain and always reports itself connected.
type RequestTransport struct {
	cfg     RequestConfig
	client  *http.Client
	opts    options
	logger  logging.Logger
	mu      sync.Mutex
	headers map[string]string
}

// NewRequestTransport creates a request transport against cfg.BaseURL.
func NewRequestTransport(cfg RequestConfig, opts ...Option) *RequestTransport {
	o := buildOptions(KindRequest, opts)
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	return &RequestTransport{
		cfg:     cfg,
		client:  &http.Client{Timeout: cfg.Timeout},
		opts:    o,
		logger:  o.logger.WithFields(logging.String("base_url", cfg.BaseURL)),
		headers: make(map[string]string),
	}
}

// SetHeader sets a HTTP header for all requests
func (t *RequestTransport) SetHeader(key, value string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.headers[key] = value
}

// Kind implements Transport.
func (t *RequestTransport) Kind() Kind { return KindRequest }

// Connect is a no-op; every call stands alone.
func (t *RequestTransport) Connect(ctx context.Context) error { return nil }

// Disconnect releases idle connections.
func (t *RequestTransport) Disconnect(ctx context.Context) error {
	t.client.CloseIdleConnections()
	return nil
}

// IsConnected always reports true: the transport can always be attempted.
func (t *RequestTransport) IsConnected() bool { return true }

func (t *RequestTransport) newRequest(ctx context.Context, method, path string, body []byte) (*http.Request, error) {
	var r io.Reader
	if body != nil {
		r = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, t.cfg.BaseURL+path, r)
	if err != nil {
		return nil, err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")
	if t.cfg.Token != "" {
		req.Header.Set("Authorization", "Bearer "+t.cfg.Token)
	}
	t.mu.Lock()
	for k, v := range t.headers {
		req.Header.Set(k, v)
	}
	t.mu.Unlock()
	if t.opts.headerHook != nil {
		t.opts.headerHook(ctx, req.Header)
	}
	return req, nil
}

// Send posts env to the endpoint of its data type. A non-2xx status or a
// body whose status is not "success" is a send failure.
func (t *RequestTransport) Send(ctx context.Context, env *envelope.Envelope) error {
	if env == nil {
		return commerrors.MissingField("envelope")
	}
	path, ok := EndpointPath(env.DataType)
	if !ok {
		return commerrors.UnknownDataType(string(env.DataType), nil)
	}
	body, err := envelope.Encode(env)
	if err != nil {
		return err
	}

	req, err := t.newRequest(ctx, http.MethodPost, path, body)
	if err != nil {
		return commerrors.SendFailed(string(KindRequest), env.MessageID, err)
	}

	resp, err := t.client.Do(req)
	if err != nil {
		return commerrors.ConnectionFailed(string(KindRequest), t.cfg.BaseURL+path, err).
			WithContext(&commerrors.Context{
				MessageID: env.MessageID,
				DeviceID:  env.EdgeDeviceID,
				Transport: string(KindRequest),
				Component: "RequestTransport",
				Operation: "send",
			})
	}
	defer resp.Body.Close()

	parsed, err := decodeResponse(resp)
	if err != nil || resp.StatusCode/100 != 2 || parsed.Status != StatusSuccess {
		msg := parsed.Message
		if msg == "" && err != nil {
			msg = err.Error()
		}
		return commerrors.RejectedByPeer(string(KindRequest), t.cfg.BaseURL+path, resp.StatusCode, msg).
			WithContext(&commerrors.Context{
				MessageID: env.MessageID,
				DeviceID:  env.EdgeDeviceID,
				Transport: string(KindRequest),
				Component: "RequestTransport",
				Operation: "send",
			})
	}

	t.logger.Debug("Envelope posted",
		logging.String("message_id", env.MessageID),
		logging.String("path", path),
	)
	return nil
}

// Probe checks that the server answers on PingPath.
func (t *RequestTransport) Probe(ctx context.Context) error {
	req, err := t.newRequest(ctx, http.MethodGet, PingPath, nil)
	if err != nil {
		return commerrors.ConnectionFailed(string(KindRequest), t.cfg.BaseURL+PingPath, err)
	}
	resp, err := t.client.Do(req)
	if err != nil {
		return commerrors.ConnectionFailed(string(KindRequest), t.cfg.BaseURL+PingPath, err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)
	if resp.StatusCode/100 != 2 {
		return commerrors.RejectedByPeer(string(KindRequest), t.cfg.BaseURL+PingPath, resp.StatusCode, "ping failed")
	}
	return nil
}

// decodeResponse reads at most 64 KiB of a {status, message} body.
func decodeResponse(resp *http.Response) (Response, error) {
	var r Response
	data, err := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	if err != nil {
		return r, err
	}
	if len(bytes.TrimSpace(data)) == 0 {
		return r, fmt.Errorf("empty response body")
	}
	if err := json.Unmarshal(data, &r); err != nil {
		return r, fmt.Errorf("decode response: %w", err)
	}
	return r, nil
}
