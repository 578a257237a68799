// Package config loads the edge communication settings from a YAML file
// overlaid with LPR_* environment variables.
package config

import (
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	commerrors "github.com/popwandee/lprserver-v3-sub001/pkg/errors"
	"github.com/popwandee/lprserver-v3-sub001/pkg/health"
	"github.com/popwandee/lprserver-v3-sub001/pkg/logging"
	"github.com/popwandee/lprserver-v3-sub001/pkg/monitor"
	"github.com/popwandee/lprserver-v3-sub001/pkg/observability"
	"github.com/popwandee/lprserver-v3-sub001/pkg/transport"
)

// Device identifies the edge device.
type Device struct {
	ID           string `yaml:"id"`
	CheckpointID string `yaml:"checkpoint_id"`
}

// Socket enables and configures the socket transport.
type Socket struct {
	Enabled                bool `yaml:"enabled"`
	transport.SocketConfig `yaml:",inline"`
}

// Request enables and configures the request transport.
type Request struct {
	Enabled                 bool `yaml:"enabled"`
	transport.RequestConfig `yaml:",inline"`
}

// Broker enables and configures the broker transport.
type Broker struct {
	Enabled                bool `yaml:"enabled"`
	transport.BrokerConfig `yaml:",inline"`
}

// Selector configures transport selection.
type Selector struct {
	// FallbackOrder lists transport kinds in cascade order.
	FallbackOrder []string `yaml:"fallback_order"`
}

// Dispatch configures the dispatcher.
type Dispatch struct {
	// AttemptTimeout bounds each transport attempt of a send.
	AttemptTimeout time.Duration `yaml:"attempt_timeout"`
	Compressed     bool          `yaml:"compressed"`
	Encrypted      bool          `yaml:"encrypted"`
}

// Admin configures the operator HTTP surface.
type Admin struct {
	Enabled bool   `yaml:"enabled"`
	Addr    string `yaml:"addr"`
}

// Logging configures the logger.
type Logging struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"` // text or json
}

// Config is the complete service configuration.
type Config struct {
	Device    Device                      `yaml:"device"`
	Socket    Socket                      `yaml:"socket"`
	Request   Request                     `yaml:"request"`
	Broker    Broker                      `yaml:"broker"`
	Reconnect transport.ReconnectConfig   `yaml:"reconnect"`
	Health    health.Config               `yaml:"health"`
	Selector  Selector                    `yaml:"selector"`
	Monitor   monitor.Config              `yaml:"monitor"`
	Dispatch  Dispatch                    `yaml:"dispatch"`
	Metrics   observability.MetricsConfig `yaml:"metrics"`
	Tracing   observability.TracingConfig `yaml:"tracing"`
	Admin     Admin                       `yaml:"admin"`
	Logging   Logging                     `yaml:"logging"`
}

// Default returns a configuration with all three transports enabled against
// a local server. Per-transport reconnect settings are left zero and
// inherit the top-level Reconnect section.
func Default() Config {
	socket := transport.DefaultSocketConfig()
	socket.Reconnect = transport.ReconnectConfig{}
	broker := transport.DefaultBrokerConfig()
	broker.Reconnect = transport.ReconnectConfig{}

	return Config{
		Device:    Device{ID: hostname()},
		Socket:    Socket{Enabled: true, SocketConfig: socket},
		Request:   Request{Enabled: true, RequestConfig: transport.DefaultRequestConfig()},
		Broker:    Broker{Enabled: true, BrokerConfig: broker},
		Reconnect: transport.DefaultReconnectConfig(),
		Health:    health.DefaultConfig(),
		Selector:  Selector{FallbackOrder: []string{"broker", "request", "socket"}},
		Monitor:   monitor.DefaultConfig(),
		Dispatch:  Dispatch{AttemptTimeout: 10 * time.Second},
		Metrics:   observability.DefaultMetricsConfig(),
		Tracing:   observability.DefaultTracingConfig(),
		Admin:     Admin{Enabled: true, Addr: "127.0.0.1:9102"},
		Logging:   Logging{Level: "info", Format: "text"},
	}
}

func hostname() string {
	h, err := os.Hostname()
	if err != nil {
		return ""
	}
	return h
}

// Load reads path (if not empty) over the defaults, applies the environment
// and validates the result.
func Load(path string) (Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return Config{}, commerrors.ConfigError("file", path, err.Error())
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return Config{}, commerrors.ConfigError("file", path, err.Error())
		}
	}
	cfg.ApplyEnv()
	cfg.normalize()
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// ApplyEnv overlays LPR_* environment variables.
func (c *Config) ApplyEnv() {
	c.Device.ID = env("LPR_DEVICE_ID", c.Device.ID)
	c.Device.CheckpointID = env("LPR_CHECKPOINT_ID", c.Device.CheckpointID)

	c.Socket.Enabled = envBool("LPR_SOCKET_ENABLED", c.Socket.Enabled)
	c.Socket.URL = env("LPR_SOCKET_URL", c.Socket.URL)
	c.Request.Enabled = envBool("LPR_REQUEST_ENABLED", c.Request.Enabled)
	c.Request.BaseURL = env("LPR_REQUEST_URL", c.Request.BaseURL)
	c.Request.Timeout = envDuration("LPR_REQUEST_TIMEOUT", c.Request.Timeout)
	c.Broker.Enabled = envBool("LPR_BROKER_ENABLED", c.Broker.Enabled)
	c.Broker.URL = env("LPR_BROKER_URL", c.Broker.URL)
	c.Broker.Username = env("LPR_BROKER_USERNAME", c.Broker.Username)
	c.Broker.Password = env("LPR_BROKER_PASSWORD", c.Broker.Password)
	c.Broker.QueueCapacity = envInt("LPR_QUEUE_CAPACITY", c.Broker.QueueCapacity)

	if token := env("LPR_API_TOKEN", ""); token != "" {
		c.Socket.Token = token
		c.Request.Token = token
	}

	c.Reconnect.BaseDelay = envDuration("LPR_RECONNECT_BASE_DELAY", c.Reconnect.BaseDelay)
	c.Reconnect.MaxDelay = envDuration("LPR_RECONNECT_MAX_DELAY", c.Reconnect.MaxDelay)
	c.Reconnect.MaxAttempts = envInt("LPR_RECONNECT_MAX_ATTEMPTS", c.Reconnect.MaxAttempts)
	c.Monitor.Interval = envDuration("LPR_MONITOR_INTERVAL", c.Monitor.Interval)

	c.Admin.Enabled = envBool("LPR_ADMIN_ENABLED", c.Admin.Enabled)
	c.Admin.Addr = env("LPR_ADMIN_ADDR", c.Admin.Addr)
	c.Tracing.ExporterType = observability.ExporterType(env("LPR_TRACING_EXPORTER", string(c.Tracing.ExporterType)))
	c.Tracing.Endpoint = env("LPR_TRACING_ENDPOINT", c.Tracing.Endpoint)
	c.Logging.Level = env("LPR_LOG_LEVEL", c.Logging.Level)
	c.Logging.Format = env("LPR_LOG_FORMAT", c.Logging.Format)
}

// normalize fills values derived from other sections.
func (c *Config) normalize() {
	c.Socket.Reconnect = c.reconnectOr(c.Socket.Reconnect)
	c.Broker.Reconnect = c.reconnectOr(c.Broker.Reconnect)
	if c.Socket.CheckpointID == "" {
		c.Socket.CheckpointID = c.Device.CheckpointID
	}
	if c.Broker.ClientID == "" && c.Device.ID != "" {
		c.Broker.ClientID = "lpr-edge-" + c.Device.ID
	}
	c.Metrics.DeviceID = c.Device.ID
}

// reconnectOr returns r, or the top-level reconnect section when r is unset.
func (c Config) reconnectOr(r transport.ReconnectConfig) transport.ReconnectConfig {
	if r == (transport.ReconnectConfig{}) {
		return c.Reconnect
	}
	return r
}

// EnabledKinds returns the enabled transports in fallback order.
func (c Config) EnabledKinds() []transport.Kind {
	enabled := map[transport.Kind]bool{
		transport.KindSocket:  c.Socket.Enabled,
		transport.KindRequest: c.Request.Enabled,
		transport.KindBroker:  c.Broker.Enabled,
	}
	var kinds []transport.Kind
	for _, k := range c.FallbackOrder() {
		if enabled[k] {
			kinds = append(kinds, k)
		}
	}
	return kinds
}

// FallbackOrder returns the configured cascade order, or the default one.
func (c Config) FallbackOrder() []transport.Kind {
	if len(c.Selector.FallbackOrder) == 0 {
		return append([]transport.Kind(nil), transport.Kinds...)
	}
	order := make([]transport.Kind, 0, len(c.Selector.FallbackOrder))
	for _, k := range c.Selector.FallbackOrder {
		order = append(order, transport.Kind(strings.ToLower(strings.TrimSpace(k))))
	}
	return order
}

// Validate reports the first misconfiguration. Every error it returns is a
// CodeConfigError-family CommError and fatal at startup.
func (c Config) Validate() error {
	if strings.TrimSpace(c.Device.ID) == "" {
		return commerrors.ConfigError("device.id", c.Device.ID, "must not be empty")
	}
	if len(c.EnabledKinds()) == 0 {
		return commerrors.NoTransportsConfigured()
	}

	seen := map[transport.Kind]bool{}
	for _, k := range c.FallbackOrder() {
		if !isKind(k) {
			return commerrors.ConfigError("selector.fallback_order", string(k), "must be one of socket, request, broker")
		}
		if seen[k] {
			return commerrors.ConfigError("selector.fallback_order", string(k), "listed twice")
		}
		seen[k] = true
	}

	if c.Socket.Enabled {
		if err := validateURL("socket.url", c.Socket.URL, "ws", "wss"); err != nil {
			return err
		}
		if err := validateReconnect("socket.reconnect", c.reconnectOr(c.Socket.Reconnect)); err != nil {
			return err
		}
	}
	if c.Request.Enabled {
		if err := validateURL("request.base_url", c.Request.BaseURL, "http", "https"); err != nil {
			return err
		}
	}
	if c.Broker.Enabled {
		if err := validateURL("broker.url", c.Broker.URL, "tcp", "ssl", "tls", "mqtt", "mqtts", "ws", "wss"); err != nil {
			return err
		}
		if c.Broker.QueueCapacity <= 0 {
			return commerrors.ConfigError("broker.queue_capacity", c.Broker.QueueCapacity, "must be positive")
		}
		if err := validateReconnect("broker.reconnect", c.reconnectOr(c.Broker.Reconnect)); err != nil {
			return err
		}
	}

	h := c.Health
	if h.SuccessIncrement <= 0 || h.FailureDecrement <= 0 {
		return commerrors.ConfigError("health", fmt.Sprintf("+%v/-%v", h.SuccessIncrement, h.FailureDecrement), "increments must be positive")
	}
	if !(h.ExcellentAt > h.GoodAt && h.GoodAt > h.PoorAt && h.PoorAt > 0 && h.ExcellentAt <= 1) {
		return commerrors.ConfigError("health", fmt.Sprintf("%v/%v/%v", h.ExcellentAt, h.GoodAt, h.PoorAt), "thresholds must satisfy 1 >= excellent > good > poor > 0")
	}
	if c.Monitor.Interval <= 0 {
		return commerrors.ConfigError("monitor.interval", c.Monitor.Interval, "must be positive")
	}
	if _, err := logging.ParseLevel(c.Logging.Level); err != nil {
		return commerrors.ConfigError("logging.level", c.Logging.Level, err.Error())
	}
	switch c.Logging.Format {
	case "", "text", "json":
	default:
		return commerrors.ConfigError("logging.format", c.Logging.Format, "must be text or json")
	}
	return nil
}

func isKind(k transport.Kind) bool {
	for _, known := range transport.Kinds {
		if k == known {
			return true
		}
	}
	return false
}

func validateURL(key, raw string, schemes ...string) error {
	u, err := url.Parse(raw)
	if err != nil || u.Host == "" {
		return commerrors.ConfigError(key, raw, "must be an absolute URL")
	}
	for _, s := range schemes {
		if u.Scheme == s {
			return nil
		}
	}
	return commerrors.ConfigError(key, raw, "scheme must be one of "+strings.Join(schemes, ", "))
}

func validateReconnect(key string, r transport.ReconnectConfig) error {
	if r.BaseDelay <= 0 {
		return commerrors.ConfigError(key+".base_delay", r.BaseDelay, "must be positive")
	}
	if r.MaxAttempts <= 0 {
		return commerrors.ConfigError(key+".max_attempts", r.MaxAttempts, "must be positive")
	}
	if r.MaxDelay > 0 && r.MaxDelay < r.BaseDelay {
		return commerrors.ConfigError(key+".max_delay", r.MaxDelay, "must not be below base_delay")
	}
	return nil
}

func env(key, fallback string) string {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return fallback
	}
	return v
}

func envInt(key string, fallback int) int {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return fallback
	}
	i, err := strconv.Atoi(v)
	if err != nil {
		return fallback
	}
	return i
}

func envBool(key string, fallback bool) bool {
	v := strings.TrimSpace(strings.ToLower(os.Getenv(key)))
	switch v {
	case "1", "true", "yes", "y", "on":
		return true
	case "0", "false", "no", "n", "off":
		return false
	default:
		return fallback
	}
}

func envDuration(key string, fallback time.Duration) time.Duration {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return fallback
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return fallback
	}
	return d
}
