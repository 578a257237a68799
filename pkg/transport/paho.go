package transport

import (
	"context"
	"fmt"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/popwandee/lprserver-v3-sub001/pkg/logging"
)

// pahoClient adapts a paho client to BrokerClient. Paho's own reconnect
// logic is disabled; the broker transport owns the reconnect sequence.
type pahoClient struct {
	client         mqtt.Client
	connectTimeout time.Duration
	publishTimeout time.Duration

	mu     sync.RWMutex
	onLost func(err error)
}

// NewPahoClient builds the production BrokerClient.
func NewPahoClient(cfg BrokerConfig) BrokerClient {
	p := &pahoClient{
		connectTimeout: cfg.ConnectTimeout,
		publishTimeout: cfg.PublishTimeout,
	}

	opts := mqtt.NewClientOptions()
	opts.AddBroker(cfg.URL)
	opts.SetClientID(cfg.ClientID)
	if cfg.Username != "" {
		opts.SetUsername(cfg.Username)
		opts.SetPassword(cfg.Password)
	}
	if cfg.KeepAlive > 0 {
		opts.SetKeepAlive(cfg.KeepAlive)
	}
	if cfg.ConnectTimeout > 0 {
		opts.SetConnectTimeout(cfg.ConnectTimeout)
	}
	opts.SetCleanSession(cfg.CleanSession)
	opts.SetAutoReconnect(false)
	opts.SetConnectRetry(false)
	opts.SetOrderMatters(true)
	opts.SetConnectionLostHandler(func(_ mqtt.Client, err error) {
		p.mu.RLock()
		fn := p.onLost
		p.mu.RUnlock()
		if fn != nil {
			fn(err)
		}
	})

	p.client = mqtt.NewClient(opts)
	return p
}

// SetPahoLoggers routes paho's package-level loggers through logger.
func SetPahoLoggers(logger logging.Logger) {
	mqtt.ERROR = logging.NewPrintfAdapter(logger, "paho", logging.ErrorLevel)
	mqtt.CRITICAL = logging.NewPrintfAdapter(logger, "paho", logging.ErrorLevel)
	mqtt.WARN = logging.NewPrintfAdapter(logger, "paho", logging.WarnLevel)
	mqtt.DEBUG = logging.NewPrintfAdapter(logger, "paho", logging.DebugLevel)
}

func (p *pahoClient) OnConnectionLost(fn func(err error)) {
	p.mu.Lock()
	p.onLost = fn
	p.mu.Unlock()
}

func (p *pahoClient) Connect(ctx context.Context) error {
	return waitToken(ctx, p.client.Connect(), p.connectTimeout, "connect")
}

func (p *pahoClient) Disconnect() {
	if p.client.IsConnectionOpen() {
		p.client.Disconnect(250)
	}
}

func (p *pahoClient) IsConnected() bool {
	return p.client.IsConnectionOpen()
}

func (p *pahoClient) Publish(ctx context.Context, topic string, qos byte, retain bool, payload []byte) error {
	return waitToken(ctx, p.client.Publish(topic, qos, retain, payload), p.publishTimeout, "publish")
}

func (p *pahoClient) Subscribe(ctx context.Context, topic string, qos byte, handler func(topic string, payload []byte)) error {
	token := p.client.Subscribe(topic, qos, func(_ mqtt.Client, m mqtt.Message) {
		handler(m.Topic(), m.Payload())
	})
	return waitToken(ctx, token, p.connectTimeout, "subscribe")
}

// waitToken waits for a paho token, the timeout or ctx, whichever is first.
func waitToken(ctx context.Context, token mqtt.Token, timeout time.Duration, op string) error {
	var expired <-chan time.Time
	if timeout > 0 {
		timer := time.NewTimer(timeout)
		defer timer.Stop()
		expired = timer.C
	}
	select {
	case <-token.Done():
		return token.Error()
	case <-expired:
		return fmt.Errorf("mqtt %s timeout after %s", op, timeout)
	case <-ctx.Done():
		return ctx.Err()
	}
}
