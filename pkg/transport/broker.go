package transport

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/popwandee/lprserver-v3-sub001/pkg/envelope"
	commerrors "github.com/popwandee/lprserver-v3-sub001/pkg/errors"
	"github.com/popwandee/lprserver-v3-sub001/pkg/logging"
)

// BrokerClient is the slice of an MQTT client the broker transport needs.
// The production implementation wraps paho; tests use FakeBrokerClient.
type BrokerClient interface {
	Connect(ctx context.Context) error
	Disconnect()
	IsConnected() bool
	Publish(ctx context.Context, topic string, qos byte, retain bool, payload []byte) error
	Subscribe(ctx context.Context, topic string, qos byte, handler func(topic string, payload []byte)) error
	// OnConnectionLost registers the callback for unsolicited link loss.
	OnConnectionLost(fn func(err error))
}

// BrokerConfig configures the broker transport and its MQTT client.
type BrokerConfig struct {
	URL            string          `yaml:"url"`
	ClientID       string          `yaml:"client_id"`
	Username       string          `yaml:"username"`
	Password       string          `yaml:"password"`
	KeepAlive      time.Duration   `yaml:"keep_alive"`
	ConnectTimeout time.Duration   `yaml:"connect_timeout"`
	PublishTimeout time.Duration   `yaml:"publish_timeout"`
	CleanSession   bool            `yaml:"clean_session"`
	QueueCapacity  int             `yaml:"queue_capacity"`
	InboundBuffer  int             `yaml:"inbound_buffer"`
	Reconnect      ReconnectConfig `yaml:"reconnect"`
}

// DefaultBrokerConfig returns the broker defaults.
func DefaultBrokerConfig() BrokerConfig {
	return BrokerConfig{
		URL:            "tcp://localhost:1883",
		KeepAlive:      60 * time.Second,
		ConnectTimeout: 10 * time.Second,
		PublishTimeout: 5 * time.Second,
		CleanSession:   true,
		QueueCapacity:  DefaultQueueCapacity,
		InboundBuffer:  64,
		Reconnect:      DefaultReconnectConfig(),
	}
}

// subscriptionQoS is the QoS used when subscribing to inbound topics.
var subscriptionQoS = map[InboundType]byte{
	InboundConfigUpdate:    2,
	InboundControl:         2,
	InboundBlacklistUpdate: BlacklistDelivery.QoS,
}

// BrokerTransport publishes envelopes to per-device topics. While the link
// is down envelopes are kept in a bounded offline queue and flushed in
// order once it is back.
type BrokerTransport struct {
	cfg    BrokerConfig
	topics Topics
	client BrokerClient
	opts   options
	logger logging.Logger

	sm          *StateMachine
	queue       *OfflineQueue
	reconnector *Reconnector

	// publishSem is a one-slot semaphore serializing every publish so queued
	// entries always leave before newer sends. Acquiring it honours the
	// caller's context.
	publishSem chan struct{}
	// flushing is set while a flush drains the queue; sends arriving then
	// join the queue tail instead of waiting for the drain.
	flushing atomic.Bool

	inbound chan Inbound
}

// NewBrokerTransport creates a broker transport for deviceID on top of client.
func NewBrokerTransport(cfg BrokerConfig, deviceID string, client BrokerClient, opts ...Option) *BrokerTransport {
	if cfg.InboundBuffer <= 0 {
		cfg.InboundBuffer = 64
	}
	o := buildOptions(KindBroker, opts)
	b := &BrokerTransport{
		cfg:     cfg,
		topics:  NewTopics(deviceID),
		client:  client,
		opts:    o,
		logger:  o.logger.WithFields(logging.String("broker", cfg.URL)),
		sm:      NewStateMachine(KindBroker, o.onState),
		queue:      NewOfflineQueue(cfg.QueueCapacity),
		publishSem: make(chan struct{}, 1),
		inbound:    make(chan Inbound, cfg.InboundBuffer),
	}
	b.reconnector = NewReconnector(KindBroker, cfg.Reconnect, b.redial, o.sleep, b.logger, nil, b.exhausted)
	client.OnConnectionLost(b.linkLost)
	return b
}

// Kind implements Transport.
func (b *BrokerTransport) Kind() Kind { return KindBroker }

// Topics returns the topic tree used by this transport.
func (b *BrokerTransport) Topics() Topics { return b.topics }

// State returns the connection state.
func (b *BrokerTransport) State() State { return b.sm.State() }

// IsConnected implements Transport.
func (b *BrokerTransport) IsConnected() bool {
	return b.sm.Is(StateConnected)
}

// Connect dials the broker. It cancels a running reconnect sequence and
// clears exhaustion when it succeeds.
func (b *BrokerTransport) Connect(ctx context.Context) error {
	if b.IsConnected() {
		return nil
	}
	b.reconnector.Stop()
	if b.IsConnected() {
		b.reconnector.Reset()
		return nil
	}

	if err := b.sm.Transition(StateConnecting); err != nil {
		return commerrors.ConnectionFailed(string(KindBroker), b.cfg.URL, err)
	}
	if err := b.establish(ctx); err != nil {
		_ = b.sm.Transition(StateDisconnected)
		return err
	}
	b.reconnector.Reset()
	return nil
}

// redial is one reconnect attempt.
func (b *BrokerTransport) redial(ctx context.Context) error {
	if err := b.sm.Transition(StateConnecting); err != nil {
		return err
	}
	if err := b.establish(ctx); err != nil {
		_ = b.sm.Transition(StateReconnecting)
		return err
	}
	return nil
}

// establish connects, subscribes and flushes the offline queue.
func (b *BrokerTransport) establish(ctx context.Context) error {
	if err := b.client.Connect(ctx); err != nil {
		return commerrors.ConnectionFailed(string(KindBroker), b.cfg.URL, err)
	}
	for topic, typ := range b.topics.Subscriptions() {
		if err := b.client.Subscribe(ctx, topic, subscriptionQoS[typ], b.receive); err != nil {
			b.client.Disconnect()
			return commerrors.ConnectionFailed(string(KindBroker), b.cfg.URL, err)
		}
	}
	if err := b.sm.Transition(StateConnected); err != nil {
		b.client.Disconnect()
		return commerrors.ConnectionFailed(string(KindBroker), b.cfg.URL, err)
	}
	b.logger.Info("Broker connected", logging.Int("queued", b.queue.Len()))

	if n, err := b.Flush(ctx); err != nil {
		b.logger.WithError(err).Warn("Offline queue flush incomplete", logging.Int("flushed", n))
	} else if n > 0 {
		b.logger.Info("Offline queue flushed", logging.Int("flushed", n))
	}
	return nil
}

// Disconnect stops reconnecting and closes the link. Queued entries are kept.
func (b *BrokerTransport) Disconnect(ctx context.Context) error {
	b.reconnector.Stop()
	b.client.Disconnect()
	return b.sm.Transition(StateDisconnected)
}

// Send publishes env on its data type's topic. While the link is down, older
// entries are still queued or a flush is draining the queue, env is appended
// to the offline queue and Send reports success. Send never waits longer
// than ctx allows: when ctx ends before env could be published, env is
// queued.
func (b *BrokerTransport) Send(ctx context.Context, env *envelope.Envelope) error {
	if env == nil {
		return commerrors.MissingField("envelope")
	}
	topic, ok := b.topics.PublishTopic(env.DataType)
	if !ok {
		return commerrors.UnknownDataType(string(env.DataType), nil)
	}
	payload, err := envelope.Encode(env)
	if err != nil {
		return err
	}
	d := DeliveryFor(env.DataType)
	entry := QueueEntry{
		Topic:      topic,
		Payload:    payload,
		QoS:        d.QoS,
		Retain:     d.Retain,
		EnqueuedAt: b.opts.now(),
		MessageID:  env.MessageID,
	}

	if !b.IsConnected() {
		b.enqueue(entry)
		b.TriggerReconnect()
		return nil
	}

	queued := false
	if b.flushing.Load() {
		b.enqueue(entry)
		if b.flushing.Load() {
			return nil
		}
		// The drain ended before picking env up; flush it below.
		queued = true
	}

	if err := b.acquire(ctx); err != nil {
		if !queued {
			b.enqueue(entry)
		}
		b.logger.Debug("Publish slot busy past deadline, entry queued",
			logging.String("message_id", entry.MessageID))
		return nil
	}
	defer b.release()

	if queued || b.queue.Len() > 0 {
		if !queued {
			b.enqueue(entry)
		}
		if _, err := b.flushLocked(ctx); err != nil {
			b.logger.WithError(err).Debug("Flush stopped, entry stays queued",
				logging.String("message_id", entry.MessageID))
		}
		return nil
	}

	if err := b.client.Publish(ctx, entry.Topic, entry.QoS, entry.Retain, entry.Payload); err != nil {
		switch {
		case !b.client.IsConnected():
			b.enqueue(entry)
			b.linkLost(err)
			return nil
		case ctx.Err() != nil:
			b.enqueue(entry)
			return nil
		}
		return commerrors.SendFailed(string(KindBroker), env.MessageID, err)
	}
	return nil
}

func (b *BrokerTransport) acquire(ctx context.Context) error {
	select {
	case b.publishSem <- struct{}{}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (b *BrokerTransport) release() { <-b.publishSem }

func (b *BrokerTransport) enqueue(e QueueEntry) {
	dropped, evicted := b.queue.Push(e)
	if evicted {
		stats := b.queue.Stats()
		err := commerrors.QueueOverflow(stats.Capacity, stats.Dropped, dropped.MessageID, dropped.Topic)
		b.logger.WithError(err).Warn("Offline queue full, oldest entry dropped")
		return
	}
	b.logger.Debug("Envelope queued",
		logging.String("message_id", e.MessageID),
		logging.String("topic", e.Topic),
		logging.Int("depth", b.queue.Len()),
	)
}

// Flush publishes queued entries in FIFO order. An entry leaves the queue
// only after its publish succeeded; the first failure stops the flush.
func (b *BrokerTransport) Flush(ctx context.Context) (int, error) {
	if err := b.acquire(ctx); err != nil {
		return 0, commerrors.FlushFailed(0, b.queue.Len(), err)
	}
	defer b.release()
	return b.flushLocked(ctx)
}

// flushLocked drains the queue. The caller holds publishSem.
func (b *BrokerTransport) flushLocked(ctx context.Context) (int, error) {
	if b.queue.Len() == 0 {
		return 0, nil
	}
	if !b.IsConnected() {
		return 0, commerrors.FlushFailed(0, b.queue.Len(), commerrors.NotConnected(string(KindBroker)))
	}
	b.flushing.Store(true)
	defer b.flushing.Store(false)

	flushed := 0
	for {
		e, ok := b.queue.Peek()
		if !ok {
			// A send may have joined the tail after the last peek.
			b.flushing.Store(false)
			if b.queue.Len() == 0 {
				return flushed, nil
			}
			b.flushing.Store(true)
			continue
		}
		if err := b.client.Publish(ctx, e.Topic, e.QoS, e.Retain, e.Payload); err != nil {
			if !b.client.IsConnected() {
				b.linkLost(err)
			}
			return flushed, commerrors.FlushFailed(flushed, b.queue.Len(), err)
		}
		b.queue.Ack(e.MessageID)
		flushed++
	}
}

// QueueLen implements Flusher.
func (b *BrokerTransport) QueueLen() int { return b.queue.Len() }

// QueueStats implements Flusher.
func (b *BrokerTransport) QueueStats() QueueStats { return b.queue.Stats() }

// QueuedEntries returns a copy of the offline queue.
func (b *BrokerTransport) QueuedEntries() []QueueEntry { return b.queue.Entries() }

// TriggerReconnect implements Reconnectable.
func (b *BrokerTransport) TriggerReconnect() {
	if b.IsConnected() || b.reconnector.Exhausted() {
		return
	}
	if b.sm.CompareAndTransition(StateDisconnected, StateReconnecting) {
		if !b.reconnector.Trigger() {
			// The sequence gave up between the checks above and the move.
			_ = b.sm.CompareAndTransition(StateReconnecting, StateDisconnected)
		}
		return
	}
	if b.sm.Is(StateReconnecting) {
		b.reconnector.Trigger()
	}
}

// Exhausted implements Reconnectable.
func (b *BrokerTransport) Exhausted() bool { return b.reconnector.Exhausted() }

// ReconnectAttempts implements Reconnectable.
func (b *BrokerTransport) ReconnectAttempts() int { return b.reconnector.ReconnectAttempts() }

// Inbound implements InboundSource.
func (b *BrokerTransport) Inbound() <-chan Inbound { return b.inbound }

func (b *BrokerTransport) linkLost(err error) {
	if !b.sm.CompareAndTransition(StateConnected, StateReconnecting) {
		return
	}
	b.logger.WithError(commerrors.ConnectionLost(string(KindBroker), b.cfg.URL, err)).
		Warn("Broker link lost, reconnecting")
	b.reconnector.Trigger()
}

func (b *BrokerTransport) exhausted(err error) {
	_ = b.sm.Transition(StateDisconnected)
	if b.opts.onExhausted != nil {
		b.opts.onExhausted(KindBroker, err)
	}
}

func (b *BrokerTransport) receive(topic string, payload []byte) {
	typ, ok := classifyTopic(topic)
	if !ok {
		b.logger.Debug("Ignoring message on unexpected topic", logging.String("topic", topic))
		return
	}
	msg := Inbound{
		Transport:  KindBroker,
		Type:       typ,
		Topic:      topic,
		Payload:    append([]byte(nil), payload...),
		ReceivedAt: b.opts.now(),
	}
	select {
	case b.inbound <- msg:
	default:
		b.logger.Warn("Inbound buffer full, message dropped",
			logging.String("topic", topic),
			logging.String("type", string(typ)),
		)
	}
}
