package transport

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/popwandee/lprserver-v3-sub001/pkg/envelope"
)

func TestPublishTopics(t *testing.T) {
	topics := NewTopics("cam-01")

	tests := []struct {
		dataType envelope.DataType
		topic    string
		delivery Delivery
	}{
		{envelope.DataTypeDetection, "lprserver/cameras/cam-01/detection", Delivery{QoS: 1}},
		{envelope.DataTypeHealth, "lprserver/cameras/cam-01/health", Delivery{QoS: 0, Retain: true}},
		{envelope.DataTypeConfig, "lprserver/cameras/cam-01/config", Delivery{QoS: 2, Retain: true}},
		{envelope.DataTypeControl, "lprserver/cameras/cam-01/control/response", Delivery{QoS: 2}},
	}
	for _, tt := range tests {
		t.Run(string(tt.dataType), func(t *testing.T) {
			topic, ok := topics.PublishTopic(tt.dataType)
			assert.True(t, ok)
			assert.Equal(t, tt.topic, topic)
			assert.Equal(t, tt.delivery, DeliveryFor(tt.dataType))
		})
	}

	_, ok := topics.PublishTopic("telemetry")
	assert.False(t, ok)
}

func TestSubscriptionTopics(t *testing.T) {
	topics := NewTopics("cam-01")
	assert.Equal(t, map[string]InboundType{
		"lprserver/cameras/cam-01/config/update": InboundConfigUpdate,
		"lprserver/cameras/cam-01/control":       InboundControl,
		"lprserver/blacklist/updates":            InboundBlacklistUpdate,
	}, topics.Subscriptions())

	for topic, want := range topics.Subscriptions() {
		got, ok := classifyTopic(topic)
		assert.True(t, ok)
		assert.Equal(t, want, got)
	}
	_, ok := classifyTopic(topics.ControlResponse())
	assert.False(t, ok)
	assert.Equal(t, "lprserver/checkpoints/cp-7/status", topics.Checkpoint("cp-7"))
	assert.Len(t, topics.All(), 8)
}
