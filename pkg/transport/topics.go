package transport

import (
	"fmt"
	"strings"

	"github.com/popwandee/lprserver-v3-sub001/pkg/envelope"
)

// TopicPrefix is the root of every broker topic.
const TopicPrefix = "lprserver"

// Topics builds the broker topic tree for one device.
type Topics struct {
	Prefix   string
	DeviceID string
}

// NewTopics returns the topic tree for deviceID under TopicPrefix.
func NewTopics(deviceID string) Topics {
	return Topics{Prefix: TopicPrefix, DeviceID: deviceID}
}

func (t Topics) camera(suffix string) string {
	return fmt.Sprintf("%s/cameras/%s/%s", t.Prefix, t.DeviceID, suffix)
}

func (t Topics) Detection() string       { return t.camera("detection") }
func (t Topics) Health() string          { return t.camera("health") }
func (t Topics) Config() string          { return t.camera("config") }
func (t Topics) ConfigUpdate() string    { return t.camera("config/update") }
func (t Topics) Control() string         { return t.camera("control") }
func (t Topics) ControlResponse() string { return t.camera("control/response") }

// Checkpoint returns the status topic for a checkpoint.
func (t Topics) Checkpoint(id string) string {
	return fmt.Sprintf("%s/checkpoints/%s/status", t.Prefix, id)
}

// SystemHealth is the server-wide health topic.
func (t Topics) SystemHealth() string {
	return t.Prefix + "/system/health"
}

// BlacklistUpdates carries plate blacklist changes to every device.
func (t Topics) BlacklistUpdates() string {
	return t.Prefix + "/blacklist/updates"
}

// PublishTopic maps an outbound data type to its topic. Control envelopes
// sent by a device are responses; config envelopes are acknowledgements.
func (t Topics) PublishTopic(dt envelope.DataType) (string, bool) {
	switch dt {
	case envelope.DataTypeDetection:
		return t.Detection(), true
	case envelope.DataTypeHealth:
		return t.Health(), true
	case envelope.DataTypeConfig:
		return t.Config(), true
	case envelope.DataTypeControl:
		return t.ControlResponse(), true
	}
	return "", false
}

// Subscriptions lists the inbound topics and what they carry.
func (t Topics) Subscriptions() map[string]InboundType {
	return map[string]InboundType{
		t.ConfigUpdate():     InboundConfigUpdate,
		t.Control():          InboundControl,
		t.BlacklistUpdates(): InboundBlacklistUpdate,
	}
}

// All returns every topic the device uses, for the topics command.
func (t Topics) All() []string {
	return []string{
		t.Detection(),
		t.Health(),
		t.Config(),
		t.ConfigUpdate(),
		t.Control(),
		t.ControlResponse(),
		t.SystemHealth(),
		t.BlacklistUpdates(),
	}
}

// Delivery is the QoS level and retain flag for a publish.
type Delivery struct {
	QoS    byte
	Retain bool
}

// deliveries per data type. Blacklist updates are published by the server.
var deliveries = map[envelope.DataType]Delivery{
	envelope.DataTypeDetection: {QoS: 1, Retain: false},
	envelope.DataTypeHealth:    {QoS: 0, Retain: true},
	envelope.DataTypeConfig:    {QoS: 2, Retain: true},
	envelope.DataTypeControl:   {QoS: 2, Retain: false},
}

// BlacklistDelivery is the delivery used on the blacklist topic.
var BlacklistDelivery = Delivery{QoS: 1, Retain: true}

// DeliveryFor returns the QoS and retain flag for dt. Unknown types get
// QoS 1 without retain.
func DeliveryFor(dt envelope.DataType) Delivery {
	if d, ok := deliveries[dt]; ok {
		return d
	}
	return Delivery{QoS: 1}
}

// classifyTopic maps an inbound topic to its type. It tolerates topics of
// other devices so shared subscriptions still classify.
func classifyTopic(topic string) (InboundType, bool) {
	switch {
	case strings.HasSuffix(topic, "/config/update"):
		return InboundConfigUpdate, true
	case strings.HasSuffix(topic, "/blacklist/updates"):
		return InboundBlacklistUpdate, true
	case strings.HasSuffix(topic, "/control"):
		return InboundControl, true
	}
	return "", false
}
