package platform

import (
	"encoding/hex"
	"fmt"
	"sync"

	pahomqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/pion/logging"

	"github.com/backkem/imengine/pkg/datamodel"
	"github.com/backkem/imengine/pkg/tlv"
)

// Publisher is the part of an MQTT client the bridge publishes through.
// pahomqtt.Client satisfies it.
type Publisher interface {
	Publish(topic string, qos byte, retained bool, payload interface{}) pahomqtt.Token
}

// MQTTBridgeConfig configures an MQTTBridge.
type MQTTBridgeConfig struct {
	Broker      string
	ClientID    string
	TopicPrefix string

	// Client replaces the paho client built from Broker and ClientID.
	Client Publisher

	LoggerFactory logging.LoggerFactory
}

// MQTTBridge publishes every attribute change as a retained QoS 0 message
// on "<prefix>/<endpoint>/<cluster hex>/<attribute hex>" whose payload is
// the hex of the TLV value.
type MQTTBridge struct {
	prefix string
	client Publisher
	paho   pahomqtt.Client
	log    logging.LeveledLogger

	mu        sync.Mutex
	published int
}

// NewMQTTBridge builds a bridge. Unless cfg.Client is set, it creates a
// paho client that reconnects by itself; call Connect to start it.
func NewMQTTBridge(cfg MQTTBridgeConfig) (*MQTTBridge, error) {
	lf := cfg.LoggerFactory
	if lf == nil {
		lf = logging.NewDefaultLoggerFactory()
	}
	b := &MQTTBridge{
		prefix: cfg.TopicPrefix,
		client: cfg.Client,
		log:    lf.NewLogger("mqtt"),
	}
	if b.client != nil {
		return b, nil
	}
	if cfg.Broker == "" {
		return nil, fmt.Errorf("platform: mqtt broker is required")
	}
	opts := pahomqtt.NewClientOptions().
		AddBroker(cfg.Broker).
		SetClientID(cfg.ClientID).
		SetAutoReconnect(true).
		SetConnectRetry(true).
		SetOnConnectHandler(func(pahomqtt.Client) {
			b.log.Infof("connected to %s", cfg.Broker)
		}).
		SetConnectionLostHandler(func(_ pahomqtt.Client, err error) {
			b.log.Warnf("connection to %s lost: %v", cfg.Broker, err)
		})
	b.paho = pahomqtt.NewClient(opts)
	b.client = b.paho
	return b, nil
}

// Connect starts connecting the paho client. It returns at once; the
// client keeps retrying in the background.
func (b *MQTTBridge) Connect() {
	if b.paho != nil {
		b.paho.Connect()
	}
}

// Close disconnects the paho client, allowing 250ms for queued work.
func (b *MQTTBridge) Close() error {
	if b.paho != nil {
		b.paho.Disconnect(250)
	}
	return nil
}

// Topic returns the topic changes to path are published on.
func (b *MQTTBridge) Topic(path datamodel.ConcreteAttributePath) string {
	return fmt.Sprintf("%s/%d/%04x/%04x", b.prefix, path.Endpoint, uint32(path.Cluster), uint32(path.Attribute))
}

// OnAttributeChanged publishes the change. It never blocks on the broker:
// a publish that already failed is logged, anything else is left to paho.
func (b *MQTTBridge) OnAttributeChanged(path datamodel.ConcreteAttributePath, _ tlv.ElementType, _ int, value []byte) {
	topic := b.Topic(path)
	token := b.client.Publish(topic, 0, true, hex.EncodeToString(value))
	b.mu.Lock()
	b.published++
	b.mu.Unlock()

	select {
	case <-token.Done():
		if err := token.Error(); err != nil {
			b.log.Warnf("publishing %s: %v", topic, err)
		}
	default:
	}
}

// Published returns how many changes were handed to the client.
func (b *MQTTBridge) Published() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.published
}
