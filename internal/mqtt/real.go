package mqtt

import (
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	paho "github.com/eclipse/paho.mqtt.golang"
)

// DefaultBufferSize is the number of outbound messages held while offline.
const DefaultBufferSize = 256

// ErrOffline is returned for device commands published while disconnected.
// Commands are never queued.
var ErrOffline = errors.New("mqtt: not connected")

// Options configures a RealClient.
type Options struct {
	Broker      string
	ClientID    string
	SystemTopic string // LWT and system events; defaults to TopicSystem
	QoS         byte   // subscription QoS
	BufferSize  int
	Logger      *slog.Logger
}

type subscription struct {
	qos     byte
	handler Handler
}

// RealClient talks to an actual MQTT broker. Outbound messages published
// while the connection is down are buffered and flushed on reconnect, and
// subscriptions are re-established on every connect.
type RealClient struct {
	client      paho.Client
	logger      *slog.Logger
	systemTopic string
	qos         byte

	mu        sync.Mutex
	subs      map[string]subscription
	buf       *outbox
	connected bool
	everUp    bool
}

// NewRealClient creates a client and starts connecting in the background.
// It does not wait for the broker; paho retries until it is reachable.
func NewRealClient(o Options) *RealClient {
	if o.ClientID == "" {
		o.ClientID = "valve-meter"
	}
	if o.SystemTopic == "" {
		o.SystemTopic = TopicSystem
	}
	if o.BufferSize <= 0 {
		o.BufferSize = DefaultBufferSize
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}

	c := &RealClient{
		logger:      o.Logger,
		systemTopic: o.SystemTopic,
		qos:         o.QoS,
		subs:        make(map[string]subscription),
		buf:         newOutbox(o.BufferSize),
	}

	opts := paho.NewClientOptions().
		AddBroker(o.Broker).
		SetClientID(o.ClientID).
		SetAutoReconnect(true).
		SetConnectRetry(true).
		SetConnectRetryInterval(5*time.Second).
		SetMaxReconnectInterval(time.Minute).
		SetWill(o.SystemTopic, string(willPayload()), 1, true).
		SetOnConnectHandler(c.onConnect).
		SetConnectionLostHandler(func(_ paho.Client, err error) {
			c.mu.Lock()
			c.connected = false
			c.mu.Unlock()
			c.logger.Warn("mqtt connection lost", "error", err)
		})

	c.client = paho.NewClient(opts)
	token := c.client.Connect()
	if token.WaitTimeout(10*time.Second) && token.Error() != nil {
		c.logger.Error("mqtt connect failed, retrying", "broker", o.Broker, "error", token.Error())
	}
	return c
}

func (c *RealClient) onConnect(_ paho.Client) {
	c.mu.Lock()
	reconnect := c.everUp
	c.everUp = true
	c.connected = true
	subs := make(map[string]subscription, len(c.subs))
	for t, s := range c.subs {
		subs[t] = s
	}
	pending := c.buf.drain()
	c.mu.Unlock()

	c.logger.Info("mqtt connected", "reconnect", reconnect, "subscriptions", len(subs), "buffered", len(pending))

	for topic, s := range subs {
		if err := c.subscribe(topic, s); err != nil {
			c.logger.Error("mqtt resubscribe failed", "topic", topic, "error", err)
		}
	}
	for _, m := range pending {
		if err := c.send(m.topic, m.qos, m.retained, m.payload); err != nil {
			c.logger.Warn("mqtt flush failed", "topic", m.topic, "error", err)
		}
	}
	if reconnect {
		ev := SystemEvent{Timestamp: time.Now(), Event: "RECONNECTED", Retained: true}
		if err := c.PublishSystem(ev); err != nil {
			c.logger.Warn("failed to publish reconnect event", "error", err)
		}
	}
}

// IsConnected reports whether the broker connection is up.
func (c *RealClient) IsConnected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connected
}

func (c *RealClient) send(topic string, qos byte, retained bool, payload []byte) error {
	token := c.client.Publish(topic, qos, retained, payload)
	if !token.WaitTimeout(5 * time.Second) {
		return fmt.Errorf("publish timeout")
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("publish: %w", err)
	}
	return nil
}

// Publish sends payload. While disconnected, command topics fail with
// ErrOffline and everything else is queued for the next connect.
func (c *RealClient) Publish(topic string, qos byte, retained bool, payload []byte) error {
	c.mu.Lock()
	if !c.connected {
		if strings.HasSuffix(topic, commandSuffix) {
			c.mu.Unlock()
			return ErrOffline
		}
		if c.buf.push(outboxMsg{topic: topic, payload: payload, qos: qos, retained: retained}) {
			c.logger.Warn("mqtt buffer full, dropping oldest", "capacity", c.buf.capacity)
		}
		c.mu.Unlock()
		return nil
	}
	c.mu.Unlock()
	return c.send(topic, qos, retained, payload)
}

// PublishSystem sends a system lifecycle event to the MQTT broker.
func (c *RealClient) PublishSystem(event SystemEvent) error {
	payload, err := FormatSystemPayload(event)
	if err != nil {
		return fmt.Errorf("format system payload: %w", err)
	}
	// QoS 1 (at-least-once) so lifecycle events are not silently lost
	return c.Publish(c.systemTopic, 1, event.Retained, payload)
}

func (c *RealClient) subscribe(topic string, s subscription) error {
	token := c.client.Subscribe(topic, s.qos, func(_ paho.Client, m paho.Message) {
		s.handler(m.Topic(), m.Payload(), time.Now())
	})
	if !token.WaitTimeout(5 * time.Second) {
		return fmt.Errorf("subscribe %s: timeout", topic)
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("subscribe %s: %w", topic, err)
	}
	return nil
}

// Subscribe registers h for topic. While offline the subscription is recorded
// and made on the next connect.
func (c *RealClient) Subscribe(topic string, h Handler) error {
	s := subscription{qos: c.qos, handler: h}
	c.mu.Lock()
	c.subs[topic] = s
	up := c.connected
	c.mu.Unlock()
	if !up {
		return nil
	}
	return c.subscribe(topic, s)
}

// Unsubscribe removes the subscription for topic.
func (c *RealClient) Unsubscribe(topic string) error {
	c.mu.Lock()
	delete(c.subs, topic)
	up := c.connected
	c.mu.Unlock()
	if !up {
		return nil
	}
	token := c.client.Unsubscribe(topic)
	if !token.WaitTimeout(5 * time.Second) {
		return fmt.Errorf("unsubscribe %s: timeout", topic)
	}
	return token.Error()
}

// Close disconnects from the broker.
func (c *RealClient) Close() error {
	c.client.Disconnect(1000) // 1 second timeout
	return nil
}
