package mqtt

import (
	"strings"
	"sync"
	"time"
)

// Message is one publish recorded by FakeClient.
type Message struct {
	Topic    string
	QoS      byte
	Retained bool
	Payload  []byte
}

// FakeClient records published messages and lets tests inject inbound ones.
// Safe for concurrent use.
type FakeClient struct {
	mu sync.Mutex

	// Messages contains every payload published through Publish.
	Messages []Message

	// SystemEvents contains all system events that were published.
	SystemEvents []SystemEvent

	// SystemPayloads contains the JSON payloads for system events.
	SystemPayloads [][]byte

	// PublishError, if set, will be returned by Publish.
	PublishError error

	// PublishSystemError, if set, will be returned by PublishSystem.
	PublishSystemError error

	// Closed tracks if Close was called.
	Closed bool

	// Connected controls the return value of IsConnected.
	Connected bool

	handlers map[string]Handler
	onPub    func(Message)
}

// NewFakeClient creates a FakeClient for testing.
func NewFakeClient() *FakeClient {
	return &FakeClient{Connected: true, handlers: make(map[string]Handler)}
}

// OnPublish registers fn to be called, outside the lock, after every
// successful Publish. Tests use it to play the device side.
func (f *FakeClient) OnPublish(fn func(Message)) {
	f.mu.Lock()
	f.onPub = fn
	f.mu.Unlock()
}

// Publish records the message.
func (f *FakeClient) Publish(topic string, qos byte, retained bool, payload []byte) error {
	f.mu.Lock()
	if f.PublishError != nil {
		err := f.PublishError
		f.mu.Unlock()
		return err
	}
	m := Message{Topic: topic, QoS: qos, Retained: retained, Payload: append([]byte(nil), payload...)}
	f.Messages = append(f.Messages, m)
	fn := f.onPub
	f.mu.Unlock()

	if fn != nil {
		fn(m)
	}
	return nil
}

// PublishSystem records the system event.
func (f *FakeClient) PublishSystem(event SystemEvent) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.PublishSystemError != nil {
		return f.PublishSystemError
	}

	payload, err := FormatSystemPayload(event)
	if err != nil {
		return err
	}
	f.SystemEvents = append(f.SystemEvents, event)
	f.SystemPayloads = append(f.SystemPayloads, payload)
	return nil
}

// Subscribe records h for topic.
func (f *FakeClient) Subscribe(topic string, h Handler) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.handlers[topic] = h
	return nil
}

// Unsubscribe removes the handler for topic.
func (f *FakeClient) Unsubscribe(topic string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.handlers, topic)
	return nil
}

// Subscribed reports whether topic has a handler.
func (f *FakeClient) Subscribed(topic string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.handlers[topic]
	return ok
}

// Inject delivers payload to the handler subscribed to topic, as the broker
// would. It reports whether a handler was found.
func (f *FakeClient) Inject(topic string, payload []byte, at time.Time) bool {
	f.mu.Lock()
	h, ok := f.handlers[topic]
	f.mu.Unlock()
	if !ok {
		return false
	}
	h(topic, payload, at)
	return true
}

// Published returns a copy of the messages published to topic.
func (f *FakeClient) Published(topic string) []Message {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []Message
	for _, m := range f.Messages {
		if m.Topic == topic {
			out = append(out, m)
		}
	}
	return out
}

// PublishedPrefix returns a copy of the messages whose topic starts with prefix.
func (f *FakeClient) PublishedPrefix(prefix string) []Message {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []Message
	for _, m := range f.Messages {
		if strings.HasPrefix(m.Topic, prefix) {
			out = append(out, m)
		}
	}
	return out
}

// Close marks the client as closed.
func (f *FakeClient) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Closed = true
	return nil
}

// IsConnected reports whether the fake client is "connected".
func (f *FakeClient) IsConnected() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.Connected
}

// SetConnected changes the value IsConnected returns.
func (f *FakeClient) SetConnected(up bool) {
	f.mu.Lock()
	f.Connected = up
	f.mu.Unlock()
}

// SetPublishError makes subsequent Publish calls fail with err (nil clears it).
func (f *FakeClient) SetPublishError(err error) {
	f.mu.Lock()
	f.PublishError = err
	f.mu.Unlock()
}

// Reset clears recorded messages and errors. Subscriptions are kept.
func (f *FakeClient) Reset() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Messages = nil
	f.SystemEvents = nil
	f.SystemPayloads = nil
	f.Closed = false
	f.PublishError = nil
	f.PublishSystemError = nil
}
