package transport

import (
	"context"
	"sync"
	"testing"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
)

// fakeToken is a completed mqtt.Token with a fixed error.
type fakeToken struct{ err error }

func (f *fakeToken) Wait() bool                     { return true }
func (f *fakeToken) WaitTimeout(time.Duration) bool { return true }
func (f *fakeToken) Done() <-chan struct{}          { ch := make(chan struct{}); close(ch); return ch }
func (f *fakeToken) Error() error                   { return f.err }

type fakeClient struct {
	mu          sync.Mutex
	connected   bool
	connectErrs []error // consumed in order, then nil forever
	published   []pendingPublish
	subscribed  []string
	handlers    map[string]mqtt.MessageHandler
}

func (f *fakeClient) Connect() mqtt.Token {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.connectErrs) > 0 {
		err := f.connectErrs[0]
		f.connectErrs = f.connectErrs[1:]
		if err != nil {
			return &fakeToken{err: err}
		}
	}
	f.connected = true
	return &fakeToken{}
}

func (f *fakeClient) Disconnect(uint) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.connected = false
}

func (f *fakeClient) IsConnected() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.connected
}

func (f *fakeClient) Publish(topic string, qos byte, retained bool, payload interface{}) mqtt.Token {
	f.mu.Lock()
	defer f.mu.Unlock()
	var b []byte
	switch v := payload.(type) {
	case []byte:
		b = v
	case string:
		b = []byte(v)
	}
	f.published = append(f.published, pendingPublish{topic: topic, payload: b, qos: qos, retain: retained})
	return &fakeToken{}
}

func (f *fakeClient) Subscribe(topic string, qos byte, cb mqtt.MessageHandler) mqtt.Token {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.subscribed = append(f.subscribed, topic)
	if f.handlers == nil {
		f.handlers = make(map[string]mqtt.MessageHandler)
	}
	f.handlers[topic] = cb
	return &fakeToken{}
}

func newTestTransport(t *testing.T, fc *fakeClient) *MQTTTransport {
	t.Helper()
	tr := New("writer", "tcp://broker:1883", time.Second, "/control/agents/writer/status", []byte(`{"status":"Offline"}`),
		withClientFactory(func(*mqtt.ClientOptions) mqttClient { return fc }))
	return tr
}

func TestConnect_ResubscribesBeforeReturning(t *testing.T) {
	fc := &fakeClient{}
	tr := newTestTransport(t, fc)

	if err := tr.Subscribe("/control/agents/writer/input", 1); err != nil {
		t.Fatalf("subscribe before connect: %v", err)
	}

	if err := tr.Connect(context.Background()); err != nil {
		t.Fatalf("connect: %v", err)
	}

	if len(fc.subscribed) != 1 || fc.subscribed[0] != "/control/agents/writer/input" {
		t.Fatalf("expected resubscribe on connect, got %v", fc.subscribed)
	}
}

func TestPublish_BufferedWhileDisconnected(t *testing.T) {
	fc := &fakeClient{}
	tr := newTestTransport(t, fc)

	if err := tr.Publish(context.Background(), "/conversations/c1/writer", []byte("hi"), 1, false); err != nil {
		t.Fatalf("publish: %v", err)
	}
	if len(fc.published) != 0 {
		t.Fatalf("expected no publish while disconnected, got %d", len(fc.published))
	}
	if len(tr.outbox) != 1 {
		t.Fatalf("expected 1 buffered publish, got %d", len(tr.outbox))
	}

	if err := tr.Connect(context.Background()); err != nil {
		t.Fatalf("connect: %v", err)
	}
	if len(fc.published) != 1 {
		t.Fatalf("expected buffered publish flushed on reconnect, got %d", len(fc.published))
	}
}

func TestPublish_OverflowReportsDroppedCount(t *testing.T) {
	fc := &fakeClient{}
	var dropped int
	tr := New("writer", "tcp://broker:1883", time.Second, "/control/agents/writer/status", nil,
		withClientFactory(func(*mqtt.ClientOptions) mqttClient { return fc }),
		WithOutboxCap(2),
		WithOverflow(func(n int) { dropped += n }))

	for i := 0; i < 5; i++ {
		_ = tr.Publish(context.Background(), "/t", []byte("x"), 1, false)
	}

	if dropped != 3 {
		t.Fatalf("expected 3 dropped publishes, got %d", dropped)
	}
	if len(tr.outbox) != 2 {
		t.Fatalf("expected outbox capped at 2, got %d", len(tr.outbox))
	}
}

func TestHandleMessage_DeliversToIncoming(t *testing.T) {
	fc := &fakeClient{}
	tr := newTestTransport(t, fc)
	if err := tr.Subscribe("/control/agents/writer/input", 1); err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	if err := tr.Connect(context.Background()); err != nil {
		t.Fatalf("connect: %v", err)
	}

	fc.mu.Lock()
	handler := fc.handlers["/control/agents/writer/input"]
	fc.mu.Unlock()

	handler(nil, &fakeMessage{topic: "/control/agents/writer/input", payload: []byte(`{}`)})

	select {
	case msg := <-tr.Incoming():
		if msg.Topic != "/control/agents/writer/input" {
			t.Fatalf("unexpected topic %q", msg.Topic)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for inbound message")
	}
}

type fakeMessage struct {
	topic    string
	payload  []byte
	retained bool
}

func (m *fakeMessage) Duplicate() bool   { return false }
func (m *fakeMessage) Qos() byte         { return 1 }
func (m *fakeMessage) Retained() bool    { return m.retained }
func (m *fakeMessage) Topic() string     { return m.topic }
func (m *fakeMessage) MessageID() uint16 { return 0 }
func (m *fakeMessage) Payload() []byte   { return m.payload }
func (m *fakeMessage) Ack()              {}
