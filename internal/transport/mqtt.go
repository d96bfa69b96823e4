package transport

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/gridwire/agentmesh/internal/backoff"
)

// mqttClient is the subset of mqtt.Client this package depends on,
// narrow enough that tests can substitute a fake without a live broker --
// the same factory-function seam the retrieval pack's MQTT channel
// adapter uses (clientFactory returning an interface, not a concrete
// *paho.Client).
type mqttClient interface {
	Connect() mqtt.Token
	Disconnect(quiesce uint)
	IsConnected() bool
	Publish(topic string, qos byte, retained bool, payload interface{}) mqtt.Token
	Subscribe(topic string, qos byte, callback mqtt.MessageHandler) mqtt.Token
}

// DefaultInboxSize bounds the inbound message channel.
const DefaultInboxSize = 256

// DefaultOutboxCap bounds the buffered QoS-1 publishes held while
// disconnected before the oldest are reported as overflow.
const DefaultOutboxCap = 1000

// WaitTimeout bounds how long a single connect/subscribe/publish token
// is awaited before treating it as failed.
const WaitTimeout = 10 * time.Second

type pendingPublish struct {
	topic   string
	payload []byte
	qos     byte
	retain  bool
}

// MQTTTransport is the production Transport implementation.
type MQTTTransport struct {
	agentID   string
	brokerURL string
	keepAlive time.Duration
	willTopic string
	willQoS   byte

	logger        *slog.Logger
	clientFactory func(*mqtt.ClientOptions) mqttClient

	mu            sync.Mutex
	client        mqttClient
	subscriptions map[string]byte // filter -> qos
	outbox        []pendingPublish
	outboxCap     int
	permanent     atomic.Bool

	incoming     chan InboundMessage
	overflowFn   OverflowFunc
	reconnectPol backoff.Policy
}

// Option configures an MQTTTransport at construction time.
type Option func(*MQTTTransport)

// WithLogger overrides the default slog logger.
func WithLogger(l *slog.Logger) Option {
	return func(t *MQTTTransport) { t.logger = l }
}

// WithOverflow registers the callback invoked when the publish buffer
// overflows.
func WithOverflow(fn OverflowFunc) Option {
	return func(t *MQTTTransport) { t.overflowFn = fn }
}

// WithOutboxCap overrides DefaultOutboxCap.
func WithOutboxCap(n int) Option {
	return func(t *MQTTTransport) { t.outboxCap = n }
}

// withClientFactory is used by tests to inject a fake mqttClient.
func withClientFactory(f func(*mqtt.ClientOptions) mqttClient) Option {
	return func(t *MQTTTransport) { t.clientFactory = f }
}

// New creates an MQTT transport for agentID against brokerURL. The
// Last-Will is pre-wired to the agent's own status topic with
// status=Offline, retained, per spec.md §4.3; willPayload is the
// already-marshaled wire payload.
func New(agentID, brokerURL string, keepAlive time.Duration, willTopic string, willPayload []byte, opts ...Option) *MQTTTransport {
	if keepAlive <= 0 {
		keepAlive = 30 * time.Second
	}
	t := &MQTTTransport{
		agentID:       agentID,
		brokerURL:     brokerURL,
		keepAlive:     keepAlive,
		willTopic:     willTopic,
		willQoS:       1,
		logger:        slog.Default(),
		subscriptions: make(map[string]byte),
		outboxCap:     DefaultOutboxCap,
		incoming:      make(chan InboundMessage, DefaultInboxSize),
		reconnectPol:  backoff.ReconnectPolicy(),
	}
	t.clientFactory = defaultFactory(willTopic, willPayload, t.willQoS)
	for _, o := range opts {
		o(t)
	}
	return t
}

func defaultFactory(willTopic string, willPayload []byte, willQoS byte) func(*mqtt.ClientOptions) mqttClient {
	return func(opts *mqtt.ClientOptions) mqttClient {
		opts.SetWill(willTopic, string(willPayload), willQoS, true)
		return mqtt.NewClient(opts)
	}
}

// Connect implements Transport. It retries with unbounded exponential
// backoff until the broker connection succeeds, then re-establishes
// every subscription registered so far before returning.
func (t *MQTTTransport) Connect(ctx context.Context) error {
	opts := mqtt.NewClientOptions()
	opts.AddBroker(t.brokerURL)
	opts.SetClientID(fmt.Sprintf("agentmesh-%s", t.agentID))
	opts.SetKeepAlive(t.keepAlive)
	opts.SetCleanSession(true)
	// Reconnection is driven manually (backoff.ReconnectPolicy), not by
	// paho's own fixed-interval auto-reconnect, so the 25ms->10s jittered
	// curve in spec.md §4.3 is exact.
	opts.SetAutoReconnect(false)
	opts.SetConnectionLostHandler(t.onConnectionLost)

	t.mu.Lock()
	t.client = t.clientFactory(opts)
	t.mu.Unlock()

	if err := backoff.RetryUnbounded(ctx, t.reconnectPol, func(attempt int) error {
		token := t.client.Connect()
		if !token.WaitTimeout(WaitTimeout) {
			return fmt.Errorf("transport: connect attempt %d timed out", attempt)
		}
		if err := token.Error(); err != nil {
			t.logger.Warn("mqtt connect failed, retrying", "attempt", attempt, "error", err)
			return err
		}
		return nil
	}); err != nil {
		return err
	}

	if err := t.resubscribeAll(); err != nil {
		return err
	}
	t.flushOutbox(ctx)

	t.logger.Info("mqtt transport connected", "agent_id", t.agentID, "broker", t.brokerURL)
	return nil
}

// onConnectionLost is paho's callback when the broker connection drops
// outside of an operator-initiated Disconnect. It starts the same
// unbounded-backoff reconnect loop in the background.
func (t *MQTTTransport) onConnectionLost(_ mqtt.Client, err error) {
	if t.permanent.Load() {
		return
	}
	t.logger.Warn("mqtt connection lost, reconnecting", "error", err)
	go func() {
		ctx := context.Background()
		if connErr := t.Connect(ctx); connErr != nil {
			t.logger.Error("mqtt reconnect aborted", "error", connErr)
		}
	}()
}

// Subscribe implements Transport.
func (t *MQTTTransport) Subscribe(filter string, qos byte) error {
	t.mu.Lock()
	t.subscriptions[filter] = qos
	client := t.client
	t.mu.Unlock()

	if client == nil || !client.IsConnected() {
		return nil // established on the next successful Connect
	}
	return t.subscribeOne(filter, qos)
}

func (t *MQTTTransport) subscribeOne(filter string, qos byte) error {
	token := t.client.Subscribe(filter, qos, t.handleMessage)
	if !token.WaitTimeout(WaitTimeout) {
		return fmt.Errorf("transport: subscribe %q timed out", filter)
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("transport: subscribe %q: %w", filter, err)
	}
	t.logger.Info("mqtt subscribed", "filter", filter, "qos", qos)
	return nil
}

func (t *MQTTTransport) resubscribeAll() error {
	t.mu.Lock()
	filters := make(map[string]byte, len(t.subscriptions))
	for f, q := range t.subscriptions {
		filters[f] = q
	}
	t.mu.Unlock()

	for f, q := range filters {
		if err := t.subscribeOne(f, q); err != nil {
			return err
		}
	}
	return nil
}

func (t *MQTTTransport) handleMessage(_ mqtt.Client, msg mqtt.Message) {
	inbound := InboundMessage{
		Topic:       msg.Topic(),
		Payload:     msg.Payload(),
		Retained:    msg.Retained(),
		ReceiveTime: time.Now().UnixNano(),
	}
	select {
	case t.incoming <- inbound:
	default:
		t.logger.Warn("transport inbox full, dropping message", "topic", inbound.Topic)
	}
}

// Publish implements Transport. At QoS 1, a publish attempted while
// disconnected is buffered rather than dropped; the oldest buffered
// publishes are reported via OverflowFunc once the buffer cap is
// exceeded (spec.md §4.3's TransportOverflow condition).
func (t *MQTTTransport) Publish(ctx context.Context, topic string, payload []byte, qos byte, retain bool) error {
	t.mu.Lock()
	client := t.client
	t.mu.Unlock()

	if client != nil && client.IsConnected() {
		token := client.Publish(topic, qos, retain, payload)
		if !token.WaitTimeout(WaitTimeout) {
			t.buffer(pendingPublish{topic, payload, qos, retain})
			return nil
		}
		if err := token.Error(); err != nil {
			t.buffer(pendingPublish{topic, payload, qos, retain})
			return nil
		}
		return nil
	}

	t.buffer(pendingPublish{topic, payload, qos, retain})
	return nil
}

func (t *MQTTTransport) buffer(p pendingPublish) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.outbox = append(t.outbox, p)
	if len(t.outbox) <= t.outboxCap {
		return
	}
	dropped := len(t.outbox) - t.outboxCap
	t.outbox = t.outbox[dropped:]
	if t.overflowFn != nil {
		t.overflowFn(dropped)
	}
}

func (t *MQTTTransport) flushOutbox(ctx context.Context) {
	t.mu.Lock()
	pending := t.outbox
	t.outbox = nil
	client := t.client
	t.mu.Unlock()

	for _, p := range pending {
		if ctx.Err() != nil {
			t.buffer(p)
			continue
		}
		token := client.Publish(p.topic, p.qos, p.retain, p.payload)
		if !token.WaitTimeout(WaitTimeout) || token.Error() != nil {
			t.buffer(p)
		}
	}
}

// Incoming implements Transport.
func (t *MQTTTransport) Incoming() <-chan InboundMessage { return t.incoming }

// Disconnect implements Transport: an operator-initiated, permanent
// disconnect. No further reconnection is attempted afterward. Any
// explicit final publish (the Offline status payload) is the caller's
// responsibility and must happen before Disconnect is called.
func (t *MQTTTransport) Disconnect(ctx context.Context) error {
	t.permanent.Store(true)

	t.mu.Lock()
	client := t.client
	t.mu.Unlock()

	if client != nil && client.IsConnected() {
		client.Disconnect(250)
	}
	t.logger.Info("mqtt transport disconnected", "agent_id", t.agentID)
	return nil
}
