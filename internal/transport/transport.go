// Package transport implements the MQTT transport (C3): connect,
// subscribe, publish at QoS 1, Last-Will, and unbounded-backoff
// reconnection, grounded on the MQTT channel adapter idiom in the
// retrieval pack's other_examples and the teacher's backoff package.
package transport

import "context"

// InboundMessage is one message delivered from a subscription.
type InboundMessage struct {
	Topic       string
	Payload     []byte
	Retained    bool
	ReceiveTime int64 // unix nanos; avoids importing time into hot-path structs
}

// OverflowFunc is invoked when the QoS-1 publish buffer exceeds its cap
// and the oldest unacknowledged publishes are dropped (spec.md §4.3).
type OverflowFunc func(dropped int)

// Transport is the polymorphic capability set the lifecycle manager and
// nine-step processor depend on. MQTTTransport is the only production
// implementation; tests substitute a fake.
type Transport interface {
	// Connect blocks, retrying with unbounded exponential backoff, until
	// the broker connection succeeds and every subscription registered
	// so far has been re-established, or ctx is cancelled.
	Connect(ctx context.Context) error

	// Subscribe registers a topic filter at the given QoS. If already
	// connected, the subscription is established immediately; otherwise
	// it is recorded and established on the next successful connect.
	Subscribe(filter string, qos byte) error

	// Publish sends payload to topic at the given QoS/retain flag. At
	// QoS 1, a publish issued while disconnected is buffered and resent
	// after reconnect rather than dropped, up to the configured buffer
	// cap (see OverflowFunc).
	Publish(ctx context.Context, topic string, payload []byte, qos byte, retain bool) error

	// Incoming returns the channel inbound messages are delivered on.
	Incoming() <-chan InboundMessage

	// Disconnect performs an operator-initiated, permanent shutdown: no
	// further reconnection is attempted afterward.
	Disconnect(ctx context.Context) error
}
