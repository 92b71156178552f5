// Package broker defines the narrow contract the gateway uses to talk to a
// publish/subscribe message broker. Backends live in sub-packages:
//
//	mqtt   : MQTT 3.1.1 via the Eclipse Paho client (production)
//	memory : in-process broker with MQTT filter semantics (tests, single node)
//	redis  : Redis Pub/Sub
//	nats   : core NATS
//
// Topics and filters are always expressed in MQTT syntax ('/'-separated
// levels, '+' and '#' wildcards); backends translate as needed.
package broker

import (
	"context"
	"errors"
)

// QoS is the delivery guarantee requested for a subscription or publish.
// Backends without acknowledgement semantics deliver at most once regardless.
type QoS byte

const (
	AtMostOnce  QoS = 0
	AtLeastOnce QoS = 1
	ExactlyOnce QoS = 2
)

func (q QoS) String() string {
	switch q {
	case AtMostOnce:
		return "at-most-once"
	case AtLeastOnce:
		return "at-least-once"
	case ExactlyOnce:
		return "exactly-once"
	default:
		return "invalid"
	}
}

var (
	// ErrNotConnected is returned by operations attempted before Connect
	// succeeded or after Close.
	ErrNotConnected = errors.New("broker: not connected")
	// ErrAlreadyConnected is returned by a second Connect.
	ErrAlreadyConnected = errors.New("broker: already connected")
	// ErrSubscriptionRejected is returned when the broker refuses a filter.
	ErrSubscriptionRejected = errors.New("broker: subscription rejected")
	// ErrInvalidTopic is returned for topics or filters a backend cannot express.
	ErrInvalidTopic = errors.New("broker: invalid topic")
)

// Message is an inbound application message.
type Message struct {
	Topic    string
	Payload  []byte
	QoS      QoS
	Retained bool
}

// MessageHandler receives inbound messages. Backends invoke it sequentially
// for messages matching the same subscription, in broker order, so a handler
// must not block for long.
type MessageHandler func(ctx context.Context, msg Message)

// Client is a single logical connection to a broker. Implementations must be
// safe for concurrent use.
type Client interface {
	// OnMessage registers the handler for every inbound message. It must be
	// called before Connect.
	OnMessage(handler MessageHandler)

	// Connect establishes the connection.
	Connect(ctx context.Context) error

	// Subscribe starts delivery of messages matching filter.
	Subscribe(ctx context.Context, filter string, qos QoS) error

	// Unsubscribe stops delivery for a filter previously passed to Subscribe.
	Unsubscribe(ctx context.Context, filter string) error

	// Publish sends payload to topic.
	Publish(ctx context.Context, topic string, payload []byte, qos QoS) error

	// Close disconnects and releases resources. Further calls fail with
	// ErrNotConnected.
	Close() error
}
