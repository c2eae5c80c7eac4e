// Package bus defines the persistent pub/sub capability (C1) the router and
// workers consume: streams, durable pull consumers, explicit ack/nak, and
// at-least-once delivery. It is a capability set, not a specific product —
// pkg/bus/natsbus backs it with NATS JetStream, pkg/bus/membus backs it with
// an in-memory fake for tests.
package bus

import (
	"context"
	"time"
)

// ConsumerConfig describes a durable pull consumer to create or verify.
type ConsumerConfig struct {
	Durable       string
	FilterSubject string
	MaxDeliver    int
	AckWait       time.Duration
	MaxAckPending int
}

// Message is a single delivered message plus its ack/nak handle.
type Message struct {
	Subject string
	Data    []byte
	// NumDelivered is how many times the bus has attempted delivery of
	// this message, including this one (starts at 1).
	NumDelivered int

	// ackRef is an opaque, implementation-owned handle (e.g. the
	// underlying *nats.Msg, or a membus envelope pointer) that Ack/Nak
	// use to resolve which in-flight delivery this message represents.
	ackRef any
}

// NewMessage constructs a Message carrying an implementation-private ack
// handle. Bus implementations use this when delivering messages to a
// Subscription's Fetch.
func NewMessage(subject string, data []byte, numDelivered int, ackRef any) *Message {
	return &Message{Subject: subject, Data: data, NumDelivered: numDelivered, ackRef: ackRef}
}

// AckRef returns the implementation-private ack handle.
func (m *Message) AckRef() any { return m.ackRef }

// Subscription is a pull-based subscription bound to one stream+consumer.
type Subscription interface {
	// Fetch pulls up to batch messages, waiting up to timeout. A timeout
	// with no messages yields an empty, non-error result (spec.md §4.1).
	Fetch(ctx context.Context, batch int, timeout time.Duration) ([]*Message, error)
}

// Bus is the contract the router and workers depend on.
type Bus interface {
	// EnsureStream idempotently creates (or verifies) a work-queue stream
	// bound to the given subjects.
	EnsureStream(ctx context.Context, name string, subjects []string) error

	// EnsureConsumer idempotently creates (or verifies) a durable pull
	// consumer on stream.
	EnsureConsumer(ctx context.Context, stream string, cfg ConsumerConfig) error

	// DeleteConsumer removes a consumer. A not-found consumer is not an
	// error (spec.md §4.1).
	DeleteConsumer(ctx context.Context, stream, name string) error

	// PullSubscribe binds a pull subscription to consumer on stream.
	PullSubscribe(ctx context.Context, stream, consumer, subject string) (Subscription, error)

	// Publish blocks until the message is persisted by the bus.
	Publish(ctx context.Context, subject string, data []byte) error

	// Ack acknowledges successful processing of msg.
	Ack(ctx context.Context, msg *Message) error

	// Nak signals failed processing of msg, requesting redelivery.
	Nak(ctx context.Context, msg *Message) error
}
