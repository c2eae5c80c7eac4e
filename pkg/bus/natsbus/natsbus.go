// Package natsbus implements pkg/bus.Bus over NATS JetStream. JetStream's
// native vocabulary — streams, durable pull consumers, explicit ack,
// max_deliver, ack_wait, max_ack_pending — is exactly the contract spec.md
// §4.1 describes, so this adapter is mostly a thin translation layer.
package natsbus

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"

	"github.com/wisbric/tieredfs/pkg/bus"
)

// Bus adapts a JetStream context to the bus.Bus contract.
type Bus struct {
	nc *nats.Conn
	js jetstream.JetStream
}

// Connect dials the NATS server at url and initializes JetStream.
func Connect(ctx context.Context, url string) (*Bus, error) {
	nc, err := nats.Connect(url, nats.MaxReconnects(-1), nats.ReconnectWait(2*time.Second))
	if err != nil {
		return nil, fmt.Errorf("connecting to nats: %w", err)
	}

	js, err := jetstream.New(nc)
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("initializing jetstream: %w", err)
	}

	return &Bus{nc: nc, js: js}, nil
}

// Close drains and closes the underlying connection.
func (b *Bus) Close() {
	_ = b.nc.Drain()
}

func (b *Bus) EnsureStream(ctx context.Context, name string, subjects []string) error {
	_, err := b.js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
		Name:      name,
		Subjects:  subjects,
		Retention: jetstream.WorkQueuePolicy,
		Storage:   jetstream.FileStorage,
	})
	if err != nil {
		return fmt.Errorf("ensuring stream %s: %w", name, err)
	}
	return nil
}

func (b *Bus) EnsureConsumer(ctx context.Context, stream string, cfg bus.ConsumerConfig) error {
	str, err := b.js.Stream(ctx, stream)
	if err != nil {
		return fmt.Errorf("looking up stream %s: %w", stream, err)
	}

	_, err = str.CreateOrUpdateConsumer(ctx, jetstream.ConsumerConfig{
		Durable:       cfg.Durable,
		FilterSubject: cfg.FilterSubject,
		AckPolicy:     jetstream.AckExplicitPolicy,
		MaxDeliver:    cfg.MaxDeliver,
		AckWait:       cfg.AckWait,
		MaxAckPending: cfg.MaxAckPending,
	})
	if err != nil {
		return fmt.Errorf("ensuring consumer %s on %s: %w", cfg.Durable, stream, err)
	}
	return nil
}

func (b *Bus) DeleteConsumer(ctx context.Context, stream, name string) error {
	str, err := b.js.Stream(ctx, stream)
	if err != nil {
		return fmt.Errorf("looking up stream %s: %w", stream, err)
	}

	err = str.DeleteConsumer(ctx, name)
	if err != nil && !errors.Is(err, jetstream.ErrConsumerNotFound) {
		return fmt.Errorf("deleting consumer %s on %s: %w", name, stream, err)
	}
	return nil
}

func (b *Bus) PullSubscribe(ctx context.Context, stream, consumer, subject string) (bus.Subscription, error) {
	str, err := b.js.Stream(ctx, stream)
	if err != nil {
		return nil, fmt.Errorf("looking up stream %s: %w", stream, err)
	}

	cons, err := str.Consumer(ctx, consumer)
	if err != nil {
		return nil, fmt.Errorf("looking up consumer %s: %w", consumer, err)
	}

	return &subscription{consumer: cons, subject: subject}, nil
}

func (b *Bus) Publish(ctx context.Context, subject string, data []byte) error {
	_, err := b.js.Publish(ctx, subject, data)
	if err != nil {
		return fmt.Errorf("publishing to %s: %w", subject, err)
	}
	return nil
}

func (b *Bus) Ack(ctx context.Context, msg *bus.Message) error {
	jm, ok := msg.AckRef().(jetstream.Msg)
	if !ok {
		return fmt.Errorf("message has no jetstream ack handle")
	}
	return jm.Ack()
}

func (b *Bus) Nak(ctx context.Context, msg *bus.Message) error {
	jm, ok := msg.AckRef().(jetstream.Msg)
	if !ok {
		return fmt.Errorf("message has no jetstream ack handle")
	}
	return jm.Nak()
}

type subscription struct {
	consumer jetstream.Consumer
	subject  string
}

func (s *subscription) Fetch(ctx context.Context, batch int, timeout time.Duration) ([]*bus.Message, error) {
	msgs, err := s.consumer.Fetch(batch, jetstream.FetchMaxWait(timeout))
	if err != nil {
		// A fetch timeout yields an empty batch, not an error.
		if errors.Is(err, nats.ErrTimeout) || errors.Is(err, context.DeadlineExceeded) {
			return nil, nil
		}
		return nil, fmt.Errorf("fetching from %s: %w", s.subject, err)
	}

	var out []*bus.Message
	for m := range msgs.Messages() {
		meta, err := m.Metadata()
		delivered := 1
		if err == nil {
			delivered = int(meta.NumDelivered)
		}
		out = append(out, bus.NewMessage(m.Subject(), m.Data(), delivered, m))
	}
	if err := msgs.Error(); err != nil {
		if errors.Is(err, nats.ErrTimeout) {
			return out, nil
		}
		return out, fmt.Errorf("draining fetch from %s: %w", s.subject, err)
	}

	return out, nil
}
