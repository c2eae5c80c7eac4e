// Package membus is an in-memory fake of pkg/bus.Bus for unit tests. It
// implements the same at-least-once, explicit-ack contract without a
// network dependency, mirroring the teacher's convention of providing a
// lightweight fake alongside each networked adapter (e.g. miniredis in the
// broader ecosystem).
package membus

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/wisbric/tieredfs/pkg/bus"
)

type envelope struct {
	data         []byte
	numDelivered int
	acked        bool
}

type stream struct {
	subjects []string
	queues   map[string][]*envelope // consumer name -> pending queue
	cfgs     map[string]bus.ConsumerConfig
}

// Bus is a single-process, mutex-guarded implementation of bus.Bus.
type Bus struct {
	mu      sync.Mutex
	streams map[string]*stream
}

// New creates an empty in-memory bus.
func New() *Bus {
	return &Bus{streams: make(map[string]*stream)}
}

func (b *Bus) EnsureStream(ctx context.Context, name string, subjects []string) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if _, ok := b.streams[name]; ok {
		return nil
	}
	b.streams[name] = &stream{
		subjects: subjects,
		queues:   make(map[string][]*envelope),
		cfgs:     make(map[string]bus.ConsumerConfig),
	}
	return nil
}

func (b *Bus) EnsureConsumer(ctx context.Context, streamName string, cfg bus.ConsumerConfig) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	str, ok := b.streams[streamName]
	if !ok {
		return fmt.Errorf("stream %s not found", streamName)
	}
	if _, ok := str.queues[cfg.Durable]; !ok {
		str.queues[cfg.Durable] = nil
	}
	str.cfgs[cfg.Durable] = cfg
	return nil
}

func (b *Bus) DeleteConsumer(ctx context.Context, streamName, name string) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	str, ok := b.streams[streamName]
	if !ok {
		return nil
	}
	delete(str.queues, name)
	delete(str.cfgs, name)
	return nil
}

func (b *Bus) PullSubscribe(ctx context.Context, streamName, consumer, subject string) (bus.Subscription, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if _, ok := b.streams[streamName]; !ok {
		return nil, fmt.Errorf("stream %s not found", streamName)
	}
	return &subscription{bus: b, stream: streamName, consumer: consumer, subject: subject}, nil
}

func (b *Bus) Publish(ctx context.Context, subject string, data []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	for _, str := range b.streams {
		matches := false
		for _, s := range str.subjects {
			if subjectMatches(s, subject) {
				matches = true
				break
			}
		}
		if !matches {
			continue
		}
		for consumer := range str.queues {
			str.queues[consumer] = append(str.queues[consumer], &envelope{data: append([]byte(nil), data...), numDelivered: 1})
		}
	}
	return nil
}

func (b *Bus) Ack(ctx context.Context, msg *bus.Message) error {
	env, ok := msg.AckRef().(*envelope)
	if !ok {
		return fmt.Errorf("message has no membus ack handle")
	}
	env.acked = true
	return nil
}

func (b *Bus) Nak(ctx context.Context, msg *bus.Message) error {
	env, ok := msg.AckRef().(*envelope)
	if !ok {
		return fmt.Errorf("message has no membus ack handle")
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	// Redelivery: the unacked envelope is still in its consumer's queue, so
	// the next Fetch delivers it again; Nak only bumps its delivery count.
	env.numDelivered++
	return nil
}

type subscription struct {
	bus      *Bus
	stream   string
	consumer string
	subject  string
}

func (s *subscription) Fetch(ctx context.Context, batch int, timeout time.Duration) ([]*bus.Message, error) {
	deadline := time.Now().Add(timeout)
	for {
		s.bus.mu.Lock()
		str, ok := s.bus.streams[s.stream]
		if !ok {
			s.bus.mu.Unlock()
			return nil, fmt.Errorf("stream %s not found", s.stream)
		}
		queue := str.queues[s.consumer]

		var out []*bus.Message
		var remaining []*envelope
		for _, env := range queue {
			if len(out) < batch && !env.acked {
				out = append(out, bus.NewMessage(s.subject, env.data, env.numDelivered, env))
			} else {
				remaining = append(remaining, env)
			}
		}
		// Keep unacked+undelivered envelopes around for potential nak
		// redelivery; acked ones are dropped on next fetch.
		var kept []*envelope
		for _, env := range queue {
			if !env.acked {
				kept = append(kept, env)
			}
		}
		str.queues[s.consumer] = kept
		s.bus.mu.Unlock()

		if len(out) > 0 {
			return out, nil
		}
		if time.Now().After(deadline) {
			return nil, nil
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(10 * time.Millisecond):
		}
	}
}

func subjectMatches(pattern, subject string) bool {
	// Supports the conventional "X.>" wildcard suffix used by this
	// system's tier subjects in addition to exact matches.
	if pattern == subject {
		return true
	}
	if len(pattern) >= 2 && pattern[len(pattern)-2:] == ".>" {
		prefix := pattern[:len(pattern)-1]
		return len(subject) >= len(prefix) && subject[:len(prefix)] == prefix
	}
	return false
}
