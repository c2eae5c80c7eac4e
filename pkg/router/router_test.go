package router

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/wisbric/tieredfs/pkg/bus"
	"github.com/wisbric/tieredfs/pkg/bus/membus"
	"github.com/wisbric/tieredfs/pkg/opsnotify"
	"github.com/wisbric/tieredfs/pkg/watcher"
)

func newTestRouter(t *testing.T) (*Router, *membus.Bus) {
	t.Helper()
	b := membus.New()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	notify := opsnotify.New("", "", logger)
	r := New(b, notify, logger, "router-test")

	ctx := context.Background()
	if err := r.setup(ctx); err != nil {
		t.Fatalf("setup: %v", err)
	}
	return r, b
}

// fetchOne pulls exactly one message from stream/consumer/subject,
// creating the consumer if needed, and acks it before returning.
func fetchOne(t *testing.T, ctx context.Context, b *membus.Bus, stream, consumer, subject string) RoutedEvent {
	t.Helper()

	if err := b.EnsureConsumer(ctx, stream, bus.ConsumerConfig{Durable: consumer}); err != nil {
		t.Fatalf("ensure consumer %s: %v", consumer, err)
	}
	sub, err := b.PullSubscribe(ctx, stream, consumer, subject)
	if err != nil {
		t.Fatalf("pull subscribe %s: %v", subject, err)
	}
	msgs, err := sub.Fetch(ctx, 1, time.Second)
	if err != nil {
		t.Fatalf("fetch %s: %v", subject, err)
	}
	if len(msgs) != 1 {
		t.Fatalf("expected 1 message on %s, got %d", subject, len(msgs))
	}

	var routed RoutedEvent
	if err := json.Unmarshal(msgs[0].Data, &routed); err != nil {
		t.Fatalf("unmarshal routed event: %v", err)
	}
	if err := b.Ack(ctx, msgs[0]); err != nil {
		t.Fatalf("ack: %v", err)
	}
	return routed
}

func TestRouterSmallFileRouting(t *testing.T) {
	r, b := newTestRouter(t)
	ctx := context.Background()

	ev := map[string]any{"event_type": "create", "path": "/buckets/t1/uploads/a.txt", "size": 100}
	data, _ := json.Marshal(ev)
	if err := b.Publish(ctx, watcher.MainSubject, data); err != nil {
		t.Fatalf("seed publish: %v", err)
	}

	sub, err := b.PullSubscribe(ctx, MainStream, RouterConsumer, watcher.MainSubject)
	if err != nil {
		t.Fatalf("pull subscribe: %v", err)
	}
	msgs, err := sub.Fetch(ctx, 1, time.Second)
	if err != nil || len(msgs) != 1 {
		t.Fatalf("fetch: msgs=%d err=%v", len(msgs), err)
	}
	if err := r.handle(ctx, msgs[0]); err != nil {
		t.Fatalf("handle: %v", err)
	}

	routed := fetchOne(t, ctx, b, StreamSmall, WorkerConsumerSmall, SubjectSmall)
	if routed.Routing.TargetSubject != SubjectSmall {
		t.Errorf("target_subject = %q, want %q", routed.Routing.TargetSubject, SubjectSmall)
	}
	if routed.Routing.FileSizeBytes != defaultSizeFloor {
		t.Errorf("file_size_bytes = %d, want %d (default floor)", routed.Routing.FileSizeBytes, defaultSizeFloor)
	}
}

func TestRouterMediumFileRouting(t *testing.T) {
	r, b := newTestRouter(t)
	ctx := context.Background()

	size := int64(200 * 1024 * 1024)
	ev := map[string]any{"event_type": "create", "path": "/buckets/t1/uploads/big.bin", "size": size}
	data, _ := json.Marshal(ev)
	if err := b.Publish(ctx, watcher.MainSubject, data); err != nil {
		t.Fatalf("seed publish: %v", err)
	}

	sub, err := b.PullSubscribe(ctx, MainStream, RouterConsumer, watcher.MainSubject)
	if err != nil {
		t.Fatalf("pull subscribe: %v", err)
	}
	msgs, err := sub.Fetch(ctx, 1, time.Second)
	if err != nil || len(msgs) != 1 {
		t.Fatalf("fetch: msgs=%d err=%v", len(msgs), err)
	}
	if err := r.handle(ctx, msgs[0]); err != nil {
		t.Fatalf("handle: %v", err)
	}

	routed := fetchOne(t, ctx, b, StreamMedium, WorkerConsumerMedium, SubjectMedium)
	if routed.Routing.TargetSubject != SubjectMedium {
		t.Errorf("target_subject = %q, want %q", routed.Routing.TargetSubject, SubjectMedium)
	}
	if routed.Routing.FileSizeBytes != size {
		t.Errorf("file_size_bytes = %d, want %d", routed.Routing.FileSizeBytes, size)
	}
}

func TestRouterMalformedEventAcksAndDropsWithoutIncrementingErrors(t *testing.T) {
	r, b := newTestRouter(t)
	ctx := context.Background()

	if err := b.Publish(ctx, watcher.MainSubject, []byte("not-json")); err != nil {
		t.Fatalf("seed publish: %v", err)
	}

	sub, err := b.PullSubscribe(ctx, MainStream, RouterConsumer, watcher.MainSubject)
	if err != nil {
		t.Fatalf("pull subscribe: %v", err)
	}
	msgs, err := sub.Fetch(ctx, 1, time.Second)
	if err != nil || len(msgs) != 1 {
		t.Fatalf("fetch: msgs=%d err=%v", len(msgs), err)
	}

	if err := r.handle(ctx, msgs[0]); err != nil {
		t.Fatalf("handle should not error on malformed JSON: %v", err)
	}
	if r.consecutiveErrors != 0 {
		t.Errorf("consecutiveErrors = %d, want 0", r.consecutiveErrors)
	}
}

func TestTierFor(t *testing.T) {
	cases := []struct {
		size int64
		want Tier
	}{
		{1024, TierSmall},
		{smallMaxBytes, TierSmall},
		{smallMaxBytes + 1, TierMedium},
		{mediumMaxBytes, TierMedium},
		{mediumMaxBytes + 1, TierLarge},
	}
	for _, c := range cases {
		if got, _ := tierFor(c.size); got != c.want {
			t.Errorf("tierFor(%d) = %q, want %q", c.size, got, c.want)
		}
	}
}
