// Package router implements the Tiered Event Router (C4): it consumes the
// single main storage-event subject and republishes each qualifying event
// onto exactly one size-tiered subject, per spec.md §4.4.
package router

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/wisbric/tieredfs/pkg/bus"
	"github.com/wisbric/tieredfs/pkg/opsnotify"
	"github.com/wisbric/tieredfs/pkg/watcher"
)

const (
	MainStream = "STORAGE_EVENTS"

	StreamSmall  = "STORAGE_EVENTS_SMALL"
	StreamMedium = "STORAGE_EVENTS_MEDIUM"
	StreamLarge  = "STORAGE_EVENTS_LARGE"

	SubjectSmall  = watcher.MainSubject + ".small"
	SubjectMedium = watcher.MainSubject + ".medium"
	SubjectLarge  = watcher.MainSubject + ".large"

	// RouterConsumer is the single shared durable pull consumer name every
	// router instance binds to; the bus load-balances across instances.
	RouterConsumer = "router-shared"

	// WorkerConsumerSmall, WorkerConsumerMedium and WorkerConsumerLarge are
	// the durable pull consumer names the per-tier Storage Worker (C5)
	// binds to; the router ensures them on startup so a worker can come up
	// before or after the router.
	WorkerConsumerSmall  = "worker-small"
	WorkerConsumerMedium = "worker-medium"
	WorkerConsumerLarge  = "worker-large"

	routerMaxDeliver    = 5
	routerAckWait       = 60 * time.Second
	routerMaxAckPending = 500

	// Tier thresholds, in bytes.
	smallMaxBytes  = 100 * 1024 * 1024
	mediumMaxBytes = 1024 * 1024 * 1024

	// defaultSizeFloor is the minimum routed size: any parsed size below it,
	// including a missing size (which parses as 0), is raised to it, per
	// scenario S1 in spec.md §8.
	defaultSizeFloor = 1024

	fetchBatch   = 1
	fetchTimeout = 30 * time.Second

	maxConsecutiveErrors = 3
)

// legacyConsumerNames are stale consumer names from earlier deployments
// that must be force-deleted on startup so a crashed predecessor's state
// can't stall redelivery (spec.md §4.4 step 4).
var legacyConsumerNames = []string{"storage-router", "router-default", "tiered-router-v1"}

// Tier identifies one of the three size buckets.
type Tier string

const (
	TierSmall  Tier = "small"
	TierMedium Tier = "medium"
	TierLarge  Tier = "large"
)

// Routing is the envelope the router injects into every event it forwards.
type Routing struct {
	OriginalSubject  string    `json:"original_subject"`
	TargetSubject    string    `json:"target_subject"`
	FileSizeBytes    int64     `json:"file_size_bytes"`
	RouterID         string    `json:"router_id"`
	MessageCount     int64     `json:"message_count"`
	RoutingTimestamp time.Time `json:"routing_timestamp"`
}

// RoutedEvent is a watcher.Event enriched with its Routing envelope.
type RoutedEvent struct {
	watcher.Event
	Routing Routing `json:"routing"`
}

// Router consumes the main subject and fans out to tier subjects.
type Router struct {
	bus    bus.Bus
	notify *opsnotify.Notifier
	log    *slog.Logger
	id     string

	consecutiveErrors int
	messageCount      int64
}

// New builds a Router. id identifies this instance in logs and routing
// metadata only — it is not part of consumer identity.
func New(b bus.Bus, notify *opsnotify.Notifier, log *slog.Logger, id string) *Router {
	return &Router{bus: b, notify: notify, log: log, id: id}
}

// Start runs the fail-hard startup sequence from spec.md §4.4, then blocks
// in the processing loop until ctx is canceled or a fail-hard exit occurs.
// A fail-hard exit returns a non-nil error; callers (cmd/tieredfs) should
// treat that as fatal and os.Exit(1).
func (r *Router) Start(ctx context.Context) error {
	if err := r.setup(ctx); err != nil {
		return fmt.Errorf("router startup: %w", err)
	}

	sub, err := r.bus.PullSubscribe(ctx, MainStream, RouterConsumer, watcher.MainSubject)
	if err != nil {
		return fmt.Errorf("router startup: pull subscribe: %w", err)
	}

	return r.loop(ctx, sub)
}

func (r *Router) setup(ctx context.Context) error {
	if err := r.bus.EnsureStream(ctx, MainStream, []string{watcher.MainSubject}); err != nil {
		return fmt.Errorf("ensuring main stream: %w", err)
	}
	if err := r.bus.EnsureStream(ctx, StreamSmall, []string{SubjectSmall}); err != nil {
		return fmt.Errorf("ensuring small stream: %w", err)
	}
	if err := r.bus.EnsureStream(ctx, StreamMedium, []string{SubjectMedium}); err != nil {
		return fmt.Errorf("ensuring medium stream: %w", err)
	}
	if err := r.bus.EnsureStream(ctx, StreamLarge, []string{SubjectLarge}); err != nil {
		return fmt.Errorf("ensuring large stream: %w", err)
	}

	tierConsumers := []struct {
		stream        string
		name          string
		maxAckPending int
	}{
		{StreamSmall, WorkerConsumerSmall, 100},
		{StreamMedium, WorkerConsumerMedium, 50},
		{StreamLarge, WorkerConsumerLarge, 10},
	}
	for _, tc := range tierConsumers {
		if err := r.bus.EnsureConsumer(ctx, tc.stream, bus.ConsumerConfig{
			Durable:       tc.name,
			MaxDeliver:    3,
			AckWait:       workerAckWaitFor(tc.stream),
			MaxAckPending: tc.maxAckPending,
		}); err != nil {
			return fmt.Errorf("ensuring tier consumer %s: %w", tc.name, err)
		}
	}

	for _, legacy := range legacyConsumerNames {
		if err := r.bus.DeleteConsumer(ctx, MainStream, legacy); err != nil {
			return fmt.Errorf("deleting legacy consumer %s: %w", legacy, err)
		}
	}

	if err := r.bus.EnsureConsumer(ctx, MainStream, bus.ConsumerConfig{
		Durable:       RouterConsumer,
		FilterSubject: watcher.MainSubject,
		MaxDeliver:    routerMaxDeliver,
		AckWait:       routerAckWait,
		MaxAckPending: routerMaxAckPending,
	}); err != nil {
		return fmt.Errorf("ensuring router consumer: %w", err)
	}

	return nil
}

// WorkerTimeoutFor returns the per-tier processing timeout (300s/600s/1800s)
// a Storage Worker (C5) must respect for tier, per spec.md §4.5.
func WorkerTimeoutFor(tier Tier) time.Duration {
	switch tier {
	case TierSmall:
		return 300 * time.Second
	case TierMedium:
		return 600 * time.Second
	case TierLarge:
		return 1800 * time.Second
	default:
		return 300 * time.Second
	}
}

func workerAckWaitFor(stream string) time.Duration {
	switch stream {
	case StreamSmall:
		return 300 * time.Second
	case StreamMedium:
		return 600 * time.Second
	case StreamLarge:
		return 1800 * time.Second
	default:
		return 300 * time.Second
	}
}

func (r *Router) loop(ctx context.Context, sub bus.Subscription) error {
	for {
		if ctx.Err() != nil {
			return nil
		}

		msgs, err := sub.Fetch(ctx, fetchBatch, fetchTimeout)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			if err := r.recordError(ctx, err); err != nil {
				return err
			}
			continue
		}

		if len(msgs) == 0 {
			// Timeout: reset the consecutive-error counter.
			r.consecutiveErrors = 0
			continue
		}

		for _, msg := range msgs {
			if err := r.handle(ctx, msg); err != nil {
				if failErr := r.recordError(ctx, err); failErr != nil {
					return failErr
				}
				continue
			}
			r.consecutiveErrors = 0
		}
	}
}

// handle processes one message: parse, tier, enrich, publish, ack. It
// returns an error only for conditions that should count against the
// consecutive-error budget (publish failure or unexpected exceptions) —
// malformed JSON is acked and dropped per spec.md §4.4, not an error.
func (r *Router) handle(ctx context.Context, msg *bus.Message) error {
	var ev watcher.Event
	if err := json.Unmarshal(msg.Data, &ev); err != nil {
		r.log.Warn("router: dropping malformed event", "error", err)
		return r.bus.Ack(ctx, msg)
	}

	raw := map[string]any{}
	_ = json.Unmarshal(msg.Data, &raw)
	size := extractSizeWithFloor(raw)

	tier, targetSubject := tierFor(size)
	r.messageCount++

	routed := RoutedEvent{
		Event: ev,
		Routing: Routing{
			OriginalSubject:  msg.Subject,
			TargetSubject:    targetSubject,
			FileSizeBytes:    size,
			RouterID:         r.id,
			MessageCount:     r.messageCount,
			RoutingTimestamp: time.Now(),
		},
	}

	data, err := json.Marshal(routed)
	if err != nil {
		return fmt.Errorf("marshaling routed event: %w", err)
	}

	if err := r.bus.Publish(ctx, targetSubject, data); err != nil {
		// Do not ack: redelivery will retry the publish.
		return fmt.Errorf("publishing to %s (tier %s): %w", targetSubject, tier, err)
	}

	return r.bus.Ack(ctx, msg)
}

func (r *Router) recordError(ctx context.Context, cause error) error {
	r.consecutiveErrors++
	r.log.Error("router: processing error", "consecutive_errors", r.consecutiveErrors, "error", cause)

	if r.consecutiveErrors >= 2 && r.consecutiveErrors < maxConsecutiveErrors {
		r.notify.ConsecutiveErrors(ctx, "router", r.id, r.consecutiveErrors, cause)
	}

	if r.consecutiveErrors >= maxConsecutiveErrors {
		r.notify.FailHard(ctx, "router", r.id, r.consecutiveErrors, cause)
		backoff := time.Duration(2*r.consecutiveErrors) * time.Second
		r.log.Error("router: fail-hard exit", "backoff", backoff, "error", cause)
		time.Sleep(backoff)
		return fmt.Errorf("router exiting after %d consecutive errors: %w", r.consecutiveErrors, cause)
	}

	return nil
}

func tierFor(sizeBytes int64) (Tier, string) {
	switch {
	case sizeBytes <= smallMaxBytes:
		return TierSmall, SubjectSmall
	case sizeBytes <= mediumMaxBytes:
		return TierMedium, SubjectMedium
	default:
		return TierLarge, SubjectLarge
	}
}

// extractSizeWithFloor re-derives the file size from the raw event payload
// using the same fallback chain as the watcher (size, file_size,
// entry.attributes.file_size), first within a nested "metadata" object (the
// shape the watcher itself publishes), then at the event's top level (the
// flatter shape scenario inputs use, per spec.md §8 S1/S2). A result below
// defaultSizeFloor, including zero, is raised to defaultSizeFloor.
func extractSizeWithFloor(raw map[string]any) int64 {
	var size int64
	if meta, ok := raw["metadata"].(map[string]any); ok {
		size = watcher.ExtractFileSize(meta)
	}
	if size == 0 {
		size = watcher.ExtractFileSize(raw)
	}
	if size < defaultSizeFloor {
		return defaultSizeFloor
	}
	return size
}
