package watcher

import (
	"context"
	"log/slog"
	"time"
)

// ChangeNotification is one raw item from a metadata-change feed, before
// normalization into an Event.
type ChangeNotification struct {
	EventType EventType
	Path      string
	Metadata  Metadata
	Timestamp time.Time
}

// ChangeFeed is a long-lived source of bucket-metadata-change notifications
// (e.g. minio-go's ListenBucketNotification). Closed returns a channel that
// is closed when the feed breaks (connection drop, server restart) so the
// watcher can reconnect.
type ChangeFeed interface {
	Notifications() <-chan ChangeNotification
	Closed() <-chan struct{}
	Close()
}

// FeedDialer opens a fresh ChangeFeed, starting from "now" (no replay), per
// spec.md §4.3.
type FeedDialer func(ctx context.Context) (ChangeFeed, error)

// StreamingWatcher holds a long-lived change feed and republishes every
// should_process-qualifying notification onto MainSubject. On feed failure
// it reconnects with exponential backoff capped at 5s, always restarting
// from "now" — no replay.
type StreamingWatcher struct {
	dial FeedDialer
	pub  Publisher
	log  *slog.Logger
}

// NewStreamingWatcher builds a StreamingWatcher. dial opens a new feed on
// every (re)connect attempt.
func NewStreamingWatcher(dial FeedDialer, pub Publisher, log *slog.Logger) *StreamingWatcher {
	return &StreamingWatcher{dial: dial, pub: pub, log: log}
}

const maxReconnectBackoff = 5 * time.Second

// Run blocks, reconnecting and republishing until ctx is canceled.
func (w *StreamingWatcher) Run(ctx context.Context) error {
	backoff := 250 * time.Millisecond

	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		feed, err := w.dial(ctx)
		if err != nil {
			w.log.Warn("watcher: feed dial failed, backing off", "error", err, "backoff", backoff)
			if !sleepCtx(ctx, backoff) {
				return ctx.Err()
			}
			backoff = nextBackoff(backoff)
			continue
		}
		backoff = 250 * time.Millisecond

		w.drain(ctx, feed)
		feed.Close()

		if ctx.Err() != nil {
			return ctx.Err()
		}
	}
}

func (w *StreamingWatcher) drain(ctx context.Context, feed ChangeFeed) {
	notifications := feed.Notifications()
	closed := feed.Closed()

	for {
		select {
		case <-ctx.Done():
			return
		case <-closed:
			return
		case n, ok := <-notifications:
			if !ok {
				return
			}
			if !shouldProcess(n.Path, n.EventType) {
				continue
			}
			ev, err := buildEvent(n.EventType, n.Path, n.Metadata, n.Timestamp)
			if err != nil {
				w.log.Warn("watcher: dropping unparseable path", "path", n.Path, "error", err)
				continue
			}
			if err := publishEvent(ctx, w.pub, ev); err != nil {
				w.log.Error("watcher: publish failed", "path", n.Path, "error", err)
			}
		}
	}
}

func nextBackoff(cur time.Duration) time.Duration {
	next := cur * 2
	if next > maxReconnectBackoff {
		return maxReconnectBackoff
	}
	return next
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	select {
	case <-ctx.Done():
		return false
	case <-time.After(d):
		return true
	}
}
