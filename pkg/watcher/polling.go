package watcher

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"log/slog"
	"time"

	"github.com/wisbric/tieredfs/pkg/objectstore"
)

// PollingWatcher is the fallback watcher strategy: it walks /buckets/ on a
// fixed interval, diffing against an in-memory path→content-hash map to
// synthesize CREATE/UPDATE/DELETE events. The first pass only populates the
// map; it never publishes.
type PollingWatcher struct {
	store    objectstore.Store
	pub      Publisher
	interval time.Duration
	log      *slog.Logger

	seen         map[string]string // path -> content hash, from the previous pass
	hasRunBefore bool
}

// NewPollingWatcher builds a PollingWatcher polling store every interval.
func NewPollingWatcher(store objectstore.Store, pub Publisher, interval time.Duration, log *slog.Logger) *PollingWatcher {
	return &PollingWatcher{store: store, pub: pub, interval: interval, log: log, seen: make(map[string]string)}
}

// Run blocks, polling until ctx is canceled.
func (w *PollingWatcher) Run(ctx context.Context) error {
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	if err := w.pass(ctx); err != nil {
		w.log.Error("watcher: initial poll pass failed", "error", err)
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if err := w.pass(ctx); err != nil {
				w.log.Error("watcher: poll pass failed", "error", err)
			}
		}
	}
}

func (w *PollingWatcher) pass(ctx context.Context) error {
	entries, err := w.store.List(ctx, "/buckets/")
	if err != nil {
		return fmt.Errorf("listing /buckets/: %w", err)
	}

	firstPass := len(w.seen) == 0 && !w.hasRunBefore
	current := make(map[string]string, len(entries))

	for _, e := range entries {
		hash := w.contentHash(e)
		current[e.Path] = hash

		if firstPass {
			continue
		}

		prev, existed := w.seen[e.Path]
		switch {
		case !existed:
			w.emit(ctx, EventCreate, e)
		case prev != hash:
			w.emit(ctx, EventUpdate, e)
		}
	}

	if !firstPass {
		for path := range w.seen {
			if _, stillPresent := current[path]; !stillPresent {
				w.emitDelete(ctx, path)
			}
		}
	}

	w.seen = current
	w.hasRunBefore = true
	return nil
}

func (w *PollingWatcher) emit(ctx context.Context, eventType EventType, e objectstore.Entry) {
	if !shouldProcess(e.Path, eventType) {
		return
	}
	ev, err := buildEvent(eventType, e.Path, Metadata{FileSize: e.SizeBytes}, e.ModTime)
	if err != nil {
		w.log.Warn("watcher: dropping unparseable path", "path", e.Path, "error", err)
		return
	}
	if err := publishEvent(ctx, w.pub, ev); err != nil {
		w.log.Error("watcher: publish failed", "path", e.Path, "error", err)
	}
}

func (w *PollingWatcher) emitDelete(ctx context.Context, path string) {
	if !shouldProcess(path, EventDelete) {
		return
	}
	ev, err := buildEvent(EventDelete, path, Metadata{}, time.Now())
	if err != nil {
		return
	}
	if err := publishEvent(ctx, w.pub, ev); err != nil {
		w.log.Error("watcher: delete publish failed", "path", path, "error", err)
	}
}

func (w *PollingWatcher) contentHash(e objectstore.Entry) string {
	sum := sha256.Sum256([]byte(fmt.Sprintf("%s:%d:%s", e.Path, e.SizeBytes, e.ModTime.UTC().Format(time.RFC3339Nano))))
	return hex.EncodeToString(sum[:])
}
