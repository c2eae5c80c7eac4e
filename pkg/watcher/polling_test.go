package watcher

import (
	"context"
	"log/slog"
	"testing"
	"time"

	"github.com/wisbric/tieredfs/pkg/objectstore/memstore"
)

func TestPollingWatcherFirstPassSilent(t *testing.T) {
	store := memstore.New()
	store.Put("/buckets/t1/uploads/a.txt", "text/plain", []byte("hello"), time.Now())

	pub := &recordingPublisher{}
	w := NewPollingWatcher(store, pub, time.Hour, slog.Default())

	if err := w.pass(context.Background()); err != nil {
		t.Fatalf("pass: %v", err)
	}
	if len(pub.events) != 0 {
		t.Fatalf("expected first pass to be silent, got %d events", len(pub.events))
	}
}

func TestPollingWatcherDetectsCreateUpdateDelete(t *testing.T) {
	store := memstore.New()
	store.Put("/buckets/t1/uploads/a.txt", "text/plain", []byte("hello"), time.Now())

	pub := &recordingPublisher{}
	w := NewPollingWatcher(store, pub, time.Hour, slog.Default())

	if err := w.pass(context.Background()); err != nil {
		t.Fatalf("first pass: %v", err)
	}

	// New file appears.
	store.Put("/buckets/t1/uploads/b.txt", "text/plain", []byte("world"), time.Now())
	if err := w.pass(context.Background()); err != nil {
		t.Fatalf("second pass: %v", err)
	}
	if len(pub.events) != 1 || pub.events[0].EventType != EventCreate {
		t.Fatalf("expected one CREATE event, got %+v", pub.events)
	}

	// Existing file changes content.
	pub.events = nil
	store.Put("/buckets/t1/uploads/b.txt", "text/plain", []byte("world!!"), time.Now())
	if err := w.pass(context.Background()); err != nil {
		t.Fatalf("third pass: %v", err)
	}
	if len(pub.events) != 1 || pub.events[0].EventType != EventUpdate {
		t.Fatalf("expected one UPDATE event, got %+v", pub.events)
	}

	// File removed.
	pub.events = nil
	store.Delete("/buckets/t1/uploads/b.txt")
	if err := w.pass(context.Background()); err != nil {
		t.Fatalf("fourth pass: %v", err)
	}
	if len(pub.events) != 1 || pub.events[0].EventType != EventDelete {
		t.Fatalf("expected one DELETE event, got %+v", pub.events)
	}
}
