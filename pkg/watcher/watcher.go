// Package watcher produces normalized storage events onto the main bus
// subject (C3). Two interchangeable strategies exist — StreamingWatcher
// (preferred) and PollingWatcher (fallback) — exactly one runs per
// deployment, selected by internal/config.Config.WatcherStrategy.
package watcher

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	"github.com/wisbric/tieredfs/pkg/objectstore"
)

// MainSubject is the single subject every watcher strategy publishes onto;
// the router (C4) consumes it exclusively.
const MainSubject = "p8fs.storage.events"

// EventType is one of the four storage event kinds.
type EventType string

const (
	EventCreate EventType = "CREATE"
	EventUpdate EventType = "UPDATE"
	EventDelete EventType = "DELETE"
	EventRename EventType = "RENAME"
)

// Metadata carries the raw, not-yet-coerced size/content-type fields a
// change source may report.
type Metadata struct {
	FileSize    any    `json:"file_size,omitempty"`
	ContentType string `json:"content_type,omitempty"`
}

// Event is the wire shape described in spec.md §3 ("Storage event").
type Event struct {
	EventType EventType           `json:"event_type"`
	Path      string              `json:"path"`
	PathInfo  *objectstore.PathInfo `json:"path_info,omitempty"`
	Metadata  Metadata            `json:"metadata"`
	Timestamp time.Time           `json:"timestamp"`
	TenantID  string              `json:"tenant_id,omitempty"`
}

// Publisher is the subset of bus.Bus a watcher strategy needs.
type Publisher interface {
	Publish(ctx context.Context, subject string, data []byte) error
}

// shouldProcess reports whether an event qualifies for publish, per
// spec.md §4.3's should_process() rules.
func shouldProcess(path string, eventType EventType) bool {
	if strings.Contains(path, "uploadId=") {
		return false
	}
	// RENAME has no downstream handling anywhere in the pipeline; CREATE,
	// UPDATE and DELETE all reach the worker (see DESIGN.md on should_process).
	if eventType == EventRename {
		return false
	}
	info, err := objectstore.ParsePath(path)
	if err != nil || !info.IsTenantPath || info.IsDirectory {
		return false
	}
	return true
}

// buildEvent parses path via the tenant path grammar and assembles the
// wire event. Callers must have already passed shouldProcess.
func buildEvent(eventType EventType, path string, meta Metadata, ts time.Time) (*Event, error) {
	info, err := objectstore.ParsePath(path)
	if err != nil {
		return nil, err
	}
	return &Event{
		EventType: eventType,
		Path:      path,
		PathInfo:  info,
		Metadata:  meta,
		Timestamp: ts,
		TenantID:  info.TenantID,
	}, nil
}

func publishEvent(ctx context.Context, pub Publisher, ev *Event) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	return pub.Publish(ctx, MainSubject, data)
}
