package watcher

import (
	"context"
	"encoding/json"
	"testing"
	"time"
)

type recordingPublisher struct {
	subject string
	events  []Event
}

func (r *recordingPublisher) Publish(ctx context.Context, subject string, data []byte) error {
	r.subject = subject
	var ev Event
	if err := json.Unmarshal(data, &ev); err != nil {
		return err
	}
	r.events = append(r.events, ev)
	return nil
}

func TestShouldProcess(t *testing.T) {
	cases := []struct {
		name      string
		path      string
		eventType EventType
		want      bool
	}{
		{"tenant create", "/buckets/t1/uploads/a.txt", EventCreate, true},
		{"tenant update", "/buckets/t1/uploads/a.txt", EventUpdate, true},
		{"tenant delete", "/buckets/t1/uploads/a.txt", EventDelete, true},
		{"rename dropped", "/buckets/t1/uploads/a.txt", EventRename, false},
		{"non tenant path", "/other/t1/uploads/a.txt", EventCreate, false},
		{"directory path", "/buckets/t1/uploads/", EventCreate, false},
		{"multipart temp", "/buckets/t1/uploads/a.txt?uploadId=xyz", EventCreate, false},
	}

	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			if got := shouldProcess(c.path, c.eventType); got != c.want {
				t.Errorf("shouldProcess(%q, %q) = %v, want %v", c.path, c.eventType, got, c.want)
			}
		})
	}
}

func TestBuildAndPublishEvent(t *testing.T) {
	pub := &recordingPublisher{}
	ev, err := buildEvent(EventCreate, "/buckets/t1/uploads/a.txt", Metadata{FileSize: 100}, time.Now())
	if err != nil {
		t.Fatalf("buildEvent: %v", err)
	}
	if err := publishEvent(context.Background(), pub, ev); err != nil {
		t.Fatalf("publishEvent: %v", err)
	}

	if pub.subject != MainSubject {
		t.Errorf("subject = %q, want %q", pub.subject, MainSubject)
	}
	if len(pub.events) != 1 || pub.events[0].TenantID != "t1" {
		t.Fatalf("unexpected published event: %+v", pub.events)
	}
}

func TestExtractFileSize(t *testing.T) {
	cases := []struct {
		name string
		raw  map[string]any
		want int64
	}{
		{"size field", map[string]any{"size": float64(100)}, 100},
		{"file_size field", map[string]any{"file_size": float64(200)}, 200},
		{"nested attributes", map[string]any{"entry": map[string]any{"attributes": map[string]any{"file_size": float64(300)}}}, 300},
		{"missing defaults zero", map[string]any{}, 0},
		{"size wins over file_size", map[string]any{"size": float64(1), "file_size": float64(2)}, 1},
	}

	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			if got := ExtractFileSize(c.raw); got != c.want {
				t.Errorf("ExtractFileSize(%v) = %d, want %d", c.raw, got, c.want)
			}
		})
	}
}
