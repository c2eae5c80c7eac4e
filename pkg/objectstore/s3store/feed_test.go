package s3store

import (
	"testing"
	"time"

	"github.com/minio/minio-go/v7"

	"github.com/wisbric/tieredfs/pkg/watcher"
)

func TestTranslateRecordCreate(t *testing.T) {
	rec := minio.NotificationEvent{EventName: "s3:ObjectCreated:Put", EventTime: "2026-01-02T03:04:05.000Z"}
	rec.S3.Bucket.Name = "buckets"
	rec.S3.Object.Key = "t1%2Fuploads%2Fa.txt"
	rec.S3.Object.Size = 42
	rec.S3.Object.ContentType = "text/plain"

	n, ok := translateRecord(rec)
	if !ok {
		t.Fatal("expected a translated notification")
	}
	if n.EventType != watcher.EventCreate {
		t.Fatalf("expected EventCreate, got %v", n.EventType)
	}
	if n.Path != "/buckets/t1/uploads/a.txt" {
		t.Fatalf("unexpected path: %s", n.Path)
	}
	if n.Metadata.FileSize != int64(42) {
		t.Fatalf("unexpected size: %v", n.Metadata.FileSize)
	}
}

func TestTranslateRecordRemove(t *testing.T) {
	rec := minio.NotificationEvent{EventName: "s3:ObjectRemoved:Delete"}
	rec.S3.Bucket.Name = "buckets"
	rec.S3.Object.Key = "t1/uploads/a.txt"

	n, ok := translateRecord(rec)
	if !ok {
		t.Fatal("expected a translated notification")
	}
	if n.EventType != watcher.EventDelete {
		t.Fatalf("expected EventDelete, got %v", n.EventType)
	}
}

func TestTranslateRecordIgnoresUnroutedEvents(t *testing.T) {
	rec := minio.NotificationEvent{EventName: "s3:ObjectAccessed:Get"}
	if _, ok := translateRecord(rec); ok {
		t.Fatal("expected unrouted event to be dropped")
	}
}

func TestTimeOrNowFallsBackOnBadFormat(t *testing.T) {
	got := timeOrNow("not-a-timestamp")
	if time.Since(got) > time.Minute {
		t.Fatalf("expected timeOrNow fallback to be close to now, got %v", got)
	}
}

func TestTimeOrNowParsesRFC3339(t *testing.T) {
	got := timeOrNow("2026-01-02T03:04:05Z")
	want := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	if !got.Equal(want) {
		t.Fatalf("got %v, want %v", got, want)
	}
}
