package s3store

import (
	"context"
	"net/url"
	"strings"
	"time"

	"github.com/minio/minio-go/v7"

	"github.com/wisbric/tieredfs/pkg/watcher"
)

// notificationEvents are the bucket events translateRecord knows how to
// turn into watcher.ChangeNotification values.
var notificationEvents = []string{
	string(minio.ObjectCreatedAll),
	string(minio.ObjectRemovedAll),
}

// feed adapts minio-go's ListenBucketNotification channel to
// watcher.ChangeFeed.
type feed struct {
	notifications chan watcher.ChangeNotification
	closed        chan struct{}
	cancel        context.CancelFunc
}

func (f *feed) Notifications() <-chan watcher.ChangeNotification { return f.notifications }
func (f *feed) Closed() <-chan struct{}                          { return f.closed }
func (f *feed) Close()                                           { f.cancel() }

// Dialer returns a watcher.FeedDialer that streams bucket notifications for
// this store's bucket, starting from "now" on every (re)dial — exactly what
// ListenBucketNotification gives, since it carries no cursor or replay
// position.
func (s *Store) Dialer() watcher.FeedDialer {
	return func(ctx context.Context) (watcher.ChangeFeed, error) {
		feedCtx, cancel := context.WithCancel(ctx)
		doneCh := make(chan struct{})
		go func() {
			<-feedCtx.Done()
			close(doneCh)
		}()

		events := s.client.ListenBucketNotification(feedCtx, s.bucket, "", "", notificationEvents, doneCh)

		f := &feed{
			notifications: make(chan watcher.ChangeNotification),
			closed:        make(chan struct{}),
			cancel:        cancel,
		}

		go func() {
			defer close(f.closed)
			defer close(f.notifications)
			for info := range events {
				if info.Err != nil {
					return
				}
				for _, rec := range info.Records {
					n, ok := translateRecord(rec)
					if !ok {
						continue
					}
					select {
					case f.notifications <- n:
					case <-feedCtx.Done():
						return
					}
				}
			}
		}()

		return f, nil
	}
}

// translateRecord maps one minio.NotificationEvent onto a
// watcher.ChangeNotification, reporting ok=false for event names this
// system doesn't route (e.g. multipart-upload lifecycle events).
func translateRecord(rec minio.NotificationEvent) (watcher.ChangeNotification, bool) {
	var eventType watcher.EventType
	switch {
	case strings.HasPrefix(rec.EventName, "s3:ObjectCreated:"):
		eventType = watcher.EventCreate
	case strings.HasPrefix(rec.EventName, "s3:ObjectRemoved:"):
		eventType = watcher.EventDelete
	default:
		return watcher.ChangeNotification{}, false
	}

	key, err := url.QueryUnescape(rec.S3.Object.Key)
	if err != nil {
		key = rec.S3.Object.Key
	}
	path := "/buckets/" + key

	return watcher.ChangeNotification{
		EventType: eventType,
		Path:      path,
		Metadata: watcher.Metadata{
			FileSize:    rec.S3.Object.Size,
			ContentType: rec.S3.Object.ContentType,
		},
		Timestamp: timeOrNow(rec.EventTime),
	}, true
}

// timeOrNow parses an S3 event timestamp, falling back to the current time
// if the format doesn't match (observed servers vary between RFC3339 and
// RFC3339Nano).
func timeOrNow(raw string) time.Time {
	if t, err := time.Parse(time.RFC3339Nano, raw); err == nil {
		return t
	}
	if t, err := time.Parse(time.RFC3339, raw); err == nil {
		return t
	}
	return time.Now()
}
