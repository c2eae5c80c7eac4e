// Package objectstore defines the S3-style read/list capability (C2) that
// the watcher and worker use to fetch tenant content. pkg/objectstore/s3store
// backs it with minio-go; pkg/objectstore/memstore backs it with an
// in-memory fake for tests.
package objectstore

import (
	"context"
	"errors"
	"io"
	"time"
)

// ErrNotFound is returned by Download/Head when the object does not exist.
var ErrNotFound = errors.New("objectstore: not found")

// Download is the result of a successful object fetch. Content must be
// closed by the caller.
type Download struct {
	Content   io.ReadCloser
	SizeBytes int64
}

// Info is object metadata without its body.
type Info struct {
	SizeBytes   int64
	ContentType string
	ETag        string
	ModTime     time.Time
}

// Entry is one item yielded by List.
type Entry struct {
	Path      string
	SizeBytes int64
	ModTime   time.Time
}

// Store is the object read/list contract. Paths must satisfy the
// /buckets/{tenant_id}/{category}/{remainder} grammar in path.go; callers
// should validate with ParsePath before calling these methods.
type Store interface {
	// Download fetches an object's content and size. Returns ErrNotFound
	// if the object does not exist under the given tenant.
	Download(ctx context.Context, path, tenantID string) (*Download, error)

	// Head fetches object metadata without its body.
	Head(ctx context.Context, path, tenantID string) (*Info, error)

	// List enumerates objects under prefix. Used only by the HTTP-poll
	// watcher fallback strategy.
	List(ctx context.Context, prefix string) ([]Entry, error)
}
