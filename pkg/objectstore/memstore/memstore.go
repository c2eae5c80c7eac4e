// Package memstore is an in-memory fake of pkg/objectstore.Store for tests.
package memstore

import (
	"context"
	"io"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/wisbric/tieredfs/pkg/objectstore"
)

type object struct {
	content     []byte
	contentType string
	modTime     time.Time
}

// Store is a mutex-guarded in-memory objectstore.Store.
type Store struct {
	mu      sync.Mutex
	objects map[string]object
}

// New creates an empty in-memory store.
func New() *Store {
	return &Store{objects: make(map[string]object)}
}

// Put seeds an object at path (e.g. "/buckets/t1/uploads/a.txt").
func (s *Store) Put(path, contentType string, content []byte, modTime time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.objects[path] = object{content: content, contentType: contentType, modTime: modTime}
}

// Delete removes an object, if present.
func (s *Store) Delete(path string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.objects, path)
}

func (s *Store) Download(ctx context.Context, path, tenantID string) (*objectstore.Download, error) {
	info, err := objectstore.ParsePath(path)
	if err != nil {
		return nil, err
	}
	if info.TenantID != tenantID {
		return nil, objectstore.ErrNotFound
	}

	s.mu.Lock()
	obj, ok := s.objects[path]
	s.mu.Unlock()
	if !ok {
		return nil, objectstore.ErrNotFound
	}

	return &objectstore.Download{
		Content:   io.NopCloser(strings.NewReader(string(obj.content))),
		SizeBytes: int64(len(obj.content)),
	}, nil
}

func (s *Store) Head(ctx context.Context, path, tenantID string) (*objectstore.Info, error) {
	info, err := objectstore.ParsePath(path)
	if err != nil {
		return nil, err
	}
	if info.TenantID != tenantID {
		return nil, objectstore.ErrNotFound
	}

	s.mu.Lock()
	obj, ok := s.objects[path]
	s.mu.Unlock()
	if !ok {
		return nil, objectstore.ErrNotFound
	}

	return &objectstore.Info{
		SizeBytes:   int64(len(obj.content)),
		ContentType: obj.contentType,
		ETag:        "",
		ModTime:     obj.modTime,
	}, nil
}

func (s *Store) List(ctx context.Context, prefix string) ([]objectstore.Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var entries []objectstore.Entry
	for path, obj := range s.objects {
		if strings.HasPrefix(path, prefix) {
			entries = append(entries, objectstore.Entry{
				Path:      path,
				SizeBytes: int64(len(obj.content)),
				ModTime:   obj.modTime,
			})
		}
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Path < entries[j].Path })
	return entries, nil
}
