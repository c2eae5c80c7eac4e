// Package memkv is an in-memory fake of kv.Store for tests, enforcing the
// same hard TTL contract as rediskv.
package memkv

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/wisbric/tieredfs/pkg/repository/kv"
)

type entry struct {
	value     []byte
	expiresAt time.Time // zero means no expiry
}

// Store is a mutex-guarded in-memory kv.Store.
type Store struct {
	mu   sync.Mutex
	data map[string]entry
	now  func() time.Time
}

// New creates an empty in-memory store using wall-clock time.
func New() *Store {
	return &Store{data: make(map[string]entry), now: time.Now}
}

// NewWithClock creates a store with an injectable clock, for TTL-expiry tests.
func NewWithClock(now func() time.Time) *Store {
	return &Store{data: make(map[string]entry), now: now}
}

func (s *Store) Put(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var expiresAt time.Time
	if ttl > 0 {
		expiresAt = s.now().Add(ttl)
	}
	s.data[key] = entry{value: append([]byte(nil), value...), expiresAt: expiresAt}
	return nil
}

func (s *Store) Get(ctx context.Context, key string) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.data[key]
	if !ok || s.expired(e) {
		delete(s.data, key)
		return nil, kv.ErrNotFound
	}
	return e.value, nil
}

func (s *Store) Delete(ctx context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.data, key)
	return nil
}

func (s *Store) Scan(ctx context.Context, prefix string, limit int) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var keys []string
	for key, e := range s.data {
		if s.expired(e) {
			continue
		}
		if strings.HasPrefix(key, prefix) {
			keys = append(keys, key)
			if limit > 0 && len(keys) >= limit {
				break
			}
		}
	}
	return keys, nil
}

func (s *Store) expired(e entry) bool {
	return !e.expiresAt.IsZero() && !s.now().Before(e.expiresAt)
}
