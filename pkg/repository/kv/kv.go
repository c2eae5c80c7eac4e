// Package kv is the TTL-bearing key/value surface (part of C6) backing
// ephemeral auth state: PendingDeviceRequest, AuthorizationCode, and
// mobile-enrollment RegistrationRequest records. TTL is a hard contract —
// expired keys MUST NOT be returned (spec.md §4.6).
package kv

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned by Get when key does not exist or has expired.
var ErrNotFound = errors.New("kv: not found")

// Store is the KV surface.
type Store interface {
	// Put writes value under key. ttl of 0 means no expiry.
	Put(ctx context.Context, key string, value []byte, ttl time.Duration) error

	// Get reads the value stored under key.
	Get(ctx context.Context, key string) ([]byte, error)

	// Delete removes key, if present.
	Delete(ctx context.Context, key string) error

	// Scan lists up to limit keys with the given prefix.
	Scan(ctx context.Context, prefix string, limit int) ([]string, error)
}
