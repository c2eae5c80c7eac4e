package memkv

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/wisbric/tieredfs/pkg/repository/kv"
)

func TestPutGetRoundTrip(t *testing.T) {
	s := New()
	ctx := context.Background()

	if err := s.Put(ctx, "device_auth:abc", []byte("payload"), time.Minute); err != nil {
		t.Fatalf("put: %v", err)
	}
	val, err := s.Get(ctx, "device_auth:abc")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if string(val) != "payload" {
		t.Errorf("value = %q, want payload", val)
	}
}

func TestTTLExpiry(t *testing.T) {
	current := time.Now()
	s := NewWithClock(func() time.Time { return current })
	ctx := context.Background()

	if err := s.Put(ctx, "device_auth:abc", []byte("payload"), 600*time.Second); err != nil {
		t.Fatalf("put: %v", err)
	}

	current = current.Add(600 * time.Second)
	_, err := s.Get(ctx, "device_auth:abc")
	if !errors.Is(err, kv.ErrNotFound) {
		t.Fatalf("expected ErrNotFound after TTL elapses, got %v", err)
	}
}

func TestDeleteRemovesKey(t *testing.T) {
	s := New()
	ctx := context.Background()
	_ = s.Put(ctx, "k", []byte("v"), 0)
	_ = s.Delete(ctx, "k")

	if _, err := s.Get(ctx, "k"); !errors.Is(err, kv.ErrNotFound) {
		t.Fatalf("expected ErrNotFound after delete, got %v", err)
	}
}

func TestScanPrefix(t *testing.T) {
	s := New()
	ctx := context.Background()
	_ = s.Put(ctx, "user_code:ABCD-EFGH", []byte("d1"), time.Minute)
	_ = s.Put(ctx, "user_code:WXYZ-1234", []byte("d2"), time.Minute)
	_ = s.Put(ctx, "device_auth:d1", []byte("req"), time.Minute)

	keys, err := s.Scan(ctx, "user_code:", 10)
	if err != nil {
		t.Fatalf("scan: %v", err)
	}
	if len(keys) != 2 {
		t.Fatalf("expected 2 user_code keys, got %d: %v", len(keys), keys)
	}
}
