package mcp

import (
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"sync"
)

// SessionStore allocates opaque session ids and binds each to the tenant
// that created it, per spec.md §4.8 step 3. Sessions live for the gateway
// process's lifetime; there's no cross-restart persistence requirement in
// spec.md, so this stays in-process rather than KV-backed.
type SessionStore struct {
	mu       sync.Mutex
	tenantOf map[string]string
}

// NewSessionStore builds an empty SessionStore.
func NewSessionStore() *SessionStore {
	return &SessionStore{tenantOf: make(map[string]string)}
}

// Allocate creates a fresh session id bound to tenantID.
func (s *SessionStore) Allocate(tenantID string) (string, error) {
	id, err := randomSessionID()
	if err != nil {
		return "", fmt.Errorf("mcp: generating session id: %w", err)
	}
	s.mu.Lock()
	s.tenantOf[id] = tenantID
	s.mu.Unlock()
	return id, nil
}

// TenantOf returns the tenant a session id is bound to.
func (s *SessionStore) TenantOf(sessionID string) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	tenantID, ok := s.tenantOf[sessionID]
	return tenantID, ok
}

// Release forgets a session id.
func (s *SessionStore) Release(sessionID string) {
	s.mu.Lock()
	delete(s.tenantOf, sessionID)
	s.mu.Unlock()
}

func randomSessionID() (string, error) {
	b := make([]byte, 24)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(b), nil
}
