package auth

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/wisbric/tieredfs/pkg/errkind"
	"github.com/wisbric/tieredfs/pkg/repository/kv"
)

const (
	refreshTokenKeyPrefix = "refresh_token:"
	refreshTokenTTL       = 30 * 24 * time.Hour
)

// refreshTokenRecord is the persisted state behind one opaque refresh
// token. Rotation (issuing a new token and invalidating the family on
// reuse) is a required follow-up, not implemented here — see DESIGN.md.
type refreshTokenRecord struct {
	Tenant   string `json:"tenant"`
	DeviceID string `json:"device_id,omitempty"`
	ClientID string `json:"client_id"`
	Redeemed bool   `json:"redeemed"`
}

// RefreshTokenStore issues and redeems opaque, single-use refresh tokens
// per spec.md §4.7.2 ("refresh tokens are opaque, persisted, single-use").
type RefreshTokenStore struct {
	store kv.Store
}

// NewRefreshTokenStore builds a RefreshTokenStore over store.
func NewRefreshTokenStore(store kv.Store) *RefreshTokenStore {
	return &RefreshTokenStore{store: store}
}

// Issue mints a new opaque refresh token bound to (tenant, deviceID, clientID).
func (s *RefreshTokenStore) Issue(ctx context.Context, tenant, deviceID, clientID string) (string, error) {
	token, err := randomURLSafe(32)
	if err != nil {
		return "", fmt.Errorf("auth: generating refresh token: %w", err)
	}
	rec := refreshTokenRecord{Tenant: tenant, DeviceID: deviceID, ClientID: clientID}
	raw, err := json.Marshal(rec)
	if err != nil {
		return "", fmt.Errorf("auth: encoding refresh token record: %w", err)
	}
	if err := s.store.Put(ctx, refreshTokenKeyPrefix+token, raw, refreshTokenTTL); err != nil {
		return "", fmt.Errorf("auth: storing refresh token: %w", err)
	}
	return token, nil
}

// Redeem consumes token exactly once: a second redemption of the same
// token fails with AuthInvalidGrant, matching the single-use contract.
// TODO: rotate into a fresh refresh token + detect reuse across the whole
// family, per the Open Question this module leaves unresolved.
func (s *RefreshTokenStore) Redeem(ctx context.Context, token, clientID string) (tenant, deviceID string, err error) {
	raw, getErr := s.store.Get(ctx, refreshTokenKeyPrefix+token)
	if getErr != nil {
		return "", "", errkind.Newf(errkind.AuthInvalidGrant, "unknown or expired refresh token")
	}
	var rec refreshTokenRecord
	if jsonErr := json.Unmarshal(raw, &rec); jsonErr != nil {
		return "", "", fmt.Errorf("auth: decoding refresh token record: %w", jsonErr)
	}
	if rec.Redeemed {
		return "", "", errkind.Newf(errkind.AuthInvalidGrant, "refresh token already redeemed")
	}
	if rec.ClientID != clientID {
		return "", "", errkind.Newf(errkind.AuthInvalidClient, "client_id mismatch for refresh token")
	}

	rec.Redeemed = true
	raw, marshalErr := json.Marshal(rec)
	if marshalErr != nil {
		return "", "", fmt.Errorf("auth: encoding refresh token record: %w", marshalErr)
	}
	if putErr := s.store.Put(ctx, refreshTokenKeyPrefix+token, raw, refreshTokenTTL); putErr != nil {
		return "", "", fmt.Errorf("auth: marking refresh token redeemed: %w", putErr)
	}
	return rec.Tenant, rec.DeviceID, nil
}
