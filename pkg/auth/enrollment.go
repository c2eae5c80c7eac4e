package auth

import (
	"context"
	"crypto/rand"
	"encoding/json"
	"fmt"
	"math/big"
	"time"

	"github.com/wisbric/tieredfs/pkg/errkind"
	"github.com/wisbric/tieredfs/pkg/model"
	"github.com/wisbric/tieredfs/pkg/repository"
	"github.com/wisbric/tieredfs/pkg/repository/kv"
)

const (
	registrationKeyPrefix = "device_registration:"
	registrationTTL       = 15 * time.Minute
	verificationCodeDigits = "0123456789"
)

// VerificationSender delivers a mobile-enrollment verification code
// out-of-band (spec.md §4.7.4 says "to email"); the concrete channel
// (SES, Slack DM, etc.) is an external collaborator, so this is an
// interface the caller supplies.
type VerificationSender interface {
	SendVerificationCode(ctx context.Context, email, code string) error
}

// TenantRepo is the narrow write surface enrollment needs to create a
// tenant on first device registration.
type TenantRepo interface {
	Get(ctx context.Context, id, tenantID string) (*model.Tenant, error)
	Upsert(ctx context.Context, id, tenantID string, entity model.Tenant) error
}

type registrationRecord struct {
	Email            string `json:"email"`
	PublicKey        []byte `json:"public_key"`
	DeviceName       string `json:"device_name"`
	DeviceType       string `json:"device_type"`
	Platform         string `json:"platform"`
	VerificationCode string `json:"verification_code"`
}

// Enrollment implements the mobile device registration flow: register
// stores a pending registration and sends a verification code OOB; verify
// creates the tenant (if absent) and the device (UNVERIFIED), then mints
// initial tokens. A later Approve call (device.go) promotes the device to
// TRUSTED, per spec.md §4.7.4.
type Enrollment struct {
	store   kv.Store
	tenants TenantRepo
	devices DeviceRepo
	tokens  *TokenIssuer
	refresh *RefreshTokenStore
	sender  VerificationSender
}

// NewEnrollment builds an Enrollment flow.
func NewEnrollment(store kv.Store, tenants TenantRepo, devices DeviceRepo, tokens *TokenIssuer, refresh *RefreshTokenStore, sender VerificationSender) *Enrollment {
	return &Enrollment{store: store, tenants: tenants, devices: devices, tokens: tokens, refresh: refresh, sender: sender}
}

// Register stores a pending registration keyed by a fresh registration_id
// and sends a verification code to email out-of-band.
func (e *Enrollment) Register(ctx context.Context, email string, publicKey []byte, deviceName, deviceType, platform string) (registrationID string, expiresIn int, err error) {
	registrationID, err = randomURLSafe(24)
	if err != nil {
		return "", 0, fmt.Errorf("auth: generating registration_id: %w", err)
	}
	code, err := randomDigits(6)
	if err != nil {
		return "", 0, fmt.Errorf("auth: generating verification code: %w", err)
	}

	rec := registrationRecord{
		Email: email, PublicKey: publicKey,
		DeviceName: deviceName, DeviceType: deviceType, Platform: platform,
		VerificationCode: code,
	}
	raw, err := json.Marshal(rec)
	if err != nil {
		return "", 0, fmt.Errorf("auth: encoding registration record: %w", err)
	}
	if err := e.store.Put(ctx, registrationKeyPrefix+registrationID, raw, registrationTTL); err != nil {
		return "", 0, fmt.Errorf("auth: storing registration record: %w", err)
	}

	if e.sender != nil {
		if err := e.sender.SendVerificationCode(ctx, email, code); err != nil {
			return "", 0, fmt.Errorf("auth: sending verification code: %w", err)
		}
	}

	return registrationID, int(registrationTTL.Seconds()), nil
}

// Verify checks verificationCode against the pending registration; on
// match it creates the tenant (if absent), creates the device as
// UNVERIFIED, and mints initial tokens.
func (e *Enrollment) Verify(ctx context.Context, registrationID, verificationCode string) (*DeviceTokenResponse, error) {
	raw, err := e.store.Get(ctx, registrationKeyPrefix+registrationID)
	if err != nil {
		return nil, errkind.Newf(errkind.AuthTokenExpired, "registration expired or unknown")
	}
	var rec registrationRecord
	if err := json.Unmarshal(raw, &rec); err != nil {
		return nil, fmt.Errorf("auth: decoding registration record: %w", err)
	}
	if rec.VerificationCode != verificationCode {
		return nil, errkind.Newf(errkind.AuthInvalidGrant, "verification code does not match")
	}

	tenantID := model.TenantIDFromEmail(rec.Email)
	if _, err := e.tenants.Get(ctx, tenantID, ""); err == repository.ErrNotFound {
		if err := e.tenants.Upsert(ctx, tenantID, "", model.Tenant{
			TenantID: tenantID, Email: rec.Email, PublicKey: rec.PublicKey, CreatedAt: time.Now(),
		}); err != nil {
			return nil, fmt.Errorf("auth: creating tenant: %w", err)
		}
	} else if err != nil {
		return nil, fmt.Errorf("auth: looking up tenant: %w", err)
	}

	deviceID := model.DeviceID(rec.Email, rec.DeviceName, rec.DeviceType, rec.Platform, publicKeyPrefix(rec.PublicKey))
	device := model.Device{
		DeviceID: deviceID, TenantID: tenantID, Email: rec.Email,
		DeviceName: rec.DeviceName, DeviceType: rec.DeviceType, Platform: rec.Platform,
		PublicKey: rec.PublicKey, TrustLevel: model.TrustUnverified,
		CreatedAt: time.Now(), LastSeen: time.Now(),
	}
	if err := e.devices.Upsert(ctx, deviceID.String(), tenantID, device); err != nil {
		return nil, fmt.Errorf("auth: creating device: %w", err)
	}
	_ = e.store.Delete(ctx, registrationKeyPrefix+registrationID)

	access, expiresIn, err := e.tokens.Issue(AccessTokenClaims{
		Subject: "tenant-" + tenantID, Tenant: tenantID, DeviceID: deviceID.String(), ClientID: "mobile-enrollment",
	}, 0)
	if err != nil {
		return nil, err
	}
	refresh, err := e.refresh.Issue(ctx, tenantID, deviceID.String(), "mobile-enrollment")
	if err != nil {
		return nil, err
	}

	return &DeviceTokenResponse{
		AccessToken: access, RefreshToken: refresh, TokenType: "Bearer", ExpiresIn: int(expiresIn.Seconds()),
	}, nil
}

func publicKeyPrefix(key []byte) string {
	n := 8
	if len(key) < n {
		n = len(key)
	}
	return fmt.Sprintf("%x", key[:n])
}

func randomDigits(n int) (string, error) {
	b := make([]byte, n)
	for i := range b {
		d, err := rand.Int(rand.Reader, big.NewInt(int64(len(verificationCodeDigits))))
		if err != nil {
			return "", err
		}
		b[i] = verificationCodeDigits[d.Int64()]
	}
	return string(b), nil
}
