package auth

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/skip2/go-qrcode"

	"github.com/wisbric/tieredfs/pkg/errkind"
	"github.com/wisbric/tieredfs/pkg/model"
	"github.com/wisbric/tieredfs/pkg/repository/kv"
)

const (
	deviceAuthKeyPrefix = "device_auth:"
	userCodeKeyPrefix   = "user_code:"
	userCodeAlphabet    = "ABCDEFGHJKLMNPQRSTUVWXYZ23456789" // no 0/O/1/I
	devicePollInterval  = 5
)

// DeviceRepo is the device read/write surface approval and enrollment need:
// Get to verify a signature against the approving device's enrolled public
// key, Upsert to create/promote a device during mobile enrollment.
type DeviceRepo interface {
	Get(ctx context.Context, id, tenantID string) (*model.Device, error)
	Upsert(ctx context.Context, id, tenantID string, entity model.Device) error
}

// DeviceAuthorizationResponse is initiate's return value, per spec.md
// §4.7.1 and the RFC 8628 field names external clients expect.
type DeviceAuthorizationResponse struct {
	DeviceCode              string `json:"device_code"`
	UserCode                string `json:"user_code"`
	VerificationURI         string `json:"verification_uri"`
	VerificationURIComplete string `json:"verification_uri_complete"`
	ExpiresIn               int    `json:"expires_in"`
	Interval                int    `json:"interval"`
	QRCode                  string `json:"qr_code"` // base64-encoded PNG
}

// DeviceTokenResponse is poll's return value on APPROVED->CONSUMED.
type DeviceTokenResponse struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	TokenType    string `json:"token_type"`
	ExpiresIn    int    `json:"expires_in"`
}

// DeviceFlow implements the PENDING -> APPROVED -> CONSUMED (terminal
// EXPIRED) state machine from spec.md §4.7.1, backed by a kv.Store under
// the device_auth:{device_code} / user_code:{user_code} key convention.
type DeviceFlow struct {
	store           kv.Store
	tokens          *TokenIssuer
	refresh         *RefreshTokenStore
	devices         DeviceRepo
	verificationURI string
}

// NewDeviceFlow builds a DeviceFlow. verificationURI is the human-facing
// page a user visits to enter their user_code.
func NewDeviceFlow(store kv.Store, tokens *TokenIssuer, refresh *RefreshTokenStore, devices DeviceRepo, verificationURI string) *DeviceFlow {
	return &DeviceFlow{store: store, tokens: tokens, refresh: refresh, devices: devices, verificationURI: verificationURI}
}

// Initiate creates a PendingDeviceRequest and returns the RFC 8628-shaped
// response the client polls against.
func (f *DeviceFlow) Initiate(ctx context.Context, clientID string, scope []string) (*DeviceAuthorizationResponse, error) {
	deviceCode, err := randomURLSafe(32) // >=128 random bits
	if err != nil {
		return nil, fmt.Errorf("auth: generating device_code: %w", err)
	}
	userCode, err := randomUserCode()
	if err != nil {
		return nil, fmt.Errorf("auth: generating user_code: %w", err)
	}

	now := time.Now()
	req := model.PendingDeviceRequest{
		DeviceCode: deviceCode,
		UserCode:   userCode,
		ClientID:   clientID,
		Scope:      scope,
		Status:     model.DeviceRequestPending,
		CreatedAt:  now,
		ExpiresAt:  now.Add(model.PendingDeviceRequestTTL),
	}
	if err := f.put(ctx, &req); err != nil {
		return nil, err
	}

	verificationComplete := fmt.Sprintf("%s?user_code=%s", f.verificationURI, userCode)
	png, err := qrcode.Encode(verificationComplete, qrcode.Medium, 256)
	if err != nil {
		return nil, fmt.Errorf("auth: rendering qr code: %w", err)
	}

	return &DeviceAuthorizationResponse{
		DeviceCode:              deviceCode,
		UserCode:                userCode,
		VerificationURI:         f.verificationURI,
		VerificationURIComplete: verificationComplete,
		ExpiresIn:               int(model.PendingDeviceRequestTTL.Seconds()),
		Interval:                devicePollInterval,
		QRCode:                  base64.StdEncoding.EncodeToString(png),
	}, nil
}

// Poll reads device_auth:{device_code} and advances APPROVED -> CONSUMED.
func (f *DeviceFlow) Poll(ctx context.Context, deviceCode, clientID string) (*DeviceTokenResponse, error) {
	req, err := f.get(ctx, deviceAuthKeyPrefix+deviceCode)
	if err != nil {
		return nil, errkind.Newf(errkind.AuthTokenExpired, "device_code expired or unknown")
	}
	if req.ClientID != clientID {
		return nil, errkind.Newf(errkind.AuthInvalidClient, "client_id mismatch for device_code")
	}

	switch req.Status {
	case model.DeviceRequestPending:
		return nil, errkind.Newf(errkind.AuthAuthorizationPending, "authorization_pending")
	case model.DeviceRequestConsumed:
		return nil, errkind.Newf(errkind.AuthInvalidGrant, "device_code already consumed")
	case model.DeviceRequestApproved:
		req.Status = model.DeviceRequestConsumed
		if err := f.put(ctx, req); err != nil {
			return nil, err
		}
		return &DeviceTokenResponse{
			AccessToken:  req.AccessToken,
			RefreshToken: req.RefreshToken,
			TokenType:    "Bearer",
			ExpiresIn:    int(DefaultAccessTokenTTL.Seconds()),
		}, nil
	default:
		return nil, errkind.Newf(errkind.AuthTokenExpired, "device_code expired or unknown")
	}
}

// Approve dereferences userCode -> device_code, optionally verifies an
// Ed25519 challenge/signature against the approving device's enrolled
// public key, mints bound tokens, and transitions PENDING -> APPROVED.
func (f *DeviceFlow) Approve(ctx context.Context, userCode, approvingTenant, approvingDeviceID string, challenge, signature []byte) error {
	deviceCode, _, err := f.resolveUserCode(ctx, userCode)
	if err != nil {
		return err
	}
	req, err := f.get(ctx, deviceAuthKeyPrefix+deviceCode)
	if err != nil {
		return errkind.Newf(errkind.AuthTokenExpired, "device_code expired or unknown")
	}

	if len(challenge) > 0 || len(signature) > 0 {
		if f.devices == nil {
			return errkind.Newf(errkind.AuthInvalidClient, "no device registry configured for signature verification")
		}
		device, err := f.devices.Get(ctx, approvingDeviceID, approvingTenant)
		if err != nil {
			return errkind.New(errkind.AuthInvalidClient, err)
		}
		if !ed25519.Verify(ed25519.PublicKey(device.PublicKey), challenge, signature) {
			return errkind.Newf(errkind.AuthSignatureInvalid, "device challenge signature invalid")
		}
	}

	if f.devices != nil && approvingDeviceID != "" {
		if err := f.promoteDeviceTrust(ctx, approvingDeviceID, approvingTenant); err != nil {
			return err
		}
	}

	access, expiresIn, err := f.tokens.Issue(AccessTokenClaims{
		Subject:  "tenant-" + approvingTenant,
		Tenant:   approvingTenant,
		DeviceID: approvingDeviceID,
		Scope:    strings.Join(req.Scope, " "),
		ClientID: req.ClientID,
	}, 0)
	if err != nil {
		return err
	}
	refresh, err := f.refresh.Issue(ctx, approvingTenant, approvingDeviceID, req.ClientID)
	if err != nil {
		return err
	}
	_ = expiresIn

	req.Status = model.DeviceRequestApproved
	req.ApprovedByTenant = approvingTenant
	req.ApprovedByDevice = approvingDeviceID
	req.AccessToken = access
	req.RefreshToken = refresh
	return f.put(ctx, req)
}

// promoteDeviceTrust sets the approving device's trust level to TRUSTED:
// spec.md §4.7.4 states a subsequent approve call promotes the device, and
// §3 requires trust_level to only ever increase, so a device already at
// TrustTrusted is left unchanged.
func (f *DeviceFlow) promoteDeviceTrust(ctx context.Context, deviceID, tenantID string) error {
	device, err := f.devices.Get(ctx, deviceID, tenantID)
	if err != nil {
		return errkind.New(errkind.AuthInvalidClient, err)
	}
	if device.TrustLevel == model.TrustTrusted {
		return nil
	}
	device.TrustLevel = model.TrustTrusted
	if err := f.devices.Upsert(ctx, deviceID, tenantID, *device); err != nil {
		return fmt.Errorf("auth: promoting device trust: %w", err)
	}
	return nil
}

// Deny deletes both KV entries for userCode, ending the flow without
// issuing tokens.
func (f *DeviceFlow) Deny(ctx context.Context, userCode string) error {
	deviceCode, resolvedCode, err := f.resolveUserCode(ctx, userCode)
	if err != nil {
		return err
	}
	_ = f.store.Delete(ctx, userCodeKeyPrefix+resolvedCode)
	return f.store.Delete(ctx, deviceAuthKeyPrefix+deviceCode)
}

// resolveUserCode returns (device_code, the key variant that matched).
func (f *DeviceFlow) resolveUserCode(ctx context.Context, userCode string) (string, string, error) {
	if raw, err := f.store.Get(ctx, userCodeKeyPrefix+userCode); err == nil {
		return string(raw), userCode, nil
	}
	// User code normalization: 8 chars, no hyphen -> retry with a hyphen
	// inserted after position 4, per spec.md §4.7.1.
	normalized := normalizeUserCode(userCode)
	if normalized == userCode {
		return "", "", errkind.Newf(errkind.AuthTokenExpired, "user_code expired or unknown")
	}
	raw, err := f.store.Get(ctx, userCodeKeyPrefix+normalized)
	if err != nil {
		return "", "", errkind.Newf(errkind.AuthTokenExpired, "user_code expired or unknown")
	}
	return string(raw), normalized, nil
}

func normalizeUserCode(code string) string {
	stripped := strings.ToUpper(strings.ReplaceAll(code, "-", ""))
	if len(stripped) != 8 {
		return code
	}
	return stripped[:4] + "-" + stripped[4:]
}

func (f *DeviceFlow) put(ctx context.Context, req *model.PendingDeviceRequest) error {
	raw, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("auth: encoding device request: %w", err)
	}
	ttl := time.Until(req.ExpiresAt)
	if ttl <= 0 {
		ttl = time.Second
	}
	if err := f.store.Put(ctx, deviceAuthKeyPrefix+req.DeviceCode, raw, ttl); err != nil {
		return fmt.Errorf("auth: storing device_auth entry: %w", err)
	}
	if err := f.store.Put(ctx, userCodeKeyPrefix+req.UserCode, []byte(req.DeviceCode), ttl); err != nil {
		return fmt.Errorf("auth: storing user_code entry: %w", err)
	}
	return nil
}

func (f *DeviceFlow) get(ctx context.Context, key string) (*model.PendingDeviceRequest, error) {
	raw, err := f.store.Get(ctx, key)
	if err != nil {
		return nil, err
	}
	var req model.PendingDeviceRequest
	if err := json.Unmarshal(raw, &req); err != nil {
		return nil, fmt.Errorf("auth: decoding device request: %w", err)
	}
	return &req, nil
}

func randomURLSafe(nBytes int) (string, error) {
	b := make([]byte, nBytes)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(b), nil
}

func randomUserCode() (string, error) {
	b := make([]byte, 8)
	for i := range b {
		n, err := rand.Int(rand.Reader, big.NewInt(int64(len(userCodeAlphabet))))
		if err != nil {
			return "", err
		}
		b[i] = userCodeAlphabet[n.Int64()]
	}
	return string(b[:4]) + "-" + string(b[4:]), nil
}
