package auth

import (
	"context"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"time"

	"github.com/wisbric/tieredfs/pkg/errkind"
	"github.com/wisbric/tieredfs/pkg/repository/kv"
)

const (
	authCodeKeyPrefix = "authz_code:"
	authCodeTTL       = 10 * time.Minute
)

// authCodeRecord is the persisted state bound to one authorization code,
// per spec.md §4.7.3.
type authCodeRecord struct {
	ClientID      string `json:"client_id"`
	RedirectURI   string `json:"redirect_uri"`
	CodeChallenge string `json:"code_challenge"`
	Subject       string `json:"subject"`
	Tenant        string `json:"tenant"`
	Scope         string `json:"scope"`
	Redeemed      bool   `json:"redeemed"`
}

// AuthorizationCodeFlow implements the PKCE-mandatory authorization-code
// grant. response_type=code is the only supported response_type and
// code_challenge_method=S256 is the only supported challenge method; both
// are enforced by the HTTP layer calling into this type, not here, since
// those are request-shape checks rather than state-machine transitions.
type AuthorizationCodeFlow struct {
	store   kv.Store
	tokens  *TokenIssuer
	refresh *RefreshTokenStore
}

// NewAuthorizationCodeFlow builds an AuthorizationCodeFlow.
func NewAuthorizationCodeFlow(store kv.Store, tokens *TokenIssuer, refresh *RefreshTokenStore) *AuthorizationCodeFlow {
	return &AuthorizationCodeFlow{store: store, tokens: tokens, refresh: refresh}
}

// IssueCode mints a short-lived authorization code bound to
// (client_id, redirect_uri, code_challenge), per spec.md §4.7.3.
func (f *AuthorizationCodeFlow) IssueCode(ctx context.Context, clientID, redirectURI, codeChallenge, subject, tenant, scope string) (string, error) {
	if codeChallenge == "" {
		return "", errkind.Newf(errkind.AuthInvalidGrant, "code_challenge is required")
	}
	code, err := randomURLSafe(32)
	if err != nil {
		return "", fmt.Errorf("auth: generating authorization code: %w", err)
	}
	rec := authCodeRecord{
		ClientID: clientID, RedirectURI: redirectURI, CodeChallenge: codeChallenge,
		Subject: subject, Tenant: tenant, Scope: scope,
	}
	raw, err := json.Marshal(rec)
	if err != nil {
		return "", fmt.Errorf("auth: encoding authorization code record: %w", err)
	}
	if err := f.store.Put(ctx, authCodeKeyPrefix+code, raw, authCodeTTL); err != nil {
		return "", fmt.Errorf("auth: storing authorization code: %w", err)
	}
	return code, nil
}

// Exchange verifies SHA256(code_verifier) == code_challenge, that the code
// matches (client_id, redirect_uri) and has not been previously redeemed,
// then mints tokens and marks the code consumed so a second exchange fails.
func (f *AuthorizationCodeFlow) Exchange(ctx context.Context, code, clientID, redirectURI, codeVerifier string) (*DeviceTokenResponse, error) {
	raw, err := f.store.Get(ctx, authCodeKeyPrefix+code)
	if err != nil {
		return nil, errkind.Newf(errkind.AuthInvalidGrant, "unknown or expired authorization code")
	}
	var rec authCodeRecord
	if err := json.Unmarshal(raw, &rec); err != nil {
		return nil, fmt.Errorf("auth: decoding authorization code record: %w", err)
	}
	if rec.Redeemed {
		return nil, errkind.Newf(errkind.AuthInvalidGrant, "authorization code already redeemed")
	}
	if rec.ClientID != clientID || rec.RedirectURI != redirectURI {
		return nil, errkind.Newf(errkind.AuthInvalidGrant, "client_id/redirect_uri mismatch for authorization code")
	}
	if !verifyPKCE(rec.CodeChallenge, codeVerifier) {
		return nil, errkind.Newf(errkind.AuthInvalidGrant, "code_verifier does not match code_challenge")
	}

	rec.Redeemed = true
	if raw, err = json.Marshal(rec); err != nil {
		return nil, fmt.Errorf("auth: encoding authorization code record: %w", err)
	}
	if err := f.store.Put(ctx, authCodeKeyPrefix+code, raw, authCodeTTL); err != nil {
		return nil, fmt.Errorf("auth: marking authorization code redeemed: %w", err)
	}

	access, expiresIn, err := f.tokens.Issue(AccessTokenClaims{
		Subject: rec.Subject, Tenant: rec.Tenant, Scope: rec.Scope, ClientID: clientID,
	}, 0)
	if err != nil {
		return nil, err
	}
	refresh, err := f.refresh.Issue(ctx, rec.Tenant, "", clientID)
	if err != nil {
		return nil, err
	}

	return &DeviceTokenResponse{
		AccessToken: access, RefreshToken: refresh, TokenType: "Bearer", ExpiresIn: int(expiresIn.Seconds()),
	}, nil
}

// verifyPKCE reports whether base64url(SHA256(verifier)) == challenge,
// i.e. the S256 code_challenge_method per RFC 7636.
func verifyPKCE(challenge, verifier string) bool {
	sum := sha256.Sum256([]byte(verifier))
	computed := base64.RawURLEncoding.EncodeToString(sum[:])
	return computed == challenge
}
