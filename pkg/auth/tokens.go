// Package auth implements the Auth Core (C7): OAuth 2.1 authorization-code +
// PKCE, device-authorization, and refresh-token grants, plus the mobile
// device-registration enrollment flow. Token issuance generalizes the
// self-signed-session pattern in internal/auth/session.go from HMAC to
// asymmetric signing (ES256/RS256), since spec.md §4.7.2 requires a
// verifiable-by-third-parties signature rather than a shared secret.
package auth

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/rsa"
	"fmt"
	"strings"
	"time"

	"github.com/go-jose/go-jose/v4"
	"github.com/go-jose/go-jose/v4/jwt"

	"github.com/wisbric/tieredfs/pkg/errkind"
)

// AccessTokenClaims are the claims embedded in a signed access token, per
// spec.md §4.7.2.
type AccessTokenClaims struct {
	Subject  string `json:"sub"`
	Tenant   string `json:"tenant"`
	DeviceID string `json:"device_id,omitempty"`
	Scope    string `json:"scope"`
	ClientID string `json:"client_id"`
	Audience string `json:"aud,omitempty"`
}

// TenantID returns the claim set's tenant, falling back to Subject when it
// carries the device-flow "tenant-" prefix and Tenant was left unset — per
// spec.md §4.7.2's verification contract.
func (c AccessTokenClaims) TenantID() string {
	if c.Tenant != "" {
		return c.Tenant
	}
	if strings.HasPrefix(c.Subject, "tenant-") {
		return c.Subject
	}
	return ""
}

// DefaultAccessTokenTTL is expires_in when the caller doesn't override it.
const DefaultAccessTokenTTL = 3600 * time.Second

// issuer is the iss claim stamped on every token this module signs.
const issuer = "tieredfs"

// TokenIssuer signs and verifies access tokens with an asymmetric key
// (ES256 over an ECDSA P-256 key, or RS256 over an RSA key), exposing its
// public half as a JWKS document for C10's discovery endpoint.
type TokenIssuer struct {
	alg     jose.SignatureAlgorithm
	signer  jose.Signer
	privKey any
	pubKey  any
	keyID   string
	ttl     time.Duration
}

// NewES256Issuer builds a TokenIssuer signing with ES256 over key.
func NewES256Issuer(key *ecdsa.PrivateKey, keyID string, ttl time.Duration) (*TokenIssuer, error) {
	return newIssuer(jose.ES256, key, &key.PublicKey, keyID, ttl)
}

// NewRS256Issuer builds a TokenIssuer signing with RS256 over key.
func NewRS256Issuer(key *rsa.PrivateKey, keyID string, ttl time.Duration) (*TokenIssuer, error) {
	return newIssuer(jose.RS256, key, &key.PublicKey, keyID, ttl)
}

func newIssuer(alg jose.SignatureAlgorithm, privKey, pubKey any, keyID string, ttl time.Duration) (*TokenIssuer, error) {
	if ttl <= 0 {
		ttl = DefaultAccessTokenTTL
	}
	signer, err := jose.NewSigner(
		jose.SigningKey{Algorithm: alg, Key: privKey},
		(&jose.SignerOptions{}).WithType("JWT").WithHeader("kid", keyID),
	)
	if err != nil {
		return nil, fmt.Errorf("auth: creating signer: %w", err)
	}
	return &TokenIssuer{alg: alg, signer: signer, privKey: privKey, pubKey: pubKey, keyID: keyID, ttl: ttl}, nil
}

// GenerateES256Key creates a fresh ECDSA P-256 key for dev/test use.
func GenerateES256Key() (*ecdsa.PrivateKey, error) {
	return ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
}

// Issue signs claims into an access token, stamping iat/exp/iss. expiresIn
// of 0 uses the issuer's default TTL.
func (ti *TokenIssuer) Issue(claims AccessTokenClaims, expiresIn time.Duration) (string, time.Duration, error) {
	if expiresIn == 0 {
		expiresIn = ti.ttl
	}
	now := time.Now()
	registered := jwt.Claims{
		Subject:  claims.Subject,
		Issuer:   issuer,
		IssuedAt: jwt.NewNumericDate(now),
		Expiry:   jwt.NewNumericDate(now.Add(expiresIn)),
	}
	if claims.Audience != "" {
		registered.Audience = jwt.Audience{claims.Audience}
	}

	token, err := jwt.Signed(ti.signer).Claims(registered).Claims(claims).Serialize()
	if err != nil {
		return "", 0, fmt.Errorf("auth: signing token: %w", err)
	}
	return token, expiresIn, nil
}

// Verify checks signature, expiry, and required-claim presence per
// spec.md §4.7.2's verification contract.
func (ti *TokenIssuer) Verify(raw string) (*AccessTokenClaims, error) {
	tok, err := jwt.ParseSigned(raw, []jose.SignatureAlgorithm{ti.alg})
	if err != nil {
		return nil, errkind.New(errkind.AuthSignatureInvalid, err)
	}

	var registered jwt.Claims
	var custom AccessTokenClaims
	if err := tok.Claims(ti.pubKey, &registered, &custom); err != nil {
		return nil, errkind.New(errkind.AuthSignatureInvalid, err)
	}

	if registered.Expiry == nil || registered.Expiry.Time().Before(time.Now()) {
		return nil, errkind.Newf(errkind.AuthTokenExpired, "token expired at %v", registered.Expiry)
	}
	if custom.Subject == "" || custom.ClientID == "" {
		return nil, errkind.Newf(errkind.AuthInvalidGrant, "missing required claim (sub/client_id)")
	}
	if custom.TenantID() == "" {
		return nil, errkind.Newf(errkind.AuthInvalidGrant, "missing tenant claim and sub has no tenant- prefix")
	}
	return &custom, nil
}

// JWKS returns this issuer's public key as a JSON Web Key Set, for C10's
// /.well-known/jwks.json.
func (ti *TokenIssuer) JWKS() jose.JSONWebKeySet {
	return jose.JSONWebKeySet{
		Keys: []jose.JSONWebKey{
			{
				Key:       ti.pubKey,
				KeyID:     ti.keyID,
				Algorithm: string(ti.alg),
				Use:       "sig",
			},
		},
	}
}
