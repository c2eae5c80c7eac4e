package auth

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"

	"github.com/wisbric/tieredfs/pkg/repository/kv/memkv"
)

func decodeJSON(t *testing.T, body []byte, dst any) {
	t.Helper()
	if err := json.Unmarshal(body, dst); err != nil {
		t.Fatalf("decoding response body %q: %v", body, err)
	}
}

func newTestHandler(t *testing.T) *Handler {
	t.Helper()
	store := memkv.New()
	issuer := newTestIssuer(t)
	refresh := NewRefreshTokenStore(store)
	devices := newFakeDeviceRepo()
	tenants := newFakeTenantRepo()

	deviceFlow := NewDeviceFlow(store, issuer, refresh, devices, "https://auth.example.com/device")
	authzFlow := NewAuthorizationCodeFlow(store, issuer, refresh)
	sender := verificationSenderFunc(func(ctx context.Context, email, code string) error { return nil })
	enroll := NewEnrollment(store, tenants, devices, issuer, refresh, sender)
	return NewHandler(deviceFlow, authzFlow, refresh, enroll, issuer)
}

func TestHandleDeviceAuthorizationRequiresClientID(t *testing.T) {
	h := newTestHandler(t)
	req := httptest.NewRequest(http.MethodPost, "/device_authorization", strings.NewReader(""))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	rr := httptest.NewRecorder()
	h.Routes().ServeHTTP(rr, req)

	if rr.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rr.Code)
	}
}

func TestHandleDeviceAuthorizationSucceeds(t *testing.T) {
	h := newTestHandler(t)
	form := url.Values{"client_id": {"cli-1"}, "scope": {"files:read files:write"}}
	req := httptest.NewRequest(http.MethodPost, "/device_authorization", strings.NewReader(form.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	rr := httptest.NewRecorder()
	h.Routes().ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200, body=%s", rr.Code, rr.Body.String())
	}
	if !strings.Contains(rr.Body.String(), "device_code") {
		t.Fatalf("response missing device_code: %s", rr.Body.String())
	}
}

func TestHandleTokenUnsupportedGrantType(t *testing.T) {
	h := newTestHandler(t)
	form := url.Values{"grant_type": {"password"}, "client_id": {"cli-1"}}
	req := httptest.NewRequest(http.MethodPost, "/token", strings.NewReader(form.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	rr := httptest.NewRecorder()
	h.Routes().ServeHTTP(rr, req)

	if rr.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rr.Code)
	}
	if !strings.Contains(rr.Body.String(), "unsupported_grant_type") {
		t.Fatalf("unexpected body: %s", rr.Body.String())
	}
}

func TestHandleTokenDeviceCodePending(t *testing.T) {
	h := newTestHandler(t)
	authForm := url.Values{"client_id": {"cli-1"}}
	authReq := httptest.NewRequest(http.MethodPost, "/device_authorization", strings.NewReader(authForm.Encode()))
	authReq.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	authRR := httptest.NewRecorder()
	h.Routes().ServeHTTP(authRR, authReq)
	if authRR.Code != http.StatusOK {
		t.Fatalf("device_authorization status = %d", authRR.Code)
	}

	var resp struct {
		DeviceCode string `json:"device_code"`
	}
	decodeJSON(t, authRR.Body.Bytes(), &resp)

	form := url.Values{
		"grant_type":  {"urn:ietf:params:oauth:grant-type:device_code"},
		"device_code": {resp.DeviceCode},
		"client_id":   {"cli-1"},
	}
	req := httptest.NewRequest(http.MethodPost, "/token", strings.NewReader(form.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	rr := httptest.NewRecorder()
	h.Routes().ServeHTTP(rr, req)

	if rr.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400 (authorization_pending)", rr.Code)
	}
	if !strings.Contains(rr.Body.String(), "authorization_pending") {
		t.Fatalf("unexpected body: %s", rr.Body.String())
	}
}

func TestHandleIntrospectInactiveToken(t *testing.T) {
	h := newTestHandler(t)
	form := url.Values{"token": {"not-a-real-token"}}
	req := httptest.NewRequest(http.MethodPost, "/introspect", strings.NewReader(form.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	rr := httptest.NewRecorder()
	h.Routes().ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rr.Code)
	}
	if !strings.Contains(rr.Body.String(), `"active":false`) {
		t.Fatalf("unexpected body: %s", rr.Body.String())
	}
}

func TestHandleAuthorizeRequiresPKCE(t *testing.T) {
	h := newTestHandler(t)
	req := httptest.NewRequest(http.MethodGet, "/authorize?response_type=code&client_id=cli-1", nil)
	rr := httptest.NewRecorder()
	h.Routes().ServeHTTP(rr, req)

	if rr.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rr.Code)
	}
}

func TestHandleAuthorizeRedirectsToDeviceVerification(t *testing.T) {
	h := newTestHandler(t)
	req := httptest.NewRequest(http.MethodGet, "/authorize?response_type=code&client_id=cli-1&code_challenge=abc&code_challenge_method=S256", nil)
	rr := httptest.NewRecorder()
	h.Routes().ServeHTTP(rr, req)

	if rr.Code != http.StatusFound {
		t.Fatalf("status = %d, want 302", rr.Code)
	}
	loc := rr.Header().Get("Location")
	if !strings.HasPrefix(loc, "https://auth.example.com/device?") {
		t.Fatalf("unexpected redirect: %s", loc)
	}
}

func TestHandleAuthorizeWithBearerTokenIssuesCodeAndRedirects(t *testing.T) {
	h := newTestHandler(t)
	access, _, err := h.tokens.Issue(AccessTokenClaims{Subject: "tenant-t1", Tenant: "t1", ClientID: "cli-1", Scope: "files:read"}, 0)
	if err != nil {
		t.Fatalf("Issue() error = %v", err)
	}

	req := httptest.NewRequest(http.MethodGet, "/authorize?response_type=code&client_id=cli-1&redirect_uri=https://app.example.com/cb&code_challenge=abc&code_challenge_method=S256&state=xyz", nil)
	req.Header.Set("Authorization", "Bearer "+access)
	rr := httptest.NewRecorder()
	h.Routes().ServeHTTP(rr, req)

	if rr.Code != http.StatusFound {
		t.Fatalf("status = %d, want 302, body=%s", rr.Code, rr.Body.String())
	}
	loc := rr.Header().Get("Location")
	if !strings.HasPrefix(loc, "https://app.example.com/cb?") {
		t.Fatalf("unexpected redirect: %s", loc)
	}
	if !strings.Contains(loc, "code=") || !strings.Contains(loc, "state=xyz") {
		t.Fatalf("redirect missing code/state: %s", loc)
	}
}

func TestHandleAuthorizeWithInvalidBearerFallsBackToDeviceVerification(t *testing.T) {
	h := newTestHandler(t)
	req := httptest.NewRequest(http.MethodGet, "/authorize?response_type=code&client_id=cli-1&code_challenge=abc&code_challenge_method=S256", nil)
	req.Header.Set("Authorization", "Bearer not-a-real-token")
	rr := httptest.NewRecorder()
	h.Routes().ServeHTTP(rr, req)

	if rr.Code != http.StatusFound {
		t.Fatalf("status = %d, want 302", rr.Code)
	}
	loc := rr.Header().Get("Location")
	if !strings.HasPrefix(loc, "https://auth.example.com/device?") {
		t.Fatalf("unexpected redirect: %s", loc)
	}
}

func TestHandleDiscoveryAndJWKS(t *testing.T) {
	h := newTestHandler(t)

	req := httptest.NewRequest(http.MethodGet, "/openid-configuration", nil)
	rr := httptest.NewRecorder()
	h.DiscoveryRoutes().ServeHTTP(rr, req)
	if rr.Code != http.StatusOK {
		t.Fatalf("discovery status = %d", rr.Code)
	}

	req = httptest.NewRequest(http.MethodGet, "/jwks.json", nil)
	rr = httptest.NewRecorder()
	h.DiscoveryRoutes().ServeHTTP(rr, req)
	if rr.Code != http.StatusOK {
		t.Fatalf("jwks status = %d", rr.Code)
	}
	if !strings.Contains(rr.Body.String(), "keys") {
		t.Fatalf("unexpected jwks body: %s", rr.Body.String())
	}
}
