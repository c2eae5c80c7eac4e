package mcp

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"testing"
	"time"

	"github.com/wisbric/tieredfs/pkg/auth"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

func newTestIssuer(t *testing.T) *auth.TokenIssuer {
	t.Helper()
	key, err := auth.GenerateES256Key()
	if err != nil {
		t.Fatalf("generating key: %v", err)
	}
	issuer, err := auth.NewES256Issuer(key, "k", time.Hour)
	if err != nil {
		t.Fatalf("building issuer: %v", err)
	}
	return issuer
}

func echoTool() Tool {
	return Tool{
		Name:           "echo",
		Description:    "returns the input arguments unchanged",
		RequiredScopes: []string{"tools:echo"},
		Handler: func(ctx context.Context, cc CallContext, params json.RawMessage) (any, error) {
			var v map[string]any
			_ = json.Unmarshal(params, &v)
			v["tenant_id"] = cc.TenantID
			return v, nil
		},
	}
}

func doRPC(t *testing.T, gw *Gateway, token, sessionID, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, "/", bytes.NewBufferString(body))
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	if sessionID != "" {
		req.Header.Set(sessionHeader, sessionID)
	}
	rr := httptest.NewRecorder()
	gw.Routes().ServeHTTP(rr, req)
	return rr
}

func TestGatewayRejectsMissingBearer(t *testing.T) {
	gw := NewGateway(newTestIssuer(t), NewRegistry(), testLogger())
	rr := doRPC(t, gw, "", "", `{"method":"initialize"}`)
	if rr.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d, want %d", rr.Code, http.StatusUnauthorized)
	}
}

func TestGatewayInitializeAllocatesSessionBoundToTenant(t *testing.T) {
	issuer := newTestIssuer(t)
	gw := NewGateway(issuer, NewRegistry(), testLogger())

	token, _, err := issuer.Issue(auth.AccessTokenClaims{Subject: "user-1", Tenant: "acme", ClientID: "cli", Scope: "tools:echo"}, 0)
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}

	rr := doRPC(t, gw, token, "", `{"method":"initialize"}`)
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", rr.Code, rr.Body.String())
	}
	sessionID := rr.Header().Get(sessionHeader)
	if sessionID == "" {
		t.Fatalf("expected %s response header", sessionHeader)
	}

	tenantID, ok := gw.sessions.TenantOf(sessionID)
	if !ok || tenantID != "acme" {
		t.Fatalf("session tenant = %q, ok=%v, want acme", tenantID, ok)
	}
}

func TestGatewayToolCallRequiresSessionAndScope(t *testing.T) {
	issuer := newTestIssuer(t)
	registry := NewRegistry(echoTool())
	gw := NewGateway(issuer, registry, testLogger())

	token, _, err := issuer.Issue(auth.AccessTokenClaims{Subject: "user-1", Tenant: "acme", ClientID: "cli", Scope: "tools:echo"}, 0)
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}

	initRR := doRPC(t, gw, token, "", `{"method":"initialize"}`)
	sessionID := initRR.Header().Get(sessionHeader)

	// Missing session header.
	rr := doRPC(t, gw, token, "", `{"method":"tools/call","params":{"name":"echo","arguments":{"x":1}}}`)
	if rr.Code != http.StatusBadRequest {
		t.Fatalf("status without session = %d, want %d", rr.Code, http.StatusBadRequest)
	}

	// Valid session, missing scope on token.
	noScopeToken, _, err := issuer.Issue(auth.AccessTokenClaims{Subject: "user-2", Tenant: "acme", ClientID: "cli"}, 0)
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}
	rr = doRPC(t, gw, noScopeToken, sessionID, `{"method":"tools/call","params":{"name":"echo","arguments":{"x":1}}}`)
	if rr.Code != http.StatusForbidden {
		t.Fatalf("status without scope = %d, want %d, body=%s", rr.Code, http.StatusForbidden, rr.Body.String())
	}

	// Valid session and scope.
	rr = doRPC(t, gw, token, sessionID, `{"method":"tools/call","params":{"name":"echo","arguments":{"x":1}}}`)
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", rr.Code, rr.Body.String())
	}
	var resp rpcResponse
	if err := json.Unmarshal(rr.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decoding response: %v", err)
	}
}

func TestGatewayRejectsSessionTenantMismatch(t *testing.T) {
	issuer := newTestIssuer(t)
	registry := NewRegistry(echoTool())
	gw := NewGateway(issuer, registry, testLogger())

	acmeToken, _, err := issuer.Issue(auth.AccessTokenClaims{Subject: "user-1", Tenant: "acme", ClientID: "cli", Scope: "tools:echo"}, 0)
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}
	initRR := doRPC(t, gw, acmeToken, "", `{"method":"initialize"}`)
	sessionID := initRR.Header().Get(sessionHeader)

	otherToken, _, err := issuer.Issue(auth.AccessTokenClaims{Subject: "user-2", Tenant: "globex", ClientID: "cli", Scope: "tools:echo"}, 0)
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}
	rr := doRPC(t, gw, otherToken, sessionID, `{"method":"tools/call","params":{"name":"echo","arguments":{}}}`)
	if rr.Code != http.StatusForbidden {
		t.Fatalf("status = %d, want %d", rr.Code, http.StatusForbidden)
	}
}
