// Package mcp implements the MCP Session Gateway (C8): bearer-token
// authentication via pkg/auth, session allocation bound to a tenant, and
// scope-checked tool dispatch, per spec.md §4.8. The bearer-extraction and
// context-stuffing shape follows internal/auth/middleware.go's
// NewContext/FromContext pattern, generalized from a DB-backed Identity to
// the {tenant_id, user_id, scopes} triple C7 tokens carry.
package mcp

import "context"

// CallContext is what a tool handler sees: the authenticated principal's
// tenant, subject, and granted scopes, per spec.md §4.8 step 5.
type CallContext struct {
	TenantID string
	UserID   string
	Scopes   []string
}

// HasScope reports whether scope (or the wildcard "*") was granted.
func (c CallContext) HasScope(scope string) bool {
	for _, s := range c.Scopes {
		if s == scope || s == "*" {
			return true
		}
	}
	return false
}

type ctxKey int

const callContextKey ctxKey = iota

// NewContext returns a copy of ctx carrying cc.
func NewContext(ctx context.Context, cc CallContext) context.Context {
	return context.WithValue(ctx, callContextKey, cc)
}

// FromContext extracts the CallContext stored by NewContext, if any.
func FromContext(ctx context.Context) (CallContext, bool) {
	cc, ok := ctx.Value(callContextKey).(CallContext)
	return cc, ok
}
