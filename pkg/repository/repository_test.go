package repository

import (
	"context"
	"errors"
	"testing"
)

type fakeModel struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

func tenantIsolatedRepo() *Repository[fakeModel] {
	return &Repository[fakeModel]{descriptor: Descriptor{
		TableName:      "resources",
		KeyField:       "id",
		TenantIsolated: true,
	}}
}

func untenantedRepo() *Repository[fakeModel] {
	return &Repository[fakeModel]{descriptor: Descriptor{
		TableName:      "tenants",
		KeyField:       "tenant_id",
		TenantIsolated: false,
	}}
}

func TestGetRejectsMissingTenantContext(t *testing.T) {
	r := tenantIsolatedRepo()
	if _, err := r.Get(context.Background(), "id-1", ""); !errors.Is(err, ErrNoTenantContext) {
		t.Fatalf("Get error = %v, want ErrNoTenantContext", err)
	}
}

func TestSelectRejectsMissingTenantContext(t *testing.T) {
	r := tenantIsolatedRepo()
	if _, err := r.Select(context.Background(), "", SelectOptions{}); !errors.Is(err, ErrNoTenantContext) {
		t.Fatalf("Select error = %v, want ErrNoTenantContext", err)
	}
}

func TestUpsertRejectsMissingTenantContext(t *testing.T) {
	r := tenantIsolatedRepo()
	if err := r.Upsert(context.Background(), "id-1", "", fakeModel{ID: "id-1"}); !errors.Is(err, ErrNoTenantContext) {
		t.Fatalf("Upsert error = %v, want ErrNoTenantContext", err)
	}
}

func TestDeleteRejectsMissingTenantContext(t *testing.T) {
	r := tenantIsolatedRepo()
	if _, err := r.Delete(context.Background(), "id-1", ""); !errors.Is(err, ErrNoTenantContext) {
		t.Fatalf("Delete error = %v, want ErrNoTenantContext", err)
	}
}

// Untenanted models (e.g. tenants itself) must not require a tenant
// predicate; these calls fail only once they reach a nil pool, proving the
// tenant check itself was skipped.
func TestGetAllowsMissingTenantContextWhenNotIsolated(t *testing.T) {
	r := untenantedRepo()
	defer func() {
		if recover() == nil {
			t.Fatal("expected a nil-pool panic, not ErrNoTenantContext")
		}
	}()
	_, _ = r.Get(context.Background(), "t1", "")
}

func TestNullableTenant(t *testing.T) {
	if v := nullableTenant(""); v != nil {
		t.Fatalf("nullableTenant(\"\") = %v, want nil", v)
	}
	if v := nullableTenant("t1"); v != "t1" {
		t.Fatalf("nullableTenant(\"t1\") = %v, want t1", v)
	}
}
