// Package model defines the tenant-scoped entities from spec.md §3. Every
// identifier is a stable UUID derived from a namespace hash of its natural
// key, so re-ingesting the same logical artifact is idempotent.
package model

import (
	"strconv"
	"strings"

	"github.com/google/uuid"
)

// idNamespace anchors every uuid5 derivation in this module. Using a fixed
// namespace (rather than uuid.NameSpaceDNS/-URL) keeps ids stable across
// deployments regardless of which namespace convention upstream systems use.
var idNamespace = uuid.MustParse("7c6d6d5a-6e6f-4777-9d1e-1d6f6f7365ec")

// FileID derives a File's id from (tenant_id, uri).
func FileID(tenantID, uri string) uuid.UUID {
	return uuid.NewSHA1(idNamespace, []byte(tenantID+"|"+uri))
}

// ResourceID derives a content chunk's id from (tenant_id, uri, ordinal).
func ResourceID(tenantID, uri string, ordinal int) uuid.UUID {
	return uuid.NewSHA1(idNamespace, []byte(tenantID+"|"+uri+"|chunk_"+strconv.Itoa(ordinal)))
}

// DeviceID derives a Device's id per spec.md §3
// ("hash(email, device_name, device_type, platform, public_key_prefix)").
func DeviceID(email, deviceName, deviceType, platform, publicKeyPrefix string) uuid.UUID {
	return uuid.NewSHA1(idNamespace, []byte(email+"|"+deviceName+"|"+deviceType+"|"+platform+"|"+publicKeyPrefix))
}

// EmbeddingID derives an embedding record's id from (entity_id, field_name, provider).
func EmbeddingID(entityID, fieldName, provider string) uuid.UUID {
	return uuid.NewSHA1(idNamespace, []byte(entityID+"|"+fieldName+"|"+provider))
}

// TenantIDFromEmail derives a stable tenant_id from a normalized email
// address, per spec.md §4.7.4 ("tenant_id derived from email hash"). The
// device-flow "tenant-" subject prefix (spec.md §4.7.2) is applied by
// callers building a token subject, not baked into the id itself.
func TenantIDFromEmail(email string) string {
	normalized := strings.ToLower(strings.TrimSpace(email))
	return uuid.NewSHA1(idNamespace, []byte("tenant|"+normalized)).String()
}

// EngramDocumentID derives a structured-document's id from
// (tenant_id, kind, name), so re-ingesting the same declared document
// replaces it in place rather than duplicating it.
func EngramDocumentID(tenantID, kind, name string) uuid.UUID {
	return uuid.NewSHA1(idNamespace, []byte(tenantID+"|"+kind+"|"+name))
}
