package objectstore

import (
	"fmt"
	"net/url"
	"strings"
)

// PathInfo is the result of parsing a /buckets/{tenant_id}/{category}/{remainder}
// object path, per spec.md §4.2/§8.2.
type PathInfo struct {
	TenantID     string
	Bucket       string // always "buckets", kept for symmetry with the wire event shape
	Category     string
	FilePath     string // remainder after category
	IsTenantPath bool
	IsDirectory  bool
}

// ErrNotTenantPath means the path does not live under /buckets/ at all; per
// spec.md §8.2 such paths are ignored rather than rejected.
var ErrNotTenantPath = fmt.Errorf("objectstore: path is outside /buckets/")

// ParsePath validates path against the /buckets/{tenant_id}/{category}/{remainder}
// grammar. tenant_id must be URL-safe (RFC 3986 unreserved set). Paths
// outside /buckets/ yield ErrNotTenantPath, not a hard error — callers that
// only care about tenant content should treat it as "ignore this event".
func ParsePath(path string) (*PathInfo, error) {
	trimmed := strings.TrimPrefix(path, "/")
	parts := strings.SplitN(trimmed, "/", 4)

	if len(parts) < 1 || parts[0] != "buckets" {
		return nil, ErrNotTenantPath
	}
	if len(parts) < 4 {
		return nil, fmt.Errorf("objectstore: path %q missing tenant_id/category/remainder", path)
	}

	tenantID, category, remainder := parts[1], parts[2], parts[3]
	if tenantID == "" || !isURLSafe(tenantID) {
		return nil, fmt.Errorf("objectstore: tenant_id %q is not URL-safe", tenantID)
	}
	if category == "" {
		return nil, fmt.Errorf("objectstore: path %q missing category segment", path)
	}

	return &PathInfo{
		TenantID:     tenantID,
		Bucket:       "buckets",
		Category:     category,
		FilePath:     remainder,
		IsTenantPath: true,
		IsDirectory:  strings.HasSuffix(path, "/"),
	}, nil
}

func isURLSafe(s string) bool {
	return s == url.PathEscape(s)
}
