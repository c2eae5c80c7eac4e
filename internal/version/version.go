// Package version holds build-time identifiers, overridden via -ldflags.
package version

var (
	// Version is the semantic version or "dev" for local builds.
	Version = "dev"
	// Commit is the short git commit hash the binary was built from.
	Commit = "unknown"
)
