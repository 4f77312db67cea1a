// Package version carries build metadata stamped by the linker.
//
// Release builds inject the values through -ldflags:
//
//	go build -ldflags "-X github.com/docmesh/docmesh/internal/version.Version=v0.4.0 \
//	  -X github.com/docmesh/docmesh/internal/version.Commit=$(git rev-parse --short HEAD)"
package version

import "fmt"

var (
	// Version is the release tag, or "dev" for unstamped builds.
	Version = "dev"
	// Commit is the short hash of the commit the binary was built from.
	Commit = "unknown"
	// BuildDate is the build timestamp in RFC 3339.
	BuildDate = "unknown"
)

// String renders the metadata the way the CLIs print it, e.g.
// "v0.4.0 (1a2b3c4, 2026-08-01T12:00:00Z)".
func String() string {
	return fmt.Sprintf("%s (%s, %s)", Version, Commit, BuildDate)
}
