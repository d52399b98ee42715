// Package version holds build metadata injected with -ldflags, e.g.
// go build -ldflags "-X github.com/handit-ai/handit-core/internal/version.Version=v0.3.0"
package version

import "fmt"

var (
	// Version is the semantic version of the service.
	Version = "dev"

	// Commit is the git commit hash.
	Commit = "none"

	// BuildTime is the timestamp of the build.
	BuildTime = "unknown"
)

// String renders the build metadata on one line.
func String() string {
	return fmt.Sprintf("handit %s (commit %s, built %s)", Version, Commit, BuildTime)
}
