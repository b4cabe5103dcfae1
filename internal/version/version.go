// Package version holds build metadata set with -ldflags at link time.
package version

import "fmt"

// Overridden at build time:
//
//	go build -ldflags "-X deliverygw/internal/version.Version=v1.2.0 -X deliverygw/internal/version.Commit=$(git rev-parse --short HEAD)"
var (
	Version = "dev"
	Commit  = "none"
	Date    = "unknown"
)

// Info returns a one-line description of the build.
func Info() string {
	return fmt.Sprintf("deliverygw %s (commit %s, built %s)", Version, Commit, Date)
}
