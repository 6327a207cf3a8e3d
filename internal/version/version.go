// Package version carries build metadata stamped in with -ldflags.
package version

import "fmt"

var (
	Version   = "dev"
	Commit    = "unknown"
	BuildDate = "unknown"
)

// String renders the build metadata on one line.
func String() string {
	return fmt.Sprintf("depositgw %s (commit %s, built %s)", Version, Commit, BuildDate)
}
