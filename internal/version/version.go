// Package version holds build information for the aiguard binaries. Release
// builds set the variables with -ldflags, for example:
//
//	-X github.com/lorma-edu/aiguard/internal/version.Version=v0.3.0
//	-X github.com/lorma-edu/aiguard/internal/version.Commit=abc1234
//	-X github.com/lorma-edu/aiguard/internal/version.Date=2026-10-01T00:00:00Z
package version

import (
	"fmt"
	"runtime"
)

var (
	Version = "dev"
	Commit  = "none"
	Date    = "unknown"
)

// Info is the JSON shape served by the health endpoint and printed by the
// CLI's version command.
type Info struct {
	Version   string `json:"version"`
	Commit    string `json:"commit"`
	Date      string `json:"date"`
	GoVersion string `json:"go_version"`
}

// Get returns the current build information.
func Get() Info {
	return Info{Version: Version, Commit: Commit, Date: Date, GoVersion: runtime.Version()}
}

// String returns e.g. "v0.3.0 (commit abc1234, built 2026-10-01T00:00:00Z)".
func String() string {
	return fmt.Sprintf("%s (commit %s, built %s)", Version, Commit, Date)
}

// Short returns just the version tag.
func Short() string {
	return Version
}
