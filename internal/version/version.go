// Package version carries build identification stamped in via ldflags.
package version

import "fmt"

// Set at build time:
//
//	go build -ldflags "-X .../internal/version.Version=1.2.0 ..."
var (
	// Version is the semantic version of this build
	Version = "dev"

	// GitCommit is the short commit hash the build was cut from
	GitCommit = "unknown"

	// BuildTime is the build timestamp in RFC3339 format
	BuildTime = "unknown"
)

// BuildInfo bundles the build identification for reporting surfaces
type BuildInfo struct {
	Version   string `json:"version"`
	GitCommit string `json:"git_commit"`
	BuildTime string `json:"build_time"`
}

// Info returns the identification of the running build
func Info() BuildInfo {
	return BuildInfo{
		Version:   Version,
		GitCommit: GitCommit,
		BuildTime: BuildTime,
	}
}

// String renders a single-line form for CLI output
func (b BuildInfo) String() string {
	return fmt.Sprintf("conveyor %s (commit %s, built %s)", b.Version, b.GitCommit, b.BuildTime)
}
