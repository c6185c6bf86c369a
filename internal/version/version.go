// Package version provides build-time version information for feedrelay.
//
// Version, Commit, and Date are injected at build time via ldflags:
//
//	go build -ldflags "-X github.com/jmylchreest/feedrelay/internal/version.Version=x.y.z \
//	                   -X github.com/jmylchreest/feedrelay/internal/version.Commit=$(git rev-parse HEAD) \
//	                   -X github.com/jmylchreest/feedrelay/internal/version.Date=$(date -u +%Y-%m-%dT%H:%M:%SZ)"
package version

import (
	"fmt"
	"runtime"
	"runtime/debug"
	"strings"
)

// Build-time variables injected via ldflags.
var (
	// Version is the semantic version, or "dev" for local builds.
	Version = "dev"

	// Commit is the full git commit SHA.
	Commit = "unknown"

	// Date is the build timestamp in RFC3339 format.
	Date = "unknown"
)

// ApplicationName is the canonical name of this application.
const ApplicationName = "feedrelay"

// Info contains structured version information.
type Info struct {
	Version   string `json:"version"`
	Commit    string `json:"commit"`
	Date      string `json:"date"`
	GoVersion string `json:"go_version"`
	Platform  string `json:"platform"`
}

// GetInfo returns all version information. When no commit was injected the
// VCS revision recorded by the Go toolchain is used, if any.
func GetInfo() Info {
	info := Info{
		Version:   Version,
		Commit:    Commit,
		Date:      Date,
		GoVersion: runtime.Version(),
		Platform:  runtime.GOOS + "/" + runtime.GOARCH,
	}
	if info.Commit == "unknown" {
		if rev, ok := vcsRevision(); ok {
			info.Commit = rev
		}
	}
	return info
}

func vcsRevision() (string, bool) {
	bi, ok := debug.ReadBuildInfo()
	if !ok {
		return "", false
	}
	for _, s := range bi.Settings {
		if s.Key == "vcs.revision" && s.Value != "" {
			return s.Value, true
		}
	}
	return "", false
}

// String returns a human-readable version string.
func String() string {
	info := GetInfo()
	if len(info.Commit) >= 8 && info.Commit != "unknown" {
		return fmt.Sprintf("%s version %s (commit: %s, built: %s, %s, %s)",
			ApplicationName, info.Version, info.Commit[:8], info.Date, info.GoVersion, info.Platform)
	}
	return fmt.Sprintf("%s version %s (%s, %s)", ApplicationName, info.Version, info.GoVersion, info.Platform)
}

// Short returns the version for cobra's --version flag.
func Short() string {
	if len(Commit) >= 8 && Commit != "unknown" {
		return fmt.Sprintf("%s (%s)", Version, Commit[:8])
	}
	return Version
}

// IsRelease reports whether this is a tagged release build.
func IsRelease() bool {
	return Version != "dev" && !strings.Contains(Version, "-")
}
