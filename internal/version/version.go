// Package version reports build information. Version, Commit and Date are
// set at link time:
//
//	go build -ldflags "-X github.com/HerbHall/fruwatch/internal/version.Version=v0.3.0"
package version

import (
	"fmt"
	"runtime"
	"runtime/debug"
)

var (
	Version = "dev"
	Commit  = ""
	Date    = ""
)

// Short returns the version string.
func Short() string {
	if Version != "dev" {
		return Version
	}
	if info, ok := debug.ReadBuildInfo(); ok && info.Main.Version != "" && info.Main.Version != "(devel)" {
		return info.Main.Version
	}
	return Version
}

func commit() string {
	if Commit != "" {
		return Commit
	}
	if info, ok := debug.ReadBuildInfo(); ok {
		for _, s := range info.Settings {
			if s.Key == "vcs.revision" {
				return s.Value
			}
		}
	}
	return "unknown"
}

// Info returns a one-line description for --version.
func Info() string {
	return fmt.Sprintf("fruwatch %s (commit %s, built %s, %s %s/%s)",
		Short(), commit(), orUnknown(Date), runtime.Version(), runtime.GOOS, runtime.GOARCH)
}

// Map returns the build information as key/value pairs.
func Map() map[string]string {
	return map[string]string{
		"version":    Short(),
		"commit":     commit(),
		"date":       orUnknown(Date),
		"go_version": runtime.Version(),
	}
}

func orUnknown(s string) string {
	if s == "" {
		return "unknown"
	}
	return s
}
