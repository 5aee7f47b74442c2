// Package version carries the build identity stamped in at link time.
package version

import "time"

// Stamped via -ldflags "-X github.com/coldreason/oslo-custom/internal/version.Version=...".
var (
	Version   = ""
	Commit    = ""
	BuildTime = ""
)

// Info is the resolved build identity.
type Info struct {
	Version   string
	Commit    string
	BuildTime string
}

// Resolve returns the stamped identity, synthesizing a version for
// unstamped builds: the build timestamp when one was given, otherwise the
// current UTC time.
func Resolve() Info {
	info := Info{
		Version:   Version,
		Commit:    Commit,
		BuildTime: BuildTime,
	}
	if info.Version != "" {
		return info
	}
	if info.BuildTime != "" {
		info.Version = info.BuildTime
	} else {
		info.Version = time.Now().UTC().Format("20060102T150405Z")
	}
	return info
}

// String renders "version (commit)" with the commit truncated to twelve
// characters, or just the version when no commit was stamped.
func String() string {
	info := Resolve()
	if info.Commit == "" {
		return info.Version
	}
	commit := info.Commit
	if len(commit) > 12 {
		commit = commit[:12]
	}
	return info.Version + " (" + commit + ")"
}
