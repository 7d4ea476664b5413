// Package version reports the build version of pullwarden.
package version

import (
	"runtime"
	"runtime/debug"
	"strings"
)

// Version is the release version, set with
// -ldflags "-X .../internal/version.Version=v1.2.3". Development builds
// fall back to the VCS revision.
var Version = "dev"

// Info describes the running binary.
type Info struct {
	Version   string
	Revision  string
	Time      string
	Modified  bool
	GoVersion string
}

func init() {
	if Version != "dev" {
		return
	}
	if rev := Get().short(); rev != "" {
		Version = rev
	}
}

// Get reads the build info embedded by the Go toolchain.
func Get() Info {
	info := Info{Version: Version, GoVersion: runtime.Version()}
	bi, ok := debug.ReadBuildInfo()
	if !ok {
		return info
	}
	for _, s := range bi.Settings {
		switch s.Key {
		case "vcs.revision":
			info.Revision = s.Value
		case "vcs.time":
			info.Time = s.Value
		case "vcs.modified":
			info.Modified = s.Value == "true"
		}
	}
	return info
}

// short is the abbreviated revision, marked dirty for modified trees.
func (i Info) short() string {
	rev := i.Revision
	if rev == "" {
		return ""
	}
	if len(rev) > 7 {
		rev = rev[:7]
	}
	if i.Modified {
		rev += "-dirty"
	}
	return rev
}

// Full returns the version followed by the commit time and Go version.
func Full() string {
	info := Get()
	parts := []string{Version}
	if info.Time != "" {
		parts = append(parts, info.Time)
	}
	parts = append(parts, info.GoVersion)
	return strings.Join(parts, " ")
}
