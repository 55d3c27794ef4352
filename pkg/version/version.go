// Package version reports the kwalk release and the build it came from.
package version

import (
	"fmt"
	"runtime"
	"runtime/debug"
	"strings"
)

// Version is a kwalk release.
type Version struct {
	Major    string
	Minor    string
	Patch    string
	Metadata string
	// Build is the revision the binary was built from. It is filled in
	// from the VCS stamp of the binary when left unset.
	Build string
}

// KwalkVersion is the current version of kwalk.
var KwalkVersion = Version{Major: "0", Minor: "3", Patch: "0"}

func (v Version) String() string {
	build := v.Build
	if build == "" {
		build = stampedRevision()
	}
	ver := fmt.Sprintf("Version: %s.%s.%s", v.Major, v.Minor, v.Patch)
	if v.Metadata != "" {
		ver += "-" + v.Metadata
	}
	return fmt.Sprintf("%s\nBuild: %s", ver, build)
}

// stampedRevision returns the VCS revision recorded by the go command,
// marked when the tree was modified, or "unknown".
func stampedRevision() string {
	info, ok := debug.ReadBuildInfo()
	if !ok {
		return "unknown"
	}
	rev, dirty := "", false
	for _, s := range info.Settings {
		switch s.Key {
		case "vcs.revision":
			rev = s.Value
		case "vcs.modified":
			dirty = s.Value == "true"
		}
	}
	if rev == "" {
		return "unknown"
	}
	if dirty {
		rev += "+dirty"
	}
	return rev
}

// BuildInfo returns the Go version and the modules the binary was built
// with, one per line.
func BuildInfo() string {
	var b strings.Builder
	b.WriteString(runtime.Version())
	b.WriteByte('\n')
	info, ok := debug.ReadBuildInfo()
	if !ok {
		b.WriteString("not built in module mode\n")
		return b.String()
	}
	fmt.Fprintf(&b, " mod\t%s\t%s\n", info.Main.Path, info.Main.Version)
	for _, dep := range info.Deps {
		if r := dep.Replace; r != nil {
			fmt.Fprintf(&b, " dep\t%s\t%s\t=> %s\t%s\n", dep.Path, dep.Version, r.Path, r.Version)
			continue
		}
		fmt.Fprintf(&b, " dep\t%s\t%s\n", dep.Path, dep.Version)
	}
	return b.String()
}
