package main

import (
	"os"

	"github.com/go-delve/kwalk/cmd/kwalk/cmds"
	"github.com/go-delve/kwalk/pkg/version"
)

// Build is set with -ldflags to the revision of the build.
var Build string

func main() {
	if Build != "" {
		version.KwalkVersion.Build = Build
	}
	if err := cmds.New(false).Execute(); err != nil {
		os.Exit(2)
	}
}
