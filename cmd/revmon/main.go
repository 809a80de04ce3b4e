package main

import (
	"os"

	"github.com/revmon/revmon/cmd/revmon/cmds"
	"github.com/revmon/revmon/pkg/version"
)

// Build is the git sha of this binary's source.
var Build string

func main() {
	if Build != "" {
		version.RevmonVersion.Build = Build
	}
	if err := cmds.New(false).Execute(); err != nil {
		os.Exit(1)
	}
}
