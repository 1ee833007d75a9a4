package main

import (
	"os"

	"github.com/wharfd/wharfd/cmd"
	"github.com/wharfd/wharfd/pkg/version"
)

// Populated at build time via -ldflags.
var (
	buildVersion = "dev"
	buildCommit  = "unknown"
	buildDate    = "unknown"
)

func main() {
	version.Set(buildVersion, buildCommit, buildDate)
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
