package main

import (
	"fmt"
	"os"

	"github.com/grenade/slarti/agent/cmd"
)

// Set with -ldflags at release time. The version is the compatibility key
// slarti matches against, so local builds of the two must agree.
var (
	Version   = "dev"
	GitCommit = "unknown"
	BuildTime = "unknown"
)

func main() {
	if err := cmd.Execute(Version, GitCommit, BuildTime); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}
