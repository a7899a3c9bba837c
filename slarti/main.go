package main

import (
	"fmt"
	"os"

	"github.com/grenade/slarti/slarti/cmd"
)

// Set with -ldflags at release time. The version doubles as the default
// agent version written by `slarti init`.
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
