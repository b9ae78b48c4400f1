// Package main is the entry point for the slotkeeper server and CLI.
package main

import (
	"os"

	"github.com/slotkeeper/slotkeeper/internal/cmd"
)

// Set via -ldflags at build time.
var (
	version   = "dev"
	commit    = ""
	buildDate = ""
)

func main() {
	cmd.SetVersionInfo(version, commit, buildDate)
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
