// Command kasane is the shared-page deduplication and CDX ingestion tool.
package main

import (
	"os"

	"github.com/hfujita/kasane/internal/cmd"
)

// Build-time variables set via ldflags
var (
	version   = "dev"
	buildTime = "unknown"
)

func main() {
	cmd.SetVersionInfo(version, buildTime)
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
