// Package main is the entry point of the opgraph CLI.
//
// Usage:
//
//	opgraph [flags] <command> [subcommand] [args]
//
// Commands:
//
//	serve      - Run the graph API and the consent change feed
//	migrate    - Create the relations and the consent trigger
//	graph      - Import accounts and follows into a local follow graph
//	tiles      - Compute tile keys for a viewport, fetch tiles into the local store
//	cache      - Inspect and clear the local tile store
//	consent    - Read or change a consent level
//	watch      - Follow the label change feed
//	config     - Configuration management (contexts, services)
//	version    - Show version information
package main

import (
	"fmt"
	"os"

	"github.com/ISCPIF/OpenPortability-sub004/cmd/opgraph/commands"
)

func main() {
	if err := commands.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
