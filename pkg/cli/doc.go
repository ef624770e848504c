// Package cli holds the output helpers of the opgraph command: structured
// output in json, yaml or raw form with an optional jq filter, and the
// terminal styles of the watch view.
//
// Example usage:
//
//	cli.Output(stats, cli.OutputOptions{
//	    Format: cli.FormatJSON,
//	    JQ:     ".tiles",
//	})
package cli
