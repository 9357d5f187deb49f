// Package cmd implements the mcpgate command line interface.
package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var version = "dev"

var rootCmd = &cobra.Command{
	Use:   "mcpgate",
	Short: "Aggregate MCP backends behind one authenticated endpoint",
	Long: `mcpgate runs a set of stdio MCP servers as child processes and exposes
their combined tools, resources, and prompts through a single HTTP endpoint
with OAuth2 authentication and SSE sessions.`,
	SilenceUsage: true,
}

// SetVersion records the build version injected by the linker.
func SetVersion(v string) {
	version = v
	rootCmd.Version = v
}

// GetVersion returns the current build version.
func GetVersion() string {
	return version
}

// Execute runs the CLI.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}
