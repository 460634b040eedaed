// Package commands implements the toolhostctl CLI: a package-level rootCmd
// built with cobra, persistent flags for connection and output options, and
// one file per subcommand that registers itself via an init func.
package commands

import (
	"github.com/spf13/cobra"
)

var (
	daemonAddr string
	jsonOutput bool
	timeoutMs  int
)

var rootCmd = &cobra.Command{
	Use:   "toolhostctl",
	Short: "toolhostctl - control client for the toolhost runtime daemon",
	Long: `toolhostctl talks to a running toolhostd daemon over its HTTP RPC
surface: list and search the tool registry, invoke a tool directly, and
validate a manifest file before deploying it.`,
}

// Execute runs the CLI's root command.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.PersistentFlags().StringVar(&daemonAddr, "addr", "http://127.0.0.1:8787", "toolhostd RPC address")
	rootCmd.PersistentFlags().BoolVar(&jsonOutput, "json", false, "output in JSON format")
	rootCmd.PersistentFlags().IntVar(&timeoutMs, "timeout", 30000, "request timeout in milliseconds")
}
