// Nexus is a session sandbox service. Clients upload a file, run shell
// commands next to it or ask questions about it, then clean up.
package main

import (
	"fmt"
	"os"

	"github.com/joho/godotenv"

	"github.com/spf13/cobra"
)

var (
	configPath string
	logLevel   string
)

var rootCmd = &cobra.Command{
	Use:   "nexus",
	Short: "Session sandbox service for file commands and document QA",
	Long: `Nexus accepts a file upload and keeps it in a per-session sandbox directory.
Clients can then run shell commands inside that directory, or ask a language
model questions about the document, and finally delete the session.`,
	RunE:          runServe, // Default to serve mode.
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "path to config file (JSON, YAML or TOML); env NEXUS_CONFIG")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "log level: debug, info, warn, error; env NEXUS_LOG_LEVEL")
	rootCmd.AddCommand(serveCmd, sweepCmd, versionCmd)
	_ = godotenv.Load()
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "fatal: %v\n", err)
		os.Exit(1)
	}
}
