package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

// Set via ldflags at build time.
var version = "dev"

var rootCmd = &cobra.Command{
	Use:   "authgate",
	Short: "Session gateway for the coaching app",
	Long: "authgate fronts the coaching app with session cookie refresh, " +
		"security headers and auth-endpoint rate limiting, and serves the " +
		"session lifecycle API.",
	// SilenceUsage prevents printing usage on every error
	SilenceUsage: true,
}

func init() {
	rootCmd.Version = version
	rootCmd.SetVersionTemplate(fmt.Sprintf("authgate version %s\n", version))

	rootCmd.AddCommand(newServeCmd())
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
