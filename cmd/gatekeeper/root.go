package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var (
	// Global flags
	cfgFile string
	verbose bool
)

var rootCmd = &cobra.Command{
	Use:   "gatekeeper",
	Short: "Bookwell Gatekeeper - quota enforcement and usage analytics engine",
	Long: `Gatekeeper enforces per-key quotas for the Bookwell booking API and
aggregates usage analytics for account dashboards.

Admission checks evaluate the key's tier rules (request rates across
minute, hour, day and month windows, concurrent requests, bandwidth)
and fail open when the counter store is unreachable, so a quota store
outage never becomes an API outage.`,
	Version: Version,
}

// Execute runs the root command.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func init() {
	// Global persistent flags (available to all subcommands)
	rootCmd.PersistentFlags().StringVarP(&cfgFile, "config", "c", "config.yaml", "config file path")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "verbose output")
}
