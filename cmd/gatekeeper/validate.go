package main

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"bookwell/gatekeeper/pkg/config"
)

var validateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Validate a configuration file",
	Long: `Load and validate a configuration file without starting the engine.

Validation covers the server and store settings, tier rule overrides
(known limit kinds, positive limits, burst not below the base limit),
and account tier assignments.

Examples:
  # Validate the default config
  gatekeeper validate

  # Validate a specific file
  gatekeeper validate --config /etc/gatekeeper/config.yaml`,
	RunE: validateConfig,
}

func init() {
	rootCmd.AddCommand(validateCmd)
}

func validateConfig(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		var verr config.ValidationError
		if errors.As(err, &verr) {
			fmt.Printf("✗ %s: %d error(s)\n\n", cfgFile, len(verr.Errors))
			for _, fe := range verr.Errors {
				fmt.Printf("  - %s: %s\n", fe.Field, fe.Message)
			}
			return fmt.Errorf("configuration invalid")
		}
		return err
	}

	// Rule overrides must also produce a buildable registry.
	if _, err := config.BuildRegistry(cfg); err != nil {
		fmt.Printf("✗ %s: %v\n", cfgFile, err)
		return fmt.Errorf("configuration invalid")
	}

	fmt.Printf("✓ %s is valid\n", cfgFile)
	if verbose {
		fmt.Printf("  listen address: %s\n", cfg.Server.ListenAddress)
		fmt.Printf("  store backend:  %s\n", cfg.Store.Backend)
		fmt.Printf("  tier overrides: %d\n", len(cfg.Quota.Tiers))
		fmt.Printf("  accounts:       %d\n", len(cfg.Quota.Accounts))
	}
	return nil
}
