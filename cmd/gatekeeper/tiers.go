package main

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"bookwell/gatekeeper/pkg/cli"
	"bookwell/gatekeeper/pkg/config"
	"bookwell/gatekeeper/pkg/quota/tier"
)

var tiersFlags struct {
	format string
}

var tiersCmd = &cobra.Command{
	Use:   "tiers",
	Short: "Show the effective tier rule tables",
	Long: `Print the rule tables the engine would enforce: the built-in tier
defaults merged with any overrides from the configuration file.

Examples:
  # Human-readable table
  gatekeeper tiers

  # Machine-readable output
  gatekeeper tiers --format json`,
	RunE: showTiers,
}

func init() {
	rootCmd.AddCommand(tiersCmd)

	tiersCmd.Flags().StringVar(&tiersFlags.format, "format", "text", "output format: text, json")
}

// tierRules is the JSON shape of one tier's effective rules.
type tierRules struct {
	Tier  string      `json:"tier"`
	Rules []ruleEntry `json:"rules"`
}

type ruleEntry struct {
	Kind          string  `json:"kind"`
	Limit         int64   `json:"limit"`
	BurstLimit    int64   `json:"burst_limit,omitempty"`
	WindowSeconds int64   `json:"window_seconds,omitempty"`
	OverageCost   float64 `json:"overage_cost,omitempty"`
}

func showTiers(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return cli.NewConfigError("", fmt.Sprintf("failed to load config: %v", err))
	}

	registry, err := config.BuildRegistry(cfg)
	if err != nil {
		return cli.NewConfigError("quota.tiers", err.Error())
	}

	names := []tier.Name{tier.Free, tier.Basic, tier.Premium, tier.Enterprise}

	if tiersFlags.format == "json" {
		out := make([]tierRules, 0, len(names))
		for _, name := range names {
			entry := tierRules{Tier: string(name)}
			for _, rule := range registry.Rules(name) {
				entry.Rules = append(entry.Rules, ruleEntry{
					Kind:          string(rule.Kind),
					Limit:         rule.Limit,
					BurstLimit:    rule.BurstLimit,
					WindowSeconds: int64(rule.Window / time.Second),
					OverageCost:   rule.OverageCost,
				})
			}
			out = append(out, entry)
		}
		return cli.NewFormatter(cli.FormatJSON).FormatTo(os.Stdout, out)
	}

	for _, name := range names {
		fmt.Printf("%s:\n", name)
		for _, rule := range registry.Rules(name) {
			line := fmt.Sprintf("  %-22s %d", rule.Kind, rule.Limit)
			if rule.BurstLimit > rule.Limit {
				line += fmt.Sprintf(" (burst %d)", rule.BurstLimit)
			}
			if rule.OverageCost > 0 {
				line += fmt.Sprintf(" (overage $%g/unit)", rule.OverageCost)
			}
			fmt.Println(line)
		}
		fmt.Println()
	}
	return nil
}
