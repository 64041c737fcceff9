// Package cli implements the banditd command line: the serve daemon plus
// the operational tools (experiment launch, offline replay, offline
// evaluation, data-quality gate).
package cli

import (
	"github.com/spf13/cobra"
)

var configPath string

var rootCmd = &cobra.Command{
	Use:   "banditd",
	Short: "Online bandit experimentation service",
	Long: `banditd chooses among recommendation arms with multi-armed bandit
policies (Thompson Sampling, ε-greedy, UCB1), learns from delayed user
feedback, and runs A/B experiments with safety guardrails and automated
ship/iterate/kill decisions.`,
	SilenceUsage: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "Path to config.toml (default $BANDITD_HOME/config.toml)")
}

// Execute runs the root command.
func Execute() error {
	return rootCmd.Execute()
}
