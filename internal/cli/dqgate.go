package cli

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/recolab/banditd/internal/daemon"
	"github.com/recolab/banditd/internal/infra/sqlite"
)

func init() {
	rootCmd.AddCommand(dqGateCmd)
}

var dqGateCmd = &cobra.Command{
	Use:   "dq-gate",
	Short: "Run data-quality checks over the event log",
	Long: `Schema and range checks on recommendation_events: rewards and
propensities inside their contracts, no negative latencies or positions,
no UCB serves carrying a propensity. Exits non-zero when any rule fails,
so CI can gate on it.`,
	RunE: runDQGate,
}

func runDQGate(cmd *cobra.Command, args []string) error {
	cfg, err := daemon.LoadConfig(configPath)
	if err != nil {
		return err
	}
	db, err := sqlite.Open(cfg.StorePath())
	if err != nil {
		return err
	}
	defer db.Close()

	violations, err := db.DataQualityViolations()
	if err != nil {
		return err
	}
	if len(violations) == 0 {
		fmt.Fprintln(os.Stdout, "dq-gate: all checks passed")
		return nil
	}
	for _, v := range violations {
		fmt.Fprintf(os.Stderr, "dq-gate: %s: %d rows\n", v.Rule, v.Count)
	}
	return fmt.Errorf("dq-gate: %d rule(s) failed", len(violations))
}
