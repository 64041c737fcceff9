package cli

import (
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/recolab/banditd/internal/daemon"
	"github.com/recolab/banditd/internal/domain"
	"github.com/recolab/banditd/internal/infra/sqlite"
	"github.com/recolab/banditd/internal/policy"
)

func init() {
	rootCmd.AddCommand(evaluateCmd)
	evaluateCmd.Flags().String("experiment", "", "Experiment id to evaluate (required)")
}

var evaluateCmd = &cobra.Command{
	Use:   "evaluate",
	Short: "Evaluate logged policies offline",
	Long: `Read an experiment's event log through the analytics query layer and
report per-policy reward statistics plus an inverse-propensity-score (IPS)
estimate of each bandit policy's value from the logged propensities.`,
	RunE: runEvaluate,
}

func runEvaluate(cmd *cobra.Command, args []string) error {
	raw, _ := cmd.Flags().GetString("experiment")
	expID, err := uuid.Parse(raw)
	if err != nil {
		return fmt.Errorf("invalid experiment id %q", raw)
	}

	cfg, err := daemon.LoadConfig(configPath)
	if err != nil {
		return err
	}
	db, err := sqlite.Open(cfg.StorePath())
	if err != nil {
		return err
	}
	defer db.Close()

	if _, err := db.GetExperiment(expID); err != nil {
		return fmt.Errorf("experiment %s: %w", expID, err)
	}

	names := append(policy.BanditNames(), policy.NameControl)
	tw := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "POLICY\tEVENTS\tMEAN\tSTD\tPOSITIVE\tIPS")

	for _, name := range names {
		stats, err := db.RewardStatistics(&expID, name, "")
		if err != nil {
			return err
		}
		ips := ipsEstimate(db, expID, name)
		fmt.Fprintf(tw, "%s\t%d\t%.4f\t%.4f\t%.1f%%\t%s\n",
			name, stats.Count, stats.MeanReward, stats.StdReward, stats.PositiveRate*100, ips)
	}
	return tw.Flush()
}

// ipsEstimate computes Σ r/p over the rewarded serves of a policy divided
// by the number of all its serves, the standard unbiased value estimate
// from logged propensities. UCB1 logs none, so its cell prints n/a.
func ipsEstimate(db *sqlite.DB, expID uuid.UUID, policyName string) string {
	var (
		weighted float64
		total    int64
		scored   int64
	)
	err := db.ForEachEvent(expID, policyName, func(e *domain.Event) error {
		total++
		if e.Reward == nil || e.PScore == nil || *e.PScore <= 0 {
			return nil
		}
		weighted += *e.Reward / *e.PScore
		scored++
		return nil
	})
	if err != nil || total == 0 || scored == 0 {
		return "n/a"
	}
	return fmt.Sprintf("%.4f", weighted/float64(total))
}
