package cli

import (
	"context"
	"fmt"
	"math/rand"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/recolab/banditd/internal/daemon"
	"github.com/recolab/banditd/internal/domain"
	"github.com/recolab/banditd/internal/experiment"
	"github.com/recolab/banditd/internal/selector"
)

func init() {
	rootCmd.AddCommand(replayCmd)

	f := replayCmd.Flags()
	f.Int("events", 10000, "Number of synthetic serves to write")
	f.Int("users", 500, "Synthetic user population")
	f.Int64("seed", 1, "RNG seed for reproducible replays")
	f.String("start", "", "Replay window start RFC3339 (default: now)")
}

var replayCmd = &cobra.Command{
	Use:   "replay",
	Short: "Write a synthetic offline replay into the event log",
	Long: `Drive the full selection path against a synthetic user population and
write the resulting serves and interactions directly into the store.
The replay experiment is named offline-ml1m-<start> so offline runs are
easy to isolate in the analytics queries.`,
	RunE: runReplay,
}

// Synthetic arms with fixed click-through rates. The separation lets a
// replayed policy demonstrably converge.
var replayArms = map[string]float64{
	"svd":         0.35,
	"embeddings":  0.30,
	"graph":       0.20,
	"item_cf":     0.15,
	"long_tail":   0.10,
	"serendipity": 0.08,
}

func runReplay(cmd *cobra.Command, args []string) error {
	cfg, err := daemon.LoadConfig(configPath)
	if err != nil {
		return err
	}
	log := daemon.NewLogger(cfg.Log)
	d, err := daemon.New(cfg, log)
	if err != nil {
		return err
	}

	nEvents, _ := cmd.Flags().GetInt("events")
	nUsers, _ := cmd.Flags().GetInt("users")
	seed, _ := cmd.Flags().GetInt64("seed")

	start := time.Now().UTC()
	if raw, _ := cmd.Flags().GetString("start"); raw != "" {
		if start, err = time.Parse(time.RFC3339, raw); err != nil {
			return fmt.Errorf("parse --start: %w", err)
		}
	}

	exp, err := d.Manager.Create(experiment.CreateParams{
		Name:          fmt.Sprintf("offline-ml1m-%s", start.Format("20060102T150405Z")),
		StartAt:       start.Add(-time.Minute),
		TrafficPct:    1.0,
		DefaultPolicy: "control",
		Notes:         fmt.Sprintf("offline replay, seed %d", seed),
	})
	if err != nil {
		return err
	}

	arms := make([]string, 0, len(replayArms))
	for arm := range replayArms {
		arms = append(arms, arm)
	}

	rng := rand.New(rand.NewSource(seed))
	ctx := context.Background()
	served := 0
	for i := 0; i < nEvents; i++ {
		userID := int64(rng.Intn(nUsers)) + 1
		sel := domain.SelectionContext{
			UserType:   []string{domain.UserTypeColdStart, domain.UserTypeRegular, domain.UserTypePowerUser}[rng.Intn(3)],
			TimePeriod: []string{domain.PeriodMorning, domain.PeriodAfternoon, domain.PeriodEvening, domain.PeriodNight}[rng.Intn(4)],
			DayOfWeek:  []string{domain.DayWeekday, domain.DayWeekend}[rng.Intn(2)],
		}

		res, err := d.Selector.Select(ctx, exp.ID, userID, sel, arms)
		if err != nil {
			return fmt.Errorf("replay select: %w", err)
		}

		arm := res.ArmID
		if arm == "" {
			// Control serves the baseline arm.
			arm = "svd"
		}
		movieID := int64(rng.Intn(4000)) + 1
		ids, err := d.Selector.RecordServes(userID, res, sel, []selector.ServeItem{{
			MovieID:   &movieID,
			Algorithm: arm,
			Position:  0,
			Score:     rng.Float64(),
		}})
		if err != nil {
			return fmt.Errorf("replay record: %w", err)
		}
		served++

		// Simulate the user's delayed response from the arm's true CTR.
		if rng.Float64() < replayArms[arm] {
			clickAt := time.Now().UTC().Add(time.Minute)
			if _, err := d.DB.MarkInteraction(ids[0], domain.InteractionClick, nil, clickAt); err != nil {
				return fmt.Errorf("replay click: %w", err)
			}
		}
	}

	// Attribute rewards and feed the policies in one offline pass.
	stats, err := d.Worker.ProcessPending(ctx)
	if err != nil {
		return err
	}

	fmt.Fprintf(os.Stdout, "Replay complete: experiment %s, %d serves, %d rewards attributed, %d policy updates\n",
		exp.ID, served, stats.Processed, stats.PolicyUpdates)
	return nil
}
