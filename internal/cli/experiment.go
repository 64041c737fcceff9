package cli

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"time"

	"github.com/spf13/cobra"
)

func init() {
	rootCmd.AddCommand(experimentCmd)
	experimentCmd.AddCommand(experimentLaunchCmd)

	f := experimentLaunchCmd.Flags()
	f.String("api", "http://127.0.0.1:8600", "Base URL of the banditd API")
	f.String("name", "", "Experiment name (required)")
	f.String("start", "", "Start time RFC3339 (default: now)")
	f.String("end", "", "End time RFC3339 (optional)")
	f.Float64("traffic", 1.0, "Traffic fraction in [0,1]")
	f.String("default-policy", "control", "Fallback policy for gated users")
	f.String("notes", "", "Operator notes")
	f.Float64("latency-threshold", 0, "Override latency_p95 guardrail (ms), 0 keeps the default")
	f.Float64("error-threshold", 0, "Override error_rate guardrail, 0 keeps the default")
}

var experimentCmd = &cobra.Command{
	Use:   "experiment",
	Short: "Manage online experiments",
}

var experimentLaunchCmd = &cobra.Command{
	Use:   "launch",
	Short: "Launch an online bandit experiment",
	Long: `Create an experiment through the running service and optionally apply
guardrail threshold overrides in the same step.`,
	RunE: runExperimentLaunch,
}

func runExperimentLaunch(cmd *cobra.Command, args []string) error {
	api, _ := cmd.Flags().GetString("api")
	name, _ := cmd.Flags().GetString("name")
	if name == "" {
		return fmt.Errorf("experiment name required: --name")
	}

	startRaw, _ := cmd.Flags().GetString("start")
	start := time.Now().UTC()
	if startRaw != "" {
		var err error
		start, err = time.Parse(time.RFC3339, startRaw)
		if err != nil {
			return fmt.Errorf("parse --start: %w", err)
		}
	}

	body := map[string]any{
		"name":        name,
		"start_at":    start,
		"traffic_pct": mustFloat(cmd, "traffic"),
	}
	if endRaw, _ := cmd.Flags().GetString("end"); endRaw != "" {
		end, err := time.Parse(time.RFC3339, endRaw)
		if err != nil {
			return fmt.Errorf("parse --end: %w", err)
		}
		body["end_at"] = end
	}
	if p, _ := cmd.Flags().GetString("default-policy"); p != "" {
		body["default_policy"] = p
	}
	if notes, _ := cmd.Flags().GetString("notes"); notes != "" {
		body["notes"] = notes
	}

	var created struct {
		ID         string  `json:"id"`
		Name       string  `json:"name"`
		TrafficPct float64 `json:"traffic_pct"`
	}
	if err := postJSON(api+"/experiments", body, &created); err != nil {
		return fmt.Errorf("create experiment: %w", err)
	}
	fmt.Fprintf(os.Stdout, "Experiment %s launched: %s (%.0f%% traffic)\n",
		created.ID, created.Name, created.TrafficPct*100)

	latency, _ := cmd.Flags().GetFloat64("latency-threshold")
	errRate, _ := cmd.Flags().GetFloat64("error-threshold")
	if latency > 0 || errRate > 0 {
		thresholds := map[string]any{}
		if latency > 0 {
			thresholds["latency_p95"] = latency
		}
		if errRate > 0 {
			thresholds["error_rate"] = errRate
		}
		if err := putJSON(api+"/guardrails/thresholds", thresholds, nil); err != nil {
			return fmt.Errorf("apply thresholds: %w", err)
		}
		fmt.Fprintln(os.Stdout, "Guardrail thresholds applied.")
	}
	return nil
}

// ─── Small HTTP Helpers ─────────────────────────────────────────────────────

func mustFloat(cmd *cobra.Command, name string) float64 {
	v, _ := cmd.Flags().GetFloat64(name)
	return v
}

func doJSON(method, url string, body, out any) error {
	raw, err := json.Marshal(body)
	if err != nil {
		return err
	}
	req, err := http.NewRequest(method, url, bytes.NewReader(raw))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	client := &http.Client{Timeout: 10 * time.Second}
	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		data, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return fmt.Errorf("%s %s: %s: %s", method, url, resp.Status, bytes.TrimSpace(data))
	}
	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

func postJSON(url string, body, out any) error { return doJSON(http.MethodPost, url, body, out) }
func putJSON(url string, body, out any) error  { return doJSON(http.MethodPut, url, body, out) }
