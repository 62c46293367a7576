package cmd

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/christopher-igweze/clarity-check/internal/errors"
	"github.com/christopher-igweze/clarity-check/internal/gate"
)

var gateCmd = &cobra.Command{
	Use:   "gate <summary-file>",
	Short: "Evaluate a validation summary against the release thresholds",
	Long: `Read a validation summary (YAML or JSON, "-" for stdin) and apply the
gate thresholds. The file holds either the summary itself or raw runs that
are aggregated first:

  runs:
    - repo: https://github.com/acme/api
      success: true
      duration: 94s

Thresholds come from the gate section of the config; flags override them.
The command exits 7 when the gate fails.

Examples:
  clarity gate summary.yaml
  clarity gate runs.json --min-success-rate 0.9 --json`,
	Args: cobra.ExactArgs(1),
	RunE: runGate,
}

var (
	gateMinSuccessRate float64
	gateMaxDurationCV  float64
	gateMinRuns        int
	gateJSON           bool
)

func init() {
	gateCmd.Flags().Float64Var(&gateMinSuccessRate, "min-success-rate", 0, "minimum per-repository success rate (overrides gate.min_success_rate)")
	gateCmd.Flags().Float64Var(&gateMaxDurationCV, "max-duration-cv", 0, "maximum per-repository duration CV (overrides gate.max_duration_cv)")
	gateCmd.Flags().IntVar(&gateMinRuns, "min-runs", 0, "minimum runs per repository (overrides gate.min_runs_per_repo)")
	gateCmd.Flags().BoolVar(&gateJSON, "json", false, "print the verdict as JSON")

	rootCmd.AddCommand(gateCmd)
}

// runRecord is one raw run in a gate input file.
type runRecord struct {
	Repo     string        `yaml:"repo"`
	Language string        `yaml:"language"`
	Success  bool          `yaml:"success"`
	Duration time.Duration `yaml:"duration"`
}

type gateInput struct {
	gate.ValidationSummary `yaml:",inline"`
	Runs                   []runRecord `yaml:"runs"`
}

// parseGateInput decodes a summary or a list of runs. Unknown keys are
// rejected so that a misspelt field does not silently pass the gate.
func parseGateInput(data []byte) (gate.ValidationSummary, error) {
	var in gateInput
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&in); err != nil && err != io.EOF {
		return gate.ValidationSummary{}, fmt.Errorf("parse summary: %w", err)
	}
	if len(in.Runs) == 0 {
		return in.ValidationSummary, nil
	}
	if len(in.Repos) > 0 {
		return gate.ValidationSummary{}, fmt.Errorf("parse summary: give either repos or runs, not both")
	}

	obs := make([]gate.Observation, len(in.Runs))
	for i, r := range in.Runs {
		if r.Repo == "" {
			return gate.ValidationSummary{}, fmt.Errorf("parse summary: run %d has no repo", i)
		}
		obs[i] = gate.Observation{Repo: r.Repo, Language: r.Language, Success: r.Success, Duration: r.Duration}
	}
	return gate.Aggregate(obs), nil
}

func readInput(cmd *cobra.Command, path string) ([]byte, error) {
	if path == "-" {
		return io.ReadAll(cmd.InOrStdin())
	}
	return os.ReadFile(path)
}

// gateThresholds merges flags over the gate section.
func gateThresholds(cmd *cobra.Command) gate.Thresholds {
	t := cfg.Gate
	if cmd.Flags().Changed("min-success-rate") {
		t.MinSuccessRate = gateMinSuccessRate
	}
	if cmd.Flags().Changed("max-duration-cv") {
		t.MaxDurationCV = gateMaxDurationCV
	}
	if cmd.Flags().Changed("min-runs") {
		t.MinRunsPerRepo = gateMinRuns
	}
	return t
}

func runGate(cmd *cobra.Command, args []string) error {
	data, err := readInput(cmd, args[0])
	if err != nil {
		return fmt.Errorf("read summary: %w", err)
	}
	summary, err := parseGateInput(data)
	if err != nil {
		return err
	}

	t := gateThresholds(cmd)
	if err := t.Validate(); err != nil {
		return errors.NewConfigInvalidError(err.Error())
	}

	res := gate.Evaluate(summary, t)
	if err := printVerdict(cmd.OutOrStdout(), summary, res, gateJSON); err != nil {
		return err
	}
	if !res.Passed {
		return errors.NewGateFailedError(res.Reasons)
	}
	return nil
}

func printVerdict(w io.Writer, s gate.ValidationSummary, res gate.Result, asJSON bool) error {
	if !asJSON {
		renderGate(w, s, res)
		return nil
	}
	data, err := json.MarshalIndent(struct {
		Summary gate.ValidationSummary `json:"summary"`
		gate.Result
	}{s, res}, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal verdict: %w", err)
	}
	fmt.Fprintln(w, string(data))
	return nil
}
