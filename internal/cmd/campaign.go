package cmd

import (
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/christopher-igweze/clarity-check/internal/campaign"
	"github.com/christopher-igweze/clarity-check/internal/errors"
	"github.com/christopher-igweze/clarity-check/internal/log"
	"github.com/christopher-igweze/clarity-check/internal/metrics"
	"github.com/christopher-igweze/clarity-check/internal/probe"
)

var campaignCmd = &cobra.Command{
	Use:   "campaign [repo-url[@ref]...]",
	Short: "Probe several repositories repeatedly and gate the results",
	Long: `Run every target runs_per_repo times, at most concurrency runs at once,
aggregate the outcomes into a validation summary and evaluate the gate.

Targets come from the arguments or, when none are given, from
campaign.targets in the config. A run counts as a success when install,
build and tests all passed.

The command exits 7 when the gate fails.

Examples:
  clarity campaign https://github.com/acme/api https://github.com/acme/web@main
  clarity campaign --runs 5 --concurrency 4 --summary-out summary.yaml`,
	RunE: runCampaign,
}

var (
	campaignRuns        int
	campaignConcurrency int
	campaignSummaryOut  string
	campaignJSON        bool
)

func init() {
	campaignCmd.Flags().IntVar(&campaignRuns, "runs", 0, "runs per repository (overrides campaign.runs_per_repo)")
	campaignCmd.Flags().IntVar(&campaignConcurrency, "concurrency", 0, "concurrent runs (overrides campaign.concurrency)")
	campaignCmd.Flags().StringVar(&campaignSummaryOut, "summary-out", "", "write the validation summary as YAML to this file")
	campaignCmd.Flags().BoolVar(&campaignJSON, "json", false, "print the verdict as JSON")

	rootCmd.AddCommand(campaignCmd)
}

// parseTargets turns repo[@ref] arguments into targets. The ref separator is
// the last '@' after the final '/', so scp-style git@host:owner/repo URLs
// keep their user part.
func parseTargets(args []string) []campaign.Target {
	targets := make([]campaign.Target, 0, len(args))
	for _, arg := range args {
		t := campaign.Target{Repo: arg}
		slash := strings.LastIndex(arg, "/")
		if at := strings.LastIndex(arg, "@"); at > slash && slash >= 0 {
			t.Repo, t.Ref = arg[:at], arg[at+1:]
		}
		targets = append(targets, t)
	}
	return targets
}

func campaignSettings(cmd *cobra.Command) campaign.Config {
	cc := cfg.CampaignSettings()
	if cmd.Flags().Changed("runs") {
		cc.RunsPerRepo = campaignRuns
	}
	if cmd.Flags().Changed("concurrency") {
		cc.Concurrency = campaignConcurrency
	}
	return cc
}

func runCampaign(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	logger := log.DefaultLogger()

	targets := parseTargets(args)
	if len(targets) == 0 {
		targets = cfg.Campaign.Targets
	}
	if len(targets) == 0 {
		return errors.NewConfigInvalidError("no campaign targets: pass repository URLs or set campaign.targets")
	}
	for _, t := range targets {
		if err := (probe.Request{RepoURL: t.Repo, Ref: t.Ref}).Validate(); err != nil {
			return err
		}
	}

	stopTracing, err := startTelemetry(ctx)
	if err != nil {
		return err
	}
	defer stopTracing()

	m := metrics.InitDefault()
	driver, err := newDriver(cfg, logger)
	if err != nil {
		return err
	}
	orch, err := newOrchestrator(cfg, driver, m, logger)
	if err != nil {
		return err
	}

	opts := []campaign.Option{campaign.WithMetrics(m), campaign.WithLogger(logger)}
	conn, err := connectEvents(cfg)
	if err != nil {
		return err
	}
	if conn != nil {
		defer drainEvents(conn, logger)
		prefix := cfg.Events.SubjectPrefix
		opts = append(opts, campaign.WithSinks(func(runID string, _ campaign.Target) probe.Sink {
			return withEvents(probe.Discard, conn, prefix, runID, logger)
		}))
	}

	cc := campaignSettings(cmd)
	runner, err := campaign.NewRunner(orch, cc, opts...)
	if err != nil {
		return errors.NewConfigInvalidError(err.Error())
	}

	out := cmd.OutOrStdout()
	if !campaignJSON {
		fmt.Fprintf(out, "%s %d repositories × %d runs, %d at a time\n",
			styles.Title.Render("campaign"), len(targets), cc.RunsPerRepo, cc.Concurrency)
	}

	res, err := runner.Run(ctx, targets)
	if err != nil {
		return err
	}

	if campaignSummaryOut != "" {
		data, err := yaml.Marshal(res.Summary)
		if err != nil {
			return fmt.Errorf("failed to marshal summary: %w", err)
		}
		if err := os.WriteFile(campaignSummaryOut, data, 0o644); err != nil {
			return fmt.Errorf("write summary: %w", err)
		}
	}

	if err := printVerdict(out, res.Summary, res.Gate, campaignJSON); err != nil {
		return err
	}
	if !res.Gate.Passed {
		return errors.NewGateFailedError(res.Gate.Reasons)
	}
	return nil
}
