package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/christopher-igweze/clarity-check/internal/campaign"
	"github.com/christopher-igweze/clarity-check/internal/exitcode"
	"github.com/christopher-igweze/clarity-check/internal/log"
	"github.com/christopher-igweze/clarity-check/internal/probe"
	"github.com/christopher-igweze/clarity-check/internal/sse"
	"github.com/christopher-igweze/clarity-check/internal/telemetry"
)

var probeCmd = &cobra.Command{
	Use:   "probe <repo-url>",
	Short: "Probe one repository in a sandbox",
	Long: `Provision a sandbox, clone the repository and run the configured step
catalog (install, build, test, audit by default). Events are printed as they
happen; the sandbox is always destroyed, even on Ctrl+C.

Output formats:
  text  human-readable progress (default)
  sse   the raw text/event-stream, ending with [DONE]
  json  a single report document once the run finishes

The command exits 8 unless install, build and tests all passed.

Examples:
  clarity probe https://github.com/acme/api
  clarity probe git@github.com:acme/api.git --ref v1.4.0 --output sse`,
	Args: cobra.ExactArgs(1),
	RunE: runProbe,
}

var (
	probeRef     string
	probeRunID   string
	probeOutput  string
	probeVerbose bool
)

func init() {
	probeCmd.Flags().StringVar(&probeRef, "ref", "", "branch, tag or commit to check out")
	probeCmd.Flags().StringVar(&probeRunID, "run-id", "", "run id (generated when empty)")
	probeCmd.Flags().StringVarP(&probeOutput, "output", "o", "text", "output format: text, sse, json")
	probeCmd.Flags().BoolVarP(&probeVerbose, "verbose", "v", false, "show the stderr tail of failed steps")

	rootCmd.AddCommand(probeCmd)
}

// probeReport is the --output json document.
type probeReport struct {
	RunID      string            `json:"run_id"`
	Repo       string            `json:"repo"`
	Outcome    string            `json:"outcome"`
	DurationMs int64             `json:"duration_ms"`
	States     []probe.State     `json:"states"`
	Summary    *probe.RunSummary `json:"summary,omitempty"`
	Error      string            `json:"error,omitempty"`
	Teardown   string            `json:"teardown_error,omitempty"`
	Events     []string          `json:"events"`
}

func newProbeReport(rep *probe.Report, events []string) probeReport {
	out := probeReport{
		RunID:      rep.RunID,
		Repo:       rep.Repo,
		Outcome:    rep.Outcome(),
		DurationMs: rep.Duration().Milliseconds(),
		States:     rep.Trace,
		Summary:    rep.Summary,
		Events:     events,
	}
	if rep.Err != nil {
		out.Error = rep.Err.Error()
	}
	if rep.TeardownErr != nil {
		out.Teardown = rep.TeardownErr.Error()
	}
	return out
}

func runProbe(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	logger := log.DefaultLogger()
	out := cmd.OutOrStdout()

	var (
		sink     probe.Sink
		recorder *probe.Recorder
	)
	switch probeOutput {
	case "text":
		sink = &eventPrinter{w: out, verbose: probeVerbose}
	case "sse":
		sink = probe.NewSSESink(sse.NewWriter(out))
	case "json":
		recorder = &probe.Recorder{}
		sink = recorder
	default:
		return fmt.Errorf("invalid flag value for --output: %q (want text, sse or json)", probeOutput)
	}

	req := probe.Request{RepoURL: args[0], Ref: probeRef, RunID: probeRunID}
	if err := req.Validate(); err != nil {
		return err
	}
	if req.RunID == "" {
		req.RunID = uuid.NewString()
	}

	stopTracing, err := startTelemetry(ctx)
	if err != nil {
		return err
	}
	defer stopTracing()

	driver, err := newDriver(cfg, logger)
	if err != nil {
		return err
	}
	orch, err := newOrchestrator(cfg, driver, nil, logger)
	if err != nil {
		return err
	}

	conn, err := connectEvents(cfg)
	if err != nil {
		return err
	}
	if conn != nil {
		defer drainEvents(conn, logger)
	}
	sink = withEvents(sink, conn, cfg.Events.SubjectPrefix, req.RunID, logger)

	rep, err := orch.Run(ctx, req, sink)
	if err != nil {
		return err
	}

	if recorder != nil {
		data, err := json.MarshalIndent(newProbeReport(rep, recorder.Types()), "", "  ")
		if err != nil {
			return fmt.Errorf("failed to marshal report: %w", err)
		}
		fmt.Fprintln(out, string(data))
	}

	if ctx.Err() != nil {
		return ctx.Err()
	}
	if !campaign.Succeeded(rep) {
		return exitcode.WithCode(exitcode.ProbeFailed, fmt.Errorf("probe %s did not pass (outcome %s)", rep.RunID, rep.Outcome()))
	}
	return nil
}

// startTelemetry installs the tracer provider from config and returns a
// function that flushes it.
func startTelemetry(ctx context.Context) (func(), error) {
	shutdown, err := telemetry.InitProvider(ctx, cfg.Telemetry)
	if err != nil {
		return nil, fmt.Errorf("init tracing: %w", err)
	}
	return func() {
		flushCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()
		if err := shutdown(flushCtx); err != nil {
			log.DefaultLogger().WithError(err).Warn("failed to flush traces")
		}
	}, nil
}
