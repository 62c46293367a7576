package cmd

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/spf13/cobra"

	"github.com/christopher-igweze/clarity-check/internal/eventsink"
	"github.com/christopher-igweze/clarity-check/internal/health"
	"github.com/christopher-igweze/clarity-check/internal/log"
	"github.com/christopher-igweze/clarity-check/internal/metrics"
	"github.com/christopher-igweze/clarity-check/internal/probe"
	"github.com/christopher-igweze/clarity-check/internal/server"
	"github.com/christopher-igweze/clarity-check/internal/version"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve probe streams and gate evaluation over HTTP",
	Long: `Start the HTTP API:

  POST /v1/probes   {"repo_url": "...", "ref": "..."} streamed as text/event-stream
  POST /v1/gate     validation summary in, gate verdict out
  /health/live      liveness probe (process alive and responsive)
  /health/ready     readiness probe (sandbox backend and event bus reachable)
  /health/startup   startup probe
  /metrics          Prometheus metrics

On SIGTERM or SIGINT the server fails readiness, stops accepting runs and
waits for in-flight runs to finish.

Example:
  clarity serve --addr :9090 --max-runs 8`,
	Args: cobra.NoArgs,
	RunE: runServe,
}

var (
	serveAddr            string
	serveShutdownTimeout time.Duration
	serveMaxRuns         int
)

func init() {
	serveCmd.Flags().StringVar(&serveAddr, "addr", "", "listen address (overrides server.addr)")
	serveCmd.Flags().DurationVar(&serveShutdownTimeout, "shutdown-timeout", 0, "drain time for in-flight runs (overrides server.shutdown_timeout)")
	serveCmd.Flags().IntVar(&serveMaxRuns, "max-runs", -1, "concurrent probe runs, 0 for unlimited (overrides server.max_concurrent_runs)")

	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	logger := log.DefaultLogger()
	info := version.GetInfo()

	sc := serverConfig(cmd)

	stopTracing, err := startTelemetry(ctx)
	if err != nil {
		return err
	}
	defer stopTracing()

	reg, m := metrics.NewRegistry()

	driver, err := newDriver(cfg, logger)
	if err != nil {
		return err
	}
	orch, err := newOrchestrator(cfg, driver, m, logger)
	if err != nil {
		return err
	}

	pm := health.NewProbeManager(info.Version)
	opts := []server.Option{
		server.WithThresholds(cfg.Gate),
		server.WithMetrics(m, reg),
		server.WithLogger(logger),
	}

	conn, err := connectEvents(cfg)
	if err != nil {
		return err
	}
	if conn != nil {
		defer drainEvents(conn, logger)
		opts = append(opts, server.WithEventSinks(eventsink.Factory(conn, cfg.Events.SubjectPrefix, logger)))
	}
	for _, c := range readinessCheckers(cfg.Sandbox.Provider, driver, conn) {
		pm.AddChecker(c)
	}

	srv := server.NewServer(pm, orch, sc, opts...)

	out := cmd.OutOrStdout()
	fmt.Fprintln(out, styles.Title.Render("clarity "+info.Short()))
	fmt.Fprintf(out, "%s http://%s\n", styles.Key.Render("listening"), sc.Address)
	fmt.Fprintf(out, "%s %s\n", styles.Key.Render("sandbox"), cfg.Sandbox.Provider)
	if conn != nil {
		fmt.Fprintf(out, "%s %s.<run_id>\n", styles.Key.Render("events"), cfg.Events.SubjectPrefix)
	}

	serverErr := make(chan error, 1)
	go func() { serverErr <- srv.Start() }()

	select {
	case err := <-serverErr:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("server error: %w", err)

	case <-ctx.Done():
		logger.Info("shutting down; draining in-flight runs", "timeout", sc.ShutdownTimeout.String())
		if err := srv.Shutdown(context.WithoutCancel(ctx)); err != nil {
			return fmt.Errorf("shutdown error: %w", err)
		}
		<-serverErr
		logger.Info("server stopped")
		return nil
	}
}

// serverConfig merges flags over the server section.
func serverConfig(cmd *cobra.Command) server.Config {
	sc := server.Config{
		Address:           cfg.Server.Addr,
		ShutdownTimeout:   cfg.Server.ShutdownTimeout,
		ReadHeaderTimeout: cfg.Server.ReadHeaderTimeout,
		MaxConcurrentRuns: cfg.Server.MaxConcurrentRuns,
	}
	if cmd.Flags().Changed("addr") {
		sc.Address = serveAddr
	}
	if cmd.Flags().Changed("shutdown-timeout") {
		sc.ShutdownTimeout = serveShutdownTimeout
	}
	if cmd.Flags().Changed("max-runs") && serveMaxRuns >= 0 {
		sc.MaxConcurrentRuns = serveMaxRuns
	}
	return sc
}

var _ server.Prober = (*probe.Orchestrator)(nil)
