// Package campaign probes a set of repositories repeatedly and feeds the
// aggregated statistics to the release gate.
package campaign

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/christopher-igweze/clarity-check/internal/gate"
	"github.com/christopher-igweze/clarity-check/internal/log"
	"github.com/christopher-igweze/clarity-check/internal/metrics"
	"github.com/christopher-igweze/clarity-check/internal/probe"
)

// Prober runs one probe. *probe.Orchestrator implements it.
type Prober interface {
	Run(ctx context.Context, req probe.Request, sink probe.Sink) (*probe.Report, error)
}

// Target is one repository in the campaign.
type Target struct {
	Repo     string `yaml:"repo" json:"repo"`
	Ref      string `yaml:"ref,omitempty" json:"ref,omitempty"`
	Language string `yaml:"language,omitempty" json:"language,omitempty"`
}

// Config controls a campaign.
type Config struct {
	RunsPerRepo int             `yaml:"runs_per_repo"`
	Concurrency int             `yaml:"concurrency"`
	Thresholds  gate.Thresholds `yaml:"thresholds"`
}

// DefaultConfig returns three runs per repository, two at a time, with the
// default gate thresholds.
func DefaultConfig() Config {
	return Config{
		RunsPerRepo: 3,
		Concurrency: 2,
		Thresholds:  gate.DefaultThresholds(),
	}
}

// Validate checks the configuration.
func (c Config) Validate() error {
	if c.RunsPerRepo < 1 {
		return fmt.Errorf("runs_per_repo must be at least 1, got %d", c.RunsPerRepo)
	}
	if c.Concurrency < 1 {
		return fmt.Errorf("concurrency must be at least 1, got %d", c.Concurrency)
	}
	return c.Thresholds.Validate()
}

// SinkFactory returns the sink for one run. The run id is already assigned.
type SinkFactory func(runID string, t Target) probe.Sink

// Runner executes campaigns.
type Runner struct {
	prober  Prober
	cfg     Config
	sinks   SinkFactory
	newID   func(repoIndex, attempt int) string
	metrics *metrics.Metrics
	logger  *log.Logger
}

// Option configures a Runner.
type Option func(*Runner)

// WithSinks forwards each run's events to the sink the factory returns.
func WithSinks(f SinkFactory) Option {
	return func(r *Runner) { r.sinks = f }
}

// WithRunIDs sets how run ids are assigned.
func WithRunIDs(fn func(repoIndex, attempt int) string) Option {
	return func(r *Runner) { r.newID = fn }
}

// WithMetrics records gate verdicts.
func WithMetrics(m *metrics.Metrics) Option {
	return func(r *Runner) { r.metrics = m }
}

// WithLogger sets the logger.
func WithLogger(l *log.Logger) Option {
	return func(r *Runner) { r.logger = l }
}

// NewRunner returns a campaign runner.
func NewRunner(p Prober, cfg Config, opts ...Option) (*Runner, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid campaign config: %w", err)
	}
	r := &Runner{
		prober: p,
		cfg:    cfg,
		newID:  func(int, int) string { return uuid.NewString() },
	}
	for _, opt := range opts {
		opt(r)
	}
	r.logger = log.OrDefault(r.logger).With("component", "campaign")
	return r, nil
}

// Result is the outcome of a campaign.
type Result struct {
	Summary gate.ValidationSummary
	Gate    gate.Result

	// Reports holds every run, grouped by target in input order.
	Reports []*probe.Report
}

// Run probes every target RunsPerRepo times, at most Concurrency at once.
// It fails on the first invalid request or when ctx is cancelled; runs that
// already started still tear down their sandboxes.
func (r *Runner) Run(ctx context.Context, targets []Target) (*Result, error) {
	total := len(targets) * r.cfg.RunsPerRepo
	reports := make([]*probe.Report, total)

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(r.cfg.Concurrency)

	for ti, t := range targets {
		for attempt := 0; attempt < r.cfg.RunsPerRepo; attempt++ {
			slot := ti*r.cfg.RunsPerRepo + attempt
			req := probe.Request{RepoURL: t.Repo, Ref: t.Ref, RunID: r.newID(ti, attempt)}
			g.Go(func() error {
				if err := gctx.Err(); err != nil {
					return err
				}
				var sink probe.Sink = probe.Discard
				if r.sinks != nil {
					sink = r.sinks(req.RunID, t)
				}
				rep, err := r.prober.Run(gctx, req, sink)
				if err != nil {
					return fmt.Errorf("probe %s: %w", t.Repo, err)
				}
				reports[slot] = rep
				r.logger.Info("campaign run finished",
					"repo", t.Repo, "attempt", attempt+1, "run_id", rep.RunID, "outcome", rep.Outcome())
				return nil
			})
		}
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	obs := make([]gate.Observation, 0, total)
	for i, rep := range reports {
		t := targets[i/r.cfg.RunsPerRepo]
		obs = append(obs, gate.Observation{
			Repo:     t.Repo,
			Language: t.Language,
			Success:  Succeeded(rep),
			Duration: rep.Duration(),
		})
	}

	summary := gate.Aggregate(obs)
	verdict := gate.Evaluate(summary, r.cfg.Thresholds)
	r.metrics.RecordGate(verdict.Passed)
	r.logger.Info("campaign evaluated", "repos", summary.RepoCount, "runs", summary.RunCount, "passed", verdict.Passed)

	return &Result{Summary: summary, Gate: verdict, Reports: reports}, nil
}

// Succeeded reports whether a run counts as a success for the gate: it
// produced a summary, hit no internal fault, and install, build and tests
// all passed.
func Succeeded(rep *probe.Report) bool {
	return rep != nil && rep.Err == nil && rep.Summary != nil && rep.Summary.Healthy()
}
