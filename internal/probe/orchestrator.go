package probe

import (
	"context"
	"fmt"
	"strings"
	"time"
	"unicode"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"

	"github.com/christopher-igweze/clarity-check/internal/errors"
	"github.com/christopher-igweze/clarity-check/internal/log"
	"github.com/christopher-igweze/clarity-check/internal/metrics"
	"github.com/christopher-igweze/clarity-check/internal/sandbox"
	"github.com/christopher-igweze/clarity-check/internal/telemetry"
)

// State is a probe run lifecycle state.
type State string

const (
	StateIdle         State = "idle"
	StateProvisioning State = "provisioning_environment"
	StateRunningSteps State = "running_steps"
	StateAggregating  State = "aggregating"
	StateTearingDown  State = "tearing_down"
	StateDone         State = "done"
	StateErrored      State = "errored"
)

// Request identifies the repository to probe.
type Request struct {
	RepoURL string `json:"repo_url"`
	Ref     string `json:"ref,omitempty"`

	// RunID is generated when empty.
	RunID string `json:"run_id,omitempty"`
}

// Validate checks the repository reference. It accepts http(s)://, ssh://
// and scp-style git@ URLs.
func (r Request) Validate() error {
	url := strings.TrimSpace(r.RepoURL)
	if url == "" {
		return errors.NewInvalidRequestError("repo_url is required")
	}
	if strings.IndexFunc(r.RepoURL+r.Ref, func(c rune) bool { return unicode.IsSpace(c) || unicode.IsControl(c) }) >= 0 {
		return errors.NewInvalidRequestError("repo_url and ref must not contain whitespace or control characters")
	}
	if strings.IndexFunc(r.RunID, func(c rune) bool {
		return !(unicode.IsLetter(c) || unicode.IsDigit(c) || c == '-' || c == '_')
	}) >= 0 {
		return errors.NewInvalidRequestError("run_id may only contain letters, digits, '-' and '_'")
	}
	if strings.HasPrefix(r.Ref, "-") {
		return errors.NewInvalidRequestError("ref must not start with '-'")
	}
	for _, prefix := range []string{"https://", "http://", "ssh://", "git@"} {
		if strings.HasPrefix(url, prefix) && len(url) > len(prefix) {
			return nil
		}
	}
	return errors.NewInvalidRequestError(fmt.Sprintf("unsupported repository URL: %s", r.RepoURL)).
		WithSuggestion("Use an https://, ssh:// or git@host:owner/repo URL")
}

// Report describes a finished run.
type Report struct {
	RunID string
	Repo  string

	// State is the final state; Trace lists every state entered, in order.
	State State
	Trace []State

	// Summary is nil when the run never reached aggregation.
	Summary *RunSummary

	// Err is the provisioning failure or internal fault that ended the run.
	Err error

	// TeardownErr is set when Destroy failed. It does not fail the run.
	TeardownErr error

	StartedAt  time.Time
	FinishedAt time.Time
}

// Outcome classifies the run for metrics and reports.
func (r *Report) Outcome() string {
	switch {
	case errors.HasCode(r.Err, errors.ErrCodeSandboxProvision):
		return "provisioning_failed"
	case r.Err != nil:
		return "errored"
	case r.Summary == nil:
		return "errored"
	case r.Summary.AbortedAt != "":
		return "aborted"
	default:
		return "completed"
	}
}

// Duration is the wall-clock time of the run.
func (r *Report) Duration() time.Duration {
	return r.FinishedAt.Sub(r.StartedAt)
}

// Orchestrator drives probe runs: provision, sequence, aggregate, tear down.
// It holds no per-run state, so one Orchestrator can serve concurrent runs.
type Orchestrator struct {
	driver           sandbox.Driver
	catalog          *Catalog
	workdir          string
	provisionTimeout time.Duration
	teardownTimeout  time.Duration
	metrics          *metrics.Metrics
	logger           *log.Logger
	newID            func() string
}

// Option configures an Orchestrator.
type Option func(*Orchestrator)

// WithCatalog replaces the default step catalog.
func WithCatalog(c *Catalog) Option {
	return func(o *Orchestrator) { o.catalog = c }
}

// WithWorkdir sets the in-sandbox clone directory.
func WithWorkdir(dir string) Option {
	return func(o *Orchestrator) { o.workdir = dir }
}

// WithProvisionTimeout bounds the Create call.
func WithProvisionTimeout(d time.Duration) Option {
	return func(o *Orchestrator) { o.provisionTimeout = d }
}

// WithTeardownTimeout bounds the Destroy call.
func WithTeardownTimeout(d time.Duration) Option {
	return func(o *Orchestrator) { o.teardownTimeout = d }
}

// WithMetrics sets the Prometheus collectors.
func WithMetrics(m *metrics.Metrics) Option {
	return func(o *Orchestrator) { o.metrics = m }
}

// WithLogger sets the logger.
func WithLogger(l *log.Logger) Option {
	return func(o *Orchestrator) { o.logger = l }
}

// WithIDGenerator replaces the run id generator.
func WithIDGenerator(fn func() string) Option {
	return func(o *Orchestrator) { o.newID = fn }
}

// NewOrchestrator returns an orchestrator over driver.
func NewOrchestrator(driver sandbox.Driver, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		driver:           driver,
		workdir:          DefaultWorkdir,
		provisionTimeout: 2 * time.Minute,
		teardownTimeout:  30 * time.Second,
		newID:            uuid.NewString,
	}
	for _, opt := range opts {
		opt(o)
	}
	if o.catalog == nil {
		o.catalog = DefaultCatalog()
	}
	o.logger = log.OrDefault(o.logger).With("component", "probe")
	return o
}

// Catalog returns the steps each run executes.
func (o *Orchestrator) Catalog() *Catalog {
	return o.catalog
}

// run is the state of one invocation.
type run struct {
	report     *Report
	sink       Sink
	logger     *log.Logger
	metrics    *metrics.Metrics
	sinkFailed bool
}

func (r *run) transition(s State) {
	r.report.State = s
	r.report.Trace = append(r.report.Trace, s)
}

func (r *run) emit(e Event) {
	r.metrics.RecordEvent(e.EventType())
	if err := r.sink.Emit(e); err != nil && !r.sinkFailed {
		r.sinkFailed = true
		r.logger.WithError(err).Warn("observer stopped accepting events; run continues")
	}
}

// Run executes one probe and streams its events to sink. The only error
// returned is for an invalid request; everything that happens during the
// run is reported through events and the Report. The sandbox, once created,
// is destroyed exactly once even if ctx is cancelled.
func (o *Orchestrator) Run(ctx context.Context, req Request, sink Sink) (*Report, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}
	if sink == nil {
		sink = Discard
	}

	runID := req.RunID
	if runID == "" {
		runID = o.newID()
	}
	r := &run{
		report: &Report{
			RunID:     runID,
			Repo:      req.RepoURL,
			StartedAt: time.Now(),
		},
		sink:    sink,
		logger:  o.logger.With("run_id", runID, "repo", req.RepoURL),
		metrics: o.metrics,
	}
	r.transition(StateIdle)

	ctx, span := telemetry.StartRunSpan(ctx, runID, req.RepoURL)
	defer span.End()
	defer o.metrics.RunStarted()()

	r.logger.Info("probe run started")

	h := o.provision(ctx, r)
	if h != nil {
		o.sequence(ctx, r, h, Vars{RepoURL: req.RepoURL, Ref: req.Ref, Workdir: o.workdir})
	}
	o.teardown(ctx, r, h)

	r.transition(StateDone)
	r.emit(Done{})

	rep := r.report
	rep.FinishedAt = time.Now()
	o.metrics.RecordRun(rep.Outcome(), rep.Duration())
	if rep.Err != nil {
		telemetry.RecordError(span, rep.Err)
	} else {
		telemetry.RecordSuccess(span, attribute.String("outcome", rep.Outcome()))
	}
	r.logger.Info("probe run finished", "outcome", rep.Outcome(), "duration_ms", rep.Duration().Milliseconds())
	return rep, nil
}

func (o *Orchestrator) provision(ctx context.Context, r *run) *sandbox.Handle {
	r.transition(StateProvisioning)
	r.emit(StepRunning{Step: StepCreateSandbox, Message: "Provisioning sandbox"})

	cctx, cancel := context.WithTimeout(ctx, o.provisionTimeout)
	defer cancel()
	cctx, span := telemetry.StartSandboxSpan(cctx, "create")
	defer span.End()

	start := time.Now()
	h, err := o.create(cctx)
	if err == nil && h == nil {
		err = errors.NewProvisioningError("sandbox", fmt.Errorf("driver returned no handle"))
	}
	if err != nil {
		if !errors.HasCode(err, errors.ErrCodeSandboxProvision) {
			err = errors.NewProvisioningError("sandbox", err)
		}
		o.metrics.RecordSandboxOp("unknown", "create", err)
		o.metrics.RecordError(string(errors.ErrCodeSandboxProvision), "probe")
		telemetry.RecordError(span, err)
		r.logger.LogError("sandbox provisioning failed", err)

		r.report.Err = err
		r.transition(StateErrored)
		r.emit(ProbeError{Message: err.Error()})
		return nil
	}

	o.metrics.RecordSandboxOp(h.Provider, "create", nil)
	r.logger = r.logger.With("sandbox_id", h.ID)
	r.emit(StepResult{
		Step:       StepCreateSandbox,
		ExitCode:   0,
		Stdout:     fmt.Sprintf("sandbox %s ready", h.ID),
		DurationMs: time.Since(start).Milliseconds(),
	})
	return h
}

// sequence runs the steps and aggregates them. A panic in either phase moves
// the run to Errored; teardown still follows.
func (o *Orchestrator) sequence(ctx context.Context, r *run, h *sandbox.Handle, vars Vars) {
	defer func() {
		if p := recover(); p != nil {
			err := errors.NewInternalError(fmt.Errorf("panic: %v", p))
			o.metrics.RecordError(string(errors.ErrCodeProbeInternal), "probe")
			r.logger.LogError("probe run panicked", err)

			r.report.Err = err
			r.transition(StateErrored)
			r.emit(ProbeError{Message: err.Error()})
		}
	}()

	r.transition(StateRunningSteps)
	seq := NewSequencer(o.driver, o.catalog, o.metrics, r.logger)
	results, abortedAt := seq.Run(ctx, h, vars, r.emit)

	r.transition(StateAggregating)
	summary := Summarize(results)
	summary.AbortedAt = abortedAt
	r.report.Summary = &summary
	r.emit(summary)
}

// teardown destroys h on a context that survives caller cancellation.
func (o *Orchestrator) teardown(ctx context.Context, r *run, h *sandbox.Handle) {
	r.transition(StateTearingDown)
	if h == nil {
		return
	}

	r.emit(StepRunning{Step: StepCleanup, Message: "Destroying sandbox"})

	dctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), o.teardownTimeout)
	defer cancel()
	dctx, span := telemetry.StartSandboxSpan(dctx, "destroy")
	defer span.End()

	start := time.Now()
	err := o.destroy(dctx, h)
	o.metrics.RecordSandboxOp(h.Provider, "destroy", err)

	res := StepResult{
		Step:       StepCleanup,
		Stdout:     fmt.Sprintf("sandbox %s destroyed", h.ID),
		DurationMs: time.Since(start).Milliseconds(),
	}
	if err != nil {
		telemetry.RecordError(span, err)
		o.metrics.RecordError(string(errors.ErrCodeSandboxTeardown), "probe")
		r.logger.LogError("sandbox teardown failed", err)
		r.report.TeardownErr = err
		res.ExitCode = ExitExecutionFailure
		res.Stdout = ""
		res.Stderr = err.Error()
	}
	r.emit(res)
}

func (o *Orchestrator) create(ctx context.Context) (h *sandbox.Handle, err error) {
	defer func() {
		if p := recover(); p != nil {
			h, err = nil, errors.NewProvisioningError("sandbox", fmt.Errorf("panic: %v", p))
		}
	}()
	return o.driver.Create(ctx)
}

// destroy calls the driver, converting a panic into an error so the terminal
// marker is still sent.
func (o *Orchestrator) destroy(ctx context.Context, h *sandbox.Handle) (err error) {
	defer func() {
		if p := recover(); p != nil {
			err = errors.NewTeardownError(h.ID, fmt.Errorf("panic: %v", p))
		}
	}()
	return o.driver.Destroy(ctx, h)
}
