package probe

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/christopher-igweze/clarity-check/internal/errors"
	"github.com/christopher-igweze/clarity-check/internal/log"
	"github.com/christopher-igweze/clarity-check/internal/metrics"
	"github.com/christopher-igweze/clarity-check/internal/sandbox"
	"github.com/christopher-igweze/clarity-check/internal/telemetry"
)

// Sequencer runs a catalog of steps in one sandbox.
type Sequencer struct {
	driver  sandbox.Driver
	catalog *Catalog
	metrics *metrics.Metrics
	logger  *log.Logger
}

// NewSequencer returns a sequencer for catalog. m may be nil.
func NewSequencer(driver sandbox.Driver, catalog *Catalog, m *metrics.Metrics, logger *log.Logger) *Sequencer {
	return &Sequencer{
		driver:  driver,
		catalog: catalog,
		metrics: m,
		logger:  log.OrDefault(logger),
	}
}

// Run executes the catalog in order and returns one result per executed
// step, plus the name of the step the sequence stopped at ("" if it ran to
// the end).
//
// Execution failures never escape: they become results with exit code -1.
// A gating step that exits non-zero stops the sequence, as does a cancelled
// ctx between steps. Either way an aborted notice is emitted.
func (s *Sequencer) Run(ctx context.Context, h *sandbox.Handle, vars Vars, emit func(Event)) (map[string]StepResult, string) {
	results := make(map[string]StepResult, s.catalog.Len())

	for _, step := range s.catalog.Steps() {
		if err := ctx.Err(); err != nil {
			emit(StepAborted{Step: step.Name, Message: "run cancelled before step started"})
			s.logger.Warn("sequence cancelled", "step", step.Name, "error", err)
			return results, step.Name
		}

		emit(StepRunning{Step: step.Name, Message: step.Label})
		res := s.execute(ctx, h, step, vars)
		results[step.Name] = res
		emit(res)

		if step.Gating && res.ExitCode != 0 {
			emit(StepAborted{
				Step:    step.Name,
				Message: fmt.Sprintf("%s failed with exit code %d; remaining steps skipped", step.Label, res.ExitCode),
			})
			s.logger.Info("sequence aborted", "step", step.Name, "exit_code", res.ExitCode)
			return results, step.Name
		}
	}
	return results, ""
}

func (s *Sequencer) execute(ctx context.Context, h *sandbox.Handle, step StepDefinition, vars Vars) StepResult {
	ctx, span := telemetry.StartStepSpan(ctx, step.Name)
	defer span.End()

	start := time.Now()
	out, err := s.driver.Execute(ctx, h, step.Render(vars), step.Timeout)
	elapsed := time.Since(start)
	if err == nil && out == nil {
		err = errors.NewExecutionError(h.ID, fmt.Errorf("sandbox returned no result"))
	}
	s.metrics.RecordSandboxOp(h.Provider, "execute", err)

	if err != nil {
		telemetry.RecordError(span, err)
		s.metrics.RecordStep(step.Name, "error", elapsed)
		s.logger.WithError(err).Warn("step could not be executed", "step", step.Name)
		return StepResult{
			Step:         step.Name,
			ExitCode:     ExitExecutionFailure,
			Stderr:       Truncate(err.Error()),
			DurationMs:   elapsed.Milliseconds(),
			OutputDigest: outputDigest("", err.Error()),
		}
	}

	outcome := "ok"
	if out.ExitCode != 0 {
		outcome = "failed"
	}
	s.metrics.RecordStep(step.Name, outcome, elapsed)
	telemetry.RecordSuccess(span, attribute.Int("exit_code", out.ExitCode))
	s.logger.Debug("step finished", "step", step.Name, "exit_code", out.ExitCode, "duration_ms", elapsed.Milliseconds())

	return StepResult{
		Step:         step.Name,
		ExitCode:     out.ExitCode,
		Stdout:       Truncate(out.Stdout),
		Stderr:       Truncate(out.Stderr),
		DurationMs:   elapsed.Milliseconds(),
		OutputDigest: outputDigest(out.Stdout, out.Stderr),
		counts:       countOutput(step.Name, out.Stdout, out.Stderr),
	}
}
