package telemetry

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const instrumentationName = "github.com/christopher-igweze/clarity-check"

// StartRunSpan creates the root span of one probe run.
//
// Usage:
//
//	ctx, span := telemetry.StartRunSpan(ctx, runID, repoURL)
//	defer span.End()
func StartRunSpan(ctx context.Context, runID, repo string) (context.Context, trace.Span) {
	tracer := GetTracerProvider().Tracer(instrumentationName)
	ctx, span := tracer.Start(ctx, "probe.run")

	span.SetAttributes(
		attribute.String("run_id", runID),
		attribute.String("repo", repo),
		attribute.String("component", "probe"),
	)
	return ctx, span
}

// StartStepSpan creates a span for one verification step.
func StartStepSpan(ctx context.Context, step string) (context.Context, trace.Span) {
	tracer := GetTracerProvider().Tracer(instrumentationName)
	ctx, span := tracer.Start(ctx, "probe.step."+step)

	span.SetAttributes(attribute.String("step", step))
	return ctx, span
}

// StartSandboxSpan creates a span for a sandbox driver operation.
func StartSandboxSpan(ctx context.Context, operation string) (context.Context, trace.Span) {
	tracer := GetTracerProvider().Tracer(instrumentationName)
	ctx, span := tracer.Start(ctx, "sandbox."+operation)

	span.SetAttributes(
		attribute.String("operation", operation),
		attribute.String("component", "sandbox"),
	)
	return ctx, span
}

// RecordSuccess marks a span as successful with optional result attributes.
func RecordSuccess(span trace.Span, attrs ...attribute.KeyValue) {
	span.SetAttributes(attrs...)
	span.SetStatus(codes.Ok, "")
}

// RecordError records an error in a span and sets error status.
func RecordError(span trace.Span, err error) {
	if err == nil {
		return
	}

	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
	span.SetAttributes(attribute.Bool("error", true))
}

// RecordDuration records the duration of an operation as a span attribute.
func RecordDuration(span trace.Span, name string, duration time.Duration) {
	span.SetAttributes(attribute.Int64(name+"_ms", duration.Milliseconds()))
}
