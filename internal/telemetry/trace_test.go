package telemetry

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

func useRecorder(t *testing.T) *tracetest.SpanRecorder {
	t.Helper()
	rec := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(rec))

	providerMu.Lock()
	prev := globalProvider
	globalProvider = tp
	providerMu.Unlock()

	t.Cleanup(func() {
		providerMu.Lock()
		globalProvider = prev
		providerMu.Unlock()
		_ = tp.Shutdown(context.Background())
	})
	return rec
}

func attrMap(attrs []attribute.KeyValue) map[string]attribute.Value {
	m := make(map[string]attribute.Value, len(attrs))
	for _, a := range attrs {
		m[string(a.Key)] = a.Value
	}
	return m
}

func TestRunAndStepSpans(t *testing.T) {
	rec := useRecorder(t)

	ctx, run := StartRunSpan(context.Background(), "run-1", "https://github.com/acme/app")
	_, step := StartStepSpan(ctx, "install")
	RecordDuration(step, "exec", 1500*time.Millisecond)
	RecordError(step, errors.New("exit 1"))
	step.End()
	RecordSuccess(run, attribute.Bool("tests_ok", true))
	run.End()

	spans := rec.Ended()
	require.Len(t, spans, 2)

	stepSpan, runSpan := spans[0], spans[1]
	assert.Equal(t, "probe.step.install", stepSpan.Name())
	assert.Equal(t, runSpan.SpanContext().SpanID(), stepSpan.Parent().SpanID())
	assert.Equal(t, codes.Error, stepSpan.Status().Code)
	assert.Equal(t, int64(1500), attrMap(stepSpan.Attributes())["exec_ms"].AsInt64())

	attrs := attrMap(runSpan.Attributes())
	assert.Equal(t, "probe.run", runSpan.Name())
	assert.Equal(t, "run-1", attrs["run_id"].AsString())
	assert.True(t, attrs["tests_ok"].AsBool())
	assert.Equal(t, codes.Ok, runSpan.Status().Code)
}

func TestRecordErrorNil(t *testing.T) {
	rec := useRecorder(t)

	_, span := StartSandboxSpan(context.Background(), "create")
	RecordError(span, nil)
	span.End()

	require.Len(t, rec.Ended(), 1)
	assert.Equal(t, codes.Unset, rec.Ended()[0].Status().Code)
}

func TestInitProviderDisabled(t *testing.T) {
	shutdown, err := InitProvider(context.Background(), DefaultConfig())
	require.NoError(t, err)
	assert.NoError(t, shutdown(context.Background()))
	assert.NoError(t, Shutdown(context.Background()))

	_, span := StartRunSpan(context.Background(), "r", "repo")
	assert.False(t, span.SpanContext().IsValid(), "noop provider should produce invalid span contexts")
	span.End()
}

func TestInitProviderEnabledWithoutEndpoint(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Enabled = true
	cfg.SampleRate = 0.5

	shutdown, err := InitProvider(context.Background(), cfg)
	require.NoError(t, err)
	t.Cleanup(func() {
		_ = shutdown(context.Background())
		_, _ = InitProvider(context.Background(), DefaultConfig())
	})

	_, ok := GetTracerProvider().(*sdktrace.TracerProvider)
	assert.True(t, ok)
}
