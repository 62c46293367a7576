package cmd

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/christopher-igweze/clarity-check/internal/campaign"
	"github.com/christopher-igweze/clarity-check/internal/config"
	"github.com/christopher-igweze/clarity-check/internal/errors"
	"github.com/christopher-igweze/clarity-check/internal/exitcode"
	"github.com/christopher-igweze/clarity-check/internal/gate"
	"github.com/christopher-igweze/clarity-check/internal/log"
	"github.com/christopher-igweze/clarity-check/internal/probe"
	"github.com/christopher-igweze/clarity-check/internal/sse"
	"github.com/christopher-igweze/clarity-check/internal/stream"
)

func intPtr(n int) *int { return &n }

// execute runs the root command with args and returns stdout.
func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetErr(io.Discard)
	rootCmd.SetArgs(args)
	t.Cleanup(func() {
		rootCmd.SetOut(nil)
		rootCmd.SetErr(nil)
		rootCmd.SetArgs(nil)
	})
	err := rootCmd.ExecuteContext(context.Background())
	return out.String(), err
}

func writeTemp(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestParseTargets(t *testing.T) {
	tests := []struct {
		arg  string
		want campaign.Target
	}{
		{"https://github.com/acme/api", campaign.Target{Repo: "https://github.com/acme/api"}},
		{"https://github.com/acme/web@main", campaign.Target{Repo: "https://github.com/acme/web", Ref: "main"}},
		{"git@github.com:acme/api.git", campaign.Target{Repo: "git@github.com:acme/api.git"}},
		{"git@github.com:acme/api.git@v1.2.0", campaign.Target{Repo: "git@github.com:acme/api.git", Ref: "v1.2.0"}},
		{"https://user@host.example/repo", campaign.Target{Repo: "https://user@host.example/repo"}},
	}
	for _, tt := range tests {
		t.Run(tt.arg, func(t *testing.T) {
			got := parseTargets([]string{tt.arg})
			require.Len(t, got, 1)
			assert.Equal(t, tt.want, got[0])
		})
	}
	assert.Empty(t, parseTargets(nil))
}

func TestParseGateInputSummary(t *testing.T) {
	s, err := parseGateInput([]byte(`
repos:
  - repo: r1
    run_count: 3
    success_count: 2
    success_rate: 0.667
    duration_cv: 0.433
repo_count: 1
run_count: 3
avg_success_rate: 0.667
max_duration_cv: 0.433
`))
	require.NoError(t, err)
	assert.Equal(t, 1, s.RepoCount)
	require.Len(t, s.Repos, 1)
	assert.Equal(t, 0.433, s.Repos[0].DurationCV)
}

func TestParseGateInputJSON(t *testing.T) {
	s, err := parseGateInput([]byte(`{"repos":[{"repo":"a","run_count":3,"success_count":3,"success_rate":1}],"repo_count":1}`))
	require.NoError(t, err)
	assert.Equal(t, "a", s.Repos[0].Repo)
}

func TestParseGateInputRuns(t *testing.T) {
	s, err := parseGateInput([]byte(`
runs:
  - {repo: a, success: true, duration: 100ms}
  - {repo: a, success: true, duration: 200ms}
  - {repo: a, success: false, duration: 300ms}
  - {repo: b, language: go, success: true, duration: 1s}
`))
	require.NoError(t, err)
	assert.Equal(t, 2, s.RepoCount)
	assert.Equal(t, 4, s.RunCount)
	require.Len(t, s.Repos, 2)
	assert.Equal(t, "a", s.Repos[0].Repo)
	assert.Equal(t, 2, s.Repos[0].SuccessCount)
	assert.InDelta(t, 200.0, s.Repos[0].MeanDurationMs, 1e-9)
	assert.Equal(t, "go", s.Repos[1].Language)
}

func TestParseGateInputErrors(t *testing.T) {
	tests := map[string]string{
		"unknown key":  "repoz: []\n",
		"both shapes":  "repos: [{repo: a}]\nruns: [{repo: a, success: true}]\n",
		"run no repo":  "runs: [{success: true}]\n",
		"bad duration": "runs: [{repo: a, duration: soon}]\n",
	}
	for name, input := range tests {
		t.Run(name, func(t *testing.T) {
			_, err := parseGateInput([]byte(input))
			assert.Error(t, err)
		})
	}
}

func TestParseGateInputEmpty(t *testing.T) {
	s, err := parseGateInput(nil)
	require.NoError(t, err)
	res := gate.Evaluate(s, gate.DefaultThresholds())
	assert.False(t, res.Passed)
	assert.Equal(t, []string{"no_repositories_evaluated"}, res.Reasons)
}

func TestEventPrinter(t *testing.T) {
	var buf bytes.Buffer
	p := &eventPrinter{w: &buf, verbose: true}

	events := []probe.Event{
		probe.StepRunning{Step: "npm_install", Message: "Installing dependencies"},
		probe.StepResult{Step: "npm_install", ExitCode: 1, Stderr: "a\nb\nc\nd\ne\nf\nERR! missing peer\n", DurationMs: 1234},
		probe.StepAborted{Step: "npm_install", Message: "stopping: install failed"},
		probe.RunSummary{TestsPassed: intPtr(18), TestsFailed: intPtr(0), AbortedAt: "npm_install"},
		probe.ProbeError{Message: "sandbox vanished"},
		probe.RawText{Type: "heartbeat", Text: "still here"},
		probe.Done{},
	}
	for _, e := range events {
		require.NoError(t, p.Emit(e))
	}

	out := buf.String()
	for _, want := range []string{
		"npm_install", "Installing dependencies",
		"exit 1", "1.23s", "ERR! missing peer",
		"aborted at npm_install", "stopping: install failed",
		"Summary", "(18 passed, 0 failed)", "unknown", "sequence stopped at npm_install",
		"sandbox vanished",
		"[heartbeat]", "still here",
	} {
		assert.Contains(t, out, want)
	}
	assert.NotContains(t, out, "      b\n", "only the stderr tail is shown")
}

func TestLastLines(t *testing.T) {
	assert.Equal(t, []string{"c", "d"}, lastLines("a\nb\nc\nd\n", 2))
	assert.Equal(t, []string{"only"}, lastLines("only", 5))
}

func TestRenderGate(t *testing.T) {
	s := gate.ValidationSummary{
		Repos: []gate.RepoRunRecord{{
			Repo: "https://github.com/acme/api", RunCount: 3, SuccessCount: 2,
			SuccessRate: 2.0 / 3.0, MeanDurationMs: 1500, DurationCV: 0.433,
		}},
		RepoCount: 1, RunCount: 3, AvgSuccessRate: 2.0 / 3.0, MaxDurationCV: 0.433,
	}
	res := gate.Evaluate(s, gate.DefaultThresholds())

	var buf bytes.Buffer
	renderGate(&buf, s, res)
	out := buf.String()

	assert.Contains(t, out, "https://github.com/acme/api")
	assert.Contains(t, out, "2/3")
	assert.Contains(t, out, "1.5s")
	assert.Contains(t, out, "gate failed")
	assert.Contains(t, out, "success_rate_below_threshold:https://github.com/acme/api:0.667")
	assert.Contains(t, out, "duration_variance_above_threshold:https://github.com/acme/api:0.433")
}

func TestNewProbeReport(t *testing.T) {
	start := time.Now()
	rep := &probe.Report{
		RunID:       "run-1",
		Repo:        "https://x/y",
		State:       probe.StateDone,
		Trace:       []probe.State{probe.StateIdle, probe.StateProvisioning, probe.StateTearingDown, probe.StateDone},
		Err:         errors.NewProvisioningError("docker", fmt.Errorf("daemon down")),
		TeardownErr: nil,
		StartedAt:   start,
		FinishedAt:  start.Add(1500 * time.Millisecond),
	}

	got := newProbeReport(rep, []string{probe.EventError, probe.EventDone})
	assert.Equal(t, "provisioning_failed", got.Outcome)
	assert.Equal(t, int64(1500), got.DurationMs)
	assert.Contains(t, got.Error, "SANDBOX-001")
	assert.Empty(t, got.Teardown)

	data, err := json.Marshal(got)
	require.NoError(t, err)
	assert.Contains(t, string(data), `"states":["idle","provisioning_environment","tearing_down","done"]`)
	assert.NotContains(t, string(data), "summary")
}

func sseHandler(blocks ...string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		for _, b := range blocks {
			_, _ = io.WriteString(w, b)
		}
	}
}

func block(t *testing.T, e probe.Event) string {
	t.Helper()
	b, err := sse.Marshal(e.EventType(), e)
	require.NoError(t, err)
	return string(b)
}

func TestWatcher(t *testing.T) {
	healthy := probe.RunSummary{InstallOK: true, BuildOK: true, TestsOK: true}
	unhealthy := probe.RunSummary{InstallOK: true, BuildOK: true}

	tests := []struct {
		name     string
		blocks   func(t *testing.T) []string
		wantCode int
	}{
		{"passing run", func(t *testing.T) []string {
			return []string{block(t, probe.StepRunning{Step: "git_clone"}), block(t, healthy), "data: [DONE]\n\n"}
		}, exitcode.Success},
		{"failing tests", func(t *testing.T) []string {
			return []string{block(t, unhealthy), "data: [DONE]\n\n"}
		}, exitcode.ProbeFailed},
		{"probe error", func(t *testing.T) []string {
			return []string{block(t, probe.ProbeError{Message: "boom"}), block(t, healthy), "data: [DONE]\n\n"}
		}, exitcode.ProbeFailed},
		{"no summary", func(t *testing.T) []string {
			return []string{block(t, probe.StepRunning{Step: "git_clone"})}
		}, exitcode.ProbeFailed},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ts := httptest.NewServer(sseHandler(tt.blocks(t)...))
			defer ts.Close()

			var buf bytes.Buffer
			w := &watcher{printer: &eventPrinter{w: &buf}}
			client := stream.NewClient(stream.WithLogger(log.Nop()), stream.WithHTTPClient(ts.Client()))
			err := w.watch(context.Background(), client, stream.Request{URL: ts.URL, Body: probe.Request{RepoURL: "https://x/y"}})
			assert.Equal(t, tt.wantCode, exitcode.DetermineExitCode(err), "err = %v", err)
		})
	}
}

func TestWatcherTransportError(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "busy", http.StatusTooManyRequests)
	}))
	defer ts.Close()

	w := &watcher{printer: &eventPrinter{w: io.Discard}}
	client := stream.NewClient(stream.WithLogger(log.Nop()), stream.WithHTTPClient(ts.Client()))
	err := w.watch(context.Background(), client, stream.Request{URL: ts.URL})
	assert.True(t, errors.HasCode(err, errors.ErrCodeStreamTransport))
	assert.Equal(t, exitcode.NetworkError, exitcode.DetermineExitCode(err))
}

func TestGateCommand(t *testing.T) {
	passing := writeTemp(t, "pass.yaml", `
runs:
  - {repo: a, success: true, duration: 100ms}
  - {repo: a, success: true, duration: 110ms}
  - {repo: a, success: true, duration: 105ms}
`)
	failing := writeTemp(t, "fail.yaml", `
runs:
  - {repo: a, success: true, duration: 100ms}
  - {repo: a, success: false, duration: 200ms}
  - {repo: a, success: true, duration: 300ms}
`)

	out, err := execute(t, "gate", passing, "--json=false")
	require.NoError(t, err)
	assert.Contains(t, out, "gate passed")

	out, err = execute(t, "gate", failing, "--json=false")
	require.Error(t, err)
	assert.Equal(t, exitcode.GateFailed, exitcode.DetermineExitCode(err))
	assert.Contains(t, out, "success_rate_below_threshold:a:0.667")
	assert.Contains(t, out, "duration_variance_above_threshold:a:0.408")

	out, err = execute(t, "gate", failing, "--json", "--min-success-rate", "0.5", "--max-duration-cv", "0.5")
	require.NoError(t, err)
	var verdict struct {
		Passed  bool                   `json:"passed"`
		Reasons []string               `json:"reasons"`
		Summary gate.ValidationSummary `json:"summary"`
	}
	require.NoError(t, json.Unmarshal([]byte(out), &verdict))
	assert.True(t, verdict.Passed)
	assert.Empty(t, verdict.Reasons)
	assert.Equal(t, 3, verdict.Summary.RunCount)
}

func TestGateCommandInvalidThresholds(t *testing.T) {
	path := writeTemp(t, "s.yaml", "repo_count: 0\n")
	_, err := execute(t, "gate", path, "--json=false", "--min-success-rate", "1.5", "--max-duration-cv", "0.35")
	require.Error(t, err)
	assert.Equal(t, exitcode.ConfigError, exitcode.DetermineExitCode(err))
}

func TestConfigCommands(t *testing.T) {
	t.Cleanup(func() { configPath = "" })
	path := writeTemp(t, "clarity.yaml", "server:\n  addr: \":9191\"\n")

	out, err := execute(t, "--config", path, "config", "show")
	require.NoError(t, err)
	assert.Contains(t, out, ":9191")
	assert.Contains(t, out, "git_clone")

	_, err = config.Parse([]byte(out))
	require.NoError(t, err, "shown configuration must load back")

	out, err = execute(t, "--config", path, "config", "validate")
	require.NoError(t, err)
	assert.Contains(t, out, "valid")

	bad := writeTemp(t, "bad.yaml", "sandbox:\n  provider: lambda\n")
	_, err = execute(t, "--config", bad, "config", "validate")
	require.Error(t, err)
	assert.Equal(t, exitcode.ConfigError, exitcode.DetermineExitCode(err))
}

func TestVersionCommand(t *testing.T) {
	out, err := execute(t, "version", "--json=false", "--verbose=false")
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(out, "clarity "), out)
}

type drainFunc func() error

func (f drainFunc) Drain() error { return f() }

func TestDrainEventsLogsFailure(t *testing.T) {
	var buf bytes.Buffer
	logger := log.New(log.Config{Level: log.LevelInfo, Format: log.FormatJSON, Output: &buf})

	drainEvents(drainFunc(func() error { return nil }), logger)
	assert.Empty(t, buf.String())

	drainEvents(drainFunc(func() error { return fmt.Errorf("nats: connection closed") }), logger)
	assert.Contains(t, buf.String(), "failed to drain event bus connection")
	assert.Contains(t, buf.String(), "connection closed")
}
