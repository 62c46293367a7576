package campaign

import (
	"context"
	stderrors "errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/christopher-igweze/clarity-check/internal/errors"
	"github.com/christopher-igweze/clarity-check/internal/gate"
	"github.com/christopher-igweze/clarity-check/internal/log"
	"github.com/christopher-igweze/clarity-check/internal/metrics"
	"github.com/christopher-igweze/clarity-check/internal/probe"
)

// scriptedProber fails the listed attempts per repo and reports a fixed
// duration per attempt.
type scriptedProber struct {
	mu        sync.Mutex
	attempts  map[string]int
	failing   map[string][]bool
	durations map[string][]time.Duration

	inFlight    atomic.Int32
	maxInFlight atomic.Int32
	runIDs      []string
}

func (p *scriptedProber) Run(ctx context.Context, req probe.Request, sink probe.Sink) (*probe.Report, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}
	n := p.inFlight.Add(1)
	defer p.inFlight.Add(-1)
	for {
		cur := p.maxInFlight.Load()
		if n <= cur || p.maxInFlight.CompareAndSwap(cur, n) {
			break
		}
	}
	time.Sleep(2 * time.Millisecond)

	p.mu.Lock()
	i := p.attempts[req.RepoURL]
	p.attempts[req.RepoURL]++
	p.runIDs = append(p.runIDs, req.RunID)
	fail := i < len(p.failing[req.RepoURL]) && p.failing[req.RepoURL][i]
	d := 100 * time.Millisecond
	if i < len(p.durations[req.RepoURL]) {
		d = p.durations[req.RepoURL][i]
	}
	p.mu.Unlock()

	summary := &probe.RunSummary{InstallOK: true, BuildOK: true, TestsOK: !fail}
	_ = sink.Emit(*summary)
	start := time.Unix(0, 0)
	return &probe.Report{
		RunID:      req.RunID,
		Repo:       req.RepoURL,
		Summary:    summary,
		StartedAt:  start,
		FinishedAt: start.Add(d),
	}, nil
}

func newProber() *scriptedProber {
	return &scriptedProber{
		attempts:  map[string]int{},
		failing:   map[string][]bool{},
		durations: map[string][]time.Duration{},
	}
}

func TestRunnerPassingCampaign(t *testing.T) {
	p := newProber()
	m := metrics.NewMetrics(prometheus.NewRegistry())
	r, err := NewRunner(p, Config{RunsPerRepo: 5, Concurrency: 3, Thresholds: gate.DefaultThresholds()},
		WithLogger(log.Nop()), WithMetrics(m))
	require.NoError(t, err)

	res, err := r.Run(context.Background(), []Target{
		{Repo: "https://github.com/acme/a", Language: "node"},
		{Repo: "https://github.com/acme/b", Language: "python"},
	})
	require.NoError(t, err)

	assert.True(t, res.Gate.Passed)
	assert.Empty(t, res.Gate.Reasons)
	assert.Len(t, res.Reports, 10)
	require.Len(t, res.Summary.Repos, 2)
	assert.Equal(t, "https://github.com/acme/a", res.Summary.Repos[0].Repo)
	assert.Equal(t, "node", res.Summary.Repos[0].Language)
	assert.Equal(t, 5, res.Summary.Repos[1].RunCount)
	assert.LessOrEqual(t, p.maxInFlight.Load(), int32(3))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.GateEvaluations.WithLabelValues("true")))
}

func TestRunnerFailingCampaign(t *testing.T) {
	p := newProber()
	repo := "https://github.com/acme/b"
	p.failing[repo] = []bool{false, true, false}
	ms := time.Millisecond
	p.durations[repo] = []time.Duration{100 * ms, 200 * ms, 300 * ms}

	r, err := NewRunner(p, Config{RunsPerRepo: 3, Concurrency: 1, Thresholds: gate.DefaultThresholds()}, WithLogger(log.Nop()))
	require.NoError(t, err)

	res, err := r.Run(context.Background(), []Target{{Repo: repo}})
	require.NoError(t, err)

	assert.False(t, res.Gate.Passed)
	assert.Equal(t, []string{
		"success_rate_below_threshold:" + repo + ":0.667",
		"duration_variance_above_threshold:" + repo + ":0.408",
	}, res.Gate.Reasons)
}

func TestRunnerAssignsRunIDsAndSinks(t *testing.T) {
	p := newProber()
	var mu sync.Mutex
	got := map[string]int{}

	r, err := NewRunner(p, Config{RunsPerRepo: 2, Concurrency: 2},
		WithLogger(log.Nop()),
		WithRunIDs(func(repo, attempt int) string { return fmt.Sprintf("r%d-a%d", repo, attempt) }),
		WithSinks(func(runID string, t Target) probe.Sink {
			return probe.SinkFunc(func(probe.Event) error {
				mu.Lock()
				defer mu.Unlock()
				got[runID]++
				return nil
			})
		}),
	)
	require.NoError(t, err)

	res, err := r.Run(context.Background(), []Target{{Repo: "https://x/a"}, {Repo: "https://x/b"}})
	require.NoError(t, err)

	assert.Equal(t, map[string]int{"r0-a0": 1, "r0-a1": 1, "r1-a0": 1, "r1-a1": 1}, got)
	assert.Equal(t, "r1-a1", res.Reports[3].RunID)
}

func TestRunnerInvalidTargetFails(t *testing.T) {
	r, err := NewRunner(newProber(), DefaultConfig(), WithLogger(log.Nop()))
	require.NoError(t, err)

	_, err = r.Run(context.Background(), []Target{{Repo: "not a url"}})
	require.Error(t, err)
	assert.True(t, errors.HasCode(err, errors.ErrCodeProbeRequest))
}

func TestRunnerCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	r, err := NewRunner(newProber(), DefaultConfig(), WithLogger(log.Nop()))
	require.NoError(t, err)

	_, err = r.Run(ctx, []Target{{Repo: "https://x/a"}})
	assert.True(t, stderrors.Is(err, context.Canceled))
}

func TestRunnerEmptyCampaign(t *testing.T) {
	r, err := NewRunner(newProber(), DefaultConfig(), WithLogger(log.Nop()))
	require.NoError(t, err)

	res, err := r.Run(context.Background(), nil)
	require.NoError(t, err)
	assert.Equal(t, []string{gate.CodeNoRepositories}, res.Gate.Reasons)
}

func TestConfigValidate(t *testing.T) {
	assert.NoError(t, DefaultConfig().Validate())
	assert.Error(t, Config{RunsPerRepo: 0, Concurrency: 1}.Validate())
	assert.Error(t, Config{RunsPerRepo: 1, Concurrency: 0}.Validate())
	assert.Error(t, Config{RunsPerRepo: 1, Concurrency: 1, Thresholds: gate.Thresholds{MinSuccessRate: 2}}.Validate())

	_, err := NewRunner(newProber(), Config{})
	assert.Error(t, err)
}

func TestSucceeded(t *testing.T) {
	healthy := &probe.RunSummary{InstallOK: true, BuildOK: true, TestsOK: true}
	assert.True(t, Succeeded(&probe.Report{Summary: healthy}))
	assert.False(t, Succeeded(nil))
	assert.False(t, Succeeded(&probe.Report{}))
	assert.False(t, Succeeded(&probe.Report{Summary: healthy, Err: stderrors.New("panic")}))
	assert.False(t, Succeeded(&probe.Report{Summary: &probe.RunSummary{InstallOK: true, BuildOK: true}}))
}
