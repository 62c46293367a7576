package probe

import (
	"encoding/hex"
	"io"
	"time"

	"github.com/zeebo/blake3"
)

// ExitExecutionFailure is the exit code reported when a command could not be
// run at all, as opposed to running and failing.
const ExitExecutionFailure = -1

// StepResult is produced exactly once per executed step.
type StepResult struct {
	Step       string `json:"step"`
	ExitCode   int    `json:"exit_code"`
	Stdout     string `json:"stdout"`
	Stderr     string `json:"stderr"`
	DurationMs int64  `json:"duration_ms"`

	// OutputDigest is the BLAKE3 digest of the untruncated stdout and stderr.
	OutputDigest string `json:"output_digest,omitempty"`

	// counts is parsed from the untruncated output by the sequencer. It is
	// nil on results decoded from the wire; Summarize then parses Stdout.
	counts *outputCounts
}

// outputCounts is what the heuristic parsers found in a step's full output.
type outputCounts struct {
	testsPassed     *int
	testsFailed     *int
	vulnerabilities int
}

// countOutput runs the parser that matters for step, if any.
func countOutput(step, stdout, stderr string) *outputCounts {
	switch step {
	case StepTest:
		passed, failed := ParseTestCounts(stdout + "\n" + stderr)
		return &outputCounts{testsPassed: passed, testsFailed: failed}
	case StepAudit:
		return &outputCounts{vulnerabilities: ParseAuditVulnerabilities(stdout)}
	}
	return nil
}

// OK reports whether the step exited zero.
func (r StepResult) OK() bool {
	return r.ExitCode == 0
}

// Duration returns the elapsed time of the step.
func (r StepResult) Duration() time.Duration {
	return time.Duration(r.DurationMs) * time.Millisecond
}

func outputDigest(stdout, stderr string) string {
	h := blake3.New()
	_, _ = io.WriteString(h, stdout)
	_, _ = h.Write([]byte{0})
	_, _ = io.WriteString(h, stderr)
	return hex.EncodeToString(h.Sum(nil))
}

// RunSummary is the aggregate of one run. Counts are nil when the step that
// would produce them never ran; nil means unknown, zero means counted.
type RunSummary struct {
	InstallOK            bool                  `json:"install_ok"`
	BuildOK              bool                  `json:"build_ok"`
	TestsOK              bool                  `json:"tests_ok"`
	TestsPassed          *int                  `json:"tests_passed"`
	TestsFailed          *int                  `json:"tests_failed"`
	AuditVulnerabilities *int                  `json:"audit_vulnerabilities"`
	Results              map[string]StepResult `json:"results"`

	// AbortedAt names the step that stopped the sequence, if any.
	AbortedAt string `json:"aborted_at,omitempty"`
}

// Summarize derives a RunSummary from the well-known steps in results.
func Summarize(results map[string]StepResult) RunSummary {
	s := RunSummary{Results: make(map[string]StepResult, len(results))}
	for k, v := range results {
		s.Results[k] = v
	}

	if r, ok := results[StepInstall]; ok {
		s.InstallOK = r.OK()
	}
	if r, ok := results[StepBuild]; ok {
		s.BuildOK = r.OK()
	}
	if r, ok := results[StepTest]; ok {
		s.TestsOK = r.OK()
		c := r.outputCounts()
		s.TestsPassed, s.TestsFailed = c.testsPassed, c.testsFailed
	}
	if r, ok := results[StepAudit]; ok {
		n := r.outputCounts().vulnerabilities
		s.AuditVulnerabilities = &n
	}
	return s
}

func (r StepResult) outputCounts() *outputCounts {
	if r.counts != nil {
		return r.counts
	}
	if c := countOutput(r.Step, r.Stdout, r.Stderr); c != nil {
		return c
	}
	return &outputCounts{}
}

// Healthy reports whether install, build and tests all passed.
func (s RunSummary) Healthy() bool {
	return s.InstallOK && s.BuildOK && s.TestsOK
}
