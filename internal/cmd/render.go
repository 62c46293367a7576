package cmd

import (
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/lipgloss/table"

	"github.com/christopher-igweze/clarity-check/internal/gate"
	"github.com/christopher-igweze/clarity-check/internal/probe"
)

// Styles holds the lipgloss styles used for human output.
type Styles struct {
	Title   lipgloss.Style
	Muted   lipgloss.Style
	Success lipgloss.Style
	Error   lipgloss.Style
	Warning lipgloss.Style
	Key     lipgloss.Style
}

var styles = defaultStyles()

func defaultStyles() Styles {
	return Styles{
		Title: lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("63")), // Purple
		Muted: lipgloss.NewStyle().
			Foreground(lipgloss.Color("241")), // Gray
		Success: lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("46")), // Green
		Error: lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("196")), // Red
		Warning: lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("226")), // Yellow
		Key: lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("99")),
	}
}

// stderrTailLines is how much stderr a failed step shows in verbose mode.
const stderrTailLines = 5

// eventPrinter is a probe.Sink that renders events as lines of text.
type eventPrinter struct {
	w       io.Writer
	verbose bool
}

func (p *eventPrinter) Emit(e probe.Event) error {
	switch ev := e.(type) {
	case probe.StepRunning:
		fmt.Fprintf(p.w, "%s %s %s\n", styles.Muted.Render("▸"), ev.Step, styles.Muted.Render(ev.Message))
	case probe.StepAborted:
		fmt.Fprintf(p.w, "%s %s\n", styles.Warning.Render("■ aborted at "+ev.Step), ev.Message)
	case probe.StepResult:
		p.result(ev)
	case probe.RunSummary:
		renderRunSummary(p.w, ev)
	case probe.ProbeError:
		fmt.Fprintf(p.w, "%s %s\n", styles.Error.Render("error:"), ev.Message)
	case probe.RawText:
		fmt.Fprintf(p.w, "%s %s\n", styles.Muted.Render("["+ev.Type+"]"), ev.Text)
	case probe.Done:
	}
	return nil
}

func (p *eventPrinter) result(r probe.StepResult) {
	d := r.Duration().Round(10 * time.Millisecond)
	if r.OK() {
		fmt.Fprintf(p.w, "  %s %s %s\n", styles.Success.Render("✓"), r.Step, styles.Muted.Render(d.String()))
		return
	}
	fmt.Fprintf(p.w, "  %s %s %s %s\n", styles.Error.Render("✗"), r.Step,
		styles.Error.Render("exit "+strconv.Itoa(r.ExitCode)), styles.Muted.Render(d.String()))
	if p.verbose && r.Stderr != "" {
		for _, line := range lastLines(r.Stderr, stderrTailLines) {
			fmt.Fprintf(p.w, "      %s\n", styles.Muted.Render(line))
		}
	}
}

func lastLines(s string, n int) []string {
	lines := strings.Split(strings.TrimRight(s, "\n"), "\n")
	if len(lines) > n {
		lines = lines[len(lines)-n:]
	}
	return lines
}

func renderRunSummary(w io.Writer, s probe.RunSummary) {
	fmt.Fprintln(w)
	fmt.Fprintln(w, styles.Title.Render("Summary"))
	fmt.Fprintf(w, "  %s %s\n", styles.Key.Render("install"), verdict(s.InstallOK))
	fmt.Fprintf(w, "  %s   %s\n", styles.Key.Render("build"), verdict(s.BuildOK))
	fmt.Fprintf(w, "  %s   %s %s\n", styles.Key.Render("tests"), verdict(s.TestsOK), testCounts(s))
	fmt.Fprintf(w, "  %s   %s\n", styles.Key.Render("audit"), optionalCount(s.AuditVulnerabilities, "vulnerabilities"))
	if s.AbortedAt != "" {
		fmt.Fprintf(w, "  %s\n", styles.Warning.Render("sequence stopped at "+s.AbortedAt))
	}
}

func verdict(ok bool) string {
	if ok {
		return styles.Success.Render("ok")
	}
	return styles.Error.Render("failed")
}

func testCounts(s probe.RunSummary) string {
	if s.TestsPassed == nil && s.TestsFailed == nil {
		return ""
	}
	return styles.Muted.Render(fmt.Sprintf("(%s passed, %s failed)", intOrDash(s.TestsPassed), intOrDash(s.TestsFailed)))
}

func optionalCount(n *int, noun string) string {
	if n == nil {
		return styles.Muted.Render("unknown")
	}
	return fmt.Sprintf("%d %s", *n, noun)
}

func intOrDash(n *int) string {
	if n == nil {
		return "-"
	}
	return strconv.Itoa(*n)
}

// renderGate prints the per-repository table and the verdict.
func renderGate(w io.Writer, s gate.ValidationSummary, res gate.Result) {
	if len(s.Repos) > 0 {
		t := table.New().
			Border(lipgloss.NormalBorder()).
			BorderStyle(styles.Muted).
			Headers("REPOSITORY", "RUNS", "SUCCESS", "MEAN", "CV")
		for _, r := range s.Repos {
			t.Row(
				r.Repo,
				fmt.Sprintf("%d/%d", r.SuccessCount, r.RunCount),
				fmt.Sprintf("%.3f", r.SuccessRate),
				(time.Duration(r.MeanDurationMs) * time.Millisecond).Round(time.Millisecond).String(),
				fmt.Sprintf("%.3f", r.DurationCV),
			)
		}
		fmt.Fprintln(w, t.Render())
	}

	fmt.Fprintf(w, "%s %d repositories, %d runs, avg success %.3f, max cv %.3f\n",
		styles.Key.Render("campaign"), s.RepoCount, s.RunCount, s.AvgSuccessRate, s.MaxDurationCV)
	if res.Passed {
		fmt.Fprintln(w, styles.Success.Render("gate passed"))
		return
	}
	fmt.Fprintln(w, styles.Error.Render("gate failed"))
	for _, reason := range res.Reasons {
		fmt.Fprintf(w, "  • %s\n", reason)
	}
}
