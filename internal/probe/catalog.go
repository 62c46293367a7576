package probe

import (
	"fmt"
	"os"
	"strings"
	"time"
)

// Well-known step names. Summaries read these out of the result map.
const (
	StepGitClone = "git_clone"
	StepInstall  = "install"
	StepBuild    = "build"
	StepTest     = "test"
	StepAudit    = "audit"

	// Pseudo-steps bracketing provisioning and teardown. They are reported
	// with the same events as real steps but never appear in a catalog.
	StepCreateSandbox = "create_sandbox"
	StepCleanup       = "cleanup"
)

// DefaultWorkdir is where the repository is cloned inside the sandbox.
const DefaultWorkdir = "/workspace/repo"

// StepDefinition is one verification step. Command and Workdir may reference
// ${REPO_URL}, ${REPO_REF} and ${WORKDIR}.
type StepDefinition struct {
	Name    string        `yaml:"name" json:"name"`
	Label   string        `yaml:"label" json:"label"`
	Command string        `yaml:"command" json:"command"`
	Timeout time.Duration `yaml:"timeout" json:"timeout"`
	Workdir string        `yaml:"workdir,omitempty" json:"workdir,omitempty"`

	// Gating steps abort the run when they exit non-zero.
	Gating bool `yaml:"gating" json:"gating"`
}

// Vars are the values substituted into step templates.
type Vars struct {
	RepoURL string
	Ref     string
	Workdir string
}

func (v Vars) lookup(name string) (string, bool) {
	switch name {
	case "REPO_URL":
		return v.RepoURL, true
	case "REPO_REF":
		return v.Ref, true
	case "WORKDIR":
		return v.Workdir, true
	}
	return "", false
}

// Render produces the shell command for the step. Substituted values are
// single-quoted since the repository reference comes from an untrusted caller.
// Other shell variables are left for the shell to expand.
func (d StepDefinition) Render(v Vars) string {
	cmd := os.Expand(d.Command, func(name string) string {
		if val, ok := v.lookup(name); ok {
			return shellQuote(val)
		}
		return "${" + name + "}"
	})
	if d.Workdir == "" {
		return cmd
	}

	dir := os.Expand(d.Workdir, func(name string) string {
		val, _ := v.lookup(name)
		return val
	})
	return "cd " + shellQuote(dir) + " && " + cmd
}

func shellQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}

// Catalog is the validated, ordered list of steps a run executes.
type Catalog struct {
	steps []StepDefinition
}

// NewCatalog validates steps and returns a catalog.
func NewCatalog(steps []StepDefinition) (*Catalog, error) {
	if len(steps) == 0 {
		return nil, fmt.Errorf("step catalog is empty")
	}

	seen := make(map[string]bool, len(steps))
	for i, s := range steps {
		switch {
		case s.Name == "":
			return nil, fmt.Errorf("step %d: name is required", i)
		case s.Name == StepCreateSandbox || s.Name == StepCleanup:
			return nil, fmt.Errorf("step %d: name %q is reserved", i, s.Name)
		case seen[s.Name]:
			return nil, fmt.Errorf("step %d: duplicate name %q", i, s.Name)
		case strings.TrimSpace(s.Command) == "":
			return nil, fmt.Errorf("step %q: command is required", s.Name)
		case s.Timeout <= 0:
			return nil, fmt.Errorf("step %q: timeout must be positive", s.Name)
		}
		seen[s.Name] = true
	}

	out := make([]StepDefinition, len(steps))
	copy(out, steps)
	for i := range out {
		if out[i].Label == "" {
			out[i].Label = out[i].Name
		}
	}
	return &Catalog{steps: out}, nil
}

// MustCatalog is like NewCatalog but panics on invalid input.
func MustCatalog(steps []StepDefinition) *Catalog {
	c, err := NewCatalog(steps)
	if err != nil {
		panic(err)
	}
	return c
}

// DefaultCatalog returns the built-in node/python verification sequence.
func DefaultCatalog() *Catalog {
	return MustCatalog(DefaultSteps())
}

// Steps returns a copy of the ordered steps.
func (c *Catalog) Steps() []StepDefinition {
	out := make([]StepDefinition, len(c.steps))
	copy(out, c.steps)
	return out
}

// Names returns the step names in execution order.
func (c *Catalog) Names() []string {
	names := make([]string, len(c.steps))
	for i, s := range c.steps {
		names[i] = s.Name
	}
	return names
}

// Len returns the number of steps.
func (c *Catalog) Len() int {
	return len(c.steps)
}

// DefaultSteps returns the built-in step definitions.
func DefaultSteps() []StepDefinition {
	return []StepDefinition{
		{
			Name:  StepGitClone,
			Label: "Cloning repository",
			Command: `git clone --depth 1 ${REPO_URL} ${WORKDIR} && ` +
				`if [ -n ${REPO_REF} ]; then cd ${WORKDIR} && git fetch --depth 1 origin ${REPO_REF} && git checkout --quiet FETCH_HEAD; fi`,
			Timeout: 120 * time.Second,
			Gating:  true,
		},
		{
			Name:  StepInstall,
			Label: "Installing dependencies",
			Command: `if [ -f package-lock.json ]; then npm ci --ignore-scripts; ` +
				`elif [ -f package.json ]; then npm install --ignore-scripts; ` +
				`elif [ -f requirements.txt ]; then pip install -r requirements.txt; ` +
				`elif [ -f pyproject.toml ]; then pip install .; ` +
				`else echo 'no dependency manifest found'; fi`,
			Timeout: 300 * time.Second,
			Workdir: "${WORKDIR}",
			Gating:  true,
		},
		{
			Name:  StepBuild,
			Label: "Building project",
			Command: `if [ -f package.json ] && grep -q '"build"' package.json; then npm run build; ` +
				`elif [ -f pyproject.toml ] || [ -f setup.py ]; then python -m compileall -q .; ` +
				`else echo 'no build step'; fi`,
			Timeout: 300 * time.Second,
			Workdir: "${WORKDIR}",
		},
		{
			Name:  StepTest,
			Label: "Running tests",
			Command: `if [ -f package.json ]; then npm test; ` +
				`elif [ -d tests ] || ls test_*.py >/dev/null 2>&1; then python -m pytest -q; ` +
				`else echo 'no tests found'; fi`,
			Timeout: 300 * time.Second,
			Workdir: "${WORKDIR}",
		},
		{
			Name:  StepAudit,
			Label: "Auditing dependencies",
			Command: `if [ -f package-lock.json ]; then npm audit --json; ` +
				`elif [ -f requirements.txt ]; then pip-audit -r requirements.txt -f json; ` +
				`else echo '{}'; fi`,
			Timeout: 120 * time.Second,
			Workdir: "${WORKDIR}",
		},
	}
}
