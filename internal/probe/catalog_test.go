package probe

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultCatalog(t *testing.T) {
	c := DefaultCatalog()
	assert.Equal(t, []string{StepGitClone, StepInstall, StepBuild, StepTest, StepAudit}, c.Names())

	gating := map[string]bool{}
	for _, s := range c.Steps() {
		gating[s.Name] = s.Gating
		assert.Positive(t, s.Timeout, s.Name)
		assert.NotEmpty(t, s.Label, s.Name)
	}
	assert.Equal(t, map[string]bool{
		StepGitClone: true,
		StepInstall:  true,
		StepBuild:    false,
		StepTest:     false,
		StepAudit:    false,
	}, gating)
}

func TestCatalogStepsIsACopy(t *testing.T) {
	c := DefaultCatalog()
	steps := c.Steps()
	steps[0].Name = "mutated"
	assert.Equal(t, StepGitClone, c.Names()[0])
}

func TestNewCatalogValidation(t *testing.T) {
	ok := StepDefinition{Name: "lint", Command: "make lint", Timeout: time.Second}

	tests := []struct {
		name  string
		steps []StepDefinition
		want  string
	}{
		{"empty", nil, "empty"},
		{"no name", []StepDefinition{{Command: "x", Timeout: time.Second}}, "name is required"},
		{"reserved create", []StepDefinition{{Name: StepCreateSandbox, Command: "x", Timeout: time.Second}}, "reserved"},
		{"reserved cleanup", []StepDefinition{{Name: StepCleanup, Command: "x", Timeout: time.Second}}, "reserved"},
		{"duplicate", []StepDefinition{ok, ok}, "duplicate"},
		{"blank command", []StepDefinition{{Name: "a", Command: "  ", Timeout: time.Second}}, "command is required"},
		{"zero timeout", []StepDefinition{{Name: "a", Command: "x"}}, "timeout must be positive"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewCatalog(tt.steps)
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}

func TestNewCatalogDefaultsLabel(t *testing.T) {
	c, err := NewCatalog([]StepDefinition{{Name: "lint", Command: "make lint", Timeout: time.Second}})
	require.NoError(t, err)
	assert.Equal(t, "lint", c.Steps()[0].Label)
}

func TestMustCatalogPanics(t *testing.T) {
	assert.Panics(t, func() { MustCatalog(nil) })
}

func TestRender(t *testing.T) {
	vars := Vars{RepoURL: "https://github.com/acme/app.git", Ref: "main", Workdir: "/workspace/repo"}

	tests := []struct {
		name string
		step StepDefinition
		want string
	}{
		{
			name: "substitutes quoted values",
			step: StepDefinition{Command: "git clone ${REPO_URL} ${WORKDIR}"},
			want: "git clone 'https://github.com/acme/app.git' '/workspace/repo'",
		},
		{
			name: "bare form",
			step: StepDefinition{Command: "echo $REPO_REF"},
			want: "echo 'main'",
		},
		{
			name: "unknown variables are left for the shell",
			step: StepDefinition{Command: "echo ${HOME} $PATH"},
			want: "echo ${HOME} ${PATH}",
		},
		{
			name: "workdir prefix",
			step: StepDefinition{Command: "npm test", Workdir: "${WORKDIR}"},
			want: "cd '/workspace/repo' && npm test",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.step.Render(vars))
		})
	}
}

func TestRenderQuotesHostileInput(t *testing.T) {
	step := StepDefinition{Command: "git clone ${REPO_URL}"}
	got := step.Render(Vars{RepoURL: "https://x/y';rm -rf /;'"})
	assert.Equal(t, `git clone 'https://x/y'\'';rm -rf /;'\'''`, got)
}

func TestRenderEmptyRef(t *testing.T) {
	step := StepDefinition{Command: "[ -n ${REPO_REF} ]"}
	assert.Equal(t, "[ -n '' ]", step.Render(Vars{}))
}
