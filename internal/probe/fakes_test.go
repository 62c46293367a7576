package probe

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/christopher-igweze/clarity-check/internal/errors"
	"github.com/christopher-igweze/clarity-check/internal/sandbox"
)

type fakeExec struct {
	code   int
	stdout string
	stderr string
	err    error

	// noResult makes Execute return neither a result nor an error.
	noResult bool
}

// fakeDriver answers Execute from a table keyed by the rendered command.
type fakeDriver struct {
	mu sync.Mutex

	createErr   error
	createPanic bool
	execs       map[string]fakeExec
	onExec      func(command string)
	destroyErr  error

	executed       []string
	destroyCalls   int
	destroyCtxErrs []error
}

func newFakeDriver() *fakeDriver {
	return &fakeDriver{execs: map[string]fakeExec{}}
}

func (f *fakeDriver) Create(ctx context.Context) (*sandbox.Handle, error) {
	if f.createPanic {
		panic("driver exploded")
	}
	if f.createErr != nil {
		return nil, f.createErr
	}
	return &sandbox.Handle{ID: "sb-test", Provider: "fake", CreatedAt: time.Now()}, nil
}

func (f *fakeDriver) Execute(ctx context.Context, h *sandbox.Handle, command string, timeout time.Duration) (*sandbox.ExecResult, error) {
	f.mu.Lock()
	f.executed = append(f.executed, command)
	hook := f.onExec
	res := f.execs[command]
	f.mu.Unlock()

	if hook != nil {
		hook(command)
	}
	if res.err != nil {
		return nil, errors.NewExecutionError(h.ID, res.err)
	}
	if res.noResult {
		return nil, nil
	}
	return &sandbox.ExecResult{ExitCode: res.code, Stdout: res.stdout, Stderr: res.stderr, Duration: time.Millisecond}, nil
}

func (f *fakeDriver) Destroy(ctx context.Context, h *sandbox.Handle) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.destroyCalls++
	f.destroyCtxErrs = append(f.destroyCtxErrs, ctx.Err())
	return f.destroyErr
}

func (f *fakeDriver) executedCommands() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.executed...)
}

var testHandle = &sandbox.Handle{ID: "sb-test", Provider: "fake"}

// testCatalog mirrors the default sequence with commands equal to step names.
func testCatalog() *Catalog {
	steps := DefaultSteps()
	for i := range steps {
		steps[i].Command = steps[i].Name
		steps[i].Workdir = ""
	}
	return MustCatalog(steps)
}

func fixedIDs() func() string {
	n := 0
	return func() string {
		n++
		return fmt.Sprintf("run-%d", n)
	}
}
