// Package sandbox provisions isolated execution environments for untrusted
// repositories and runs shell commands inside them.
package sandbox

import (
	"context"
	"time"
)

// Handle identifies one provisioned sandbox. It is owned by a single probe
// run, which is the only caller allowed to destroy it.
type Handle struct {
	ID        string
	Provider  string
	CreatedAt time.Time
}

// ExecResult is the outcome of a command that ran to completion. A non-zero
// ExitCode is a normal result, not an error.
type ExecResult struct {
	ExitCode int
	Stdout   string
	Stderr   string
	Duration time.Duration
}

// Driver is the capability the probe orchestrator needs from a sandbox backend.
//
// Create fails with a SANDBOX-001 provisioning error. Execute fails with a
// SANDBOX-002 execution error when the command could not be run at all,
// including when timeout elapses. Destroy is best-effort and reports
// SANDBOX-003 on failure.
type Driver interface {
	Create(ctx context.Context) (*Handle, error)
	Execute(ctx context.Context, h *Handle, command string, timeout time.Duration) (*ExecResult, error)
	Destroy(ctx context.Context, h *Handle) error
}

// Pinger is implemented by drivers that can report backend reachability.
type Pinger interface {
	Ping(ctx context.Context) error
}
