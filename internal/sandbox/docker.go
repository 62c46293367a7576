package sandbox

import (
	"bytes"
	"context"
	stderrors "errors"
	"fmt"
	"io"
	"math"
	"os/exec"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/christopher-igweze/clarity-check/internal/errors"
	"github.com/christopher-igweze/clarity-check/internal/log"
)

const providerDocker = "docker"

// DockerConfig describes the container every probe runs in.
type DockerConfig struct {
	Binary    string            `yaml:"binary"`
	Image     string            `yaml:"image"`
	Network   string            `yaml:"network"`
	CPU       string            `yaml:"cpu"`
	Memory    string            `yaml:"memory"`
	PidsLimit int               `yaml:"pids_limit"`
	TmpfsSize string            `yaml:"tmpfs_size"`
	Env       map[string]string `yaml:"env"`

	// ImageAllowlist restricts Image. Entries ending in '*' match by prefix.
	ImageAllowlist []string `yaml:"image_allowlist"`
}

// DefaultDockerConfig returns a locked-down configuration for node and
// python projects.
func DefaultDockerConfig() DockerConfig {
	return DockerConfig{
		Binary:    "docker",
		Image:     "nikolaik/python-nodejs:python3.12-nodejs20",
		Network:   "bridge",
		CPU:       "2",
		Memory:    "2g",
		PidsLimit: 256,
		TmpfsSize: "2g",
	}
}

// Validate checks the configuration against its own image allowlist.
func (c DockerConfig) Validate() error {
	if c.Image == "" {
		return fmt.Errorf("docker image is required")
	}
	if c.PidsLimit < 0 {
		return fmt.Errorf("pids_limit must not be negative")
	}
	if len(c.ImageAllowlist) == 0 {
		return nil
	}
	for _, pattern := range c.ImageAllowlist {
		if matchesImagePattern(c.Image, pattern) {
			return nil
		}
	}
	return fmt.Errorf("image not in allowlist: %s", c.Image)
}

// matchesImagePattern supports exact matches and trailing '*' wildcards.
func matchesImagePattern(image, pattern string) bool {
	if image == pattern {
		return true
	}
	if prefix, ok := strings.CutSuffix(pattern, "*"); ok {
		return strings.HasPrefix(image, prefix)
	}
	return false
}

// CommandRunner runs an external command and returns its exit code. err is
// non-nil only when the command could not be started or was killed by ctx.
type CommandRunner func(ctx context.Context, name string, args []string, stdout, stderr io.Writer) (exitCode int, err error)

// ExecRunner runs commands on the host via os/exec.
func ExecRunner(ctx context.Context, name string, args []string, stdout, stderr io.Writer) (int, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	cmd.Stdout = stdout
	cmd.Stderr = stderr

	err := cmd.Run()
	if err == nil {
		return 0, nil
	}
	if ctxErr := ctx.Err(); ctxErr != nil {
		return -1, ctxErr
	}
	var exitErr *exec.ExitError
	if stderrors.As(err, &exitErr) {
		return exitErr.ExitCode(), nil
	}
	return -1, err
}

// DockerDriver runs each probe in a long-lived container and each step
// through docker exec.
type DockerDriver struct {
	cfg    DockerConfig
	run    CommandRunner
	logger *log.Logger
	now    func() time.Time
}

// DockerOption configures a DockerDriver.
type DockerOption func(*DockerDriver)

// WithCommandRunner replaces the host command runner.
func WithCommandRunner(r CommandRunner) DockerOption {
	return func(d *DockerDriver) { d.run = r }
}

// WithDockerLogger sets the logger.
func WithDockerLogger(l *log.Logger) DockerOption {
	return func(d *DockerDriver) { d.logger = l }
}

// NewDockerDriver returns a driver for cfg.
func NewDockerDriver(cfg DockerConfig, opts ...DockerOption) *DockerDriver {
	if cfg.Binary == "" {
		cfg.Binary = "docker"
	}
	d := &DockerDriver{
		cfg: cfg,
		run: ExecRunner,
		now: time.Now,
	}
	for _, opt := range opts {
		opt(d)
	}
	d.logger = log.OrDefault(d.logger).With("component", "sandbox", "provider", providerDocker)
	return d
}

// Create starts a detached container that idles until destroyed.
func (d *DockerDriver) Create(ctx context.Context) (*Handle, error) {
	if err := d.cfg.Validate(); err != nil {
		return nil, errors.NewProvisioningError(providerDocker, err)
	}

	name := "clarity-" + uuid.NewString()[:12]
	var stdout, stderr bytes.Buffer
	code, err := d.run(ctx, d.cfg.Binary, buildRunArgs(d.cfg, name), &stdout, &stderr)
	if err != nil {
		return nil, errors.NewProvisioningError(providerDocker, err)
	}
	if code != 0 {
		return nil, errors.NewProvisioningError(providerDocker,
			fmt.Errorf("docker run exited %d: %s", code, strings.TrimSpace(stderr.String())))
	}

	id := strings.TrimSpace(stdout.String())
	if id == "" {
		id = name
	}
	d.logger.Debug("container started", "sandbox_id", id, "image", d.cfg.Image)
	return &Handle{ID: id, Provider: providerDocker, CreatedAt: d.now()}, nil
}

// Execute runs command through sh -c inside the container. The timeout is
// enforced inside the container by timeout(1), so a step that overruns is
// killed there rather than left running beside the next step. The host
// client gets a grace period on top.
func (d *DockerDriver) Execute(ctx context.Context, h *Handle, command string, timeout time.Duration) (*ExecResult, error) {
	if h == nil {
		return nil, errors.NewExecutionError("", fmt.Errorf("nil sandbox handle"))
	}
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout+execGrace)
		defer cancel()
	}

	start := d.now()
	var stdout, stderr bytes.Buffer
	code, err := d.run(ctx, d.cfg.Binary, buildExecArgs(h.ID, command, timeout), &stdout, &stderr)
	elapsed := d.now().Sub(start)
	if err == nil && timeout > 0 && elapsed >= timeout && (code == exitTimedOut || code == exitKilled) {
		err = context.DeadlineExceeded
	}
	if err != nil {
		if stderrors.Is(err, context.DeadlineExceeded) {
			err = fmt.Errorf("command timed out after %s", timeout)
		}
		return nil, errors.NewExecutionError(h.ID, err)
	}

	return &ExecResult{
		ExitCode: code,
		Stdout:   stdout.String(),
		Stderr:   stderr.String(),
		Duration: elapsed,
	}, nil
}

// Destroy force-removes the container.
func (d *DockerDriver) Destroy(ctx context.Context, h *Handle) error {
	if h == nil {
		return nil
	}
	var stderr bytes.Buffer
	code, err := d.run(ctx, d.cfg.Binary, []string{"rm", "-f", h.ID}, io.Discard, &stderr)
	if err == nil && code != 0 {
		err = fmt.Errorf("docker rm exited %d: %s", code, strings.TrimSpace(stderr.String()))
	}
	if err != nil {
		return errors.NewTeardownError(h.ID, err)
	}
	d.logger.Debug("container removed", "sandbox_id", h.ID)
	return nil
}

// Ping checks that the docker daemon answers.
func (d *DockerDriver) Ping(ctx context.Context) error {
	var stderr bytes.Buffer
	code, err := d.run(ctx, d.cfg.Binary, []string{"version", "--format", "{{.Server.Version}}"}, io.Discard, &stderr)
	if err != nil {
		return fmt.Errorf("docker is not available: %w", err)
	}
	if code != 0 {
		return fmt.Errorf("docker is not available: %s", strings.TrimSpace(stderr.String()))
	}
	return nil
}

// buildRunArgs constructs the docker run arguments with security constraints.
func buildRunArgs(cfg DockerConfig, name string) []string {
	args := []string{"run", "-d", "--rm", "--name", name}

	if cfg.Network != "" {
		args = append(args, "--network", cfg.Network)
	}
	if cfg.CPU != "" {
		args = append(args, "--cpus", cfg.CPU)
	}
	if cfg.Memory != "" {
		args = append(args, "--memory", cfg.Memory)
	}

	pids := cfg.PidsLimit
	if pids == 0 {
		pids = 256
	}
	args = append(args,
		"--read-only",
		"--pids-limit", fmt.Sprint(pids),
		"--cap-drop", "ALL",
		"--security-opt", "no-new-privileges",
	)

	tmpfs := "/workspace:rw,exec"
	if cfg.TmpfsSize != "" {
		tmpfs += ",size=" + cfg.TmpfsSize
	}
	args = append(args, "--tmpfs", tmpfs, "--tmpfs", "/tmp:rw,exec", "-w", "/workspace", "-e", "HOME=/tmp")

	keys := make([]string, 0, len(cfg.Env))
	for k := range cfg.Env {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		args = append(args, "-e", fmt.Sprintf("%s=%s", k, cfg.Env[k]))
	}

	return append(args, cfg.Image, "sleep", "infinity")
}

const (
	execGrace = 5 * time.Second

	// Exit statuses of timeout(1) when it stopped the command.
	exitTimedOut = 124
	exitKilled   = 137
)

func buildExecArgs(id, command string, timeout time.Duration) []string {
	args := []string{"exec", id}
	if timeout > 0 {
		secs := int(math.Ceil(timeout.Seconds()))
		args = append(args, "timeout", "-s", "KILL", strconv.Itoa(secs))
	}
	return append(args, "sh", "-c", command)
}
