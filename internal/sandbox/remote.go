package sandbox

import (
	"bytes"
	"context"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/sony/gobreaker"

	"github.com/christopher-igweze/clarity-check/internal/errors"
	"github.com/christopher-igweze/clarity-check/internal/log"
)

const providerRemote = "remote"

// BreakerConfig holds circuit breaker settings for the remote provider.
type BreakerConfig struct {
	FailThreshold uint32        `yaml:"fail_threshold"` // consecutive failures before opening
	Cooldown      time.Duration `yaml:"cooldown"`       // how long to stay open before half-open
	FailWindow    time.Duration `yaml:"fail_window"`    // closed-state counter reset interval
}

// DefaultBreakerConfig returns the default breaker settings.
func DefaultBreakerConfig() BreakerConfig {
	return BreakerConfig{
		FailThreshold: 5,
		Cooldown:      30 * time.Second,
		FailWindow:    60 * time.Second,
	}
}

// RemoteConfig configures the HTTPS sandbox provisioning API.
type RemoteConfig struct {
	BaseURL  string        `yaml:"base_url"`
	Template string        `yaml:"template"`
	Timeout  time.Duration `yaml:"request_timeout"`
	Breaker  BreakerConfig `yaml:"breaker"`
}

// RemoteDriver provisions sandboxes through a remote API authenticated with
// a bearer token. All calls share one circuit breaker. RemoteConfig.Timeout
// bounds create, destroy and ping; exec calls are bounded by the step
// timeout instead.
type RemoteDriver struct {
	cfg     RemoteConfig
	token   string
	client  *http.Client
	breaker *gobreaker.CircuitBreaker
	logger  *log.Logger
}

// RemoteOption configures a RemoteDriver.
type RemoteOption func(*RemoteDriver)

// WithHTTPClient replaces the HTTP client.
func WithHTTPClient(c *http.Client) RemoteOption {
	return func(d *RemoteDriver) { d.client = c }
}

// WithRemoteLogger sets the logger.
func WithRemoteLogger(l *log.Logger) RemoteOption {
	return func(d *RemoteDriver) { d.logger = l }
}

// NewRemoteDriver returns a driver for cfg. An empty token is accepted here
// and rejected by Create.
func NewRemoteDriver(cfg RemoteConfig, token string, opts ...RemoteOption) *RemoteDriver {
	def := DefaultBreakerConfig()
	if cfg.Breaker.FailThreshold == 0 {
		cfg.Breaker.FailThreshold = def.FailThreshold
	}
	if cfg.Breaker.Cooldown <= 0 {
		cfg.Breaker.Cooldown = def.Cooldown
	}
	if cfg.Breaker.FailWindow <= 0 {
		cfg.Breaker.FailWindow = def.FailWindow
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")

	d := &RemoteDriver{
		cfg:    cfg,
		token:  token,
		client: &http.Client{},
	}
	for _, opt := range opts {
		opt(d)
	}
	d.logger = log.OrDefault(d.logger).With("component", "sandbox", "provider", providerRemote)

	threshold := cfg.Breaker.FailThreshold
	d.breaker = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:     "sandbox-remote",
		Interval: cfg.Breaker.FailWindow,
		Timeout:  cfg.Breaker.Cooldown,
		ReadyToTrip: func(c gobreaker.Counts) bool {
			return c.ConsecutiveFailures >= threshold
		},
		// Client errors are permanent and must not trip the breaker.
		IsSuccessful: func(err error) bool {
			var pe *permanentError
			return err == nil || stderrors.As(err, &pe)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			d.logger.Warn("circuit breaker state changed", "breaker", name, "from", from.String(), "to", to.String())
		},
	})
	return d
}

type createRequest struct {
	Template string `json:"template,omitempty"`
}

type createResponse struct {
	ID string `json:"id"`
}

type execRequest struct {
	Command   string `json:"command"`
	TimeoutMs int64  `json:"timeout_ms"`
}

type execResponse struct {
	ExitCode int    `json:"exit_code"`
	Stdout   string `json:"stdout"`
	Stderr   string `json:"stderr"`
}

// permanentError marks 4xx responses.
type permanentError struct {
	status int
	body   string
}

func (e *permanentError) Error() string {
	return fmt.Sprintf("status %d: %s", e.status, e.body)
}

// Create provisions a new sandbox.
func (d *RemoteDriver) Create(ctx context.Context) (*Handle, error) {
	if d.token == "" {
		return nil, errors.NewProvisioningError(providerRemote, errors.NewMissingCredentialError(providerRemote, ""))
	}

	ctx, cancel := context.WithTimeout(ctx, d.cfg.Timeout)
	defer cancel()

	var resp createResponse
	if err := d.call(ctx, http.MethodPost, "/v1/sandboxes", createRequest{Template: d.cfg.Template}, &resp); err != nil {
		return nil, errors.NewProvisioningError(providerRemote, err)
	}
	if resp.ID == "" {
		return nil, errors.NewProvisioningError(providerRemote, fmt.Errorf("response carried no sandbox id"))
	}
	return &Handle{ID: resp.ID, Provider: providerRemote, CreatedAt: time.Now()}, nil
}

// Execute runs command in the remote sandbox. The provider enforces timeout
// server-side; the local context gets a small grace period on top.
func (d *RemoteDriver) Execute(ctx context.Context, h *Handle, command string, timeout time.Duration) (*ExecResult, error) {
	if h == nil {
		return nil, errors.NewExecutionError("", fmt.Errorf("nil sandbox handle"))
	}
	limit := d.cfg.Timeout
	if timeout > 0 {
		limit = timeout + 5*time.Second
	}
	ctx, cancel := context.WithTimeout(ctx, limit)
	defer cancel()

	start := time.Now()
	var resp execResponse
	path := "/v1/sandboxes/" + url.PathEscape(h.ID) + "/exec"
	if err := d.call(ctx, http.MethodPost, path, execRequest{Command: command, TimeoutMs: timeout.Milliseconds()}, &resp); err != nil {
		return nil, errors.NewExecutionError(h.ID, err)
	}

	return &ExecResult{
		ExitCode: resp.ExitCode,
		Stdout:   resp.Stdout,
		Stderr:   resp.Stderr,
		Duration: time.Since(start),
	}, nil
}

// Destroy deletes the sandbox. A sandbox the provider no longer knows is
// treated as already destroyed.
func (d *RemoteDriver) Destroy(ctx context.Context, h *Handle) error {
	if h == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(ctx, d.cfg.Timeout)
	defer cancel()

	err := d.call(ctx, http.MethodDelete, "/v1/sandboxes/"+url.PathEscape(h.ID), nil, nil)
	var pe *permanentError
	if stderrors.As(err, &pe) && pe.status == http.StatusNotFound {
		return nil
	}
	if err != nil {
		return errors.NewTeardownError(h.ID, err)
	}
	return nil
}

// Ping checks the provider health endpoint.
func (d *RemoteDriver) Ping(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, d.cfg.Timeout)
	defer cancel()
	return d.call(ctx, http.MethodGet, "/v1/health", nil, nil)
}

// BreakerState reports the circuit breaker state: closed, half-open or open.
func (d *RemoteDriver) BreakerState() string {
	return d.breaker.State().String()
}

func (d *RemoteDriver) call(ctx context.Context, method, path string, in, out any) error {
	_, err := d.breaker.Execute(func() (interface{}, error) {
		return nil, d.do(ctx, method, path, in, out)
	})
	return err
}

func (d *RemoteDriver) do(ctx context.Context, method, path string, in, out any) error {
	var body io.Reader
	if in != nil {
		b, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("marshal request: %w", err)
		}
		body = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, d.cfg.BaseURL+path, body)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")
	if d.token != "" {
		req.Header.Set("Authorization", "Bearer "+d.token)
	}

	resp, err := d.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		text := strings.TrimSpace(string(msg))
		if resp.StatusCode >= 400 && resp.StatusCode < 500 {
			return &permanentError{status: resp.StatusCode, body: text}
		}
		return fmt.Errorf("status %d: %s", resp.StatusCode, text)
	}

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}
