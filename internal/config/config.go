// Package config loads the clarity configuration file.
//
// Defaults are applied first, the YAML file is decoded over them, and the
// result is validated once. Durations are Go duration strings ("90s").
// Secrets never live in the file: the sandbox token is read from the
// environment variable the file names.
package config

import (
	"bytes"
	stderrors "errors"
	"fmt"
	"io/fs"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/christopher-igweze/clarity-check/internal/campaign"
	"github.com/christopher-igweze/clarity-check/internal/errors"
	"github.com/christopher-igweze/clarity-check/internal/eventsink"
	"github.com/christopher-igweze/clarity-check/internal/gate"
	"github.com/christopher-igweze/clarity-check/internal/log"
	"github.com/christopher-igweze/clarity-check/internal/probe"
	"github.com/christopher-igweze/clarity-check/internal/sandbox"
	"github.com/christopher-igweze/clarity-check/internal/stream"
	"github.com/christopher-igweze/clarity-check/internal/telemetry"
)

// DefaultPath is read when no --config flag is given and the file exists.
const DefaultPath = "clarity.yaml"

// Sandbox providers.
const (
	ProviderDocker = "docker"
	ProviderRemote = "remote"
)

// Config is the complete configuration.
type Config struct {
	Log       LogConfig        `yaml:"log"`
	Server    ServerConfig     `yaml:"server"`
	Sandbox   SandboxConfig    `yaml:"sandbox"`
	Probe     ProbeConfig      `yaml:"probe"`
	Gate      gate.Thresholds  `yaml:"gate"`
	Campaign  CampaignConfig   `yaml:"campaign"`
	Events    EventsConfig     `yaml:"events"`
	Stream    StreamConfig     `yaml:"stream"`
	Telemetry telemetry.Config `yaml:"telemetry"`
}

type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

type ServerConfig struct {
	Addr              string        `yaml:"addr"`
	ReadHeaderTimeout time.Duration `yaml:"read_header_timeout"`
	ShutdownTimeout   time.Duration `yaml:"shutdown_timeout"`

	// MaxConcurrentRuns caps simultaneous probe runs; 0 means unlimited.
	MaxConcurrentRuns int `yaml:"max_concurrent_runs"`
}

type SandboxConfig struct {
	Provider string               `yaml:"provider"`
	Docker   sandbox.DockerConfig `yaml:"docker"`
	Remote   sandbox.RemoteConfig `yaml:"remote"`

	// TokenEnv names the environment variable holding the remote
	// provider's bearer token.
	TokenEnv string `yaml:"token_env"`

	ProvisionTimeout time.Duration `yaml:"provision_timeout"`
	TeardownTimeout  time.Duration `yaml:"teardown_timeout"`
}

type ProbeConfig struct {
	Workdir string                 `yaml:"workdir"`
	Steps   []probe.StepDefinition `yaml:"steps"`
}

type CampaignConfig struct {
	RunsPerRepo int               `yaml:"runs_per_repo"`
	Concurrency int               `yaml:"concurrency"`
	Targets     []campaign.Target `yaml:"targets"`
}

type EventsConfig struct {
	// NATSURL enables event publishing when set.
	NATSURL       string `yaml:"nats_url"`
	SubjectPrefix string `yaml:"subject_prefix"`
}

type StreamConfig struct {
	TerminalTypes []string `yaml:"terminal_types"`
}

// Default returns the built-in configuration.
func Default() *Config {
	cc := campaign.DefaultConfig()
	return &Config{
		Log: LogConfig{Level: "info", Format: "text"},
		Server: ServerConfig{
			Addr:              ":8080",
			ReadHeaderTimeout: 10 * time.Second,
			ShutdownTimeout:   60 * time.Second,
			MaxConcurrentRuns: 4,
		},
		Sandbox: SandboxConfig{
			Provider: ProviderDocker,
			Docker:   sandbox.DefaultDockerConfig(),
			Remote: sandbox.RemoteConfig{
				Timeout: 30 * time.Second,
				Breaker: sandbox.DefaultBreakerConfig(),
			},
			TokenEnv:         "CLARITY_SANDBOX_TOKEN",
			ProvisionTimeout: 2 * time.Minute,
			TeardownTimeout:  30 * time.Second,
		},
		Probe: ProbeConfig{
			Workdir: probe.DefaultWorkdir,
			Steps:   probe.DefaultSteps(),
		},
		Gate: gate.DefaultThresholds(),
		Campaign: CampaignConfig{
			RunsPerRepo: cc.RunsPerRepo,
			Concurrency: cc.Concurrency,
		},
		Events:    EventsConfig{SubjectPrefix: eventsink.DefaultSubjectPrefix},
		Stream:    StreamConfig{TerminalTypes: append([]string(nil), stream.DefaultTerminalTypes...)},
		Telemetry: telemetry.DefaultConfig(),
	}
}

// Load reads path over the defaults and validates the result. An empty path
// returns the defaults; so does DefaultPath when it does not exist.
func Load(path string) (*Config, error) {
	cfg := Default()
	explicit := path != ""
	if !explicit {
		path = DefaultPath
	}

	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		if err := cfg.decode(data); err != nil {
			return nil, errors.NewConfigReadError(path, err)
		}
	case !explicit && stderrors.Is(err, fs.ErrNotExist):
	default:
		return nil, errors.NewConfigReadError(path, err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Parse decodes YAML over the defaults and validates the result.
func Parse(data []byte) (*Config, error) {
	cfg := Default()
	if err := cfg.decode(data); err != nil {
		return nil, errors.NewConfigReadError("<inline>", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) decode(data []byte) error {
	if len(bytes.TrimSpace(data)) == 0 {
		return nil
	}
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(c); err != nil {
		return fmt.Errorf("parse yaml: %w", err)
	}
	return nil
}

// Validate reports every problem at once.
func (c *Config) Validate() error {
	var problems []string
	add := func(format string, args ...any) {
		problems = append(problems, fmt.Sprintf(format, args...))
	}

	switch strings.ToLower(c.Log.Level) {
	case "debug", "info", "warn", "warning", "error":
	default:
		add("log.level must be debug, info, warn or error, got %q", c.Log.Level)
	}
	switch strings.ToLower(c.Log.Format) {
	case "json", "text", "console":
	default:
		add("log.format must be json or text, got %q", c.Log.Format)
	}
	if c.Server.Addr == "" {
		add("server.addr is required")
	}
	if c.Server.MaxConcurrentRuns < 0 {
		add("server.max_concurrent_runs must not be negative")
	}

	switch c.Sandbox.Provider {
	case ProviderDocker:
		if err := c.Sandbox.Docker.Validate(); err != nil {
			add("sandbox.docker: %v", err)
		}
	case ProviderRemote:
		if !strings.HasPrefix(c.Sandbox.Remote.BaseURL, "https://") && !strings.HasPrefix(c.Sandbox.Remote.BaseURL, "http://") {
			add("sandbox.remote.base_url must be an http(s) URL")
		}
		if c.Sandbox.TokenEnv == "" {
			add("sandbox.token_env is required for the remote provider")
		}
	default:
		add("sandbox.provider must be %q or %q, got %q", ProviderDocker, ProviderRemote, c.Sandbox.Provider)
	}
	if c.Sandbox.ProvisionTimeout <= 0 || c.Sandbox.TeardownTimeout <= 0 {
		add("sandbox provision and teardown timeouts must be positive")
	}

	if _, err := probe.NewCatalog(c.Probe.Steps); err != nil {
		add("probe.steps: %v", err)
	}
	if !strings.HasPrefix(c.Probe.Workdir, "/") {
		add("probe.workdir must be absolute")
	}
	if err := c.Gate.Validate(); err != nil {
		add("gate: %v", err)
	}
	if err := c.CampaignSettings().Validate(); err != nil {
		add("campaign: %v", err)
	}
	if c.Events.NATSURL != "" {
		if err := eventsink.ValidatePrefix(c.Events.SubjectPrefix); err != nil {
			add("events.subject_prefix: %v", err)
		}
	}
	if c.Telemetry.SampleRate < 0 || c.Telemetry.SampleRate > 1 {
		add("telemetry.sample_rate must be within [0, 1]")
	}

	if len(problems) > 0 {
		return errors.NewConfigInvalidError(strings.Join(problems, "; "))
	}
	return nil
}

// Catalog builds the validated step catalog.
func (c *Config) Catalog() (*probe.Catalog, error) {
	return probe.NewCatalog(c.Probe.Steps)
}

// CampaignSettings combines the campaign section with the gate thresholds.
func (c *Config) CampaignSettings() campaign.Config {
	return campaign.Config{
		RunsPerRepo: c.Campaign.RunsPerRepo,
		Concurrency: c.Campaign.Concurrency,
		Thresholds:  c.Gate,
	}
}

// LoggerConfig converts the log section.
func (c *Config) LoggerConfig() log.Config {
	lc := log.DefaultConfig()
	lc.Level = log.ParseLevel(c.Log.Level)
	lc.Format = log.ParseFormat(c.Log.Format)
	return lc
}

// SandboxToken resolves the remote provider token from the environment.
func (c *Config) SandboxToken() (string, error) {
	token := strings.TrimSpace(os.Getenv(c.Sandbox.TokenEnv))
	if token == "" {
		return "", errors.NewMissingCredentialError(c.Sandbox.Provider, c.Sandbox.TokenEnv)
	}
	return token, nil
}

// LoadDotEnv seeds the environment from path without overriding variables
// that are already set. A missing file is not an error.
func LoadDotEnv(path string) error {
	if path == "" {
		path = ".env"
	}
	err := godotenv.Load(path)
	if err != nil && !stderrors.Is(err, fs.ErrNotExist) {
		return errors.NewConfigReadError(path, err)
	}
	return nil
}

// Marshal renders c as YAML.
func (c *Config) Marshal() ([]byte, error) {
	var buf bytes.Buffer
	enc := yaml.NewEncoder(&buf)
	enc.SetIndent(2)
	if err := enc.Encode(c.view()); err != nil {
		return nil, err
	}
	if err := enc.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// view mirrors Config with durations rendered as strings, since yaml.v3
// encodes time.Duration as an integer.
func (c *Config) view() map[string]any {
	steps := make([]map[string]any, len(c.Probe.Steps))
	for i, s := range c.Probe.Steps {
		steps[i] = map[string]any{
			"name":    s.Name,
			"label":   s.Label,
			"command": s.Command,
			"timeout": s.Timeout.String(),
			"workdir": s.Workdir,
			"gating":  s.Gating,
		}
	}
	return map[string]any{
		"log": c.Log,
		"server": map[string]any{
			"addr":                c.Server.Addr,
			"read_header_timeout": c.Server.ReadHeaderTimeout.String(),
			"shutdown_timeout":    c.Server.ShutdownTimeout.String(),
			"max_concurrent_runs": c.Server.MaxConcurrentRuns,
		},
		"sandbox": map[string]any{
			"provider": c.Sandbox.Provider,
			"docker":   c.Sandbox.Docker,
			"remote": map[string]any{
				"base_url":        c.Sandbox.Remote.BaseURL,
				"template":        c.Sandbox.Remote.Template,
				"request_timeout": c.Sandbox.Remote.Timeout.String(),
				"breaker": map[string]any{
					"fail_threshold": c.Sandbox.Remote.Breaker.FailThreshold,
					"cooldown":       c.Sandbox.Remote.Breaker.Cooldown.String(),
					"fail_window":    c.Sandbox.Remote.Breaker.FailWindow.String(),
				},
			},
			"token_env":         c.Sandbox.TokenEnv,
			"provision_timeout": c.Sandbox.ProvisionTimeout.String(),
			"teardown_timeout":  c.Sandbox.TeardownTimeout.String(),
		},
		"probe":     map[string]any{"workdir": c.Probe.Workdir, "steps": steps},
		"gate":      c.Gate,
		"campaign":  c.Campaign,
		"events":    c.Events,
		"stream":    c.Stream,
		"telemetry": c.Telemetry,
	}
}
