package telemetry

// Config holds configuration for the tracer
type Config struct {
	ServiceName    string `yaml:"-"`
	ServiceVersion string `yaml:"-"`

	// Environment is the deployment environment (dev, staging, production)
	Environment string `yaml:"environment"`

	// Enabled determines whether tracing is enabled.
	// When false, a noop tracer is used.
	Enabled bool `yaml:"enabled"`

	// Endpoint is the OTLP/HTTP collector endpoint (host:port).
	// If empty, spans are sampled but not exported.
	Endpoint string `yaml:"endpoint"`

	// Insecure disables TLS towards the collector.
	Insecure bool `yaml:"insecure"`

	// SampleRate is the fraction of traces to sample (0.0 to 1.0)
	SampleRate float64 `yaml:"sample_rate"`
}

// DefaultConfig returns a configuration with tracing disabled.
func DefaultConfig() Config {
	return Config{
		ServiceName:    "clarity",
		ServiceVersion: "dev",
		Environment:    "development",
		SampleRate:     1.0,
	}
}
