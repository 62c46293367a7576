package health

import (
	"context"

	"github.com/nats-io/nats.go"

	"github.com/christopher-igweze/clarity-check/internal/sandbox"
)

// breakerReporter is implemented by drivers guarded by a circuit breaker.
type breakerReporter interface {
	BreakerState() string
}

// SandboxChecker pings the sandbox backend.
type SandboxChecker struct {
	provider string
	pinger   sandbox.Pinger
}

// NewSandboxChecker returns a checker for the named provider.
func NewSandboxChecker(provider string, p sandbox.Pinger) *SandboxChecker {
	return &SandboxChecker{provider: provider, pinger: p}
}

func (c *SandboxChecker) Name() string {
	return "sandbox-" + c.provider
}

// Check is unhealthy when the backend does not answer and degraded when it
// answers but its circuit breaker is not closed.
func (c *SandboxChecker) Check(ctx context.Context) *Result {
	state := ""
	if br, ok := c.pinger.(breakerReporter); ok {
		state = br.BreakerState()
	}

	if err := c.pinger.Ping(ctx); err != nil {
		res := Unhealthy("sandbox backend is unreachable").
			WithDetail("provider", c.provider).
			WithDetail("error", err.Error())
		if state != "" {
			res.WithDetail("breaker", state)
		}
		return res
	}

	if state != "" && state != "closed" {
		return Degraded("sandbox backend recovering").
			WithDetail("provider", c.provider).
			WithDetail("breaker", state)
	}
	return Healthy("sandbox backend is reachable").WithDetail("provider", c.provider)
}

// StatusReporter reports a NATS connection state. *nats.Conn implements it.
type StatusReporter interface {
	Status() nats.Status
}

// NATSChecker reports the event bus connection.
type NATSChecker struct {
	conn StatusReporter
}

// NewNATSChecker returns a checker for conn.
func NewNATSChecker(conn StatusReporter) *NATSChecker {
	return &NATSChecker{conn: conn}
}

func (c *NATSChecker) Name() string {
	return "event-bus"
}

// Check is degraded while reconnecting. Events published meanwhile are
// buffered by the client.
func (c *NATSChecker) Check(ctx context.Context) *Result {
	switch st := c.conn.Status(); st {
	case nats.CONNECTED:
		return Healthy("connected to NATS")
	case nats.RECONNECTING, nats.CONNECTING:
		return Degraded("reconnecting to NATS").WithDetail("state", st.String())
	default:
		return Unhealthy("not connected to NATS").WithDetail("state", st.String())
	}
}
