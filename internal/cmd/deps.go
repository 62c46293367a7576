package cmd

import (
	"github.com/nats-io/nats.go"

	"github.com/christopher-igweze/clarity-check/internal/config"
	"github.com/christopher-igweze/clarity-check/internal/eventsink"
	"github.com/christopher-igweze/clarity-check/internal/health"
	"github.com/christopher-igweze/clarity-check/internal/log"
	"github.com/christopher-igweze/clarity-check/internal/metrics"
	"github.com/christopher-igweze/clarity-check/internal/probe"
	"github.com/christopher-igweze/clarity-check/internal/sandbox"
	"github.com/christopher-igweze/clarity-check/internal/version"
)

// sandboxBackend is a driver that can also be health checked.
type sandboxBackend interface {
	sandbox.Driver
	sandbox.Pinger
}

// newDriver builds the configured sandbox driver. The remote provider needs
// its token in the environment.
func newDriver(c *config.Config, logger *log.Logger) (sandboxBackend, error) {
	switch c.Sandbox.Provider {
	case config.ProviderRemote:
		token, err := c.SandboxToken()
		if err != nil {
			return nil, err
		}
		return sandbox.NewRemoteDriver(c.Sandbox.Remote, token, sandbox.WithRemoteLogger(logger)), nil
	default:
		return sandbox.NewDockerDriver(c.Sandbox.Docker, sandbox.WithDockerLogger(logger)), nil
	}
}

// newOrchestrator wires a driver and the configured catalog.
func newOrchestrator(c *config.Config, driver sandbox.Driver, m *metrics.Metrics, logger *log.Logger) (*probe.Orchestrator, error) {
	catalog, err := c.Catalog()
	if err != nil {
		return nil, err
	}
	return probe.NewOrchestrator(driver,
		probe.WithCatalog(catalog),
		probe.WithWorkdir(c.Probe.Workdir),
		probe.WithProvisionTimeout(c.Sandbox.ProvisionTimeout),
		probe.WithTeardownTimeout(c.Sandbox.TeardownTimeout),
		probe.WithMetrics(m),
		probe.WithLogger(logger),
	), nil
}

// connectEvents dials NATS when configured. A nil conn means publishing is
// disabled.
func connectEvents(c *config.Config) (*nats.Conn, error) {
	if c.Events.NATSURL == "" {
		return nil, nil
	}
	return eventsink.Connect(c.Events.NATSURL, "clarity/"+version.GetInfo().Short())
}

// withEvents mirrors sink onto the run's NATS subject when conn is set.
func withEvents(sink probe.Sink, conn *nats.Conn, prefix, runID string, logger *log.Logger) probe.Sink {
	if conn == nil {
		return sink
	}
	return probe.NewMultiSink(sink, eventsink.NewNATSSink(conn, prefix, runID, logger))
}

// drainEvents flushes pending publishes before exit. A failed drain means
// events were lost, so it is logged.
func drainEvents(conn interface{ Drain() error }, logger *log.Logger) {
	if err := conn.Drain(); err != nil {
		log.OrDefault(logger).WithError(err).Warn("failed to drain event bus connection")
	}
}

// readinessCheckers are the dependencies /health/ready reports on.
func readinessCheckers(provider string, backend sandbox.Pinger, conn *nats.Conn) []health.Checker {
	checkers := []health.Checker{health.NewSandboxChecker(provider, backend)}
	if conn != nil {
		checkers = append(checkers, health.NewNATSChecker(conn))
	}
	return checkers
}
