// Package eventsink forwards probe events to NATS, where the persistence
// service records run history.
package eventsink

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/christopher-igweze/clarity-check/internal/log"
	"github.com/christopher-igweze/clarity-check/internal/probe"
)

// DefaultSubjectPrefix is used when no prefix is configured.
const DefaultSubjectPrefix = "clarity.probe"

// Publisher sends one message. *nats.Conn implements it.
type Publisher interface {
	Publish(subject string, data []byte) error
}

// Envelope is the message published for every event.
type Envelope struct {
	RunID     string          `json:"run_id"`
	Type      string          `json:"type"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	EmittedAt time.Time       `json:"emitted_at"`
}

// Connect dials NATS with reconnects enabled.
func Connect(url, name string) (*nats.Conn, error) {
	nc, err := nats.Connect(url,
		nats.Name(name),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
	)
	if err != nil {
		return nil, fmt.Errorf("connect to nats at %s: %w", url, err)
	}
	return nc, nil
}

// ValidatePrefix checks that prefix is a usable literal subject.
func ValidatePrefix(prefix string) error {
	if prefix == "" {
		return fmt.Errorf("subject prefix is empty")
	}
	if strings.ContainsAny(prefix, " \t\r\n*>") {
		return fmt.Errorf("subject prefix %q contains whitespace or wildcards", prefix)
	}
	for _, tok := range strings.Split(prefix, ".") {
		if tok == "" {
			return fmt.Errorf("subject prefix %q has an empty token", prefix)
		}
	}
	return nil
}

// NATSSink publishes the events of one run on <prefix>.<run_id>.
type NATSSink struct {
	pub     Publisher
	runID   string
	subject string
	now     func() time.Time
	logger  *log.Logger
}

// NewNATSSink returns a sink for runID. A nil logger uses the default.
func NewNATSSink(pub Publisher, prefix, runID string, logger *log.Logger) *NATSSink {
	if prefix == "" {
		prefix = DefaultSubjectPrefix
	}
	return &NATSSink{
		pub:     pub,
		runID:   runID,
		subject: prefix + "." + runID,
		now:     time.Now,
		logger:  log.OrDefault(logger),
	}
}

// Subject is where events are published.
func (s *NATSSink) Subject() string {
	return s.subject
}

// Emit publishes e. Publish failures are logged and returned; the
// orchestrator keeps running either way.
func (s *NATSSink) Emit(e probe.Event) error {
	env := Envelope{
		RunID:     s.runID,
		Type:      e.EventType(),
		EmittedAt: s.now().UTC(),
	}
	if _, done := e.(probe.Done); !done {
		payload, err := json.Marshal(e)
		if err != nil {
			return fmt.Errorf("marshal %s event: %w", env.Type, err)
		}
		env.Payload = payload
	}

	data, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("marshal envelope: %w", err)
	}
	if err := s.pub.Publish(s.subject, data); err != nil {
		s.logger.Warn("failed to publish event", "subject", s.subject, "type", env.Type, "error", err)
		return fmt.Errorf("publish to %s: %w", s.subject, err)
	}
	return nil
}

// Factory returns a function that builds a sink per run.
func Factory(pub Publisher, prefix string, logger *log.Logger) func(runID string) probe.Sink {
	return func(runID string) probe.Sink {
		return NewNATSSink(pub, prefix, runID, logger)
	}
}
