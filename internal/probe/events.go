package probe

import (
	"encoding/json"

	"github.com/christopher-igweze/clarity-check/internal/sse"
)

// Wire event types.
const (
	EventStep    = "probe_step"
	EventResult  = "probe_result"
	EventSummary = "probe_summary"
	EventError   = "probe_error"

	// EventDone is the type reported by Done. On the wire the terminal
	// marker is the [DONE] sentinel, not a typed block.
	EventDone = "done"
)

// Step statuses carried by probe_step.
const (
	StatusRunning = "running"
	StatusAborted = "aborted"
)

// Event is the closed set of things a probe run emits. The variants are
// StepRunning, StepAborted, StepResult, RunSummary, ProbeError and Done, plus
// RawText for decoded input that matches none of them.
type Event interface {
	EventType() string
	isEvent()
}

type stepWire struct {
	Step    string `json:"step"`
	Status  string `json:"status"`
	Message string `json:"message,omitempty"`
}

// StepRunning announces that a step is starting.
type StepRunning struct {
	Step    string
	Message string
}

func (StepRunning) EventType() string { return EventStep }
func (StepRunning) isEvent()          {}

func (e StepRunning) MarshalJSON() ([]byte, error) {
	return json.Marshal(stepWire{Step: e.Step, Status: StatusRunning, Message: e.Message})
}

// StepAborted is the notice that the sequence stopped at Step.
type StepAborted struct {
	Step    string
	Message string
}

func (StepAborted) EventType() string { return EventStep }
func (StepAborted) isEvent()          {}

func (e StepAborted) MarshalJSON() ([]byte, error) {
	return json.Marshal(stepWire{Step: e.Step, Status: StatusAborted, Message: e.Message})
}

func (StepResult) EventType() string { return EventResult }
func (StepResult) isEvent()          {}

func (RunSummary) EventType() string { return EventSummary }
func (RunSummary) isEvent()          {}

// ProbeError reports a fault that ended the run early.
type ProbeError struct {
	Message string `json:"message"`
}

func (ProbeError) EventType() string { return EventError }
func (ProbeError) isEvent()          {}

// Done is the terminal marker. It is always the last event of a run.
type Done struct{}

func (Done) EventType() string { return EventDone }
func (Done) isEvent()          {}

// RawText carries a decoded event that is not part of the probe vocabulary or
// whose payload did not match it.
type RawText struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

func (e RawText) EventType() string { return e.Type }
func (RawText) isEvent()            {}

// Classify maps a decoded wire event back onto the Event union.
func Classify(ev sse.Event) Event {
	raw := RawText{Type: ev.Type, Text: string(ev.Payload)}
	if ev.Malformed {
		var m struct {
			Message string `json:"message"`
		}
		if err := ev.Decode(&m); err == nil {
			raw.Text = m.Message
		}
		return raw
	}

	switch ev.Type {
	case EventStep:
		var w stepWire
		if err := ev.Decode(&w); err != nil || w.Step == "" {
			return raw
		}
		switch w.Status {
		case StatusRunning:
			return StepRunning{Step: w.Step, Message: w.Message}
		case StatusAborted:
			return StepAborted{Step: w.Step, Message: w.Message}
		}
	case EventResult:
		var r StepResult
		if err := ev.Decode(&r); err == nil && r.Step != "" {
			return r
		}
	case EventSummary:
		var s RunSummary
		if err := ev.Decode(&s); err == nil {
			return s
		}
	case EventError:
		var e ProbeError
		if err := ev.Decode(&e); err == nil {
			return e
		}
	}
	return raw
}
