package probe

import (
	"sync"

	"github.com/christopher-igweze/clarity-check/internal/sse"
)

// Sink receives the events of a run in order. An error means the observer
// has gone away; the run carries on regardless.
type Sink interface {
	Emit(Event) error
}

// SinkFunc adapts a function to Sink.
type SinkFunc func(Event) error

// Emit calls f.
func (f SinkFunc) Emit(e Event) error {
	return f(e)
}

// Discard drops every event.
var Discard Sink = SinkFunc(func(Event) error { return nil })

// MultiSink fans events out. The primary sink's error is returned; the
// others are best-effort.
type MultiSink struct {
	primary Sink
	others  []Sink
}

// NewMultiSink returns a sink that delivers to primary and then to others.
func NewMultiSink(primary Sink, others ...Sink) *MultiSink {
	return &MultiSink{primary: primary, others: others}
}

// Emit delivers e to every sink.
func (m *MultiSink) Emit(e Event) error {
	err := m.primary.Emit(e)
	for _, s := range m.others {
		_ = s.Emit(e)
	}
	return err
}

// Recorder keeps every event in memory.
type Recorder struct {
	mu     sync.Mutex
	events []Event
}

// Emit records e.
func (r *Recorder) Emit(e Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
	return nil
}

// Events returns a copy of the recorded events.
func (r *Recorder) Events() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Event, len(r.events))
	copy(out, r.events)
	return out
}

// Types returns the recorded event types in order.
func (r *Recorder) Types() []string {
	events := r.Events()
	types := make([]string, len(events))
	for i, e := range events {
		types[i] = e.EventType()
	}
	return types
}

// SSESink writes events as text/event-stream blocks. Done becomes the
// [DONE] sentinel.
type SSESink struct {
	w *sse.Writer
}

// NewSSESink wraps w.
func NewSSESink(w *sse.Writer) *SSESink {
	return &SSESink{w: w}
}

// Emit encodes e.
func (s *SSESink) Emit(e Event) error {
	if _, ok := e.(Done); ok {
		return s.w.Done()
	}
	return s.w.Send(e.EventType(), e)
}
