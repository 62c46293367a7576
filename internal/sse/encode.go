// Package sse implements the text/event-stream framing shared by the probe
// producer and every streaming consumer.
//
// A block is an optional "event:" line, one or more "data:" lines and a blank
// line terminator. Payloads are single compact JSON documents. The literal
// data payload "[DONE]" ends a stream.
package sse

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
)

// DoneSentinel is the data payload that terminates a stream.
const DoneSentinel = "[DONE]"

// DefaultEventType is used for blocks without an event line.
const DefaultEventType = "message"

// Marshal encodes one event block. An event type containing a line break
// would split the block and is rejected.
func Marshal(eventType string, payload any) ([]byte, error) {
	if strings.ContainsAny(eventType, "\r\n") {
		return nil, fmt.Errorf("invalid event type %q: contains a line break", eventType)
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal %s payload: %w", eventType, err)
	}

	var buf bytes.Buffer
	buf.Grow(len(eventType) + len(data) + 16)
	if eventType != "" {
		buf.WriteString("event: ")
		buf.WriteString(eventType)
		buf.WriteByte('\n')
	}
	buf.WriteString("data: ")
	buf.Write(data)
	buf.WriteString("\n\n")
	return buf.Bytes(), nil
}

// Encode writes one event block to w.
func Encode(w io.Writer, eventType string, payload any) error {
	b, err := Marshal(eventType, payload)
	if err != nil {
		return err
	}
	_, err = w.Write(b)
	return err
}

// WriteDone writes the end-of-stream sentinel.
func WriteDone(w io.Writer) error {
	_, err := io.WriteString(w, "data: "+DoneSentinel+"\n\n")
	return err
}

// Writer serializes event blocks onto an underlying writer and flushes after
// each one when the writer supports it. It is safe for concurrent use.
type Writer struct {
	mu      sync.Mutex
	w       io.Writer
	flusher http.Flusher
	done    bool
}

// NewWriter wraps w.
func NewWriter(w io.Writer) *Writer {
	f, _ := w.(http.Flusher)
	return &Writer{w: w, flusher: f}
}

// Send writes one event.
func (w *Writer) Send(eventType string, payload any) error {
	b, err := Marshal(eventType, payload)
	if err != nil {
		return err
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	if w.done {
		return io.ErrClosedPipe
	}
	return w.write(b)
}

// Done writes the sentinel once. Later sends fail with io.ErrClosedPipe.
func (w *Writer) Done() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.done {
		return nil
	}
	w.done = true
	return w.write([]byte("data: " + DoneSentinel + "\n\n"))
}

func (w *Writer) write(b []byte) error {
	if _, err := w.w.Write(b); err != nil {
		return err
	}
	if w.flusher != nil {
		w.flusher.Flush()
	}
	return nil
}
