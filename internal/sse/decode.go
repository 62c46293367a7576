package sse

import (
	"bytes"
	"encoding/json"
	"errors"
	"io"
	"strings"
)

// Event is one decoded block.
type Event struct {
	Type string

	// Payload is the block's JSON document. For malformed data it is
	// {"message": <raw text>} and Malformed is set.
	Payload json.RawMessage

	Malformed bool
}

// Decode unmarshals the payload into v.
func (e Event) Decode(v any) error {
	return json.Unmarshal(e.Payload, v)
}

// Decoder turns an arbitrarily chunked byte stream into events. A Decoder
// holds the partial block between calls, so each stream needs its own.
type Decoder struct {
	buf  []byte
	done bool

	// fields of the block currently being assembled
	eventType  string
	data       []string
	blockBytes int
}

// NewDecoder returns an empty decoder.
func NewDecoder() *Decoder {
	return &Decoder{}
}

// Feed appends chunk and dispatches every block it completes, in order.
// It reports whether the stream has ended, either through the [DONE]
// sentinel or a call to Stop. Once done, further input is ignored.
func (d *Decoder) Feed(chunk []byte, fn func(Event)) bool {
	if d.done {
		return true
	}
	d.buf = append(d.buf, chunk...)

	for !d.done {
		i := bytes.IndexByte(d.buf, '\n')
		if i < 0 {
			break
		}
		line := d.buf[:i]
		d.buf = d.buf[i+1:]
		d.blockBytes += i + 1

		line = bytes.TrimSuffix(line, []byte{'\r'})
		if len(line) == 0 {
			d.dispatch(fn)
			continue
		}
		d.field(line)
	}

	if len(d.buf) == 0 {
		d.buf = nil
	}
	return d.done
}

// Stop latches the decoder as finished. It may be called from inside the
// Feed callback to suppress the rest of the chunk.
func (d *Decoder) Stop() {
	d.done = true
}

// Done reports whether the stream has ended.
func (d *Decoder) Done() bool {
	return d.done
}

// Pending reports how many bytes of an incomplete trailing block are buffered.
// They are never dispatched unless the terminating blank line arrives.
func (d *Decoder) Pending() int {
	return d.blockBytes + len(d.buf)
}

func (d *Decoder) field(line []byte) {
	if line[0] == ':' {
		return
	}

	name, value, _ := bytes.Cut(line, []byte{':'})
	value = bytes.TrimPrefix(value, []byte{' '})

	switch string(name) {
	case "event":
		d.eventType = string(value)
	case "data":
		d.data = append(d.data, string(value))
	}
}

func (d *Decoder) dispatch(fn func(Event)) {
	eventType, data := d.eventType, strings.Join(d.data, "\n")
	d.eventType, d.data, d.blockBytes = "", nil, 0

	if data == "" {
		return
	}
	if strings.TrimSpace(data) == DoneSentinel {
		d.done = true
		return
	}
	if eventType == "" {
		eventType = DefaultEventType
	}

	ev := Event{Type: eventType}
	if json.Valid([]byte(data)) {
		ev.Payload = json.RawMessage(data)
	} else {
		ev.Payload, _ = json.Marshal(map[string]string{"message": data})
		ev.Malformed = true
	}
	fn(ev)
}

// DecodeAll reads r to the end or to the [DONE] sentinel and dispatches every
// complete block. A trailing incomplete block is discarded.
func DecodeAll(r io.Reader, fn func(Event)) error {
	d := NewDecoder()
	buf := make([]byte, 4096)
	for {
		n, err := r.Read(buf)
		if n > 0 && d.Feed(buf[:n], fn) {
			return nil
		}
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return err
		}
	}
}
