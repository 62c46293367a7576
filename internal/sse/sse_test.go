package sse

import (
	"bytes"
	"encoding/json"
	"errors"
	"io"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func collect(t *testing.T, chunks ...string) ([]Event, *Decoder) {
	t.Helper()
	d := NewDecoder()
	var events []Event
	for _, c := range chunks {
		d.Feed([]byte(c), func(e Event) { events = append(events, e) })
	}
	return events, d
}

func TestMarshal(t *testing.T) {
	b, err := Marshal("probe_step", map[string]string{"step": "install", "status": "running"})
	require.NoError(t, err)
	assert.Equal(t, "event: probe_step\ndata: {\"status\":\"running\",\"step\":\"install\"}\n\n", string(b))
}

func TestMarshalKeepsEmbeddedNewlinesOnOneDataLine(t *testing.T) {
	b, err := Marshal("probe_result", map[string]string{"stdout": "line1\nline2\n"})
	require.NoError(t, err)

	lines := strings.Split(strings.TrimSuffix(string(b), "\n\n"), "\n")
	require.Len(t, lines, 2)
	assert.True(t, strings.HasPrefix(lines[1], "data: "))
}

func TestMarshalRejectsUnencodablePayload(t *testing.T) {
	_, err := Marshal("bad", map[string]any{"ch": make(chan int)})
	assert.Error(t, err)
}

func TestMarshalRejectsLineBreakInEventType(t *testing.T) {
	for _, typ := range []string{"probe_step\ndata: {}", "a\rb", "\n"} {
		_, err := Marshal(typ, map[string]string{"step": "x"})
		assert.Error(t, err, "type %q", typ)
	}
}

func TestWriteDone(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, WriteDone(&buf))
	assert.Equal(t, "data: [DONE]\n\n", buf.String())
}

func TestWriterFlushesAndLatchesDone(t *testing.T) {
	rec := httptest.NewRecorder()
	w := NewWriter(rec)

	require.NoError(t, w.Send("probe_step", map[string]string{"step": "git_clone"}))
	assert.True(t, rec.Flushed)

	require.NoError(t, w.Done())
	require.NoError(t, w.Done())
	assert.ErrorIs(t, w.Send("late", nil), io.ErrClosedPipe)

	assert.Equal(t, 1, strings.Count(rec.Body.String(), "[DONE]"))
}

func TestDecoderBasicBlock(t *testing.T) {
	events, d := collect(t, "event: probe_step\ndata: {\"step\":\"install\"}\n\n")

	require.Len(t, events, 1)
	assert.Equal(t, "probe_step", events[0].Type)
	assert.JSONEq(t, `{"step":"install"}`, string(events[0].Payload))
	assert.False(t, events[0].Malformed)
	assert.Zero(t, d.Pending())
}

func TestDecoderRules(t *testing.T) {
	tests := []struct {
		name      string
		input     string
		wantTypes []string
		wantData  []string
		wantDone  bool
	}{
		{
			name:      "default type",
			input:     "data: {\"a\":1}\n\n",
			wantTypes: []string{"message"},
			wantData:  []string{`{"a":1}`},
		},
		{
			name:      "last event line wins",
			input:     "event: first\nevent: second\ndata: 1\n\n",
			wantTypes: []string{"second"},
			wantData:  []string{`1`},
		},
		{
			name:      "multiple data lines joined with newline",
			input:     "data: {\"a\":\ndata: 2}\n\n",
			wantTypes: []string{"message"},
			wantData:  []string{"{\"a\":\n2}"},
		},
		{
			name:      "comments ignored",
			input:     ": keepalive\nevent: ping\ndata: {}\n\n",
			wantTypes: []string{"ping"},
			wantData:  []string{`{}`},
		},
		{
			name:  "empty data discarded",
			input: "event: nothing\n\n: just a comment\n\n",
		},
		{
			name:      "crlf terminators",
			input:     "event: a\r\ndata: {\"x\":true}\r\n\r\nevent: b\r\ndata: null\r\n\r\n",
			wantTypes: []string{"a", "b"},
			wantData:  []string{`{"x":true}`, `null`},
		},
		{
			name:      "no space after colon",
			input:     "event:tight\ndata:[1,2]\n\n",
			wantTypes: []string{"tight"},
			wantData:  []string{`[1,2]`},
		},
		{
			name:      "done sentinel stops the stream",
			input:     "data: {\"n\":1}\n\ndata: [DONE]\n\ndata: {\"n\":2}\n\n",
			wantTypes: []string{"message"},
			wantData:  []string{`{"n":1}`},
			wantDone:  true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			events, d := collect(t, tt.input)

			var types, data []string
			for _, e := range events {
				types = append(types, e.Type)
				data = append(data, string(e.Payload))
			}
			assert.Equal(t, tt.wantTypes, types)
			assert.Equal(t, tt.wantData, data)
			assert.Equal(t, tt.wantDone, d.Done())
		})
	}
}

func TestDecoderMalformedPayload(t *testing.T) {
	events, _ := collect(t, "event: probe_result\ndata: not json {\n\n")

	require.Len(t, events, 1)
	assert.Equal(t, "probe_result", events[0].Type)
	assert.True(t, events[0].Malformed)

	var payload map[string]string
	require.NoError(t, events[0].Decode(&payload))
	assert.Equal(t, map[string]string{"message": "not json {"}, payload)
}

func TestDecoderIgnoresInputAfterDone(t *testing.T) {
	events, d := collect(t, "data: [DONE]\n\n", "data: {\"late\":true}\n\n")
	assert.Empty(t, events)
	assert.True(t, d.Done())
	assert.True(t, d.Feed([]byte("data: 1\n\n"), func(Event) { t.Fatal("dispatched after done") }))
}

func TestDecoderStopInsideCallback(t *testing.T) {
	d := NewDecoder()
	var got []string
	d.Feed([]byte("event: a\ndata: 1\n\nevent: scan_complete\ndata: 2\n\nevent: c\ndata: 3\n\n"), func(e Event) {
		got = append(got, e.Type)
		if e.Type == "scan_complete" {
			d.Stop()
		}
	})
	assert.Equal(t, []string{"a", "scan_complete"}, got)
}

func TestDecoderPendingTrailingBlock(t *testing.T) {
	events, d := collect(t, "event: a\ndata: {}\n\nevent: b\ndata: {\"par")
	require.Len(t, events, 1)
	assert.Equal(t, len("event: b\ndata: {\"par"), d.Pending())

	// completing the block later dispatches it whole
	d.Feed([]byte("tial\":1}\n\n"), func(e Event) { events = append(events, e) })
	require.Len(t, events, 2)
	assert.JSONEq(t, `{"partial":1}`, string(events[1].Payload))
	assert.Zero(t, d.Pending())
}

func TestDecodeAllDiscardsIncompleteTail(t *testing.T) {
	var types []string
	err := DecodeAll(strings.NewReader("event: a\ndata: {}\n\nevent: b\ndata: {}\n"), func(e Event) {
		types = append(types, e.Type)
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"a"}, types)
}

type failingReader struct{ err error }

func (r failingReader) Read([]byte) (int, error) { return 0, r.err }

func TestDecodeAllPropagatesReadError(t *testing.T) {
	boom := errors.New("connection reset")
	assert.ErrorIs(t, DecodeAll(failingReader{boom}, func(Event) {}), boom)
}

func TestEncodeDecodeScenarioStream(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, Encode(&buf, "probe_step", map[string]any{"step": "test", "status": "running"}))
	require.NoError(t, Encode(&buf, "probe_result", map[string]any{"step": "test", "exit_code": 0, "stdout": "18 passing\n0 failing\n"}))
	require.NoError(t, WriteDone(&buf))

	var events []Event
	require.NoError(t, DecodeAll(&buf, func(e Event) { events = append(events, e) }))
	require.Len(t, events, 2)

	var result struct {
		ExitCode int    `json:"exit_code"`
		Stdout   string `json:"stdout"`
	}
	require.NoError(t, json.Unmarshal(events[1].Payload, &result))
	assert.Equal(t, "18 passing\n0 failing\n", result.Stdout)
}
