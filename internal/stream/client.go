// Package stream consumes text/event-stream channels such as the probe
// endpoint.
package stream

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/christopher-igweze/clarity-check/internal/errors"
	"github.com/christopher-igweze/clarity-check/internal/log"
	"github.com/christopher-igweze/clarity-check/internal/sse"
)

// DefaultTerminalTypes end a stream in addition to the [DONE] sentinel.
var DefaultTerminalTypes = []string{"scan_complete", "scan_error", "timeout"}

// Request describes the channel to open.
type Request struct {
	URL string

	// Method defaults to POST when Body is set and GET otherwise.
	Method string

	// Body is sent as JSON.
	Body any

	// Token is sent as a bearer token when non-empty.
	Token string

	Header http.Header
}

// Client opens event streams. Each Open call decodes into its own buffer, so
// one Client may serve concurrent streams.
type Client struct {
	httpClient *http.Client
	terminal   map[string]bool
	readSize   int
	logger     *log.Logger
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient sets the HTTP client. It must not impose a total request
// timeout shorter than the longest expected stream.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.httpClient = hc }
}

// WithTerminalTypes replaces the event types that end a stream.
func WithTerminalTypes(types ...string) Option {
	return func(c *Client) {
		c.terminal = make(map[string]bool, len(types))
		for _, t := range types {
			c.terminal[t] = true
		}
	}
}

// WithReadSize sets the read buffer size.
func WithReadSize(n int) Option {
	return func(c *Client) {
		if n > 0 {
			c.readSize = n
		}
	}
}

// WithLogger sets the logger.
func WithLogger(l *log.Logger) Option {
	return func(c *Client) { c.logger = l }
}

// NewClient returns a streaming client.
func NewClient(opts ...Option) *Client {
	c := &Client{
		httpClient: &http.Client{Transport: http.DefaultTransport},
		readSize:   4096,
	}
	WithTerminalTypes(DefaultTerminalTypes...)(c)
	for _, opt := range opts {
		opt(c)
	}
	c.logger = log.OrDefault(c.logger).With("component", "stream")
	return c
}

// Open connects, then blocks dispatching events to onEvent in arrival order
// until the stream ends. onDone is called exactly once when the stream ends
// for any reason: [DONE], a terminal event type, end of body, a read error,
// or ctx cancellation.
//
// The only error returned is a transport error for a channel that could not
// be opened; in that case neither callback is invoked.
func (c *Client) Open(ctx context.Context, req Request, onEvent func(sse.Event), onDone func()) error {
	resp, err := c.connect(ctx, req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if onEvent == nil {
		onEvent = func(sse.Event) {}
	}
	if onDone != nil {
		defer onDone()
	}

	start := time.Now()
	events := 0
	dec := sse.NewDecoder()
	dispatch := func(ev sse.Event) {
		events++
		if ev.Malformed {
			c.logger.Debug("malformed event payload", "error_code", string(errors.ErrCodeStreamDecode), "type", ev.Type)
		}
		onEvent(ev)
		if c.terminal[ev.Type] {
			dec.Stop()
		}
	}

	buf := make([]byte, c.readSize)
	for {
		n, rerr := resp.Body.Read(buf)
		if n > 0 && dec.Feed(buf[:n], dispatch) {
			c.logger.Debug("stream finished", "url", req.URL, "events", events, "duration_ms", time.Since(start).Milliseconds())
			return nil
		}
		if rerr == nil {
			continue
		}
		if rerr != io.EOF {
			c.logger.Debug("stream interrupted", "url", req.URL, "error", rerr)
		}
		if p := dec.Pending(); p > 0 {
			c.logger.Debug("discarding incomplete event", "bytes", p)
		}
		return nil
	}
}

func (c *Client) connect(ctx context.Context, req Request) (*http.Response, error) {
	method := req.Method
	var body io.Reader
	if req.Body != nil {
		data, err := json.Marshal(req.Body)
		if err != nil {
			return nil, errors.NewTransportError(req.URL, 0, fmt.Errorf("encode request body: %w", err))
		}
		body = bytes.NewReader(data)
		if method == "" {
			method = http.MethodPost
		}
	}
	if method == "" {
		method = http.MethodGet
	}

	httpReq, err := http.NewRequestWithContext(ctx, method, req.URL, body)
	if err != nil {
		return nil, errors.NewTransportError(req.URL, 0, err)
	}
	for k, vs := range req.Header {
		for _, v := range vs {
			httpReq.Header.Add(k, v)
		}
	}
	httpReq.Header.Set("Accept", "text/event-stream")
	httpReq.Header.Set("Cache-Control", "no-cache")
	if body != nil {
		httpReq.Header.Set("Content-Type", "application/json")
	}
	if req.Token != "" {
		httpReq.Header.Set("Authorization", "Bearer "+req.Token)
	}

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, errors.NewTransportError(req.URL, 0, err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		resp.Body.Close()
		var cause error
		if s := bytes.TrimSpace(snippet); len(s) > 0 {
			cause = fmt.Errorf("%s", s)
		}
		return nil, errors.NewTransportError(req.URL, resp.StatusCode, cause)
	}
	if resp.Body == nil || resp.Body == http.NoBody {
		if resp.Body != nil {
			resp.Body.Close()
		}
		return nil, errors.NewTransportError(req.URL, resp.StatusCode, fmt.Errorf("response has no body"))
	}
	return resp, nil
}
