// Package server exposes probe runs and gate evaluation over HTTP.
//
// Routes:
//   - POST /v1/probes streams one run as text/event-stream
//   - POST /v1/gate evaluates a validation summary
//   - GET /health/live, /health/ready, /health/startup (and /healthz)
//   - GET /metrics
//
// Shutdown fails readiness first and then drains in-flight streams.
package server

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/christopher-igweze/clarity-check/internal/errors"
	"github.com/christopher-igweze/clarity-check/internal/gate"
	"github.com/christopher-igweze/clarity-check/internal/health"
	"github.com/christopher-igweze/clarity-check/internal/log"
	"github.com/christopher-igweze/clarity-check/internal/metrics"
	"github.com/christopher-igweze/clarity-check/internal/probe"
	"github.com/christopher-igweze/clarity-check/internal/sse"
)

// maxBodyBytes bounds request bodies.
const maxBodyBytes = 1 << 20

// Prober runs one probe. *probe.Orchestrator implements it.
type Prober interface {
	Run(ctx context.Context, req probe.Request, sink probe.Sink) (*probe.Report, error)
}

// Server provides the HTTP API and health endpoints.
type Server struct {
	httpServer      *http.Server
	probeManager    *health.ProbeManager
	prober          Prober
	thresholds      gate.Thresholds
	eventSinks      func(runID string) probe.Sink
	metrics         *metrics.Metrics
	gatherer        prometheus.Gatherer
	logger          *log.Logger
	slots           chan struct{}
	inShutdown      atomic.Bool
	shutdownTimeout time.Duration
}

// Config holds server configuration.
type Config struct {
	// Address is the listen address (e.g., ":8080", "0.0.0.0:8080")
	Address string

	// ShutdownTimeout bounds how long in-flight runs may drain.
	// Defaults to 30 seconds.
	ShutdownTimeout time.Duration

	// ReadHeaderTimeout defaults to 10 seconds. There is no write timeout:
	// probe streams last as long as the run.
	ReadHeaderTimeout time.Duration

	// IdleTimeout defaults to 60 seconds.
	IdleTimeout time.Duration

	// MaxConcurrentRuns caps simultaneous probe streams. Zero is unlimited.
	MaxConcurrentRuns int
}

// Option configures a Server.
type Option func(*Server)

// WithThresholds sets the thresholds used when a gate request carries none.
func WithThresholds(t gate.Thresholds) Option {
	return func(s *Server) { s.thresholds = t }
}

// WithEventSinks mirrors every run's events to the sink the factory returns.
func WithEventSinks(factory func(runID string) probe.Sink) Option {
	return func(s *Server) { s.eventSinks = factory }
}

// WithMetrics records gate verdicts on m and serves g on /metrics.
func WithMetrics(m *metrics.Metrics, g prometheus.Gatherer) Option {
	return func(s *Server) {
		s.metrics = m
		s.gatherer = g
	}
}

// WithLogger sets the logger.
func WithLogger(l *log.Logger) Option {
	return func(s *Server) { s.logger = l }
}

// NewServer creates a server that runs probes with prober.
func NewServer(probeManager *health.ProbeManager, prober Prober, cfg Config, opts ...Option) *Server {
	if cfg.ShutdownTimeout == 0 {
		cfg.ShutdownTimeout = 30 * time.Second
	}
	if cfg.ReadHeaderTimeout == 0 {
		cfg.ReadHeaderTimeout = 10 * time.Second
	}
	if cfg.IdleTimeout == 0 {
		cfg.IdleTimeout = 60 * time.Second
	}

	s := &Server{
		probeManager:    probeManager,
		prober:          prober,
		thresholds:      gate.DefaultThresholds(),
		shutdownTimeout: cfg.ShutdownTimeout,
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = log.OrDefault(s.logger).With("component", "server")
	if cfg.MaxConcurrentRuns > 0 {
		s.slots = make(chan struct{}, cfg.MaxConcurrentRuns)
	}

	s.httpServer = &http.Server{
		Addr:              cfg.Address,
		Handler:           s.routes(),
		ReadHeaderTimeout: cfg.ReadHeaderTimeout,
		IdleTimeout:       cfg.IdleTimeout,
	}
	return s
}

func (s *Server) routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(s.requestLogger)

	r.Get("/health/live", s.handleLiveness)
	r.Get("/health/ready", s.handleReadiness)
	r.Get("/health/startup", s.handleStartup)
	r.Get("/healthz", s.handleReadiness)
	if s.gatherer != nil {
		r.Method(http.MethodGet, "/metrics", metrics.HandlerFor(s.gatherer))
	}

	r.Route("/v1", func(r chi.Router) {
		r.Post("/probes", s.handleProbe)
		r.Post("/gate", s.handleGate)
	})
	return r
}

// Handler returns the routed handler.
func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}

// Start listens on the configured address. It returns http.ErrServerClosed
// after Shutdown.
func (s *Server) Start() error {
	s.probeManager.MarkInitialized()
	s.logger.Info("server listening", "addr", s.httpServer.Addr)
	return s.httpServer.ListenAndServe()
}

// Serve accepts connections on l.
func (s *Server) Serve(l net.Listener) error {
	s.probeManager.MarkInitialized()
	s.logger.Info("server listening", "addr", l.Addr().String())
	return s.httpServer.Serve(l)
}

// Shutdown fails readiness, stops keep-alives and waits up to the shutdown
// timeout for in-flight runs. Runs still going when it expires lose their
// connection; their sandboxes are still torn down.
func (s *Server) Shutdown(ctx context.Context) error {
	s.inShutdown.Store(true)
	s.probeManager.MarkShutdown()
	s.httpServer.SetKeepAlivesEnabled(false)

	shutdownCtx, cancel := context.WithTimeout(ctx, s.shutdownTimeout)
	defer cancel()
	return s.httpServer.Shutdown(shutdownCtx)
}

// IsShuttingDown returns whether the server is shutting down.
func (s *Server) IsShuttingDown() bool {
	return s.inShutdown.Load()
}

func (s *Server) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		s.logger.Debug("request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"bytes", ww.BytesWritten(),
			"duration_ms", time.Since(start).Milliseconds(),
			"request_id", middleware.GetReqID(r.Context()),
		)
	})
}

// handleProbe streams one run. Validation failures, a draining server and a
// full run pool are answered with JSON errors before the stream starts; once
// the 200 is written every outcome is reported as events.
func (s *Server) handleProbe(w http.ResponseWriter, r *http.Request) {
	if s.IsShuttingDown() {
		writeError(w, http.StatusServiceUnavailable, errors.New(errors.ErrCodeProbeRequest, "server is shutting down"))
		return
	}

	var req probe.Request
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if err := req.Validate(); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	if s.slots != nil {
		select {
		case s.slots <- struct{}{}:
			defer func() { <-s.slots }()
		default:
			writeError(w, http.StatusTooManyRequests, errors.New(errors.ErrCodeProbeRequest, "too many concurrent probe runs"))
			return
		}
	}

	if req.RunID == "" {
		req.RunID = uuid.NewString()
	}

	h := w.Header()
	h.Set("Content-Type", "text/event-stream")
	h.Set("Cache-Control", "no-cache")
	h.Set("Connection", "keep-alive")
	h.Set("X-Accel-Buffering", "no")
	h.Set("X-Run-ID", req.RunID)
	w.WriteHeader(http.StatusOK)

	var sink probe.Sink = probe.NewSSESink(sse.NewWriter(w))
	if s.eventSinks != nil {
		sink = probe.NewMultiSink(sink, s.eventSinks(req.RunID))
	}

	rep, err := s.prober.Run(r.Context(), req, sink)
	if err != nil {
		s.logger.WithError(err).Error("probe run rejected after stream start", "run_id", req.RunID)
		return
	}
	s.logger.Info("probe stream finished", "run_id", rep.RunID, "outcome", rep.Outcome())
}

// gateRequest is a ValidationSummary with optional thresholds.
type gateRequest struct {
	gate.ValidationSummary
	Thresholds *gate.Thresholds `json:"thresholds,omitempty"`
}

// handleGate answers 200 with the verdict whether or not the gate passed.
func (s *Server) handleGate(w http.ResponseWriter, r *http.Request) {
	var req gateRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	t := s.thresholds
	if req.Thresholds != nil {
		t = *req.Thresholds
	}
	if err := t.Validate(); err != nil {
		writeError(w, http.StatusBadRequest, errors.NewInvalidRequestError(err.Error()))
		return
	}

	res := gate.Evaluate(req.ValidationSummary, t)
	s.metrics.RecordGate(res.Passed)
	if !res.Passed {
		s.logger.Info("gate failed", "reasons", res.Reasons)
	}
	writeJSON(w, http.StatusOK, res)
}

func decodeJSON(w http.ResponseWriter, r *http.Request, v any) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return errors.NewInvalidRequestError("malformed JSON body: " + err.Error())
	}
	return nil
}

type errorBody struct {
	Error string `json:"error"`
	Code  string `json:"code,omitempty"`
}

func writeError(w http.ResponseWriter, status int, err error) {
	body := errorBody{Error: err.Error()}
	if ce, ok := errors.As(err); ok {
		body.Error = ce.Message
		body.Code = string(ce.Code)
	}
	writeJSON(w, status, body)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// writeProbeResponse answers a health probe; unhealthy results get
// unhealthyStatus.
func (s *Server) writeProbeResponse(w http.ResponseWriter, result *health.ProbeResult, unhealthyStatus int) {
	status := http.StatusOK
	if result.Status == health.StatusUnhealthy {
		status = unhealthyStatus
	}
	writeJSON(w, status, result)
}

// handleLiveness always answers 200, degraded while draining.
func (s *Server) handleLiveness(w http.ResponseWriter, r *http.Request) {
	s.writeProbeResponse(w, s.probeManager.CheckLiveness(r.Context()), http.StatusOK)
}

// handleReadiness answers 503 while draining or when a dependency is down.
func (s *Server) handleReadiness(w http.ResponseWriter, r *http.Request) {
	s.writeProbeResponse(w, s.probeManager.CheckReadiness(r.Context()), http.StatusServiceUnavailable)
}

// handleStartup answers 503 until the server has started.
func (s *Server) handleStartup(w http.ResponseWriter, r *http.Request) {
	s.writeProbeResponse(w, s.probeManager.CheckStartup(r.Context()), http.StatusServiceUnavailable)
}
