// Package httpapi exposes the operator surface: manual campaign triggers,
// scheduler status, enrollment and per-sequence actions.
package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"time"

	"LeadNurture/internal/domain"
	"LeadNurture/internal/usecase"
)

// Campaigns is the scheduler-facing part of the API.
type Campaigns interface {
	Trigger(ctx context.Context, campaign domain.SequenceType) (usecase.TriggerResult, error)
	Status() usecase.Status
}

// Sequences is the engine-facing part of the API.
type Sequences interface {
	Sequence(ctx context.Context, id string) (usecase.SequenceDetail, error)
	RecordConversion(ctx context.Context, id string, value *float64) (domain.FollowUpSequence, error)
	Pause(ctx context.Context, id string) (domain.FollowUpSequence, error)
	Resume(ctx context.Context, id string) (domain.FollowUpSequence, error)
}

type Enroller interface {
	Enroll(ctx context.Context, campaign domain.SequenceType) (usecase.EnrollResult, error)
}

// Deps wires the API to the use cases.
type Deps struct {
	Campaigns Campaigns
	Sequences Sequences
	Enroller  Enroller
	Logger    *slog.Logger
}

// Server owns the HTTP listener.
type Server struct {
	deps    Deps
	logger  *slog.Logger
	handler http.Handler
	server  *http.Server
}

// New builds the router; Start binds it to addr.
func New(addr string, deps Deps) *Server {
	logger := deps.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	s := &Server{deps: deps, logger: logger}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /campaigns/scheduler-status", s.handleStatus)
	mux.HandleFunc("POST /campaigns/{type}", s.handleTrigger)
	mux.HandleFunc("POST /campaigns/{type}/enroll", s.handleEnroll)
	mux.HandleFunc("GET /sequences/{id}", s.handleSequence)
	mux.HandleFunc("POST /sequences/{id}/conversion", s.handleConversion)
	mux.HandleFunc("POST /sequences/{id}/pause", s.handlePause)
	mux.HandleFunc("POST /sequences/{id}/resume", s.handleResume)
	mux.HandleFunc("GET /healthz", s.handleHealth)

	s.handler = s.logRequests(mux)
	s.server = &http.Server{
		Addr:              addr,
		Handler:           s.handler,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

// Handler exposes the router for tests and embedding.
func (s *Server) Handler() http.Handler {
	return s.handler
}

// Start listens in the background; bind errors are returned synchronously.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.server.Addr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", s.server.Addr, err)
	}
	go func() {
		s.logger.Info("http api listening", "addr", ln.Addr().String())
		if err := s.server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("http api stopped", "error", err)
		}
	}()
	return nil
}

// Stop drains in-flight requests.
func (s *Server) Stop(ctx context.Context) error {
	return s.server.Shutdown(ctx)
}

type errorBody struct {
	Status string `json:"status,omitempty"`
	Error  string `json:"error"`
}

func (s *Server) handleTrigger(w http.ResponseWriter, r *http.Request) {
	campaign, ok := s.campaign(w, r)
	if !ok {
		return
	}

	res, err := s.deps.Campaigns.Trigger(r.Context(), campaign)
	if err != nil {
		s.writeError(w, err)
		return
	}

	switch res.Status {
	case usecase.TriggerAccepted:
		writeJSON(w, http.StatusAccepted, res)
	case usecase.TriggerConflict:
		writeJSON(w, http.StatusConflict, errorBody{Status: string(res.Status), Error: fmt.Sprintf("campaign %s is already running", campaign)})
	case usecase.TriggerRateLimited:
		w.Header().Set("Retry-After", strconv.Itoa(res.RetryAfterSeconds))
		writeJSON(w, http.StatusTooManyRequests, res)
	case usecase.TriggerPaused:
		writeJSON(w, http.StatusServiceUnavailable, errorBody{Status: string(res.Status), Error: "campaign runs are paused under memory pressure"})
	default:
		writeJSON(w, http.StatusInternalServerError, res)
	}
}

func (s *Server) handleStatus(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.deps.Campaigns.Status())
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	health := s.deps.Campaigns.Status().Health
	code := http.StatusOK
	if !health.Healthy {
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, health)
}

func (s *Server) handleEnroll(w http.ResponseWriter, r *http.Request) {
	campaign, ok := s.campaign(w, r)
	if !ok {
		return
	}
	if s.deps.Enroller == nil {
		writeJSON(w, http.StatusNotImplemented, errorBody{Error: "enrollment is not configured"})
		return
	}
	res, err := s.deps.Enroller.Enroll(r.Context(), campaign)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleSequence(w http.ResponseWriter, r *http.Request) {
	detail, err := s.deps.Sequences.Sequence(r.Context(), r.PathValue("id"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, detail)
}

func (s *Server) handleConversion(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Value *float64 `json:"value"`
	}
	// An empty body, chunked or not, records the conversion without a value.
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<16)).Decode(&body); err != nil && !errors.Is(err, io.EOF) {
		writeJSON(w, http.StatusBadRequest, errorBody{Error: "invalid JSON body: " + err.Error()})
		return
	}
	if body.Value != nil && *body.Value < 0 {
		writeJSON(w, http.StatusBadRequest, errorBody{Error: "value must not be negative"})
		return
	}

	seq, err := s.deps.Sequences.RecordConversion(r.Context(), r.PathValue("id"), body.Value)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, seq)
}

func (s *Server) handlePause(w http.ResponseWriter, r *http.Request) {
	seq, err := s.deps.Sequences.Pause(r.Context(), r.PathValue("id"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, seq)
}

func (s *Server) handleResume(w http.ResponseWriter, r *http.Request) {
	seq, err := s.deps.Sequences.Resume(r.Context(), r.PathValue("id"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, seq)
}

func (s *Server) campaign(w http.ResponseWriter, r *http.Request) (domain.SequenceType, bool) {
	campaign, err := domain.ParseSequenceType(r.PathValue("type"))
	if err != nil {
		writeJSON(w, http.StatusNotFound, errorBody{Error: err.Error()})
		return "", false
	}
	return campaign, true
}

func (s *Server) writeError(w http.ResponseWriter, err error) {
	code := http.StatusInternalServerError
	switch {
	case errors.Is(err, domain.ErrSequenceNotFound), errors.Is(err, domain.ErrUnknownSequenceType):
		code = http.StatusNotFound
	case errors.Is(err, domain.ErrTerminal), errors.Is(err, domain.ErrInvalidTransition), errors.Is(err, usecase.ErrSequenceBusy):
		code = http.StatusConflict
	}
	if code == http.StatusInternalServerError {
		s.logger.Error("request failed", "error", err)
	}
	writeJSON(w, code, errorBody{Error: err.Error()})
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

type statusRecorder struct {
	http.ResponseWriter
	code int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.code = code
	r.ResponseWriter.WriteHeader(code)
}

func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, code: http.StatusOK}
		next.ServeHTTP(rec, r)
		s.logger.Debug("http request",
			"method", r.Method, "path", r.URL.Path, "status", rec.code, "duration", time.Since(start))
	})
}
