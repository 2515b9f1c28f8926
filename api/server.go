// Package api exposes the workflow engine over HTTP: workflow submission
// and inspection, worker state, engine stats, health, and Prometheus
// metrics.
package api

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/c360studio/lexstream/engine"
	"github.com/c360studio/lexstream/fetch/weburl"
)

// DefaultAddr is the default listen address.
const DefaultAddr = ":8080"

// maxRequestBody bounds submission payloads.
const maxRequestBody = 1 << 20

// Server is the HTTP surface over the engine.
type Server struct {
	engine        *engine.Engine
	addr          string
	logger        *slog.Logger
	allowInsecure bool

	lifecycleMu sync.Mutex
	running     bool
	srv         *http.Server
}

// Option configures a Server.
type Option func(*Server)

// WithAddr sets the listen address.
func WithAddr(addr string) Option {
	return func(s *Server) { s.addr = addr }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Server) { s.logger = l }
}

// WithInsecureTargets accepts submission URLs that fail safety validation.
// Local development only.
func WithInsecureTargets() Option {
	return func(s *Server) { s.allowInsecure = true }
}

// New creates a server over the engine.
func New(e *engine.Engine, opts ...Option) *Server {
	s := &Server{
		engine: e,
		addr:   DefaultAddr,
		logger: slog.Default(),
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Handler builds the route table.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /workflows", s.handleSubmit)
	mux.HandleFunc("GET /workflows", s.handleList)
	mux.HandleFunc("GET /workflows/{id}", s.handleStatus)
	mux.HandleFunc("DELETE /workflows/{id}", s.handleCancel)
	mux.HandleFunc("GET /workers", s.handleWorkers)
	mux.HandleFunc("GET /stats", s.handleStats)
	mux.HandleFunc("GET /healthz", s.handleHealth)
	mux.Handle("GET /metrics", s.metricsHandler())
	return mux
}

// Start begins serving. Returns once the listener goroutine is launched.
func (s *Server) Start(_ context.Context) error {
	s.lifecycleMu.Lock()
	defer s.lifecycleMu.Unlock()
	if s.running {
		return fmt.Errorf("api server already running")
	}

	s.srv = &http.Server{
		Addr:              s.addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	s.running = true

	go func() {
		s.logger.Info("api server listening", "addr", s.addr)
		if err := s.srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			s.logger.Error("api server failed", "error", err)
		}
	}()
	return nil
}

// Stop drains in-flight requests and shuts the listener down.
func (s *Server) Stop(timeout time.Duration) error {
	s.lifecycleMu.Lock()
	defer s.lifecycleMu.Unlock()
	if !s.running {
		return nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	err := s.srv.Shutdown(ctx)
	s.running = false
	return err
}

func (s *Server) metricsHandler() http.Handler {
	reg := prometheus.NewRegistry()
	reg.MustRegister(s.engine.Collector())
	reg.MustRegister(collectors.NewGoCollector())
	return promhttp.HandlerFor(reg, promhttp.HandlerOpts{})
}

// SubmitRequest is the workflow submission payload. Steps switches to a
// custom DAG; otherwise the default extraction DAG is built from Config.
type SubmitRequest struct {
	URL    string            `json:"url"`
	Config engine.JobConfig  `json:"config"`
	Steps  []engine.StepSpec `json:"steps,omitempty"`
}

// SubmitResponse is returned for accepted workflows.
type SubmitResponse struct {
	WorkflowID string `json:"workflow_id"`
	DocumentID string `json:"document_id"`
}

// ErrorResponse is a standard error response.
type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

func (s *Server) handleSubmit(w http.ResponseWriter, r *http.Request) {
	var req SubmitRequest
	body := http.MaxBytesReader(w, r.Body, maxRequestBody)
	if err := json.NewDecoder(body).Decode(&req); err != nil {
		writeJSONError(w, http.StatusBadRequest, "parse_error", "Invalid JSON body: "+err.Error())
		return
	}
	if req.URL == "" {
		writeJSONError(w, http.StatusBadRequest, "url_required", "Field url is required")
		return
	}
	if !s.allowInsecure {
		if err := weburl.Validate(req.URL); err != nil {
			writeJSONError(w, http.StatusBadRequest, "invalid_url", err.Error())
			return
		}
	}

	var id string
	var err error
	if len(req.Steps) > 0 {
		id, err = s.engine.SubmitCustom(req.URL, req.Config, req.Steps)
	} else {
		id, err = s.engine.Submit(req.URL, req.Config)
	}
	if err != nil {
		writeJSONError(w, http.StatusUnprocessableEntity, "rejected", err.Error())
		return
	}

	s.logger.Info("workflow accepted", "workflow_id", id, "url", req.URL)
	writeJSON(w, http.StatusCreated, SubmitResponse{
		WorkflowID: id,
		DocumentID: weburl.DocumentID(req.URL),
	})
}

func (s *Server) handleList(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"workflows": s.engine.Workflows(),
	})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	view, err := s.engine.Status(r.PathValue("id"))
	if err != nil {
		writeJSONError(w, http.StatusNotFound, "not_found", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, view)
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if _, err := s.engine.Status(id); err != nil {
		writeJSONError(w, http.StatusNotFound, "not_found", err.Error())
		return
	}
	if err := s.engine.Cancel(id, "cancelled via api"); err != nil {
		writeJSONError(w, http.StatusConflict, "conflict", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"workflow_id": id, "status": "cancelled"})
}

func (s *Server) handleWorkers(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"workers": s.engine.Workers(),
	})
}

func (s *Server) handleStats(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.engine.Stats())
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok"})
}

// writeJSON writes a JSON response with the given status code.
func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		slog.Error("Failed to encode JSON response", "error", err)
	}
}

// writeJSONError writes a JSON error response.
func writeJSONError(w http.ResponseWriter, status int, errorCode, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(ErrorResponse{
		Error:   errorCode,
		Message: message,
	})
}
