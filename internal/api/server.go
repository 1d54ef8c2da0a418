// Package api is the operator-facing control surface: start and stop runs,
// inspect the pilot fleet, stream lifecycle events, scrape metrics.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/mics-lab/orchestrator/internal/controller"
	"github.com/mics-lab/orchestrator/internal/events"
	"github.com/mics-lab/orchestrator/internal/micsapi"
	"github.com/mics-lab/orchestrator/internal/registry"
)

// RunController is the slice of the run controller the API drives.
type RunController interface {
	StartRun(ctx context.Context, runID int, mode string) (*micsapi.Run, error)
	StopRun(ctx context.Context, runID int) error
}

// Config wires the API server's collaborators.
type Config struct {
	Controller RunController
	Registry   *registry.Registry

	// Stream feeds /events/stream. Nil disables the endpoint.
	Stream *events.Bus

	// Gatherer backs /metrics. Nil falls back to the default registry.
	Gatherer prometheus.Gatherer

	// StaleAfter is the snapshot threshold for counting a pilot as
	// connected. Defaults to 10 seconds.
	StaleAfter time.Duration

	// Service is the name reported by /health. Defaults to "orchestrator".
	Service string
}

// Server is the control API.
type Server struct {
	ctrl       RunController
	reg        *registry.Registry
	stream     *events.Bus
	gatherer   prometheus.Gatherer
	staleAfter time.Duration
	service    string

	httpServer *http.Server
}

// New creates the control API server.
func New(config Config) *Server {
	if config.StaleAfter <= 0 {
		config.StaleAfter = 10 * time.Second
	}
	if config.Service == "" {
		config.Service = "orchestrator"
	}
	if config.Gatherer == nil {
		config.Gatherer = prometheus.DefaultGatherer
	}
	return &Server{
		ctrl:       config.Controller,
		reg:        config.Registry,
		stream:     config.Stream,
		gatherer:   config.Gatherer,
		staleAfter: config.StaleAfter,
		service:    config.Service,
	}
}

// Handler builds the routed handler with middleware. Exposed separately from
// Start so tests can mount it on httptest servers.
func (s *Server) Handler() http.Handler {
	r := mux.NewRouter()

	r.HandleFunc("/health", s.handleHealth).Methods("GET")
	r.Handle("/metrics", promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{})).Methods("GET")

	r.HandleFunc("/runs/{id}/start", s.handleStartRun).Methods("POST", "OPTIONS")
	r.HandleFunc("/runs/{id}/stop", s.handleStopRun).Methods("POST", "OPTIONS")
	r.HandleFunc("/pilots/live", s.handlePilotsLive).Methods("GET")

	if s.stream != nil {
		r.HandleFunc("/events/stream", s.handleEventStream).Methods("GET")
	}

	r.Use(corsMiddleware)
	r.Use(loggingMiddleware)
	r.Use(recoveryMiddleware)
	return r
}

// Start runs the server until Shutdown or listen failure.
func (s *Server) Start(port int) error {
	s.httpServer = &http.Server{
		Addr:         fmt.Sprintf(":%d", port),
		Handler:      s.Handler(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
	slog.Info("[API] listening", "addr", s.httpServer.Addr)
	if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.httpServer == nil {
		return nil
	}
	return s.httpServer.Shutdown(ctx)
}

// ===== HANDLERS =====

func (s *Server) handleStartRun(w http.ResponseWriter, r *http.Request) {
	runID, ok := runIDFrom(w, r)
	if !ok {
		return
	}

	var body struct {
		Mode string `json:"mode"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil && !errors.Is(err, io.EOF) {
		writeJSON(w, http.StatusBadRequest, errorBody("invalid request body"))
		return
	}

	run, err := s.ctrl.StartRun(r.Context(), runID, body.Mode)
	if err != nil {
		s.writeControllerError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"ok": true, "run_id": run.ID})
}

func (s *Server) handleStopRun(w http.ResponseWriter, r *http.Request) {
	runID, ok := runIDFrom(w, r)
	if !ok {
		return
	}
	if err := s.ctrl.StopRun(r.Context(), runID); err != nil {
		s.writeControllerError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"ok": true, "run_id": runID})
}

func (s *Server) handlePilotsLive(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.reg.Snapshot(s.staleAfter))
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	connected := 0
	for _, st := range s.reg.Snapshot(s.staleAfter) {
		if st.Connected {
			connected++
		}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":  "healthy",
		"service": s.service,
		"pilots":  connected,
	})
}

// handleEventStream pushes lifecycle events as Server-Sent Events until the
// client goes away. Browsers reconnect on their own when the write timeout
// cuts the stream.
func (s *Server) handleEventStream(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeJSON(w, http.StatusInternalServerError, errorBody("streaming unsupported"))
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	fmt.Fprint(w, ": stream open\n\n")
	flusher.Flush()

	ch := s.stream.Subscribe()
	defer s.stream.Unsubscribe(ch)

	for {
		select {
		case <-r.Context().Done():
			return
		case event, open := <-ch:
			if !open {
				return
			}
			frame, err := event.SSEFormat()
			if err != nil {
				slog.Warn("[API] dropping unserializable event", "type", event.Type, "error", err)
				continue
			}
			if _, err := w.Write(frame); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}

// ===== HELPERS =====

func runIDFrom(w http.ResponseWriter, r *http.Request) (int, bool) {
	runID, err := strconv.Atoi(mux.Vars(r)["id"])
	if err != nil || runID <= 0 {
		writeJSON(w, http.StatusBadRequest, errorBody("run id must be a positive integer"))
		return 0, false
	}
	return runID, true
}

// writeControllerError maps the controller's typed errors onto status codes.
func (s *Server) writeControllerError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	var (
		validation *controller.ValidationError
		notFound   *controller.NotFoundError
	)
	switch {
	case errors.As(err, &validation):
		status = http.StatusBadRequest
	case errors.As(err, &notFound):
		status = http.StatusNotFound
	}
	writeJSON(w, status, errorBody(err.Error()))
}

func errorBody(message string) map[string]interface{} {
	return map[string]interface{}{"ok": false, "error": message}
}

func writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		slog.Debug("[API] response encode failed", "error", err)
	}
}

// ===== MIDDLEWARE =====

func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		slog.Info("[API] request",
			"method", r.Method,
			"path", r.URL.Path,
			"duration_ms", time.Since(start).Milliseconds(),
		)
	})
}

func recoveryMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				slog.Error("[API] handler panic", "path", r.URL.Path, "panic", rec)
				writeJSON(w, http.StatusInternalServerError, errorBody("internal error"))
			}
		}()
		next.ServeHTTP(w, r)
	})
}
