package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/rs/zerolog"

	"github.com/corralhq/corral/pkg/log"
	"github.com/corralhq/corral/pkg/metrics"
)

// Server is the read-only HTTP surface: liveness, readiness and the
// Prometheus endpoint.
type Server struct {
	addr   string
	mux    *http.ServeMux
	srv    *http.Server
	logger zerolog.Logger
}

// NewServer builds the server and registers its endpoints.
func NewServer(addr string) *Server {
	mux := http.NewServeMux()
	s := &Server{
		addr:   addr,
		mux:    mux,
		logger: log.WithComponent("api"),
	}

	mux.HandleFunc("/health", s.healthHandler)
	mux.HandleFunc("/ready", s.readyHandler)
	mux.Handle("/metrics", metrics.Handler())

	return s
}

// Start serves until Stop. Blocks; run it on its own goroutine.
func (s *Server) Start() error {
	s.srv = &http.Server{
		Addr:         s.addr,
		Handler:      s.mux,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
	s.logger.Info().Str("addr", s.addr).Msg("api server listening")

	err := s.srv.ListenAndServe()
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Stop shuts the server down gracefully.
func (s *Server) Stop(ctx context.Context) error {
	if s.srv == nil {
		return nil
	}
	return s.srv.Shutdown(ctx)
}

// Handler exposes the mux for tests and embedding.
func (s *Server) Handler() http.Handler {
	return s.mux
}

// healthHandler is the liveness probe: 200 while the process is up, 503
// when any registered component reports unhealthy.
func (s *Server) healthHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	health := metrics.GetHealth()
	code := http.StatusOK
	if health.Status != "healthy" {
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, health)
}

// readyHandler reports readiness of the critical components.
func (s *Server) readyHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	ready := metrics.GetReadiness()
	code := http.StatusOK
	if ready.Status != "ready" {
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, ready)
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}
