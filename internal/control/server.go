package control

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/drawlytics/conveyor/internal/infra/storage"
	"github.com/drawlytics/conveyor/internal/status"
)

// DepthReader reports the pending queue length for the health payload.
type DepthReader interface {
	Depth(ctx context.Context) (int64, error)
}

// Server exposes job status, health and metrics over HTTP.
type Server struct {
	projector *status.Projector
	depth     DepthReader
	server    *http.Server
}

// NewServer creates the status server.
func NewServer(projector *status.Projector, depth DepthReader, port int) *Server {
	mux := http.NewServeMux()
	s := &Server{
		projector: projector,
		depth:     depth,
		server: &http.Server{
			Addr:              fmt.Sprintf(":%d", port),
			Handler:           mux,
			ReadHeaderTimeout: 10 * time.Second,
		},
	}

	mux.HandleFunc("GET /healthz", s.handleHealth)
	mux.HandleFunc("GET /jobs/{id}/status", s.handleJobStatus)
	mux.Handle("/metrics", promhttp.Handler())

	return s
}

// Start starts the HTTP server.
func (s *Server) Start() error {
	err := s.server.ListenAndServe()
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Stop stops the HTTP server.
func (s *Server) Stop(ctx context.Context) error {
	return s.server.Shutdown(ctx)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	response := map[string]any{"status": "ok"}
	if depth, err := s.depth.Depth(r.Context()); err == nil {
		response["queue_depth"] = depth
	}
	writeJSON(w, http.StatusOK, response)
}

func (s *Server) handleJobStatus(w http.ResponseWriter, r *http.Request) {
	view, err := s.projector.Project(r.Context(), r.PathValue("id"))
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			writeJSON(w, http.StatusNotFound, map[string]string{"error": "job not found"})
			return
		}
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "failed to load job"})
		return
	}
	writeJSON(w, http.StatusOK, view)
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}
