// Package admin serves health, status and Prometheus metrics over HTTP.
package admin

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"sort"
	"time"

	"github.com/rs/zerolog"

	"github.com/swarmcast/swarmcast/internal/metrics"
	"github.com/swarmcast/swarmcast/internal/redistribution"
	"github.com/swarmcast/swarmcast/internal/scheduler"
	"github.com/swarmcast/swarmcast/internal/tracing"
)

// StatusSource is the read side of a scheduler.
type StatusSource interface {
	GetAllocationStatus() scheduler.AllocationStatus
	GetCarrierAllocations() map[int]scheduler.Allocation
	Statistics() redistribution.Stats
	EstimatedCompletion() time.Duration
}

// StatusResponse is the JSON body of /status.
type StatusResponse struct {
	Allocations         scheduler.AllocationStatus `json:"allocations"`
	Redistribution      redistribution.Stats       `json:"redistribution"`
	EstimatedCompletion string                     `json:"estimated_completion"`
}

// CarrierAllocation is one entry of /carriers.
type CarrierAllocation struct {
	CarrierID int       `json:"carrier_id"`
	ChunkID   string    `json:"chunk_id"`
	Status    string    `json:"status"`
	Quality   float64   `json:"quality_db"`
	StartTime time.Time `json:"start_time"`
}

// AdminServer provides the HTTP admin interface for one scheduler.
type AdminServer struct {
	server   *http.Server
	mux      *http.ServeMux
	listener net.Listener
	source   StatusSource
	recorder *tracing.Recorder
	logger   zerolog.Logger
}

// NewAdminServer creates a new admin server. source may be nil, in which
// case only /health, /metrics and /debug/trace are served. recorder may be
// nil when tracing is off.
func NewAdminServer(source StatusSource, recorder *tracing.Recorder, logger zerolog.Logger) *AdminServer {
	s := &AdminServer{
		mux:      http.NewServeMux(),
		source:   source,
		recorder: recorder,
		logger:   logger.With().Str("component", "admin").Logger(),
	}

	// Register handlers
	s.mux.HandleFunc("/health", healthHandler)
	s.mux.Handle("/metrics", metrics.Handler())
	s.mux.HandleFunc("/debug/trace", s.traceHandler)
	if source != nil {
		s.mux.HandleFunc("/status", s.statusHandler)
		s.mux.HandleFunc("/carriers", s.carriersHandler)
	}
	return s
}

// Start binds addr and serves in the background. Bind errors are returned.
func (s *AdminServer) Start(addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	s.listener = ln
	s.server = &http.Server{
		Handler:           s.mux,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       10 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	go func() {
		if err := s.server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error().Err(err).Msg("Admin server stopped")
		}
	}()

	s.logger.Info().Str("listen", ln.Addr().String()).Msg("Admin server listening")
	return nil
}

// Addr returns the bound address, or "" before Start.
func (s *AdminServer) Addr() string {
	if s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

// Stop gracefully stops the admin server.
func (s *AdminServer) Stop() error {
	if s.server == nil {
		return nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	return s.server.Shutdown(ctx)
}

// healthHandler returns a simple health check response.
func healthHandler(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok\n"))
}

// traceHandler returns a runtime trace snapshot.
// The output is compatible with `go tool trace`.
func (s *AdminServer) traceHandler(w http.ResponseWriter, r *http.Request) {
	if !s.recorder.Enabled() {
		http.Error(w, "tracing not enabled (use --enable-tracing flag)", http.StatusServiceUnavailable)
		return
	}

	w.Header().Set("Content-Type", "application/octet-stream")
	w.Header().Set("Content-Disposition", "attachment; filename=trace.out")

	if err := s.recorder.Snapshot(w); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}

func (s *AdminServer) statusHandler(w http.ResponseWriter, r *http.Request) {
	resp := StatusResponse{
		Allocations:         s.source.GetAllocationStatus(),
		Redistribution:      s.source.Statistics(),
		EstimatedCompletion: s.source.EstimatedCompletion().String(),
	}
	writeJSON(w, resp)
}

func (s *AdminServer) carriersHandler(w http.ResponseWriter, r *http.Request) {
	allocs := s.source.GetCarrierAllocations()
	out := make([]CarrierAllocation, 0, len(allocs))
	for id, a := range allocs {
		out = append(out, CarrierAllocation{
			CarrierID: id,
			ChunkID:   a.ChunkID,
			Status:    a.Status.String(),
			Quality:   a.Quality,
			StartTime: a.StartTime,
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CarrierID < out[j].CarrierID })
	writeJSON(w, out)
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}
