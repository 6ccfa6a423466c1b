// Package apiserver exposes a read-only HTTP view of the Job Table and
// Resource Ledger for operators, served on --status-addr alongside the
// separate Prometheus endpoint.
package apiserver

import (
	"encoding/json"
	"net/http"

	"github.com/lartpang/runit/internal/jobtable"
	"github.com/lartpang/runit/internal/ledger"
	"github.com/lartpang/runit/internal/telemetry"
)

// Server serves /healthz, /jobs, /gpus, and /stats over the scheduler's
// live state. It never mutates the Job Table or Ledger: admission and
// completion are owned exclusively by the Scheduling Loop and Worker Pool.
type Server struct {
	table *jobtable.Table
	led   *ledger.Ledger
	agg   *telemetry.Aggregator
	mux   *http.ServeMux
}

// New builds a Server wired to the scheduler's shared state.
func New(table *jobtable.Table, led *ledger.Ledger, agg *telemetry.Aggregator) *Server {
	s := &Server{table: table, led: led, agg: agg, mux: http.NewServeMux()}
	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	s.mux.HandleFunc("/healthz", s.handleHealthz)
	s.mux.HandleFunc("/jobs", s.handleJobs)
	s.mux.HandleFunc("/gpus", s.handleGPUs)
	s.mux.HandleFunc("/stats", s.handleStats)
}

// Handler returns the composed mux for use with http.Server or ListenAndServe.
func (s *Server) Handler() http.Handler { return s.mux }

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, map[string]string{"status": "ok"})
}

type jobView struct {
	ID       int     `json:"id"`
	Status   string  `json:"status"`
	NumGPUs  int     `json:"num_gpus"`
	Memory   int     `json:"memory_mb,omitempty"`
	Duration float64 `json:"duration_seconds"`
	Error    string  `json:"error,omitempty"`
}

func (s *Server) handleJobs(w http.ResponseWriter, r *http.Request) {
	snap := s.table.Snapshot()
	views := make([]jobView, len(snap))
	for i, j := range snap {
		v := jobView{
			ID:       j.ID,
			Status:   j.Status().String(),
			NumGPUs:  j.NumGPUs,
			Memory:   j.Memory,
			Duration: j.Duration().Seconds(),
		}
		if err := j.Err(); err != nil {
			v.Error = err.Error()
		}
		views[i] = v
	}
	writeJSON(w, views)
}

func (s *Server) handleGPUs(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, s.led.Snapshot())
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	counts := s.table.CountByStatus()
	byStatus := make(map[string]int, len(counts))
	for status, n := range counts {
		byStatus[status.String()] = n
	}
	writeJSON(w, map[string]any{
		"jobs_by_status": byStatus,
		"gpus":           s.led.Snapshot(),
	})
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}
