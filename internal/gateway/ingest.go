package gateway

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/greenwichg/etl-transforations/internal/persistence"
	"github.com/greenwichg/etl-transforations/internal/tracker"
)

// The ingest endpoints are how external pipeline jobs report their
// lifecycle: start, heartbeat, completion. They are thin adapters over
// the tracker.

type startRunRequest struct {
	PipelineID   string     `json:"pipeline_id"`
	PartitionKey string     `json:"partition_key"`
	Deadline     *time.Time `json:"deadline,omitempty"`
}

type completeRunRequest struct {
	Success   bool               `json:"success"`
	ErrorKind string             `json:"error_kind,omitempty"`
	Metrics   map[string]float64 `json:"metrics,omitempty"`
}

func (s *Server) handleStartRun(w http.ResponseWriter, r *http.Request) {
	if s.cfg.Tracker == nil {
		http.Error(w, "ingest disabled", http.StatusNotImplemented)
		return
	}
	var req startRunRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if req.PipelineID == "" || req.PartitionKey == "" {
		http.Error(w, "pipeline_id and partition_key required", http.StatusBadRequest)
		return
	}
	var deadline time.Time
	if req.Deadline != nil {
		deadline = *req.Deadline
	}
	runID, err := s.cfg.Tracker.StartRun(r.Context(), req.PipelineID, req.PartitionKey, deadline)
	if err != nil {
		if errors.Is(err, persistence.ErrDuplicateRun) {
			http.Error(w, err.Error(), http.StatusConflict)
			return
		}
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	_ = json.NewEncoder(w).Encode(map[string]string{"run_id": runID})
}

func (s *Server) handleRunHeartbeat(w http.ResponseWriter, r *http.Request, runID string) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if s.cfg.Tracker == nil {
		http.Error(w, "ingest disabled", http.StatusNotImplemented)
		return
	}
	if err := s.cfg.Tracker.Heartbeat(r.Context(), runID); err != nil {
		writeTrackerError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleRunComplete(w http.ResponseWriter, r *http.Request, runID string) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if s.cfg.Tracker == nil {
		http.Error(w, "ingest disabled", http.StatusNotImplemented)
		return
	}
	var req completeRunRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}
	outcome := tracker.Outcome{
		Success:   req.Success,
		ErrorKind: req.ErrorKind,
		Metrics:   req.Metrics,
	}
	if err := s.cfg.Tracker.Complete(r.Context(), runID, outcome); err != nil {
		writeTrackerError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func writeTrackerError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, persistence.ErrNotFound):
		http.Error(w, err.Error(), http.StatusNotFound)
	case errors.Is(err, persistence.ErrInvalidState):
		http.Error(w, err.Error(), http.StatusConflict)
	default:
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}
