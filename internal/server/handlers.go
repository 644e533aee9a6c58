package server

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/convexfund/cbsearch/internal/modules/trials"
)

func (s *Server) writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	if err := json.NewEncoder(w).Encode(data); err != nil {
		s.log.Error().Err(err).Msg("Failed to encode JSON response")
	}
}

func (s *Server) writeError(w http.ResponseWriter, status int, msg string) {
	s.writeJSON(w, status, map[string]string{"error": msg})
}

// handleHealth responds to liveness probes.
// GET /health
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// handleStatus reports whether a search run is in flight.
// GET /api/status
func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	running := false
	if s.searchJob != nil {
		running = s.searchJob.Running()
	}
	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"search_running": running,
	})
}

// handleTriggerRun starts a search run in the background.
// POST /api/runs/trigger
func (s *Server) handleTriggerRun(w http.ResponseWriter, r *http.Request) {
	if s.searchJob == nil {
		s.writeError(w, http.StatusServiceUnavailable, "search job not configured")
		return
	}
	if s.searchJob.Running() {
		s.writeJSON(w, http.StatusConflict, map[string]string{"status": "already running"})
		return
	}

	go func() {
		if err := s.searchJob.Run(); err != nil {
			s.log.Error().Err(err).Msg("Triggered search run failed")
		}
	}()

	s.writeJSON(w, http.StatusAccepted, map[string]string{"status": "started"})
}

// handleListRuns returns all run summaries, most recent first.
// GET /api/runs
func (s *Server) handleListRuns(w http.ResponseWriter, r *http.Request) {
	runs, err := s.store.ListRuns()
	if err != nil {
		s.log.Error().Err(err).Msg("Failed to list runs")
		s.writeError(w, http.StatusInternalServerError, "failed to list runs")
		return
	}
	if runs == nil {
		runs = []*trials.RunSummary{}
	}
	s.writeJSON(w, http.StatusOK, runs)
}

// handleGetRun returns one run summary.
// GET /api/runs/{runID}
func (s *Server) handleGetRun(w http.ResponseWriter, r *http.Request) {
	runID := chi.URLParam(r, "runID")

	run, err := s.store.GetRun(runID)
	if err != nil {
		s.log.Error().Err(err).Str("run_id", runID).Msg("Failed to get run")
		s.writeError(w, http.StatusInternalServerError, "failed to get run")
		return
	}
	if run == nil {
		s.writeError(w, http.StatusNotFound, "run not found")
		return
	}
	s.writeJSON(w, http.StatusOK, run)
}

// handleListTrials returns every trial of a run, optionally filtered by
// state.
// GET /api/runs/{runID}/trials?state=scored
func (s *Server) handleListTrials(w http.ResponseWriter, r *http.Request) {
	runID := chi.URLParam(r, "runID")

	records, err := s.store.ReadAll(runID)
	if err != nil {
		s.log.Error().Err(err).Str("run_id", runID).Msg("Failed to read trials")
		s.writeError(w, http.StatusInternalServerError, "failed to read trials")
		return
	}

	if state := r.URL.Query().Get("state"); state != "" {
		filtered := make([]*trials.Record, 0, len(records))
		for _, rec := range records {
			if rec.State == trials.State(state) {
				filtered = append(filtered, rec)
			}
		}
		records = filtered
	}
	if records == nil {
		records = []*trials.Record{}
	}
	s.writeJSON(w, http.StatusOK, records)
}

// handleGetBest returns the best scored trial of a run.
// GET /api/runs/{runID}/best
func (s *Server) handleGetBest(w http.ResponseWriter, r *http.Request) {
	runID := chi.URLParam(r, "runID")

	records, err := s.store.ReadAll(runID)
	if err != nil {
		s.log.Error().Err(err).Str("run_id", runID).Msg("Failed to read trials")
		s.writeError(w, http.StatusInternalServerError, "failed to read trials")
		return
	}

	var best *trials.Record
	for _, rec := range records {
		if rec.State != trials.StateScored {
			continue
		}
		if best == nil || rec.Score > best.Score || (rec.Score == best.Score && rec.ID < best.ID) {
			best = rec
		}
	}
	if best == nil {
		s.writeError(w, http.StatusNotFound, "run has no scored trials")
		return
	}
	s.writeJSON(w, http.StatusOK, best)
}
