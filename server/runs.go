package server

import (
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/hookflow/hookflow/metrics"
	"github.com/hookflow/hookflow/storage"
	"github.com/hookflow/hookflow/workflow"
)

func (s *Server) handleListRuns(w http.ResponseWriter, r *http.Request) {
	filter := storage.RunFilter{
		WorkflowID: r.URL.Query().Get("workflowId"),
		Limit:      intQuery(r, "limit", 50, 200),
		Offset:     intQuery(r, "offset", 0, 1<<30),
	}
	if status := r.URL.Query().Get("status"); status != "" {
		if !workflow.RunStatus(status).IsValid() {
			s.writeError(w, http.StatusBadRequest, "invalid_status", "unknown run status")
			return
		}
		filter.Status = workflow.RunStatus(status)
	}

	runs, err := s.store.ListRuns(r.Context(), filter)
	if err != nil {
		s.writeStoreError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, runs)
}

func (s *Server) handleGetRun(w http.ResponseWriter, r *http.Request) {
	run, err := s.store.GetRun(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.writeStoreError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, run)
}

func (s *Server) handleListRunSteps(w http.ResponseWriter, r *http.Request) {
	runID := chi.URLParam(r, "id")
	if _, err := s.store.GetRun(r.Context(), runID); err != nil {
		s.writeStoreError(w, err)
		return
	}
	execs, err := s.store.ListExecutions(r.Context(), runID)
	if err != nil {
		s.writeStoreError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, execs)
}

// handleCancelRun cancels a pending or running run. In-flight handlers
// are not interrupted; the processor observes the status on its next
// cycle and stops.
func (s *Server) handleCancelRun(w http.ResponseWriter, r *http.Request) {
	runID := chi.URLParam(r, "id")
	cancelled, err := s.store.CancelRun(r.Context(), runID)
	if err != nil {
		s.writeStoreError(w, err)
		return
	}

	run, err := s.store.GetRun(r.Context(), runID)
	if err != nil {
		s.writeStoreError(w, err)
		return
	}
	if !cancelled {
		s.writeError(w, http.StatusConflict, "already_terminal", "run already "+string(run.Status))
		return
	}
	metrics.RunsTotal.WithLabelValues("cancelled").Inc()
	s.logger.Info("Run cancelled", "run_id", runID)
	s.writeJSON(w, http.StatusOK, run)
}

// intQuery reads a non-negative integer query parameter, clamped to
// limit, falling back to def when absent or unparseable.
func intQuery(r *http.Request, name string, def, limit int) int {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return def
	}
	v, err := strconv.Atoi(raw)
	if err != nil || v < 0 {
		return def
	}
	if v > limit {
		return limit
	}
	return v
}
