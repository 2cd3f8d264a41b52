package server

import (
	"net/http"
)

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// handleReadyz reports readiness only when both backing stores answer.
func (s *Server) handleReadyz(w http.ResponseWriter, r *http.Request) {
	if err := s.store.Ping(r.Context()); err != nil {
		s.logger.Warn("Readiness check failed", "component", "postgres", "error", err)
		s.writeJSON(w, http.StatusServiceUnavailable, map[string]string{
			"status":    "unavailable",
			"component": "postgres",
		})
		return
	}
	if s.rdb != nil {
		if err := s.rdb.Ping(r.Context()).Err(); err != nil {
			s.logger.Warn("Readiness check failed", "component", "redis", "error", err)
			s.writeJSON(w, http.StatusServiceUnavailable, map[string]string{
				"status":    "unavailable",
				"component": "redis",
			})
			return
		}
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}
