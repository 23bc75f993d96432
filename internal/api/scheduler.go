package api

import (
	"net/http"

	"github.com/soochol/nodeflow/internal/flow"
)

// GET /api/scheduler/jobs
func (s *Server) listJobs(w http.ResponseWriter, r *http.Request) {
	if s.Jobs == nil {
		writeError(w, http.StatusServiceUnavailable, "scheduler not configured")
		return
	}
	jobs := s.Jobs.Jobs()
	if jobs == nil {
		jobs = []flow.ScheduledJob{}
	}
	writeJSON(w, http.StatusOK, jobs)
}

// GET /api/scheduler/stats
func (s *Server) schedulerStats(w http.ResponseWriter, r *http.Request) {
	stats := map[string]any{
		"concurrency": s.Executions.Stats(),
	}
	if s.Jobs != nil {
		stats["scheduledJobs"] = len(s.Jobs.Jobs())
	}
	if s.Triggers != nil {
		stats["chatTriggers"] = s.Triggers.Len()
	}
	writeJSON(w, http.StatusOK, stats)
}
