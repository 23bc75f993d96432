package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/soochol/nodeflow/internal/flow"
)

type workflowRequest struct {
	Name        string             `json:"name" validate:"required,max=200"`
	Description string             `json:"description" validate:"max=2000"`
	Active      bool               `json:"active"`
	Graph       flow.WorkflowGraph `json:"graph"`
}

func (req workflowRequest) workflow(id string) *flow.Workflow {
	return &flow.Workflow{
		ID:          id,
		Name:        req.Name,
		Description: req.Description,
		Active:      req.Active,
		Graph:       req.Graph,
	}
}

type runRequest struct {
	// Inputs, when set, become the trigger node's output instead of
	// dispatching it.
	Inputs map[string]any `json:"inputs"`
}

// POST /api/workflows
func (s *Server) createWorkflow(w http.ResponseWriter, r *http.Request) {
	var req workflowRequest
	if !s.decode(w, r, &req) {
		return
	}
	wf, err := s.Workflows.Create(r.Context(), req.workflow(""))
	if err != nil {
		writeServiceError(w, err)
		return
	}
	s.logger.Info("workflow created", "workflow_id", wf.ID, "by", Subject(r.Context()))
	writeJSON(w, http.StatusCreated, wf)
}

// GET /api/workflows
func (s *Server) listWorkflows(w http.ResponseWriter, r *http.Request) {
	wfs, err := s.Workflows.List(r.Context())
	if err != nil {
		writeServiceError(w, err)
		return
	}
	if wfs == nil {
		wfs = []*flow.Workflow{}
	}
	writeJSON(w, http.StatusOK, wfs)
}

// GET /api/workflows/{id}
func (s *Server) getWorkflow(w http.ResponseWriter, r *http.Request) {
	wf, err := s.Workflows.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, wf)
}

// PUT /api/workflows/{id}
func (s *Server) updateWorkflow(w http.ResponseWriter, r *http.Request) {
	var req workflowRequest
	if !s.decode(w, r, &req) {
		return
	}
	wf, err := s.Workflows.Update(r.Context(), req.workflow(chi.URLParam(r, "id")))
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, wf)
}

// DELETE /api/workflows/{id}
func (s *Server) deleteWorkflow(w http.ResponseWriter, r *http.Request) {
	if err := s.Workflows.Delete(r.Context(), chi.URLParam(r, "id")); err != nil {
		writeServiceError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) activateWorkflow(w http.ResponseWriter, r *http.Request) {
	s.setActive(w, r, true)
}

func (s *Server) deactivateWorkflow(w http.ResponseWriter, r *http.Request) {
	s.setActive(w, r, false)
}

func (s *Server) setActive(w http.ResponseWriter, r *http.Request, active bool) {
	wf, err := s.Workflows.SetActive(r.Context(), chi.URLParam(r, "id"), active)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, wf)
}

// runWorkflow starts a manual run in the background and returns its id.
// Progress is available from /api/runs/{id}/events.
// POST /api/workflows/{id}/run
func (s *Server) runWorkflow(w http.ResponseWriter, r *http.Request) {
	var req runRequest
	if r.ContentLength != 0 && !s.decode(w, r, &req) {
		return
	}
	id := chi.URLParam(r, "id")
	runID, err := s.Executions.Start(r.Context(), id, flow.TriggerManual, req.Inputs)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	s.logger.Info("manual run started", "workflow_id", id, "run_id", runID, "by", Subject(r.Context()))
	writeJSON(w, http.StatusAccepted, map[string]string{"executionId": runID})
}

// GET /api/workflows/{id}/runs?limit=20&offset=0
func (s *Server) listWorkflowRuns(w http.ResponseWriter, r *http.Request) {
	limit, offset := parsePagination(r)
	runs, total, err := s.History.ListByWorkflow(r.Context(), chi.URLParam(r, "id"), limit, offset)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeRunPage(w, runs, total)
}

func writeRunPage(w http.ResponseWriter, runs []*flow.ExecutionRun, total int) {
	if runs == nil {
		runs = []*flow.ExecutionRun{}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"runs":  runs,
		"total": total,
	})
}
