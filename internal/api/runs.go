package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/soochol/nodeflow/internal/flow"
	"github.com/soochol/nodeflow/internal/services"
)

// keepAlive is how often an idle SSE stream sends a comment line.
const keepAlive = 15 * time.Second

// GET /api/runs?limit=20&offset=0&status=FAILED
func (s *Server) listRuns(w http.ResponseWriter, r *http.Request) {
	limit, offset := parsePagination(r)
	status := flow.RunStatus(r.URL.Query().Get("status"))

	runs, total, err := s.History.ListAll(r.Context(), limit, offset, status)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeRunPage(w, runs, total)
}

// GET /api/runs/{id}
func (s *Server) getRun(w http.ResponseWriter, r *http.Request) {
	run, err := s.History.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, run)
}

// streamRunEvents sends a run's progress as server-sent events, starting
// after Last-Event-ID when the client reconnects. Disconnecting does not
// cancel the run.
// GET /api/runs/{id}/events
func (s *Server) streamRunEvents(w http.ResponseWriter, r *http.Request) {
	runID := chi.URLParam(r, "id")

	startSeq := 0
	if idStr := r.Header.Get("Last-Event-ID"); idStr != "" {
		if n, err := strconv.Atoi(idStr); err == nil {
			startSeq = n + 1
		}
	}

	events, notify, done, found := s.Runs.Subscribe(runID, startSeq)
	if !found {
		// Buffer already collected: answer from history.
		run, err := s.History.Get(r.Context(), runID)
		if err != nil {
			writeServiceError(w, err)
			return
		}
		writeStoredOutcome(w, run)
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming not supported")
		return
	}
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	ticker := time.NewTicker(keepAlive)
	defer ticker.Stop()
	for {
		for _, ev := range events {
			writeSSEEvent(w, ev)
		}
		flusher.Flush()
		startSeq += len(events)
		if done {
			return
		}

		select {
		case <-r.Context().Done():
			return
		case <-ticker.C:
			fmt.Fprint(w, ": keep-alive\n\n")
			flusher.Flush()
			events = nil
			continue
		case <-notify:
		}
		events, notify, done, found = s.Runs.Subscribe(runID, startSeq)
		if !found {
			return
		}
	}
}

// writeSSEEvent writes a single event as an SSE frame with the seq as the id.
func writeSSEEvent(w http.ResponseWriter, ev services.EventRecord) {
	data, _ := json.Marshal(ev.ProgressEvent)
	fmt.Fprintf(w, "id: %d\nevent: %s\ndata: %s\n\n", ev.Seq, ev.Type, data)
}

// writeStoredOutcome rebuilds the terminal event of a run whose buffer has
// expired.
func writeStoredOutcome(w http.ResponseWriter, run *flow.ExecutionRun) {
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")

	ev := flow.ProgressEvent{
		Type:       flow.EventRunComplete,
		RunID:      run.ID,
		WorkflowID: run.WorkflowID,
		Error:      run.Error,
		Progress:   flow.Progress{Current: len(run.Nodes), Total: len(run.Nodes)},
	}
	if run.CompletedAt != nil {
		ev.Timestamp = *run.CompletedAt
	}
	switch run.Status {
	case flow.RunStatusFailed:
		ev.Type = flow.EventRunError
	case flow.RunStatusRunning:
		// Still running in another process; nothing to replay here.
		w.WriteHeader(http.StatusNoContent)
		return
	}
	writeSSEEvent(w, services.EventRecord{ProgressEvent: ev})
	if f, ok := w.(http.Flusher); ok {
		f.Flush()
	}
}
