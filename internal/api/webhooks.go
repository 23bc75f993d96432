package api

import (
	"io"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/soochol/nodeflow/internal/flow"
)

const maxWebhookBody = 1 << 20

// handleWebhook starts a run of a workflow with a webhook trigger. The raw
// body is verified against the trigger's secret, when it has one, and
// becomes the trigger output.
// POST /api/hooks/{id}
func (s *Server) handleWebhook(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	body, err := io.ReadAll(io.LimitReader(r.Body, maxWebhookBody))
	if err != nil {
		writeError(w, http.StatusBadRequest, "failed to read body")
		return
	}

	runID, err := s.Executions.HandleWebhook(r.Context(), id, body, r.Header.Get("X-Webhook-Signature"))
	if err != nil {
		s.logger.Warn("webhook rejected", "workflow_id", id, "err", err)
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"executionId": runID})
}

// handleChatEvent routes one chat message to every workflow whose chat
// trigger matches it.
// POST /api/events/chat
func (s *Server) handleChatEvent(w http.ResponseWriter, r *http.Request) {
	var ev flow.ChatEvent
	if !s.decode(w, r, &ev) {
		return
	}
	runIDs, err := s.Executions.HandleChatEvent(r.Context(), ev)
	if runIDs == nil {
		runIDs = []string{}
	}
	if err != nil {
		// Some matches may have started; report both.
		s.logger.Warn("chat event partially dispatched", "guild_id", ev.GuildID, "channel_id", ev.ChannelID, "err", err)
		writeJSON(w, http.StatusInternalServerError, map[string]any{
			"executionIds": runIDs,
			"error":        err.Error(),
		})
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]any{"executionIds": runIDs})
}
