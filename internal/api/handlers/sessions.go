package handlers

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/Zhao-yangyang/DaemonChat/pkg/models"
)

type resolveSessionRequest struct {
	SessionKey string `json:"sessionKey"`
}

// ResolveSession returns the current session for the key, creating it when
// needed, and marks it active.
func (h *Handlers) ResolveSession(w http.ResponseWriter, r *http.Request) {
	agent := h.agent(w, r)
	if agent == nil {
		return
	}
	var req resolveSessionRequest
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, r, err)
		return
	}

	session, err := h.Sessions.Resolve(r.Context(), agent.ID, req.SessionKey)
	if err != nil {
		respondError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, session)
}

func (h *Handlers) GetTranscript(w http.ResponseWriter, r *http.Request) {
	agent := h.agent(w, r)
	if agent == nil {
		return
	}
	limit, err := parseLimit(r)
	if err != nil {
		respondError(w, r, err)
		return
	}

	events, err := h.Transcript.LoadRecent(r.Context(), agent.ID, chi.URLParam(r, "sessionID"), limit)
	if err != nil {
		respondError(w, r, err)
		return
	}
	if events == nil {
		events = []models.TranscriptEvent{}
	}
	respondJSON(w, http.StatusOK, events)
}

func (h *Handlers) GetLatestCompaction(w http.ResponseWriter, r *http.Request) {
	agent := h.agent(w, r)
	if agent == nil {
		return
	}

	event, err := h.Transcript.LatestCompaction(r.Context(), agent.ID, chi.URLParam(r, "sessionID"))
	if err != nil {
		respondError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, event)
}
