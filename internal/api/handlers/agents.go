package handlers

import (
	"net/http"

	"github.com/rs/zerolog/log"

	pkgmw "github.com/Zhao-yangyang/DaemonChat/pkg/middleware"
	"github.com/Zhao-yangyang/DaemonChat/pkg/models"
)

type createAgentRequest struct {
	Name string `json:"name"`
}

func (h *Handlers) CreateAgent(w http.ResponseWriter, r *http.Request) {
	var req createAgentRequest
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, r, err)
		return
	}

	agent, err := h.Agents.Create(r.Context(), pkgmw.UserID(r.Context()), req.Name)
	if err != nil {
		respondError(w, r, err)
		return
	}

	log.Info().Str("agent", agent.ID).Str("owner", agent.OwnerUserID).Msg("Agent created")
	respondJSON(w, http.StatusCreated, agent)
}

func (h *Handlers) ListAgents(w http.ResponseWriter, r *http.Request) {
	agents, err := h.Agents.List(r.Context(), pkgmw.UserID(r.Context()))
	if err != nil {
		respondError(w, r, err)
		return
	}
	if agents == nil {
		agents = []models.Agent{}
	}
	respondJSON(w, http.StatusOK, agents)
}

func (h *Handlers) GetAgent(w http.ResponseWriter, r *http.Request) {
	agent := h.agent(w, r)
	if agent == nil {
		return
	}
	respondJSON(w, http.StatusOK, agent)
}
