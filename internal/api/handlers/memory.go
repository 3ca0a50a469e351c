package handlers

import (
	"net/http"

	"github.com/Zhao-yangyang/DaemonChat/internal/memory"
	pkgmw "github.com/Zhao-yangyang/DaemonChat/pkg/middleware"
	"github.com/Zhao-yangyang/DaemonChat/pkg/models"
)

type writeMemoryRequest struct {
	ScopeType       models.MemoryScope `json:"scopeType"`
	ScopeID         string             `json:"scopeId"`
	Type            models.MemoryType  `json:"type"`
	Content         string             `json:"content"`
	Tags            []string           `json:"tags"`
	Sensitivity     models.Sensitivity `json:"sensitivity"`
	ContextEligible *bool              `json:"contextEligible"`
}

// WriteMemory stores a memory item. Scope defaults to the calling user,
// type to fact, sensitivity to private and contextEligible to true.
func (h *Handlers) WriteMemory(w http.ResponseWriter, r *http.Request) {
	agent := h.agent(w, r)
	if agent == nil {
		return
	}

	var req writeMemoryRequest
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, r, err)
		return
	}
	in := memory.WriteInput{
		ScopeType:       req.ScopeType,
		ScopeID:         req.ScopeID,
		Type:            req.Type,
		Content:         req.Content,
		Tags:            req.Tags,
		Sensitivity:     req.Sensitivity,
		ContextEligible: true,
	}
	if in.ScopeType == "" {
		in.ScopeType = models.ScopeUser
	}
	if in.ScopeID == "" && in.ScopeType == models.ScopeUser {
		in.ScopeID = pkgmw.UserID(r.Context())
	}
	if in.Type == "" {
		in.Type = models.MemoryFact
	}
	if in.Sensitivity == "" {
		in.Sensitivity = models.SensitivityPrivate
	}
	if req.ContextEligible != nil {
		in.ContextEligible = *req.ContextEligible
	}

	item, err := h.Memory.Write(r.Context(), agent.ID, in)
	if err != nil {
		respondError(w, r, err)
		return
	}
	respondJSON(w, http.StatusCreated, item)
}

func (h *Handlers) ListMemory(w http.ResponseWriter, r *http.Request) {
	agent := h.agent(w, r)
	if agent == nil {
		return
	}
	limit, err := parseLimit(r)
	if err != nil {
		respondError(w, r, err)
		return
	}

	items, err := h.Memory.List(r.Context(), agent.ID, limit)
	if err != nil {
		respondError(w, r, err)
		return
	}
	if items == nil {
		items = []models.MemoryItem{}
	}
	respondJSON(w, http.StatusOK, items)
}
