package handlers

import (
	"net/http"

	"github.com/Zhao-yangyang/DaemonChat/internal/usage"
)

// GetUsage summarizes the agent's usage for ?period=day (default) or month.
func (h *Handlers) GetUsage(w http.ResponseWriter, r *http.Request) {
	agent := h.agent(w, r)
	if agent == nil {
		return
	}
	period := usage.Period(r.URL.Query().Get("period"))
	if period == "" {
		period = usage.PeriodDay
	}

	summary, err := h.Usage.Summary(r.Context(), agent.ID, period)
	if err != nil {
		respondError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{
		"period":  period,
		"summary": summary,
	})
}
