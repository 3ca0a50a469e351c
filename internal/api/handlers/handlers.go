// Package handlers implements the HTTP handlers of the DaemonChat API.
// Every agent-scoped handler checks ownership through the agent service
// before touching the agent's data.
package handlers

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog/log"

	"github.com/Zhao-yangyang/DaemonChat/internal/agents"
	"github.com/Zhao-yangyang/DaemonChat/internal/apperr"
	"github.com/Zhao-yangyang/DaemonChat/internal/chat"
	"github.com/Zhao-yangyang/DaemonChat/internal/memory"
	"github.com/Zhao-yangyang/DaemonChat/internal/sessions"
	"github.com/Zhao-yangyang/DaemonChat/internal/transcript"
	"github.com/Zhao-yangyang/DaemonChat/internal/usage"
	pkgmw "github.com/Zhao-yangyang/DaemonChat/pkg/middleware"
	"github.com/Zhao-yangyang/DaemonChat/pkg/models"
)

const (
	defaultListLimit = 50
	maxListLimit     = 200
)

// Handlers holds all handler dependencies.
type Handlers struct {
	Agents     *agents.Service
	Memory     *memory.Service
	Sessions   *sessions.Resolver
	Transcript *transcript.Service
	Usage      *usage.Service
	Engine     *chat.Engine
}

// agent resolves the {agentID} URL parameter to an agent owned by the caller.
// It writes the error response and returns nil when access is not allowed.
func (h *Handlers) agent(w http.ResponseWriter, r *http.Request) *models.Agent {
	agent, err := h.Agents.Get(r.Context(), chi.URLParam(r, "agentID"), pkgmw.UserID(r.Context()))
	if err != nil {
		respondError(w, r, err)
		return nil
	}
	return agent
}

func decodeJSON(r *http.Request, v any) error {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		if errors.Is(err, io.EOF) {
			return apperr.Validation("request body is required")
		}
		return apperr.Validation("invalid request body: %v", err)
	}
	return nil
}

// parseLimit reads the limit query parameter, defaulting to 50 and
// accepting 1 through 200.
func parseLimit(r *http.Request) (int, error) {
	raw := r.URL.Query().Get("limit")
	if raw == "" {
		return defaultListLimit, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 1 || n > maxListLimit {
		return 0, apperr.Validation("limit must be an integer between 1 and %d", maxListLimit)
	}
	return n, nil
}

func respondJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

// respondError writes {error: <code>, message} with the status matching the
// error's code. Unclassified errors are logged and reported as internal.
func respondError(w http.ResponseWriter, r *http.Request, err error) {
	status := apperr.HTTPStatus(err)
	if status >= http.StatusInternalServerError {
		log.Error().Err(err).Str("path", r.URL.Path).Msg("Request failed")
	}
	respondJSON(w, status, map[string]string{
		"error":   string(apperr.CodeOf(err)),
		"message": apperr.Message(err),
	})
}
