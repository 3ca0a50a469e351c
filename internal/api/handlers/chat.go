package handlers

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/Zhao-yangyang/DaemonChat/internal/apperr"
	"github.com/Zhao-yangyang/DaemonChat/internal/chat"
	"github.com/Zhao-yangyang/DaemonChat/pkg/models"
)

type budgetOverrides struct {
	ModelWindow         *int `json:"modelWindow"`
	ReserveOutputTokens *int `json:"reserveOutputTokens"`
	ReserveToolTokens   *int `json:"reserveToolTokens"`
	MemoryTopK          *int `json:"memoryTopK"`
	RecentMessages      *int `json:"recentMessages"`
}

type chatRequest struct {
	SessionKey  string           `json:"sessionKey"`
	UserInput   string           `json:"userInput"`
	System      string           `json:"system"`
	Constraints []string         `json:"constraints"`
	TaskState   string           `json:"taskState"`
	Budget      *budgetOverrides `json:"budget"`
}

// options validates the request and overlays its budget fields on the
// engine's defaults.
func (req *chatRequest) options(defaults models.ContextBudget) (chat.TurnOptions, error) {
	if strings.TrimSpace(req.SessionKey) == "" {
		return chat.TurnOptions{}, apperr.Validation("sessionKey is required")
	}
	if strings.TrimSpace(req.UserInput) == "" {
		return chat.TurnOptions{}, apperr.Validation("userInput is required")
	}

	opts := chat.TurnOptions{
		System:      req.System,
		Constraints: req.Constraints,
		TaskState:   req.TaskState,
	}
	if o := req.Budget; o != nil {
		b := defaults
		for _, f := range []struct {
			v   *int
			dst *int
		}{
			{o.ModelWindow, &b.ModelWindow},
			{o.ReserveOutputTokens, &b.ReserveOutputTokens},
			{o.ReserveToolTokens, &b.ReserveToolTokens},
			{o.MemoryTopK, &b.MemoryTopK},
			{o.RecentMessages, &b.RecentMessages},
		} {
			if f.v == nil {
				continue
			}
			if *f.v < 0 {
				return chat.TurnOptions{}, apperr.Validation("budget values must not be negative")
			}
			*f.dst = *f.v
		}
		opts.Budget = &b
	}
	return opts, nil
}

func (h *Handlers) decodeChat(w http.ResponseWriter, r *http.Request) (*models.Agent, *chatRequest, chat.TurnOptions, bool) {
	agent := h.agent(w, r)
	if agent == nil {
		return nil, nil, chat.TurnOptions{}, false
	}
	var req chatRequest
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, r, err)
		return nil, nil, chat.TurnOptions{}, false
	}
	opts, err := req.options(h.Engine.Defaults().Budget)
	if err != nil {
		respondError(w, r, err)
		return nil, nil, chat.TurnOptions{}, false
	}
	return agent, &req, opts, true
}

// Chat runs one turn and returns {sessionId, assistantText}.
func (h *Handlers) Chat(w http.ResponseWriter, r *http.Request) {
	agent, req, opts, ok := h.decodeChat(w, r)
	if !ok {
		return
	}

	res, err := h.Engine.ChatTurn(r.Context(), agent.ID, req.SessionKey, req.UserInput, opts)
	if err != nil {
		respondError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]string{
		"sessionId":     res.SessionID,
		"assistantText": res.AssistantText,
	})
}

// ChatStream runs one turn as server-sent events: meta{sessionId}, then
// chunk{value} per fragment, then done or error{message}. A client that
// disconnects still has its partial reply stored.
func (h *Handlers) ChatStream(w http.ResponseWriter, r *http.Request) {
	agent, req, opts, ok := h.decodeChat(w, r)
	if !ok {
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		respondError(w, r, fmt.Errorf("streaming not supported by response writer"))
		return
	}

	stream, err := h.Engine.ChatTurnStream(r.Context(), agent.ID, req.SessionKey, req.UserInput, opts)
	if err != nil {
		respondError(w, r, err)
		return
	}

	// Replies can outlast the server's write timeout.
	_ = http.NewResponseController(w).SetWriteDeadline(time.Time{})

	w.Header().Set("Content-Type", "text/event-stream; charset=utf-8")
	w.Header().Set("Cache-Control", "no-cache, no-transform")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)

	if err := writeEvent(w, "meta", map[string]string{"sessionId": stream.SessionID}); err != nil {
		return
	}
	flusher.Flush()

	for frag, err := range stream.Fragments {
		if err != nil {
			if r.Context().Err() != nil {
				return
			}
			writeEvent(w, "error", map[string]string{"message": apperr.Message(err)})
			flusher.Flush()
			return
		}
		if err := writeEvent(w, "chunk", map[string]string{"value": frag}); err != nil {
			log.Debug().Err(err).Str("session", stream.SessionID).Msg("Stream client gone")
			return
		}
		flusher.Flush()
	}

	writeEvent(w, "done", struct{}{})
	flusher.Flush()
}

func writeEvent(w http.ResponseWriter, event string, data any) error {
	payload, err := json.Marshal(data)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event, payload)
	return err
}
