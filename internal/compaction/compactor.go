// Package compaction summarizes a session once its prompt outgrows the
// context budget.
package compaction

import (
	"context"

	"github.com/rs/zerolog/log"

	"github.com/Zhao-yangyang/DaemonChat/internal/apperr"
	"github.com/Zhao-yangyang/DaemonChat/internal/transcript"
	"github.com/Zhao-yangyang/DaemonChat/pkg/contracts"
	"github.com/Zhao-yangyang/DaemonChat/pkg/models"
)

// Instruction is the system message placed ahead of the packed prompt when
// asking for a summary.
const Instruction = "Summarize the conversation for future context. Focus on key facts, preferences, and tasks."

type Compactor struct {
	gen        contracts.Generator
	transcript *transcript.Service
}

func New(gen contracts.Generator, ts *transcript.Service) *Compactor {
	return &Compactor{gen: gen, transcript: ts}
}

// CompactIfNeeded records a compaction event when pack is flagged for
// compaction. It returns nil, nil otherwise.
func (c *Compactor) CompactIfNeeded(ctx context.Context, agentID, sessionID string, pack *models.ContextPack) (*models.TranscriptEvent, error) {
	if pack == nil || !pack.ShouldCompact {
		return nil, nil
	}

	prompt := make([]models.ContextMessage, 0, len(pack.Messages)+1)
	prompt = append(prompt, models.ContextMessage{Role: models.RoleSystem, Content: Instruction})
	prompt = append(prompt, pack.Messages...)

	summary, err := c.gen.CompleteChat(ctx, prompt)
	if err != nil {
		if apperr.CodeOf(err) != apperr.CodeInfra {
			return nil, err
		}
		return nil, apperr.Infra(err, "summarize session")
	}

	event, err := c.transcript.Append(ctx, transcript.AppendInput{
		AgentID:   agentID,
		SessionID: sessionID,
		Type:      models.EventCompaction,
		Content:   map[string]any{"summary": summary},
	})
	if err != nil {
		return nil, err
	}
	log.Info().
		Str("agent", agentID).
		Str("session", sessionID).
		Int("estimate", pack.TokenEstimate).
		Int("max", pack.MaxContextTokens).
		Msg("Session compacted")
	return event, nil
}
