// Package transcript appends and reads the event log of a session.
package transcript

import (
	"context"

	"github.com/google/uuid"

	"github.com/Zhao-yangyang/DaemonChat/internal/apperr"
	"github.com/Zhao-yangyang/DaemonChat/internal/clock"
	"github.com/Zhao-yangyang/DaemonChat/internal/store"
	"github.com/Zhao-yangyang/DaemonChat/pkg/models"
)

type Service struct {
	events store.TranscriptStore
	clock  clock.Clock
}

func New(events store.TranscriptStore, c clock.Clock) *Service {
	return &Service{events: events, clock: c}
}

// AppendInput is an event to record. Token counts are optional.
type AppendInput struct {
	AgentID   string
	SessionID string
	Type      models.EventType
	Content   map[string]any
	TokensIn  *int
	TokensOut *int
}

// Append stamps and stores an event.
func (s *Service) Append(ctx context.Context, in AppendInput) (*models.TranscriptEvent, error) {
	if !in.Type.Valid() {
		return nil, apperr.Validation("invalid event type %q", in.Type)
	}
	content := in.Content
	if content == nil {
		content = map[string]any{}
	}
	event := &models.TranscriptEvent{
		ID:        uuid.Must(uuid.NewV7()).String(),
		AgentID:   in.AgentID,
		SessionID: in.SessionID,
		Type:      in.Type,
		Content:   content,
		TokensIn:  in.TokensIn,
		TokensOut: in.TokensOut,
		CreatedAt: s.clock.Now(),
	}
	if err := s.events.AppendEvent(ctx, event); err != nil {
		return nil, apperr.Infra(err, "append transcript event")
	}
	return event, nil
}

// LoadRecent returns the session's last limit events, oldest first.
func (s *Service) LoadRecent(ctx context.Context, agentID, sessionID string, limit int) ([]models.TranscriptEvent, error) {
	if limit <= 0 {
		return []models.TranscriptEvent{}, nil
	}
	events, err := s.events.ListRecentEvents(ctx, agentID, sessionID, limit)
	if err != nil {
		return nil, apperr.Infra(err, "list transcript events")
	}
	return events, nil
}

// LatestCompaction returns the newest compaction summary of the session.
func (s *Service) LatestCompaction(ctx context.Context, agentID, sessionID string) (*models.TranscriptEvent, error) {
	event, err := s.events.GetLatestCompaction(ctx, agentID, sessionID)
	if store.IsNotFound(err) {
		return nil, apperr.NotFound("no compaction for session")
	}
	if err != nil {
		return nil, apperr.Infra(err, "get latest compaction")
	}
	return event, nil
}
