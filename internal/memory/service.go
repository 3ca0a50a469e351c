// Package memory writes long-lived memory items and retrieves the ones most
// relevant to a query.
package memory

import (
	"context"
	"strings"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/Zhao-yangyang/DaemonChat/internal/apperr"
	"github.com/Zhao-yangyang/DaemonChat/internal/clock"
	"github.com/Zhao-yangyang/DaemonChat/internal/store"
	"github.com/Zhao-yangyang/DaemonChat/pkg/contracts"
	"github.com/Zhao-yangyang/DaemonChat/pkg/models"
)

// Service is the memory retriever and write path.
type Service struct {
	items store.MemoryItemStore
	audit store.AuditStore
	gen   contracts.Generator
	clock clock.Clock
}

// New creates the service. audit may be nil.
func New(items store.MemoryItemStore, audit store.AuditStore, gen contracts.Generator, c clock.Clock) *Service {
	return &Service{items: items, audit: audit, gen: gen, clock: c}
}

// WriteInput describes a memory item to store.
type WriteInput struct {
	ScopeType       models.MemoryScope
	ScopeID         string
	Type            models.MemoryType
	Content         string
	Tags            []string
	Sensitivity     models.Sensitivity
	ContextEligible bool
	// Embedding is computed from Content when nil.
	Embedding []float64
}

// Filters narrow retrieval. A nil ContextEligible means "eligible only".
type Filters struct {
	Sensitivity     []models.Sensitivity
	ContextEligible *bool
}

// Write validates and stores a memory item for agentID.
func (s *Service) Write(ctx context.Context, agentID string, in WriteInput) (*models.MemoryItem, error) {
	content := strings.TrimSpace(in.Content)
	if content == "" {
		return nil, apperr.Validation("memory content is required")
	}
	if !in.ScopeType.Valid() {
		return nil, apperr.Validation("invalid scope type %q", in.ScopeType)
	}
	if !in.Type.Valid() {
		return nil, apperr.Validation("invalid memory type %q", in.Type)
	}
	if !in.Sensitivity.Valid() {
		return nil, apperr.Validation("invalid sensitivity %q", in.Sensitivity)
	}

	embedding := in.Embedding
	if embedding == nil {
		var err error
		if embedding, err = s.gen.Embed(ctx, content); err != nil {
			return nil, generationError(err, "embed memory content")
		}
	}

	tags := in.Tags
	if tags == nil {
		tags = []string{}
	}
	now := s.clock.Now()
	item := &models.MemoryItem{
		ID:              uuid.Must(uuid.NewV7()).String(),
		AgentID:         agentID,
		ScopeType:       in.ScopeType,
		ScopeID:         in.ScopeID,
		Type:            in.Type,
		Content:         content,
		Tags:            tags,
		Sensitivity:     in.Sensitivity,
		ContextEligible: in.ContextEligible,
		Embedding:       embedding,
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	if err := s.items.InsertMemoryItem(ctx, item); err != nil {
		return nil, apperr.Infra(err, "insert memory item")
	}

	if s.audit != nil {
		event := &models.AuditEvent{
			ID:        uuid.Must(uuid.NewV7()).String(),
			AgentID:   agentID,
			EventType: "memory.written",
			Payload: map[string]any{
				"memoryId":    item.ID,
				"type":        string(item.Type),
				"sensitivity": string(item.Sensitivity),
			},
			CreatedAt: now,
		}
		if err := s.audit.CreateAuditEvent(ctx, event); err != nil {
			log.Warn().Err(err).Str("agent", agentID).Msg("Failed to record audit event")
		}
	}
	return item, nil
}

// RetrieveTop returns up to topK items ranked by similarity to query.
func (s *Service) RetrieveTop(ctx context.Context, agentID, query string, topK int, f Filters) ([]models.MemoryItem, error) {
	if topK <= 0 {
		return []models.MemoryItem{}, nil
	}

	embedding, err := s.gen.Embed(ctx, query)
	if err != nil {
		return nil, generationError(err, "embed query")
	}

	eligible := f.ContextEligible
	if eligible == nil {
		yes := true
		eligible = &yes
	}
	items, err := s.items.QueryTopK(ctx, store.MemoryQuery{
		AgentID:         agentID,
		Embedding:       embedding,
		TopK:            topK,
		Sensitivity:     f.Sensitivity,
		ContextEligible: eligible,
	})
	if err != nil {
		return nil, apperr.Infra(err, "query memory")
	}
	return items, nil
}

// List returns the agent's newest items.
func (s *Service) List(ctx context.Context, agentID string, limit int) ([]models.MemoryItem, error) {
	items, err := s.items.ListMemoryItems(ctx, agentID, limit)
	if err != nil {
		return nil, apperr.Infra(err, "list memory items")
	}
	return items, nil
}

// generationError keeps classified generator errors (rate limits) and marks
// the rest as infrastructure failures.
func generationError(err error, msg string) error {
	if apperr.CodeOf(err) != apperr.CodeInfra {
		return err
	}
	return apperr.Infra(err, msg)
}
