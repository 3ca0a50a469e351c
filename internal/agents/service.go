// Package agents manages agents and enforces their ownership.
package agents

import (
	"context"
	"strings"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/Zhao-yangyang/DaemonChat/internal/apperr"
	"github.com/Zhao-yangyang/DaemonChat/internal/clock"
	"github.com/Zhao-yangyang/DaemonChat/internal/store"
	"github.com/Zhao-yangyang/DaemonChat/pkg/models"
)

// Service creates and looks up agents on behalf of their owners.
type Service struct {
	agents store.AgentStore
	audit  store.AuditStore
	clock  clock.Clock
}

// New creates the service. audit may be nil.
func New(agents store.AgentStore, audit store.AuditStore, c clock.Clock) *Service {
	return &Service{agents: agents, audit: audit, clock: c}
}

// Create registers a new agent for ownerUserID.
func (s *Service) Create(ctx context.Context, ownerUserID, name string) (*models.Agent, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return nil, apperr.Validation("agent name is required")
	}

	now := s.clock.Now()
	agent := &models.Agent{
		ID:          uuid.Must(uuid.NewV7()).String(),
		OwnerUserID: ownerUserID,
		Name:        name,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := s.agents.CreateAgent(ctx, agent); err != nil {
		return nil, apperr.Infra(err, "create agent")
	}

	s.recordAudit(ctx, agent)
	return agent, nil
}

func (s *Service) recordAudit(ctx context.Context, agent *models.Agent) {
	if s.audit == nil {
		return
	}
	event := &models.AuditEvent{
		ID:        uuid.Must(uuid.NewV7()).String(),
		TenantID:  agent.OwnerUserID,
		AgentID:   agent.ID,
		EventType: "agent.created",
		Payload:   map[string]any{"name": agent.Name},
		CreatedAt: agent.CreatedAt,
	}
	if err := s.audit.CreateAuditEvent(ctx, event); err != nil {
		log.Warn().Err(err).Str("agent", agent.ID).Msg("Failed to record audit event")
	}
}

// Get returns the agent if ownerUserID owns it.
func (s *Service) Get(ctx context.Context, agentID, ownerUserID string) (*models.Agent, error) {
	agent, err := s.agents.GetAgent(ctx, agentID)
	if store.IsNotFound(err) {
		return nil, apperr.NotFound("agent not found")
	}
	if err != nil {
		return nil, apperr.Infra(err, "get agent")
	}
	if agent.OwnerUserID != ownerUserID {
		return nil, apperr.Forbidden("agent access denied")
	}
	return agent, nil
}

// List returns the owner's agents, oldest first.
func (s *Service) List(ctx context.Context, ownerUserID string) ([]models.Agent, error) {
	agents, err := s.agents.ListAgentsByOwner(ctx, ownerUserID)
	if err != nil {
		return nil, apperr.Infra(err, "list agents")
	}
	return agents, nil
}
