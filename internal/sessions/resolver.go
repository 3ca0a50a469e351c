// Package sessions maps a caller-chosen session key to the agent's current
// conversation thread.
package sessions

import (
	"context"
	"strings"

	"github.com/google/uuid"

	"github.com/Zhao-yangyang/DaemonChat/internal/apperr"
	"github.com/Zhao-yangyang/DaemonChat/internal/clock"
	"github.com/Zhao-yangyang/DaemonChat/internal/store"
	"github.com/Zhao-yangyang/DaemonChat/pkg/models"
)

// Resolver gets or creates the current session for a key and records activity.
type Resolver struct {
	sessions store.SessionStore
	clock    clock.Clock
}

func NewResolver(sessions store.SessionStore, c clock.Clock) *Resolver {
	return &Resolver{sessions: sessions, clock: c}
}

// Resolve returns the current session for (agentID, sessionKey), creating it
// when absent. The key is trimmed; a blank key is a validation error. Every
// call moves LastActiveAt to now.
func (r *Resolver) Resolve(ctx context.Context, agentID, sessionKey string) (*models.Session, error) {
	key := strings.TrimSpace(sessionKey)
	if key == "" {
		return nil, apperr.Validation("session key is required")
	}

	now := r.clock.Now()
	session, err := r.sessions.GetCurrentSession(ctx, agentID, key)
	switch {
	case store.IsNotFound(err):
		session = &models.Session{
			ID:           uuid.Must(uuid.NewV7()).String(),
			AgentID:      agentID,
			SessionKey:   key,
			Current:      true,
			CreatedAt:    now,
			LastActiveAt: now,
		}
		if err := r.sessions.CreateSession(ctx, session); err != nil {
			return nil, apperr.Infra(err, "create session")
		}
	case err != nil:
		return nil, apperr.Infra(err, "get current session")
	}

	if err := r.sessions.TouchSession(ctx, session.ID, now); err != nil {
		return nil, apperr.Infra(err, "touch session")
	}

	out := *session
	out.LastActiveAt = now
	return &out, nil
}
