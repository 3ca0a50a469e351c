// Package store provides the storage ports of the conversation engine and
// their implementations. MemoryStore backs tests and local development;
// Postgres is the production implementation.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/Zhao-yangyang/DaemonChat/pkg/models"
)

// Store is the full set of storage ports. Services depend on the narrow
// sub-interfaces; only the composition root holds a Store.
type Store interface {
	AgentStore
	SessionStore
	TranscriptStore
	MemoryItemStore
	UsageStore
	AuditStore

	// Ping checks if the database is reachable.
	Ping(ctx context.Context) error

	// Close releases all resources held by the store.
	Close() error

	// Migrate runs database migrations.
	Migrate(ctx context.Context) error
}

// ── Agent Store ─────────────────────────────────────────────

type AgentStore interface {
	CreateAgent(ctx context.Context, agent *models.Agent) error
	GetAgent(ctx context.Context, id string) (*models.Agent, error)
	// ListAgentsByOwner returns the owner's agents, oldest first.
	ListAgentsByOwner(ctx context.Context, ownerUserID string) ([]models.Agent, error)
}

// ── Session Store ───────────────────────────────────────────

type SessionStore interface {
	// GetCurrentSession returns the current session for the pair or *ErrNotFound.
	GetCurrentSession(ctx context.Context, agentID, sessionKey string) (*models.Session, error)

	// CreateSession inserts session as the current one for its pair. When
	// another current session already exists, session is overwritten with it
	// and no row is inserted.
	CreateSession(ctx context.Context, session *models.Session) error

	TouchSession(ctx context.Context, sessionID string, lastActiveAt time.Time) error
}

// ── Transcript Store ────────────────────────────────────────

type TranscriptStore interface {
	AppendEvent(ctx context.Context, event *models.TranscriptEvent) error

	// ListRecentEvents returns the last limit events of the session ordered
	// oldest first. A non-positive limit yields an empty list.
	ListRecentEvents(ctx context.Context, agentID, sessionID string, limit int) ([]models.TranscriptEvent, error)

	// GetLatestCompaction returns the newest compaction event or *ErrNotFound.
	GetLatestCompaction(ctx context.Context, agentID, sessionID string) (*models.TranscriptEvent, error)
}

// ── Memory Item Store ───────────────────────────────────────

// MemoryQuery selects the items closest to Embedding.
type MemoryQuery struct {
	AgentID   string
	Embedding []float64
	TopK      int
	// Sensitivity restricts results to the listed levels when non-empty.
	Sensitivity []models.Sensitivity
	// ContextEligible restricts results to items with the given flag when set.
	ContextEligible *bool
}

type MemoryItemStore interface {
	InsertMemoryItem(ctx context.Context, item *models.MemoryItem) error
	// ListMemoryItems returns the agent's items, newest first.
	ListMemoryItems(ctx context.Context, agentID string, limit int) ([]models.MemoryItem, error)
	// QueryTopK ranks by cosine similarity, best first. Items without an
	// embedding rank last.
	QueryTopK(ctx context.Context, q MemoryQuery) ([]models.MemoryItem, error)
}

// ── Usage Store ─────────────────────────────────────────────

type UsageStore interface {
	InsertUsageEvent(ctx context.Context, event *models.UsageEvent) error
	// SumUsage totals the agent's events with from <= createdAt <= to.
	SumUsage(ctx context.Context, agentID string, from, to time.Time) (models.UsageSummary, error)
}

// ── Audit Store ─────────────────────────────────────────────

type AuditStore interface {
	CreateAuditEvent(ctx context.Context, event *models.AuditEvent) error
	// ListAuditEvents returns the agent's audit trail, newest first.
	ListAuditEvents(ctx context.Context, agentID string, limit int) ([]models.AuditEvent, error)
}

// ErrNotFound is returned when a requested entity does not exist.
type ErrNotFound struct {
	Entity string
	Key    string
}

func (e *ErrNotFound) Error() string {
	return e.Entity + " not found: " + e.Key
}

// IsNotFound reports whether err is or wraps an *ErrNotFound.
func IsNotFound(err error) bool {
	var nf *ErrNotFound
	return errors.As(err, &nf)
}
