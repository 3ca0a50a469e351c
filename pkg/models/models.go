// Package models defines the persisted records and value types shared by the
// conversation engine, its storage adapters and the HTTP surface.
//
// JSON field names are camelCase because the browser client that consumes the
// API predates this service.
package models

import (
	"encoding/json"
	"time"
)

// ── Agent ────────────────────────────────────────────────────

// Agent is a named assistant owned by a single user. Every session, transcript
// event, memory item and usage event is scoped to exactly one agent.
type Agent struct {
	ID          string    `json:"id" db:"id"`
	OwnerUserID string    `json:"ownerUserId" db:"owner_user_id"`
	Name        string    `json:"name" db:"name"`
	CreatedAt   time.Time `json:"createdAt" db:"created_at"`
	UpdatedAt   time.Time `json:"updatedAt" db:"updated_at"`
}

// ── Session ──────────────────────────────────────────────────

// Session is a conversation thread identified by a caller-chosen key.
// At most one session per (AgentID, SessionKey) has Current set.
type Session struct {
	ID           string    `json:"id" db:"id"`
	AgentID      string    `json:"agentId" db:"agent_id"`
	SessionKey   string    `json:"sessionKey" db:"session_key"`
	Current      bool      `json:"current" db:"current"`
	CreatedAt    time.Time `json:"createdAt" db:"created_at"`
	LastActiveAt time.Time `json:"lastActiveAt" db:"last_active_at"`
}

// ── Transcript ───────────────────────────────────────────────

// EventType classifies a transcript event.
type EventType string

const (
	EventUserMessage      EventType = "user_message"
	EventAssistantMessage EventType = "assistant_message"
	EventToolCall         EventType = "tool_call"
	EventCompaction       EventType = "compaction"
	EventMemoryFlush      EventType = "memory_flush"
	EventSystem           EventType = "system"
)

// Valid reports whether t is one of the known event types.
func (t EventType) Valid() bool {
	switch t {
	case EventUserMessage, EventAssistantMessage, EventToolCall,
		EventCompaction, EventMemoryFlush, EventSystem:
		return true
	}
	return false
}

// TranscriptEvent is an append-only record of something that happened in a
// session. Content is a free-form document; message events carry {"text": ...}.
type TranscriptEvent struct {
	ID        string         `json:"id" db:"id"`
	AgentID   string         `json:"agentId" db:"agent_id"`
	SessionID string         `json:"sessionId" db:"session_id"`
	Type      EventType      `json:"type" db:"type"`
	Content   map[string]any `json:"content" db:"content"`
	TokensIn  *int           `json:"tokensIn,omitempty" db:"tokens_in"`
	TokensOut *int           `json:"tokensOut,omitempty" db:"tokens_out"`
	CreatedAt time.Time      `json:"createdAt" db:"created_at"`
}

// TextContent builds the content document for a message event.
func TextContent(text string) map[string]any {
	return map[string]any{"text": text}
}

// Text returns the textual form of the event content: the "text" field when it
// is a string, otherwise the JSON encoding of the whole document.
func (e TranscriptEvent) Text() string {
	if s, ok := e.Content["text"].(string); ok {
		return s
	}
	raw, err := json.Marshal(e.Content)
	if err != nil {
		return ""
	}
	return string(raw)
}

// ── Memory ───────────────────────────────────────────────────

type MemoryScope string

const (
	ScopeUser MemoryScope = "user"
	ScopeTeam MemoryScope = "team"
	ScopeOrg  MemoryScope = "org"
)

func (s MemoryScope) Valid() bool {
	return s == ScopeUser || s == ScopeTeam || s == ScopeOrg
}

type MemoryType string

const (
	MemoryFact       MemoryType = "fact"
	MemoryRule       MemoryType = "rule"
	MemoryPreference MemoryType = "preference"
	MemoryTask       MemoryType = "task"
)

func (t MemoryType) Valid() bool {
	switch t {
	case MemoryFact, MemoryRule, MemoryPreference, MemoryTask:
		return true
	}
	return false
}

type Sensitivity string

const (
	SensitivityPublic  Sensitivity = "public"
	SensitivityPrivate Sensitivity = "private"
	SensitivitySecret  Sensitivity = "secret"
)

func (s Sensitivity) Valid() bool {
	return s == SensitivityPublic || s == SensitivityPrivate || s == SensitivitySecret
}

// MemoryItem is a long-lived fact retrievable by semantic similarity.
// Only items with ContextEligible set are injected into prompts by default.
type MemoryItem struct {
	ID              string      `json:"id" db:"id"`
	AgentID         string      `json:"agentId" db:"agent_id"`
	ScopeType       MemoryScope `json:"scopeType" db:"scope_type"`
	ScopeID         string      `json:"scopeId" db:"scope_id"`
	Type            MemoryType  `json:"type" db:"type"`
	Content         string      `json:"content" db:"content"`
	Tags            []string    `json:"tags" db:"tags"`
	Sensitivity     Sensitivity `json:"sensitivity" db:"sensitivity"`
	ContextEligible bool        `json:"contextEligible" db:"context_eligible"`
	Embedding       []float64   `json:"embedding,omitempty" db:"embedding"`
	CreatedAt       time.Time   `json:"createdAt" db:"created_at"`
	UpdatedAt       time.Time   `json:"updatedAt" db:"updated_at"`
}

// ── Usage ────────────────────────────────────────────────────

type UsageEventType string

const (
	UsageLLM     UsageEventType = "llm"
	UsageTool    UsageEventType = "tool"
	UsageStorage UsageEventType = "storage"
)

// UsageEvent records resource consumption attributed to an agent.
type UsageEvent struct {
	ID           string         `json:"id" db:"id"`
	AgentID      string         `json:"agentId" db:"agent_id"`
	SessionID    string         `json:"sessionId,omitempty" db:"session_id"`
	EventType    UsageEventType `json:"eventType" db:"event_type"`
	TokensIn     *int           `json:"tokensIn,omitempty" db:"tokens_in"`
	TokensOut    *int           `json:"tokensOut,omitempty" db:"tokens_out"`
	CostEstimate *float64       `json:"costEstimate,omitempty" db:"cost_estimate"`
	Meta         map[string]any `json:"meta,omitempty" db:"meta"`
	CreatedAt    time.Time      `json:"createdAt" db:"created_at"`
}

// UsageSummary aggregates usage over a window. Missing values count as zero.
type UsageSummary struct {
	TokensIn     int     `json:"tokensIn"`
	TokensOut    int     `json:"tokensOut"`
	CostEstimate float64 `json:"costEstimate"`
}

// ── Context ──────────────────────────────────────────────────

// Role is the speaker of a prompt message.
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// ContextMessage is one message of the prompt handed to the generator.
type ContextMessage struct {
	Role    Role   `json:"role"`
	Content string `json:"content"`
}

// ContextBudget bounds the size of a packed prompt.
type ContextBudget struct {
	ModelWindow         int `json:"modelWindow" yaml:"model_window"`
	ReserveOutputTokens int `json:"reserveOutputTokens" yaml:"reserve_output_tokens"`
	ReserveToolTokens   int `json:"reserveToolTokens" yaml:"reserve_tool_tokens"`
	MemoryTopK          int `json:"memoryTopK" yaml:"memory_top_k"`
	RecentMessages      int `json:"recentMessages" yaml:"recent_messages"`
}

// DefaultContextBudget returns the budget used when none is configured.
func DefaultContextBudget() ContextBudget {
	return ContextBudget{
		ModelWindow:         128000,
		ReserveOutputTokens: 2048,
		ReserveToolTokens:   512,
		MemoryTopK:          8,
		RecentMessages:      20,
	}
}

// MaxContextTokens is the prompt allowance left after the reserves.
func (b ContextBudget) MaxContextTokens() int {
	return b.ModelWindow - b.ReserveOutputTokens - b.ReserveToolTokens
}

// Trimmed records which inputs lost items while fitting the budget.
type Trimmed struct {
	Memory bool `json:"memory"`
	Recent bool `json:"recent"`
}

// ContextPack is the budget-fitted prompt together with the inputs that
// survived packing.
type ContextPack struct {
	System           string            `json:"system"`
	Constraints      []string          `json:"constraints,omitempty"`
	TaskState        string            `json:"taskState,omitempty"`
	Memory           []MemoryItem      `json:"memory"`
	RecentMessages   []TranscriptEvent `json:"recentMessages"`
	UserInput        string            `json:"userInput"`
	Messages         []ContextMessage  `json:"messages"`
	MaxContextTokens int               `json:"maxContextTokens"`
	TokenEstimate    int               `json:"tokenEstimate"`
	Trimmed          Trimmed           `json:"trimmed"`
	ShouldCompact    bool              `json:"shouldCompact"`
}

// ── Audit ────────────────────────────────────────────────────

// AuditEvent is an append-only record of a state change made on behalf of a user.
type AuditEvent struct {
	ID        string         `json:"id" db:"id"`
	TenantID  string         `json:"tenantId,omitempty" db:"tenant_id"`
	AgentID   string         `json:"agentId,omitempty" db:"agent_id"`
	EventType string         `json:"eventType" db:"event_type"`
	Payload   map[string]any `json:"payload" db:"payload"`
	CreatedAt time.Time      `json:"createdAt" db:"created_at"`
}
