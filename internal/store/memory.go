// In-memory Store implementation, used when PostgreSQL is not configured
// (local dev, tests). Supports file-based snapshot persistence so data
// survives restarts.

package store

import (
	"cmp"
	"context"
	"encoding/json"
	"math"
	"os"
	"path/filepath"
	"slices"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/Zhao-yangyang/DaemonChat/pkg/models"
)

// snapshot is the JSON-serializable shape written to disk.
type snapshot struct {
	Agents      map[string]*models.Agent   `json:"agents"`
	Sessions    map[string]*models.Session `json:"sessions"`
	Transcripts []*models.TranscriptEvent  `json:"transcripts"`
	MemoryItems []*models.MemoryItem       `json:"memory_items"`
	Usage       []*models.UsageEvent       `json:"usage"`
	AuditEvents []*models.AuditEvent       `json:"audit_events"`
}

// MemoryStore implements Store with in-memory maps and append-only slices.
// Slices keep insertion order, which breaks timestamp ties.
type MemoryStore struct {
	mu          sync.RWMutex
	agents      map[string]*models.Agent   // key: id
	sessions    map[string]*models.Session // key: id
	current     map[string]string          // key: agent_id:session_key → session id
	transcripts []*models.TranscriptEvent
	memoryItems []*models.MemoryItem
	usage       []*models.UsageEvent
	auditEvents []*models.AuditEvent

	// Persistence
	snapshotPath string        // empty = no persistence
	saveMu       sync.Mutex    // guards file writes
	saveCh       chan struct{} // debounce channel
	doneCh       chan struct{} // signals the save loop to stop
	debounce     time.Duration
}

// MemoryOption configures a MemoryStore.
type MemoryOption func(*MemoryStore)

// WithSnapshotDir persists the store to dir/data.json. An empty dir disables
// persistence.
func WithSnapshotDir(dir string) MemoryOption {
	return func(m *MemoryStore) {
		if dir == "" {
			return
		}
		if err := os.MkdirAll(dir, 0o755); err != nil {
			log.Warn().Err(err).Str("dir", dir).Msg("Cannot create data dir, persistence disabled")
			return
		}
		m.snapshotPath = filepath.Join(dir, "data.json")
	}
}

// WithSaveDebounce sets how long writes are coalesced before a snapshot is
// flushed. Defaults to 500ms.
func WithSaveDebounce(d time.Duration) MemoryOption {
	return func(m *MemoryStore) { m.debounce = d }
}

// NewMemoryStore creates a new in-memory store. Without WithSnapshotDir no
// background goroutine is started.
func NewMemoryStore(opts ...MemoryOption) *MemoryStore {
	m := &MemoryStore{
		agents:   make(map[string]*models.Agent),
		sessions: make(map[string]*models.Session),
		current:  make(map[string]string),
		saveCh:   make(chan struct{}, 1),
		doneCh:   make(chan struct{}),
		debounce: 500 * time.Millisecond,
	}
	for _, opt := range opts {
		opt(m)
	}

	if m.snapshotPath != "" {
		m.loadSnapshot()
		go m.saveLoop()
		log.Info().Str("snapshot", m.snapshotPath).Msg("Memory store configured")
	}
	return m
}

// requestSave signals the background goroutine to persist data.
// Non-blocking: coalesces multiple rapid writes into one disk flush.
func (m *MemoryStore) requestSave() {
	if m.snapshotPath == "" {
		return
	}
	select {
	case m.saveCh <- struct{}{}:
	default:
	}
}

func (m *MemoryStore) saveLoop() {
	for {
		select {
		case <-m.doneCh:
			return
		case <-m.saveCh:
			select {
			case <-time.After(m.debounce):
			case <-m.doneCh:
				return
			}
			m.saveSnapshot()
		}
	}
}

// saveSnapshot persists all data to disk as JSON.
func (m *MemoryStore) saveSnapshot() {
	m.mu.RLock()
	snap := snapshot{
		Agents:      m.agents,
		Sessions:    m.sessions,
		Transcripts: m.transcripts,
		MemoryItems: m.memoryItems,
		Usage:       m.usage,
		AuditEvents: m.auditEvents,
	}
	data, err := json.Marshal(snap)
	m.mu.RUnlock()

	if err != nil {
		log.Error().Err(err).Msg("Failed to marshal snapshot")
		return
	}

	m.saveMu.Lock()
	defer m.saveMu.Unlock()

	// Write to temp file then rename for atomicity
	tmp := m.snapshotPath + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		log.Error().Err(err).Str("path", tmp).Msg("Failed to write snapshot tmp")
		return
	}
	if err := os.Rename(tmp, m.snapshotPath); err != nil {
		log.Error().Err(err).Str("path", m.snapshotPath).Msg("Failed to rename snapshot")
		return
	}

	log.Debug().Str("path", m.snapshotPath).Msg("Snapshot saved")
}

// loadSnapshot reads data from disk on startup.
func (m *MemoryStore) loadSnapshot() {
	data, err := os.ReadFile(m.snapshotPath)
	if err != nil {
		if os.IsNotExist(err) {
			log.Info().Str("path", m.snapshotPath).Msg("No snapshot file found, starting fresh")
			return
		}
		log.Warn().Err(err).Str("path", m.snapshotPath).Msg("Failed to read snapshot")
		return
	}

	var snap snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		log.Error().Err(err).Str("path", m.snapshotPath).Msg("Failed to parse snapshot, starting fresh")
		return
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if snap.Agents != nil {
		m.agents = snap.Agents
	}
	if snap.Sessions != nil {
		m.sessions = snap.Sessions
		for id, s := range m.sessions {
			if s.Current {
				m.current[key(s.AgentID, s.SessionKey)] = id
			}
		}
	}
	m.transcripts = snap.Transcripts
	m.memoryItems = snap.MemoryItems
	m.usage = snap.Usage
	m.auditEvents = snap.AuditEvents

	log.Info().
		Int("agents", len(m.agents)).
		Int("sessions", len(m.sessions)).
		Int("transcript_events", len(m.transcripts)).
		Int("memory_items", len(m.memoryItems)).
		Str("path", m.snapshotPath).
		Msg("Snapshot loaded")
}

func (m *MemoryStore) Ping(_ context.Context) error { return nil }

// Close stops the save loop and forces a final snapshot write.
// Safe to call multiple times (second call is a no-op).
func (m *MemoryStore) Close() error {
	select {
	case <-m.doneCh:
		return nil
	default:
		close(m.doneCh)
	}

	if m.snapshotPath != "" {
		log.Info().Msg("Flushing final snapshot before shutdown...")
		m.saveSnapshot()
	}
	return nil
}

func (m *MemoryStore) Migrate(_ context.Context) error { return nil }

func key(parts ...string) string {
	k := ""
	for i, p := range parts {
		if i > 0 {
			k += ":"
		}
		k += p
	}
	return k
}

// ── Agent Store ─────────────────────────────────────────────

func (m *MemoryStore) CreateAgent(_ context.Context, agent *models.Agent) error {
	m.mu.Lock()
	cp := *agent
	m.agents[agent.ID] = &cp
	m.mu.Unlock()
	m.requestSave()
	return nil
}

func (m *MemoryStore) GetAgent(_ context.Context, id string) (*models.Agent, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	a, ok := m.agents[id]
	if !ok {
		return nil, &ErrNotFound{Entity: "agent", Key: id}
	}
	cp := *a
	return &cp, nil
}

func (m *MemoryStore) ListAgentsByOwner(_ context.Context, ownerUserID string) ([]models.Agent, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	result := []models.Agent{}
	for _, a := range m.agents {
		if a.OwnerUserID == ownerUserID {
			result = append(result, *a)
		}
	}
	slices.SortFunc(result, func(a, b models.Agent) int {
		return cmp.Or(a.CreatedAt.Compare(b.CreatedAt), cmp.Compare(a.ID, b.ID))
	})
	return result, nil
}

// ── Session Store ───────────────────────────────────────────

func (m *MemoryStore) GetCurrentSession(_ context.Context, agentID, sessionKey string) (*models.Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	id, ok := m.current[key(agentID, sessionKey)]
	if !ok {
		return nil, &ErrNotFound{Entity: "session", Key: key(agentID, sessionKey)}
	}
	cp := *m.sessions[id]
	return &cp, nil
}

func (m *MemoryStore) CreateSession(_ context.Context, session *models.Session) error {
	m.mu.Lock()
	k := key(session.AgentID, session.SessionKey)
	if id, ok := m.current[k]; ok {
		*session = *m.sessions[id]
		m.mu.Unlock()
		return nil
	}
	session.Current = true
	cp := *session
	m.sessions[session.ID] = &cp
	m.current[k] = session.ID
	m.mu.Unlock()
	m.requestSave()
	return nil
}

func (m *MemoryStore) TouchSession(_ context.Context, sessionID string, lastActiveAt time.Time) error {
	m.mu.Lock()
	s, ok := m.sessions[sessionID]
	if !ok {
		m.mu.Unlock()
		return &ErrNotFound{Entity: "session", Key: sessionID}
	}
	if lastActiveAt.After(s.LastActiveAt) {
		s.LastActiveAt = lastActiveAt
	}
	m.mu.Unlock()
	m.requestSave()
	return nil
}

// ── Transcript Store ────────────────────────────────────────

func (m *MemoryStore) AppendEvent(_ context.Context, event *models.TranscriptEvent) error {
	m.mu.Lock()
	cp := *event
	m.transcripts = append(m.transcripts, &cp)
	m.mu.Unlock()
	m.requestSave()
	return nil
}

// sessionEvents returns the session's events oldest first. Caller holds mu.
func (m *MemoryStore) sessionEvents(agentID, sessionID string) []models.TranscriptEvent {
	var events []models.TranscriptEvent
	for _, e := range m.transcripts {
		if e.AgentID == agentID && e.SessionID == sessionID {
			events = append(events, *e)
		}
	}
	slices.SortStableFunc(events, func(a, b models.TranscriptEvent) int {
		return a.CreatedAt.Compare(b.CreatedAt)
	})
	return events
}

func (m *MemoryStore) ListRecentEvents(_ context.Context, agentID, sessionID string, limit int) ([]models.TranscriptEvent, error) {
	if limit <= 0 {
		return []models.TranscriptEvent{}, nil
	}
	m.mu.RLock()
	events := m.sessionEvents(agentID, sessionID)
	m.mu.RUnlock()
	if len(events) > limit {
		events = events[len(events)-limit:]
	}
	if events == nil {
		events = []models.TranscriptEvent{}
	}
	return events, nil
}

func (m *MemoryStore) GetLatestCompaction(_ context.Context, agentID, sessionID string) (*models.TranscriptEvent, error) {
	m.mu.RLock()
	events := m.sessionEvents(agentID, sessionID)
	m.mu.RUnlock()
	for i := len(events) - 1; i >= 0; i-- {
		if events[i].Type == models.EventCompaction {
			return &events[i], nil
		}
	}
	return nil, &ErrNotFound{Entity: "compaction", Key: key(agentID, sessionID)}
}

// ── Memory Item Store ───────────────────────────────────────

func (m *MemoryStore) InsertMemoryItem(_ context.Context, item *models.MemoryItem) error {
	m.mu.Lock()
	cp := *item
	cp.Tags = slices.Clone(item.Tags)
	cp.Embedding = slices.Clone(item.Embedding)
	m.memoryItems = append(m.memoryItems, &cp)
	m.mu.Unlock()
	m.requestSave()
	return nil
}

func (m *MemoryStore) ListMemoryItems(_ context.Context, agentID string, limit int) ([]models.MemoryItem, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	result := []models.MemoryItem{}
	for i := len(m.memoryItems) - 1; i >= 0 && len(result) < limit; i-- {
		if it := m.memoryItems[i]; it.AgentID == agentID {
			result = append(result, *it)
		}
	}
	slices.SortStableFunc(result, func(a, b models.MemoryItem) int {
		return b.CreatedAt.Compare(a.CreatedAt)
	})
	return result, nil
}

func (m *MemoryStore) QueryTopK(_ context.Context, q MemoryQuery) ([]models.MemoryItem, error) {
	if q.TopK <= 0 {
		return []models.MemoryItem{}, nil
	}

	type scored struct {
		item  models.MemoryItem
		score float64
	}

	m.mu.RLock()
	var candidates []scored
	for _, it := range m.memoryItems {
		if it.AgentID != q.AgentID {
			continue
		}
		if q.ContextEligible != nil && it.ContextEligible != *q.ContextEligible {
			continue
		}
		if len(q.Sensitivity) > 0 && !slices.Contains(q.Sensitivity, it.Sensitivity) {
			continue
		}
		score := math.Inf(-1)
		if len(it.Embedding) > 0 {
			score = cosineSimilarity(it.Embedding, q.Embedding)
		}
		candidates = append(candidates, scored{item: *it, score: score})
	}
	m.mu.RUnlock()

	slices.SortStableFunc(candidates, func(a, b scored) int {
		return cmp.Compare(b.score, a.score)
	})

	if len(candidates) > q.TopK {
		candidates = candidates[:q.TopK]
	}
	result := make([]models.MemoryItem, len(candidates))
	for i, c := range candidates {
		result[i] = c.item
	}
	return result, nil
}

// cosineSimilarity returns 0 for mismatched or zero-length vectors.
func cosineSimilarity(a, b []float64) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}
	var dot, normA, normB float64
	for i := range a {
		dot += a[i] * b[i]
		normA += a[i] * a[i]
		normB += b[i] * b[i]
	}
	if normA == 0 || normB == 0 {
		return 0
	}
	return dot / (math.Sqrt(normA) * math.Sqrt(normB))
}

// ── Usage Store ─────────────────────────────────────────────

func (m *MemoryStore) InsertUsageEvent(_ context.Context, event *models.UsageEvent) error {
	m.mu.Lock()
	cp := *event
	m.usage = append(m.usage, &cp)
	m.mu.Unlock()
	m.requestSave()
	return nil
}

func (m *MemoryStore) SumUsage(_ context.Context, agentID string, from, to time.Time) (models.UsageSummary, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var sum models.UsageSummary
	for _, e := range m.usage {
		if e.AgentID != agentID || e.CreatedAt.Before(from) || e.CreatedAt.After(to) {
			continue
		}
		if e.TokensIn != nil {
			sum.TokensIn += *e.TokensIn
		}
		if e.TokensOut != nil {
			sum.TokensOut += *e.TokensOut
		}
		if e.CostEstimate != nil {
			sum.CostEstimate += *e.CostEstimate
		}
	}
	return sum, nil
}

// ── Audit Store ─────────────────────────────────────────────

func (m *MemoryStore) CreateAuditEvent(_ context.Context, event *models.AuditEvent) error {
	m.mu.Lock()
	cp := *event
	m.auditEvents = append(m.auditEvents, &cp)
	m.mu.Unlock()
	m.requestSave()
	return nil
}

func (m *MemoryStore) ListAuditEvents(_ context.Context, agentID string, limit int) ([]models.AuditEvent, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	result := []models.AuditEvent{}
	for i := len(m.auditEvents) - 1; i >= 0 && len(result) < limit; i-- {
		if e := m.auditEvents[i]; e.AgentID == agentID {
			result = append(result, *e)
		}
	}
	return result, nil
}
