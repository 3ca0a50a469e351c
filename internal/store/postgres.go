package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog/log"

	"github.com/Zhao-yangyang/DaemonChat/pkg/models"
)

// PostgresConfig configures the PostgreSQL store.
type PostgresConfig struct {
	URL            string
	MaxConns       int32
	Dimensions     int           // width of the memory embedding column
	ConnectTimeout time.Duration // total time spent retrying the first ping
}

var (
	_ Store = (*Postgres)(nil)
	_ Store = (*MemoryStore)(nil)
)

// Postgres implements Store on PostgreSQL with the pgvector extension.
type Postgres struct {
	pool       *pgxpool.Pool
	dimensions int
}

// NewPostgres connects to PostgreSQL, retrying with exponential backoff until
// the database answers or ConnectTimeout elapses. It does not run migrations.
func NewPostgres(ctx context.Context, cfg PostgresConfig) (*Postgres, error) {
	poolCfg, err := pgxpool.ParseConfig(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("parse database url: %w", err)
	}
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = cfg.MaxConns
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("postgres connect: %w", err)
	}

	b := backoff.NewExponentialBackOff()
	b.MaxElapsedTime = cfg.ConnectTimeout
	ping := func() error { return pool.Ping(ctx) }
	notify := func(err error, wait time.Duration) {
		log.Warn().Err(err).Dur("retry_in", wait).Msg("PostgreSQL not ready")
	}
	if err := backoff.RetryNotify(ping, backoff.WithContext(b, ctx), notify); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres ping: %w", err)
	}

	dims := cfg.Dimensions
	if dims <= 0 {
		dims = 1536
	}

	log.Info().
		Str("host", poolCfg.ConnConfig.Host).
		Str("database", poolCfg.ConnConfig.Database).
		Int("dims", dims).
		Msg("PostgreSQL store connected")
	return &Postgres{pool: pool, dimensions: dims}, nil
}

func (p *Postgres) Ping(ctx context.Context) error { return p.pool.Ping(ctx) }

func (p *Postgres) Close() error {
	p.pool.Close()
	return nil
}

// Migrate creates the schema if it does not exist.
func (p *Postgres) Migrate(ctx context.Context) error {
	ddl := fmt.Sprintf(`
		CREATE EXTENSION IF NOT EXISTS vector;

		CREATE TABLE IF NOT EXISTS agents (
			id            TEXT PRIMARY KEY,
			owner_user_id TEXT NOT NULL,
			name          TEXT NOT NULL,
			created_at    TIMESTAMPTZ NOT NULL,
			updated_at    TIMESTAMPTZ NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_agents_owner ON agents (owner_user_id, created_at);

		CREATE TABLE IF NOT EXISTS sessions (
			id             TEXT PRIMARY KEY,
			agent_id       TEXT NOT NULL REFERENCES agents(id),
			session_key    TEXT NOT NULL,
			current        BOOLEAN NOT NULL DEFAULT TRUE,
			created_at     TIMESTAMPTZ NOT NULL,
			last_active_at TIMESTAMPTZ NOT NULL
		);
		CREATE UNIQUE INDEX IF NOT EXISTS uq_sessions_current
			ON sessions (agent_id, session_key) WHERE current;

		CREATE TABLE IF NOT EXISTS transcript_events (
			seq        BIGSERIAL,
			id         TEXT PRIMARY KEY,
			agent_id   TEXT NOT NULL,
			session_id TEXT NOT NULL REFERENCES sessions(id),
			type       TEXT NOT NULL,
			content    JSONB NOT NULL DEFAULT '{}',
			tokens_in  INTEGER,
			tokens_out INTEGER,
			created_at TIMESTAMPTZ NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_transcript_session
			ON transcript_events (agent_id, session_id, created_at, seq);

		CREATE TABLE IF NOT EXISTS memory_items (
			id               TEXT PRIMARY KEY,
			agent_id         TEXT NOT NULL,
			scope_type       TEXT NOT NULL,
			scope_id         TEXT NOT NULL DEFAULT '',
			type             TEXT NOT NULL,
			content          TEXT NOT NULL,
			tags             TEXT[] NOT NULL DEFAULT '{}',
			sensitivity      TEXT NOT NULL,
			context_eligible BOOLEAN NOT NULL DEFAULT TRUE,
			embedding        vector(%d),
			created_at       TIMESTAMPTZ NOT NULL,
			updated_at       TIMESTAMPTZ NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_memory_agent ON memory_items (agent_id, created_at);

		CREATE TABLE IF NOT EXISTS usage_events (
			id            TEXT PRIMARY KEY,
			agent_id      TEXT NOT NULL,
			session_id    TEXT NOT NULL DEFAULT '',
			event_type    TEXT NOT NULL,
			tokens_in     INTEGER,
			tokens_out    INTEGER,
			cost_estimate DOUBLE PRECISION,
			meta          JSONB NOT NULL DEFAULT '{}',
			created_at    TIMESTAMPTZ NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_usage_agent ON usage_events (agent_id, created_at);

		CREATE TABLE IF NOT EXISTS audit_events (
			seq        BIGSERIAL,
			id         TEXT PRIMARY KEY,
			tenant_id  TEXT NOT NULL DEFAULT '',
			agent_id   TEXT NOT NULL DEFAULT '',
			event_type TEXT NOT NULL,
			payload    JSONB NOT NULL DEFAULT '{}',
			created_at TIMESTAMPTZ NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_audit_agent ON audit_events (agent_id, created_at);
	`, p.dimensions)

	if _, err := p.pool.Exec(ctx, ddl); err != nil {
		return fmt.Errorf("migrate: %w", err)
	}
	log.Info().Msg("PostgreSQL schema up to date")
	return nil
}

// ── Agent Store ─────────────────────────────────────────────

const agentColumns = `id, owner_user_id, name, created_at, updated_at`

func scanAgent(row pgx.Row) (*models.Agent, error) {
	var a models.Agent
	if err := row.Scan(&a.ID, &a.OwnerUserID, &a.Name, &a.CreatedAt, &a.UpdatedAt); err != nil {
		return nil, err
	}
	return &a, nil
}

func (p *Postgres) CreateAgent(ctx context.Context, agent *models.Agent) error {
	_, err := p.pool.Exec(ctx,
		`INSERT INTO agents (`+agentColumns+`) VALUES ($1, $2, $3, $4, $5)`,
		agent.ID, agent.OwnerUserID, agent.Name, agent.CreatedAt, agent.UpdatedAt)
	if err != nil {
		return fmt.Errorf("insert agent: %w", err)
	}
	return nil
}

func (p *Postgres) GetAgent(ctx context.Context, id string) (*models.Agent, error) {
	a, err := scanAgent(p.pool.QueryRow(ctx, `SELECT `+agentColumns+` FROM agents WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, &ErrNotFound{Entity: "agent", Key: id}
	}
	if err != nil {
		return nil, fmt.Errorf("get agent: %w", err)
	}
	return a, nil
}

func (p *Postgres) ListAgentsByOwner(ctx context.Context, ownerUserID string) ([]models.Agent, error) {
	rows, err := p.pool.Query(ctx,
		`SELECT `+agentColumns+` FROM agents WHERE owner_user_id = $1 ORDER BY created_at, id`, ownerUserID)
	if err != nil {
		return nil, fmt.Errorf("list agents: %w", err)
	}
	defer rows.Close()

	agents := []models.Agent{}
	for rows.Next() {
		a, err := scanAgent(rows)
		if err != nil {
			return nil, fmt.Errorf("scan agent: %w", err)
		}
		agents = append(agents, *a)
	}
	return agents, rows.Err()
}

// ── Session Store ───────────────────────────────────────────

const sessionColumns = `id, agent_id, session_key, current, created_at, last_active_at`

func scanSession(row pgx.Row, s *models.Session) error {
	return row.Scan(&s.ID, &s.AgentID, &s.SessionKey, &s.Current, &s.CreatedAt, &s.LastActiveAt)
}

func (p *Postgres) GetCurrentSession(ctx context.Context, agentID, sessionKey string) (*models.Session, error) {
	var s models.Session
	err := scanSession(p.pool.QueryRow(ctx,
		`SELECT `+sessionColumns+` FROM sessions
		 WHERE agent_id = $1 AND session_key = $2 AND current
		 ORDER BY created_at DESC LIMIT 1`, agentID, sessionKey), &s)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, &ErrNotFound{Entity: "session", Key: key(agentID, sessionKey)}
	}
	if err != nil {
		return nil, fmt.Errorf("get current session: %w", err)
	}
	return &s, nil
}

// CreateSession relies on the partial unique index: a concurrent insert for
// the same pair resolves to the row that won.
func (p *Postgres) CreateSession(ctx context.Context, session *models.Session) error {
	err := scanSession(p.pool.QueryRow(ctx,
		`INSERT INTO sessions (`+sessionColumns+`) VALUES ($1, $2, $3, TRUE, $4, $5)
		 ON CONFLICT (agent_id, session_key) WHERE current
		 DO UPDATE SET current = sessions.current
		 RETURNING `+sessionColumns,
		session.ID, session.AgentID, session.SessionKey, session.CreatedAt, session.LastActiveAt), session)
	if err != nil {
		return fmt.Errorf("insert session: %w", err)
	}
	return nil
}

func (p *Postgres) TouchSession(ctx context.Context, sessionID string, lastActiveAt time.Time) error {
	tag, err := p.pool.Exec(ctx,
		`UPDATE sessions SET last_active_at = GREATEST(last_active_at, $2) WHERE id = $1`,
		sessionID, lastActiveAt)
	if err != nil {
		return fmt.Errorf("touch session: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return &ErrNotFound{Entity: "session", Key: sessionID}
	}
	return nil
}

// ── Transcript Store ────────────────────────────────────────

const eventColumns = `id, agent_id, session_id, type, content, tokens_in, tokens_out, created_at`

func scanEvent(row pgx.Row) (models.TranscriptEvent, error) {
	var (
		e   models.TranscriptEvent
		raw []byte
	)
	if err := row.Scan(&e.ID, &e.AgentID, &e.SessionID, &e.Type, &raw, &e.TokensIn, &e.TokensOut, &e.CreatedAt); err != nil {
		return e, err
	}
	if err := json.Unmarshal(raw, &e.Content); err != nil {
		return e, fmt.Errorf("decode content of %s: %w", e.ID, err)
	}
	return e, nil
}

func (p *Postgres) AppendEvent(ctx context.Context, event *models.TranscriptEvent) error {
	content, err := json.Marshal(event.Content)
	if err != nil {
		return fmt.Errorf("encode content: %w", err)
	}
	_, err = p.pool.Exec(ctx,
		`INSERT INTO transcript_events (`+eventColumns+`) VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		event.ID, event.AgentID, event.SessionID, string(event.Type), content,
		event.TokensIn, event.TokensOut, event.CreatedAt)
	if err != nil {
		return fmt.Errorf("append event: %w", err)
	}
	return nil
}

func (p *Postgres) ListRecentEvents(ctx context.Context, agentID, sessionID string, limit int) ([]models.TranscriptEvent, error) {
	if limit <= 0 {
		return []models.TranscriptEvent{}, nil
	}
	rows, err := p.pool.Query(ctx,
		`SELECT `+eventColumns+` FROM (
			SELECT seq, `+eventColumns+` FROM transcript_events
			WHERE agent_id = $1 AND session_id = $2
			ORDER BY created_at DESC, seq DESC
			LIMIT $3
		) recent ORDER BY created_at, seq`, agentID, sessionID, limit)
	if err != nil {
		return nil, fmt.Errorf("list events: %w", err)
	}
	defer rows.Close()

	events := []models.TranscriptEvent{}
	for rows.Next() {
		e, err := scanEvent(rows)
		if err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		events = append(events, e)
	}
	return events, rows.Err()
}

func (p *Postgres) GetLatestCompaction(ctx context.Context, agentID, sessionID string) (*models.TranscriptEvent, error) {
	e, err := scanEvent(p.pool.QueryRow(ctx,
		`SELECT `+eventColumns+` FROM transcript_events
		 WHERE agent_id = $1 AND session_id = $2 AND type = $3
		 ORDER BY created_at DESC, seq DESC LIMIT 1`,
		agentID, sessionID, string(models.EventCompaction)))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, &ErrNotFound{Entity: "compaction", Key: key(agentID, sessionID)}
	}
	if err != nil {
		return nil, fmt.Errorf("latest compaction: %w", err)
	}
	return &e, nil
}

// ── Memory Item Store ───────────────────────────────────────

const memoryColumns = `id, agent_id, scope_type, scope_id, type, content, tags, sensitivity,
	context_eligible, embedding::text, created_at, updated_at`

func scanMemory(row pgx.Row) (models.MemoryItem, error) {
	var (
		m         models.MemoryItem
		embedding *string
	)
	err := row.Scan(&m.ID, &m.AgentID, &m.ScopeType, &m.ScopeID, &m.Type, &m.Content, &m.Tags,
		&m.Sensitivity, &m.ContextEligible, &embedding, &m.CreatedAt, &m.UpdatedAt)
	if err != nil {
		return m, err
	}
	if embedding != nil {
		if m.Embedding, err = parseVector(*embedding); err != nil {
			return m, fmt.Errorf("decode embedding of %s: %w", m.ID, err)
		}
	}
	return m, nil
}

func (p *Postgres) InsertMemoryItem(ctx context.Context, item *models.MemoryItem) error {
	var embedding *string
	if len(item.Embedding) > 0 {
		v := pgvectorArray(item.Embedding)
		embedding = &v
	}
	tags := item.Tags
	if tags == nil {
		tags = []string{}
	}
	_, err := p.pool.Exec(ctx,
		`INSERT INTO memory_items (id, agent_id, scope_type, scope_id, type, content, tags, sensitivity,
			context_eligible, embedding, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10::vector, $11, $12)`,
		item.ID, item.AgentID, string(item.ScopeType), item.ScopeID, string(item.Type), item.Content, tags,
		string(item.Sensitivity), item.ContextEligible, embedding, item.CreatedAt, item.UpdatedAt)
	if err != nil {
		return fmt.Errorf("insert memory item: %w", err)
	}
	return nil
}

func (p *Postgres) ListMemoryItems(ctx context.Context, agentID string, limit int) ([]models.MemoryItem, error) {
	rows, err := p.pool.Query(ctx,
		`SELECT `+memoryColumns+` FROM memory_items WHERE agent_id = $1
		 ORDER BY created_at DESC LIMIT $2`, agentID, limit)
	if err != nil {
		return nil, fmt.Errorf("list memory items: %w", err)
	}
	return collectMemory(rows)
}

func (p *Postgres) QueryTopK(ctx context.Context, q MemoryQuery) ([]models.MemoryItem, error) {
	if q.TopK <= 0 {
		return []models.MemoryItem{}, nil
	}
	var sensitivity []string
	for _, s := range q.Sensitivity {
		sensitivity = append(sensitivity, string(s))
	}

	rows, err := p.pool.Query(ctx,
		`SELECT `+memoryColumns+` FROM memory_items
		 WHERE agent_id = $1
		   AND ($3::text[] IS NULL OR sensitivity = ANY($3))
		   AND ($4::boolean IS NULL OR context_eligible = $4)
		 ORDER BY embedding <=> $2::vector NULLS LAST, created_at
		 LIMIT $5`,
		q.AgentID, pgvectorArray(q.Embedding), sensitivity, q.ContextEligible, q.TopK)
	if err != nil {
		return nil, fmt.Errorf("query memory: %w", err)
	}
	return collectMemory(rows)
}

func collectMemory(rows pgx.Rows) ([]models.MemoryItem, error) {
	defer rows.Close()
	items := []models.MemoryItem{}
	for rows.Next() {
		m, err := scanMemory(rows)
		if err != nil {
			return nil, fmt.Errorf("scan memory item: %w", err)
		}
		items = append(items, m)
	}
	return items, rows.Err()
}

// ── Usage Store ─────────────────────────────────────────────

func (p *Postgres) InsertUsageEvent(ctx context.Context, event *models.UsageEvent) error {
	meta, err := json.Marshal(nonNil(event.Meta))
	if err != nil {
		return fmt.Errorf("encode meta: %w", err)
	}
	_, err = p.pool.Exec(ctx,
		`INSERT INTO usage_events (id, agent_id, session_id, event_type, tokens_in, tokens_out, cost_estimate, meta, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		event.ID, event.AgentID, event.SessionID, string(event.EventType),
		event.TokensIn, event.TokensOut, event.CostEstimate, meta, event.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert usage event: %w", err)
	}
	return nil
}

func (p *Postgres) SumUsage(ctx context.Context, agentID string, from, to time.Time) (models.UsageSummary, error) {
	var sum models.UsageSummary
	err := p.pool.QueryRow(ctx,
		`SELECT COALESCE(SUM(tokens_in), 0), COALESCE(SUM(tokens_out), 0), COALESCE(SUM(cost_estimate), 0)
		 FROM usage_events
		 WHERE agent_id = $1 AND created_at >= $2 AND created_at <= $3`,
		agentID, from, to).Scan(&sum.TokensIn, &sum.TokensOut, &sum.CostEstimate)
	if err != nil {
		return sum, fmt.Errorf("sum usage: %w", err)
	}
	return sum, nil
}

// ── Audit Store ─────────────────────────────────────────────

func (p *Postgres) CreateAuditEvent(ctx context.Context, event *models.AuditEvent) error {
	payload, err := json.Marshal(nonNil(event.Payload))
	if err != nil {
		return fmt.Errorf("encode payload: %w", err)
	}
	_, err = p.pool.Exec(ctx,
		`INSERT INTO audit_events (id, tenant_id, agent_id, event_type, payload, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6)`,
		event.ID, event.TenantID, event.AgentID, event.EventType, payload, event.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert audit event: %w", err)
	}
	return nil
}

func (p *Postgres) ListAuditEvents(ctx context.Context, agentID string, limit int) ([]models.AuditEvent, error) {
	rows, err := p.pool.Query(ctx,
		`SELECT id, tenant_id, agent_id, event_type, payload, created_at FROM audit_events
		 WHERE agent_id = $1 ORDER BY created_at DESC, seq DESC LIMIT $2`, agentID, limit)
	if err != nil {
		return nil, fmt.Errorf("list audit events: %w", err)
	}
	defer rows.Close()

	events := []models.AuditEvent{}
	for rows.Next() {
		var (
			e   models.AuditEvent
			raw []byte
		)
		if err := rows.Scan(&e.ID, &e.TenantID, &e.AgentID, &e.EventType, &raw, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan audit event: %w", err)
		}
		if err := json.Unmarshal(raw, &e.Payload); err != nil {
			return nil, fmt.Errorf("decode payload of %s: %w", e.ID, err)
		}
		events = append(events, e)
	}
	return events, rows.Err()
}

// ── Helpers ─────────────────────────────────────────────────

func nonNil(m map[string]any) map[string]any {
	if m == nil {
		return map[string]any{}
	}
	return m
}

// pgvectorArray converts a float64 slice to pgvector's text format: [1,2.5,3]
func pgvectorArray(v []float64) string {
	var sb strings.Builder
	sb.WriteByte('[')
	for i, f := range v {
		if i > 0 {
			sb.WriteByte(',')
		}
		sb.WriteString(strconv.FormatFloat(f, 'g', -1, 64))
	}
	sb.WriteByte(']')
	return sb.String()
}

// parseVector is the inverse of pgvectorArray.
func parseVector(s string) ([]float64, error) {
	s = strings.TrimSpace(s)
	if !strings.HasPrefix(s, "[") || !strings.HasSuffix(s, "]") {
		return nil, fmt.Errorf("malformed vector %q", s)
	}
	body := strings.TrimSpace(s[1 : len(s)-1])
	if body == "" {
		return []float64{}, nil
	}
	parts := strings.Split(body, ",")
	out := make([]float64, len(parts))
	for i, part := range parts {
		f, err := strconv.ParseFloat(strings.TrimSpace(part), 64)
		if err != nil {
			return nil, fmt.Errorf("vector element %d: %w", i, err)
		}
		out[i] = f
	}
	return out, nil
}
