// Package chat runs conversation turns: it resolves the session, recalls
// memory, packs the prompt, generates the reply and persists the outcome.
package chat

import (
	"context"
	"errors"
	"strings"
	"unicode"
	"unicode/utf8"

	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/Zhao-yangyang/DaemonChat/internal/apperr"
	"github.com/Zhao-yangyang/DaemonChat/internal/compaction"
	"github.com/Zhao-yangyang/DaemonChat/internal/contextpack"
	"github.com/Zhao-yangyang/DaemonChat/internal/memory"
	"github.com/Zhao-yangyang/DaemonChat/internal/sessions"
	"github.com/Zhao-yangyang/DaemonChat/internal/tokens"
	"github.com/Zhao-yangyang/DaemonChat/internal/transcript"
	"github.com/Zhao-yangyang/DaemonChat/internal/usage"
	"github.com/Zhao-yangyang/DaemonChat/pkg/contracts"
	"github.com/Zhao-yangyang/DaemonChat/pkg/models"
)

var tracer = otel.Tracer("daemonchat/chat")

// Defaults apply to every turn that does not override them.
type Defaults struct {
	System string
	Budget models.ContextBudget
	// Model is recorded on usage events.
	Model string
}

// Deps are the collaborators of the engine.
type Deps struct {
	Sessions   *sessions.Resolver
	Memory     *memory.Service
	Transcript *transcript.Service
	Usage      *usage.Service
	Compactor  *compaction.Compactor
	Generator  contracts.Generator
	// Count defaults to tokens.Approx.
	Count tokens.Counter
}

// Engine is the turn orchestrator.
type Engine struct {
	deps     Deps
	defaults Defaults
}

func New(deps Deps, defaults Defaults) *Engine {
	if deps.Count == nil {
		deps.Count = tokens.Approx
	}
	return &Engine{deps: deps, defaults: defaults}
}

// Defaults returns the configuration the engine was built with.
func (e *Engine) Defaults() Defaults { return e.defaults }

// TurnOptions override the engine defaults for one turn. MemoryTopK and
// RecentMessages take precedence over the matching Budget fields.
type TurnOptions struct {
	System         string
	Constraints    []string
	TaskState      string
	MemoryTopK     *int
	RecentMessages *int
	Budget         *models.ContextBudget
}

// TurnResult is the outcome of a completed turn.
type TurnResult struct {
	SessionID     string              `json:"sessionId"`
	AssistantText string              `json:"assistantText"`
	Context       *models.ContextPack `json:"context"`
}

// turn carries the state shared by the preparation and finalization halves.
type turn struct {
	agentID    string
	sessionID  string
	pack       *models.ContextPack
	userTokens int
}

// ChatTurn runs a turn to completion. Fragments are joined with a single
// space where neither side already has whitespace.
func (e *Engine) ChatTurn(ctx context.Context, agentID, sessionKey, userInput string, opts TurnOptions) (*TurnResult, error) {
	ctx, span := tracer.Start(ctx, "chat.turn")
	defer span.End()
	span.SetAttributes(attribute.String("agent.id", agentID))

	t, err := e.prepare(ctx, agentID, sessionKey, userInput, opts)
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	span.SetAttributes(
		attribute.String("session.id", t.sessionID),
		attribute.Int("context.tokens", t.pack.TokenEstimate),
	)

	var b strings.Builder
	for frag, err := range e.deps.Generator.StreamChat(ctx, t.pack.Messages) {
		if err != nil {
			span.SetStatus(codes.Error, err.Error())
			return nil, generationError(err)
		}
		joinFragment(&b, frag)
	}
	text := strings.TrimSpace(b.String())

	if err := e.finalize(ctx, t, text); err != nil {
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	return &TurnResult{SessionID: t.sessionID, AssistantText: text, Context: t.pack}, nil
}

// prepare resolves the session, gathers memory and recent transcript, records
// the user message and packs the prompt.
func (e *Engine) prepare(ctx context.Context, agentID, sessionKey, userInput string, opts TurnOptions) (*turn, error) {
	if strings.TrimSpace(userInput) == "" {
		return nil, apperr.Validation("user input is required")
	}
	budget := e.budget(opts)
	system := opts.System
	if system == "" {
		system = e.defaults.System
	}

	session, err := e.deps.Sessions.Resolve(ctx, agentID, sessionKey)
	if err != nil {
		return nil, err
	}

	mem, err := e.deps.Memory.RetrieveTop(ctx, agentID, userInput, budget.MemoryTopK, memory.Filters{})
	if err != nil {
		return nil, err
	}

	recent, err := e.deps.Transcript.LoadRecent(ctx, agentID, session.ID, budget.RecentMessages)
	if err != nil {
		return nil, err
	}

	userTokens := e.deps.Count(userInput)
	if _, err := e.deps.Transcript.Append(ctx, transcript.AppendInput{
		AgentID:   agentID,
		SessionID: session.ID,
		Type:      models.EventUserMessage,
		Content:   models.TextContent(userInput),
		TokensIn:  &userTokens,
	}); err != nil {
		return nil, err
	}

	pack := contextpack.Build(contextpack.Input{
		System:      system,
		Constraints: opts.Constraints,
		TaskState:   opts.TaskState,
		Memory:      mem,
		Recent:      recent,
		UserInput:   userInput,
		Budget:      budget,
		Count:       e.deps.Count,
	})

	log.Debug().
		Str("agent", agentID).
		Str("session", session.ID).
		Int("memory", len(pack.Memory)).
		Int("recent", len(pack.RecentMessages)).
		Int("tokens", pack.TokenEstimate).
		Bool("should_compact", pack.ShouldCompact).
		Msg("Context packed")

	return &turn{agentID: agentID, sessionID: session.ID, pack: pack, userTokens: userTokens}, nil
}

// finalize records the reply and its usage, then compacts when the pack
// overflowed.
func (e *Engine) finalize(ctx context.Context, t *turn, text string) error {
	outTokens := e.deps.Count(text)
	if _, err := e.deps.Transcript.Append(ctx, transcript.AppendInput{
		AgentID:   t.agentID,
		SessionID: t.sessionID,
		Type:      models.EventAssistantMessage,
		Content:   models.TextContent(text),
		TokensOut: &outTokens,
	}); err != nil {
		return err
	}

	inTokens := t.userTokens
	meta := map[string]any{"prompt_tokens": t.pack.TokenEstimate}
	if e.defaults.Model != "" {
		meta["model"] = e.defaults.Model
	}
	if err := e.deps.Usage.Record(ctx, &models.UsageEvent{
		AgentID:   t.agentID,
		SessionID: t.sessionID,
		EventType: models.UsageLLM,
		TokensIn:  &inTokens,
		TokensOut: &outTokens,
		Meta:      meta,
	}); err != nil {
		return err
	}

	if _, err := e.deps.Compactor.CompactIfNeeded(ctx, t.agentID, t.sessionID, t.pack); err != nil {
		return err
	}
	return nil
}

func (e *Engine) budget(opts TurnOptions) models.ContextBudget {
	b := e.defaults.Budget
	if opts.Budget != nil {
		b = *opts.Budget
	}
	if opts.MemoryTopK != nil {
		b.MemoryTopK = *opts.MemoryTopK
	}
	if opts.RecentMessages != nil {
		b.RecentMessages = *opts.RecentMessages
	}
	return b
}

func joinFragment(b *strings.Builder, frag string) {
	if frag == "" {
		return
	}
	if b.Len() > 0 {
		last, _ := utf8.DecodeLastRuneInString(b.String())
		first, _ := utf8.DecodeRuneInString(frag)
		if !unicode.IsSpace(last) && !unicode.IsSpace(first) {
			b.WriteByte(' ')
		}
	}
	b.WriteString(frag)
}

// generationError keeps classified generator errors and cancellations and
// marks the rest as infrastructure failures.
func generationError(err error) error {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	if apperr.CodeOf(err) != apperr.CodeInfra {
		return err
	}
	return apperr.Infra(err, "generate reply")
}
