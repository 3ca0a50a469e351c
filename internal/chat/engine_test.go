package chat_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/Zhao-yangyang/DaemonChat/internal/apperr"
	"github.com/Zhao-yangyang/DaemonChat/internal/chat"
	"github.com/Zhao-yangyang/DaemonChat/internal/clock"
	"github.com/Zhao-yangyang/DaemonChat/internal/compaction"
	"github.com/Zhao-yangyang/DaemonChat/internal/llm/llmtest"
	"github.com/Zhao-yangyang/DaemonChat/internal/memory"
	"github.com/Zhao-yangyang/DaemonChat/internal/sessions"
	"github.com/Zhao-yangyang/DaemonChat/internal/store"
	"github.com/Zhao-yangyang/DaemonChat/internal/transcript"
	"github.com/Zhao-yangyang/DaemonChat/internal/usage"
	"github.com/Zhao-yangyang/DaemonChat/pkg/models"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

// recordingUsage keeps every usage event it stores.
type recordingUsage struct {
	store.UsageStore
	mu     sync.Mutex
	events []models.UsageEvent
}

func (r *recordingUsage) InsertUsageEvent(ctx context.Context, event *models.UsageEvent) error {
	r.mu.Lock()
	r.events = append(r.events, *event)
	r.mu.Unlock()
	return r.UsageStore.InsertUsageEvent(ctx, event)
}

func (r *recordingUsage) Events() []models.UsageEvent {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]models.UsageEvent(nil), r.events...)
}

type harness struct {
	engine *chat.Engine
	store  *store.MemoryStore
	usage  *recordingUsage
	gen    *llmtest.Generator
	memory *memory.Service
	clock  *clock.Manual
}

func newHarness(t *testing.T, gen *llmtest.Generator) *harness {
	t.Helper()
	st := store.NewMemoryStore()
	t.Cleanup(func() { _ = st.Close() })
	clk := clock.NewManual(time.Date(2026, 2, 3, 10, 0, 0, 0, time.UTC))
	rec := &recordingUsage{UsageStore: st}

	ts := transcript.New(st, clk)
	mem := memory.New(st, st, gen, clk)
	engine := chat.New(chat.Deps{
		Sessions:   sessions.NewResolver(st, clk),
		Memory:     mem,
		Transcript: ts,
		Usage:      usage.New(rec, clk),
		Compactor:  compaction.New(gen, ts),
		Generator:  gen,
	}, chat.Defaults{
		System: "You are a helpful AI assistant.",
		Budget: models.DefaultContextBudget(),
	})
	return &harness{engine: engine, store: st, usage: rec, gen: gen, memory: mem, clock: clk}
}

func (h *harness) events(t *testing.T, sessionID string) []models.TranscriptEvent {
	t.Helper()
	events, err := h.store.ListRecentEvents(context.Background(), "agent-1", sessionID, 100)
	require.NoError(t, err)
	return events
}

func types(events []models.TranscriptEvent) []models.EventType {
	out := make([]models.EventType, len(events))
	for i, e := range events {
		out[i] = e.Type
	}
	return out
}

func intp(v int) *int { return &v }

func TestChatTurnEndToEnd(t *testing.T) {
	h := newHarness(t, &llmtest.Generator{Fragments: []string{"hello", " there"}})

	res, err := h.engine.ChatTurn(context.Background(), "agent-1", "main", "hi", chat.TurnOptions{MemoryTopK: intp(0)})
	require.NoError(t, err)

	assert.Equal(t, "hello there", res.AssistantText)
	assert.NotEmpty(t, res.SessionID)
	assert.Empty(t, h.gen.EmbedCalls())

	events := h.events(t, res.SessionID)
	require.Equal(t, []models.EventType{models.EventUserMessage, models.EventAssistantMessage}, types(events))
	assert.Equal(t, "hi", events[0].Text())
	assert.Equal(t, "hello there", events[1].Text())

	recorded := h.usage.Events()
	require.Len(t, recorded, 1)
	require.NotNil(t, recorded[0].TokensIn)
	require.NotNil(t, recorded[0].TokensOut)
	assert.Positive(t, *recorded[0].TokensIn)
	assert.Positive(t, *recorded[0].TokensOut)
	assert.Nil(t, recorded[0].CostEstimate)
	assert.Equal(t, models.UsageLLM, recorded[0].EventType)
	assert.Equal(t, res.SessionID, recorded[0].SessionID)
}

func TestChatTurnJoinsBareFragmentsWithSpace(t *testing.T) {
	h := newHarness(t, &llmtest.Generator{Fragments: []string{"hello", "there"}})

	res, err := h.engine.ChatTurn(context.Background(), "agent-1", "main", "hi", chat.TurnOptions{})
	require.NoError(t, err)
	assert.Equal(t, "hello there", res.AssistantText)
}

func TestChatTurnUsesSystemAndMemory(t *testing.T) {
	gen := &llmtest.Generator{
		Fragments: []string{"ok"},
		EmbedFunc: llmtest.KeywordEmbedding("sushi", "tea"),
	}
	h := newHarness(t, gen)
	ctx := context.Background()

	for _, in := range []memory.WriteInput{
		{ScopeType: models.ScopeUser, Type: models.MemoryPreference, Content: "likes sushi", Sensitivity: models.SensitivityPublic, ContextEligible: true},
		{ScopeType: models.ScopeUser, Type: models.MemoryFact, Content: "hates sushi (private note)", Sensitivity: models.SensitivityPrivate, ContextEligible: false},
	} {
		_, err := h.memory.Write(ctx, "agent-1", in)
		require.NoError(t, err)
	}

	res, err := h.engine.ChatTurn(ctx, "agent-1", "main", "where should I get sushi?", chat.TurnOptions{})
	require.NoError(t, err)

	require.Len(t, res.Context.Memory, 1)
	assert.Equal(t, "likes sushi", res.Context.Memory[0].Content)
	assert.Equal(t, "You are a helpful AI assistant.", res.Context.System)

	calls := gen.StreamCalls()
	require.Len(t, calls, 1)
	assert.Equal(t, models.RoleSystem, calls[0][0].Role)
	assert.Equal(t, "where should I get sushi?", calls[0][len(calls[0])-1].Content)
}

func TestChatTurnRecentExcludesCurrentMessage(t *testing.T) {
	h := newHarness(t, &llmtest.Generator{Fragments: []string{"reply"}})
	ctx := context.Background()

	first, err := h.engine.ChatTurn(ctx, "agent-1", "main", "first", chat.TurnOptions{})
	require.NoError(t, err)
	assert.Empty(t, first.Context.RecentMessages)

	h.clock.Advance(time.Minute)
	second, err := h.engine.ChatTurn(ctx, "agent-1", "main", "second", chat.TurnOptions{})
	require.NoError(t, err)

	assert.Equal(t, first.SessionID, second.SessionID)
	require.Len(t, second.Context.RecentMessages, 2)
	assert.Equal(t, "first", second.Context.RecentMessages[0].Text())
	assert.Equal(t, "reply", second.Context.RecentMessages[1].Text())
	assert.Equal(t, "second", second.Context.UserInput)
}

func TestChatTurnOverridesBudget(t *testing.T) {
	h := newHarness(t, &llmtest.Generator{Fragments: []string{"reply"}})
	ctx := context.Background()

	_, err := h.engine.ChatTurn(ctx, "agent-1", "main", "first", chat.TurnOptions{})
	require.NoError(t, err)

	res, err := h.engine.ChatTurn(ctx, "agent-1", "main", "second", chat.TurnOptions{RecentMessages: intp(1)})
	require.NoError(t, err)
	require.Len(t, res.Context.RecentMessages, 1)
	assert.Equal(t, "reply", res.Context.RecentMessages[0].Text())
}

func TestChatTurnCompactsWhenOverBudget(t *testing.T) {
	gen := &llmtest.Generator{Fragments: []string{"reply"}, Completion: "summary of chat"}
	h := newHarness(t, gen)

	tiny := models.ContextBudget{ModelWindow: 10, MemoryTopK: 0, RecentMessages: 5}
	res, err := h.engine.ChatTurn(context.Background(), "agent-1", "main", "a fairly long question that overflows", chat.TurnOptions{Budget: &tiny})
	require.NoError(t, err)
	assert.True(t, res.Context.ShouldCompact)

	events := h.events(t, res.SessionID)
	assert.Equal(t, []models.EventType{
		models.EventUserMessage, models.EventAssistantMessage, models.EventCompaction,
	}, types(events))
	assert.Equal(t, "summary of chat", events[2].Content["summary"])

	calls := gen.CompleteCalls()
	require.Len(t, calls, 1)
	assert.Equal(t, compaction.Instruction, calls[0][0].Content)
}

func TestChatTurnGenerationFailureKeepsUserMessage(t *testing.T) {
	gen := &llmtest.Generator{Fragments: []string{"partial"}, StreamErr: errors.New("upstream reset")}
	h := newHarness(t, gen)
	ctx := context.Background()

	_, err := h.engine.ChatTurn(ctx, "agent-1", "main", "hi", chat.TurnOptions{})
	require.Error(t, err)
	assert.True(t, apperr.Is(err, apperr.CodeInfra))

	session, err := h.store.GetCurrentSession(ctx, "agent-1", "main")
	require.NoError(t, err)
	assert.Equal(t, []models.EventType{models.EventUserMessage}, types(h.events(t, session.ID)))
	assert.Empty(t, h.usage.Events())
}

func TestChatTurnValidation(t *testing.T) {
	h := newHarness(t, &llmtest.Generator{})
	ctx := context.Background()

	_, err := h.engine.ChatTurn(ctx, "agent-1", "  ", "hi", chat.TurnOptions{})
	assert.True(t, apperr.Is(err, apperr.CodeValidation))

	_, err = h.engine.ChatTurn(ctx, "agent-1", "main", " ", chat.TurnOptions{})
	assert.True(t, apperr.Is(err, apperr.CodeValidation))

	_, err = h.store.GetCurrentSession(ctx, "agent-1", "main")
	assert.True(t, store.IsNotFound(err))
}

func TestChatTurnStreamVerbatim(t *testing.T) {
	h := newHarness(t, &llmtest.Generator{Fragments: []string{" hel", "lo", " there "}})
	ctx := context.Background()

	stream, err := h.engine.ChatTurnStream(ctx, "agent-1", "main", "hi", chat.TurnOptions{})
	require.NoError(t, err)
	assert.NotEmpty(t, stream.SessionID)

	// The user message is recorded before any fragment is pulled.
	assert.Equal(t, []models.EventType{models.EventUserMessage}, types(h.events(t, stream.SessionID)))

	var got []string
	for frag, err := range stream.Fragments {
		require.NoError(t, err)
		got = append(got, frag)
	}
	assert.Equal(t, []string{" hel", "lo", " there "}, got)

	events := h.events(t, stream.SessionID)
	require.Equal(t, []models.EventType{models.EventUserMessage, models.EventAssistantMessage}, types(events))
	assert.Equal(t, "hello there", events[1].Text())
	assert.Len(t, h.usage.Events(), 1)
}

func TestChatTurnStreamAbandonedKeepsPartialReply(t *testing.T) {
	gen := &llmtest.Generator{Fragments: []string{"partial", " reply", " never sent"}}
	h := newHarness(t, gen)

	stream, err := h.engine.ChatTurnStream(context.Background(), "agent-1", "main", "hi", chat.TurnOptions{})
	require.NoError(t, err)

	n := 0
	for _, err := range stream.Fragments {
		require.NoError(t, err)
		n++
		if n == 2 {
			break
		}
	}

	assert.Equal(t, 2, gen.FragmentsSent())
	assert.False(t, gen.StreamFinished())

	events := h.events(t, stream.SessionID)
	require.Equal(t, []models.EventType{models.EventUserMessage, models.EventAssistantMessage}, types(events))
	assert.Equal(t, "partial reply", events[1].Text())
	assert.Len(t, h.usage.Events(), 1)
}

func TestChatTurnStreamCancelledKeepsPartialReply(t *testing.T) {
	gen := &llmtest.Generator{Fragments: []string{"one", " two", " three"}}
	h := newHarness(t, gen)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	stream, err := h.engine.ChatTurnStream(ctx, "agent-1", "main", "hi", chat.TurnOptions{})
	require.NoError(t, err)

	var errs []error
	for frag, err := range stream.Fragments {
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if frag == "one" {
			cancel()
		}
	}
	require.Len(t, errs, 1)
	assert.ErrorIs(t, errs[0], context.Canceled)

	events := h.events(t, stream.SessionID)
	require.Equal(t, []models.EventType{models.EventUserMessage, models.EventAssistantMessage}, types(events))
	assert.Equal(t, "one", events[1].Text())
	assert.Len(t, h.usage.Events(), 1)
}

func TestChatTurnStreamGenerationFailure(t *testing.T) {
	gen := &llmtest.Generator{Fragments: []string{"par"}, StreamErr: errors.New("upstream reset")}
	h := newHarness(t, gen)

	stream, err := h.engine.ChatTurnStream(context.Background(), "agent-1", "main", "hi", chat.TurnOptions{})
	require.NoError(t, err)

	var lastErr error
	for _, err := range stream.Fragments {
		if err != nil {
			lastErr = err
		}
	}
	assert.True(t, apperr.Is(lastErr, apperr.CodeInfra))
	assert.Equal(t, []models.EventType{models.EventUserMessage}, types(h.events(t, stream.SessionID)))
	assert.Empty(t, h.usage.Events())
}

func TestChatTurnStreamSingleConsumption(t *testing.T) {
	h := newHarness(t, &llmtest.Generator{Fragments: []string{"once"}})

	stream, err := h.engine.ChatTurnStream(context.Background(), "agent-1", "main", "hi", chat.TurnOptions{})
	require.NoError(t, err)

	for _, err := range stream.Fragments {
		require.NoError(t, err)
	}

	var second []error
	for frag, err := range stream.Fragments {
		assert.Empty(t, frag)
		second = append(second, err)
	}
	require.Len(t, second, 1)
	assert.ErrorIs(t, second[0], chat.ErrStreamConsumed)
	assert.Len(t, h.events(t, stream.SessionID), 2)
}
