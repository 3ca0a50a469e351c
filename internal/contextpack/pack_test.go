package contextpack_test

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Zhao-yangyang/DaemonChat/internal/contextpack"
	"github.com/Zhao-yangyang/DaemonChat/pkg/models"
)

var budgetBase = models.ContextBudget{
	ModelWindow:    120,
	MemoryTopK:     10,
	RecentMessages: 10,
}

var epoch = time.Date(2026, 2, 3, 0, 0, 0, 0, time.UTC)

func event(typ models.EventType, text string, minute int) models.TranscriptEvent {
	return models.TranscriptEvent{
		ID:        "event-" + text[:min(len(text), 4)],
		AgentID:   "agent-1",
		SessionID: "session-1",
		Type:      typ,
		Content:   models.TextContent(text),
		CreatedAt: epoch.Add(time.Duration(minute) * time.Minute),
	}
}

func memory(id, content string) models.MemoryItem {
	return models.MemoryItem{
		ID:              id,
		AgentID:         "agent-1",
		ScopeType:       models.ScopeUser,
		ScopeID:         "user-1",
		Type:            models.MemoryFact,
		Content:         content,
		Sensitivity:     models.SensitivityPublic,
		ContextEligible: true,
		Embedding:       []float64{1, 0, 0},
		CreatedAt:       epoch,
	}
}

func TestBuildMessageOrder(t *testing.T) {
	pack := contextpack.Build(contextpack.Input{
		System:      "S",
		Constraints: []string{"a", "b"},
		TaskState:   "T",
		Memory:      []models.MemoryItem{memory("m1", "likes tea")},
		Recent: []models.TranscriptEvent{
			event(models.EventUserMessage, "u1", 0),
			event(models.EventToolCall, "lookup", 1),
			event(models.EventAssistantMessage, "a1", 2),
			event(models.EventSystem, "s1", 3),
			event(models.EventCompaction, "summary", 4),
		},
		UserInput: "q",
		Budget:    models.DefaultContextBudget(),
	})

	want := []models.ContextMessage{
		{Role: models.RoleSystem, Content: "S"},
		{Role: models.RoleSystem, Content: "Constraints:\n- a\n- b"},
		{Role: models.RoleSystem, Content: "Task State:\nT"},
		{Role: models.RoleSystem, Content: "Memory:\n- likes tea"},
		{Role: models.RoleUser, Content: "u1"},
		{Role: models.RoleAssistant, Content: "a1"},
		{Role: models.RoleSystem, Content: "s1"},
		{Role: models.RoleUser, Content: "q"},
	}
	assert.Equal(t, want, pack.Messages)
	assert.Equal(t, 128000-2048-512, pack.MaxContextTokens)
	assert.Len(t, pack.RecentMessages, 5, "skipped events still count as recent")
	assert.False(t, pack.ShouldCompact)
	assert.Equal(t, models.Trimmed{}, pack.Trimmed)
}

func TestBuildOmitsEmptyBlocks(t *testing.T) {
	pack := contextpack.Build(contextpack.Input{
		System:    "",
		UserInput: "hello",
		Budget:    models.DefaultContextBudget(),
	})

	require.Len(t, pack.Messages, 2)
	assert.Equal(t, models.ContextMessage{Role: models.RoleSystem, Content: ""}, pack.Messages[0])
	assert.Equal(t, models.ContextMessage{Role: models.RoleUser, Content: "hello"}, pack.Messages[1])
	assert.Equal(t, 2, pack.TokenEstimate)
}

func TestBuildNonTextContentIsJSON(t *testing.T) {
	ev := models.TranscriptEvent{Type: models.EventSystem, Content: map[string]any{"foo": 1}}
	pack := contextpack.Build(contextpack.Input{
		System:    "s",
		Recent:    []models.TranscriptEvent{ev},
		UserInput: "u",
		Budget:    models.DefaultContextBudget(),
	})

	assert.Equal(t, `{"foo":1}`, pack.Messages[1].Content)
}

func TestBuildTrimsRecentBeforeMemory(t *testing.T) {
	recent := []models.TranscriptEvent{
		event(models.EventUserMessage, strings.Repeat("x", 200), 0),
		event(models.EventAssistantMessage, strings.Repeat("y", 200), 1),
		event(models.EventUserMessage, strings.Repeat("z", 200), 2),
	}

	pack := contextpack.Build(contextpack.Input{
		System:    "system",
		Recent:    recent,
		UserInput: "hi",
		Budget:    budgetBase,
	})

	require.Len(t, pack.RecentMessages, 2)
	assert.Equal(t, "y", pack.RecentMessages[0].Text()[:1], "oldest message goes first")
	assert.True(t, pack.Trimmed.Recent)
	assert.False(t, pack.Trimmed.Memory)
	assert.Empty(t, pack.Memory)
	assert.LessOrEqual(t, pack.TokenEstimate, pack.MaxContextTokens)
	assert.False(t, pack.ShouldCompact)
}

func TestBuildTrimsMemoryAfterRecent(t *testing.T) {
	items := []models.MemoryItem{
		memory("mem-1", strings.Repeat("alpha", 80)),
		memory("mem-2", strings.Repeat("beta", 80)),
		memory("mem-3", strings.Repeat("gamma", 80)),
	}
	budget := budgetBase
	budget.ModelWindow = 60

	pack := contextpack.Build(contextpack.Input{
		System:    "system",
		Memory:    items,
		UserInput: "hi",
		Budget:    budget,
	})

	assert.Less(t, len(pack.Memory), len(items))
	assert.True(t, pack.Trimmed.Memory)
	assert.False(t, pack.Trimmed.Recent)
	assert.False(t, pack.ShouldCompact)
}

func TestBuildDropsLowestRankedMemoryFirst(t *testing.T) {
	items := []models.MemoryItem{
		memory("best", strings.Repeat("a", 40)),
		memory("worst", strings.Repeat("b", 400)),
	}
	budget := budgetBase
	budget.ModelWindow = 40

	pack := contextpack.Build(contextpack.Input{System: "s", Memory: items, UserInput: "u", Budget: budget})

	require.Len(t, pack.Memory, 1)
	assert.Equal(t, "best", pack.Memory[0].ID)
}

func TestBuildFlagsCompactionWhenStillOverBudget(t *testing.T) {
	budget := budgetBase
	budget.ModelWindow = 50

	pack := contextpack.Build(contextpack.Input{
		System:    strings.Repeat("x", 400),
		UserInput: strings.Repeat("y", 400),
		Budget:    budget,
	})

	assert.True(t, pack.ShouldCompact)
	assert.Equal(t, 200, pack.TokenEstimate)
	assert.Equal(t, models.Trimmed{}, pack.Trimmed, "nothing was available to trim")
}

func TestBuildZeroLimits(t *testing.T) {
	budget := models.DefaultContextBudget()
	budget.MemoryTopK = 0
	budget.RecentMessages = 0

	pack := contextpack.Build(contextpack.Input{
		System:    "s",
		Memory:    []models.MemoryItem{memory("m", "x")},
		Recent:    []models.TranscriptEvent{event(models.EventUserMessage, "old", 0)},
		UserInput: "u",
		Budget:    budget,
	})

	assert.Empty(t, pack.Memory)
	assert.Empty(t, pack.RecentMessages)
	assert.Len(t, pack.Messages, 2)
}

func TestBuildKeepsMostRecentWindow(t *testing.T) {
	var recent []models.TranscriptEvent
	for i, text := range []string{"one", "two", "three", "four"} {
		recent = append(recent, event(models.EventUserMessage, text, i))
	}
	budget := models.DefaultContextBudget()
	budget.RecentMessages = 2

	pack := contextpack.Build(contextpack.Input{System: "s", Recent: recent, UserInput: "u", Budget: budget})

	require.Len(t, pack.RecentMessages, 2)
	assert.Equal(t, "three", pack.RecentMessages[0].Text())
	assert.Equal(t, "four", pack.RecentMessages[1].Text())
	assert.False(t, pack.Trimmed.Recent, "windowing is not trimming")
}

func TestBuildUsesInjectedCounter(t *testing.T) {
	calls := 0
	count := func(string) int { calls++; return 1000 }

	pack := contextpack.Build(contextpack.Input{
		System:    "s",
		Memory:    []models.MemoryItem{memory("m", "x")},
		Recent:    []models.TranscriptEvent{event(models.EventUserMessage, "hi", 0)},
		UserInput: "u",
		Budget:    budgetBase,
		Count:     count,
	})

	assert.Positive(t, calls)
	assert.Empty(t, pack.Memory)
	assert.Empty(t, pack.RecentMessages)
	assert.True(t, pack.Trimmed.Memory)
	assert.True(t, pack.Trimmed.Recent)
	assert.True(t, pack.ShouldCompact)
	assert.Equal(t, 2000, pack.TokenEstimate)
}

func TestBuildDoesNotMutateInputs(t *testing.T) {
	items := []models.MemoryItem{memory("a", strings.Repeat("a", 400)), memory("b", strings.Repeat("b", 400))}
	recent := []models.TranscriptEvent{event(models.EventUserMessage, strings.Repeat("r", 400), 0)}

	contextpack.Build(contextpack.Input{System: "s", Memory: items, Recent: recent, UserInput: "u", Budget: budgetBase})

	assert.Len(t, items, 2)
	assert.Equal(t, "a", items[0].ID)
	assert.Equal(t, "b", items[1].ID)
	assert.Len(t, recent, 1)
}
