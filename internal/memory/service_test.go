package memory_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Zhao-yangyang/DaemonChat/internal/apperr"
	"github.com/Zhao-yangyang/DaemonChat/internal/clock"
	"github.com/Zhao-yangyang/DaemonChat/internal/llm/llmtest"
	"github.com/Zhao-yangyang/DaemonChat/internal/memory"
	"github.com/Zhao-yangyang/DaemonChat/internal/store"
	"github.com/Zhao-yangyang/DaemonChat/pkg/models"
)

var t0 = time.Date(2026, 2, 3, 0, 0, 0, 0, time.UTC)

func fact(content string, eligible bool) memory.WriteInput {
	return memory.WriteInput{
		ScopeType:       models.ScopeUser,
		ScopeID:         "user-1",
		Type:            models.MemoryFact,
		Content:         content,
		Sensitivity:     models.SensitivityPublic,
		ContextEligible: eligible,
	}
}

func TestWriteEmbedsTrimmedContent(t *testing.T) {
	st := store.NewMemoryStore()
	gen := &llmtest.Generator{}
	svc := memory.New(st, st, gen, clock.Fixed(t0))

	item, err := svc.Write(context.Background(), "agent-1", fact("  likes sushi  ", true))
	require.NoError(t, err)

	assert.Equal(t, "likes sushi", item.Content)
	assert.Equal(t, []string{"likes sushi"}, gen.EmbedCalls())
	assert.Equal(t, []float64{1, 0, 0}, item.Embedding)
	assert.Equal(t, t0, item.CreatedAt)
	assert.Equal(t, []string{}, item.Tags)
}

func TestWriteKeepsSuppliedEmbedding(t *testing.T) {
	st := store.NewMemoryStore()
	gen := &llmtest.Generator{}
	svc := memory.New(st, nil, gen, clock.Fixed(t0))

	in := fact("likes tea", true)
	in.Embedding = []float64{0, 1}
	item, err := svc.Write(context.Background(), "agent-1", in)
	require.NoError(t, err)

	assert.Empty(t, gen.EmbedCalls())
	assert.Equal(t, []float64{0, 1}, item.Embedding)
}

func TestWriteValidation(t *testing.T) {
	svc := memory.New(store.NewMemoryStore(), nil, &llmtest.Generator{}, clock.Fixed(t0))
	ctx := context.Background()

	_, err := svc.Write(ctx, "agent-1", fact("   ", true))
	assert.True(t, apperr.Is(err, apperr.CodeValidation))

	bad := fact("x", true)
	bad.Sensitivity = "classified"
	_, err = svc.Write(ctx, "agent-1", bad)
	assert.True(t, apperr.Is(err, apperr.CodeValidation))
}

func TestWriteEmbedFailureIsInfra(t *testing.T) {
	gen := &llmtest.Generator{EmbedErr: errors.New("connection refused")}
	svc := memory.New(store.NewMemoryStore(), nil, gen, clock.Fixed(t0))

	_, err := svc.Write(context.Background(), "agent-1", fact("x", true))
	assert.True(t, apperr.Is(err, apperr.CodeInfra))
}

func TestRetrieveTopDefaultsToEligible(t *testing.T) {
	st := store.NewMemoryStore()
	gen := &llmtest.Generator{EmbedFunc: llmtest.KeywordEmbedding("sushi", "tea")}
	svc := memory.New(st, nil, gen, clock.Fixed(t0))
	ctx := context.Background()

	_, err := svc.Write(ctx, "agent-1", fact("likes sushi", true))
	require.NoError(t, err)
	_, err = svc.Write(ctx, "agent-1", fact("likes tea", true))
	require.NoError(t, err)
	_, err = svc.Write(ctx, "agent-1", fact("secretly hates sushi", false))
	require.NoError(t, err)

	items, err := svc.RetrieveTop(ctx, "agent-1", "any sushi places?", 5, memory.Filters{})
	require.NoError(t, err)
	require.Len(t, items, 2)
	assert.Equal(t, "likes sushi", items[0].Content)
	for _, it := range items {
		assert.True(t, it.ContextEligible)
	}

	no := false
	hidden, err := svc.RetrieveTop(ctx, "agent-1", "sushi", 5, memory.Filters{ContextEligible: &no})
	require.NoError(t, err)
	require.Len(t, hidden, 1)
	assert.Equal(t, "secretly hates sushi", hidden[0].Content)
}

func TestRetrieveTopSensitivityFilter(t *testing.T) {
	st := store.NewMemoryStore()
	svc := memory.New(st, nil, &llmtest.Generator{}, clock.Fixed(t0))
	ctx := context.Background()

	secret := fact("door code", true)
	secret.Sensitivity = models.SensitivitySecret
	_, err := svc.Write(ctx, "agent-1", secret)
	require.NoError(t, err)
	_, err = svc.Write(ctx, "agent-1", fact("likes tea", true))
	require.NoError(t, err)

	items, err := svc.RetrieveTop(ctx, "agent-1", "q", 5, memory.Filters{
		Sensitivity: []models.Sensitivity{models.SensitivityPublic, models.SensitivityPrivate},
	})
	require.NoError(t, err)
	require.Len(t, items, 1)
	assert.Equal(t, "likes tea", items[0].Content)
}

func TestRetrieveTopZeroSkipsEmbedding(t *testing.T) {
	gen := &llmtest.Generator{}
	svc := memory.New(store.NewMemoryStore(), nil, gen, clock.Fixed(t0))

	items, err := svc.RetrieveTop(context.Background(), "agent-1", "q", 0, memory.Filters{})
	require.NoError(t, err)
	assert.Empty(t, items)
	assert.Empty(t, gen.EmbedCalls())
}

func TestListNewestFirst(t *testing.T) {
	st := store.NewMemoryStore()
	clk := clock.NewManual(t0)
	svc := memory.New(st, nil, &llmtest.Generator{}, clk)
	ctx := context.Background()

	for _, c := range []string{"one", "two", "three"} {
		_, err := svc.Write(ctx, "agent-1", fact(c, true))
		require.NoError(t, err)
		clk.Advance(time.Second)
	}

	items, err := svc.List(ctx, "agent-1", 2)
	require.NoError(t, err)
	require.Len(t, items, 2)
	assert.Equal(t, "three", items[0].Content)
	assert.Equal(t, "two", items[1].Content)
}
