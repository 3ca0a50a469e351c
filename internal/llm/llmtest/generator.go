// Package llmtest provides a scripted, in-memory text-generation port.
package llmtest

import (
	"context"
	"iter"
	"strings"
	"sync"

	"github.com/Zhao-yangyang/DaemonChat/pkg/contracts"
	"github.com/Zhao-yangyang/DaemonChat/pkg/models"
)

var _ contracts.Generator = (*Generator)(nil)

// Generator replays scripted output and records every call. The zero value
// streams nothing, completes with "" and embeds every text as [1, 0, 0].
type Generator struct {
	// Fragments are yielded by StreamChat in order.
	Fragments []string
	// StreamErr, when set, is yielded after Fragments.
	StreamErr error
	// Completion is returned by CompleteChat.
	Completion    string
	CompletionErr error
	// EmbedFunc overrides the embedding of a text.
	EmbedFunc func(text string) []float64
	EmbedErr  error

	mu             sync.Mutex
	streamCalls    [][]models.ContextMessage
	completeCalls  [][]models.ContextMessage
	embedCalls     []string
	fragmentsSent  int
	streamFinished bool
}

func (g *Generator) StreamChat(ctx context.Context, messages []models.ContextMessage) iter.Seq2[string, error] {
	return func(yield func(string, error) bool) {
		g.mu.Lock()
		g.streamCalls = append(g.streamCalls, messages)
		g.mu.Unlock()

		for _, f := range g.Fragments {
			if err := ctx.Err(); err != nil {
				yield("", err)
				return
			}
			g.mu.Lock()
			g.fragmentsSent++
			g.mu.Unlock()
			if !yield(f, nil) {
				return
			}
		}
		if g.StreamErr != nil {
			yield("", g.StreamErr)
			return
		}
		g.mu.Lock()
		g.streamFinished = true
		g.mu.Unlock()
	}
}

func (g *Generator) CompleteChat(_ context.Context, messages []models.ContextMessage) (string, error) {
	g.mu.Lock()
	g.completeCalls = append(g.completeCalls, messages)
	g.mu.Unlock()
	if g.CompletionErr != nil {
		return "", g.CompletionErr
	}
	return g.Completion, nil
}

func (g *Generator) Embed(_ context.Context, text string) ([]float64, error) {
	g.mu.Lock()
	g.embedCalls = append(g.embedCalls, text)
	g.mu.Unlock()
	if g.EmbedErr != nil {
		return nil, g.EmbedErr
	}
	if g.EmbedFunc != nil {
		return g.EmbedFunc(text), nil
	}
	return []float64{1, 0, 0}, nil
}

// StreamCalls returns the prompts passed to StreamChat.
func (g *Generator) StreamCalls() [][]models.ContextMessage {
	g.mu.Lock()
	defer g.mu.Unlock()
	return append([][]models.ContextMessage(nil), g.streamCalls...)
}

// CompleteCalls returns the prompts passed to CompleteChat.
func (g *Generator) CompleteCalls() [][]models.ContextMessage {
	g.mu.Lock()
	defer g.mu.Unlock()
	return append([][]models.ContextMessage(nil), g.completeCalls...)
}

// EmbedCalls returns the texts passed to Embed.
func (g *Generator) EmbedCalls() []string {
	g.mu.Lock()
	defer g.mu.Unlock()
	return append([]string(nil), g.embedCalls...)
}

// FragmentsSent counts fragments handed to consumers.
func (g *Generator) FragmentsSent() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.fragmentsSent
}

// StreamFinished reports whether a stream ran to its natural end.
func (g *Generator) StreamFinished() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.streamFinished
}

// KeywordEmbedding returns an EmbedFunc that maps text onto one axis per
// keyword it contains, for deterministic similarity in tests.
func KeywordEmbedding(keywords ...string) func(string) []float64 {
	return func(text string) []float64 {
		v := make([]float64, len(keywords))
		lower := strings.ToLower(text)
		for i, k := range keywords {
			if strings.Contains(lower, strings.ToLower(k)) {
				v[i] = 1
			}
		}
		return v
	}
}
