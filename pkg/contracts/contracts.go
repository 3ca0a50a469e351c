// Package contracts defines the ports the conversation engine is wired
// against. Concrete implementations live under internal/ and are selected in
// pkg/server.
package contracts

import (
	"context"
	"iter"

	"github.com/Zhao-yangyang/DaemonChat/internal/clock"
	"github.com/Zhao-yangyang/DaemonChat/internal/store"
	"github.com/Zhao-yangyang/DaemonChat/pkg/models"
)

// Store is a type alias for the internal Store interface.
type Store = store.Store

// ErrNotFound is a type alias for the internal ErrNotFound error.
type ErrNotFound = store.ErrNotFound

// Clock is a type alias for the internal Clock interface.
type Clock = clock.Clock

// ── Text Generation ─────────────────────────────────────────

// Generator is the text-generation port.
// Production implementation: internal/llm.Client
// Test implementation: internal/llm/llmtest.Generator
type Generator interface {
	// StreamChat lazily yields text fragments of the reply. Generation starts
	// when the sequence is first pulled and stops when the consumer stops
	// pulling or ctx is cancelled. A non-nil error ends the sequence.
	StreamChat(ctx context.Context, messages []models.ContextMessage) iter.Seq2[string, error]

	// CompleteChat returns the whole reply in one call.
	CompleteChat(ctx context.Context, messages []models.ContextMessage) (string, error)

	// Embed returns the embedding vector of text.
	Embed(ctx context.Context, text string) ([]float64, error)
}
