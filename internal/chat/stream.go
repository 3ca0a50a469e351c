package chat

import (
	"context"
	"errors"
	"iter"
	"strings"
	"sync/atomic"

	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/Zhao-yangyang/DaemonChat/pkg/models"
)

// ErrStreamConsumed is yielded when a turn stream is iterated more than once.
var ErrStreamConsumed = errors.New("chat: turn stream already consumed")

// TurnStream is a turn whose reply is produced lazily.
//
// The session is resolved and the user message recorded before the stream is
// returned. Fragments may be ranged over once. The reply is persisted when the
// range ends for any reason: normal completion, a break in the loop body, or
// cancellation of the turn context. In the last two cases the partial text
// produced so far is stored. A generation failure other than cancellation
// ends the range with the error and stores no reply.
type TurnStream struct {
	SessionID string
	Context   *models.ContextPack
	Fragments iter.Seq2[string, error]
}

// ChatTurnStream prepares a turn and returns its reply stream. Fragments
// are passed through verbatim; the stored reply is their concatenation with
// surrounding whitespace trimmed.
func (e *Engine) ChatTurnStream(ctx context.Context, agentID, sessionKey, userInput string, opts TurnOptions) (*TurnStream, error) {
	ctx, span := tracer.Start(ctx, "chat.turn_stream")
	span.SetAttributes(attribute.String("agent.id", agentID))

	t, err := e.prepare(ctx, agentID, sessionKey, userInput, opts)
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		span.End()
		return nil, err
	}
	span.SetAttributes(
		attribute.String("session.id", t.sessionID),
		attribute.Int("context.tokens", t.pack.TokenEstimate),
	)

	var consumed atomic.Bool
	fragments := func(yield func(string, error) bool) {
		if !consumed.CompareAndSwap(false, true) {
			yield("", ErrStreamConsumed)
			return
		}
		defer span.End()

		var (
			b         strings.Builder
			failed    bool
			completed bool
		)
		defer func() {
			if failed {
				return
			}
			err := e.finalize(context.WithoutCancel(ctx), t, strings.TrimSpace(b.String()))
			if err == nil {
				return
			}
			span.SetStatus(codes.Error, err.Error())
			if completed {
				yield("", err)
				return
			}
			log.Warn().Err(err).
				Str("agent", t.agentID).
				Str("session", t.sessionID).
				Msg("Failed to persist abandoned turn")
		}()

		for frag, err := range e.deps.Generator.StreamChat(ctx, t.pack.Messages) {
			if err != nil {
				if ctx.Err() != nil {
					log.Info().
						Str("session", t.sessionID).
						Int("chars", b.Len()).
						Msg("Turn cancelled, keeping partial reply")
					span.SetAttributes(attribute.Bool("turn.cancelled", true))
					yield("", ctx.Err())
					return
				}
				failed = true
				span.SetStatus(codes.Error, err.Error())
				yield("", generationError(err))
				return
			}
			b.WriteString(frag)
			if !yield(frag, nil) {
				span.SetAttributes(attribute.Bool("turn.abandoned", true))
				return
			}
		}
		completed = true
	}

	return &TurnStream{SessionID: t.sessionID, Context: t.pack, Fragments: fragments}, nil
}
