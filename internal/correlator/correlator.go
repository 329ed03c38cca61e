// ABOUTME: Correlator is the turn-taking state machine between a human and the responder
// ABOUTME: Serializes turn generation per item and validates completion engine results

package correlator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/maigic/mailbridge/internal/engine"
	"github.com/maigic/mailbridge/internal/store"
)

// ErrProtocolViolation is returned when a turn-generation precondition does
// not hold: a reply arrives before any automated turn exists, an initial
// generation is attempted on an item whose conversation already started, or
// an empty human message is supplied. It signals a bug in the calling
// sequence or a missed dedup, never a condition to correct silently.
var ErrProtocolViolation = errors.New("protocol violation")

// State is the per-item position in the turn-taking protocol, derived from
// the transcript tail. There is no terminal state: an item cycles between
// AwaitingResponder and AwaitingHuman indefinitely.
type State string

const (
	// StateNew means the item has no turns yet.
	StateNew State = "new"
	// StateAwaitingResponder means the last turn is human or system-primer.
	StateAwaitingResponder State = "awaiting_responder"
	// StateAwaitingHuman means the last turn is automated-responder.
	StateAwaitingHuman State = "awaiting_human"
)

// Correlator owns the decision to advance an item's turn sequence. It
// resolves items, enforces turn order, invokes the completion engine, and
// appends resulting turns to the transcript. Outward posting belongs to the
// caller, which attaches the thread only after the post succeeds.
type Correlator struct {
	items       store.ItemStore
	transcripts store.TranscriptLog
	engine      engine.Engine
	primer      string
	logger      *slog.Logger
	locks       itemLocks
}

// Option configures a Correlator.
type Option func(*Correlator)

// WithPrimer overrides the default system-priming instruction.
func WithPrimer(primer string) Option {
	return func(c *Correlator) {
		if primer != "" {
			c.primer = primer
		}
	}
}

// WithLogger sets the logger used for turn-level debug output.
func WithLogger(logger *slog.Logger) Option {
	return func(c *Correlator) {
		if logger != nil {
			c.logger = logger.With("component", "correlator")
		}
	}
}

// New creates a Correlator over the given stores and completion engine.
func New(items store.ItemStore, transcripts store.TranscriptLog, eng engine.Engine, opts ...Option) *Correlator {
	c := &Correlator{
		items:       items,
		transcripts: transcripts,
		engine:      eng,
		primer:      DefaultPrimer,
		logger:      slog.Default().With("component", "correlator"),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// stateOf derives the protocol state from a transcript snapshot.
func stateOf(turns []*store.Turn) State {
	if len(turns) == 0 {
		return StateNew
	}
	if turns[len(turns)-1].Speaker == store.SpeakerResponder {
		return StateAwaitingHuman
	}
	return StateAwaitingResponder
}

// State returns the item's current protocol state.
func (c *Correlator) State(ctx context.Context, key store.ItemKey) (State, error) {
	turns, err := c.transcripts.ReadAll(ctx, key)
	if err != nil {
		return "", fmt.Errorf("reading transcript: %w", err)
	}
	return stateOf(turns), nil
}

// GenerateInitial produces turn generation zero for an item: primer plus the
// item's normalized content go to the engine, and on success the content is
// appended as the human turn followed by the responder turn. Valid only
// while the item has an empty transcript; any later call returns
// ErrProtocolViolation.
//
// Appends happen only after a validated engine response, so cancellation
// while awaiting the engine leaves no transcript side effects. The caller
// posts the returned text outward and then calls AttachThread.
func (c *Correlator) GenerateInitial(ctx context.Context, key store.ItemKey) (string, error) {
	unlock := c.locks.lock(key)
	defer unlock()

	item, err := c.items.Find(ctx, key)
	if err != nil {
		return "", fmt.Errorf("resolving item %s: %w", key.String(), err)
	}

	turns, err := c.transcripts.ReadAll(ctx, key)
	if err != nil {
		return "", fmt.Errorf("reading transcript: %w", err)
	}
	if len(turns) != 0 {
		return "", fmt.Errorf("%w: initial generation on item %s with %d existing turns",
			ErrProtocolViolation, key.String(), len(turns))
	}

	lines := []engine.Line{
		{Role: engine.RoleSystem, Content: c.primer},
		{Role: engine.RoleUser, Content: item.Content},
	}

	text, err := c.complete(ctx, lines)
	if err != nil {
		return "", err
	}

	seq, err := c.transcripts.AppendTurns(ctx, key,
		store.TurnInput{Speaker: store.SpeakerHuman, Text: item.Content},
		store.TurnInput{Speaker: store.SpeakerResponder, Text: text},
	)
	if err != nil {
		return "", fmt.Errorf("appending initial turn pair: %w", err)
	}

	c.logger.Info("initial response generated", "key", key.String(), "sequence", seq)
	return text, nil
}

// HandleReply advances the conversation with a human message. Valid only
// when the item's last turn is automated-responder and the message is
// non-empty. The engine sees primer + full transcript + the new message;
// on success the human turn and the responder turn are appended and the
// responder text is returned for outward posting.
//
// As with GenerateInitial, nothing is appended until the engine response
// validates, so a cancelled or failed call can simply be retried with the
// same human text.
func (c *Correlator) HandleReply(ctx context.Context, key store.ItemKey, message string) (string, error) {
	if message == "" {
		return "", fmt.Errorf("%w: empty human reply for item %s", ErrProtocolViolation, key.String())
	}

	unlock := c.locks.lock(key)
	defer unlock()

	if _, err := c.items.Find(ctx, key); err != nil {
		return "", fmt.Errorf("resolving item %s: %w", key.String(), err)
	}

	turns, err := c.transcripts.ReadAll(ctx, key)
	if err != nil {
		return "", fmt.Errorf("reading transcript: %w", err)
	}
	if state := stateOf(turns); state != StateAwaitingHuman {
		return "", fmt.Errorf("%w: reply for item %s in state %s",
			ErrProtocolViolation, key.String(), state)
	}

	lines := make([]engine.Line, 0, len(turns)+2)
	lines = append(lines, engine.Line{Role: engine.RoleSystem, Content: c.primer})
	for _, turn := range turns {
		lines = append(lines, engine.Line{Role: roleFor(turn.Speaker), Content: turn.Text})
	}
	lines = append(lines, engine.Line{Role: engine.RoleUser, Content: message})

	text, err := c.complete(ctx, lines)
	if err != nil {
		return "", err
	}

	seq, err := c.transcripts.AppendTurns(ctx, key,
		store.TurnInput{Speaker: store.SpeakerHuman, Text: message},
		store.TurnInput{Speaker: store.SpeakerResponder, Text: text},
	)
	if err != nil {
		return "", fmt.Errorf("appending reply turn pair: %w", err)
	}

	c.logger.Info("reply handled", "key", key.String(), "sequence", seq)
	return text, nil
}

// PendingResponse returns the last responder turn for an item that has one.
// The bridge uses it after a crash or failed outward post: the transcript
// already holds the generated response, so the post is still owed and must
// not be regenerated.
func (c *Correlator) PendingResponse(ctx context.Context, key store.ItemKey) (string, bool, error) {
	turns, err := c.transcripts.ReadAll(ctx, key)
	if err != nil {
		return "", false, fmt.Errorf("reading transcript: %w", err)
	}
	if stateOf(turns) != StateAwaitingHuman {
		return "", false, nil
	}
	return turns[len(turns)-1].Text, true, nil
}

// complete invokes the engine once and validates the result shape: exactly
// one choice, a normal stop condition, and non-empty text. Anything else is
// an engine error surfaced to the caller, never retried here.
func (c *Correlator) complete(ctx context.Context, lines []engine.Line) (string, error) {
	result, err := c.engine.Complete(ctx, lines)
	if err != nil {
		// A cancellation is the caller's doing, not an engine fault; pass it
		// through so retry decisions can tell the two apart.
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return "", err
		}
		if errors.Is(err, engine.ErrEngine) {
			return "", err
		}
		return "", fmt.Errorf("%w: %v", engine.ErrEngine, err)
	}

	if n := len(result.Choices); n != 1 {
		return "", fmt.Errorf("%w: expected exactly one completion, got %d", engine.ErrEngine, n)
	}
	choice := result.Choices[0]
	if choice.FinishReason != engine.FinishStop {
		return "", fmt.Errorf("%w: completion finished with %q, want %q",
			engine.ErrEngine, choice.FinishReason, engine.FinishStop)
	}
	if choice.Text == "" {
		return "", fmt.Errorf("%w: completion returned empty text", engine.ErrEngine)
	}

	return choice.Text, nil
}

// roleFor maps a transcript speaker to the engine wire role.
func roleFor(speaker store.Speaker) engine.Role {
	switch speaker {
	case store.SpeakerPrimer:
		return engine.RoleSystem
	case store.SpeakerResponder:
		return engine.RoleAssistant
	default:
		return engine.RoleUser
	}
}
