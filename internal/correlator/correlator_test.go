// ABOUTME: Tests for the turn-taking state machine
// ABOUTME: Covers initial generation, replies, protocol violations, and engine failures

package correlator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/maigic/mailbridge/internal/engine"
	"github.com/maigic/mailbridge/internal/store"
)

// stubEngine returns canned results and records what it was asked.
type stubEngine struct {
	mu     sync.Mutex
	result *engine.Result
	err    error
	delay  time.Duration
	calls  int
	last   []engine.Line
}

func (s *stubEngine) Complete(ctx context.Context, lines []engine.Line) (*engine.Result, error) {
	s.mu.Lock()
	s.calls++
	s.last = lines
	s.mu.Unlock()

	if s.delay > 0 {
		select {
		case <-time.After(s.delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if s.err != nil {
		return nil, s.err
	}
	return s.result, nil
}

func (s *stubEngine) callCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

// singleChoice builds the normal well-formed engine result.
func singleChoice(text string) *engine.Result {
	return &engine.Result{Choices: []engine.Choice{{Text: text, FinishReason: engine.FinishStop}}}
}

func mailKey(id string) store.ItemKey {
	return store.ItemKey{Kind: store.SourceKindMail, ID: id}
}

// newFixture creates a correlator over a fresh memory store with one
// ingested item (mail, m1, "Hello world").
func newFixture(t *testing.T, eng engine.Engine) (*Correlator, *store.MemoryStore) {
	t.Helper()
	st := store.NewMemoryStore()
	_, created, err := st.FindOrCreate(context.Background(), mailKey("m1"), "Hello world")
	require.NoError(t, err)
	require.True(t, created)
	return New(st, st, eng), st
}

func TestGenerateInitial(t *testing.T) {
	eng := &stubEngine{result: singleChoice("Hi, how can I help?")}
	c, st := newFixture(t, eng)
	ctx := context.Background()

	text, err := c.GenerateInitial(ctx, mailKey("m1"))
	require.NoError(t, err)
	assert.Equal(t, "Hi, how can I help?", text)

	// The content is turn 0, the responder turn 1
	turns, err := st.ReadAll(ctx, mailKey("m1"))
	require.NoError(t, err)
	require.Len(t, turns, 2)
	assert.Equal(t, int64(0), turns[0].Sequence)
	assert.Equal(t, store.SpeakerHuman, turns[0].Speaker)
	assert.Equal(t, "Hello world", turns[0].Text)
	assert.Equal(t, int64(1), turns[1].Sequence)
	assert.Equal(t, store.SpeakerResponder, turns[1].Speaker)
	assert.Equal(t, "Hi, how can I help?", turns[1].Text)

	// The engine saw primer + content
	require.Len(t, eng.last, 2)
	assert.Equal(t, engine.RoleSystem, eng.last[0].Role)
	assert.Equal(t, DefaultPrimer, eng.last[0].Content)
	assert.Equal(t, engine.RoleUser, eng.last[1].Role)
	assert.Equal(t, "Hello world", eng.last[1].Content)

	state, err := c.State(ctx, mailKey("m1"))
	require.NoError(t, err)
	assert.Equal(t, StateAwaitingHuman, state)
}

func TestGenerateInitial_Twice(t *testing.T) {
	eng := &stubEngine{result: singleChoice("first")}
	c, _ := newFixture(t, eng)
	ctx := context.Background()

	_, err := c.GenerateInitial(ctx, mailKey("m1"))
	require.NoError(t, err)

	_, err = c.GenerateInitial(ctx, mailKey("m1"))
	assert.ErrorIs(t, err, ErrProtocolViolation)
	assert.Equal(t, 1, eng.callCount())
}

func TestGenerateInitial_UnknownItem(t *testing.T) {
	eng := &stubEngine{result: singleChoice("x")}
	c, _ := newFixture(t, eng)

	_, err := c.GenerateInitial(context.Background(), mailKey("missing"))
	assert.ErrorIs(t, err, store.ErrNotFound)
	assert.Equal(t, 0, eng.callCount())
}

func TestGenerateInitial_MultipleChoices(t *testing.T) {
	eng := &stubEngine{result: &engine.Result{Choices: []engine.Choice{
		{Text: "a", FinishReason: engine.FinishStop},
		{Text: "b", FinishReason: engine.FinishStop},
	}}}
	c, st := newFixture(t, eng)
	ctx := context.Background()

	_, err := c.GenerateInitial(ctx, mailKey("m1"))
	assert.ErrorIs(t, err, engine.ErrEngine)

	// No transcript append on a malformed result
	turns, readErr := st.ReadAll(ctx, mailKey("m1"))
	require.NoError(t, readErr)
	assert.Empty(t, turns)
}

func TestGenerateInitial_TruncatedFinish(t *testing.T) {
	eng := &stubEngine{result: &engine.Result{Choices: []engine.Choice{
		{Text: "partial", FinishReason: "length"},
	}}}
	c, st := newFixture(t, eng)

	_, err := c.GenerateInitial(context.Background(), mailKey("m1"))
	assert.ErrorIs(t, err, engine.ErrEngine)

	turns, _ := st.ReadAll(context.Background(), mailKey("m1"))
	assert.Empty(t, turns)
}

func TestGenerateInitial_EmptyText(t *testing.T) {
	eng := &stubEngine{result: singleChoice("")}
	c, st := newFixture(t, eng)

	_, err := c.GenerateInitial(context.Background(), mailKey("m1"))
	assert.ErrorIs(t, err, engine.ErrEngine)

	turns, _ := st.ReadAll(context.Background(), mailKey("m1"))
	assert.Empty(t, turns)
}

func TestGenerateInitial_TransportFailure(t *testing.T) {
	eng := &stubEngine{err: errors.New("connection refused")}
	c, st := newFixture(t, eng)

	_, err := c.GenerateInitial(context.Background(), mailKey("m1"))
	assert.ErrorIs(t, err, engine.ErrEngine)

	turns, _ := st.ReadAll(context.Background(), mailKey("m1"))
	assert.Empty(t, turns)
}

func TestGenerateInitial_Cancelled(t *testing.T) {
	eng := &stubEngine{result: singleChoice("late"), delay: 100 * time.Millisecond}
	c, st := newFixture(t, eng)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()

	_, err := c.GenerateInitial(ctx, mailKey("m1"))
	require.Error(t, err)

	// The caller's deadline is reported as such, not as an engine fault
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.NotErrorIs(t, err, engine.ErrEngine)

	// Cancellation before the engine responded is side-effect-free
	turns, _ := st.ReadAll(context.Background(), mailKey("m1"))
	assert.Empty(t, turns)
}

func TestHandleReply(t *testing.T) {
	eng := &stubEngine{result: singleChoice("Hi, how can I help?")}
	c, st := newFixture(t, eng)
	ctx := context.Background()

	_, err := c.GenerateInitial(ctx, mailKey("m1"))
	require.NoError(t, err)

	eng.result = singleChoice("It is from your bank.")
	text, err := c.HandleReply(ctx, mailKey("m1"), "Who sent this?")
	require.NoError(t, err)
	assert.Equal(t, "It is from your bank.", text)

	turns, err := st.ReadAll(ctx, mailKey("m1"))
	require.NoError(t, err)
	require.Len(t, turns, 4)
	assert.Equal(t, store.SpeakerHuman, turns[2].Speaker)
	assert.Equal(t, "Who sent this?", turns[2].Text)
	assert.Equal(t, store.SpeakerResponder, turns[3].Speaker)
	assert.Equal(t, "It is from your bank.", turns[3].Text)

	// The engine saw primer + prior transcript + new message
	require.Len(t, eng.last, 4)
	assert.Equal(t, engine.RoleSystem, eng.last[0].Role)
	assert.Equal(t, engine.RoleUser, eng.last[1].Role)
	assert.Equal(t, engine.RoleAssistant, eng.last[2].Role)
	assert.Equal(t, engine.RoleUser, eng.last[3].Role)
	assert.Equal(t, "Who sent this?", eng.last[3].Content)
}

func TestHandleReply_EmptyMessage(t *testing.T) {
	eng := &stubEngine{result: singleChoice("x")}
	c, _ := newFixture(t, eng)

	_, err := c.HandleReply(context.Background(), mailKey("m1"), "")
	assert.ErrorIs(t, err, ErrProtocolViolation)
}

func TestHandleReply_BeforeInitial(t *testing.T) {
	eng := &stubEngine{result: singleChoice("x")}
	c, _ := newFixture(t, eng)

	// Reply before any automated turn exists
	_, err := c.HandleReply(context.Background(), mailKey("m1"), "hello?")
	assert.ErrorIs(t, err, ErrProtocolViolation)
	assert.Equal(t, 0, eng.callCount())
}

func TestHandleReply_LastTurnHuman(t *testing.T) {
	eng := &stubEngine{result: singleChoice("x")}
	c, st := newFixture(t, eng)
	ctx := context.Background()

	// Transcript ends on a human turn: the item is awaiting the responder,
	// not another human message.
	_, err := st.Append(ctx, mailKey("m1"), store.SpeakerHuman, "dangling")
	require.NoError(t, err)

	_, err = c.HandleReply(ctx, mailKey("m1"), "another reply")
	assert.ErrorIs(t, err, ErrProtocolViolation)
}

func TestHandleReply_EngineFailureLeavesTranscript(t *testing.T) {
	eng := &stubEngine{result: singleChoice("initial")}
	c, st := newFixture(t, eng)
	ctx := context.Background()

	_, err := c.GenerateInitial(ctx, mailKey("m1"))
	require.NoError(t, err)

	eng.err = errors.New("engine down")
	_, err = c.HandleReply(ctx, mailKey("m1"), "still there?")
	assert.ErrorIs(t, err, engine.ErrEngine)

	// Neither the human turn nor a responder turn was appended, so the
	// same reply can simply be retried.
	turns, _ := st.ReadAll(ctx, mailKey("m1"))
	assert.Len(t, turns, 2)

	eng.err = nil
	eng.result = singleChoice("back again")
	text, err := c.HandleReply(ctx, mailKey("m1"), "still there?")
	require.NoError(t, err)
	assert.Equal(t, "back again", text)
}

func TestHandleReply_ConcurrentSameItem(t *testing.T) {
	eng := &stubEngine{result: singleChoice("answer"), delay: 5 * time.Millisecond}
	c, st := newFixture(t, eng)
	ctx := context.Background()

	eng.delay = 0
	_, err := c.GenerateInitial(ctx, mailKey("m1"))
	require.NoError(t, err)
	eng.delay = 5 * time.Millisecond

	// Two replies race; per-item serialization means both run to completion
	// one after the other, never against the same transcript snapshot.
	var wg sync.WaitGroup
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			_, err := c.HandleReply(ctx, mailKey("m1"), fmt.Sprintf("reply %d", n))
			assert.NoError(t, err)
		}(i)
	}
	wg.Wait()

	turns, err := st.ReadAll(ctx, mailKey("m1"))
	require.NoError(t, err)
	require.Len(t, turns, 6)
	for i, turn := range turns {
		assert.Equal(t, int64(i), turn.Sequence)
	}
	// Each reply appended its human/responder pair adjacently
	assert.Equal(t, store.SpeakerHuman, turns[2].Speaker)
	assert.Equal(t, store.SpeakerResponder, turns[3].Speaker)
	assert.Equal(t, store.SpeakerHuman, turns[4].Speaker)
	assert.Equal(t, store.SpeakerResponder, turns[5].Speaker)
}

func TestPendingResponse(t *testing.T) {
	eng := &stubEngine{result: singleChoice("generated")}
	c, _ := newFixture(t, eng)
	ctx := context.Background()

	_, pending, err := c.PendingResponse(ctx, mailKey("m1"))
	require.NoError(t, err)
	assert.False(t, pending)

	_, err = c.GenerateInitial(ctx, mailKey("m1"))
	require.NoError(t, err)

	text, pending, err := c.PendingResponse(ctx, mailKey("m1"))
	require.NoError(t, err)
	assert.True(t, pending)
	assert.Equal(t, "generated", text)
}

func TestState(t *testing.T) {
	eng := &stubEngine{result: singleChoice("x")}
	c, st := newFixture(t, eng)
	ctx := context.Background()

	state, err := c.State(ctx, mailKey("m1"))
	require.NoError(t, err)
	assert.Equal(t, StateNew, state)

	_, err = st.Append(ctx, mailKey("m1"), store.SpeakerHuman, "content")
	require.NoError(t, err)
	state, _ = c.State(ctx, mailKey("m1"))
	assert.Equal(t, StateAwaitingResponder, state)

	_, err = st.Append(ctx, mailKey("m1"), store.SpeakerResponder, "answer")
	require.NoError(t, err)
	state, _ = c.State(ctx, mailKey("m1"))
	assert.Equal(t, StateAwaitingHuman, state)
}

func TestWithPrimer(t *testing.T) {
	eng := &stubEngine{result: singleChoice("ok")}
	st := store.NewMemoryStore()
	_, _, err := st.FindOrCreate(context.Background(), mailKey("m1"), "content")
	require.NoError(t, err)

	c := New(st, st, eng, WithPrimer("custom instructions"))
	_, err = c.GenerateInitial(context.Background(), mailKey("m1"))
	require.NoError(t, err)

	assert.Equal(t, "custom instructions", eng.last[0].Content)
}

// flakyLog delegates to a real transcript log but fails a set number of
// append calls first.
type flakyLog struct {
	store.TranscriptLog
	mu       sync.Mutex
	failures int
}

func (f *flakyLog) AppendTurns(ctx context.Context, key store.ItemKey, turns ...store.TurnInput) (int64, error) {
	f.mu.Lock()
	fail := f.failures > 0
	if fail {
		f.failures--
	}
	f.mu.Unlock()
	if fail {
		return 0, errors.New("transient store failure")
	}
	return f.TranscriptLog.AppendTurns(ctx, key, turns...)
}

func TestGenerateInitial_AppendFailureIsRetryable(t *testing.T) {
	eng := &stubEngine{result: singleChoice("Hi, how can I help?")}
	st := store.NewMemoryStore()
	ctx := context.Background()
	_, _, err := st.FindOrCreate(ctx, mailKey("m1"), "Hello world")
	require.NoError(t, err)

	flaky := &flakyLog{TranscriptLog: st, failures: 1}
	c := New(st, flaky, eng)

	// The failed append commits nothing, so the item is not wedged: the
	// transcript stays empty and the state machine still accepts an initial
	// generation.
	_, err = c.GenerateInitial(ctx, mailKey("m1"))
	require.Error(t, err)

	turns, err := st.ReadAll(ctx, mailKey("m1"))
	require.NoError(t, err)
	assert.Empty(t, turns)

	state, err := c.State(ctx, mailKey("m1"))
	require.NoError(t, err)
	assert.Equal(t, StateNew, state)

	text, err := c.GenerateInitial(ctx, mailKey("m1"))
	require.NoError(t, err)
	assert.Equal(t, "Hi, how can I help?", text)

	turns, err = st.ReadAll(ctx, mailKey("m1"))
	require.NoError(t, err)
	require.Len(t, turns, 2)
	assert.Equal(t, int64(0), turns[0].Sequence)
	assert.Equal(t, int64(1), turns[1].Sequence)
}

func TestHandleReply_AppendFailureIsRetryable(t *testing.T) {
	eng := &stubEngine{result: singleChoice("initial")}
	st := store.NewMemoryStore()
	ctx := context.Background()
	_, _, err := st.FindOrCreate(ctx, mailKey("m1"), "Hello")
	require.NoError(t, err)

	flaky := &flakyLog{TranscriptLog: st}
	c := New(st, flaky, eng)
	_, err = c.GenerateInitial(ctx, mailKey("m1"))
	require.NoError(t, err)

	flaky.failures = 1
	eng.result = singleChoice("answer")
	_, err = c.HandleReply(ctx, mailKey("m1"), "question")
	require.Error(t, err)

	// Neither half of the pair landed; the reply can simply be retried
	turns, err := st.ReadAll(ctx, mailKey("m1"))
	require.NoError(t, err)
	assert.Len(t, turns, 2)

	text, err := c.HandleReply(ctx, mailKey("m1"), "question")
	require.NoError(t, err)
	assert.Equal(t, "answer", text)

	turns, err = st.ReadAll(ctx, mailKey("m1"))
	require.NoError(t, err)
	assert.Len(t, turns, 4)
}
