// ABOUTME: Completion engine boundary for driving conversations
// ABOUTME: Defines Line/Result types and the Engine interface the correlator depends on

package engine

import (
	"context"
	"errors"
)

// ErrEngine is returned when the completion engine fails or produces a
// malformed result (wrong completion count, truncated finish, empty text).
// Callers match it with errors.Is; the core never retries on its behalf.
var ErrEngine = errors.New("engine error")

// FinishStop is the normal stop condition for a completion. Anything else
// (length truncation, content filtering, tool calls) is treated as a
// malformed result by the correlator.
const FinishStop = "stop"

// Role identifies who a conversation line is attributed to on the wire.
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Line is one entry of the ordered conversation input sent to the engine.
type Line struct {
	Role    Role
	Content string
}

// Choice is a single completion candidate.
type Choice struct {
	Text         string
	FinishReason string
}

// Result is the raw shape of an engine response. The correlator validates
// it (exactly one choice, normal stop, non-empty text) before using it.
type Result struct {
	Choices []Choice
}

// Engine produces the next conversational turn given an ordered transcript.
// Implementations make no guarantees about latency; calls honor ctx
// cancellation. No model identity or token-limit assumptions leak through
// this boundary.
type Engine interface {
	Complete(ctx context.Context, lines []Line) (*Result, error)
}
