// Package correlator implements the turn-taking state machine between a
// human and the automated responder, one conversation per item.
//
// # States
//
// The state of an item derives from its transcript tail:
//
//   - New: no turns yet
//   - AwaitingResponder: last turn is human or system-primer
//   - AwaitingHuman: last turn is automated-responder
//
// There is no terminal state; a thread cycles between AwaitingResponder and
// AwaitingHuman indefinitely.
//
// # Transitions
//
//   - GenerateInitial: valid only on an empty transcript. Sends primer +
//     item content to the engine, then appends the content as turn 0
//     (human) and the response as turn 1 (automated-responder).
//   - HandleReply: valid only when the last turn is automated-responder.
//     Sends primer + full transcript + the new message, then appends the
//     human turn and the responder turn.
//
// Both transitions commit their two turns through a single atomic append,
// so a storage failure cannot strand a lone human turn that no later
// transition would accept.
//
// Any transition attempted out of order fails with ErrProtocolViolation.
//
// # Ordering
//
// Turn generation is strictly serialized per item through a keyed mutex, so
// two concurrent replies for the same item cannot both append against the
// same transcript snapshot. Items are independent of each other.
//
// # Engine failures
//
// A completion result must contain exactly one choice with a normal stop
// condition and non-empty text. Malformed results and transport failures
// surface as engine.ErrEngine before anything is appended, which makes a
// cancelled or failed call side-effect-free and safely retryable. Context
// cancellations pass through as themselves so callers can tell a caller-side
// abort from an engine fault.
package correlator
