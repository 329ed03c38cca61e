// ABOUTME: Store interfaces and data types for mailbridge persistence
// ABOUTME: Defines Item, Turn structs and the ItemStore/TranscriptLog contracts

package store

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned when a requested entity does not exist
var ErrNotFound = errors.New("not found")

// ErrAlreadyAttached is returned when trying to attach a thread to an item
// that already carries one. Thread attachment happens at most once.
var ErrAlreadyAttached = errors.New("thread already attached")

// SourceKind identifies the provider a content item came from.
type SourceKind string

const (
	// SourceKindMail is the mail provider (currently the only source).
	SourceKindMail SourceKind = "mail"
)

// ItemKey is the primary identity of an item: the (source_kind, source_id)
// pair is globally unique.
type ItemKey struct {
	Kind SourceKind
	ID   string
}

// String renders the key for logging and map indexing.
func (k ItemKey) String() string {
	return string(k.Kind) + ":" + k.ID
}

// Item is one external content unit (e.g., one email) tracked for
// conversation purposes. Content is the normalized text captured at
// ingestion time; the first-seen version is authoritative and never
// overwritten. ThreadRef and ChannelRef identify the outward messaging
// thread the item is correlated with; both are empty until the first
// outward post succeeds and are set together, exactly once.
type Item struct {
	Key        ItemKey
	Content    string
	ThreadRef  string
	ChannelRef string
	CreatedAt  time.Time
}

// Attached reports whether the item has been correlated with an outward thread.
func (i *Item) Attached() bool {
	return i.ThreadRef != ""
}

// Speaker identifies who produced a conversation turn.
type Speaker string

const (
	SpeakerPrimer    Speaker = "system-primer"
	SpeakerHuman     Speaker = "human"
	SpeakerResponder Speaker = "automated-responder"
)

// Turn is one message in an item's transcript. Sequence is assigned at
// append time, monotonically increasing and gapless per item; turns are
// never mutated or deleted.
type Turn struct {
	Key       ItemKey
	Sequence  int64
	Speaker   Speaker
	Text      string
	CreatedAt time.Time
}

// ItemStore is the durable mapping from an item to its correlated thread
// and lifecycle state. Items have no cross-item relationships; lookup is
// always by source identity or by outward thread identifier.
type ItemStore interface {
	// Find returns the item with the given source identity.
	Find(ctx context.Context, key ItemKey) (*Item, error)

	// FindOrCreate returns the existing item for the key, or creates it with
	// the given content and no thread. The returned bool reports whether a
	// new record was created. Content on an existing record is never
	// overwritten.
	FindOrCreate(ctx context.Context, key ItemKey, content string) (*Item, bool, error)

	// AttachThread sets the thread and channel refs atomically, exactly once.
	// Returns ErrAlreadyAttached if a thread ref is already set, ErrNotFound
	// if the item does not exist.
	AttachThread(ctx context.Context, key ItemKey, threadRef, channelRef string) error

	// FindByThread returns the item correlated with the given outward thread.
	FindByThread(ctx context.Context, threadRef string) (*Item, error)

	// FindOldestUnattached returns the oldest item (by creation order) with
	// no thread ref, or ErrNotFound if every item is attached.
	FindOldestUnattached(ctx context.Context) (*Item, error)
}

// TurnInput is one turn to append, before a sequence is assigned.
type TurnInput struct {
	Speaker Speaker
	Text    string
}

// TranscriptLog is the append-only ordered log of conversation turns.
type TranscriptLog interface {
	// Append writes a turn and returns the sequence number it was assigned.
	// Sequence assignment is atomic per item: no two appends for the same
	// item observe the same prior sequence.
	Append(ctx context.Context, key ItemKey, speaker Speaker, text string) (int64, error)

	// AppendTurns writes the given turns with consecutive sequence numbers,
	// all-or-nothing: either every turn commits or the transcript is
	// unchanged. A turn-taking transition appends its human and responder
	// turns through this so a failure mid-pair cannot leave the transcript
	// in a state no later transition accepts. Returns the sequence assigned
	// to the last turn.
	AppendTurns(ctx context.Context, key ItemKey, turns ...TurnInput) (int64, error)

	// ReadAll returns the item's full transcript ordered by sequence, as a
	// materialized snapshot. An empty transcript is not an error.
	ReadAll(ctx context.Context, key ItemKey) ([]*Turn, error)
}

// Store combines both persistence contracts plus lifecycle management.
// SQLiteStore and MemoryStore implement it.
type Store interface {
	ItemStore
	TranscriptLog

	// Close releases any resources held by the store
	Close() error
}
