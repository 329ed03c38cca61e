// Package store provides persistent storage for mailbridge using SQLite.
//
// # Architecture
//
// Two narrow interfaces cover the persistence surface:
//
//   - ItemStore: item identity, content, and thread correlation
//   - TranscriptLog: the append-only per-item conversation transcript
//
// SQLiteStore implements both in a single struct; MemoryStore is the
// in-memory equivalent for unit tests.
//
// # Data Models
//
//   - Item: one external content unit (an email), keyed by the globally
//     unique (source_kind, source_id) pair. ThreadRef/ChannelRef correlate
//     the item with an outward messaging thread and are set exactly once.
//   - Turn: one transcript entry with a per-item gapless sequence number.
//
// # SQLite Configuration
//
// The store uses SQLite with WAL mode for concurrent reads:
//
//	PRAGMA journal_mode=WAL;
//	PRAGMA foreign_keys=ON;
//
// Use NewSQLiteStore(":memory:") for integration tests with real SQLite.
//
// # Error Handling
//
//   - ErrNotFound: requested entity does not exist
//   - ErrAlreadyAttached: item already carries a thread ref
//
// All methods accept context.Context for cancellation support.
package store
