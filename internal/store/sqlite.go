// ABOUTME: SQLite implementation of the ItemStore and TranscriptLog contracts
// ABOUTME: Uses modernc.org/sqlite with automatic schema creation and WAL mode

package store

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	_ "modernc.org/sqlite"
)

// SQLiteStore implements the Store interface using SQLite
type SQLiteStore struct {
	db     *sql.DB
	logger *slog.Logger

	// appendMu serializes transcript appends so the read-max-insert inside
	// the append transaction never races another writer.
	appendMu sync.Mutex
}

// NewSQLiteStore creates a new SQLite store at the given path.
// The schema is automatically created if it doesn't exist.
// Parent directories are created if needed.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	logger := slog.Default().With("component", "store")

	if path != ":memory:" {
		dir := filepath.Dir(path)
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("creating database directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	// SQLite allows one writer at a time; a single pooled connection avoids
	// SQLITE_BUSY under concurrent writers and keeps :memory: databases
	// coherent across the pool.
	db.SetMaxOpenConns(1)

	// Enable WAL mode for better concurrent performance
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enabling WAL mode: %w", err)
	}

	// Enable foreign keys
	if _, err := db.Exec("PRAGMA foreign_keys=ON"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enabling foreign keys: %w", err)
	}

	s := &SQLiteStore{
		db:     db,
		logger: logger,
	}

	if err := s.createSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating schema: %w", err)
	}

	logger.Info("SQLite store initialized", "path", path)
	return s, nil
}

// createSchema creates the database tables if they don't exist
func (s *SQLiteStore) createSchema() error {
	schema := `
		CREATE TABLE IF NOT EXISTS items (
			source_kind TEXT NOT NULL,
			source_id   TEXT NOT NULL,
			content     TEXT NOT NULL,
			thread_ref  TEXT,
			channel_ref TEXT,
			created_at  DATETIME NOT NULL,

			PRIMARY KEY (source_kind, source_id),
			CHECK (source_kind IN ('mail'))
		);

		CREATE UNIQUE INDEX IF NOT EXISTS idx_items_thread
			ON items(thread_ref) WHERE thread_ref IS NOT NULL;

		CREATE INDEX IF NOT EXISTS idx_items_unattached
			ON items(created_at) WHERE thread_ref IS NULL;

		CREATE TABLE IF NOT EXISTS turns (
			source_kind TEXT NOT NULL,
			source_id   TEXT NOT NULL,
			sequence    INTEGER NOT NULL,
			speaker     TEXT NOT NULL,
			text        TEXT NOT NULL,
			created_at  DATETIME NOT NULL,

			PRIMARY KEY (source_kind, source_id, sequence),
			FOREIGN KEY (source_kind, source_id) REFERENCES items(source_kind, source_id),
			CHECK (speaker IN ('system-primer', 'human', 'automated-responder'))
		);
	`

	_, err := s.db.Exec(schema)
	return err
}

// Close closes the database connection
func (s *SQLiteStore) Close() error {
	s.logger.Info("closing SQLite store")
	return s.db.Close()
}

// isConstraintViolation checks if the error is a SQLite UNIQUE constraint violation
func isConstraintViolation(err error) bool {
	if err == nil {
		return false
	}
	errStr := err.Error()
	return strings.Contains(errStr, "UNIQUE constraint failed") ||
		strings.Contains(errStr, "constraint failed")
}

// FindOrCreate returns the item for the key, creating it if absent.
// The insert is attempted first so two concurrent callers racing on a new
// key resolve through the primary-key constraint rather than a lost update;
// the loser re-reads the winner's row, keeping first-seen content
// authoritative.
func (s *SQLiteStore) FindOrCreate(ctx context.Context, key ItemKey, content string) (*Item, bool, error) {
	if item, err := s.Find(ctx, key); err == nil {
		return item, false, nil
	} else if err != ErrNotFound {
		return nil, false, err
	}

	now := time.Now()
	query := `
		INSERT INTO items (source_kind, source_id, content, thread_ref, channel_ref, created_at)
		VALUES (?, ?, ?, NULL, NULL, ?)
	`
	_, err := s.db.ExecContext(ctx, query,
		string(key.Kind),
		key.ID,
		content,
		now.UTC().Format(time.RFC3339),
	)
	if err != nil {
		if isConstraintViolation(err) {
			// Another caller created the item between our lookup and insert
			item, lookupErr := s.Find(ctx, key)
			if lookupErr != nil {
				return nil, false, fmt.Errorf("re-reading item after insert race: %w", lookupErr)
			}
			return item, false, nil
		}
		return nil, false, fmt.Errorf("inserting item: %w", err)
	}

	s.logger.Debug("created item", "key", key.String())
	return &Item{
		Key:       key,
		Content:   content,
		CreatedAt: now,
	}, true, nil
}

// Find retrieves an item by its source identity.
// Returns ErrNotFound if the item doesn't exist.
func (s *SQLiteStore) Find(ctx context.Context, key ItemKey) (*Item, error) {
	query := `
		SELECT source_kind, source_id, content, thread_ref, channel_ref, created_at
		FROM items
		WHERE source_kind = ? AND source_id = ?
	`
	return s.scanItem(s.db.QueryRowContext(ctx, query, string(key.Kind), key.ID))
}

// rowScanner is implemented by both *sql.Row and *sql.Rows.
type rowScanner interface {
	Scan(dest ...any) error
}

// scanItem reads one item row, mapping sql.ErrNoRows to ErrNotFound.
func (s *SQLiteStore) scanItem(row rowScanner) (*Item, error) {
	var item Item
	var kind, createdAtStr string
	var threadRef, channelRef sql.NullString

	err := row.Scan(
		&kind,
		&item.Key.ID,
		&item.Content,
		&threadRef,
		&channelRef,
		&createdAtStr,
	)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scanning item row: %w", err)
	}

	item.Key.Kind = SourceKind(kind)
	item.ThreadRef = threadRef.String
	item.ChannelRef = channelRef.String

	item.CreatedAt, err = time.Parse(time.RFC3339, createdAtStr)
	if err != nil {
		return nil, fmt.Errorf("parsing created_at: %w", err)
	}

	return &item, nil
}

// AttachThread sets the thread and channel refs for an item, exactly once.
// The IS NULL guard makes the update a compare-and-set: a second attach
// matches zero rows and is reported as ErrAlreadyAttached without touching
// the first attach's value.
func (s *SQLiteStore) AttachThread(ctx context.Context, key ItemKey, threadRef, channelRef string) error {
	query := `
		UPDATE items
		SET thread_ref = ?, channel_ref = ?
		WHERE source_kind = ? AND source_id = ? AND thread_ref IS NULL
	`

	result, err := s.db.ExecContext(ctx, query,
		threadRef,
		channelRef,
		string(key.Kind),
		key.ID,
	)
	if err != nil {
		return fmt.Errorf("attaching thread: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("getting rows affected: %w", err)
	}

	if rowsAffected == 0 {
		// Either the item doesn't exist or it is already attached
		if _, err := s.Find(ctx, key); err != nil {
			return err
		}
		return ErrAlreadyAttached
	}

	s.logger.Debug("attached thread", "key", key.String(), "thread_ref", threadRef, "channel_ref", channelRef)
	return nil
}

// FindByThread retrieves the item correlated with an outward thread ref.
// Returns ErrNotFound if no item carries that thread ref.
func (s *SQLiteStore) FindByThread(ctx context.Context, threadRef string) (*Item, error) {
	query := `
		SELECT source_kind, source_id, content, thread_ref, channel_ref, created_at
		FROM items
		WHERE thread_ref = ?
	`
	return s.scanItem(s.db.QueryRowContext(ctx, query, threadRef))
}

// FindOldestUnattached retrieves the oldest item with no thread ref.
// Selection is strictly creation order (rowid breaks same-second ties) so
// every item is eventually processed and none starves.
func (s *SQLiteStore) FindOldestUnattached(ctx context.Context) (*Item, error) {
	query := `
		SELECT source_kind, source_id, content, thread_ref, channel_ref, created_at
		FROM items
		WHERE thread_ref IS NULL
		ORDER BY created_at ASC, rowid ASC
		LIMIT 1
	`
	return s.scanItem(s.db.QueryRowContext(ctx, query))
}

// Append writes a turn with the next per-item sequence number.
func (s *SQLiteStore) Append(ctx context.Context, key ItemKey, speaker Speaker, text string) (int64, error) {
	return s.AppendTurns(ctx, key, TurnInput{Speaker: speaker, Text: text})
}

// AppendTurns writes the given turns with consecutive sequence numbers
// inside a single transaction, under appendMu, so concurrent appends for
// the same item are assigned distinct, gapless, monotonically increasing
// values and a failure on any turn commits none of them.
func (s *SQLiteStore) AppendTurns(ctx context.Context, key ItemKey, turns ...TurnInput) (int64, error) {
	if len(turns) == 0 {
		return 0, fmt.Errorf("appending zero turns for %s", key.String())
	}

	s.appendMu.Lock()
	defer s.appendMu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("beginning append transaction: %w", err)
	}
	defer tx.Rollback()

	var seq int64
	err = tx.QueryRowContext(ctx, `
		SELECT COALESCE(MAX(sequence) + 1, 0)
		FROM turns
		WHERE source_kind = ? AND source_id = ?
	`, string(key.Kind), key.ID).Scan(&seq)
	if err != nil {
		return 0, fmt.Errorf("deriving next sequence: %w", err)
	}

	now := time.Now().UTC().Format(time.RFC3339)
	for i, turn := range turns {
		_, err = tx.ExecContext(ctx, `
			INSERT INTO turns (source_kind, source_id, sequence, speaker, text, created_at)
			VALUES (?, ?, ?, ?, ?, ?)
		`,
			string(key.Kind),
			key.ID,
			seq+int64(i),
			string(turn.Speaker),
			turn.Text,
			now,
		)
		if err != nil {
			return 0, fmt.Errorf("inserting turn %d: %w", seq+int64(i), err)
		}
	}

	last := seq + int64(len(turns)) - 1
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("committing append: %w", err)
	}

	s.logger.Debug("appended turns", "key", key.String(), "first", seq, "last", last)
	return last, nil
}

// ReadAll retrieves an item's full transcript in sequence order.
// The result is a materialized snapshot; an append committed after the
// query began is simply not included.
func (s *SQLiteStore) ReadAll(ctx context.Context, key ItemKey) ([]*Turn, error) {
	query := `
		SELECT sequence, speaker, text, created_at
		FROM turns
		WHERE source_kind = ? AND source_id = ?
		ORDER BY sequence ASC
	`

	rows, err := s.db.QueryContext(ctx, query, string(key.Kind), key.ID)
	if err != nil {
		return nil, fmt.Errorf("querying turns: %w", err)
	}
	defer rows.Close()

	var turns []*Turn
	for rows.Next() {
		turn := &Turn{Key: key}
		var speaker, createdAtStr string

		if err := rows.Scan(&turn.Sequence, &speaker, &turn.Text, &createdAtStr); err != nil {
			return nil, fmt.Errorf("scanning turn row: %w", err)
		}

		turn.Speaker = Speaker(speaker)
		turn.CreatedAt, err = time.Parse(time.RFC3339, createdAtStr)
		if err != nil {
			return nil, fmt.Errorf("parsing created_at: %w", err)
		}

		turns = append(turns, turn)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating turn rows: %w", err)
	}

	return turns, nil
}
