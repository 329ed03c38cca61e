// ABOUTME: In-memory Store implementation for testing
// ABOUTME: Allows tests to run without SQLite

package store

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// MemoryStore is an in-memory Store implementation for testing.
type MemoryStore struct {
	mu          sync.RWMutex
	items       map[string]*Item   // keyed by ItemKey.String()
	threadIndex map[string]string  // thread_ref -> ItemKey.String()
	turns       map[string][]*Turn // keyed by ItemKey.String(), sequence order
	arrival     map[string]int     // keyed by ItemKey.String(), insertion order
	counter     int
}

// NewMemoryStore creates a new MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		items:       make(map[string]*Item),
		threadIndex: make(map[string]string),
		turns:       make(map[string][]*Turn),
		arrival:     make(map[string]int),
	}
}

// FindOrCreate returns the existing item or creates a new one.
// Existing content is never overwritten.
func (m *MemoryStore) FindOrCreate(ctx context.Context, key ItemKey, content string) (*Item, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	k := key.String()
	if existing, ok := m.items[k]; ok {
		result := *existing
		return &result, false, nil
	}

	item := &Item{
		Key:       key,
		Content:   content,
		CreatedAt: time.Now(),
	}
	m.items[k] = item
	m.arrival[k] = m.counter
	m.counter++

	result := *item
	return &result, true, nil
}

// Find retrieves an item by its source identity.
func (m *MemoryStore) Find(ctx context.Context, key ItemKey) (*Item, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	item, ok := m.items[key.String()]
	if !ok {
		return nil, ErrNotFound
	}

	result := *item
	return &result, nil
}

// AttachThread sets the thread and channel refs, exactly once.
func (m *MemoryStore) AttachThread(ctx context.Context, key ItemKey, threadRef, channelRef string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	k := key.String()
	item, ok := m.items[k]
	if !ok {
		return ErrNotFound
	}
	if item.ThreadRef != "" {
		return ErrAlreadyAttached
	}

	item.ThreadRef = threadRef
	item.ChannelRef = channelRef
	m.threadIndex[threadRef] = k
	return nil
}

// FindByThread retrieves the item correlated with a thread ref.
func (m *MemoryStore) FindByThread(ctx context.Context, threadRef string) (*Item, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	k, ok := m.threadIndex[threadRef]
	if !ok {
		return nil, ErrNotFound
	}

	result := *m.items[k]
	return &result, nil
}

// FindOldestUnattached retrieves the unattached item created first.
func (m *MemoryStore) FindOldestUnattached(ctx context.Context) (*Item, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var oldest *Item
	oldestArrival := -1
	for k, item := range m.items {
		if item.ThreadRef != "" {
			continue
		}
		if oldest == nil || m.arrival[k] < oldestArrival {
			oldest = item
			oldestArrival = m.arrival[k]
		}
	}

	if oldest == nil {
		return nil, ErrNotFound
	}

	result := *oldest
	return &result, nil
}

// Append writes a turn with the next per-item sequence number.
func (m *MemoryStore) Append(ctx context.Context, key ItemKey, speaker Speaker, text string) (int64, error) {
	return m.AppendTurns(ctx, key, TurnInput{Speaker: speaker, Text: text})
}

// AppendTurns writes the given turns with consecutive sequences under one
// lock hold, so the pair lands together or not at all.
func (m *MemoryStore) AppendTurns(ctx context.Context, key ItemKey, turns ...TurnInput) (int64, error) {
	if len(turns) == 0 {
		return 0, fmt.Errorf("appending zero turns for %s", key.String())
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	k := key.String()
	var seq int64
	for _, turn := range turns {
		seq = int64(len(m.turns[k]))
		m.turns[k] = append(m.turns[k], &Turn{
			Key:       key,
			Sequence:  seq,
			Speaker:   turn.Speaker,
			Text:      turn.Text,
			CreatedAt: time.Now(),
		})
	}
	return seq, nil
}

// ReadAll returns a snapshot of the item's transcript in sequence order.
func (m *MemoryStore) ReadAll(ctx context.Context, key ItemKey) ([]*Turn, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	src := m.turns[key.String()]
	turns := make([]*Turn, len(src))
	for i, t := range src {
		copied := *t
		turns[i] = &copied
	}
	return turns, nil
}

// Close is a no-op for the in-memory store.
func (m *MemoryStore) Close() error {
	return nil
}
