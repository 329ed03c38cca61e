// ABOUTME: Per-item mutual exclusion for turn generation
// ABOUTME: At most one turn-generation transition is in flight per item

package correlator

import (
	"sync"

	"github.com/maigic/mailbridge/internal/store"
)

// itemLocks hands out one mutex per item key. Transitions for different
// items proceed in parallel; two transitions for the same item serialize.
// Mutexes are never reclaimed; the map is bounded by the number of items
// the process has touched.
type itemLocks struct {
	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// lock acquires the mutex for the given key and returns its unlock func.
func (l *itemLocks) lock(key store.ItemKey) func() {
	l.mu.Lock()
	if l.locks == nil {
		l.locks = make(map[string]*sync.Mutex)
	}
	m, ok := l.locks[key.String()]
	if !ok {
		m = &sync.Mutex{}
		l.locks[key.String()] = m
	}
	l.mu.Unlock()

	m.Lock()
	return m.Unlock
}
