// ABOUTME: Rolling-window tracker for inbound webhook event identifiers.
// ABOUTME: Guarantees at most one handler processes a redelivered event within the window.

package dedupe

import (
	"container/list"
	"sync"
	"time"
)

// windowEntry stores the sighting time and list element for a tracked event id.
type windowEntry struct {
	seenAt  time.Time
	element *list.Element
}

// Window tracks which webhook event ids have already been handled within a
// bounded retention interval. Providers deliver at-least-once, so the same
// event id can arrive from several concurrent handlers; Window decides which
// single handler proceeds. Insertion order is kept in a doubly-linked list so
// eviction under size pressure is O(1) and drops the oldest entry first.
type Window struct {
	mu        sync.RWMutex
	seen      map[string]*windowEntry
	order     *list.List // event ids in insertion order, oldest at front
	retention time.Duration
	maxSize   int
	done      chan struct{}
	closed    bool
}

// NewWindow creates a dedup window with the given retention interval and
// maximum entry count. A background goroutine periodically drops expired
// entries; expiry is advisory cleanup, not a correctness requirement, since
// provider redelivery happens on the order of seconds.
func NewWindow(retention time.Duration, maxSize int) *Window {
	w := &Window{
		seen:      make(map[string]*windowEntry),
		order:     list.New(),
		retention: retention,
		maxSize:   maxSize,
		done:      make(chan struct{}),
	}
	go w.cleanup()
	return w
}

// ShouldProcess atomically records the event id if it has not been seen
// within the retention window. It returns true exactly once per window for
// a given id; any concurrent or later call with the same id returns false.
// Check and record happen under one lock so two handlers racing on the same
// redelivery cannot both observe "absent" and both proceed.
func (w *Window) ShouldProcess(eventID string) bool {
	w.mu.Lock()
	defer w.mu.Unlock()

	entry, ok := w.seen[eventID]
	if ok && time.Since(entry.seenAt) < w.retention {
		return false
	}

	w.recordLocked(eventID)
	return true
}

// Seen reports whether the event id is currently recorded, without marking it.
func (w *Window) Seen(eventID string) bool {
	w.mu.RLock()
	defer w.mu.RUnlock()

	entry, ok := w.seen[eventID]
	if !ok {
		return false
	}
	return time.Since(entry.seenAt) < w.retention
}

// Len returns the number of tracked entries, expired or not.
func (w *Window) Len() int {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return len(w.seen)
}

// recordLocked inserts or refreshes an entry. Must be called with mu held.
func (w *Window) recordLocked(eventID string) {
	now := time.Now()

	// An expired entry being re-recorded keeps its map slot but moves to the
	// back of the eviction order.
	if entry, exists := w.seen[eventID]; exists {
		entry.seenAt = now
		w.order.MoveToBack(entry.element)
		return
	}

	// Under size pressure, accepting a possible duplicate beats rejecting a
	// new event: evict the oldest entry to make room.
	if len(w.seen) >= w.maxSize {
		w.evictOldest()
	}

	elem := w.order.PushBack(eventID)
	w.seen[eventID] = &windowEntry{
		seenAt:  now,
		element: elem,
	}
}

// evictOldest removes the entry at the front of the insertion order.
// Must be called with mu held.
func (w *Window) evictOldest() {
	front := w.order.Front()
	if front == nil {
		return
	}

	eventID, _ := front.Value.(string)
	w.order.Remove(front)
	delete(w.seen, eventID)
}

// Forget releases a recorded event id so a later redelivery is admitted
// again. Callers use it when processing failed before any durable side
// effect, returning the retry opportunity to the provider.
func (w *Window) Forget(eventID string) {
	w.mu.Lock()
	defer w.mu.Unlock()

	entry, ok := w.seen[eventID]
	if !ok {
		return
	}
	w.order.Remove(entry.element)
	delete(w.seen, eventID)
}

// cleanup periodically drops entries older than the retention interval.
func (w *Window) cleanup() {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			w.dropExpired()
		case <-w.done:
			return
		}
	}
}

// dropExpired removes all entries whose retention interval has elapsed.
func (w *Window) dropExpired() {
	w.mu.Lock()
	defer w.mu.Unlock()

	now := time.Now()
	for eventID, entry := range w.seen {
		if now.Sub(entry.seenAt) > w.retention {
			w.order.Remove(entry.element)
			delete(w.seen, eventID)
		}
	}
}

// Close stops the background cleanup goroutine. Safe to call multiple times.
func (w *Window) Close() {
	w.mu.Lock()
	defer w.mu.Unlock()

	if !w.closed {
		close(w.done)
		w.closed = true
	}
}
