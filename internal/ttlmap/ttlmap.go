// Package ttlmap provides a small time-windowed key/value store.
//
// Both the backend cooldown table and the assessment dedup cache are "key is
// live until a deadline" tables; this package holds the expiry logic for both.
// Entries expire lazily: a read past the deadline behaves as a miss and drops
// the entry, so no background goroutine is needed.
package ttlmap

import (
	"sync"
	"time"
)

type entry[V any] struct {
	value     V
	expiresAt time.Time
}

// Map is a goroutine-safe map whose entries expire at a fixed instant.
type Map[K comparable, V any] struct {
	mu      sync.Mutex
	entries map[K]entry[V]
	now     func() time.Time
}

// New creates an empty Map using the wall clock.
func New[K comparable, V any]() *Map[K, V] {
	return NewWithClock[K, V](time.Now)
}

// NewWithClock creates an empty Map that reads time from now.
func NewWithClock[K comparable, V any](now func() time.Time) *Map[K, V] {
	if now == nil {
		now = time.Now
	}
	return &Map[K, V]{
		entries: make(map[K]entry[V]),
		now:     now,
	}
}

// SetUntil stores value under key until the given instant.
// A deadline that is not after now stores nothing and removes any live entry.
func (m *Map[K, V]) SetUntil(key K, value V, until time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !until.After(m.now()) {
		delete(m.entries, key)
		return
	}
	m.entries[key] = entry[V]{value: value, expiresAt: until}
}

// Set stores value under key for ttl from now.
func (m *Map[K, V]) Set(key K, value V, ttl time.Duration) {
	m.SetUntil(key, value, m.now().Add(ttl))
}

// Get returns the live value for key.
func (m *Map[K, V]) Get(key K) (V, bool) {
	v, _, ok := m.GetWithExpiry(key)
	return v, ok
}

// GetWithExpiry returns the live value for key and its deadline.
func (m *Map[K, V]) GetWithExpiry(key K) (V, time.Time, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.entries[key]
	if !ok {
		var zero V
		return zero, time.Time{}, false
	}
	// Live strictly while now < expiresAt.
	if !m.now().Before(e.expiresAt) {
		delete(m.entries, key)
		var zero V
		return zero, time.Time{}, false
	}
	return e.value, e.expiresAt, true
}

// Has reports whether key has a live entry.
func (m *Map[K, V]) Has(key K) bool {
	_, ok := m.Get(key)
	return ok
}

// Delete removes key.
func (m *Map[K, V]) Delete(key K) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.entries, key)
}

// Clear removes every entry.
func (m *Map[K, V]) Clear() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries = make(map[K]entry[V])
}

// Snapshot returns the deadlines of all live entries and drops expired ones.
func (m *Map[K, V]) Snapshot() map[K]time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	out := make(map[K]time.Time, len(m.entries))
	for k, e := range m.entries {
		if !now.Before(e.expiresAt) {
			delete(m.entries, k)
			continue
		}
		out[k] = e.expiresAt
	}
	return out
}

// Len returns the number of live entries.
func (m *Map[K, V]) Len() int {
	return len(m.Snapshot())
}
