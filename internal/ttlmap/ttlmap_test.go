package ttlmap

import (
	"sync"
	"testing"
	"time"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func newClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)}
}

func TestMap_Expiry(t *testing.T) {
	clock := newClock()
	m := NewWithClock[string, int](clock.Now)

	m.Set("a", 1, time.Minute)
	if v, ok := m.Get("a"); !ok || v != 1 {
		t.Fatalf("Get(a) = %v, %v; want 1, true", v, ok)
	}

	clock.Advance(59 * time.Second)
	if !m.Has("a") {
		t.Error("entry expired early")
	}

	// Exactly at the deadline the entry is gone.
	clock.Advance(time.Second)
	if m.Has("a") {
		t.Error("entry should expire at its deadline")
	}
}

func TestMap_SetUntilPast(t *testing.T) {
	clock := newClock()
	m := NewWithClock[string, string](clock.Now)

	m.Set("k", "live", time.Hour)
	m.SetUntil("k", "dead", clock.Now().Add(-time.Second))
	if m.Has("k") {
		t.Error("past deadline should clear the entry")
	}
}

func TestMap_GetWithExpiry(t *testing.T) {
	clock := newClock()
	m := NewWithClock[string, bool](clock.Now)

	until := clock.Now().Add(30 * time.Second)
	m.SetUntil("codex", true, until)
	_, got, ok := m.GetWithExpiry("codex")
	if !ok || !got.Equal(until) {
		t.Errorf("GetWithExpiry = %v, %v; want %v, true", got, ok, until)
	}
}

func TestMap_SnapshotDropsExpired(t *testing.T) {
	clock := newClock()
	m := NewWithClock[string, int](clock.Now)

	m.Set("short", 1, time.Second)
	m.Set("long", 2, time.Hour)
	clock.Advance(2 * time.Second)

	snap := m.Snapshot()
	if len(snap) != 1 {
		t.Fatalf("Snapshot() has %d entries, want 1", len(snap))
	}
	if _, ok := snap["long"]; !ok {
		t.Error("Snapshot() missing live entry")
	}
	if m.Len() != 1 {
		t.Errorf("Len() = %d, want 1", m.Len())
	}
}

func TestMap_DeleteAndClear(t *testing.T) {
	m := New[string, int]()
	m.Set("a", 1, time.Hour)
	m.Set("b", 2, time.Hour)

	m.Delete("a")
	if m.Has("a") {
		t.Error("Delete did not remove entry")
	}
	m.Clear()
	if m.Len() != 0 {
		t.Errorf("Len() after Clear = %d, want 0", m.Len())
	}
}

func TestMap_Concurrent(t *testing.T) {
	m := New[int, int]()
	var wg sync.WaitGroup
	for i := range 50 {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			m.Set(n%5, n, time.Minute)
			m.Get(n % 5)
			m.Snapshot()
		}(i)
	}
	wg.Wait()
	if m.Len() != 5 {
		t.Errorf("Len() = %d, want 5", m.Len())
	}
}
