package registry

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/virtengine/openfleet-sub013/internal/ai"
	"github.com/virtengine/openfleet-sub013/internal/errors"
)

var t0 = time.Date(2026, 4, 2, 8, 0, 0, 0, time.UTC)

func openTestStore(t *testing.T) (*Store, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), FileName)
	s, err := Open(path, nil)
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	s.now = func() time.Time { return t0 }
	return s, path
}

func liveRecord(key string) Record {
	return Record{
		TaskKey:    key,
		SessionID:  "sess-" + key,
		Backend:    ai.BackendCodex,
		Alive:      true,
		TurnCount:  1,
		CreatedAt:  t0,
		LastUsedAt: t0,
		WorkDir:    "/work/" + key,
	}
}

func TestLimits_Eligible(t *testing.T) {
	limits := Limits{MaxTurns: 3, MaxAge: time.Hour}

	tests := []struct {
		name   string
		mutate func(*Record)
		now    time.Time
		want   bool
	}{
		{"fresh", func(r *Record) {}, t0.Add(time.Minute), true},
		{"dead", func(r *Record) { r.Alive = false }, t0, false},
		{"no session id", func(r *Record) { r.SessionID = "" }, t0, false},
		{"below turn limit", func(r *Record) { r.TurnCount = 2 }, t0, true},
		{"at turn limit", func(r *Record) { r.TurnCount = 3 }, t0, false},
		{"just under max age", func(r *Record) {}, t0.Add(59 * time.Minute), true},
		{"at max age", func(r *Record) {}, t0.Add(time.Hour), false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := liveRecord("k")
			tt.mutate(&rec)
			if got := limits.Eligible(rec, tt.now); got != tt.want {
				t.Errorf("Eligible() = %v, want %v", got, tt.want)
			}
		})
	}

	if DefaultLimits().MaxTurns != DefaultMaxTurns || DefaultLimits().MaxAge != DefaultMaxAge {
		t.Error("DefaultLimits() does not match defaults")
	}
}

func TestStore_OpenMissingFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "dir", FileName)
	s, err := Open(path, nil)
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	if s.Len() != 0 {
		t.Errorf("Len() = %d, want 0", s.Len())
	}
	if s.Path() != path {
		t.Errorf("Path() = %q, want %q", s.Path(), path)
	}
}

func TestStore_UpsertPersistsAndReloads(t *testing.T) {
	s, path := openTestStore(t)

	if err := s.Upsert(liveRecord("task-1")); err != nil {
		t.Fatalf("Upsert() error = %v", err)
	}
	if err := s.Upsert(liveRecord("task-2")); err != nil {
		t.Fatalf("Upsert() error = %v", err)
	}

	// The file is a JSON object keyed by task key.
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	var raw map[string]map[string]any
	if err := json.Unmarshal(data, &raw); err != nil {
		t.Fatalf("registry is not a JSON object: %v", err)
	}
	if raw["task-1"]["sessionId"] != "sess-task-1" || raw["task-1"]["workingDirectory"] != "/work/task-1" {
		t.Errorf("unexpected document: %s", data)
	}

	reopened, err := Open(path, nil)
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	got, ok := reopened.Get("task-2")
	if !ok {
		t.Fatal("record lost across reopen")
	}
	if got.SessionID != "sess-task-2" || got.Backend != ai.BackendCodex || !got.CreatedAt.Equal(t0) {
		t.Errorf("Get() = %+v", got)
	}
}

func TestStore_UpsertReplaces(t *testing.T) {
	s, _ := openTestStore(t)
	_ = s.Upsert(liveRecord("task-1"))

	replacement := liveRecord("task-1")
	replacement.SessionID = "sess-new"
	replacement.Backend = ai.BackendClaude
	if err := s.Upsert(replacement); err != nil {
		t.Fatal(err)
	}

	if s.Len() != 1 {
		t.Errorf("Len() = %d, want one record per task key", s.Len())
	}
	got, _ := s.Get("task-1")
	if got.SessionID != "sess-new" || got.Backend != ai.BackendClaude {
		t.Errorf("Get() = %+v", got)
	}
}

func TestStore_UpsertRequiresKey(t *testing.T) {
	s := NewMemoryStore()
	if err := s.Upsert(Record{}); !errors.Is(err, errors.ErrInvalidInput) {
		t.Errorf("Upsert(empty key) error = %v, want ErrInvalidInput", err)
	}
}

func TestStore_GetReturnsCopy(t *testing.T) {
	s := NewMemoryStore()
	_ = s.Upsert(liveRecord("k"))

	rec, _ := s.Get("k")
	rec.TurnCount = 99
	if got, _ := s.Get("k"); got.TurnCount != 1 {
		t.Error("mutating a returned record changed the store")
	}
}

func TestStore_Touch(t *testing.T) {
	s, _ := openTestStore(t)
	rec := liveRecord("task-1")
	rec.LastError = "old failure"
	_ = s.Upsert(rec)

	s.SetClock(func() time.Time { return t0.Add(time.Minute) })
	got, err := s.Touch("task-1", "sess-forked")
	if err != nil {
		t.Fatalf("Touch() error = %v", err)
	}
	if got.TurnCount != 2 || !got.LastUsedAt.Equal(t0.Add(time.Minute)) || got.SessionID != "sess-forked" || got.LastError != "" {
		t.Errorf("Touch() = %+v", got)
	}

	if _, err := s.Touch("missing", ""); !errors.Is(err, errors.ErrSessionNotFound) {
		t.Errorf("Touch(missing) error = %v, want ErrSessionNotFound", err)
	}
}

func TestStore_MarkDead(t *testing.T) {
	s, path := openTestStore(t)
	_ = s.Upsert(liveRecord("task-1"))

	if err := s.MarkDead("task-1", "thread not found"); err != nil {
		t.Fatalf("MarkDead() error = %v", err)
	}
	got, _ := s.Get("task-1")
	if got.Alive || got.LastError != "thread not found" {
		t.Errorf("record after MarkDead = %+v", got)
	}
	if err := s.MarkDead("missing", "x"); err != nil {
		t.Errorf("MarkDead(missing) error = %v, want nil", err)
	}

	reopened, _ := Open(path, nil)
	if rec, _ := reopened.Get("task-1"); rec.Alive {
		t.Error("MarkDead was not persisted")
	}
}

func TestStore_DeleteAndPrune(t *testing.T) {
	s, _ := openTestStore(t)

	dead := liveRecord("dead")
	dead.Alive = false
	idle := liveRecord("idle")
	idle.LastUsedAt = t0.Add(-48 * time.Hour)
	idle.CreatedAt = t0.Add(-48 * time.Hour)
	for _, r := range []Record{liveRecord("active"), dead, idle, liveRecord("gone")} {
		_ = s.Upsert(r)
	}

	existed, err := s.Delete("gone")
	if err != nil || !existed {
		t.Errorf("Delete(gone) = %v, %v", existed, err)
	}
	if existed, _ := s.Delete("gone"); existed {
		t.Error("second Delete should report no record")
	}

	removed, err := s.Prune(0)
	if err != nil {
		t.Fatal(err)
	}
	if strings.Join(removed, ",") != "dead" {
		t.Errorf("Prune(0) removed %v, want [dead]", removed)
	}

	removed, _ = s.Prune(24 * time.Hour)
	if strings.Join(removed, ",") != "idle" {
		t.Errorf("Prune(24h) removed %v, want [idle]", removed)
	}

	all := s.All()
	if len(all) != 1 || all[0].TaskKey != "active" {
		t.Errorf("All() = %+v, want only active", all)
	}
}

func TestStore_AllSorted(t *testing.T) {
	s := NewMemoryStore()
	for _, k := range []string{"c", "a", "b"} {
		_ = s.Upsert(liveRecord(k))
	}
	var keys []string
	for _, r := range s.All() {
		keys = append(keys, r.TaskKey)
	}
	if strings.Join(keys, "") != "abc" {
		t.Errorf("All() order = %v", keys)
	}
}

func TestStore_CorruptFileMovedAside(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, FileName)
	if err := os.WriteFile(path, []byte("{not json"), 0644); err != nil {
		t.Fatal(err)
	}

	s, err := Open(path, nil)
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	if s.Len() != 0 {
		t.Errorf("Len() = %d, want 0", s.Len())
	}
	matches, _ := filepath.Glob(filepath.Join(dir, FileName+".corrupt-*"))
	if len(matches) != 1 {
		t.Errorf("corrupt file not preserved, found %v", matches)
	}
}

func TestStore_MapKeyIsAuthoritative(t *testing.T) {
	path := filepath.Join(t.TempDir(), FileName)
	doc := `{"task-9":{"taskKey":"something-else","sessionId":"s","backend":"claude","alive":true}, "nil-entry": null}`
	if err := os.WriteFile(path, []byte(doc), 0644); err != nil {
		t.Fatal(err)
	}
	s, err := Open(path, nil)
	if err != nil {
		t.Fatal(err)
	}
	rec, ok := s.Get("task-9")
	if !ok || rec.TaskKey != "task-9" {
		t.Errorf("Get(task-9) = %+v, %v", rec, ok)
	}
	if s.Len() != 1 {
		t.Errorf("Len() = %d, null entries should be dropped", s.Len())
	}
}

func TestStore_RenameFallback(t *testing.T) {
	s, path := openTestStore(t)
	s.rename = func(string, string) error { return fmt.Errorf("invalid cross-device link") }

	if err := s.Upsert(liveRecord("task-1")); err != nil {
		t.Fatalf("Upsert() with failing rename error = %v", err)
	}
	reopened, _ := Open(path, nil)
	if _, ok := reopened.Get("task-1"); !ok {
		t.Error("direct-write fallback did not persist the record")
	}

	// No temp files left behind.
	matches, _ := filepath.Glob(filepath.Join(filepath.Dir(path), ".registry-*.tmp"))
	if len(matches) != 0 {
		t.Errorf("temp files left behind: %v", matches)
	}
}

func TestStore_ConcurrentWriters(t *testing.T) {
	s, path := openTestStore(t)

	var wg sync.WaitGroup
	for i := range 20 {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			key := fmt.Sprintf("task-%02d", n)
			_ = s.Upsert(liveRecord(key))
			_, _ = s.Touch(key, "")
			s.Get(key)
		}(i)
	}
	wg.Wait()

	reopened, err := Open(path, nil)
	if err != nil {
		t.Fatal(err)
	}
	if reopened.Len() != 20 {
		t.Errorf("reopened Len() = %d, want 20", reopened.Len())
	}
	for _, rec := range reopened.All() {
		if rec.TurnCount != 2 {
			t.Errorf("%s TurnCount = %d, want 2", rec.TaskKey, rec.TurnCount)
		}
	}
}

func TestStore_MemoryStoreWritesNothing(t *testing.T) {
	s := NewMemoryStore()
	if err := s.Upsert(liveRecord("k")); err != nil {
		t.Fatal(err)
	}
	if s.Path() != "" {
		t.Errorf("Path() = %q, want empty", s.Path())
	}
	if err := s.Reload(); err != nil {
		t.Errorf("Reload() on memory store error = %v", err)
	}
}

func TestStore_WatchPicksUpExternalWrites(t *testing.T) {
	s, path := openTestStore(t)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Watch(ctx) }()
	t.Cleanup(func() {
		cancel()
		<-done
	})

	// Give the watcher a moment to register.
	time.Sleep(100 * time.Millisecond)

	other, err := Open(path, nil)
	if err != nil {
		t.Fatal(err)
	}
	if err := other.Upsert(liveRecord("from-cli")); err != nil {
		t.Fatal(err)
	}

	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if _, ok := s.Get("from-cli"); ok {
			return
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Error("watcher did not reload the externally written record")
}

func TestStore_InSyncTracksOwnWrites(t *testing.T) {
	s, path := openTestStore(t)
	if err := s.Upsert(liveRecord("a")); err != nil {
		t.Fatal(err)
	}
	if !s.inSync() {
		t.Fatal("inSync() = false after own write")
	}

	other, err := Open(path, nil)
	if err != nil {
		t.Fatal(err)
	}
	if err := other.Upsert(liveRecord("b")); err != nil {
		t.Fatal(err)
	}
	if s.inSync() {
		t.Fatal("inSync() = true after another store wrote the file")
	}

	if err := s.Reload(); err != nil {
		t.Fatal(err)
	}
	if !s.inSync() {
		t.Error("inSync() = false after reload")
	}
}

func TestStore_WatchIgnoresOwnWrites(t *testing.T) {
	s, path := openTestStore(t)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Watch(ctx) }()
	t.Cleanup(func() {
		cancel()
		<-done
	})

	time.Sleep(100 * time.Millisecond)

	for i := range 3 {
		if err := s.Upsert(liveRecord(fmt.Sprintf("own-%d", i))); err != nil {
			t.Fatal(err)
		}
	}
	// Wait past the debounce window.
	time.Sleep(4 * reloadDebounce)
	if n := s.watchReloads.Load(); n != 0 {
		t.Fatalf("watch reloads after own writes = %d, want 0", n)
	}

	other, err := Open(path, nil)
	if err != nil {
		t.Fatal(err)
	}
	if err := other.Upsert(liveRecord("from-cli")); err != nil {
		t.Fatal(err)
	}
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if s.watchReloads.Load() > 0 {
			if _, ok := s.Get("from-cli"); !ok {
				t.Error("reload did not pick up the external record")
			}
			return
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Error("watcher did not reload after an external write")
}

func TestStore_ReloadErrorNamesPath(t *testing.T) {
	s, path := openTestStore(t)
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		t.Fatal(err)
	}
	if err := os.Mkdir(path, 0755); err != nil {
		t.Fatal(err)
	}

	err := s.Reload()
	if err == nil {
		t.Fatal("Reload() error = nil for a directory path")
	}
	if !strings.Contains(err.Error(), "failed to read registry "+path) {
		t.Errorf("Reload() error = %q, want it to name %s", err, path)
	}
}
