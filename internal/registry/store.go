package registry

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/virtengine/openfleet-sub013/internal/errors"
	"github.com/virtengine/openfleet-sub013/internal/logging"
)

// FileName is the registry document name inside the data directory.
const FileName = "registry.json"

// Store holds the records in memory and persists them to a JSON file.
//
// Reads take mu. Every mutation takes writeMu for the whole
// mutate-then-persist step, so the file always reflects a complete snapshot
// and writers never interleave.
type Store struct {
	path   string
	logger *logging.Logger
	now    func() time.Time

	mu      sync.RWMutex
	records map[string]*Record

	writeMu sync.Mutex
	rename  func(oldpath, newpath string) error
	synced  fileStamp // file state last written or read by this store; guarded by writeMu

	watchReloads atomic.Int64
}

// fileStamp identifies one version of the registry file.
type fileStamp struct {
	size    int64
	modTime time.Time
}

func statFile(path string) (fileStamp, bool) {
	info, err := os.Stat(path)
	if err != nil {
		return fileStamp{}, false
	}
	return fileStamp{size: info.Size(), modTime: info.ModTime()}, true
}

// inSync reports whether the file on disk is the version this store last
// wrote or loaded.
func (s *Store) inSync() bool {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	cur, ok := statFile(s.path)
	return ok && cur == s.synced
}

// Open loads the registry at path, creating an empty one if the file does not
// exist. A file that cannot be decoded is moved aside and the store starts
// empty.
func Open(path string, logger *logging.Logger) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("failed to create registry directory: %w", err)
	}
	s := newStore(path, logger)
	if err := s.Reload(); err != nil {
		return nil, err
	}
	return s, nil
}

// NewMemoryStore returns a Store that never touches disk.
func NewMemoryStore() *Store {
	return newStore("", nil)
}

func newStore(path string, logger *logging.Logger) *Store {
	return &Store{
		path:    path,
		logger:  logger.WithComponent("registry"),
		now:     time.Now,
		records: make(map[string]*Record),
		rename:  os.Rename,
	}
}

// Path returns the registry file path, or "" for a memory store.
func (s *Store) Path() string { return s.path }

// SetClock replaces the time source for LastUsedAt stamps and idle pruning.
func (s *Store) SetClock(now func() time.Time) {
	s.mu.Lock()
	s.now = now
	s.mu.Unlock()
}

func (s *Store) clock() time.Time {
	s.mu.RLock()
	now := s.now
	s.mu.RUnlock()
	return now()
}

// Reload replaces the in-memory records with the file contents.
func (s *Store) Reload() error {
	if s.path == "" {
		return nil
	}
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	stamp, _ := statFile(s.path)
	data, err := os.ReadFile(s.path)
	if os.IsNotExist(err) {
		s.replace(make(map[string]*Record))
		return nil
	}
	if err != nil {
		return errors.Wrapf(err, "failed to read registry %s", s.path)
	}

	records := make(map[string]*Record)
	if len(data) > 0 {
		if err := json.Unmarshal(data, &records); err != nil {
			aside := fmt.Sprintf("%s.corrupt-%d", s.path, s.clock().Unix())
			_ = os.Rename(s.path, aside)
			s.logger.Error("registry file corrupted, starting empty",
				"error", errors.Wrap(errors.ErrRegistryCorrupted, err.Error()).Error(),
				"moved_to", aside,
			)
			records = make(map[string]*Record)
			stamp = fileStamp{}
		}
	}
	for key, rec := range records {
		if rec == nil {
			delete(records, key)
			continue
		}
		// The map key is authoritative.
		rec.TaskKey = key
	}
	s.replace(records)
	s.synced = stamp
	return nil
}

func (s *Store) replace(records map[string]*Record) {
	s.mu.Lock()
	s.records = records
	s.mu.Unlock()
}

// Get returns a copy of the record for taskKey.
func (s *Store) Get(taskKey string) (Record, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.records[taskKey]
	if !ok {
		return Record{}, false
	}
	return *rec, true
}

// All returns copies of every record sorted by task key.
func (s *Store) All() []Record {
	s.mu.RLock()
	out := make([]Record, 0, len(s.records))
	for _, rec := range s.records {
		out = append(out, *rec)
	}
	s.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].TaskKey < out[j].TaskKey })
	return out
}

// Len returns the number of records.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.records)
}

// Upsert stores rec under rec.TaskKey, replacing any existing record, and
// persists the registry.
func (s *Store) Upsert(rec Record) error {
	if rec.TaskKey == "" {
		return errors.NewValidationError("task key required").WithField("taskKey")
	}
	return s.mutate(func(records map[string]*Record) error {
		r := rec
		records[rec.TaskKey] = &r
		return nil
	})
}

// Update applies fn to the record for taskKey and persists the result.
// It returns the updated copy, or ErrSessionNotFound.
func (s *Store) Update(taskKey string, fn func(*Record)) (Record, error) {
	var out Record
	err := s.mutate(func(records map[string]*Record) error {
		rec, ok := records[taskKey]
		if !ok {
			return errors.NewSessionError("update failed", errors.ErrSessionNotFound).WithTaskKey(taskKey)
		}
		fn(rec)
		rec.TaskKey = taskKey
		out = *rec
		return nil
	})
	return out, err
}

// Touch records a successful turn: TurnCount++ and LastUsedAt = now.
func (s *Store) Touch(taskKey, sessionID string) (Record, error) {
	now := s.clock()
	return s.Update(taskKey, func(r *Record) {
		r.TurnCount++
		r.LastUsedAt = now
		r.LastError = ""
		if sessionID != "" {
			r.SessionID = sessionID
		}
	})
}

// MarkDead flags the record for taskKey as no longer resumable. A missing
// record is not an error.
func (s *Store) MarkDead(taskKey, reason string) error {
	_, err := s.Update(taskKey, func(r *Record) {
		r.Alive = false
		r.LastError = reason
	})
	if errors.Is(err, errors.ErrSessionNotFound) {
		return nil
	}
	return err
}

// Delete removes the record for taskKey. It reports whether a record existed.
func (s *Store) Delete(taskKey string) (bool, error) {
	var existed bool
	err := s.mutate(func(records map[string]*Record) error {
		_, existed = records[taskKey]
		delete(records, taskKey)
		return nil
	})
	return existed, err
}

// Prune removes records that are dead or idle for longer than maxIdle.
// maxIdle <= 0 removes dead records only. It returns the removed task keys.
func (s *Store) Prune(maxIdle time.Duration) ([]string, error) {
	now := s.clock()
	var removed []string
	err := s.mutate(func(records map[string]*Record) error {
		for key, rec := range records {
			idle := maxIdle > 0 && now.Sub(rec.LastActivity()) > maxIdle
			if !rec.Alive || idle {
				removed = append(removed, key)
				delete(records, key)
			}
		}
		return nil
	})
	sort.Strings(removed)
	return removed, err
}

// mutate runs fn on the live map under both locks, then persists.
func (s *Store) mutate(fn func(map[string]*Record) error) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	s.mu.Lock()
	err := fn(s.records)
	var data []byte
	if err == nil && s.path != "" {
		data, err = json.MarshalIndent(s.records, "", "  ")
	}
	s.mu.Unlock()
	if err != nil || s.path == "" {
		return err
	}

	if err := s.persist(data); err != nil {
		s.logger.Error("failed to persist registry", "error", err.Error())
		return err
	}
	s.synced, _ = statFile(s.path)
	return nil
}
