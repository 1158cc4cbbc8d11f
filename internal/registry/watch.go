package registry

import (
	"context"
	"fmt"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
)

// reloadDebounce coalesces the burst of events one atomic rewrite produces.
const reloadDebounce = 100 * time.Millisecond

// Watch reloads the store whenever another process rewrites the registry
// file, until ctx is cancelled. Events caused by the store's own writes are
// ignored. It blocks; run it in its own goroutine.
func (s *Store) Watch(ctx context.Context) error {
	if s.path == "" {
		<-ctx.Done()
		return nil
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create registry watcher: %w", err)
	}
	defer watcher.Close()

	// Watch the directory; the file itself is replaced on every write.
	if err := watcher.Add(filepath.Dir(s.path)); err != nil {
		return fmt.Errorf("failed to watch registry directory: %w", err)
	}

	name := filepath.Clean(s.path)
	var timer *time.Timer
	var fire <-chan time.Time

	for {
		select {
		case <-ctx.Done():
			if timer != nil {
				timer.Stop()
			}
			return nil

		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(event.Name) != name {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			if timer == nil {
				timer = time.NewTimer(reloadDebounce)
			} else {
				timer.Reset(reloadDebounce)
			}
			fire = timer.C

		case <-fire:
			fire = nil
			if s.inSync() {
				continue
			}
			if err := s.Reload(); err != nil {
				s.logger.Warn("registry reload failed", "error", err.Error())
				continue
			}
			s.watchReloads.Add(1)
			s.logger.Debug("registry reloaded from disk",
				"records", s.Len(),
				"reloads", s.watchReloads.Load(),
			)

		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			s.logger.Warn("registry watcher error", "error", err.Error())
		}
	}
}
