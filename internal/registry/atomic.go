package registry

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
)

var errRename = errors.New("rename failed")

// persist writes data via temp file and rename. When the rename step fails,
// for example across filesystems, it falls back to rewriting the file in place.
func (s *Store) persist(data []byte) error {
	err := atomicWriteFile(s.path, data, 0644, s.rename)
	if err == nil || !errors.Is(err, errRename) {
		return err
	}
	s.logger.Warn("atomic rename failed, writing registry in place", "error", err.Error())
	if werr := os.WriteFile(s.path, data, 0644); werr != nil {
		return fmt.Errorf("failed to write registry: %w", werr)
	}
	return nil
}

// atomicWriteFile writes data to a temp file in the same directory and renames
// it over path.
func atomicWriteFile(path string, data []byte, perm os.FileMode, rename func(string, string) error) error {
	dir := filepath.Dir(path)

	// Create temp file in same directory to ensure atomic rename
	tmpFile, err := os.CreateTemp(dir, ".registry-*.tmp")
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}
	tmpPath := tmpFile.Name()

	// Clean up temp file on any error
	success := false
	defer func() {
		if !success {
			os.Remove(tmpPath)
		}
	}()

	if _, err := tmpFile.Write(data); err != nil {
		tmpFile.Close()
		return fmt.Errorf("failed to write temp file: %w", err)
	}

	// Sync to disk
	if err := tmpFile.Sync(); err != nil {
		tmpFile.Close()
		return fmt.Errorf("failed to sync temp file: %w", err)
	}

	if err := tmpFile.Close(); err != nil {
		return fmt.Errorf("failed to close temp file: %w", err)
	}

	if err := os.Chmod(tmpPath, perm); err != nil {
		return fmt.Errorf("failed to set permissions: %w", err)
	}

	if err := rename(tmpPath, path); err != nil {
		return fmt.Errorf("%w: %v", errRename, err)
	}

	success = true
	return nil
}
