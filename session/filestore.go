package session

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"
)

// FileStore keeps the session as a single JSON document on disk, the
// native-client analogue of browser local storage. Writes are atomic
// (temp file + rename) so a crash mid-save never leaves a half-written
// record behind.
type FileStore struct {
	path string
	now  func() time.Time
}

// NewFileStore creates a store backed by the file at path. The parent
// directory must exist.
func NewFileStore(path string) *FileStore {
	return &FileStore{path: path, now: time.Now}
}

// Save persists the session, replacing any previous record.
func (f *FileStore) Save(s *Session) error {
	data, err := json.Marshal(s)
	if err != nil {
		return fmt.Errorf("failed to encode session: %w", err)
	}

	tmp := f.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return fmt.Errorf("failed to write session file: %w", err)
	}
	if err := os.Rename(tmp, f.path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("failed to replace session file: %w", err)
	}
	return nil
}

// Load returns the stored session, or (nil, nil) when absent. Malformed
// and expired records are cleared and reported as absent.
func (f *FileStore) Load() (*Session, error) {
	data, err := os.ReadFile(f.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to read session file: %w", err)
	}

	var s Session
	if err := json.Unmarshal(data, &s); err != nil || s.Token == "" {
		slog.Warn("Discarding malformed session record", "path", filepath.Base(f.path))
		if clearErr := f.Clear(); clearErr != nil {
			return nil, clearErr
		}
		return nil, nil
	}

	if s.Expired(f.now()) {
		// Lazy expiry: an expired session must never be handed back.
		if err := f.Clear(); err != nil {
			return nil, err
		}
		return nil, nil
	}

	return &s, nil
}

// Clear removes the stored session. Clearing an absent session is a no-op.
func (f *FileStore) Clear() error {
	if err := os.Remove(f.path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to remove session file: %w", err)
	}
	return nil
}
