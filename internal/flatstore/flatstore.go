// Package flatstore implements the last-resort key/value tier. It stores
// string keys mapped to JSON strings in a single file, loaded into memory at
// open and rewritten atomically on every mutation. It is used automatically
// when the structured local store cannot be opened, and proactively to mirror
// an "essential fields only" summary of heavier records.
//
// Lookups by anything other than exact key require an O(n) scan over key
// prefixes. That is acceptable only because this tier is the fallback path,
// never the primary one.
package flatstore

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
)

// FilePerms restricts the store file to owner-only read/write.
const FilePerms = 0o600

// DirPerms is used when creating the store directory.
const DirPerms = 0o700

// Store is a synchronous flat key/value store. All methods are safe for
// concurrent use. Keys are namespaced by convention: "namespace_key".
type Store struct {
	path   string
	logger *slog.Logger

	mu   sync.RWMutex
	data map[string]string
}

// Open loads the store file at path, creating an empty store if the file
// does not exist. A file that fails to parse is treated as empty and is
// overwritten on the next write — corrupt fallback data is never fatal.
func Open(path string, logger *slog.Logger) (*Store, error) {
	s := &Store{
		path:   path,
		logger: logger,
		data:   make(map[string]string),
	}

	raw, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return s, nil
	}

	if err != nil {
		return nil, fmt.Errorf("flatstore: reading %s: %w", path, err)
	}

	if jsonErr := json.Unmarshal(raw, &s.data); jsonErr != nil {
		logger.Warn("flatstore: discarding unparseable store file",
			slog.String("path", path),
			slog.String("error", jsonErr.Error()),
		)

		s.data = make(map[string]string)
	}

	return s, nil
}

// Set stores value under key and persists the store file.
func (s *Store) Set(key, value string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.data[key] = value

	return s.persistLocked()
}

// SetJSON marshals v and stores it under key.
func (s *Store) SetJSON(key string, v any) error {
	b, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("flatstore: encoding %s: %w", key, err)
	}

	return s.Set(key, string(b))
}

// Get returns the value for key. The second return is false if absent.
func (s *Store) Get(key string) (string, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	v, ok := s.data[key]

	return v, ok
}

// GetJSON unmarshals the value for key into out. Returns false if the key is
// absent. A stored value that fails to parse is treated as absent and
// deleted so it does not keep failing.
func (s *Store) GetJSON(key string, out any) bool {
	s.mu.RLock()
	v, ok := s.data[key]
	s.mu.RUnlock()

	if !ok {
		return false
	}

	if err := json.Unmarshal([]byte(v), out); err != nil {
		s.logger.Warn("flatstore: deleting undecodable value",
			slog.String("key", key),
			slog.String("error", err.Error()),
		)

		_ = s.Delete(key)

		return false
	}

	return true
}

// Delete removes key and persists. Returns true if the key existed.
func (s *Store) Delete(key string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, existed := s.data[key]
	if !existed {
		return false
	}

	delete(s.data, key)

	if err := s.persistLocked(); err != nil {
		s.logger.Warn("flatstore: persist after delete failed",
			slog.String("key", key),
			slog.String("error", err.Error()),
		)
	}

	return existed
}

// ScanPrefix returns all key/value pairs whose key starts with prefix,
// sorted by key. This is the O(n) index emulation reserved for this tier.
func (s *Store) ScanPrefix(prefix string) map[string]string {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make(map[string]string)

	for k, v := range s.data {
		if strings.HasPrefix(k, prefix) {
			result[k] = v
		}
	}

	return result
}

// Keys returns all keys sorted lexicographically.
func (s *Store) Keys() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()

	keys := make([]string, 0, len(s.data))
	for k := range s.data {
		keys = append(keys, k)
	}

	sort.Strings(keys)

	return keys
}

// DeletePrefix removes every key with the given prefix and persists once.
// Returns the number of keys removed.
func (s *Store) DeletePrefix(prefix string) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	var removed int

	for k := range s.data {
		if strings.HasPrefix(k, prefix) {
			delete(s.data, k)
			removed++
		}
	}

	if removed > 0 {
		if err := s.persistLocked(); err != nil {
			s.logger.Warn("flatstore: persist after prefix delete failed",
				slog.String("prefix", prefix),
				slog.String("error", err.Error()),
			)
		}
	}

	return removed
}

// Clear removes all keys and persists an empty store.
func (s *Store) Clear() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.data = make(map[string]string)

	return s.persistLocked()
}

// Len returns the number of stored keys.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return len(s.data)
}

// persistLocked writes the store file atomically (write-to-temp + rename).
// Callers must hold s.mu.
func (s *Store) persistLocked() error {
	data, err := json.Marshal(s.data)
	if err != nil {
		return fmt.Errorf("flatstore: encoding store: %w", err)
	}

	dir := filepath.Dir(s.path)
	if mkErr := os.MkdirAll(dir, DirPerms); mkErr != nil {
		return fmt.Errorf("flatstore: creating directory %s: %w", dir, mkErr)
	}

	// Atomic write: temp file in the same directory, then rename.
	// Same directory guarantees same filesystem for rename(2).
	tmp, err := os.CreateTemp(dir, ".flatstore-*.tmp")
	if err != nil {
		return fmt.Errorf("flatstore: creating temp file: %w", err)
	}

	tmpPath := tmp.Name()

	success := false
	defer func() {
		if !success {
			_ = os.Remove(tmpPath)
		}
	}()

	if err := os.Chmod(tmpPath, FilePerms); err != nil {
		tmp.Close()
		return fmt.Errorf("flatstore: setting permissions: %w", err)
	}

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("flatstore: writing: %w", err)
	}

	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("flatstore: syncing: %w", err)
	}

	if err := tmp.Close(); err != nil {
		return fmt.Errorf("flatstore: closing: %w", err)
	}

	if err := os.Rename(tmpPath, s.path); err != nil {
		return fmt.Errorf("flatstore: renaming: %w", err)
	}

	success = true

	return nil
}
