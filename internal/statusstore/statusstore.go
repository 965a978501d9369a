// Package statusstore persists the per-reservation preparation status
// ("is the changeover done, and by whom") in a single JSON file.
package statusstore

import (
	"encoding/json"
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"sync"
)

// Status is the recorded state for one reservation id.
type Status struct {
	Done bool   `json:"done"`
	User string `json:"user,omitempty"`
}

// Store is a file-backed key-value store. All access is serialized; the
// file is rewritten atomically on every Set.
type Store struct {
	mu   sync.Mutex
	path string
}

func New(path string) *Store {
	return &Store{path: path}
}

// Get returns the status for id; the zero Status if none is recorded.
func (s *Store) Get(id string) (Status, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	all, err := s.load()
	if err != nil {
		return Status{}, err
	}
	return all[id], nil
}

// All returns every recorded status.
func (s *Store) All() (map[string]Status, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.load()
}

// Set records the status for id.
func (s *Store) Set(id string, st Status) error {
	if id == "" {
		return errors.New("status id is empty")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	all, err := s.load()
	if err != nil {
		return err
	}
	all[id] = st
	return s.save(all)
}

func (s *Store) load() (map[string]Status, error) {
	data, err := os.ReadFile(s.path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return map[string]Status{}, nil
		}
		return nil, err
	}

	all := make(map[string]Status)
	if err := json.Unmarshal(data, &all); err != nil {
		return nil, err
	}
	return all, nil
}

// save writes atomically via temp file + rename, same discipline as the
// config writer.
func (s *Store) save(all map[string]Status) error {
	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return err
	}

	data, err := json.MarshalIndent(all, "", "  ")
	if err != nil {
		return err
	}

	tmp, err := os.CreateTemp(dir, ".rentcal-status-*.tmp")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	if err := os.Chmod(tmpName, 0o600); err != nil {
		return err
	}
	return os.Rename(tmpName, s.path)
}
