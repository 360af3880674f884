package lock

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"rentsync/pkg/model"
)

// FileStore keeps lock handles in a small JSON file.
type FileStore struct {
	path string
	mu   sync.Mutex
}

func NewFileStore(path string) *FileStore {
	return &FileStore{path: path}
}

type fileState struct {
	Handles []model.LockHandle `json:"handles"`
}

// Save replaces the file contents. The write goes through a temp file and a
// rename so a crash never leaves a half-written file behind.
func (s *FileStore) Save(handles []model.LockHandle) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if handles == nil {
		handles = []model.LockHandle{}
	}
	data, err := json.MarshalIndent(fileState{Handles: handles}, "", "  ")
	if err != nil {
		return fmt.Errorf("encode lock state: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(s.path), 0o700); err != nil {
		return fmt.Errorf("create lock state dir: %w", err)
	}
	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return fmt.Errorf("write lock state: %w", err)
	}
	if err := os.Rename(tmp, s.path); err != nil {
		return fmt.Errorf("replace lock state: %w", err)
	}
	return nil
}

// Load returns the persisted handles. A missing file is an empty state.
func (s *FileStore) Load() ([]model.LockHandle, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := os.ReadFile(s.path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read lock state: %w", err)
	}

	var state fileState
	if err := json.Unmarshal(data, &state); err != nil {
		return nil, fmt.Errorf("decode lock state: %w", err)
	}
	return state.Handles, nil
}
