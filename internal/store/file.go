package store

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
)

// FileStore is the hot persistence tier: one JSON document at a fixed
// path, replaced atomically (temp file, fsync, rename) so a crash mid
// write can never leave a torn document.
type FileStore struct {
	path string
}

// NewFileStore creates a file store at the given path
func NewFileStore(path string) *FileStore {
	return &FileStore{path: path}
}

// Path returns the backing file path.
func (f *FileStore) Path() string {
	return f.path
}

// Load reads the state document. A missing file returns (nil, nil): cold
// start is not an error.
func (f *FileStore) Load() (*StateDocument, error) {
	data, err := os.ReadFile(f.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to read state file: %w", err)
	}

	var doc StateDocument
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("failed to parse state file: %w", err)
	}
	return &doc, nil
}

// Save writes the document with atomic replace.
func (f *FileStore) Save(doc *StateDocument) error {
	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal state: %w", err)
	}

	dir := filepath.Dir(f.path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("failed to create state directory: %w", err)
	}

	tmp, err := os.CreateTemp(dir, filepath.Base(f.path)+".tmp-*")
	if err != nil {
		return fmt.Errorf("failed to create temp state file: %w", err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to write temp state file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to sync temp state file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("failed to close temp state file: %w", err)
	}

	if err := os.Rename(tmpName, f.path); err != nil {
		return fmt.Errorf("failed to replace state file: %w", err)
	}
	return nil
}
