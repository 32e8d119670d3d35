package loader

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// FingerprintTable maps external id to content hash. It is an alias so
// stores in other packages can return a plain map.
type FingerprintTable = map[string]string

// FingerprintStore persists the fingerprint table between runs.
type FingerprintStore interface {
	// Load returns the stored table; a store that has never been written
	// returns an empty table and no error.
	Load(ctx context.Context) (FingerprintTable, error)
	// Save replaces the stored table.
	Save(ctx context.Context, table FingerprintTable) error
}

// FileStore keeps the table as a JSON object in a single file.
type FileStore struct {
	path string
}

// NewFileStore returns a store for path.
func NewFileStore(path string) *FileStore {
	return &FileStore{path: path}
}

// DefaultFingerprintPath is the input path with its extension replaced by
// ".hashes.json" (claims.json -> claims.hashes.json).
func DefaultFingerprintPath(inputPath string) string {
	ext := filepath.Ext(inputPath)
	return strings.TrimSuffix(inputPath, ext) + ".hashes.json"
}

// Path returns the file location.
func (s *FileStore) Path() string {
	return s.path
}

// Load reads the file. A missing file yields an empty table; unreadable or
// malformed content is an error.
func (s *FileStore) Load(_ context.Context) (FingerprintTable, error) {
	data, err := os.ReadFile(s.path)
	if errors.Is(err, os.ErrNotExist) {
		return FingerprintTable{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read fingerprint file %s: %w", s.path, err)
	}

	table := FingerprintTable{}
	if err := json.Unmarshal(data, &table); err != nil {
		return nil, fmt.Errorf("parse fingerprint file %s: %w", s.path, err)
	}
	for id, hash := range table {
		if id == "" || hash == "" {
			return nil, fmt.Errorf("parse fingerprint file %s: empty key or hash", s.path)
		}
	}
	return table, nil
}

// Save writes the table to a temporary file in the same directory, syncs
// it and renames it over the target so readers never see a partial file.
// An existing file keeps its permissions; a new one is created 0644.
func (s *FileStore) Save(_ context.Context, table FingerprintTable) error {
	data, err := json.Marshal(table)
	if err != nil {
		return fmt.Errorf("encode fingerprints: %w", err)
	}

	dir := filepath.Dir(s.path)
	tmp, err := os.CreateTemp(dir, filepath.Base(s.path)+".tmp-*")
	if err != nil {
		return fmt.Errorf("create temp fingerprint file: %w", err)
	}
	tmpName := tmp.Name()
	cleanup := func() { os.Remove(tmpName) }

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		cleanup()
		return fmt.Errorf("write fingerprint file: %w", err)
	}
	mode := os.FileMode(0o644)
	if fi, err := os.Stat(s.path); err == nil {
		mode = fi.Mode().Perm()
	}
	if err := tmp.Chmod(mode); err != nil {
		tmp.Close()
		cleanup()
		return fmt.Errorf("chmod fingerprint file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		cleanup()
		return fmt.Errorf("sync fingerprint file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		cleanup()
		return fmt.Errorf("close fingerprint file: %w", err)
	}
	if err := os.Rename(tmpName, s.path); err != nil {
		cleanup()
		return fmt.Errorf("replace fingerprint file: %w", err)
	}
	return nil
}
