package faultcache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
)

// Compile-time interface guard.
var _ Store = (*FileStore)(nil)

// FileStore keeps one sensor kind's fault map as a JSON object of
// durable-id to record. Writes replace the file atomically.
type FileStore struct {
	path string
}

// NewFileStore stores the map for name under dir.
func NewFileStore(dir, name string) *FileStore {
	return &FileStore{path: filepath.Join(dir, name+".json")}
}

// Path returns the cache file location.
func (s *FileStore) Path() string { return s.path }

// Load reads the map. It returns ErrNotFound when the file does not exist.
func (s *FileStore) Load(_ context.Context) (map[string]Record, error) {
	data, err := os.ReadFile(s.path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", s.path, err)
	}
	records := make(map[string]Record)
	if err := json.Unmarshal(data, &records); err != nil {
		return nil, fmt.Errorf("decode %s: %w", s.path, err)
	}
	return records, nil
}

// Save writes the whole map to a temporary file, syncs it and renames it
// over the cache file, so a crash leaves either the old or the new map.
func (s *FileStore) Save(_ context.Context, records map[string]Record) error {
	if records == nil {
		records = map[string]Record{}
	}
	data, err := json.MarshalIndent(records, "", "  ")
	if err != nil {
		return fmt.Errorf("encode fault map: %w", err)
	}
	data = append(data, '\n')

	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return fmt.Errorf("create cache dir: %w", err)
	}

	tmp, err := os.CreateTemp(dir, filepath.Base(s.path)+".tmp-*")
	if err != nil {
		return fmt.Errorf("create temporary cache file: %w", err)
	}
	tmpPath := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("write temporary cache file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("sync temporary cache file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("close temporary cache file: %w", err)
	}
	if err := os.Rename(tmpPath, s.path); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("rename cache file into place: %w", err)
	}

	// Make the rename itself durable.
	if d, err := os.Open(dir); err == nil {
		d.Sync()
		d.Close()
	}
	return nil
}
