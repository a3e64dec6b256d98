package deadletter

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

const fileSuffix = ".json"

// FileStore keeps one JSON file per record in a directory.
type FileStore struct {
	dir string
}

// NewFileStore creates a FileStore, creating dir when missing.
func NewFileStore(dir string) (*FileStore, error) {
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return nil, fmt.Errorf("deadletter: create directory: %w", err)
	}
	return &FileStore{dir: dir}, nil
}

func (s *FileStore) Name() string { return "file" }

// Put writes the record with a temp file and rename so readers never see a
// partial record.
func (s *FileStore) Put(_ context.Context, rec *Record) error {
	data, err := rec.marshal()
	if err != nil {
		return err
	}

	tmp, err := os.CreateTemp(s.dir, ".tmp-"+rec.ID+"-*")
	if err != nil {
		return fmt.Errorf("deadletter: create temp file: %w", err)
	}
	tmpName := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("deadletter: write temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("deadletter: close temp file: %w", err)
	}
	if err := os.Rename(tmpName, filepath.Join(s.dir, rec.ID+fileSuffix)); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("deadletter: rename temp file: %w", err)
	}
	return nil
}

// List returns up to limit records, oldest first. limit <= 0 means all.
// Unreadable files are skipped.
func (s *FileStore) List(_ context.Context, limit int) ([]Entry, error) {
	dirEntries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, fmt.Errorf("deadletter: read directory: %w", err)
	}

	names := make([]string, 0, len(dirEntries))
	for _, de := range dirEntries {
		name := de.Name()
		if de.IsDir() || strings.HasPrefix(name, ".") || !strings.HasSuffix(name, fileSuffix) {
			continue
		}
		names = append(names, name)
	}
	// IDs are time ordered.
	sort.Strings(names)

	var entries []Entry
	for _, name := range names {
		if limit > 0 && len(entries) >= limit {
			break
		}
		data, err := os.ReadFile(filepath.Join(s.dir, name))
		if err != nil {
			continue
		}
		rec, err := unmarshalRecord(data)
		if err != nil {
			continue
		}
		entries = append(entries, Entry{ID: strings.TrimSuffix(name, fileSuffix), Record: rec})
	}
	return entries, nil
}

// Remove deletes the record file for entryID.
func (s *FileStore) Remove(_ context.Context, entryID string) error {
	if entryID == "" || strings.ContainsAny(entryID, `/\`) {
		return fmt.Errorf("deadletter: invalid entry id %q", entryID)
	}
	err := os.Remove(filepath.Join(s.dir, entryID+fileSuffix))
	if errors.Is(err, os.ErrNotExist) {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("deadletter: remove file: %w", err)
	}
	return nil
}

func (s *FileStore) Close() error { return nil }
