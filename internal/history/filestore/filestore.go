// Package filestore keeps each chat as a JSON array in <dir>/<id>.json.
package filestore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/MrWong99/novaflow/internal/history"
)

// Store is a file-backed [history.Store]. One mutex serialises writes, which
// is enough for a single process.
type Store struct {
	dir string
	mu  sync.Mutex
}

var _ history.Store = (*Store)(nil)

// New creates dir if needed and returns a Store over it.
func New(dir string) (*Store, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("filestore: create dir: %w", err)
	}
	return &Store{dir: dir}, nil
}

func (s *Store) path(id string) string { return filepath.Join(s.dir, id+".json") }

// Create implements [history.Store].
func (s *Store) Create(ctx context.Context) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ids, err := s.list()
	if err != nil {
		return "", err
	}
	id := history.NextID(ids)
	if err := s.write(id, []history.Entry{}); err != nil {
		return "", err
	}
	return id, nil
}

// Exists implements [history.Store].
func (s *Store) Exists(_ context.Context, id string) (bool, error) {
	if !history.ValidID(id) {
		return false, nil
	}
	_, err := os.Stat(s.path(id))
	switch {
	case err == nil:
		return true, nil
	case errors.Is(err, fs.ErrNotExist):
		return false, nil
	default:
		return false, fmt.Errorf("filestore: stat chat %s: %w", id, err)
	}
}

// List implements [history.Store].
func (s *Store) List(context.Context) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.list()
}

func (s *Store) list() ([]string, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, fmt.Errorf("filestore: list: %w", err)
	}
	ids := []string{}
	for _, e := range entries {
		id, ok := strings.CutSuffix(e.Name(), ".json")
		if e.IsDir() || !ok || !history.ValidID(id) {
			continue
		}
		ids = append(ids, id)
	}
	history.SortIDs(ids)
	return ids, nil
}

// Append implements [history.Store].
func (s *Store) Append(_ context.Context, id string, e history.Entry) error {
	if !history.ValidID(id) {
		return fmt.Errorf("%w: %q", history.ErrInvalidID, id)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	entries, err := s.read(id)
	if err != nil {
		return err
	}
	return s.write(id, append(entries, e))
}

// Read implements [history.Store].
func (s *Store) Read(_ context.Context, id string) ([]history.Entry, error) {
	if !history.ValidID(id) {
		return nil, fmt.Errorf("%w: %q", history.ErrInvalidID, id)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.read(id)
}

func (s *Store) read(id string) ([]history.Entry, error) {
	data, err := os.ReadFile(s.path(id))
	if errors.Is(err, fs.ErrNotExist) {
		return []history.Entry{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("filestore: read chat %s: %w", id, err)
	}
	entries := []history.Entry{}
	if len(strings.TrimSpace(string(data))) == 0 {
		return entries, nil
	}
	if err := json.Unmarshal(data, &entries); err != nil {
		return nil, fmt.Errorf("filestore: decode chat %s: %w", id, err)
	}
	return entries, nil
}

// write replaces the chat file atomically.
func (s *Store) write(id string, entries []history.Entry) error {
	data, err := json.MarshalIndent(entries, "", "  ")
	if err != nil {
		return fmt.Errorf("filestore: encode chat %s: %w", id, err)
	}
	tmp, err := os.CreateTemp(s.dir, "."+id+"-*.tmp")
	if err != nil {
		return fmt.Errorf("filestore: write chat %s: %w", id, err)
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return fmt.Errorf("filestore: write chat %s: %w", id, err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("filestore: write chat %s: %w", id, err)
	}
	if err := os.Rename(tmp.Name(), s.path(id)); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("filestore: write chat %s: %w", id, err)
	}
	return nil
}

// Clear implements [history.Store].
func (s *Store) Clear(context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return fmt.Errorf("filestore: clear: %w", err)
	}
	var errs []error
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		if err := os.Remove(filepath.Join(s.dir, e.Name())); err != nil {
			errs = append(errs, err)
		}
	}
	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("filestore: clear: %w", err)
	}
	return nil
}

// Ping implements [history.Store].
func (s *Store) Ping(context.Context) error {
	info, err := os.Stat(s.dir)
	if err != nil {
		return fmt.Errorf("filestore: %w", err)
	}
	if !info.IsDir() {
		return fmt.Errorf("filestore: %s is not a directory", s.dir)
	}
	return nil
}

// Close implements [history.Store].
func (s *Store) Close() error { return nil }
