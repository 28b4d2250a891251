package settings

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
)

// Store owns the current [Snapshot] and its JSON file. Readers call
// [Store.Current] without locking; writers are serialised.
type Store struct {
	path string

	cur atomic.Pointer[Snapshot]

	// mu serialises writers so file contents follow the pointer.
	mu sync.Mutex
	// gen counts commits. Guarded by mu.
	gen uint64
}

// Open loads the settings file at path. A missing file yields the defaults;
// the file is created on the first write. An unreadable or invalid file is
// reported as an error. An empty path keeps settings in memory only.
func Open(path string) (*Store, error) {
	s := &Store{path: path}
	snap := Defaults()

	if path != "" {
		loaded, err := readFile(path)
		switch {
		case errors.Is(err, fs.ErrNotExist):
		case err != nil:
			return nil, err
		default:
			snap = loaded
		}
	}
	s.cur.Store(&snap)
	return s, nil
}

// Current returns the snapshot in effect now.
func (s *Store) Current() Snapshot {
	return *s.cur.Load()
}

// Path returns the backing file, or "" when the store is memory only.
func (s *Store) Path() string { return s.path }

// Update applies patch to the current snapshot, persists the result and
// makes it current. On error the current snapshot is unchanged.
func (s *Store) Update(ctx context.Context, patch map[string]any) (Snapshot, error) {
	if err := ctx.Err(); err != nil {
		return Snapshot{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	next, err := s.Current().Apply(patch)
	if err != nil {
		return s.Current(), err
	}
	if err := s.commit(next); err != nil {
		return s.Current(), err
	}
	return next, nil
}

// Reset restores the defaults. Calling it repeatedly yields the same
// snapshot.
func (s *Store) Reset(ctx context.Context) (Snapshot, error) {
	if err := ctx.Err(); err != nil {
		return Snapshot{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	def := Defaults()
	if err := s.commit(def); err != nil {
		return s.Current(), err
	}
	return def, nil
}

// generation returns the commit count. The [Watcher] reads it before the
// file so that [Store.replace] can detect a commit that raced the read.
func (s *Store) generation() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.gen
}

// replace installs snap without writing the file. Used by the [Watcher]
// after an external edit. It refuses when a commit happened after seen,
// since snap may then predate that commit. It reports whether the snapshot
// changed.
func (s *Store) replace(snap Snapshot, seen uint64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.gen != seen || *s.cur.Load() == snap {
		return false
	}
	s.cur.Store(&snap)
	return true
}

func (s *Store) commit(next Snapshot) error {
	if s.path != "" {
		if err := writeFile(s.path, next); err != nil {
			return err
		}
	}
	s.cur.Store(&next)
	s.gen++
	slog.Debug("settings updated", "path", s.path)
	return nil
}

func readFile(path string) (Snapshot, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Snapshot{}, fmt.Errorf("settings: read %q: %w", path, err)
	}
	return decode(data)
}

// decode overlays data on the defaults so that keys missing from older
// files keep their default value.
func decode(data []byte) (Snapshot, error) {
	snap := Defaults()
	if err := json.Unmarshal(data, &snap); err != nil {
		return Snapshot{}, fmt.Errorf("%w: decode file: %v", ErrInvalid, err)
	}
	if err := snap.Validate(); err != nil {
		return Snapshot{}, err
	}
	return snap, nil
}

// writeFile replaces path atomically with the indented JSON of snap.
func writeFile(path string, snap Snapshot) error {
	data, err := json.MarshalIndent(snap, "", "  ")
	if err != nil {
		return fmt.Errorf("settings: encode: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("settings: create dir: %w", err)
	}
	tmp, err := os.CreateTemp(filepath.Dir(path), ".settings-*.json")
	if err != nil {
		return fmt.Errorf("settings: create temp: %w", err)
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(append(data, '\n')); err != nil {
		tmp.Close()
		return fmt.Errorf("settings: write: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("settings: write: %w", err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return fmt.Errorf("settings: replace %q: %w", path, err)
	}
	return nil
}
