package settings

import (
	"context"
	"crypto/sha256"
	"log/slog"
	"os"
	"time"
)

// Watcher polls the settings file of a [Store] and installs external edits.
// Invalid edits are logged and ignored; the previous snapshot stays current.
type Watcher struct {
	store    *Store
	interval time.Duration
	onChange func(Snapshot)

	lastMtime time.Time
	lastHash  [sha256.Size]byte
}

// WatcherOption configures a [Watcher].
type WatcherOption func(*Watcher)

// WithInterval sets the polling interval. The default is 5 seconds.
func WithInterval(d time.Duration) WatcherOption {
	return func(w *Watcher) {
		if d > 0 {
			w.interval = d
		}
	}
}

// WithOnChange registers a callback invoked after an external edit has been
// installed.
func WithOnChange(fn func(Snapshot)) WatcherOption {
	return func(w *Watcher) { w.onChange = fn }
}

// NewWatcher returns a Watcher for store. Call [Watcher.Run] to start it.
func NewWatcher(store *Store, opts ...WatcherOption) *Watcher {
	w := &Watcher{store: store, interval: 5 * time.Second}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

// Run polls until ctx is cancelled. It returns nil on cancellation and
// immediately when the store has no backing file.
func (w *Watcher) Run(ctx context.Context) error {
	if w.store.Path() == "" {
		return nil
	}
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			w.check()
		}
	}
}

// check reloads the file when its mtime and content hash both changed.
func (w *Watcher) check() {
	path := w.store.Path()
	info, err := os.Stat(path)
	if err != nil {
		if !os.IsNotExist(err) {
			slog.Warn("settings watcher: cannot stat file", "path", path, "err", err)
		}
		return
	}
	if info.ModTime().Equal(w.lastMtime) {
		return
	}

	seen := w.store.generation()
	data, err := os.ReadFile(path)
	if err != nil {
		slog.Warn("settings watcher: cannot read file", "path", path, "err", err)
		return
	}
	w.lastMtime = info.ModTime()
	hash := sha256.Sum256(data)
	if hash == w.lastHash {
		return
	}
	w.lastHash = hash

	snap, err := decode(data)
	if err != nil {
		slog.Warn("settings watcher: ignoring invalid file", "path", path, "err", err)
		return
	}
	if !w.store.replace(snap, seen) {
		return
	}
	slog.Info("settings watcher: settings reloaded", "path", path)
	if w.onChange != nil {
		w.onChange(snap)
	}
}
