package prefs

import (
	"context"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
)

const settleDelay = 200 * time.Millisecond

// Watcher reloads a Store when its file changes and then calls onChange.
// The parent directory is watched so editors that replace the file by rename
// are still seen.
type Watcher struct {
	store    *Store
	watcher  *fsnotify.Watcher
	onChange func()
	log      *slog.Logger
}

func NewWatcher(store *Store, onChange func(), log *slog.Logger) (*Watcher, error) {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if log == nil {
		log = slog.Default()
	}
	return &Watcher{store: store, watcher: w, onChange: onChange, log: log}, nil
}

// Start blocks until ctx is done.
func (w *Watcher) Start(ctx context.Context) error {
	defer w.watcher.Close()
	dir := filepath.Dir(w.store.Path())
	if err := w.watcher.Add(dir); err != nil {
		return err
	}
	name := filepath.Clean(w.store.Path())
	w.log.Info("watching users file", "path", name)

	var settle <-chan time.Time
	for {
		select {
		case ev, ok := <-w.watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(ev.Name) != name {
				continue
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename|fsnotify.Remove) == 0 {
				continue
			}
			// editors emit bursts; reload once they settle
			settle = time.After(settleDelay)
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return nil
			}
			w.log.Warn("users file watcher error", "error", err)
		case <-settle:
			settle = nil
			if err := w.store.Reload(); err != nil {
				w.log.Error("users file reload failed, keeping previous preferences", "error", err)
				continue
			}
			w.log.Info("users file reloaded", "users", len(w.store.Users()))
			if w.onChange != nil {
				w.onChange()
			}
		case <-ctx.Done():
			return nil
		}
	}
}
