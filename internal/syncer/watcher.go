package syncer

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/jonboulle/clockwork"

	"github.com/alexjbarnes/onedrive-sync/internal/pathsafe"
)

const (
	debounceTick  = 250 * time.Millisecond
	debounceQuiet = 500 * time.Millisecond
)

// Watcher reports changed files under the sync root to a PendingSet. It
// never touches sync state; the scheduler decides what to do with each
// path. Deletions are not reported since they never propagate.
type Watcher struct {
	root    *pathsafe.Validator
	ignore  *IgnoreList
	pending *PendingSet
	clock   clockwork.Clock
	logger  *slog.Logger
	watcher *fsnotify.Watcher
}

// NewWatcher creates a watcher feeding pending. The debounce runs on
// clock.
func NewWatcher(root *pathsafe.Validator, ignore *IgnoreList, pending *PendingSet, clock clockwork.Clock, logger *slog.Logger) *Watcher {
	return &Watcher{
		root:    root,
		ignore:  ignore,
		pending: pending,
		clock:   clock,
		logger:  logger,
	}
}

// Watch blocks until ctx is cancelled. Directories are watched
// recursively, including ones created later.
func (w *Watcher) Watch(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("creating watcher: %w", err)
	}

	w.watcher = watcher
	defer watcher.Close()

	dir := w.root.Root()

	if err := os.MkdirAll(dir, localDirPerm); err != nil {
		return fmt.Errorf("creating sync dir: %w", err)
	}

	if err := w.addRecursive(dir, false); err != nil {
		return fmt.Errorf("watching sync dir: %w", err)
	}

	w.logger.Info("watch: started", slog.String("dir", dir))

	// Rapid writes to one file collapse into a single report once the
	// file has been quiet for debounceQuiet.
	recent := make(map[string]time.Time)

	ticker := w.clock.NewTicker(debounceTick)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			w.logger.Info("watch: stopped")
			return nil

		case event, ok := <-watcher.Events:
			if !ok {
				return fmt.Errorf("fsnotify events channel closed unexpectedly")
			}

			if event.Has(fsnotify.Remove) || event.Has(fsnotify.Rename) {
				delete(recent, event.Name)
				_ = watcher.Remove(event.Name)

				continue
			}

			if !event.Has(fsnotify.Create) && !event.Has(fsnotify.Write) {
				continue
			}

			rel, ok := w.root.Rel(event.Name)
			if !ok {
				continue
			}

			info, err := os.Lstat(event.Name)
			if err != nil {
				continue
			}

			if ignoredPath(rel, info.IsDir(), w.ignore) {
				continue
			}

			if info.IsDir() {
				if event.Has(fsnotify.Create) {
					// Files moved in with the directory produce no events
					// of their own.
					_ = w.addRecursive(event.Name, true)
				}

				continue
			}

			if info.Mode().IsRegular() {
				recent[rel] = w.clock.Now()
			}

		case err, ok := <-watcher.Errors:
			if !ok {
				return fmt.Errorf("fsnotify errors channel closed unexpectedly")
			}

			w.logger.Warn("watch: error", slog.String("error", err.Error()))

		case <-ticker.Chan():
			now := w.clock.Now()

			for rel, t := range recent {
				if now.Sub(t) < debounceQuiet {
					continue
				}

				delete(recent, rel)
				w.pending.Add(rel)
			}
		}
	}
}

// addRecursive watches dir and every non-ignored directory below it.
// With report set, regular files found on the way are queued.
func (w *Watcher) addRecursive(dir string, report bool) error {
	return filepath.WalkDir(dir, func(p string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}

		rel, ok := w.root.Rel(p)
		if ok && ignoredPath(rel, d.IsDir(), w.ignore) {
			if d.IsDir() {
				return filepath.SkipDir
			}

			return nil
		}

		if d.IsDir() {
			return w.watcher.Add(p)
		}

		if report && ok && d.Type().IsRegular() {
			w.pending.Add(rel)
		}

		return nil
	})
}
