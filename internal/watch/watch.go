// Package watch triggers sync runs when files under the configured
// folder roots change on disk.
package watch

import (
	"context"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
)

// defaultDebounce batches bursts of filesystem events (editors write,
// rename, and chmod in quick succession) into a single trigger.
const defaultDebounce = 2 * time.Second

// Watcher observes folder roots recursively and calls trigger once per
// quiet period after changes.
type Watcher struct {
	fsw      *fsnotify.Watcher
	trigger  func()
	debounce time.Duration
	logger   *slog.Logger
}

// New creates a watcher over the given roots. trigger is called from
// the watch loop after each debounced burst of changes.
func New(roots []string, trigger func(), logger *slog.Logger) (*Watcher, error) {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("creating filesystem watcher: %w", err)
	}

	w := &Watcher{
		fsw:      fsw,
		trigger:  trigger,
		debounce: defaultDebounce,
		logger:   logger,
	}

	for _, root := range roots {
		if err := w.addTree(root); err != nil {
			fsw.Close()
			return nil, err
		}
	}

	return w, nil
}

// addTree registers root and every subdirectory beneath it. Hidden
// directories are skipped to match the scanner's view of the tree.
func (w *Watcher) addTree(root string) error {
	return filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			// Unreadable subtrees are logged and skipped; the rest of
			// the tree is still watched.
			w.logger.Warn("cannot watch", slog.String("path", path), slog.String("error", err.Error()))
			return fs.SkipDir
		}

		if !d.IsDir() {
			return nil
		}

		if path != root && strings.HasPrefix(d.Name(), ".") {
			return fs.SkipDir
		}

		if err := w.fsw.Add(path); err != nil {
			return fmt.Errorf("watching %s: %w", path, err)
		}

		return nil
	})
}

// Run consumes filesystem events until ctx is cancelled.
func (w *Watcher) Run(ctx context.Context) error {
	defer w.fsw.Close()

	var (
		timer   *time.Timer
		timerCh <-chan time.Time
	)

	for {
		select {
		case <-ctx.Done():
			if timer != nil {
				timer.Stop()
			}

			return ctx.Err()

		case ev, ok := <-w.fsw.Events:
			if !ok {
				return nil
			}

			if !w.relevant(ev) {
				continue
			}

			// New directories join the watch set immediately so files
			// created inside them are seen.
			if ev.Op.Has(fsnotify.Create) {
				w.maybeWatchDir(ev.Name)
			}

			if timer == nil {
				timer = time.NewTimer(w.debounce)
				timerCh = timer.C
			} else {
				timer.Reset(w.debounce)
			}

		case <-timerCh:
			timer = nil
			timerCh = nil

			w.logger.Debug("filesystem changes settled, triggering sync")
			w.trigger()

		case err, ok := <-w.fsw.Errors:
			if !ok {
				return nil
			}

			w.logger.Warn("watch error", slog.String("error", err.Error()))
		}
	}
}

// relevant filters out events the sync engine would ignore anyway:
// hidden files, in-flight download temp files, and bare chmods.
func (w *Watcher) relevant(ev fsnotify.Event) bool {
	if ev.Op == fsnotify.Chmod {
		return false
	}

	return !strings.HasPrefix(filepath.Base(ev.Name), ".")
}

// maybeWatchDir adds the path and its subtree to the watch set when it
// is a directory.
func (w *Watcher) maybeWatchDir(path string) {
	fi, err := os.Stat(path)
	if err != nil || !fi.IsDir() {
		return
	}

	if err := w.addTree(path); err != nil {
		w.logger.Warn("watching new directory failed",
			slog.String("path", path),
			slog.String("error", err.Error()),
		)
	}
}
