package health

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
)

// debounceInterval is the delay after an fsnotify event before a
// rescan runs, so bursts of artifact writes settle into one scan.
const debounceInterval = 500 * time.Millisecond

// Watcher re-runs health scans when task artifacts change on disk.
// Workers write plan and review files as they progress; watching the
// artifact tree keeps health state current without polling.
type Watcher struct {
	monitor  *Monitor
	root     string
	onReport func(ctx context.Context, reports []TaskReport)
}

// NewWatcher creates a watcher over the local artifact root. onReport
// receives the result of every triggered scan, including empty ones.
func NewWatcher(monitor *Monitor, root string, onReport func(ctx context.Context, reports []TaskReport)) *Watcher {
	return &Watcher{monitor: monitor, root: root, onReport: onReport}
}

// Run watches the artifact tree for the given project until ctx is
// cancelled. New task directories are picked up as they appear.
func (w *Watcher) Run(ctx context.Context, projectID string) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer watcher.Close()

	if err := w.addTree(watcher, w.root); err != nil {
		return err
	}
	slog.Info("health watcher started", "root", w.root, "project_id", projectID)

	var debounce *time.Timer
	defer func() {
		if debounce != nil {
			debounce.Stop()
		}
	}()

	for {
		select {
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			// Watch directories created after startup so artifacts of
			// new tasks are covered.
			if event.Op&fsnotify.Create != 0 {
				if info, err := os.Stat(event.Name); err == nil && info.IsDir() {
					if err := w.addTree(watcher, event.Name); err != nil {
						slog.Warn("failed to watch new directory", "path", event.Name, "error", err)
					}
				}
			}
			if event.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Remove|fsnotify.Rename) == 0 {
				continue
			}

			if debounce != nil {
				debounce.Stop()
			}
			debounce = time.AfterFunc(debounceInterval, func() {
				w.scan(ctx, projectID)
			})

		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			slog.Warn("health watcher error", "error", err)

		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (w *Watcher) scan(ctx context.Context, projectID string) {
	reports, err := w.monitor.ScanProject(ctx, projectID)
	if err != nil {
		slog.Warn("health scan failed", "project_id", projectID, "error", err)
		return
	}
	if w.onReport != nil {
		w.onReport(ctx, reports)
	}
}

// addTree registers a directory and all its subdirectories with the
// fsnotify watcher. fsnotify watches are not recursive on their own.
func (w *Watcher) addTree(watcher *fsnotify.Watcher, root string) error {
	return filepath.WalkDir(root, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			// The tree can mutate while we walk it.
			return nil
		}
		if !d.IsDir() {
			return nil
		}
		return watcher.Add(path)
	})
}
