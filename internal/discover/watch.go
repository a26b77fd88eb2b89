package discover

import (
	"context"
	"path/filepath"

	"github.com/fsnotify/fsnotify"

	"github.com/pi-agent/model-selector/internal/logging"
)

// Watcher reacts to changes in the handful of on-disk credential files the
// probes read, so a refreshed external CLI token (e.g. the user re-ran
// `gh auth login` or the gemini CLI refreshed its own cache) is noticed
// between selector runs instead of only at process start.
type Watcher struct {
	fw *fsnotify.Watcher
}

// NewWatcher creates a Watcher and registers the parent directories of
// every path in paths (fsnotify watches directories, not files directly,
// so renames-over-existing-file still fire an event).
func NewWatcher(paths []string) (*Watcher, error) {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	dirs := map[string]struct{}{}
	for _, p := range paths {
		dirs[filepath.Dir(p)] = struct{}{}
	}
	for dir := range dirs {
		if err := fw.Add(dir); err != nil {
			logging.Debugf("model-selector: credential watch skipped for %s: %v", dir, err)
		}
	}
	return &Watcher{fw: fw}, nil
}

// Run blocks, invoking onChange for every relevant fsnotify event until ctx
// is cancelled. Intended to run in its own goroutine, adapted from the
// teacher's AuthPool.refreshLoop pattern of a long-lived background
// reactor feeding state back into the probe layer.
func (w *Watcher) Run(ctx context.Context, onChange func(path string)) {
	defer w.fw.Close()
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-w.fw.Events:
			if !ok {
				return
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) != 0 {
				onChange(ev.Name)
			}
		case err, ok := <-w.fw.Errors:
			if !ok {
				return
			}
			logging.Debugf("model-selector: credential watch error: %v", err)
		}
	}
}

// Close stops the watcher.
func (w *Watcher) Close() error {
	return w.fw.Close()
}
