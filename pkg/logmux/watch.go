package logmux

import (
	"context"
	"fmt"
	"path/filepath"

	"github.com/fsnotify/fsnotify"

	"github.com/ashish-aesthisia/Comfy-Spaces-sub000/pkg/log"
)

// NotifyWatcher is an event-driven Watcher built on fsnotify. It
// watches the log file's directory (the file may not exist yet when the
// tail starts) and reads new lines on write events.
type NotifyWatcher struct {
	follower
}

// NewNotifyWatcher creates an fsnotify-backed watcher for path
// publishing into mux.
func NewNotifyWatcher(path string, mux *Mux) *NotifyWatcher {
	return &NotifyWatcher{
		follower: follower{path: path, prefix: AppLinePrefix, mux: mux},
	}
}

// Run watches until ctx is cancelled.
func (w *NotifyWatcher) Run(ctx context.Context) error {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create fs watcher: %w", err)
	}
	defer fw.Close()

	if err := fw.Add(filepath.Dir(w.path)); err != nil {
		return fmt.Errorf("watch %s: %w", filepath.Dir(w.path), err)
	}

	// Catch up on content written before the watch was established.
	w.poll()

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-fw.Events:
			if !ok {
				return nil
			}
			if ev.Name != w.path {
				continue
			}
			if ev.Op.Has(fsnotify.Write) || ev.Op.Has(fsnotify.Create) {
				w.poll()
			}
		case err, ok := <-fw.Errors:
			if !ok {
				return nil
			}
			log.Warn("fs watcher error", "path", w.path, "error", err)
		}
	}
}
