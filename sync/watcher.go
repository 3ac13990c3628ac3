package sync

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
)

const debounceInterval = 300 * time.Millisecond

// Watcher monitors pair source trees for filesystem changes and queues
// an early pass for the pair whose source changed.
type Watcher struct {
	pairs   []Pair
	queue   *PassQueue
	watcher *fsnotify.Watcher
}

// NewWatcher creates a filesystem watcher over the sources of pairs.
func NewWatcher(pairs []Pair, queue *PassQueue) (*Watcher, error) {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}

	return &Watcher{
		pairs:   pairs,
		queue:   queue,
		watcher: w,
	}, nil
}

// Start begins watching and debouncing events. Blocks until ctx is cancelled.
func (w *Watcher) Start(ctx context.Context) error {
	l := sub("watcher")
	for _, p := range w.pairs {
		if err := w.addRecursive(p.Source); err != nil {
			return err
		}
		l.Info("watching source", "pair", p.Name, "source", p.Source)
	}

	// Debounce timer and pending pairs
	pending := make(map[string]struct{})
	timer := time.NewTimer(debounceInterval)
	timer.Stop()

	for {
		select {
		case <-ctx.Done():
			w.watcher.Close()
			return ctx.Err()

		case event, ok := <-w.watcher.Events:
			if !ok {
				return nil
			}

			if strings.HasSuffix(event.Name, tmpSuffix) {
				continue
			}
			name := w.pairFor(event.Name)
			if name == "" {
				continue
			}

			pending[name] = struct{}{}

			// Reset debounce timer
			timer.Reset(debounceInterval)

			// New directories need their own watch.
			if event.Has(fsnotify.Create) {
				if info, err := os.Stat(event.Name); err == nil && info.IsDir() {
					if err := w.addRecursive(event.Name); err != nil {
						l.Debug("watch add failed", "path", event.Name, "err", err)
					}
				}
			}

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return nil
			}
			l.Warn("watcher error", "err", err)

		case <-timer.C:
			for name := range pending {
				w.queue.Push(name)
			}
			if len(pending) > 0 {
				l.Debug("flushed changed pairs to queue", "count", len(pending))
				pending = make(map[string]struct{})
			}
		}
	}
}

// pairFor returns the name of the pair whose source contains absPath.
func (w *Watcher) pairFor(absPath string) string {
	for _, p := range w.pairs {
		if within(p.Source, absPath) {
			return p.Name
		}
	}
	return ""
}

// addRecursive adds a directory and all subdirectories to the watcher.
func (w *Watcher) addRecursive(root string) error {
	return filepath.WalkDir(root, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return nil // skip inaccessible dirs
		}
		if d.IsDir() {
			return w.watcher.Add(path)
		}
		return nil
	})
}

// Close closes the underlying fsnotify watcher.
func (w *Watcher) Close() error {
	return w.watcher.Close()
}
