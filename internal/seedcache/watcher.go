package seedcache

import (
	"context"
	"log/slog"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// Watcher triggers ValidateAndUpdate whenever default/ or uploads/ change
// on disk, debouncing rapid bursts of events into a single repair pass, so
// uploads or deletions made by another process are picked up without an
// explicit rescan request.
type Watcher struct {
	cache *Cache
	fsw   *fsnotify.Watcher

	mu             sync.Mutex
	debounceTimer  *time.Timer
	debouncePeriod time.Duration

	done chan struct{}
}

// NewWatcher creates a Watcher over cache's default/ and uploads/
// directories. Callers must call Start to begin watching and Stop to
// release the underlying OS resources.
func NewWatcher(cache *Cache) (*Watcher, error) {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}

	for _, sub := range []string{defaultDir, uploadsDir} {
		if err := fsw.Add(filepath.Join(cache.root, sub)); err != nil {
			fsw.Close()
			return nil, err
		}
	}

	return &Watcher{
		cache:          cache,
		fsw:            fsw,
		debouncePeriod: 500 * time.Millisecond,
		done:           make(chan struct{}),
	}, nil
}

// Start begins the background watch loop.
func (w *Watcher) Start() {
	go w.loop()
}

func (w *Watcher) loop() {
	for {
		select {
		case event, ok := <-w.fsw.Events:
			if !ok {
				return
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Remove|fsnotify.Rename) != 0 {
				w.scheduleRepair()
			}
		case err, ok := <-w.fsw.Errors:
			if !ok {
				return
			}
			slog.Warn("seedcache watcher error", "error", err)
		case <-w.done:
			return
		}
	}
}

func (w *Watcher) scheduleRepair() {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.debounceTimer != nil {
		w.debounceTimer.Stop()
	}
	w.debounceTimer = time.AfterFunc(w.debouncePeriod, func() {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := w.cache.ValidateAndUpdate(ctx); err != nil {
			slog.Error("seedcache: validate_and_update after directory change failed", "error", err)
		}
	})
}

// Stop releases the underlying fsnotify watcher.
func (w *Watcher) Stop() error {
	close(w.done)
	return w.fsw.Close()
}
