// Package watcher triggers rescans when entries directly inside the download
// root directories change. Each root is watched non-recursively: changes
// inside its subdirectories trigger no rescan. Events are debounced: copies
// and unpacks touch a file many times in a burst, and rehashing on every
// write would thrash the disk.
package watcher

import (
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// Watcher monitors the download roots and emits a rescan request after a
// quiet period follows a change.
type Watcher struct {
	fsWatcher     *fsnotify.Watcher
	roots         []string
	rescan        chan<- struct{}
	debounce      time.Duration
	mu            sync.Mutex
	lastEvent     time.Time
	pendingEvents bool
	stop          chan struct{}
}

// New creates a watcher over the given roots. Rescan requests are sent to
// the rescan channel; sends never block (a request is dropped if one is
// already pending, which is equivalent).
func New(roots []string, rescan chan<- struct{}) (*Watcher, error) {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("watcher: %w", err)
	}

	return &Watcher{
		fsWatcher: fsw,
		roots:     roots,
		rescan:    rescan,
		debounce:  5 * time.Second,
		stop:      make(chan struct{}),
	}, nil
}

// Start begins watching. It returns once the roots are registered; event
// handling runs in background goroutines until Stop.
func (w *Watcher) Start() error {
	for _, root := range w.roots {
		if err := w.fsWatcher.Add(root); err != nil {
			return fmt.Errorf("watcher: watch %q: %w", root, err)
		}
	}

	slog.Info("filesystem watcher started", slog.Any("roots", w.roots))

	go w.processEvents()
	go w.processPending()
	return nil
}

// Stop stops the watcher and releases its resources.
func (w *Watcher) Stop() {
	close(w.stop)
	w.fsWatcher.Close()
}

func (w *Watcher) processEvents() {
	for {
		select {
		case ev, ok := <-w.fsWatcher.Events:
			if !ok {
				return
			}
			if ev.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Rename|fsnotify.Remove) == 0 {
				continue
			}
			slog.Debug(
				"filesystem change",
				slog.String("path", ev.Name),
				slog.String("op", ev.Op.String()),
			)
			w.mu.Lock()
			w.lastEvent = time.Now()
			w.pendingEvents = true
			w.mu.Unlock()

		case err, ok := <-w.fsWatcher.Errors:
			if !ok {
				return
			}
			slog.Warn("watcher error", slog.String("error", err.Error()))

		case <-w.stop:
			return
		}
	}
}

// processPending fires a rescan once the debounce window has passed with no
// further events.
func (w *Watcher) processPending() {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			w.mu.Lock()
			ready := w.pendingEvents &&
				time.Since(w.lastEvent) >= w.debounce
			if ready {
				w.pendingEvents = false
			}
			w.mu.Unlock()

			if !ready {
				continue
			}
			select {
			case w.rescan <- struct{}{}:
			default:
				// A rescan is already queued.
			}

		case <-w.stop:
			return
		}
	}
}
