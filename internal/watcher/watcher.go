// Package watcher watches the local store file for out-of-process
// modifications and triggers a cache reload, with debouncing so bursts
// of writes collapse into one notification.
package watcher

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"tasksync/internal/utils"
)

// DefaultDebounce is the window in which rapid changes are batched
// into a single OnChange call.
const DefaultDebounce = time.Second

// Watcher monitors the store file and invokes a callback after writes
// settle.
type Watcher struct {
	path     string
	debounce time.Duration
	onChange func()
	log      *utils.Logger

	fsw     *fsnotify.Watcher
	stopCh  chan struct{}
	mu      sync.Mutex
	stopped bool
}

// Option configures a Watcher.
type Option func(*Watcher)

// WithDebounce overrides the debounce window.
func WithDebounce(d time.Duration) Option {
	return func(w *Watcher) { w.debounce = d }
}

// New creates a watcher for the store file at path. onChange runs on
// the watcher's goroutine after writes settle.
func New(path string, onChange func(), log *utils.Logger, opts ...Option) (*Watcher, error) {
	if log == nil {
		log = utils.GetLogger()
	}
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create fsnotify watcher: %w", err)
	}

	w := &Watcher{
		path:     path,
		debounce: DefaultDebounce,
		onChange: onChange,
		log:      log,
		fsw:      fsw,
		stopCh:   make(chan struct{}),
	}
	for _, opt := range opts {
		opt(w)
	}
	return w, nil
}

// Start begins watching. The store file's directory is watched rather
// than the file itself so rename-based writes are not lost.
func (w *Watcher) Start() error {
	w.mu.Lock()
	if w.stopped {
		w.mu.Unlock()
		return fmt.Errorf("watcher has been stopped and cannot be restarted")
	}
	w.mu.Unlock()

	dir := filepath.Dir(w.path)
	if _, err := os.Stat(dir); err != nil {
		return fmt.Errorf("cannot watch %q: %w", dir, err)
	}
	if err := w.fsw.Add(dir); err != nil {
		return fmt.Errorf("failed to watch %q: %w", dir, err)
	}

	go w.eventLoop()
	return nil
}

// Stop stops the watcher and releases its resources. A stopped watcher
// cannot be restarted.
func (w *Watcher) Stop() {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.stopped {
		return
	}
	w.stopped = true
	close(w.stopCh)
	_ = w.fsw.Close()
}

// eventLoop debounces store-file events into OnChange calls.
func (w *Watcher) eventLoop() {
	var timer *time.Timer
	fire := make(chan struct{}, 1)

	reset := func() {
		if timer != nil {
			timer.Stop()
		}
		timer = time.AfterFunc(w.debounce, func() {
			select {
			case fire <- struct{}{}:
			default:
			}
		})
	}

	base := filepath.Base(w.path)

	for {
		select {
		case <-w.stopCh:
			if timer != nil {
				timer.Stop()
			}
			return

		case event, ok := <-w.fsw.Events:
			if !ok {
				return
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			// The directory is watched; react only to the store file
			// and its sidecars (journal/WAL).
			name := filepath.Base(event.Name)
			if name != base && !isSidecar(name, base) {
				continue
			}
			reset()

		case err, ok := <-w.fsw.Errors:
			if !ok {
				return
			}
			w.log.Warn("watcher: %v", err)

		case <-fire:
			if w.onChange != nil {
				w.onChange()
			}
		}
	}
}

// isSidecar reports whether name is a write-ahead or journal companion
// of the store file.
func isSidecar(name, base string) bool {
	return name == base+"-wal" || name == base+"-journal" || name == base+"-shm"
}
