package plugin

import (
	"fmt"
	"log/slog"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// Watcher observes the plugin manifest directory and signals when its
// contents change. Events are debounced so an editor writing a manifest in
// several steps triggers a single reload. Callbacks are dispatched onto their
// own goroutines, never on the watch loop.
type Watcher struct {
	dir      string
	debounce time.Duration
	logger   *slog.Logger

	mu        sync.Mutex
	callbacks []func()

	fsw    *fsnotify.Watcher
	stopCh chan struct{}
	wg     sync.WaitGroup
}

// NewWatcher creates a watcher over the plugin manifest directory.
func NewWatcher(dir string, debounce time.Duration, logger *slog.Logger) (*Watcher, error) {
	if dir == "" {
		return nil, fmt.Errorf("plugin watcher requires a directory")
	}
	if logger == nil {
		logger = slog.Default()
	}

	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("create file watcher: %w", err)
	}

	if err := fsw.Add(dir); err != nil {
		fsw.Close()
		return nil, fmt.Errorf("watch plugin directory: %w", err)
	}

	return &Watcher{
		dir:      dir,
		debounce: debounce,
		logger:   logger.With("component", "plugin-watcher"),
		fsw:      fsw,
		stopCh:   make(chan struct{}),
	}, nil
}

// OnChange registers a callback invoked after the directory settles.
func (w *Watcher) OnChange(fn func()) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.callbacks = append(w.callbacks, fn)
}

// Start begins watching in the background until Stop is called.
func (w *Watcher) Start() {
	w.wg.Add(1)
	go w.loop()

	w.logger.Info("plugin watcher started",
		"dir", w.dir,
		"debounce", w.debounce)
}

// Stop terminates the watch loop and releases the filesystem watcher.
func (w *Watcher) Stop() error {
	close(w.stopCh)
	err := w.fsw.Close()
	w.wg.Wait()
	return err
}

func (w *Watcher) loop() {
	defer w.wg.Done()

	var timer *time.Timer
	var timerC <-chan time.Time

	arm := func() {
		if timer == nil {
			timer = time.NewTimer(w.debounce)
			timerC = timer.C
			return
		}
		if !timer.Stop() {
			select {
			case <-timer.C:
			default:
			}
		}
		timer.Reset(w.debounce)
		timerC = timer.C
	}

	for {
		select {
		case <-w.stopCh:
			return
		case event, ok := <-w.fsw.Events:
			if !ok {
				return
			}
			if !relevant(event) {
				continue
			}
			arm()
		case err, ok := <-w.fsw.Errors:
			if !ok {
				return
			}
			w.logger.Warn("plugin watch error", "error", err)
		case <-timerC:
			timerC = nil
			w.fire()
		}
	}
}

// relevant reports whether the event touches a manifest file. Removals and
// renames count: deleting a manifest must drop its commands on the next
// reload.
func relevant(event fsnotify.Event) bool {
	if !isManifestFile(filepath.Base(event.Name)) {
		return false
	}
	return event.Op.Has(fsnotify.Write) ||
		event.Op.Has(fsnotify.Create) ||
		event.Op.Has(fsnotify.Remove) ||
		event.Op.Has(fsnotify.Rename)
}

func (w *Watcher) fire() {
	w.mu.Lock()
	callbacks := make([]func(), len(w.callbacks))
	copy(callbacks, w.callbacks)
	w.mu.Unlock()

	w.logger.Info("plugin directory changed", "dir", w.dir)

	for _, fn := range callbacks {
		go fn()
	}
}
