package config

import (
	"fmt"
	"log/slog"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// ReloadFunc is invoked with the previous and freshly loaded configuration
// after the watched file changes and passes validation.
type ReloadFunc func(oldCfg, newCfg *Config)

// Watcher reloads the broker configuration when the config file changes on
// disk. Filesystem events are debounced so editors that write in several
// steps trigger a single reload, and a reload that fails validation keeps
// the previous configuration in place.
type Watcher struct {
	path     string
	debounce time.Duration
	logger   *slog.Logger

	mu        sync.RWMutex
	current   *Config
	callbacks []ReloadFunc

	fsw    *fsnotify.Watcher
	stopCh chan struct{}
	wg     sync.WaitGroup
}

// NewWatcher creates a watcher for the config file at path. The initial
// configuration must already have been loaded by the caller.
func NewWatcher(path string, initial *Config, debounce time.Duration, logger *slog.Logger) (*Watcher, error) {
	if path == "" {
		return nil, fmt.Errorf("config watcher requires a file path")
	}

	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("create file watcher: %w", err)
	}

	// Watch the directory rather than the file itself so the watch survives
	// rename-and-replace saves.
	if err := fsw.Add(filepath.Dir(path)); err != nil {
		fsw.Close()
		return nil, fmt.Errorf("watch config directory: %w", err)
	}

	return &Watcher{
		path:     path,
		debounce: debounce,
		logger:   logger.With("component", "config-watcher"),
		current:  initial,
		fsw:      fsw,
		stopCh:   make(chan struct{}),
	}, nil
}

// OnReload registers a callback invoked after each successful reload.
// Callbacks run on their own goroutine so a slow consumer cannot stall the
// watch loop.
func (w *Watcher) OnReload(fn ReloadFunc) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.callbacks = append(w.callbacks, fn)
}

// Current returns the most recently loaded configuration.
func (w *Watcher) Current() *Config {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.current
}

// Start begins watching in the background until Stop is called.
func (w *Watcher) Start() {
	w.wg.Add(1)
	go w.loop()

	w.logger.Info("config watcher started",
		"path", w.path,
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
			if !w.relevant(event) {
				continue
			}
			arm()
		case err, ok := <-w.fsw.Errors:
			if !ok {
				return
			}
			w.logger.Warn("config watch error", "error", err)
		case <-timerC:
			timerC = nil
			w.reload()
		}
	}
}

func (w *Watcher) relevant(event fsnotify.Event) bool {
	if filepath.Clean(event.Name) != filepath.Clean(w.path) {
		return false
	}
	return event.Op.Has(fsnotify.Write) || event.Op.Has(fsnotify.Create) || event.Op.Has(fsnotify.Rename)
}

func (w *Watcher) reload() {
	newCfg, err := Load(w.path)
	if err != nil {
		w.logger.Error("config reload failed, keeping previous config",
			"path", w.path,
			"error", err)
		return
	}

	w.mu.Lock()
	oldCfg := w.current
	w.current = newCfg
	callbacks := make([]ReloadFunc, len(w.callbacks))
	copy(callbacks, w.callbacks)
	w.mu.Unlock()

	w.logger.Info("config reloaded", "path", w.path)

	for _, fn := range callbacks {
		go fn(oldCfg, newCfg)
	}
}
