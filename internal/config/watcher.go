// This file implements hot reloading of configuration in development.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
)

// Watcher watches env files for changes and hot reloads the configuration.
// Enabled only in development; other environments get a no-op watcher.
type Watcher struct {
	config    *Config
	callbacks []func(*Config)
	mu        sync.RWMutex
	logger    *zap.Logger
	watcher   *fsnotify.Watcher
	stopCh    chan struct{}
	stopOnce  sync.Once
}

// NewWatcher creates a configuration watcher.
func NewWatcher(initial *Config, logger *zap.Logger) (*Watcher, error) {
	w := &Watcher{
		config: initial,
		logger: logger,
		stopCh: make(chan struct{}),
	}

	if initial.Environment != Development {
		logger.Info("configuration hot reloading disabled",
			zap.String("environment", string(initial.Environment)))
		return w, nil
	}

	fsWatcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create file watcher: %w", err)
	}
	w.watcher = fsWatcher

	if err := w.watchEnvFiles(); err != nil {
		fsWatcher.Close()
		return nil, err
	}

	go w.watchLoop()
	logger.Info("configuration hot reloading enabled")
	return w, nil
}

func (w *Watcher) watchEnvFiles() error {
	candidates := []string{
		".env",
		fmt.Sprintf(".env.%s", w.config.Environment),
	}
	watched := 0
	for _, f := range candidates {
		if _, err := os.Stat(f); err != nil {
			continue
		}
		if err := w.watcher.Add(f); err != nil {
			w.logger.Warn("failed to watch env file",
				zap.String("file", f), zap.Error(err))
			continue
		}
		watched++
	}
	if watched == 0 {
		// Nothing to watch; fall back to watching the working directory
		// so a later .env creation is picked up.
		if err := w.watcher.Add("."); err != nil {
			return fmt.Errorf("failed to watch working directory: %w", err)
		}
	}
	return nil
}

func (w *Watcher) watchLoop() {
	defer w.watcher.Close()

	// Debounce to avoid multiple rapid reloads from editors.
	var debounce *time.Timer
	const debounceDelay = 500 * time.Millisecond

	for {
		select {
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if event.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}
			if !isEnvFile(event.Name) {
				continue
			}
			w.logger.Info("configuration file changed",
				zap.String("file", event.Name),
				zap.String("operation", event.Op.String()))
			if debounce != nil {
				debounce.Stop()
			}
			debounce = time.AfterFunc(debounceDelay, w.reload)

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.logger.Error("file watcher error", zap.Error(err))

		case <-w.stopCh:
			return
		}
	}
}

func (w *Watcher) reload() {
	newConfig, err := LoadConfig()
	if err != nil {
		w.logger.Error("invalid configuration after reload", zap.Error(err))
		return
	}

	w.mu.Lock()
	w.config = newConfig
	callbacks := make([]func(*Config), len(w.callbacks))
	copy(callbacks, w.callbacks)
	w.mu.Unlock()

	for _, cb := range callbacks {
		go func(cb func(*Config)) {
			defer func() {
				if r := recover(); r != nil {
					w.logger.Error("config reload callback panicked", zap.Any("panic", r))
				}
			}()
			cb(newConfig)
		}(cb)
	}

	w.logger.Info("configuration reloaded",
		zap.Int("callbacks_notified", len(callbacks)))
}

// OnChange registers a callback invoked after every successful reload.
func (w *Watcher) OnChange(callback func(*Config)) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.callbacks = append(w.callbacks, callback)
}

// Current returns the most recently loaded configuration.
func (w *Watcher) Current() *Config {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.config
}

// Stop shuts the watcher down. Safe to call more than once.
func (w *Watcher) Stop() {
	w.stopOnce.Do(func() {
		close(w.stopCh)
		if w.watcher != nil {
			w.watcher.Close()
		}
	})
}

func isEnvFile(path string) bool {
	base := filepath.Base(path)
	return base == ".env" || filepath.Ext(base) == ".env" ||
		len(base) > 5 && base[:5] == ".env."
}
