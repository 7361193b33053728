package config

import (
	"context"
	"fmt"
	"sync"

	"github.com/fsnotify/fsnotify"

	"github.com/maristack/pelorus/pkg/logger"
)

// Watcher reloads the configuration when the config file changes and
// notifies registered callbacks. The detector registers one to pick up
// threshold-table edits without a restart.
type Watcher struct {
	config     *Config
	configPath string
	logger     logger.Logger
	mu         sync.RWMutex
	callbacks  []func(*Config)
}

func NewWatcher(configPath string, initial *Config, log logger.Logger) *Watcher {
	return &Watcher{
		config:     initial,
		configPath: configPath,
		logger:     log,
		callbacks:  make([]func(*Config), 0),
	}
}

// Start begins watching for configuration file changes. Blocks until ctx is
// cancelled.
func (w *Watcher) Start(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create file watcher: %w", err)
	}
	defer watcher.Close()

	if err := watcher.Add(w.configPath); err != nil {
		return fmt.Errorf("failed to watch config file: %w", err)
	}

	w.logger.Info("Configuration watcher started", "configPath", w.configPath)

	for {
		select {
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}

			if event.Op&fsnotify.Write == fsnotify.Write {
				w.logger.Info("Configuration file changed, reloading", "file", event.Name)

				if err := w.reload(); err != nil {
					w.logger.Error("Failed to reload configuration", "error", err)
					continue
				}

				w.notify()
			}

		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			w.logger.Error("Configuration watcher error", "error", err)

		case <-ctx.Done():
			w.logger.Info("Configuration watcher stopping")
			return nil
		}
	}
}

// OnReload registers a callback invoked after every successful reload.
func (w *Watcher) OnReload(callback func(*Config)) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.callbacks = append(w.callbacks, callback)
}

// Current returns the latest configuration.
func (w *Watcher) Current() *Config {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.config
}

func (w *Watcher) reload() error {
	newConfig, err := Load()
	if err != nil {
		return err
	}

	w.mu.Lock()
	w.config = newConfig
	w.mu.Unlock()

	w.logger.Info("Configuration reloaded successfully")
	return nil
}

func (w *Watcher) notify() {
	w.mu.RLock()
	config := w.config
	callbacks := make([]func(*Config), len(w.callbacks))
	copy(callbacks, w.callbacks)
	w.mu.RUnlock()

	for _, cb := range callbacks {
		go func(f func(*Config)) {
			defer func() {
				if r := recover(); r != nil {
					w.logger.Error("Configuration callback panic", "panic", r)
				}
			}()
			f(config)
		}(cb)
	}
}
