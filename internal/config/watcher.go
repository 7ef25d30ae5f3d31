package config

import (
	"context"
	"path/filepath"
	"sync"

	"smsbridge/internal/models"

	"github.com/fsnotify/fsnotify"
	"github.com/sirupsen/logrus"
)

// Watcher reloads the configuration when the file changes on disk and
// notifies registered callbacks. Classification rule reloads ride on this:
// the orchestrator registers a callback that rebuilds the classifier.
type Watcher struct {
	configPath string
	logger     *logrus.Logger
	mu         sync.RWMutex
	config     *models.Config
	callbacks  []func(*models.Config)
	watcher    *fsnotify.Watcher
	wg         sync.WaitGroup
}

// NewWatcher creates a new configuration watcher
func NewWatcher(configPath string, logger *logrus.Logger) *Watcher {
	return &Watcher{
		configPath: configPath,
		logger:     logger,
		callbacks:  make([]func(*models.Config), 0),
	}
}

// OnReload registers a callback invoked after each successful reload.
func (w *Watcher) OnReload(cb func(*models.Config)) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.callbacks = append(w.callbacks, cb)
}

// Config returns the current configuration snapshot.
func (w *Watcher) Config() *models.Config {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.config
}

// Start loads the initial configuration and begins watching. Watching the
// parent directory instead of the file itself survives editors and
// orchestrators that replace the file atomically.
func (w *Watcher) Start(ctx context.Context) error {
	config, err := LoadConfig(w.configPath)
	if err != nil {
		return err
	}

	w.mu.Lock()
	w.config = config
	w.mu.Unlock()

	fsWatcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	if err := fsWatcher.Add(filepath.Dir(w.configPath)); err != nil {
		if closeErr := fsWatcher.Close(); closeErr != nil {
			w.logger.WithError(closeErr).Warn("Failed to close fs watcher")
		}
		return err
	}
	w.watcher = fsWatcher

	w.wg.Add(1)
	go w.watchLoop(ctx)

	w.logger.WithField("path", w.configPath).Info("Configuration watcher started")
	return nil
}

// Stop shuts down the watcher.
func (w *Watcher) Stop() {
	if w.watcher != nil {
		if err := w.watcher.Close(); err != nil {
			w.logger.WithError(err).Warn("Failed to close fs watcher")
		}
	}
	w.wg.Wait()
}

func (w *Watcher) watchLoop(ctx context.Context) {
	defer w.wg.Done()

	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != filepath.Clean(w.configPath) {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}
			w.reload()
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.logger.WithError(err).Warn("Configuration watcher error")
		}
	}
}

func (w *Watcher) reload() {
	config, err := LoadConfig(w.configPath)
	if err != nil {
		w.logger.WithError(err).Error("Failed to reload configuration, keeping previous")
		return
	}

	w.mu.Lock()
	w.config = config
	callbacks := make([]func(*models.Config), len(w.callbacks))
	copy(callbacks, w.callbacks)
	w.mu.Unlock()

	w.logger.Info("Configuration reloaded")
	for _, cb := range callbacks {
		cb(config)
	}
}
