package config

import (
	"context"
	"fmt"
	"os"
	"sync"
	"time"

	"qtune/internal/logger"
)

// ConfigWatcher 轮询配置文件的修改时间，变化后重新加载并回调
type ConfigWatcher struct {
	configPath    string
	checkInterval time.Duration
	lastModTime   time.Time
	callbacks     []ConfigUpdateCallback
	log           logger.Logger
	mu            sync.RWMutex
	running       bool
}

// ConfigUpdateCallback represents a callback function for configuration updates
type ConfigUpdateCallback func(*Config) error

// NewConfigWatcher creates a new configuration watcher
func NewConfigWatcher(configPath string, checkInterval time.Duration, log logger.Logger) *ConfigWatcher {
	if checkInterval <= 0 {
		checkInterval = 10 * time.Second
	}
	if log == nil {
		log = logger.GetGlobalLogger()
	}
	w := &ConfigWatcher{
		configPath:    configPath,
		checkInterval: checkInterval,
		log:           log,
	}
	if stat, err := os.Stat(configPath); err == nil {
		w.lastModTime = stat.ModTime()
	}
	return w
}

// AddCallback adds a callback for configuration updates
func (w *ConfigWatcher) AddCallback(callback ConfigUpdateCallback) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.callbacks = append(w.callbacks, callback)
}

// Start blocks until ctx is done
func (w *ConfigWatcher) Start(ctx context.Context) error {
	w.mu.Lock()
	if w.running {
		w.mu.Unlock()
		return nil
	}
	w.running = true
	w.mu.Unlock()

	w.log.Info("Starting configuration watcher", "path", w.configPath, "interval", w.checkInterval)

	ticker := time.NewTicker(w.checkInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			w.mu.Lock()
			w.running = false
			w.mu.Unlock()
			w.log.Info("Configuration watcher stopped")
			return ctx.Err()

		case <-ticker.C:
			if _, err := w.CheckAndReload(); err != nil {
				w.log.Warn("Error checking configuration", "path", w.configPath, "error", err)
			}
		}
	}
}

// CheckAndReload 文件有变化时重新加载；返回是否触发了回调。
// 新配置校验失败时保留旧配置，下次修改再试
func (w *ConfigWatcher) CheckAndReload() (bool, error) {
	stat, err := os.Stat(w.configPath)
	if err != nil {
		return false, fmt.Errorf("failed to stat config file: %w", err)
	}

	modTime := stat.ModTime()
	if !modTime.After(w.lastModTime) {
		return false, nil
	}
	w.lastModTime = modTime

	w.log.Info("Configuration file changed, reloading", "path", w.configPath)

	newConfig, err := Load(w.configPath)
	if err != nil {
		return false, fmt.Errorf("failed to reload config: %w", err)
	}

	w.mu.RLock()
	callbacks := make([]ConfigUpdateCallback, len(w.callbacks))
	copy(callbacks, w.callbacks)
	w.mu.RUnlock()

	for _, callback := range callbacks {
		if err := callback(newConfig); err != nil {
			w.log.Error("Configuration update callback error", "error", err)
		}
	}

	w.log.Info("Configuration reloaded successfully")
	return true, nil
}

// IsRunning returns whether the watcher is currently running
func (w *ConfigWatcher) IsRunning() bool {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.running
}
