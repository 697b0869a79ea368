// 配置文件变更监听器实现。
//
// 轮询配置文件的修改时间与内容摘要，变化时重新加载并回调。
package config

import (
	"context"
	"crypto/sha256"
	"fmt"
	"os"
	"sync"
	"time"

	"go.uber.org/zap"
)

// --- 监听器类型定义 ---

// Watcher reloads a configuration file when it changes and hands the new
// *Config to registered callbacks. Invalid files are logged and skipped; the
// last good configuration stays current.
type Watcher struct {
	mu sync.RWMutex

	loader       *Loader
	path         string
	pollInterval time.Duration
	logger       *zap.Logger

	running  bool
	stopChan chan struct{}
	doneChan chan struct{}

	current   *Config
	lastMod   time.Time
	lastSum   [sha256.Size]byte
	callbacks []func(*Config)
}

// WatcherOption configures the Watcher
type WatcherOption func(*Watcher)

// WithPollInterval sets how often the file is checked
func WithPollInterval(d time.Duration) WatcherOption {
	return func(w *Watcher) {
		if d > 0 {
			w.pollInterval = d
		}
	}
}

// WithWatcherLogger sets the logger for the watcher
func WithWatcherLogger(logger *zap.Logger) WatcherOption {
	return func(w *Watcher) {
		if logger != nil {
			w.logger = logger
		}
	}
}

// --- 监听器实现 ---

// NewWatcher creates a watcher for path. The loader must already point at the
// same file; the initial configuration is loaded immediately.
func NewWatcher(loader *Loader, path string, opts ...WatcherOption) (*Watcher, error) {
	w := &Watcher{
		loader:       loader,
		path:         path,
		pollInterval: time.Second,
		logger:       zap.NewNop(),
		stopChan:     make(chan struct{}),
		doneChan:     make(chan struct{}),
	}
	for _, opt := range opts {
		opt(w)
	}
	w.logger = w.logger.With(zap.String("component", "config_watcher"))

	cfg, err := loader.Load()
	if err != nil {
		return nil, fmt.Errorf("initial config load: %w", err)
	}
	w.current = cfg

	if info, data, err := readWithInfo(path); err == nil {
		w.lastMod = info.ModTime()
		w.lastSum = sha256.Sum256(data)
	} else if !os.IsNotExist(err) {
		return nil, fmt.Errorf("failed to stat path %s: %w", path, err)
	}

	return w, nil
}

// OnReload registers a callback invoked with every successfully reloaded config
func (w *Watcher) OnReload(callback func(*Config)) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.callbacks = append(w.callbacks, callback)
}

// Current returns the last successfully loaded configuration
func (w *Watcher) Current() *Config {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.current
}

// Start begins polling until ctx is done or Stop is called
func (w *Watcher) Start(ctx context.Context) error {
	w.mu.Lock()
	if w.running {
		w.mu.Unlock()
		return fmt.Errorf("watcher already running")
	}
	w.running = true
	w.mu.Unlock()

	go w.pollLoop(ctx)

	w.logger.Info("config watcher started",
		zap.String("path", w.path),
		zap.Duration("poll_interval", w.pollInterval))
	return nil
}

// Stop stops the watcher and waits for the poll loop to exit
func (w *Watcher) Stop() {
	w.mu.Lock()
	if !w.running {
		w.mu.Unlock()
		return
	}
	w.running = false
	close(w.stopChan)
	w.mu.Unlock()

	<-w.doneChan
	w.logger.Info("config watcher stopped")
}

// IsRunning returns whether the watcher is running
func (w *Watcher) IsRunning() bool {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.running
}

func (w *Watcher) pollLoop(ctx context.Context) {
	defer close(w.doneChan)

	ticker := time.NewTicker(w.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			w.mu.Lock()
			w.running = false
			w.mu.Unlock()
			return
		case <-w.stopChan:
			return
		case <-ticker.C:
			w.Check()
		}
	}
}

// Check compares the file against the last seen state and reloads on change.
// It returns true when a new configuration was applied.
func (w *Watcher) Check() bool {
	info, data, err := readWithInfo(w.path)
	if err != nil {
		if !os.IsNotExist(err) {
			w.logger.Warn("config file unreadable", zap.Error(err))
		}
		return false
	}

	sum := sha256.Sum256(data)

	w.mu.Lock()
	// mtime 相同且内容相同时跳过；仅 touch 不触发重载
	if info.ModTime().Equal(w.lastMod) && sum == w.lastSum {
		w.mu.Unlock()
		return false
	}
	w.lastMod = info.ModTime()
	if sum == w.lastSum {
		w.mu.Unlock()
		return false
	}
	w.lastSum = sum
	w.mu.Unlock()

	cfg, err := w.loader.Load()
	if err == nil {
		err = cfg.Validate()
	}
	if err != nil {
		w.logger.Error("config reload rejected, keeping previous config", zap.Error(err))
		return false
	}

	w.mu.Lock()
	w.current = cfg
	callbacks := make([]func(*Config), len(w.callbacks))
	copy(callbacks, w.callbacks)
	w.mu.Unlock()

	w.logger.Info("config reloaded", zap.String("path", w.path))
	for _, cb := range callbacks {
		cb(cfg)
	}
	return true
}

func readWithInfo(path string) (os.FileInfo, []byte, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, nil, err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, nil, err
	}
	return info, data, nil
}
