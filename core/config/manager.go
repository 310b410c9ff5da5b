package config

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"
)

// DefaultDebounce coalesces the burst of events editors emit on save.
const DefaultDebounce = 100 * time.Millisecond

// Manager holds the active configuration and reloads it from its files.
// A reload that fails validation keeps the previous configuration.
type Manager struct {
	current  atomic.Pointer[Config]
	paths    []string
	env      LookupEnv
	logger   *slog.Logger
	debounce time.Duration

	watchers  []func(*Config)
	watcherMu sync.RWMutex
	stopWatch chan struct{}
	watchOnce sync.Once
}

// ManagerOption configures a Manager.
type ManagerOption func(*Manager)

// WithEnv replaces the environment lookup.
func WithEnv(env LookupEnv) ManagerOption {
	return func(m *Manager) {
		m.env = env
	}
}

// WithManagerLogger sets the logger used for reload events.
func WithManagerLogger(logger *slog.Logger) ManagerOption {
	return func(m *Manager) {
		if logger != nil {
			m.logger = logger
		}
	}
}

// WithDebounce sets how long Watch waits for events to settle.
func WithDebounce(d time.Duration) ManagerOption {
	return func(m *Manager) {
		if d > 0 {
			m.debounce = d
		}
	}
}

// NewManager creates a Manager over the given files, later files taking
// precedence. It starts with the defaults until Load is called.
func NewManager(paths []string, opts ...ManagerOption) *Manager {
	m := &Manager{
		paths:     paths,
		env:       os.LookupEnv,
		logger:    slog.Default(),
		debounce:  DefaultDebounce,
		stopWatch: make(chan struct{}),
	}
	for _, opt := range opts {
		opt(m)
	}
	m.current.Store(DefaultConfig())
	return m
}

func (m *Manager) Get() *Config {
	return m.current.Load()
}

// Load rebuilds the configuration and notifies watchers on success.
func (m *Manager) Load() error {
	cfg, err := load(m.paths, m.env)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	m.current.Store(cfg)
	m.notifyWatchers(cfg)
	return nil
}

func (m *Manager) Reload() error {
	return m.Load()
}

// OnChange registers fn to receive every newly loaded configuration.
func (m *Manager) OnChange(fn func(*Config)) {
	m.watcherMu.Lock()
	m.watchers = append(m.watchers, fn)
	m.watcherMu.Unlock()
}

func (m *Manager) notifyWatchers(cfg *Config) {
	m.watcherMu.RLock()
	watchers := m.watchers
	m.watcherMu.RUnlock()

	for _, fn := range watchers {
		fn(cfg)
	}
}

// Watch reloads whenever one of the files changes, until ctx is done or
// Close is called. Parent directories are watched so that atomic renames
// by editors are seen.
func (m *Manager) Watch(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("watch config: %w", err)
	}

	targets := make(map[string]struct{}, len(m.paths))
	dirs := make(map[string]struct{}, len(m.paths))
	for _, path := range m.paths {
		abs, err := filepath.Abs(path)
		if err != nil {
			watcher.Close()
			return fmt.Errorf("watch config: %w", err)
		}
		targets[abs] = struct{}{}
		dirs[filepath.Dir(abs)] = struct{}{}
	}
	for dir := range dirs {
		if err := watcher.Add(dir); err != nil {
			watcher.Close()
			return fmt.Errorf("watch config %s: %w", dir, err)
		}
	}

	go m.watchLoop(ctx, watcher, targets)
	return nil
}

func (m *Manager) watchLoop(ctx context.Context, watcher *fsnotify.Watcher, targets map[string]struct{}) {
	defer watcher.Close()

	var timer *time.Timer
	var fire <-chan time.Time
	defer func() {
		if timer != nil {
			timer.Stop()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case <-m.stopWatch:
			return
		case event, ok := <-watcher.Events:
			if !ok {
				return
			}
			if _, watched := targets[filepath.Clean(event.Name)]; !watched {
				continue
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) && !event.Has(fsnotify.Rename) {
				continue
			}
			if timer == nil {
				timer = time.NewTimer(m.debounce)
			} else {
				timer.Reset(m.debounce)
			}
			fire = timer.C
		case err, ok := <-watcher.Errors:
			if !ok {
				return
			}
			m.logger.Warn("config watcher error", "error", err)
		case <-fire:
			fire = nil
			if err := m.Reload(); err != nil {
				m.logger.Warn("config reload rejected", "error", err)
				continue
			}
			m.logger.Info("config reloaded", "paths", m.paths)
		}
	}
}

// Close stops any running Watch loop.
func (m *Manager) Close() error {
	m.watchOnce.Do(func() {
		close(m.stopWatch)
	})
	return nil
}
